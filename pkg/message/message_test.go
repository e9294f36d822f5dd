package message

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMessage() *Message {
	m := New(&Request{
		Method:  "POST",
		URL:     "http://example.com/api/users?id=1",
		Path:    "/api/users",
		Host:    "example.com",
		Headers: http.Header{"Content-Type": {"application/json"}, "Content-Length": {"15"}},
		Body:    []byte(`{"name":"alice"}`),
		Proto:   "HTTP/1.1",
	})
	return m
}

func call(t *testing.T, m *Message, method string, args ...any) any {
	t.Helper()
	fn, ok := m.ScriptMethods()[method]
	require.True(t, ok, "method %s", method)
	v, err := fn(args...)
	require.NoError(t, err)
	return v
}

func TestNewRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "http://example.com/a?b=c", nil)
	r.Header.Set("X-Test", "1")

	req := NewRequest(r)
	assert.Equal(t, "GET", req.Method)
	assert.Equal(t, "http://example.com/a?b=c", req.URL)
	assert.Equal(t, "/a", req.Path)
	assert.Equal(t, "example.com", req.Host)
	assert.Equal(t, "1", req.Headers.Get("X-Test"))

	r.Header.Set("X-Test", "2")
	assert.Equal(t, "1", req.Headers.Get("X-Test"), "headers are copied")
}

func TestHTTPRequestRoundTrip(t *testing.T) {
	m := newTestMessage()
	req, err := m.Request.HTTPRequest(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "POST", req.Method)
	assert.EqualValues(t, len(m.Request.Body), req.ContentLength)
	assert.Empty(t, req.Header.Get("Content-Length"))
	body, _ := io.ReadAll(req.Body)
	assert.Equal(t, m.Request.Body, body)
}

func TestScriptMutations(t *testing.T) {
	m := newTestMessage()

	call(t, m, "setMethod", "put")
	call(t, m, "setRequestHeader", "X-Added", "yes")
	call(t, m, "removeRequestHeader", "Content-Type")
	call(t, m, "setRequestBody", "hello")
	call(t, m, "note", "seen")

	assert.Equal(t, "PUT", call(t, m, "method"))
	assert.Equal(t, "yes", call(t, m, "requestHeader", "X-Added"))
	assert.Equal(t, "", call(t, m, "requestHeader", "Content-Type"))
	assert.Equal(t, "hello", call(t, m, "requestBody"))
	assert.Equal(t, "5", m.Request.Headers.Get("Content-Length"))
	assert.Equal(t, []string{"seen"}, m.Notes)

	call(t, m, "setUrl", "https://other.test/x")
	assert.Equal(t, "other.test", m.Request.Host)
	assert.Equal(t, "/x", m.Request.Path)

	_, err := m.ScriptMethods()["setUrl"]("/relative")
	assert.Error(t, err)
}

func TestResponseMethods(t *testing.T) {
	m := newTestMessage()
	assert.Equal(t, false, call(t, m, "hasResponse"))
	assert.Equal(t, int64(0), call(t, m, "status"))

	_, err := m.ScriptMethods()["setStatus"](int64(404))
	assert.ErrorIs(t, err, errNoResponse)

	m.SetResponse(&Response{StatusCode: 200, Body: []byte("ok")})
	call(t, m, "setStatus", int64(404))
	call(t, m, "setResponseHeader", "X-Frame-Options", "DENY")
	call(t, m, "setResponseBody", "gone")

	assert.Equal(t, int64(404), call(t, m, "status"))
	assert.Equal(t, "DENY", call(t, m, "responseHeader", "x-frame-options"))
	assert.Equal(t, "gone", call(t, m, "responseBody"))
	assert.Equal(t, "POST http://example.com/api/users?id=1 -> 404", m.String())
}

func TestJSONAccessors(t *testing.T) {
	m := newTestMessage()
	assert.Equal(t, "alice", call(t, m, "jsonGet", "name"))
	assert.Nil(t, call(t, m, "jsonGet", "missing"))

	call(t, m, "setRequestJson", "role", "admin")
	assert.Equal(t, "admin", call(t, m, "jsonGet", "role", "request"))

	var gz bytes.Buffer
	w := gzip.NewWriter(&gz)
	_, _ = w.Write([]byte(`{"items":[{"id":1},{"id":2}]}`))
	require.NoError(t, w.Close())
	m.SetResponse(&Response{
		StatusCode: 200,
		Headers:    http.Header{"Content-Encoding": {"gzip"}},
		Body:       gz.Bytes(),
	})

	assert.Equal(t, float64(2), call(t, m, "jsonGet", "items.#"))
	assert.Equal(t, float64(2), call(t, m, "jsonGet", "items.1.id"))

	call(t, m, "setResponseJson", "items.0.id", 7)
	assert.Empty(t, m.Response.Headers.Get("Content-Encoding"))
	assert.Equal(t, float64(7), call(t, m, "jsonGet", "items.0.id"))
}

func TestCheckpointRestore(t *testing.T) {
	m := newTestMessage()
	m.SetResponse(&Response{StatusCode: 200, Headers: http.Header{}, Body: []byte("a")})

	restore := m.Checkpoint()
	call(t, m, "setRequestBody", "changed")
	call(t, m, "setStatus", int64(500))
	call(t, m, "note", "x")
	m.ForceIntercept()
	restore()

	assert.Equal(t, `{"name":"alice"}`, string(m.Request.Body))
	assert.Equal(t, 200, m.Response.StatusCode)
	assert.Empty(t, m.Notes)
	assert.False(t, m.InterceptForced(), "restore drops the flag")

	m.ForceIntercept()
	restore = m.Checkpoint()
	call(t, m, "note", "y")
	restore()
	assert.True(t, m.InterceptForced(), "a flag set before the checkpoint survives")
}

func TestSetBodyClearsTruncation(t *testing.T) {
	m := newTestMessage()
	m.Request.BodyTruncated = true
	m.SetResponse(&Response{StatusCode: 200, Headers: http.Header{}, Body: []byte("par"), BodyTruncated: true})

	call(t, m, "setRequestBody", "whole")
	assert.False(t, m.Request.BodyTruncated)
	assert.True(t, m.Response.BodyTruncated)

	m.SetResponseBody([]byte("whole"))
	assert.False(t, m.Response.BodyTruncated)

	m.Request.BodyTruncated = true
	call(t, m, "setRequestJson", "name", "bob")
	assert.False(t, m.Request.BodyTruncated)
}

func TestClone(t *testing.T) {
	m := newTestMessage()
	m.ForceIntercept()
	c := m.Clone()

	call(t, c, "setRequestHeader", "X-Clone", "1")
	assert.Empty(t, m.Request.Headers.Get("X-Clone"))
	assert.False(t, c.InterceptForced())
}
