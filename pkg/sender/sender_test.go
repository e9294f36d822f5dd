package sender

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fidiego/hookproxy/pkg/dispatch"
	"github.com/fidiego/hookproxy/pkg/message"
	"github.com/fidiego/hookproxy/pkg/script"
	"github.com/fidiego/hookproxy/pkg/script/native"
	"github.com/fidiego/hookproxy/pkg/script/starlarkrt"
)

func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("X-Seen-Header", r.Header.Get("X-Hook"))
		fmt.Fprintf(w, "%s %s %s", r.Method, r.URL.Path, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newRequestMessage(url string) *message.Message {
	return message.New(&message.Request{Method: "POST", URL: url, Headers: http.Header{}, Body: []byte("payload")})
}

func TestSend_FiresHooksAroundSend(t *testing.T) {
	srv := echoServer(t)

	type call struct {
		ep        string
		initiator int64
		status    int
	}
	var mu sync.Mutex
	var calls []call
	record := func(ep string) native.Fn {
		return func(_ context.Context, args ...any) (any, error) {
			msg := args[0].(*message.Message)
			status := 0
			if msg.HasResponse() {
				status = msg.Response.StatusCode
			}
			if ep == script.SendingRequest {
				msg.Request.Headers.Set("X-Hook", "added")
			}
			mu.Lock()
			calls = append(calls, call{ep, args[1].(int64), status})
			mu.Unlock()
			return nil, nil
		}
	}
	store := script.NewStore()
	require.NoError(t, store.Add(native.Script{
		script.SendingRequest:   record(script.SendingRequest),
		script.ResponseReceived: record(script.ResponseReceived),
	}.Unit("rec", script.HTTPSender)))

	s := New(dispatch.New(store))
	msg := newRequestMessage(srv.URL + "/path")
	require.NoError(t, s.Send(context.Background(), msg, InitiatorManual))

	require.Len(t, calls, 2)
	assert.Equal(t, call{script.SendingRequest, 6, 0}, calls[0])
	assert.Equal(t, call{script.ResponseReceived, 6, 200}, calls[1])
	assert.Equal(t, "POST /path payload", string(msg.Response.Body))
	assert.Equal(t, "added", msg.Response.Headers.Get("X-Seen-Header"))
}

func TestSend_TruncatesBody(t *testing.T) {
	srv := echoServer(t)
	s := New(nil, WithMaxBodySize(4))
	msg := newRequestMessage(srv.URL + "/long")
	require.NoError(t, s.Send(context.Background(), msg, InitiatorManual))
	assert.Equal(t, "POST", string(msg.Response.Body))
	assert.True(t, msg.Response.BodyTruncated)
}

func TestSend_UpstreamError(t *testing.T) {
	s := New(nil)
	err := s.Send(context.Background(), newRequestMessage("http://127.0.0.1:1/"), InitiatorManual)
	assert.Error(t, err)
}

// TestHelper_ScriptSendIsDepthLimited checks a script that sends from its
// own hook stops at the nesting limit.
func TestHelper_ScriptSendIsDepthLimited(t *testing.T) {
	srv := echoServer(t)
	u, err := script.Load("recurse", script.HTTPSender, fmt.Sprintf(`
def sendingRequest(msg, initiator, helper):
    m = helper.newMessage(%q, "GET")
    helper.send(m)

def responseReceived(msg, initiator, helper):
    pass
`, srv.URL+"/nested"), starlarkrt.New(), script.WithEnabled(true))
	require.NoError(t, err)

	store := script.NewStore()
	require.NoError(t, store.Add(u))
	var failures []error
	e := dispatch.New(store, dispatch.WithReporter(dispatch.ReporterFunc(func(_ *script.Unit, err *script.InvocationError) {
		failures = append(failures, err)
	})))

	s := New(e, WithMaxDepth(2))
	msg := newRequestMessage(srv.URL + "/top")
	require.NoError(t, s.Send(context.Background(), msg, InitiatorManual))

	require.NotEmpty(t, failures)
	assert.Contains(t, failures[0].Error(), "nested send depth exceeded")
	assert.Equal(t, 200, msg.Response.StatusCode)
}

func TestInitiatorString(t *testing.T) {
	assert.Equal(t, "proxy", InitiatorProxy.String())
	assert.Equal(t, "fuzzer", InitiatorFuzzer.String())
	assert.EqualValues(t, 8, InitiatorScript)
	assert.Equal(t, "initiator(42)", Initiator(42).String())
}
