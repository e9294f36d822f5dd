package content

import (
	"bytes"
	"compress/flate"
	"net/http"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func compress(t *testing.T, encoding string, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	switch encoding {
	case "gzip":
		w := gzip.NewWriter(&buf)
		_, err := w.Write(data)
		require.NoError(t, err)
		require.NoError(t, w.Close())
	case "deflate":
		w, err := flate.NewWriter(&buf, flate.DefaultCompression)
		require.NoError(t, err)
		_, err = w.Write(data)
		require.NoError(t, err)
		require.NoError(t, w.Close())
	case "br":
		w := brotli.NewWriter(&buf)
		_, err := w.Write(data)
		require.NoError(t, err)
		require.NoError(t, w.Close())
	}
	return buf.Bytes()
}

func TestDecode(t *testing.T) {
	plain := []byte("<html><title>hi</title></html>")
	for _, enc := range []string{"gzip", "deflate", "br"} {
		t.Run(enc, func(t *testing.T) {
			got, err := Decode(compress(t, enc, plain), enc)
			require.NoError(t, err)
			assert.Equal(t, plain, got)
		})
	}

	got, err := Decode(plain, "")
	require.NoError(t, err)
	assert.Equal(t, plain, got)

	got, err = Decode(plain, "zstd-unknown")
	require.NoError(t, err)
	assert.Equal(t, plain, got)

	_, err = Decode([]byte("not gzip"), "gzip")
	assert.Error(t, err)
}

func TestMediaType(t *testing.T) {
	h := http.Header{"Content-Type": {"Text/HTML; charset=ISO-8859-1"}}
	mt, params := MediaType(h)
	assert.Equal(t, "text/html", mt)
	assert.Equal(t, "ISO-8859-1", params["charset"])
	assert.True(t, IsHTML(h))
	assert.True(t, IsText(h))

	h = http.Header{"Content-Type": {"application/vnd.api+json"}}
	assert.False(t, IsHTML(h))
	assert.True(t, IsText(h))

	assert.False(t, IsText(http.Header{"Content-Type": {"image/png"}}))
}

func TestParseHTML(t *testing.T) {
	doc := []byte(`<html><head><title>
		Login   page</title><script>var x = 1;</script></head>
		<body><form action="/login"><input name="user" type="text"><input name="pw" type="password"></form></body></html>`)

	src, err := ParseHTML(doc, "text/html; charset=utf-8")
	require.NoError(t, err)

	assert.Equal(t, "Login page", src.Title())
	assert.NotContains(t, src.Text(), "var x")

	nodes, err := src.Find(`input[type="password"]`)
	require.NoError(t, err)
	require.Len(t, nodes, 1)

	found, err := src.ScriptMethods()["find"]("form")
	require.NoError(t, err)
	elems := found.([]any)
	require.Len(t, elems, 1)
	el := elems[0].(map[string]any)
	assert.Equal(t, "form", el["tag"])
	assert.Equal(t, "/login", el["attrs"].(map[string]any)["action"])

	_, err = src.Find("[[[")
	assert.Error(t, err)
}
