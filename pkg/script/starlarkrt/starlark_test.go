package starlarkrt

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fidiego/hookproxy/pkg/dispatch"
	"github.com/fidiego/hookproxy/pkg/message"
	"github.com/fidiego/hookproxy/pkg/script"
)

const allowScript = `
def proxyRequest(msg):
    return True

def proxyResponse(msg):
    return True
`

const blockScript = `
def proxyRequest(msg):
    return "blocked" not in msg.url()

def proxyResponse(msg):
    return True
`

func newMessage(url string) *message.Message {
	return message.New(&message.Request{Method: "GET", URL: url, Headers: http.Header{}})
}

func TestCompile_ParseFailure(t *testing.T) {
	_, err := New().Compile("bad", "def proxyRequest(msg)\n    return True\n")
	assert.ErrorIs(t, err, script.ErrParseFailure)

	_, err = New().Compile("toplevel", "x = 1 // 0\n")
	assert.ErrorIs(t, err, script.ErrParseFailure)
}

func TestLoad_InvalidContract(t *testing.T) {
	_, err := script.Load("half", script.Proxy, "def proxyRequest(msg):\n    return True\n", New())
	assert.ErrorIs(t, err, script.ErrInvalidContract)

	// A global that is not a function does not count.
	_, err = script.Load("notfn", script.Targeted, "invokeWith = 1\n", New())
	assert.ErrorIs(t, err, script.ErrInvalidContract)
}

func TestBlockedURLScenario(t *testing.T) {
	store := script.NewStore()
	load := func(name, src string) *script.Unit {
		u, err := script.Load(name, script.Proxy, src, New(), script.WithEnabled(true))
		require.NoError(t, err)
		require.NoError(t, store.Add(u))
		return u
	}
	allow := load("allow", allowScript)
	block := load("block", blockScript)
	e := dispatch.New(store)
	fire := func(url string) dispatch.Outcome {
		return e.Fire(context.Background(), dispatch.Firing{
			Type: script.Proxy, EntryPoint: script.ProxyRequest, Args: []any{newMessage(url)},
		})
	}
	assert.EqualValues(t, 0, allow.Invocations())
	assert.EqualValues(t, 0, block.Invocations())

	out := fire("http://example.com/blocked/page")
	assert.False(t, out.Decision)
	assert.Equal(t, 2, out.Invoked)
	assert.EqualValues(t, 1, allow.Invocations())
	assert.EqualValues(t, 1, block.Invocations())

	out = fire("http://example.com/ok")
	assert.True(t, out.Decision)
	assert.Zero(t, out.Failed)
	assert.EqualValues(t, 2, allow.Invocations())
	assert.EqualValues(t, 2, block.Invocations())
}

func TestCall_MutatesMessage(t *testing.T) {
	h, err := New().Compile("mut", `
def invokeWith(msg):
    msg.setRequestHeader("X-Script", "yes")
    msg.setRequestJson("n", 3)
    msg.note("count=%d" % int(msg.jsonGet("n")))
`)
	require.NoError(t, err)

	msg := newMessage("http://x/")
	msg.Request.Body = []byte(`{}`)
	_, err = h.Call(context.Background(), script.InvokeWith, msg)
	require.NoError(t, err)

	assert.Equal(t, "yes", msg.Request.Headers.Get("X-Script"))
	assert.JSONEq(t, `{"n":3}`, string(msg.Request.Body))
	assert.Equal(t, []string{"count=3"}, msg.Notes)
}

func TestCall_Conversions(t *testing.T) {
	h, err := New().Compile("conv", `
def processPayload(p):
    return {"s": p["s"] + "!", "n": p["n"] + 1, "l": p["l"] + [True], "none": None, "f": 1.5}
`)
	require.NoError(t, err)

	res, err := h.Call(context.Background(), script.ProcessPayload, map[string]any{
		"s": "hi", "n": int64(41), "l": []any{"x"},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"s": "hi!", "n": int64(42), "l": []any{"x", true}, "none": nil, "f": 1.5,
	}, res)
}

func TestCall_RuntimeError(t *testing.T) {
	h, err := New().Compile("err", `
def invokeWith(msg):
    return msg.nosuchmethod()
`)
	require.NoError(t, err)

	_, err = h.Call(context.Background(), script.InvokeWith, newMessage("http://x/"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nosuchmethod")
}

func TestCall_HostErrorSurfaces(t *testing.T) {
	h, err := New().Compile("host", `
def invokeWith(msg):
    msg.setStatus(200)
`)
	require.NoError(t, err)

	_, err = h.Call(context.Background(), script.InvokeWith, newMessage("http://x/"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no response")
}

func TestCall_Cancelled(t *testing.T) {
	h, err := New().Compile("spin", `
def invokeWith(msg):
    x = 0
    for i in range(1000000000):
        x += i
    return x
`)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	u := script.NewUnit("spin", script.Targeted, RuntimeName, h)
	start := time.Now()
	_, err = u.Invoke(ctx, script.InvokeWith, newMessage("http://x/"))
	assert.ErrorIs(t, err, script.ErrTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestCall_MaxSteps(t *testing.T) {
	h, err := New(WithMaxSteps(1000)).Compile("steps", `
def invokeWith(msg):
    for i in range(1000000):
        pass
`)
	require.NoError(t, err)

	_, err = h.Call(context.Background(), script.InvokeWith, newMessage("http://x/"))
	assert.Error(t, err)
}

func TestGlobalsFrozen(t *testing.T) {
	h, err := New().Compile("frozen", `
seen = []

def invokeWith(msg):
    seen.append(msg.url())
`)
	require.NoError(t, err)
	assert.True(t, h.Concurrent())

	_, err = h.Call(context.Background(), script.InvokeWith, newMessage("http://x/"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "frozen")
}

func TestStarlibAndJSON(t *testing.T) {
	h, err := New().Compile("libs", `
load("re.star", "re")

def invokeWith(msg):
    ids = re.findall("[0-9]+", msg.url())
    return json.encode({"ids": ids})
`)
	require.NoError(t, err)

	res, err := h.Call(context.Background(), script.InvokeWith, newMessage("http://x/users/12/posts/7"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"ids":["12","7"]}`, res.(string))
}
