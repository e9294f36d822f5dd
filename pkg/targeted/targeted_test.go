package targeted

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fidiego/hookproxy/pkg/dispatch"
	"github.com/fidiego/hookproxy/pkg/message"
	"github.com/fidiego/hookproxy/pkg/proxy"
	"github.com/fidiego/hookproxy/pkg/script"
	"github.com/fidiego/hookproxy/pkg/script/native"
	"github.com/fidiego/hookproxy/pkg/script/starlarkrt"
)

func history(urls ...string) *proxy.FlowStore {
	s := proxy.NewFlowStore(10)
	for i, u := range urls {
		s.Add(&proxy.Flow{
			ID:      string(rune('a' + i)),
			Message: message.New(&message.Request{Method: "GET", URL: u, Headers: http.Header{}, Path: u[len("http://x.test"):]}),
		})
	}
	return s
}

func runner(t *testing.T, h *proxy.FlowStore, units ...*script.Unit) *Runner {
	t.Helper()
	store := script.NewStore()
	for _, u := range units {
		require.NoError(t, store.Add(u))
	}
	return New(dispatch.New(store), h, h)
}

func TestRun_WorksOnCopy(t *testing.T) {
	h := history("http://x.test/a")
	u, err := script.Load("rewrite", script.Targeted, `
def invokeWith(msg):
    msg.setRequestHeader("X-Targeted", "1")
    msg.note("seen " + msg.url())
`, starlarkrt.New())
	require.NoError(t, err)
	r := runner(t, h, u)

	// Disabled units can still be run by name.
	res, err := r.Run(context.Background(), "rewrite", 1)
	require.NoError(t, err)
	assert.Empty(t, res.Error)
	assert.Equal(t, "1", res.Message.Request.Headers.Get("X-Targeted"))
	assert.Equal(t, []string{"seen http://x.test/a"}, res.Message.Notes)

	orig, err := h.Message(1)
	require.NoError(t, err)
	assert.Empty(t, orig.Request.Headers.Get("X-Targeted"))
	assert.Empty(t, orig.Notes)
}

func TestRun_NotFound(t *testing.T) {
	h := history("http://x.test/a")
	u := native.Script{script.InvokeWith: func(context.Context, ...any) (any, error) { return nil, nil }}.Unit("noop", script.Targeted)
	r := runner(t, h, u)

	_, err := r.Run(context.Background(), "missing", 1)
	assert.ErrorIs(t, err, script.ErrNotFound)
	_, err = r.Run(context.Background(), "noop", 99)
	assert.ErrorIs(t, err, proxy.ErrNotFound)
}

func TestRun_FailureIsReported(t *testing.T) {
	h := history("http://x.test/a")
	u := native.Script{script.InvokeWith: func(_ context.Context, args ...any) (any, error) {
		args[0].(*message.Message).AddNote("partial")
		panic("bad script")
	}}.Unit("bad", script.Targeted)
	r := runner(t, h, u)

	res, err := r.Run(context.Background(), "bad", 1)
	require.NoError(t, err)
	assert.Contains(t, res.Error, "bad script")
	// Rolled back.
	assert.Empty(t, res.Message.Notes)
	assert.EqualValues(t, 1, u.RunErrorCount())
}

func TestRunEnabled(t *testing.T) {
	h := history("http://x.test/a")
	var got []string
	mk := func(name string) *script.Unit {
		return native.Script{script.InvokeWith: func(_ context.Context, args ...any) (any, error) {
			msg := args[0].(*message.Message)
			// Each unit sees a fresh copy.
			assert.Empty(t, msg.Notes)
			msg.AddNote(name)
			got = append(got, name)
			return nil, nil
		}}.Unit(name, script.Targeted)
	}
	one, two, off := mk("one"), mk("two"), mk("off")
	r := runner(t, h, one, two, off)
	require.NoError(t, r.engine.Store().SetEnabled(script.Targeted, "off", false))

	results, err := r.RunEnabled(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two"}, got)
	require.Len(t, results, 2)
	assert.Equal(t, []string{"one"}, results[0].Message.Notes)

	_, err = r.RunEnabled(context.Background(), 42)
	assert.ErrorIs(t, err, proxy.ErrNotFound)
}

func TestRunMatching(t *testing.T) {
	h := history("http://x.test/api/users", "http://x.test/static/app.js", "http://x.test/api/orders")
	var urls []string
	u := native.Script{script.InvokeWith: func(_ context.Context, args ...any) (any, error) {
		urls = append(urls, args[0].(*message.Message).Request.URL)
		return nil, nil
	}}.Unit("collect", script.Targeted)
	r := runner(t, h, u)

	results, err := r.RunMatching(context.Background(), "collect", "~p /api")
	require.NoError(t, err)
	assert.Equal(t, []string{"http://x.test/api/users", "http://x.test/api/orders"}, urls)
	require.Len(t, results, 2)
	assert.EqualValues(t, 3, results[1].HistoryID)

	_, err = r.RunMatching(context.Background(), "collect", "~q nope")
	assert.Error(t, err)
}
