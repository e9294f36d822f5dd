package proxy

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fidiego/hookproxy/pkg/dispatch"
	"github.com/fidiego/hookproxy/pkg/message"
	"github.com/fidiego/hookproxy/pkg/script"
	"github.com/fidiego/hookproxy/pkg/script/native"
	"github.com/fidiego/hookproxy/pkg/script/starlarkrt"
)

type upstream struct {
	*httptest.Server
	mu   sync.Mutex
	hits []string
}

func newUpstream(t *testing.T) *upstream {
	t.Helper()
	up := &upstream{}
	up.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		up.mu.Lock()
		up.hits = append(up.hits, r.Method+" "+r.URL.RequestURI()+" "+r.Header.Get("X-Script")+" "+string(body))
		up.mu.Unlock()
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, "upstream says hi")
	}))
	t.Cleanup(up.Close)
	return up
}

func (u *upstream) Hits() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.hits...)
}

func newProxy(t *testing.T, up *upstream, opts Options, units ...*script.Unit) (*Engine, *httptest.Server) {
	t.Helper()
	store := script.NewStore()
	for _, u := range units {
		require.NoError(t, store.Add(u))
	}
	opts.Upstreams = []Upstream{{Name: "default", Prefix: "/", Target: up.URL}}
	opts.Scripts = dispatch.New(store)
	e, err := New(opts)
	require.NoError(t, err)
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	return e, srv
}

func proxyUnit(name string, req, resp native.Fn) *script.Unit {
	pass := func(context.Context, ...any) (any, error) { return true, nil }
	if req == nil {
		req = pass
	}
	if resp == nil {
		resp = pass
	}
	return native.Script{script.ProxyRequest: req, script.ProxyResponse: resp}.Unit(name, script.Proxy)
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(body)
}

func TestServeHTTP_PassThrough(t *testing.T) {
	up := newUpstream(t)
	e, srv := newProxy(t, up, Options{})

	code, body := get(t, srv.URL+"/hello?x=1")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "upstream says hi", body)

	flows := e.Store().All()
	require.Len(t, flows, 1)
	f := flows[0]
	assert.Equal(t, FlowStateComplete, f.State)
	assert.EqualValues(t, 1, f.HistoryID)
	assert.Equal(t, srv.URL+"/hello?x=1", f.Request.URL)
	assert.Equal(t, "upstream says hi", string(f.Response.Body))
}

func TestServeHTTP_BlockedURLIsDropped(t *testing.T) {
	up := newUpstream(t)
	blocker, err := script.Load("blocker", script.Proxy, `
def proxyRequest(msg):
    return "blocked" not in msg.url()

def proxyResponse(msg):
    return True
`, starlarkrt.New(), script.WithEnabled(true))
	require.NoError(t, err)
	var seen []string
	var mu sync.Mutex
	observer := proxyUnit("observer", func(_ context.Context, args ...any) (any, error) {
		mu.Lock()
		seen = append(seen, args[0].(*message.Message).Request.Path)
		mu.Unlock()
		return nil, nil
	}, nil)

	e, srv := newProxy(t, up, Options{}, blocker, observer)

	code, _ := get(t, srv.URL+"/blocked/page")
	assert.Equal(t, http.StatusForbidden, code)
	code, _ = get(t, srv.URL+"/fine")
	assert.Equal(t, http.StatusOK, code)

	// The observer ran for both, after the dropping unit.
	assert.Equal(t, []string{"/blocked/page", "/fine"}, seen)
	assert.Equal(t, []string{"GET /fine  "}, up.Hits())

	flows := e.Store().All()
	require.Len(t, flows, 2)
	assert.Equal(t, FlowStateDropped, flows[0].State)
	assert.Contains(t, flows[0].Error, script.ProxyRequest)
}

func TestServeHTTP_RequestEditsReachUpstream(t *testing.T) {
	up := newUpstream(t)
	editor := proxyUnit("editor", func(_ context.Context, args ...any) (any, error) {
		m := args[0].(*message.Message)
		methods := m.ScriptMethods()
		if _, err := methods["setRequestHeader"]("X-Script", "yes"); err != nil {
			return nil, err
		}
		if _, err := methods["setRequestBody"]("rewritten"); err != nil {
			return nil, err
		}
		_, err := methods["setUrl"](strings.Replace(m.Request.URL, "/old", "/new", 1))
		return nil, err
	}, nil)
	_, srv := newProxy(t, up, Options{}, editor)

	resp, err := http.Post(srv.URL+"/old?q=1", "text/plain", strings.NewReader("original"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"POST /new?q=1 yes rewritten"}, up.Hits())
}

func TestServeHTTP_ResponseEditsReachClient(t *testing.T) {
	up := newUpstream(t)
	editor := proxyUnit("editor", nil, func(_ context.Context, args ...any) (any, error) {
		methods := args[0].(*message.Message).ScriptMethods()
		if _, err := methods["setStatus"](int64(202)); err != nil {
			return nil, err
		}
		_, err := methods["setResponseBody"]("patched by script")
		return true, err
	})
	_, srv := newProxy(t, up, Options{}, editor)

	resp, err := http.Get(srv.URL + "/x")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "patched by script", string(body))
	assert.EqualValues(t, len("patched by script"), resp.ContentLength)
}

func TestServeHTTP_ResponseDropIs403(t *testing.T) {
	up := newUpstream(t)
	dropper := proxyUnit("dropper", nil, func(context.Context, ...any) (any, error) { return false, nil })
	e, srv := newProxy(t, up, Options{}, dropper)

	code, body := get(t, srv.URL+"/secret")
	assert.Equal(t, http.StatusForbidden, code)
	assert.NotContains(t, body, "upstream says hi")
	assert.Len(t, up.Hits(), 1)
	assert.Equal(t, FlowStateDropped, e.Store().All()[0].State)
}

func TestServeHTTP_FailingScriptDoesNotBreakTraffic(t *testing.T) {
	up := newUpstream(t)
	broken := proxyUnit("broken", func(context.Context, ...any) (any, error) {
		panic("boom")
	}, nil)
	_, srv := newProxy(t, up, Options{}, broken)

	code, _ := get(t, srv.URL+"/ok")
	assert.Equal(t, http.StatusOK, code)
}

func TestServeHTTP_ForcedInterceptWaitsForResume(t *testing.T) {
	up := newUpstream(t)
	pauser := proxyUnit("pauser", func(_ context.Context, args ...any) (any, error) {
		args[0].(*message.Message).ForceIntercept()
		return true, nil
	}, nil)
	e, srv := newProxy(t, up, Options{}, pauser)
	events := e.Store().Subscribe()
	defer e.Store().Unsubscribe(events)

	done := make(chan int, 1)
	go func() {
		resp, err := http.Get(srv.URL + "/paused")
		if err != nil {
			done <- 0
			return
		}
		resp.Body.Close()
		done <- resp.StatusCode
	}()

	f := waitFor(t, events, FlowEventIntercept)
	assert.True(t, f.Intercepted())
	assert.Empty(t, up.Hits())

	f.Resume()
	select {
	case code := <-done:
		assert.Equal(t, http.StatusOK, code)
	case <-time.After(5 * time.Second):
		t.Fatal("request was not released")
	}
	// Sticky but paused only once.
	assert.Equal(t, FlowStateComplete, f.State)
	assert.Len(t, up.Hits(), 1)
}

func TestServeHTTP_KilledInterceptIs502(t *testing.T) {
	up := newUpstream(t)
	pauser := proxyUnit("pauser", func(_ context.Context, args ...any) (any, error) {
		args[0].(*message.Message).ForceIntercept()
		return nil, nil
	}, nil)
	e, srv := newProxy(t, up, Options{}, pauser)
	events := e.Store().Subscribe()
	defer e.Store().Unsubscribe(events)

	done := make(chan int, 1)
	go func() {
		resp, err := http.Get(srv.URL + "/paused")
		if err != nil {
			done <- 0
			return
		}
		resp.Body.Close()
		done <- resp.StatusCode
	}()

	f := waitFor(t, events, FlowEventIntercept)
	f.Kill()
	assert.Equal(t, http.StatusBadGateway, <-done)
	assert.Empty(t, up.Hits())
	assert.Equal(t, FlowStateError, f.State)
}

func TestServeHTTP_FiresHTTPSenderWithProxyInitiator(t *testing.T) {
	up := newUpstream(t)
	var mu sync.Mutex
	var got []string
	record := func(ep string) native.Fn {
		return func(_ context.Context, args ...any) (any, error) {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, ep)
			assert.EqualValues(t, 1, args[1])
			return nil, nil
		}
	}
	rec := native.Script{
		script.SendingRequest:   record(script.SendingRequest),
		script.ResponseReceived: record(script.ResponseReceived),
	}.Unit("rec", script.HTTPSender)
	_, srv := newProxy(t, up, Options{}, rec)

	code, _ := get(t, srv.URL+"/")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, []string{script.SendingRequest, script.ResponseReceived}, got)
}

func TestServeHTTP_TruncatedBodyForwardedWhole(t *testing.T) {
	up := newUpstream(t)
	e, srv := newProxy(t, up, Options{MaxBodySize: 4})

	resp, err := http.Post(srv.URL+"/upload", "text/plain", strings.NewReader("0123456789"))
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, []string{"POST /upload  0123456789"}, up.Hits())
	f := e.Store().All()[0]
	assert.Equal(t, "0123", string(f.Request.Body))
	assert.True(t, f.Request.BodyTruncated)
	assert.True(t, f.Response.BodyTruncated)
}

func TestServeHTTP_ReplacedTruncatedBodyIsForwarded(t *testing.T) {
	up := newUpstream(t)
	editor := proxyUnit("editor", func(_ context.Context, args ...any) (any, error) {
		args[0].(*message.Message).SetRequestBody([]byte("REPLACED"))
		return true, nil
	}, func(_ context.Context, args ...any) (any, error) {
		args[0].(*message.Message).SetResponseBody([]byte("short"))
		return true, nil
	})
	e, srv := newProxy(t, up, Options{MaxBodySize: 4}, editor)

	resp, err := http.Post(srv.URL+"/upload", "text/plain", strings.NewReader("0123456789"))
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	assert.Equal(t, []string{"POST /upload  REPLACED"}, up.Hits())
	assert.Equal(t, "short", string(body))
	f := e.Store().All()[0]
	assert.False(t, f.Request.BodyTruncated)
	assert.False(t, f.Response.BodyTruncated)
}

func TestServeHTTP_UpstreamDown(t *testing.T) {
	e, err := New(Options{Upstreams: []Upstream{{Name: "dead", Prefix: "/", Target: "http://127.0.0.1:1"}}})
	require.NoError(t, err)
	srv := httptest.NewServer(e)
	defer srv.Close()

	code, _ := get(t, srv.URL+"/")
	assert.Equal(t, http.StatusBadGateway, code)
	f := e.Store().All()[0]
	assert.Equal(t, FlowStateError, f.State)
	assert.NotEmpty(t, f.Error)
}

func TestReplay(t *testing.T) {
	up := newUpstream(t)
	e, srv := newProxy(t, up, Options{})
	code, _ := get(t, srv.URL+"/again")
	require.Equal(t, http.StatusOK, code)
	orig := e.Store().All()[0]

	replayed, err := e.Replay(context.Background(), orig.ID)
	require.NoError(t, err)
	assert.NotEqual(t, orig.ID, replayed.ID)
	assert.EqualValues(t, 2, replayed.HistoryID)
	assert.Contains(t, replayed.TagList(), "replay:"+orig.ID)
	assert.Equal(t, FlowStateComplete, replayed.State)
	assert.Len(t, up.Hits(), 2)

	_, err = e.Replay(context.Background(), "missing")
	assert.Error(t, err)
}

func waitFor(t *testing.T, events chan FlowEvent, typ FlowEventType) *Flow {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type == typ {
				return ev.Flow
			}
		case <-timeout:
			t.Fatalf("no %s event", typ)
			return nil
		}
	}
}

func TestNew_ZeroOptionsTakeDefaults(t *testing.T) {
	e, err := New(Options{Upstreams: []Upstream{{Name: "default", Prefix: "/", Target: "http://127.0.0.1:1"}}})
	require.NoError(t, err)
	opts := e.Options()
	assert.Equal(t, DefaultWebPort, opts.WebPort)
	assert.Equal(t, DefaultListenAddr, opts.ListenAddr)
	assert.Equal(t, DefaultMaxFlows, opts.MaxFlows)
	assert.EqualValues(t, DefaultMaxBody, opts.MaxBodySize)
}
