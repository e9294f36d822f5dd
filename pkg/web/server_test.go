package web

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fidiego/hookproxy/pkg/dispatch"
	"github.com/fidiego/hookproxy/pkg/fuzz"
	"github.com/fidiego/hookproxy/pkg/message"
	"github.com/fidiego/hookproxy/pkg/proxy"
	"github.com/fidiego/hookproxy/pkg/pscan"
	"github.com/fidiego/hookproxy/pkg/script"
	"github.com/fidiego/hookproxy/pkg/script/native"
	"github.com/fidiego/hookproxy/pkg/script/starlarkrt"
	"github.com/fidiego/hookproxy/pkg/targeted"
)

type fixture struct {
	engine *proxy.Engine
	proxy  *httptest.Server
	api    *httptest.Server
	web    *Server
	alerts *pscan.MemoryAlerts
}

func newFixture(t *testing.T, units ...*script.Unit) *fixture {
	t.Helper()
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "echo "+r.URL.RawQuery)
	}))
	t.Cleanup(up.Close)

	store := script.NewStore()
	for _, u := range units {
		require.NoError(t, store.Add(u))
	}
	engine, err := proxy.New(proxy.Options{
		Upstreams: []proxy.Upstream{{Name: "default", Prefix: "/", Target: up.URL}},
		Scripts:   dispatch.New(store),
	})
	require.NoError(t, err)

	fx := &fixture{engine: engine, alerts: pscan.NewMemoryAlerts(10)}
	fx.web = New(engine, 0,
		WithRuntimes(script.NewRuntimes(starlarkrt.New())),
		WithTargeted(targeted.New(engine.Scripts(), engine.Store(), engine.Store())),
		WithFuzzer(fuzz.New(engine.Scripts(), engine.Sender(), fuzz.WithThreads(2))),
		WithAlerts(fx.alerts),
	)
	fx.proxy = httptest.NewServer(engine)
	t.Cleanup(fx.proxy.Close)
	fx.api = httptest.NewServer(fx.web.Handler())
	t.Cleanup(fx.api.Close)
	return fx
}

func (fx *fixture) get(t *testing.T, path string) {
	t.Helper()
	resp, err := http.Get(fx.proxy.URL + path)
	require.NoError(t, err)
	_, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
}

func (fx *fixture) call(t *testing.T, method, path, body string, out any) int {
	t.Helper()
	req, err := http.NewRequest(method, fx.api.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestFlows_Filter(t *testing.T) {
	fx := newFixture(t)
	fx.get(t, "/api/users")
	fx.get(t, "/static/app.js")

	var all []map[string]any
	assert.Equal(t, http.StatusOK, fx.call(t, "GET", "/api/flows", "", &all))
	assert.Len(t, all, 2)

	var some []map[string]any
	assert.Equal(t, http.StatusOK, fx.call(t, "GET", "/api/flows?filter="+"~p%20/api", "", &some))
	require.Len(t, some, 1)
	assert.EqualValues(t, 1, some[0]["historyId"])

	assert.Equal(t, http.StatusBadRequest, fx.call(t, "GET", "/api/flows?filter=~q", "", nil))
	assert.Equal(t, http.StatusNotFound, fx.call(t, "GET", "/api/flows/nope", "", nil))
	assert.Equal(t, http.StatusNotFound, fx.call(t, "POST", "/api/flows/nope/replay", "", nil))

	assert.Equal(t, http.StatusNoContent, fx.call(t, "DELETE", "/api/flows", "", nil))
	assert.Zero(t, fx.engine.Store().Count())
}

func TestScripts_Lifecycle(t *testing.T) {
	fx := newFixture(t)
	src := `{"name":"tag","type":"targeted","runtime":"starlark","source":"def invokeWith(msg):\n    msg.note(\"hi\")\n"}`

	var info script.Info
	require.Equal(t, http.StatusCreated, fx.call(t, "POST", "/api/scripts", src, &info))
	assert.Equal(t, "tag", info.Name)
	assert.False(t, info.Enabled)
	assert.Equal(t, http.StatusConflict, fx.call(t, "POST", "/api/scripts", src, nil))

	bad := `{"name":"bad","type":"targeted","runtime":"starlark","source":"def other(msg):\n    pass\n"}`
	assert.Equal(t, http.StatusBadRequest, fx.call(t, "POST", "/api/scripts", bad, nil))
	assert.Equal(t, http.StatusBadRequest, fx.call(t, "POST", "/api/scripts", `{"type":"nope"}`, nil))

	assert.Equal(t, http.StatusNoContent, fx.call(t, "PUT", "/api/scripts/targeted/tag/enabled", `{"enabled":true}`, nil))
	u, ok := fx.engine.Scripts().Store().Get(script.Targeted, "tag")
	require.True(t, ok)
	assert.True(t, u.Enabled())

	assert.Equal(t, http.StatusNoContent, fx.call(t, "PUT", "/api/scripts/targeted/tag/order", `{"index":0}`, nil))
	assert.Equal(t, http.StatusNotFound, fx.call(t, "PUT", "/api/scripts/targeted/missing/enabled", `{"enabled":true}`, nil))
	assert.Equal(t, http.StatusNotFound, fx.call(t, "PUT", "/api/scripts/bogus/tag/enabled", `{"enabled":true}`, nil))

	var infos []script.Info
	require.Equal(t, http.StatusOK, fx.call(t, "GET", "/api/scripts?type=targeted", "", &infos))
	require.Len(t, infos, 1)

	assert.Equal(t, http.StatusNoContent, fx.call(t, "DELETE", "/api/scripts/targeted/tag", "", nil))
	assert.Equal(t, http.StatusNotFound, fx.call(t, "DELETE", "/api/scripts/targeted/tag", "", nil))
}

func TestHooks(t *testing.T) {
	fx := newFixture(t)
	var hooks []struct {
		Type        string   `json:"type"`
		EntryPoints []string `json:"entryPoints"`
	}
	require.Equal(t, http.StatusOK, fx.call(t, "GET", "/api/hooks", "", &hooks))
	assert.Len(t, hooks, len(script.HookTypes()))
	assert.Equal(t, "proxy", hooks[0].Type)
	assert.NotEmpty(t, hooks[0].EntryPoints)
}

func TestTargetedInvoke(t *testing.T) {
	u := native.Script{script.InvokeWith: func(_ context.Context, args ...any) (any, error) {
		args[0].(*message.Message).AddNote("checked")
		return nil, nil
	}}.Unit("check", script.Targeted)
	fx := newFixture(t, u)
	fx.get(t, "/a")
	fx.get(t, "/b")

	var results []targeted.Result
	require.Equal(t, http.StatusOK, fx.call(t, "POST", "/api/targeted/check/invoke", `{"historyId":2}`, &results))
	require.Len(t, results, 1)
	assert.Equal(t, []string{"checked"}, results[0].Message.Notes)

	require.Equal(t, http.StatusOK, fx.call(t, "POST", "/api/targeted/check/invoke", `{"filter":"~m GET"}`, &results))
	assert.Len(t, results, 2)

	assert.Equal(t, http.StatusNotFound, fx.call(t, "POST", "/api/targeted/check/invoke", `{"historyId":9}`, nil))
	assert.Equal(t, http.StatusNotFound, fx.call(t, "POST", "/api/targeted/none/invoke", `{"historyId":1}`, nil))
	assert.Equal(t, http.StatusBadRequest, fx.call(t, "POST", "/api/targeted/check/invoke", `{}`, nil))
}

func TestResumeAndKill(t *testing.T) {
	pauser := native.Script{
		script.ProxyRequest: func(_ context.Context, args ...any) (any, error) {
			args[0].(*message.Message).ForceIntercept()
			return true, nil
		},
		script.ProxyResponse: func(context.Context, ...any) (any, error) { return true, nil },
	}.Unit("pauser", script.Proxy)
	fx := newFixture(t, pauser)
	events := fx.engine.Store().Subscribe()
	defer fx.engine.Store().Unsubscribe(events)

	done := make(chan int, 1)
	go func() {
		resp, err := http.Get(fx.proxy.URL + "/held")
		if err != nil {
			done <- 0
			return
		}
		resp.Body.Close()
		done <- resp.StatusCode
	}()

	var id string
	for id == "" {
		select {
		case evt := <-events:
			if evt.Type == proxy.FlowEventIntercept {
				id = evt.Flow.ID
			}
		case <-time.After(5 * time.Second):
			t.Fatal("flow was not intercepted")
		}
	}

	assert.Equal(t, http.StatusNoContent, fx.call(t, "POST", "/api/flows/"+id+"/resume", "", nil))
	select {
	case code := <-done:
		assert.Equal(t, http.StatusOK, code)
	case <-time.After(5 * time.Second):
		t.Fatal("request was not released")
	}
	assert.Equal(t, http.StatusConflict, fx.call(t, "POST", "/api/flows/"+id+"/kill", "", nil))
}

func TestAlerts(t *testing.T) {
	fx := newFixture(t)
	require.NoError(t, fx.alerts.SaveAlert(context.Background(), pscan.Alert{Name: "first", URI: "http://x.test/"}))
	require.NoError(t, fx.alerts.SaveAlert(context.Background(), pscan.Alert{Name: "second", URI: "http://x.test/"}))

	var alerts []pscan.Alert
	require.Equal(t, http.StatusOK, fx.call(t, "GET", "/api/alerts?limit=1", "", &alerts))
	require.Len(t, alerts, 1)
	assert.Equal(t, "second", alerts[0].Name)
	assert.Equal(t, http.StatusBadRequest, fx.call(t, "GET", "/api/alerts?limit=x", "", nil))
}

func TestFuzz(t *testing.T) {
	fx := newFixture(t)
	fx.get(t, "/search?q=FUZZ")

	var run fuzz.Run
	require.Equal(t, http.StatusOK, fx.call(t, "POST", "/api/fuzz", `{"historyId":1,"marker":"FUZZ","payloads":[["alpha","beta"]]}`, &run))
	require.Len(t, run.Results, 2)
	assert.Equal(t, fuzz.StateReflected, run.Results[0].State)
	assert.Equal(t, "echo q=beta", string(run.Results[1].Message.Response.Body))
	assert.EqualValues(t, 2, run.Sent)

	assert.Equal(t, http.StatusBadRequest, fx.call(t, "POST", "/api/fuzz", `{"historyId":1,"marker":"NOPE","payloads":[["a"]]}`, nil))
	assert.Equal(t, http.StatusNotFound, fx.call(t, "POST", "/api/fuzz", `{"historyId":7}`, nil))
}

func TestWebSocket_Alerts(t *testing.T) {
	fx := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go fx.web.hub.run(ctx)

	url := "ws" + strings.TrimPrefix(fx.api.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Registration is asynchronous; publish until the client sees one.
	got := make(chan []byte, 1)
	go func() {
		_, data, err := conn.ReadMessage()
		if err == nil {
			got <- data
		}
	}()
	deadline := time.After(5 * time.Second)
	for {
		fx.web.PublishAlert(pscan.Alert{Name: "live", Risk: pscan.RiskHigh})
		select {
		case data := <-got:
			assert.Contains(t, string(data), `"type":"alert"`)
			assert.Contains(t, string(data), `"name":"live"`)
			return
		case <-deadline:
			t.Fatal("no websocket message")
		case <-time.After(50 * time.Millisecond):
		}
	}
}
