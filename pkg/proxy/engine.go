package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/fidiego/hookproxy/pkg/dispatch"
	"github.com/fidiego/hookproxy/pkg/logging"
	"github.com/fidiego/hookproxy/pkg/message"
	"github.com/fidiego/hookproxy/pkg/script"
	"github.com/fidiego/hookproxy/pkg/sender"
)

type contextKey string

const (
	flowContextKey   contextKey = "flow"
	replayContextKey contextKey = "replay"
)

var (
	errDropped = errors.New("dropped by script")
	errKilled  = errors.New("flow killed")
)

// Engine is the core proxy. It routes requests to upstreams, captures flows,
// runs proxy scripts over them and dispatches them through the addon
// pipeline.
type Engine struct {
	store   *FlowStore
	addons  *AddonManager
	router  *Router
	proxies map[string]*httputil.ReverseProxy
	opts    Options
	scripts *dispatch.Engine
	sender  *sender.Sender
	logger  zerolog.Logger
	server  *http.Server
}

// New creates a new Engine with the given options.
func New(opts Options) (*Engine, error) {
	opts.setDefaults()

	router, err := NewRouter(opts.Upstreams)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		store:   NewFlowStore(opts.MaxFlows),
		addons:  NewAddonManager(),
		router:  router,
		proxies: make(map[string]*httputil.ReverseProxy),
		opts:    opts,
		scripts: opts.Scripts,
		sender:  opts.Sender,
		logger:  log.Logger,
	}
	if opts.Logger != nil {
		e.logger = *opts.Logger
	}
	if e.sender == nil {
		e.sender = sender.New(e.scripts)
	}

	for i := range router.upstreams {
		u := &router.upstreams[i]
		p := &httputil.ReverseProxy{
			Director:       Director(u),
			ModifyResponse: e.modifyResponse,
			ErrorHandler:   e.errorHandler,
			FlushInterval:  -1, // flush immediately for streaming support
		}
		e.proxies[u.Name] = p
	}

	return e, nil
}

// Options returns the resolved options the engine was started with.
func (e *Engine) Options() Options { return e.opts }

// Store returns the flow store (read-only access for UI components).
func (e *Engine) Store() *FlowStore { return e.store }

// Addons returns the addon manager so callers can register addons.
func (e *Engine) Addons() *AddonManager { return e.addons }

// Router returns the router (for UI display of configured upstreams).
func (e *Engine) Router() *Router { return e.router }

// Scripts returns the dispatch engine, or nil when scripting is off.
func (e *Engine) Scripts() *dispatch.Engine { return e.scripts }

// Sender returns the sender used for HttpSender firings.
func (e *Engine) Sender() *sender.Sender { return e.sender }

// Start runs the proxy until ctx is cancelled.
func (e *Engine) Start(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	e.server = &http.Server{
		Addr:    e.opts.ListenAddr,
		Handler: e,
	}

	g.Go(func() error {
		if err := e.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("proxy server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.server.Shutdown(shutCtx)
		return nil
	})

	return g.Wait()
}

// ServeHTTP implements http.Handler. It is the main proxy entry point.
func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	upstream := e.router.Match(r)
	if upstream == nil {
		http.Error(w, "no upstream matched", http.StatusBadGateway)
		return
	}

	flow := e.newFlow(r, upstream)
	e.store.Add(flow)
	ctx := logging.WithFlowID(r.Context(), flow.ID)
	logger := e.logger.With().Str("flow_id", flow.ID).Logger()

	if err := captureRequestBody(flow, r, e.opts.MaxBodySize); err != nil {
		e.fail(flow, fmt.Errorf("capture request: %w", err))
		http.Error(w, "internal proxy error", http.StatusInternalServerError)
		return
	}

	flow.locked(func() { flow.Timestamps.RequestDone = time.Now() })

	e.addons.FireRequest(flow)
	if flow.Killed() {
		http.Error(w, "flow killed", http.StatusBadGateway)
		return
	}

	switch err := e.runScripts(ctx, flow, script.ProxyRequest); {
	case errors.Is(err, errDropped):
		logger.Info().Str("url", flow.Request.URL).Msg("request dropped by script")
		http.Error(w, "request dropped by proxy script", http.StatusForbidden)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	e.sender.FireSending(ctx, flow.Message, sender.InitiatorProxy)
	if err := writeRequest(flow.Message, r); err != nil {
		e.fail(flow, fmt.Errorf("rewrite request: %w", err))
		http.Error(w, "invalid request after scripts", http.StatusBadGateway)
		return
	}

	// Attach the flow to the request context so modifyResponse can find it.
	r = r.WithContext(context.WithValue(ctx, flowContextKey, flow))

	proxy, ok := e.proxies[upstream.Name]
	if !ok {
		http.Error(w, "upstream not configured", http.StatusBadGateway)
		return
	}
	proxy.ServeHTTP(w, r)
}

// runScripts fires a Proxy entry point over the flow's message, then pauses
// the flow when a script asked for it. It returns errDropped or errKilled
// when the flow must not continue.
func (e *Engine) runScripts(ctx context.Context, flow *Flow, entryPoint string) error {
	if e.scripts == nil {
		return nil
	}
	out := e.scripts.Fire(ctx, dispatch.Firing{
		Type:       script.Proxy,
		EntryPoint: entryPoint,
		Args:       []any{flow.Message},
	})
	if out.Dropped() {
		flow.drop(entryPoint)
		e.addons.FireError(flow, errDropped)
		e.store.Update(flow, FlowEventDropped)
		return errDropped
	}
	// The flag stays set on the message; a flow is paused at most once.
	if out.ForceIntercept && !flow.WasIntercepted() {
		ok := flow.Intercept(ctx, func() { e.store.Update(flow, FlowEventIntercept) })
		if !ok {
			e.store.Update(flow, FlowEventError)
			return errKilled
		}
		e.store.Update(flow, FlowEventUpdate)
	}
	return nil
}

// modifyResponse is called by the reverse proxy with the upstream response.
func (e *Engine) modifyResponse(resp *http.Response) error {
	flow, ok := resp.Request.Context().Value(flowContextKey).(*Flow)
	if !ok {
		return nil
	}
	ctx := resp.Request.Context()

	flow.locked(func() { flow.Timestamps.ResponseStart = time.Now() })

	if err := captureResponseBody(flow, resp, e.opts.MaxBodySize); err != nil {
		// The body capture failed; the response is still forwarded.
		e.logger.Warn().Err(err).Str("flow_id", flow.ID).Msg("capture response body")
	}

	e.sender.FireReceived(ctx, flow.Message, sender.InitiatorProxy)
	if err := e.runScripts(ctx, flow, script.ProxyResponse); err != nil {
		return err
	}
	writeResponse(flow.Message, resp)

	flow.locked(func() {
		flow.Timestamps.ResponseDone = time.Now()
		flow.State = FlowStateComplete
	})

	e.addons.FireResponse(flow)
	e.addons.FireComplete(flow)
	e.store.Update(flow, FlowEventComplete)

	return nil
}

// errorHandler is called by the reverse proxy when the upstream is
// unreachable or modifyResponse refused the response.
func (e *Engine) errorHandler(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, errDropped) {
		http.Error(w, "response dropped by proxy script", http.StatusForbidden)
		return
	}
	flow, ok := r.Context().Value(flowContextKey).(*Flow)
	if ok && !errors.Is(err, errKilled) {
		flow.locked(func() { flow.Timestamps.ResponseDone = time.Now() })
		e.fail(flow, err)
	}
	http.Error(w, fmt.Sprintf("upstream error: %v", err), http.StatusBadGateway)
}

func (e *Engine) fail(flow *Flow, err error) {
	flow.locked(func() {
		flow.State = FlowStateError
		flow.Error = err.Error()
	})
	e.addons.FireError(flow, err)
	e.store.Update(flow, FlowEventError)
}

// newFlow builds a Flow skeleton from the incoming request. The captured URL
// is absolute so scripts see the host the client asked for.
func (e *Engine) newFlow(r *http.Request, upstream *Upstream) *Flow {
	req := message.NewRequest(r)
	req.URL = absoluteURL(r)
	f := &Flow{
		ID:       uuid.New().String(),
		Upstream: upstream.Name,
		Message:  message.New(req),
		State:    FlowStateActive,
	}
	f.Timestamps.Created = time.Now()
	if rp, ok := r.Context().Value(replayContextKey).(*replay); ok {
		f.Tags = append(f.Tags, "replay", "replay:"+rp.of)
		rp.flow = f
	}
	return f
}

func absoluteURL(r *http.Request) string {
	if r.URL.IsAbs() {
		return r.URL.String()
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	u := *r.URL
	u.Scheme = scheme
	u.Host = r.Host
	return u.String()
}

type replay struct {
	of   string
	flow *Flow
}

// Replay re-sends the request from a captured flow through the proxy,
// scripts included. The replayed flow is stored as a new entry and returned.
func (e *Engine) Replay(ctx context.Context, flowID string) (*Flow, error) {
	original := e.store.Get(flowID)
	if original == nil {
		return nil, fmt.Errorf("flow %q: %w", flowID, ErrNotFound)
	}
	if original.Request == nil {
		return nil, fmt.Errorf("flow %q has no captured request", flowID)
	}

	rp := &replay{of: flowID}
	req, err := original.Clone().Request.HTTPRequest(context.WithValue(ctx, replayContextKey, rp))
	if err != nil {
		return nil, fmt.Errorf("rebuild request: %w", err)
	}
	if e.router.Match(req) == nil {
		return nil, fmt.Errorf("no upstream for path %q", req.URL.Path)
	}

	rec := &responseRecorder{header: make(http.Header), code: http.StatusOK}
	e.ServeHTTP(rec, req)
	if rp.flow == nil {
		return nil, fmt.Errorf("replay of %q did not produce a flow", flowID)
	}
	return rp.flow, nil
}

// captureRequestBody reads up to maxBytes of the request body and stores it
// on the flow. The forwarded body is left complete even when the capture is
// truncated.
func captureRequestBody(flow *Flow, r *http.Request, maxBytes int64) error {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	body, truncated, err := peekLimited(&r.Body, maxBytes)
	if err != nil {
		return err
	}
	if !truncated {
		r.ContentLength = int64(len(body))
	}
	flow.SetRequestCapture(body, truncated)
	return nil
}

// captureResponseBody reads up to maxBytes of the response body and stores
// it on the flow.
func captureResponseBody(flow *Flow, resp *http.Response, maxBytes int64) error {
	captured := message.NewResponse(resp)
	defer flow.SetResponse(captured)

	if resp.Body == nil {
		return nil
	}
	body, truncated, err := peekLimited(&resp.Body, maxBytes)
	if err != nil {
		captured.BodyTruncated = true
		return err
	}
	captured.Body, captured.BodyTruncated = body, truncated
	return nil
}

// peekLimited reads up to maxBytes from *rc. *rc is replaced with a reader
// that yields the whole original stream again.
func peekLimited(rc *io.ReadCloser, maxBytes int64) ([]byte, bool, error) {
	src := *rc
	data, err := io.ReadAll(io.LimitReader(src, maxBytes+1))
	if err != nil {
		src.Close()
		return nil, false, err
	}
	if int64(len(data)) <= maxBytes {
		src.Close()
		*rc = io.NopCloser(bytes.NewReader(data))
		return data, false, nil
	}
	*rc = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(data), src), src}
	return data[:maxBytes], true, nil
}

// writeRequest copies script edits of the message back onto the request
// about to be forwarded. A body still truncated was never replaced, so the
// original stream is forwarded whole.
func writeRequest(msg *message.Message, r *http.Request) error {
	snap := msg.Clone().Request
	u, err := url.Parse(snap.URL)
	if err != nil {
		return err
	}
	r.Method = snap.Method
	r.URL.Path = u.Path
	r.URL.RawPath = u.RawPath
	r.URL.RawQuery = u.RawQuery
	r.Header = snap.Headers
	if !snap.BodyTruncated {
		if r.Body != nil {
			_ = r.Body.Close()
		}
		r.Body = io.NopCloser(bytes.NewReader(snap.Body))
		r.ContentLength = int64(len(snap.Body))
		r.Header.Del("Content-Length")
	}
	return nil
}

// writeResponse copies script edits of the message back onto the response
// returned to the client.
func writeResponse(msg *message.Message, resp *http.Response) {
	snap := msg.Clone().Response
	if snap == nil {
		return
	}
	if snap.StatusCode != resp.StatusCode {
		resp.StatusCode = snap.StatusCode
		resp.Status = strconv.Itoa(snap.StatusCode) + " " + http.StatusText(snap.StatusCode)
	}
	resp.Header = snap.Headers
	if !snap.BodyTruncated {
		if resp.Body != nil {
			_ = resp.Body.Close()
		}
		resp.Body = io.NopCloser(bytes.NewReader(snap.Body))
		resp.ContentLength = int64(len(snap.Body))
		resp.Header.Set("Content-Length", strconv.Itoa(len(snap.Body)))
	}
}

// responseRecorder is a minimal http.ResponseWriter used for internal replay.
type responseRecorder struct {
	header http.Header
	body   bytes.Buffer
	code   int
}

func (r *responseRecorder) Header() http.Header         { return r.header }
func (r *responseRecorder) WriteHeader(code int)        { r.code = code }
func (r *responseRecorder) Write(b []byte) (int, error) { return r.body.Write(b) }
