// Package web provides the HTTP inspection UI and the management API for
// hookproxy: flows, scripts, targeted runs, alerts and fuzzing.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/fidiego/hookproxy/pkg/fuzz"
	"github.com/fidiego/hookproxy/pkg/proxy"
	"github.com/fidiego/hookproxy/pkg/pscan"
	"github.com/fidiego/hookproxy/pkg/script"
	"github.com/fidiego/hookproxy/pkg/targeted"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(_ *http.Request) bool { return true },
}

// Server serves the web inspection UI and REST API.
type Server struct {
	engine   *proxy.Engine
	port     int
	server   *http.Server
	hub      *wsHub
	logger   zerolog.Logger
	runtimes script.Runtimes
	targeted *targeted.Runner
	fuzzer   *fuzz.Fuzzer
	alerts   pscan.AlertStore
	scanner  *pscan.Scanner
}

// Option configures a Server.
type Option func(*Server)

// WithRuntimes lets POST /api/scripts compile scripts.
func WithRuntimes(rts script.Runtimes) Option { return func(s *Server) { s.runtimes = rts } }

// WithTargeted enables POST /api/targeted/{name}/invoke.
func WithTargeted(r *targeted.Runner) Option { return func(s *Server) { s.targeted = r } }

// WithFuzzer enables POST /api/fuzz.
func WithFuzzer(f *fuzz.Fuzzer) Option { return func(s *Server) { s.fuzzer = f } }

// WithAlerts serves GET /api/alerts from a.
func WithAlerts(a pscan.AlertStore) Option { return func(s *Server) { s.alerts = a } }

// WithScanner reports passive scan counters in /api/config.
func WithScanner(sc *pscan.Scanner) Option { return func(s *Server) { s.scanner = sc } }

// WithLogger sets the server logger.
func WithLogger(l zerolog.Logger) Option { return func(s *Server) { s.logger = l } }

// New creates a new web Server for the given engine.
func New(engine *proxy.Engine, port int, opts ...Option) *Server {
	s := &Server{
		engine: engine,
		port:   port,
		hub:    newWSHub(),
		logger: log.Logger,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start runs the web server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	go s.hub.run(ctx)

	// Subscribe to flow events and broadcast them to WebSocket clients.
	eventCh := s.engine.Store().Subscribe()
	go func() {
		defer s.engine.Store().Unsubscribe(eventCh)
		for {
			select {
			case evt, ok := <-eventCh:
				if !ok {
					return
				}
				s.publish(evt)
			case <-ctx.Done():
				return
			}
		}
	}()

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutCtx)
	}()

	s.logger.Info().Msgf("web UI: http://localhost:%d", s.port)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("web server: %w", err)
	}
	return nil
}

// Handler returns the API and UI routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	return corsMiddleware(mux)
}

// PublishAlert pushes a raised alert to WebSocket clients. It fits
// pscan.WithAlertListener.
func (s *Server) PublishAlert(a pscan.Alert) {
	s.publish(event{Type: "alert", Alert: &a})
}

// event is a non-flow message on the live feed. Flow events are sent as
// proxy.FlowEvent.
type event struct {
	Type   string       `json:"type"`
	Alert  *pscan.Alert `json:"alert,omitempty"`
	Result *fuzz.Result `json:"result,omitempty"`
}

func (s *Server) publish(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Warn().Err(err).Msg("encode websocket event")
		return
	}
	select {
	case s.hub.broadcast <- data:
	default:
	}
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	h := &handlers{s: s}

	// Flows
	mux.HandleFunc("GET /api/flows", h.listFlows)
	mux.HandleFunc("GET /api/flows/{id}", h.getFlow)
	mux.HandleFunc("POST /api/flows/{id}/replay", h.replayFlow)
	mux.HandleFunc("POST /api/flows/{id}/resume", h.resumeFlow)
	mux.HandleFunc("POST /api/flows/{id}/kill", h.killFlow)
	mux.HandleFunc("DELETE /api/flows", h.clearFlows)
	mux.HandleFunc("GET /api/config", h.getConfig)

	// Scripts
	mux.HandleFunc("GET /api/hooks", h.listHooks)
	mux.HandleFunc("GET /api/scripts", h.listScripts)
	mux.HandleFunc("POST /api/scripts", h.loadScript)
	mux.HandleFunc("PUT /api/scripts/{type}/{name}/enabled", h.setEnabled)
	mux.HandleFunc("PUT /api/scripts/{type}/{name}/order", h.setOrder)
	mux.HandleFunc("DELETE /api/scripts/{type}/{name}", h.removeScript)
	mux.HandleFunc("POST /api/targeted/{name}/invoke", h.invokeTargeted)
	mux.HandleFunc("GET /api/alerts", h.listAlerts)
	mux.HandleFunc("POST /api/fuzz", h.runFuzz)

	// WebSocket
	mux.HandleFunc("GET /ws", s.handleWS)

	// Embedded HTML UI (root)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, indexHTML)
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	client := &wsClient{hub: s.hub, conn: conn, send: make(chan []byte, 256)}
	s.hub.register <- client
	go client.writePump()
	go client.readPump()
}

// corsMiddleware adds permissive CORS headers (dev-only).
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// --- WebSocket hub ---

type wsHub struct {
	clients    map[*wsClient]bool
	broadcast  chan []byte
	register   chan *wsClient
	unregister chan *wsClient
	mu         sync.Mutex
}

func newWSHub() *wsHub {
	return &wsHub{
		clients:    make(map[*wsClient]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
	}
}

func (h *wsHub) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
		case msg := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					delete(h.clients, c)
					close(c.send)
				}
			}
			h.mu.Unlock()
		}
	}
}

type wsClient struct {
	hub  *wsHub
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *wsClient) leave() {
	c.once.Do(func() {
		go func() { c.hub.unregister <- c }()
		c.conn.Close()
	})
}

func (c *wsClient) writePump() {
	defer c.leave()
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

func (c *wsClient) readPump() {
	defer c.leave()
	c.conn.SetReadLimit(512)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
