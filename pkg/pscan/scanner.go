// Package pscan runs passive scan scripts over completed traffic on a
// background worker pool, off the proxy's hot path.
package pscan

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/fidiego/hookproxy/pkg/content"
	"github.com/fidiego/hookproxy/pkg/dispatch"
	"github.com/fidiego/hookproxy/pkg/message"
	"github.com/fidiego/hookproxy/pkg/script"
)

// Job is one message queued for scanning. The scanner owns Message; callers
// hand over a clone.
type Job struct {
	Message   *message.Message
	HistoryID int64
	FlowID    string
}

// Tagger attaches tags raised by scripts to the history entry.
type Tagger interface {
	Tag(flowID string, tags ...string)
}

// Stats counts scanner activity.
type Stats struct {
	Scanned int64 `json:"scanned"`
	Dropped int64 `json:"dropped"`
	Queued  int   `json:"queued"`
	Alerts  int64 `json:"alerts"`
}

// Scanner feeds jobs to the PassiveScan hook.
type Scanner struct {
	engine    *dispatch.Engine
	sink      AlertSink
	tagger    Tagger
	listeners []func(Alert)
	workers   int

	queue    chan Job
	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup

	scanned atomic.Int64
	dropped atomic.Int64
	alerts  atomic.Int64
}

// Option configures a Scanner.
type Option func(*Scanner)

// WithSink stores raised alerts in s.
func WithSink(s AlertSink) Option { return func(sc *Scanner) { sc.sink = s } }

// WithTagger applies script tags through t.
func WithTagger(t Tagger) Option { return func(sc *Scanner) { sc.tagger = t } }

// WithWorkers sets the number of scan goroutines.
func WithWorkers(n int) Option { return func(sc *Scanner) { sc.workers = n } }

// WithQueueSize sets how many jobs may wait before new ones are dropped.
func WithQueueSize(n int) Option {
	return func(sc *Scanner) { sc.queue = make(chan Job, n) }
}

// WithAlertListener is called for every stored alert.
func WithAlertListener(fn func(Alert)) Option {
	return func(sc *Scanner) { sc.listeners = append(sc.listeners, fn) }
}

// New returns a stopped scanner.
func New(engine *dispatch.Engine, opts ...Option) *Scanner {
	s := &Scanner{
		engine:  engine,
		workers: 2,
	}
	for _, o := range opts {
		o(s)
	}
	if s.queue == nil {
		s.queue = make(chan Job, 256)
	}
	if s.workers < 1 {
		s.workers = 1
	}
	if s.sink == nil {
		s.sink = NewMemoryAlerts(0)
	}
	return s
}

// Sink returns where alerts are stored.
func (s *Scanner) Sink() AlertSink { return s.sink }

// Start launches the workers. A stopped scanner can be started again.
func (s *Scanner) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	stop := make(chan struct{})
	s.stopChan = stop
	s.mu.Unlock()

	log.Info().Int("workers", s.workers).Msg("starting passive scan workers")
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.processJobs(stop)
	}
}

// Stop waits for the workers to exit. Jobs still queued are abandoned.
func (s *Scanner) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopChan)
	s.mu.Unlock()
	s.wg.Wait()
	log.Info().Msg("passive scan workers stopped")
}

// Submit queues a job. It never blocks; a full queue drops the job.
func (s *Scanner) Submit(job Job) bool {
	if s.engine.Store().ListEnabled(script.PassiveScan).Len() == 0 {
		return false
	}
	select {
	case s.queue <- job:
		return true
	default:
		s.dropped.Add(1)
		log.Warn().Int64("history_id", job.HistoryID).Msg("passive scan queue full, dropping")
		return false
	}
}

// Stats returns counters.
func (s *Scanner) Stats() Stats {
	return Stats{
		Scanned: s.scanned.Load(),
		Dropped: s.dropped.Load(),
		Queued:  len(s.queue),
		Alerts:  s.alerts.Load(),
	}
}

func (s *Scanner) processJobs(stop <-chan struct{}) {
	defer s.wg.Done()
	for {
		select {
		case <-stop:
			return
		case job := <-s.queue:
			s.Scan(context.Background(), job)
		}
	}
}

// Scan runs every enabled passive scan unit over job and records what they
// raised. It returns the stored alerts.
func (s *Scanner) Scan(ctx context.Context, job Job) []Alert {
	helper := newHelper(job)
	var source any
	if src := parseSource(job.Message); src != nil {
		source = src
	}

	s.engine.Fire(ctx, dispatch.Firing{
		Type:       script.PassiveScan,
		EntryPoint: script.Scan,
		Args:       []any{helper, job.Message, source},
	})
	s.scanned.Add(1)

	alerts := helper.Alerts()
	for i := range alerts {
		if err := s.sink.SaveAlert(ctx, alerts[i]); err != nil {
			log.Error().Err(err).Str("alert", alerts[i].Name).Msg("could not store alert")
			continue
		}
		s.alerts.Add(1)
		for _, fn := range s.listeners {
			fn(alerts[i])
		}
	}
	if tags := helper.Tags(); len(tags) > 0 && s.tagger != nil && job.FlowID != "" {
		s.tagger.Tag(job.FlowID, tags...)
	}
	return alerts
}

// parseSource parses HTML responses for scripts that query the DOM.
func parseSource(msg *message.Message) *content.Source {
	if msg == nil || !msg.HasResponse() || !content.IsHTML(msg.Response.Headers) {
		return nil
	}
	body, err := msg.DecodedResponseBody()
	if err != nil || len(body) == 0 {
		return nil
	}
	src, err := content.ParseHTML(body, msg.Response.Headers.Get("Content-Type"))
	if err != nil {
		log.Debug().Err(err).Str("url", msg.Request.URL).Msg("could not parse html for scanning")
		return nil
	}
	return src
}
