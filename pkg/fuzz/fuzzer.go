// Package fuzz sends a base message many times with payloads substituted at
// chosen locations, running Fuzz scripts over payloads, outgoing messages
// and results.
package fuzz

import (
	"context"
	"errors"
	"iter"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/fidiego/hookproxy/pkg/dispatch"
	"github.com/fidiego/hookproxy/pkg/message"
	"github.com/fidiego/hookproxy/pkg/script"
	"github.com/fidiego/hookproxy/pkg/sender"
)

// Job describes one fuzz run.
type Job struct {
	Base      *message.Message
	Locations []Location
	// Payloads holds one list per location. Every combination is sent.
	Payloads [][]string
}

func (j Job) validate() error {
	if j.Base == nil || j.Base.Request == nil {
		return errors.New("fuzz: no base message")
	}
	if len(j.Locations) == 0 {
		return errors.New("fuzz: no insertion locations")
	}
	if len(j.Payloads) != len(j.Locations) {
		return errors.New("fuzz: need one payload list per location")
	}
	for _, p := range j.Payloads {
		if len(p) == 0 {
			return errors.New("fuzz: empty payload list")
		}
	}
	return nil
}

// Run is the record of a finished fuzz run.
type Run struct {
	ID       string        `json:"id"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Sent     int64         `json:"sent"`
	Stopped  bool          `json:"stopped"`
	Results  []*Result     `json:"results"`
}

// Fuzzer runs fuzz jobs.
type Fuzzer struct {
	engine      *dispatch.Engine
	sender      *sender.Sender
	threads     int
	maxMessages int
	logger      zerolog.Logger
}

// Option configures a Fuzzer.
type Option func(*Fuzzer)

// WithThreads sets how many messages are in flight at once.
func WithThreads(n int) Option { return func(f *Fuzzer) { f.threads = n } }

// WithMaxMessages caps the number of messages one run sends. Zero means
// no cap.
func WithMaxMessages(n int) Option { return func(f *Fuzzer) { f.maxMessages = n } }

// WithLogger sets the fuzzer's logger.
func WithLogger(l zerolog.Logger) Option { return func(f *Fuzzer) { f.logger = l } }

// New returns a fuzzer firing Fuzz hooks through engine and sending with s.
func New(engine *dispatch.Engine, s *sender.Sender, opts ...Option) *Fuzzer {
	f := &Fuzzer{engine: engine, sender: s, threads: 4, logger: log.Logger}
	for _, o := range opts {
		o(f)
	}
	if f.threads < 1 {
		f.threads = 1
	}
	return f
}

// Run sends every payload combination of job and returns the results in
// generation order. onResult, if set, is called as each result completes.
// A script calling utils.stop() ends the run early without an error.
func (f *Fuzzer) Run(ctx context.Context, job Job, onResult func(*Result)) (*Run, error) {
	if err := job.validate(); err != nil {
		return nil, err
	}
	run := &Run{ID: uuid.NewString(), Started: time.Now()}
	logger := f.logger.With().Str("run", run.ID).Logger()
	logger.Info().Int("locations", len(job.Locations)).Int("threads", f.threads).Msg("fuzz run started")

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var sent atomic.Int64
	utils := &Utils{cancel: cancel, sent: &sent}

	g, gctx := errgroup.WithContext(runCtx)
	g.SetLimit(f.threads)

	var mu sync.Mutex
	id := 0
	for values := range combinations(job.Payloads) {
		if gctx.Err() != nil {
			break
		}
		if f.maxMessages > 0 && id >= f.maxMessages {
			break
		}
		id++
		res := &Result{ID: id, Payloads: values}
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			// In-flight messages finish even after stop().
			f.process(context.WithoutCancel(ctx), job, utils, res)
			mu.Lock()
			run.Results = append(run.Results, res)
			mu.Unlock()
			if onResult != nil {
				onResult(res)
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(run.Results, func(i, j int) bool { return run.Results[i].ID < run.Results[j].ID })
	run.Sent = sent.Load()
	run.Stopped = utils.stopped.Load()
	run.Duration = time.Since(run.Started)
	logger.Info().Int64("sent", run.Sent).Bool("stopped", run.Stopped).Dur("took", run.Duration).Msg("fuzz run finished")

	if err := ctx.Err(); err != nil {
		return run, err
	}
	return run, nil
}

func (f *Fuzzer) process(ctx context.Context, job Job, utils *Utils, res *Result) {
	processed := make([]string, len(res.Payloads))
	for i, v := range res.Payloads {
		p := &Payload{value: v}
		f.fire(ctx, script.ProcessPayload, p)
		processed[i] = p.value
	}
	res.Payloads = processed

	msg, err := Substitute(job.Base, job.Locations, processed)
	if err != nil {
		res.State, res.Err = StateError, err.Error()
		return
	}
	res.Message = msg

	insertions := make(map[string]any, len(job.Locations))
	for i, l := range job.Locations {
		insertions[l.String()] = processed[i]
	}
	f.fire(ctx, script.PreProcess, utils, msg, insertions)

	utils.sent.Add(1)
	if err := f.sender.Send(ctx, msg, sender.InitiatorFuzzer); err != nil {
		res.State, res.Err = StateError, err.Error()
	} else {
		res.State = classify(msg, processed)
	}

	f.fire(ctx, script.PostProcess, utils, res)
}

func (f *Fuzzer) fire(ctx context.Context, ep string, args ...any) {
	if f.engine == nil {
		return
	}
	f.engine.Fire(ctx, dispatch.Firing{Type: script.Fuzz, EntryPoint: ep, Args: args})
}

// classify marks a response that echoes one of the payloads as reflected.
func classify(msg *message.Message, payloads []string) string {
	body, err := msg.DecodedResponseBody()
	if err != nil || len(body) == 0 {
		return StateSuccessful
	}
	text := string(body)
	for _, p := range payloads {
		if p != "" && strings.Contains(text, p) {
			return StateReflected
		}
	}
	return StateSuccessful
}

// combinations yields the cartesian product of lists, varying the last
// list fastest.
func combinations(lists [][]string) iter.Seq[[]string] {
	return func(yield func([]string) bool) {
		idx := make([]int, len(lists))
		for {
			combo := make([]string, len(lists))
			for i, l := range lists {
				combo[i] = l[idx[i]]
			}
			if !yield(combo) {
				return
			}
			i := len(lists) - 1
			for ; i >= 0; i-- {
				idx[i]++
				if idx[i] < len(lists[i]) {
					break
				}
				idx[i] = 0
			}
			if i < 0 {
				return
			}
		}
	}
}
