// Package sender sends requests on behalf of proxy components and fires
// the HttpSender hook around every send.
package sender

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/fidiego/hookproxy/pkg/dispatch"
	"github.com/fidiego/hookproxy/pkg/message"
	"github.com/fidiego/hookproxy/pkg/script"
)

// Initiator identifies the component that caused a send. Scripts receive
// it as an integer.
type Initiator int

const (
	InitiatorProxy Initiator = iota + 1
	InitiatorActiveScanner
	InitiatorSpider
	InitiatorFuzzer
	InitiatorAuthentication
	InitiatorManual
	InitiatorCheckForUpdates
	InitiatorScript
)

var initiatorNames = map[Initiator]string{
	InitiatorProxy:           "proxy",
	InitiatorActiveScanner:   "active-scanner",
	InitiatorSpider:          "spider",
	InitiatorFuzzer:          "fuzzer",
	InitiatorAuthentication:  "authentication",
	InitiatorManual:          "manual",
	InitiatorCheckForUpdates: "check-for-updates",
	InitiatorScript:          "script",
}

func (i Initiator) String() string {
	if n, ok := initiatorNames[i]; ok {
		return n
	}
	return fmt.Sprintf("initiator(%d)", int(i))
}

// ErrTooDeep is returned when scripts send from inside send hooks more
// times than allowed.
var ErrTooDeep = errors.New("nested send depth exceeded")

type depthKey struct{}

// Sender performs outbound requests.
type Sender struct {
	client   *http.Client
	engine   *dispatch.Engine
	maxBody  int64
	maxDepth int
}

// Option configures a Sender.
type Option func(*Sender)

// WithClient replaces the default HTTP client.
func WithClient(c *http.Client) Option { return func(s *Sender) { s.client = c } }

// WithMaxBodySize caps captured response bodies.
func WithMaxBodySize(n int64) Option { return func(s *Sender) { s.maxBody = n } }

// WithMaxDepth caps sends nested inside send hooks.
func WithMaxDepth(n int) Option { return func(s *Sender) { s.maxDepth = n } }

// New returns a sender firing HttpSender hooks through engine. The default
// client does not follow redirects.
func New(engine *dispatch.Engine, opts ...Option) *Sender {
	s := &Sender{
		engine: engine,
		client: &http.Client{
			Timeout: 30 * time.Second,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		maxBody:  10 << 20,
		maxDepth: 3,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Send fires sendingRequest, sends msg's request, stores the response on msg
// and fires responseReceived.
func (s *Sender) Send(ctx context.Context, msg *message.Message, initiator Initiator) error {
	depth, _ := ctx.Value(depthKey{}).(int)
	if depth >= s.maxDepth {
		return fmt.Errorf("%w (%d)", ErrTooDeep, s.maxDepth)
	}
	ctx = context.WithValue(ctx, depthKey{}, depth+1)

	s.FireSending(ctx, msg, initiator)

	req, err := msg.Request.HTTPRequest(ctx)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send %s %s: %w", req.Method, req.URL, err)
	}

	captured := message.NewResponse(resp)
	body, truncated, err := message.ReadLimited(resp.Body, s.maxBody)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	captured.Body = body
	captured.BodyTruncated = truncated
	msg.SetResponse(captured)

	s.FireReceived(ctx, msg, initiator)
	return nil
}

// FireSending runs the sendingRequest hook without sending anything. The
// proxy uses it for traffic it forwards itself.
func (s *Sender) FireSending(ctx context.Context, msg *message.Message, initiator Initiator) dispatch.Outcome {
	return s.fire(ctx, script.SendingRequest, msg, initiator)
}

// FireReceived runs the responseReceived hook.
func (s *Sender) FireReceived(ctx context.Context, msg *message.Message, initiator Initiator) dispatch.Outcome {
	return s.fire(ctx, script.ResponseReceived, msg, initiator)
}

func (s *Sender) fire(ctx context.Context, ep string, msg *message.Message, initiator Initiator) dispatch.Outcome {
	if s.engine == nil {
		return dispatch.Outcome{Decision: true}
	}
	return s.engine.Fire(ctx, dispatch.Firing{
		Type:       script.HTTPSender,
		EntryPoint: ep,
		Args:       []any{msg, int64(initiator), &Helper{sender: s, ctx: ctx}},
	})
}
