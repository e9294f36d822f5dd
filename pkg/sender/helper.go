package sender

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/fidiego/hookproxy/pkg/message"
	"github.com/fidiego/hookproxy/pkg/script"
)

// Helper lets HttpSender scripts build and send their own requests. Sends
// made through it are tagged InitiatorScript and count towards the nesting
// limit.
type Helper struct {
	sender *Sender
	ctx    context.Context
	unit   *script.Unit
}

// BindUnit records the unit currently running.
func (h *Helper) BindUnit(u *script.Unit) { h.unit = u }

// NewHelper returns a helper for use outside a firing, e.g. in targeted
// scripts.
func NewHelper(ctx context.Context, s *Sender) *Helper {
	return &Helper{sender: s, ctx: ctx}
}

func (h *Helper) ScriptType() string { return "senderHelper" }

func (h *Helper) ScriptMethods() map[string]script.Func {
	return map[string]script.Func{
		// newMessage(url, method="GET", body="")
		"newMessage": func(args ...any) (any, error) {
			raw, err := script.ArgString(args, 0)
			if err != nil {
				return nil, err
			}
			method, err := script.OptString(args, 1, http.MethodGet)
			if err != nil {
				return nil, err
			}
			body, err := script.OptString(args, 2, "")
			if err != nil {
				return nil, err
			}
			u, err := url.Parse(raw)
			if err != nil {
				return nil, err
			}
			return message.New(&message.Request{
				Method:  strings.ToUpper(method),
				URL:     u.String(),
				Path:    u.Path,
				Host:    u.Host,
				Headers: make(http.Header),
				Body:    []byte(body),
				Proto:   "HTTP/1.1",
			}), nil
		},
		// send(msg) sends msg and returns it with its response attached.
		"send": func(args ...any) (any, error) {
			obj, err := script.ArgObject(args, 0)
			if err != nil {
				return nil, err
			}
			msg, ok := obj.(*message.Message)
			if !ok {
				return nil, errNotMessage
			}
			if err := h.sender.Send(script.WithinUnit(h.ctx, h.unit), msg, InitiatorScript); err != nil {
				return nil, err
			}
			return msg, nil
		},
	}
}

var errNotMessage = errors.New("send: argument is not a message")
