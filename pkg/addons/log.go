// Package addons provides built-in proxy addons.
package addons

import (
	"github.com/rs/zerolog"

	"github.com/fidiego/hookproxy/pkg/proxy"
)

// LogAddon logs one structured line per finished flow: method, status,
// host, path, duration and size, plus tags and script notes.
type LogAddon struct {
	logger zerolog.Logger
}

// NewLogAddon creates a LogAddon writing to logger.
func NewLogAddon(logger zerolog.Logger) *LogAddon {
	return &LogAddon{logger: logger}
}

func (l *LogAddon) OnComplete(flow *proxy.Flow) {
	level := zerolog.InfoLevel
	if flow.Response != nil && flow.Response.StatusCode >= 500 {
		level = zerolog.WarnLevel
	}
	l.write(l.logger.WithLevel(level), flow).Msg("flow")
}

func (l *LogAddon) OnError(flow *proxy.Flow, err error) {
	l.write(l.logger.Warn().Err(err), flow).Msg("flow failed")
}

func (l *LogAddon) write(ev *zerolog.Event, flow *proxy.Flow) *zerolog.Event {
	if flow.Message == nil || flow.Request == nil {
		return ev
	}
	snap := flow.Clone()

	path := snap.Request.Path
	if path == "" {
		path = "/"
	}
	ev = ev.
		Int64("history_id", flow.HistoryID).
		Str("method", snap.Request.Method).
		Str("host", snap.Request.Host).
		Str("path", path).
		Str("upstream", flow.Upstream).
		Str("state", string(flow.State)).
		Dur("took", flow.Duration())

	if snap.Response != nil {
		ev = ev.Int("status", snap.Response.StatusCode).Int("size", len(snap.Response.Body))
	}
	if tags := flow.TagList(); len(tags) > 0 {
		ev = ev.Strs("tags", tags)
	}
	if len(snap.Notes) > 0 {
		ev = ev.Strs("notes", snap.Notes)
	}
	return ev
}
