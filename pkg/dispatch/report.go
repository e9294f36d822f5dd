package dispatch

import (
	"errors"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/fidiego/hookproxy/pkg/script"
)

// Reporter is told about every invocation failure.
type Reporter interface {
	Report(u *script.Unit, err *script.InvocationError)
}

// ReporterFunc adapts a func to Reporter.
type ReporterFunc func(u *script.Unit, err *script.InvocationError)

func (f ReporterFunc) Report(u *script.Unit, err *script.InvocationError) { f(u, err) }

// LogReporter logs failures at warn level.
type LogReporter struct {
	Logger zerolog.Logger
}

func (r LogReporter) Report(u *script.Unit, err *script.InvocationError) {
	r.Logger.Warn().
		Err(err.Err).
		Str("script", u.Name()).
		Str("type", string(u.Type())).
		Str("entry_point", err.EntryPoint).
		Bool("timeout", errors.Is(err, script.ErrTimeout)).
		Int64("errors", u.RunErrorCount()).
		Msg("script invocation failed")
}

// Tee fans a failure out to several reporters.
func Tee(rs ...Reporter) Reporter {
	return ReporterFunc(func(u *script.Unit, err *script.InvocationError) {
		for _, r := range rs {
			r.Report(u, err)
		}
	})
}

// DisableAfter disables a unit in store once it has failed n times, then
// passes the failure on to next. n <= 0 disables nothing.
func DisableAfter(store *script.Store, n int64, next Reporter) Reporter {
	return ReporterFunc(func(u *script.Unit, err *script.InvocationError) {
		if n > 0 && u.RunErrorCount() >= n && u.Enabled() {
			if serr := store.SetEnabled(u.Type(), u.Name(), false); serr == nil {
				log.Warn().
					Str("script", u.Name()).
					Str("type", string(u.Type())).
					Int64("errors", u.RunErrorCount()).
					Msg("script disabled after repeated failures")
			}
		}
		if next != nil {
			next.Report(u, err)
		}
	})
}
