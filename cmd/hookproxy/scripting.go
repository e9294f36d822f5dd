package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"

	"github.com/fidiego/hookproxy/pkg/config"
	"github.com/fidiego/hookproxy/pkg/dispatch"
	"github.com/fidiego/hookproxy/pkg/pscan"
	"github.com/fidiego/hookproxy/pkg/script"
	"github.com/fidiego/hookproxy/pkg/script/jsrt"
	"github.com/fidiego/hookproxy/pkg/script/starlarkrt"
	"github.com/fidiego/hookproxy/pkg/storage"
)

// scripting bundles the script runtimes, the unit store and the dispatch
// engine built from the scripts section of the config.
type scripting struct {
	runtimes script.Runtimes
	store    *script.Store
	engine   *dispatch.Engine
	alerts   pscan.AlertStore
	db       *storage.DB
}

func (s *scripting) Close() {
	if s.db != nil {
		_ = s.db.Close()
	}
}

func newRuntimes(cfg config.ScriptsConfig, logger zerolog.Logger) script.Runtimes {
	return script.NewRuntimes(
		starlarkrt.New(starlarkrt.WithMaxSteps(cfg.MaxSteps), starlarkrt.WithLogger(logger)),
		jsrt.New(jsrt.WithModuleDir(cfg.ModuleDir), jsrt.WithLogger(logger)),
	)
}

// setupScripts opens the state database, loads configured and discovered
// scripts and builds the dispatch engine. Load failures are logged and the
// offending script skipped; only a state database that cannot be opened
// is fatal.
func setupScripts(ctx context.Context, cfg config.ScriptsConfig, enable []string, logger zerolog.Logger) (*scripting, error) {
	s := &scripting{runtimes: newRuntimes(cfg, logger)}

	var storeOpts []script.StoreOption
	if cfg.StateDB != "" {
		db, err := storage.Open(ctx, cfg.StateDB)
		if err != nil {
			return nil, fmt.Errorf("open state db: %w", err)
		}
		s.db = db
		s.alerts = db
		storeOpts = append(storeOpts, script.WithStateStore(db))
	} else {
		s.alerts = pscan.NewMemoryAlerts(1000)
	}
	s.store = script.NewStore(storeOpts...)

	// Units listed in the config come first so they keep their place ahead
	// of anything discovered with the same name.
	for _, uc := range cfg.Units {
		t, _ := script.Lookup(uc.Type)
		u, err := loadUnit(uc, t, s.runtimes)
		if err != nil {
			logger.Error().Err(err).Str("path", uc.Path).Msg("could not load script")
			continue
		}
		if err := s.store.Add(u); err != nil {
			logger.Error().Err(err).Str("path", uc.Path).Msg("could not register script")
			continue
		}
		if uc.Enabled != nil {
			_ = s.store.SetEnabled(t, u.Name(), *uc.Enabled)
		}
	}

	if cfg.Dir != "" {
		units, err := script.Discover(cfg.Dir, s.runtimes, script.WithEnabled(false))
		if err != nil {
			logger.Error().Err(err).Str("dir", cfg.Dir).Msg("some scripts failed to load")
		}
		for _, u := range units {
			if err := s.store.Add(u); err != nil && !errors.Is(err, script.ErrDuplicateName) {
				logger.Error().Err(err).Str("path", u.Path()).Msg("could not register script")
			}
		}
	}

	for _, ref := range enable {
		typ, name, ok := strings.Cut(ref, "/")
		t, known := script.Lookup(typ)
		if !ok || !known {
			s.Close()
			return nil, fmt.Errorf("invalid --enable %q: expected TYPE/NAME", ref)
		}
		if err := s.store.SetEnabled(t, name, true); err != nil {
			s.Close()
			return nil, fmt.Errorf("enable %s: %w", ref, err)
		}
	}

	for _, info := range s.store.Infos() {
		logger.Debug().
			Str("script", info.Name).
			Str("type", string(info.Type)).
			Str("runtime", info.Runtime).
			Bool("enabled", info.Enabled).
			Msg("script loaded")
	}

	s.engine = dispatch.New(s.store,
		dispatch.WithTimeouts(cfg.Timeouts.Map()),
		dispatch.WithReporter(dispatch.DisableAfter(s.store, int64(cfg.MaxErrors), dispatch.LogReporter{Logger: logger})),
		dispatch.WithLogger(logger),
	)
	return s, nil
}

// loadUnit loads a configured script, named after its file unless the
// config gives a name.
func loadUnit(uc config.UnitConfig, t script.HookType, rts script.Runtimes) (*script.Unit, error) {
	if uc.Name == "" {
		return script.LoadFile(uc.Path, t, rts, script.WithEnabled(true))
	}
	rt, err := rts.ForPath(uc.Path)
	if err != nil {
		return nil, err
	}
	src, err := os.ReadFile(uc.Path)
	if err != nil {
		return nil, err
	}
	return script.Load(uc.Name, t, string(src), rt, script.WithPath(uc.Path), script.WithEnabled(true))
}
