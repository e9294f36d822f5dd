package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/fidiego/hookproxy/pkg/addons"
	"github.com/fidiego/hookproxy/pkg/config"
	"github.com/fidiego/hookproxy/pkg/fuzz"
	"github.com/fidiego/hookproxy/pkg/logging"
	"github.com/fidiego/hookproxy/pkg/proxy"
	"github.com/fidiego/hookproxy/pkg/pscan"
	"github.com/fidiego/hookproxy/pkg/sender"
	"github.com/fidiego/hookproxy/pkg/targeted"
	"github.com/fidiego/hookproxy/pkg/tui"
	"github.com/fidiego/hookproxy/pkg/web"
)

var rootCmd = &cobra.Command{
	Use:   "hookproxy",
	Short: "Scriptable HTTP reverse proxy for local development",
	Long: `hookproxy is a reverse proxy that captures, inspects, and replays
HTTP traffic, and runs user scripts (Starlark or JavaScript) at fixed hook
points: proxy, httpsender, passive, targeted and fuzz.

Config file (hookproxy.yml) is loaded automatically from the current directory.
A .env file, if present, is loaded into the environment first.
CLI flags override config file values.

Examples:
  # Single upstream with scripts from ./scripts
  hookproxy --upstream http://localhost:8081 --scripts ./scripts

  # Multiple upstreams with path routing
  hookproxy --route /api=http://localhost:8081 --route /runner=http://localhost:8083

  # Use a config file
  hookproxy --config hookproxy.yml

  # Print an example config file
  hookproxy init`,
	PersistentPreRunE: loadEnv,
	RunE:              run,
	SilenceUsage:      true,
}

var (
	flagEnvFile  string
	flagConfig   string
	flagListen   string
	flagUpstream string
	flagRoutes   []string
	flagWebPort  int
	flagMaxFlows int
	flagScripts  string
	flagStateDB  string
	flagEnable   []string
	flagLogLevel string
	flagNoTUI    bool
	flagNoColor  bool
)

func init() {
	rootCmd.PersistentFlags().StringVar(&flagEnvFile, "env-file", "",
		"load environment variables from this file (default: .env if present)")
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "",
		"path to config file (default: hookproxy.yml in current directory)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "",
		"log level: trace, debug, info, warn, error")

	rootCmd.Flags().StringVar(&flagListen, "listen", "",
		"proxy listen address (default: :9090)")
	rootCmd.Flags().StringVar(&flagUpstream, "upstream", "",
		"single upstream target URL (e.g. http://localhost:8081)")
	rootCmd.Flags().StringArrayVar(&flagRoutes, "route", nil,
		"path-routed upstream in PREFIX=TARGET form (e.g. /api=http://localhost:8081); repeatable")
	rootCmd.Flags().IntVar(&flagWebPort, "web-port", 0,
		"port for web inspection UI (default: 9091)")
	rootCmd.Flags().IntVar(&flagMaxFlows, "max-flows", 0,
		"maximum number of flows to keep in memory (default: 1000)")
	rootCmd.Flags().StringVar(&flagScripts, "scripts", "",
		"directory scanned for <type>/<name>.star|.py|.js scripts")
	rootCmd.Flags().StringVar(&flagStateDB, "state-db", "",
		"SQLite file for script state and alerts (default: in memory)")
	rootCmd.Flags().StringArrayVar(&flagEnable, "enable", nil,
		"enable a discovered script, as TYPE/NAME; repeatable")
	rootCmd.Flags().BoolVar(&flagNoTUI, "no-tui", false,
		"disable the interactive terminal UI (log to stdout only)")
	rootCmd.Flags().BoolVar(&flagNoColor, "no-color", false,
		"disable ANSI colours in log output")

	rootCmd.AddCommand(initCmd, hooksCmd, checkCmd, fuzzCmd)
}

// loadEnv reads --env-file, or .env in the working directory when present.
// Variables already set in the environment win.
func loadEnv(cmd *cobra.Command, _ []string) error {
	if flagEnvFile != "" {
		if err := godotenv.Load(flagEnvFile); err != nil {
			return fmt.Errorf("load env file: %w", err)
		}
		return nil
	}
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return fmt.Errorf("load .env: %w", err)
		}
	}
	return nil
}

// loadConfig reads the config file named by --config or found in the
// working directory. Without one it returns an empty config.
func loadConfig() (*config.Config, string, error) {
	path := flagConfig
	if path == "" {
		path = config.FindDefault(".")
	}
	if path == "" {
		return &config.Config{}, "", nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, cfgPath, err := loadConfig()
	if err != nil {
		return err
	}
	opts := cfg.ToOptions()

	// CLI flags override config file values (only when explicitly set).
	f := cmd.Flags()
	if f.Changed("listen") {
		opts.ListenAddr = flagListen
	}
	if f.Changed("web-port") {
		opts.WebPort = flagWebPort
	}
	if f.Changed("max-flows") {
		opts.MaxFlows = flagMaxFlows
	}
	if f.Changed("scripts") {
		cfg.Scripts.Dir = flagScripts
	}
	if f.Changed("state-db") {
		cfg.Scripts.StateDB = flagStateDB
	}
	if f.Changed("no-tui") {
		cfg.NoTUI = flagNoTUI
	}
	if f.Changed("no-color") {
		cfg.NoColor = flagNoColor
	}
	if flagLogLevel != "" {
		cfg.Log.Level = flagLogLevel
	}

	// --upstream and --route replace (not merge with) the config file's upstreams
	// when either flag is explicitly provided.
	if f.Changed("upstream") || f.Changed("route") {
		cliUpstreams, err := buildUpstreams()
		if err != nil {
			return err
		}
		opts.Upstreams = cliUpstreams
	}

	if len(opts.Upstreams) == 0 {
		return fmt.Errorf("at least one upstream is required (use --upstream, --route, or a config file)")
	}

	useTUI := !cfg.NoTUI && isTerminal()
	if useTUI && (cfg.Log.Output == "" || cfg.Log.Output == "stderr" || cfg.Log.Output == "stdout") {
		// The TUI owns the terminal.
		cfg.Log.Output = "none"
	}
	cfg.Log.NoColor = cfg.NoColor
	logger := logging.Global(cfg.Log)
	if cfgPath != "" {
		logger.Info().Str("path", cfgPath).Msg("loaded config")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	sc, err := setupScripts(ctx, cfg.Scripts, flagEnable, logger)
	if err != nil {
		return err
	}
	defer sc.Close()

	maxBody := opts.MaxBodySize
	if maxBody == 0 {
		maxBody = proxy.DefaultMaxBody
	}
	opts.Scripts = sc.engine
	opts.Sender = sender.New(sc.engine, sender.WithMaxBodySize(maxBody))
	opts.Logger = &logger

	engine, err := proxy.New(opts)
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}

	var webSrv *web.Server
	scanOpts := []pscan.Option{
		pscan.WithSink(sc.alerts),
		pscan.WithTagger(engine.Store()),
		pscan.WithAlertListener(func(a pscan.Alert) { webSrv.PublishAlert(a) }),
	}
	if cfg.PScan.Workers > 0 {
		scanOpts = append(scanOpts, pscan.WithWorkers(cfg.PScan.Workers))
	}
	if cfg.PScan.Queue > 0 {
		scanOpts = append(scanOpts, pscan.WithQueueSize(cfg.PScan.Queue))
	}
	scanner := pscan.New(sc.engine, scanOpts...)

	fuzzOpts := []fuzz.Option{
		fuzz.WithMaxMessages(cfg.Fuzz.MaxMessages),
		fuzz.WithLogger(logger),
	}
	if cfg.Fuzz.Threads > 0 {
		fuzzOpts = append(fuzzOpts, fuzz.WithThreads(cfg.Fuzz.Threads))
	}
	fuzzer := fuzz.New(sc.engine, engine.Sender(), fuzzOpts...)

	webSrv = web.New(engine, engine.Options().WebPort,
		web.WithRuntimes(sc.runtimes),
		web.WithTargeted(targeted.New(sc.engine, engine.Store(), engine.Store())),
		web.WithFuzzer(fuzzer),
		web.WithAlerts(sc.alerts),
		web.WithScanner(scanner),
		web.WithLogger(logger),
	)

	// The alert listener publishes through webSrv, so workers start after it
	// is set.
	if !cfg.PScan.Disabled {
		scanner.Start()
		defer scanner.Stop()
		engine.Addons().Add(addons.NewScanAddon(scanner, nil))
	}
	if !useTUI {
		engine.Addons().Add(addons.NewLogAddon(logger))
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().
			Str("listen", engine.Options().ListenAddr).
			Int("scripts", sc.store.Len()).
			Msg("proxy listening")
		return engine.Start(ctx)
	})

	g.Go(func() error {
		return webSrv.Start(ctx)
	})

	if useTUI {
		g.Go(func() error {
			err := tui.Run(ctx, engine, engine.Options().WebPort)
			// Quitting the TUI stops the proxy.
			cancel()
			return err
		})
	}

	return g.Wait()
}

// buildUpstreams constructs the upstream list from --upstream / --route flags.
func buildUpstreams() ([]proxy.Upstream, error) {
	var upstreams []proxy.Upstream

	if flagUpstream != "" {
		upstreams = append(upstreams, proxy.Upstream{
			Name:   "default",
			Prefix: "/",
			Target: flagUpstream,
		})
	}

	for _, r := range flagRoutes {
		prefix, target, ok := strings.Cut(r, "=")
		if !ok {
			return nil, fmt.Errorf("invalid --route %q: expected PREFIX=TARGET", r)
		}
		name := strings.TrimPrefix(prefix, "/")
		if name == "" {
			name = "default"
		}
		upstreams = append(upstreams, proxy.Upstream{
			Name:   name,
			Prefix: prefix,
			Target: target,
		})
	}

	return upstreams, nil
}

func isTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
