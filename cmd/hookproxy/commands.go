package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/fidiego/hookproxy/pkg/config"
	"github.com/fidiego/hookproxy/pkg/fuzz"
	"github.com/fidiego/hookproxy/pkg/logging"
	"github.com/fidiego/hookproxy/pkg/message"
	"github.com/fidiego/hookproxy/pkg/script"
	"github.com/fidiego/hookproxy/pkg/sender"
)

var (
	styleTitle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("6"))
	styleDim   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	styleOK    = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	styleWarn  = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	styleBad   = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Print an example hookproxy.yml to stdout",
	RunE: func(_ *cobra.Command, _ []string) error {
		fmt.Print(config.Example())
		return nil
	},
}

var hooksCmd = &cobra.Command{
	Use:   "hooks",
	Short: "List the hook types scripts can implement",
	RunE: func(cmd *cobra.Command, _ []string) error {
		out := cmd.OutOrStdout()
		for _, c := range script.Contracts() {
			fmt.Fprintf(out, "%s  %s\n", styleTitle.Render(string(c.Type)), styleDim.Render(c.Semantics.String()))
			fmt.Fprintf(out, "  %s\n", c.Description)
			if c.AnyOf {
				fmt.Fprintln(out, styleDim.Render("  any of:"))
			}
			for _, ep := range c.EntryPoints {
				fmt.Fprintf(out, "    %s\n", ep.Signature())
			}
			fmt.Fprintln(out)
		}
		return nil
	},
}

var flagCheckType string

var checkCmd = &cobra.Command{
	Use:   "check FILE...",
	Short: "Compile scripts and check them against a hook type's contract",
	Long: `check loads each script the same way the proxy would and reports parse
and contract errors. The hook type comes from --type, or from the name of the
script's parent directory (scripts/<type>/<name>.star).`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		rts := newRuntimes(config.ScriptsConfig{}, logging.New(logging.Config{Output: "none"}))
		failed := 0
		for _, path := range args {
			t, err := checkType(path)
			if err == nil {
				var u *script.Unit
				if u, err = script.LoadFile(path, t, rts); err == nil {
					c, _ := script.ContractFor(t)
					var eps []string
					for _, ep := range c.EntryPoints {
						if u.Has(ep.Name) {
							eps = append(eps, ep.Name)
						}
					}
					fmt.Fprintf(out, "%s %s (%s %s): %s\n", styleOK.Render("ok"), path, t, u.Runtime(), strings.Join(eps, ", "))
					continue
				}
			}
			failed++
			fmt.Fprintf(out, "%s %s: %v\n", styleBad.Render("FAIL"), path, err)
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d scripts failed", failed, len(args))
		}
		return nil
	},
}

func checkType(path string) (script.HookType, error) {
	name := flagCheckType
	if name == "" {
		parts := strings.Split(strings.ReplaceAll(path, "\\", "/"), "/")
		if len(parts) < 2 {
			return "", errors.New("no --type given and no hook type directory in path")
		}
		name = parts[len(parts)-2]
	}
	t, ok := script.Lookup(name)
	if !ok {
		return "", fmt.Errorf("unknown hook type %q", name)
	}
	return t, nil
}

var (
	flagFuzzURL          string
	flagFuzzMethod       string
	flagFuzzHeaders      []string
	flagFuzzData         string
	flagFuzzMarker       string
	flagFuzzPayloads     []string
	flagFuzzPayloadsFile string
	flagFuzzThreads      int
	flagFuzzMax          int
	flagFuzzScripts      []string
	flagFuzzSender       []string
	flagFuzzJSON         bool
)

var fuzzCmd = &cobra.Command{
	Use:   "fuzz",
	Short: "Send a request many times with payloads substituted at a marker",
	Long: `fuzz builds a request from the flags, finds every occurrence of --marker in
its URL, headers and body, and sends one request per payload. Fuzz scripts
(--script) and HTTP sender scripts (--sender-script) run over each message,
along with any enabled scripts from the config file.

Example:
  hookproxy fuzz --url 'http://localhost:8081/search?q=FUZZ' \
    --payload "'" --payload '<script>' --script ./scripts/fuzz/flag-errors.star`,
	RunE: runFuzz,
}

func init() {
	checkCmd.Flags().StringVar(&flagCheckType, "type", "",
		"hook type: proxy, httpsender, passive, targeted or fuzz")

	f := fuzzCmd.Flags()
	f.StringVar(&flagFuzzURL, "url", "", "request URL (required)")
	f.StringVarP(&flagFuzzMethod, "method", "X", http.MethodGet, "request method")
	f.StringArrayVarP(&flagFuzzHeaders, "header", "H", nil, "request header as 'Name: value'; repeatable")
	f.StringVarP(&flagFuzzData, "data", "d", "", "request body")
	f.StringVar(&flagFuzzMarker, "marker", "FUZZ", "text replaced by each payload")
	f.StringArrayVarP(&flagFuzzPayloads, "payload", "p", nil, "payload value; repeatable")
	f.StringVar(&flagFuzzPayloadsFile, "payloads-file", "", "file with one payload per line")
	f.IntVar(&flagFuzzThreads, "threads", 0, "messages in flight at once (default: 4)")
	f.IntVar(&flagFuzzMax, "max", 0, "stop after this many messages (default: no limit)")
	f.StringArrayVar(&flagFuzzScripts, "script", nil, "fuzz script to run; repeatable")
	f.StringArrayVar(&flagFuzzSender, "sender-script", nil, "httpsender script to run; repeatable")
	f.BoolVar(&flagFuzzJSON, "json", false, "print results as JSON lines")
	_ = fuzzCmd.MarkFlagRequired("url")
}

func runFuzz(cmd *cobra.Command, _ []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	if flagLogLevel != "" {
		cfg.Log.Level = flagLogLevel
	}
	if cfg.Log.Output == "" || cfg.Log.Output == "stdout" {
		cfg.Log.Output = "stderr"
	}
	logger := logging.Global(cfg.Log)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	sc, err := setupScripts(ctx, cfg.Scripts, nil, logger)
	if err != nil {
		return err
	}
	defer sc.Close()
	for _, group := range []struct {
		t     script.HookType
		paths []string
	}{{script.Fuzz, flagFuzzScripts}, {script.HTTPSender, flagFuzzSender}} {
		for _, p := range group.paths {
			u, err := script.LoadFile(p, group.t, sc.runtimes, script.WithEnabled(true))
			if err != nil {
				return err
			}
			if err := sc.store.Add(u); err != nil {
				return err
			}
		}
	}

	base, err := fuzzBase()
	if err != nil {
		return err
	}
	payloads, err := fuzzPayloads()
	if err != nil {
		return err
	}
	locs := fuzz.Locate(base, flagFuzzMarker)
	if len(locs) == 0 {
		return fmt.Errorf("marker %q not found in the request", flagFuzzMarker)
	}
	lists := make([][]string, len(locs))
	for i := range lists {
		lists[i] = payloads
	}

	threads := cfg.Fuzz.Threads
	if cmd.Flags().Changed("threads") {
		threads = flagFuzzThreads
	}
	maxMessages := cfg.Fuzz.MaxMessages
	if cmd.Flags().Changed("max") {
		maxMessages = flagFuzzMax
	}
	opts := []fuzz.Option{fuzz.WithMaxMessages(maxMessages), fuzz.WithLogger(logger)}
	if threads > 0 {
		opts = append(opts, fuzz.WithThreads(threads))
	}
	fz := fuzz.New(sc.engine, sender.New(sc.engine), opts...)

	out := cmd.OutOrStdout()
	enc := json.NewEncoder(out)
	var mu sync.Mutex
	run, err := fz.Run(ctx, fuzz.Job{Base: base, Locations: locs, Payloads: lists}, func(r *fuzz.Result) {
		mu.Lock()
		defer mu.Unlock()
		if flagFuzzJSON {
			_ = enc.Encode(r)
			return
		}
		fmt.Fprintln(out, formatResult(r))
	})
	if run != nil && !flagFuzzJSON {
		fmt.Fprintf(out, "%s sent %d in %s", styleTitle.Render(run.ID), run.Sent, run.Duration.Round(time.Millisecond))
		if run.Stopped {
			fmt.Fprint(out, styleWarn.Render(" (stopped by script)"))
		}
		fmt.Fprintln(out)
	}
	return err
}

func fuzzBase() (*message.Message, error) {
	u, err := url.Parse(flagFuzzURL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid --url %q", flagFuzzURL)
	}
	headers := make(http.Header)
	for _, h := range flagFuzzHeaders {
		name, value, ok := strings.Cut(h, ":")
		if !ok {
			return nil, fmt.Errorf("invalid --header %q: expected 'Name: value'", h)
		}
		headers.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	}
	return message.New(&message.Request{
		Method:  strings.ToUpper(flagFuzzMethod),
		URL:     flagFuzzURL,
		Path:    u.Path,
		Host:    u.Host,
		Headers: headers,
		Body:    []byte(flagFuzzData),
		Proto:   "HTTP/1.1",
	}), nil
}

func fuzzPayloads() ([]string, error) {
	payloads := append([]string(nil), flagFuzzPayloads...)
	if flagFuzzPayloadsFile != "" {
		f, err := os.Open(flagFuzzPayloadsFile)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		sc := bufio.NewScanner(f)
		for sc.Scan() {
			if line := sc.Text(); line != "" {
				payloads = append(payloads, line)
			}
		}
		if err := sc.Err(); err != nil {
			return nil, fmt.Errorf("read payloads: %w", err)
		}
	}
	if len(payloads) == 0 {
		return nil, errors.New("no payloads: use --payload or --payloads-file")
	}
	return payloads, nil
}

func formatResult(r *fuzz.Result) string {
	status := "-"
	size := 0
	if r.Message != nil {
		if resp := r.Message.Clone().Response; resp != nil {
			status = fmt.Sprintf("%d", resp.StatusCode)
			size = len(resp.Body)
		}
	}
	state := r.State
	switch state {
	case fuzz.StateReflected:
		state = styleWarn.Render(state)
	case fuzz.StateError:
		state = styleBad.Render(state)
	}
	line := fmt.Sprintf("%4d  %s  %6dB  %-10s  %s", r.ID, status, size, state, strings.Join(r.Payloads, " | "))
	if r.Comment != "" {
		line += styleDim.Render("  # " + r.Comment)
	}
	if r.Err != "" {
		line += styleBad.Render("  " + r.Err)
	}
	return line
}
