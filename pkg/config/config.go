// Package config handles loading hookproxy configuration from YAML files.
//
// Loading priority (later wins):
//
//  1. Built-in defaults
//  2. Config file (hookproxy.yml in cwd, or --config path), with
//     ${VAR} and ${VAR:-default} expanded from the environment
//  3. Explicit CLI flags
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fidiego/hookproxy/pkg/logging"
	"github.com/fidiego/hookproxy/pkg/proxy"
	"github.com/fidiego/hookproxy/pkg/script"
)

// DefaultFilenames lists the config file names searched in the current
// directory when --config is not given.
var DefaultFilenames = []string{"hookproxy.yml", "hookproxy.yaml", ".hookproxy.yml"}

// UpstreamConfig is the YAML representation of a single upstream.
type UpstreamConfig struct {
	Name        string `yaml:"name"`
	Prefix      string `yaml:"prefix"`
	Host        string `yaml:"host"`
	Target      string `yaml:"target"`
	StripPrefix bool   `yaml:"strip_prefix"`
}

// UnitConfig registers one script file at startup.
type UnitConfig struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
	Path string `yaml:"path"`
	// Enabled overrides the saved state when set.
	Enabled *bool `yaml:"enabled"`
}

// TimeoutsConfig bounds each script invocation per hook type. Zero means no
// limit.
type TimeoutsConfig struct {
	Proxy      time.Duration `yaml:"proxy"`
	HTTPSender time.Duration `yaml:"httpsender"`
	Passive    time.Duration `yaml:"passive"`
	Targeted   time.Duration `yaml:"targeted"`
	Fuzz       time.Duration `yaml:"fuzz"`
}

// Map keys the timeouts by hook type.
func (t TimeoutsConfig) Map() map[script.HookType]time.Duration {
	return map[script.HookType]time.Duration{
		script.Proxy:       t.Proxy,
		script.HTTPSender:  t.HTTPSender,
		script.PassiveScan: t.Passive,
		script.Targeted:    t.Targeted,
		script.Fuzz:        t.Fuzz,
	}
}

// ScriptsConfig configures script loading and state.
type ScriptsConfig struct {
	// Dir is scanned for scripts laid out as <dir>/<hook type>/<name>.<ext>.
	Dir string `yaml:"dir"`
	// StateDB is the SQLite file holding enabled flags, order and alerts.
	// Empty keeps state in memory only.
	StateDB string `yaml:"state_db"`
	// ModuleDir is where JavaScript require() looks for modules.
	ModuleDir string `yaml:"module_dir"`
	// MaxErrors disables a unit after that many failed invocations; 0 never.
	MaxErrors int `yaml:"max_errors"`
	// MaxSteps caps Starlark execution steps per call; 0 is unlimited.
	MaxSteps uint64         `yaml:"max_steps"`
	Timeouts TimeoutsConfig `yaml:"timeouts"`
	Units    []UnitConfig   `yaml:"units"`
}

// PScanConfig sizes the passive scanner.
type PScanConfig struct {
	Disabled bool `yaml:"disabled"`
	Workers  int  `yaml:"workers"`
	Queue    int  `yaml:"queue"`
}

// FuzzConfig bounds fuzz runs.
type FuzzConfig struct {
	Threads     int `yaml:"threads"`
	MaxMessages int `yaml:"max_messages"`
}

// Config is the full YAML configuration for hookproxy.
type Config struct {
	// Listen is the proxy server address (e.g. ":9090").
	Listen string `yaml:"listen"`

	// WebPort is the port for the web inspection UI. Unset or 0 selects the
	// default, 9091.
	WebPort *int `yaml:"web_port"`

	// NoTUI disables the interactive terminal UI.
	NoTUI bool `yaml:"no_tui"`

	// NoColor disables ANSI colours in log output.
	NoColor bool `yaml:"no_color"`

	// MaxFlows is the ring-buffer capacity for the flow store.
	MaxFlows *int `yaml:"max_flows"`

	// MaxBodySize is the max bytes captured per request/response body.
	MaxBodySize *int64 `yaml:"max_body_size"`

	// Upstream is a shorthand for a single catch-all upstream.
	// Equivalent to a single entry in Upstreams with prefix "/".
	Upstream string `yaml:"upstream"`

	// Upstreams defines the routing table for multi-upstream mode.
	Upstreams []UpstreamConfig `yaml:"upstreams"`

	Log     logging.Config `yaml:"log"`
	Scripts ScriptsConfig  `yaml:"scripts"`
	PScan   PScanConfig    `yaml:"pscan"`
	Fuzz    FuzzConfig     `yaml:"fuzz"`
}

// Load reads and parses a YAML config file from path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %q: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %q: %w", path, err)
	}
	// Relative script paths are resolved against the config file.
	cfg.resolvePaths(filepath.Dir(path))
	return cfg, nil
}

// Parse expands environment references in data, decodes it and validates
// the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(ExpandEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

var envRef = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// ExpandEnv replaces ${VAR} and ${VAR:-default}. An unset or empty VAR takes
// the default.
func ExpandEnv(s string) string {
	return envRef.ReplaceAllStringFunc(s, func(match string) string {
		parts := envRef.FindStringSubmatch(match)
		if v := os.Getenv(parts[1]); v != "" {
			return v
		}
		return parts[2]
	})
}

// Validate checks values that would otherwise fail late.
func (c *Config) Validate() error {
	var errs []error
	for i, u := range c.Upstreams {
		if u.Target == "" {
			errs = append(errs, fmt.Errorf("upstreams[%d]: target is required", i))
		}
	}
	for i, u := range c.Scripts.Units {
		if _, ok := script.Lookup(u.Type); !ok {
			errs = append(errs, fmt.Errorf("scripts.units[%d]: unknown hook type %q", i, u.Type))
		}
		if u.Path == "" {
			errs = append(errs, fmt.Errorf("scripts.units[%d]: path is required", i))
		}
	}
	if c.Scripts.MaxErrors < 0 {
		errs = append(errs, errors.New("scripts.max_errors must not be negative"))
	}
	if c.PScan.Workers < 0 || c.PScan.Queue < 0 {
		errs = append(errs, errors.New("pscan.workers and pscan.queue must not be negative"))
	}
	if c.Fuzz.Threads < 0 || c.Fuzz.MaxMessages < 0 {
		errs = append(errs, errors.New("fuzz.threads and fuzz.max_messages must not be negative"))
	}
	switch c.Log.Format {
	case "", "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log.format %q: want json or console", c.Log.Format))
	}
	return errors.Join(errs...)
}

func (c *Config) resolvePaths(base string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) || p == ":memory:" {
			return p
		}
		return filepath.Join(base, p)
	}
	c.Scripts.Dir = abs(c.Scripts.Dir)
	c.Scripts.StateDB = abs(c.Scripts.StateDB)
	c.Scripts.ModuleDir = abs(c.Scripts.ModuleDir)
	for i := range c.Scripts.Units {
		c.Scripts.Units[i].Path = abs(c.Scripts.Units[i].Path)
	}
}

// FindDefault looks for a config file in dir using DefaultFilenames.
// Returns the path of the first file found, or "" if none exist.
func FindDefault(dir string) string {
	for _, name := range DefaultFilenames {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// ToOptions converts the Config into proxy.Options, applying built-in defaults
// for any fields left unset. Scripting fields are wired by the caller.
func (c *Config) ToOptions() proxy.Options {
	opts := proxy.Options{}

	if c.Listen != "" {
		opts.ListenAddr = c.Listen
	}
	if c.WebPort != nil {
		opts.WebPort = *c.WebPort
	}
	if c.MaxFlows != nil {
		opts.MaxFlows = *c.MaxFlows
	}
	if c.MaxBodySize != nil {
		opts.MaxBodySize = *c.MaxBodySize
	}

	if c.Upstream != "" {
		opts.Upstreams = append(opts.Upstreams, proxy.Upstream{
			Name:   "default",
			Prefix: "/",
			Target: c.Upstream,
		})
	}
	for _, u := range c.Upstreams {
		prefix := u.Prefix
		if prefix == "" {
			prefix = "/"
		}
		name := u.Name
		if name == "" {
			name = prefix
		}
		opts.Upstreams = append(opts.Upstreams, proxy.Upstream{
			Name:        name,
			Prefix:      prefix,
			Host:        u.Host,
			Target:      u.Target,
			StripPrefix: u.StripPrefix,
		})
	}

	return opts
}

// Example returns the canonical example config as a YAML string.
func Example() string {
	return `# hookproxy configuration
# All fields are optional; CLI flags take precedence over this file.
# ${VAR} and ${VAR:-default} are expanded from the environment.

# Proxy listen address.
listen: "${HOOKPROXY_LISTEN:-:9090}"

# Port for the web inspection UI. Set to 0 to disable.
web_port: 9091

# Disable the interactive terminal UI (log to stdout instead).
no_tui: false

# Disable ANSI colors in log output.
no_color: false

# Maximum number of flows held in memory (ring buffer).
max_flows: 1000

# Maximum bytes captured per request/response body (default: 1048576 = 1 MiB).
max_body_size: 1048576

# --- Upstream routing ---

# Single upstream: proxy everything to one target.
# upstream: http://localhost:8081

# Multi-upstream: route by host and path prefix (longer prefixes win).
upstreams:
  - name: api
    prefix: /api
    target: http://localhost:8081
  - name: web
    prefix: /
    target: http://localhost:4000

log:
  level: info        # trace, debug, info, warn, error
  format: console    # console or json
  output: stderr     # stderr, stdout, none, or a file path

# --- Scripts ---
scripts:
  # Scripts are discovered as <dir>/<type>/<name>.star|.py|.js and start
  # disabled unless listed below or enabled earlier.
  dir: ./scripts
  state_db: ./hookproxy.db
  module_dir: ./scripts/lib
  max_errors: 0
  max_steps: 0
  timeouts:
    proxy: 2s
    httpsender: 2s
    passive: 10s
    targeted: 30s
    fuzz: 5s
  units:
    - name: block-tracking
      type: proxy
      path: ./scripts/proxy/block-tracking.star
      enabled: true

pscan:
  workers: 2
  queue: 256

fuzz:
  threads: 4
  max_messages: 10000
`
}
