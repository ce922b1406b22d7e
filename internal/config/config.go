package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

type Config struct {
	// MAINTAINER NOTE: If you add/change/remove config fields that affect a run,
	// keep these in sync:
	// - CLI flags in internal/cli/run.go
	// - environment overrides in applyEnvOverrides

	// Timezone is the reporting timezone used to resolve "yesterday" (IANA name).
	Timezone string `yaml:"timezone" toml:"timezone"`

	Sources   map[string]Source `yaml:"sources" toml:"sources"`
	Warehouse Warehouse         `yaml:"warehouse" toml:"warehouse"`
	Analysis  Analysis          `yaml:"analysis" toml:"analysis"`
	Report    Report            `yaml:"report" toml:"report"`
	Notify    Notify            `yaml:"notify" toml:"notify"`
	Server    Server            `yaml:"server" toml:"server"`
	Output    Output            `yaml:"-" toml:"-"`
	Runtime   Runtime           `yaml:"runtime" toml:"runtime"`

	// Enable restricts the run to the named sources (see --sources).
	// Empty means every source with enabled: true.
	Enable []string `yaml:"-" toml:"-"`

	// Set provides per-source option overrides from the CLI.
	// Entries are of the form source.option=value (repeatable; comma-separated accepted; see --set).
	Set []string `yaml:"-" toml:"-"`
}

// Source configures one ads data source.
type Source struct {
	Enabled bool `yaml:"enabled" toml:"enabled"`

	// Endpoint overrides the API base URL (tests, proxies).
	Endpoint string `yaml:"endpoint,omitempty" toml:"endpoint,omitempty"`

	// Options are source-specific settings, e.g. customer_id for google_ads or
	// ad_account_id for meta_ads.
	Options map[string]string `yaml:"options,omitempty" toml:"options,omitempty"`
}

type Warehouse struct {
	// Driver is one of: sqlite, sqlite3, mysql, postgres.
	Driver string `yaml:"driver" toml:"driver"`
	DSN    string `yaml:"dsn" toml:"dsn"`
	Table  string `yaml:"table" toml:"table"`
}

type Analysis struct {
	// BaselineDays is the trailing window used for the baseline mean.
	BaselineDays int `yaml:"baseline_days" toml:"baseline_days"`

	// MinBaselineDays is the minimum number of observed days required before a
	// campaign is checked for anomalies.
	MinBaselineDays int `yaml:"min_baseline_days" toml:"min_baseline_days"`

	// DeviationRatio flags a metric when |current-mean|/mean exceeds it.
	DeviationRatio float64 `yaml:"deviation_ratio" toml:"deviation_ratio"`

	// Detectors selects anomaly detectors by ID. Empty means all registered
	// detectors (see `adreport detectors list`).
	Detectors []string `yaml:"detectors,omitempty" toml:"detectors,omitempty"`

	Narrative Narrative `yaml:"narrative" toml:"narrative"`
}

type Narrative struct {
	Enabled bool          `yaml:"enabled" toml:"enabled"`
	Model   string        `yaml:"model" toml:"model"`
	Timeout time.Duration `yaml:"timeout" toml:"timeout"`

	// APIKey is read from GEMINI_API_KEY.
	APIKey string `yaml:"-" toml:"-"`
}

type Report struct {
	Title          string `yaml:"title" toml:"title"`
	Currency       string `yaml:"currency" toml:"currency"`
	AttachWorkbook bool   `yaml:"attach_workbook" toml:"attach_workbook"`
}

type Notify struct {
	// Transport is one of: smtp, gmail, outbox.
	Transport string `yaml:"transport" toml:"transport"`
	Recipient string `yaml:"recipient" toml:"recipient"`
	Sender    string `yaml:"sender" toml:"sender"`

	SMTP      SMTP   `yaml:"smtp" toml:"smtp"`
	Gmail     Gmail  `yaml:"gmail" toml:"gmail"`
	OutboxDir string `yaml:"outbox_dir" toml:"outbox_dir"`
}

type SMTP struct {
	Host     string `yaml:"host" toml:"host"`
	Port     int    `yaml:"port" toml:"port"`
	Username string `yaml:"username" toml:"username"`

	// Password is read from SMTP_PASSWORD.
	Password string `yaml:"-" toml:"-"`
}

type Gmail struct {
	Endpoint string `yaml:"endpoint,omitempty" toml:"endpoint,omitempty"`

	// AccessToken is read from GMAIL_ACCESS_TOKEN.
	AccessToken string `yaml:"-" toml:"-"`
}

type Server struct {
	Listen string `yaml:"listen" toml:"listen"`

	// JWTSecret is read from ADREPORT_JWT_SECRET. Empty disables bearer auth.
	JWTSecret string `yaml:"-" toml:"-"`
}

type Output struct {
	// ConsoleFormat controls the human-facing console sink format (see --console-format).
	// Allowed values: text, json, ndjson.
	ConsoleFormat string

	// Report writes the rendered HTML report to this path (see --report).
	Report string

	// Out writes structured output to this path (see --out).
	Out string

	// OutFormat selects the format for --out (see --out-format).
	// Allowed values: json, ndjson. If empty, it is inferred from the --out file extension.
	OutFormat string

	// Emit writes an additional structured event stream to stdout (see --emit).
	// Allowed values: json, ndjson.
	Emit []string

	// NoConsole suppresses the console sink (see --no-console).
	NoConsole bool
}

type Runtime struct {
	// Timeout bounds a whole run (see --timeout). Must be > 0.
	Timeout time.Duration `yaml:"timeout" toml:"timeout"`

	// Verbose enables debug logging and per-request HTTP logs.
	Verbose bool `yaml:"verbose" toml:"verbose"`

	// LogFormat is json or console.
	LogFormat string `yaml:"log_format" toml:"log_format"`
}

func New() *Config {
	return &Config{
		Timezone: "UTC",
		Sources: map[string]Source{
			"google_ads": {},
			"meta_ads":   {},
		},
		Warehouse: Warehouse{
			Driver: "sqlite",
			DSN:    "adreport.db",
			Table:  "campaign_performance",
		},
		Analysis: Analysis{
			BaselineDays:    7,
			MinBaselineDays: 3,
			DeviationRatio:  0.5,
			Narrative: Narrative{
				Model:   "gemini-2.5-flash",
				Timeout: 20 * time.Second,
			},
		},
		Report: Report{
			Title:    "Daily Marketing Performance Report",
			Currency: "USD",
		},
		Notify: Notify{
			Transport: "smtp",
			SMTP:      SMTP{Port: 587},
			OutboxDir: "outbox",
		},
		Server: Server{
			Listen: ":8080",
		},
		Output: Output{
			ConsoleFormat: "json",
		},
		Runtime: Runtime{
			Timeout:   5 * time.Minute,
			LogFormat: "json",
		},
	}
}

// Load reads a YAML (.yaml, .yml) or TOML (.toml) file on top of the defaults
// and applies environment overrides. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := New()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		switch ext := strings.ToLower(filepath.Ext(path)); ext {
		case ".yaml", ".yml":
			if err := yaml.Unmarshal(raw, cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		case ".toml":
			if _, err := toml.Decode(string(raw), cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		default:
			return nil, fmt.Errorf("cannot infer config format from file extension %q (use .yaml or .toml)", ext)
		}
	}
	applyEnvOverrides(cfg)
	return cfg, nil
}

// applyEnvOverrides copies secrets and deployment settings from the
// environment. Secrets are never read from the config file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ADREPORT_RECIPIENT"); v != "" {
		cfg.Notify.Recipient = v
	}
	if v := os.Getenv("ADREPORT_WAREHOUSE_DSN"); v != "" {
		cfg.Warehouse.DSN = v
	}
	if v := os.Getenv("ADREPORT_TIMEZONE"); v != "" {
		cfg.Timezone = v
	}
	cfg.Analysis.Narrative.APIKey = os.Getenv("GEMINI_API_KEY")
	cfg.Notify.SMTP.Password = os.Getenv("SMTP_PASSWORD")
	cfg.Notify.Gmail.AccessToken = os.Getenv("GMAIL_ACCESS_TOKEN")
	cfg.Server.JWTSecret = os.Getenv("ADREPORT_JWT_SECRET")
}

func (c *Config) Validate() error {
	// Normalize comma-delimited list inputs.
	c.Enable = splitCommaList(c.Enable)
	c.Set = splitCommaList(c.Set)

	if c.Sources == nil {
		c.Sources = map[string]Source{}
	}

	// --sources narrows the run to exactly the named sources.
	if len(c.Enable) > 0 {
		wanted := make(map[string]bool, len(c.Enable))
		for _, name := range c.Enable {
			name = normalizeEnumValue(name)
			if _, ok := c.Sources[name]; !ok {
				return fmt.Errorf("unknown source in --sources: %s", name)
			}
			wanted[name] = true
		}
		for name, src := range c.Sources {
			src.Enabled = wanted[name]
			c.Sources[name] = src
		}
	}

	if len(c.Set) > 0 {
		assignments, err := ParseSourceOptionAssignments(c.Set)
		if err != nil {
			return err
		}
		for name, opts := range assignments {
			src, ok := c.Sources[name]
			if !ok {
				return fmt.Errorf("unknown source %q in --set", name)
			}
			if src.Options == nil {
				src.Options = make(map[string]string)
			}
			for k, v := range opts {
				if k == "enabled" {
					b, err := strconv.ParseBool(v)
					if err != nil {
						return fmt.Errorf("invalid --set %s.enabled value %q", name, v)
					}
					src.Enabled = b
					continue
				}
				src.Options[k] = v
			}
			c.Sources[name] = src
		}
	}

	if len(c.EnabledSources()) == 0 {
		return errors.New("at least one source must be enabled (set sources.<name>.enabled or use --sources)")
	}

	if _, err := c.Location(); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}

	// Warehouse validation
	c.Warehouse.Driver = normalizeEnumValue(c.Warehouse.Driver)
	switch c.Warehouse.Driver {
	case "sqlite", "sqlite3", "mysql", "postgres":
	default:
		return fmt.Errorf("unsupported warehouse driver: %s (must be one of: sqlite, sqlite3, mysql, postgres)", c.Warehouse.Driver)
	}
	if strings.TrimSpace(c.Warehouse.DSN) == "" {
		return errors.New("warehouse.dsn is required")
	}
	if strings.TrimSpace(c.Warehouse.Table) == "" {
		return errors.New("warehouse.table is required")
	}

	// Analysis validation
	if c.Analysis.BaselineDays < 1 {
		return errors.New("analysis.baseline_days must be >= 1")
	}
	if c.Analysis.MinBaselineDays < 1 || c.Analysis.MinBaselineDays > c.Analysis.BaselineDays {
		return fmt.Errorf("analysis.min_baseline_days must be between 1 and baseline_days (%d)", c.Analysis.BaselineDays)
	}
	if c.Analysis.DeviationRatio <= 0 {
		return errors.New("analysis.deviation_ratio must be > 0")
	}
	c.Analysis.Detectors = splitCommaList(c.Analysis.Detectors)
	if c.Analysis.Narrative.Enabled && c.Analysis.Narrative.Timeout <= 0 {
		return errors.New("analysis.narrative.timeout must be > 0")
	}

	// Notify validation
	c.Notify.Transport = normalizeEnumValue(c.Notify.Transport)
	switch c.Notify.Transport {
	case "smtp":
		if c.Notify.SMTP.Host == "" {
			return errors.New("notify.smtp.host is required for the smtp transport")
		}
	case "gmail", "outbox":
	default:
		return fmt.Errorf("unsupported notify transport: %s (must be one of: smtp, gmail, outbox)", c.Notify.Transport)
	}

	// Output validation
	c.Output.ConsoleFormat = normalizeEnumValue(c.Output.ConsoleFormat)
	if c.Output.ConsoleFormat == "" {
		return errors.New("--console-format must be one of: text, json, ndjson")
	}
	if c.Output.ConsoleFormat != "text" && c.Output.ConsoleFormat != "json" && c.Output.ConsoleFormat != "ndjson" {
		return fmt.Errorf("unsupported --console-format: %s (must be one of: text, json, ndjson)", c.Output.ConsoleFormat)
	}

	for _, emit := range c.Output.Emit {
		v := normalizeEnumValue(emit)
		if v == "" {
			return errors.New("--emit must be one of: json, ndjson")
		}
		if v != "json" && v != "ndjson" {
			return fmt.Errorf("unsupported --emit value: %s (must be one of: json, ndjson)", v)
		}
	}

	if c.Output.Out != "" {
		c.Output.OutFormat = normalizeEnumValue(c.Output.OutFormat)
		if c.Output.OutFormat == "" {
			ext := strings.ToLower(filepath.Ext(c.Output.Out))
			switch ext {
			case ".json":
				c.Output.OutFormat = "json"
			case ".ndjson":
				c.Output.OutFormat = "ndjson"
			default:
				if ext == "" {
					return errors.New("cannot infer output format from file extension (missing extension); use --out-format")
				}
				return fmt.Errorf("cannot infer output format from file extension %q; use --out-format", ext)
			}
		} else if c.Output.OutFormat != "json" && c.Output.OutFormat != "ndjson" {
			return fmt.Errorf("unsupported output format: %s", c.Output.OutFormat)
		}
	}

	// Runtime validation
	if c.Runtime.Timeout <= 0 {
		return errors.New("--timeout must be > 0")
	}
	c.Runtime.LogFormat = normalizeEnumValue(c.Runtime.LogFormat)
	if c.Runtime.LogFormat == "" {
		c.Runtime.LogFormat = "json"
	}
	if c.Runtime.LogFormat != "json" && c.Runtime.LogFormat != "console" {
		return fmt.Errorf("unsupported --log-format: %s (must be one of: json, console)", c.Runtime.LogFormat)
	}

	return nil
}

// EnabledSources returns the names of enabled sources in sorted order.
func (c *Config) EnabledSources() []string {
	var out []string
	for name, src := range c.Sources {
		if src.Enabled {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Location resolves Timezone; empty means UTC.
func (c *Config) Location() (*time.Location, error) {
	if strings.TrimSpace(c.Timezone) == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(c.Timezone)
}

func normalizeEnumValue(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

// ParseSourceOptionAssignments parses values of the form "source.option=value".
//
// Notes:
// - Entries may be provided via repeated flags and/or comma-delimited lists.
// - This validates syntax only (no validation of source names or option names).
// - Empty values are allowed ("source.option=").
func ParseSourceOptionAssignments(values []string) (map[string]map[string]string, error) {
	out := make(map[string]map[string]string)
	for _, raw := range splitCommaList(values) {
		left, value, ok := strings.Cut(raw, "=")
		if !ok {
			return nil, fmt.Errorf("invalid --set entry %q: expected source.option=value", raw)
		}
		value = strings.TrimSpace(value)
		name, opt, ok := strings.Cut(strings.TrimSpace(left), ".")
		if !ok {
			return nil, fmt.Errorf("invalid --set entry %q: expected source.option=value", raw)
		}
		name = normalizeEnumValue(name)
		opt = strings.TrimSpace(opt)
		if name == "" || opt == "" {
			return nil, fmt.Errorf("invalid --set entry %q: expected non-empty source and option", raw)
		}
		if _, ok := out[name]; !ok {
			out[name] = make(map[string]string)
		}
		out[name][opt] = value
	}
	return out, nil
}

func splitCommaList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			p := strings.TrimSpace(part)
			if p == "" {
				continue
			}
			out = append(out, p)
		}
	}
	return out
}
