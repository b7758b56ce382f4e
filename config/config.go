// Package config provides YAML configuration parsing for LinePulse.
//
// This package enables running LinePulse as a standalone binary with a
// configuration file, as an alternative to the programmatic SDK approach.
//
// Example configuration:
//
//	line: LINE 3
//	port: 8080
//
//	websocket:
//	  url: ws://10.8.0.104:7000/ws/wira-dashboard
//
//	api:
//	  base_url: http://10.8.0.104:7000
//	  key: ${LINEPULSE_API_KEY:-}
//
//	filter:
//	  work_order: "185230"
//
//	poll:
//	  interval: 1s
//	  retry:
//	    max: 3
//	    base: 1s
//	    cap: 30s
package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jpalmerr/linepulse/internal/backend"
	"github.com/jpalmerr/linepulse/internal/lookup"
	"github.com/jpalmerr/linepulse/internal/poller"
	"github.com/jpalmerr/linepulse/internal/stream"
)

// DefaultPort is the local API port used when none is configured.
const DefaultPort = 8080

// minPollInterval stops a config from hammering the backend.
const minPollInterval = 250 * time.Millisecond

// Config is the root configuration structure for LinePulse.
//
// It maps directly to the YAML configuration file structure.
// Use [Load] or [Parse] to create a Config from YAML.
type Config struct {
	// Line is the production line to follow ("3", "LINE 3"). Required.
	Line string `yaml:"line"`

	// Port is the local API port. Defaults to 8080.
	Port int `yaml:"port"`

	// LogLevel is one of debug, info, warn, error. Defaults to info.
	LogLevel string `yaml:"log_level"`

	// Push, Polling and Notifications toggle the engine's data channels.
	// Each defaults to true when omitted.
	Push          *bool `yaml:"push"`
	Polling       *bool `yaml:"polling"`
	Notifications *bool `yaml:"notifications"`

	WebSocket WebSocketConfig `yaml:"websocket"`
	API       APIConfig       `yaml:"api"`
	Filter    FilterConfig    `yaml:"filter"`
	Poll      PollConfig      `yaml:"poll"`
	Lookup    LookupConfig    `yaml:"lookup"`
}

// WebSocketConfig configures the push channel.
type WebSocketConfig struct {
	// URL is the broadcast endpoint (ws:// or wss://).
	// Supports environment variable substitution: ${VAR} or ${VAR:-default}
	URL string `yaml:"url"`

	Reconnect ReconnectConfig `yaml:"reconnect"`
}

// ReconnectConfig is the reconnect backoff policy.
type ReconnectConfig struct {
	Base     Duration `yaml:"base"`
	Max      Duration `yaml:"max"`
	Attempts int      `yaml:"attempts"`
}

// APIConfig configures the REST backend.
type APIConfig struct {
	// BaseURL is the REST root (http:// or https://).
	// Supports environment variable substitution.
	BaseURL string `yaml:"base_url"`

	// Key is sent in KeyHeader with every request. Supports environment
	// variable substitution and is usually given as ${VAR}.
	Key string `yaml:"key"`

	// KeyHeader defaults to X-Api-Key.
	KeyHeader string `yaml:"key_header"`

	// Timeout bounds each request. Defaults to 10s.
	Timeout Duration `yaml:"timeout"`
}

// FilterConfig is the initial work order and date filter. It is re-read
// when the config file changes.
type FilterConfig struct {
	WorkOrder  string `yaml:"work_order"`
	DateFrom   string `yaml:"date_from"`
	DateTo     string `yaml:"date_to"`
	DateActive bool   `yaml:"date_active"`
}

// PollConfig configures REST polling.
type PollConfig struct {
	Interval          Duration    `yaml:"interval"`
	WorkOrderInterval Duration    `yaml:"work_order_interval"`
	ErrorInterval     Duration    `yaml:"error_interval"`
	CacheWindow       Duration    `yaml:"cache_window"`
	MaxConcurrency    int         `yaml:"max_concurrency"`
	Retry             RetryConfig `yaml:"retry"`
}

// RetryConfig is the per-fetch retry policy. Max may be 0 to disable
// retries, so it is a pointer to tell "unset" apart.
type RetryConfig struct {
	Max  *int     `yaml:"max"`
	Base Duration `yaml:"base"`
	Cap  Duration `yaml:"cap"`
}

// LookupConfig configures the garment lookup after a rework increment.
type LookupConfig struct {
	Interval  Duration `yaml:"interval"`
	MaxWait   Duration `yaml:"max_wait"`
	Freshness Duration `yaml:"freshness"`
}

// Duration wraps time.Duration for YAML unmarshalling.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}

	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}

	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns.
// Group 1: variable name
// Group 2: the ":-default" part (if present, indicates a default was specified)
// Group 3: the default value (may be empty for ${VAR:-})
var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(:-([^}]*))?\}`)

// expandEnvVars replaces ${VAR} and ${VAR:-default} patterns with environment values.
func expandEnvVars(s string) (string, error) {
	var firstErr error

	result := envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		if firstErr != nil {
			return match
		}

		submatches := envVarPattern.FindStringSubmatch(match)
		if len(submatches) < 2 {
			return match
		}

		varName := submatches[1]
		hasDefault := len(submatches) > 2 && submatches[2] != ""
		defaultVal := ""
		if hasDefault && len(submatches) > 3 {
			defaultVal = submatches[3]
		}

		value, exists := os.LookupEnv(varName)
		if !exists {
			if hasDefault {
				return defaultVal
			}
			firstErr = fmt.Errorf("environment variable %q is not set", varName)
			return match
		}
		return value
	})

	if firstErr != nil {
		return "", firstErr
	}
	return result, nil
}

// Load reads and parses a YAML configuration file.
//
// Environment variables in the file are expanded before parsing.
// Returns an error if the file cannot be read or parsed.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML configuration data.
//
// Environment variables are expanded in websocket.url, api.base_url and
// api.key. Unset fields take the engine defaults, so a parsed Config is
// fully populated.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.expandAndValidate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// PushEnabled reports whether the WebSocket channel is on.
func (c *Config) PushEnabled() bool { return enabled(c.Push) }

// PollingEnabled reports whether REST polling is on.
func (c *Config) PollingEnabled() bool { return enabled(c.Polling) }

// NotificationsEnabled reports whether rework notifications are on.
func (c *Config) NotificationsEnabled() bool { return enabled(c.Notifications) }

func enabled(b *bool) bool { return b == nil || *b }

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.API.KeyHeader == "" {
		c.API.KeyHeader = backend.DefaultAPIKeyHeader
	}

	setDuration(&c.API.Timeout, poller.DefaultTimeout)
	setDuration(&c.Poll.Interval, time.Second)
	setDuration(&c.Poll.WorkOrderInterval, 5*time.Second)
	setDuration(&c.Poll.ErrorInterval, poller.DefaultErrorInterval)
	setDuration(&c.Poll.CacheWindow, poller.DefaultCacheWindow)
	if c.Poll.MaxConcurrency == 0 {
		c.Poll.MaxConcurrency = poller.DefaultMaxConcurrency
	}
	if c.Poll.Retry.Max == nil {
		n := poller.DefaultMaxRetries
		c.Poll.Retry.Max = &n
	}
	setDuration(&c.Poll.Retry.Base, poller.DefaultRetryBase)
	setDuration(&c.Poll.Retry.Cap, poller.DefaultRetryCap)

	setDuration(&c.WebSocket.Reconnect.Base, stream.DefaultBaseDelay)
	setDuration(&c.WebSocket.Reconnect.Max, stream.DefaultMaxDelay)
	if c.WebSocket.Reconnect.Attempts == 0 {
		c.WebSocket.Reconnect.Attempts = stream.DefaultMaxAttempts
	}

	setDuration(&c.Lookup.Interval, lookup.DefaultInterval)
	setDuration(&c.Lookup.MaxWait, lookup.DefaultMaxWait)
	setDuration(&c.Lookup.Freshness, lookup.DefaultFreshness)
}

func setDuration(d *Duration, def time.Duration) {
	if *d == 0 {
		*d = Duration(def)
	}
}

// expandAndValidate expands environment variables and validates the config.
func (c *Config) expandAndValidate() error {
	if strings.TrimSpace(c.Line) == "" {
		return fmt.Errorf("line is required")
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}
	if !c.PushEnabled() && !c.PollingEnabled() {
		return fmt.Errorf("at least one of push or polling must be enabled")
	}

	var err error
	if c.WebSocket.URL, err = expandEnvVars(c.WebSocket.URL); err != nil {
		return fmt.Errorf("websocket.url: %w", err)
	}
	if c.API.BaseURL, err = expandEnvVars(c.API.BaseURL); err != nil {
		return fmt.Errorf("api.base_url: %w", err)
	}
	if c.API.Key, err = expandEnvVars(c.API.Key); err != nil {
		return fmt.Errorf("api.key: %w", err)
	}

	if c.PushEnabled() {
		if err := checkURL("websocket.url", c.WebSocket.URL, "ws", "wss"); err != nil {
			return err
		}
	}
	if c.PollingEnabled() || c.NotificationsEnabled() {
		if err := checkURL("api.base_url", c.API.BaseURL, "http", "https"); err != nil {
			return err
		}
	}

	if err := c.Filter.validate(); err != nil {
		return err
	}

	if c.Poll.Interval.Duration() < minPollInterval {
		return fmt.Errorf("poll.interval must be at least %s, got %s", minPollInterval, c.Poll.Interval.Duration())
	}
	if c.Poll.MaxConcurrency < 0 {
		return fmt.Errorf("poll.max_concurrency cannot be negative, got %d", c.Poll.MaxConcurrency)
	}
	if *c.Poll.Retry.Max < 0 {
		return fmt.Errorf("poll.retry.max cannot be negative, got %d", *c.Poll.Retry.Max)
	}
	if c.Poll.Retry.Cap < c.Poll.Retry.Base {
		return fmt.Errorf("poll.retry.cap (%s) must be at least poll.retry.base (%s)",
			c.Poll.Retry.Cap.Duration(), c.Poll.Retry.Base.Duration())
	}
	if c.WebSocket.Reconnect.Attempts < 0 {
		return fmt.Errorf("websocket.reconnect.attempts cannot be negative, got %d", c.WebSocket.Reconnect.Attempts)
	}
	if c.WebSocket.Reconnect.Max < c.WebSocket.Reconnect.Base {
		return fmt.Errorf("websocket.reconnect.max (%s) must be at least websocket.reconnect.base (%s)",
			c.WebSocket.Reconnect.Max.Duration(), c.WebSocket.Reconnect.Base.Duration())
	}

	for name, d := range map[string]Duration{
		"api.timeout":              c.API.Timeout,
		"poll.work_order_interval": c.Poll.WorkOrderInterval,
		"poll.error_interval":      c.Poll.ErrorInterval,
		"poll.cache_window":        c.Poll.CacheWindow,
		"poll.retry.base":          c.Poll.Retry.Base,
		"websocket.reconnect.base": c.WebSocket.Reconnect.Base,
		"lookup.interval":          c.Lookup.Interval,
		"lookup.max_wait":          c.Lookup.MaxWait,
		"lookup.freshness":         c.Lookup.Freshness,
	} {
		if d < 0 {
			return fmt.Errorf("%s cannot be negative, got %s", name, d.Duration())
		}
	}

	return nil
}

func checkURL(field, raw string, schemes ...string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", field)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: invalid url: %w", field, err)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			if u.Host == "" {
				return fmt.Errorf("%s: url must have a host", field)
			}
			return nil
		}
	}
	return fmt.Errorf("%s: url scheme must be %s, got %q", field, strings.Join(schemes, " or "), u.Scheme)
}

func (f FilterConfig) validate() error {
	for name, d := range map[string]string{"filter.date_from": f.DateFrom, "filter.date_to": f.DateTo} {
		if strings.TrimSpace(d) == "" {
			continue
		}
		if _, err := backend.FormatDate(d); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}
