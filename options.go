package linepulse

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// engineConfig holds mutable state during Engine construction.
type engineConfig struct {
	line         string
	wsURL        string
	apiBaseURL   string
	apiKey       string
	apiKeyHeader string

	push          bool
	polling       bool
	notifications bool

	filter Filter
	port   int

	pollInterval      time.Duration
	workOrderInterval time.Duration
	errorInterval     time.Duration
	requestTimeout    time.Duration
	cacheWindow       time.Duration
	maxConcurrency    int
	maxRetries        int
	retryBase         time.Duration
	retryCap          time.Duration

	reconnectBase     time.Duration
	reconnectMax      time.Duration
	reconnectAttempts int

	lookupInterval  time.Duration
	lookupMaxWait   time.Duration
	lookupFreshness time.Duration

	registry              *prometheus.Registry
	logger                *slog.Logger
	stateCallbacks        []func(State)
	notificationCallbacks []func(Notification)
}

// Option is a function that configures an [Engine] during construction.
//
// Options return an error if validation fails.
type Option func(*engineConfig) error

func positive(name string, d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("%s must be positive", name)
	}
	return nil
}

func validURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	for _, s := range schemes {
		if u.Scheme == s {
			if u.Host == "" {
				return errors.New("missing host")
			}
			return nil
		}
	}
	return fmt.Errorf("scheme must be one of %s", strings.Join(schemes, ", "))
}

// WithLine sets the production line the engine follows. Required.
//
// Any spelling is accepted: "3", "03" and "LINE 3" all select line 3.
func WithLine(id string) Option {
	return func(cfg *engineConfig) error {
		if strings.TrimSpace(id) == "" {
			return errors.New("line cannot be empty")
		}
		cfg.line = id
		return nil
	}
}

// WithWebSocketURL sets the broadcast endpoint used by the push channel.
// Required unless push is disabled.
func WithWebSocketURL(u string) Option {
	return func(cfg *engineConfig) error {
		if err := validURL(u, "ws", "wss"); err != nil {
			return fmt.Errorf("invalid websocket URL %q: %w", u, err)
		}
		cfg.wsURL = u
		return nil
	}
}

// WithAPIBaseURL sets the REST backend root. Required for polling and
// rework notifications.
func WithAPIBaseURL(u string) Option {
	return func(cfg *engineConfig) error {
		if err := validURL(u, "http", "https"); err != nil {
			return fmt.Errorf("invalid API base URL %q: %w", u, err)
		}
		cfg.apiBaseURL = u
		return nil
	}
}

// WithAPIKey sets the key sent with every REST request.
func WithAPIKey(key string) Option {
	return func(cfg *engineConfig) error {
		cfg.apiKey = key
		return nil
	}
}

// WithAPIKeyHeader sets the header carrying the API key.
// Defaults to "X-Api-Key".
func WithAPIKeyHeader(name string) Option {
	return func(cfg *engineConfig) error {
		if strings.TrimSpace(name) == "" {
			return errors.New("API key header cannot be empty")
		}
		cfg.apiKeyHeader = name
		return nil
	}
}

// WithPush enables or disables the WebSocket channel. Enabled by default.
func WithPush(enabled bool) Option {
	return func(cfg *engineConfig) error {
		cfg.push = enabled
		return nil
	}
}

// WithPolling enables or disables REST polling. Enabled by default.
func WithPolling(enabled bool) Option {
	return func(cfg *engineConfig) error {
		cfg.polling = enabled
		return nil
	}
}

// WithReworkNotifications enables or disables rework detection and the
// garment lookup it triggers. Enabled by default.
func WithReworkNotifications(enabled bool) Option {
	return func(cfg *engineConfig) error {
		cfg.notifications = enabled
		return nil
	}
}

// WithFilter sets the initial filter.
func WithFilter(f Filter) Option {
	return func(cfg *engineConfig) error {
		if err := f.Validate(); err != nil {
			return err
		}
		cfg.filter = f
		return nil
	}
}

// WithPort serves the local HTTP API on port. 0, the default, disables it.
//
// Returns an error if the port is outside 0-65535.
func WithPort(port int) Option {
	return func(cfg *engineConfig) error {
		if port < 0 || port > 65535 {
			return errors.New("port must be between 0 and 65535")
		}
		cfg.port = port
		return nil
	}
}

// WithPollInterval sets how often the line counters are fetched.
// Defaults to 1 second.
func WithPollInterval(d time.Duration) Option {
	return func(cfg *engineConfig) error {
		if err := positive("poll interval", d); err != nil {
			return err
		}
		cfg.pollInterval = d
		return nil
	}
}

// WithWorkOrderInterval sets how often the work order header is fetched.
// Defaults to 5 seconds.
func WithWorkOrderInterval(d time.Duration) Option {
	return func(cfg *engineConfig) error {
		if err := positive("work order interval", d); err != nil {
			return err
		}
		cfg.workOrderInterval = d
		return nil
	}
}

// WithErrorInterval sets the delay before polling again after a fetch
// failed all its retries. Defaults to 10 seconds.
func WithErrorInterval(d time.Duration) Option {
	return func(cfg *engineConfig) error {
		if err := positive("error interval", d); err != nil {
			return err
		}
		cfg.errorInterval = d
		return nil
	}
}

// WithRequestTimeout bounds each REST request. Defaults to 10 seconds.
func WithRequestTimeout(d time.Duration) Option {
	return func(cfg *engineConfig) error {
		if err := positive("request timeout", d); err != nil {
			return err
		}
		cfg.requestTimeout = d
		return nil
	}
}

// WithCacheWindow sets how long a fetched value may be shown again when a
// filter is re-selected. Defaults to 30 seconds.
func WithCacheWindow(d time.Duration) Option {
	return func(cfg *engineConfig) error {
		if err := positive("cache window", d); err != nil {
			return err
		}
		cfg.cacheWindow = d
		return nil
	}
}

// WithMaxConcurrency limits concurrent REST fetches. Defaults to 4.
func WithMaxConcurrency(n int) Option {
	return func(cfg *engineConfig) error {
		if n <= 0 {
			return errors.New("max concurrency must be positive")
		}
		cfg.maxConcurrency = n
		return nil
	}
}

// WithRetry sets how often a failed fetch is retried and the exponential
// backoff between retries: base, 2*base, 4*base, ... capped at maxDelay.
// Defaults to 3 retries, 1s base and a 30s cap. n = 0 disables retries.
func WithRetry(n int, base, maxDelay time.Duration) Option {
	return func(cfg *engineConfig) error {
		if n < 0 {
			return errors.New("retries cannot be negative")
		}
		if err := positive("retry base", base); err != nil {
			return err
		}
		if maxDelay < base {
			return errors.New("retry cap must be at least the retry base")
		}
		cfg.maxRetries = n
		cfg.retryBase = base
		cfg.retryCap = maxDelay
		return nil
	}
}

// WithReconnect sets the WebSocket reconnect policy: the delay before
// attempt n is min(base*2^n, maxDelay) and no attempt is made past
// attempts. Defaults to 3s, 30s and 10.
func WithReconnect(base, maxDelay time.Duration, attempts int) Option {
	return func(cfg *engineConfig) error {
		if err := positive("reconnect base", base); err != nil {
			return err
		}
		if maxDelay < base {
			return errors.New("reconnect cap must be at least the reconnect base")
		}
		if attempts <= 0 {
			return errors.New("reconnect attempts must be positive")
		}
		cfg.reconnectBase = base
		cfg.reconnectMax = maxDelay
		cfg.reconnectAttempts = attempts
		return nil
	}
}

// WithLookup sets the garment lookup timing: poll every interval, give up
// after maxWait, and accept only records at most freshness old.
// Defaults to 1s, 10s and 10s.
func WithLookup(interval, maxWait, freshness time.Duration) Option {
	return func(cfg *engineConfig) error {
		for name, d := range map[string]time.Duration{
			"lookup interval":  interval,
			"lookup max wait":  maxWait,
			"lookup freshness": freshness,
		} {
			if err := positive(name, d); err != nil {
				return err
			}
		}
		cfg.lookupInterval = interval
		cfg.lookupMaxWait = maxWait
		cfg.lookupFreshness = freshness
		return nil
	}
}

// WithRegistry registers the engine's Prometheus collectors on reg and, when
// the HTTP API is enabled, serves reg on /metrics.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(cfg *engineConfig) error {
		if reg == nil {
			return errors.New("registry cannot be nil")
		}
		cfg.registry = reg
		return nil
	}
}

// WithLogger sets a custom [slog.Logger]. If not specified, [slog.Default]
// is used.
//
// Returns an error if the logger is nil.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *engineConfig) error {
		if logger == nil {
			return errors.New("logger cannot be nil")
		}
		cfg.logger = logger
		return nil
	}
}

// WithStateCallback registers a function called with every published
// [State].
//
// Callbacks run on a single goroutine in registration order and must not
// block; a slow callback misses intermediate snapshots but always sees a
// complete one. Panics are recovered and logged. Nil callbacks are ignored.
func WithStateCallback(cb func(State)) Option {
	return func(cfg *engineConfig) error {
		if cb == nil {
			return nil
		}
		cfg.stateCallbacks = append(cfg.stateCallbacks, cb)
		return nil
	}
}

// WithNotificationCallback registers a function called when a rework
// lookup finishes, found or not. A dismissed or superseded lookup is not
// reported.
//
// Panics are recovered and logged. Nil callbacks are ignored.
//
// Example:
//
//	e, err := linepulse.New(
//	    linepulse.WithLine("3"),
//	    linepulse.WithAPIBaseURL("http://10.8.0.104:7000"),
//	    linepulse.WithPush(false),
//	    linepulse.WithNotificationCallback(func(n linepulse.Notification) {
//	        if n.Record != nil {
//	            log.Printf("%s rework on %s", n.Type, n.Record.RFID)
//	        }
//	    }),
//	)
func WithNotificationCallback(cb func(Notification)) Option {
	return func(cfg *engineConfig) error {
		if cb == nil {
			return nil
		}
		cfg.notificationCallbacks = append(cfg.notificationCallbacks, cb)
		return nil
	}
}
