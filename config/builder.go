package config

import (
	"fmt"

	"github.com/jpalmerr/linepulse"
)

// ToFilter converts the filter section into the SDK type.
func (f FilterConfig) ToFilter() linepulse.Filter {
	return linepulse.Filter{
		WorkOrder:  f.WorkOrder,
		DateFrom:   f.DateFrom,
		DateTo:     f.DateTo,
		DateActive: f.DateActive,
	}
}

// BuildOptions converts a parsed config into SDK options.
//
// The logger, registry and callbacks are not part of the file; callers
// append those options themselves.
func BuildOptions(cfg *Config) ([]linepulse.Option, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}

	opts := []linepulse.Option{
		linepulse.WithLine(cfg.Line),
		linepulse.WithPort(cfg.Port),
		linepulse.WithPush(cfg.PushEnabled()),
		linepulse.WithPolling(cfg.PollingEnabled()),
		linepulse.WithReworkNotifications(cfg.NotificationsEnabled()),
		linepulse.WithFilter(cfg.Filter.ToFilter()),
		linepulse.WithPollInterval(cfg.Poll.Interval.Duration()),
		linepulse.WithWorkOrderInterval(cfg.Poll.WorkOrderInterval.Duration()),
		linepulse.WithErrorInterval(cfg.Poll.ErrorInterval.Duration()),
		linepulse.WithRequestTimeout(cfg.API.Timeout.Duration()),
		linepulse.WithCacheWindow(cfg.Poll.CacheWindow.Duration()),
		linepulse.WithMaxConcurrency(cfg.Poll.MaxConcurrency),
		linepulse.WithReconnect(
			cfg.WebSocket.Reconnect.Base.Duration(),
			cfg.WebSocket.Reconnect.Max.Duration(),
			cfg.WebSocket.Reconnect.Attempts,
		),
		linepulse.WithLookup(
			cfg.Lookup.Interval.Duration(),
			cfg.Lookup.MaxWait.Duration(),
			cfg.Lookup.Freshness.Duration(),
		),
	}

	retries := 0
	if cfg.Poll.Retry.Max != nil {
		retries = *cfg.Poll.Retry.Max
	}
	opts = append(opts, linepulse.WithRetry(retries, cfg.Poll.Retry.Base.Duration(), cfg.Poll.Retry.Cap.Duration()))

	if cfg.WebSocket.URL != "" {
		opts = append(opts, linepulse.WithWebSocketURL(cfg.WebSocket.URL))
	}
	if cfg.API.BaseURL != "" {
		opts = append(opts, linepulse.WithAPIBaseURL(cfg.API.BaseURL))
	}
	if cfg.API.Key != "" {
		opts = append(opts, linepulse.WithAPIKey(cfg.API.Key))
	}
	if cfg.API.KeyHeader != "" {
		opts = append(opts, linepulse.WithAPIKeyHeader(cfg.API.KeyHeader))
	}

	return opts, nil
}
