// Package lookup finds the garment behind a freshly detected rework.
//
// After the detector fires, the tracking endpoint is polled until an item
// of the right stage and status with a recent timestamp shows up, or until
// the wait budget is spent. A lookup that finds nothing is a normal outcome,
// not an error.
package lookup

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/jpalmerr/linepulse/internal/backend"
	"github.com/jpalmerr/linepulse/internal/detect"
)

// Defaults for [Config].
const (
	DefaultInterval  = time.Second
	DefaultMaxWait   = 10 * time.Second
	DefaultFreshness = 10 * time.Second
)

// Fetcher returns the current tracking items of the line.
type Fetcher func(ctx context.Context) ([]backend.TrackingItem, error)

// Predicate selects candidate items.
type Predicate func(backend.TrackingItem) bool

// Config configures a [Lookup]. Zero values use the defaults.
type Config struct {
	Interval  time.Duration
	MaxWait   time.Duration
	Freshness time.Duration

	// Location interprets timestamps that carry no zone. Defaults to
	// time.Local.
	Location *time.Location

	Now    func() time.Time
	Logger *slog.Logger
}

// Lookup polls for a fresh matching tracking item.
type Lookup struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a [Lookup].
func New(cfg Config) *Lookup {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = DefaultMaxWait
	}
	if cfg.Freshness <= 0 {
		cfg.Freshness = DefaultFreshness
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Lookup{cfg: cfg, logger: logger.With("component", "lookup")}
}

// Run polls fetch every Interval until the newest item accepted by pred is
// no older than Freshness. It returns nil without error when MaxWait
// elapses first, and ctx.Err() when ctx is cancelled. Fetch errors are
// logged and polling continues.
func (l *Lookup) Run(ctx context.Context, fetch Fetcher, pred Predicate) (*backend.TrackingItem, error) {
	wctx, cancel := context.WithTimeout(ctx, l.cfg.MaxWait)
	defer cancel()

	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()

	for poll := 1; ; poll++ {
		items, err := fetch(wctx)
		switch {
		case err != nil && wctx.Err() == nil:
			l.logger.Warn("tracking fetch failed", "poll", poll, "error", err)
		case err == nil:
			if item := l.freshest(items, pred); item != nil {
				l.logger.Debug("lookup resolved", "poll", poll, "rfid", item.RFID)
				return item, nil
			}
		}

		select {
		case <-wctx.Done():
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if errors.Is(wctx.Err(), context.DeadlineExceeded) {
				l.logger.Debug("lookup timed out", "polls", poll, "max_wait", l.cfg.MaxWait)
				return nil, nil
			}
			return nil, wctx.Err()
		case <-ticker.C:
		}
	}
}

type timedItem struct {
	item backend.TrackingItem
	at   time.Time
}

// freshest returns the newest item accepted by pred if it is recent enough.
// Items without a parsable timestamp are ignored.
func (l *Lookup) freshest(items []backend.TrackingItem, pred Predicate) *backend.TrackingItem {
	var candidates []timedItem
	for _, it := range items {
		if it.Timestamp == "" || !pred(it) {
			continue
		}
		at, err := it.Time(l.cfg.Location)
		if err != nil {
			continue
		}
		candidates = append(candidates, timedItem{item: it, at: at})
	}
	if len(candidates) == 0 {
		return nil
	}

	slices.SortStableFunc(candidates, func(a, b timedItem) int {
		return b.at.Compare(a.at)
	})
	newest := candidates[0]
	if l.cfg.Now().Sub(newest.at) > l.cfg.Freshness {
		return nil
	}
	return &newest.item
}

// For returns the predicate for a rework kind: QC matches stage QC with
// status REWORK, PQC matches stage PQC with status PQC_REWORK. Comparison
// ignores case and surrounding spaces.
func For(kind detect.Kind) Predicate {
	stage, status := "QC", "REWORK"
	if kind == detect.PQC {
		stage, status = "PQC", "PQC_REWORK"
	}
	return func(it backend.TrackingItem) bool {
		return strings.EqualFold(strings.TrimSpace(it.Stage), stage) &&
			strings.EqualFold(strings.TrimSpace(it.LastStatus), status)
	}
}
