package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/jpalmerr/linepulse"
	"github.com/jpalmerr/linepulse/config"
)

// watchDebounce coalesces the burst of events an editor produces on save.
const watchDebounce = 200 * time.Millisecond

// watchConfig reloads path whenever it changes on disk and passes the
// parsed config to apply. Invalid reloads are logged and skipped. It
// returns when ctx is done.
func watchConfig(ctx context.Context, path string, logger *slog.Logger, apply func(*config.Config)) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve config path: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	defer fsw.Close()

	// the directory, not the file: editors save by rename and the file
	// watch would be lost
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}
	target := filepath.Base(abs)

	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(watchDebounce)
			} else {
				timer.Reset(watchDebounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			cfg, err := config.Load(abs)
			if err != nil {
				logger.Warn("config reload failed", "path", abs, "error", err)
				continue
			}
			logger.Debug("config reloaded", "path", abs)
			apply(cfg)

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config watcher error", "error", err)
		}
	}
}

// filterTarget is the part of the engine a config reload can change live.
type filterTarget interface {
	Filter() linepulse.Filter
	SetFilter(linepulse.Filter) error
}

// applyFilter pushes a reloaded filter section to the engine. Other
// sections need a restart.
func applyFilter(t filterTarget, cfg *config.Config, logger *slog.Logger) {
	f := cfg.Filter.ToFilter()
	if f == t.Filter() {
		return
	}
	if err := t.SetFilter(f); err != nil {
		logger.Warn("config filter rejected", "error", err)
		return
	}
	logger.Info("filter updated from config",
		"work_order", f.WorkOrder,
		"date_from", f.DateFrom,
		"date_to", f.DateTo,
		"date_active", f.DateActive,
	)
}
