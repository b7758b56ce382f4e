package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jpalmerr/linepulse"
	"github.com/jpalmerr/linepulse/config"
)

const (
	shutdownTimeout = 10 * time.Second
)

// serveCmd follows a line and serves the local API.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Follow a line and serve the local API",
	Long: `Follow a production line and serve its state over HTTP.

The server will:
  - Load configuration from the specified YAML file
  - Connect to the WebSocket broadcast and poll the REST backend
  - Serve /api/state, /api/sse and /metrics on the configured port
  - Re-apply the filter section whenever the config file changes

The server runs until interrupted (Ctrl+C) or receives SIGTERM.

Example:
  linepulse serve -c config.yaml
  linepulse serve --config /etc/linepulse/config.yaml`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringP("config", "c", "", "path to config file (required)")
	serveCmd.Flags().Bool("no-watch", false, "do not reload the filter when the config file changes")
	_ = serveCmd.MarkFlagRequired("config")
}

func runServe(cmd *cobra.Command, args []string) error {
	configFile, _ := cmd.Flags().GetString("config")
	noWatch, _ := cmd.Flags().GetBool("no-watch")

	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("config loaded",
		"line", cfg.Line,
		"push", cfg.PushEnabled(),
		"polling", cfg.PollingEnabled(),
		"notifications", cfg.NotificationsEnabled(),
	)

	opts, err := config.BuildOptions(cfg)
	if err != nil {
		return fmt.Errorf("failed to build options: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	opts = append(opts,
		linepulse.WithLogger(logger),
		linepulse.WithRegistry(reg),
		linepulse.WithNotificationCallback(func(n linepulse.Notification) {
			if n.Record == nil {
				logger.Info("rework detected, garment not found", "type", n.Type)
				return
			}
			logger.Info("rework detected",
				"type", n.Type,
				"rfid", n.Record.RFID,
				"work_order", n.Record.WorkOrder,
			)
		}),
	)

	eng, err := linepulse.New(opts...)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}

	// set up context with signal handling - cancel on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting server",
		"port", cfg.Port,
		"poll_interval", cfg.Poll.Interval.Duration().String(),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return eng.Start(gctx)
	})
	if !noWatch {
		g.Go(func() error {
			return watchConfig(gctx, configFile, logger, func(c *config.Config) {
				applyFilter(eng, c, logger)
			})
		})
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- g.Wait()
	}()

	select {
	case err := <-errChan:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		logger.Info("shutdown complete")
		return nil

	case <-ctx.Done():
		// signal received, wait for graceful shutdown with timeout
		select {
		case err := <-errChan:
			if err != nil {
				return fmt.Errorf("server error: %w", err)
			}
			logger.Info("shutdown complete")
			return nil
		case <-time.After(shutdownTimeout):
			logger.Warn("shutdown timed out",
				"timeout", shutdownTimeout.String(),
				"action", "forcing exit",
			)
			return nil
		}
	}
}
