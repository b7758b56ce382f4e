// Standalone mock backend for testing the CLI.
//
// Usage:
//
//	go run ./example/cmd/mockserver
//
// Then in another terminal:
//
//	go run ./cmd/linepulse serve -c example/config.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jpalmerr/linepulse/example/mockbackend"
)

func main() {
	addr := flag.String("addr", ":9999", "listen address")
	lines := flag.Int("lines", 3, "number of simulated lines")
	tick := flag.Duration("tick", 2*time.Second, "simulation step")
	flag.Parse()

	fmt.Printf("Mock backend starting on %s with %d lines\n", *addr, *lines)
	fmt.Println("Counters advance every tick; reworks appear at random")
	fmt.Println("Press Ctrl+C to stop")
	fmt.Println()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend := mockbackend.New(*lines, slog.Default())
	go backend.Run(ctx, *tick)

	srv := &http.Server{Addr: *addr, Handler: backend.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}
