package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jpalmerr/linepulse"
	"github.com/jpalmerr/linepulse/example/mockbackend"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// start the simulated backend (see mockbackend)
	backend := mockbackend.New(3, slog.Default())
	ln, err := net.Listen("tcp", "127.0.0.1:9999")
	if err != nil {
		slog.Error("failed to start mock backend", "error", err)
		os.Exit(1)
	}
	srv := &http.Server{Handler: backend.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() { _ = srv.Serve(ln) }()
	go backend.Run(ctx, 2*time.Second)
	defer srv.Close()

	eng, err := linepulse.New(
		linepulse.WithLine("LINE 2"),
		linepulse.WithWebSocketURL("ws://127.0.0.1:9999/ws/wira-dashboard"),
		linepulse.WithAPIBaseURL("http://127.0.0.1:9999"),
		linepulse.WithPort(8080),
		linepulse.WithStateCallback(func(s linepulse.State) {
			c := s.Aggregated
			fmt.Printf("[%s] %-12s good=%d rework=%d reject=%d pqc_good=%d pqc_rework=%d\n",
				s.UpdatedAt.Format("15:04:05"), s.Connection, c.Good, c.Rework, c.Reject, c.PQCGood, c.PQCRework)
		}),
		linepulse.WithNotificationCallback(func(n linepulse.Notification) {
			if n.Record == nil {
				fmt.Printf("  %s rework, garment not found\n", n.Type)
				return
			}
			fmt.Printf("  %s rework: %s (WO %s)\n", n.Type, n.Record.RFID, n.Record.WorkOrder)
		}),
	)
	if err != nil {
		slog.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	fmt.Println()
	fmt.Println("  LinePulse demo: following line 2 of a simulated backend")
	fmt.Println("  State:  curl http://localhost:8080/api/state")
	fmt.Println("  Stream: curl -N http://localhost:8080/api/sse")
	fmt.Println("  Press Ctrl+C to stop")
	fmt.Println()

	if err := eng.Start(ctx); err != nil {
		slog.Error("linepulse error", "error", err)
		os.Exit(1)
	}
}
