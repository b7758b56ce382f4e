package linepulse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"testing"
	"time"
)

// TestStart_BlocksUntilContextCancelled verifies that Start blocks until the
// provided context is cancelled.
func TestStart_BlocksUntilContextCancelled(t *testing.T) {
	fl := newFakeLine(t)
	e, err := New(baseOptions(fl)...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Start(ctx) }()

	time.Sleep(50 * time.Millisecond)

	select {
	case err := <-done:
		t.Fatalf("Start() returned early with error: %v", err)
	default:
	}

	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start() returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start() did not return after context cancellation")
	}

	if got := e.State().Connection.State; got != Disconnected {
		t.Errorf("connection after shutdown = %v, want disconnected", got)
	}
}

// TestStart_ReturnsImmediatelyIfContextAlreadyCancelled verifies that Start
// returns immediately if the context is already cancelled.
func TestStart_ReturnsImmediatelyIfContextAlreadyCancelled(t *testing.T) {
	fl := newFakeLine(t)
	e, err := New(baseOptions(fl)...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan error, 1)
	go func() { done <- e.Start(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start() returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start() did not return with already-cancelled context")
	}
}

// TestStart_Twice verifies that an engine runs at most once.
func TestStart_Twice(t *testing.T) {
	fl := newFakeLine(t)
	e, err := New(baseOptions(fl)...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	startEngine(t, e)
	time.Sleep(20 * time.Millisecond)

	if err := e.Start(context.Background()); err == nil {
		t.Error("second Start() should return error")
	}
}

// TestStart_ServesAPI verifies that a configured port serves the state.
func TestStart_ServesAPI(t *testing.T) {
	const port = 19311

	fl := newFakeLine(t)
	fl.set(&fl.wira, payload(`{"line": "3", "Good": 4}`))

	e, err := New(baseOptions(fl, WithPush(false), WithPort(port))...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	startEngine(t, e)
	waitFor(t, "counters", func() bool { return e.State().Aggregated.Good == 4 })

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/api/state", port))
	if err != nil {
		t.Fatalf("GET /api/state: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var body struct {
		Aggregated struct {
			Good int64 `json:"good"`
		} `json:"aggregated"`
		Connection struct {
			State string `json:"state"`
		} `json:"connection"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Aggregated.Good != 4 {
		t.Errorf("aggregated.good = %v, want 4", body.Aggregated.Good)
	}
	if body.Connection.State != "disconnected" {
		t.Errorf("connection.state = %q, want disconnected", body.Connection.State)
	}
}

// TestStart_PortInUse verifies that a bind failure is returned.
func TestStart_PortInUse(t *testing.T) {
	const port = 19312

	fl := newFakeLine(t)
	first, err := New(baseOptions(fl, WithPush(false), WithPort(port))...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	startEngine(t, first)
	time.Sleep(50 * time.Millisecond)

	second, err := New(baseOptions(fl, WithPush(false), WithPort(port))...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := second.Start(context.Background()); err == nil {
		t.Error("Start() on occupied port should return error")
	}
}

// TestStart_CleanShutdown verifies no goroutine leaks after shutdown.
func TestStart_CleanShutdown(t *testing.T) {
	fl := newFakeLine(t)

	runtime.GC()
	time.Sleep(50 * time.Millisecond)
	before := runtime.NumGoroutine()

	for i := 0; i < 3; i++ {
		e, err := New(baseOptions(fl)...)
		if err != nil {
			t.Fatalf("New() error = %v", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		if err := e.Start(ctx); err != nil {
			t.Errorf("Start() error = %v", err)
		}
		cancel()
	}

	runtime.GC()
	time.Sleep(300 * time.Millisecond)

	// the fake server keeps one reader goroutine per accepted socket
	after := runtime.NumGoroutine()
	if after > before+8 {
		t.Errorf("potential goroutine leak: before=%d, after=%d", before, after)
	}
}
