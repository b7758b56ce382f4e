package poller

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// testLogger returns a logger that discards all output for clean test output.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// okTask returns a task that always succeeds with value.
func okTask(name, key string, interval time.Duration, value any) Task {
	return Task{
		Name:     name,
		Key:      key,
		Interval: interval,
		Do: func(context.Context) (any, error) {
			return value, nil
		},
	}
}

// nextResult reads one result or fails the test after a timeout.
func nextResult(t *testing.T, s *Scheduler) Result {
	t.Helper()
	select {
	case r, ok := <-s.Results():
		if !ok {
			t.Fatal("results channel closed")
		}
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for result")
	}
	return Result{}
}

// TestScheduler_StopBeforeStart verifies that calling Stop() on a scheduler
// that was never started does not panic and is a safe no-op.
func TestScheduler_StopBeforeStart(t *testing.T) {
	scheduler := NewScheduler(Config{Logger: testLogger()})
	scheduler.Replace(okTask("test", "k", time.Minute, 1))

	scheduler.Stop()

	if _, ok := <-scheduler.Results(); ok {
		t.Error("expected results channel to be closed after Stop()")
	}
}

// TestScheduler_StopTwice verifies that Stop() is idempotent.
func TestScheduler_StopTwice(t *testing.T) {
	scheduler := NewScheduler(Config{Logger: testLogger()})
	scheduler.Replace(okTask("test", "k", time.Minute, 1))
	scheduler.Start(context.Background())

	go func() {
		for range scheduler.Results() {
		}
	}()

	scheduler.Stop()
	scheduler.Stop()
}

// TestScheduler_StartTwice verifies that a second Start() does not spawn a
// second loop: a long-interval task runs exactly once.
func TestScheduler_StartTwice(t *testing.T) {
	var calls atomic.Int32
	scheduler := NewScheduler(Config{Logger: testLogger()})
	scheduler.Replace(Task{
		Name:     "once",
		Key:      "k",
		Interval: time.Hour,
		Do: func(context.Context) (any, error) {
			calls.Add(1)
			return nil, nil
		},
	})

	scheduler.Start(context.Background())
	scheduler.Start(context.Background())

	nextResult(t, scheduler)
	time.Sleep(50 * time.Millisecond)
	scheduler.Stop()

	if got := calls.Load(); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
}

// TestScheduler_StopBeforeStartThenStart verifies that Start() after Stop()
// is a no-op.
func TestScheduler_StopBeforeStartThenStart(t *testing.T) {
	scheduler := NewScheduler(Config{Logger: testLogger()})

	scheduler.Stop()
	scheduler.Start(context.TODO())
	scheduler.Stop()

	if gen := scheduler.Replace(okTask("late", "k", time.Second, 1)); gen != 0 {
		t.Errorf("Replace() after Stop = %d, want 0", gen)
	}
}

// TestScheduler_ConcurrentStartStop verifies that Start() and Stop() can race
// without panic. Run with: go test -race ./internal/poller/...
func TestScheduler_ConcurrentStartStop(t *testing.T) {
	for i := 0; i < 100; i++ {
		scheduler := NewScheduler(Config{Logger: testLogger()})
		scheduler.Replace(okTask("test", "k", time.Minute, i))

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			scheduler.Start(context.Background())
		}()
		go func() {
			defer wg.Done()
			scheduler.Stop()
		}()
		wg.Wait()

		for range scheduler.Results() {
		}
	}
}

// TestScheduler_ContextCancellation verifies that cancelling the parent
// context stops the scheduler, including a task blocked inside Do.
func TestScheduler_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	scheduler := NewScheduler(Config{Logger: testLogger()})
	started := make(chan struct{})
	scheduler.Replace(Task{
		Name:     "blocking",
		Key:      "k",
		Interval: time.Minute,
		Do: func(ctx context.Context) (any, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	scheduler.Start(ctx)

	<-started
	cancel()

	done := make(chan struct{})
	go func() {
		scheduler.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Error("Stop() did not complete after parent context cancellation")
	}
}

// TestScheduler_RetriesThenErrorInterval verifies the failure path: three
// retries with delays 1s, 2s, 4s, a failed result carrying the attempt count,
// and the next run scheduled one error interval later.
func TestScheduler_RetriesThenErrorInterval(t *testing.T) {
	now := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	var (
		mu     sync.Mutex
		delays []time.Duration
		calls  atomic.Int32
	)
	scheduler := NewScheduler(Config{
		Logger: testLogger(),
		Now:    func() time.Time { return now },
		Sleep: func(_ context.Context, d time.Duration) error {
			mu.Lock()
			delays = append(delays, d)
			mu.Unlock()
			return nil
		},
	})
	fetchErr := errors.New("backend unavailable")
	scheduler.Replace(Task{
		Name:          "counters",
		Key:           "line=1",
		Interval:      time.Second,
		ErrorInterval: 10 * time.Second,
		Do: func(context.Context) (any, error) {
			calls.Add(1)
			return nil, fetchErr
		},
	})
	scheduler.Start(context.Background())
	defer scheduler.Stop()

	result := nextResult(t, scheduler)

	if !errors.Is(result.Err, fetchErr) {
		t.Errorf("Err = %v, want %v", result.Err, fetchErr)
	}
	if result.Attempts != 4 {
		t.Errorf("Attempts = %d, want 4", result.Attempts)
	}
	if got := calls.Load(); got != 4 {
		t.Errorf("calls = %d, want 4", got)
	}

	mu.Lock()
	got := append([]time.Duration(nil), delays...)
	mu.Unlock()
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	if len(got) != len(want) {
		t.Fatalf("delays = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("delays[%d] = %v, want %v", i, got[i], want[i])
		}
	}

	scheduler.mu.Lock()
	nextDue := scheduler.tasks["counters"].nextDue
	scheduler.mu.Unlock()
	if wantDue := now.Add(10 * time.Second); !nextDue.Equal(wantDue) {
		t.Errorf("nextDue = %v, want %v", nextDue, wantDue)
	}
}

// TestScheduler_RetryRecovers verifies that a success within the retry
// budget yields a successful result.
func TestScheduler_RetryRecovers(t *testing.T) {
	var calls atomic.Int32
	scheduler := NewScheduler(Config{
		Logger: testLogger(),
		Sleep:  func(context.Context, time.Duration) error { return nil },
	})
	scheduler.Replace(Task{
		Name:     "flaky",
		Key:      "k",
		Interval: time.Hour,
		Do: func(context.Context) (any, error) {
			if calls.Add(1) < 3 {
				return nil, errors.New("transient")
			}
			return "ok", nil
		},
	})
	scheduler.Start(context.Background())
	defer scheduler.Stop()

	result := nextResult(t, scheduler)

	if result.Err != nil {
		t.Errorf("Err = %v, want nil", result.Err)
	}
	if result.Value != "ok" {
		t.Errorf("Value = %v, want %q", result.Value, "ok")
	}
	if result.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", result.Attempts)
	}
}

// TestScheduler_StaleGenerationDiscarded verifies that a result from a task
// replaced while in flight never reaches the results channel.
func TestScheduler_StaleGenerationDiscarded(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	scheduler := NewScheduler(Config{Logger: testLogger()})
	oldGen := scheduler.Replace(Task{
		Name:     "counters",
		Key:      "wo=A",
		Interval: time.Hour,
		Do: func(context.Context) (any, error) {
			close(started)
			<-release
			return "old", nil
		},
	})
	scheduler.Start(context.Background())
	defer scheduler.Stop()

	<-started
	newGen := scheduler.Replace(okTask("counters", "wo=B", time.Hour, "new"))
	if newGen <= oldGen {
		t.Fatalf("new generation %d not greater than old %d", newGen, oldGen)
	}

	result := nextResult(t, scheduler)
	close(release)

	if result.Value != "new" || result.Generation != newGen {
		t.Errorf("result = %v (gen %d), want new (gen %d)", result.Value, result.Generation, newGen)
	}

	select {
	case r := <-scheduler.Results():
		t.Errorf("unexpected result %v (gen %d)", r.Value, r.Generation)
	case <-time.After(100 * time.Millisecond):
	}
}

// TestScheduler_SkipsInFlight verifies that a task is not started again while
// its previous run is still in flight.
func TestScheduler_SkipsInFlight(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	scheduler := NewScheduler(Config{Logger: testLogger(), MinTick: 10 * time.Millisecond})
	scheduler.Replace(Task{
		Name:          "slow",
		Key:           "k",
		Interval:      10 * time.Millisecond,
		ErrorInterval: 10 * time.Millisecond,
		Do: func(ctx context.Context) (any, error) {
			calls.Add(1)
			select {
			case <-release:
			case <-ctx.Done():
			}
			return nil, nil
		},
	})
	scheduler.Start(context.Background())

	time.Sleep(100 * time.Millisecond)
	if got := calls.Load(); got != 1 {
		t.Errorf("calls while in flight = %d, want 1", got)
	}

	close(release)
	go func() {
		for range scheduler.Results() {
		}
	}()
	scheduler.Stop()
}

// TestScheduler_CachedResultOnReplace verifies that re-registering a task
// whose key has a fresh cached value emits that value first, then fetches.
func TestScheduler_CachedResultOnReplace(t *testing.T) {
	scheduler := NewScheduler(Config{Logger: testLogger()})
	scheduler.Replace(okTask("info", "line=1", time.Hour, "v1"))
	scheduler.Start(context.Background())
	defer scheduler.Stop()

	if r := nextResult(t, scheduler); r.Cached || r.Value != "v1" {
		t.Fatalf("first result = %+v, want fresh v1", r)
	}

	scheduler.Replace(okTask("info", "line=2", time.Hour, "other"))
	if r := nextResult(t, scheduler); r.Cached {
		t.Fatalf("result for uncached key marked cached: %+v", r)
	}

	scheduler.Replace(okTask("info", "line=1", time.Hour, "v2"))
	cached := nextResult(t, scheduler)
	if !cached.Cached || cached.Value != "v1" {
		t.Errorf("cached result = %+v, want cached v1", cached)
	}
	fresh := nextResult(t, scheduler)
	if fresh.Cached || fresh.Value != "v2" {
		t.Errorf("fresh result = %+v, want fresh v2", fresh)
	}
}

// TestScheduler_CacheWindowExpires verifies that a cached value older than
// the cache window is not replayed.
func TestScheduler_CacheWindowExpires(t *testing.T) {
	var mu sync.Mutex
	now := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	scheduler := NewScheduler(Config{Logger: testLogger(), Now: clock})
	scheduler.Replace(okTask("info", "line=1", time.Hour, "v1"))
	scheduler.Start(context.Background())
	defer scheduler.Stop()
	nextResult(t, scheduler)

	mu.Lock()
	now = now.Add(DefaultCacheWindow + time.Second)
	mu.Unlock()

	scheduler.Replace(okTask("info", "line=1", time.Hour, "v2"))
	if r := nextResult(t, scheduler); r.Cached || r.Value != "v2" {
		t.Errorf("result = %+v, want fresh v2", r)
	}
}

// TestScheduler_RemoveDiscardsInFlight verifies that removing a task drops
// the result of its in-flight run.
func TestScheduler_RemoveDiscardsInFlight(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	scheduler := NewScheduler(Config{Logger: testLogger()})
	scheduler.Replace(Task{
		Name:     "gone",
		Key:      "k",
		Interval: time.Hour,
		Do: func(context.Context) (any, error) {
			close(started)
			<-release
			return "late", nil
		},
	})
	scheduler.Start(context.Background())
	defer scheduler.Stop()

	<-started
	scheduler.Remove("gone")
	close(release)

	select {
	case r := <-scheduler.Results():
		t.Errorf("unexpected result %+v", r)
	case <-time.After(100 * time.Millisecond):
	}
	if gen := scheduler.Generation("gone"); gen != 0 {
		t.Errorf("Generation() = %d, want 0", gen)
	}
}

// TestScheduler_PanicRecovery verifies that a panicking task does not crash
// the scheduler and reports an error carrying a correlation ID.
func TestScheduler_PanicRecovery(t *testing.T) {
	scheduler := NewScheduler(Config{Logger: testLogger(), MaxRetries: -1})
	scheduler.Replace(Task{
		Name:     "panicky",
		Key:      "k",
		Interval: time.Hour,
		Do: func(context.Context) (any, error) {
			panic("simulated failure")
		},
	})
	scheduler.Replace(okTask("healthy", "k2", time.Hour, "fine"))
	scheduler.Start(context.Background())
	defer scheduler.Stop()

	results := make(map[string]Result)
	for i := 0; i < 2; i++ {
		r := nextResult(t, scheduler)
		results[r.Task] = r
	}

	panicked := results["panicky"]
	if panicked.Err == nil {
		t.Fatal("Err = nil, want error describing panic")
	}
	if !strings.Contains(panicked.Err.Error(), "correlation_id") {
		t.Errorf("Err = %q, want to contain 'correlation_id'", panicked.Err)
	}
	if panicked.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1 with retries disabled", panicked.Attempts)
	}
	if results["healthy"].Value != "fine" {
		t.Errorf("healthy.Value = %v, want %q", results["healthy"].Value, "fine")
	}
}

// TestScheduler_GCDCalculation verifies that the tick interval is the GCD of
// all normal and error intervals, floored at MinTick.
func TestScheduler_GCDCalculation(t *testing.T) {
	tests := []struct {
		name         string
		tasks        [][2]time.Duration // interval, error interval
		minTick      time.Duration
		expectedBase time.Duration
	}{
		{
			name:         "counters and work order defaults",
			tasks:        [][2]time.Duration{{time.Second, 10 * time.Second}, {5 * time.Second, 10 * time.Second}},
			expectedBase: time.Second,
		},
		{
			name:         "4s and 6s gives 2s",
			tasks:        [][2]time.Duration{{4 * time.Second, 12 * time.Second}, {6 * time.Second, 12 * time.Second}},
			expectedBase: 2 * time.Second,
		},
		{
			name:         "co-prime intervals floor at MinTick",
			tasks:        [][2]time.Duration{{7 * time.Second, 14 * time.Second}, {11 * time.Second, 22 * time.Second}},
			minTick:      2 * time.Second,
			expectedBase: 2 * time.Second,
		},
		{
			name:         "no tasks uses MinTick",
			expectedBase: DefaultMinTick,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			scheduler := NewScheduler(Config{Logger: testLogger(), MinTick: tt.minTick})
			for i, d := range tt.tasks {
				task := okTask(string(rune('a'+i)), "k", d[0], nil)
				task.ErrorInterval = d[1]
				scheduler.Replace(task)
			}

			if base := scheduler.baseInterval(); base != tt.expectedBase {
				t.Errorf("baseInterval() = %v, want %v", base, tt.expectedBase)
			}
		})
	}
}

// TestScheduler_MixedIntervals verifies that tasks with different intervals
// run at their respective frequencies.
func TestScheduler_MixedIntervals(t *testing.T) {
	scheduler := NewScheduler(Config{Logger: testLogger(), MinTick: 20 * time.Millisecond})
	fast := okTask("fast", "f", 20*time.Millisecond, nil)
	fast.ErrorInterval = 20 * time.Millisecond
	slow := okTask("slow", "s", 100*time.Millisecond, nil)
	slow.ErrorInterval = 100 * time.Millisecond
	scheduler.Replace(fast)
	scheduler.Replace(slow)
	scheduler.Start(context.Background())

	counts := make(map[string]int)
	timeout := time.After(350 * time.Millisecond)

collecting:
	for {
		select {
		case result, ok := <-scheduler.Results():
			if !ok {
				break collecting
			}
			counts[result.Task]++
		case <-timeout:
			break collecting
		}
	}

	scheduler.Stop()

	if counts["fast"] < 5 {
		t.Errorf("fast task ran %d times, expected at least 5", counts["fast"])
	}
	if counts["slow"] >= counts["fast"] {
		t.Errorf("slow ran %d times, fast ran %d times - slow should run less often",
			counts["slow"], counts["fast"])
	}
}
