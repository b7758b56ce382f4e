package poller

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"

	"github.com/jpalmerr/linepulse/internal/backoff"
	"github.com/jpalmerr/linepulse/internal/telemetry"
)

// Scheduler defaults.
const (
	DefaultMinTick        = time.Second
	DefaultMaxConcurrency = 4
	DefaultMaxRetries     = 3
	DefaultRetryBase      = time.Second
	DefaultRetryCap       = 30 * time.Second
	DefaultCacheWindow    = 30 * time.Second
	DefaultErrorInterval  = 10 * time.Second
)

// Task is a unit of periodic work.
//
// Key identifies the data the task fetches (for example the line and filter
// it is scoped to). The last successful value is cached per key.
type Task struct {
	Name          string
	Key           string
	Interval      time.Duration
	ErrorInterval time.Duration
	Do            func(ctx context.Context) (any, error)
}

// Result is the outcome of one scheduled run of a [Task].
type Result struct {
	Task       string
	Key        string
	Generation uint64

	// Value is set on success and for cached results.
	Value any

	// Err is the last error after all retries were exhausted.
	Err error

	// Attempts counts calls to Do, retries included. Zero for cached results.
	Attempts int

	// Cached marks a result served from the cache window on (re)registration.
	// A fresh fetch always follows it.
	Cached bool

	Latency   time.Duration
	FetchedAt time.Time
}

// Config configures a [Scheduler]. Zero values use the package defaults.
type Config struct {
	// MinTick floors the tick interval.
	MinTick        time.Duration
	MaxConcurrency int

	// MaxRetries is the number of retries after the first failed call.
	// Negative disables retries.
	MaxRetries  int
	RetryBase   time.Duration
	RetryCap    time.Duration
	CacheWindow time.Duration

	Logger  *slog.Logger
	Metrics *telemetry.Metrics

	// Sleep waits between retries. It must return early with ctx.Err()
	// when ctx ends.
	Sleep func(ctx context.Context, d time.Duration) error

	Now func() time.Time
}

type taskState struct {
	task     Task
	gen      uint64
	nextDue  time.Time
	inFlight bool
	cached   *Result
}

type cacheEntry struct {
	value any
	at    time.Time
}

// Scheduler runs tasks periodically with a tick-and-check loop.
//
// It ticks at the GCD of all task intervals (floored at MinTick) and runs
// the tasks that are due. A task whose previous run is still in flight is
// skipped. Every [Scheduler.Replace] starts a new generation for that task;
// results of older generations are discarded when they resolve.
//
// All methods are safe for concurrent use.
type Scheduler struct {
	cfg     Config
	logger  *slog.Logger
	results chan Result
	wake    chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu        sync.Mutex
	started   bool
	stopped   bool
	closeOnce sync.Once
	tasks     map[string]*taskState
	cache     map[string]cacheEntry
	lastGen   uint64
}

// NewScheduler creates a [Scheduler]. Tasks may be registered before or
// after [Scheduler.Start].
func NewScheduler(cfg Config) *Scheduler {
	if cfg.MinTick <= 0 {
		cfg.MinTick = DefaultMinTick
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultMaxConcurrency
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = DefaultRetryBase
	}
	if cfg.RetryCap <= 0 {
		cfg.RetryCap = DefaultRetryCap
	}
	if cfg.CacheWindow <= 0 {
		cfg.CacheWindow = DefaultCacheWindow
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepContext
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cfg:     cfg,
		logger:  logger.With("component", "poller"),
		results: make(chan Result, 16),
		wake:    make(chan struct{}, 1),
		tasks:   make(map[string]*taskState),
		cache:   make(map[string]cacheEntry),
	}
}

// Results returns the channel of task results. It is closed when the
// scheduler stops.
func (s *Scheduler) Results() <-chan Result {
	return s.results
}

// Replace registers task, or swaps the registered task of the same name,
// and returns the new generation. The task is due immediately. If the cache
// holds a value for the task's key younger than the cache window, a Cached
// result is emitted before the fetch.
func (s *Scheduler) Replace(task Task) uint64 {
	if task.ErrorInterval <= 0 {
		task.ErrorInterval = DefaultErrorInterval
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return 0
	}
	s.lastGen++
	st := &taskState{task: task, gen: s.lastGen}
	if e, ok := s.cache[task.Key]; ok && s.cfg.Now().Sub(e.at) <= s.cfg.CacheWindow {
		st.cached = &Result{
			Task:       task.Name,
			Key:        task.Key,
			Generation: st.gen,
			Value:      e.value,
			Cached:     true,
			FetchedAt:  e.at,
		}
	}
	s.tasks[task.Name] = st
	gen := st.gen
	s.mu.Unlock()

	s.logger.Debug("task registered", "task", task.Name, "key", task.Key, "generation", gen)
	s.poke()
	return gen
}

// Remove unregisters a task. An in-flight run of it is discarded.
func (s *Scheduler) Remove(name string) {
	s.mu.Lock()
	_, ok := s.tasks[name]
	delete(s.tasks, name)
	s.mu.Unlock()

	if ok {
		s.logger.Debug("task removed", "task", name)
		s.poke()
	}
}

// Generation returns the current generation of a task, or 0 if it is not
// registered.
func (s *Scheduler) Generation(name string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.tasks[name]; ok {
		return st.gen
	}
	return 0
}

func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// baseInterval is the GCD of all registered intervals, floored at MinTick.
func (s *Scheduler) baseInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result time.Duration
	for _, st := range s.tasks {
		for _, d := range []time.Duration{st.task.Interval, st.task.ErrorInterval} {
			if d <= 0 {
				continue
			}
			if result == 0 {
				result = d
			} else {
				result = gcdDuration(result, d)
			}
		}
	}

	if result < s.cfg.MinTick {
		result = s.cfg.MinTick
	}
	return result
}

// gcdDuration calculates the greatest common divisor of two durations.
func gcdDuration(a, b time.Duration) time.Duration {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// Start begins the scheduling loop in a background goroutine.
//
// Registered tasks run immediately, then on every tick when due. Start is
// idempotent; if Stop was called first, Start is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.started = true

	if ctx == nil {
		ctx = context.Background()
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer s.closeOnce.Do(func() { close(s.results) })

		p := pool.New().WithMaxGoroutines(s.cfg.MaxConcurrency)
		defer p.Wait()

		s.runDue(runCtx, p, 0)

		interval := s.baseInterval()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				s.runDue(runCtx, p, interval/2)
			case <-s.wake:
				if next := s.baseInterval(); next != interval {
					interval = next
					ticker.Reset(interval)
				}
				s.runDue(runCtx, p, interval/2)
			}
		}
	}()
}

// Stop cancels the loop, waits for in-flight runs and closes Results.
// It is idempotent and safe to call before Start.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.stopped {
		s.stopped = true
		if s.cancel != nil {
			s.cancel()
		}
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.closeOnce.Do(func() { close(s.results) })
}

// runDue emits pending cached results, then submits every due task that is
// not already in flight. A task counts as due when its due time falls within
// slack of now, which absorbs ticker jitter.
func (s *Scheduler) runDue(ctx context.Context, p *pool.Pool, slack time.Duration) {
	now := s.cfg.Now()

	var cached []Result
	type run struct {
		task Task
		gen  uint64
	}
	var due []run

	s.mu.Lock()
	for _, st := range s.tasks {
		if st.cached != nil {
			cached = append(cached, *st.cached)
			st.cached = nil
		}
		if st.inFlight || now.Add(slack).Before(st.nextDue) {
			continue
		}
		st.inFlight = true
		due = append(due, run{task: st.task, gen: st.gen})
	}
	s.mu.Unlock()

	for _, r := range cached {
		s.cfg.Metrics.Fetch(r.Task, telemetry.FetchCached)
		s.emit(ctx, r)
	}

	for _, r := range due {
		if ctx.Err() != nil {
			return
		}
		r := r // per-iteration copy; go.mod targets go1.21 loop semantics
		p.Go(func() {
			s.runTask(ctx, r.task, r.gen, now)
		})
	}
}

// runTask executes one scheduled run. After success the task is next due
// one interval after it was scheduled; after failure, one error interval
// after it finished.
func (s *Scheduler) runTask(ctx context.Context, task Task, gen uint64, scheduled time.Time) {
	start := s.cfg.Now()
	value, attempts, err := s.execute(ctx, task, gen)
	finished := s.cfg.Now()

	s.mu.Lock()
	st, ok := s.tasks[task.Name]
	current := ok && st.gen == gen
	if current {
		st.inFlight = false
		if err != nil {
			st.nextDue = finished.Add(task.ErrorInterval)
		} else {
			st.nextDue = scheduled.Add(task.Interval)
			s.cache[task.Key] = cacheEntry{value: value, at: finished}
		}
	}
	s.mu.Unlock()

	if !current {
		s.cfg.Metrics.Fetch(task.Name, telemetry.FetchStale)
		s.logger.Debug("stale result discarded", "task", task.Name, "generation", gen)
		return
	}
	if ctx.Err() != nil {
		return
	}

	if err != nil {
		s.cfg.Metrics.Fetch(task.Name, telemetry.FetchError)
		s.logger.Warn("task failed",
			"task", task.Name,
			"key", task.Key,
			"attempts", attempts,
			"retry_in", task.ErrorInterval,
			"error", err,
		)
	} else {
		s.cfg.Metrics.Fetch(task.Name, telemetry.FetchSuccess)
	}

	s.emit(ctx, Result{
		Task:       task.Name,
		Key:        task.Key,
		Generation: gen,
		Value:      value,
		Err:        err,
		Attempts:   attempts,
		Latency:    finished.Sub(start),
		FetchedAt:  finished,
	})
}

// execute calls Do, retrying failures with exponential delays. Retries stop
// early when the task is superseded or ctx ends.
func (s *Scheduler) execute(ctx context.Context, task Task, gen uint64) (any, int, error) {
	var err error
	for attempt := 0; ; attempt++ {
		var value any
		value, err = s.safeDo(ctx, task)
		if err == nil {
			return value, attempt + 1, nil
		}
		if attempt >= s.cfg.MaxRetries || ctx.Err() != nil || !s.isCurrent(task.Name, gen) {
			return nil, attempt + 1, err
		}

		delay := backoff.Exponential(attempt, s.cfg.RetryBase, s.cfg.RetryCap)
		s.logger.Debug("retrying task", "task", task.Name, "attempt", attempt+1, "delay", delay, "error", err)
		if serr := s.cfg.Sleep(ctx, delay); serr != nil {
			return nil, attempt + 1, err
		}
	}
}

func (s *Scheduler) isCurrent(name string, gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.tasks[name]
	return ok && st.gen == gen
}

func (s *Scheduler) emit(ctx context.Context, r Result) {
	select {
	case s.results <- r:
	case <-ctx.Done():
	}
}

// safeDo calls the task with panic recovery. A panic is logged with its
// stack under a correlation ID and returned as an error carrying that ID.
func (s *Scheduler) safeDo(ctx context.Context, task Task) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			correlationID := uuid.NewString()
			stack := debug.Stack()

			s.logger.Error("task panic",
				"task", task.Name,
				"correlation_id", correlationID,
				"panic", fmt.Sprintf("%v", r),
				"stack", string(stack),
			)
			s.cfg.Metrics.Fetch(task.Name, telemetry.FetchPanic)

			value = nil
			err = fmt.Errorf("task %s panicked (correlation_id: %s)", task.Name, correlationID)
		}
	}()
	return task.Do(ctx)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
