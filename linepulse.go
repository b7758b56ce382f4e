package linepulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/jpalmerr/linepulse/internal/backend"
	"github.com/jpalmerr/linepulse/internal/detect"
	"github.com/jpalmerr/linepulse/internal/line"
	"github.com/jpalmerr/linepulse/internal/lookup"
	"github.com/jpalmerr/linepulse/internal/poller"
	"github.com/jpalmerr/linepulse/internal/server"
	"github.com/jpalmerr/linepulse/internal/store"
	"github.com/jpalmerr/linepulse/internal/stream"
	"github.com/jpalmerr/linepulse/internal/telemetry"
)

const (
	defaultPollInterval      = time.Second
	defaultWorkOrderInterval = 5 * time.Second

	taskCounters  = "counters"
	taskWorkOrder = "work-order"
)

// Engine keeps the dashboard state of one production line in sync.
//
// Counters arrive from the WebSocket broadcast and from REST polling; both
// are full recomputations and the latest one wins. Every new counter set
// goes through the rework detector, whose triggers start a time-boxed lookup
// of the garment responsible.
//
// The typical lifecycle is:
//
//	e, err := linepulse.New(
//	    linepulse.WithLine("3"),
//	    linepulse.WithWebSocketURL("ws://10.8.0.104:7000/ws/wira-dashboard"),
//	    linepulse.WithAPIBaseURL("http://10.8.0.104:7000"),
//	)
//	if err != nil {
//	    slog.Error("failed to create engine", "error", err)
//	    os.Exit(1)
//	}
//
//	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
//	defer cancel()
//
//	e.Start(ctx) // blocks until context cancelled
type Engine struct {
	cfg      engineConfig
	logger   *slog.Logger
	metrics  *telemetry.Metrics
	store    *store.MemoryStore[State]
	detector *detect.Detector
	lookup   *lookup.Lookup

	// nil when the feature is disabled
	backend   *backend.Client
	stream    *stream.Manager
	scheduler *poller.Scheduler

	taskMu sync.Mutex // serializes poll task registration

	mu           sync.Mutex
	started      bool
	runCtx       context.Context // nil outside Start
	filter       Filter
	pending      map[string]bool  // tasks without a result for the current key
	taskErrs     map[string]error // tasks whose last run failed
	lastPushAt   time.Time        // arrival of the last applied push
	lookupGen    uint64
	lookupCancel context.CancelFunc
	lookupWG     sync.WaitGroup
}

// New creates an [Engine] with the given options.
//
// [WithLine] is required, as is [WithWebSocketURL] unless push is disabled
// and [WithAPIBaseURL] unless both polling and rework notifications are
// disabled.
func New(opts ...Option) (*Engine, error) {
	cfg := engineConfig{
		push:              true,
		polling:           true,
		notifications:     true,
		pollInterval:      defaultPollInterval,
		workOrderInterval: defaultWorkOrderInterval,
		errorInterval:     poller.DefaultErrorInterval,
		requestTimeout:    poller.DefaultTimeout,
		cacheWindow:       poller.DefaultCacheWindow,
		maxConcurrency:    poller.DefaultMaxConcurrency,
		maxRetries:        poller.DefaultMaxRetries,
		retryBase:         poller.DefaultRetryBase,
		retryCap:          poller.DefaultRetryCap,
		reconnectBase:     stream.DefaultBaseDelay,
		reconnectMax:      stream.DefaultMaxDelay,
		reconnectAttempts: stream.DefaultMaxAttempts,
		lookupInterval:    lookup.DefaultInterval,
		lookupMaxWait:     lookup.DefaultMaxWait,
		lookupFreshness:   lookup.DefaultFreshness,
	}

	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	if cfg.line == "" {
		return nil, errors.New("line is required")
	}
	if !cfg.push && !cfg.polling {
		return nil, errors.New("at least one of push or polling must be enabled")
	}
	if cfg.push && cfg.wsURL == "" {
		return nil, errors.New("websocket URL is required when push is enabled")
	}
	if (cfg.polling || cfg.notifications) && cfg.apiBaseURL == "" {
		return nil, errors.New("API base URL is required for polling and rework notifications")
	}

	logger := cfg.logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("line", line.NormalizeID(cfg.line))

	var metrics *telemetry.Metrics
	if cfg.registry != nil {
		metrics = telemetry.New(cfg.registry)
	}

	e := &Engine{
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		detector: detect.New(cfg.notifications),
		filter:   cfg.filter,
		pending:  make(map[string]bool),
		taskErrs: make(map[string]error),
		lookup: lookup.New(lookup.Config{
			Interval:  cfg.lookupInterval,
			MaxWait:   cfg.lookupMaxWait,
			Freshness: cfg.lookupFreshness,
			Logger:    logger,
		}),
	}
	e.store = store.NewMemoryStore(State{
		Connection: ConnectionStatus{State: Disconnected},
		IsLoading:  true,
		Filter:     cfg.filter,
	})

	if cfg.apiBaseURL != "" {
		e.backend = backend.New(backend.Config{
			BaseURL:      cfg.apiBaseURL,
			APIKey:       cfg.apiKey,
			APIKeyHeader: cfg.apiKeyHeader,
			Timeout:      cfg.requestTimeout,
			Logger:       logger,
		})
	}

	if cfg.push {
		e.stream = stream.NewManager(stream.Config{
			URL:         cfg.wsURL,
			BaseDelay:   cfg.reconnectBase,
			MaxDelay:    cfg.reconnectMax,
			MaxAttempts: cfg.reconnectAttempts,
			OnData:      e.handlePush,
			OnStatus:    e.handleStatus,
			Logger:      logger,
			Metrics:     metrics,
		})
	}

	if cfg.polling {
		retries := cfg.maxRetries
		if retries == 0 {
			retries = -1
		}
		e.scheduler = poller.NewScheduler(poller.Config{
			MaxConcurrency: cfg.maxConcurrency,
			MaxRetries:     retries,
			RetryBase:      cfg.retryBase,
			RetryCap:       cfg.retryCap,
			CacheWindow:    cfg.cacheWindow,
			Logger:         logger,
			Metrics:        metrics,
		})
	}

	return e, nil
}

// Start runs the engine until ctx is cancelled.
//
// The HTTP API starts first (when a port is set), then polling begins and
// the WebSocket connects. On cancellation the socket is closed, polling
// stops, any running lookup is abandoned and Start returns nil. Start
// returns an error if the HTTP server cannot bind or if the engine was
// already started.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return errors.New("engine already started")
	}
	e.started = true
	e.mu.Unlock()

	if ctx.Err() != nil {
		return nil
	}

	e.logger.Info("linepulse starting",
		"push", e.stream != nil,
		"polling", e.scheduler != nil,
		"rework_notifications", e.cfg.notifications,
	)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if e.cfg.port > 0 {
		srv := server.NewServer[State, Filter](e, e.cfg.port, e.gatherer(), e.logger)
		if err := srv.Start(runCtx); err != nil {
			return fmt.Errorf("failed to start HTTP server: %w", err)
		}
	}

	e.mu.Lock()
	e.runCtx = runCtx
	e.mu.Unlock()

	g, gctx := errgroup.WithContext(runCtx)

	if len(e.cfg.stateCallbacks) > 0 {
		ch := e.store.Subscribe()
		g.Go(func() error {
			defer e.store.Unsubscribe(ch)
			for {
				select {
				case s := <-ch:
					for _, cb := range e.cfg.stateCallbacks {
						invokeCallbackSafe("state", cb, s, e.logger)
					}
				case <-gctx.Done():
					return nil
				}
			}
		})
	}

	if e.scheduler != nil {
		e.registerTasks()
		e.scheduler.Start(gctx)
		g.Go(func() error {
			for r := range e.scheduler.Results() {
				e.handleResult(r)
			}
			return nil
		})
	}

	if e.stream != nil {
		e.stream.Connect(gctx)
	}

	<-gctx.Done()
	e.shutdown()
	err := g.Wait()
	e.logger.Info("linepulse stopped")
	return err
}

// shutdown stops every producer and waits for them.
func (e *Engine) shutdown() {
	e.mu.Lock()
	e.runCtx = nil
	e.lookupGen++
	if e.lookupCancel != nil {
		e.lookupCancel()
		e.lookupCancel = nil
	}
	e.mu.Unlock()

	if e.stream != nil {
		e.stream.Disconnect()
		e.stream.Wait()
	}
	if e.scheduler != nil {
		e.scheduler.Stop()
	}
	e.lookupWG.Wait()
	if e.backend != nil {
		e.backend.Close()
	}
}

func (e *Engine) gatherer() prometheus.Gatherer {
	if e.cfg.registry == nil {
		return nil
	}
	return e.cfg.registry
}

// State returns the current snapshot.
func (e *Engine) State() State {
	return e.store.Get()
}

// Subscribe returns a channel receiving every published [State]. Slow
// readers miss intermediate snapshots. Call [Engine.Unsubscribe] when done.
func (e *Engine) Subscribe() <-chan State {
	return e.store.Subscribe()
}

// Unsubscribe ends a subscription and closes its channel.
func (e *Engine) Unsubscribe(ch <-chan State) {
	e.store.Unsubscribe(ch)
}

// Line returns the configured line identifier.
func (e *Engine) Line() string {
	return e.cfg.line
}

// Port returns the HTTP API port, 0 when disabled.
func (e *Engine) Port() int {
	return e.cfg.port
}

// Filter returns the current filter.
func (e *Engine) Filter() Filter {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.filter
}

// SetFilter replaces the filter.
//
// When the fetch key changes, poll tasks are recreated for the new key and
// results still in flight for the old one are discarded. The last pushed
// snapshot is re-aggregated under the new work order filter right away.
func (e *Engine) SetFilter(f Filter) error {
	if err := f.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	old := e.filter
	e.filter = f
	keyChanged := old.Key(e.cfg.line) != f.Key(e.cfg.line)
	running := e.runCtx != nil
	e.mu.Unlock()

	e.update(func(s *State) { s.Filter = f })
	if !keyChanged {
		return nil
	}

	e.logger.Info("filter changed", "work_order", f.WorkOrder, "date_active", f.HasDateFilter())

	// a different scope has its own baseline
	e.detector.Reset()

	if e.scheduler != nil && running {
		e.registerTasks()
	}
	if e.stream != nil && !f.HasDateFilter() {
		if snap := e.stream.Snapshot(); snap != nil {
			e.applyCounters(line.Aggregate(snap, e.cfg.line, f.WorkOrder), nil)
		}
	}
	return nil
}

// Connect opens the WebSocket, or restarts it after the reconnect cap was
// reached. It is a no-op when push is disabled, when the engine is not
// running, or when a connection is already open or opening.
func (e *Engine) Connect() {
	if e.stream == nil {
		return
	}
	e.mu.Lock()
	ctx := e.runCtx
	e.mu.Unlock()
	if ctx == nil {
		e.logger.Warn("connect ignored: engine not running")
		return
	}
	e.stream.Connect(ctx)
}

// Disconnect closes the WebSocket and cancels any pending reconnect.
func (e *Engine) Disconnect() {
	if e.stream != nil {
		e.stream.Disconnect()
	}
}

// DismissNotification clears the notification and abandons its lookup.
func (e *Engine) DismissNotification() {
	e.mu.Lock()
	e.lookupGen++
	if e.lookupCancel != nil {
		e.lookupCancel()
		e.lookupCancel = nil
	}
	e.mu.Unlock()

	e.update(func(s *State) { s.Notification = nil })
}

// SetReworkNotifications switches rework detection on or off at runtime.
// Counters keep being tracked while off, so switching back on does not
// fire on increments that happened in between. Turning it off also
// dismisses any current notification.
func (e *Engine) SetReworkNotifications(enabled bool) {
	e.detector.SetEnabled(enabled)
	if !enabled {
		e.DismissNotification()
	}
}

// WorkOrders lists the work orders seen on the line.
func (e *Engine) WorkOrders(ctx context.Context) ([]string, error) {
	if e.backend == nil {
		return nil, errors.New("no API base URL configured")
	}
	return e.backend.WorkOrders(ctx, e.cfg.line)
}

// Detail lists the garments behind one counter card of the line, newest
// first. card is the backend's card name, e.g. "rework" or "output_sewing".
func (e *Engine) Detail(ctx context.Context, card string) ([]json.RawMessage, error) {
	if e.backend == nil {
		return nil, errors.New("no API base URL configured")
	}
	if strings.TrimSpace(card) == "" {
		return nil, errors.New("card is required")
	}
	return e.backend.Detail(ctx, card, e.cfg.line)
}

// update applies mutate to the state and publishes the result if anything
// but the timestamp changed.
func (e *Engine) update(mutate func(*State)) {
	e.store.Update(func(s *State) bool {
		prev := *s
		mutate(s)
		if s.equal(prev) {
			return false
		}
		s.UpdatedAt = time.Now()
		return true
	})
}

// polledCounters is the value of the counters task. startedAt is when the
// fetch that read the counters was sent.
type polledCounters struct {
	counters  line.Counters
	startedAt time.Time
}

// applyCounters publishes c and feeds it to the rework detector. accept,
// when set, runs under the store lock and may veto stale counters.
func (e *Engine) applyCounters(c line.Counters, accept func() bool) {
	var kinds []detect.Kind
	e.update(func(s *State) {
		if accept != nil && !accept() {
			return
		}
		s.Aggregated = c
		// observed under the store lock so the detector sees counters in
		// publication order
		kinds = e.detector.Observe(c)
	})
	for _, k := range kinds {
		e.startLookup(k)
	}
}

func (e *Engine) handlePush(records []line.Record) {
	e.mu.Lock()
	f := e.filter
	e.mu.Unlock()

	// the broadcast is live data and cannot honor a date range
	if f.HasDateFilter() {
		return
	}
	arrived := time.Now()
	e.applyCounters(line.Aggregate(records, e.cfg.line, f.WorkOrder), func() bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.lastPushAt = arrived
		return true
	})

	// push data ends loading but leaves poll errors standing
	e.update(func(s *State) {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.pending, taskCounters)
		s.IsLoading = len(e.pending) > 0
	})
}

func (e *Engine) handleStatus(s stream.Status) {
	e.update(func(st *State) { st.Connection = s })
}

// registerTasks (re)creates the poll tasks for the current filter.
func (e *Engine) registerTasks() {
	e.taskMu.Lock()
	defer e.taskMu.Unlock()

	e.mu.Lock()
	f := e.filter
	e.pending[taskCounters] = true
	e.pending[taskWorkOrder] = true
	clear(e.taskErrs)
	e.mu.Unlock()
	e.update(func(s *State) {
		s.IsLoading = true
		s.IsError = false
		s.LastError = ""
	})

	key := f.Key(e.cfg.line)
	q := f.query(e.cfg.line)
	lineID := e.cfg.line

	e.scheduler.Replace(poller.Task{
		Name:          taskCounters,
		Key:           taskCounters + "|" + key,
		Interval:      e.cfg.pollInterval,
		ErrorInterval: e.cfg.errorInterval,
		Do: func(ctx context.Context) (any, error) {
			started := time.Now()
			records, err := e.backend.LineMetrics(ctx, q)
			if err != nil {
				return nil, err
			}
			return polledCounters{
				counters:  line.Aggregate(records, lineID, q.WorkOrder),
				startedAt: started,
			}, nil
		},
	})
	e.scheduler.Replace(poller.Task{
		Name:          taskWorkOrder,
		Key:           taskWorkOrder + "|" + key,
		Interval:      e.cfg.workOrderInterval,
		ErrorInterval: e.cfg.errorInterval,
		Do: func(ctx context.Context) (any, error) {
			info, err := e.backend.WorkOrderInfo(ctx, q)
			if err != nil {
				return nil, err
			}
			return info, nil
		},
	})
}

func (e *Engine) handleResult(r poller.Result) {
	if r.Generation != e.scheduler.Generation(r.Task) {
		return
	}

	if r.Err != nil {
		e.logger.Warn("poll failed", "task", r.Task, "attempts", r.Attempts, "error", r.Err)
		e.settle(r.Task, r.Err)
		return
	}

	switch r.Task {
	case taskCounters:
		if p, ok := r.Value.(polledCounters); ok {
			e.applyCounters(p.counters, func() bool {
				e.mu.Lock()
				defer e.mu.Unlock()
				// a push that arrived while the fetch was in flight is newer
				if p.startedAt.Before(e.lastPushAt) {
					e.logger.Debug("stale poll dropped", "task", r.Task)
					return false
				}
				return true
			})
		}
	case taskWorkOrder:
		info, _ := r.Value.(*backend.WorkOrderInfo)
		e.update(func(s *State) { s.WorkOrder = info })
	}
	e.logger.Debug("poll completed", "task", r.Task, "cached", r.Cached, "latency_ms", r.Latency.Milliseconds())
	e.settle(r.Task, nil)
}

// settle records the outcome of a task run and recomputes the loading and
// error flags. A failure keeps the last good data.
func (e *Engine) settle(task string, err error) {
	e.update(func(s *State) {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.pending, task)
		if err != nil {
			e.taskErrs[task] = err
			s.LastError = err.Error()
		} else {
			delete(e.taskErrs, task)
		}
		s.IsLoading = len(e.pending) > 0
		s.IsError = len(e.taskErrs) > 0
		if !s.IsError {
			s.LastError = ""
		}
	})
}

// startLookup begins a garment lookup for kind, superseding any running one.
func (e *Engine) startLookup(kind detect.Kind) {
	e.mu.Lock()
	if e.runCtx == nil || e.backend == nil {
		e.mu.Unlock()
		return
	}
	if e.lookupCancel != nil {
		e.lookupCancel()
	}
	ctx, cancel := context.WithCancel(e.runCtx)
	e.lookupGen++
	gen := e.lookupGen
	e.lookupCancel = cancel
	e.lookupWG.Add(1)
	e.mu.Unlock()

	e.logger.Info("rework detected", "type", string(kind))
	e.update(func(s *State) {
		s.Notification = &Notification{Type: kind, Loading: true}
	})

	go func() {
		defer e.lookupWG.Done()
		defer cancel()

		fetch := func(ctx context.Context) ([]backend.TrackingItem, error) {
			return e.backend.Tracking(ctx, e.cfg.line)
		}
		item, err := e.lookup.Run(ctx, fetch, lookup.For(kind))
		if err != nil {
			e.metrics.Lookup(string(kind), telemetry.LookupCancelled)
			return
		}

		outcome := telemetry.LookupFound
		if item == nil {
			outcome = telemetry.LookupTimeout
		}
		e.metrics.Lookup(string(kind), outcome)

		n := Notification{Type: kind, Record: item}
		current := false
		e.update(func(s *State) {
			e.mu.Lock()
			defer e.mu.Unlock()
			if gen != e.lookupGen {
				return
			}
			current = true
			e.lookupCancel = nil
			s.Notification = &n
		})
		if !current {
			return
		}
		e.logger.Info("rework lookup finished", "type", string(kind), "found", item != nil)
		for _, cb := range e.cfg.notificationCallbacks {
			invokeCallbackSafe("notification", cb, n, e.logger)
		}
	}()
}

// invokeCallbackSafe calls a callback with panic recovery.
// Panics are logged but do not propagate.
func invokeCallbackSafe[T any](kind string, cb func(T), v T, logger *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("callback panicked", "callback", kind, "panic", r)
		}
	}()
	cb(v)
}
