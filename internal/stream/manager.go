package stream

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"github.com/jpalmerr/linepulse/internal/backoff"
	"github.com/jpalmerr/linepulse/internal/dedup"
	"github.com/jpalmerr/linepulse/internal/line"
	"github.com/jpalmerr/linepulse/internal/telemetry"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 << 20

	// manualCloseReason is sent with close code 1000 on Disconnect.
	manualCloseReason = "manual disconnect"
)

// Default reconnect policy.
const (
	DefaultBaseDelay   = 3 * time.Second
	DefaultMaxDelay    = 30 * time.Second
	DefaultMaxAttempts = 10
)

// Config configures a [Manager].
type Config struct {
	// URL is the ws:// or wss:// endpoint.
	URL string

	// Header is sent with the opening handshake.
	Header http.Header

	// BaseDelay, MaxDelay and MaxAttempts control reconnect backoff.
	// Zero values use the package defaults.
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int

	// DisableReconnect turns off automatic reconnects after abnormal closes.
	DisableReconnect bool

	// OnData receives every snapshot that passed the dedup filter.
	OnData func([]line.Record)

	// OnError receives *ParseError and *ConnectionError values.
	OnError func(error)

	// OnStatus receives every status change.
	OnStatus func(Status)

	Logger  *slog.Logger
	Metrics *telemetry.Metrics

	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer
}

// Manager owns the WebSocket lifecycle for one endpoint.
//
// Connect and Disconnect are safe for concurrent use. Callbacks are invoked
// from the manager's goroutines and must not block for long.
type Manager struct {
	cfg    Config
	logger *slog.Logger
	filter dedup.Filter

	mu       sync.Mutex
	status   Status
	ctx      context.Context
	conn     *websocket.Conn
	timer    *time.Timer
	gen      uint64 // bumped on every dial and on Disconnect
	snapshot []line.Record
	wg       sync.WaitGroup
}

// NewManager creates a disconnected [Manager].
func NewManager(cfg Config) *Manager {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultMaxDelay
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:    cfg,
		logger: logger.With("component", "stream"),
	}
}

// Status returns the current connection status.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Snapshot returns a copy of the last accepted record set.
func (m *Manager) Snapshot() []line.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.snapshot == nil {
		return nil
	}
	out := make([]line.Record, len(m.snapshot))
	copy(out, m.snapshot)
	return out
}

// Connect opens the socket unless one is already open or being opened.
// ctx bounds the whole session, reconnects included; when it is cancelled
// the manager disconnects. A Connect after the reconnect cap was reached
// starts over from attempt zero.
func (m *Manager) Connect(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	m.mu.Lock()
	next, ok := transition(m.status, evConnect, m.cfg.MaxAttempts)
	if !ok {
		m.mu.Unlock()
		return
	}
	m.stopTimerLocked()
	m.ctx = ctx
	gen := m.setLocked(next, evConnect)
	m.mu.Unlock()

	m.emit(next)
	m.dial(ctx, gen)
}

// Disconnect closes the socket with code 1000, cancels any pending
// reconnect and resets the attempt counter. It is idempotent.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	prev := m.status
	next, _ := transition(m.status, evDisconnect, m.cfg.MaxAttempts)
	m.stopTimerLocked()
	m.gen++
	conn := m.conn
	m.conn = nil
	m.status = next
	m.mu.Unlock()

	if conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, manualCloseReason)
		if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil {
			m.logger.Debug("close frame not sent", "error", err)
		}
		_ = conn.Close()
	}
	if prev != next {
		m.cfg.Metrics.ConnectionState(int(next.State))
		m.emit(next)
	}
}

// Wait blocks until every connection goroutine has exited.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// setLocked applies a transition result and starts a new connection
// generation when the event begins a dial.
func (m *Manager) setLocked(s Status, ev event) uint64 {
	m.logger.Debug("connection transition", "event", ev.String(), "from", m.status.State.String(), "to", s.State.String(), "attempt", s.Attempt)
	m.status = s
	m.cfg.Metrics.ConnectionState(int(s.State))
	if ev == evConnect || ev == evTimerFired {
		m.gen++
	}
	return m.gen
}

func (m *Manager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Manager) emit(s Status) {
	if m.cfg.OnStatus != nil {
		m.cfg.OnStatus(s)
	}
}

func (m *Manager) report(err error) {
	if m.cfg.OnError != nil {
		m.cfg.OnError(err)
	}
}

func (m *Manager) dial(ctx context.Context, gen uint64) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		conn, _, err := m.cfg.Dialer.DialContext(ctx, m.cfg.URL, m.cfg.Header)
		if err != nil {
			cerr := &ConnectionError{URL: m.cfg.URL, Err: err}
			m.logger.Warn("websocket dial failed", "url", m.cfg.URL, "error", err)
			m.report(cerr)
			m.closed(gen, evDialFailed, websocket.CloseAbnormalClosure, cerr)
			return
		}

		m.mu.Lock()
		if gen != m.gen {
			m.mu.Unlock()
			_ = conn.Close()
			return
		}
		next, _ := transition(m.status, evOpen, m.cfg.MaxAttempts)
		m.setLocked(next, evOpen)
		m.conn = conn
		m.mu.Unlock()

		m.filter.Reset()
		m.logger.Info("websocket connected", "url", m.cfg.URL)
		m.emit(next)

		done := make(chan struct{})
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.keepalive(ctx, conn, gen, done)
		}()
		m.readLoop(conn, gen)
		close(done)
	}()
}

// keepalive pings the peer and disconnects when ctx ends.
func (m *Manager) keepalive(ctx context.Context, conn *websocket.Conn, gen uint64, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			m.mu.Lock()
			current := gen == m.gen
			m.mu.Unlock()
			if current {
				m.Disconnect()
			}
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				m.logger.Debug("ping failed", "error", err)
				return
			}
		}
	}
}

func (m *Manager) readLoop(conn *websocket.Conn, gen uint64) {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			code := websocket.CloseAbnormalClosure
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				code = ce.Code
			} else if m.isCurrent(gen) {
				cerr := &ConnectionError{URL: m.cfg.URL, Err: err}
				m.logger.Warn("websocket read failed", "error", err)
				m.report(cerr)
			}
			_ = conn.Close()
			m.closed(gen, evClosed, code, err)
			return
		}
		m.handleMessage(msg)
	}
}

func (m *Manager) isCurrent(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return gen == m.gen
}

// closed moves a connection of generation gen to Disconnected and decides
// whether to reconnect. Closes of superseded generations are ignored.
func (m *Manager) closed(gen uint64, ev event, code int, cause error) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	next, ok := transition(m.status, ev, m.cfg.MaxAttempts)
	if !ok {
		m.mu.Unlock()
		return
	}
	if cause != nil && code != websocket.CloseNormalClosure {
		next.LastError = cause.Error()
	}
	m.setLocked(next, ev)
	emitted := []Status{next}

	ctx := m.ctx
	reconnect := code != websocket.CloseNormalClosure && !m.cfg.DisableReconnect && (ctx == nil || ctx.Err() == nil)
	if reconnect {
		if s, scheduled := m.scheduleLocked(); scheduled {
			emitted = append(emitted, s)
		}
	}
	m.mu.Unlock()

	m.logger.Info("websocket closed", "code", code, "reconnect", reconnect)
	for _, s := range emitted {
		m.emit(s)
	}
}

// scheduleLocked arms the reconnect timer. It reports false when the
// attempt cap has been reached.
func (m *Manager) scheduleLocked() (Status, bool) {
	delay := backoff.Exponential(m.status.Attempt, m.cfg.BaseDelay, m.cfg.MaxDelay)
	next, ok := transition(m.status, evSchedule, m.cfg.MaxAttempts)
	if !ok {
		m.logger.Warn("reconnect attempts exhausted", "max_attempts", m.cfg.MaxAttempts)
		return m.status, false
	}
	m.setLocked(next, evSchedule)
	m.cfg.Metrics.ReconnectScheduled()
	m.logger.Info("reconnect scheduled", "attempt", next.Attempt, "delay", delay)

	gen := m.gen
	m.timer = time.AfterFunc(delay, func() { m.fire(gen) })
	return next, true
}

func (m *Manager) fire(gen uint64) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	ctx := m.ctx
	if ctx != nil && ctx.Err() != nil {
		m.mu.Unlock()
		return
	}
	next, ok := transition(m.status, evTimerFired, m.cfg.MaxAttempts)
	if !ok {
		m.mu.Unlock()
		return
	}
	newGen := m.setLocked(next, evTimerFired)
	m.mu.Unlock()

	m.emit(next)
	if ctx == nil {
		ctx = context.Background()
	}
	m.dial(ctx, newGen)
}

// handleMessage decodes one broadcast. Only {"success": true, "data": [...]}
// envelopes are considered; anything else is ignored.
func (m *Manager) handleMessage(msg []byte) {
	if !gjson.ValidBytes(msg) {
		m.cfg.Metrics.Message(telemetry.MessageParseError)
		perr := &ParseError{Size: len(msg), Err: errors.New("invalid JSON")}
		m.logger.Warn("websocket message rejected", "error", perr)
		m.report(perr)
		return
	}

	env := gjson.ParseBytes(msg)
	data := env.Get("data")
	if env.Get("success").Type != gjson.True || !data.IsArray() {
		m.cfg.Metrics.Message(telemetry.MessageIgnored)
		m.logger.Debug("websocket envelope ignored", "success", env.Get("success").Raw, "data_type", data.Type.String())
		return
	}

	records := make([]line.Record, 0, len(data.Array()))
	data.ForEach(func(_, v gjson.Result) bool {
		if v.IsObject() {
			records = append(records, line.RecordFromJSON(v))
		}
		return true
	})

	if !m.filter.Accept(records) {
		m.cfg.Metrics.Message(telemetry.MessageDuplicate)
		return
	}
	m.cfg.Metrics.Message(telemetry.MessageAccepted)

	m.mu.Lock()
	m.snapshot = records
	m.mu.Unlock()

	if m.cfg.OnData != nil {
		m.cfg.OnData(records)
	}
}
