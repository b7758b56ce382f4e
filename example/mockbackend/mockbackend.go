// Package mockbackend simulates the production backend for local demos:
// a WebSocket broadcast of every line's counters plus the REST endpoints
// the engine polls. Counters drift upward on every tick and a rework
// occasionally appears together with a fresh tracking record.
package mockbackend

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/jpalmerr/linepulse/internal/line"
)

// TimestampLayout is the local-time layout used in tracking records.
const TimestampLayout = "2006-01-02 15:04:05"

type lineState struct {
	id        string
	workOrder string
	buyer     string
	counters  map[line.Field]int64
}

type trackingItem struct {
	RFID       string `json:"rfid_garment"`
	WorkOrder  string `json:"wo"`
	Stage      string `json:"bagian"`
	LastStatus string `json:"last_status"`
	Timestamp  string `json:"timestamp"`
	Line       string `json:"line"`
	Buyer      string `json:"buyer"`
}

// Backend is an in-memory production backend.
type Backend struct {
	mu       sync.Mutex
	lines    []*lineState
	tracking []trackingItem
	clients  map[*websocket.Conn]struct{}

	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// New creates a backend with lines 1 to n.
func New(n int, logger *slog.Logger) *Backend {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Backend{
		clients:  make(map[*websocket.Conn]struct{}),
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		logger:   logger.With("component", "mockbackend"),
	}
	buyers := []string{"ACME", "Northwind", "Globex"}
	for i := 1; i <= n; i++ {
		b.lines = append(b.lines, &lineState{
			id:        strconv.Itoa(i),
			workOrder: strconv.Itoa(185229 + i),
			buyer:     buyers[(i-1)%len(buyers)],
			counters:  make(map[line.Field]int64),
		})
	}
	return b
}

// Handler routes the WebSocket and REST endpoints.
func (b *Backend) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/ws/wira-dashboard", b.handleWS)
	r.Get("/wira", b.handleWira)
	r.Get("/monitoring/line", b.handleMonitoring)
	r.Get("/tracking/rfid_garment", b.handleTracking)
	r.Get("/wira/detail", b.handleDetail)
	return r
}

// Run advances the simulation every tick until ctx is done.
func (b *Backend) Run(ctx context.Context, tick time.Duration) {
	t := time.NewTicker(tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			b.closeClients()
			return
		case <-t.C:
			b.step()
			b.broadcast()
		}
	}
}

func (b *Backend) step() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, l := range b.lines {
		l.counters[line.Good] += int64(rand.Intn(4))
		l.counters[line.PQCGood] += int64(rand.Intn(3))
		l.counters[line.Output] += int64(rand.Intn(4))
		if rand.Intn(10) == 0 {
			l.counters[line.Reject]++
		}

		var stage, status string
		switch rand.Intn(25) {
		case 0:
			l.counters[line.Rework]++
			stage, status = "QC", "REWORK"
		case 1:
			l.counters[line.PQCRework]++
			stage, status = "PQC", "PQC_REWORK"
		default:
			continue
		}

		item := trackingItem{
			RFID:       uuid.NewString()[:8],
			WorkOrder:  l.workOrder,
			Stage:      stage,
			LastStatus: status,
			Timestamp:  time.Now().Format(TimestampLayout),
			Line:       l.id,
			Buyer:      l.buyer,
		}
		b.tracking = append(b.tracking, item)
		b.logger.Info("rework", "line", l.id, "stage", stage, "rfid", item.RFID)
	}
}

func (b *Backend) records() []line.Record {
	out := make([]line.Record, 0, len(b.lines))
	for _, l := range b.lines {
		raw := make(map[line.Field]string, len(l.counters))
		for f, v := range l.counters {
			raw[f] = strconv.FormatInt(v, 10)
		}
		out = append(out, line.NewRecord(l.id, l.workOrder, raw))
	}
	return out
}

func (b *Backend) envelope() []byte {
	b.mu.Lock()
	recs := b.records()
	b.mu.Unlock()

	body, err := json.Marshal(map[string]any{"success": true, "data": recs})
	if err != nil {
		b.logger.Error("failed to encode records", "error", err)
		return nil
	}
	return body
}

func (b *Backend) broadcast() {
	msg := b.envelope()
	if msg == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.clients {
		_ = c.SetWriteDeadline(time.Now().Add(time.Second))
		if err := c.WriteMessage(websocket.TextMessage, msg); err != nil {
			_ = c.Close()
			delete(b.clients, c)
		}
	}
}

func (b *Backend) closeClients() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.clients {
		_ = c.Close()
		delete(b.clients, c)
	}
}

func (b *Backend) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	b.mu.Lock()
	b.clients[conn] = struct{}{}
	b.mu.Unlock()
	b.logger.Info("client connected", "remote", r.RemoteAddr)

	// drain reads so close frames are processed
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			b.mu.Lock()
			delete(b.clients, conn)
			b.mu.Unlock()
			_ = conn.Close()
			return
		}
	}
}

func (b *Backend) handleWira(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, b.envelope())
}

func (b *Backend) handleMonitoring(w http.ResponseWriter, r *http.Request) {
	want := line.NormalizeID(r.URL.Query().Get("line"))
	b.mu.Lock()
	match := line.Match(b.records(), want, "")
	b.mu.Unlock()

	body, _ := json.Marshal(map[string]any{"success": true, "data": match})
	writeJSON(w, body)
}

func (b *Backend) handleTracking(w http.ResponseWriter, r *http.Request) {
	want := line.NormalizeID(r.URL.Query().Get("line"))
	b.mu.Lock()
	items := make([]trackingItem, 0)
	for _, it := range b.tracking {
		if line.SameLine(it.Line, want) {
			items = append(items, it)
		}
	}
	b.mu.Unlock()

	body, _ := json.Marshal(map[string]any{"success": true, "data": items})
	writeJSON(w, body)
}

// handleDetail lists the tracked garments of one line whose last status
// matches the requested card, e.g. "rework" or "pqc_rework".
func (b *Backend) handleDetail(w http.ResponseWriter, r *http.Request) {
	want := line.NormalizeID(r.URL.Query().Get("line"))
	status := r.URL.Query().Get("status")
	b.mu.Lock()
	items := make([]trackingItem, 0)
	for _, it := range b.tracking {
		if line.SameLine(it.Line, want) && strings.EqualFold(it.LastStatus, status) {
			items = append(items, it)
		}
	}
	b.mu.Unlock()

	body, _ := json.Marshal(map[string]any{"status": "success", "data": items})
	writeJSON(w, body)
}

func writeJSON(w http.ResponseWriter, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}
