package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	// sseWriteTimeout is the maximum time allowed for a single SSE write operation.
	// Must be <= shutdown timeout to ensure clean shutdown.
	sseWriteTimeout = 5 * time.Second

	shutdownTimeout = 5 * time.Second

	// maxBodyBytes caps request bodies.
	maxBodyBytes = 64 << 10
)

// Engine is the part of the engine the API drives. S is the state snapshot
// type and F the filter type; both must be JSON-serialisable.
type Engine[S, F any] interface {
	State() S
	Subscribe() <-chan S
	Unsubscribe(ch <-chan S)
	SetFilter(f F) error
	Connect()
	Disconnect()
	DismissNotification()
	WorkOrders(ctx context.Context) ([]string, error)
	Detail(ctx context.Context, card string) ([]json.RawMessage, error)
}

// Server handles HTTP requests for the local API.
type Server[S, F any] struct {
	engine     Engine[S, F]
	port       int
	gatherer   prometheus.Gatherer
	httpServer *http.Server
	addr       net.Addr
	logger     *slog.Logger
}

// NewServer creates a new HTTP [Server]. gatherer may be nil, in which case
// /metrics is not served. The server is not started until [Server.Start]
// is called.
func NewServer[S, F any](eng Engine[S, F], port int, gatherer prometheus.Gatherer, logger *slog.Logger) *Server[S, F] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server[S, F]{
		engine:   eng,
		port:     port,
		gatherer: gatherer,
		logger:   logger.With("component", "server"),
	}
}

// Handler returns the API router.
func (s *Server[S, F]) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Get("/state", s.handleState)
		r.Get("/sse", s.handleSSE)
		r.Post("/filter", s.handleFilter)
		r.Post("/connect", s.handleAction(s.engine.Connect))
		r.Post("/disconnect", s.handleAction(s.engine.Disconnect))
		r.Post("/notification/dismiss", s.handleAction(s.engine.DismissNotification))
		r.Get("/work-orders", s.handleWorkOrders)
		r.Get("/detail/{card}", s.handleDetail)
	})

	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

// Start begins serving HTTP requests in a background goroutine.
//
// Start is non-blocking and returns immediately after confirming the server
// is listening. The server will continue running until the context is
// cancelled, at which point it initiates a graceful shutdown.
//
// Returns an error if the server fails to bind to the configured port.
func (s *Server[S, F]) Start(ctx context.Context) error {
	// create listener first to verify port availability synchronously
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("failed to bind to port %d: %w", s.port, err)
	}
	s.addr = ln.Addr()

	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// request contexts derive from ctx so long-lived SSE handlers end
		// on shutdown
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("http server shutdown error", "error", err)
		}
	}()

	s.logger.Info("api listening", "addr", s.addr.String())
	return nil
}

// Addr returns the bound address once Start has succeeded.
func (s *Server[S, F]) Addr() net.Addr {
	return s.addr
}

func (s *Server[S, F]) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *Server[S, F]) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server[S, F]) handleState(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.State())
}

func (s *Server[S, F]) handleFilter(w http.ResponseWriter, r *http.Request) {
	var f F
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&f); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid filter: %w", err))
		return
	}
	if err := s.engine.SetFilter(f); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.engine.State())
}

func (s *Server[S, F]) handleAction(action func()) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		action()
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server[S, F]) handleWorkOrders(w http.ResponseWriter, r *http.Request) {
	wos, err := s.engine.WorkOrders(r.Context())
	if err != nil {
		s.logger.Warn("work order list failed", "error", err)
		s.writeError(w, http.StatusBadGateway, err)
		return
	}
	if wos == nil {
		wos = []string{}
	}
	s.writeJSON(w, http.StatusOK, map[string][]string{"work_orders": wos})
}

func (s *Server[S, F]) handleDetail(w http.ResponseWriter, r *http.Request) {
	card := chi.URLParam(r, "card")
	rows, err := s.engine.Detail(r.Context(), card)
	if err != nil {
		s.logger.Warn("detail fetch failed", "card", card, "error", err)
		s.writeError(w, http.StatusBadGateway, err)
		return
	}
	if rows == nil {
		rows = []json.RawMessage{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"card": card, "data": rows})
}

// handleSSE streams state snapshots via Server-Sent Events.
//
// Every write carries a deadline so that a slow or vanished client cannot
// block the handler past shutdown.
func (s *Server[S, F]) handleSSE(w http.ResponseWriter, r *http.Request) {
	if _, ok := w.(http.Flusher); !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	rc := http.NewResponseController(w)

	// may not be supported by some ResponseWriter impls
	deadlinesSupported := true

	writeAndFlush := func(data []byte) error {
		if deadlinesSupported {
			if err := rc.SetWriteDeadline(time.Now().Add(sseWriteTimeout)); err != nil {
				s.logger.Warn("sse write deadlines not supported", "error", err)
				deadlinesSupported = false
			}
		}

		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return err
		}
		return rc.Flush()
	}

	writeState := func(state S) error {
		data, err := json.Marshal(state)
		if err != nil {
			s.logger.Error("failed to encode state", "error", err)
			return nil
		}
		return writeAndFlush(data)
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	ch := s.engine.Subscribe()
	defer s.engine.Unsubscribe(ch)

	if err := writeState(s.engine.State()); err != nil {
		return
	}

	for {
		select {
		case state, ok := <-ch:
			if !ok {
				return
			}
			if err := writeState(state); err != nil {
				return
			}

		case <-r.Context().Done():
			// fires on both client disconnect and server shutdown
			return
		}
	}
}
