// Package linepulse keeps the real-time dashboard state of one production
// line consistent across a WebSocket broadcast and REST polling.
//
// The broadcast carries raw metric records for every line; polling fetches
// records scoped to one line, work order and optional date range. Both are
// reduced to the same [Counters] for the configured line, repeated
// broadcasts are suppressed by fingerprint, and a rework counter that moves
// up by exactly one starts a short lookup for the garment responsible.
// Consumers read a single [State] value, by polling [Engine.State], by
// subscribing, through callbacks, or over the optional local HTTP API.
//
// # Quick Start
//
//	e, err := linepulse.New(
//	    linepulse.WithLine("LINE 3"),
//	    linepulse.WithWebSocketURL("ws://10.8.0.104:7000/ws/wira-dashboard"),
//	    linepulse.WithAPIBaseURL("http://10.8.0.104:7000"),
//	    linepulse.WithAPIKey(os.Getenv("LINEPULSE_API_KEY")),
//	    linepulse.WithPort(8080),
//	)
//	if err != nil {
//	    return err
//	}
//
//	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
//	defer stop()
//
//	return e.Start(ctx) // blocks until ctx is cancelled
//
// # Filters
//
// [Filter] narrows the data to a work order and, once applied, a date
// range. Editing a date deactivates the range so that nothing is refetched
// until [Filter.ApplyDateFilter] is called:
//
//	f := e.Filter().WithDateFrom("2024-03-01").WithDateTo("2024-03-05")
//	_ = e.SetFilter(f)                   // no refetch yet
//	_ = e.SetFilter(f.ApplyDateFilter()) // refetch for the range
//
// # Errors
//
// Transport failures never escape the engine. Connection problems show up
// in [State].Connection and fetch problems as [State].IsError with the last
// good counters retained. The error values [ErrConnection], [ErrParse] and
// [ErrFetch] classify what the logs and metrics report.
//
// # Architecture
//
// The engine is built from internal packages:
//
//   - internal/line: record decoding, line id normalization, aggregation
//   - internal/dedup: payload fingerprints
//   - internal/stream: WebSocket lifecycle with capped exponential backoff
//   - internal/poller: tick-and-check poll scheduler with retries and caching
//   - internal/backend: REST client for the production API
//   - internal/detect, internal/lookup: rework detection and garment lookup
//   - internal/store: state snapshot with pub/sub
//   - internal/server: local HTTP API with Server-Sent Events
//   - internal/telemetry: Prometheus collectors
package linepulse
