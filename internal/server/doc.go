// Package server provides the local HTTP API in front of the engine.
//
// Routes:
//
//   - GET  /api/state: current state snapshot as JSON
//   - GET  /api/sse: Server-Sent Events stream of state snapshots
//   - POST /api/filter: replace the filter with the JSON body
//   - POST /api/connect, /api/disconnect: drive the push connection
//   - POST /api/notification/dismiss: clear the rework notification
//   - GET  /api/work-orders: work orders seen on the line
//   - GET  /api/detail/{card}: garments behind one counter card, newest first
//   - GET  /metrics: Prometheus exposition, when a gatherer is configured
//
// The server supports graceful shutdown via context cancellation, with a
// 5-second timeout for in-flight requests.
package server
