// Package poller runs the REST side of linepulse.
//
// The main components are:
//
//   - [Client]: pooled HTTP client with per-request timeouts, default headers
//     and a 1MB body cap
//   - [Scheduler]: tick-and-check loop running [Task] values with retries,
//     error-interval backoff, generation tokens and a short result cache
//   - [Result]: outcome of one scheduled run
//
// Consumers register tasks with [Scheduler.Replace] and read
// [Scheduler.Results]; the engine in the root package is the only caller.
package poller
