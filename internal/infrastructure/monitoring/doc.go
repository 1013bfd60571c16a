// Package monitoring provides Prometheus metrics for the streaming bridge:
// HTTP request latency, live terminal sessions and streams, chat run
// outcomes, and gateway call/reconnect counters. Wire the Middleware into
// the router and expose promhttp on /metrics.
package monitoring
