// Package http contains the browser-facing handlers of the streaming
// bridge: SSE endpoints that expose backend-owned resources (terminal
// sessions, gateway chat runs) to short-lived push streams, plus the
// request/response control endpoints around them. Every stream performs
// exactly-once teardown no matter which side disconnects first.
package http
