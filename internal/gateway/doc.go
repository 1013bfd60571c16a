// Package gateway maintains the single persistent connection to the agent
// gateway service. The Client multiplexes request/response calls and a
// broadcast event feed over one websocket: concurrent calls are correlated
// by request id, every registered listener sees every inbound event, and
// reconnection is the client's own concern. Callers borrow the connection;
// they never own or terminate it.
package gateway
