package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentdeck/backend/internal/logging"
)

var (
	// ErrClosed is returned once the client has been shut down for good.
	ErrClosed = errors.New("gateway client closed")
	// ErrNotConnected is returned when a call fails because the connection
	// dropped before a response arrived.
	ErrNotConnected = errors.New("gateway not connected")
)

// State is the connectivity state of the client.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Event is one inbound event frame from the gateway. Listeners receive
// every event and filter by relevance themselves.
type Event struct {
	Name    string
	Payload json.RawMessage
}

// Listener receives gateway events. It runs on the read loop goroutine and
// must not block.
type Listener func(Event)

// Config configures a gateway client.
type Config struct {
	URL            string
	Token          string
	DialTimeout    time.Duration
	ReconnectDelay time.Duration

	// OnReconnect, when set, runs after every successful reconnect attempt
	// triggered by a dropped connection. Used for metrics.
	OnReconnect func()
}

// Client is the process-wide connection to the gateway. At most one
// physical websocket exists at a time; calls and event subscriptions from
// all concurrent handlers share it.
type Client struct {
	cfg Config
	log *logging.Logger

	mu           sync.Mutex
	conn         *websocket.Conn
	state        State
	closed       bool
	connectDone  chan struct{}
	pending      map[string]chan callResult
	listeners    map[int64]Listener
	nextListener int64
	nextCall     uint64

	// Per-run chat dispatch. Events for a claimed run go straight to its
	// channel; events for a not-yet-claimed run are stashed until OpenRun
	// picks them up.
	runs      map[string]chan ChatEvent
	unclaimed map[string][]ChatEvent

	writeMu sync.Mutex
}

type callResult struct {
	payload json.RawMessage
	err     error
}

// Wire frames. The gateway speaks a minimal JSON-RPC dialect: requests and
// responses correlated by id, plus unsolicited event frames.
type requestFrame struct {
	Type   string      `json:"type"`
	ID     string      `json:"id"`
	Method string      `json:"method"`
	Params interface{} `json:"params,omitempty"`
}

type inboundFrame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	OK      bool            `json:"ok,omitempty"`
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *frameError     `json:"error,omitempty"`
}

type frameError struct {
	Message string `json:"message"`
}

// New creates a client. No connection is made until the first use.
func New(cfg Config, log *logging.Logger) *Client {
	if log == nil {
		log = logging.NewNop()
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.ReconnectDelay == 0 {
		cfg.ReconnectDelay = 2 * time.Second
	}
	return &Client{
		cfg:       cfg,
		log:       log,
		pending:   make(map[string]chan callResult),
		listeners: make(map[int64]Listener),
		runs:      make(map[string]chan ChatEvent),
		unclaimed: make(map[string][]ChatEvent),
	}
}

// State returns the current connectivity state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// EnsureConnected establishes the connection if necessary. Idempotent;
// concurrent callers share one dial attempt.
func (c *Client) EnsureConnected(ctx context.Context) error {
	for {
		c.mu.Lock()
		switch {
		case c.closed:
			c.mu.Unlock()
			return ErrClosed
		case c.state == StateConnected:
			c.mu.Unlock()
			return nil
		case c.state == StateConnecting:
			wait := c.connectDone
			c.mu.Unlock()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-wait:
			}
			// Re-check: the shared attempt may have failed.
		default:
			c.state = StateConnecting
			done := make(chan struct{})
			c.connectDone = done
			c.mu.Unlock()

			conn, err := c.dial(ctx)

			c.mu.Lock()
			close(done)
			if err != nil {
				c.state = StateDisconnected
				c.mu.Unlock()
				return fmt.Errorf("failed to connect to gateway: %w", err)
			}
			if c.closed {
				c.mu.Unlock()
				conn.Close()
				return ErrClosed
			}
			c.conn = conn
			c.state = StateConnected
			c.mu.Unlock()

			c.log.Info("gateway connected", zap.String("url", c.cfg.URL))
			go c.readLoop(conn)
			return nil
		}
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.cfg.URL, header)
	return conn, err
}

// Call sends a request and waits for the matching response. Concurrent
// calls are independent and share the one connection. The context bounds
// the whole exchange.
func (c *Client) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	if err := c.EnsureConnected(ctx); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if c.conn == nil || c.state != StateConnected {
		// The connection dropped between EnsureConnected and here; the
		// read loop already nilled it out.
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	c.nextCall++
	callID := fmt.Sprintf("c%d", c.nextCall)
	ch := make(chan callResult, 1)
	c.pending[callID] = ch
	conn := c.conn
	c.mu.Unlock()

	frame, err := sonic.Marshal(requestFrame{
		Type:   "req",
		ID:     callID,
		Method: method,
		Params: params,
	})
	if err != nil {
		c.dropPending(callID)
		return nil, fmt.Errorf("failed to encode %s request: %w", method, err)
	}

	c.writeMu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, frame)
	c.writeMu.Unlock()
	if err != nil {
		c.dropPending(callID)
		return nil, fmt.Errorf("%w: %s write failed: %v", ErrNotConnected, method, err)
	}

	select {
	case <-ctx.Done():
		c.dropPending(callID)
		return nil, ctx.Err()
	case res := <-ch:
		return res.payload, res.err
	}
}

// Subscribe registers a listener for every inbound non-chat event frame.
// Chat events are dispatched by run id instead; see OpenRun. The returned
// function removes the listener; calling it more than once is a no-op.
func (c *Client) Subscribe(fn Listener) (unsubscribe func()) {
	c.mu.Lock()
	c.nextListener++
	key := c.nextListener
	c.listeners[key] = fn
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.listeners, key)
			c.mu.Unlock()
		})
	}
}

// Close shuts the client down for good: the connection is torn down, all
// in-flight calls fail, and no reconnect is attempted.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.state = StateDisconnected
	runs := c.runs
	c.runs = make(map[string]chan ChatEvent)
	c.unclaimed = make(map[string][]ChatEvent)
	c.mu.Unlock()

	for _, ch := range runs {
		close(ch)
	}
	c.failPending(ErrClosed)
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// readLoop pumps frames off one physical connection until it dies, then
// hands off to the reconnect loop.
func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(conn, err)
			return
		}

		var frame inboundFrame
		if err := sonic.Unmarshal(data, &frame); err != nil {
			c.log.Warn("gateway sent undecodable frame", zap.Error(err))
			continue
		}

		switch frame.Type {
		case "res":
			c.resolveCall(frame)
		case "event":
			c.dispatchEvent(Event{Name: frame.Event, Payload: frame.Payload})
		default:
			c.log.Debug("gateway sent unknown frame type", zap.String("type", frame.Type))
		}
	}
}

func (c *Client) resolveCall(frame inboundFrame) {
	c.mu.Lock()
	ch, ok := c.pending[frame.ID]
	delete(c.pending, frame.ID)
	c.mu.Unlock()
	if !ok {
		return
	}

	if frame.Error != nil {
		ch <- callResult{err: fmt.Errorf("gateway error: %s", frame.Error.Message)}
		return
	}
	ch <- callResult{payload: frame.Payload}
}

func (c *Client) dispatchEvent(ev Event) {
	// Chat events are routed by run id; everything else fans out to the
	// generic listeners.
	if ce, ok := DecodeChatEvent(ev); ok {
		c.routeRunEvent(*ce)
		return
	}

	c.mu.Lock()
	listeners := make([]Listener, 0, len(c.listeners))
	for _, fn := range c.listeners {
		listeners = append(listeners, fn)
	}
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(ev)
	}
}

// handleDisconnect marks the connection dead, fails in-flight calls, and
// keeps retrying in the background until the client is closed.
func (c *Client) handleDisconnect(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		// A newer connection already took over.
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.state = StateDisconnected
	closed := c.closed
	c.mu.Unlock()

	conn.Close()
	c.failPending(ErrNotConnected)

	if closed {
		return
	}
	if isExpectedClose(err) {
		c.log.Info("gateway connection closed", zap.Error(err))
	} else {
		c.log.Warn("gateway connection lost", zap.Error(err))
	}

	go c.reconnectLoop()
}

func (c *Client) reconnectLoop() {
	for {
		time.Sleep(c.cfg.ReconnectDelay)

		c.mu.Lock()
		if c.closed || c.state != StateDisconnected {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		err := c.EnsureConnected(context.Background())
		if err == nil {
			if c.cfg.OnReconnect != nil {
				c.cfg.OnReconnect()
			}
			return
		}
		if errors.Is(err, ErrClosed) {
			return
		}
		c.log.Warn("gateway reconnect failed", zap.Error(err))
	}
}

func (c *Client) failPending(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]chan callResult)
	c.mu.Unlock()
	for _, ch := range pending {
		ch <- callResult{err: err}
	}
}

func (c *Client) dropPending(callID string) {
	c.mu.Lock()
	delete(c.pending, callID)
	c.mu.Unlock()
}

// isExpectedClose classifies connection errors that accompany a normal
// gateway shutdown or restart, as opposed to a failure worth alerting on.
func isExpectedClose(err error) bool {
	if err == nil {
		return true
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return true
	}
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	return false
}
