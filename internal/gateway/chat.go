package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/bytedance/sonic"
)

// Gateway method and event names used by the chat bridge.
const (
	MethodChatSend = "chat.send"
	EventChat      = "chat"
)

// Run terminal states carried in chat events. A run reaches at most one of
// these, and it ends the stream.
const (
	RunStateFinal   = "final"
	RunStateAborted = "aborted"
	RunStateError   = "error"
)

// Attachment is one normalized chat attachment.
type Attachment struct {
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
	Content     string `json:"content"` // base64
	DataURL     string `json:"dataUrl,omitempty"`
}

// SendParams are the parameters of a chat.send call.
type SendParams struct {
	SessionKey     string       `json:"sessionKey"`
	Message        string       `json:"message"`
	Thinking       string       `json:"thinking,omitempty"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	IdempotencyKey string       `json:"idempotencyKey"`
}

// SendResult is the gateway's response to chat.send.
type SendResult struct {
	RunID string `json:"runId"`
}

// SendChat issues the chat.send call. The idempotency key makes a retried
// send recognizable as the same logical operation.
func (c *Client) SendChat(ctx context.Context, params SendParams) (*SendResult, error) {
	payload, err := c.Call(ctx, MethodChatSend, params)
	if err != nil {
		return nil, err
	}
	var res SendResult
	if err := sonic.Unmarshal(payload, &res); err != nil {
		return nil, fmt.Errorf("failed to decode chat.send result: %w", err)
	}
	return &res, nil
}

// ChatEvent is the decoded payload of a "chat" event frame. Events for
// different runs interleave on the shared connection; consumers filter by
// RunID.
type ChatEvent struct {
	RunID  string `json:"runId"`
	Stream string `json:"stream,omitempty"` // assistant | tool | thinking
	Text   string `json:"text,omitempty"`

	// Tool-stream fields.
	Phase      string          `json:"phase,omitempty"`
	Name       string          `json:"name,omitempty"`
	ToolCallID string          `json:"toolCallId,omitempty"`
	Args       json.RawMessage `json:"args,omitempty"`

	// Terminal state, when present: final | aborted | error.
	State        string `json:"state,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// Terminal reports whether the event carries a run-ending state.
func (e *ChatEvent) Terminal() bool {
	switch e.State {
	case RunStateFinal, RunStateAborted, RunStateError:
		return true
	}
	return false
}

// DecodeChatEvent decodes a chat event payload. Returns false when the
// frame is not a chat event or its payload does not parse.
func DecodeChatEvent(ev Event) (*ChatEvent, bool) {
	if ev.Name != EventChat || len(ev.Payload) == 0 {
		return nil, false
	}
	var ce ChatEvent
	if err := sonic.Unmarshal(ev.Payload, &ce); err != nil {
		return nil, false
	}
	return &ce, true
}

// Bounds on the stash of events whose run has not been claimed yet. A run
// is only unclaimed for the gap between the gateway emitting its first
// event and the sender calling OpenRun, so both bounds are generous.
const (
	maxUnclaimedRuns = 32
	maxStashPerRun   = 64
	defaultRunBuffer = 256
)

// OpenRun claims the event feed for one run. Events that arrived between
// the chat.send response and this call are replayed first, then live events
// follow; the client never delivers another run's events on the channel.
// The cancel function closes the feed and discards the claim; calling it
// more than once is a no-op. The channel is also closed by Client.Close.
func (c *Client) OpenRun(runID string, buffer int) (<-chan ChatEvent, func()) {
	if buffer <= 0 {
		buffer = defaultRunBuffer
	}
	ch := make(chan ChatEvent, buffer)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	stash := c.unclaimed[runID]
	delete(c.unclaimed, runID)
	for _, ce := range stash {
		select {
		case ch <- ce:
		default:
		}
	}
	c.runs[runID] = ch
	c.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			c.mu.Lock()
			feed, ok := c.runs[runID]
			delete(c.runs, runID)
			c.mu.Unlock()
			if ok {
				close(feed)
			}
		})
	}
	return ch, cancel
}

// ActiveRuns returns the number of claimed run feeds.
func (c *Client) ActiveRuns() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.runs)
}

// routeRunEvent delivers a chat event to its run's feed, or stashes it when
// the run has not been claimed yet. Delivery never blocks; a full feed
// drops rather than stalling every other run on the shared connection.
func (c *Client) routeRunEvent(ce ChatEvent) {
	if ce.RunID == "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if ch, ok := c.runs[ce.RunID]; ok {
		select {
		case ch <- ce:
		default:
		}
		return
	}

	if _, ok := c.unclaimed[ce.RunID]; !ok && len(c.unclaimed) >= maxUnclaimedRuns {
		// Evict an arbitrary stale run rather than grow without bound.
		for stale := range c.unclaimed {
			delete(c.unclaimed, stale)
			break
		}
	}
	if len(c.unclaimed[ce.RunID]) < maxStashPerRun {
		c.unclaimed[ce.RunID] = append(c.unclaimed[ce.RunID], ce)
	}
}
