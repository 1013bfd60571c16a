package http

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentdeck/backend/internal/gateway"
)

const (
	maxAttachments       = 8
	maxAttachmentBytes   = 5 << 20
	defaultSessionKey    = "main"
	chatEventBuffer      = 256
	defaultAttachmentFmt = "attachment-%d"
)

// chatSendRequest is the body of a chat stream request.
type chatSendRequest struct {
	SessionKey     string                  `json:"sessionKey"`
	FriendlyID     string                  `json:"friendlyId"`
	Message        string                  `json:"message"`
	Thinking       string                  `json:"thinking"`
	Attachments    []chatAttachmentRequest `json:"attachments"`
	IdempotencyKey string                  `json:"idempotencyKey"`
}

type chatAttachmentRequest struct {
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
	Content     string `json:"content"` // base64
	DataURL     string `json:"dataUrl"`
}

// ChatStream issues one chat send and relays the run's gateway events to
// the client as SSE until a terminal state, a timeout, or disconnect.
//
// Run events racing the send response are stashed inside the gateway
// client and replayed when the feed is claimed, so none are missed.
func (h *Handlers) ChatStream(c *gin.Context) {
	var req chatSendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if strings.TrimSpace(req.Message) == "" && len(req.Attachments) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message or attachments required"})
		return
	}

	attachments, err := normalizeAttachments(req.Attachments)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sessionKey := req.SessionKey
	if sessionKey == "" {
		sessionKey = req.FriendlyID
	}
	if sessionKey == "" {
		sessionKey = defaultSessionKey
	}

	idemKey := req.IdempotencyKey
	if idemKey == "" {
		idemKey = uuid.NewString()
	}

	sw, err := newStreamWriter(c)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if h.metrics != nil {
		h.metrics.ChatStreamsActive.Inc()
		defer h.metrics.ChatStreamsActive.Dec()
	}

	callCtx, cancel := context.WithTimeout(c.Request.Context(), h.callTimeout)
	defer cancel()

	var result *gateway.SendResult
	start := time.Now()
	sendErr := h.breaker.Do(func() error {
		res, err := h.gw.SendChat(callCtx, gateway.SendParams{
			SessionKey:     sessionKey,
			Message:        req.Message,
			Thinking:       req.Thinking,
			Attachments:    attachments,
			IdempotencyKey: idemKey,
		})
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	if h.metrics != nil {
		status := "ok"
		if sendErr != nil {
			status = "error"
		}
		h.metrics.RecordGatewayCall(gateway.MethodChatSend, status, time.Since(start))
	}
	if sendErr != nil {
		h.log.Warn("chat send failed", zap.Error(sendErr))
		sw.send("error", gin.H{"message": sendErr.Error()}) //nolint:errcheck
		return
	}

	runID := result.RunID

	// Claim the run's event feed. Events that raced the send response were
	// stashed by the gateway client and replay here in order.
	events, closeFeed := h.gw.OpenRun(runID, chatEventBuffer)
	defer closeFeed()

	if err := sw.send("started", gin.H{"runId": runID, "sessionKey": sessionKey}); err != nil {
		return
	}

	deadline := time.NewTimer(h.runTimeout)
	defer deadline.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			// Client is gone. The gateway-side run continues on its own;
			// only this stream's feed is torn down.
			return

		case <-deadline.C:
			if h.metrics != nil {
				h.metrics.RecordChatRun("timeout")
			}
			sw.send("error", gin.H{"message": "run timed out", "runId": runID}) //nolint:errcheck
			return

		case ce, ok := <-events:
			if !ok {
				// Gateway client shut down underneath the stream.
				sw.send("error", gin.H{"message": "gateway connection closed", "runId": runID}) //nolint:errcheck
				return
			}
			if done := h.forwardChatEvent(sw, runID, ce); done {
				return
			}
		}
	}
}

// forwardChatEvent maps one gateway chat event onto the stream's event
// vocabulary. Returns true when the run reached a terminal state or the
// client went away.
func (h *Handlers) forwardChatEvent(sw *streamWriter, runID string, ce gateway.ChatEvent) bool {
	if ce.Terminal() {
		if h.metrics != nil {
			h.metrics.RecordChatRun(ce.State)
		}
		payload := gin.H{"state": ce.State, "runId": runID}
		if ce.ErrorMessage != "" {
			payload["errorMessage"] = ce.ErrorMessage
		}
		sw.send("done", payload) //nolint:errcheck
		return true
	}

	switch ce.Stream {
	case "assistant":
		return sw.send("assistant", gin.H{"text": ce.Text, "runId": runID}) != nil
	case "thinking":
		return sw.send("thinking", gin.H{"text": ce.Text, "runId": runID}) != nil
	case "tool":
		return sw.send("tool", gin.H{
			"phase":      ce.Phase,
			"name":       ce.Name,
			"toolCallId": ce.ToolCallID,
			"args":       ce.Args,
			"runId":      runID,
		}) != nil
	}
	return false
}

// normalizeAttachments validates and normalizes request attachments to the
// gateway's shape, sniffing a content type when none was supplied.
func normalizeAttachments(reqs []chatAttachmentRequest) ([]gateway.Attachment, error) {
	if len(reqs) > maxAttachments {
		return nil, fmt.Errorf("too many attachments (max %d)", maxAttachments)
	}

	attachments := make([]gateway.Attachment, 0, len(reqs))
	for i, req := range reqs {
		content := req.Content
		contentType := req.ContentType

		if content == "" && req.DataURL != "" {
			ct, data, err := parseDataURL(req.DataURL)
			if err != nil {
				return nil, fmt.Errorf("attachment %d: %w", i, err)
			}
			content = data
			if contentType == "" {
				contentType = ct
			}
		}
		if content == "" {
			return nil, fmt.Errorf("attachment %d: content or dataUrl required", i)
		}

		decoded, err := base64.StdEncoding.DecodeString(content)
		if err != nil {
			return nil, fmt.Errorf("attachment %d: content is not valid base64", i)
		}
		if len(decoded) > maxAttachmentBytes {
			return nil, fmt.Errorf("attachment %d: too large (max %d bytes)", i, maxAttachmentBytes)
		}
		if contentType == "" {
			contentType = mimetype.Detect(decoded).String()
		}

		name := req.Name
		if name == "" {
			name = fmt.Sprintf(defaultAttachmentFmt, i)
		}

		attachments = append(attachments, gateway.Attachment{
			Name:        name,
			ContentType: contentType,
			Content:     content,
			DataURL:     fmt.Sprintf("data:%s;base64,%s", contentType, content),
		})
	}
	return attachments, nil
}

// parseDataURL splits a "data:<type>;base64,<payload>" URL.
func parseDataURL(dataURL string) (contentType, content string, err error) {
	if !strings.HasPrefix(dataURL, "data:") {
		return "", "", fmt.Errorf("malformed data URL")
	}
	rest := strings.TrimPrefix(dataURL, "data:")
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return "", "", fmt.Errorf("malformed data URL")
	}
	if !strings.HasSuffix(meta, ";base64") {
		return "", "", fmt.Errorf("only base64 data URLs are supported")
	}
	return strings.TrimSuffix(meta, ";base64"), payload, nil
}
