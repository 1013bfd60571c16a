package http

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentdeck/backend/internal/terminal"
)

const maxCommandLength = 32

// terminalCreateRequest is the session creation payload, accepted both as
// the body of an explicit create and as query parameters on stream open.
type terminalCreateRequest struct {
	Command string `json:"command" form:"command"`
	Cwd     string `json:"cwd" form:"cwd"`
	Cols    int    `json:"cols" form:"cols"`
	Rows    int    `json:"rows" form:"rows"`
}

type terminalInputRequest struct {
	SessionID string `json:"sessionId" binding:"required"`
	Data      string `json:"data"`
}

type terminalResizeRequest struct {
	SessionID string `json:"sessionId" binding:"required"`
	Cols      int    `json:"cols"`
	Rows      int    `json:"rows"`
}

type terminalCloseRequest struct {
	SessionID string `json:"sessionId" binding:"required"`
}

// CreateTerminalSession spawns a session without attaching a stream, for
// clients that open the event stream separately.
func (h *Handlers) CreateTerminalSession(c *gin.Context) {
	var req terminalCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if len(req.Command) > maxCommandLength {
		c.JSON(http.StatusBadRequest, gin.H{"error": "command too long"})
		return
	}

	sess, err := h.registry.Create(terminal.SpawnOptions{
		Command:    req.Command,
		WorkingDir: req.Cwd,
		Cols:       req.Cols,
		Rows:       req.Rows,
	})
	if err != nil {
		h.log.Error("terminal session create failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if h.metrics != nil {
		h.metrics.TerminalSessionsTotal.Inc()
		h.metrics.TerminalSessionsActive.Set(float64(h.registry.Count()))
	}

	cols, rows := sess.Size()
	c.JSON(http.StatusOK, terminal.Info{
		ID:         sess.ID,
		Shell:      sess.Shell,
		WorkingDir: sess.WorkingDir,
		Cols:       cols,
		Rows:       rows,
		StartedAt:  sess.StartedAt,
	})
}

// ListTerminalSessions returns snapshots of all live sessions.
func (h *Handlers) ListTerminalSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": h.registry.List()})
}

// TerminalInput forwards input bytes to a session.
func (h *Handlers) TerminalInput(c *gin.Context) {
	var req terminalInputRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "sessionId is required"})
		return
	}
	if err := h.registry.Write(req.SessionID, []byte(req.Data)); err != nil {
		if errors.Is(err, terminal.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// TerminalResize applies a clamped resize to a session.
func (h *Handlers) TerminalResize(c *gin.Context) {
	var req terminalResizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "sessionId is required"})
		return
	}
	if err := h.registry.Resize(req.SessionID, req.Cols, req.Rows); err != nil {
		if errors.Is(err, terminal.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// TerminalClose terminates a session. Closing an absent session succeeds:
// teardown is idempotent from every path.
func (h *Handlers) TerminalClose(c *gin.Context) {
	var req terminalCloseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "sessionId is required"})
		return
	}
	h.registry.Close(req.SessionID)
	if h.metrics != nil {
		h.metrics.TerminalSessionsActive.Set(float64(h.registry.Count()))
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// TerminalStream opens an SSE stream over a terminal session: it either
// attaches to an existing session by id or creates a new one, then relays
// the session's events until process exit, client disconnect, or explicit
// close — whichever fires first. Teardown runs exactly once.
func (h *Handlers) TerminalStream(c *gin.Context) {
	sw, err := newStreamWriter(c)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	var req terminalCreateRequest
	if err := c.ShouldBindQuery(&req); err != nil || len(req.Command) > maxCommandLength {
		sw.send("error", gin.H{"message": "invalid terminal parameters"}) //nolint:errcheck
		return
	}

	var sess *terminal.Session
	if sid := c.Query("sessionId"); sid != "" {
		existing, ok := h.registry.Get(sid)
		if !ok {
			sw.send("error", gin.H{"message": "session not found"}) //nolint:errcheck
			return
		}
		if !existing.Attach() {
			// The session's events already have a consumer; a second
			// stream would steal chunks from the first.
			sw.send("error", gin.H{"message": "session already streaming"}) //nolint:errcheck
			return
		}
		sess = existing
	} else {
		created, err := h.registry.Create(terminal.SpawnOptions{
			Command:    req.Command,
			WorkingDir: req.Cwd,
			Cols:       req.Cols,
			Rows:       req.Rows,
		})
		if err != nil {
			// No session was registered; nothing to clean up.
			h.log.Error("terminal stream create failed", zap.Error(err))
			sw.send("error", gin.H{"message": err.Error()}) //nolint:errcheck
			return
		}
		created.Attach()
		sess = created
		if h.metrics != nil {
			h.metrics.TerminalSessionsTotal.Inc()
			h.metrics.TerminalSessionsActive.Set(float64(h.registry.Count()))
		}
	}
	defer sess.Detach()

	if h.metrics != nil {
		h.metrics.TerminalStreamsActive.Inc()
		defer h.metrics.TerminalStreamsActive.Dec()
	}

	var closeOnce sync.Once
	teardown := func() {
		closeOnce.Do(func() {
			h.registry.Close(sess.ID)
			if h.metrics != nil {
				h.metrics.TerminalSessionsActive.Set(float64(h.registry.Count()))
			}
		})
	}
	defer teardown()

	if err := sw.send("session", gin.H{"sessionId": sess.ID}); err != nil {
		return
	}

	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	ctx := c.Request.Context()
	events := sess.Process().Events()

	for {
		select {
		case <-ctx.Done():
			// Client disconnected; the close event would not reach anyone.
			return

		case ev, ok := <-events:
			if !ok {
				// Process is gone and fully drained.
				sw.send("close", gin.H{"sessionId": sess.ID}) //nolint:errcheck
				return
			}
			switch ev.Type {
			case terminal.EventData:
				if err := sw.send("data", gin.H{"data": string(ev.Data)}); err != nil {
					return
				}
			case terminal.EventExit:
				exit := gin.H{"exitCode": ev.ExitCode}
				if ev.Signal != "" {
					exit["signal"] = ev.Signal
				}
				if err := sw.send("exit", exit); err != nil {
					return
				}
			}

		case <-ticker.C:
			if err := sw.send("ping", gin.H{"t": time.Now().UnixMilli()}); err != nil {
				return
			}
		}
	}
}
