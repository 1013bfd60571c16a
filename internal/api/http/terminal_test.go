package http

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdeck/backend/internal/logging"
	"github.com/agentdeck/backend/internal/terminal"
)

// newTerminalRouter wires the terminal handlers onto a fresh registry.
func newTerminalRouter(t *testing.T) (*gin.Engine, *terminal.Registry) {
	t.Helper()

	registry := terminal.NewRegistry(logging.NewNop(), terminal.RegistryOptions{
		DefaultShell: "/bin/sh",
		MaxSessions:  8,
	})
	t.Cleanup(registry.CloseAll)

	h := NewHandlers(Options{
		Registry:     registry,
		PingInterval: 50 * time.Millisecond,
	})

	router := gin.New()
	router.GET("/terminal/stream", h.TerminalStream)
	router.GET("/terminal/sessions", h.ListTerminalSessions)
	router.POST("/terminal/sessions", h.CreateTerminalSession)
	router.POST("/terminal/input", h.TerminalInput)
	router.POST("/terminal/resize", h.TerminalResize)
	router.POST("/terminal/close", h.TerminalClose)
	return router, registry
}

func postJSON(router *gin.Engine, path, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(rec, req)
	return rec
}

func TestCreateTerminalSession(t *testing.T) {
	router, registry := newTerminalRouter(t)

	rec := postJSON(router, "/terminal/sessions", `{"cols":999999,"rows":0}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var info terminal.Info
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.True(t, strings.HasPrefix(info.ID, "term_"))
	assert.Equal(t, terminal.MaxCols, info.Cols)
	assert.Equal(t, terminal.MinRows, info.Rows)
	assert.Equal(t, 1, registry.Count())
}

func TestCreateTerminalSessionRejectsLongCommand(t *testing.T) {
	router, registry := newTerminalRouter(t)

	body := fmt.Sprintf(`{"command":%q}`, strings.Repeat("x", maxCommandLength+1))
	rec := postJSON(router, "/terminal/sessions", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 0, registry.Count())
}

func TestListTerminalSessions(t *testing.T) {
	router, registry := newTerminalRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/terminal/sessions", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"sessions":[]}`, rec.Body.String())

	_, err := registry.Create(terminal.SpawnOptions{})
	require.NoError(t, err)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/terminal/sessions", nil))
	var out struct {
		Sessions []terminal.Info `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Len(t, out.Sessions, 1)
}

func TestTerminalInputUnknownSession(t *testing.T) {
	router, _ := newTerminalRouter(t)

	rec := postJSON(router, "/terminal/input", `{"sessionId":"term_missing","data":"ls\n"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTerminalInputMissingSessionID(t *testing.T) {
	router, _ := newTerminalRouter(t)

	rec := postJSON(router, "/terminal/input", `{"data":"ls\n"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTerminalResizeClampsThroughHandler(t *testing.T) {
	router, registry := newTerminalRouter(t)

	sess, err := registry.Create(terminal.SpawnOptions{})
	require.NoError(t, err)

	body := fmt.Sprintf(`{"sessionId":%q,"cols":999999,"rows":0}`, sess.ID)
	rec := postJSON(router, "/terminal/resize", body)
	require.Equal(t, http.StatusOK, rec.Code)

	cols, rows := sess.Size()
	assert.Equal(t, terminal.MaxCols, cols)
	assert.Equal(t, terminal.MinRows, rows)
}

func TestTerminalResizeUnknownSession(t *testing.T) {
	router, _ := newTerminalRouter(t)

	rec := postJSON(router, "/terminal/resize", `{"sessionId":"term_missing","cols":80,"rows":24}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTerminalCloseIsIdempotent(t *testing.T) {
	router, registry := newTerminalRouter(t)

	sess, err := registry.Create(terminal.SpawnOptions{})
	require.NoError(t, err)

	body := fmt.Sprintf(`{"sessionId":%q}`, sess.ID)
	for i := 0; i < 2; i++ {
		rec := postJSON(router, "/terminal/close", body)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"ok":true}`, rec.Body.String())
	}
	assert.Equal(t, 0, registry.Count())
}

// sseEvent is one decoded server-sent event frame.
type sseEvent struct {
	Name string
	Data json.RawMessage
}

// readSSE decodes event frames off a live stream until the callback says
// stop or the stream ends.
func readSSE(t *testing.T, r *bufio.Reader, stop func(sseEvent) bool) {
	t.Helper()
	var ev sseEvent
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			ev.Name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			ev.Data = json.RawMessage(strings.TrimPrefix(line, "data: "))
		case line == "":
			if ev.Name != "" && stop(ev) {
				return
			}
			ev = sseEvent{}
		}
	}
}

func TestTerminalStreamLifecycle(t *testing.T) {
	router, registry := newTerminalRouter(t)
	server := httptest.NewServer(router)
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	// A command that writes a marker and exits drives the full event
	// sequence without any input round-trip.
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/terminal/stream", nil)
	require.NoError(t, err)
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()

	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Equal(t, "text/event-stream", res.Header.Get("Content-Type"))

	reader := bufio.NewReader(res.Body)

	var sessionID string
	readSSE(t, reader, func(ev sseEvent) bool {
		require.Equal(t, "session", ev.Name)
		var payload struct {
			SessionID string `json:"sessionId"`
		}
		require.NoError(t, json.Unmarshal(ev.Data, &payload))
		sessionID = payload.SessionID
		return true
	})
	require.NotEmpty(t, sessionID)
	assert.Equal(t, 1, registry.Count())

	// Drive the shell to print a marker and exit, then expect data, exit,
	// and close frames in order.
	body := fmt.Sprintf(`{"sessionId":%q,"data":"echo bridge-marker; exit 0\n"}`, sessionID)
	input, err := http.NewRequestWithContext(ctx, http.MethodPost,
		server.URL+"/terminal/input", strings.NewReader(body))
	require.NoError(t, err)
	input.Header.Set("Content-Type", "application/json")
	inputRes, err := http.DefaultClient.Do(input)
	require.NoError(t, err)
	inputRes.Body.Close()
	require.Equal(t, http.StatusOK, inputRes.StatusCode)

	var sawMarker, sawExit, sawClose bool
	readSSE(t, reader, func(ev sseEvent) bool {
		switch ev.Name {
		case "data":
			var payload struct {
				Data string `json:"data"`
			}
			require.NoError(t, json.Unmarshal(ev.Data, &payload))
			if strings.Contains(payload.Data, "bridge-marker") {
				sawMarker = true
			}
		case "exit":
			var payload struct {
				ExitCode int `json:"exitCode"`
			}
			require.NoError(t, json.Unmarshal(ev.Data, &payload))
			assert.Equal(t, 0, payload.ExitCode)
			sawExit = true
		case "close":
			sawClose = true
			return true
		}
		return false
	})

	assert.True(t, sawMarker, "expected echoed marker in data frames")
	assert.True(t, sawExit, "expected exit frame")
	assert.True(t, sawClose, "expected close frame")
	assert.Eventually(t, func() bool { return registry.Count() == 0 },
		5*time.Second, 20*time.Millisecond, "stream teardown removes the session")
}

func TestTerminalStreamUnknownSession(t *testing.T) {
	router, _ := newTerminalRouter(t)
	server := httptest.NewServer(router)
	defer server.Close()

	res, err := http.Get(server.URL + "/terminal/stream?sessionId=term_missing")
	require.NoError(t, err)
	defer res.Body.Close()

	reader := bufio.NewReader(res.Body)
	readSSE(t, reader, func(ev sseEvent) bool {
		assert.Equal(t, "error", ev.Name)
		assert.Contains(t, string(ev.Data), "session not found")
		return true
	})
}

func TestTerminalStreamRejectsSecondAttach(t *testing.T) {
	router, registry := newTerminalRouter(t)
	server := httptest.NewServer(router)
	defer server.Close()

	sess, err := registry.Create(terminal.SpawnOptions{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	first, err := http.NewRequestWithContext(ctx, http.MethodGet,
		server.URL+"/terminal/stream?sessionId="+sess.ID, nil)
	require.NoError(t, err)
	firstRes, err := http.DefaultClient.Do(first)
	require.NoError(t, err)
	defer firstRes.Body.Close()

	// Wait for the first stream to announce itself so it holds the session.
	readSSE(t, bufio.NewReader(firstRes.Body), func(ev sseEvent) bool {
		require.Equal(t, "session", ev.Name)
		return true
	})

	secondRes, err := http.Get(server.URL + "/terminal/stream?sessionId=" + sess.ID)
	require.NoError(t, err)
	defer secondRes.Body.Close()

	readSSE(t, bufio.NewReader(secondRes.Body), func(ev sseEvent) bool {
		assert.Equal(t, "error", ev.Name)
		assert.Contains(t, string(ev.Data), "session already streaming")
		return true
	})

	// The rejected attach must not have torn the session down.
	assert.Equal(t, 1, registry.Count())
}

func TestTerminalStreamClientDisconnectTearsDown(t *testing.T) {
	router, registry := newTerminalRouter(t)
	server := httptest.NewServer(router)
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/terminal/stream", nil)
	require.NoError(t, err)
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()

	readSSE(t, bufio.NewReader(res.Body), func(ev sseEvent) bool {
		require.Equal(t, "session", ev.Name)
		return true
	})
	require.Equal(t, 1, registry.Count())

	// Dropping the client mid-stream must tear the session down.
	cancel()
	assert.Eventually(t, func() bool { return registry.Count() == 0 },
		5*time.Second, 20*time.Millisecond, "disconnect removes the session")
}

func TestTerminalStreamPing(t *testing.T) {
	router, _ := newTerminalRouter(t)
	server := httptest.NewServer(router)
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/terminal/stream", nil)
	require.NoError(t, err)
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()

	sawPing := false
	readSSE(t, bufio.NewReader(res.Body), func(ev sseEvent) bool {
		if ev.Name == "ping" {
			var payload struct {
				T int64 `json:"t"`
			}
			require.NoError(t, json.Unmarshal(ev.Data, &payload))
			assert.Greater(t, payload.T, int64(0))
			sawPing = true
		}
		return sawPing
	})
	assert.True(t, sawPing)
}
