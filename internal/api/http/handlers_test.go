package http

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdeck/backend/internal/gateway"
	"github.com/agentdeck/backend/internal/logging"
	"github.com/agentdeck/backend/internal/terminal"
)

func TestRootAndHealth(t *testing.T) {
	registry := terminal.NewRegistry(logging.NewNop(), terminal.RegistryOptions{
		DefaultShell: "/bin/sh",
	})
	t.Cleanup(registry.CloseAll)

	gw := gateway.New(gateway.Config{URL: "ws://localhost:1/ws"}, logging.NewNop())
	t.Cleanup(func() { gw.Close() })

	h := NewHandlers(Options{Registry: registry, Gateway: gw})
	router := gin.New()
	router.GET("/", h.Root)
	router.GET("/health", h.Health)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"online","service":"agentdeck"}`, rec.Body.String())

	_, err := registry.Create(terminal.SpawnOptions{})
	require.NoError(t, err)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"gateway":"disconnected"`)
	assert.Contains(t, rec.Body.String(), `"chat_runs":0`)
	assert.Contains(t, rec.Body.String(), `"terminal_sessions":1`)
}
