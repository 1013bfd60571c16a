package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/agentdeck/backend/internal/gateway"
	"github.com/agentdeck/backend/internal/infrastructure/monitoring"
	"github.com/agentdeck/backend/internal/infrastructure/resilience"
	"github.com/agentdeck/backend/internal/logging"
	"github.com/agentdeck/backend/internal/terminal"
)

// Handlers contains the streaming bridge's HTTP handlers. The registry and
// gateway client are injected so tests can substitute isolated instances.
type Handlers struct {
	registry *terminal.Registry
	gw       *gateway.Client
	breaker  *resilience.Breaker
	metrics  *monitoring.Metrics
	log      *logging.Logger

	pingInterval time.Duration
	callTimeout  time.Duration
	runTimeout   time.Duration
}

// Options bundles handler dependencies and timing knobs.
type Options struct {
	Registry *terminal.Registry
	Gateway  *gateway.Client
	Breaker  *resilience.Breaker
	Metrics  *monitoring.Metrics
	Logger   *logging.Logger

	// PingInterval is the terminal stream keep-alive period.
	PingInterval time.Duration
	// CallTimeout bounds the chat.send RPC call.
	CallTimeout time.Duration
	// RunTimeout bounds a whole chat run from send to terminal state.
	RunTimeout time.Duration
}

// NewHandlers creates a handler set.
func NewHandlers(opts Options) *Handlers {
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	if opts.PingInterval == 0 {
		opts.PingInterval = 15 * time.Second
	}
	if opts.CallTimeout == 0 {
		opts.CallTimeout = 120 * time.Second
	}
	if opts.RunTimeout == 0 {
		opts.RunTimeout = 180 * time.Second
	}
	return &Handlers{
		registry:     opts.Registry,
		gw:           opts.Gateway,
		breaker:      opts.Breaker,
		metrics:      opts.Metrics,
		log:          opts.Logger,
		pingInterval: opts.PingInterval,
		callTimeout:  opts.CallTimeout,
		runTimeout:   opts.RunTimeout,
	}
}

// Root reports basic service identity.
func (h *Handlers) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "online",
		"service": "agentdeck",
	})
}

// Health reports gateway connectivity and live session count.
func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":            "healthy",
		"gateway":           h.gw.State().String(),
		"chat_runs":         h.gw.ActiveRuns(),
		"terminal_sessions": h.registry.Count(),
	})
}
