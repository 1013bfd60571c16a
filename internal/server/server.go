package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	apihttp "github.com/agentdeck/backend/internal/api/http"
	"github.com/agentdeck/backend/internal/api/middleware"
	"github.com/agentdeck/backend/internal/gateway"
	"github.com/agentdeck/backend/internal/infrastructure/config"
	"github.com/agentdeck/backend/internal/infrastructure/monitoring"
	"github.com/agentdeck/backend/internal/infrastructure/resilience"
	"github.com/agentdeck/backend/internal/logging"
	"github.com/agentdeck/backend/internal/terminal"
)

// Server wires the streaming bridge: the terminal session registry, the
// shared gateway connection, and the HTTP surface over both.
type Server struct {
	router   *gin.Engine
	httpSrv  *http.Server
	registry *terminal.Registry
	gw       *gateway.Client
	logger   *logging.Logger
	config   *config.Config
	metrics  *monitoring.Metrics
}

// New creates a server instance. The gateway connection itself is lazy; it
// is established on first use.
func New(cfg *config.Config) (*Server, error) {
	var logger *logging.Logger
	if cfg.Logging.Development {
		logger = logging.NewDevelopment()
	} else {
		logger = logging.NewDefault()
	}

	logger.Info("initializing agentdeck server",
		zap.String("port", cfg.Server.Port),
		zap.String("gateway_url", cfg.Gateway.URL),
	)

	metrics := monitoring.NewMetrics()

	// Exit-driven removals bypass the handlers, so the registry itself
	// keeps the session gauge honest.
	var registry *terminal.Registry
	registry = terminal.NewRegistry(logger, terminal.RegistryOptions{
		DefaultShell: cfg.Terminal.Shell,
		MaxSessions:  cfg.Terminal.MaxSessions,
		OnRemove: func() {
			metrics.TerminalSessionsActive.Set(float64(registry.Count()))
		},
	})

	gw := gateway.New(gateway.Config{
		URL:            cfg.Gateway.URL,
		Token:          cfg.Gateway.Token,
		DialTimeout:    cfg.Gateway.DialTimeout,
		ReconnectDelay: cfg.Gateway.ReconnectDelay,
		OnReconnect:    func() { metrics.GatewayReconnects.Inc() },
	}, logger)

	breaker := resilience.New("gateway", resilience.Settings{
		OnStateChange: func(name string, from, to resilience.State) {
			logger.Warn("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	handlers := apihttp.NewHandlers(apihttp.Options{
		Registry:     registry,
		Gateway:      gw,
		Breaker:      breaker,
		Metrics:      metrics,
		Logger:       logger,
		PingInterval: cfg.Terminal.PingInterval,
		CallTimeout:  cfg.Gateway.CallTimeout,
		RunTimeout:   cfg.Gateway.RunTimeout,
	})

	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(monitoring.Middleware(metrics))
	router.Use(middleware.CORS(middleware.DefaultCORSConfig()))
	if cfg.RateLimit.Enabled {
		router.Use(middleware.RateLimit(middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
		}))
	}

	router.GET("/", handlers.Root)
	router.GET("/health", handlers.Health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	authed := router.Group("/", middleware.RequireSession(middleware.AuthConfig{
		Token:   cfg.Auth.Token,
		Enabled: cfg.Auth.Enabled,
	}), middleware.RequireJSON())

	// Terminal streaming and control.
	authed.GET("/terminal/stream", handlers.TerminalStream)
	authed.GET("/terminal/sessions", handlers.ListTerminalSessions)
	authed.POST("/terminal/sessions", handlers.CreateTerminalSession)
	authed.POST("/terminal/input", handlers.TerminalInput)
	authed.POST("/terminal/resize", handlers.TerminalResize)
	authed.POST("/terminal/close", handlers.TerminalClose)

	// Chat streaming.
	authed.POST("/chat/stream", handlers.ChatStream)

	logger.Info("server initialized")

	return &Server{
		router: router,
		httpSrv: &http.Server{
			Addr:              cfg.Server.Host + ":" + cfg.Server.Port,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
		registry: registry,
		gw:       gw,
		logger:   logger,
		config:   cfg,
		metrics:  metrics,
	}, nil
}

// Run starts the HTTP server and blocks until Close shuts it down or the
// listener fails.
func (s *Server) Run() error {
	s.logger.Info("starting HTTP server", zap.String("addr", s.httpSrv.Addr))
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close stops the listener, then tears down all live terminal sessions and
// the gateway connection. Shutdown stops new connections right away but
// blocks on in-flight streams, which only end once their sessions and run
// feeds close, so the teardown runs while Shutdown drains.
func (s *Server) Close() error {
	s.logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	drained := make(chan error, 1)
	go func() { drained <- s.httpSrv.Shutdown(ctx) }()

	s.registry.CloseAll()
	if err := s.gw.Close(); err != nil {
		s.logger.Error("failed to close gateway connection", zap.Error(err))
	}

	if err := <-drained; err != nil {
		s.logger.Error("HTTP server shutdown incomplete", zap.Error(err))
	}

	s.logger.Sync() //nolint:errcheck
	return nil
}
