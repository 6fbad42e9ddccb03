// Package server provides the HTTP surface of the OIDC client gateway.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mvhysko/authgw/internal/config"
	"github.com/mvhysko/authgw/internal/keycloak"
	"github.com/mvhysko/authgw/internal/middleware"
	"github.com/mvhysko/authgw/internal/observability"
)

// ginModeOnce ensures gin.SetMode is only called once.
var ginModeOnce sync.Once

// Server is the HTTP server for the gateway API.
type Server struct {
	engine      *gin.Engine
	httpServer  *http.Server
	gateway     *keycloak.Gateway
	rateLimiter *middleware.RateLimiter
	logger      observability.Logger
	cfg         *config.Config
	mu          sync.Mutex
	running     bool
}

// New creates a server wired with routes and middleware for the given
// gateway.
func New(cfg *config.Config, gateway *keycloak.Gateway, logger observability.Logger) *Server {
	if logger == nil {
		logger = observability.NopLogger()
	}

	ginModeOnce.Do(func() {
		gin.SetMode(gin.ReleaseMode)
	})

	s := &Server{
		engine:  gin.New(),
		gateway: gateway,
		logger:  logger,
		cfg:     cfg,
	}

	s.engine.Use(
		gin.Recovery(),
		middleware.RequestID(),
		middleware.LoggingWithConfig(middleware.LoggingConfig{
			Logger:    logger,
			SkipPaths: []string{"/healthz", cfg.Metrics.Path},
		}),
	)

	if cfg.RateLimit.Enabled {
		s.rateLimiter = middleware.NewRateLimiter(
			cfg.RateLimit.RPS,
			cfg.RateLimit.Burst,
			cfg.RateLimit.PerClient,
			middleware.WithRateLimiterLogger(logger),
		)
		if cfg.RateLimit.PerClient {
			s.rateLimiter.StartAutoCleanup()
		}
		s.engine.Use(middleware.RateLimit(s.rateLimiter))
	}

	s.registerRoutes()

	return s
}

func (s *Server) registerRoutes() {
	s.engine.GET("/healthz", s.handleHealth)

	if s.cfg.Metrics.Enabled {
		s.engine.GET(s.cfg.Metrics.Path, gin.WrapH(promhttp.HandlerFor(
			s.gateway.Metrics().Registry(),
			promhttp.HandlerOpts{},
		)))
	}

	api := s.engine.Group("/api")
	{
		api.POST("/auth/token", s.handleToken)
		api.GET("/auth/verify", s.handleVerify)
		api.POST("/auth/introspect", s.handleIntrospect)
		api.POST("/users", s.handleRegisterUser)
	}
}

// Engine returns the underlying gin engine, used by tests.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// RateLimiter returns the active rate limiter, nil when disabled.
func (s *Server) RateLimiter() *middleware.RateLimiter {
	return s.rateLimiter
}

// Start runs the HTTP server until it is shut down.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Address, s.cfg.Server.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.engine,
		ReadTimeout:  s.cfg.Server.ReadTimeout.Duration(),
		WriteTimeout: s.cfg.Server.WriteTimeout.Duration(),
		IdleTimeout:  s.cfg.Server.IdleTimeout.Duration(),
	}
	s.running = true
	s.mu.Unlock()

	s.logger.Info("starting HTTP server",
		observability.String("address", addr),
	)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	s.running = false

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	s.logger.Info("shutting down HTTP server")

	return s.httpServer.Shutdown(ctx)
}
