// Package api serves the worker's status API: health, Prometheus metrics,
// the cluster view of this worker and an operator endpoint to re-run an
// election.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"jmxcluster/pkg/api/middleware"
	"jmxcluster/pkg/auth"
	"jmxcluster/pkg/cluster"
	"jmxcluster/pkg/notify"
	"jmxcluster/pkg/storage"
)

// Cluster is the view of the local session the API serves.
type Cluster interface {
	Connected() bool
	Worker() cluster.WorkerInfo
	Targets() []cluster.TargetStatus
	Target(alias string) (cluster.TargetStatus, error)
	Misconfigured() map[string]string
	Elect(alias string) error
	Workers(ctx context.Context) ([]cluster.WorkerInfo, error)
}

// Server encapsulates the HTTP API server and its dependencies.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	logger     *zap.Logger

	cluster  Cluster
	registry *notify.Registry
	audit    storage.AuditStore
}

// Config holds API server configuration. Registry, Audit and Tokens are
// optional; without Tokens the elect endpoint rejects every request.
type Config struct {
	Port      string
	Cluster   Cluster
	Registry  *notify.Registry
	Audit     storage.AuditStore
	Tokens    *auth.TokenService
	RateLimit middleware.RateLimiterConfig
	Logger    *zap.Logger
}

func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	rateLimit := cfg.RateLimit
	if rateLimit.RequestsPerMinute <= 0 {
		rateLimit = middleware.DefaultRateLimiterConfig()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.Metrics())
	router.Use(middleware.Tracing("jmxcluster-api"))
	router.Use(middleware.Logger(logger))
	router.Use(middleware.Authenticate(cfg.Tokens))

	s := &Server{
		router:   router,
		logger:   logger,
		cluster:  cfg.Cluster,
		registry: cfg.Registry,
		audit:    cfg.Audit,
	}
	s.registerRoutes(middleware.NewRateLimiter(rateLimit))

	s.httpServer = &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start blocks serving requests until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("Starting status API", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down status API")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes(limiter *middleware.RateLimiter) {
	s.router.GET("/health", s.healthCheck)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.router.Group("/api/v1")
	{
		c := v1.Group("/cluster")
		{
			c.GET("/worker", s.getWorker)
			c.GET("/workers", s.listWorkers)
			c.GET("/targets", s.listTargets)
			c.GET("/targets/:alias", s.getTarget)
			c.GET("/targets/:alias/history", s.targetHistory)
			c.POST("/targets/:alias/elect",
				middleware.RequireRole(auth.RoleOperator),
				limiter.Middleware(),
				s.electTarget,
			)
		}
	}
}

// healthCheck reports 503 while the coordination connection is down.
func (s *Server) healthCheck(c *gin.Context) {
	connected := s.cluster.Connected()
	owned := 0
	for _, t := range s.cluster.Targets() {
		if t.Owner {
			owned++
		}
	}

	status, code := "healthy", http.StatusOK
	if !connected {
		status, code = "disconnected", http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":    status,
		"worker":    s.cluster.Worker().Alias,
		"connected": connected,
		"owned":     owned,
		"timestamp": time.Now().UTC(),
	})
}
