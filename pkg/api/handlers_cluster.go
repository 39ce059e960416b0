package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"jmxcluster/pkg/api/middleware"
	"jmxcluster/pkg/cluster"
	"jmxcluster/pkg/notify"
	tracing "jmxcluster/pkg/observability"
)

const defaultHistoryLimit = 50

// getWorker handles GET /api/v1/cluster/worker
func (s *Server) getWorker(c *gin.Context) {
	c.JSON(http.StatusOK, s.cluster.Worker())
}

// listWorkers handles GET /api/v1/cluster/workers
func (s *Server) listWorkers(c *gin.Context) {
	workers, err := s.cluster.Workers(c.Request.Context())
	if err != nil {
		s.fail(c, http.StatusServiceUnavailable, "failed to list workers", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"workers": workers,
		"count":   len(workers),
	})
}

// listTargets handles GET /api/v1/cluster/targets
func (s *Server) listTargets(c *gin.Context) {
	targets := s.cluster.Targets()
	c.JSON(http.StatusOK, gin.H{
		"targets":       targets,
		"count":         len(targets),
		"misconfigured": s.cluster.Misconfigured(),
	})
}

type targetResponse struct {
	cluster.TargetStatus
	Collection *notify.Collection `json:"collection,omitempty"`
}

// getTarget handles GET /api/v1/cluster/targets/:alias
func (s *Server) getTarget(c *gin.Context) {
	alias := c.Param("alias")
	status, err := s.cluster.Target(alias)
	if err != nil {
		s.targetError(c, alias, err)
		return
	}

	resp := targetResponse{TargetStatus: status}
	if s.registry != nil {
		if col, ok := s.registry.Get(alias); ok {
			resp.Collection = &col
		}
	}
	c.JSON(http.StatusOK, resp)
}

// targetHistory handles GET /api/v1/cluster/targets/:alias/history
func (s *Server) targetHistory(c *gin.Context) {
	if s.audit == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "audit store not configured"})
		return
	}

	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	alias := c.Param("alias")
	events, err := s.audit.History(c.Request.Context(), alias, limit)
	if err != nil {
		s.fail(c, http.StatusServiceUnavailable, "failed to read history", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"target": alias,
		"events": events,
		"count":  len(events),
	})
}

// electTarget handles POST /api/v1/cluster/targets/:alias/elect
func (s *Server) electTarget(c *gin.Context) {
	alias := c.Param("alias")
	tracing.SetAttributes(c.Request.Context(), attribute.String("target", alias))
	if err := s.cluster.Elect(alias); err != nil {
		s.targetError(c, alias, err)
		return
	}

	claims, _ := middleware.GetClaims(c)
	s.logger.Info("Election requested",
		zap.String("target", alias),
		zap.String("operator", claims.Subject),
		zap.String("request_id", c.GetString(middleware.ContextRequestIDKey)))

	c.JSON(http.StatusAccepted, gin.H{
		"message": "election triggered",
		"target":  alias,
	})
}

func (s *Server) targetError(c *gin.Context, alias string, err error) {
	if errors.Is(err, cluster.ErrUnknownTarget) {
		c.JSON(http.StatusNotFound, gin.H{"error": "target not handled by this worker", "target": alias})
		return
	}
	s.fail(c, http.StatusInternalServerError, "failed to read target", err)
}

func (s *Server) fail(c *gin.Context, code int, msg string, err error) {
	tracing.SetError(c.Request.Context(), err)
	s.logger.Warn(msg, zap.Error(err), zap.String("path", c.Request.URL.Path))
	c.JSON(code, gin.H{"error": msg})
}
