package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/streamloft/agentgate/internal/isolation"
	apperrors "github.com/streamloft/agentgate/pkg/errors"
	"github.com/streamloft/agentgate/pkg/response"
)

// StatsHandler exposes factory and manager statistics for operators.
type StatsHandler struct {
	factory *isolation.ManagerFactory
}

// NewStatsHandler constructs a StatsHandler.
func NewStatsHandler(factory *isolation.ManagerFactory) *StatsHandler {
	return &StatsHandler{factory: factory}
}

// FactoryStats returns the factory registry summary.
func (h *StatsHandler) FactoryStats(c *gin.Context) {
	if h == nil || h.factory == nil {
		response.Error(c, apperrors.ErrNotFound)
		return
	}
	response.Success(c, http.StatusOK, h.factory.Stats())
}

// ManagerStats returns per-manager counter snapshots.
func (h *StatsHandler) ManagerStats(c *gin.Context) {
	if h == nil || h.factory == nil {
		response.Error(c, apperrors.ErrNotFound)
		return
	}
	response.Success(c, http.StatusOK, h.factory.ManagerStats())
}

// Health is a liveness endpoint.
func (h *StatsHandler) Health(c *gin.Context) {
	response.Success(c, http.StatusOK, gin.H{"status": "ok"})
}
