// Package api wires HTTP routes onto the gin engine.
package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/streamloft/agentgate/internal/app"
	"github.com/streamloft/agentgate/internal/auth"
	"github.com/streamloft/agentgate/internal/handlers"
	"github.com/streamloft/agentgate/internal/isolation"
	"github.com/streamloft/agentgate/internal/middleware"
)

// Dependencies bundles the long-lived services routes are built from.
type Dependencies struct {
	Config  *app.Config
	Factory *isolation.ManagerFactory
	JWT     *auth.JWTService
}

// NewRouter assembles the gin engine with middleware and routes.
func NewRouter(deps Dependencies) *gin.Engine {
	router := gin.New()
	router.Use(middleware.Recovery(), middleware.Logger())

	stream := handlers.NewStreamHandler(deps.Factory, deps.JWT)
	stats := handlers.NewStatsHandler(deps.Factory)

	router.GET("/ws/agent", stream.Serve)

	v1 := router.Group("/api/v1")
	{
		v1.GET("/managers/stats", stats.FactoryStats)
		v1.GET("/managers", stats.ManagerStats)
	}

	if deps.Config == nil || deps.Config.Monitoring.Health.Enabled {
		router.GET("/healthz", stats.Health)
	}

	if deps.Config == nil || deps.Config.Monitoring.Prometheus.Enabled {
		endpoint := "/metrics"
		if deps.Config != nil && deps.Config.Monitoring.Prometheus.Endpoint != "" {
			endpoint = deps.Config.Monitoring.Prometheus.Endpoint
		}
		router.GET(endpoint, gin.WrapH(promhttp.Handler()))
	}

	return router
}
