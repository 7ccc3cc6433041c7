package server

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// NewRouter assembles the gin engine: recovery, request logging, CORS, and
// the API routes behind API-key auth. The health endpoint stays open for
// load balancers.
func NewRouter(h *Handler, apiKey string, logger *zap.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(RequestLogger(logger))

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowHeaders = append(corsConfig.AllowHeaders, apiKeyHeader)
	router.Use(cors.New(corsConfig))

	router.GET("/health", h.Health)

	authed := router.Group("/", APIKeyAuth(apiKey, logger))
	{
		authed.POST("/collect-logs/", h.TriggerCollection)
		authed.GET("/collect-logs/status", h.CollectionStatus)
		authed.GET("/logs/", h.ListLogs)
		authed.GET("/logs/summary/by-country/", h.CountrySummary)
	}

	return router
}
