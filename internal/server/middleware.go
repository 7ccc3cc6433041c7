package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// apiKeyHeader carries the client's API key.
const apiKeyHeader = "X-API-Key"

// APIKeyAuth rejects requests without the expected API key: 401 when the
// header is missing, 403 when it does not match.
func APIKeyAuth(expected string, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader(apiKeyHeader)
		if key == "" {
			logger.Warn("API key missing in header",
				zap.String("path", c.Request.URL.Path))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"detail": "API key missing in X-API-Key header",
			})
			return
		}
		if key != expected {
			logger.Warn("Invalid API key received",
				zap.String("path", c.Request.URL.Path))
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"detail": "Invalid API key",
			})
			return
		}
		c.Next()
	}
}

// RequestLogger logs every request through zap.
func RequestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("remote_addr", c.ClientIP()),
		)
	}
}
