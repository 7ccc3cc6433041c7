// Package server exposes the query/reporting API and the collection
// trigger/status endpoints.
package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/hvollmer/accesstrack/internal/collector"
	"github.com/hvollmer/accesstrack/internal/storage"
	"github.com/hvollmer/accesstrack/pkg/models"
)

const (
	defaultPageSize = 100
	maxPageSize     = 1000
)

// QueryStore is the read side of the durable store the API serves from.
type QueryStore interface {
	ListEntries(ctx context.Context, f storage.Filter) ([]models.AccessEntry, int64, error)
	CountryCounts(ctx context.Context) ([]models.CountrySummary, error)
}

// CollectionRunner triggers ingestion runs and reports their status.
type CollectionRunner interface {
	Start(ctx context.Context) error
	AcknowledgeStatus() collector.Status
}

// Handler serves all API routes.
type Handler struct {
	store  QueryStore
	runner CollectionRunner
	logger *zap.Logger
}

// NewHandler creates the API handler.
func NewHandler(store QueryStore, runner CollectionRunner, logger *zap.Logger) *Handler {
	return &Handler{store: store, runner: runner, logger: logger}
}

// TriggerCollection starts a background run; 409 when one is in progress.
func (h *Handler) TriggerCollection(c *gin.Context) {
	// The run outlives the request, so it does not inherit the request
	// context.
	if err := h.runner.Start(context.Background()); err != nil {
		if errors.Is(err, collector.ErrAlreadyRunning) {
			c.JSON(http.StatusConflict, gin.H{
				"detail": "Log collection is already running.",
			})
			return
		}
		h.logger.Error("Failed to start collection", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"detail": "Failed to start log collection.",
		})
		return
	}

	h.logger.Info("Manual trigger for log collection received")
	c.JSON(http.StatusAccepted, gin.H{
		"message": "Log collection process started in the background.",
	})
}

// CollectionStatus reports the run status; reading a terminal status resets
// it to idle so pollers observe each outcome once.
func (h *Handler) CollectionStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": string(h.runner.AcknowledgeStatus()),
	})
}

// ListLogs returns one page of stored entries with filtering and sorting.
func (h *Handler) ListLogs(c *gin.Context) {
	skip, err := strconv.Atoi(c.DefaultQuery("skip", "0"))
	if err != nil || skip < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "skip must be a non-negative integer"})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultPageSize)))
	if err != nil || limit < 1 || limit > maxPageSize {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "limit must be between 1 and 1000"})
		return
	}

	filter := storage.Filter{
		IPAddress: c.Query("ip_address"),
		Country:   c.Query("country"),
		Domain:    c.Query("domain"),
		SortBy:    c.DefaultQuery("sort_by", "timestamp"),
		SortDir:   c.DefaultQuery("sort_dir", "desc"),
		Limit:     limit,
		Offset:    skip,
	}
	if raw := c.Query("status_code"); raw != "" {
		code, convErr := strconv.Atoi(raw)
		if convErr != nil {
			c.JSON(http.StatusBadRequest, gin.H{"detail": "status_code must be an integer"})
			return
		}
		filter.StatusCode = &code
	}

	logs, total, err := h.store.ListEntries(c.Request.Context(), filter)
	if err != nil {
		h.logger.Error("Failed to retrieve logs", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"detail": "Internal server error while retrieving logs.",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"logs":        logs,
		"total_count": total,
	})
}

// CountrySummary aggregates accesses per country.
func (h *Handler) CountrySummary(c *gin.Context) {
	summary, err := h.store.CountryCounts(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to retrieve country summary", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"detail": "Internal server error while retrieving country summary.",
		})
		return
	}
	if summary == nil {
		summary = []models.CountrySummary{}
	}
	c.JSON(http.StatusOK, summary)
}

// Health is the liveness endpoint.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}
