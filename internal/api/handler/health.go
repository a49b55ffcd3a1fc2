package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/timmy/claimflow/internal/queue"
)

// QueueStats reports queue depths.
type QueueStats interface {
	Stats(ctx context.Context) (queue.Stats, error)
}

// HealthHandler handles health check endpoints
type HealthHandler struct {
	queue QueueStats
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(q QueueStats) *HealthHandler {
	return &HealthHandler{queue: q}
}

// Status handles GET /status.
func (h *HealthHandler) Status(c *gin.Context) {
	body := gin.H{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if h.queue == nil {
		c.JSON(http.StatusOK, body)
		return
	}

	stats, err := h.queue.Stats(c.Request.Context())
	if err != nil {
		body["status"] = "degraded"
		body["error"] = "queue unavailable"
		c.JSON(http.StatusServiceUnavailable, body)
		return
	}
	body["queue"] = stats
	c.JSON(http.StatusOK, body)
}
