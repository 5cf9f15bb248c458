package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const readinessTimeout = 2 * time.Second

// HealthHandler answers load balancer checks. Neither route needs auth:
// a balancer has no token to send.
type HealthHandler struct {
	ready  func(ctx context.Context) error
	logger *zap.Logger
}

func NewHealthHandler(ready func(ctx context.Context) error, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{ready: ready, logger: logger}
}

// Live handles GET /health
func (h *HealthHandler) Live(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Ready handles GET /health/ready. It fails while the storage backend
// cannot be reached.
func (h *HealthHandler) Ready(c *gin.Context) {
	if h.ready != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), readinessTimeout)
		defer cancel()
		if err := h.ready(ctx); err != nil {
			h.logger.Warn("readiness check failed", zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
