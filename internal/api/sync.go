package api

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lalith-99/hghs/internal/matrix"
	"github.com/lalith-99/hghs/internal/middleware"
	"github.com/lalith-99/hghs/internal/service"
	"go.uber.org/zap"
)

type SyncService interface {
	Sync(ctx context.Context, caller service.Caller, req service.SyncRequest) (service.SyncResponse, error)
}

type SyncHandler struct {
	svc    SyncService
	logger *zap.Logger
}

func NewSyncHandler(svc SyncService, logger *zap.Logger) *SyncHandler {
	return &SyncHandler{svc: svc, logger: logger}
}

// Sync handles GET /sync?filter=&since=&full_state=&set_presence=&timeout=
//
// timeout is in milliseconds. The request context bounds the long-poll,
// so a client that disconnects ends it early.
func (h *SyncHandler) Sync(c *gin.Context) {
	req := service.SyncRequest{
		Filter:      c.Query("filter"),
		Since:       c.Query("since"),
		SetPresence: c.Query("set_presence"),
	}

	if raw := c.Query("timeout"); raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || ms < 0 {
			respondError(c, h.logger, "sync", matrix.BadRequest(matrix.CodeInvalidParam, "timeout must be a non-negative integer"))
			return
		}
		req.Timeout = time.Duration(min(ms, math.MaxInt64/int64(time.Millisecond))) * time.Millisecond
	}
	if raw := c.Query("full_state"); raw != "" {
		full, err := strconv.ParseBool(raw)
		if err != nil {
			respondError(c, h.logger, "sync", matrix.BadRequest(matrix.CodeInvalidParam, "full_state must be true or false"))
			return
		}
		req.FullState = full
	}

	caller := middleware.GetCaller(c)
	resp, err := h.svc.Sync(c.Request.Context(), caller, req)
	if err != nil {
		respondError(c, h.logger, "sync", err, zap.String("user_id", caller.UserID), zap.String("since", req.Since))
		return
	}
	c.JSON(http.StatusOK, resp)
}
