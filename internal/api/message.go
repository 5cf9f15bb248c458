package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/lalith-99/hghs/internal/middleware"
	"github.com/lalith-99/hghs/internal/service"
	"go.uber.org/zap"
)

type MessageService interface {
	SendEventToRoomWithTxnID(ctx context.Context, caller service.Caller, roomID, eventType, txnID string, content json.RawMessage) (service.SendEventResponse, error)
}

type MessageHandler struct {
	svc    MessageService
	logger *zap.Logger
}

func NewMessageHandler(svc MessageService, logger *zap.Logger) *MessageHandler {
	return &MessageHandler{svc: svc, logger: logger}
}

// Send handles PUT /rooms/:roomId/send/:eventType/:txnId
//
// Retrying with the same txnId from the same device returns the first
// event ID instead of sending again.
func (h *MessageHandler) Send(c *gin.Context) {
	content, ok := bindContent(c)
	if !ok {
		return
	}
	caller := middleware.GetCaller(c)
	roomID, eventType := c.Param("roomId"), c.Param("eventType")
	resp, err := h.svc.SendEventToRoomWithTxnID(c.Request.Context(), caller, roomID, eventType, c.Param("txnId"), content)
	if err != nil {
		respondError(c, h.logger, "send", err,
			zap.String("room_id", roomID), zap.String("event_type", eventType), zap.String("user_id", caller.UserID))
		return
	}
	c.JSON(http.StatusOK, resp)
}
