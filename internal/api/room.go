package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/lalith-99/hghs/internal/middleware"
	"github.com/lalith-99/hghs/internal/models"
	"github.com/lalith-99/hghs/internal/service"
	"go.uber.org/zap"
)

type RoomService interface {
	CreateRoom(ctx context.Context, caller service.Caller, req service.CreateRoomRequest) (service.CreateRoomResponse, error)
	GetDirectoryRoomByAlias(ctx context.Context, alias string) (service.DirectoryResponse, error)
	GetJoinedMembers(ctx context.Context, caller service.Caller, roomID string) (service.JoinedMembersResponse, error)
	GetRoomStateByType(ctx context.Context, caller service.Caller, roomID, eventType, stateKey string) (json.RawMessage, error)
	GetRoomState(ctx context.Context, caller service.Caller, roomID string) ([]models.ClientEvent, error)
	SetRoomStateByType(ctx context.Context, caller service.Caller, roomID, eventType, stateKey string, content json.RawMessage) (service.SendEventResponse, error)
}

// RoomHandler serves room creation, the alias directory and room state.
type RoomHandler struct {
	svc    RoomService
	logger *zap.Logger
}

func NewRoomHandler(svc RoomService, logger *zap.Logger) *RoomHandler {
	return &RoomHandler{svc: svc, logger: logger}
}

// Create handles POST /createRoom
func (h *RoomHandler) Create(c *gin.Context) {
	var req service.CreateRoomRequest
	if !bindJSON(c, &req, true) {
		return
	}
	caller := middleware.GetCaller(c)
	resp, err := h.svc.CreateRoom(c.Request.Context(), caller, req)
	if err != nil {
		respondError(c, h.logger, "create_room", err, zap.String("user_id", caller.UserID))
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Directory handles GET /directory/room/:roomAlias
func (h *RoomHandler) Directory(c *gin.Context) {
	resp, err := h.svc.GetDirectoryRoomByAlias(c.Request.Context(), c.Param("roomAlias"))
	if err != nil {
		respondError(c, h.logger, "directory", err, zap.String("alias", c.Param("roomAlias")))
		return
	}
	c.JSON(http.StatusOK, resp)
}

// JoinedMembers handles GET /rooms/:roomId/joined_members
func (h *RoomHandler) JoinedMembers(c *gin.Context) {
	caller := middleware.GetCaller(c)
	resp, err := h.svc.GetJoinedMembers(c.Request.Context(), caller, c.Param("roomId"))
	if err != nil {
		respondError(c, h.logger, "joined_members", err, zap.String("room_id", c.Param("roomId")))
		return
	}
	c.JSON(http.StatusOK, resp)
}

// State handles GET /rooms/:roomId/state
func (h *RoomHandler) State(c *gin.Context) {
	caller := middleware.GetCaller(c)
	events, err := h.svc.GetRoomState(c.Request.Context(), caller, c.Param("roomId"))
	if err != nil {
		respondError(c, h.logger, "get_state", err, zap.String("room_id", c.Param("roomId")))
		return
	}
	c.JSON(http.StatusOK, events)
}

// GetStateEvent handles GET /rooms/:roomId/state/:eventType/:stateKey
func (h *RoomHandler) GetStateEvent(c *gin.Context) {
	caller := middleware.GetCaller(c)
	roomID, eventType, stateKey := c.Param("roomId"), c.Param("eventType"), stateKeyParam(c)
	content, err := h.svc.GetRoomStateByType(c.Request.Context(), caller, roomID, eventType, stateKey)
	if err != nil {
		respondError(c, h.logger, "get_state_event", err,
			zap.String("room_id", roomID), zap.String("event_type", eventType))
		return
	}
	c.Data(http.StatusOK, "application/json", content)
}

// PutStateEvent handles PUT /rooms/:roomId/state/:eventType/:stateKey
func (h *RoomHandler) PutStateEvent(c *gin.Context) {
	content, ok := bindContent(c)
	if !ok {
		return
	}
	caller := middleware.GetCaller(c)
	roomID, eventType, stateKey := c.Param("roomId"), c.Param("eventType"), stateKeyParam(c)
	resp, err := h.svc.SetRoomStateByType(c.Request.Context(), caller, roomID, eventType, stateKey, content)
	if err != nil {
		respondError(c, h.logger, "put_state_event", err,
			zap.String("room_id", roomID), zap.String("event_type", eventType))
		return
	}
	c.JSON(http.StatusOK, resp)
}

// stateKeyParam reads the optional trailing state key. It is registered
// as a catch-all, so it arrives with its leading slash.
func stateKeyParam(c *gin.Context) string {
	return strings.TrimPrefix(c.Param("stateKey"), "/")
}
