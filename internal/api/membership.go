package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/lalith-99/hghs/internal/middleware"
	"github.com/lalith-99/hghs/internal/service"
	"go.uber.org/zap"
)

type MembershipService interface {
	JoinRoom(ctx context.Context, caller service.Caller, roomIDOrAlias string) (service.JoinResponse, error)
	LeaveRoom(ctx context.Context, caller service.Caller, roomID string) error
	InviteToRoom(ctx context.Context, caller service.Caller, roomID, userID string) error
	ForgetRoom(ctx context.Context, caller service.Caller, roomID string) error
}

type MembershipHandler struct {
	svc    MembershipService
	logger *zap.Logger
}

func NewMembershipHandler(svc MembershipService, logger *zap.Logger) *MembershipHandler {
	return &MembershipHandler{svc: svc, logger: logger}
}

// Bodies of join and leave carry only an optional reason, which is not
// stored.
type membershipRequest struct {
	Reason string `json:"reason,omitempty"`
}

type inviteRequest struct {
	UserID string `json:"user_id" binding:"required"`
	Reason string `json:"reason,omitempty"`
}

// Join handles POST /rooms/:roomId/join and POST /join/:roomIdOrAlias
func (h *MembershipHandler) Join(c *gin.Context) {
	var req membershipRequest
	if !bindJSON(c, &req, true) {
		return
	}
	target := c.Param("roomId")
	if target == "" {
		target = c.Param("roomIdOrAlias")
	}
	caller := middleware.GetCaller(c)
	resp, err := h.svc.JoinRoom(c.Request.Context(), caller, target)
	if err != nil {
		respondError(c, h.logger, "join", err, zap.String("room", target), zap.String("user_id", caller.UserID))
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Leave handles POST /rooms/:roomId/leave
func (h *MembershipHandler) Leave(c *gin.Context) {
	var req membershipRequest
	if !bindJSON(c, &req, true) {
		return
	}
	caller := middleware.GetCaller(c)
	if err := h.svc.LeaveRoom(c.Request.Context(), caller, c.Param("roomId")); err != nil {
		respondError(c, h.logger, "leave", err, zap.String("room_id", c.Param("roomId")), zap.String("user_id", caller.UserID))
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}

// Invite handles POST /rooms/:roomId/invite
func (h *MembershipHandler) Invite(c *gin.Context) {
	var req inviteRequest
	if !bindJSON(c, &req, false) {
		return
	}
	caller := middleware.GetCaller(c)
	if err := h.svc.InviteToRoom(c.Request.Context(), caller, c.Param("roomId"), req.UserID); err != nil {
		respondError(c, h.logger, "invite", err, zap.String("room_id", c.Param("roomId")), zap.String("target", req.UserID))
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}

// Forget handles POST /rooms/:roomId/forget
func (h *MembershipHandler) Forget(c *gin.Context) {
	caller := middleware.GetCaller(c)
	if err := h.svc.ForgetRoom(c.Request.Context(), caller, c.Param("roomId")); err != nil {
		respondError(c, h.logger, "forget", err, zap.String("room_id", c.Param("roomId")), zap.String("user_id", caller.UserID))
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}
