package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/lalith-99/hghs/internal/middleware"
	"github.com/lalith-99/hghs/internal/service"
	"go.uber.org/zap"
)

type WhoAmIService interface {
	WhoAmI(ctx context.Context, accessToken string) (service.WhoAmIResponse, error)
}

// UserHandler serves questions about the calling user.
type UserHandler struct {
	svc    WhoAmIService
	logger *zap.Logger
}

func NewUserHandler(svc WhoAmIService, logger *zap.Logger) *UserHandler {
	return &UserHandler{svc: svc, logger: logger}
}

// WhoAmI handles GET /account/whoami
//
// It resolves the token itself rather than relying on AuthMiddleware.
func (h *UserHandler) WhoAmI(c *gin.Context) {
	resp, err := h.svc.WhoAmI(c.Request.Context(), middleware.AccessToken(c))
	if err != nil {
		respondError(c, h.logger, "whoami", err)
		return
	}
	c.JSON(http.StatusOK, resp)
}
