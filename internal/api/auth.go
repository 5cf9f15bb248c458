package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/lalith-99/hghs/internal/matrix"
	"github.com/lalith-99/hghs/internal/middleware"
	"github.com/lalith-99/hghs/internal/service"
	"go.uber.org/zap"
)

// AccountService is the part of the homeserver behind the registration,
// login and logout endpoints.
type AccountService interface {
	CreateAdminRegisterNonce(ctx context.Context) (service.NonceResponse, error)
	RegisterAdmin(ctx context.Context, req service.AdminRegisterRequest) (service.RegisterResponse, error)
	RegisterUser(ctx context.Context, kind string, req service.UserRegisterRequest) (service.RegisterResponse, error)
	LoginWithPassword(ctx context.Context, req service.LoginRequest) (service.LoginResponse, error)
	Logout(ctx context.Context, caller service.Caller) error
}

// AuthHandler serves the endpoints that hand out or revoke access tokens.
// Only Logout sits behind AuthMiddleware.
type AuthHandler struct {
	svc    AccountService
	logger *zap.Logger
}

func NewAuthHandler(svc AccountService, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{svc: svc, logger: logger}
}

// AdminNonce handles GET /_synapse/admin/v1/register
func (h *AuthHandler) AdminNonce(c *gin.Context) {
	resp, err := h.svc.CreateAdminRegisterNonce(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, "admin_nonce", err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// AdminRegister handles POST /_synapse/admin/v1/register
func (h *AuthHandler) AdminRegister(c *gin.Context) {
	var req service.AdminRegisterRequest
	if !bindJSON(c, &req, false) {
		return
	}

	resp, err := h.svc.RegisterAdmin(c.Request.Context(), req)
	if err != nil {
		respondError(c, h.logger, "admin_register", err, zap.String("username", req.Username))
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Register handles POST /register?kind=
func (h *AuthHandler) Register(c *gin.Context) {
	var req service.UserRegisterRequest
	if !bindJSON(c, &req, false) {
		return
	}
	resp, err := h.svc.RegisterUser(c.Request.Context(), c.Query("kind"), req)
	if err != nil {
		respondError(c, h.logger, "register", err, zap.String("username", req.Username))
		return
	}
	c.JSON(http.StatusOK, resp)
}

type loginFlow struct {
	Type string `json:"type"`
}

// LoginFlows handles GET /login
func (h *AuthHandler) LoginFlows(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"flows": []loginFlow{{Type: matrix.LoginTypePassword}}})
}

// Login handles POST /login
func (h *AuthHandler) Login(c *gin.Context) {
	var req service.LoginRequest
	if !bindJSON(c, &req, false) {
		return
	}
	resp, err := h.svc.LoginWithPassword(c.Request.Context(), req)
	if err != nil {
		respondError(c, h.logger, "login", err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Logout handles POST /logout
func (h *AuthHandler) Logout(c *gin.Context) {
	caller := middleware.GetCaller(c)
	if err := h.svc.Logout(c.Request.Context(), caller); err != nil {
		respondError(c, h.logger, "logout", err, zap.String("user_id", caller.UserID))
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}
