package middleware

import (
	"context"
	"errors"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/lalith-99/hghs/internal/matrix"
	"github.com/lalith-99/hghs/internal/service"
	"go.uber.org/zap"
)

// ContextKeyCaller holds the authenticated service.Caller.
const ContextKeyCaller = "hghs.caller"

// Authenticator resolves an access token. *service.Service implements it.
type Authenticator interface {
	Authenticate(ctx context.Context, accessToken string) (service.Caller, error)
}

// AuthMiddleware rejects requests without a valid access token and stores
// the caller for the handlers behind it.
//
// The token is read from "Authorization: Bearer <token>" or, failing that,
// the access_token query parameter. A missing token is reported the same
// way as a bad one.
func AuthMiddleware(authn Authenticator, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, err := authn.Authenticate(c.Request.Context(), AccessToken(c))
		if err != nil {
			var matrixErr *matrix.Error
			if !errors.As(err, &matrixErr) {
				logger.Error("authenticate request", zap.String("path", c.FullPath()), zap.Error(err))
				matrixErr = matrix.Internal()
			}
			c.AbortWithStatusJSON(matrixErr.Status, matrixErr)
			return
		}
		c.Set(ContextKeyCaller, caller)
		c.Next()
	}
}

// AccessToken extracts the bearer token, or "" when there is none.
func AccessToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	return c.Query("access_token")
}

// GetCaller returns the caller stored by AuthMiddleware.
func GetCaller(c *gin.Context) service.Caller {
	val, exists := c.Get(ContextKeyCaller)
	if !exists {
		return service.Caller{}
	}
	caller, ok := val.(service.Caller)
	if !ok {
		return service.Caller{}
	}
	return caller
}
