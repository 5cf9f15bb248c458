package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/lalith-99/hghs/internal/middleware"
	"go.uber.org/zap"
)

// Homeserver is everything the route table needs. *service.Service
// implements it.
type Homeserver interface {
	middleware.Authenticator
	AccountService
	WhoAmIService
	RoomService
	MembershipService
	MessageService
	SyncService
}

// clientPrefixes are the client API versions served. Every client route
// exists under both.
var clientPrefixes = []string{"/_matrix/client/r0", "/_matrix/client/v3"}

var supportedVersions = []string{
	"r0.0.1", "r0.1.0", "r0.2.0", "r0.3.0", "r0.4.0", "r0.5.0", "r0.6.0", "r0.6.1",
	"v1.1", "v1.2", "v1.3", "v1.4", "v1.5", "v1.6",
}

// RouterOption adjusts NewRouter.
type RouterOption func(*routerOptions)

type routerOptions struct {
	ready func(ctx context.Context) error
}

// WithReadinessCheck makes GET /health/ready report check's result.
func WithReadinessCheck(check func(ctx context.Context) error) RouterOption {
	return func(o *routerOptions) { o.ready = check }
}

// NewRouter builds the gin engine with the full route table.
func NewRouter(hs Homeserver, logger *zap.Logger, opts ...RouterOption) *gin.Engine {
	var options routerOptions
	for _, opt := range opts {
		opt(&options)
	}
	logger = logger.Named("http")

	r := gin.New()
	r.HandleMethodNotAllowed = true
	useJSONFieldNames()

	r.Use(
		middleware.RequestLogger(logger),
		middleware.Recovery(logger),
		middleware.BodyLimit(middleware.MaxEventBytes),
	)
	r.NoRoute(unrecognized)
	r.NoMethod(methodNotAllowed)

	authHandler := NewAuthHandler(hs, logger)
	userHandler := NewUserHandler(hs, logger)
	roomHandler := NewRoomHandler(hs, logger)
	membershipHandler := NewMembershipHandler(hs, logger)
	messageHandler := NewMessageHandler(hs, logger)
	syncHandler := NewSyncHandler(hs, logger)
	healthHandler := NewHealthHandler(options.ready, logger)

	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"hello": "world"})
	})
	r.GET("/_matrix/client/versions", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"versions": supportedVersions, "unstable_features": gin.H{}})
	})

	r.GET("/health", healthHandler.Live)
	r.GET("/health/ready", healthHandler.Ready)

	admin := r.Group("/_synapse/admin/v1")
	admin.GET("/register", authHandler.AdminNonce)
	admin.POST("/register", authHandler.AdminRegister)

	requireAuth := middleware.AuthMiddleware(hs, logger)
	for _, prefix := range clientPrefixes {
		public := r.Group(prefix)
		public.GET("/login", authHandler.LoginFlows)
		public.POST("/login", authHandler.Login)
		public.POST("/register", authHandler.Register)
		public.GET("/account/whoami", userHandler.WhoAmI)
		public.GET("/directory/room/:roomAlias", roomHandler.Directory)

		client := r.Group(prefix, requireAuth)
		client.POST("/logout", authHandler.Logout)
		client.POST("/createRoom", roomHandler.Create)
		client.POST("/join/:roomIdOrAlias", membershipHandler.Join)
		client.GET("/sync", syncHandler.Sync)

		rooms := client.Group("/rooms/:roomId")
		rooms.GET("/joined_members", roomHandler.JoinedMembers)
		rooms.GET("/state", roomHandler.State)
		rooms.GET("/state/:eventType", roomHandler.GetStateEvent)
		rooms.PUT("/state/:eventType", roomHandler.PutStateEvent)
		rooms.GET("/state/:eventType/*stateKey", roomHandler.GetStateEvent)
		rooms.PUT("/state/:eventType/*stateKey", roomHandler.PutStateEvent)
		rooms.PUT("/send/:eventType/:txnId", messageHandler.Send)
		rooms.POST("/join", membershipHandler.Join)
		rooms.POST("/leave", membershipHandler.Leave)
		rooms.POST("/invite", membershipHandler.Invite)
		rooms.POST("/forget", membershipHandler.Forget)
	}

	return r
}
