package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/slotsync/internal/auth"
	"github.com/MarcoPoloResearchLab/slotsync/internal/realtime"
	"github.com/MarcoPoloResearchLab/slotsync/internal/slots"
	"github.com/MarcoPoloResearchLab/slotsync/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	userIDContextKey         = "slotsync_user_id"
	defaultHeartbeatInterval = 25 * time.Second
)

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingUserDirectory    = errors.New("user directory dependency required")
	errMissingSlotsService     = errors.New("slots service dependency required")
	errMissingHub              = errors.New("realtime hub dependency required")
)

// SessionValidator authenticates incoming requests.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// UserDirectory resolves canonical user ids and profiles.
type UserDirectory interface {
	ResolveCanonicalUserID(claims auth.SessionClaims) (string, error)
	GetProfile(ctx context.Context, userID string) (users.Profile, error)
	UpdateDisplayName(ctx context.Context, userID, displayName string) (users.Profile, error)
}

type Dependencies struct {
	SessionValidator  SessionValidator
	Users             UserDirectory
	SlotsService      *slots.Service
	Hub               *realtime.Hub
	Logger            *zap.Logger
	HeartbeatInterval time.Duration
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.SessionValidator == nil {
		return nil, errMissingSessionValidator
	}
	if deps.Users == nil {
		return nil, errMissingUserDirectory
	}
	if deps.SlotsService == nil {
		return nil, errMissingSlotsService
	}
	if deps.Hub == nil {
		return nil, errMissingHub
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(requestLogger(logger))

	handler := &httpHandler{
		sessions:  deps.SessionValidator,
		users:     deps.Users,
		slots:     deps.SlotsService,
		hub:       deps.Hub,
		logger:    logger,
		heartbeat: heartbeat,
		clock:     time.Now,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)

	protected.GET("/me", handler.handleGetProfile)
	protected.PATCH("/me", handler.handleUpdateProfile)

	protected.GET("/groups", handler.handleListGroups)
	protected.POST("/groups", handler.handleCreateGroup)
	protected.POST("/groups/join", handler.handleJoinGroup)
	protected.GET("/groups/:groupId", handler.handleGetGroup)
	protected.DELETE("/groups/:groupId", handler.handleDeleteGroup)
	protected.GET("/groups/:groupId/members", handler.handleListMembers)
	protected.POST("/groups/:groupId/members/:memberId/approve", handler.handleApproveMember)
	protected.POST("/groups/:groupId/members/:memberId/reject", handler.handleRejectMember)
	protected.DELETE("/groups/:groupId/members/:memberId", handler.handleRemoveMember)
	protected.GET("/groups/:groupId/stores", handler.handleListGroupStores)
	protected.POST("/groups/:groupId/stores", handler.handleCreateGroupStore)
	protected.GET("/groups/:groupId/changes", handler.handleChangeStream)

	protected.GET("/stores", handler.handleListPersonalStores)
	protected.POST("/stores", handler.handleCreatePersonalStore)
	protected.DELETE("/stores/:storeId", handler.handleDeleteStore)
	protected.GET("/stores/:storeId/machines", handler.handleListMachines)
	protected.POST("/stores/:storeId/machines", handler.handleAddMachine)
	protected.POST("/stores/:storeId/reset", handler.handleResetStore)
	protected.PUT("/stores/:storeId/order", handler.handleReorderMachines)

	protected.PATCH("/machines/:machineId", handler.handleUpdateMachine)
	protected.DELETE("/machines/:machineId", handler.handleDeleteMachine)

	protected.GET("/realtime", handler.handleRealtimeChannel)

	return router, nil
}

type httpHandler struct {
	sessions  SessionValidator
	users     UserDirectory
	slots     *slots.Service
	hub       *realtime.Hub
	logger    *zap.Logger
	heartbeat time.Duration
	clock     func() time.Time
	upgrader  websocket.Upgrader
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOriginFunc: func(string) bool {
			return true
		},
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Last-Event-ID"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("route", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	userID, err := h.users.ResolveCanonicalUserID(claims)
	if err != nil {
		if errors.Is(err, users.ErrInvalidIdentity) {
			h.logger.Warn("user identity rejected", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		h.logger.Error("user identity resolution failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "identity_resolution_failed"})
		return
	}
	c.Set(userIDContextKey, userID)
	c.Next()
}

// respondError maps service errors to HTTP responses of the form {"error","code"}.
func (h *httpHandler) respondError(c *gin.Context, err error) {
	status, reason := classifyError(err)
	code := ""
	var serviceErr *slots.ServiceError
	if errors.As(err, &serviceErr) {
		code = serviceErr.Code()
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("route", c.FullPath()), zap.Error(err))
	}
	c.AbortWithStatusJSON(status, gin.H{"error": reason, "code": code})
}

func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, slots.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, slots.ErrNotFound), errors.Is(err, users.ErrProfileNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, slots.ErrDuplicateStoreName):
		return http.StatusConflict, "duplicate_store_name"
	case errors.Is(err, slots.ErrGroupFull):
		return http.StatusConflict, "group_full"
	case errors.Is(err, slots.ErrValidation), errors.Is(err, users.ErrInvalidDisplayName):
		return http.StatusBadRequest, "invalid_request"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func badRequest(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
}
