package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lalith-99/echorelay/internal/middleware"
	"github.com/lalith-99/echorelay/internal/models"
	"github.com/lalith-99/echorelay/internal/repository"
	"go.uber.org/zap"
)

// ConnectionCounter reports live sockets per user. realtime.Registry
// implements it.
type ConnectionCounter interface {
	IsUserOnline(userID uuid.UUID) bool
}

// PresenceReader reads a workspace's presence. realtime.Tracker implements it.
type PresenceReader interface {
	Snapshot(ctx context.Context, workspaceID uuid.UUID) ([]models.PresenceRecord, error)
}

// UserHandler serves the caller's own profile and what the realtime
// service knows about them.
type UserHandler struct {
	repo   repository.UserRepository
	conns  ConnectionCounter
	logger *zap.Logger
}

func NewUserHandler(repo repository.UserRepository, conns ConnectionCounter, logger *zap.Logger) *UserHandler {
	return &UserHandler{repo: repo, conns: conns, logger: logger}
}

type meResponse struct {
	*models.User
	Connected bool `json:"connected"`
}

// GetMe handles GET /v1/users/me
//
// Connected reports whether the user has at least one live socket on this
// instance, which a client can use to detect a half-open connection.
func (h *UserHandler) GetMe(c *gin.Context) {
	userID := middleware.GetUserID(c)
	tenantID := middleware.GetTenantID(c)

	user, err := h.repo.GetByID(c.Request.Context(), tenantID, userID)
	if err != nil {
		h.logger.Error("failed to get user", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get user"})
		return
	}

	// Token outlived the user row.
	if user == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		return
	}

	c.JSON(http.StatusOK, meResponse{User: user, Connected: h.conns.IsUserOnline(userID)})
}
