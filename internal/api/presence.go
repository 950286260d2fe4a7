package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lalith-99/echorelay/internal/middleware"
	"github.com/lalith-99/echorelay/internal/repository"
	"go.uber.org/zap"
)

// PresenceHandler serves presence snapshots to clients that are not (yet)
// connected over the websocket, e.g. a sidebar rendering before the socket
// is up.
type PresenceHandler struct {
	presence   PresenceReader
	membership repository.MembershipRepository
	logger     *zap.Logger
}

func NewPresenceHandler(presence PresenceReader, membership repository.MembershipRepository, logger *zap.Logger) *PresenceHandler {
	return &PresenceHandler{presence: presence, membership: membership, logger: logger}
}

// List handles GET /v1/workspaces/:id/presence
func (h *PresenceHandler) List(c *gin.Context) {
	workspaceID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid workspace id"})
		return
	}

	userID := middleware.GetUserID(c)
	ok, err := h.membership.IsWorkspaceMember(c.Request.Context(), workspaceID, userID)
	if err != nil {
		h.logger.Error("failed to check workspace membership", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to check membership"})
		return
	}
	// 404 rather than 403 so workspace IDs cannot be probed.
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "workspace not found"})
		return
	}

	records, err := h.presence.Snapshot(c.Request.Context(), workspaceID)
	if err != nil {
		h.logger.Error("failed to load presence", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load presence"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"presence": records})
}
