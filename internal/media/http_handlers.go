package media

import (
	"context"
	"errors"
	"net/http"

	"voicecall-platform/internal/auth"
	"voicecall-platform/pkg/logger"

	"github.com/gin-gonic/gin"
)

// TokenHandler issues room credentials to the authenticated user.
// The user id always comes from the access token, never from the body.
type TokenHandler struct {
	Source CredentialSource
	// Audit is optional.
	Audit IssueAuditor
}

// IssueAuditor records issued credentials.
type IssueAuditor interface {
	LogCredentialIssued(ctx context.Context, roomID, actorUserID, actorRole string) error
}

type tokenRequest struct {
	RoomID   string `json:"room_id"`
	UserName string `json:"user_name"`
}

func (h TokenHandler) IssueToken(c *gin.Context) {
	log := logger.FromGin(c)

	if h.Source == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "voice call service not configured"})
		return
	}
	userID, err := auth.UserID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "user_id required"})
		return
	}

	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.RoomID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "room_id required"})
		return
	}
	if req.UserName == "" {
		req.UserName = auth.Name(c.Request.Context())
	}

	creds, err := h.Source.Credentials(c.Request.Context(), CredentialRequest{
		RoomID:   req.RoomID,
		UserID:   userID,
		UserName: req.UserName,
	})
	if errors.Is(err, ErrInvalidID) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid user or room id"})
		return
	}
	if err != nil {
		log.Error("media token issuance failed", "room_id", req.RoomID, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "failed to generate token"})
		return
	}

	log.Info("issued media token", "room_id", creds.RoomID)
	if h.Audit != nil {
		role, _ := auth.Role(c.Request.Context())
		if err := h.Audit.LogCredentialIssued(c.Request.Context(), creds.RoomID, userID, role); err != nil {
			log.Warn("audit media token failed", "err", err)
		}
	}
	c.JSON(http.StatusOK, creds)
}
