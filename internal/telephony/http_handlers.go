package telephony

import (
	"context"
	"errors"
	"net/http"

	"voicecall-platform/internal/auth"
	"voicecall-platform/pkg/logger"

	"github.com/gin-gonic/gin"
)

// ClickToCallHandler starts a bridged PSTN call for the authenticated
// participant. The caller's role is taken from the access token.
type ClickToCallHandler struct {
	Provider Provider
	// Audit is optional.
	Audit ConnectAuditor
}

// ConnectAuditor records each connect attempt, accepted or not.
type ConnectAuditor interface {
	LogPSTNCall(ctx context.Context, providerCallID, orderID, actorUserID, actorRole, outcome string) error
}

type clickToCallRequest struct {
	From    string `json:"from"`
	To      string `json:"to"`
	OrderID string `json:"order_id"`
}

func (h ClickToCallHandler) Connect(c *gin.Context) {
	log := logger.FromGin(c)
	ctx := c.Request.Context()

	userID, err := auth.UserID(ctx)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "user_id required"})
		return
	}
	var req clickToCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if !ValidMobile(req.From) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid caller mobile number"})
		return
	}
	if !ValidMobile(req.To) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid callee mobile number"})
		return
	}
	if h.Provider == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "pstn calling not configured"})
		return
	}

	res, err := h.Provider.Connect(ctx, ConnectRequest{From: req.From, To: req.To, OrderID: req.OrderID})
	h.audit(c, res.ProviderCallID, req.OrderID, userID, err)
	switch {
	case err == nil:
	case errors.Is(err, ErrNotConfigured):
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "pstn calling not configured"})
		return
	default:
		log.Error("pstn connect failed", "provider", h.Provider.Name(), "order_id", req.OrderID, "err", err)
		c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": "failed to initiate call"})
		return
	}

	log.Info("pstn call initiated", "provider", h.Provider.Name(), "provider_call_id", res.ProviderCallID, "order_id", req.OrderID)
	c.JSON(http.StatusOK, gin.H{
		"provider_call_id": res.ProviderCallID,
		"message":          "Call initiated. You will receive a call shortly.",
	})
}

func (h ClickToCallHandler) audit(c *gin.Context, providerCallID, orderID, userID string, err error) {
	if h.Audit == nil {
		return
	}
	outcome := "initiated"
	if err != nil {
		outcome = "failed"
	}
	role, _ := auth.Role(c.Request.Context())
	if aerr := h.Audit.LogPSTNCall(c.Request.Context(), providerCallID, orderID, userID, role, outcome); aerr != nil {
		logger.FromGin(c).Warn("audit pstn call failed", "err", aerr)
	}
}
