package main

import (
	"database/sql"
	"net/http"
	"time"

	"voicecall-platform/internal/audit"
	"voicecall-platform/internal/auth"
	"voicecall-platform/internal/calls"
	"voicecall-platform/internal/config"
	"voicecall-platform/internal/gateway"
	"voicecall-platform/internal/httpapi"
	"voicecall-platform/internal/media"
	"voicecall-platform/internal/rbac"
	"voicecall-platform/internal/reporting"
	"voicecall-platform/internal/signaling"
	"voicecall-platform/internal/telephony"
	"voicecall-platform/internal/voicecall"
	"voicecall-platform/pkg/utils"

	"github.com/gin-gonic/gin"
)

type appDeps struct {
	cfg     config.Config
	auth    *auth.Manager
	db      *sql.DB
	store   calls.Store
	bus     signaling.Bus
	lines   *utils.LineLock
	issuer  *media.Issuer
	audit   *audit.Service
	reports *reporting.Service
	hub     *gateway.Hub
	// pstn is nil when no telephony account is configured.
	pstn telephony.Provider
}

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, d appDeps) {
	// public
	r.GET("/healthz", func(c *gin.Context) {
		if err := utils.HealthCheck(c.Request.Context(), d.db, 2*time.Second); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": "database unreachable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "connections": d.hub.Count()})
	})

	h := httpapi.Handlers{
		Auth:       d.auth,
		Calls:      d.store,
		Reports:    d.reports,
		AllowLogin: !d.cfg.IsProduction(),
	}
	r.POST("/v1/auth/login", h.Login)

	// protected API group
	v1 := r.Group("/v1")
	v1.Use(auth.RequireAccessToken(d.auth), rbac.RequireIdentity())
	{
		v1.GET("/me", func(c *gin.Context) {
			uid, _ := auth.UserID(c.Request.Context())
			role, _ := auth.Role(c.Request.Context())
			c.JSON(http.StatusOK, gin.H{"user_id": uid, "role": role, "name": auth.Name(c.Request.Context())})
		})

		// MEDIA routes
		tokens := media.TokenHandler{Source: d.issuer, Audit: d.audit}
		v1.POST("/media/token",
			rbac.RequireCallParticipant(),
			tokens.IssueToken)

		// CALLS routes
		ws := gateway.Handler{
			Hub:         d.hub,
			Bus:         d.bus,
			Store:       d.store,
			Credentials: d.issuer,
			Lines:       d.lines,
			Audit:       d.audit,
			Options: voicecall.Options{
				RingTimeout: d.cfg.Call.RingTimeout,
				GracePeriod: d.cfg.Call.GracePeriod,
			},
			DeviceTimeout: d.cfg.Call.DeviceTimeout,
		}
		callsGroup := v1.Group("/calls")
		{
			callsGroup.GET("/ws", rbac.RequireCallParticipant(), ws.ServeWS)
			pstn := telephony.ClickToCallHandler{Provider: d.pstn, Audit: d.audit}
			callsGroup.POST("/pstn", rbac.RequireCallParticipant(), pstn.Connect)
			// Records are readable by their participants; super_admin bypasses.
			records := rbac.RequireAnyRole(rbac.RoleUser, rbac.RoleDeliveryPartner)
			callsGroup.GET("/summary", records, h.CallsSummary)
			callsGroup.GET("/:call_id", records, h.GetCall)
		}
	}
}
