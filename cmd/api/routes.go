package main

import (
	"context"
	"errors"
	"net/http"

	"crm-voice/internal/auth"
	"crm-voice/internal/config"
	"crm-voice/internal/httpapi"
	"crm-voice/internal/metrics"
	"crm-voice/internal/rbac"
	"crm-voice/internal/telephony"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type routeDeps struct {
	cfg      config.Config
	auth     *auth.Manager
	provider telephony.Provider
	handlers httpapi.Handlers
	metrics  *metrics.Metrics
	registry *prometheus.Registry
	ready    func(ctx context.Context) error
}

var errUnknownNumber = errors.New("no workspace for dialed number")

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, d routeDeps) {
	// public
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/readyz", func(c *gin.Context) {
		if d.ready != nil {
			if err := d.ready(c.Request.Context()); err != nil {
				c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if d.registry != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.registry, promhttp.HandlerOpts{})))
	}

	// Provider webhooks (public, signature checked when enabled).
	{
		h := telephony.TwilioWebhookHandler{
			Provider:            d.provider,
			WorkspaceIDResolver: numberResolver(d.cfg.Twilio.NumberWorkspaces),
			PublicURL:           d.cfg.Twilio.WebhookURL,
			Metrics:             d.metrics,
		}
		if d.cfg.Twilio.ValidateSignature {
			h.AuthToken = d.cfg.Twilio.AuthToken
		}
		r.POST("/webhooks/twilio/voice", h.HandleInboundCall)
	}

	v1 := r.Group("/v1")
	if !d.cfg.IsProduction() {
		v1.POST("/auth/login", d.handlers.Login)
	}

	protected := v1.Group("")
	protected.Use(auth.RequireAccessToken(d.auth))
	{
		protected.GET("/me", func(c *gin.Context) {
			id, _ := auth.IdentityFrom(c.Request.Context())
			c.JSON(http.StatusOK, gin.H{"user_id": id.UserID, "workspace_id": id.WorkspaceID, "role": id.Role})
		})

		voice := protected.Group("/voice")
		voice.Use(httpapi.RequireWorkspaceAndAnyRole(rbac.VoiceRoles...)...)
		{
			voice.POST("/token", d.handlers.VoiceToken)
			voice.POST("/bridge", d.handlers.Bridge)
			voice.GET("/settings", d.handlers.VoiceSettings)
		}

		reports := protected.Group("/reports")
		reports.Use(httpapi.RequireWorkspaceAndAnyRole(rbac.RoleOwner, rbac.RoleSupervisor)...)
		{
			reports.GET("/calls", d.handlers.CallsSummary)
		}
	}
}

func numberResolver(numbers map[string]string) func(c *gin.Context, toNumber string) (string, error) {
	return func(c *gin.Context, toNumber string) (string, error) {
		if ws, ok := numbers[toNumber]; ok {
			return ws, nil
		}
		return "", errUnknownNumber
	}
}
