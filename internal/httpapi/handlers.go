package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"crm-voice/internal/auth"
	"crm-voice/internal/calls"
	"crm-voice/internal/config"
	"crm-voice/internal/metrics"
	"crm-voice/internal/rbac"
	"crm-voice/internal/reporting"
	"crm-voice/internal/telephony"
	"crm-voice/internal/voiceapi"
	"crm-voice/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Auth     *auth.Manager
	Provider telephony.Provider
	// Announcements is the source of truth for who answered a ringing call.
	Announcements calls.AnnouncementStore
	Metrics       *metrics.Metrics
	Reports       *reporting.Service
	// Recording is the post-call recording policy handed to clients.
	Recording config.RecordingConfig
	Now       func() time.Time
}

func (h Handlers) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

// --- Auth ---

type loginRequest struct {
	UserID      string `json:"user_id" binding:"required"`
	WorkspaceID string `json:"workspace_id" binding:"required"`
	Role        string `json:"role" binding:"required"`
}

// Login issues an access token.
//
// NOTE: development only; credentials are checked by the CRM, not here.
func (h Handlers) Login(c *gin.Context) {
	if h.Auth == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "user_id, workspace_id, role required"})
		return
	}
	if !rbac.IsKnownRole(req.Role) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unknown role"})
		return
	}
	tok, err := h.Auth.IssueAccessToken(h.now(), req.UserID, req.WorkspaceID, req.Role)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": tok})
}

// --- Voice ---

// VoiceToken issues a fresh device credential for the calling operator.
func (h Handlers) VoiceToken(c *gin.Context) {
	log := logger.FromGin(c)
	if h.Auth == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	userID, workspaceID, ok := identity(c)
	if !ok {
		return
	}

	vt, err := h.Auth.IssueVoiceToken(h.now(), userID, workspaceID)
	if err != nil {
		log.Error("voice token issuance failed", "user_id", userID, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	h.Metrics.VoiceTokenIssued()
	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, vt)
}

// VoiceSettings returns the recording policy call controllers should use.
func (h Handlers) VoiceSettings(c *gin.Context) {
	c.JSON(http.StatusOK, voiceapi.Settings{
		RecordingPollIntervalMS: h.Recording.PollInterval.Milliseconds(),
		RecordingMaxAttempts:    h.Recording.MaxAttempts,
		RecordingDeadlineMS:     h.Recording.Deadline.Milliseconds(),
		GraceDelayMS:            h.Recording.GraceDelay.Milliseconds(),
	})
}

type bridgeRequest struct {
	LegID string `json:"leg_id" binding:"required"`
}

// Bridge connects a ringing provider leg to the calling operator's device.
// The announcement row decides the winner: only a caller that moves it from
// ringing to answered bridges, so a second device or operator gets 409 and
// the leg is redirected at most once. A failed bridge hands the call back.
func (h Handlers) Bridge(c *gin.Context) {
	log := logger.FromGin(c)
	if h.Provider == nil || h.Announcements == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "bridge not configured"})
		return
	}
	userID, workspaceID, ok := identity(c)
	if !ok {
		return
	}
	var req bridgeRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.LegID) == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "leg_id required"})
		return
	}
	ctx := c.Request.Context()
	log = log.With("leg_id", req.LegID)

	a, err := h.Announcements.GetByLegID(ctx, req.LegID)
	switch {
	case errors.Is(err, calls.ErrNotFound), err == nil && a.WorkspaceID != workspaceID:
		// other tenants' calls look exactly like unknown ones
		h.Metrics.BridgeRequest("not_found")
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "call not found"})
		return
	case err != nil:
		log.Error("reading announcement failed", "err", err)
		h.Metrics.BridgeRequest("error")
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "call state unavailable"})
		return
	}

	_, won, err := h.Announcements.Transition(ctx, a.ID, calls.AnnouncementRinging, calls.AnnouncementAnswered, userID)
	if err != nil {
		log.Error("answering announcement failed", "announcement_id", a.ID, "err", err)
		h.Metrics.BridgeRequest("error")
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "call state unavailable"})
		return
	}
	if !won {
		h.Metrics.BridgeRequest("conflict")
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "already handled"})
		return
	}

	clientID := auth.VoiceIdentity(userID)
	err = h.Provider.BridgeToClient(ctx, telephony.BridgeRequest{ProviderCallID: req.LegID, Identity: clientID})
	if err != nil {
		log.Error("bridge failed", "provider", h.Provider.Name(), "err", err)
		h.Metrics.BridgeRequest("failed")
		msg := "bridge failed"
		if errors.Is(err, telephony.ErrLegGone) {
			// the caller hung up; leave the row answered so nobody else tries
			msg = "call no longer active"
		} else if _, _, rerr := h.Announcements.Reoffer(context.WithoutCancel(ctx), a.ID, userID); rerr != nil {
			log.Warn("re-offering announcement failed", "announcement_id", a.ID, "err", rerr)
		}
		c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": msg})
		return
	}

	h.Metrics.BridgeRequest("ok")
	log.Info("call bridged", "announcement_id", a.ID, "identity", clientID)
	c.JSON(http.StatusOK, gin.H{"status": "bridged", "identity": clientID, "announcement_id": a.ID})
}

// --- Reports ---

// CallsSummary aggregates the workspace's calls between ?from= and ?to=
// (RFC3339, default last 24h), optionally for one ?operator_id=.
func (h Handlers) CallsSummary(c *gin.Context) {
	if h.Reports == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "reporting not configured"})
		return
	}
	_, workspaceID, ok := identity(c)
	if !ok {
		return
	}
	to := h.now()
	from := to.Add(-24 * time.Hour)
	var err error
	if v := c.Query("from"); v != "" {
		if from, err = time.Parse(time.RFC3339, v); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "from must be RFC3339"})
			return
		}
	}
	if v := c.Query("to"); v != "" {
		if to, err = time.Parse(time.RFC3339, v); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "to must be RFC3339"})
			return
		}
	}

	out, err := h.Reports.CallsSummary(c.Request.Context(), reporting.CallsSummaryRequest{
		WorkspaceID: workspaceID,
		Range:       reporting.TimeRange{From: from, To: to},
		OperatorID:  c.Query("operator_id"),
	})
	if err != nil {
		if errors.Is(err, reporting.ErrInvalidRequest) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid range"})
			return
		}
		logger.FromGin(c).Error("calls summary failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "summary failed"})
		return
	}
	c.JSON(http.StatusOK, out)
}

func identity(c *gin.Context) (userID, workspaceID string, ok bool) {
	userID, err := auth.UserID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "user_id required"})
		return "", "", false
	}
	workspaceID, err = auth.WorkspaceID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "workspace_id required"})
		return "", "", false
	}
	return userID, workspaceID, true
}

// Convenience middleware bundles.

func RequireWorkspaceAndAnyRole(roles ...string) []gin.HandlerFunc {
	return []gin.HandlerFunc{rbac.RequireWorkspace(), rbac.RequireAnyRole(roles...)}
}
