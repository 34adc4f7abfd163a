package telephony

import (
	"net/http"
	"time"

	"crm-voice/internal/metrics"
	"crm-voice/pkg/logger"

	"github.com/gin-gonic/gin"
)

// TwilioWebhookHandler converts the Twilio voice webhook to internal types,
// delegates to the provider adapter, and writes TwiML.
//
// Tenant scoping:
//   - workspace_id is resolved by the caller from the dialed number and passed
//     explicitly.
type TwilioWebhookHandler struct {
	Provider Provider

	// WorkspaceIDResolver resolves which workspace owns the dialed number.
	WorkspaceIDResolver func(c *gin.Context, toNumber string) (string, error)

	// AuthToken enables X-Twilio-Signature checks when set.
	AuthToken string
	// PublicURL is the externally visible webhook URL Twilio signs.
	PublicURL string

	Metrics *metrics.Metrics
	Now     func() time.Time
}

func (h TwilioWebhookHandler) HandleInboundCall(c *gin.Context) {
	log := logger.FromGin(c)

	if h.Now == nil {
		h.Now = time.Now
	}
	if h.Provider == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "telephony provider not configured"})
		return
	}
	if h.WorkspaceIDResolver == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "workspace resolver not configured"})
		return
	}

	form, err := ParseTwilioInboundCall(c.Request)
	if err != nil {
		log.Warn("twilio webhook parse failed", "err", err)
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid form"})
		return
	}

	if h.AuthToken != "" {
		u := h.PublicURL
		if u == "" {
			u = "https://" + c.Request.Host + c.Request.URL.RequestURI()
		}
		if !ValidTwilioSignature(h.AuthToken, u, c.Request.PostForm, c.GetHeader("X-Twilio-Signature")) {
			log.Warn("twilio signature rejected", "call_sid", form.CallSid)
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "invalid signature"})
			return
		}
	}

	workspaceID, err := h.WorkspaceIDResolver(c, form.To)
	if err != nil {
		log.Warn("workspace resolution failed", "to", form.To, "err", err)
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "unknown destination"})
		return
	}

	in := form.ToInboundCallRequest(workspaceID, h.Now())
	res, err := h.Provider.HandleInboundCall(c.Request.Context(), in)
	if err != nil {
		log.Error("inbound call handling failed", "call_sid", form.CallSid, "err", err)
		h.Metrics.Announcement("error")
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "inbound call failed"})
		return
	}
	h.Metrics.Announcement("created")

	twiml, err := RenderTwiML(res)
	if err != nil {
		log.Error("twiml render failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "twiml failed"})
		return
	}

	c.Header("Content-Type", "application/xml")
	c.String(http.StatusOK, twiml)
}
