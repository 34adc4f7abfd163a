package telephony

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/twilio/twilio-go/client"
)

// TwilioInboundForm captures the voice webhook fields the adapter uses.
// Twilio sends application/x-www-form-urlencoded.
type TwilioInboundForm struct {
	CallSid    string
	AccountSid string
	From       string
	To         string
	Direction  string
	CallStatus string
	CallerName string
}

func ParseTwilioInboundCall(r *http.Request) (TwilioInboundForm, error) {
	if err := r.ParseForm(); err != nil {
		return TwilioInboundForm{}, err
	}
	f := TwilioInboundForm{
		CallSid:    r.PostFormValue("CallSid"),
		AccountSid: r.PostFormValue("AccountSid"),
		From:       normalizePhone(r.PostFormValue("From")),
		To:         normalizePhone(r.PostFormValue("To")),
		Direction:  r.PostFormValue("Direction"),
		CallStatus: r.PostFormValue("CallStatus"),
		CallerName: r.PostFormValue("CallerName"),
	}
	return f, nil
}

func normalizePhone(s string) string {
	// "anonymous" and empty are kept as-is
	return strings.TrimSpace(s)
}

func (f TwilioInboundForm) ToInboundCallRequest(workspaceID string, occurredAt time.Time) InboundCallRequest {
	raw, _ := json.Marshal(f)
	return InboundCallRequest{
		WorkspaceID:    workspaceID,
		ProviderCallID: f.CallSid,
		From:           f.From,
		To:             f.To,
		OccurredAt:     occurredAt,
		RawPayload:     string(raw),
	}
}

// ValidTwilioSignature checks X-Twilio-Signature for a form-encoded webhook
// with the SDK's request validator. Webhook fields are single-valued.
func ValidTwilioSignature(authToken, fullURL string, form url.Values, signature string) bool {
	if authToken == "" || signature == "" {
		return false
	}
	params := make(map[string]string, len(form))
	for k := range form {
		params[k] = form.Get(k)
	}
	v := client.NewRequestValidator(authToken)
	return v.Validate(fullURL, params, signature)
}
