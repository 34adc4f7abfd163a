package telephony

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"
)

func TestParseTwilioInboundCall(t *testing.T) {
	body := strings.NewReader("CallSid=CA123&From=%2B15551234567&To=%2B15557654321")
	r := httptest.NewRequest(http.MethodPost, "/webhooks/twilio/voice", body)
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	form, err := ParseTwilioInboundCall(r)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if form.CallSid != "CA123" {
		t.Fatalf("expected CallSid")
	}
	if form.From != "+15551234567" || form.To != "+15557654321" {
		t.Fatalf("unexpected from/to: %q %q", form.From, form.To)
	}

	req := form.ToInboundCallRequest("w1", time.Unix(1700000000, 0).UTC())
	if req.WorkspaceID != "w1" {
		t.Fatalf("expected workspace_id")
	}
	if req.ProviderCallID != "CA123" {
		t.Fatalf("expected provider call id")
	}
	if req.RawPayload == "" {
		t.Fatalf("expected raw payload")
	}
}

func sign(token, u string, form url.Values) string {
	s := u
	for _, k := range []string{"CallSid", "From", "To"} {
		s += k + form.Get(k)
	}
	mac := hmac.New(sha1.New, []byte(token))
	mac.Write([]byte(s))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestValidTwilioSignature(t *testing.T) {
	form := url.Values{"To": {"+15557654321"}, "CallSid": {"CA1"}, "From": {"+15551234567"}}
	u := "https://crm.example.com/webhooks/twilio/voice"
	sig := sign("secret", u, form)

	if !ValidTwilioSignature("secret", u, form, sig) {
		t.Fatalf("expected signature to validate")
	}
	if ValidTwilioSignature("other", u, form, sig) {
		t.Fatalf("expected wrong token to fail")
	}
	if ValidTwilioSignature("secret", u+"?x=1", form, sig) {
		t.Fatalf("expected different url to fail")
	}
	if ValidTwilioSignature("secret", u, form, "") {
		t.Fatalf("expected empty signature to fail")
	}
}
