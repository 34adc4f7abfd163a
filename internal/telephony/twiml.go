package telephony

import (
	"bytes"
	"encoding/xml"
	"errors"
	"strings"
)

// TwiML is built with encoding/xml; only the verbs the adapter needs exist.

type twimlResponse struct {
	XMLName xml.Name `xml:"Response"`
	Verbs   []any    `xml:",any"`
}

type twimlReject struct {
	XMLName xml.Name `xml:"Reject"`
	Reason  string   `xml:"reason,attr,omitempty"`
}

type twimlHangup struct {
	XMLName xml.Name `xml:"Hangup"`
}

type twimlSay struct {
	XMLName xml.Name `xml:"Say"`
	Text    string   `xml:",chardata"`
}

type twimlPause struct {
	XMLName xml.Name `xml:"Pause"`
	Length  int      `xml:"length,attr"`
}

type twimlRedirect struct {
	XMLName xml.Name `xml:"Redirect"`
	URL     string   `xml:",chardata"`
}

type twimlDial struct {
	XMLName xml.Name     `xml:"Dial"`
	Client  *twimlClient `xml:"Client,omitempty"`
}

type twimlClient struct {
	Identity string `xml:",chardata"`
}

// holdPause is how long the caller waits before the hold loop repeats.
const holdPause = 10

// RenderTwiML maps an InboundCallResult to TwiML.
func RenderTwiML(res InboundCallResult) (string, error) {
	var r twimlResponse

	switch res.Action {
	case InboundCallActionReject:
		r.Verbs = append(r.Verbs, twimlReject{Reason: "busy"})
	case InboundCallActionHangup:
		r.Verbs = append(r.Verbs, twimlHangup{})
	case InboundCallActionHold:
		if res.Greeting != "" {
			r.Verbs = append(r.Verbs, twimlSay{Text: res.Greeting})
		}
		// Twilio re-requests the webhook URL on an empty Redirect; the
		// announcement insert is idempotent per leg.
		r.Verbs = append(r.Verbs, twimlPause{Length: holdPause}, twimlRedirect{})
	case InboundCallActionConnectClient:
		if strings.TrimSpace(res.ConnectTo) == "" {
			return "", errors.New("telephony: connect_to required for connect_client action")
		}
		r.Verbs = append(r.Verbs, twimlDial{Client: &twimlClient{Identity: res.ConnectTo}})
	default:
		return "", errors.New("telephony: unknown inbound action")
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(r); err != nil {
		return "", err
	}
	if err := enc.Flush(); err != nil {
		return "", err
	}
	return buf.String(), nil
}
