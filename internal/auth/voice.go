package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// VoiceToken is a short-lived credential for registering a voice device.
type VoiceToken struct {
	Token     string    `json:"token"`
	Identity  string    `json:"identity"`
	ExpiresAt time.Time `json:"expires_at"`
}

// VoiceIdentity derives the client identity for an operator. The bridge
// dials the same identity, so both sides must use this function.
func VoiceIdentity(userID string) string {
	var b strings.Builder
	b.WriteString("op_")
	for _, r := range userID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

// IssueVoiceToken signs a voice token for the operator. Tokens are never
// reused; every registration asks for a new one.
func (m *Manager) IssueVoiceToken(now time.Time, userID, workspaceID string) (VoiceToken, error) {
	if userID == "" || workspaceID == "" {
		return VoiceToken{}, errors.New("user_id and workspace_id required")
	}
	ttl := m.voiceTTL
	if ttl <= 0 {
		ttl = time.Hour
	}

	claims := m.claims(now, TokenTypeVoice, userID, workspaceID, "", ttl)
	claims.Identity = VoiceIdentity(userID)

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return VoiceToken{}, err
	}
	return VoiceToken{Token: signed, Identity: claims.Identity, ExpiresAt: now.Add(ttl)}, nil
}
