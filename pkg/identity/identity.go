// Package identity implements the Identity Provider Abstraction: a
// polymorphic interface over a Local provider (signed envelopes, minted by
// the service-token authority) and a Cloud provider (opaque session tokens
// verified against an upstream IdP).
package identity

import (
	"context"
	"net/http"
	"strings"
	"time"
)

// Provider is the AuthProvider discriminator.
type Provider string

const (
	ProviderLocal Provider = "local"
	ProviderCloud Provider = "cloud"
)

// AuthMethod records how the subject authenticated.
type AuthMethod string

const (
	AuthPassword     AuthMethod = "password"
	AuthSocialOAuth  AuthMethod = "social_oauth"
	AuthSAMLSSO      AuthMethod = "saml_sso"
	AuthOIDCSSO      AuthMethod = "oidc_sso"
	AuthMagicLink    AuthMethod = "magic_link"
	AuthPasskey      AuthMethod = "passkey"
)

// Claims are the standardized identity claims any provider maps into.
type Claims struct {
	Provider       Provider
	ProviderUserID string
	AuthMethod     AuthMethod
	Email          string
	EmailVerified  bool
	Username       string
	FirstName      string
	LastName       string
	AvatarURL      string
	SessionID      string
	IssuedAt       time.Time
	ExpiresAt      *time.Time
	LocalUserID    string
}

// WebhookResult is handle_webhook's return contract.
type WebhookResult struct {
	Received bool
	Type     string
	Data     map[string]any
}

// Identity is the capability set every provider implements.
type Identity interface {
	ValidateToken(ctx context.Context, opaqueToken string) (*Claims, error)
	ValidateSession(ctx context.Context, r *http.Request) (*Claims, error)
	HandleWebhook(ctx context.Context, r *http.Request) (*WebhookResult, error)
	LoginURL(redirect string) string
	LogoutURL(redirect string) string
	RevokeSession(ctx context.Context, sessionID string) (bool, error)
}

// authMethodFromStrategy maps an IdP "strategy" substring to an AuthMethod:
// oauth→SOCIAL_OAUTH, passkey→PASSKEY, email_link→MAGIC_LINK, otherwise
// PASSWORD.
func authMethodFromStrategy(strategy string) AuthMethod {
	switch {
	case strings.Contains(strategy, "oauth"):
		return AuthSocialOAuth
	case strings.Contains(strategy, "passkey"):
		return AuthPasskey
	case strings.Contains(strategy, "email_link"):
		return AuthMagicLink
	default:
		return AuthPassword
	}
}

// sessionTokenFromRequest reads the __session cookie, falling back to
// an Authorization: Bearer header.
func sessionTokenFromRequest(r *http.Request) (string, bool) {
	if c, err := r.Cookie("__session"); err == nil && c.Value != "" {
		return c.Value, true
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer "), true
	}
	return "", false
}
