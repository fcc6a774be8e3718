package identity

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/cartofabric/fabric/internal/apperr"
)

// decodeUnverifiedSessionID extracts the "sid" claim from a JWT's middle
// segment without verifying its signature — verification happens against
// the IdP's session-verify endpoint instead.
func decodeUnverifiedSessionID(token string) string {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return ""
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return ""
	}
	var claims struct {
		SID string `json:"sid"`
	}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return ""
	}
	return claims.SID
}

// WebhookVerifier checks an inbound webhook's signature headers against
// its raw body (C14; see pkg/webhook).
type WebhookVerifier interface {
	Verify(r *http.Request, body []byte) error
}

// CloudConfig configures a CloudProvider against a hosted IdP (Clerk-
// shaped REST API: bearer-secret-key session verify + user fetch).
type CloudConfig struct {
	APIBase       string // e.g. https://api.clerk.com/v1
	SecretKey     string
	OIDCIssuer    string // optional: enables discovery-based login/logout URLs
	OAuthClientID string
	RedirectBase  string
}

// CloudProvider implements Identity against a hosted IdP's session-verify
// REST API, in the shape of Clerk's bearer-secret-key flow.
type CloudProvider struct {
	cfg      CloudConfig
	client   *http.Client
	logger   *slog.Logger
	verifier WebhookVerifier

	oauthConfig *oauth2.Config // non-nil only when OIDC discovery succeeded
}

// NewCloudProvider builds a CloudProvider. If cfg.OIDCIssuer is set,
// discovery is attempted eagerly; discovery failures are logged and the
// provider falls back to Clerk's simple frontend-redirect URL shape.
func NewCloudProvider(ctx context.Context, cfg CloudConfig, verifier WebhookVerifier, logger *slog.Logger) *CloudProvider {
	p := &CloudProvider{
		cfg:      cfg,
		client:   &http.Client{Timeout: 10 * time.Second},
		logger:   logger,
		verifier: verifier,
	}

	if cfg.OIDCIssuer != "" {
		oidcProvider, err := oidc.NewProvider(ctx, cfg.OIDCIssuer)
		if err != nil {
			logger.Warn("OIDC discovery failed, falling back to direct redirect URLs", "issuer", cfg.OIDCIssuer, "error", err)
			return p
		}
		p.oauthConfig = &oauth2.Config{
			ClientID:    cfg.OAuthClientID,
			Endpoint:    oidcProvider.Endpoint(),
			Scopes:      []string{oidc.ScopeOpenID, "email", "profile"},
			RedirectURL: cfg.RedirectBase,
		}
	}
	return p
}

type clerkSession struct {
	ID                    string `json:"id"`
	UserID                string `json:"user_id"`
	AuthenticationStrategy string `json:"authentication_strategy"`
	CreatedAt             int64  `json:"created_at"`
	ExpireAt              int64  `json:"expire_at"`
}

type clerkEmailAddress struct {
	ID           string `json:"id"`
	EmailAddress string `json:"email_address"`
	Verification struct {
		Status string `json:"status"`
	} `json:"verification"`
}

type clerkUser struct {
	ID                       string              `json:"id"`
	Username                 string              `json:"username"`
	FirstName                string              `json:"first_name"`
	LastName                 string              `json:"last_name"`
	ImageURL                 string              `json:"image_url"`
	PrimaryEmailAddressID    string              `json:"primary_email_address_id"`
	EmailAddresses           []clerkEmailAddress `json:"email_addresses"`
}

func (u clerkUser) primaryEmail() clerkEmailAddress {
	for _, e := range u.EmailAddresses {
		if e.ID == u.PrimaryEmailAddressID {
			return e
		}
	}
	return clerkEmailAddress{}
}

func (p *CloudProvider) do(ctx context.Context, method, path string, body any, out any) (int, error) {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.cfg.APIBase+path, reader)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", "Bearer "+p.cfg.SecretKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return resp.StatusCode, nil
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, err
		}
	}
	return resp.StatusCode, nil
}

// ValidateToken verifies a Clerk-shaped opaque session token: decode the
// unverified "sid" claim, call the session-verify endpoint, then fetch
// the user profile.
func (p *CloudProvider) ValidateToken(ctx context.Context, opaqueToken string) (*Claims, error) {
	if p.cfg.SecretKey == "" {
		return nil, apperr.New(apperr.Misconfiguration, "cloud identity provider secret key not configured")
	}

	sid := decodeUnverifiedSessionID(opaqueToken)
	if sid == "" {
		return nil, apperr.New(apperr.Unauthenticated, "invalid_token: no session id in token")
	}

	var session clerkSession
	status, err := p.do(ctx, http.MethodPost, fmt.Sprintf("/sessions/%s/verify", sid), map[string]string{"token": opaqueToken}, &session)
	if err != nil {
		return nil, apperr.Wrap(apperr.UpstreamUnavailable, "verifying session with identity provider", err)
	}
	if status != http.StatusOK || session.UserID == "" {
		return nil, apperr.New(apperr.Unauthenticated, "invalid_token")
	}

	var user clerkUser
	status, err = p.do(ctx, http.MethodGet, "/users/"+session.UserID, nil, &user)
	if err != nil {
		return nil, apperr.Wrap(apperr.UpstreamUnavailable, "fetching identity provider user profile", err)
	}
	if status != http.StatusOK {
		return nil, apperr.New(apperr.Unauthenticated, "invalid_token: could not fetch user profile")
	}

	primary := user.primaryEmail()
	var expiresAt *time.Time
	if session.ExpireAt > 0 {
		t := time.UnixMilli(session.ExpireAt)
		expiresAt = &t
	}

	return &Claims{
		Provider:       ProviderCloud,
		ProviderUserID: user.ID,
		AuthMethod:     authMethodFromStrategy(session.AuthenticationStrategy),
		Email:          primary.EmailAddress,
		EmailVerified:  primary.Verification.Status == "verified",
		Username:       user.Username,
		FirstName:      user.FirstName,
		LastName:       user.LastName,
		AvatarURL:      user.ImageURL,
		SessionID:      session.ID,
		IssuedAt:       time.UnixMilli(session.CreatedAt),
		ExpiresAt:      expiresAt,
	}, nil
}

func (p *CloudProvider) ValidateSession(ctx context.Context, r *http.Request) (*Claims, error) {
	token, ok := sessionTokenFromRequest(r)
	if !ok {
		return nil, apperr.New(apperr.Unauthenticated, "no session token present")
	}
	return p.ValidateToken(ctx, token)
}

// HandleWebhook verifies the inbound webhook signature via the injected
// WebhookVerifier (C14) before surfacing the event payload.
func (p *CloudProvider) HandleWebhook(ctx context.Context, r *http.Request) (*WebhookResult, error) {
	if p.verifier == nil {
		return nil, apperr.New(apperr.Misconfiguration, "webhook verifier not configured")
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, apperr.Wrap(apperr.Validation, "reading webhook body", err)
	}
	defer func() { _ = r.Body.Close() }()

	if err := p.verifier.Verify(r, body); err != nil {
		return nil, apperr.Wrap(apperr.Unauthenticated, "invalid webhook signature", err)
	}

	var payload struct {
		Type string         `json:"type"`
		Data map[string]any `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, apperr.Wrap(apperr.Validation, "decoding webhook payload", err)
	}
	return &WebhookResult{Received: true, Type: payload.Type, Data: payload.Data}, nil
}

func (p *CloudProvider) LoginURL(redirect string) string {
	if p.oauthConfig != nil {
		return p.oauthConfig.AuthCodeURL(redirect)
	}
	return "/sign-in?redirect_url=" + redirect
}

func (p *CloudProvider) LogoutURL(redirect string) string {
	return "/sign-out?redirect_url=" + redirect
}

// RevokeSession calls the IdP's session-revoke endpoint.
func (p *CloudProvider) RevokeSession(ctx context.Context, sessionID string) (bool, error) {
	if p.cfg.SecretKey == "" {
		return false, apperr.New(apperr.Misconfiguration, "cloud identity provider secret key not configured")
	}
	status, err := p.do(ctx, http.MethodPost, fmt.Sprintf("/sessions/%s/revoke", sessionID), nil, nil)
	if err != nil {
		return false, apperr.Wrap(apperr.UpstreamUnavailable, "revoking session", err)
	}
	return status == http.StatusOK, nil
}
