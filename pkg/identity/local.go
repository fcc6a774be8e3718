package identity

import (
	"context"
	"net/http"

	"github.com/cartofabric/fabric/internal/apperr"
	"github.com/cartofabric/fabric/pkg/servicetoken"
)

// ActiveUserLookup resolves a verified token's subject to a still-active
// local user, or returns apperr.NotFound/apperr.Forbidden.
type ActiveUserLookup interface {
	LookupActive(ctx context.Context, userID string) (*Claims, error)
}

// LocalProvider implements Identity over pkg/servicetoken's signed
// envelopes: tokens are opaque strings minted and verified by the
// service-token authority, never opaque references to a remote IdP.
type LocalProvider struct {
	authority *servicetoken.Authority
	users     ActiveUserLookup
}

// NewLocalProvider builds a LocalProvider.
func NewLocalProvider(authority *servicetoken.Authority, users ActiveUserLookup) *LocalProvider {
	return &LocalProvider{authority: authority, users: users}
}

func (p *LocalProvider) ValidateToken(ctx context.Context, opaqueToken string) (*Claims, error) {
	v, err := p.authority.Verify(opaqueToken)
	if err != nil {
		return nil, err
	}
	claims, err := p.users.LookupActive(ctx, v.UserID)
	if err != nil {
		return nil, err
	}
	return claims, nil
}

func (p *LocalProvider) ValidateSession(ctx context.Context, r *http.Request) (*Claims, error) {
	token, ok := sessionTokenFromRequest(r)
	if !ok {
		return nil, apperr.New(apperr.Unauthenticated, "no session token present")
	}
	return p.ValidateToken(ctx, token)
}

// HandleWebhook is not applicable for the local provider.
func (p *LocalProvider) HandleWebhook(ctx context.Context, r *http.Request) (*WebhookResult, error) {
	return nil, apperr.New(apperr.Validation, "webhooks are not applicable to the local identity provider")
}

func (p *LocalProvider) LoginURL(redirect string) string {
	return "/login?redirect=" + redirect
}

func (p *LocalProvider) LogoutURL(redirect string) string {
	return "/logout?redirect=" + redirect
}

// RevokeSession is a no-op returning true: local sessions are stateless
// signed envelopes with no server-side session to invalidate.
func (p *LocalProvider) RevokeSession(ctx context.Context, sessionID string) (bool, error) {
	return true, nil
}
