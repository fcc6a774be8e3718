package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/cartofabric/fabric/internal/apperr"
	"github.com/cartofabric/fabric/pkg/cache"
	"github.com/cartofabric/fabric/pkg/upstream"
)

// AuthContext is what the gateway resolves an inbound request's
// credentials to.
type AuthContext struct {
	UserID    string
	Username  string
	Role      string
	IsService bool
}

// remoteVerifyCacheTTL is how long a remote identity-service verification
// result is cached, keyed by token hash.
const remoteVerifyCacheTTL = 5 * time.Minute

type ctxKey struct{}

// WithAuthContext stores auth in ctx for downstream handlers.
func WithAuthContext(ctx context.Context, auth *AuthContext) context.Context {
	return context.WithValue(ctx, ctxKey{}, auth)
}

// AuthFromContext returns the resolved auth, or nil if the request was
// unauthenticated.
func AuthFromContext(ctx context.Context) *AuthContext {
	auth, _ := ctx.Value(ctxKey{}).(*AuthContext)
	return auth
}

// extractToken implements the authentication resolution precedence:
// Bearer header, then session cookie, then (SSE only) a ?token= query
// parameter.
func extractToken(r *http.Request, sessionCookieName string) (string, bool) {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer "), true
	}
	if c, err := r.Cookie(sessionCookieName); err == nil && c.Value != "" {
		return c.Value, true
	}
	if r.Header.Get("Accept") == "text/event-stream" {
		if tok := r.URL.Query().Get("token"); tok != "" {
			return tok, true
		}
	}
	return "", false
}

// verifyTokenCacheKey is the first 16 hex chars of SHA-256(token), so the
// cache never stores raw tokens.
func verifyTokenCacheKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return cache.MakeKey("gateway", "verify", hex.EncodeToString(sum[:])[:16])
}

type remoteVerifyResult struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Role     string `json:"role"`
}

// resolveAuth tries local service-token verification first (a positive
// is_service result authorizes as OWNER outright); otherwise falls back
// to the identity service's /verify endpoint through the upstream pool,
// caching a positive result for 5 minutes.
func (g *Gateway) resolveAuth(ctx context.Context, token string) (*AuthContext, error) {
	if v, err := g.authority.Verify(token); err == nil {
		if v.IsService {
			return &AuthContext{UserID: v.UserID, Role: "OWNER", IsService: true}, nil
		}
		return &AuthContext{UserID: v.UserID, Username: v.Username, Role: v.Role}, nil
	}

	key := verifyTokenCacheKey(token)
	var cached remoteVerifyResult
	if err := g.cache.Get(ctx, key, &cached); err == nil {
		return &AuthContext{UserID: cached.UserID, Username: cached.Username, Role: cached.Role}, nil
	}

	resp, err := g.pool.Request(ctx, upstreamIdentity, upstream.Request{
		Method:  http.MethodGet,
		Path:    "/verify",
		Headers: http.Header{"Authorization": {"Bearer " + token}},
	})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apperr.New(apperr.Unauthenticated, "invalid_token")
	}

	var result remoteVerifyResult
	if err := json.Unmarshal(resp.Body, &result); err != nil {
		return nil, apperr.Wrap(apperr.UpstreamUnavailable, "decoding identity verify response", err)
	}

	g.cache.Set(ctx, key, result, remoteVerifyCacheTTL)
	return &AuthContext{UserID: result.UserID, Username: result.Username, Role: result.Role}, nil
}

// authenticate resolves and caches the request's AuthContext, returning
// nil with no error when the request carries no credentials at all.
func (g *Gateway) authenticate(r *http.Request) (*AuthContext, error) {
	token, ok := extractToken(r, g.cfg.SessionCookieName)
	if !ok {
		return nil, nil
	}
	return g.resolveAuth(r.Context(), token)
}

// roleSatisfies reports whether role meets req, against the
// OWNER/EDITOR/VIEWER/MEMBER hierarchy — EDITOR-or-OWNER admits either.
func roleSatisfies(role string, req requirement) bool {
	switch req {
	case reqOwner:
		return role == "OWNER"
	case reqEditorOrOwner:
		return role == "OWNER" || role == "EDITOR"
	default:
		return true
	}
}
