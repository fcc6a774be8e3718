// Package gateway implements the client-facing reverse proxy: it
// authenticates every inbound request (via the service-token authority or
// identity provider), enforces CSRF and signed-request rules, checks
// per-network access, and forwards to the appropriate upstream service
// through the upstream pool.
package gateway

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/cartofabric/fabric/internal/apperr"
	"github.com/cartofabric/fabric/internal/httpserver"
	"github.com/cartofabric/fabric/pkg/cache"
	"github.com/cartofabric/fabric/pkg/servicetoken"
	"github.com/cartofabric/fabric/pkg/upstream"
)

// Upstream service names this gateway proxies to; these match
// pkg/upstream's declared pool names exactly.
const (
	upstreamIdentity     = upstream.Identity
	upstreamHealth       = upstream.Health
	upstreamMetrics      = upstream.Metrics
	upstreamAssistant    = upstream.Assistant
	upstreamNotification = upstream.Notification
)

// NetworkAccess resolves a user's effective role on a network, or
// apperr.Forbidden/apperr.NotFound.
type NetworkAccess interface {
	AccessRole(ctx context.Context, networkID, userID uuid.UUID) (string, error)
}

// Config configures gateway-wide behavior.
type Config struct {
	SessionCookieName string
	CSRFCookieName    string
	TrustedOrigins    []string // additional Origins accepted besides the request's own
	StaticDir         string   // SPA root served for the catch-all
}

// Gateway wires the Upstream Pool, Service-Token Authority, Cache Layer,
// and network-access lookup into a chi router.
type Gateway struct {
	cfg       Config
	pool      *upstream.Pool
	authority *servicetoken.Authority
	cache     *cache.Cache
	networks  NetworkAccess
	logger    *slog.Logger
}

// New builds a Gateway.
func New(cfg Config, pool *upstream.Pool, authority *servicetoken.Authority, c *cache.Cache, networks NetworkAccess, logger *slog.Logger) *Gateway {
	return &Gateway{cfg: cfg, pool: pool, authority: authority, cache: c, networks: networks, logger: logger}
}

// Router builds the chi router implementing the full route taxonomy: a
// single catch-all that classifies, authenticates, enforces
// CSRF/network-access, and proxies every request, falling back to the
// static SPA handler for non-/api/ paths.
func (g *Gateway) Router() chi.Router {
	r := chi.NewRouter()
	r.NotFound(g.handle)
	r.MethodNotAllowed(g.handle)
	r.Handle("/*", http.HandlerFunc(g.handle))
	return r
}

func (g *Gateway) handle(w http.ResponseWriter, r *http.Request) {
	spec, isAPI := classify(r.Method, r.URL.Path)
	if !isAPI {
		g.serveStatic(w, r)
		return
	}

	var auth *AuthContext
	if spec.require != reqPublic {
		a, err := g.authenticate(r)
		if err != nil {
			httpserver.RespondAppErr(w, err)
			return
		}
		if a == nil {
			httpserver.RespondError(w, http.StatusUnauthorized, "unauthenticated", "authentication required")
			return
		}
		auth = a
	}

	if !spec.csrfExempt && auth != nil {
		if err := g.checkCSRF(r, auth); err != nil {
			httpserver.RespondAppErr(w, err)
			return
		}
	}

	if spec.signedRequest {
		if err := g.checkSignedRequest(r); err != nil {
			httpserver.RespondAppErr(w, err)
			return
		}
	}

	if auth != nil && !roleSatisfies(auth.Role, spec.require) {
		httpserver.RespondError(w, http.StatusForbidden, "forbidden", "insufficient role for this operation")
		return
	}

	if spec.require == reqNetworkAccess {
		if err := g.checkNetworkAccess(r, auth); err != nil {
			httpserver.RespondAppErr(w, err)
			return
		}
	}

	r = r.WithContext(WithAuthContext(r.Context(), auth))
	g.proxy(w, r, spec, auth)
}

// networkIDFromPath extracts the {id} segment from "/api/networks/{id}..."
func networkIDFromPath(path string) (uuid.UUID, bool) {
	const p = "/api/networks/"
	if len(path) <= len(p) {
		return uuid.UUID{}, false
	}
	rest := path[len(p):]
	for i, c := range rest {
		if c == '/' {
			rest = rest[:i]
			break
		}
	}
	id, err := uuid.Parse(rest)
	if err != nil {
		return uuid.UUID{}, false
	}
	return id, true
}

func (g *Gateway) checkNetworkAccess(r *http.Request, auth *AuthContext) error {
	networkID, ok := networkIDFromPath(r.URL.Path)
	if !ok {
		return apperr.New(apperr.Validation, "invalid network id in path")
	}
	userID, err := uuid.Parse(auth.UserID)
	if err != nil {
		return apperr.New(apperr.Unauthenticated, "invalid subject")
	}
	role, err := g.networks.AccessRole(r.Context(), networkID, userID)
	if err != nil {
		return err
	}
	auth.Role = role
	return nil
}
