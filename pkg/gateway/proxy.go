package gateway

import (
	"io"
	"net/http"

	"github.com/cartofabric/fabric/internal/httpserver"
	"github.com/cartofabric/fabric/pkg/upstream"
)

// forwardedHeaders are copied verbatim from the inbound request onto the
// outbound upstream call — the minimal set worth forwarding.
var forwardedHeaders = []string{"Content-Type", "Accept", "X-Request-ID"}

// proxy builds an upstream.Request from r and relays the upstream's
// response back to the client.
func (g *Gateway) proxy(w http.ResponseWriter, r *http.Request, spec routeSpec, auth *AuthContext) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "failed to read request body")
		return
	}

	headers := http.Header{}
	for _, h := range forwardedHeaders {
		if v := r.Header.Get(h); v != "" {
			headers.Set(h, v)
		}
	}
	headers.Set("Authorization", authorizationHeader(r, auth, g.cfg.SessionCookieName))

	if spec.upstream == upstreamNotification && auth != nil {
		headers.Set("X-User-Id", auth.UserID)
		headers.Set("X-Username", auth.Username)
	}

	resp, err := g.pool.Request(r.Context(), spec.upstream, upstream.Request{
		Method:  r.Method,
		Path:    r.URL.Path,
		Params:  r.URL.Query(),
		Body:    body,
		Headers: headers,
	})
	if err != nil {
		httpserver.RespondAppErr(w, err)
		return
	}

	for k, vs := range resp.Headers {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(resp.Body)
}

// authorizationHeader returns the bearer token to forward downstream: the
// inbound Authorization header verbatim, or one synthesized from the
// session cookie when authentication came from the cookie instead. The
// downstream service always sees an Authorization header, one way or
// the other.
func authorizationHeader(r *http.Request, auth *AuthContext, sessionCookieName string) string {
	if h := r.Header.Get("Authorization"); h != "" {
		return h
	}
	if auth == nil {
		return ""
	}
	if c, err := r.Cookie(sessionCookieName); err == nil && c.Value != "" {
		return "Bearer " + c.Value
	}
	return ""
}
