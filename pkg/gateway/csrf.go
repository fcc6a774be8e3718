package gateway

import (
	"crypto/subtle"
	"net/http"
	"net/url"

	"github.com/cartofabric/fabric/internal/apperr"
)

// unsafeMethod reports whether m requires CSRF protection when the
// request is authenticated via the session cookie.
func unsafeMethod(m string) bool {
	switch m {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return false
	default:
		return true
	}
}

// checkCSRF requires that for any unsafe method authenticated via the
// session cookie, X-CSRF-Token must match the CSRF cookie, and Origin
// (falling back to Referer) must be in the trusted set.
func (g *Gateway) checkCSRF(r *http.Request, auth *AuthContext) error {
	if !unsafeMethod(r.Method) {
		return nil
	}
	if _, err := r.Cookie(g.cfg.SessionCookieName); err != nil {
		// Not cookie-authenticated (e.g. Bearer token or service call):
		// CSRF doesn't apply.
		return nil
	}

	csrfCookie, err := r.Cookie(g.cfg.CSRFCookieName)
	if err != nil || csrfCookie.Value == "" {
		return apperr.New(apperr.Forbidden, "csrf_failed: missing csrf cookie")
	}
	header := r.Header.Get("X-CSRF-Token")
	if header == "" || subtle.ConstantTimeCompare([]byte(header), []byte(csrfCookie.Value)) != 1 {
		return apperr.New(apperr.Forbidden, "csrf_failed: token mismatch")
	}

	if !g.originTrusted(r) {
		return apperr.New(apperr.Forbidden, "csrf_failed: untrusted origin")
	}
	return nil
}

// originTrusted checks Origin (or Referer) against the trusted set,
// defaulting to the request's own origin when none is configured.
func (g *Gateway) originTrusted(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		if ref := r.Header.Get("Referer"); ref != "" {
			if u, err := url.Parse(ref); err == nil {
				origin = u.Scheme + "://" + u.Host
			}
		}
	}
	if origin == "" {
		return false
	}

	trusted := g.cfg.TrustedOrigins
	if len(trusted) == 0 {
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		trusted = []string{scheme + "://" + r.Host}
	}
	for _, t := range trusted {
		if t == origin {
			return true
		}
	}
	return false
}
