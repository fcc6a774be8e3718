// Package servicetoken implements the service-token authority:
// HMAC-signed, short-lived token envelopes representing either a user
// session or an internal service, plus HMAC request-signing.
//
// Envelopes are go-jose HS256 JWS, a self-signed-JWT shape reused here
// for the session cookie as well.
package servicetoken

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"

	"github.com/cartofabric/fabric/internal/apperr"
)

// Type discriminates a user-session token from a service token.
type Type string

const (
	TypeUser    Type = "user"
	TypeService Type = "service"

	issuer = "cartofabric"

	// serviceTokenTTL is the default TTL for minted service tokens.
	serviceTokenTTL = 5 * time.Minute

	// refreshWindow: a cached service token is reissued once its remaining
	// TTL drops below this.
	refreshWindow = 60 * time.Second

	// maxSkew bounds request-signature timestamp drift.
	maxSkew = 300 * time.Second
)

// Claims are the envelope's payload fields.
type Claims struct {
	Subject  string `json:"sub"`
	Username string `json:"username,omitempty"`
	Role     string `json:"role"`
	Type     Type   `json:"typ"`
}

// Verified is the result of a successful verify.
type Verified struct {
	UserID    string
	Username  string
	Role      string
	IsService bool
}

// validServiceNames enumerates the upstream services that may receive a
// minted service token; unknown names fail verification.
var validServiceNames = map[string]bool{
	"gateway": true, "identity": true, "health": true,
	"metrics": true, "assistant": true, "notification": true,
}

// Authority mints and verifies tokens, and signs/verifies requests.
type Authority struct {
	secret []byte

	mu           sync.Mutex
	cached       map[string]cachedToken // service name -> cached token
	failureGate  *gate
}

type cachedToken struct {
	raw    string
	expiry time.Time
}

// gate collapses concurrent reissuance attempts into one and backs off
// after repeated failures, preventing thundering-herd reissue.
type gate struct {
	mu           sync.Mutex
	failures     int
	blockedUntil time.Time
}

func (g *gate) allowed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return time.Now().After(g.blockedUntil)
}

func (g *gate) recordFailure() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures++
	backoff := time.Duration(g.failures) * time.Second
	if backoff > 30*time.Second {
		backoff = 30 * time.Second
	}
	g.blockedUntil = time.Now().Add(backoff)
}

func (g *gate) recordSuccess() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures = 0
	g.blockedUntil = time.Time{}
}

// New creates an Authority signing with secret. The secret must be
// non-empty; callers are expected to have already enforced
// JWT_SECRET-required-in-production at config-validation time.
func New(secret string) (*Authority, error) {
	if secret == "" {
		return nil, apperr.New(apperr.Misconfiguration, "service token secret is empty")
	}
	return &Authority{
		secret:      []byte(secret),
		cached:      make(map[string]cachedToken),
		failureGate: &gate{},
	}, nil
}

func (a *Authority) sign(claims Claims, ttl time.Duration) (string, error) {
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.HS256, Key: a.secret},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return "", fmt.Errorf("creating signer: %w", err)
	}

	now := time.Now()
	registered := jwt.Claims{
		Subject:   claims.Subject,
		Issuer:    issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		Expiry:    jwt.NewNumericDate(now.Add(ttl)),
		NotBefore: jwt.NewNumericDate(now),
	}

	token, err := jwt.Signed(signer).Claims(registered).Claims(claims).Serialize()
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return token, nil
}

// IssueUserToken mints a token representing an authenticated user session.
func (a *Authority) IssueUserToken(userID, username, role string, ttl time.Duration) (string, error) {
	return a.sign(Claims{Subject: userID, Username: username, Role: role, Type: TypeUser}, ttl)
}

// IssueServiceToken mints a short-lived token representing an internal
// service, refreshing the per-service cache when the remaining TTL drops
// below refreshWindow. Concurrent misses for the same service collapse to
// a single issuance.
func (a *Authority) IssueServiceToken(serviceName string) (string, error) {
	if !validServiceNames[serviceName] {
		return "", apperr.New(apperr.Validation, "unknown service name")
	}

	a.mu.Lock()
	if cur, ok := a.cached[serviceName]; ok && time.Until(cur.expiry) > refreshWindow {
		a.mu.Unlock()
		return cur.raw, nil
	}
	a.mu.Unlock()

	if !a.failureGate.allowed() {
		return "", apperr.New(apperr.UpstreamUnavailable, "circuit_open: service token issuance backing off")
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	// Re-check after acquiring the lock: another goroutine may have refreshed it.
	if cur, ok := a.cached[serviceName]; ok && time.Until(cur.expiry) > refreshWindow {
		return cur.raw, nil
	}

	raw, err := a.sign(Claims{Subject: serviceName, Role: "owner", Type: TypeService}, serviceTokenTTL)
	if err != nil {
		a.failureGate.recordFailure()
		return "", fmt.Errorf("issuing service token: %w", err)
	}
	a.failureGate.recordSuccess()
	a.cached[serviceName] = cachedToken{raw: raw, expiry: time.Now().Add(serviceTokenTTL)}
	return raw, nil
}

// Verify validates a token envelope and returns the resolved identity.
func (a *Authority) Verify(raw string) (*Verified, error) {
	tok, err := jwt.ParseSigned(raw, []jose.SignatureAlgorithm{jose.HS256})
	if err != nil {
		return nil, apperr.Wrap(apperr.Unauthenticated, "invalid_token", err)
	}

	var registered jwt.Claims
	var custom Claims
	if err := tok.Claims(a.secret, &registered, &custom); err != nil {
		return nil, apperr.Wrap(apperr.Unauthenticated, "invalid_token", err)
	}

	if err := registered.ValidateWithLeeway(jwt.Expected{Issuer: issuer, Time: time.Now()}, 5*time.Second); err != nil {
		return nil, apperr.Wrap(apperr.Unauthenticated, "expired_token", err)
	}

	if custom.Type == TypeService && !validServiceNames[custom.Subject] {
		return nil, apperr.New(apperr.Unauthenticated, "unknown_service")
	}

	return &Verified{
		UserID:    registered.Subject,
		Username:  custom.Username,
		Role:      custom.Role,
		IsService: custom.Type == TypeService,
	}, nil
}

// canonicalPayload builds the bytes the HMAC is computed over:
// METHOD\n/path\nt\nSHA256(body).
func canonicalPayload(method, path string, t int64, body []byte) []byte {
	bodyHash := sha256.Sum256(body)
	return []byte(fmt.Sprintf("%s\n%s\n%d\n%s", method, path, t, hex.EncodeToString(bodyHash[:])))
}

// SignRequest computes the HMAC-SHA256 signature for an outbound
// service-to-service request, returning the signature and timestamp used.
func (a *Authority) SignRequest(method, path string, body []byte) (signature string, ts int64) {
	ts = time.Now().Unix()
	mac := hmac.New(sha256.New, a.secret)
	mac.Write(canonicalPayload(method, path, ts, body))
	return hex.EncodeToString(mac.Sum(nil)), ts
}

// VerifySignature validates an inbound signed request, rejecting
// timestamps more than maxAge away from now using a constant-time
// signature comparison.
func (a *Authority) VerifySignature(method, path, signature string, ts int64, body []byte, maxAge time.Duration) bool {
	if maxAge <= 0 {
		maxAge = maxSkew
	}
	now := time.Now().Unix()
	skew := now - ts
	if skew < 0 {
		skew = -skew
	}
	if time.Duration(skew)*time.Second > maxAge {
		return false
	}

	mac := hmac.New(sha256.New, a.secret)
	mac.Write(canonicalPayload(method, path, ts, body))
	expected := mac.Sum(nil)

	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(expected, got) == 1
}
