package servicetoken

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cartofabric/fabric/internal/apperr"
)

func newTestAuthority(t *testing.T) *Authority {
	t.Helper()
	a, err := New("test-secret-do-not-use-in-prod")
	require.NoError(t, err)
	return a
}

func TestNewRejectsEmptySecret(t *testing.T) {
	_, err := New("")
	require.Error(t, err)
	assert.Equal(t, apperr.Misconfiguration, apperr.KindOf(err))
}

func TestIssueAndVerifyUserToken(t *testing.T) {
	a := newTestAuthority(t)

	tok, err := a.IssueUserToken("user-1", "alice", "owner", time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, tok)

	v, err := a.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "user-1", v.UserID)
	assert.Equal(t, "alice", v.Username)
	assert.Equal(t, "owner", v.Role)
	assert.False(t, v.IsService)
}

func TestIssueServiceTokenUnknownNameRejected(t *testing.T) {
	a := newTestAuthority(t)

	_, err := a.IssueServiceToken("not-a-real-service")
	require.Error(t, err)
	assert.Equal(t, apperr.Validation, apperr.KindOf(err))
}

func TestIssueServiceTokenValidAndCached(t *testing.T) {
	a := newTestAuthority(t)

	tok1, err := a.IssueServiceToken("notification")
	require.NoError(t, err)

	tok2, err := a.IssueServiceToken("notification")
	require.NoError(t, err)
	assert.Equal(t, tok1, tok2, "fresh token should be served from cache")

	v, err := a.Verify(tok1)
	require.NoError(t, err)
	assert.True(t, v.IsService)
	assert.Equal(t, "notification", v.UserID)
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	a := newTestAuthority(t)

	tok, err := a.IssueUserToken("user-1", "alice", "viewer", -time.Minute)
	require.NoError(t, err)

	_, err = a.Verify(tok)
	require.Error(t, err)
	assert.Equal(t, apperr.Unauthenticated, apperr.KindOf(err))
}

func TestVerifyRejectsGarbage(t *testing.T) {
	a := newTestAuthority(t)

	_, err := a.Verify("not.a.jwt")
	require.Error(t, err)
	assert.Equal(t, apperr.Unauthenticated, apperr.KindOf(err))
}

func TestVerifyRejectsTokenSignedWithDifferentSecret(t *testing.T) {
	a1 := newTestAuthority(t)
	a2, err := New("a-totally-different-secret")
	require.NoError(t, err)

	tok, err := a1.IssueUserToken("user-1", "alice", "owner", time.Hour)
	require.NoError(t, err)

	_, err = a2.Verify(tok)
	require.Error(t, err)
}

func TestSignAndVerifyRequestRoundTrip(t *testing.T) {
	a := newTestAuthority(t)
	body := []byte(`{"hello":"world"}`)

	sig, ts := a.SignRequest("POST", "/v1/devices/123/events", body)
	ok := a.VerifySignature("POST", "/v1/devices/123/events", sig, ts, body, 0)
	assert.True(t, ok)
}

func TestVerifySignatureRejectsTamperedBody(t *testing.T) {
	a := newTestAuthority(t)
	sig, ts := a.SignRequest("POST", "/v1/devices/123/events", []byte(`{"a":1}`))

	ok := a.VerifySignature("POST", "/v1/devices/123/events", sig, ts, []byte(`{"a":2}`), 0)
	assert.False(t, ok)
}

func TestVerifySignatureRejectsStaleTimestamp(t *testing.T) {
	a := newTestAuthority(t)
	body := []byte("payload")

	sig, ts := a.SignRequest("GET", "/v1/health", body)
	staleTs := ts - int64((400 * time.Second).Seconds())

	ok := a.VerifySignature("GET", "/v1/health", sig, staleTs, body, 0)
	assert.False(t, ok)
}

func TestVerifySignatureAllowsSkewWithinBound(t *testing.T) {
	a := newTestAuthority(t)
	body := []byte("payload")
	ts := time.Now().Add(-200 * time.Second).Unix()

	mac := hmac.New(sha256.New, a.secret)
	mac.Write(canonicalPayload("GET", "/v1/health", ts, body))
	sig := hex.EncodeToString(mac.Sum(nil))

	ok := a.VerifySignature("GET", "/v1/health", sig, ts, body, 300*time.Second)
	assert.True(t, ok)
}
