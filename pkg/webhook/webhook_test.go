package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cartofabric/fabric/internal/apperr"
	"github.com/cartofabric/fabric/pkg/identity"
	"github.com/cartofabric/fabric/pkg/store"
	"github.com/cartofabric/fabric/pkg/usersync"
)

func sign(t *testing.T, secret, id, ts, body string) string {
	t.Helper()
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(id + "." + ts + "." + body))
	return hex.EncodeToString(mac.Sum(nil))
}

func TestVerifyAcceptsValidSignature(t *testing.T) {
	v := NewVerifier("top-secret")
	body := []byte(`{"type":"user.created"}`)
	sig := sign(t, "top-secret", "msg-1", "1700000000", string(body))

	r := httptest.NewRequest(http.MethodPost, "/webhooks/identity", nil)
	r.Header.Set("id", "msg-1")
	r.Header.Set("timestamp", "1700000000")
	r.Header.Set("signature", sig)

	require.NoError(t, v.Verify(r, body))
}

func TestVerifyRejectsBadSignature(t *testing.T) {
	v := NewVerifier("top-secret")
	body := []byte(`{"type":"user.created"}`)

	r := httptest.NewRequest(http.MethodPost, "/webhooks/identity", nil)
	r.Header.Set("id", "msg-1")
	r.Header.Set("timestamp", "1700000000")
	r.Header.Set("signature", "not-a-real-signature")

	err := v.Verify(r, body)
	require.Error(t, err)
	assert.Equal(t, apperr.Unauthenticated, apperr.KindOf(err))
}

func TestVerifyRejectsMissingSecret(t *testing.T) {
	v := NewVerifier("")
	r := httptest.NewRequest(http.MethodPost, "/webhooks/identity", nil)
	err := v.Verify(r, []byte("{}"))
	require.Error(t, err)
	assert.Equal(t, apperr.Misconfiguration, apperr.KindOf(err))
}

// --- fake identity provider ---

type fakeProvider struct {
	result *identity.WebhookResult
	err    error
}

func (f *fakeProvider) ValidateToken(ctx context.Context, opaqueToken string) (*identity.Claims, error) {
	return nil, nil
}
func (f *fakeProvider) ValidateSession(ctx context.Context, r *http.Request) (*identity.Claims, error) {
	return nil, nil
}
func (f *fakeProvider) HandleWebhook(ctx context.Context, r *http.Request) (*identity.WebhookResult, error) {
	return f.result, f.err
}
func (f *fakeProvider) LoginURL(redirect string) string  { return "" }
func (f *fakeProvider) LogoutURL(redirect string) string { return "" }
func (f *fakeProvider) RevokeSession(ctx context.Context, sessionID string) (bool, error) {
	return true, nil
}

// --- fakes reused from the user-sync engine's own test doubles, trimmed
// to what the webhook handler exercises ---

type fakeUsers struct {
	byEmail   map[string]store.User
	byID      map[uuid.UUID]store.User
	usernames map[string]bool
}

func newFakeUsers() *fakeUsers {
	return &fakeUsers{byEmail: map[string]store.User{}, byID: map[uuid.UUID]store.User{}, usernames: map[string]bool{}}
}

func (f *fakeUsers) GetByNormalizedEmail(ctx context.Context, email string) (store.User, error) {
	u, ok := f.byEmail[email]
	if !ok {
		return store.User{}, apperr.New(apperr.NotFound, "user not found")
	}
	return u, nil
}

func (f *fakeUsers) UsernameTaken(ctx context.Context, username string) (bool, error) {
	return f.usernames[username], nil
}

func (f *fakeUsers) Create(ctx context.Context, p store.CreateParams) (store.User, error) {
	u := store.User{ID: uuid.New(), Username: p.Username, Email: p.Email, FirstName: p.FirstName, LastName: p.LastName, IsActive: true}
	f.usernames[p.Username] = true
	f.byID[u.ID] = u
	f.byEmail[u.Email] = u
	return u, nil
}

func (f *fakeUsers) UpdateProfile(ctx context.Context, id uuid.UUID, firstName, lastName, email string, avatarURL *string, emailVerified bool) (store.User, error) {
	u := f.byID[id]
	u.FirstName, u.LastName, u.IsVerified = firstName, lastName, emailVerified
	f.byID[id] = u
	return u, nil
}

func (f *fakeUsers) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	u, ok := f.byID[id]
	if !ok {
		return apperr.New(apperr.NotFound, "user not found")
	}
	u.IsActive = active
	f.byID[id] = u
	return nil
}

type fakeLinks struct {
	byProvider map[string]store.ProviderLink
}

func newFakeLinks() *fakeLinks {
	return &fakeLinks{byProvider: map[string]store.ProviderLink{}}
}

func linkKey(provider, externalID string) string { return provider + ":" + externalID }

func (f *fakeLinks) GetByProviderUserID(ctx context.Context, provider, providerUserID string) (store.ProviderLink, error) {
	l, ok := f.byProvider[linkKey(provider, providerUserID)]
	if !ok {
		return store.ProviderLink{}, apperr.New(apperr.NotFound, "provider link not found")
	}
	return l, nil
}

func (f *fakeLinks) Create(ctx context.Context, userID uuid.UUID, provider, providerUserID string) (store.ProviderLink, error) {
	l := store.ProviderLink{ID: uuid.New(), UserID: userID, Provider: provider, ProviderUserID: providerUserID}
	f.byProvider[linkKey(provider, providerUserID)] = l
	return l, nil
}

func (f *fakeLinks) Delete(ctx context.Context, userID uuid.UUID, provider string) (bool, error) {
	for k, l := range f.byProvider {
		if l.UserID == userID && l.Provider == provider {
			delete(f.byProvider, k)
			return true, nil
		}
	}
	return false, nil
}

func TestHandleRoutesUserCreatedIntoSync(t *testing.T) {
	users, links := newFakeUsers(), newFakeLinks()
	sync := usersync.New(users, links, nil, slog.New(slog.DiscardHandler))

	provider := &fakeProvider{result: &identity.WebhookResult{
		Received: true,
		Type:     "user.created",
		Data: map[string]any{
			"id":                       "ext-1",
			"username":                 "newuser",
			"first_name":               "New",
			"last_name":                "User",
			"primary_email_address_id": "email-1",
			"email_addresses": []map[string]any{
				{"id": "email-1", "email_address": "new@example.com", "verification": map[string]any{"status": "verified"}},
			},
		},
	}}

	h := NewHandler(provider, sync, slog.New(slog.DiscardHandler))
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("ignored-by-fake-provider"))
	rec := httptest.NewRecorder()
	h.handle(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	_, err := links.GetByProviderUserID(context.Background(), "cloud", "ext-1")
	require.NoError(t, err, "user.created should have synced a new user and provider link")
}

func TestHandleRoutesUserDeletedIntoDeactivate(t *testing.T) {
	users, links := newFakeUsers(), newFakeLinks()
	existing, err := users.Create(context.Background(), store.CreateParams{Username: "gone", Email: "gone@example.com"})
	require.NoError(t, err)
	_, err = links.Create(context.Background(), existing.ID, "cloud", "ext-2")
	require.NoError(t, err)

	sync := usersync.New(users, links, nil, slog.New(slog.DiscardHandler))
	provider := &fakeProvider{result: &identity.WebhookResult{
		Received: true,
		Type:     "user.deleted",
		Data:     map[string]any{"id": "ext-2"},
	}}

	h := NewHandler(provider, sync, slog.New(slog.DiscardHandler))
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	rec := httptest.NewRecorder()
	h.handle(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, users.byID[existing.ID].IsActive)
}

func TestHandleReturns401OnInvalidSignature(t *testing.T) {
	provider := &fakeProvider{err: apperr.New(apperr.Unauthenticated, "invalid webhook signature")}
	h := NewHandler(provider, usersync.New(newFakeUsers(), newFakeLinks(), nil, slog.New(slog.DiscardHandler)), slog.New(slog.DiscardHandler))

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	rec := httptest.NewRecorder()
	h.handle(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleReturns500OnMissingSecret(t *testing.T) {
	provider := &fakeProvider{err: apperr.New(apperr.Misconfiguration, "webhook secret not configured")}
	h := NewHandler(provider, usersync.New(newFakeUsers(), newFakeLinks(), nil, slog.New(slog.DiscardHandler)), slog.New(slog.DiscardHandler))

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	rec := httptest.NewRecorder()
	h.handle(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestHandleReturns400WhenLocalProviderDisablesWebhooks(t *testing.T) {
	provider := &fakeProvider{err: apperr.New(apperr.Validation, "webhooks are not applicable to the local identity provider")}
	h := NewHandler(provider, usersync.New(newFakeUsers(), newFakeLinks(), nil, slog.New(slog.DiscardHandler)), slog.New(slog.DiscardHandler))

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	rec := httptest.NewRecorder()
	h.handle(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleIgnoresUnrecognizedEventType(t *testing.T) {
	provider := &fakeProvider{result: &identity.WebhookResult{Received: true, Type: "session.created", Data: map[string]any{}}}
	h := NewHandler(provider, usersync.New(newFakeUsers(), newFakeLinks(), nil, slog.New(slog.DiscardHandler)), slog.New(slog.DiscardHandler))

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	rec := httptest.NewRecorder()
	h.handle(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}
