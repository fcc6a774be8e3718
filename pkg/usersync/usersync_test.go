package usersync

import (
	"context"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cartofabric/fabric/internal/apperr"
	"github.com/cartofabric/fabric/pkg/identity"
	"github.com/cartofabric/fabric/pkg/store"
)

// --- fakes ---

type fakeUsers struct {
	byEmail  map[string]store.User
	byID     map[uuid.UUID]store.User
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
	if f.usernames[p.Username] {
		return store.User{}, apperr.New(apperr.Conflict, "username taken")
	}
	u := store.User{ID: uuid.New(), Username: p.Username, Email: p.Email, FirstName: p.FirstName, LastName: p.LastName, IsActive: true, IsVerified: p.IsVerified}
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

func newEngine(users *fakeUsers, links *fakeLinks) *Engine {
	return New(users, links, nil, slog.New(slog.DiscardHandler))
}

// --- tests ---

func TestSyncCreatesNewUserWhenNoMatch(t *testing.T) {
	users, links := newFakeUsers(), newFakeLinks()
	e := newEngine(users, links)

	claims := &identity.Claims{Provider: identity.ProviderCloud, ProviderUserID: "ext-1", Email: "new@example.com", FirstName: "New", LastName: "Person"}
	result, err := e.Sync(context.Background(), claims, true, true)
	require.NoError(t, err)
	assert.True(t, result.Created)
	assert.True(t, result.Found)

	_, err = links.GetByProviderUserID(context.Background(), "cloud", "ext-1")
	require.NoError(t, err)
}

func TestSyncReturnsNotFoundWhenCreateDisallowed(t *testing.T) {
	users, links := newFakeUsers(), newFakeLinks()
	e := newEngine(users, links)

	claims := &identity.Claims{Provider: identity.ProviderCloud, ProviderUserID: "ext-2", Email: "nobody@example.com"}
	result, err := e.Sync(context.Background(), claims, false, false)
	require.NoError(t, err)
	assert.False(t, result.Found)
}

func TestSyncFindsByExistingLink(t *testing.T) {
	users, links := newFakeUsers(), newFakeLinks()
	existing, err := users.Create(context.Background(), store.CreateParams{Username: "alice", Email: "alice@example.com"})
	require.NoError(t, err)
	_, err = links.Create(context.Background(), existing.ID, "cloud", "ext-3")
	require.NoError(t, err)

	e := newEngine(users, links)
	claims := &identity.Claims{Provider: identity.ProviderCloud, ProviderUserID: "ext-3", Email: "alice@example.com"}
	result, err := e.Sync(context.Background(), claims, true, false)
	require.NoError(t, err)
	assert.Equal(t, existing.ID, result.LocalUserID)
	assert.False(t, result.Created)
}

func TestSyncAutoLinksByNormalizedEmail(t *testing.T) {
	users, links := newFakeUsers(), newFakeLinks()
	existing, err := users.Create(context.Background(), store.CreateParams{Username: "bob", Email: "bob@example.com"})
	require.NoError(t, err)

	e := newEngine(users, links)
	claims := &identity.Claims{Provider: identity.ProviderCloud, ProviderUserID: "ext-4", Email: "  Bob@Example.com  "}
	result, err := e.Sync(context.Background(), claims, true, false)
	require.NoError(t, err)
	assert.Equal(t, existing.ID, result.LocalUserID)
	assert.False(t, result.Created)

	_, err = links.GetByProviderUserID(context.Background(), "cloud", "ext-4")
	require.NoError(t, err)
}

func TestSyncUpdatesProfileWhenRequested(t *testing.T) {
	users, links := newFakeUsers(), newFakeLinks()
	existing, err := users.Create(context.Background(), store.CreateParams{Username: "carol", Email: "carol@example.com"})
	require.NoError(t, err)
	_, err = links.Create(context.Background(), existing.ID, "cloud", "ext-5")
	require.NoError(t, err)

	e := newEngine(users, links)
	claims := &identity.Claims{Provider: identity.ProviderCloud, ProviderUserID: "ext-5", Email: "carol@example.com", FirstName: "Carol", LastName: "Updated", EmailVerified: true}
	result, err := e.Sync(context.Background(), claims, true, true)
	require.NoError(t, err)
	assert.True(t, result.Updated)
	assert.Equal(t, "Updated", users.byID[existing.ID].LastName)
}

func TestUniqueUsernameAppendsSuffixOnCollision(t *testing.T) {
	users, links := newFakeUsers(), newFakeLinks()
	users.usernames["dave"] = true

	e := newEngine(users, links)
	claims := &identity.Claims{Provider: identity.ProviderCloud, ProviderUserID: "ext-6", Email: "dave@example.com"}
	result, err := e.Sync(context.Background(), claims, true, false)
	require.NoError(t, err)
	require.True(t, result.Created)
	assert.Equal(t, "dave1", users.byID[result.LocalUserID].Username)
}

func TestDeactivateFlipsActiveFlag(t *testing.T) {
	users, links := newFakeUsers(), newFakeLinks()
	existing, err := users.Create(context.Background(), store.CreateParams{Username: "erin", Email: "erin@example.com"})
	require.NoError(t, err)
	_, err = links.Create(context.Background(), existing.ID, "cloud", "ext-7")
	require.NoError(t, err)

	e := newEngine(users, links)
	found, err := e.Deactivate(context.Background(), "cloud", "ext-7")
	require.NoError(t, err)
	assert.True(t, found)
	assert.False(t, users.byID[existing.ID].IsActive)
}

func TestDeactivateIsIdempotentWhenLinkAbsent(t *testing.T) {
	e := newEngine(newFakeUsers(), newFakeLinks())
	found, err := e.Deactivate(context.Background(), "cloud", "nope")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestLinkRefusesWhenLinkedToAnotherUser(t *testing.T) {
	users, links := newFakeUsers(), newFakeLinks()
	userA, _ := users.Create(context.Background(), store.CreateParams{Username: "a", Email: "a@example.com"})
	userB, _ := users.Create(context.Background(), store.CreateParams{Username: "b", Email: "b@example.com"})
	_, err := links.Create(context.Background(), userA.ID, "cloud", "shared-ext")
	require.NoError(t, err)

	e := newEngine(users, links)
	_, err = e.Link(context.Background(), userB.ID, "cloud", "shared-ext")
	require.Error(t, err)
	assert.Equal(t, apperr.Conflict, apperr.KindOf(err))
}

func TestUnlinkRemovesLink(t *testing.T) {
	users, links := newFakeUsers(), newFakeLinks()
	u, _ := users.Create(context.Background(), store.CreateParams{Username: "f", Email: "f@example.com"})
	_, err := links.Create(context.Background(), u.ID, "cloud", "ext-8")
	require.NoError(t, err)

	e := newEngine(users, links)
	ok, err := e.Unlink(context.Background(), u.ID, "cloud")
	require.NoError(t, err)
	assert.True(t, ok)
}
