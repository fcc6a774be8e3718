// Package usersync implements the user-sync engine: syncs an external
// identity provider's claims into the local user table, which remains
// the source of truth.
package usersync

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/cartofabric/fabric/internal/apperr"
	"github.com/cartofabric/fabric/pkg/identity"
	"github.com/cartofabric/fabric/pkg/store"
)

// UserStore is the subset of pkg/store.Users usersync depends on.
type UserStore interface {
	GetByNormalizedEmail(ctx context.Context, email string) (store.User, error)
	UsernameTaken(ctx context.Context, username string) (bool, error)
	Create(ctx context.Context, p store.CreateParams) (store.User, error)
	UpdateProfile(ctx context.Context, id uuid.UUID, firstName, lastName, email string, avatarURL *string, emailVerified bool) (store.User, error)
	SetActive(ctx context.Context, id uuid.UUID, active bool) error
}

// LinkStore is the subset of pkg/store.ProviderLinks usersync depends on.
type LinkStore interface {
	GetByProviderUserID(ctx context.Context, provider, providerUserID string) (store.ProviderLink, error)
	Create(ctx context.Context, userID uuid.UUID, provider, providerUserID string) (store.ProviderLink, error)
	Delete(ctx context.Context, userID uuid.UUID, provider string) (bool, error)
}

// PlanInitializer initializes default plan settings for a newly created
// user (supplemented feature, original_source's plan_settings.py).
type PlanInitializer interface {
	InitializeDefault(ctx context.Context, userID uuid.UUID) error
}

// Engine implements the sync/deactivate/link/unlink algorithm.
type Engine struct {
	users  UserStore
	links  LinkStore
	plans  PlanInitializer
	logger *slog.Logger
}

// New builds an Engine. plans may be nil to skip plan-settings init.
func New(users UserStore, links LinkStore, plans PlanInitializer, logger *slog.Logger) *Engine {
	return &Engine{users: users, links: links, plans: plans, logger: logger}
}

// Result is sync's (local_user_id?, created, updated) contract.
type Result struct {
	LocalUserID uuid.UUID
	Found       bool
	Created     bool
	Updated     bool
}

// Sync runs the full lookup/create/update/relink algorithm.
func (e *Engine) Sync(ctx context.Context, claims *identity.Claims, createIfMissing, updateProfile bool) (Result, error) {
	// Step 1: lookup by (provider, external id).
	link, err := e.links.GetByProviderUserID(ctx, string(claims.Provider), claims.ProviderUserID)
	switch {
	case err == nil:
		return e.handleExistingLink(ctx, link, claims, updateProfile)
	case !isNotFound(err):
		return Result{}, err
	}

	emailNormalized := strings.ToLower(strings.TrimSpace(claims.Email))

	// Step 2: auto-link by normalized email.
	if emailNormalized != "" {
		u, err := e.users.GetByNormalizedEmail(ctx, emailNormalized)
		if err == nil {
			return e.handleEmailMatch(ctx, u, claims, updateProfile)
		}
		if !isNotFound(err) {
			return Result{}, err
		}
	} else {
		e.logger.Warn("empty email in claims, skipping email match",
			"provider", claims.Provider, "provider_user_id", claims.ProviderUserID)
	}

	// Step 3: create if allowed.
	if !createIfMissing {
		return Result{Found: false}, nil
	}

	result, err := e.createNewUser(ctx, claims)
	if err == nil {
		return result, nil
	}
	if !isUniqueViolation(err) {
		return Result{}, err
	}

	// Step 4: retry step 2 once on uniqueness collision.
	e.logger.Warn("uniqueness collision creating user, retrying email match",
		"provider", claims.Provider, "provider_user_id", claims.ProviderUserID)
	if emailNormalized != "" {
		u, err := e.users.GetByNormalizedEmail(ctx, emailNormalized)
		if err == nil {
			return e.handleEmailMatch(ctx, u, claims, updateProfile)
		}
	}
	return Result{}, err
}

func (e *Engine) handleExistingLink(ctx context.Context, link store.ProviderLink, claims *identity.Claims, updateProfile bool) (Result, error) {
	result := Result{LocalUserID: link.UserID, Found: true}
	if !updateProfile {
		return result, nil
	}
	if _, err := e.updateProfile(ctx, link.UserID, claims); err != nil {
		return Result{}, err
	}
	result.Updated = true
	return result, nil
}

func (e *Engine) handleEmailMatch(ctx context.Context, u store.User, claims *identity.Claims, updateProfile bool) (Result, error) {
	e.logger.Info("auto-linking provider to existing user by email match",
		"provider", claims.Provider, "user_id", u.ID, "email", u.Email)

	if _, err := e.links.Create(ctx, u.ID, string(claims.Provider), claims.ProviderUserID); err != nil {
		return Result{}, err
	}

	result := Result{LocalUserID: u.ID, Found: true}
	if updateProfile {
		if _, err := e.updateProfile(ctx, u.ID, claims); err != nil {
			return Result{}, err
		}
		result.Updated = true
	}
	return result, nil
}

func (e *Engine) updateProfile(ctx context.Context, userID uuid.UUID, claims *identity.Claims) (store.User, error) {
	var avatar *string
	if claims.AvatarURL != "" {
		avatar = &claims.AvatarURL
	}
	return e.users.UpdateProfile(ctx, userID, claims.FirstName, claims.LastName, claims.Email, avatar, claims.EmailVerified)
}

func (e *Engine) createNewUser(ctx context.Context, claims *identity.Claims) (Result, error) {
	username := claims.Username
	if username == "" {
		base := strings.ToLower(strings.SplitN(claims.Email, "@", 2)[0])
		username = e.uniqueUsername(ctx, base)
	}

	e.logger.Info("creating new user", "username", username, "email", claims.Email)

	var avatar *string
	if claims.AvatarURL != "" {
		avatar = &claims.AvatarURL
	}

	u, err := e.users.Create(ctx, store.CreateParams{
		Username:   username,
		Email:      claims.Email,
		FirstName:  claims.FirstName,
		LastName:   claims.LastName,
		AvatarURL:  avatar,
		Role:       store.RoleMember,
		IsVerified: claims.EmailVerified,
	})
	if err != nil {
		return Result{}, err
	}

	if _, err := e.links.Create(ctx, u.ID, string(claims.Provider), claims.ProviderUserID); err != nil {
		return Result{}, err
	}

	if e.plans != nil {
		if err := e.plans.InitializeDefault(ctx, u.ID); err != nil {
			e.logger.Warn("failed to initialize default plan settings", "user_id", u.ID, "error", err)
		}
	}

	e.logger.Info("created user with provider link", "user_id", u.ID, "provider", claims.Provider)
	return Result{LocalUserID: u.ID, Found: true, Created: true}, nil
}

// uniqueUsername appends an incrementing numeric suffix until a free
// username is found.
func (e *Engine) uniqueUsername(ctx context.Context, base string) string {
	username := base
	for counter := 1; ; counter++ {
		taken, err := e.users.UsernameTaken(ctx, username)
		if err != nil || !taken {
			return username
		}
		username = base + itoa(counter)
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// Deactivate flips is_active=false on the user linked to
// (provider, externalUserID); idempotent.
func (e *Engine) Deactivate(ctx context.Context, provider, externalUserID string) (bool, error) {
	link, err := e.links.GetByProviderUserID(ctx, provider, externalUserID)
	if isNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := e.users.SetActive(ctx, link.UserID, false); err != nil {
		return false, err
	}
	return true, nil
}

// Link attaches provider/externalUserID to userID, refusing if already
// linked to a different user.
func (e *Engine) Link(ctx context.Context, userID uuid.UUID, provider, externalUserID string) (store.ProviderLink, error) {
	existing, err := e.links.GetByProviderUserID(ctx, provider, externalUserID)
	if err == nil {
		if existing.UserID != userID {
			return store.ProviderLink{}, apperr.New(apperr.Conflict, "this external account is already linked to another user")
		}
		return existing, nil
	}
	if !isNotFound(err) {
		return store.ProviderLink{}, err
	}
	return e.links.Create(ctx, userID, provider, externalUserID)
}

// Unlink removes the provider link for userID, returning false if absent.
func (e *Engine) Unlink(ctx context.Context, userID uuid.UUID, provider string) (bool, error) {
	return e.links.Delete(ctx, userID, provider)
}

func isNotFound(err error) bool {
	return apperr.KindOf(err) == apperr.NotFound
}

func isUniqueViolation(err error) bool {
	return errors.Is(err, pgx.ErrNoRows) || apperr.KindOf(err) == apperr.Conflict
}
