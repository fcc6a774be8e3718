// Package store is the pgx-backed persistence layer for the identity
// plane: Users, ProviderLinks, Invites, Networks, NetworkPermissions,
// and PasswordResetTokens. Hand-authored in the sqlc-generated shape
// (Queries over a db.DBTX), since no sqlc codegen ran here.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/cartofabric/fabric/internal/apperr"
	"github.com/cartofabric/fabric/internal/db"
)

// Role mirrors the OWNER/EDITOR/VIEWER/MEMBER hierarchy.
type Role string

const (
	RoleOwner  Role = "OWNER"
	RoleEditor Role = "EDITOR"
	RoleViewer Role = "VIEWER"
	RoleMember Role = "MEMBER"
)

// User is a row of the users table.
type User struct {
	ID             uuid.UUID
	Username       string
	Email          string
	FirstName      string
	LastName       string
	AvatarURL      *string
	HashedPassword string
	Role           Role
	IsActive       bool
	IsVerified     bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ProviderLink links an external identity provider's user id to a User.
type ProviderLink struct {
	ID             uuid.UUID
	UserID         uuid.UUID
	Provider       string
	ProviderUserID string
	CreatedAt      time.Time
}

const userColumns = `id, username, email, first_name, last_name, avatar_url, hashed_password, role, is_active, is_verified, created_at, updated_at`

func scanUser(row pgx.Row) (User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.FirstName, &u.LastName, &u.AvatarURL,
		&u.HashedPassword, &u.Role, &u.IsActive, &u.IsVerified, &u.CreatedAt, &u.UpdatedAt)
	return u, err
}

// Users provides persistence operations over the users table.
type Users struct {
	dbtx db.DBTX
}

// NewUsers builds a Users store over dbtx (pool or transaction).
func NewUsers(dbtx db.DBTX) *Users { return &Users{dbtx: dbtx} }

// GetByID fetches a user by id.
func (s *Users) GetByID(ctx context.Context, id uuid.UUID) (User, error) {
	row := s.dbtx.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	u, err := scanUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, apperr.New(apperr.NotFound, "user not found")
	}
	return u, err
}

// GetByUsername fetches a user by exact username.
func (s *Users) GetByUsername(ctx context.Context, username string) (User, error) {
	row := s.dbtx.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE username = $1`, username)
	u, err := scanUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, apperr.New(apperr.NotFound, "user not found")
	}
	return u, err
}

// GetByNormalizedEmail fetches a user by case-insensitive email match,
// trimming and lowercasing the lookup value first.
func (s *Users) GetByNormalizedEmail(ctx context.Context, email string) (User, error) {
	normalized := strings.ToLower(strings.TrimSpace(email))
	row := s.dbtx.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE lower(email) = $1`, normalized)
	u, err := scanUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, apperr.New(apperr.NotFound, "user not found")
	}
	return u, err
}

// UsernameTaken reports whether username is already in use.
func (s *Users) UsernameTaken(ctx context.Context, username string) (bool, error) {
	var exists bool
	err := s.dbtx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM users WHERE username = $1)`, username).Scan(&exists)
	return exists, err
}

// CreateParams holds the fields needed to insert a new user.
type CreateParams struct {
	Username       string
	Email          string
	FirstName      string
	LastName       string
	AvatarURL      *string
	HashedPassword string
	Role           Role
	IsVerified     bool
}

// Create inserts a new user, active by default.
func (s *Users) Create(ctx context.Context, p CreateParams) (User, error) {
	row := s.dbtx.QueryRow(ctx, `
		INSERT INTO users (username, email, first_name, last_name, avatar_url, hashed_password, role, is_active, is_verified)
		VALUES ($1, lower(trim($2)), $3, $4, $5, $6, $7, true, $8)
		RETURNING `+userColumns,
		p.Username, p.Email, p.FirstName, p.LastName, p.AvatarURL, p.HashedPassword, p.Role, p.IsVerified,
	)
	u, err := scanUser(row)
	if err != nil {
		return User{}, apperr.Wrap(apperr.Conflict, "creating user", err)
	}
	return u, nil
}

// UpdateProfile updates the mutable profile fields from an identity
// provider sync.
func (s *Users) UpdateProfile(ctx context.Context, id uuid.UUID, firstName, lastName, email string, avatarURL *string, emailVerified bool) (User, error) {
	row := s.dbtx.QueryRow(ctx, `
		UPDATE users SET
			first_name = COALESCE(NULLIF($2, ''), first_name),
			last_name = COALESCE(NULLIF($3, ''), last_name),
			email = CASE WHEN $4 = '' THEN email ELSE lower(trim($4)) END,
			avatar_url = $5,
			is_verified = $6,
			updated_at = now()
		WHERE id = $1
		RETURNING `+userColumns,
		id, firstName, lastName, email, avatarURL, emailVerified,
	)
	return scanUser(row)
}

// SetActive flips is_active.
func (s *Users) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	tag, err := s.dbtx.Exec(ctx, `UPDATE users SET is_active = $2, updated_at = now() WHERE id = $1`, id, active)
	if err != nil {
		return fmt.Errorf("setting user active=%v: %w", active, err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.New(apperr.NotFound, "user not found")
	}
	return nil
}

// ProviderLinks provides persistence for the provider_links table.
type ProviderLinks struct {
	dbtx db.DBTX
}

// NewProviderLinks builds a ProviderLinks store over dbtx.
func NewProviderLinks(dbtx db.DBTX) *ProviderLinks { return &ProviderLinks{dbtx: dbtx} }

const linkColumns = `id, user_id, provider, provider_user_id, created_at`

func scanLink(row pgx.Row) (ProviderLink, error) {
	var l ProviderLink
	err := row.Scan(&l.ID, &l.UserID, &l.Provider, &l.ProviderUserID, &l.CreatedAt)
	return l, err
}

// GetByProviderUserID looks up a link by (provider, external id).
func (s *ProviderLinks) GetByProviderUserID(ctx context.Context, provider, providerUserID string) (ProviderLink, error) {
	row := s.dbtx.QueryRow(ctx, `SELECT `+linkColumns+` FROM provider_links WHERE provider = $1 AND provider_user_id = $2`, provider, providerUserID)
	l, err := scanLink(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return ProviderLink{}, apperr.New(apperr.NotFound, "provider link not found")
	}
	return l, err
}

// Create inserts a new provider link.
func (s *ProviderLinks) Create(ctx context.Context, userID uuid.UUID, provider, providerUserID string) (ProviderLink, error) {
	row := s.dbtx.QueryRow(ctx, `
		INSERT INTO provider_links (user_id, provider, provider_user_id)
		VALUES ($1, $2, $3)
		RETURNING `+linkColumns,
		userID, provider, providerUserID,
	)
	l, err := scanLink(row)
	if err != nil {
		return ProviderLink{}, apperr.Wrap(apperr.Conflict, "creating provider link", err)
	}
	return l, nil
}

// ListByUser returns all links for a user.
func (s *ProviderLinks) ListByUser(ctx context.Context, userID uuid.UUID) ([]ProviderLink, error) {
	rows, err := s.dbtx.Query(ctx, `SELECT `+linkColumns+` FROM provider_links WHERE user_id = $1`, userID)
	if err != nil {
		return nil, fmt.Errorf("listing provider links: %w", err)
	}
	defer rows.Close()

	var out []ProviderLink
	for rows.Next() {
		l, err := scanLink(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning provider link: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// Delete removes the link for (userID, provider). Returns false if absent.
func (s *ProviderLinks) Delete(ctx context.Context, userID uuid.UUID, provider string) (bool, error) {
	tag, err := s.dbtx.Exec(ctx, `DELETE FROM provider_links WHERE user_id = $1 AND provider = $2`, userID, provider)
	if err != nil {
		return false, fmt.Errorf("deleting provider link: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}
