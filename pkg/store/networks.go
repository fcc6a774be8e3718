package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/cartofabric/fabric/internal/apperr"
	"github.com/cartofabric/fabric/internal/db"
)

// Network is a row of the networks table.
type Network struct {
	ID        uuid.UUID
	OwnerID   uuid.UUID
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NetworkPermission grants a user a role on a network they don't own.
type NetworkPermission struct {
	ID        uuid.UUID
	NetworkID uuid.UUID
	UserID    uuid.UUID
	Role      Role
	CreatedAt time.Time
}

// Networks provides persistence for the networks table, including the
// per-user network-limit check (NETWORK_LIMIT_PER_USER, honoring
// NETWORK_LIMIT_EXEMPT_ROLES).
type Networks struct {
	dbtx db.DBTX
}

// NewNetworks builds a Networks store over dbtx.
func NewNetworks(dbtx db.DBTX) *Networks { return &Networks{dbtx: dbtx} }

const networkColumns = `id, owner_id, name, created_at, updated_at`

func scanNetwork(row pgx.Row) (Network, error) {
	var n Network
	err := row.Scan(&n.ID, &n.OwnerID, &n.Name, &n.CreatedAt, &n.UpdatedAt)
	return n, err
}

// CountOwnedBy returns how many networks ownerID currently owns.
func (s *Networks) CountOwnedBy(ctx context.Context, ownerID uuid.UUID) (int, error) {
	var count int
	err := s.dbtx.QueryRow(ctx, `SELECT count(*) FROM networks WHERE owner_id = $1`, ownerID).Scan(&count)
	return count, err
}

// Create inserts a new network. Callers must enforce the per-user limit
// (via CountOwnedBy) before calling Create; exempt roles skip that check.
func (s *Networks) Create(ctx context.Context, ownerID uuid.UUID, name string) (Network, error) {
	row := s.dbtx.QueryRow(ctx, `
		INSERT INTO networks (owner_id, name) VALUES ($1, $2)
		RETURNING `+networkColumns,
		ownerID, name,
	)
	return scanNetwork(row)
}

// GetByID fetches a network by id.
func (s *Networks) GetByID(ctx context.Context, id uuid.UUID) (Network, error) {
	row := s.dbtx.QueryRow(ctx, `SELECT `+networkColumns+` FROM networks WHERE id = $1`, id)
	n, err := scanNetwork(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Network{}, apperr.New(apperr.NotFound, "network not found")
	}
	return n, err
}

// ListOwnedOrPermitted returns every network userID owns or has an
// explicit NetworkPermission row for.
func (s *Networks) ListOwnedOrPermitted(ctx context.Context, userID uuid.UUID) ([]Network, error) {
	rows, err := s.dbtx.Query(ctx, `
		SELECT `+networkColumns+` FROM networks WHERE owner_id = $1
		UNION
		SELECT n.id, n.owner_id, n.name, n.created_at, n.updated_at
		FROM networks n JOIN network_permissions p ON p.network_id = n.id
		WHERE p.user_id = $1`, userID)
	if err != nil {
		return nil, fmt.Errorf("listing networks: %w", err)
	}
	defer rows.Close()

	var out []Network
	for rows.Next() {
		n, err := scanNetwork(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning network: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// ListNetworkIDs returns every network's id as a string, for broadcast
// fan-out that must reach all networks regardless of ownership.
func (s *Networks) ListNetworkIDs(ctx context.Context) ([]string, error) {
	rows, err := s.dbtx.Query(ctx, `SELECT id FROM networks`)
	if err != nil {
		return nil, fmt.Errorf("listing network ids: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning network id: %w", err)
		}
		out = append(out, id.String())
	}
	return out, rows.Err()
}

// AccessRole returns the effective role userID has on network, or
// apperr.Forbidden if none (owner implies OWNER; otherwise the explicit
// permission row's role).
func (s *Networks) AccessRole(ctx context.Context, networkID, userID uuid.UUID) (Role, error) {
	n, err := s.GetByID(ctx, networkID)
	if err != nil {
		return "", err
	}
	if n.OwnerID == userID {
		return RoleOwner, nil
	}

	var role Role
	err = s.dbtx.QueryRow(ctx, `SELECT role FROM network_permissions WHERE network_id = $1 AND user_id = $2`, networkID, userID).Scan(&role)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", apperr.New(apperr.Forbidden, "no access to network")
	}
	return role, err
}

// NetworkLimitCheck enforces NETWORK_LIMIT_PER_USER, exempting roles
// listed in NETWORK_LIMIT_EXEMPT_ROLES.
func (s *Networks) NetworkLimitCheck(ctx context.Context, ownerID uuid.UUID, ownerRole Role, limit int, exemptRoles []Role) error {
	for _, r := range exemptRoles {
		if r == ownerRole {
			return nil
		}
	}
	if limit <= 0 {
		return nil
	}
	count, err := s.CountOwnedBy(ctx, ownerID)
	if err != nil {
		return fmt.Errorf("checking network limit: %w", err)
	}
	if count >= limit {
		return apperr.New(apperr.Validation, "network limit reached for this account")
	}
	return nil
}
