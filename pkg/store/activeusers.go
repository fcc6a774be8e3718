package store

import (
	"context"

	"github.com/google/uuid"

	"github.com/cartofabric/fabric/internal/apperr"
	"github.com/cartofabric/fabric/pkg/identity"
)

// ActiveUsers implements pkg/identity.ActiveUserLookup over Users: a
// local-provider session's subject must resolve to a still-active row.
type ActiveUsers struct {
	users *Users
}

// NewActiveUsers builds an ActiveUsers lookup over users.
func NewActiveUsers(users *Users) *ActiveUsers {
	return &ActiveUsers{users: users}
}

// LookupActive resolves userID to identity.Claims, or
// apperr.Forbidden if the account has been deactivated.
func (a *ActiveUsers) LookupActive(ctx context.Context, userID string) (*identity.Claims, error) {
	id, err := uuid.Parse(userID)
	if err != nil {
		return nil, apperr.New(apperr.Unauthenticated, "invalid subject")
	}
	u, err := a.users.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !u.IsActive {
		return nil, apperr.New(apperr.Forbidden, "user is deactivated")
	}
	return &identity.Claims{
		Provider:      identity.ProviderLocal,
		LocalUserID:   u.ID.String(),
		Username:      u.Username,
		Email:         u.Email,
		EmailVerified: u.IsVerified,
		FirstName:     u.FirstName,
		LastName:      u.LastName,
	}, nil
}
