package repository

import (
	"context"

	"github.com/kaninstein/invitee-bot-2.0/internal/domain"
)

// UserRepository defines the persistence operations on bot users.
type UserRepository interface {
	// Upsert creates the user on first contact or refreshes the profile
	// fields of an existing one.
	Upsert(ctx context.Context, p domain.Profile) (*domain.User, error)

	// GetByPlatformID retrieves a user by messaging-platform id.
	GetByPlatformID(ctx context.Context, platformUserID int64) (*domain.User, error)

	// ReserveAttempt atomically takes one attempt if fewer than max are
	// used and returns the new count, or domain.ErrAttemptsExhausted.
	ReserveAttempt(ctx context.Context, userID string, max int) (int, error)

	// RefundAttempt returns a reserved attempt whose lookup was inconclusive
	// or did not count.
	RefundAttempt(ctx context.Context, userID string) error

	// FindVerifiedOwner returns the id of the verified user bound to
	// externalAccountID, or "" when there is none.
	FindVerifiedOwner(ctx context.Context, externalAccountID string) (string, error)

	// BindVerified marks the user verified with the external identifier and
	// grants group access. A concurrent binding of the same identifier
	// yields *domain.DuplicateBindingError.
	BindVerified(ctx context.Context, userID, externalAccountID string) error

	// RevokeAccess clears group access for the user.
	RevokeAccess(ctx context.Context, platformUserID int64) error

	// Stats returns user counters.
	Stats(ctx context.Context) (*domain.Stats, error)

	// ListWithAccess returns up to limit users holding group access,
	// most recently updated first.
	ListWithAccess(ctx context.Context, limit int) ([]domain.User, error)
}
