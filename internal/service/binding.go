package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kaninstein/invitee-bot-2.0/internal/domain"
	"github.com/kaninstein/invitee-bot-2.0/internal/repository"
)

// BindingGuard keeps every external identifier bound to at most one
// verified user. The pre-check gives a friendly answer in the common case;
// the partial unique index settles races.
type BindingGuard struct {
	repo   repository.UserRepository
	logger *slog.Logger
}

// NewBindingGuard creates a new binding guard.
func NewBindingGuard(repo repository.UserRepository, logger *slog.Logger) *BindingGuard {
	return &BindingGuard{repo: repo, logger: logger}
}

// BindIfFree binds externalAccountID to userID and grants access, unless
// another verified user already owns it.
func (g *BindingGuard) BindIfFree(ctx context.Context, userID, externalAccountID string) error {
	owner, err := g.repo.FindVerifiedOwner(ctx, externalAccountID)
	if err != nil {
		return fmt.Errorf("check binding owner: %w", err)
	}
	if owner != "" && owner != userID {
		bindingConflicts.WithLabelValues("precheck").Inc()
		return &domain.DuplicateBindingError{ExternalAccountID: externalAccountID, OwnerID: owner}
	}

	err = g.repo.BindVerified(ctx, userID, externalAccountID)
	if dup, ok := domain.IsDuplicateBinding(err); ok {
		bindingConflicts.WithLabelValues("index").Inc()
		if owner, lookupErr := g.repo.FindVerifiedOwner(ctx, externalAccountID); lookupErr == nil {
			dup.OwnerID = owner
		}
		g.logger.WarnContext(ctx, "concurrent binding lost to unique index",
			slog.String("user_id", userID),
			slog.String("owner_id", dup.OwnerID),
		)
		return dup
	}
	if err != nil {
		return fmt.Errorf("bind identifier: %w", err)
	}
	return nil
}
