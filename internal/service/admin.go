package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kaninstein/invitee-bot-2.0/internal/affiliate"
	"github.com/kaninstein/invitee-bot-2.0/internal/domain"
	"github.com/kaninstein/invitee-bot-2.0/internal/repository"
)

// listLimit caps the /users listing.
const listLimit = 20

// AffiliateInfo reads the affiliate account summary.
type AffiliateInfo interface {
	Basic(ctx context.Context) (*affiliate.BasicInfo, error)
}

// AccessRevoker takes group access away from a user.
type AccessRevoker interface {
	RevokeAccess(ctx context.Context, platformUserID int64) error
}

// RevocationPublisher publishes access.revoked events.
type RevocationPublisher interface {
	PublishAccessRevoked(ctx context.Context, platformUserID, revokedBy int64) error
}

// StatsReport combines user counters with the affiliate summary. Affiliate
// is nil when the affiliate API could not be reached.
type StatsReport struct {
	Users     *domain.Stats
	Affiliate *affiliate.BasicInfo
}

// AdminService implements the operator commands.
type AdminService struct {
	repo      repository.UserRepository
	affiliate AffiliateInfo
	revoker   AccessRevoker
	events    RevocationPublisher
	logger    *slog.Logger
}

// NewAdminService creates a new admin service.
func NewAdminService(
	repo repository.UserRepository,
	affiliate AffiliateInfo,
	revoker AccessRevoker,
	events RevocationPublisher,
	logger *slog.Logger,
) *AdminService {
	return &AdminService{
		repo:      repo,
		affiliate: affiliate,
		revoker:   revoker,
		events:    events,
		logger:    logger,
	}
}

// Stats returns user counters and, best-effort, the affiliate summary.
func (s *AdminService) Stats(ctx context.Context) (*StatsReport, error) {
	stats, err := s.repo.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("load stats: %w", err)
	}
	report := &StatsReport{Users: stats}

	info, err := s.affiliate.Basic(ctx)
	if err != nil {
		s.logger.WarnContext(ctx, "affiliate summary unavailable", slog.String("error", err.Error()))
		return report, nil
	}
	report.Affiliate = info
	return report, nil
}

// ListWithAccess returns the most recently updated users holding access.
func (s *AdminService) ListWithAccess(ctx context.Context) ([]domain.User, error) {
	users, err := s.repo.ListWithAccess(ctx, listLimit)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return users, nil
}

// RevokeAccess removes targetID from the group and clears its access flag.
// The user stays verified.
func (s *AdminService) RevokeAccess(ctx context.Context, adminID, targetID int64) error {
	if err := s.revoker.RevokeAccess(ctx, targetID); err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "access revoked",
		slog.Int64("target_id", targetID),
		slog.Int64("admin_id", adminID),
	)
	if err := s.events.PublishAccessRevoked(ctx, targetID, adminID); err != nil {
		s.logger.WarnContext(ctx, "failed to publish access.revoked", slog.String("error", err.Error()))
	}
	return nil
}
