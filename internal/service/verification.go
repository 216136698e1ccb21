package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/kaninstein/invitee-bot-2.0/internal/affiliate"
	"github.com/kaninstein/invitee-bot-2.0/internal/domain"
	"github.com/kaninstein/invitee-bot-2.0/internal/ratelimit"
	"github.com/kaninstein/invitee-bot-2.0/internal/repository"
)

// SessionStore holds short-lived verification sessions.
type SessionStore interface {
	Start(ctx context.Context, userID string, platformUserID int64) (*domain.Session, error)
	Get(ctx context.Context, platformUserID int64) (*domain.Session, error)
	Consume(ctx context.Context, platformUserID int64) (*domain.Session, error)
	Delete(ctx context.Context, platformUserID int64) error
}

// RateLimiter applies per-action budgets.
type RateLimiter interface {
	Check(ctx context.Context, subjectID, action string) error
}

// IdentifierVerifier resolves affiliate membership of an identifier.
type IdentifierVerifier interface {
	VerifyIdentifier(ctx context.Context, id string) (bool, error)
}

// AccessGranter issues group invitations.
type AccessGranter interface {
	GrantAccess(ctx context.Context, platformUserID int64) (*domain.Invite, error)
}

// EventPublisher publishes verification events. Failures are logged only.
type EventPublisher interface {
	PublishUserVerified(ctx context.Context, u *domain.User) error
	PublishVerificationFailed(ctx context.Context, u *domain.User, externalAccountID, reason string, remaining int) error
}

// StartResult describes the state after a start or register command. User
// is set even when the returned error explains why no session was opened.
type StartResult struct {
	User    *domain.User
	Session *domain.Session
	// Invite is a fresh invitation for a user who already holds access.
	Invite *domain.Invite
}

// SubmitResult is the outcome of a successful verification. Invite is nil
// when the binding committed but the invitation could not be created.
type SubmitResult struct {
	User   *domain.User
	Invite *domain.Invite
}

// StatusView is what /status reports.
type StatusView struct {
	User        *domain.User
	Session     *domain.Session
	MaxAttempts int
}

// VerificationService drives the per-user verification state machine.
type VerificationService struct {
	repo        repository.UserRepository
	sessions    SessionStore
	limiter     RateLimiter
	verifier    IdentifierVerifier
	guard       *BindingGuard
	access      AccessGranter
	events      EventPublisher
	logger      *slog.Logger
	maxAttempts int
}

// NewVerificationService creates a new verification service.
func NewVerificationService(
	repo repository.UserRepository,
	sessions SessionStore,
	limiter RateLimiter,
	verifier IdentifierVerifier,
	guard *BindingGuard,
	access AccessGranter,
	events EventPublisher,
	logger *slog.Logger,
	maxAttempts int,
) *VerificationService {
	return &VerificationService{
		repo:        repo,
		sessions:    sessions,
		limiter:     limiter,
		verifier:    verifier,
		guard:       guard,
		access:      access,
		events:      events,
		logger:      logger,
		maxAttempts: maxAttempts,
	}
}

// MaxAttempts returns the per-user attempt budget.
func (s *VerificationService) MaxAttempts() int {
	return s.maxAttempts
}

// StartVerification registers the user and opens a session awaiting an
// identifier. action is ratelimit.ActionStart or ratelimit.ActionRegister.
// A user who already holds access gets a fresh invite instead.
func (s *VerificationService) StartVerification(ctx context.Context, p domain.Profile, action string) (*StartResult, error) {
	if err := s.limiter.Check(ctx, subject(p.PlatformUserID), action); err != nil {
		return nil, err
	}

	user, err := s.repo.Upsert(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("register user: %w", err)
	}
	res := &StartResult{User: user}

	if user.IsVerified() {
		if user.GroupAccess {
			invite, err := s.access.GrantAccess(ctx, p.PlatformUserID)
			if err != nil {
				s.logger.ErrorContext(ctx, "failed to reissue invite", slog.String("error", err.Error()))
			}
			res.Invite = invite
		}
		return res, domain.ErrAlreadyVerified
	}
	if user.VerificationAttempts >= s.maxAttempts {
		return res, domain.ErrAttemptsExhausted
	}

	sess, err := s.sessions.Start(ctx, user.ID, p.PlatformUserID)
	if err != nil {
		return nil, fmt.Errorf("start session: %w", err)
	}
	res.Session = sess
	return res, nil
}

// SubmitIdentifier resolves an identifier sent during an active session.
//
// Format errors and rate limiting leave the session untouched and consume
// no attempt. Otherwise the session is consumed, so concurrent submissions
// through one session are resolved once, and an attempt is reserved before
// the affiliate call. A user with no attempt left is rejected there. Only
// a clean not-found keeps the reservation; every other outcome refunds it.
func (s *VerificationService) SubmitIdentifier(ctx context.Context, platformUserID int64, raw string) (*SubmitResult, error) {
	id := strings.TrimSpace(raw)

	if _, err := s.sessions.Get(ctx, platformUserID); err != nil {
		return nil, err
	}
	if err := affiliate.ValidateIdentifier(id); err != nil {
		verificationOutcomes.WithLabelValues("invalid_format").Inc()
		return nil, err
	}
	if err := s.limiter.Check(ctx, subject(platformUserID), ratelimit.ActionSubmitIdentifier); err != nil {
		return nil, err
	}

	user, err := s.repo.GetByPlatformID(ctx, platformUserID)
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	if user.VerificationAttempts >= s.maxAttempts {
		s.dropSession(ctx, platformUserID)
		verificationOutcomes.WithLabelValues("exhausted").Inc()
		return nil, domain.ErrAttemptsExhausted
	}
	if user.IsVerified() {
		s.dropSession(ctx, platformUserID)
		return nil, domain.ErrAlreadyVerified
	}

	if _, err := s.sessions.Consume(ctx, platformUserID); err != nil {
		return nil, err
	}

	n, err := s.repo.ReserveAttempt(ctx, user.ID, s.maxAttempts)
	if err != nil {
		if errors.Is(err, domain.ErrAttemptsExhausted) {
			verificationOutcomes.WithLabelValues("exhausted").Inc()
		}
		return nil, err
	}

	found, err := s.verifier.VerifyIdentifier(ctx, id)
	if err != nil {
		verificationOutcomes.WithLabelValues("upstream_error").Inc()
		s.refundAttempt(ctx, user)
		s.reopenSession(ctx, user)
		return nil, err
	}

	if !found {
		user.VerificationAttempts = n
		remaining := user.AttemptsRemaining(s.maxAttempts)
		verificationOutcomes.WithLabelValues("not_found").Inc()
		s.publishFailed(ctx, user, id, "not_found", remaining)
		if remaining > 0 {
			s.reopenSession(ctx, user)
		}
		return nil, &domain.NotFoundError{Identifier: id, Remaining: remaining}
	}

	if err := s.guard.BindIfFree(ctx, user.ID, id); err != nil {
		s.refundAttempt(ctx, user)
		if _, ok := domain.IsDuplicateBinding(err); ok {
			verificationOutcomes.WithLabelValues("duplicate").Inc()
			s.publishFailed(ctx, user, id, "duplicate", user.AttemptsRemaining(s.maxAttempts))
		}
		return nil, err
	}
	s.refundAttempt(ctx, user)

	user.ExternalAccountID = &id
	user.VerificationStatus = domain.StatusVerified
	user.GroupAccess = true
	verificationOutcomes.WithLabelValues("verified").Inc()
	s.logger.InfoContext(ctx, "user verified", slog.String("user_id", user.ID))

	if err := s.events.PublishUserVerified(ctx, user); err != nil {
		s.logger.WarnContext(ctx, "failed to publish user.verified", slog.String("error", err.Error()))
	}

	res := &SubmitResult{User: user}
	invite, err := s.access.GrantAccess(ctx, platformUserID)
	if err != nil {
		s.logger.ErrorContext(ctx, "verified user could not be granted access", slog.String("error", err.Error()))
		return res, nil
	}
	res.Invite = invite
	return res, nil
}

// HasActiveSession reports whether the user is expected to send an
// identifier.
func (s *VerificationService) HasActiveSession(ctx context.Context, platformUserID int64) (bool, error) {
	_, err := s.sessions.Get(ctx, platformUserID)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, domain.ErrNoActiveSession):
		return false, nil
	default:
		return false, err
	}
}

// Status returns the user's verification state and any active session.
func (s *VerificationService) Status(ctx context.Context, platformUserID int64) (*StatusView, error) {
	user, err := s.repo.GetByPlatformID(ctx, platformUserID)
	if err != nil {
		return nil, err
	}
	view := &StatusView{User: user, MaxAttempts: s.maxAttempts}

	sess, err := s.sessions.Get(ctx, platformUserID)
	switch {
	case err == nil:
		view.Session = sess
	case !errors.Is(err, domain.ErrNoActiveSession):
		return nil, fmt.Errorf("load session: %w", err)
	}
	return view, nil
}

func (s *VerificationService) reopenSession(ctx context.Context, user *domain.User) {
	if _, err := s.sessions.Start(ctx, user.ID, user.PlatformUserID); err != nil {
		s.logger.WarnContext(ctx, "failed to reopen session", slog.String("error", err.Error()))
	}
}

func (s *VerificationService) refundAttempt(ctx context.Context, user *domain.User) {
	if err := s.repo.RefundAttempt(ctx, user.ID); err != nil {
		s.logger.WarnContext(ctx, "failed to refund attempt", slog.String("error", err.Error()))
	}
}

func (s *VerificationService) dropSession(ctx context.Context, platformUserID int64) {
	if err := s.sessions.Delete(ctx, platformUserID); err != nil {
		s.logger.WarnContext(ctx, "failed to drop session", slog.String("error", err.Error()))
	}
}

func (s *VerificationService) publishFailed(ctx context.Context, u *domain.User, id, reason string, remaining int) {
	if err := s.events.PublishVerificationFailed(ctx, u, id, reason, remaining); err != nil {
		s.logger.WarnContext(ctx, "failed to publish user.verification_failed", slog.String("error", err.Error()))
	}
}

func subject(platformUserID int64) string {
	return strconv.FormatInt(platformUserID, 10)
}
