package access

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/kaninstein/invitee-bot-2.0/internal/domain"
	"github.com/kaninstein/invitee-bot-2.0/internal/telegram"
)

// Removal reasons recorded in metrics and member.removed events.
const (
	ReasonUnverified = "unverified"
	ReasonLookupFail = "lookup_failed"
	ReasonRevoked    = "revoked"
)

var (
	invitesIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "group_invites_issued_total",
		Help: "Single-use group invitations created",
	})

	membersRemoved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "group_members_removed_total",
			Help: "Members expelled from the gated group, by reason",
		},
		[]string{"reason"},
	)
)

// Platform is the messaging capability the provisioner needs.
type Platform interface {
	CreateChatInviteLink(ctx context.Context, chatID int64, name string, expireAt time.Time, memberLimit int) (*telegram.ChatInviteLink, error)
	BanChatMember(ctx context.Context, chatID, userID int64) error
	UnbanChatMember(ctx context.Context, chatID, userID int64, onlyIfBanned bool) error
	GetChatMember(ctx context.Context, chatID, userID int64) (*telegram.ChatMember, error)
	SendMessage(ctx context.Context, chatID int64, text string) error
}

// UserStore is the user persistence the provisioner reads and updates.
type UserStore interface {
	GetByPlatformID(ctx context.Context, platformUserID int64) (*domain.User, error)
	RevokeAccess(ctx context.Context, platformUserID int64) error
}

// EventPublisher publishes member.removed events.
type EventPublisher interface {
	PublishMemberRemoved(ctx context.Context, chatID, platformUserID int64, reason string) error
}

// Config configures a Provisioner.
type Config struct {
	GroupID   int64
	InviteTTL time.Duration
	// RemovalNotice is sent privately to an expelled member.
	RemovalNotice string
}

// Provisioner issues invitations to the gated group and keeps users
// without access out of it.
type Provisioner struct {
	platform Platform
	users    UserStore
	events   EventPublisher
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

// NewProvisioner creates a new provisioner.
func NewProvisioner(platform Platform, users UserStore, events EventPublisher, cfg Config, logger *slog.Logger) *Provisioner {
	return &Provisioner{
		platform: platform,
		users:    users,
		events:   events,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// GrantAccess creates a single-use invitation for platformUserID. A prior
// ban is lifted first so an expelled user can redeem it.
func (p *Provisioner) GrantAccess(ctx context.Context, platformUserID int64) (*domain.Invite, error) {
	if err := p.platform.UnbanChatMember(ctx, p.cfg.GroupID, platformUserID, true); err != nil {
		p.logger.WarnContext(ctx, "failed to lift ban before invite",
			slog.Int64("platform_user_id", platformUserID),
			slog.String("error", err.Error()),
		)
	}

	now := p.now()
	expires := now.Add(p.cfg.InviteTTL)
	name := fmt.Sprintf("verified_%d_%d", platformUserID, now.Unix())

	link, err := p.platform.CreateChatInviteLink(ctx, p.cfg.GroupID, name, expires, 1)
	if err != nil {
		return nil, fmt.Errorf("create invite link: %w", err)
	}
	invitesIssued.Inc()

	return &domain.Invite{Link: link.InviteLink, Name: name, ExpiresAt: expires}, nil
}

// HandleMembershipEvent checks a member who just joined the group. Members
// added by a group administrator are left alone. Anyone else stays only if
// they hold access; when that cannot be established they are removed.
func (p *Provisioner) HandleMembershipEvent(ctx context.Context, platformUserID int64, addedBy *int64) error {
	if addedBy != nil && *addedBy != platformUserID {
		member, err := p.platform.GetChatMember(ctx, p.cfg.GroupID, *addedBy)
		if err == nil && member.IsAdmin() {
			p.logger.InfoContext(ctx, "member added by administrator",
				slog.Int64("platform_user_id", platformUserID),
				slog.Int64("added_by", *addedBy),
			)
			return nil
		}
		if err != nil {
			p.logger.WarnContext(ctx, "could not check who added member", slog.String("error", err.Error()))
		}
	}

	user, err := p.users.GetByPlatformID(ctx, platformUserID)
	switch {
	case err == nil && user.GroupAccess:
		return nil
	case err == nil || errors.Is(err, domain.ErrUserNotFound):
		return p.remove(ctx, platformUserID, ReasonUnverified, true)
	default:
		p.logger.ErrorContext(ctx, "access lookup failed, removing member", slog.String("error", err.Error()))
		return p.remove(ctx, platformUserID, ReasonLookupFail, true)
	}
}

// RevokeAccess clears platformUserID's access and removes them from the
// group. Verification is kept.
func (p *Provisioner) RevokeAccess(ctx context.Context, platformUserID int64) error {
	if err := p.users.RevokeAccess(ctx, platformUserID); err != nil {
		return err
	}
	return p.remove(ctx, platformUserID, ReasonRevoked, false)
}

// remove expels the member with ban then unban, which leaves them free to
// rejoin later through a new invitation.
func (p *Provisioner) remove(ctx context.Context, platformUserID int64, reason string, notify bool) error {
	if err := p.platform.BanChatMember(ctx, p.cfg.GroupID, platformUserID); err != nil {
		return fmt.Errorf("remove member: %w", err)
	}
	if err := p.platform.UnbanChatMember(ctx, p.cfg.GroupID, platformUserID, true); err != nil {
		p.logger.WarnContext(ctx, "failed to lift ban after removal", slog.String("error", err.Error()))
	}
	membersRemoved.WithLabelValues(reason).Inc()
	p.logger.InfoContext(ctx, "member removed from group",
		slog.Int64("platform_user_id", platformUserID),
		slog.String("reason", reason),
	)

	if notify && p.cfg.RemovalNotice != "" {
		if err := p.platform.SendMessage(ctx, platformUserID, p.cfg.RemovalNotice); err != nil {
			p.logger.DebugContext(ctx, "removal notice not delivered", slog.String("error", err.Error()))
		}
	}
	if err := p.events.PublishMemberRemoved(ctx, p.cfg.GroupID, platformUserID, reason); err != nil {
		p.logger.WarnContext(ctx, "failed to publish member.removed", slog.String("error", err.Error()))
	}
	return nil
}
