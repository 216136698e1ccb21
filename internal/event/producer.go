package event

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/kaninstein/invitee-bot-2.0/internal/domain"
	pkgkafka "github.com/kaninstein/invitee-bot-2.0/pkg/kafka"
)

// Aggregate types.
const (
	AggregateTypeUser   = "user"
	AggregateTypeAccess = "access"
	AggregateTypeMember = "member"
)

// Kafka topics for bot domain events.
var (
	TopicUserVerified           = pkgkafka.Topic(AggregateTypeUser, "verified")
	TopicUserVerificationFailed = pkgkafka.Topic(AggregateTypeUser, "verification_failed")
	TopicAccessRevoked          = pkgkafka.Topic(AggregateTypeAccess, "revoked")
	TopicMemberRemoved          = pkgkafka.Topic(AggregateTypeMember, "removed")
)

// SourceInviteeBot identifies events originating from this process.
const SourceInviteeBot = "invitee-bot"

// UserVerifiedData is the payload for a user.verified event.
type UserVerifiedData struct {
	UserID            string    `json:"user_id"`
	PlatformUserID    int64     `json:"platform_user_id"`
	ExternalAccountID string    `json:"external_account_id"`
	Attempts          int       `json:"attempts"`
	VerifiedAt        time.Time `json:"verified_at"`
}

// VerificationFailedData is the payload for a user.verification_failed event.
type VerificationFailedData struct {
	UserID            string `json:"user_id"`
	PlatformUserID    int64  `json:"platform_user_id"`
	ExternalAccountID string `json:"external_account_id"`
	Reason            string `json:"reason"`
	Remaining         int    `json:"remaining_attempts"`
}

// AccessRevokedData is the payload for an access.revoked event.
type AccessRevokedData struct {
	PlatformUserID int64 `json:"platform_user_id"`
	RevokedBy      int64 `json:"revoked_by"`
}

// MemberRemovedData is the payload for a member.removed event.
type MemberRemovedData struct {
	PlatformUserID int64  `json:"platform_user_id"`
	ChatID         int64  `json:"chat_id"`
	Reason         string `json:"reason"`
}

// Publisher is the part of pkg/kafka.Producer used here.
type Publisher interface {
	Publish(ctx context.Context, topic string, event *pkgkafka.Event) error
}

// Producer publishes bot domain events. With a nil publisher every call is
// a logged no-op, which is how the bot runs without Kafka.
type Producer struct {
	kafka  Publisher
	logger *slog.Logger
}

// NewProducer creates a new event producer. kafka may be nil.
func NewProducer(kafka Publisher, logger *slog.Logger) *Producer {
	return &Producer{kafka: kafka, logger: logger}
}

// PublishUserVerified publishes a user.verified event.
func (p *Producer) PublishUserVerified(ctx context.Context, u *domain.User) error {
	data := UserVerifiedData{
		UserID:         u.ID,
		PlatformUserID: u.PlatformUserID,
		Attempts:       u.VerificationAttempts,
		VerifiedAt:     time.Now().UTC(),
	}
	if u.ExternalAccountID != nil {
		data.ExternalAccountID = *u.ExternalAccountID
	}
	return p.publish(ctx, TopicUserVerified, u.ID, AggregateTypeUser, data)
}

// PublishVerificationFailed publishes a user.verification_failed event.
func (p *Producer) PublishVerificationFailed(ctx context.Context, u *domain.User, externalAccountID, reason string, remaining int) error {
	data := VerificationFailedData{
		UserID:            u.ID,
		PlatformUserID:    u.PlatformUserID,
		ExternalAccountID: externalAccountID,
		Reason:            reason,
		Remaining:         remaining,
	}
	return p.publish(ctx, TopicUserVerificationFailed, u.ID, AggregateTypeUser, data)
}

// PublishAccessRevoked publishes an access.revoked event.
func (p *Producer) PublishAccessRevoked(ctx context.Context, platformUserID, revokedBy int64) error {
	data := AccessRevokedData{PlatformUserID: platformUserID, RevokedBy: revokedBy}
	return p.publish(ctx, TopicAccessRevoked, strconv.FormatInt(platformUserID, 10), AggregateTypeAccess, data)
}

// PublishMemberRemoved publishes a member.removed event.
func (p *Producer) PublishMemberRemoved(ctx context.Context, chatID, platformUserID int64, reason string) error {
	data := MemberRemovedData{PlatformUserID: platformUserID, ChatID: chatID, Reason: reason}
	return p.publish(ctx, TopicMemberRemoved, strconv.FormatInt(platformUserID, 10), AggregateTypeMember, data)
}

func (p *Producer) publish(ctx context.Context, topic, aggregateID, aggregateType string, data any) error {
	if p.kafka == nil {
		p.logger.DebugContext(ctx, "event dropped, kafka disabled", slog.String("topic", topic))
		return nil
	}

	evt, err := pkgkafka.NewEvent(ctx, topic, aggregateID, aggregateType, SourceInviteeBot, data)
	if err != nil {
		return fmt.Errorf("create %s event: %w", topic, err)
	}

	if err := p.kafka.Publish(ctx, topic, evt); err != nil {
		return fmt.Errorf("publish %s event: %w", topic, err)
	}
	return nil
}
