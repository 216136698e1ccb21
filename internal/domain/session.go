package domain

import "time"

// SessionStep names where a user is in the verification flow.
type SessionStep string

// StepAwaitingIdentifier is the only step: the bot is waiting for the
// user's external account identifier.
const StepAwaitingIdentifier SessionStep = "awaiting_identifier"

// Session is a short-lived verification session keyed by platform user id.
type Session struct {
	UserID         string      `json:"user_id"`
	PlatformUserID int64       `json:"platform_user_id"`
	Step           SessionStep `json:"step"`
	CreatedAt      time.Time   `json:"created_at"`
	ExpiresAt      time.Time   `json:"expires_at"`
}

// Expired reports whether the session is past its deadline at now.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Invite is a single-use group invitation issued to a verified user.
type Invite struct {
	Link      string    `json:"link"`
	Name      string    `json:"name"`
	ExpiresAt time.Time `json:"expires_at"`
}
