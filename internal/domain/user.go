package domain

import (
	"time"
)

// VerificationStatus is the affiliate verification state of a user.
type VerificationStatus string

const (
	StatusUnverified VerificationStatus = "unverified"
	StatusVerified   VerificationStatus = "verified"
)

// User is a messaging-platform user known to the bot. Rows are created on
// first interaction and never hard-deleted.
type User struct {
	ID                   string             `json:"id"`
	PlatformUserID       int64              `json:"platform_user_id"`
	Username             string             `json:"username,omitempty"`
	FirstName            string             `json:"first_name,omitempty"`
	LastName             string             `json:"last_name,omitempty"`
	ReferralToken        string             `json:"referral_token"`
	ExternalAccountID    *string            `json:"external_account_id,omitempty"`
	VerificationStatus   VerificationStatus `json:"verification_status"`
	GroupAccess          bool               `json:"group_access"`
	VerificationAttempts int                `json:"verification_attempts"`
	LastVerificationAt   *time.Time         `json:"last_verification_at,omitempty"`
	CreatedAt            time.Time          `json:"created_at"`
	UpdatedAt            time.Time          `json:"updated_at"`
}

// Profile is the platform-supplied identity used to upsert a User.
type Profile struct {
	PlatformUserID int64
	Username       string
	FirstName      string
	LastName       string
}

// IsVerified reports whether the user has a confirmed affiliate binding.
func (u *User) IsVerified() bool {
	return u.VerificationStatus == StatusVerified
}

// AttemptsRemaining returns how many identifier submissions are left under
// max, never negative.
func (u *User) AttemptsRemaining(max int) int {
	if r := max - u.VerificationAttempts; r > 0 {
		return r
	}
	return 0
}

// DisplayName picks the most human label available.
func (u *User) DisplayName() string {
	switch {
	case u.Username != "":
		return "@" + u.Username
	case u.FirstName != "":
		return u.FirstName
	default:
		return "user"
	}
}

// Stats summarises the user table for administrators.
type Stats struct {
	Total      int `json:"total"`
	Verified   int `json:"verified"`
	WithAccess int `json:"with_access"`
	Last24h    int `json:"last_24h"`
}
