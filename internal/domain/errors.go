package domain

import (
	"errors"
	"fmt"
	"time"

	apperrors "github.com/kaninstein/invitee-bot-2.0/pkg/errors"
)

var (
	// ErrInvalidIdentifier means the submitted identifier is not 8-15 digits.
	ErrInvalidIdentifier = fmt.Errorf("%w: identifier must be 8 to 15 digits", apperrors.ErrInvalidInput)

	// ErrNoActiveSession means there is no unexpired verification session.
	ErrNoActiveSession = fmt.Errorf("%w: no active verification session", apperrors.ErrNotFound)

	// ErrUserNotFound means no user row exists for the platform id.
	ErrUserNotFound = fmt.Errorf("%w: user", apperrors.ErrNotFound)

	// ErrAttemptsExhausted means the user has used every verification attempt.
	ErrAttemptsExhausted = fmt.Errorf("%w: verification attempts exhausted", apperrors.ErrForbidden)

	// ErrAlreadyVerified means the user is already bound to an identifier.
	ErrAlreadyVerified = fmt.Errorf("%w: user already verified", apperrors.ErrConflict)
)

// NotFoundError reports that the identifier is not among the affiliate's
// invitees.
type NotFoundError struct {
	Identifier string
	Remaining  int
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("identifier %s not found among invitees (%d attempts remaining)", e.Identifier, e.Remaining)
}

func (e *NotFoundError) Unwrap() error { return apperrors.ErrNotFound }

// DuplicateBindingError reports that another verified user already owns
// the external identifier.
type DuplicateBindingError struct {
	ExternalAccountID string
	OwnerID           string
}

func (e *DuplicateBindingError) Error() string {
	if e.OwnerID == "" {
		return fmt.Sprintf("identifier %s is already bound to another user", e.ExternalAccountID)
	}
	return fmt.Sprintf("identifier %s is already bound to user %s", e.ExternalAccountID, e.OwnerID)
}

func (e *DuplicateBindingError) Unwrap() error { return apperrors.ErrConflict }

// RateLimitedError reports that a subject exceeded an action's budget.
type RateLimitedError struct {
	Action     string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited on %s, retry after %s", e.Action, e.RetryAfter.Round(time.Second))
}

func (e *RateLimitedError) Unwrap() error { return apperrors.ErrRateLimited }

// IsDuplicateBinding extracts a *DuplicateBindingError from err.
func IsDuplicateBinding(err error) (*DuplicateBindingError, bool) {
	var dup *DuplicateBindingError
	ok := errors.As(err, &dup)
	return dup, ok
}
