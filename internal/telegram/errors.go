package telegram

import (
	"fmt"
	"time"

	apperrors "github.com/kaninstein/invitee-bot-2.0/pkg/errors"
)

// APIError is a Bot API response with ok=false.
type APIError struct {
	Method      string
	Code        int
	Description string
	RetryAfter  time.Duration
}

func (e *APIError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("telegram %s: %d %s (retry after %s)", e.Method, e.Code, e.Description, e.RetryAfter)
	}
	return fmt.Sprintf("telegram %s: %d %s", e.Method, e.Code, e.Description)
}

// Is classifies flood control as rate limiting and 5xx as unavailability.
func (e *APIError) Is(target error) bool {
	switch target {
	case apperrors.ErrRateLimited:
		return e.Code == 429
	case apperrors.ErrServiceUnavail:
		return e.Code >= 500
	case apperrors.ErrForbidden:
		return e.Code == 403
	}
	return false
}
