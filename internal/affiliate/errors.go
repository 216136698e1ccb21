package affiliate

import (
	"errors"
	"fmt"

	apperrors "github.com/kaninstein/invitee-bot-2.0/pkg/errors"
)

// ErrorKind classifies an UpstreamError.
type ErrorKind string

const (
	// KindTransport covers timeouts, refused connections and an open breaker.
	KindTransport ErrorKind = "transport"
	// KindServer is a 5xx response.
	KindServer ErrorKind = "server"
	// KindConfig means the credentials or signature were rejected. Retrying
	// cannot help until configuration changes.
	KindConfig ErrorKind = "config"
	// KindRejected is any other 4xx or a non-success envelope code.
	KindRejected ErrorKind = "rejected"
	// KindProtocol is a response that could not be decoded.
	KindProtocol ErrorKind = "protocol"
)

// UpstreamError is returned for every failed affiliate API call. It
// matches apperrors.ErrServiceUnavail under errors.Is.
type UpstreamError struct {
	Kind       ErrorKind
	StatusCode int
	Code       string
	Message    string
	Retryable  bool
	RequestID  string
	Err        error
}

func (e *UpstreamError) Error() string {
	msg := fmt.Sprintf("affiliate api %s error", e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Code != "" {
		msg += fmt.Sprintf(" code=%s", e.Code)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Is makes every UpstreamError classify as a dependency outage.
func (e *UpstreamError) Is(target error) bool {
	return target == apperrors.ErrServiceUnavail
}

// IsConfigError reports whether err is a KindConfig UpstreamError.
func IsConfigError(err error) bool {
	var upErr *UpstreamError
	return errors.As(err, &upErr) && upErr.Kind == KindConfig
}
