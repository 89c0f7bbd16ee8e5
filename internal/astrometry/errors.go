package astrometry

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel causes wrapped inside PermanentError.
var (
	ErrAuthFailed      = errors.New("authentication failed")
	ErrRemote          = errors.New("solving service reported an error")
	ErrInvalidResponse = errors.New("invalid response from solving service")
)

// TransientError is a retryable failure: network errors, timeouts, 429 and 5xx responses.
type TransientError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("astrometry %s: transient: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError is a terminal failure: rejected credentials, 404 on a job, malformed payloads.
type PermanentError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("astrometry %s: %v", e.Op, e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// ConfigurationError short-circuits a call before any network traffic.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "plate solving not configured: " + e.Reason
}

// IsTransient reports whether err is retryable by a later poll.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// IsPermanent reports whether err is a terminal solving-service failure.
func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}

// IsNotFound reports whether err is a 404 from the solving service.
func IsNotFound(err error) bool {
	var p *PermanentError
	return errors.As(err, &p) && p.StatusCode == http.StatusNotFound
}

// IsConfiguration reports whether err is a ConfigurationError.
func IsConfiguration(err error) bool {
	var c *ConfigurationError
	return errors.As(err, &c)
}

// classifyTransport maps transport-level errors (refused connections, timeouts,
// cancelled requests) to TransientError.
func classifyTransport(op string, err error) error {
	return &TransientError{Op: op, Err: err}
}

// classifyStatus maps a non-2xx status to a typed error.
func classifyStatus(op string, code int, body []byte) error {
	snippet := string(body)
	if len(snippet) > 200 {
		snippet = snippet[:200]
	}
	cause := fmt.Errorf("status %d: %s", code, snippet)
	if code == http.StatusTooManyRequests || code >= http.StatusInternalServerError {
		return &TransientError{Op: op, StatusCode: code, Err: cause}
	}
	if code == http.StatusUnauthorized || code == http.StatusForbidden {
		cause = fmt.Errorf("%w: %w", ErrAuthFailed, cause)
	}
	return &PermanentError{Op: op, StatusCode: code, Err: cause}
}
