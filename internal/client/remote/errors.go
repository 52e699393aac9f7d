package remote

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrAuth means the server did not accept the device credentials.
	ErrAuth = errors.New("remote: unauthorized")
	// ErrValidation means the server rejected the request as malformed.
	ErrValidation = errors.New("remote: request rejected")
	// ErrTransient covers transport failures and server-side errors. Retrying later may succeed.
	ErrTransient = errors.New("remote: transient failure")

	errMissingBaseURL = errors.New("remote: base url is required")
)

// StatusError reports a non-2xx response.
type StatusError struct {
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("api %s failed: %d %s", e.Path, e.StatusCode, e.Body)
}

// Unwrap classifies the status so callers can use errors.Is with the sentinels.
func (e *StatusError) Unwrap() error {
	return classifyStatus(e.StatusCode)
}

// TransportError wraps a failure that happened before a response arrived.
type TransportError struct {
	Path string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("api %s unreachable: %v", e.Path, e.Err)
}

func (e *TransportError) Unwrap() []error {
	return []error{ErrTransient, e.Err}
}

// IsAuth reports whether err means the device must bootstrap again.
func IsAuth(err error) bool {
	return errors.Is(err, ErrAuth)
}

// IsValidation reports whether the server refused the request itself, such
// as a bootstrap with a token that does not match the registered device.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

func classifyStatus(status int) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrAuth
	case status == http.StatusTooManyRequests || status == http.StatusRequestTimeout:
		return ErrTransient
	case status >= 400 && status < 500:
		return ErrValidation
	default:
		return ErrTransient
	}
}
