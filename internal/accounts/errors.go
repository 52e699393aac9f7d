package accounts

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingCredentials indicates that a device id or token was not supplied.
	ErrMissingCredentials = errors.New("accounts: device id and token are required")
	// ErrInvalidDeviceID indicates that a device identifier exceeds storage bounds.
	ErrInvalidDeviceID = errors.New("accounts: invalid device id")
	// ErrUnknownDevice indicates that no device is registered under the id.
	ErrUnknownDevice = errors.New("accounts: unknown device")
	// ErrTokenMismatch indicates that the presented token does not match the registered fingerprint.
	ErrTokenMismatch = errors.New("accounts: device token mismatch")

	errMissingDatabase   = errors.New("accounts: database handle is required")
	errMissingIDProvider = errors.New("accounts: id provider is required")
	errDeviceRegistered  = errors.New("accounts: device registered concurrently")
)

// ServiceError carries a stable "<operation>.<reason>" code for API responses.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew    = "accounts.service.new"
	opBootstrap     = "accounts.bootstrap"
	opAuthenticate  = "accounts.authenticate"
	opTouch         = "accounts.touch"
	opFindDevice    = "accounts.find_device"
	opFindAccount   = "accounts.find_account"
	opRecentDevices = "accounts.recent_devices"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}
