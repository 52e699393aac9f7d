package lifts

import (
	"errors"
	"fmt"
)

var (
	errMissingDatabase  = errors.New("lifts: database handle is required")
	errMissingAccount   = errors.New("lifts: account id is required")
	errMissingDirectory = errors.New("lifts: device directory is required")
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
	opServiceNew = "lifts.service.new"
	opPush       = "lifts.push"
	opPull       = "lifts.pull"
	opExport     = "lifts.export"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}
