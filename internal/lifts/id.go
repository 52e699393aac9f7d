package lifts

import (
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/prcalc/internal/wire"
)

// ErrInvalidAccountID indicates that an account identifier is empty or exceeds storage bounds.
var ErrInvalidAccountID = errors.New("lifts: invalid account id")

// AccountID scopes every read and write performed by the Service.
type AccountID string

// NewAccountID validates raw input and returns an AccountID.
func NewAccountID(rawInput string) (AccountID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidAccountID)
	}
	if len(trimmed) > wire.MaxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidAccountID, wire.MaxIdentifierLength)
	}
	return AccountID(trimmed), nil
}

// String returns the underlying string identifier.
func (id AccountID) String() string {
	return string(id)
}
