// Package wire holds the JSON contracts exchanged between sync clients and the API.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidEnvelope indicates that an envelope is missing its identifier.
var ErrInvalidEnvelope = errors.New("wire: invalid envelope")

// Envelope carries one entity snapshot. A Tombstone has no payload; a Present
// envelope always carries one, even when the entity is soft-deleted.
type Envelope[T any] struct {
	id          string
	updatedAtMs int64
	deletedAtMs *int64
	value       *T
}

// Present builds an envelope that carries a payload.
func Present[T any](id string, updatedAtMs int64, deletedAtMs *int64, value T) Envelope[T] {
	return Envelope[T]{
		id:          id,
		updatedAtMs: updatedAtMs,
		deletedAtMs: normalizeDeleted(deletedAtMs),
		value:       &value,
	}
}

// Tombstone builds an envelope that only carries timestamps.
func Tombstone[T any](id string, updatedAtMs int64, deletedAtMs *int64) Envelope[T] {
	return Envelope[T]{
		id:          id,
		updatedAtMs: updatedAtMs,
		deletedAtMs: normalizeDeleted(deletedAtMs),
	}
}

func (e Envelope[T]) ID() string {
	return e.id
}

func (e Envelope[T]) UpdatedAtMs() int64 {
	return e.updatedAtMs
}

// DeletedAtMs returns the deletion timestamp when the entity is soft-deleted.
func (e Envelope[T]) DeletedAtMs() (int64, bool) {
	if e.deletedAtMs == nil {
		return 0, false
	}
	return *e.deletedAtMs, true
}

// DeletedAtPtr exposes the deletion timestamp as a nullable column value.
func (e Envelope[T]) DeletedAtPtr() *int64 {
	if e.deletedAtMs == nil {
		return nil
	}
	copied := *e.deletedAtMs
	return &copied
}

func (e Envelope[T]) Deleted() bool {
	return e.deletedAtMs != nil
}

// Value returns the payload and whether the envelope carries one.
func (e Envelope[T]) Value() (T, bool) {
	if e.value == nil {
		var zero T
		return zero, false
	}
	return *e.value, true
}

func (e Envelope[T]) IsTombstone() bool {
	return e.value == nil
}

// WithUpdatedAt returns a copy stamped with the provided update time.
func (e Envelope[T]) WithUpdatedAt(updatedAtMs int64) Envelope[T] {
	e.updatedAtMs = updatedAtMs
	return e
}

// Validate checks the identifier bounds shared by every entity kind.
func (e Envelope[T]) Validate() error {
	trimmed := strings.TrimSpace(e.id)
	if trimmed == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidEnvelope)
	}
	if len(trimmed) > MaxIdentifierLength {
		return fmt.Errorf("%w: id exceeds %d characters", ErrInvalidEnvelope, MaxIdentifierLength)
	}
	return nil
}

type envelopeJSON[T any] struct {
	ID          string `json:"id"`
	UpdatedAtMs int64  `json:"updatedAtMs"`
	DeletedAtMs *int64 `json:"deletedAtMs"`
	Value       *T     `json:"value"`
}

func (e Envelope[T]) MarshalJSON() ([]byte, error) {
	return json.Marshal(envelopeJSON[T]{
		ID:          e.id,
		UpdatedAtMs: e.updatedAtMs,
		DeletedAtMs: e.deletedAtMs,
		Value:       e.value,
	})
}

func (e *Envelope[T]) UnmarshalJSON(data []byte) error {
	var decoded envelopeJSON[T]
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	e.id = strings.TrimSpace(decoded.ID)
	e.updatedAtMs = decoded.UpdatedAtMs
	e.deletedAtMs = normalizeDeleted(decoded.DeletedAtMs)
	e.value = decoded.Value
	return nil
}

// A zero or negative deletion time means "not deleted".
func normalizeDeleted(deletedAtMs *int64) *int64 {
	if deletedAtMs == nil || *deletedAtMs <= 0 {
		return nil
	}
	copied := *deletedAtMs
	return &copied
}
