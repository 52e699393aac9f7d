// Package backup exports and restores the whole local dataset as a single
// JSON document.
package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/prcalc/internal/client/store"
	"github.com/MarcoPoloResearchLab/prcalc/internal/wire"
)

// Version is the only document version this package reads and writes.
const Version = 1

// ErrInvalidBackup reports a document that does not have the v1 shape.
var ErrInvalidBackup = errors.New("backup: invalid backup file")

// BackupV1 is the on-disk backup document.
type BackupV1 struct {
	Version              int              `json:"version"`
	ExportedAt           string           `json:"exportedAt"`
	Preferences          json.RawMessage  `json:"preferences"`
	PreferencesUpdatedAt string           `json:"preferencesUpdatedAt,omitempty"`
	Movements            []store.Movement `json:"movements"`
	PrEntries            []store.PrEntry  `json:"prEntries"`
}

// Dataset is the slice of the local store a backup covers.
type Dataset interface {
	PreferencesRow(ctx context.Context) (*store.PreferencesRow, error)
	AllMovements(ctx context.Context) ([]store.Movement, error)
	AllPrEntries(ctx context.Context) ([]store.PrEntry, error)
	ReplaceAll(ctx context.Context, preferences store.PreferencesRow, movements []store.Movement, entries []store.PrEntry) error
}

// Export snapshots every row, tombstones included, so a restore carries
// deletions forward.
func Export(ctx context.Context, dataset Dataset, now time.Time) (BackupV1, error) {
	row, err := dataset.PreferencesRow(ctx)
	if err != nil {
		return BackupV1{}, err
	}
	movements, err := dataset.AllMovements(ctx)
	if err != nil {
		return BackupV1{}, err
	}
	entries, err := dataset.AllPrEntries(ctx)
	if err != nil {
		return BackupV1{}, err
	}

	document := BackupV1{
		Version:    Version,
		ExportedAt: wire.FormatMillis(now.UnixMilli()),
		Movements:  movements,
		PrEntries:  entries,
	}
	if row != nil && len(row.Value) > 0 && row.DeletedAt == nil {
		document.Preferences = append(json.RawMessage(nil), row.Value...)
		document.PreferencesUpdatedAt = row.UpdatedAt
	} else {
		encoded, err := json.Marshal(store.DefaultPreferences())
		if err != nil {
			return BackupV1{}, fmt.Errorf("failed to encode default preferences: %w", err)
		}
		document.Preferences = encoded
	}
	if document.Movements == nil {
		document.Movements = []store.Movement{}
	}
	if document.PrEntries == nil {
		document.PrEntries = []store.PrEntry{}
	}
	return document, nil
}

// Decode parses and validates a backup document.
func Decode(data []byte) (BackupV1, error) {
	var probe struct {
		Version     *int            `json:"version"`
		ExportedAt  *string         `json:"exportedAt"`
		Preferences json.RawMessage `json:"preferences"`
		Movements   json.RawMessage `json:"movements"`
		PrEntries   json.RawMessage `json:"prEntries"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return BackupV1{}, fmt.Errorf("%w: %v", ErrInvalidBackup, err)
	}
	switch {
	case probe.Version == nil || *probe.Version != Version:
		return BackupV1{}, fmt.Errorf("%w: unsupported version", ErrInvalidBackup)
	case probe.ExportedAt == nil:
		return BackupV1{}, fmt.Errorf("%w: missing exportedAt", ErrInvalidBackup)
	case !isObject(probe.Preferences):
		return BackupV1{}, fmt.Errorf("%w: preferences must be an object", ErrInvalidBackup)
	case !isArray(probe.Movements):
		return BackupV1{}, fmt.Errorf("%w: movements must be an array", ErrInvalidBackup)
	case !isArray(probe.PrEntries):
		return BackupV1{}, fmt.Errorf("%w: prEntries must be an array", ErrInvalidBackup)
	}

	var document BackupV1
	if err := json.Unmarshal(data, &document); err != nil {
		return BackupV1{}, fmt.Errorf("%w: %v", ErrInvalidBackup, err)
	}
	for _, movement := range document.Movements {
		if strings.TrimSpace(movement.ID) == "" {
			return BackupV1{}, fmt.Errorf("%w: movement without id", ErrInvalidBackup)
		}
	}
	for _, entry := range document.PrEntries {
		if strings.TrimSpace(entry.ID) == "" {
			return BackupV1{}, fmt.Errorf("%w: pr entry without id", ErrInvalidBackup)
		}
	}
	return document, nil
}

// Import replaces the local dataset with the document. The restore counts as
// a local change, so the next sync pushes it. Rows keep their own timestamps;
// rows without one are stamped with now.
func Import(ctx context.Context, dataset Dataset, document BackupV1, now time.Time) error {
	if document.Version != Version || !isObject(document.Preferences) {
		return ErrInvalidBackup
	}
	stamp := wire.FormatMillis(now.UnixMilli())
	row := store.PreferencesRow{
		ID:        store.PreferencesRowID,
		Value:     append(json.RawMessage(nil), document.Preferences...),
		UpdatedAt: stampedOr(document.PreferencesUpdatedAt, stamp),
	}

	movements := make([]store.Movement, len(document.Movements))
	for i, movement := range document.Movements {
		movement.UpdatedAt = stampedOr(movement.UpdatedAt, stamp)
		movements[i] = movement
	}
	entries := make([]store.PrEntry, len(document.PrEntries))
	for i, entry := range document.PrEntries {
		entry.UpdatedAt = stampedOr(entry.UpdatedAt, stamp)
		entries[i] = entry
	}
	return dataset.ReplaceAll(ctx, row, movements, entries)
}

func stampedOr(updatedAt, stamp string) string {
	if _, ok := wire.ParseMillis(updatedAt); ok {
		return updatedAt
	}
	return stamp
}

func isObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{'
}

func isArray(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '['
}
