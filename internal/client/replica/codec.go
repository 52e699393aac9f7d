// Package replica converts between the local store and sync envelopes.
package replica

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/prcalc/internal/client/store"
	"github.com/MarcoPoloResearchLab/prcalc/internal/wire"
	"go.uber.org/zap"
)

// DeletedMovementID marks PR entries that were only ever seen as tombstones.
const DeletedMovementID = "__deleted__"

var errMissingStore = errors.New("replica: local store is required")

// Config wires a Codec.
type Config struct {
	Store  *store.Store
	Clock  func() time.Time
	Logger *zap.Logger
}

// Codec reads the local store into push requests and applies pull responses.
type Codec struct {
	store  *store.Store
	clock  func() time.Time
	logger *zap.Logger
}

// ApplyStats summarizes one ApplyPull call.
type ApplyStats struct {
	Preferences bool
	Movements   int
	PrEntries   int
	Stale       int
	Skipped     int
}

func NewCodec(cfg Config) (*Codec, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Codec{store: cfg.Store, clock: clock, logger: logger}, nil
}

// BuildPush snapshots the whole local store. Soft-deleted rows travel as
// present envelopes carrying deletedAtMs next to their last value. Rows whose
// timestamps cannot be parsed are stamped with the current time.
func (c *Codec) BuildPush(ctx context.Context, sinceMs int64) (wire.PushRequest, error) {
	now := c.clock()
	request := wire.PushRequest{
		ClientTimeMs: now.UnixMilli(),
		SinceMs:      &sinceMs,
		Movements:    []wire.PayloadEnvelope{},
		PrEntries:    []wire.PayloadEnvelope{},
	}

	preferences, err := c.store.PreferencesRow(ctx)
	if err != nil {
		return wire.PushRequest{}, err
	}
	if preferences != nil {
		envelope := preferencesEnvelope(*preferences, now)
		request.Preferences = &envelope
	}

	movements, err := c.store.AllMovements(ctx)
	if err != nil {
		return wire.PushRequest{}, err
	}
	for _, movement := range movements {
		envelope, err := encodeRow(movement.ID, movement, firstNonEmpty(movement.UpdatedAt, movement.CreatedAt), movement.DeletedAt, now)
		if err != nil {
			return wire.PushRequest{}, err
		}
		request.Movements = append(request.Movements, envelope)
	}

	entries, err := c.store.AllPrEntries(ctx)
	if err != nil {
		return wire.PushRequest{}, err
	}
	for _, entry := range entries {
		envelope, err := encodeRow(entry.ID, entry, firstNonEmpty(entry.UpdatedAt, entry.CreatedAt), entry.DeletedAt, now)
		if err != nil {
			return wire.PushRequest{}, err
		}
		request.PrEntries = append(request.PrEntries, envelope)
	}
	return request, nil
}

// ApplyPull merges server state into the local store, one transaction per
// table. An incoming envelope replaces the local row when it is at least as
// new, so ties converge on the server's copy. Nothing here marks the store dirty.
func (c *Codec) ApplyPull(ctx context.Context, response wire.PullResponse) (ApplyStats, error) {
	var stats ApplyStats

	if response.Preferences != nil {
		applied, err := c.applyPreferences(ctx, *response.Preferences)
		if err != nil {
			return stats, err
		}
		stats.Preferences = applied
		if !applied {
			stats.Stale++
		}
	}

	if len(response.Movements) > 0 {
		err := c.store.Transaction(ctx, func(tx *store.Store) error {
			for _, envelope := range response.Movements {
				outcome, err := c.applyMovement(ctx, tx, envelope)
				if err != nil {
					return err
				}
				stats.record(outcome, &stats.Movements)
			}
			return nil
		})
		if err != nil {
			return stats, fmt.Errorf("failed to apply movements: %w", err)
		}
	}

	if len(response.PrEntries) > 0 {
		err := c.store.Transaction(ctx, func(tx *store.Store) error {
			for _, envelope := range response.PrEntries {
				outcome, err := c.applyPrEntry(ctx, tx, envelope)
				if err != nil {
					return err
				}
				stats.record(outcome, &stats.PrEntries)
			}
			return nil
		})
		if err != nil {
			return stats, fmt.Errorf("failed to apply pr entries: %w", err)
		}
	}
	return stats, nil
}

type applyOutcome int

const (
	outcomeApplied applyOutcome = iota
	outcomeStale
	outcomeSkipped
)

func (s *ApplyStats) record(outcome applyOutcome, applied *int) {
	switch outcome {
	case outcomeApplied:
		*applied++
	case outcomeStale:
		s.Stale++
	default:
		s.Skipped++
	}
}

func (c *Codec) applyPreferences(ctx context.Context, envelope wire.PayloadEnvelope) (bool, error) {
	existing, err := c.store.PreferencesRow(ctx)
	if err != nil {
		return false, err
	}
	if existing != nil && !incomingWins(envelope.UpdatedAtMs(), existing.UpdatedAt) {
		return false, nil
	}

	updatedISO := wire.FormatMillis(envelope.UpdatedAtMs())
	row := store.PreferencesRow{ID: store.PreferencesRowID, UpdatedAt: updatedISO}
	value, present := envelope.Value()
	switch {
	case present:
		row.Value = value
		row.DeletedAt = wire.FormatMillisPtr(envelope.DeletedAtPtr())
	case existing != nil:
		row.Value = existing.Value
		row.DeletedAt = tombstoneDeletedAt(envelope, existing.DeletedAt)
	default:
		row.DeletedAt = tombstoneDeletedAt(envelope, nil)
	}
	if err := c.store.PutPreferencesRow(ctx, row); err != nil {
		return false, err
	}
	return true, nil
}

func (c *Codec) applyMovement(ctx context.Context, tx *store.Store, envelope wire.PayloadEnvelope) (applyOutcome, error) {
	existing, err := tx.GetMovement(ctx, envelope.ID())
	if err != nil {
		return outcomeSkipped, err
	}
	if existing != nil && !incomingWins(envelope.UpdatedAtMs(), existing.UpdatedAt) {
		return outcomeStale, nil
	}

	updatedISO := wire.FormatMillis(envelope.UpdatedAtMs())
	value, present := envelope.Value()
	var movement store.Movement
	switch {
	case present:
		if err := json.Unmarshal(value, &movement); err != nil {
			c.logger.Warn("skipping undecodable movement", zap.String("id", envelope.ID()), zap.Error(err))
			return outcomeSkipped, nil
		}
		movement.UpdatedAt = validISO(movement.UpdatedAt, updatedISO)
		movement.DeletedAt = wire.FormatMillisPtr(envelope.DeletedAtPtr())
		if movement.CreatedAt == "" && existing != nil {
			movement.CreatedAt = existing.CreatedAt
		}
		movement.CreatedAt = validISO(movement.CreatedAt, updatedISO)
	case existing != nil:
		movement = *existing
		movement.UpdatedAt = updatedISO
		movement.DeletedAt = tombstoneDeletedAt(envelope, existing.DeletedAt)
	default:
		movement = store.Movement{
			Name:      "",
			CreatedAt: updatedISO,
			UpdatedAt: updatedISO,
			DeletedAt: tombstoneDeletedAt(envelope, nil),
		}
	}
	movement.ID = envelope.ID()

	if err := tx.PutMovement(ctx, movement); err != nil {
		return outcomeSkipped, err
	}
	return outcomeApplied, nil
}

func (c *Codec) applyPrEntry(ctx context.Context, tx *store.Store, envelope wire.PayloadEnvelope) (applyOutcome, error) {
	existing, err := tx.GetPrEntry(ctx, envelope.ID())
	if err != nil {
		return outcomeSkipped, err
	}
	if existing != nil && !incomingWins(envelope.UpdatedAtMs(), existing.UpdatedAt) {
		return outcomeStale, nil
	}

	updatedISO := wire.FormatMillis(envelope.UpdatedAtMs())
	value, present := envelope.Value()
	var entry store.PrEntry
	switch {
	case present:
		if err := json.Unmarshal(value, &entry); err != nil {
			c.logger.Warn("skipping undecodable pr entry", zap.String("id", envelope.ID()), zap.Error(err))
			return outcomeSkipped, nil
		}
		entry.UpdatedAt = validISO(entry.UpdatedAt, updatedISO)
		entry.DeletedAt = wire.FormatMillisPtr(envelope.DeletedAtPtr())
		if entry.MovementID == "" {
			entry.MovementID = DeletedMovementID
			if existing != nil {
				entry.MovementID = existing.MovementID
			}
		}
		if entry.CreatedAt == "" && existing != nil {
			entry.CreatedAt = existing.CreatedAt
		}
		entry.CreatedAt = validISO(entry.CreatedAt, updatedISO)
		entry.Date = validISO(entry.Date, updatedISO)
	case existing != nil:
		entry = *existing
		entry.UpdatedAt = updatedISO
		entry.DeletedAt = tombstoneDeletedAt(envelope, existing.DeletedAt)
	default:
		entry = store.PrEntry{
			MovementID: DeletedMovementID,
			Weight:     0,
			Reps:       0,
			Date:       updatedISO,
			CreatedAt:  updatedISO,
			UpdatedAt:  updatedISO,
			DeletedAt:  tombstoneDeletedAt(envelope, nil),
		}
	}
	entry.ID = envelope.ID()

	if err := tx.PutPrEntry(ctx, entry); err != nil {
		return outcomeSkipped, err
	}
	return outcomeApplied, nil
}

func preferencesEnvelope(row store.PreferencesRow, now time.Time) wire.PayloadEnvelope {
	updated := wire.MillisOrNow(row.UpdatedAt, now)
	deleted := wire.ParseMillisPtr(row.DeletedAt)
	if len(row.Value) == 0 {
		return wire.Tombstone[json.RawMessage](wire.PreferencesID, updated, deleted)
	}
	return wire.Present(wire.PreferencesID, updated, deleted, json.RawMessage(row.Value))
}

func encodeRow(id string, row interface{}, updatedISO string, deletedISO *string, now time.Time) (wire.PayloadEnvelope, error) {
	encoded, err := json.Marshal(row)
	if err != nil {
		return wire.PayloadEnvelope{}, fmt.Errorf("failed to encode %s: %w", id, err)
	}
	return wire.Present(id, wire.MillisOrNow(updatedISO, now), wire.ParseMillisPtr(deletedISO), json.RawMessage(encoded)), nil
}

// incomingWins compares an envelope timestamp with a local ISO timestamp.
// An unreadable local timestamp always loses.
func incomingWins(incomingMs int64, localISO string) bool {
	localMs, ok := wire.ParseMillis(localISO)
	if !ok {
		return true
	}
	return incomingMs >= localMs
}

// tombstoneDeletedAt picks the deletion time for a value-less envelope:
// the envelope's own, else the one already stored, else its update time.
func tombstoneDeletedAt(envelope wire.PayloadEnvelope, stored *string) *string {
	if deleted := wire.FormatMillisPtr(envelope.DeletedAtPtr()); deleted != nil {
		return deleted
	}
	if stored != nil {
		return stored
	}
	updated := wire.FormatMillis(envelope.UpdatedAtMs())
	return &updated
}

func validISO(candidate, fallback string) string {
	if _, ok := wire.ParseMillis(candidate); ok {
		return candidate
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
