package store

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var databaseCounter atomic.Int64

type countingTracker struct {
	marks int
}

func (t *countingTracker) MarkDirty() {
	t.marks++
}

type sequenceIDs struct {
	next int
}

func (s *sequenceIDs) NewID() string {
	s.next++
	return fmt.Sprintf("id-%d", s.next)
}

type steppingClock struct {
	now time.Time
}

func (c *steppingClock) Now() time.Time {
	c.now = c.now.Add(time.Second)
	return c.now
}

func newTestStore(t *testing.T) (*Store, *countingTracker) {
	t.Helper()
	dsn := fmt.Sprintf("file:client_store_test_%d?mode=memory&cache=shared", databaseCounter.Add(1))
	db, err := Open(dsn)
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	tracker := &countingTracker{}
	clock := &steppingClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	store, err := New(Config{Database: db, Tracker: tracker, Clock: clock.Now, IDProvider: &sequenceIDs{}})
	require.NoError(t, err)
	return store, tracker
}

func TestNewRequiresDatabase(t *testing.T) {
	_, err := New(Config{})
	require.ErrorIs(t, err, errMissingDatabase)
}

func TestOpenSilencesGormLogger(t *testing.T) {
	db, err := Open(fmt.Sprintf("file:client_store_test_%d?mode=memory&cache=shared", databaseCounter.Add(1)))
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	require.Same(t, quietGormLogger, db.Logger)
}

func TestMetaRoundTrip(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, ok, err := store.GetMeta(ctx, "deviceId")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, store.SetMeta(ctx, "deviceId", "one"))
	require.NoError(t, store.SetMeta(ctx, "deviceId", "two"))

	value, ok, err := store.GetMeta(ctx, "deviceId")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "two", value)
}

func TestPreferencesDefaultAndBackfill(t *testing.T) {
	store, tracker := newTestStore(t)
	ctx := context.Background()

	preferences, err := store.Preferences(ctx)
	require.NoError(t, err)
	require.Equal(t, DefaultPreferences(), preferences)

	require.NoError(t, store.PutPreferencesRow(ctx, PreferencesRow{Value: []byte(`{"unit":"lb"}`), UpdatedAt: "2026-01-01T00:00:00.000Z"}))
	preferences, err = store.Preferences(ctx)
	require.NoError(t, err)
	require.Equal(t, "lb", preferences.Unit)
	require.Equal(t, 2.5, preferences.Rounding)
	require.Equal(t, 0, tracker.marks)
}

func TestSetPreferencesMarksDirty(t *testing.T) {
	store, tracker := newTestStore(t)
	ctx := context.Background()

	updated := DefaultPreferences()
	updated.Unit = "lb"
	updated.BarWeight = 45
	require.NoError(t, store.SetPreferences(ctx, updated))

	stored, err := store.Preferences(ctx)
	require.NoError(t, err)
	require.Equal(t, updated, stored)
	require.Equal(t, 1, tracker.marks)

	seq, err := store.ChangeSeq(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), seq)

	invalid := DefaultPreferences()
	invalid.Unit = "stone"
	require.ErrorIs(t, store.SetPreferences(ctx, invalid), ErrInvalidPreferences)
	require.Equal(t, 1, tracker.marks)
}

func TestMovementLifecycle(t *testing.T) {
	store, tracker := newTestStore(t)
	ctx := context.Background()

	squat, err := store.UpsertMovement(ctx, Movement{Name: " Squat "})
	require.NoError(t, err)
	require.Equal(t, "id-1", squat.ID)
	require.Equal(t, "Squat", squat.Name)
	require.Equal(t, squat.CreatedAt, squat.UpdatedAt)

	bench, err := store.UpsertMovement(ctx, Movement{Name: "Bench"})
	require.NoError(t, err)

	renamed, err := store.UpsertMovement(ctx, Movement{ID: squat.ID, Name: "Back Squat"})
	require.NoError(t, err)
	require.Equal(t, squat.CreatedAt, renamed.CreatedAt)
	require.Greater(t, renamed.UpdatedAt, squat.UpdatedAt)

	movements, err := store.Movements(ctx, false)
	require.NoError(t, err)
	require.Len(t, movements, 2)
	require.Equal(t, bench.ID, movements[0].ID)

	_, err = store.UpsertMovement(ctx, Movement{Name: "  "})
	require.ErrorIs(t, err, ErrInvalidMovement)
	require.Equal(t, 3, tracker.marks)

	seq, err := store.ChangeSeq(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(3), seq)
}

func TestDeleteMovementCascadesToEntries(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	squat, err := store.UpsertMovement(ctx, Movement{Name: "Squat"})
	require.NoError(t, err)
	first, err := store.AddPrEntry(ctx, PrEntry{MovementID: squat.ID, Weight: 100, Reps: 5})
	require.NoError(t, err)
	second, err := store.AddPrEntry(ctx, PrEntry{MovementID: squat.ID, Weight: 110, Reps: 3})
	require.NoError(t, err)

	entries, err := store.PrEntries(ctx, squat.ID, false)
	require.NoError(t, err)
	require.Equal(t, []string{second.ID, first.ID}, []string{entries[0].ID, entries[1].ID})

	require.NoError(t, store.DeleteMovement(ctx, squat.ID))

	movement, err := store.Movement(ctx, squat.ID)
	require.NoError(t, err)
	require.True(t, movement.Deleted())
	require.Equal(t, "Squat", movement.Name)

	entries, err = store.PrEntries(ctx, squat.ID, false)
	require.NoError(t, err)
	require.Empty(t, entries)

	entries, err = store.PrEntries(ctx, squat.ID, true)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, entry := range entries {
		require.True(t, entry.Deleted())
		require.Equal(t, *movement.DeletedAt, *entry.DeletedAt)
	}

	require.ErrorIs(t, store.DeleteMovement(ctx, "missing"), ErrNotFound)
}

func TestAddPrEntryValidation(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.AddPrEntry(ctx, PrEntry{Weight: 100, Reps: 1})
	require.ErrorIs(t, err, ErrInvalidPrEntry)
	_, err = store.AddPrEntry(ctx, PrEntry{MovementID: "m", Weight: 100, Reps: 0})
	require.ErrorIs(t, err, ErrInvalidPrEntry)
	_, err = store.AddPrEntry(ctx, PrEntry{MovementID: "missing", Weight: 100, Reps: 1})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDeletePrEntryKeepsValues(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	squat, err := store.UpsertMovement(ctx, Movement{Name: "Squat"})
	require.NoError(t, err)
	entry, err := store.AddPrEntry(ctx, PrEntry{MovementID: squat.ID, Weight: 140, Reps: 1, Date: "2026-01-02T00:00:00.000Z"})
	require.NoError(t, err)

	require.NoError(t, store.DeletePrEntry(ctx, entry.ID))
	stored, err := store.GetPrEntry(ctx, entry.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	require.True(t, stored.Deleted())
	require.Equal(t, 140.0, stored.Weight)
	require.Equal(t, "2026-01-02T00:00:00.000Z", stored.Date)

	require.ErrorIs(t, store.DeletePrEntry(ctx, "missing"), ErrNotFound)
}

func TestTransactionDefersDirtySignal(t *testing.T) {
	store, tracker := newTestStore(t)
	ctx := context.Background()

	err := store.Transaction(ctx, func(tx *Store) error {
		if _, err := tx.UpsertMovement(ctx, Movement{Name: "Squat"}); err != nil {
			return err
		}
		if _, err := tx.UpsertMovement(ctx, Movement{Name: "Bench"}); err != nil {
			return err
		}
		require.Equal(t, 0, tracker.marks)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, tracker.marks)

	err = store.Transaction(ctx, func(tx *Store) error {
		if _, err := tx.UpsertMovement(ctx, Movement{Name: "Deadlift"}); err != nil {
			return err
		}
		return fmt.Errorf("abort")
	})
	require.Error(t, err)
	require.Equal(t, 1, tracker.marks)

	movements, err := store.Movements(ctx, true)
	require.NoError(t, err)
	require.Len(t, movements, 2)
}

func TestReplaceAllSwapsDataset(t *testing.T) {
	store, tracker := newTestStore(t)
	ctx := context.Background()

	_, err := store.UpsertMovement(ctx, Movement{ID: "old", Name: "Old"})
	require.NoError(t, err)

	err = store.ReplaceAll(ctx,
		PreferencesRow{Value: []byte(`{"unit":"lb","barWeight":45,"plates":[45],"rounding":5}`), UpdatedAt: "2026-02-01T00:00:00.000Z"},
		[]Movement{{ID: "m1", Name: "Press", CreatedAt: "2026-01-01T00:00:00.000Z", UpdatedAt: "2026-01-01T00:00:00.000Z"}},
		[]PrEntry{{ID: "p1", MovementID: "m1", Weight: 60, Reps: 5, Date: "2026-01-01T00:00:00.000Z", UpdatedAt: "2026-01-01T00:00:00.000Z"}},
	)
	require.NoError(t, err)
	require.Equal(t, 2, tracker.marks)

	movements, err := store.AllMovements(ctx)
	require.NoError(t, err)
	require.Len(t, movements, 1)
	require.Equal(t, "m1", movements[0].ID)

	entries, err := store.AllPrEntries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	preferences, err := store.Preferences(ctx)
	require.NoError(t, err)
	require.Equal(t, "lb", preferences.Unit)
	require.Equal(t, []float64{45}, preferences.Plates)
}
