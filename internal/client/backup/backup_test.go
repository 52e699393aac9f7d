package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/prcalc/internal/client/store"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/require"
)

var databaseCounter atomic.Int64

type countingTracker struct {
	marks int
}

func (t *countingTracker) MarkDirty() {
	t.marks++
}

func newTestStore(t *testing.T) (*store.Store, *countingTracker) {
	t.Helper()
	db, err := store.Open(fmt.Sprintf("file:backup_test_%d?mode=memory&cache=shared", databaseCounter.Add(1)))
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	tracker := &countingTracker{}
	local, err := store.New(store.Config{Database: db, Tracker: tracker})
	require.NoError(t, err)
	return local, tracker
}

func TestExportImportRoundTrip(t *testing.T) {
	ctx := context.Background()
	source, _ := newTestStore(t)

	preferences := store.DefaultPreferences()
	preferences.Unit = "lb"
	preferences.BarWeight = 45
	require.NoError(t, source.SetPreferences(ctx, preferences))
	squat, err := source.UpsertMovement(ctx, store.Movement{Name: "Squat"})
	require.NoError(t, err)
	bench, err := source.UpsertMovement(ctx, store.Movement{Name: "Bench"})
	require.NoError(t, err)
	_, err = source.AddPrEntry(ctx, store.PrEntry{MovementID: squat.ID, Weight: 140, Reps: 3, Date: "2026-01-02"})
	require.NoError(t, err)
	require.NoError(t, source.DeleteMovement(ctx, bench.ID))

	exportedAt := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	document, err := Export(ctx, source, exportedAt)
	require.NoError(t, err)
	require.Equal(t, Version, document.Version)
	require.Equal(t, "2026-02-01T12:00:00.000Z", document.ExportedAt)
	require.Len(t, document.Movements, 2)
	require.Len(t, document.PrEntries, 1)

	encoded, err := Encode(document)
	require.NoError(t, err)
	decoded, err := Decode(encoded)
	require.NoError(t, err)

	target, tracker := newTestStore(t)
	_, err = target.UpsertMovement(ctx, store.Movement{Name: "Leftover"})
	require.NoError(t, err)
	marksBefore := tracker.marks

	require.NoError(t, Import(ctx, target, decoded, exportedAt))
	require.Equal(t, marksBefore+1, tracker.marks)

	restoredPrefs, err := target.Preferences(ctx)
	require.NoError(t, err)
	require.Equal(t, "lb", restoredPrefs.Unit)
	require.Equal(t, 45.0, restoredPrefs.BarWeight)

	live, err := target.Movements(ctx, false)
	require.NoError(t, err)
	require.Len(t, live, 1)
	require.Equal(t, squat.ID, live[0].ID)

	all, err := target.AllMovements(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)

	entries, err := target.PrEntries(ctx, squat.ID, false)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, 140.0, entries[0].Weight)
}

func TestExportFallsBackToDefaultPreferences(t *testing.T) {
	local, _ := newTestStore(t)
	document, err := Export(context.Background(), local, time.Now())
	require.NoError(t, err)

	var preferences store.Preferences
	require.NoError(t, json.Unmarshal(document.Preferences, &preferences))
	require.Equal(t, store.DefaultPreferences(), preferences)
	require.Empty(t, document.PreferencesUpdatedAt)
	require.NotNil(t, document.Movements)
	require.NotNil(t, document.PrEntries)
}

func TestDecodeRejectsMalformedDocuments(t *testing.T) {
	testCases := []struct {
		name string
		body string
	}{
		{name: "not json", body: `nope`},
		{name: "wrong version", body: `{"version":2,"exportedAt":"x","preferences":{},"movements":[],"prEntries":[]}`},
		{name: "missing version", body: `{"exportedAt":"x","preferences":{},"movements":[],"prEntries":[]}`},
		{name: "missing exportedAt", body: `{"version":1,"preferences":{},"movements":[],"prEntries":[]}`},
		{name: "null preferences", body: `{"version":1,"exportedAt":"x","preferences":null,"movements":[],"prEntries":[]}`},
		{name: "movements not array", body: `{"version":1,"exportedAt":"x","preferences":{},"movements":{},"prEntries":[]}`},
		{name: "missing prEntries", body: `{"version":1,"exportedAt":"x","preferences":{},"movements":[]}`},
		{name: "movement without id", body: `{"version":1,"exportedAt":"x","preferences":{},"movements":[{"name":"Squat"}],"prEntries":[]}`},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			_, err := Decode([]byte(testCase.body))
			require.ErrorIs(t, err, ErrInvalidBackup)
		})
	}
}

func TestImportStampsPreferencesWithoutTimestamp(t *testing.T) {
	ctx := context.Background()
	local, _ := newTestStore(t)
	document, err := Decode([]byte(`{"version":1,"exportedAt":"2026-01-01T00:00:00.000Z","preferences":{"unit":"lb","barWeight":45,"plates":[45],"rounding":5},"movements":[],"prEntries":[]}`))
	require.NoError(t, err)

	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, Import(ctx, local, document, now))

	row, err := local.PreferencesRow(ctx)
	require.NoError(t, err)
	require.NotNil(t, row)
	require.Equal(t, "2026-03-01T00:00:00.000Z", row.UpdatedAt)
}

func TestImportStampsRowsWithoutTimestampOnce(t *testing.T) {
	ctx := context.Background()
	local, _ := newTestStore(t)
	document, err := Decode([]byte(`{"version":1,"exportedAt":"2026-01-01T00:00:00.000Z","preferences":{"unit":"kg"},` +
		`"movements":[{"id":"m1","name":"Squat"},{"id":"m2","name":"Bench","updatedAt":"2025-12-01T00:00:00.000Z"}],` +
		`"prEntries":[{"id":"p1","movementId":"m1","weight":100,"reps":1,"date":"2025-11-02"}]}`))
	require.NoError(t, err)

	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, Import(ctx, local, document, now))
	require.Empty(t, document.Movements[0].UpdatedAt)

	movements, err := local.AllMovements(ctx)
	require.NoError(t, err)
	stamps := map[string]string{}
	for _, movement := range movements {
		stamps[movement.ID] = movement.UpdatedAt
	}
	require.Equal(t, map[string]string{"m1": "2026-03-01T00:00:00.000Z", "m2": "2025-12-01T00:00:00.000Z"}, stamps)

	entries, err := local.AllPrEntries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "2026-03-01T00:00:00.000Z", entries[0].UpdatedAt)
}

func TestFileSinkWritesPrivateFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "backups")
	exportedAt := time.Date(2026, 2, 1, 12, 30, 0, 0, time.UTC)

	location, err := WriteBackup(context.Background(), FileSink{Dir: dir}, BackupV1{
		Version:     Version,
		ExportedAt:  "2026-02-01T12:30:00.000Z",
		Preferences: json.RawMessage(`{}`),
		Movements:   []store.Movement{},
		PrEntries:   []store.PrEntry{},
	}, exportedAt)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "prcalc-backup-20260201T123000Z.json"), location)

	info, err := os.Stat(location)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	data, err := os.ReadFile(location)
	require.NoError(t, err)
	decoded, err := Decode(data)
	require.NoError(t, err)
	require.Equal(t, Version, decoded.Version)
}

func TestFileSinkRequiresDirectory(t *testing.T) {
	_, err := FileSink{}.Write(context.Background(), "x.json", []byte("{}"))
	require.ErrorIs(t, err, errMissingDirectory)
}

type fakePutter struct {
	inputs []*s3.PutObjectInput
	bodies [][]byte
	err    error
}

func (f *fakePutter) PutObject(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	body, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	f.inputs = append(f.inputs, params)
	f.bodies = append(f.bodies, body)
	return &s3.PutObjectOutput{}, nil
}

func TestS3SinkUploadsUnderPrefix(t *testing.T) {
	putter := &fakePutter{}
	sink := newS3Sink(putter, S3Config{Bucket: "lifts", Prefix: "prcalc-backups/"})

	location, err := sink.Write(context.Background(), "prcalc-backup-1.json", []byte(`{"version":1}`))
	require.NoError(t, err)
	require.Equal(t, "s3://lifts/prcalc-backups/prcalc-backup-1.json", location)
	require.Len(t, putter.inputs, 1)
	require.Equal(t, "lifts", aws.ToString(putter.inputs[0].Bucket))
	require.Equal(t, "prcalc-backups/prcalc-backup-1.json", aws.ToString(putter.inputs[0].Key))
	require.Equal(t, "application/json", aws.ToString(putter.inputs[0].ContentType))
	require.Equal(t, `{"version":1}`, string(putter.bodies[0]))
}

func TestS3SinkReportsUploadFailure(t *testing.T) {
	uploadErr := errors.New("access denied")
	sink := newS3Sink(&fakePutter{err: uploadErr}, S3Config{Bucket: "lifts"})

	_, err := sink.Write(context.Background(), "b.json", []byte("{}"))
	require.ErrorIs(t, err, uploadErr)
}

func TestNewS3SinkRequiresBucket(t *testing.T) {
	_, err := NewS3Sink(context.Background(), S3Config{})
	require.ErrorIs(t, err, errMissingBucket)
}
