package lifts

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/MarcoPoloResearchLab/prcalc/internal/wire"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewServiceRequiresDatabase(t *testing.T) {
	if _, err := NewService(ServiceConfig{}); !errors.Is(err, errMissingDatabase) {
		t.Fatalf("expected missing database error, got %v", err)
	}
}

func TestPushStoresNewRecords(t *testing.T) {
	service, _ := newTestService(t, nil)
	ctx := context.Background()

	preferences := present(wire.PreferencesID, 50, `{"unit":"kg"}`)
	result, err := service.Push(ctx, "account-a", wire.PushRequest{
		Preferences: &preferences,
		Movements:   []wire.PayloadEnvelope{present("m1", 100, `{"id":"m1","name":"Squat"}`)},
		PrEntries:   []wire.PayloadEnvelope{present("p1", 110, `{"id":"p1","movementId":"m1","weight":140,"reps":3}`)},
	})
	if err != nil {
		t.Fatalf("push failed: %v", err)
	}
	if result.Accepted != 3 || len(result.Rejected) != 0 {
		t.Fatalf("unexpected push result: %+v", result)
	}
	if !result.ServerTime.Equal(fixedServerTime) {
		t.Fatalf("unexpected server time %v", result.ServerTime)
	}

	pulled, err := service.Pull(ctx, "account-a", 0)
	if err != nil {
		t.Fatalf("pull failed: %v", err)
	}
	if pulled.Preferences == nil || pulled.Preferences.ID() != wire.PreferencesID {
		t.Fatalf("expected preferences envelope, got %+v", pulled.Preferences)
	}
	if got := payloadOf(t, pulled.Movements[0])["name"]; got != "Squat" {
		t.Fatalf("unexpected movement payload %v", got)
	}
	if got := payloadOf(t, pulled.PrEntries[0])["weight"]; got != float64(140) {
		t.Fatalf("unexpected pr payload %v", got)
	}
}

func TestPushLastWriterWins(t *testing.T) {
	testCases := []struct {
		name         string
		incomingMs   int64
		wantAccepted int
		wantName     string
		wantUpdated  int64
	}{
		{name: "newer replaces", incomingMs: 200, wantAccepted: 1, wantName: "Front Squat", wantUpdated: 200},
		{name: "older is ignored", incomingMs: 50, wantAccepted: 0, wantName: "Squat", wantUpdated: 100},
		{name: "tie keeps stored", incomingMs: 100, wantAccepted: 0, wantName: "Squat", wantUpdated: 100},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			service, _ := newTestService(t, nil)
			ctx := context.Background()
			if _, err := service.Push(ctx, "account-a", wire.PushRequest{
				Movements: []wire.PayloadEnvelope{present("m1", 100, `{"name":"Squat"}`)},
			}); err != nil {
				t.Fatalf("seed push failed: %v", err)
			}

			result, err := service.Push(ctx, "account-a", wire.PushRequest{
				Movements: []wire.PayloadEnvelope{present("m1", testCase.incomingMs, `{"name":"Front Squat"}`)},
			})
			if err != nil {
				t.Fatalf("push failed: %v", err)
			}
			if result.Accepted != testCase.wantAccepted {
				t.Fatalf("expected %d accepted, got %d", testCase.wantAccepted, result.Accepted)
			}

			pulled, err := service.Pull(ctx, "account-a", 0)
			if err != nil {
				t.Fatalf("pull failed: %v", err)
			}
			if len(pulled.Movements) != 1 {
				t.Fatalf("expected one movement, got %d", len(pulled.Movements))
			}
			if pulled.Movements[0].UpdatedAtMs() != testCase.wantUpdated {
				t.Fatalf("expected updatedAtMs %d, got %d", testCase.wantUpdated, pulled.Movements[0].UpdatedAtMs())
			}
			if got := payloadOf(t, pulled.Movements[0])["name"]; got != testCase.wantName {
				t.Fatalf("expected name %q, got %v", testCase.wantName, got)
			}
		})
	}
}

func TestPushTombstoneKeepsLastPayload(t *testing.T) {
	service, _ := newTestService(t, nil)
	ctx := context.Background()

	if _, err := service.Push(ctx, "account-a", wire.PushRequest{
		Movements: []wire.PayloadEnvelope{present("m1", 100, `{"name":"Squat"}`)},
	}); err != nil {
		t.Fatalf("device A push failed: %v", err)
	}
	if _, err := service.Push(ctx, "account-a", wire.PushRequest{
		Movements: []wire.PayloadEnvelope{tombstone("m1", 200)},
	}); err != nil {
		t.Fatalf("device B tombstone failed: %v", err)
	}

	pulled, err := service.Pull(ctx, "account-a", 0)
	if err != nil {
		t.Fatalf("pull failed: %v", err)
	}
	movement := pulled.Movements[0]
	if deletedAt, ok := movement.DeletedAtMs(); !ok || deletedAt != 200 || movement.UpdatedAtMs() != 200 {
		t.Fatalf("expected deletion at 200, got %+v", movement)
	}
	if got := payloadOf(t, movement)["name"]; got != "Squat" {
		t.Fatalf("expected tombstone to keep the last payload, got %v", got)
	}

	result, err := service.Push(ctx, "account-a", wire.PushRequest{
		Movements: []wire.PayloadEnvelope{present("m1", 150, `{"name":"Squat v2"}`)},
	})
	if err != nil {
		t.Fatalf("stale push failed: %v", err)
	}
	if result.Accepted != 0 {
		t.Fatalf("expected a stale edit to lose to the tombstone")
	}
	pulled, err = service.Pull(ctx, "account-a", 0)
	if err != nil {
		t.Fatalf("pull failed: %v", err)
	}
	if !pulled.Movements[0].Deleted() {
		t.Fatalf("expected movement to remain deleted")
	}
}

func TestPushTombstoneForUnknownIDStoresNullPayload(t *testing.T) {
	service, _ := newTestService(t, nil)
	ctx := context.Background()

	result, err := service.Push(ctx, "account-a", wire.PushRequest{
		PrEntries: []wire.PayloadEnvelope{tombstone("p9", 300)},
	})
	if err != nil {
		t.Fatalf("push failed: %v", err)
	}
	if result.Accepted != 1 {
		t.Fatalf("expected tombstone insert to be accepted")
	}
	pulled, err := service.Pull(ctx, "account-a", 0)
	if err != nil {
		t.Fatalf("pull failed: %v", err)
	}
	if len(pulled.PrEntries) != 1 || !pulled.PrEntries[0].IsTombstone() || !pulled.PrEntries[0].Deleted() {
		t.Fatalf("expected a deleted tombstone, got %+v", pulled.PrEntries)
	}
}

func TestPushRejectsCrossAccountCollision(t *testing.T) {
	core, recorded := observer.New(zapcore.WarnLevel)
	service, db := newTestService(t, zap.New(core))
	ctx := context.Background()

	if _, err := service.Push(ctx, "account-a", wire.PushRequest{
		Movements: []wire.PayloadEnvelope{present("m1", 100, `{"name":"Squat"}`)},
	}); err != nil {
		t.Fatalf("seed push failed: %v", err)
	}

	result, err := service.Push(ctx, "account-b", wire.PushRequest{
		Movements: []wire.PayloadEnvelope{present("m1", 999, `{"name":"Hijack"}`)},
	})
	if err != nil {
		t.Fatalf("push failed: %v", err)
	}
	if result.Accepted != 0 {
		t.Fatalf("expected no accepted envelopes, got %d", result.Accepted)
	}
	expected := []wire.Rejection{{Kind: wire.KindMovement, ID: "m1", Reason: wire.ReasonTenantConflict}}
	if !reflect.DeepEqual(result.Rejected, expected) {
		t.Fatalf("unexpected rejections %+v", result.Rejected)
	}

	var stored Movement
	if err := db.Where("id = ?", "m1").Take(&stored).Error; err != nil {
		t.Fatalf("reload movement: %v", err)
	}
	if stored.AccountID != "account-a" || stored.UpdatedAtMs != 100 {
		t.Fatalf("expected row to stay with account-a, got %+v", stored)
	}
	if recorded.FilterMessage("push envelope collides with another account").Len() != 1 {
		t.Fatalf("expected collision warning to be logged")
	}

	pulled, err := service.Pull(ctx, "account-b", 0)
	if err != nil {
		t.Fatalf("pull failed: %v", err)
	}
	if len(pulled.Movements) != 0 {
		t.Fatalf("expected account-b to see nothing, got %v", envelopeIDs(pulled.Movements))
	}
}

func TestPushPrEntryMovementIDFallsBackToStored(t *testing.T) {
	service, db := newTestService(t, nil)
	ctx := context.Background()

	if _, err := service.Push(ctx, "account-a", wire.PushRequest{
		PrEntries: []wire.PayloadEnvelope{present("p1", 100, `{"movementId":"m1","weight":100}`)},
	}); err != nil {
		t.Fatalf("seed push failed: %v", err)
	}
	if _, err := service.Push(ctx, "account-a", wire.PushRequest{
		PrEntries: []wire.PayloadEnvelope{present("p1", 200, `{"weight":105}`)},
	}); err != nil {
		t.Fatalf("update push failed: %v", err)
	}

	var stored PrEntry
	if err := db.Where("id = ?", "p1").Take(&stored).Error; err != nil {
		t.Fatalf("reload entry: %v", err)
	}
	if stored.MovementID == nil || *stored.MovementID != "m1" {
		t.Fatalf("expected movement id to be retained, got %v", stored.MovementID)
	}
}

func TestPushStampsMissingTimestamp(t *testing.T) {
	service, _ := newTestService(t, nil)
	ctx := context.Background()

	if _, err := service.Push(ctx, "account-a", wire.PushRequest{
		Movements: []wire.PayloadEnvelope{present("m1", 0, `{"name":"Squat"}`)},
	}); err != nil {
		t.Fatalf("push failed: %v", err)
	}
	pulled, err := service.Pull(ctx, "account-a", 0)
	if err != nil {
		t.Fatalf("pull failed: %v", err)
	}
	if pulled.Movements[0].UpdatedAtMs() != fixedServerTime.UnixMilli() {
		t.Fatalf("expected server time stamp, got %d", pulled.Movements[0].UpdatedAtMs())
	}
}

func TestPushPreferencesLastWriterWins(t *testing.T) {
	service, _ := newTestService(t, nil)
	ctx := context.Background()
	push := func(updatedAtMs int64, payload string) int {
		envelope := present(wire.PreferencesID, updatedAtMs, payload)
		result, err := service.Push(ctx, "account-a", wire.PushRequest{Preferences: &envelope})
		if err != nil {
			t.Fatalf("push failed: %v", err)
		}
		return result.Accepted
	}

	if push(100, `{"unit":"kg"}`) != 1 {
		t.Fatalf("expected first preferences write to be accepted")
	}
	if push(90, `{"unit":"lb"}`) != 0 {
		t.Fatalf("expected older preferences to be ignored")
	}
	if push(120, `{"unit":"lb"}`) != 1 {
		t.Fatalf("expected newer preferences to be accepted")
	}

	pulled, err := service.Pull(ctx, "account-a", 1_000)
	if err != nil {
		t.Fatalf("pull failed: %v", err)
	}
	if pulled.Preferences == nil {
		t.Fatalf("expected preferences regardless of cursor")
	}
	if got := payloadOf(t, *pulled.Preferences)["unit"]; got != "lb" {
		t.Fatalf("unexpected unit %v", got)
	}
}

func TestPushRejectsInvalidEnvelope(t *testing.T) {
	service, _ := newTestService(t, nil)
	_, err := service.Push(context.Background(), "account-a", wire.PushRequest{
		Movements: []wire.PayloadEnvelope{present("  ", 1, `{}`)},
	})
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "lifts.push.invalid_envelope" {
		t.Fatalf("expected invalid envelope error, got %v", err)
	}
}

func TestPullFiltersAndOrders(t *testing.T) {
	service, _ := newTestService(t, nil)
	ctx := context.Background()

	if _, err := service.Push(ctx, "account-a", wire.PushRequest{
		Movements: []wire.PayloadEnvelope{
			present("m3", 300, `{"name":"Deadlift"}`),
			present("m1", 100, `{"name":"Squat"}`),
			present("m2", 200, `{"name":"Bench"}`),
			present("m0", 200, `{"name":"Press"}`),
			presentDeleted("m4", 400, `{"name":"Row"}`),
		},
	}); err != nil {
		t.Fatalf("push failed: %v", err)
	}
	if _, err := service.Push(ctx, "account-b", wire.PushRequest{
		Movements: []wire.PayloadEnvelope{present("b1", 500, `{"name":"Other"}`)},
	}); err != nil {
		t.Fatalf("push failed: %v", err)
	}

	pulled, err := service.Pull(ctx, "account-a", 100)
	if err != nil {
		t.Fatalf("pull failed: %v", err)
	}
	expected := []string{"m0", "m2", "m3", "m4"}
	if got := envelopeIDs(pulled.Movements); !reflect.DeepEqual(got, expected) {
		t.Fatalf("unexpected pull order %v, want %v", got, expected)
	}
	if !pulled.Movements[3].Deleted() {
		t.Fatalf("expected soft-deleted rows to be included")
	}
	if pulled.Preferences != nil {
		t.Fatalf("expected no preferences when none were pushed")
	}

	pulled, err = service.Pull(ctx, "account-a", -5)
	if err != nil {
		t.Fatalf("pull failed: %v", err)
	}
	if len(pulled.Movements) != 5 {
		t.Fatalf("expected negative cursor to behave like zero, got %d rows", len(pulled.Movements))
	}
}

func TestServiceWithoutDatabase(t *testing.T) {
	service := &Service{}
	if _, err := service.Push(context.Background(), "account-a", wire.PushRequest{}); !errors.Is(err, errMissingDatabase) {
		t.Fatalf("expected missing database, got %v", err)
	}
	if _, err := service.Pull(context.Background(), "account-a", 0); !errors.Is(err, errMissingDatabase) {
		t.Fatalf("expected missing database, got %v", err)
	}
}
