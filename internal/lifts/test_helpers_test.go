package lifts

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/prcalc/internal/accounts"
	"github.com/MarcoPoloResearchLab/prcalc/internal/wire"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var fixedServerTime = time.UnixMilli(1_767_225_600_000).UTC()

func newTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:lifts_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&Preferences{}, &Movement{}, &PrEntry{}, &accounts.Account{}, &accounts.Device{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func newTestService(t *testing.T, logger *zap.Logger) (*Service, *gorm.DB) {
	t.Helper()
	db := newTestDatabase(t)
	service, err := NewService(ServiceConfig{
		Database: db,
		Clock:    func() time.Time { return fixedServerTime },
		Logger:   logger,
	})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}
	return service, db
}

func present(id string, updatedAtMs int64, payload string) wire.PayloadEnvelope {
	return wire.Present(id, updatedAtMs, nil, json.RawMessage(payload))
}

func presentDeleted(id string, updatedAtMs int64, payload string) wire.PayloadEnvelope {
	deletedAt := updatedAtMs
	return wire.Present(id, updatedAtMs, &deletedAt, json.RawMessage(payload))
}

func tombstone(id string, updatedAtMs int64) wire.PayloadEnvelope {
	deletedAt := updatedAtMs
	return wire.Tombstone[json.RawMessage](id, updatedAtMs, &deletedAt)
}

func envelopeIDs(envelopes []wire.PayloadEnvelope) []string {
	ids := make([]string, 0, len(envelopes))
	for _, envelope := range envelopes {
		ids = append(ids, envelope.ID())
	}
	return ids
}

func payloadOf(t *testing.T, envelope wire.PayloadEnvelope) map[string]interface{} {
	t.Helper()
	value, ok := envelope.Value()
	if !ok {
		t.Fatalf("envelope %s has no payload", envelope.ID())
	}
	decoded := map[string]interface{}{}
	if err := json.Unmarshal(value, &decoded); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	return decoded
}
