package lifts

import (
	"encoding/json"

	"github.com/MarcoPoloResearchLab/prcalc/internal/wire"
)

const (
	preferencesTable = "account_preferences"
	movementsTable   = "movements"
	prEntriesTable   = "pr_entries"
)

// Preferences stores one account's settings record. ValueJSON is the opaque
// client payload; it stays NULL when only a tombstone was ever received.
type Preferences struct {
	AccountID   string  `gorm:"column:account_id;primaryKey;size:190;not null"`
	ValueJSON   *string `gorm:"column:value_json;type:text"`
	UpdatedAtMs int64   `gorm:"column:updated_at_ms;not null"`
	DeletedAtMs *int64  `gorm:"column:deleted_at_ms"`
}

// TableName exposes the table backing account preferences.
func (Preferences) TableName() string {
	return preferencesTable
}

// Movement stores an exercise definition.
type Movement struct {
	ID          string  `gorm:"column:id;primaryKey;size:190;not null"`
	AccountID   string  `gorm:"column:account_id;size:190;not null;index:idx_movements_account_updated,priority:1"`
	ValueJSON   *string `gorm:"column:value_json;type:text"`
	UpdatedAtMs int64   `gorm:"column:updated_at_ms;not null;index:idx_movements_account_updated,priority:2"`
	DeletedAtMs *int64  `gorm:"column:deleted_at_ms"`
}

// TableName exposes the table backing movements.
func (Movement) TableName() string {
	return movementsTable
}

// PrEntry stores a personal-record entry. MovementID is denormalized from the
// payload for export and indexing.
type PrEntry struct {
	ID          string  `gorm:"column:id;primaryKey;size:190;not null"`
	AccountID   string  `gorm:"column:account_id;size:190;not null;index:idx_pr_entries_account_updated,priority:1"`
	MovementID  *string `gorm:"column:movement_id;size:190;index:idx_pr_entries_movement"`
	ValueJSON   *string `gorm:"column:value_json;type:text"`
	UpdatedAtMs int64   `gorm:"column:updated_at_ms;not null;index:idx_pr_entries_account_updated,priority:2"`
	DeletedAtMs *int64  `gorm:"column:deleted_at_ms"`
}

// TableName exposes the table backing PR entries.
func (PrEntry) TableName() string {
	return prEntriesTable
}

func toEnvelope(id string, valueJSON *string, updatedAtMs int64, deletedAtMs *int64) wire.PayloadEnvelope {
	if valueJSON == nil {
		return wire.Tombstone[json.RawMessage](id, updatedAtMs, deletedAtMs)
	}
	return wire.Present(id, updatedAtMs, deletedAtMs, json.RawMessage(*valueJSON))
}
