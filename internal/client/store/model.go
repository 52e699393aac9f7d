package store

import (
	"encoding/json"
	"fmt"
)

const (
	metaTable        = "sync_meta"
	preferencesTable = "preferences"
	movementsTable   = "movements"
	prEntriesTable   = "pr_entries"

	// PreferencesRowID is the single key of the preferences table.
	PreferencesRowID = "prefs"
)

// MetaRow is a key/value pair in the local bookkeeping table.
type MetaRow struct {
	Key   string `gorm:"column:key;primaryKey;size:64"`
	Value string `gorm:"column:value;type:text;not null"`
}

func (MetaRow) TableName() string {
	return metaTable
}

// PreferencesRow holds the raw preferences document so fields written by
// newer clients survive a round trip through this one.
type PreferencesRow struct {
	ID        string          `gorm:"column:id;primaryKey;size:16"`
	Value     json.RawMessage `gorm:"column:value_json;type:text"`
	UpdatedAt string          `gorm:"column:updated_at;size:32;not null"`
	DeletedAt *string         `gorm:"column:deleted_at;size:32"`
}

func (PreferencesRow) TableName() string {
	return preferencesTable
}

// Movement is an exercise definition. Timestamps are ISO-8601 strings with
// millisecond precision, which keeps lexical and chronological order aligned.
type Movement struct {
	ID        string  `gorm:"column:id;primaryKey;size:190" json:"id"`
	Name      string  `gorm:"column:name;not null" json:"name"`
	CreatedAt string  `gorm:"column:created_at;size:32;index" json:"createdAt"`
	UpdatedAt string  `gorm:"column:updated_at;size:32;index" json:"updatedAt"`
	DeletedAt *string `gorm:"column:deleted_at;size:32;index" json:"deletedAt"`
}

func (Movement) TableName() string {
	return movementsTable
}

// Deleted reports whether the movement carries a tombstone.
func (m Movement) Deleted() bool {
	return m.DeletedAt != nil
}

// PrEntry is one personal-record attempt for a movement.
type PrEntry struct {
	ID         string  `gorm:"column:id;primaryKey;size:190" json:"id"`
	MovementID string  `gorm:"column:movement_id;size:190;not null;index:idx_pr_entries_movement_updated,priority:1" json:"movementId"`
	Weight     float64 `gorm:"column:weight;not null" json:"weight"`
	Reps       int     `gorm:"column:reps;not null" json:"reps"`
	Date       string  `gorm:"column:date;size:32;index" json:"date"`
	CreatedAt  string  `gorm:"column:created_at;size:32" json:"createdAt"`
	UpdatedAt  string  `gorm:"column:updated_at;size:32;index:idx_pr_entries_movement_updated,priority:2" json:"updatedAt"`
	DeletedAt  *string `gorm:"column:deleted_at;size:32;index" json:"deletedAt"`
}

func (PrEntry) TableName() string {
	return prEntriesTable
}

func (e PrEntry) Deleted() bool {
	return e.DeletedAt != nil
}

// Preferences are the calculator settings of the local user.
type Preferences struct {
	Unit      string    `json:"unit"`
	BarWeight float64   `json:"barWeight"`
	Plates    []float64 `json:"plates"`
	Rounding  float64   `json:"rounding"`
	Language  string    `json:"language,omitempty"`
}

// DefaultPreferences returns the settings used before the user changes anything.
func DefaultPreferences() Preferences {
	return Preferences{
		Unit:      "kg",
		BarWeight: 20,
		Plates:    []float64{25, 20, 15, 10, 5, 2.5, 1.25},
		Rounding:  2.5,
	}
}

// Validate rejects settings the calculator cannot work with.
func (p Preferences) Validate() error {
	if p.Unit != "kg" && p.Unit != "lb" {
		return fmt.Errorf("%w: unit must be kg or lb", ErrInvalidPreferences)
	}
	if p.BarWeight < 0 {
		return fmt.Errorf("%w: bar weight must not be negative", ErrInvalidPreferences)
	}
	if p.Rounding <= 0 {
		return fmt.Errorf("%w: rounding must be positive", ErrInvalidPreferences)
	}
	for _, plate := range p.Plates {
		if plate <= 0 {
			return fmt.Errorf("%w: plates must be positive", ErrInvalidPreferences)
		}
	}
	return nil
}

func decodePreferences(raw json.RawMessage) (Preferences, error) {
	preferences := DefaultPreferences()
	if len(raw) == 0 || string(raw) == "null" {
		return preferences, nil
	}
	if err := json.Unmarshal(raw, &preferences); err != nil {
		return DefaultPreferences(), fmt.Errorf("failed to decode preferences: %w", err)
	}
	return preferences, nil
}
