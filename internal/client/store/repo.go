package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type uuidProvider struct{}

func (uuidProvider) NewID() string {
	return uuid.NewString()
}

// Preferences returns the stored settings, or the defaults when none were
// saved. Fields missing from the stored document fall back to their defaults.
func (s *Store) Preferences(ctx context.Context) (Preferences, error) {
	row, err := s.PreferencesRow(ctx)
	if err != nil {
		return DefaultPreferences(), err
	}
	if row == nil || row.DeletedAt != nil {
		return DefaultPreferences(), nil
	}
	return decodePreferences(row.Value)
}

func (s *Store) SetPreferences(ctx context.Context, preferences Preferences) error {
	if err := preferences.Validate(); err != nil {
		return err
	}
	encoded, err := json.Marshal(preferences)
	if err != nil {
		return fmt.Errorf("failed to encode preferences: %w", err)
	}
	row := PreferencesRow{ID: PreferencesRowID, Value: encoded, UpdatedAt: s.nowISO()}
	return s.mutate(ctx, func(tx *gorm.DB) error {
		return putPreferencesRow(tx, row)
	})
}

// Movements lists movements newest first. Tombstoned rows are skipped unless
// includeDeleted is set.
func (s *Store) Movements(ctx context.Context, includeDeleted bool) ([]Movement, error) {
	query := s.db.WithContext(ctx).Order("created_at DESC").Order("id ASC")
	if !includeDeleted {
		query = query.Where("deleted_at IS NULL")
	}
	var movements []Movement
	if err := query.Find(&movements).Error; err != nil {
		return nil, fmt.Errorf("failed to list movements: %w", err)
	}
	return movements, nil
}

// Movement returns one movement, tombstoned or not.
func (s *Store) Movement(ctx context.Context, id string) (Movement, error) {
	movement, err := s.GetMovement(ctx, id)
	if err != nil {
		return Movement{}, err
	}
	if movement == nil {
		return Movement{}, fmt.Errorf("%w: movement %s", ErrNotFound, id)
	}
	return *movement, nil
}

// UpsertMovement creates or renames a movement. A missing id is generated and
// a tombstoned movement is revived.
func (s *Store) UpsertMovement(ctx context.Context, movement Movement) (Movement, error) {
	movement.Name = strings.TrimSpace(movement.Name)
	if movement.Name == "" {
		return Movement{}, fmt.Errorf("%w: name is required", ErrInvalidMovement)
	}
	movement.ID = strings.TrimSpace(movement.ID)
	if movement.ID == "" {
		movement.ID = s.idProvider.NewID()
	}
	now := s.nowISO()

	err := s.mutate(ctx, func(tx *gorm.DB) error {
		existing, err := getMovement(tx, movement.ID)
		if err != nil {
			return err
		}
		switch {
		case movement.CreatedAt != "":
		case existing != nil:
			movement.CreatedAt = existing.CreatedAt
		default:
			movement.CreatedAt = now
		}
		movement.UpdatedAt = now
		movement.DeletedAt = nil
		return putMovement(tx, movement)
	})
	if err != nil {
		return Movement{}, err
	}
	return movement, nil
}

// DeleteMovement tombstones the movement and every live PR entry recorded for it.
func (s *Store) DeleteMovement(ctx context.Context, id string) error {
	now := s.nowISO()
	return s.mutate(ctx, func(tx *gorm.DB) error {
		result := tx.Model(&Movement{}).
			Where("id = ?", id).
			Updates(map[string]interface{}{"updated_at": now, "deleted_at": now})
		if result.Error != nil {
			return fmt.Errorf("failed to delete movement: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("%w: movement %s", ErrNotFound, id)
		}
		err := tx.Model(&PrEntry{}).
			Where("movement_id = ? AND deleted_at IS NULL", id).
			Updates(map[string]interface{}{"updated_at": now, "deleted_at": now}).Error
		if err != nil {
			return fmt.Errorf("failed to delete pr entries of movement: %w", err)
		}
		return nil
	})
}

// PrEntries lists a movement's entries, most recently changed first.
func (s *Store) PrEntries(ctx context.Context, movementID string, includeDeleted bool) ([]PrEntry, error) {
	query := s.db.WithContext(ctx).
		Where("movement_id = ?", movementID).
		Order("updated_at DESC").
		Order("id ASC")
	if !includeDeleted {
		query = query.Where("deleted_at IS NULL")
	}
	var entries []PrEntry
	if err := query.Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("failed to list pr entries: %w", err)
	}
	return entries, nil
}

func (s *Store) AddPrEntry(ctx context.Context, entry PrEntry) (PrEntry, error) {
	entry.MovementID = strings.TrimSpace(entry.MovementID)
	if entry.MovementID == "" {
		return PrEntry{}, fmt.Errorf("%w: movement id is required", ErrInvalidPrEntry)
	}
	if entry.Reps <= 0 {
		return PrEntry{}, fmt.Errorf("%w: reps must be positive", ErrInvalidPrEntry)
	}
	if entry.Weight < 0 {
		return PrEntry{}, fmt.Errorf("%w: weight must not be negative", ErrInvalidPrEntry)
	}
	entry.ID = strings.TrimSpace(entry.ID)
	if entry.ID == "" {
		entry.ID = s.idProvider.NewID()
	}
	now := s.nowISO()
	if entry.Date == "" {
		entry.Date = now
	}
	if entry.CreatedAt == "" {
		entry.CreatedAt = now
	}
	entry.UpdatedAt = now
	entry.DeletedAt = nil

	err := s.mutate(ctx, func(tx *gorm.DB) error {
		movement, err := getMovement(tx, entry.MovementID)
		if err != nil {
			return err
		}
		if movement == nil || movement.Deleted() {
			return fmt.Errorf("%w: movement %s", ErrNotFound, entry.MovementID)
		}
		return putPrEntry(tx, entry)
	})
	if err != nil {
		return PrEntry{}, err
	}
	return entry, nil
}

func (s *Store) DeletePrEntry(ctx context.Context, id string) error {
	now := s.nowISO()
	return s.mutate(ctx, func(tx *gorm.DB) error {
		result := tx.Model(&PrEntry{}).
			Where("id = ?", id).
			Updates(map[string]interface{}{"updated_at": now, "deleted_at": now})
		if result.Error != nil {
			return fmt.Errorf("failed to delete pr entry: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("%w: pr entry %s", ErrNotFound, id)
		}
		return nil
	})
}

// ReplaceAll swaps the whole local dataset, as a backup restore does, and
// counts as a local change.
func (s *Store) ReplaceAll(ctx context.Context, preferences PreferencesRow, movements []Movement, entries []PrEntry) error {
	return s.mutate(ctx, func(tx *gorm.DB) error {
		if err := putPreferencesRow(tx, preferences); err != nil {
			return err
		}
		if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&PrEntry{}).Error; err != nil {
			return fmt.Errorf("failed to clear pr entries: %w", err)
		}
		if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&Movement{}).Error; err != nil {
			return fmt.Errorf("failed to clear movements: %w", err)
		}
		for _, movement := range movements {
			if err := putMovement(tx, movement); err != nil {
				return err
			}
		}
		for _, entry := range entries {
			if err := putPrEntry(tx, entry); err != nil {
				return err
			}
		}
		return nil
	})
}

func getMovement(tx *gorm.DB, id string) (*Movement, error) {
	var movement Movement
	err := tx.Where("id = ?", id).Take(&movement).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get movement: %w", err)
	}
	return &movement, nil
}

func getPrEntry(tx *gorm.DB, id string) (*PrEntry, error) {
	var entry PrEntry
	err := tx.Where("id = ?", id).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pr entry: %w", err)
	}
	return &entry, nil
}

func putMovement(tx *gorm.DB, movement Movement) error {
	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "created_at", "updated_at", "deleted_at"}),
	}).Create(&movement).Error
	if err != nil {
		return fmt.Errorf("failed to put movement: %w", err)
	}
	return nil
}

func putPrEntry(tx *gorm.DB, entry PrEntry) error {
	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"movement_id", "weight", "reps", "date", "created_at", "updated_at", "deleted_at"}),
	}).Create(&entry).Error
	if err != nil {
		return fmt.Errorf("failed to put pr entry: %w", err)
	}
	return nil
}

func putPreferencesRow(tx *gorm.DB, row PreferencesRow) error {
	row.ID = PreferencesRowID
	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"value_json", "updated_at", "deleted_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("failed to put preferences: %w", err)
	}
	return nil
}
