package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// The methods below read and write rows exactly as given. They are meant for
// applying server state and do not count as local changes.

// PreferencesRow returns the stored preferences row or nil.
func (s *Store) PreferencesRow(ctx context.Context) (*PreferencesRow, error) {
	var row PreferencesRow
	err := s.db.WithContext(ctx).Where("id = ?", PreferencesRowID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get preferences: %w", err)
	}
	return &row, nil
}

func (s *Store) PutPreferencesRow(ctx context.Context, row PreferencesRow) error {
	return putPreferencesRow(s.db.WithContext(ctx), row)
}

// GetMovement returns the movement with id or nil.
func (s *Store) GetMovement(ctx context.Context, id string) (*Movement, error) {
	return getMovement(s.db.WithContext(ctx), id)
}

func (s *Store) PutMovement(ctx context.Context, movement Movement) error {
	return putMovement(s.db.WithContext(ctx), movement)
}

// GetPrEntry returns the entry with id or nil.
func (s *Store) GetPrEntry(ctx context.Context, id string) (*PrEntry, error) {
	return getPrEntry(s.db.WithContext(ctx), id)
}

func (s *Store) PutPrEntry(ctx context.Context, entry PrEntry) error {
	return putPrEntry(s.db.WithContext(ctx), entry)
}

// AllMovements returns every movement including tombstones, ordered by id.
func (s *Store) AllMovements(ctx context.Context) ([]Movement, error) {
	var movements []Movement
	if err := s.db.WithContext(ctx).Order("id ASC").Find(&movements).Error; err != nil {
		return nil, fmt.Errorf("failed to list movements: %w", err)
	}
	return movements, nil
}

// AllPrEntries returns every PR entry including tombstones, ordered by id.
func (s *Store) AllPrEntries(ctx context.Context) ([]PrEntry, error) {
	var entries []PrEntry
	if err := s.db.WithContext(ctx).Order("id ASC").Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("failed to list pr entries: %w", err)
	}
	return entries, nil
}
