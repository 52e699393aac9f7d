// Package store persists the device's local copy of preferences, movements
// and PR entries together with sync bookkeeping.
package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/prcalc/internal/wire"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

const (
	// MetaLocalChangeSeq counts committed local mutations. Other processes
	// compare it to notice writes they did not make.
	MetaLocalChangeSeq = "localChangeSeq"

	busyTimeoutPragma = "_pragma=busy_timeout(5000)"
)

// Meta misses are routine; gorm's default logger would print each one to stdout.
var quietGormLogger = gormlogger.Default.LogMode(gormlogger.Silent)

var (
	ErrNotFound           = errors.New("store: record not found")
	ErrInvalidMovement    = errors.New("store: invalid movement")
	ErrInvalidPrEntry     = errors.New("store: invalid pr entry")
	ErrInvalidPreferences = errors.New("store: invalid preferences")

	errMissingDatabase = errors.New("store: database handle is required")
)

// DirtyMarker receives a signal after every committed local mutation.
type DirtyMarker interface {
	MarkDirty()
}

// IDProvider generates ids for records created without one.
type IDProvider interface {
	NewID() string
}

// Config wires a Store.
type Config struct {
	Database   *gorm.DB
	Tracker    DirtyMarker
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Store is the local repository. All methods are safe for concurrent use.
type Store struct {
	db         *gorm.DB
	tracker    DirtyMarker
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// Open opens (creating when needed) the SQLite file at path and migrates it.
func Open(path string) (*gorm.DB, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("store path is required")
	}
	dsn := path
	if !strings.Contains(path, "?") {
		dsn = path + "?" + busyTimeoutPragma
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: quietGormLogger})
	if err != nil {
		return nil, fmt.Errorf("failed to open local store: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// Migrate creates or updates the local schema.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&MetaRow{}, &PreferencesRow{}, &Movement{}, &PrEntry{}); err != nil {
		return fmt.Errorf("failed to migrate local store: %w", err)
	}
	return nil
}

func New(cfg Config) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = uuidProvider{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		db:         cfg.Database,
		tracker:    cfg.Tracker,
		clock:      clock,
		idProvider: idProvider,
		logger:     logger,
	}, nil
}

// Transaction runs fn against a store bound to one database transaction.
// Dirty notifications raised inside fn are delivered once, after commit.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	recorder := &markRecorder{}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		scoped := *s
		scoped.db = tx
		scoped.tracker = recorder
		return fn(&scoped)
	})
	if err != nil {
		return err
	}
	if recorder.marked {
		s.markDirty()
	}
	return nil
}

// GetMeta returns the value stored under key and whether it existed.
func (s *Store) GetMeta(ctx context.Context, key string) (string, bool, error) {
	var row MetaRow
	err := s.db.WithContext(ctx).Where("key = ?", key).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get meta[%s]: %w", key, err)
	}
	return row.Value, true, nil
}

func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value"}),
	}).Create(&MetaRow{Key: key, Value: value}).Error
	if err != nil {
		return fmt.Errorf("failed to set meta[%s]: %w", key, err)
	}
	return nil
}

// ChangeSeq returns the committed local mutation counter.
func (s *Store) ChangeSeq(ctx context.Context) (int64, error) {
	value, ok, err := s.GetMeta(ctx, MetaLocalChangeSeq)
	if err != nil || !ok {
		return 0, err
	}
	seq, parseErr := strconv.ParseInt(value, 10, 64)
	if parseErr != nil {
		return 0, nil
	}
	return seq, nil
}

// mutate runs a local edit and the change counter bump in one transaction,
// then marks the tracker dirty.
func (s *Store) mutate(ctx context.Context, fn func(tx *gorm.DB) error) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := fn(tx); err != nil {
			return err
		}
		return bumpChangeSeq(tx)
	})
	if err != nil {
		return err
	}
	s.markDirty()
	return nil
}

func bumpChangeSeq(tx *gorm.DB) error {
	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.Assignments(map[string]interface{}{"value": gorm.Expr("CAST(CAST(" + metaTable + ".value AS INTEGER) + 1 AS TEXT)")}),
	}).Create(&MetaRow{Key: MetaLocalChangeSeq, Value: "1"}).Error
	if err != nil {
		return fmt.Errorf("failed to bump change sequence: %w", err)
	}
	return nil
}

func (s *Store) markDirty() {
	if s.tracker != nil {
		s.tracker.MarkDirty()
	}
}

func (s *Store) nowISO() string {
	return wire.FormatMillis(s.clock().UnixMilli())
}

type markRecorder struct {
	marked bool
}

func (m *markRecorder) MarkDirty() {
	m.marked = true
}
