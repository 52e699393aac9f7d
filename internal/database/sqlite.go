package database

import (
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/prcalc/internal/accounts"
	"github.com/MarcoPoloResearchLab/prcalc/internal/lifts"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// Options selects the storage backend.
type Options struct {
	Driver string
	Path   string
	DSN    string
}

// Open connects to the configured backend and performs schema migrations.
func Open(options Options, logger *zap.Logger) (*gorm.DB, error) {
	switch strings.ToLower(strings.TrimSpace(options.Driver)) {
	case "", "sqlite":
		return OpenSQLite(options.Path, logger)
	case "postgres":
		return OpenPostgres(options.DSN, logger)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", options.Driver)
	}
}

// OpenSQLite establishes a SQLite connection and performs schema migrations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := migrate(db, logger); err != nil {
		return nil, err
	}
	if logger != nil {
		logger.Info("database initialized", zap.String("driver", "sqlite"), zap.String("path", path))
	}
	return db, nil
}

// OpenPostgres establishes a PostgreSQL connection and performs schema migrations.
func OpenPostgres(dsn string, logger *zap.Logger) (*gorm.DB, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("database dsn is required")
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	if err := migrate(db, logger); err != nil {
		return nil, err
	}
	if logger != nil {
		logger.Info("database initialized", zap.String("driver", "postgres"))
	}
	return db, nil
}

func migrate(db *gorm.DB, logger *zap.Logger) error {
	err := db.AutoMigrate(
		&accounts.Account{},
		&accounts.Device{},
		&lifts.Preferences{},
		&lifts.Movement{},
		&lifts.PrEntry{},
		&migrationRecord{},
	)
	if err != nil {
		return err
	}
	return applyMigrations(db, logger)
}
