package database

import (
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/slotsync/internal/slots"
	"github.com/MarcoPoloResearchLab/slotsync/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

var (
	errMissingPath   = errors.New("database path is required")
	errMissingDSN    = errors.New("database dsn is required")
	errUnknownDriver = errors.New("unsupported database driver")
)

// Options selects the database backend.
type Options struct {
	Driver string
	Path   string
	DSN    string
}

// Open establishes the configured connection and performs schema migrations.
func Open(options Options, logger *zap.Logger) (*gorm.DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dialector, err := dialectorFor(options)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, err
	}

	if driverName(options) == DriverSQLite {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := Migrate(db, logger); err != nil {
		return nil, err
	}

	logger.Info("database initialized", zap.String("driver", driverName(options)))
	return db, nil
}

// OpenSQLite is shorthand for Open with the sqlite driver.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	return Open(Options{Driver: DriverSQLite, Path: path}, logger)
}

// Migrate brings the schema up to date and applies pending named migrations.
func Migrate(db *gorm.DB, logger *zap.Logger) error {
	if err := db.AutoMigrate(
		&slots.Group{},
		&slots.Membership{},
		&slots.Store{},
		&slots.Machine{},
		&users.Identity{},
		&users.Profile{},
		&migrationRecord{},
	); err != nil {
		return err
	}
	return applyMigrations(db, logger)
}

func driverName(options Options) string {
	driver := strings.ToLower(strings.TrimSpace(options.Driver))
	if driver == "" {
		return DriverSQLite
	}
	return driver
}

func dialectorFor(options Options) (gorm.Dialector, error) {
	switch driverName(options) {
	case DriverSQLite:
		if options.Path == "" {
			return nil, errMissingPath
		}
		return sqlite.Open(options.Path), nil
	case DriverPostgres:
		if options.DSN == "" {
			return nil, errMissingDSN
		}
		return postgres.Open(options.DSN), nil
	default:
		return nil, fmt.Errorf("%w: %s", errUnknownDriver, options.Driver)
	}
}
