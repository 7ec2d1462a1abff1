package database

import (
	"fmt"
	"strings"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/treesync/internal/config"
	"github.com/MarcoPoloResearchLab/treesync/internal/snapshots"
	"github.com/MarcoPoloResearchLab/treesync/internal/trees"
	"github.com/MarcoPoloResearchLab/treesync/internal/users"
)

const sqlitePragmas = "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"

// Options selects the store backing the sync server.
type Options struct {
	Driver string
	Path   string
	DSN    string
}

// OptionsFromConfig extracts database options from the application config.
func OptionsFromConfig(cfg config.AppConfig) Options {
	return Options{Driver: cfg.DatabaseDriver, Path: cfg.DatabasePath, DSN: cfg.DatabaseDSN}
}

// Open connects to the configured store and brings the schema up to date.
func Open(options Options, logger *zap.Logger) (*gorm.DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var (
		db  *gorm.DB
		err error
	)
	switch options.Driver {
	case config.DriverSQLite, "":
		if strings.TrimSpace(options.Path) == "" {
			return nil, fmt.Errorf("database path is required")
		}
		db, err = gorm.Open(sqlite.Open(sqliteDSN(options.Path)), &gorm.Config{})
	case config.DriverPostgres:
		if strings.TrimSpace(options.DSN) == "" {
			return nil, fmt.Errorf("database dsn is required")
		}
		db, err = gorm.Open(postgres.Open(options.DSN), &gorm.Config{})
	default:
		return nil, fmt.Errorf("unsupported database driver %q", options.Driver)
	}
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if options.Driver != config.DriverPostgres {
		// sqlite serializes writers; a single connection avoids SQLITE_BUSY inside transactions.
		sqlDB.SetMaxOpenConns(1)
	}

	if err := Migrate(db, logger); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	logger.Info("database initialized", zap.String("driver", driverName(options.Driver)))
	return db, nil
}

// Migrate creates or updates every table and applies named data migrations.
func Migrate(db *gorm.DB, logger *zap.Logger) error {
	if err := db.AutoMigrate(
		&trees.Tree{},
		&trees.Card{},
		&snapshots.Row{},
		&users.Identity{},
		&users.Setting{},
		&migrationRecord{},
	); err != nil {
		return err
	}
	return applyMigrations(db, logger)
}

func sqliteDSN(path string) string {
	separator := "?"
	if strings.Contains(path, "?") {
		separator = "&"
	}
	return path + separator + sqlitePragmas
}

func driverName(driver string) string {
	if driver == "" {
		return config.DriverSQLite
	}
	return driver
}
