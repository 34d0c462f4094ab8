// Package migration owns the schema. PostgreSQL is migrated with version
// tracking; SQLite dev and test databases replay the idempotent up scripts.
package migration

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"slices"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

//go:embed migrations/*.sql
var scripts embed.FS

// Up applies pending versioned migrations to a PostgreSQL database and
// returns the schema version it ended at.
func Up(db *sql.DB) (uint, error) {
	if db == nil {
		return 0, errors.New("migration: nil database handle")
	}
	source, err := iofs.New(scripts, "migrations")
	if err != nil {
		return 0, fmt.Errorf("migration source: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return 0, fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return 0, fmt.Errorf("migrator: %w", err)
	}
	// m.Close would close db, which the caller still owns.

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return 0, fmt.Errorf("migrate up: %w", err)
	}
	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return 0, fmt.Errorf("schema version: %w", err)
	}
	if dirty {
		return version, fmt.Errorf("schema version %d is dirty", version)
	}
	return version, nil
}

// ApplySchema replays every up script in version order without tracking.
// The scripts use IF NOT EXISTS throughout, so running it twice is harmless.
func ApplySchema(db *gorm.DB) error {
	entries, err := fs.ReadDir(scripts, "migrations")
	if err != nil {
		return err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".up.sql") {
			names = append(names, entry.Name())
		}
	}
	slices.Sort(names)

	for _, name := range names {
		body, err := scripts.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read %s: %w", name, err)
		}
		for i, stmt := range splitStatements(string(body)) {
			if err := db.Exec(stmt).Error; err != nil {
				return fmt.Errorf("%s statement %d: %w", name, i+1, err)
			}
		}
	}
	return nil
}

func splitStatements(script string) []string {
	var stmts []string
	for part := range strings.SplitSeq(script, ";") {
		if stmt := strings.TrimSpace(part); stmt != "" {
			stmts = append(stmts, stmt)
		}
	}
	return stmts
}

func logVersion(log *zap.Logger, version uint) {
	if log == nil {
		return
	}
	log.Info("schema migrated", zap.Uint("version", version))
}
