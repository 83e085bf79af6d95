// Package migrations holds the journal schema and applies it with
// golang-migrate from files embedded in the binary.
package migrations

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed files/*.sql
var migrationFiles embed.FS

// ErrNoVersion is returned by Version for a journal that was never migrated.
var ErrNoVersion = errors.New("journal has no schema version (needs migration)")

// Version reports the applied schema version, the newest version embedded
// in the binary, and whether the last migration left the schema dirty.
func Version(db *sql.DB) (current, latest uint, dirty bool, err error) {
	m, err := newMigrate(db)
	if err != nil {
		return 0, 0, false, err
	}
	// m is not closed: closing it would close db, which the caller owns.

	latest, err = latestVersion()
	if err != nil {
		return 0, 0, false, fmt.Errorf("determining latest version: %w", err)
	}

	current, dirty, err = m.Version()
	if err != nil {
		if errors.Is(err, migrate.ErrNilVersion) {
			return 0, latest, false, ErrNoVersion
		}
		return 0, latest, false, fmt.Errorf("reading journal version: %w", err)
	}
	return current, latest, dirty, nil
}

// CheckDBMigrationStatus returns nil when the journal schema matches the
// binary and an error describing the mismatch otherwise.
func CheckDBMigrationStatus(db *sql.DB) error {
	current, latest, dirty, err := Version(db)
	if err != nil {
		return err
	}
	switch {
	case dirty:
		return fmt.Errorf("journal is in dirty state at version %d (migration failed previously)", current)
	case current < latest:
		return fmt.Errorf("journal is at version %d but latest is %d", current, latest)
	case current > latest:
		return fmt.Errorf("journal version %d is ahead of binary version %d (binary needs update)", current, latest)
	}
	return nil
}

// MigrateUp applies every pending migration. An up-to-date journal is not
// an error.
func MigrateUp(db *sql.DB) error {
	m, err := newMigrate(db)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrating journal: %w", err)
	}
	return nil
}

func newMigrate(db *sql.DB) (*migrate.Migrate, error) {
	src, err := iofs.New(migrationFiles, "files")
	if err != nil {
		return nil, fmt.Errorf("opening embedded migrations: %w", err)
	}

	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		src.Close()
		return nil, fmt.Errorf("creating sqlite migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		src.Close()
		return nil, fmt.Errorf("creating migrate instance: %w", err)
	}
	return m, nil
}

func latestVersion() (uint, error) {
	src, err := iofs.New(migrationFiles, "files")
	if err != nil {
		return 0, err
	}
	defer src.Close()
	return lastVersion(src)
}

// lastVersion walks the source until Next reports no further migration.
func lastVersion(src source.Driver) (uint, error) {
	v, err := src.First()
	if err != nil {
		return 0, err
	}
	for {
		next, err := src.Next(v)
		if err != nil {
			return v, nil
		}
		v = next
	}
}
