package database

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
)

// ErrSchemaTooNew is returned when the store was written by a newer build
// whose migrations this one does not know.
var ErrSchemaTooNew = errors.New("event store schema is newer than this build")

// schemaVersion reads the store's PRAGMA user_version.
func schemaVersion(conn *sql.DB) (int, error) {
	var version int
	if err := conn.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("reading schema version: %w", err)
	}
	return version, nil
}

func setSchemaVersion(conn *sql.DB, version int) error {
	// modernc/sqlite drops user_version writes made inside a transaction.
	if _, err := conn.Exec(fmt.Sprintf("PRAGMA user_version = %d", version)); err != nil {
		return fmt.Errorf("setting schema version %d: %w", version, err)
	}
	return nil
}

// unversionedStore reports whether the file already holds the projects and
// events tables without a version stamp. Stores bootstrapped from the
// standalone schema script look like this and match migration 1.
func unversionedStore(conn *sql.DB) (bool, error) {
	var count int
	err := conn.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name IN ('projects', 'events')",
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("inspecting existing tables: %w", err)
	}
	return count == 2, nil
}

// pendingMigrations returns the migrations above version, in order.
func pendingMigrations(version int) []Migration {
	var out []Migration
	for _, m := range migrations {
		if m.Version > version {
			out = append(out, m)
		}
	}
	return out
}

func applyMigration(conn *sql.DB, m Migration) error {
	tx, err := conn.Begin()
	if err != nil {
		return fmt.Errorf("begin migration %d: %w", m.Version, err)
	}
	if err := m.Up(tx); err != nil {
		tx.Rollback()
		return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %d: %w", m.Version, err)
	}
	return setSchemaVersion(conn, m.Version)
}

// migrate brings the event store up to the latest schema. Every migration
// is idempotent DDL, so a crash between commit and version stamp re-runs
// the step on the next open.
func migrate(conn *sql.DB) error {
	current, err := schemaVersion(conn)
	if err != nil {
		return err
	}
	latest := latestVersion()
	if current > latest {
		return fmt.Errorf("%w: store at version %d, build knows %d", ErrSchemaTooNew, current, latest)
	}

	if current == 0 {
		unversioned, err := unversionedStore(conn)
		if err != nil {
			return err
		}
		if unversioned {
			log.Printf("Existing event store without schema version, stamping as version 1")
			if err := setSchemaVersion(conn, 1); err != nil {
				return err
			}
			current = 1
		}
	}

	pending := pendingMigrations(current)
	if len(pending) == 0 {
		return nil
	}
	log.Printf("Event store at schema version %d, applying %d migration(s)", current, len(pending))
	for _, m := range pending {
		log.Printf("  Migration %d: %s", m.Version, m.Description)
		if err := applyMigration(conn, m); err != nil {
			return err
		}
	}
	return nil
}
