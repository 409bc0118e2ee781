package db

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Open opens the SQLite database at path, creating its directory, and
// applies pending migrations.
func Open(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	database, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := database.Ping(); err != nil {
		database.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	if err := MigrateAll(database); err != nil {
		database.Close()
		return nil, err
	}
	return database, nil
}

// Migrate runs one migration script in a transaction.
func Migrate(database *sql.DB, script string) error {
	tx, err := database.Begin()
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	if _, err := tx.Exec(script); err != nil {
		tx.Rollback()
		return fmt.Errorf("exec migration: %w", err)
	}
	return tx.Commit()
}

// MigrateAll applies the embedded migrations newer than the database's
// user_version, in file name order.
func MigrateAll(database *sql.DB) error {
	names, err := fs.Glob(migrationsFS, "migrations/*.sql")
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}
	sort.Strings(names)

	var version int
	if err := database.QueryRow(`PRAGMA user_version`).Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	for i := version; i < len(names); i++ {
		script, err := migrationsFS.ReadFile(names[i])
		if err != nil {
			return fmt.Errorf("read %s: %w", names[i], err)
		}
		if err := Migrate(database, string(script)); err != nil {
			return fmt.Errorf("%s: %w", names[i], err)
		}
		if _, err := database.Exec(fmt.Sprintf(`PRAGMA user_version = %d`, i+1)); err != nil {
			return fmt.Errorf("set schema version: %w", err)
		}
	}
	return nil
}
