package state

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// Per-connection settings. WAL keeps context-assembly and audit reads off
// the writer's back; NORMAL sync is the usual pairing with WAL.
var connPragmas = []string{
	"journal_mode = WAL",
	"synchronous = NORMAL",
	"foreign_keys = ON",
	"busy_timeout = 5000",
}

// Open creates or opens the timeline database at path and brings the schema
// up to date.
func Open(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite at %s: %w", path, err)
	}
	for _, pragma := range connPragmas {
		if _, err := db.Exec("PRAGMA " + pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("pragma %s: %w", pragma, err)
		}
	}

	if err := Migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Migrate applies the schema. Every statement is IF NOT EXISTS so it is safe
// to run on every start.
func Migrate(db *sql.DB) error {
	for _, stmt := range strings.Split(schemaSQL, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("apply schema: %w (statement %q)", err, stmt)
		}
	}
	return nil
}
