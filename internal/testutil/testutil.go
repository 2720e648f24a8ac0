package testutil

import (
	"database/sql"
	"path/filepath"
	"sync"
	"testing"

	"github.com/flitsinc/go-tracks/internal/state"
)

// OpenTestDB opens a migrated sqlite database under a per-test temp dir.
// The returned close func is safe to call more than once.
func OpenTestDB(t *testing.T) (*sql.DB, func()) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tracks.db")
	db, err := state.Open(path)
	if err != nil {
		t.Fatalf("open test db at %s: %v", path, err)
	}
	var once sync.Once
	return db, func() {
		once.Do(func() { _ = db.Close() })
	}
}
