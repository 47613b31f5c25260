package router

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	_ "modernc.org/sqlite"
)

// RootRegistry is the global-root directory entry: name -> repo-id, durable
// across restarts (spec.md §4.3's Root case "enumerate repos"). It is
// intentionally simpler than internal/meta.Store (no writer goroutine,
// repo creation is rare and never contended the way inode writes are).
type RootRegistry struct {
	mu sync.Mutex
	db *sql.DB
}

// OpenRootRegistry opens or creates the registry database at path (conventionally
// <repos_dir>/.gitfs-root.db).
func OpenRootRegistry(path string) (*RootRegistry, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create root registry directory: %w", err)
	}
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open root registry: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS repos (
		name TEXT PRIMARY KEY,
		repo_id INTEGER NOT NULL UNIQUE
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create root registry schema: %w", err)
	}
	return &RootRegistry{db: db}, nil
}

// Close closes the underlying database handle.
func (r *RootRegistry) Close() error { return r.db.Close() }

// Register binds name to repoID. It fails if name is already registered
// (to any repo-id) or if repoID is already bound to another name.
func (r *RootRegistry) Register(name string, repoID uint16) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.db.Exec(`INSERT INTO repos(name, repo_id) VALUES (?, ?)`, name, repoID)
	return err
}

// Lookup resolves name to its repo-id.
func (r *RootRegistry) Lookup(name string) (uint16, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var id uint16
	err := r.db.QueryRow(`SELECT repo_id FROM repos WHERE name = ?`, name).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

// Delete removes name's registration (spec.md §4.9 RepoDelete). It does not
// touch the repo's on-disk directory or metadata store — callers are
// responsible for that, mirroring original_source/src/internals/sock.rs's
// handle_client, which removes the directory itself before calling back
// into the registry.
func (r *RootRegistry) Delete(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.db.Exec(`DELETE FROM repos WHERE name = ?`, name)
	return err
}

// List returns every registered repo name, sorted.
func (r *RootRegistry) List() ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rows, err := r.db.Query(`SELECT name FROM repos`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	sort.Strings(names)
	return names, rows.Err()
}

// NextRepoID returns one more than the largest registered repo-id, so 1 for
// an empty registry (0 is reserved for the global root, per spec.md §3's
// inode layout). Ids freed by Delete below the largest are not reused.
func (r *RootRegistry) NextRepoID() (uint16, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var max int
	err := r.db.QueryRow(`SELECT COALESCE(MAX(repo_id), 0) FROM repos`).Scan(&max)
	if err != nil {
		return 0, err
	}
	return uint16(max + 1), nil
}
