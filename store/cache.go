// Package store persists generated classes: a SQLite index of the last
// sealed bytes per class, and the .class output tree.
package store

import (
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/chazu/redgen/codegen"
)

// ErrNotFound indicates the class has no cache entry.
var ErrNotFound = errors.New("class not found in cache")

// Entry is one cached class.
type Entry struct {
	Name  string // internal name
	Kind  string
	Hash  string // hex sha256 of Bytes
	Run   string // compilation run that last wrote the entry
	Bytes []byte
}

// Cache is a content-addressed index of compiled classes backed by SQLite.
// It is safe for concurrent use.
type Cache struct {
	db   *sql.DB
	path string
	mu   sync.Mutex
}

// Open opens or creates the cache database at path.
func Open(path string) (*Cache, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating cache directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Set busy timeout for concurrent access
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS classes (
		name TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		hash TEXT NOT NULL,
		run  TEXT NOT NULL,
		data BLOB NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating table: %w", err)
	}

	return &Cache{db: db, path: path}, nil
}

// Path returns the database file path.
func (c *Cache) Path() string { return c.path }

// Close closes the database connection.
func (c *Cache) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// HashOf returns the hex sha256 of a class's bytes.
func HashOf(cls *codegen.Class) string {
	h := cls.Hash()
	return hex.EncodeToString(h[:])
}

// Put records cls as produced by run. It reports whether the stored bytes
// changed; an identical class only has its run updated.
func (c *Cache) Put(run string, cls *codegen.Class) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	name := cls.InternalName()
	hash := HashOf(cls)

	var old string
	err := c.db.QueryRow("SELECT hash FROM classes WHERE name = ?", name).Scan(&old)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("querying class %s: %w", name, err)
	}
	if err == nil && old == hash {
		if _, err := c.db.Exec("UPDATE classes SET run = ? WHERE name = ?", run, name); err != nil {
			return false, fmt.Errorf("touching class %s: %w", name, err)
		}
		return false, nil
	}

	_, err = c.db.Exec(
		"INSERT OR REPLACE INTO classes (name, kind, hash, run, data) VALUES (?, ?, ?, ?, ?)",
		name, cls.Kind.String(), hash, run, cls.Bytes,
	)
	if err != nil {
		return false, fmt.Errorf("saving class %s: %w", name, err)
	}
	return true, nil
}

// Get retrieves a cached class by internal name.
func (c *Cache) Get(name string) (*Entry, error) {
	e := &Entry{Name: name}
	err := c.db.QueryRow("SELECT kind, hash, run, data FROM classes WHERE name = ?", name).
		Scan(&e.Kind, &e.Hash, &e.Run, &e.Bytes)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying class %s: %w", name, err)
	}
	return e, nil
}

// Names lists cached class names in order.
func (c *Cache) Names() ([]string, error) {
	rows, err := c.db.Query("SELECT name FROM classes ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("listing classes: %w", err)
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
	return names, rows.Err()
}

// Prune deletes entries not written by run and returns how many went.
func (c *Cache) Prune(run string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	res, err := c.db.Exec("DELETE FROM classes WHERE run <> ?", run)
	if err != nil {
		return 0, fmt.Errorf("pruning classes: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}
