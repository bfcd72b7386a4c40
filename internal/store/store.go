package store

import (
	"database/sql"
	_ "embed"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// DefaultRevisionLimit is how many revisions SaveSnapshot keeps per session.
const DefaultRevisionLimit = 20

// Store provides durable storage for session snapshots.
// Uses SQLite with WAL mode for concurrent read access.
type Store struct {
	db        *sql.DB
	revisions int
}

// Option allows configuration of store parameters.
type Option func(*Store)

// WithRevisionLimit sets how many revisions are kept per session.
// Values below 1 keep only the latest.
func WithRevisionLimit(n int) Option {
	return func(s *Store) {
		if n < 1 {
			n = 1
		}
		s.revisions = n
	}
}

// pragmas are applied once per Open; the pool holds a single connection.
var pragmas = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA synchronous = NORMAL",
	"PRAGMA busy_timeout = 5000",
	"PRAGMA foreign_keys = ON",
}

// Open opens the snapshot database at path, creating the file and tables on
// first use. Opening an existing database is safe.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	// SQLite pragmas are per connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := initialize(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	s := &Store{db: db, revisions: DefaultRevisionLimit}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func initialize(db *sql.DB) error {
	if err := db.Ping(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close closes the database. Closing a zero Store is a no-op.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
