package store

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps every document in a single documents table. It
// implements the same Store interface as the file tree backend so the
// primitives stay storage-agnostic.
type SQLiteStore struct {
	db *sql.DB

	// updateMu serializes Update cycles within this process; cross-process
	// writers are serialized by SQLite's own locking (WAL + busy_timeout).
	updateMu sync.Mutex
}

// OpenSQLite opens (or creates) a SQLite database at path and runs schema
// migrations. Pass ":memory:" for an in-memory database (useful for tests).
// Transactions begin IMMEDIATE so write locks are taken up front; a writer
// that still loses the lock race after the busy timeout gets ErrConflict.
func OpenSQLite(path string) (*SQLiteStore, error) {
	dsn := path + "?_txlock=immediate&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping store: %w", err)
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS documents (
		collection TEXT NOT NULL,
		key TEXT NOT NULL,
		value BLOB NOT NULL,
		PRIMARY KEY (collection, key)
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Get(collection, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRow(
		`SELECT value FROM documents WHERE collection = ? AND key = ?`,
		collection, key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read %s/%s: %w", collection, key, err)
	}
	return value, true, nil
}

func (s *SQLiteStore) Put(collection, key string, value []byte) error {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO documents (collection, key, value) VALUES (?, ?, ?)`,
		collection, key, value,
	)
	if err != nil {
		return fmt.Errorf("write %s/%s: %w", collection, key, mapBusy(err))
	}
	return nil
}

// mapBusy converts SQLite lock-contention errors into ErrConflict so all
// backends report exhausted lock retries the same way. Other errors pass
// through unchanged.
func mapBusy(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked") {
		return fmt.Errorf("%s: %w", msg, ErrConflict)
	}
	return err
}

func (s *SQLiteStore) Create(collection, key string, value []byte) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("create %s/%s: %w", collection, key, mapBusy(err))
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRow(
		`SELECT 1 FROM documents WHERE collection = ? AND key = ?`,
		collection, key,
	).Scan(&exists)
	if err == nil {
		return fmt.Errorf("create %s/%s: %w", collection, key, ErrExists)
	}
	if err != sql.ErrNoRows {
		return fmt.Errorf("create %s/%s: %w", collection, key, err)
	}

	if _, err := tx.Exec(
		`INSERT INTO documents (collection, key, value) VALUES (?, ?, ?)`,
		collection, key, value,
	); err != nil {
		return fmt.Errorf("create %s/%s: %w", collection, key, mapBusy(err))
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("create %s/%s: %w", collection, key, mapBusy(err))
	}
	return nil
}

func (s *SQLiteStore) Update(collection, key string, fn UpdateFunc) error {
	s.updateMu.Lock()
	defer s.updateMu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("update %s/%s: %w", collection, key, mapBusy(err))
	}
	defer tx.Rollback()

	var cur []byte
	err = tx.QueryRow(
		`SELECT value FROM documents WHERE collection = ? AND key = ?`,
		collection, key,
	).Scan(&cur)
	if err == sql.ErrNoRows {
		cur = nil
	} else if err != nil {
		return fmt.Errorf("update %s/%s: %w", collection, key, err)
	}

	next, err := fn(cur)
	if err != nil {
		return err
	}

	if _, err := tx.Exec(
		`INSERT OR REPLACE INTO documents (collection, key, value) VALUES (?, ?, ?)`,
		collection, key, next,
	); err != nil {
		return fmt.Errorf("update %s/%s: %w", collection, key, mapBusy(err))
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("update %s/%s: %w", collection, key, mapBusy(err))
	}
	return nil
}

func (s *SQLiteStore) Delete(collection, key string) error {
	res, err := s.db.Exec(
		`DELETE FROM documents WHERE collection = ? AND key = ?`,
		collection, key,
	)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", collection, key, mapBusy(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete %s/%s rows affected: %w", collection, key, err)
	}
	if n == 0 {
		return fmt.Errorf("delete %s/%s: %w", collection, key, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) List(collection string) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT key FROM documents WHERE collection = ?`, collection,
	)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", collection, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// Close closes the underlying SQLite database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
