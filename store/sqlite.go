package store

import (
	"bytes"
	"database/sql"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

// SQLite-backed Store. A single kv table keeps the core backend-agnostic;
// richer schemas belong to the consumers of the failure/job records, not
// here.
type sqliteStore struct {
	db *sql.DB
}

const sqliteSchema = `CREATE TABLE IF NOT EXISTS kv (
	k          TEXT PRIMARY KEY,
	v          BLOB NOT NULL,
	written_at TEXT NOT NULL DEFAULT (datetime('now'))
)`

// MakeSQLiteStore opens (or creates) a SQLite database at dbPath.
// Use ":memory:" for an in-memory database (useful in tests).
func MakeSQLiteStore(dbPath string) (Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, errors.Wrapf(err, "open sqlite %s", dbPath)
	}
	if dbPath == ":memory:" {
		// Each pooled connection would otherwise see its own empty database.
		db.SetMaxOpenConns(1)
	}
	// WAL improves concurrent read behavior; the scheduler reads while the
	// async persistor writes.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "pragma wal")
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "create kv table")
	}
	return &sqliteStore{db: db}, nil
}

func (s *sqliteStore) Put(key string, value []byte) error {
	_, err := s.db.Exec(
		`INSERT INTO kv (k, v) VALUES (?, ?)
		 ON CONFLICT(k) DO UPDATE SET v=excluded.v, written_at=datetime('now')`,
		key, value)
	return errors.Wrapf(err, "put %s", key)
}

func (s *sqliteStore) Get(key string) ([]byte, error) {
	var v []byte
	err := s.db.QueryRow(`SELECT v FROM kv WHERE k = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get %s", key)
	}
	return v, nil
}

func (s *sqliteStore) Delete(key string) error {
	_, err := s.db.Exec(`DELETE FROM kv WHERE k = ?`, key)
	return errors.Wrapf(err, "delete %s", key)
}

func (s *sqliteStore) Scan(prefix string, fn func(key string, value []byte) error) error {
	rows, err := s.db.Query(`SELECT k, v FROM kv WHERE k LIKE ? || '%'`, prefix)
	if err != nil {
		return errors.Wrapf(err, "scan %s", prefix)
	}
	defer rows.Close()
	for rows.Next() {
		var k string
		var v []byte
		if err := rows.Scan(&k, &v); err != nil {
			return errors.Wrap(err, "scan row")
		}
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *sqliteStore) CAS(key string, expected, value []byte) error {
	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "cas begin")
	}
	defer tx.Rollback()

	var current []byte
	err = tx.QueryRow(`SELECT v FROM kv WHERE k = ?`, key).Scan(&current)
	switch {
	case err == sql.ErrNoRows:
		if expected != nil {
			return ErrNotFound
		}
	case err != nil:
		return errors.Wrapf(err, "cas read %s", key)
	default:
		if expected == nil || !bytes.Equal(current, expected) {
			return ErrCASMismatch
		}
	}

	if _, err := tx.Exec(
		`INSERT INTO kv (k, v) VALUES (?, ?)
		 ON CONFLICT(k) DO UPDATE SET v=excluded.v, written_at=datetime('now')`,
		key, value); err != nil {
		return errors.Wrapf(err, "cas write %s", key)
	}
	return errors.Wrap(tx.Commit(), "cas commit")
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}
