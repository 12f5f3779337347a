// Package prefs persists per-user playback preferences in SQLite.
package prefs

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"
	_ "github.com/mattn/go-sqlite3"
	zlog "github.com/rs/zerolog/log"
)

const schema = `CREATE TABLE IF NOT EXISTS user_prefs (
	user_id    TEXT PRIMARY KEY,
	volume     INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
)`

// Store is a SQLite-backed preference store.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (and creates, if needed) the database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "failed to create database directory: %s", dir)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}
	// sqlite3 serializes writers; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "failed to connect to database")
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "failed to create schema")
	}

	zlog.Info().Msgf("preference store opened: path=%s", path)
	return &Store{db: db, now: time.Now}, nil
}

// Volume returns the stored volume for a user, or 0 when none is stored.
func (s *Store) Volume(ctx context.Context, userID string) (int, error) {
	var volume int
	err := s.db.QueryRowContext(ctx,
		`SELECT volume FROM user_prefs WHERE user_id = ?`, userID).Scan(&volume)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "failed to query volume")
	}
	return volume, nil
}

// SetVolume stores the volume for a user.
func (s *Store) SetVolume(ctx context.Context, userID string, volume int) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_prefs (user_id, volume, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET volume = excluded.volume, updated_at = excluded.updated_at`,
		userID, volume, s.now().Unix())
	if err != nil {
		return errors.Wrap(err, "failed to store volume")
	}
	zlog.Debug().Msgf("stored volume preference: user=%s volume=%d", userID, volume)
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return errors.Wrap(err, "failed to close database")
	}
	return nil
}
