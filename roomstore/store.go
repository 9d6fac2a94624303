// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package roomstore

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/callbridge/lib/ref"
)

const poolSize = 4

const schema = `
CREATE TABLE IF NOT EXISTS pairings (
	room_id         TEXT PRIMARY KEY,
	conference_user TEXT NOT NULL,
	inviter         TEXT NOT NULL,
	created_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS pairings_conference_user ON pairings (conference_user);
`

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA temp_store=MEMORY",
}

// Pairing records that ConferenceUser was invited into RoomID by
// Inviter. The conference user's localpart encodes the group room.
type Pairing struct {
	RoomID         ref.RoomID
	ConferenceUser ref.UserID
	Inviter        ref.UserID
	CreatedAt      time.Time
}

// Store is a pairing store. Safe for concurrent use.
type Store struct {
	pool   *sqlitex.Pool
	logger *slog.Logger
	path   string
}

// Open opens (creating if necessary) the database at path. The parent
// directory is created when missing. The caller must call Close.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("roomstore: path is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("roomstore: creating directory for %s: %w", path, err)
	}

	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareConnection,
	})
	if err != nil {
		return nil, fmt.Errorf("roomstore: opening %s: %w", path, err)
	}

	logger.Info("room store opened", "path", path)
	return &Store{pool: pool, logger: logger, path: path}, nil
}

func prepareConnection(conn *sqlite.Conn) error {
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("roomstore: %s: %w", pragma, err)
		}
	}
	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("roomstore: creating schema: %w", err)
	}
	return nil
}

// Close closes every connection. Blocks until borrowed connections are
// returned.
func (s *Store) Close() error {
	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("roomstore: closing %s: %w", s.path, err)
	}
	s.logger.Info("room store closed", "path", s.path)
	return nil
}

func (s *Store) take(ctx context.Context) (*sqlite.Conn, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("roomstore: take connection: %w", err)
	}
	return conn, nil
}

// Put inserts or replaces the pairing for pairing.RoomID. A zero
// CreatedAt is stored as the current time.
func (s *Store) Put(ctx context.Context, pairing Pairing) error {
	if pairing.RoomID.IsZero() || pairing.ConferenceUser.IsZero() {
		return fmt.Errorf("roomstore: pairing needs a room and a conference user")
	}
	if pairing.CreatedAt.IsZero() {
		pairing.CreatedAt = time.Now()
	}

	conn, err := s.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `INSERT OR REPLACE INTO pairings
		(room_id, conference_user, inviter, created_at)
		VALUES (?, ?, ?, ?)`, &sqlitex.ExecOptions{
		Args: []any{
			pairing.RoomID.String(),
			pairing.ConferenceUser.String(),
			pairing.Inviter.String(),
			pairing.CreatedAt.UnixMilli(),
		},
	})
	if err != nil {
		return fmt.Errorf("roomstore: storing pairing for %s: %w", pairing.RoomID, err)
	}
	return nil
}

// Get returns the pairing for roomID. The boolean is false when the
// room has none.
func (s *Store) Get(ctx context.Context, roomID ref.RoomID) (Pairing, bool, error) {
	conn, err := s.take(ctx)
	if err != nil {
		return Pairing{}, false, err
	}
	defer s.pool.Put(conn)

	var (
		pairing Pairing
		found   bool
		scanErr error
	)
	err = sqlitex.Execute(conn, `SELECT conference_user, inviter, created_at
		FROM pairings WHERE room_id = ?`, &sqlitex.ExecOptions{
		Args: []any{roomID.String()},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			found = true
			pairing.RoomID = roomID
			pairing.CreatedAt = time.UnixMilli(stmt.ColumnInt64(2))
			if pairing.ConferenceUser, scanErr = ref.ParseUserID(stmt.ColumnText(0)); scanErr != nil {
				return scanErr
			}
			if inviter := stmt.ColumnText(1); inviter != "" {
				pairing.Inviter, scanErr = ref.ParseUserID(inviter)
			}
			return scanErr
		},
	})
	if err != nil {
		return Pairing{}, false, fmt.Errorf("roomstore: reading pairing for %s: %w", roomID, err)
	}
	return pairing, found, nil
}

// Delete removes the pairing for roomID. Deleting a missing pairing is
// not an error.
func (s *Store) Delete(ctx context.Context, roomID ref.RoomID) error {
	conn, err := s.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, "DELETE FROM pairings WHERE room_id = ?", &sqlitex.ExecOptions{
		Args: []any{roomID.String()},
	})
	if err != nil {
		return fmt.Errorf("roomstore: deleting pairing for %s: %w", roomID, err)
	}
	return nil
}

// Count returns the number of stored pairings.
func (s *Store) Count(ctx context.Context) (int, error) {
	conn, err := s.take(ctx)
	if err != nil {
		return 0, err
	}
	defer s.pool.Put(conn)

	var count int
	err = sqlitex.Execute(conn, "SELECT COUNT(*) FROM pairings", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			count = stmt.ColumnInt(0)
			return nil
		},
	})
	if err != nil {
		return 0, fmt.Errorf("roomstore: counting pairings: %w", err)
	}
	return count, nil
}
