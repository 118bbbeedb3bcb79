// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a transactional Store backed by a pure-Go SQLite
// engine (modernc.org/sqlite, no cgo). Unlike FileStore's
// write-temp-then-rename durability, SQLiteStore gets atomicity from
// the database transaction: the manifest row and the blob row are
// written in the same commit, which is strictly stronger than the
// reference layout's two-step contract but upholds the same invariant
// (never a manifest entry with no backing blob).
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (or creates) a SQLite database at dsn, e.g.
// "file:agentcore.db?_pragma=journal_mode(wal)" or ":memory:" for tests.
func OpenSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("session: open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("session: ping sqlite: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("session: migrate: %w", err)
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS snapshots (
			session_id TEXT PRIMARY KEY,
			created_at TEXT NOT NULL,
			last_activity TEXT NOT NULL,
			body TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS checkpoints (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			step INTEGER NOT NULL,
			source TEXT NOT NULL,
			phase TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			body TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_checkpoints_session ON checkpoints(session_id, step DESC);
		CREATE TABLE IF NOT EXISTS pending_writes (
			session_id TEXT NOT NULL,
			checkpoint_id TEXT NOT NULL,
			body TEXT NOT NULL,
			PRIMARY KEY (session_id, checkpoint_id)
		);
	`)
	return err
}

func (s *SQLiteStore) LoadSession(ctx context.Context, id string) (*Session, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM snapshots WHERE session_id = ?`, id).Scan(&body)
	if err == sql.ErrNoRows {
		return New(id), nil
	}
	if err != nil {
		return nil, fmt.Errorf("session: load session: %w", err)
	}
	var snap SessionSnapshot
	if err := json.Unmarshal([]byte(body), &snap); err != nil {
		return nil, fmt.Errorf("session: decode snapshot: %w", err)
	}
	return FromSnapshot(snap), nil
}

func (s *SQLiteStore) SaveSnapshot(ctx context.Context, sess *Session) error {
	snap := sess.Snapshot()
	body, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("session: encode snapshot: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO snapshots (session_id, created_at, last_activity, body)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET last_activity = excluded.last_activity, body = excluded.body
	`, snap.SessionID, snap.CreatedAt.Format(time.RFC3339Nano), snap.LastActivity.Format(time.RFC3339Nano), string(body))
	if err != nil {
		return fmt.Errorf("session: save snapshot: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, cp ExecutionCheckpoint) error {
	body, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("session: encode checkpoint: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (id, session_id, step, source, phase, created_at, body)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET step = excluded.step, source = excluded.source,
			phase = excluded.phase, created_at = excluded.created_at, body = excluded.body
	`, cp.ID, cp.SessionID, cp.Step, string(cp.Source), string(cp.Phase), cp.CreatedAt.Format(time.RFC3339Nano), string(body))
	if err != nil {
		return fmt.Errorf("session: save checkpoint: %w", err)
	}
	return nil
}

func (s *SQLiteStore) scanCheckpoint(row *sql.Row) (ExecutionCheckpoint, error) {
	var body string
	if err := row.Scan(&body); err != nil {
		if err == sql.ErrNoRows {
			return ExecutionCheckpoint{}, ErrCheckpointNotFound
		}
		return ExecutionCheckpoint{}, fmt.Errorf("session: scan checkpoint: %w", err)
	}
	var cp ExecutionCheckpoint
	if err := json.Unmarshal([]byte(body), &cp); err != nil {
		return ExecutionCheckpoint{}, fmt.Errorf("session: decode checkpoint: %w", err)
	}
	return cp, nil
}

func (s *SQLiteStore) LoadCheckpointLatest(ctx context.Context, sessionID string) (ExecutionCheckpoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT body FROM checkpoints WHERE session_id = ? ORDER BY step DESC LIMIT 1
	`, sessionID)
	return s.scanCheckpoint(row)
}

func (s *SQLiteStore) LoadCheckpointAt(ctx context.Context, _ string, checkpointID string) (ExecutionCheckpoint, error) {
	row := s.db.QueryRowContext(ctx, `SELECT body FROM checkpoints WHERE id = ?`, checkpointID)
	return s.scanCheckpoint(row)
}

func (s *SQLiteStore) GetCheckpointManifest(ctx context.Context, sessionID string) ([]ManifestEntry, error) {
	var entries []ManifestEntry

	var snapEntry *ManifestEntry
	var snapCreated string
	err := s.db.QueryRowContext(ctx, `SELECT last_activity FROM snapshots WHERE session_id = ?`, sessionID).Scan(&snapCreated)
	if err == nil {
		t, _ := time.Parse(time.RFC3339Nano, snapCreated)
		snapEntry = &ManifestEntry{Kind: "snapshot", ID: sessionID, CreatedAt: t}
	} else if err != sql.ErrNoRows {
		return nil, fmt.Errorf("session: manifest snapshot lookup: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, step, source, phase, created_at FROM checkpoints
		WHERE session_id = ? ORDER BY step DESC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("session: manifest checkpoints: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var e ManifestEntry
		var created string
		if err := rows.Scan(&e.ID, &e.Step, &e.Source, &e.Phase, &created); err != nil {
			return nil, fmt.Errorf("session: scan manifest row: %w", err)
		}
		e.Kind = "checkpoint"
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		entries = append(entries, e)
	}
	// The snapshot entry has step 0, so it sorts after every checkpoint.
	if snapEntry != nil {
		entries = append(entries, *snapEntry)
	}
	return entries, rows.Err()
}

func (s *SQLiteStore) SavePendingWrites(ctx context.Context, sessionID, checkpointID string, writes []PendingWrite) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("session: begin tx: %w", err)
	}
	defer tx.Rollback()

	var body string
	var pw PendingWrites
	err = tx.QueryRowContext(ctx, `SELECT body FROM pending_writes WHERE session_id = ? AND checkpoint_id = ?`,
		sessionID, checkpointID).Scan(&body)
	switch {
	case err == sql.ErrNoRows:
		pw = PendingWrites{Version: 1, SessionID: sessionID, CheckpointID: checkpointID}
	case err != nil:
		return fmt.Errorf("session: load pending writes: %w", err)
	default:
		if err := json.Unmarshal([]byte(body), &pw); err != nil {
			return fmt.Errorf("session: decode pending writes: %w", err)
		}
	}

	pw.Results = append(pw.Results, writes...)
	newBody, err := json.Marshal(pw)
	if err != nil {
		return fmt.Errorf("session: encode pending writes: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO pending_writes (session_id, checkpoint_id, body) VALUES (?, ?, ?)
		ON CONFLICT(session_id, checkpoint_id) DO UPDATE SET body = excluded.body
	`, sessionID, checkpointID, string(newBody))
	if err != nil {
		return fmt.Errorf("session: save pending writes: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) LoadPendingWrites(ctx context.Context, sessionID, checkpointID string) (PendingWrites, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM pending_writes WHERE session_id = ? AND checkpoint_id = ?`,
		sessionID, checkpointID).Scan(&body)
	if err == sql.ErrNoRows {
		return PendingWrites{}, ErrPendingWritesNotFound
	}
	if err != nil {
		return PendingWrites{}, fmt.Errorf("session: load pending writes: %w", err)
	}
	var pw PendingWrites
	if err := json.Unmarshal([]byte(body), &pw); err != nil {
		return PendingWrites{}, fmt.Errorf("session: decode pending writes: %w", err)
	}
	return pw, nil
}

func (s *SQLiteStore) PromoteCheckpoint(ctx context.Context, sessionID, checkpointID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM pending_writes WHERE session_id = ? AND checkpoint_id = ?`,
		sessionID, checkpointID)
	if err != nil {
		return fmt.Errorf("session: promote checkpoint: %w", err)
	}
	return nil
}

func (s *SQLiteStore) PruneCheckpoints(ctx context.Context, sessionID string, keepLatest int) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM checkpoints WHERE session_id = ? AND id NOT IN (
			SELECT id FROM checkpoints WHERE session_id = ? ORDER BY step DESC LIMIT ?
		)
	`, sessionID, sessionID, keepLatest)
	if err != nil {
		return fmt.Errorf("session: prune checkpoints: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		DELETE FROM pending_writes WHERE session_id = ? AND checkpoint_id NOT IN (
			SELECT id FROM checkpoints WHERE session_id = ?
		)
	`, sessionID, sessionID)
	if err != nil {
		return fmt.Errorf("session: prune orphan pending writes: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE created_at < ?`, cutoff.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("session: delete older than: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteInactiveSessions(ctx context.Context, threshold time.Duration, dryRun bool) ([]string, error) {
	cutoff := time.Now().Add(-threshold).Format(time.RFC3339Nano)
	rows, err := s.db.QueryContext(ctx, `SELECT session_id FROM snapshots WHERE last_activity < ?`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("session: query inactive sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("session: scan inactive session: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if dryRun || len(ids) == 0 {
		return ids, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("session: begin tx: %w", err)
	}
	defer tx.Rollback()
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM snapshots WHERE session_id = ?`, id); err != nil {
			return nil, fmt.Errorf("session: delete snapshot: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM pending_writes WHERE session_id = ?`, id); err != nil {
			return nil, fmt.Errorf("session: delete pending writes: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM checkpoints WHERE session_id = ?`, id); err != nil {
			return nil, fmt.Errorf("session: delete checkpoints: %w", err)
		}
	}
	return ids, tx.Commit()
}

func (s *SQLiteStore) DeleteCheckpoints(ctx context.Context, sessionID string, ids []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("session: begin tx: %w", err)
	}
	defer tx.Rollback()
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM checkpoints WHERE session_id = ? AND id = ?`, sessionID, id); err != nil {
			return fmt.Errorf("session: delete checkpoint: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM pending_writes WHERE session_id = ? AND checkpoint_id = ?`, sessionID, id); err != nil {
			return fmt.Errorf("session: delete pending writes: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) GetPendingCheckpoints(ctx context.Context) ([]ExecutionCheckpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT body FROM checkpoints WHERE phase IN (?, ?)
	`, string(PhaseToolApproval), string(PhaseError))
	if err != nil {
		return nil, fmt.Errorf("session: query pending checkpoints: %w", err)
	}
	defer rows.Close()

	var out []ExecutionCheckpoint
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("session: scan pending checkpoint: %w", err)
		}
		var cp ExecutionCheckpoint
		if err := json.Unmarshal([]byte(body), &cp); err != nil {
			return nil, fmt.Errorf("session: decode pending checkpoint: %w", err)
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetStats(ctx context.Context) (Stats, error) {
	var stats Stats
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM snapshots`).Scan(&stats.TotalSessions); err != nil {
		return Stats{}, fmt.Errorf("session: count sessions: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(DISTINCT session_id) FROM checkpoints`).Scan(&stats.SessionsWithCheckpoints); err != nil {
		return Stats{}, fmt.Errorf("session: count sessions with checkpoints: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM checkpoints`).Scan(&stats.TotalCheckpoints); err != nil {
		return Stats{}, fmt.Errorf("session: count checkpoints: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_writes`).Scan(&stats.TotalPendingWrites); err != nil {
		return Stats{}, fmt.Errorf("session: count pending writes: %w", err)
	}
	return stats, nil
}

var _ Store = (*SQLiteStore)(nil)
