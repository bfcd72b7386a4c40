package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrNotFound is returned when a session or revision has no stored snapshot.
var ErrNotFound = errors.New("snapshot not found")

// Snapshot is one stored session state. State is the blob produced by
// engine.SerializeState and is stored verbatim.
type Snapshot struct {
	SessionID  string
	DocumentID string
	Revision   int64
	OpCount    int64 // operations applied by the relay when the snapshot was taken
	State      []byte
	UpdatedAt  int64 // Unix milliseconds
}

// Revision is one entry of a session's snapshot history.
type Revision struct {
	SessionID string
	Revision  int64
	OpCount   int64
	State     []byte
	SavedAt   int64 // Unix milliseconds
}

// SaveSnapshot stores snap as the session's current state and appends it to
// the revision history. The assigned revision number is returned; the
// Revision field of snap is ignored.
func (s *Store) SaveSnapshot(ctx context.Context, snap Snapshot) (int64, error) {
	if snap.SessionID == "" {
		return 0, errors.New("save snapshot: session id is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("save snapshot: %w", err)
	}
	defer tx.Rollback()

	var rev int64
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(revision), 0) + 1
		FROM snapshot_revisions
		WHERE session_id = ?
	`, snap.SessionID).Scan(&rev)
	if err != nil {
		return 0, fmt.Errorf("save snapshot: next revision: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO snapshots (session_id, document_id, revision, op_count, state, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			document_id = excluded.document_id,
			revision    = excluded.revision,
			op_count    = excluded.op_count,
			state       = excluded.state,
			updated_at  = excluded.updated_at
	`, snap.SessionID, snap.DocumentID, rev, snap.OpCount, string(snap.State), snap.UpdatedAt)
	if err != nil {
		return 0, fmt.Errorf("save snapshot: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO snapshot_revisions (session_id, revision, op_count, state, saved_at)
		VALUES (?, ?, ?, ?, ?)
	`, snap.SessionID, rev, snap.OpCount, string(snap.State), snap.UpdatedAt)
	if err != nil {
		return 0, fmt.Errorf("save snapshot: revision %d: %w", rev, err)
	}

	_, err = tx.ExecContext(ctx, `
		DELETE FROM snapshot_revisions
		WHERE session_id = ? AND revision <= ?
	`, snap.SessionID, rev-int64(s.revisions))
	if err != nil {
		return 0, fmt.Errorf("save snapshot: prune: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("save snapshot: commit: %w", err)
	}
	return rev, nil
}

// LoadSnapshot returns the current snapshot of a session.
//
// Returns ErrNotFound if the session has none.
func (s *Store) LoadSnapshot(ctx context.Context, sessionID string) (Snapshot, error) {
	var snap Snapshot
	var state string
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id, document_id, revision, op_count, state, updated_at
		FROM snapshots
		WHERE session_id = ?
	`, sessionID).Scan(&snap.SessionID, &snap.DocumentID, &snap.Revision, &snap.OpCount, &state, &snap.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, fmt.Errorf("load snapshot %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("load snapshot %s: %w", sessionID, err)
	}
	snap.State = []byte(state)
	return snap, nil
}

// LoadRevision returns one historical revision of a session.
//
// Returns ErrNotFound if the revision was never stored or has been pruned.
func (s *Store) LoadRevision(ctx context.Context, sessionID string, rev int64) (Revision, error) {
	var r Revision
	var state string
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id, revision, op_count, state, saved_at
		FROM snapshot_revisions
		WHERE session_id = ? AND revision = ?
	`, sessionID, rev).Scan(&r.SessionID, &r.Revision, &r.OpCount, &state, &r.SavedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Revision{}, fmt.Errorf("load revision %s@%d: %w", sessionID, rev, ErrNotFound)
	}
	if err != nil {
		return Revision{}, fmt.Errorf("load revision %s@%d: %w", sessionID, rev, err)
	}
	r.State = []byte(state)
	return r, nil
}

// ListSnapshots returns every current snapshot ordered by session id.
func (s *Store) ListSnapshots(ctx context.Context) ([]Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, document_id, revision, op_count, state, updated_at
		FROM snapshots
		ORDER BY session_id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		var snap Snapshot
		var state string
		if err := rows.Scan(&snap.SessionID, &snap.DocumentID, &snap.Revision, &snap.OpCount, &state, &snap.UpdatedAt); err != nil {
			return nil, fmt.Errorf("list snapshots: scan: %w", err)
		}
		snap.State = []byte(state)
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	return out, nil
}

// ListRevisions returns the retained history of a session, oldest first.
func (s *Store) ListRevisions(ctx context.Context, sessionID string) ([]Revision, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, revision, op_count, state, saved_at
		FROM snapshot_revisions
		WHERE session_id = ?
		ORDER BY revision ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list revisions %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []Revision
	for rows.Next() {
		var r Revision
		var state string
		if err := rows.Scan(&r.SessionID, &r.Revision, &r.OpCount, &state, &r.SavedAt); err != nil {
			return nil, fmt.Errorf("list revisions %s: scan: %w", sessionID, err)
		}
		r.State = []byte(state)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list revisions %s: %w", sessionID, err)
	}
	return out, nil
}

// DeleteSnapshot removes a session's snapshot and its history.
//
// Returns ErrNotFound if there was nothing to delete.
func (s *Store) DeleteSnapshot(ctx context.Context, sessionID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("delete snapshot %s: %w", sessionID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete snapshot %s: %w", sessionID, err)
	}
	if n == 0 {
		return fmt.Errorf("delete snapshot %s: %w", sessionID, ErrNotFound)
	}
	return nil
}
