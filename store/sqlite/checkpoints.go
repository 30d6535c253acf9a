package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/warp/sale-transition/failsafe"
	"github.com/warp/sale-transition/generic"
)

// =============================================================================
// CHECKPOINT STORE (failsafe.CheckpointStore interface)
// =============================================================================

const checkpointColumns = "id, item_id, transition_id, snapshot_json, created_at, expires_at, used, used_at, committed_at"

func (s *Store) Save(ctx context.Context, cp failsafe.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshotJSON, err := json.Marshal(cp.Snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	query := `
		INSERT INTO checkpoints (` + checkpointColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			snapshot_json = excluded.snapshot_json,
			expires_at = excluded.expires_at,
			used = excluded.used,
			used_at = excluded.used_at,
			committed_at = excluded.committed_at
	`
	_, err = s.db.ExecContext(ctx, query,
		cp.ID, cp.ItemID, cp.TransitionID, string(snapshotJSON),
		formatTime(cp.CreatedAt), formatTime(cp.ExpiresAt),
		cp.Used, nullTime(cp.UsedAt), nullTime(cp.CommittedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*failsafe.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, "SELECT "+checkpointColumns+" FROM checkpoints WHERE id = ?", id)
	cp, err := scanCheckpoint(row)
	if isNoRows(err) {
		return nil, fmt.Errorf("%w: %s", generic.ErrCheckpointNotFound, id)
	}
	return cp, err
}

// Claim flips used in a single conditional UPDATE.
func (s *Store) Claim(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"UPDATE checkpoints SET used = 1, used_at = ? WHERE id = ? AND used = 0",
		formatTime(at), id,
	)
	if err != nil {
		return fmt.Errorf("failed to claim checkpoint: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	var exists int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM checkpoints WHERE id = ?", id).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return fmt.Errorf("%w: %s", generic.ErrCheckpointNotFound, id)
	}
	return generic.ErrCheckpointUsed
}

func (s *Store) Release(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "UPDATE checkpoints SET used = 0, used_at = NULL WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to release checkpoint: %w", err)
	}
	return requireRow(res, fmt.Errorf("%w: %s", generic.ErrCheckpointNotFound, id))
}

func (s *Store) MarkCommitted(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "UPDATE checkpoints SET committed_at = ? WHERE id = ?", formatTime(at), id)
	if err != nil {
		return fmt.Errorf("failed to commit checkpoint: %w", err)
	}
	return requireRow(res, fmt.Errorf("%w: %s", generic.ErrCheckpointNotFound, id))
}

func (s *Store) ActiveForItem(ctx context.Context, itemID generic.ItemID, now time.Time) (*failsafe.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT ` + checkpointColumns + `
		FROM checkpoints
		WHERE item_id = ? AND used = 0 AND committed_at IS NULL AND expires_at >= ?
		ORDER BY created_at DESC
		LIMIT 1
	`
	cp, err := scanCheckpoint(s.db.QueryRowContext(ctx, query, itemID, formatTime(now)))
	if isNoRows(err) {
		return nil, nil
	}
	return cp, err
}

func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM checkpoints WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	return requireRow(res, fmt.Errorf("%w: %s", generic.ErrCheckpointNotFound, id))
}

func (s *Store) DeleteExpired(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM checkpoints WHERE used = 0 AND expires_at < ?", formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired checkpoints: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func scanCheckpoint(sc scanner) (*failsafe.Checkpoint, error) {
	var (
		cp                   failsafe.Checkpoint
		snapshotJSON         string
		createdAt, expiresAt string
		usedAt, committedAt  sql.NullString
	)
	err := sc.Scan(&cp.ID, &cp.ItemID, &cp.TransitionID, &snapshotJSON,
		&createdAt, &expiresAt, &cp.Used, &usedAt, &committedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
	}
	if err := json.Unmarshal([]byte(snapshotJSON), &cp.Snapshot); err != nil {
		return nil, fmt.Errorf("checkpoint %s: bad snapshot: %w", cp.ID, err)
	}
	if cp.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if cp.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return nil, err
	}
	if cp.UsedAt, err = parseNullTime(usedAt); err != nil {
		return nil, err
	}
	if cp.CommittedAt, err = parseNullTime(committedAt); err != nil {
		return nil, err
	}
	return &cp, nil
}
