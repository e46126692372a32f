package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ============================================================================
// CHECKPOINTS - append-only log of graph state per thread
// ============================================================================

// SaveCheckpoint appends a checkpoint row. The (thread_id, step) primary key
// makes concurrent executors on the same thread fail one writer with
// ErrConcurrentUpdate.
func (s *Store) SaveCheckpoint(ctx context.Context, cp *Checkpoint) error {
	cp.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (thread_id, step, state_blob, parent_step, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		cp.ThreadID, cp.Step, cp.StateBlob, cp.ParentStep, cp.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConcurrentUpdate
		}
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// LoadLatestCheckpoint returns the highest-step snapshot for a thread, or
// ErrNotFound when the thread has no checkpoints.
func (s *Store) LoadLatestCheckpoint(ctx context.Context, threadID string) (*Checkpoint, error) {
	var cp Checkpoint
	err := s.db.QueryRowContext(ctx,
		`SELECT thread_id, step, state_blob, parent_step, created_at
		 FROM checkpoints WHERE thread_id = $1 ORDER BY step DESC LIMIT 1`, threadID).
		Scan(&cp.ThreadID, &cp.Step, &cp.StateBlob, &cp.ParentStep, &cp.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load latest checkpoint: %w", err)
	}
	return &cp, nil
}

// ListCheckpoints returns a thread's history ordered by step.
func (s *Store) ListCheckpoints(ctx context.Context, threadID string) ([]Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT thread_id, step, state_blob, parent_step, created_at
		 FROM checkpoints WHERE thread_id = $1 ORDER BY step`, threadID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var cps []Checkpoint
	for rows.Next() {
		var cp Checkpoint
		if err := rows.Scan(&cp.ThreadID, &cp.Step, &cp.StateBlob, &cp.ParentStep, &cp.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		cps = append(cps, cp)
	}
	return cps, rows.Err()
}

// TruncateCheckpointsAfter removes all checkpoints past the given step,
// supporting branching and retry from an earlier snapshot.
func (s *Store) TruncateCheckpointsAfter(ctx context.Context, threadID string, step int) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM checkpoints WHERE thread_id = $1 AND step > $2`, threadID, step)
	if err != nil {
		return fmt.Errorf("truncate checkpoints: %w", err)
	}
	return nil
}
