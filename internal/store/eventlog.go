package store

import (
	"context"
	"fmt"
	"time"

	"github.com/rendis/quill/pkg/schema"
)

// TransitionLog provides append and replay operations over the per-run
// transition event log backed by a LibSQLStore.
type TransitionLog struct {
	store *LibSQLStore
}

// NewTransitionLog wraps a LibSQLStore to provide transition-log operations.
func NewTransitionLog(s *LibSQLStore) *TransitionLog {
	return &TransitionLog{store: s}
}

// Append appends an event with a monotonically increasing per-run sequence.
// The transaction acquires a write lock up front so concurrent writers cannot
// interleave sequence reads and writes.
func (tl *TransitionLog) Append(ctx context.Context, event *TransitionEvent) error {
	db := tl.store.DB()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin immediate tx: %w", err)
	}
	defer tx.Rollback()

	// In WAL mode, BeginTx alone may start a deferred transaction.
	// We use an immediate-mode write to force lock acquisition.
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_version (version, name) VALUES (-1, '_lock_noop')`); err != nil {
		return fmt.Errorf("acquire write lock: %w", err)
	}
	// Clean up the noop row.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM schema_version WHERE version = -1`); err != nil {
		return fmt.Errorf("cleanup write lock: %w", err)
	}

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE run_id = ?`, event.RunID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	payload := nullRaw(event.Payload)

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (run_id, trigger_event, from_state, to_state, stage_id, step_id, behavior_id, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.RunID, event.Trigger, event.FromState, event.ToState,
		nullStr(event.StageID), nullStr(event.StepID), nullStr(event.BehaviorID),
		payload, event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

// Events returns events for a run with sequence > since, ordered by sequence ASC.
func (tl *TransitionLog) Events(ctx context.Context, runID string, since int64) ([]*TransitionEvent, error) {
	return tl.store.GetEvents(ctx, runID, since)
}

// EventsByTrigger returns events with a specific trigger matching the filter.
func (tl *TransitionLog) EventsByTrigger(ctx context.Context, trigger string, filter EventFilter) ([]*TransitionEvent, error) {
	return tl.store.GetEventsByTrigger(ctx, trigger, filter)
}

// Replay walks the full transition log for a run, validates sequence
// contiguity and state chaining, and returns the final FSM state.
// An empty log replays to IDLE.
func (tl *TransitionLog) Replay(ctx context.Context, runID string) (schema.WorkflowState, []*TransitionEvent, error) {
	events, err := tl.store.GetEvents(ctx, runID, 0)
	if err != nil {
		return "", nil, fmt.Errorf("get events for replay: %w", err)
	}

	if len(events) == 0 {
		return schema.StateIdle, nil, nil
	}

	state := schema.StateIdle
	for i, e := range events {
		expected := int64(i + 1)
		if e.Sequence != expected {
			return "", nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in run %s: expected %d, got %d", runID, expected, e.Sequence)
		}
		// Global events (FAIL, CANCEL) are recorded like any other transition,
		// so the from_state of each event must match the replayed state.
		if schema.WorkflowState(e.FromState) != state {
			return "", nil, schema.NewErrorf(schema.ErrCodeStore,
				"broken transition chain in run %s at sequence %d: log says %s, replay says %s",
				runID, e.Sequence, e.FromState, state)
		}
		state = schema.WorkflowState(e.ToState)
	}

	return state, events, nil
}

// Verify checks that the replayed final state matches the run row's state
// column. A mismatch means the document and the log diverged.
func (tl *TransitionLog) Verify(ctx context.Context, runID string) error {
	run, err := tl.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	state, _, err := tl.Replay(ctx, runID)
	if err != nil {
		return err
	}
	if state != run.State {
		return schema.NewErrorf(schema.ErrCodeStore,
			"run %s state mismatch: row says %s, log replays to %s", runID, run.State, state)
	}
	return nil
}
