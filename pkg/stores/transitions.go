package stores

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/openfroyo/broker/pkg/engine"
)

const entryColumns = `resource_id, seq, from_state, to_state, operation, attempt, tag, actor, outcome,
	message, created_at, resolved_at`

func insertEntryTx(ctx context.Context, tx *sql.Tx, e *engine.TransitionEntry, seq int64, now time.Time) error {
	if e.Operation == "" {
		e.Operation = engine.OperationNone
	}
	if e.Outcome == "" {
		e.Outcome = engine.OutcomePending
	}
	var resolvedAt sql.NullTime
	if e.Outcome != engine.OutcomePending {
		resolvedAt = sql.NullTime{Time: now, Valid: true}
	}

	query := `
		INSERT INTO transition_log (resource_id, seq, from_state, to_state, operation, attempt, tag, actor,
			outcome, message, created_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	if _, err := tx.ExecContext(ctx, query,
		e.ResourceID, seq, e.From, e.To, e.Operation, e.Attempt, e.Tag, e.Actor,
		e.Outcome, e.Message, now, resolvedAt,
	); err != nil {
		return fmt.Errorf("failed to append transition: %w", err)
	}

	e.Seq = seq
	e.CreatedAt = now
	e.ResolvedAt = timePtr(resolvedAt)
	return nil
}

// AppendTransition persists a transition atomically. The resource must still
// be in Entry.From (and at ExpectSeq when set); otherwise nothing is written
// and a stale transition error is returned.
func (s *SQLiteStore) AppendTransition(ctx context.Context, w engine.TransitionWrite) (*engine.TransitionResult, error) {
	e := w.Entry
	if e == nil || e.ResourceID == "" {
		return nil, engine.NewInvalidRequestError("transition entry is required", nil)
	}
	if err := engine.ValidateTransition(e.ResourceID, e.From, e.To); err != nil {
		return nil, err
	}

	result := &engine.TransitionResult{Entry: e}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var current engine.ResourceState
		err := tx.QueryRowContext(ctx, `SELECT state FROM resources WHERE id = ?`, e.ResourceID).Scan(&current)
		if err == sql.ErrNoRows {
			return engine.NewNotFoundError("resource", e.ResourceID)
		}
		if err != nil {
			return fmt.Errorf("failed to read resource state: %w", err)
		}
		if current != e.From {
			return engine.NewStaleTransitionError(e.ResourceID, e.From, current)
		}

		var lastSeq int64
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(seq), 0) FROM transition_log WHERE resource_id = ?`, e.ResourceID,
		).Scan(&lastSeq); err != nil {
			return fmt.Errorf("failed to read last sequence: %w", err)
		}
		if w.ExpectSeq != 0 && w.ExpectSeq != lastSeq {
			return (&engine.EngineError{
				Class:   engine.ErrorClassConflict,
				Code:    engine.ErrCodeStaleTransition,
				Message: fmt.Sprintf("expected last sequence %d, found %d", w.ExpectSeq, lastSeq),
			}).WithResource(e.ResourceID)
		}

		now := s.now()
		if err := insertEntryTx(ctx, tx, e, lastSeq+1, now); err != nil {
			return err
		}

		if err := updateResourceForTransitionTx(ctx, tx, w, now); err != nil {
			return err
		}

		if w.CheckAllocation {
			if err := checkAllocationTx(ctx, tx, e.ResourceID); err != nil {
				return err
			}
		}

		if w.Release || w.Reserve {
			records, err := s.adjustReservationTx(ctx, tx, e.ResourceID, e.Seq, w.Release, w.Reserve, now)
			if err != nil {
				return err
			}
			result.Records = records
		}

		for _, change := range w.Orders {
			if err := applyOrderChangeTx(ctx, tx, change, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func updateResourceForTransitionTx(ctx context.Context, tx *sql.Tx, w engine.TransitionWrite, now time.Time) error {
	e := w.Entry
	sets := []string{"state = ?", "state_changed_at = ?", "updated_at = ?", "redrives = 0"}
	args := []interface{}{e.To, now, now}

	if w.Attempt != nil {
		sets = append(sets, "attempt = ?")
		args = append(args, *w.Attempt)
	}
	if w.ErrorMessage != nil {
		sets = append(sets, "error_message = ?")
		args = append(args, *w.ErrorMessage)
	}
	if w.ErrorClass != nil {
		sets = append(sets, "error_class = ?")
		args = append(args, *w.ErrorClass)
	}
	if w.Suspended != nil {
		sets = append(sets, "suspended = ?")
		args = append(args, *w.Suspended)
	}
	if w.Attributes != nil {
		raw, err := encodeJSON(w.Attributes)
		if err != nil {
			return err
		}
		sets = append(sets, "attributes = ?")
		args = append(args, raw)
	}
	if w.Allocation != nil {
		raw, err := encodeJSON(w.Allocation)
		if err != nil {
			return err
		}
		sets = append(sets, "allocation = ?")
		args = append(args, raw)
	}
	if w.NeverProvisioned {
		sets = append(sets, "never_provisioned = 1")
	}
	if w.ClearPendingOrder {
		sets = append(sets, "pending_order_id = ''")
	} else {
		for _, change := range w.Orders {
			if change.Status == engine.OrderStatusExecuting && change.OrderID != "" {
				sets = append(sets, "pending_order_id = CASE WHEN order_id = ? THEN pending_order_id ELSE ? END")
				args = append(args, change.OrderID, change.OrderID)
			}
		}
	}
	if e.To == engine.StateTerminated {
		sets = append(sets, "deleted = 1")
	}

	query := `UPDATE resources SET ` + strings.Join(sets, ", ") + ` WHERE id = ? AND state = ?`
	args = append(args, e.ResourceID, e.From)

	result, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update resource state: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return engine.NewStaleTransitionError(e.ResourceID, e.From, "")
	}
	return nil
}

// ResolveTransition moves an entry's outcome forward. Final outcomes never change.
func (s *SQLiteStore) ResolveTransition(ctx context.Context, resourceID string, seq int64, outcome engine.Outcome, message string) error {
	prior := outcome.PriorOutcomes()
	if len(prior) == 0 {
		return engine.NewInvalidRequestError(fmt.Sprintf("cannot resolve an entry to %q", outcome), nil)
	}

	args := []interface{}{outcome, message, s.now(), resourceID, seq}
	for _, p := range prior {
		args = append(args, p)
	}
	query := `
		UPDATE transition_log
		SET outcome = ?, message = ?, resolved_at = ?
		WHERE resource_id = ? AND seq = ? AND outcome IN (` + placeholders(len(prior)) + `)
	`
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to resolve transition: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows > 0 {
		return nil
	}

	var current engine.Outcome
	err = s.db.QueryRowContext(ctx,
		`SELECT outcome FROM transition_log WHERE resource_id = ? AND seq = ?`, resourceID, seq,
	).Scan(&current)
	if err == sql.ErrNoRows {
		return engine.NewNotFoundError("transition", fmt.Sprintf("%s/%d", resourceID, seq))
	}
	if err != nil {
		return fmt.Errorf("failed to read transition: %w", err)
	}
	return (&engine.EngineError{
		Class:   engine.ErrorClassConflict,
		Code:    engine.ErrCodeStaleTransition,
		Message: fmt.Sprintf("entry %d is %s and cannot become %s", seq, current, outcome),
	}).WithResource(resourceID)
}

// ListTransitions returns a resource's log in sequence order
func (s *SQLiteStore) ListTransitions(ctx context.Context, resourceID string) ([]*engine.TransitionEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM transition_log WHERE resource_id = ? ORDER BY seq`
	return s.queryEntries(ctx, query, resourceID)
}

// LastTransition returns the most recent log entry of a resource
func (s *SQLiteStore) LastTransition(ctx context.Context, resourceID string) (*engine.TransitionEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM transition_log WHERE resource_id = ? ORDER BY seq DESC LIMIT 1`

	e, err := scanEntry(s.db.QueryRowContext(ctx, query, resourceID))
	if err == sql.ErrNoRows {
		return nil, engine.NewNotFoundError("transition", resourceID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get last transition: %w", err)
	}
	return e, nil
}

// ListInFlight returns unresolved entries created before olderThan. A zero
// olderThan returns all of them.
func (s *SQLiteStore) ListInFlight(ctx context.Context, olderThan time.Time) ([]*engine.TransitionEntry, error) {
	query := `
		SELECT ` + entryColumns + ` FROM transition_log
		WHERE outcome IN ('pending', 'submitted', 'unknown')
		ORDER BY resource_id, seq
	`
	entries, err := s.queryEntries(ctx, query)
	if err != nil {
		return nil, err
	}
	if olderThan.IsZero() {
		return entries, nil
	}
	out := entries[:0]
	for _, e := range entries {
		if e.CreatedAt.Before(olderThan) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *SQLiteStore) queryEntries(ctx context.Context, query string, args ...interface{}) ([]*engine.TransitionEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list transitions: %w", err)
	}
	defer rows.Close()

	entries := []*engine.TransitionEntry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transitions: %w", err)
	}
	return entries, nil
}

func scanEntry(row rowScanner) (*engine.TransitionEntry, error) {
	e := &engine.TransitionEntry{}
	var resolvedAt sql.NullTime
	err := row.Scan(
		&e.ResourceID,
		&e.Seq,
		&e.From,
		&e.To,
		&e.Operation,
		&e.Attempt,
		&e.Tag,
		&e.Actor,
		&e.Outcome,
		&e.Message,
		&e.CreatedAt,
		&resolvedAt,
	)
	if err != nil {
		return nil, err
	}
	e.ResolvedAt = timePtr(resolvedAt)
	return e, nil
}
