package stores

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/openfroyo/broker/pkg/engine"
)

const resourceColumns = `id, order_id, account_id, project_id, resource_type, backend_type, backend_id, name,
	state, attempt, attributes, allocation, snapshot, last_reconciled_at, suspended, never_provisioned,
	error_message, error_class, end_date, pending_order_id, redrives, deleted, state_changed_at,
	created_at, updated_at`

func insertResourceTx(ctx context.Context, tx *sql.Tx, r *engine.Resource, now time.Time) error {
	attrs, err := encodeJSON(r.Attributes)
	if err != nil {
		return err
	}
	alloc, err := encodeJSON(r.Allocation)
	if err != nil {
		return err
	}
	r.State = engine.StateCreating
	r.CreatedAt, r.UpdatedAt, r.StateChangedAt = now, now, now

	query := `
		INSERT INTO resources (id, order_id, account_id, project_id, resource_type, backend_type, name,
			state, attempt, attributes, allocation, end_date, state_changed_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?, ?)
	`
	if _, err := tx.ExecContext(ctx, query,
		r.ID, r.OrderID, r.AccountID, r.ProjectID, r.ResourceType, r.BackendType, r.Name,
		r.State, attrs, alloc, nullTime(r.EndDate), now, now, now,
	); err != nil {
		return fmt.Errorf("failed to create resource: %w", err)
	}
	return nil
}

// GetResource retrieves a resource by ID
func (s *SQLiteStore) GetResource(ctx context.Context, id string) (*engine.Resource, error) {
	query := `SELECT ` + resourceColumns + ` FROM resources WHERE id = ?`

	r, err := scanResource(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, engine.NewNotFoundError("resource", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get resource: %w", err)
	}
	return r, nil
}

// ListResources lists resources matching the filter, oldest first
func (s *SQLiteStore) ListResources(ctx context.Context, filter engine.ResourceFilter) ([]*engine.Resource, error) {
	var where []string
	var args []interface{}
	if !filter.IncludeDeleted {
		where = append(where, "deleted = 0")
	}
	if filter.AccountID != "" {
		where = append(where, "account_id = ?")
		args = append(args, filter.AccountID)
	}
	if filter.ProjectID != "" {
		where = append(where, "project_id = ?")
		args = append(args, filter.ProjectID)
	}
	if filter.BackendType != "" {
		where = append(where, "backend_type = ?")
		args = append(args, filter.BackendType)
	}
	if len(filter.States) > 0 {
		where = append(where, "state IN ("+placeholders(len(filter.States))+")")
		for _, st := range filter.States {
			args = append(args, st)
		}
	}
	if filter.Scope != "" {
		clause, scopeArgs, err := scopeClause(filter.Scope)
		if err != nil {
			return nil, err
		}
		where = append(where, clause)
		args = append(args, scopeArgs...)
	}
	if filter.EndBefore != nil {
		where = append(where, "end_date IS NOT NULL")
	}

	query := `SELECT ` + resourceColumns + ` FROM resources`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list resources: %w", err)
	}
	defer rows.Close()

	resources := []*engine.Resource{}
	for rows.Next() {
		r, err := scanResource(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan resource: %w", err)
		}
		// Timestamps are compared in Go; their text form does not sort reliably.
		if filter.EndBefore != nil && (r.EndDate == nil || !r.EndDate.Before(*filter.EndBefore)) {
			continue
		}
		resources = append(resources, r)
		if filter.Limit > 0 && len(resources) >= filter.Limit {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating resources: %w", err)
	}
	return resources, nil
}

// scopeClause turns "account:<id>" or "project:<account>/<project>" into SQL
func scopeClause(scope string) (string, []interface{}, error) {
	kind, id, ok := strings.Cut(scope, ":")
	if !ok {
		return "", nil, engine.NewInvalidRequestError(fmt.Sprintf("malformed scope %q", scope), nil)
	}
	switch kind {
	case "account":
		return "account_id = ?", []interface{}{id}, nil
	case "project":
		account, project, ok := strings.Cut(id, "/")
		if !ok {
			return "", nil, engine.NewInvalidRequestError(fmt.Sprintf("malformed project scope %q", scope), nil)
		}
		return "account_id = ? AND project_id = ?", []interface{}{account, project}, nil
	default:
		return "", nil, engine.NewInvalidRequestError(fmt.Sprintf("unknown scope kind %q", kind), nil)
	}
}

// BindBackendID sets the backend ID once. Rebinding to a different ID is refused.
func (s *SQLiteStore) BindBackendID(ctx context.Context, resourceID, backendID string) error {
	if backendID == "" {
		return engine.NewInvalidRequestError("backend id is empty", nil)
	}
	query := `
		UPDATE resources
		SET backend_id = ?, updated_at = ?
		WHERE id = ? AND (backend_id IS NULL OR backend_id = ?)
	`
	result, err := s.db.ExecContext(ctx, query, backendID, s.now(), resourceID, backendID)
	if err != nil {
		return fmt.Errorf("failed to bind backend id: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		r, gerr := s.GetResource(ctx, resourceID)
		if gerr != nil {
			return gerr
		}
		return engine.NewPermanentError(
			fmt.Sprintf("resource is already bound to backend object %s", r.BackendID), nil).
			WithCode(engine.ErrCodeConflict).WithResource(resourceID)
	}
	return nil
}

// RecordObservation stores the last backend state seen by an adapter call or the Reconciler
func (s *SQLiteStore) RecordObservation(ctx context.Context, resourceID string, state *engine.BackendState, at time.Time) error {
	var snapshot sql.NullString
	if state != nil {
		raw, err := encodeJSON(state)
		if err != nil {
			return err
		}
		snapshot = sql.NullString{String: raw, Valid: true}
	}
	query := `
		UPDATE resources
		SET snapshot = COALESCE(?, snapshot), last_reconciled_at = ?, updated_at = ?
		WHERE id = ?
	`
	result, err := s.db.ExecContext(ctx, query, snapshot, at.UTC(), s.now(), resourceID)
	if err != nil {
		return fmt.Errorf("failed to record observation: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return engine.NewNotFoundError("resource", resourceID)
	}
	return nil
}

// IncrementRedrives bumps the re-drive counter and returns the new value
func (s *SQLiteStore) IncrementRedrives(ctx context.Context, resourceID string) (int, error) {
	var redrives int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx,
			`UPDATE resources SET redrives = redrives + 1, updated_at = ? WHERE id = ?`, s.now(), resourceID)
		if err != nil {
			return fmt.Errorf("failed to increment redrives: %w", err)
		}
		if rows, _ := result.RowsAffected(); rows == 0 {
			return engine.NewNotFoundError("resource", resourceID)
		}
		return tx.QueryRowContext(ctx, `SELECT redrives FROM resources WHERE id = ?`, resourceID).Scan(&redrives)
	})
	return redrives, err
}

func scanResource(row rowScanner) (*engine.Resource, error) {
	r := &engine.Resource{}
	var (
		backendID, snapshot       sql.NullString
		attrs, alloc              string
		lastReconciledAt, endDate sql.NullTime
	)
	err := row.Scan(
		&r.ID,
		&r.OrderID,
		&r.AccountID,
		&r.ProjectID,
		&r.ResourceType,
		&r.BackendType,
		&backendID,
		&r.Name,
		&r.State,
		&r.Attempt,
		&attrs,
		&alloc,
		&snapshot,
		&lastReconciledAt,
		&r.Suspended,
		&r.NeverProvisioned,
		&r.ErrorMessage,
		&r.ErrorClass,
		&endDate,
		&r.PendingOrderID,
		&r.Redrives,
		&r.Deleted,
		&r.StateChangedAt,
		&r.CreatedAt,
		&r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.BackendID = backendID.String
	if err := decodeJSON(attrs, &r.Attributes); err != nil {
		return nil, err
	}
	if err := decodeJSON(alloc, &r.Allocation); err != nil {
		return nil, err
	}
	if snapshot.Valid {
		r.Snapshot = &engine.BackendState{}
		if err := decodeJSON(snapshot.String, r.Snapshot); err != nil {
			return nil, err
		}
	}
	r.LastReconciledAt = timePtr(lastReconciledAt)
	r.EndDate = timePtr(endDate)
	return r, nil
}
