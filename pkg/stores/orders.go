package stores

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/openfroyo/broker/pkg/engine"
)

const orderColumns = `id, type, resource_type, resource_id, account_id, project_id, attributes,
	status, error_message, created_by, reviewed_by, created_at, updated_at, completed_at`

// CreateOrder inserts an order, its resource and the genesis log entry in one
// transaction. Create orders bring a new resource; update and terminate orders
// reference an existing one and pass a nil resource.
func (s *SQLiteStore) CreateOrder(ctx context.Context, order *engine.Order, resource *engine.Resource, actor string) error {
	now := s.now()
	order.CreatedAt, order.UpdatedAt = now, now

	attrs, err := encodeJSON(order.Attributes)
	if err != nil {
		return err
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		query := `
			INSERT INTO orders (id, type, resource_type, resource_id, account_id, project_id, attributes,
				status, error_message, created_by, reviewed_by, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`
		if _, err := tx.ExecContext(ctx, query,
			order.ID, order.Type, order.ResourceType, order.ResourceID, order.AccountID, order.ProjectID,
			attrs, order.Status, order.ErrorMessage, order.CreatedBy, order.ReviewedBy, now, now,
		); err != nil {
			return fmt.Errorf("failed to create order: %w", err)
		}

		if resource == nil {
			var exists int
			err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM resources WHERE id = ?`, order.ResourceID).Scan(&exists)
			if err != nil {
				return fmt.Errorf("failed to check resource: %w", err)
			}
			if exists == 0 {
				return engine.NewNotFoundError("resource", order.ResourceID)
			}
			return nil
		}

		if err := insertResourceTx(ctx, tx, resource, now); err != nil {
			return err
		}

		genesis := &engine.TransitionEntry{
			ResourceID: resource.ID,
			From:       engine.StateNone,
			To:         engine.StateCreating,
			Operation:  engine.OperationNone,
			Tag:        engine.NewAttemptTag(resource.ID, 0),
			Actor:      actor,
			Outcome:    engine.OutcomeSucceeded,
			Message:    "order " + order.ID + " admitted",
		}
		return insertEntryTx(ctx, tx, genesis, 1, now)
	})
}

// GetOrder retrieves an order by ID
func (s *SQLiteStore) GetOrder(ctx context.Context, id string) (*engine.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = ?`

	order, err := scanOrder(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, engine.NewNotFoundError("order", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return order, nil
}

// ListOrders lists orders matching the filter, newest first
func (s *SQLiteStore) ListOrders(ctx context.Context, filter engine.OrderFilter) ([]*engine.Order, error) {
	var where []string
	var args []interface{}
	if filter.AccountID != "" {
		where = append(where, "account_id = ?")
		args = append(args, filter.AccountID)
	}
	if filter.ResourceID != "" {
		where = append(where, "resource_id = ?")
		args = append(args, filter.ResourceID)
	}
	if len(filter.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(filter.Statuses))+")")
		for _, st := range filter.Statuses {
			args = append(args, st)
		}
	}

	query := `SELECT ` + orderColumns + ` FROM orders`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	defer rows.Close()

	orders := []*engine.Order{}
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating orders: %w", err)
	}
	return orders, nil
}

// UpdateOrderStatus moves an order from one of the given statuses to another.
// Terminal orders are immutable, so from must only list open statuses.
func (s *SQLiteStore) UpdateOrderStatus(ctx context.Context, id string, from []engine.OrderStatus, to engine.OrderStatus, message, reviewer string) error {
	if err := to.Validate(); err != nil {
		return engine.NewInvalidRequestError("invalid order status", err)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var current engine.OrderStatus
		err := tx.QueryRowContext(ctx, `SELECT status FROM orders WHERE id = ?`, id).Scan(&current)
		if err == sql.ErrNoRows {
			return engine.NewNotFoundError("order", id)
		}
		if err != nil {
			return fmt.Errorf("failed to get order: %w", err)
		}

		allowed := !current.IsTerminal()
		if len(from) > 0 {
			allowed = false
			for _, f := range from {
				if f == current && !f.IsTerminal() {
					allowed = true
				}
			}
		}
		if !allowed {
			return engine.NewConflictError(fmt.Sprintf("order %s is %s", id, current), nil).
				WithCode(engine.ErrCodeStaleTransition)
		}

		now := s.now()
		var completedAt sql.NullTime
		if to.IsTerminal() {
			completedAt = sql.NullTime{Time: now, Valid: true}
		}
		query := `
			UPDATE orders
			SET status = ?, error_message = ?, reviewed_by = CASE WHEN ? = '' THEN reviewed_by ELSE ? END,
				updated_at = ?, completed_at = ?
			WHERE id = ? AND status = ?
		`
		result, err := tx.ExecContext(ctx, query, to, message, reviewer, reviewer, now, completedAt, id, current)
		if err != nil {
			return fmt.Errorf("failed to update order status: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if rows == 0 {
			return engine.NewConflictError("order changed concurrently", nil).WithCode(engine.ErrCodeStaleTransition)
		}
		return nil
	})
}

// SetPendingOrder records the update or terminate order driving a resource
func (s *SQLiteStore) SetPendingOrder(ctx context.Context, resourceID, orderID string) error {
	query := `UPDATE resources SET pending_order_id = ?, updated_at = ? WHERE id = ?`

	result, err := s.db.ExecContext(ctx, query, orderID, s.now(), resourceID)
	if err != nil {
		return fmt.Errorf("failed to set pending order: %w", err)
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

// applyOrderChangeTx updates an order unless it is already terminal
func applyOrderChangeTx(ctx context.Context, tx *sql.Tx, change engine.OrderChange, now time.Time) error {
	if change.OrderID == "" {
		return nil
	}
	var completedAt sql.NullTime
	if change.Status.IsTerminal() {
		completedAt = sql.NullTime{Time: now, Valid: true}
	}
	query := `
		UPDATE orders
		SET status = ?, error_message = CASE WHEN ? = '' THEN error_message ELSE ? END,
			reviewed_by = CASE WHEN ? = '' THEN reviewed_by ELSE ? END,
			updated_at = ?, completed_at = COALESCE(completed_at, ?)
		WHERE id = ? AND status NOT IN ('done', 'erred', 'canceled', 'rejected')
	`
	if _, err := tx.ExecContext(ctx, query,
		change.Status, change.Message, change.Message, change.Reviewer, change.Reviewer,
		now, completedAt, change.OrderID,
	); err != nil {
		return fmt.Errorf("failed to update order %s: %w", change.OrderID, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(row rowScanner) (*engine.Order, error) {
	order := &engine.Order{}
	var attrs string
	var completedAt sql.NullTime
	err := row.Scan(
		&order.ID,
		&order.Type,
		&order.ResourceType,
		&order.ResourceID,
		&order.AccountID,
		&order.ProjectID,
		&attrs,
		&order.Status,
		&order.ErrorMessage,
		&order.CreatedBy,
		&order.ReviewedBy,
		&order.CreatedAt,
		&order.UpdatedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := decodeJSON(attrs, &order.Attributes); err != nil {
		return nil, err
	}
	order.CompletedAt = timePtr(completedAt)
	return order, nil
}
