package stores

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/openfroyo/broker/pkg/engine"
)

// cumulativeEpsilon absorbs floating point residue when diffing cumulative samples.
const cumulativeEpsilon = 1e-9

const usageColumns = `id, resource_id, account_id, project_id, dimension, period, quantity, kind,
	reverses_id, sample_key, cumulative, recorded_at`

// ApplyUsage appends usage records and moves the affected quota counters in
// one transaction. Records with a sample key already in the ledger are
// skipped. Cumulative samples are converted to deltas against the earlier
// cumulative samples for the same resource, period and dimension; incremental
// samples in the same stream do not move that baseline.
func (s *SQLiteStore) ApplyUsage(ctx context.Context, records []*engine.UsageRecord) ([]*engine.UsageRecord, []*engine.Quota, error) {
	var appended []*engine.UsageRecord
	var quotas []*engine.Quota
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		appended, err = s.applyUsageTx(ctx, tx, records, s.now())
		if err != nil {
			return err
		}
		quotas, err = touchedQuotasTx(ctx, tx, appended)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return appended, quotas, nil
}

// applyUsageTx is the only code path that changes quota usage.
func (s *SQLiteStore) applyUsageTx(ctx context.Context, tx *sql.Tx, records []*engine.UsageRecord, now time.Time) ([]*engine.UsageRecord, error) {
	appended := make([]*engine.UsageRecord, 0, len(records))
	for _, rec := range records {
		if rec.ResourceID == "" || rec.AccountID == "" || rec.Dimension == "" {
			return nil, engine.NewInvalidRequestError("usage record needs resource, account and dimension", nil)
		}
		if rec.ID == "" {
			rec.ID = ulid.Make().String()
		}
		if rec.RecordedAt.IsZero() {
			rec.RecordedAt = now
		}
		if rec.Period == "" {
			rec.Period = engine.PeriodOf(rec.RecordedAt)
		}
		if rec.SampleKey == "" {
			rec.SampleKey = rec.ID
		}

		if rec.Kind == engine.UsageKindSample && rec.Cumulative {
			var recorded float64
			err := tx.QueryRowContext(ctx, `
				SELECT COALESCE(SUM(quantity), 0) FROM usage_records
				WHERE resource_id = ? AND period = ? AND dimension = ? AND kind = 'sample' AND cumulative = 1
			`, rec.ResourceID, rec.Period, rec.Dimension).Scan(&recorded)
			if err != nil {
				return nil, fmt.Errorf("failed to sum recorded usage: %w", err)
			}
			delta := rec.Quantity - recorded
			if delta <= cumulativeEpsilon {
				continue
			}
			rec.Quantity = delta
		}

		query := `
			INSERT INTO usage_records (` + usageColumns + `)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(sample_key) DO NOTHING
		`
		result, err := tx.ExecContext(ctx, query,
			rec.ID, rec.ResourceID, rec.AccountID, rec.ProjectID, rec.Dimension, rec.Period,
			rec.Quantity, rec.Kind, rec.ReversesID, rec.SampleKey, rec.Cumulative, rec.RecordedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to append usage record: %w", err)
		}
		if rows, _ := result.RowsAffected(); rows == 0 {
			continue
		}

		for _, scope := range rec.Scopes() {
			if err := ensureQuotaTx(ctx, tx, scope, rec.Dimension, now); err != nil {
				return nil, err
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE quotas SET usage = MAX(usage + ?, 0), updated_at = ?
				WHERE scope = ? AND dimension = ?
			`, rec.Quantity, now, scope, rec.Dimension); err != nil {
				return nil, fmt.Errorf("failed to update quota usage: %w", err)
			}
		}
		appended = append(appended, rec)
	}
	return appended, nil
}

// adjustReservationTx reverses a resource's outstanding reservations and/or
// reserves its current allocation. Any growth over what is outstanding is
// checked against every scope's limit, and the write is rejected as a whole
// if a dimension would overflow. Shrinking never is.
func (s *SQLiteStore) adjustReservationTx(ctx context.Context, tx *sql.Tx, resourceID string, seq int64, release, reserve bool, now time.Time) ([]*engine.UsageRecord, error) {
	accountID, projectID, alloc, err := resourceAllocationTx(ctx, tx, resourceID)
	if err != nil {
		return nil, err
	}
	period := engine.PeriodOf(now)

	var outstanding []*engine.UsageRecord
	if release {
		if outstanding, err = outstandingReservationsTx(ctx, tx, resourceID); err != nil {
			return nil, err
		}
	}

	if reserve {
		if err := admitAllocationTx(ctx, tx, resourceID, accountID, projectID, alloc, outstanding); err != nil {
			return nil, err
		}
	}

	var records []*engine.UsageRecord
	for _, r := range outstanding {
		records = append(records, &engine.UsageRecord{
			ID:         ulid.Make().String(),
			ResourceID: resourceID,
			AccountID:  accountID,
			ProjectID:  projectID,
			Dimension:  r.Dimension,
			Period:     period,
			Quantity:   -r.Quantity,
			Kind:       engine.UsageKindReversal,
			ReversesID: r.ID,
			SampleKey:  "reversal:" + r.ID,
			RecordedAt: now,
		})
	}

	if reserve {
		for _, dim := range alloc.Dimensions() {
			q := alloc[dim]
			if q == 0 {
				continue
			}
			records = append(records, &engine.UsageRecord{
				ID:         ulid.Make().String(),
				ResourceID: resourceID,
				AccountID:  accountID,
				ProjectID:  projectID,
				Dimension:  dim,
				Period:     period,
				Quantity:   q,
				Kind:       engine.UsageKindReservation,
				SampleKey:  fmt.Sprintf("reservation:%s:%d:%s", resourceID, seq, dim),
				RecordedAt: now,
			})
		}
	}

	return s.applyUsageTx(ctx, tx, records, now)
}

// checkAllocationTx rejects a pending allocation change that would not fit
// once the resource's outstanding reservations are swapped for it.
func checkAllocationTx(ctx context.Context, tx *sql.Tx, resourceID string) error {
	accountID, projectID, alloc, err := resourceAllocationTx(ctx, tx, resourceID)
	if err != nil {
		return err
	}
	outstanding, err := outstandingReservationsTx(ctx, tx, resourceID)
	if err != nil {
		return err
	}
	return admitAllocationTx(ctx, tx, resourceID, accountID, projectID, alloc, outstanding)
}

// admitAllocationTx checks usage - outstanding + alloc <= limit for every
// scope and dimension the allocation grows in.
func admitAllocationTx(ctx context.Context, tx *sql.Tx, resourceID, accountID, projectID string, alloc engine.Allocation, outstanding []*engine.UsageRecord) error {
	held := make(map[engine.Dimension]float64)
	for _, r := range outstanding {
		held[r.Dimension] += r.Quantity
	}
	for _, scope := range engine.ScopesFor(accountID, projectID) {
		for _, dim := range alloc.Dimensions() {
			delta := alloc[dim] - held[dim]
			if delta <= cumulativeEpsilon {
				continue
			}
			q, err := getQuotaTx(ctx, tx, scope, dim)
			if err != nil {
				return err
			}
			if q != nil && !q.Allows(delta) {
				return engine.NewQuotaExceededError(scope, dim, q.Usage, delta, *q.Limit).WithResource(resourceID)
			}
		}
	}
	return nil
}

func resourceAllocationTx(ctx context.Context, tx *sql.Tx, resourceID string) (string, string, engine.Allocation, error) {
	var accountID, projectID, rawAlloc string
	err := tx.QueryRowContext(ctx,
		`SELECT account_id, project_id, allocation FROM resources WHERE id = ?`, resourceID,
	).Scan(&accountID, &projectID, &rawAlloc)
	if err != nil {
		return "", "", nil, fmt.Errorf("failed to read resource allocation: %w", err)
	}
	var alloc engine.Allocation
	if err := decodeJSON(rawAlloc, &alloc); err != nil {
		return "", "", nil, err
	}
	return accountID, projectID, alloc, nil
}

func outstandingReservationsTx(ctx context.Context, tx *sql.Tx, resourceID string) ([]*engine.UsageRecord, error) {
	query := `
		SELECT ` + usageColumns + ` FROM usage_records r
		WHERE r.resource_id = ? AND r.kind = 'reservation'
			AND NOT EXISTS (SELECT 1 FROM usage_records v WHERE v.kind = 'reversal' AND v.reverses_id = r.id)
		ORDER BY r.id
	`
	rows, err := tx.QueryContext(ctx, query, resourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list reservations: %w", err)
	}
	defer rows.Close()

	var out []*engine.UsageRecord
	for rows.Next() {
		rec, err := scanUsage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan reservation: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating reservations: %w", err)
	}
	return out, nil
}

func ensureQuotaTx(ctx context.Context, tx *sql.Tx, scope string, dim engine.Dimension, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO quotas (scope, dimension, limit_value, usage, updated_at)
		VALUES (?, ?, NULL, 0, ?)
		ON CONFLICT(scope, dimension) DO NOTHING
	`, scope, dim, now)
	if err != nil {
		return fmt.Errorf("failed to ensure quota row: %w", err)
	}
	return nil
}

func getQuotaTx(ctx context.Context, tx *sql.Tx, scope string, dim engine.Dimension) (*engine.Quota, error) {
	q, err := scanQuota(tx.QueryRowContext(ctx,
		`SELECT scope, dimension, limit_value, usage, updated_at FROM quotas WHERE scope = ? AND dimension = ?`,
		scope, dim))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get quota: %w", err)
	}
	return q, nil
}

func touchedQuotasTx(ctx context.Context, tx *sql.Tx, records []*engine.UsageRecord) ([]*engine.Quota, error) {
	seen := make(map[string]bool)
	var quotas []*engine.Quota
	for _, rec := range records {
		for _, scope := range rec.Scopes() {
			key := scope + "|" + string(rec.Dimension)
			if seen[key] {
				continue
			}
			seen[key] = true
			q, err := getQuotaTx(ctx, tx, scope, rec.Dimension)
			if err != nil {
				return nil, err
			}
			if q != nil {
				quotas = append(quotas, q)
			}
		}
	}
	return quotas, nil
}

// GetQuota retrieves a quota row; absent rows are reported as unlimited with zero usage
func (s *SQLiteStore) GetQuota(ctx context.Context, scope string, dim engine.Dimension) (*engine.Quota, error) {
	q, err := scanQuota(s.db.QueryRowContext(ctx,
		`SELECT scope, dimension, limit_value, usage, updated_at FROM quotas WHERE scope = ? AND dimension = ?`,
		scope, dim))
	if err == sql.ErrNoRows {
		return &engine.Quota{Scope: scope, Dimension: dim}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get quota: %w", err)
	}
	return q, nil
}

// ListQuotas lists the quotas of a scope, or of every scope when empty
func (s *SQLiteStore) ListQuotas(ctx context.Context, scope string) ([]*engine.Quota, error) {
	query := `SELECT scope, dimension, limit_value, usage, updated_at FROM quotas`
	var args []interface{}
	if scope != "" {
		query += ` WHERE scope = ?`
		args = append(args, scope)
	}
	query += ` ORDER BY scope, dimension`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list quotas: %w", err)
	}
	defer rows.Close()

	quotas := []*engine.Quota{}
	for rows.Next() {
		q, err := scanQuota(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan quota: %w", err)
		}
		quotas = append(quotas, q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating quotas: %w", err)
	}
	return quotas, nil
}

// SetQuotaLimit sets or clears (nil) the limit of a scope and dimension
func (s *SQLiteStore) SetQuotaLimit(ctx context.Context, scope string, dim engine.Dimension, limit *float64) error {
	if _, _, err := scopeClause(scope); err != nil {
		return err
	}
	var value sql.NullFloat64
	if limit != nil {
		if *limit < 0 {
			return engine.NewInvalidRequestError("quota limit must not be negative", nil)
		}
		value = sql.NullFloat64{Float64: *limit, Valid: true}
	}
	now := s.now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO quotas (scope, dimension, limit_value, usage, updated_at)
		VALUES (?, ?, ?, 0, ?)
		ON CONFLICT(scope, dimension) DO UPDATE SET limit_value = excluded.limit_value, updated_at = excluded.updated_at
	`, scope, dim, value, now)
	if err != nil {
		return fmt.Errorf("failed to set quota limit: %w", err)
	}
	return nil
}

// ListUsageRecords lists ledger lines in append order
func (s *SQLiteStore) ListUsageRecords(ctx context.Context, filter engine.UsageFilter) ([]*engine.UsageRecord, error) {
	var where []string
	var args []interface{}
	if filter.ResourceID != "" {
		where = append(where, "resource_id = ?")
		args = append(args, filter.ResourceID)
	}
	if filter.Scope != "" {
		clause, scopeArgs, err := scopeClause(filter.Scope)
		if err != nil {
			return nil, err
		}
		where = append(where, clause)
		args = append(args, scopeArgs...)
	}
	if filter.Period != "" {
		where = append(where, "period = ?")
		args = append(args, filter.Period)
	}
	if filter.Through != "" {
		where = append(where, "period <= ?")
		args = append(args, filter.Through)
	}
	if len(filter.Kinds) > 0 {
		where = append(where, "kind IN ("+placeholders(len(filter.Kinds))+")")
		for _, k := range filter.Kinds {
			args = append(args, k)
		}
	}

	query := `SELECT ` + usageColumns + ` FROM usage_records`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY rowid`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list usage records: %w", err)
	}
	defer rows.Close()

	records := []*engine.UsageRecord{}
	for rows.Next() {
		rec, err := scanUsage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan usage record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating usage records: %w", err)
	}
	return records, nil
}

func scanUsage(row rowScanner) (*engine.UsageRecord, error) {
	rec := &engine.UsageRecord{}
	err := row.Scan(
		&rec.ID,
		&rec.ResourceID,
		&rec.AccountID,
		&rec.ProjectID,
		&rec.Dimension,
		&rec.Period,
		&rec.Quantity,
		&rec.Kind,
		&rec.ReversesID,
		&rec.SampleKey,
		&rec.Cumulative,
		&rec.RecordedAt,
	)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func scanQuota(row rowScanner) (*engine.Quota, error) {
	q := &engine.Quota{}
	var limit sql.NullFloat64
	if err := row.Scan(&q.Scope, &q.Dimension, &limit, &q.Usage, &q.UpdatedAt); err != nil {
		return nil, err
	}
	if limit.Valid {
		v := limit.Float64
		q.Limit = &v
	}
	return q, nil
}
