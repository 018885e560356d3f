package stores

import (
	"context"
	"fmt"
	"time"

	"github.com/openfroyo/broker/pkg/engine"
)

var _ engine.Leaser = (*SQLiteLeaser)(nil)

// SQLiteLeaser grants resource leases from the leases table. It serves a
// single authoritative engine instance, or several sharing one database file.
type SQLiteLeaser struct {
	store *SQLiteStore
}

// NewSQLiteLeaser creates a leaser backed by the store's database
func NewSQLiteLeaser(store *SQLiteStore) *SQLiteLeaser {
	return &SQLiteLeaser{store: store}
}

// Acquire takes the lease when it is free, expired or already held by owner
func (l *SQLiteLeaser) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	now := l.store.now()
	query := `
		INSERT INTO leases (key, owner, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET owner = excluded.owner, expires_at = excluded.expires_at
		WHERE leases.owner = excluded.owner OR leases.expires_at <= ?
	`
	result, err := l.store.db.ExecContext(ctx, query, key, owner, now.Add(ttl).UnixMilli(), now.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease %s: %w", key, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows > 0, nil
}

// Renew extends a lease that owner still holds and that has not expired
func (l *SQLiteLeaser) Renew(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	now := l.store.now()
	result, err := l.store.db.ExecContext(ctx,
		`UPDATE leases SET expires_at = ? WHERE key = ? AND owner = ? AND expires_at > ?`,
		now.Add(ttl).UnixMilli(), key, owner, now.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("failed to renew lease %s: %w", key, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows > 0, nil
}

// Release frees the lease if owner holds it
func (l *SQLiteLeaser) Release(ctx context.Context, key, owner string) error {
	if _, err := l.store.db.ExecContext(ctx, `DELETE FROM leases WHERE key = ? AND owner = ?`, key, owner); err != nil {
		return fmt.Errorf("failed to release lease %s: %w", key, err)
	}
	return nil
}
