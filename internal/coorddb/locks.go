package coorddb

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/praxis-ai/coordinator/internal/metrics"
	"github.com/praxis-ai/coordinator/internal/tracing"
)

// Lock describes a held advisory lock.
type Lock struct {
	Resource   string    `db:"resource" json:"resource"`
	SessionID  string    `db:"session_id" json:"session_id"`
	AcquiredAt time.Time `db:"acquired_at" json:"acquired_at"`
	ExpiresAt  time.Time `db:"expires_at" json:"expires_at"`
}

// AcquireLock takes a short-lived advisory lock on a logical resource path.
// It returns false when another live session holds the lock; expired locks
// are reclaimed. ttl <= 0 uses the configured default.
func (c *DB) AcquireLock(ctx context.Context, resource string, ttl time.Duration) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "coorddb.acquire_lock",
		attribute.String("resource", resource))
	defer span.End()

	if ttl <= 0 {
		ttl = c.cfg.DefaultLockTTL
	}
	now := time.Now().UTC()

	var existing Lock
	err := c.db.GetContext(ctx, &existing, c.rebind(
		`SELECT resource, session_id, acquired_at, expires_at FROM file_locks WHERE resource = ?`),
		resource)
	switch {
	case err == nil:
		if existing.ExpiresAt.After(now) && existing.SessionID != c.cfg.SessionID {
			metrics.FileLocksAcquired.WithLabelValues("refused").Inc()
			return false, nil
		}
		// Expired, or a re-entrant refresh by the owning session.
		_, err = c.db.ExecContext(ctx, c.rebind(
			`UPDATE file_locks SET session_id = ?, acquired_at = ?, expires_at = ? WHERE resource = ?`),
			c.cfg.SessionID, now, now.Add(ttl), resource)
		if err != nil {
			return false, fmt.Errorf("reclaim lock: %w", err)
		}
	case err == sql.ErrNoRows:
		_, err = c.db.ExecContext(ctx, c.rebind(
			`INSERT INTO file_locks (resource, session_id, acquired_at, expires_at) VALUES (?, ?, ?, ?)`),
			resource, c.cfg.SessionID, now, now.Add(ttl))
		if err != nil {
			return false, fmt.Errorf("acquire lock: %w", err)
		}
	default:
		return false, fmt.Errorf("check lock: %w", err)
	}

	metrics.FileLocksAcquired.WithLabelValues("acquired").Inc()
	c.logger.Debug("Lock acquired",
		zap.String("resource", resource), zap.Duration("ttl", ttl))
	return true, nil
}

// ReleaseLock drops a lock this session holds. Releasing a lock held by
// someone else is a no-op.
func (c *DB) ReleaseLock(ctx context.Context, resource string) error {
	ctx, span := tracing.StartSpan(ctx, "coorddb.release_lock",
		attribute.String("resource", resource))
	defer span.End()

	_, err := c.db.ExecContext(ctx, c.rebind(
		`DELETE FROM file_locks WHERE resource = ? AND session_id = ?`),
		resource, c.cfg.SessionID)
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

// GetLock returns the current lock on a resource, or nil when unlocked.
func (c *DB) GetLock(ctx context.Context, resource string) (*Lock, error) {
	var l Lock
	err := c.db.GetContext(ctx, &l, c.rebind(
		`SELECT resource, session_id, acquired_at, expires_at FROM file_locks WHERE resource = ?`),
		resource)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get lock: %w", err)
	}
	return &l, nil
}
