package coorddb

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// SessionRow is one entry of the cross-process session directory.
type SessionRow struct {
	ID            string    `db:"id" json:"id"`
	Path          string    `db:"path" json:"path"`
	Role          string    `db:"role" json:"role"`
	RegisteredAt  time.Time `db:"registered_at" json:"registered_at"`
	LastHeartbeat time.Time `db:"last_heartbeat" json:"last_heartbeat"`
}

// RegisterSession inserts or refreshes a session directory entry.
func (c *DB) RegisterSession(ctx context.Context, id, path, role string) error {
	now := time.Now().UTC()
	res, err := c.db.ExecContext(ctx, c.rebind(
		`UPDATE sessions SET path = ?, role = ?, last_heartbeat = ? WHERE id = ?`),
		path, role, now, id)
	if err != nil {
		return fmt.Errorf("refresh session: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	_, err = c.db.ExecContext(ctx, c.rebind(
		`INSERT INTO sessions (id, path, role, registered_at, last_heartbeat) VALUES (?, ?, ?, ?, ?)`),
		id, path, role, now, now)
	if err != nil {
		return fmt.Errorf("register session: %w", err)
	}
	c.logger.Info("Session registered in coordination db",
		zap.String("session_id", id), zap.String("role", role))
	return nil
}

// Heartbeat refreshes a session's liveness timestamp.
func (c *DB) Heartbeat(ctx context.Context, id string) error {
	_, err := c.db.ExecContext(ctx, c.rebind(
		`UPDATE sessions SET last_heartbeat = ? WHERE id = ?`),
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	return nil
}

// GetSessions lists the session directory.
func (c *DB) GetSessions(ctx context.Context) ([]SessionRow, error) {
	var rows []SessionRow
	err := c.db.SelectContext(ctx, &rows,
		`SELECT id, path, role, registered_at, last_heartbeat FROM sessions ORDER BY registered_at`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return rows, nil
}

// CleanupStaleSessions removes directory entries without a heartbeat for the
// configured threshold and releases any locks they still hold.
func (c *DB) CleanupStaleSessions(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-c.cfg.StaleSessionThreshold)

	var stale []string
	if err := c.db.SelectContext(ctx, &stale, c.rebind(
		`SELECT id FROM sessions WHERE last_heartbeat < ?`), cutoff); err != nil {
		return 0, fmt.Errorf("find stale sessions: %w", err)
	}
	if len(stale) == 0 {
		return 0, nil
	}
	for _, id := range stale {
		if _, err := c.db.ExecContext(ctx, c.rebind(
			`DELETE FROM file_locks WHERE session_id = ?`), id); err != nil {
			return 0, fmt.Errorf("release stale locks: %w", err)
		}
		if _, err := c.db.ExecContext(ctx, c.rebind(
			`DELETE FROM sessions WHERE id = ?`), id); err != nil {
			return 0, fmt.Errorf("remove stale session: %w", err)
		}
	}
	c.logger.Info("Cleaned up stale sessions", zap.Int("count", len(stale)))
	return len(stale), nil
}
