package coorddb

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/praxis-ai/coordinator/internal/ratelimit"
)

// SaveRateLimitSnapshot upserts the tracker snapshot for this session so
// other processes on the host can see current usage. Implements
// ratelimit.Persister.
func (c *DB) SaveRateLimitSnapshot(ctx context.Context, snap ratelimit.Snapshot) error {
	windows, err := json.Marshal(snap.Windows)
	if err != nil {
		return fmt.Errorf("encode rate limit windows: %w", err)
	}
	res, err := c.db.ExecContext(ctx, c.rebind(
		`UPDATE rate_limit_snapshots SET plan = ?, windows = ?, created_at = ? WHERE session_id = ?`),
		snap.Plan, string(windows), snap.Timestamp, c.cfg.SessionID)
	if err != nil {
		return fmt.Errorf("save rate limit snapshot: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	_, err = c.db.ExecContext(ctx, c.rebind(
		`INSERT INTO rate_limit_snapshots (session_id, plan, windows, created_at) VALUES (?, ?, ?, ?)`),
		c.cfg.SessionID, snap.Plan, string(windows), snap.Timestamp)
	if err != nil {
		return fmt.Errorf("save rate limit snapshot: %w", err)
	}
	return nil
}
