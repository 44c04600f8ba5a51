package coorddb

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/praxis-ai/coordinator/internal/events"
)

// Config holds coordination database settings. The default driver is sqlite3
// over a single shared file; postgres is supported for deployments that
// already run one.
type Config struct {
	Driver                string        // "sqlite3" (default) or "postgres"
	DSN                   string        // file path for sqlite3, connection string for postgres
	SessionID             string        // identity of this process in the shared store
	DefaultLockTTL        time.Duration // advisory file-lock lifetime
	StaleSessionThreshold time.Duration // heartbeat age after which a session is stale
}

// DB is the shared on-disk store coordinating sessions on one host: the
// session directory, advisory file locks, the change journal and the
// conflict table.
type DB struct {
	db     *sqlx.DB
	cfg    Config
	logger *zap.Logger
	bus    *events.Bus
}

// Open connects to the store and ensures the schema exists.
func Open(cfg Config, logger *zap.Logger, bus *events.Bus) (*DB, error) {
	if cfg.Driver == "" {
		cfg.Driver = "sqlite3"
	}
	if cfg.DSN == "" && cfg.Driver == "sqlite3" {
		cfg.DSN = "coordination.db"
	}
	if cfg.DefaultLockTTL == 0 {
		cfg.DefaultLockTTL = 30 * time.Second
	}
	if cfg.StaleSessionThreshold == 0 {
		cfg.StaleSessionThreshold = 5 * time.Minute
	}

	db, err := sqlx.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open coordination db: %w", err)
	}
	if cfg.Driver == "sqlite3" {
		// A shared file db serialises writers; one connection avoids
		// SQLITE_BUSY churn inside the process.
		db.SetMaxOpenConns(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping coordination db: %w", err)
	}

	c := &DB{db: db, cfg: cfg, logger: logger, bus: bus}
	if err := c.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	logger.Info("Coordination database ready",
		zap.String("driver", cfg.Driver),
		zap.String("session_id", cfg.SessionID),
	)
	return c, nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS sessions (
		id             TEXT PRIMARY KEY,
		path           TEXT NOT NULL,
		role           TEXT NOT NULL DEFAULT '',
		registered_at  TIMESTAMP NOT NULL,
		last_heartbeat TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS file_locks (
		resource    TEXT PRIMARY KEY,
		session_id  TEXT NOT NULL,
		acquired_at TIMESTAMP NOT NULL,
		expires_at  TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS change_journal (
		id          TEXT PRIMARY KEY,
		session_id  TEXT NOT NULL,
		resource    TEXT NOT NULL,
		operation   TEXT NOT NULL CHECK (operation IN ('CREATE','UPDATE','DELETE')),
		change_data TEXT,
		created_at  TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_journal_session ON change_journal (session_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_journal_resource ON change_journal (resource, created_at)`,
	`CREATE TABLE IF NOT EXISTS conflicts (
		id                TEXT PRIMARY KEY,
		type              TEXT NOT NULL CHECK (type IN ('VERSION_CONFLICT','CONCURRENT_EDIT','STALE_LOCK','MERGE_FAILURE')),
		resource          TEXT NOT NULL,
		severity          TEXT NOT NULL CHECK (severity IN ('info','warning','critical')),
		detected_at       TIMESTAMP NOT NULL,
		session_a_id      TEXT NOT NULL DEFAULT '',
		session_a_version INTEGER,
		session_a_data    TEXT,
		session_b_id      TEXT NOT NULL DEFAULT '',
		session_b_version INTEGER,
		session_b_data    TEXT,
		affected_task_ids TEXT,
		field_conflicts   TEXT,
		status            TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending','resolved','auto-resolved')),
		resolution        TEXT,
		resolved_at       TIMESTAMP,
		resolved_by       TEXT,
		resolution_data   TEXT,
		resolution_notes  TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_conflicts_status ON conflicts (status)`,
	`CREATE INDEX IF NOT EXISTS idx_conflicts_resource ON conflicts (resource)`,
	`CREATE INDEX IF NOT EXISTS idx_conflicts_detected_at ON conflicts (detected_at)`,
	`CREATE TABLE IF NOT EXISTS rate_limit_snapshots (
		session_id TEXT NOT NULL,
		plan       TEXT NOT NULL,
		windows    TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		PRIMARY KEY (session_id)
	)`,
}

func (c *DB) initSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// rebind adapts "?" placeholders to the active driver.
func (c *DB) rebind(query string) string {
	return c.db.Rebind(query)
}

// SessionID returns the identity this process registered in the store.
func (c *DB) SessionID() string { return c.cfg.SessionID }

// Close releases the underlying connection.
func (c *DB) Close() error { return c.db.Close() }
