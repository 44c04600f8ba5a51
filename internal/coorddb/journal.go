package coorddb

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/praxis-ai/coordinator/internal/tracing"
)

// Journal operations.
const (
	OpCreate = "CREATE"
	OpUpdate = "UPDATE"
	OpDelete = "DELETE"
)

// ChangeEntry is one journal row, used to correlate conflicts with the edits
// that caused them.
type ChangeEntry struct {
	ID         string                 `json:"id"`
	SessionID  string                 `json:"session_id"`
	Resource   string                 `json:"resource"`
	Operation  string                 `json:"operation"`
	ChangeData map[string]interface{} `json:"change_data,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
}

type changeRow struct {
	ID         string    `db:"id"`
	SessionID  string    `db:"session_id"`
	Resource   string    `db:"resource"`
	Operation  string    `db:"operation"`
	ChangeData *string   `db:"change_data"`
	CreatedAt  time.Time `db:"created_at"`
}

func (r changeRow) decode() ChangeEntry {
	e := ChangeEntry{
		ID:        r.ID,
		SessionID: r.SessionID,
		Resource:  r.Resource,
		Operation: r.Operation,
		CreatedAt: r.CreatedAt,
	}
	if r.ChangeData != nil && *r.ChangeData != "" {
		_ = json.Unmarshal([]byte(*r.ChangeData), &e.ChangeData)
	}
	return e
}

// RecordChange appends a journal entry and returns its id. The operation
// must be CREATE, UPDATE or DELETE (the schema refuses anything else).
func (c *DB) RecordChange(ctx context.Context, sessionID, resource, operation string, changeData map[string]interface{}) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "coorddb.record_change",
		attribute.String("resource", resource),
		attribute.String("operation", operation))
	defer span.End()

	id := uuid.New().String()
	var payload *string
	if changeData != nil {
		b, err := json.Marshal(changeData)
		if err != nil {
			return "", fmt.Errorf("encode change data: %w", err)
		}
		s := string(b)
		payload = &s
	}
	_, err := c.db.ExecContext(ctx, c.rebind(
		`INSERT INTO change_journal (id, session_id, resource, operation, change_data, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`),
		id, sessionID, resource, operation, payload, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("record change: %w", err)
	}
	return id, nil
}

// GetChangesBySession returns a session's journal entries, oldest first.
func (c *DB) GetChangesBySession(ctx context.Context, sessionID string) ([]ChangeEntry, error) {
	return c.queryChanges(ctx,
		`SELECT id, session_id, resource, operation, change_data, created_at
		 FROM change_journal WHERE session_id = ? ORDER BY created_at`, sessionID)
}

// GetChangesByResource returns a resource's journal entries, oldest first.
func (c *DB) GetChangesByResource(ctx context.Context, resource string) ([]ChangeEntry, error) {
	return c.queryChanges(ctx,
		`SELECT id, session_id, resource, operation, change_data, created_at
		 FROM change_journal WHERE resource = ? ORDER BY created_at`, resource)
}

func (c *DB) queryChanges(ctx context.Context, query string, arg interface{}) ([]ChangeEntry, error) {
	var rows []changeRow
	if err := c.db.SelectContext(ctx, &rows, c.rebind(query), arg); err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	out := make([]ChangeEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.decode())
	}
	return out, nil
}
