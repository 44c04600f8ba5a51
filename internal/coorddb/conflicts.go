package coorddb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/praxis-ai/coordinator/internal/metrics"
	"github.com/praxis-ai/coordinator/internal/tracing"
)

// Conflict types.
const (
	ConflictVersion        = "VERSION_CONFLICT"
	ConflictConcurrentEdit = "CONCURRENT_EDIT"
	ConflictStaleLock      = "STALE_LOCK"
	ConflictMergeFailure   = "MERGE_FAILURE"
)

// Conflict severities.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Conflict statuses.
const (
	StatusPending      = "pending"
	StatusResolved     = "resolved"
	StatusAutoResolved = "auto-resolved"
)

// Conflict resolutions.
const (
	ResolutionVersionA = "version_a"
	ResolutionVersionB = "version_b"
	ResolutionMerged   = "merged"
	ResolutionManual   = "manual"
)

// Structured refusal codes for ResolveConflict.
const (
	ErrCodeNotFound        = "CONFLICT_NOT_FOUND"
	ErrCodeAlreadyResolved = "ALREADY_RESOLVED"
)

var validTypes = map[string]bool{
	ConflictVersion: true, ConflictConcurrentEdit: true,
	ConflictStaleLock: true, ConflictMergeFailure: true,
}

var validSeverities = map[string]bool{
	SeverityInfo: true, SeverityWarning: true, SeverityCritical: true,
}

var validResolutions = map[string]bool{
	ResolutionVersionA: true, ResolutionVersionB: true,
	ResolutionMerged: true, ResolutionManual: true,
}

// FieldConflict pins a disagreement to one field of the resource.
type FieldConflict struct {
	Field  string      `json:"field"`
	ValueA interface{} `json:"value_a"`
	ValueB interface{} `json:"value_b"`
}

// Conflict is a structured record of a coordination failure between two
// sessions over a shared resource.
type Conflict struct {
	ID              string                 `json:"id"`
	Type            string                 `json:"type"`
	Resource        string                 `json:"resource"`
	Severity        string                 `json:"severity"`
	DetectedAt      time.Time              `json:"detected_at"`
	SessionAID      string                 `json:"session_a_id"`
	SessionAVersion *int                   `json:"session_a_version,omitempty"`
	SessionAData    map[string]interface{} `json:"session_a_data,omitempty"`
	SessionBID      string                 `json:"session_b_id"`
	SessionBVersion *int                   `json:"session_b_version,omitempty"`
	SessionBData    map[string]interface{} `json:"session_b_data,omitempty"`
	AffectedTaskIDs []string               `json:"affected_task_ids,omitempty"`
	FieldConflicts  []FieldConflict        `json:"field_conflicts,omitempty"`
	Status          string                 `json:"status"`
	Resolution      string                 `json:"resolution,omitempty"`
	ResolvedAt      *time.Time             `json:"resolved_at,omitempty"`
	ResolvedBy      string                 `json:"resolved_by,omitempty"`
	ResolutionData  map[string]interface{} `json:"resolution_data,omitempty"`
	ResolutionNotes string                 `json:"resolution_notes,omitempty"`
}

// ConflictInput carries the fields of RecordConflict. ID is optional; a
// unique one is generated when absent. Severity defaults to "warning".
type ConflictInput struct {
	ID              string
	Type            string
	Resource        string
	Severity        string
	SessionAID      string
	SessionAVersion *int
	SessionAData    map[string]interface{}
	SessionBID      string
	SessionBVersion *int
	SessionBData    map[string]interface{}
	AffectedTaskIDs []string
	FieldConflicts  []FieldConflict
}

// ResolveOptions tunes ResolveConflict.
type ResolveOptions struct {
	ResolutionData map[string]interface{}
	ResolvedBy     string
	Notes          string
	AutoResolved   bool
}

// ResolveResult reports the outcome of a resolution attempt. Refusals are
// structured, not errors: Error is CONFLICT_NOT_FOUND or ALREADY_RESOLVED.
type ResolveResult struct {
	Success            bool      `json:"success"`
	Error              string    `json:"error,omitempty"`
	ExistingResolution string    `json:"existing_resolution,omitempty"`
	Conflict           *Conflict `json:"conflict,omitempty"`
}

// ConflictCounts summarises the table by status.
type ConflictCounts struct {
	Pending      int `json:"pending"`
	Resolved     int `json:"resolved"`
	AutoResolved int `json:"auto_resolved"`
	Total        int `json:"total"`
}

// ConflictQuery filters GetConflicts.
type ConflictQuery struct {
	Resource        string
	IncludeResolved bool
	Limit           int
	Offset          int
}

// ConflictPage is a paginated conflict listing with status summary counts.
type ConflictPage struct {
	Conflicts []Conflict     `json:"conflicts"`
	Summary   ConflictCounts `json:"summary"`
	Limit     int            `json:"limit"`
	Offset    int            `json:"offset"`
}

type conflictRow struct {
	ID              string     `db:"id"`
	Type            string     `db:"type"`
	Resource        string     `db:"resource"`
	Severity        string     `db:"severity"`
	DetectedAt      time.Time  `db:"detected_at"`
	SessionAID      string     `db:"session_a_id"`
	SessionAVersion *int       `db:"session_a_version"`
	SessionAData    *string    `db:"session_a_data"`
	SessionBID      string     `db:"session_b_id"`
	SessionBVersion *int       `db:"session_b_version"`
	SessionBData    *string    `db:"session_b_data"`
	AffectedTaskIDs *string    `db:"affected_task_ids"`
	FieldConflicts  *string    `db:"field_conflicts"`
	Status          string     `db:"status"`
	Resolution      *string    `db:"resolution"`
	ResolvedAt      *time.Time `db:"resolved_at"`
	ResolvedBy      *string    `db:"resolved_by"`
	ResolutionData  *string    `db:"resolution_data"`
	ResolutionNotes *string    `db:"resolution_notes"`
}

func (r conflictRow) decode() Conflict {
	c := Conflict{
		ID:              r.ID,
		Type:            r.Type,
		Resource:        r.Resource,
		Severity:        r.Severity,
		DetectedAt:      r.DetectedAt,
		SessionAID:      r.SessionAID,
		SessionAVersion: r.SessionAVersion,
		SessionBID:      r.SessionBID,
		SessionBVersion: r.SessionBVersion,
		Status:          r.Status,
		ResolvedAt:      r.ResolvedAt,
	}
	decodeJSON(r.SessionAData, &c.SessionAData)
	decodeJSON(r.SessionBData, &c.SessionBData)
	decodeJSON(r.AffectedTaskIDs, &c.AffectedTaskIDs)
	decodeJSON(r.FieldConflicts, &c.FieldConflicts)
	decodeJSON(r.ResolutionData, &c.ResolutionData)
	if r.Resolution != nil {
		c.Resolution = *r.Resolution
	}
	if r.ResolvedBy != nil {
		c.ResolvedBy = *r.ResolvedBy
	}
	if r.ResolutionNotes != nil {
		c.ResolutionNotes = *r.ResolutionNotes
	}
	return c
}

func decodeJSON(src *string, dst interface{}) {
	if src != nil && *src != "" {
		_ = json.Unmarshal([]byte(*src), dst)
	}
}

func encodeJSON(v interface{}) (*string, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}

const conflictColumns = `id, type, resource, severity, detected_at,
	session_a_id, session_a_version, session_a_data,
	session_b_id, session_b_version, session_b_data,
	affected_task_ids, field_conflicts,
	status, resolution, resolved_at, resolved_by, resolution_data, resolution_notes`

// RecordConflict inserts a pending conflict and emits "conflict:detected".
// Invalid type or severity values fail before touching storage.
func (c *DB) RecordConflict(ctx context.Context, in ConflictInput) (*Conflict, error) {
	ctx, span := tracing.StartSpan(ctx, "coorddb.record_conflict",
		attribute.String("type", in.Type),
		attribute.String("resource", in.Resource))
	defer span.End()

	if !validTypes[in.Type] {
		return nil, fmt.Errorf("invalid conflict type: %q", in.Type)
	}
	if in.Severity == "" {
		in.Severity = SeverityWarning
	}
	if !validSeverities[in.Severity] {
		return nil, fmt.Errorf("invalid conflict severity: %q", in.Severity)
	}
	if in.ID == "" {
		in.ID = uuid.New().String()
	}

	aData, err := encodeJSON(in.SessionAData)
	if err != nil {
		return nil, fmt.Errorf("encode session A data: %w", err)
	}
	bData, err := encodeJSON(in.SessionBData)
	if err != nil {
		return nil, fmt.Errorf("encode session B data: %w", err)
	}
	var taskIDs, fields *string
	if in.AffectedTaskIDs != nil {
		if taskIDs, err = encodeJSON(in.AffectedTaskIDs); err != nil {
			return nil, fmt.Errorf("encode affected task ids: %w", err)
		}
	}
	if in.FieldConflicts != nil {
		if fields, err = encodeJSON(in.FieldConflicts); err != nil {
			return nil, fmt.Errorf("encode field conflicts: %w", err)
		}
	}

	detectedAt := time.Now().UTC()
	_, err = c.db.ExecContext(ctx, c.rebind(
		`INSERT INTO conflicts (id, type, resource, severity, detected_at,
			session_a_id, session_a_version, session_a_data,
			session_b_id, session_b_version, session_b_data,
			affected_task_ids, field_conflicts, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		in.ID, in.Type, in.Resource, in.Severity, detectedAt,
		in.SessionAID, in.SessionAVersion, aData,
		in.SessionBID, in.SessionBVersion, bData,
		taskIDs, fields, StatusPending)
	if err != nil {
		return nil, fmt.Errorf("record conflict: %w", err)
	}

	conflict := &Conflict{
		ID:              in.ID,
		Type:            in.Type,
		Resource:        in.Resource,
		Severity:        in.Severity,
		DetectedAt:      detectedAt,
		SessionAID:      in.SessionAID,
		SessionAVersion: in.SessionAVersion,
		SessionAData:    in.SessionAData,
		SessionBID:      in.SessionBID,
		SessionBVersion: in.SessionBVersion,
		SessionBData:    in.SessionBData,
		AffectedTaskIDs: in.AffectedTaskIDs,
		FieldConflicts:  in.FieldConflicts,
		Status:          StatusPending,
	}

	metrics.ConflictsRecorded.WithLabelValues(in.Type).Inc()
	c.logger.Warn("Conflict recorded",
		zap.String("conflict_id", in.ID),
		zap.String("type", in.Type),
		zap.String("resource", in.Resource),
	)
	c.bus.Emit("conflict:detected", "coorddb", map[string]interface{}{
		"id": in.ID, "type": in.Type, "resource": in.Resource, "severity": in.Severity,
	})
	return conflict, nil
}

// GetConflict returns the decoded row or nil when the id is unknown.
func (c *DB) GetConflict(ctx context.Context, id string) (*Conflict, error) {
	var row conflictRow
	err := c.db.GetContext(ctx, &row, c.rebind(
		`SELECT `+conflictColumns+` FROM conflicts WHERE id = ?`), id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get conflict: %w", err)
	}
	conflict := row.decode()
	return &conflict, nil
}

// GetPendingConflicts returns pending conflicts newest first.
func (c *DB) GetPendingConflicts(ctx context.Context) ([]Conflict, error) {
	var rows []conflictRow
	err := c.db.SelectContext(ctx, &rows, c.rebind(
		`SELECT `+conflictColumns+` FROM conflicts WHERE status = ? ORDER BY detected_at DESC`),
		StatusPending)
	if err != nil {
		return nil, fmt.Errorf("get pending conflicts: %w", err)
	}
	return decodeRows(rows), nil
}

func decodeRows(rows []conflictRow) []Conflict {
	out := make([]Conflict, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.decode())
	}
	return out
}

// GetConflicts returns a filtered, paginated listing with a status summary.
func (c *DB) GetConflicts(ctx context.Context, q ConflictQuery) (*ConflictPage, error) {
	if q.Limit <= 0 {
		q.Limit = 50
	}
	query := `SELECT ` + conflictColumns + ` FROM conflicts WHERE 1=1`
	args := []interface{}{}
	if q.Resource != "" {
		query += ` AND resource = ?`
		args = append(args, q.Resource)
	}
	if !q.IncludeResolved {
		query += ` AND status = ?`
		args = append(args, StatusPending)
	}
	query += ` ORDER BY detected_at DESC LIMIT ? OFFSET ?`
	args = append(args, q.Limit, q.Offset)

	var rows []conflictRow
	if err := c.db.SelectContext(ctx, &rows, c.rebind(query), args...); err != nil {
		return nil, fmt.Errorf("query conflicts: %w", err)
	}
	counts, err := c.GetConflictCounts(ctx)
	if err != nil {
		return nil, err
	}
	return &ConflictPage{
		Conflicts: decodeRows(rows),
		Summary:   *counts,
		Limit:     q.Limit,
		Offset:    q.Offset,
	}, nil
}

// ResolveConflict applies a resolution. Unknown ids and already-resolved
// conflicts are refused with structured codes; the first successful
// resolution is permanent.
func (c *DB) ResolveConflict(ctx context.Context, id, resolution string, opts ResolveOptions) (*ResolveResult, error) {
	ctx, span := tracing.StartSpan(ctx, "coorddb.resolve_conflict",
		attribute.String("conflict_id", id))
	defer span.End()

	if !validResolutions[resolution] {
		return nil, fmt.Errorf("invalid resolution: %q", resolution)
	}

	existing, err := c.GetConflict(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return &ResolveResult{Success: false, Error: ErrCodeNotFound}, nil
	}
	if existing.Status != StatusPending {
		return &ResolveResult{
			Success:            false,
			Error:              ErrCodeAlreadyResolved,
			ExistingResolution: existing.Resolution,
		}, nil
	}

	status := StatusResolved
	if opts.AutoResolved {
		status = StatusAutoResolved
	}
	resolvedBy := opts.ResolvedBy
	if resolvedBy == "" {
		resolvedBy = c.cfg.SessionID
	}
	resData, err := encodeJSON(opts.ResolutionData)
	if err != nil {
		return nil, fmt.Errorf("encode resolution data: %w", err)
	}
	resolvedAt := time.Now().UTC()

	// The status guard keeps the first resolution permanent even when two
	// sessions race here.
	res, err := c.db.ExecContext(ctx, c.rebind(
		`UPDATE conflicts SET status = ?, resolution = ?, resolved_at = ?, resolved_by = ?,
			resolution_data = ?, resolution_notes = ?
		 WHERE id = ? AND status = ?`),
		status, resolution, resolvedAt, resolvedBy, resData, opts.Notes, id, StatusPending)
	if err != nil {
		return nil, fmt.Errorf("resolve conflict: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		latest, err := c.GetConflict(ctx, id)
		if err != nil || latest == nil {
			return &ResolveResult{Success: false, Error: ErrCodeNotFound}, err
		}
		return &ResolveResult{
			Success:            false,
			Error:              ErrCodeAlreadyResolved,
			ExistingResolution: latest.Resolution,
		}, nil
	}

	resolved := *existing
	resolved.Status = status
	resolved.Resolution = resolution
	resolved.ResolvedAt = &resolvedAt
	resolved.ResolvedBy = resolvedBy
	resolved.ResolutionData = opts.ResolutionData
	resolved.ResolutionNotes = opts.Notes

	metrics.ConflictsResolved.WithLabelValues(resolution).Inc()
	c.logger.Info("Conflict resolved",
		zap.String("conflict_id", id),
		zap.String("resolution", resolution),
		zap.Bool("auto", opts.AutoResolved),
	)
	c.bus.Emit("conflict:resolved", "coorddb", map[string]interface{}{
		"id": id, "resolution": resolution, "status": status, "resolved_by": resolvedBy,
	})
	return &ResolveResult{Success: true, Conflict: &resolved}, nil
}

// GetConflictCounts returns totals by status.
func (c *DB) GetConflictCounts(ctx context.Context) (*ConflictCounts, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM conflicts GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count conflicts: %w", err)
	}
	defer rows.Close()

	counts := &ConflictCounts{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan conflict counts: %w", err)
		}
		switch status {
		case StatusPending:
			counts.Pending = n
		case StatusResolved:
			counts.Resolved = n
		case StatusAutoResolved:
			counts.AutoResolved = n
		}
		counts.Total += n
	}
	return counts, rows.Err()
}

// PruneOldConflicts deletes resolved conflicts older than age. Pending
// conflicts are never pruned. Emits "conflicts:pruned" when anything went.
func (c *DB) PruneOldConflicts(ctx context.Context, age time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-age)
	res, err := c.db.ExecContext(ctx, c.rebind(
		`DELETE FROM conflicts WHERE status IN (?, ?) AND resolved_at < ?`),
		StatusResolved, StatusAutoResolved, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune conflicts: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		c.logger.Info("Pruned old conflicts", zap.Int64("count", n))
		c.bus.Emit("conflicts:pruned", "coorddb", map[string]interface{}{"count": n})
	}
	return int(n), nil
}
