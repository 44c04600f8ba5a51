package sessionregistry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/praxis-ai/coordinator/internal/events"
	"github.com/praxis-ai/coordinator/internal/metrics"
)

// Session statuses.
const (
	StatusActive = "active"
	StatusIdle   = "idle"
	StatusEnded  = "ended"
)

// Session types.
const (
	TypeCLI        = "cli"
	TypeAutonomous = "autonomous"
	TypeLoop       = "loop"
)

const maxCompletedDelegations = 50

// OrchestratorInfo describes the orchestrator driving a session.
type OrchestratorInfo struct {
	Version   string    `json:"version,omitempty"`
	StartTime time.Time `json:"start_time,omitempty"`
	Mode      string    `json:"mode,omitempty"`
}

// HierarchyInfo places a session in the session tree.
type HierarchyInfo struct {
	IsRoot          bool  `json:"is_root"`
	ParentSessionID int   `json:"parent_session_id,omitempty"`
	ChildSessionIDs []int `json:"child_session_ids"`
	DelegationDepth int   `json:"delegation_depth"`
}

// RollupMetrics aggregates a session subtree. ChildSessionCount is kept
// eagerly; the rest is computed lazily by GetRollupMetrics.
type RollupMetrics struct {
	TotalTokens       int     `json:"total_tokens"`
	TotalCost         float64 `json:"total_cost"`
	AvgQuality        float64 `json:"avg_quality"`
	TotalAgentCount   int     `json:"total_agent_count"`
	ChildSessionCount int     `json:"child_session_count"`
}

// Delegation mirrors a hierarchy delegation inside a session's lists.
type Delegation struct {
	ID          string                 `json:"id"`
	AgentID     string                 `json:"agent_id,omitempty"`
	TaskID      string                 `json:"task_id,omitempty"`
	Pattern     string                 `json:"pattern,omitempty"`
	Status      string                 `json:"status"`
	CreatedAt   time.Time              `json:"created_at"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	Extra       map[string]interface{} `json:"extra,omitempty"`
}

// Session is one registered agent session.
type Session struct {
	ID                   int               `json:"id"`
	Project              string            `json:"project"`
	Path                 string            `json:"path,omitempty"`
	SessionType          string            `json:"session_type"`
	Autonomous           bool              `json:"autonomous"`
	Status               string            `json:"status"`
	OrchestratorInfo     *OrchestratorInfo `json:"orchestrator_info,omitempty"`
	LogSessionID         string            `json:"log_session_id,omitempty"`
	HierarchyInfo        HierarchyInfo     `json:"hierarchy_info"`
	ActiveDelegations    []Delegation      `json:"active_delegations"`
	CompletedDelegations []Delegation      `json:"completed_delegations"`
	RollupMetrics        RollupMetrics     `json:"rollup_metrics"`

	Tokens          int     `json:"tokens"`
	Cost            float64 `json:"cost"`
	QualityScore    float64 `json:"quality_score"`
	ConfidenceScore float64 `json:"confidence_score"`

	RegisteredAt time.Time `json:"registered_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (s *Session) clone() *Session {
	c := *s
	c.ActiveDelegations = append([]Delegation(nil), s.ActiveDelegations...)
	c.CompletedDelegations = append([]Delegation(nil), s.CompletedDelegations...)
	c.HierarchyInfo.ChildSessionIDs = append([]int(nil), s.HierarchyInfo.ChildSessionIDs...)
	if s.OrchestratorInfo != nil {
		oi := *s.OrchestratorInfo
		c.OrchestratorInfo = &oi
	}
	return &c
}

// RegisterInput carries Register fields.
type RegisterInput struct {
	Project          string
	Path             string
	SessionType      string
	Autonomous       *bool
	OrchestratorInfo *OrchestratorInfo
	LogSessionID     string
	ParentSessionID  int // 0 means root
	Tokens           int
	Cost             float64
	QualityScore     float64
	ConfidenceScore  float64
}

// UpdateChanges carries Update fields; nil pointers leave fields untouched.
type UpdateChanges struct {
	Status          *string
	Tokens          *int
	Cost            *float64
	QualityScore    *float64
	ConfidenceScore *float64
	SessionType     *string
	LogSessionID    *string
}

// Config tunes the registry lifecycle.
type Config struct {
	CleanupInterval time.Duration
	StaleTimeout    time.Duration
}

// Registry tracks agent sessions, their delegations and the session tree.
type Registry struct {
	mu       sync.RWMutex
	sessions map[int]*Session
	nextID   int

	cfg    Config
	logger *zap.Logger
	bus    *events.Bus

	stopOnce sync.Once
	stopCh   chan struct{}
}

func NewRegistry(cfg Config, logger *zap.Logger, bus *events.Bus) *Registry {
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = 5 * time.Minute
	}
	if cfg.StaleTimeout == 0 {
		cfg.StaleTimeout = 30 * time.Minute
	}
	return &Registry{
		sessions: make(map[int]*Session),
		nextID:   1,
		cfg:      cfg,
		logger:   logger,
		bus:      bus,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the background stale-session sweep.
func (r *Registry) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(r.cfg.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopCh:
				return
			case <-ticker.C:
				r.cleanupStale()
			}
		}
	}()
}

// Stop halts the background sweep.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

// Register assigns a dense numeric id and inserts the session. When a parent
// id is given the child is attached to the parent's child list atomically.
func (r *Registry) Register(in RegisterInput) (*Session, error) {
	r.mu.Lock()

	sessionType := in.SessionType
	if sessionType == "" {
		sessionType = TypeCLI
	}
	autonomous := sessionType == TypeAutonomous
	if in.Autonomous != nil {
		autonomous = *in.Autonomous
	}

	hierarchy := HierarchyInfo{IsRoot: true, ChildSessionIDs: []int{}}
	var parent *Session
	if in.ParentSessionID != 0 {
		parent = r.sessions[in.ParentSessionID]
		if parent == nil {
			r.mu.Unlock()
			return nil, fmt.Errorf("parent session not found: %d", in.ParentSessionID)
		}
		hierarchy = HierarchyInfo{
			IsRoot:          false,
			ParentSessionID: in.ParentSessionID,
			ChildSessionIDs: []int{},
			DelegationDepth: parent.HierarchyInfo.DelegationDepth + 1,
		}
	}

	now := time.Now().UTC()
	s := &Session{
		ID:                   r.nextID,
		Project:              in.Project,
		Path:                 in.Path,
		SessionType:          sessionType,
		Autonomous:           autonomous,
		Status:               StatusActive,
		OrchestratorInfo:     in.OrchestratorInfo,
		LogSessionID:         in.LogSessionID,
		HierarchyInfo:        hierarchy,
		ActiveDelegations:    []Delegation{},
		CompletedDelegations: []Delegation{},
		Tokens:               in.Tokens,
		Cost:                 in.Cost,
		QualityScore:         in.QualityScore,
		ConfidenceScore:      in.ConfidenceScore,
		RegisteredAt:         now,
		UpdatedAt:            now,
	}
	r.nextID++
	r.sessions[s.ID] = s
	if parent != nil {
		parent.HierarchyInfo.ChildSessionIDs = append(parent.HierarchyInfo.ChildSessionIDs, s.ID)
		parent.RollupMetrics.ChildSessionCount++
		parent.UpdatedAt = now
	}
	cp := s.clone()
	r.mu.Unlock()

	metrics.SessionsRegistered.Inc()
	metrics.SessionsActive.Inc()
	r.logger.Info("Session registered",
		zap.Int("session_id", cp.ID),
		zap.String("project", cp.Project),
		zap.String("type", cp.SessionType),
	)
	if parent != nil {
		r.bus.Emit("session:childAdded", "sessionregistry", map[string]interface{}{
			"parent_session_id": in.ParentSessionID, "child_session_id": cp.ID,
		})
	}
	r.bus.Emit("session:registered", "sessionregistry", map[string]interface{}{
		"session_id": cp.ID, "project": cp.Project, "session_type": cp.SessionType,
	})
	return cp, nil
}

// Get returns a copy of one session, or nil.
func (r *Registry) Get(id int) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s := r.sessions[id]; s != nil {
		return s.clone()
	}
	return nil
}

// Update shallow-merges changes into a session. Hierarchy fields, session
// type and log session id survive unless explicitly overwritten.
func (r *Registry) Update(id int, changes UpdateChanges) (*Session, error) {
	r.mu.Lock()
	s := r.sessions[id]
	if s == nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("session not found: %d", id)
	}
	if changes.Status != nil {
		s.Status = *changes.Status
	}
	if changes.Tokens != nil {
		s.Tokens = *changes.Tokens
	}
	if changes.Cost != nil {
		s.Cost = *changes.Cost
	}
	if changes.QualityScore != nil {
		s.QualityScore = *changes.QualityScore
	}
	if changes.ConfidenceScore != nil {
		s.ConfidenceScore = *changes.ConfidenceScore
	}
	if changes.SessionType != nil {
		s.SessionType = *changes.SessionType
	}
	if changes.LogSessionID != nil {
		s.LogSessionID = *changes.LogSessionID
	}
	s.UpdatedAt = time.Now().UTC()
	cp := s.clone()
	r.mu.Unlock()

	r.bus.Emit("session:updated", "sessionregistry", map[string]interface{}{
		"session_id": id, "session": cp,
	})
	return cp, nil
}

// Deregister marks a session ended. The record is retained for rollups until
// the stale sweep collects it.
func (r *Registry) Deregister(id int) (*Session, error) {
	r.mu.Lock()
	s := r.sessions[id]
	if s == nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("session not found: %d", id)
	}
	s.Status = StatusEnded
	s.UpdatedAt = time.Now().UTC()
	cp := s.clone()
	r.mu.Unlock()

	metrics.SessionsActive.Dec()
	r.bus.Emit("session:deregistered", "sessionregistry", map[string]interface{}{
		"session_id": id, "session": cp,
	})
	return cp, nil
}

// AddDelegation creates a pending delegation on a session.
func (r *Registry) AddDelegation(id int, d Delegation) (*Delegation, error) {
	r.mu.Lock()
	s := r.sessions[id]
	if s == nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("session not found: %d", id)
	}
	d.ID = uuid.New().String()
	d.Status = "pending"
	d.CreatedAt = time.Now().UTC()
	d.CompletedAt = nil
	s.ActiveDelegations = append(s.ActiveDelegations, d)
	s.UpdatedAt = d.CreatedAt
	cp := d
	r.mu.Unlock()

	r.bus.Emit("delegation:added", "sessionregistry", map[string]interface{}{
		"session_id": id, "delegation_id": cp.ID,
	})
	return &cp, nil
}

// UpdateDelegation moves a delegation through its lifecycle. Terminal
// statuses move it from the active list to the bounded completed list in one
// step; the completed list keeps only the most recent 50.
func (r *Registry) UpdateDelegation(sessionID int, delegationID, status string, extra map[string]interface{}) (*Delegation, error) {
	r.mu.Lock()
	s := r.sessions[sessionID]
	if s == nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("session not found: %d", sessionID)
	}
	idx := -1
	for i := range s.ActiveDelegations {
		if s.ActiveDelegations[i].ID == delegationID {
			idx = i
			break
		}
	}
	if idx == -1 {
		r.mu.Unlock()
		return nil, fmt.Errorf("delegation not found: %s", delegationID)
	}
	d := &s.ActiveDelegations[idx]
	oldStatus := d.Status
	d.Status = status
	if extra != nil {
		if d.Extra == nil {
			d.Extra = make(map[string]interface{}, len(extra))
		}
		for k, v := range extra {
			d.Extra[k] = v
		}
	}
	if status == "completed" || status == "failed" {
		now := time.Now().UTC()
		d.CompletedAt = &now
		done := *d
		s.ActiveDelegations = append(s.ActiveDelegations[:idx], s.ActiveDelegations[idx+1:]...)
		s.CompletedDelegations = append(s.CompletedDelegations, done)
		if len(s.CompletedDelegations) > maxCompletedDelegations {
			s.CompletedDelegations = s.CompletedDelegations[len(s.CompletedDelegations)-maxCompletedDelegations:]
		}
		d = &done
	}
	s.UpdatedAt = time.Now().UTC()
	cp := *d
	r.mu.Unlock()

	r.bus.Emit("delegation:updated", "sessionregistry", map[string]interface{}{
		"session_id": sessionID, "delegation_id": delegationID,
		"old_status": oldStatus, "status": status,
	})
	return &cp, nil
}

// GetCompletedDelegations returns the most recent completions first.
func (r *Registry) GetCompletedDelegations(id int, limit int) []Delegation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := r.sessions[id]
	if s == nil {
		return nil
	}
	n := len(s.CompletedDelegations)
	out := make([]Delegation, 0, n)
	for i := n - 1; i >= 0; i-- {
		out = append(out, s.CompletedDelegations[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// AllDelegations groups a session's delegation lists.
type AllDelegations struct {
	Active    []Delegation `json:"active"`
	Completed []Delegation `json:"completed"`
}

func (r *Registry) GetAllDelegations(id int) *AllDelegations {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := r.sessions[id]
	if s == nil {
		return nil
	}
	return &AllDelegations{
		Active:    append([]Delegation(nil), s.ActiveDelegations...),
		Completed: append([]Delegation(nil), s.CompletedDelegations...),
	}
}

// GetRollupMetrics recomputes the subtree aggregate lazily: totals over the
// session and every descendant, average quality over non-zero scores, agent
// count is one plus the descendant count.
func (r *Registry) GetRollupMetrics(id int) *RollupMetrics {
	r.mu.RLock()
	defer r.mu.RUnlock()

	root := r.sessions[id]
	if root == nil {
		return nil
	}
	roll := &RollupMetrics{ChildSessionCount: root.RollupMetrics.ChildSessionCount}
	qualitySum, qualityCount := 0.0, 0
	included := 0
	var walk func(*Session)
	walk = func(s *Session) {
		included++
		roll.TotalTokens += s.Tokens
		roll.TotalCost += s.Cost
		if s.QualityScore != 0 {
			qualitySum += s.QualityScore
			qualityCount++
		}
		for _, childID := range s.HierarchyInfo.ChildSessionIDs {
			if child := r.sessions[childID]; child != nil {
				walk(child)
			}
		}
	}
	walk(root)
	if qualityCount > 0 {
		roll.AvgQuality = qualitySum / float64(qualityCount)
	}
	roll.TotalAgentCount = included
	return roll
}

// PropagateMetricUpdate notifies every ancestor that a descendant's metric
// changed. Rollups stay lazy; this only emits.
func (r *Registry) PropagateMetricUpdate(sourceID int, metricType string, value float64) {
	r.mu.RLock()
	var chain []int
	s := r.sessions[sourceID]
	for s != nil && s.HierarchyInfo.ParentSessionID != 0 {
		parentID := s.HierarchyInfo.ParentSessionID
		chain = append(chain, parentID)
		s = r.sessions[parentID]
	}
	r.mu.RUnlock()

	for _, id := range chain {
		r.bus.Emit("session:rollupUpdated", "sessionregistry", map[string]interface{}{
			"session_id": id, "source_session_id": sourceID,
			"metric_type": metricType, "value": value,
		})
	}
}

// GetRootSessions returns sessions with no parent, ordered by id.
func (r *Registry) GetRootSessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Session
	for _, s := range r.sessions {
		if s.HierarchyInfo.IsRoot {
			out = append(out, s.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetParentSession returns the parent, or nil for roots and unknown ids.
func (r *Registry) GetParentSession(id int) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := r.sessions[id]
	if s == nil || s.HierarchyInfo.ParentSessionID == 0 {
		return nil
	}
	if parent := r.sessions[s.HierarchyInfo.ParentSessionID]; parent != nil {
		return parent.clone()
	}
	return nil
}

// GetChildSessions returns the direct children in registration order.
func (r *Registry) GetChildSessions(id int) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := r.sessions[id]
	if s == nil {
		return nil
	}
	out := make([]*Session, 0, len(s.HierarchyInfo.ChildSessionIDs))
	for _, childID := range s.HierarchyInfo.ChildSessionIDs {
		if child := r.sessions[childID]; child != nil {
			out = append(out, child.clone())
		}
	}
	return out
}

// GetDescendants returns all descendant sessions depth-first.
func (r *Registry) GetDescendants(id int) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Session
	var walk func(int)
	walk = func(cur int) {
		s := r.sessions[cur]
		if s == nil {
			return
		}
		for _, childID := range s.HierarchyInfo.ChildSessionIDs {
			if child := r.sessions[childID]; child != nil {
				out = append(out, child.clone())
				walk(childID)
			}
		}
	}
	walk(id)
	return out
}

// SessionTree is a session with its children resolved.
type SessionTree struct {
	Session
	Children []*SessionTree `json:"children"`
}

// GetHierarchy returns the session subtree rooted at id.
func (r *Registry) GetHierarchy(id int) *SessionTree {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.buildTree(id)
}

func (r *Registry) buildTree(id int) *SessionTree {
	s := r.sessions[id]
	if s == nil {
		return nil
	}
	t := &SessionTree{Session: *s.clone(), Children: []*SessionTree{}}
	for _, childID := range s.HierarchyInfo.ChildSessionIDs {
		if child := r.buildTree(childID); child != nil {
			t.Children = append(t.Children, child)
		}
	}
	return t
}

// SessionWithHierarchy decorates a session with its neighbours and rollup.
type SessionWithHierarchy struct {
	Session  *Session       `json:"session"`
	Parent   *Session       `json:"parent,omitempty"`
	Children []*Session     `json:"children"`
	Rollup   *RollupMetrics `json:"rollup"`
}

func (r *Registry) GetSessionWithHierarchy(id int) *SessionWithHierarchy {
	s := r.Get(id)
	if s == nil {
		return nil
	}
	return &SessionWithHierarchy{
		Session:  s,
		Parent:   r.GetParentSession(id),
		Children: r.GetChildSessions(id),
		Rollup:   r.GetRollupMetrics(id),
	}
}

// Summary counts sessions by status and type.
type Summary struct {
	Total    int            `json:"total"`
	ByStatus map[string]int `json:"by_status"`
	ByType   map[string]int `json:"by_type"`
}

func (r *Registry) GetSummary() *Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sum := &Summary{ByStatus: make(map[string]int), ByType: make(map[string]int)}
	for _, s := range r.sessions {
		sum.Total++
		sum.ByStatus[s.Status]++
		sum.ByType[s.SessionType]++
	}
	return sum
}

// RootSummary is one entry of the hierarchy summary.
type RootSummary struct {
	ID         int    `json:"id"`
	Project    string `json:"project"`
	ChildCount int    `json:"child_count"`
	Status     string `json:"status"`
}

// HierarchySummary decorates the plain summary with tree shape.
type HierarchySummary struct {
	Summary          *Summary `json:"summary"`
	HierarchyMetrics struct {
		RootSessionCount     int `json:"root_session_count"`
		SessionsWithChildren int `json:"sessions_with_children"`
	} `json:"hierarchy_metrics"`
	RootSessions []RootSummary `json:"root_sessions"`
}

func (r *Registry) GetSummaryWithHierarchy() *HierarchySummary {
	sum := r.GetSummary()

	r.mu.RLock()
	defer r.mu.RUnlock()
	hs := &HierarchySummary{Summary: sum, RootSessions: []RootSummary{}}
	for _, s := range r.sessions {
		if len(s.HierarchyInfo.ChildSessionIDs) > 0 {
			hs.HierarchyMetrics.SessionsWithChildren++
		}
		if s.HierarchyInfo.IsRoot {
			hs.HierarchyMetrics.RootSessionCount++
			hs.RootSessions = append(hs.RootSessions, RootSummary{
				ID:         s.ID,
				Project:    s.Project,
				ChildCount: len(s.HierarchyInfo.ChildSessionIDs),
				Status:     s.Status,
			})
		}
	}
	sort.Slice(hs.RootSessions, func(i, j int) bool { return hs.RootSessions[i].ID < hs.RootSessions[j].ID })
	return hs
}

// cleanupStale removes ended sessions quiet for longer than the stale
// timeout.
func (r *Registry) cleanupStale() {
	r.mu.Lock()
	cutoff := time.Now().UTC().Add(-r.cfg.StaleTimeout)
	var removed []int
	for id, s := range r.sessions {
		if s.Status == StatusEnded && s.UpdatedAt.Before(cutoff) {
			removed = append(removed, id)
		}
	}
	for _, id := range removed {
		s := r.sessions[id]
		if s.HierarchyInfo.ParentSessionID != 0 {
			if parent := r.sessions[s.HierarchyInfo.ParentSessionID]; parent != nil {
				parent.HierarchyInfo.ChildSessionIDs = removeInt(parent.HierarchyInfo.ChildSessionIDs, id)
			}
		}
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	if len(removed) > 0 {
		metrics.SessionsCleaned.Add(float64(len(removed)))
		r.logger.Info("Stale sessions cleaned", zap.Int("count", len(removed)))
	}
}

func removeInt(s []int, v int) []int {
	out := s[:0]
	for _, x := range s {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}
