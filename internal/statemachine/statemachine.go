package statemachine

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/praxis-ai/coordinator/internal/events"
	"github.com/praxis-ai/coordinator/internal/metrics"
)

// State is the lifecycle state of a registered agent.
type State string

const (
	StateIdle         State = "IDLE"
	StateInitializing State = "INITIALIZING"
	StateActive       State = "ACTIVE"
	StateDelegating   State = "DELEGATING"
	StateWaiting      State = "WAITING"
	StateCompleting   State = "COMPLETING"
	StateCompleted    State = "COMPLETED"
	StateFailed       State = "FAILED"
	StateTerminated   State = "TERMINATED"
)

// Transitions is the static legality table. TERMINATED has no exits.
var Transitions = map[State][]State{
	StateIdle:         {StateInitializing, StateTerminated},
	StateInitializing: {StateActive, StateFailed, StateTerminated},
	StateActive:       {StateDelegating, StateWaiting, StateCompleting, StateFailed, StateTerminated},
	StateDelegating:   {StateActive, StateWaiting, StateFailed, StateTerminated},
	StateWaiting:      {StateActive, StateFailed, StateTerminated},
	StateCompleting:   {StateCompleted, StateFailed, StateTerminated},
	StateCompleted:    {StateTerminated},
	StateFailed:       {StateTerminated},
	StateTerminated:   {},
}

func isAllowed(from, to State) bool {
	for _, s := range Transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

var ErrAlreadyRegistered = errors.New("agent already registered")

// InvalidTransitionError rejects a target state not in the table.
type InvalidTransitionError struct {
	FromState          State
	ToState            State
	AllowedTransitions []State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s (allowed: %v)", e.FromState, e.ToState, e.AllowedTransitions)
}

// OptimisticLockError rejects an update whose expected version is stale.
type OptimisticLockError struct {
	AgentID         string
	ExpectedVersion int
	ActualVersion   int
}

func (e *OptimisticLockError) Error() string {
	return fmt.Sprintf("version mismatch for %s: expected %d, actual %d", e.AgentID, e.ExpectedVersion, e.ActualVersion)
}

// HistoryEntry records one committed transition.
type HistoryEntry struct {
	State     State     `json:"state"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason,omitempty"`
}

// Entry is the tracked state of one agent. Version increases by exactly one
// on every committed mutation.
type Entry struct {
	AgentID   string                 `json:"agent_id"`
	State     State                  `json:"state"`
	Version   int                    `json:"version"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	History   []HistoryEntry         `json:"history"`
	ParentID  string                 `json:"parent_id,omitempty"`
	ChildIDs  []string               `json:"child_ids"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
}

func (e *Entry) clone() *Entry {
	c := *e
	c.History = append([]HistoryEntry(nil), e.History...)
	c.ChildIDs = append([]string(nil), e.ChildIDs...)
	if e.Metadata != nil {
		c.Metadata = make(map[string]interface{}, len(e.Metadata))
		for k, v := range e.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// LogEvent is one entry of the bounded event log.
type LogEvent struct {
	Type      string                 `json:"type"`
	AgentID   string                 `json:"agent_id"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// AggregateState summarises an agent family.
type AggregateState struct {
	DescendantCount int           `json:"descendant_count"`
	StateCounts     map[State]int `json:"state_counts"`
	ActiveCount     int           `json:"active_count"`
	HasFailures     bool          `json:"has_failures"`
	IsFullyComplete bool          `json:"is_fully_complete"`
}

// Config tunes the manager.
type Config struct {
	MaxHistorySize  int
	MaxEventLogSize int
	StaleTimeout    time.Duration
}

// Manager tracks agent states with versioned optimistic updates and an
// all-or-nothing family transition.
type Manager struct {
	mu       sync.RWMutex
	entries  map[string]*Entry
	eventLog []LogEvent

	cfg    Config
	logger *zap.Logger
	bus    *events.Bus
}

func NewManager(cfg Config, logger *zap.Logger, bus *events.Bus) *Manager {
	if cfg.MaxHistorySize == 0 {
		cfg.MaxHistorySize = 100
	}
	if cfg.MaxEventLogSize == 0 {
		cfg.MaxEventLogSize = 1000
	}
	if cfg.StaleTimeout == 0 {
		cfg.StaleTimeout = 30 * time.Minute
	}
	return &Manager{
		entries: make(map[string]*Entry),
		cfg:     cfg,
		logger:  logger,
		bus:     bus,
	}
}

// Register inserts an agent at IDLE with version 1.
func (m *Manager) Register(id string, parentID string, metadata map[string]interface{}) (*Entry, error) {
	m.mu.Lock()
	if _, ok := m.entries[id]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRegistered, id)
	}
	now := time.Now().UTC()
	e := &Entry{
		AgentID:   id,
		State:     StateIdle,
		Version:   1,
		Metadata:  metadata,
		History:   []HistoryEntry{{State: StateIdle, Timestamp: now, Reason: "registered"}},
		ParentID:  parentID,
		ChildIDs:  []string{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.entries[id] = e
	if parentID != "" {
		if parent := m.entries[parentID]; parent != nil {
			parent.ChildIDs = append(parent.ChildIDs, id)
		}
	}
	m.logEventLocked("registered", id, map[string]interface{}{"parent_id": parentID})
	cp := e.clone()
	m.mu.Unlock()

	m.bus.Emit("agent:registered", "statemachine", map[string]interface{}{
		"agent_id": id, "parent_id": parentID,
	})
	return cp, nil
}

// GetState returns a copy of the entry, or nil for unknown agents.
func (m *Manager) GetState(id string) *Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if e := m.entries[id]; e != nil {
		return e.clone()
	}
	return nil
}

// UpdateOptions tunes UpdateState.
type UpdateOptions struct {
	ExpectedVersion int // 0 skips the optimistic check
	Metadata        map[string]interface{}
	Reason          string
}

// UpdateState commits one transition. History append, version bump and event
// emission are all present or all absent.
func (m *Manager) UpdateState(id string, target State, opts UpdateOptions) (*Entry, error) {
	m.mu.Lock()
	e := m.entries[id]
	if e == nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("agent not registered: %s", id)
	}
	if !isAllowed(e.State, target) {
		m.mu.Unlock()
		metrics.StateTransitionsRejected.WithLabelValues("invalid_transition").Inc()
		return nil, &InvalidTransitionError{
			FromState:          e.State,
			ToState:            target,
			AllowedTransitions: append([]State(nil), Transitions[e.State]...),
		}
	}
	if opts.ExpectedVersion != 0 && opts.ExpectedVersion != e.Version {
		actual := e.Version
		m.mu.Unlock()
		metrics.StateTransitionsRejected.WithLabelValues("version_mismatch").Inc()
		return nil, &OptimisticLockError{
			AgentID:         id,
			ExpectedVersion: opts.ExpectedVersion,
			ActualVersion:   actual,
		}
	}

	from := e.State
	m.applyLocked(e, target, opts.Metadata, opts.Reason)
	m.logEventLocked("state-change", id, map[string]interface{}{
		"from": from, "to": target, "version": e.Version,
	})
	cp := e.clone()
	m.mu.Unlock()

	metrics.StateTransitions.WithLabelValues(string(target)).Inc()
	m.logger.Debug("State transition",
		zap.String("agent_id", id),
		zap.String("from", string(from)),
		zap.String("to", string(target)),
		zap.Int("version", cp.Version),
	)
	m.bus.Emit("state:changed", "statemachine", map[string]interface{}{
		"agent_id": id, "from": from, "to": target, "version": cp.Version,
	})
	return cp, nil
}

// applyLocked mutates one entry. Caller holds the write lock.
func (m *Manager) applyLocked(e *Entry, target State, metadata map[string]interface{}, reason string) {
	now := time.Now().UTC()
	e.State = target
	e.Version++
	e.UpdatedAt = now
	if metadata != nil {
		if e.Metadata == nil {
			e.Metadata = make(map[string]interface{}, len(metadata))
		}
		for k, v := range metadata {
			e.Metadata[k] = v
		}
	}
	e.History = append(e.History, HistoryEntry{State: target, Timestamp: now, Reason: reason})
	if len(e.History) > m.cfg.MaxHistorySize {
		e.History = e.History[len(e.History)-m.cfg.MaxHistorySize:]
	}
}

// AtomicFamilyTransition moves a parent and all its registered children in
// one step. Every transition is validated against the current states before
// any is applied; a single invalid pair rejects the whole family.
func (m *Manager) AtomicFamilyTransition(parentID string, parentTarget, childTarget State) error {
	m.mu.Lock()
	parent := m.entries[parentID]
	if parent == nil {
		m.mu.Unlock()
		return fmt.Errorf("agent not registered: %s", parentID)
	}

	type planned struct {
		entry  *Entry
		target State
	}
	plan := []planned{{parent, parentTarget}}
	for _, childID := range parent.ChildIDs {
		if child := m.entries[childID]; child != nil {
			plan = append(plan, planned{child, childTarget})
		}
	}
	for _, p := range plan {
		if !isAllowed(p.entry.State, p.target) {
			err := &InvalidTransitionError{
				FromState:          p.entry.State,
				ToState:            p.target,
				AllowedTransitions: append([]State(nil), Transitions[p.entry.State]...),
			}
			m.mu.Unlock()
			metrics.StateTransitionsRejected.WithLabelValues("family_invalid").Inc()
			return fmt.Errorf("family transition rejected for %s: %w", p.entry.AgentID, err)
		}
	}

	moved := make([]string, 0, len(plan))
	for _, p := range plan {
		m.applyLocked(p.entry, p.target, nil, "family-transition")
		moved = append(moved, p.entry.AgentID)
		metrics.StateTransitions.WithLabelValues(string(p.target)).Inc()
	}
	m.logEventLocked("atomic-family-transition", parentID, map[string]interface{}{
		"parent_target": parentTarget, "child_target": childTarget, "moved": moved,
	})
	m.mu.Unlock()

	m.bus.Emit("state:familyChanged", "statemachine", map[string]interface{}{
		"parent_id": parentID, "parent_target": parentTarget,
		"child_target": childTarget, "moved": moved,
	})
	return nil
}

// GetAggregateState summarises an agent and all its descendants. Nil for
// unknown agents.
func (m *Manager) GetAggregateState(id string) *AggregateState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	root := m.entries[id]
	if root == nil {
		return nil
	}
	agg := &AggregateState{StateCounts: make(map[State]int), IsFullyComplete: true}
	var walk func(*Entry, bool)
	walk = func(e *Entry, self bool) {
		if !self {
			agg.DescendantCount++
		}
		agg.StateCounts[e.State]++
		switch e.State {
		case StateActive, StateDelegating, StateWaiting, StateInitializing:
			agg.ActiveCount++
		case StateFailed:
			agg.HasFailures = true
		}
		if e.State != StateCompleted && e.State != StateTerminated {
			agg.IsFullyComplete = false
		}
		for _, childID := range e.ChildIDs {
			if child := m.entries[childID]; child != nil {
				walk(child, false)
			}
		}
	}
	walk(root, true)
	return agg
}

var terminalOrIdle = map[State]bool{
	StateIdle: true, StateCompleted: true, StateFailed: true, StateTerminated: true,
}

// CleanupStale removes settled entries untouched for longer than the stale
// timeout, cascading to their descendants. Returns the removed ids.
func (m *Manager) CleanupStale() []string {
	m.mu.Lock()
	cutoff := time.Now().UTC().Add(-m.cfg.StaleTimeout)

	removed := []string{}
	seen := map[string]bool{}
	var collect func(string)
	collect = func(id string) {
		e := m.entries[id]
		if e == nil || seen[id] {
			return
		}
		seen[id] = true
		removed = append(removed, id)
		for _, childID := range e.ChildIDs {
			collect(childID)
		}
	}
	for id, e := range m.entries {
		if terminalOrIdle[e.State] && e.UpdatedAt.Before(cutoff) {
			collect(id)
		}
	}
	for _, id := range removed {
		if e := m.entries[id]; e != nil && e.ParentID != "" {
			if parent := m.entries[e.ParentID]; parent != nil {
				parent.ChildIDs = removeString(parent.ChildIDs, id)
			}
		}
		delete(m.entries, id)
	}
	m.mu.Unlock()

	if len(removed) > 0 {
		m.logger.Info("Stale agents cleaned", zap.Int("count", len(removed)))
	}
	return removed
}

func (m *Manager) logEventLocked(eventType, agentID string, data map[string]interface{}) {
	m.eventLog = append(m.eventLog, LogEvent{
		Type:      eventType,
		AgentID:   agentID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
	if len(m.eventLog) > m.cfg.MaxEventLogSize {
		m.eventLog = m.eventLog[len(m.eventLog)-m.cfg.MaxEventLogSize:]
	}
}

// GetEventLog returns logged events for one agent, oldest first.
func (m *Manager) GetEventLog(agentID string) []LogEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []LogEvent
	for _, ev := range m.eventLog {
		if ev.AgentID == agentID {
			out = append(out, ev)
		}
	}
	return out
}

// EventFilter narrows GetAllEvents.
type EventFilter struct {
	Since     time.Time
	EventType string
}

// GetAllEvents returns the global event stream, optionally filtered.
func (m *Manager) GetAllEvents(f EventFilter) []LogEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []LogEvent
	for _, ev := range m.eventLog {
		if !f.Since.IsZero() && ev.Timestamp.Before(f.Since) {
			continue
		}
		if f.EventType != "" && ev.Type != f.EventType {
			continue
		}
		out = append(out, ev)
	}
	return out
}

func removeString(s []string, v string) []string {
	out := s[:0]
	for _, x := range s {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}
