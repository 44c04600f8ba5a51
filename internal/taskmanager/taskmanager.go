package taskmanager

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/praxis-ai/coordinator/internal/events"
	"github.com/praxis-ai/coordinator/internal/metrics"
)

// Task statuses.
const (
	StatusReady      = "ready"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusBlocked    = "blocked"
)

// Decomposition strategies.
const (
	StrategyManual     = "manual"
	StrategyParallel   = "parallel"
	StrategySequential = "sequential"
	StrategyHybrid     = "hybrid"
)

// Aggregation rules.
const (
	AggregateAverage  = "average"
	AggregateAll      = "all"
	AggregateAny      = "any"
	AggregateWeighted = "weighted"
)

var ErrParentNotFound = errors.New("Parent task not found")

// DelegatedTo records which agent a task was handed to.
type DelegatedTo struct {
	AgentID     string    `json:"agentId"`
	SessionID   string    `json:"sessionId"`
	DelegatedAt time.Time `json:"delegatedAt"`
}

// Decomposition tracks how a parent task was split.
type Decomposition struct {
	Strategy          string `json:"strategy"`
	EstimatedSubtasks *int   `json:"estimatedSubtasks"`
	CompletedSubtasks int    `json:"completedSubtasks"`
	AggregationRule   string `json:"aggregationRule"`
}

// Task is the durable unit of work. The JSON layout is the interop surface
// shared with other tools reading the task file.
type Task struct {
	ID                 string                 `json:"id"`
	Title              string                 `json:"title"`
	Description        string                 `json:"description,omitempty"`
	Phase              string                 `json:"phase,omitempty"`
	Tier               string                 `json:"tier,omitempty"`
	Status             string                 `json:"status"`
	Priority           string                 `json:"priority,omitempty"`
	Estimate           string                 `json:"estimate,omitempty"`
	Tags               []string               `json:"tags,omitempty"`
	AcceptanceCriteria []string               `json:"acceptanceCriteria,omitempty"`
	Requires           []string               `json:"requires,omitempty"`
	Blocks             []string               `json:"blocks,omitempty"`
	ParentTaskID       string                 `json:"parentTaskId,omitempty"`
	ChildTaskIDs       []string               `json:"childTaskIds"`
	DelegationDepth    int                    `json:"delegationDepth"`
	DelegatedTo        *DelegatedTo           `json:"delegatedTo"`
	Decomposition      *Decomposition         `json:"decomposition"`
	Progress           *float64               `json:"progress,omitempty"`
	Metadata           map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt          time.Time              `json:"createdAt"`
	UpdatedAt          time.Time              `json:"updatedAt"`
}

func (t *Task) clone() *Task {
	c := *t
	c.Tags = append([]string(nil), t.Tags...)
	c.AcceptanceCriteria = append([]string(nil), t.AcceptanceCriteria...)
	c.Requires = append([]string(nil), t.Requires...)
	c.Blocks = append([]string(nil), t.Blocks...)
	c.ChildTaskIDs = append([]string(nil), t.ChildTaskIDs...)
	if t.DelegatedTo != nil {
		d := *t.DelegatedTo
		c.DelegatedTo = &d
	}
	if t.Decomposition != nil {
		d := *t.Decomposition
		c.Decomposition = &d
	}
	if t.Progress != nil {
		p := *t.Progress
		c.Progress = &p
	}
	if t.Metadata != nil {
		c.Metadata = make(map[string]interface{}, len(t.Metadata))
		for k, v := range t.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// TaskTree is a task with its children resolved recursively.
type TaskTree struct {
	Task
	Children []*TaskTree `json:"children"`
}

// Issue is one hierarchy integrity violation.
type Issue struct {
	Type     string `json:"type"` // orphan, missing-child-ref, missing-child, depth-mismatch, wrong-parent-ref
	TaskID   string `json:"taskId"`
	ChildID  string `json:"childId,omitempty"`
	Expected int    `json:"expected,omitempty"`
	Actual   int    `json:"actual,omitempty"`
}

// ValidationResult reports hierarchy integrity.
type ValidationResult struct {
	Valid      bool    `json:"valid"`
	IssueCount int     `json:"issueCount"`
	Issues     []Issue `json:"issues"`
}

// HierarchyStats summarises the task forest.
type HierarchyStats struct {
	RootTasks            int     `json:"rootTasks"`
	ParentTasks          int     `json:"parentTasks"`
	ChildTasks           int     `json:"childTasks"`
	MaxDepth             int     `json:"maxDepth"`
	AvgChildrenPerParent float64 `json:"avgChildrenPerParent"`
}

// Manager owns the task hierarchy and its single-file JSON store. Writes go
// through a temp file plus rename, so a crashed writer leaves either the old
// file or the new one.
type Manager struct {
	mu    sync.RWMutex
	tasks map[string]*Task

	filePath string
	logger   *zap.Logger
	bus      *events.Bus
}

// NewManager loads the task file when it exists, else starts empty.
func NewManager(filePath string, logger *zap.Logger, bus *events.Bus) (*Manager, error) {
	m := &Manager{
		tasks:    make(map[string]*Task),
		filePath: filePath,
		logger:   logger,
		bus:      bus,
	}
	if filePath != "" {
		data, err := os.ReadFile(filePath)
		if err == nil {
			if err := json.Unmarshal(data, &m.tasks); err != nil {
				return nil, fmt.Errorf("parse task file %s: %w", filePath, err)
			}
			logger.Info("Task store loaded",
				zap.String("path", filePath),
				zap.Int("tasks", len(m.tasks)),
			)
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read task file %s: %w", filePath, err)
		}
	}
	return m, nil
}

// CreateTask inserts a root task.
func (m *Manager) CreateTask(props Task) (*Task, error) {
	m.mu.Lock()
	t := m.newTaskLocked(props)
	t.ParentTaskID = ""
	t.DelegationDepth = 0
	m.tasks[t.ID] = t
	err := m.persistLocked()
	cp := t.clone()
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}

	metrics.TasksCreated.Inc()
	m.bus.Emit("task:created", "taskmanager", map[string]interface{}{"task_id": cp.ID})
	return cp, nil
}

func (m *Manager) newTaskLocked(props Task) *Task {
	now := time.Now().UTC()
	t := props.clone()
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.Status == "" {
		t.Status = StatusReady
	}
	t.ChildTaskIDs = []string{}
	t.DelegatedTo = nil
	t.Decomposition = nil
	t.Progress = nil
	t.CreatedAt = now
	t.UpdatedAt = now
	return t
}

// CreateSubtask inserts a child under parentID, inheriting phase, priority,
// tags and tier unless overridden. The parent's decomposition is initialised
// on the first subtask.
func (m *Manager) CreateSubtask(parentID string, overrides Task) (*Task, error) {
	m.mu.Lock()
	parent := m.tasks[parentID]
	if parent == nil {
		m.mu.Unlock()
		return nil, ErrParentNotFound
	}

	t := m.newTaskLocked(overrides)
	if t.Phase == "" {
		t.Phase = parent.Phase
	}
	if t.Priority == "" {
		t.Priority = parent.Priority
	}
	if t.Tier == "" {
		t.Tier = parent.Tier
	}
	if len(t.Tags) == 0 {
		t.Tags = append([]string(nil), parent.Tags...)
	}
	t.ParentTaskID = parent.ID
	t.DelegationDepth = parent.DelegationDepth + 1
	m.tasks[t.ID] = t

	parent.ChildTaskIDs = append(parent.ChildTaskIDs, t.ID)
	if parent.Decomposition == nil {
		parent.Decomposition = &Decomposition{
			Strategy:          StrategyManual,
			EstimatedSubtasks: nil,
			CompletedSubtasks: 0,
			AggregationRule:   AggregateAverage,
		}
	}
	parent.UpdatedAt = t.CreatedAt

	err := m.persistLocked()
	parentCp, cp := parent.clone(), t.clone()
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}

	metrics.TasksCreated.Inc()
	m.bus.Emit("task:subtask-created", "taskmanager", map[string]interface{}{
		"parent": parentCp, "subtask": cp,
	})
	return cp, nil
}

// UpdateStatus sets a task's status. Completions recompute ancestor progress
// per each parent's aggregation rule, cascading upward.
func (m *Manager) UpdateStatus(id, status string) (*Task, error) {
	m.mu.Lock()
	t := m.tasks[id]
	if t == nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("task not found: %s", id)
	}
	t.Status = status
	t.UpdatedAt = time.Now().UTC()

	var progressEvents []map[string]interface{}
	for parentID := t.ParentTaskID; parentID != ""; {
		parent := m.tasks[parentID]
		if parent == nil {
			break
		}
		completed := m.recomputeAggregationLocked(parent)
		progressEvents = append(progressEvents, map[string]interface{}{
			"parent": parent.clone(), "progress": derefProgress(parent.Progress), "completedCount": completed,
		})
		parentID = parent.ParentTaskID
	}

	err := m.persistLocked()
	cp := t.clone()
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}

	m.bus.Emit("task:status-changed", "taskmanager", map[string]interface{}{
		"task_id": id, "status": status,
	})
	for _, ev := range progressEvents {
		m.bus.Emit("task:hierarchy-progress", "taskmanager", ev)
	}
	return cp, nil
}

func derefProgress(p *float64) interface{} {
	if p == nil {
		return nil
	}
	return *p
}

// recomputeAggregationLocked re-derives a parent's completedSubtasks and
// progress from its children. Caller holds the lock. Returns the completed
// child count.
func (m *Manager) recomputeAggregationLocked(parent *Task) int {
	childCount := len(parent.ChildTaskIDs)
	if childCount == 0 {
		return 0
	}
	completed := 0
	for _, childID := range parent.ChildTaskIDs {
		if child := m.tasks[childID]; child != nil && child.Status == StatusCompleted {
			completed++
		}
	}
	if parent.Decomposition == nil {
		parent.Decomposition = &Decomposition{Strategy: StrategyManual, AggregationRule: AggregateAverage}
	}
	parent.Decomposition.CompletedSubtasks = completed

	switch parent.Decomposition.AggregationRule {
	case AggregateAll:
		p := math.Round(float64(completed) * 100 / float64(childCount))
		parent.Progress = &p
	case AggregateAny:
		// Progress stays unset until the first child completes, then jumps
		// to 100 and stays there.
		if completed > 0 {
			p := 100.0
			parent.Progress = &p
		}
	case AggregateWeighted:
		totalWeight, doneWeight := 0.0, 0.0
		for _, childID := range parent.ChildTaskIDs {
			child := m.tasks[childID]
			if child == nil {
				continue
			}
			weight := 1.0
			if child.Metadata != nil {
				if w, ok := child.Metadata["weight"].(float64); ok && w > 0 {
					weight = w
				}
			}
			totalWeight += weight
			if child.Status == StatusCompleted {
				doneWeight += weight
			}
		}
		if totalWeight > 0 {
			p := math.Round(doneWeight * 100 / totalWeight)
			parent.Progress = &p
		}
	default: // average
		p := math.Round(float64(completed) * 100 / float64(childCount))
		parent.Progress = &p
	}
	parent.UpdatedAt = time.Now().UTC()
	return completed
}

// GetTask returns a copy, or nil.
func (m *Manager) GetTask(id string) *Task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if t := m.tasks[id]; t != nil {
		return t.clone()
	}
	return nil
}

// SetDecomposition shallow-merges decomposition fields. Nil for unknown ids.
func (m *Manager) SetDecomposition(id string, partial Decomposition) (*Task, error) {
	m.mu.Lock()
	t := m.tasks[id]
	if t == nil {
		m.mu.Unlock()
		return nil, nil
	}
	if t.Decomposition == nil {
		t.Decomposition = &Decomposition{Strategy: StrategyManual, AggregationRule: AggregateAverage}
	}
	if partial.Strategy != "" {
		t.Decomposition.Strategy = partial.Strategy
	}
	if partial.AggregationRule != "" {
		t.Decomposition.AggregationRule = partial.AggregationRule
	}
	if partial.EstimatedSubtasks != nil {
		t.Decomposition.EstimatedSubtasks = partial.EstimatedSubtasks
	}
	t.UpdatedAt = time.Now().UTC()
	err := m.persistLocked()
	cp := t.clone()
	m.mu.Unlock()
	return cp, err
}

// DelegateToAgent records a delegation handoff. Nil for unknown ids.
func (m *Manager) DelegateToAgent(id, agentID, sessionID string) (*Task, error) {
	m.mu.Lock()
	t := m.tasks[id]
	if t == nil {
		m.mu.Unlock()
		return nil, nil
	}
	t.DelegatedTo = &DelegatedTo{AgentID: agentID, SessionID: sessionID, DelegatedAt: time.Now().UTC()}
	t.UpdatedAt = t.DelegatedTo.DelegatedAt
	err := m.persistLocked()
	cp := t.clone()
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}

	m.bus.Emit("task:delegated", "taskmanager", map[string]interface{}{
		"task_id": id, "agent_id": agentID, "session_id": sessionID,
	})
	return cp, nil
}

// GetTaskHierarchy returns the subtree rooted at id.
func (m *Manager) GetTaskHierarchy(id string) *TaskTree {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.buildTreeLocked(id)
}

func (m *Manager) buildTreeLocked(id string) *TaskTree {
	t := m.tasks[id]
	if t == nil {
		return nil
	}
	tree := &TaskTree{Task: *t.clone(), Children: []*TaskTree{}}
	for _, childID := range t.ChildTaskIDs {
		if child := m.buildTreeLocked(childID); child != nil {
			tree.Children = append(tree.Children, child)
		}
	}
	return tree
}

// GetRootTask walks parent pointers to the root.
func (m *Manager) GetRootTask(id string) *Task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t := m.tasks[id]
	for t != nil && t.ParentTaskID != "" {
		parent := m.tasks[t.ParentTaskID]
		if parent == nil {
			break
		}
		t = parent
	}
	if t == nil {
		return nil
	}
	return t.clone()
}

// GetHierarchyAncestors returns ancestors in leaf-to-root order.
func (m *Manager) GetHierarchyAncestors(id string) []*Task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Task
	t := m.tasks[id]
	for t != nil && t.ParentTaskID != "" {
		t = m.tasks[t.ParentTaskID]
		if t == nil {
			break
		}
		out = append(out, t.clone())
	}
	return out
}

// GetHierarchyDescendants returns the flattened subtree below id.
func (m *Manager) GetHierarchyDescendants(id string) []*Task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Task
	var walk func(string)
	walk = func(cur string) {
		t := m.tasks[cur]
		if t == nil {
			return
		}
		for _, childID := range t.ChildTaskIDs {
			if child := m.tasks[childID]; child != nil {
				out = append(out, child.clone())
				walk(childID)
			}
		}
	}
	walk(id)
	return out
}

// GetSiblings returns the other children of id's parent.
func (m *Manager) GetSiblings(id string) []*Task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t := m.tasks[id]
	if t == nil || t.ParentTaskID == "" {
		return nil
	}
	parent := m.tasks[t.ParentTaskID]
	if parent == nil {
		return nil
	}
	var out []*Task
	for _, childID := range parent.ChildTaskIDs {
		if childID == id {
			continue
		}
		if child := m.tasks[childID]; child != nil {
			out = append(out, child.clone())
		}
	}
	return out
}

// CompleteTaskWithCascade completes a task; with cascade, every descendant
// is completed first so ancestor aggregations settle at 100.
func (m *Manager) CompleteTaskWithCascade(id string, cascade bool) (*Task, error) {
	m.mu.Lock()
	t := m.tasks[id]
	if t == nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("task not found: %s", id)
	}
	if cascade {
		var walk func(string)
		walk = func(cur string) {
			task := m.tasks[cur]
			if task == nil {
				return
			}
			for _, childID := range task.ChildTaskIDs {
				walk(childID)
			}
			task.Status = StatusCompleted
			task.UpdatedAt = time.Now().UTC()
			m.recomputeAggregationLocked(task)
		}
		walk(id)
	} else {
		t.Status = StatusCompleted
		t.UpdatedAt = time.Now().UTC()
	}
	for parentID := t.ParentTaskID; parentID != ""; {
		parent := m.tasks[parentID]
		if parent == nil {
			break
		}
		m.recomputeAggregationLocked(parent)
		parentID = parent.ParentTaskID
	}
	err := m.persistLocked()
	cp := t.clone()
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}

	m.bus.Emit("task:completed", "taskmanager", map[string]interface{}{
		"task_id": id, "cascade": cascade,
	})
	return cp, nil
}

// DeleteTaskWithDescendants removes the subtree deepest-first. Returns the
// count of deleted tasks, 0 for unknown ids.
func (m *Manager) DeleteTaskWithDescendants(id string) (int, error) {
	m.mu.Lock()
	t := m.tasks[id]
	if t == nil {
		m.mu.Unlock()
		return 0, nil
	}

	var doomed []string
	var walk func(string)
	walk = func(cur string) {
		task := m.tasks[cur]
		if task == nil {
			return
		}
		for _, childID := range task.ChildTaskIDs {
			walk(childID)
		}
		doomed = append(doomed, cur)
	}
	walk(id)
	for _, did := range doomed {
		delete(m.tasks, did)
	}
	if t.ParentTaskID != "" {
		if parent := m.tasks[t.ParentTaskID]; parent != nil {
			parent.ChildTaskIDs = removeString(parent.ChildTaskIDs, id)
			m.recomputeAggregationLocked(parent)
		}
	}
	err := m.persistLocked()
	m.mu.Unlock()
	if err != nil {
		return 0, err
	}

	m.bus.Emit("task:deleted", "taskmanager", map[string]interface{}{
		"task_id": id, "deleted": len(doomed),
	})
	return len(doomed), nil
}

// ValidateHierarchy scans the forest for integrity violations.
func (m *Manager) ValidateHierarchy() *ValidationResult {
	m.mu.RLock()
	defer m.mu.RUnlock()

	issues := []Issue{}
	for id, t := range m.tasks {
		if t.ParentTaskID != "" {
			parent := m.tasks[t.ParentTaskID]
			if parent == nil {
				issues = append(issues, Issue{Type: "orphan", TaskID: id})
			} else {
				if !containsString(parent.ChildTaskIDs, id) {
					issues = append(issues, Issue{Type: "missing-child-ref", TaskID: t.ParentTaskID, ChildID: id})
				}
				if expected := parent.DelegationDepth + 1; t.DelegationDepth != expected {
					issues = append(issues, Issue{
						Type: "depth-mismatch", TaskID: id,
						Expected: expected, Actual: t.DelegationDepth,
					})
				}
			}
		}
		for _, childID := range t.ChildTaskIDs {
			child := m.tasks[childID]
			if child == nil {
				issues = append(issues, Issue{Type: "missing-child", TaskID: id, ChildID: childID})
			} else if child.ParentTaskID != id {
				issues = append(issues, Issue{Type: "wrong-parent-ref", TaskID: childID})
			}
		}
	}
	return &ValidationResult{Valid: len(issues) == 0, IssueCount: len(issues), Issues: issues}
}

// RepairHierarchy fixes every detected issue and persists. Orphans are
// detached to roots; child lists are synced to actual children; depths and
// parent refs are corrected.
func (m *Manager) RepairHierarchy() (int, error) {
	validation := m.ValidateHierarchy()
	if validation.Valid {
		return 0, nil
	}

	m.mu.Lock()
	repairs := 0
	for _, issue := range validation.Issues {
		switch issue.Type {
		case "orphan":
			if t := m.tasks[issue.TaskID]; t != nil {
				t.ParentTaskID = ""
				t.DelegationDepth = 0
				repairs++
			}
		case "missing-child-ref":
			if parent := m.tasks[issue.TaskID]; parent != nil {
				parent.ChildTaskIDs = append(parent.ChildTaskIDs, issue.ChildID)
				repairs++
			}
		case "missing-child":
			if parent := m.tasks[issue.TaskID]; parent != nil {
				parent.ChildTaskIDs = removeString(parent.ChildTaskIDs, issue.ChildID)
				repairs++
			}
		case "depth-mismatch":
			if t := m.tasks[issue.TaskID]; t != nil {
				t.DelegationDepth = issue.Expected
				repairs++
			}
		case "wrong-parent-ref":
			if child := m.tasks[issue.TaskID]; child != nil {
				for id, candidate := range m.tasks {
					if containsString(candidate.ChildTaskIDs, issue.TaskID) {
						child.ParentTaskID = id
						child.DelegationDepth = candidate.DelegationDepth + 1
						break
					}
				}
				repairs++
			}
		}
		metrics.TaskHierarchyRepairs.WithLabelValues(issue.Type).Inc()
	}
	err := m.persistLocked()
	m.mu.Unlock()
	if err != nil {
		return repairs, err
	}

	m.logger.Info("Task hierarchy repaired", zap.Int("repairs", repairs))
	m.bus.Emit("task:hierarchy-repaired", "taskmanager", map[string]interface{}{
		"repairs_performed": repairs,
	})
	return repairs, nil
}

// GetHierarchyStats summarises the forest shape.
func (m *Manager) GetHierarchyStats() *HierarchyStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := &HierarchyStats{}
	parentChildren := 0
	for _, t := range m.tasks {
		if t.ParentTaskID == "" {
			stats.RootTasks++
		} else {
			stats.ChildTasks++
		}
		if len(t.ChildTaskIDs) > 0 {
			stats.ParentTasks++
			parentChildren += len(t.ChildTaskIDs)
		}
		if t.DelegationDepth > stats.MaxDepth {
			stats.MaxDepth = t.DelegationDepth
		}
	}
	if stats.ParentTasks > 0 {
		stats.AvgChildrenPerParent = float64(parentChildren) / float64(stats.ParentTasks)
	}
	return stats
}

// ListTasks returns all tasks sorted by creation time.
func (m *Manager) ListTasks() []*Task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// persistLocked writes the whole store through a temp file plus rename.
// Caller holds the lock.
func (m *Manager) persistLocked() error {
	if m.filePath == "" {
		return nil
	}
	data, err := json.MarshalIndent(m.tasks, "", "  ")
	if err != nil {
		return fmt.Errorf("encode task store: %w", err)
	}
	dir := filepath.Dir(m.filePath)
	tmp, err := os.CreateTemp(dir, ".tasks-*.json")
	if err != nil {
		return fmt.Errorf("create temp task file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write temp task file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close temp task file: %w", err)
	}
	if err := os.Rename(tmp.Name(), m.filePath); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace task file: %w", err)
	}
	return nil
}

func containsString(s []string, v string) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
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
