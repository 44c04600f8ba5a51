package dashboard

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/praxis-ai/coordinator/internal/events"
)

// Context statuses by utilization.
const (
	ContextOK        = "ok"
	ContextWarning   = "warning"
	ContextCritical  = "critical"
	ContextEmergency = "emergency"
)

const (
	maxArtifacts = 100
	maxEvents    = 50
)

// UsageTracker supplies aggregate token and cost numbers for the periodic
// refresh.
type UsageTracker interface {
	Usage() (tokens int, cost float64)
	ContextLimit() int
}

// PlanTask is one normalised entry of the execution plan.
type PlanTask struct {
	ID         string   `json:"id"`
	Content    string   `json:"content"`
	Status     string   `json:"status"`
	ActiveForm string   `json:"active_form,omitempty"`
	Progress   *float64 `json:"progress,omitempty"`
}

// PlanState is the current execution plan view.
type PlanState struct {
	Tasks            []PlanTask `json:"tasks"`
	TotalTasks       int        `json:"total_tasks"`
	CompletedTasks   int        `json:"completed_tasks"`
	CurrentTaskIndex int        `json:"current_task_index"`
}

// ExecutionState is the currently running operation.
type ExecutionState struct {
	Phase     string        `json:"phase,omitempty"`
	Agent     string        `json:"agent,omitempty"`
	Task      string        `json:"task,omitempty"`
	StartTime time.Time     `json:"start_time,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// ContextState tracks context-window pressure.
type ContextState struct {
	Current        int     `json:"current"`
	Limit          int     `json:"limit"`
	Percentage     float64 `json:"percentage"`
	Status         string  `json:"status"`
	NextCheckpoint int     `json:"next_checkpoint"`
}

// UsageState is the aggregate spend view.
type UsageState struct {
	Tokens int     `json:"tokens"`
	Cost   float64 `json:"cost"`
}

// Artifact is one produced output.
type Artifact struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Path        string    `json:"path"`
	Type        string    `json:"type,omitempty"`
	Description string    `json:"description,omitempty"`
	Phase       string    `json:"phase,omitempty"`
	AddedAt     time.Time `json:"added_at"`
}

// TimelineEvent is one entry of the bounded event timeline.
type TimelineEvent struct {
	Type      string                 `json:"type"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// OperationMetrics counts orchestrator operations.
type OperationMetrics struct {
	TotalOperations      int `json:"total_operations"`
	SuccessfulOperations int `json:"successful_operations"`
	FailedOperations     int `json:"failed_operations"`
}

// State is the full dashboard snapshot.
type State struct {
	Status    string           `json:"status"`
	Context   ContextState     `json:"context"`
	Usage     UsageState       `json:"usage"`
	Execution ExecutionState   `json:"execution"`
	Plan      PlanState        `json:"plan"`
	Artifacts []Artifact       `json:"artifacts"`
	Events    []TimelineEvent  `json:"events"`
	Metrics   OperationMetrics `json:"metrics"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// Manager aggregates execution state for the host's dashboard surfaces.
type Manager struct {
	mu    sync.RWMutex
	state State

	updateInterval time.Duration
	usage          UsageTracker
	logger         *zap.Logger
	bus            *events.Bus

	timerStop chan struct{}
	running   bool
	subs      []subscription
	workers   sync.WaitGroup
}

type subscription struct {
	kind string
	ch   chan events.Event
}

func NewManager(updateInterval time.Duration, usage UsageTracker, logger *zap.Logger, bus *events.Bus) *Manager {
	if updateInterval == 0 {
		updateInterval = 5 * time.Second
	}
	return &Manager{
		state: State{
			Status:    "stopped",
			Artifacts: []Artifact{},
			Events:    []TimelineEvent{},
			Plan:      PlanState{Tasks: []PlanTask{}},
		},
		updateInterval: updateInterval,
		usage:          usage,
		logger:         logger,
		bus:            bus,
	}
}

// Start installs the refresh timer and subscribes to orchestrator events.
// Idempotent with Stop.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.state.Status = "running"
	m.timerStop = make(chan struct{})
	stop := m.timerStop
	m.mu.Unlock()

	for _, kind := range []string{"orchestrator:execution:start", "orchestrator:execution:complete", "orchestrator:execution:error"} {
		ch := m.bus.Subscribe(kind, 32)
		m.mu.Lock()
		m.subs = append(m.subs, subscription{kind: kind, ch: ch})
		m.mu.Unlock()
		m.workers.Add(1)
		go func(kind string, ch chan events.Event) {
			defer m.workers.Done()
			m.consume(kind, ch, stop)
		}(kind, ch)
	}

	m.workers.Add(1)
	go func() {
		defer m.workers.Done()
		ticker := time.NewTicker(m.updateInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				m.refresh()
			}
		}
	}()
	m.logger.Info("Dashboard started")
}

// Stop clears the timer and unsubscribes. Any in-flight refresh finishes
// before Stop returns; nothing is emitted afterwards.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.state.Status = "stopped"
	close(m.timerStop)
	subs := m.subs
	m.subs = nil
	m.mu.Unlock()

	for _, s := range subs {
		m.bus.Unsubscribe(s.kind, s.ch)
	}
	// Join the timer and consumer goroutines so no refresh lands after
	// Stop returns.
	m.workers.Wait()
	m.logger.Info("Dashboard stopped")
}

func (m *Manager) consume(kind string, ch chan events.Event, stop chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			m.handleOrchestratorEvent(kind, ev)
		}
	}
}

func (m *Manager) handleOrchestratorEvent(kind string, ev events.Event) {
	m.mu.Lock()
	switch kind {
	case "orchestrator:execution:start":
		m.state.Metrics.TotalOperations++
		if payload := ev.Payload; payload != nil {
			if phase, ok := payload["phase"].(string); ok {
				m.state.Execution.Phase = phase
			}
			if agent, ok := payload["agent"].(string); ok {
				m.state.Execution.Agent = agent
			}
			if task, ok := payload["task"].(string); ok {
				m.state.Execution.Task = task
			}
			m.state.Execution.StartTime = ev.Timestamp
		}
	case "orchestrator:execution:complete":
		m.state.Metrics.SuccessfulOperations++
	case "orchestrator:execution:error":
		m.state.Metrics.FailedOperations++
	}
	m.state.UpdatedAt = time.Now().UTC()
	m.mu.Unlock()
}

// UpdateExecutionPlan replaces the plan view with normalised entries.
func (m *Manager) UpdateExecutionPlan(tasks []PlanTask, currentIndex int) {
	m.mu.Lock()
	completed := 0
	normalized := make([]PlanTask, 0, len(tasks))
	for _, t := range tasks {
		if t.Status == "" {
			t.Status = "pending"
		}
		if t.Status == "completed" {
			completed++
		}
		normalized = append(normalized, t)
	}
	m.state.Plan = PlanState{
		Tasks:            normalized,
		TotalTasks:       len(normalized),
		CompletedTasks:   completed,
		CurrentTaskIndex: currentIndex,
	}
	m.state.UpdatedAt = time.Now().UTC()
	m.mu.Unlock()

	m.addEvent("plan", "execution plan updated", map[string]interface{}{
		"total_tasks": len(normalized), "completed": completed,
	})
	m.bus.Emit("plan:updated", "dashboard", map[string]interface{}{
		"total_tasks": len(normalized), "completed": completed,
	})
}

// UpdateExecution updates the active operation; duration is recomputed from
// the start time on each call.
func (m *Manager) UpdateExecution(phase, agent, task string, startTime time.Time) {
	m.mu.Lock()
	m.state.Execution = ExecutionState{
		Phase:     phase,
		Agent:     agent,
		Task:      task,
		StartTime: startTime,
		Duration:  time.Since(startTime),
	}
	m.state.UpdatedAt = time.Now().UTC()
	m.mu.Unlock()

	m.bus.Emit("execution:updated", "dashboard", map[string]interface{}{
		"phase": phase, "agent": agent, "task": task,
	})
}

// AddArtifact prepends to the bounded artifact list, dropping the oldest.
func (m *Manager) AddArtifact(a Artifact) Artifact {
	m.mu.Lock()
	a.ID = uuid.New().String()
	a.Phase = m.state.Execution.Phase
	a.AddedAt = time.Now().UTC()
	m.state.Artifacts = append([]Artifact{a}, m.state.Artifacts...)
	if len(m.state.Artifacts) > maxArtifacts {
		m.state.Artifacts = m.state.Artifacts[:maxArtifacts]
	}
	m.state.UpdatedAt = a.AddedAt
	m.mu.Unlock()

	m.bus.Emit("artifact:added", "dashboard", map[string]interface{}{
		"id": a.ID, "name": a.Name, "path": a.Path,
	})
	return a
}

// addEvent prepends to the bounded timeline.
func (m *Manager) addEvent(eventType, message string, data map[string]interface{}) {
	ev := TimelineEvent{
		Type:      eventType,
		Message:   message,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
	m.mu.Lock()
	m.state.Events = append([]TimelineEvent{ev}, m.state.Events...)
	if len(m.state.Events) > maxEvents {
		m.state.Events = m.state.Events[:maxEvents]
	}
	m.state.UpdatedAt = ev.Timestamp
	m.mu.Unlock()

	m.bus.Emit("event:added", "dashboard", map[string]interface{}{
		"type": eventType, "message": message,
	})
}

// RecordEvent exposes the timeline to the host.
func (m *Manager) RecordEvent(eventType, message string, data map[string]interface{}) {
	m.addEvent(eventType, message, data)
}

// refresh reads aggregate usage and derives the context snapshot.
func (m *Manager) refresh() {
	if m.usage == nil {
		return
	}
	tokens, cost := m.usage.Usage()
	limit := m.usage.ContextLimit()

	ctx := ContextState{Current: tokens, Limit: limit}
	if limit > 0 {
		ctx.Percentage = float64(tokens) * 100 / float64(limit)
	}
	switch {
	case ctx.Percentage >= 95:
		ctx.Status = ContextEmergency
	case ctx.Percentage >= 85:
		ctx.Status = ContextCritical
	case ctx.Percentage >= 80:
		ctx.Status = ContextWarning
	default:
		ctx.Status = ContextOK
	}
	if ctx.Percentage < 85 {
		ctx.NextCheckpoint = int(float64(limit)*0.85) - tokens
	}

	m.mu.Lock()
	m.state.Usage = UsageState{Tokens: tokens, Cost: cost}
	m.state.Context = ctx
	m.state.UpdatedAt = time.Now().UTC()
	m.mu.Unlock()

	m.bus.Emit("metrics:updated", "dashboard", map[string]interface{}{
		"tokens": tokens, "cost": cost, "context_status": ctx.Status,
	})
}

// GetState returns a deep copy of the snapshot.
func (m *Manager) GetState() *State {
	m.mu.RLock()
	data, err := json.Marshal(m.state)
	m.mu.RUnlock()
	if err != nil {
		m.logger.Error("Dashboard state snapshot failed", zap.Error(err))
		return nil
	}
	var cp State
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil
	}
	return &cp
}
