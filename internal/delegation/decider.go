package delegation

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/praxis-ai/coordinator/internal/complexity"
	"github.com/praxis-ai/coordinator/internal/events"
	"github.com/praxis-ai/coordinator/internal/metrics"
)

// Delegation patterns.
const (
	PatternParallel   = "parallel"
	PatternSequential = "sequential"
	PatternDebate     = "debate"
	PatternReview     = "review"
	PatternEnsemble   = "ensemble"
	PatternDirect     = "direct"
)

var ErrTaskRequired = errors.New("Task is required")

// Task is the decider's view of a unit of work.
type Task struct {
	ID                   string   `json:"id"`
	Title                string   `json:"title"`
	Description          string   `json:"description"`
	Phase                string   `json:"phase,omitempty"`
	Estimate             string   `json:"estimate,omitempty"`
	AcceptanceCriteria   []string `json:"acceptance_criteria,omitempty"`
	Requires             []string `json:"requires,omitempty"`
	Blocks               []string `json:"blocks,omitempty"`
	ChildTaskIDs         []string `json:"child_task_ids,omitempty"`
	RequiredCapabilities []string `json:"required_capabilities,omitempty"`
}

// AgentHierarchyInfo places an agent in the delegation tree.
type AgentHierarchyInfo struct {
	Depth         int      `json:"depth"`
	ChildAgentIDs []string `json:"child_agent_ids,omitempty"`
}

// AgentQuotas bounds an agent's fan-out.
type AgentQuotas struct {
	MaxChildren int `json:"max_children,omitempty"`
}

// Agent is the candidate delegator.
type Agent struct {
	ID                 string             `json:"id"`
	Confidence         *float64           `json:"confidence,omitempty"`
	Capabilities       []string           `json:"capabilities,omitempty"`
	PrimaryPhase       string             `json:"primary_phase,omitempty"`
	QueueDepth         *int               `json:"queue_depth,omitempty"`
	MaxQueueDepth      int                `json:"max_queue_depth,omitempty"`
	ContextUtilization float64            `json:"context_utilization"`
	HierarchyInfo      AgentHierarchyInfo `json:"hierarchy_info"`
	Quotas             AgentQuotas        `json:"quotas"`
}

// Factors are the decision inputs, each normalised to [0,1].
type Factors struct {
	Complexity         float64 `json:"complexity"`
	SubtaskCount       float64 `json:"subtask_count"`
	AgentConfidence    float64 `json:"agent_confidence"`
	AgentLoad          float64 `json:"agent_load"`
	ContextUtilization float64 `json:"context_utilization"`
	DepthRemaining     float64 `json:"depth_remaining"`
}

// Decision is the full delegation verdict.
type Decision struct {
	ShouldDelegate   bool     `json:"should_delegate"`
	Confidence       float64  `json:"confidence"`
	Score            float64  `json:"score"`
	Factors          Factors  `json:"factors"`
	SubtaskCount     int      `json:"subtask_count"`
	SuggestedPattern string   `json:"suggested_pattern"`
	Reasoning        string   `json:"reasoning"`
	Hints            []string `json:"hints"`
	Metadata         struct {
		TaskID    string    `json:"task_id"`
		Timestamp time.Time `json:"timestamp"`
	} `json:"metadata"`
}

// PolicyGate allows an external policy to veto a delegation decision.
type PolicyGate interface {
	AllowDelegation(ctx context.Context, input map[string]interface{}) (allowed bool, reason string, err error)
}

// Weights over the factors; they sum to 1.
type Weights struct {
	Complexity         float64 `json:"complexity"`
	SubtaskCount       float64 `json:"subtask_count"`
	AgentConfidence    float64 `json:"agent_confidence"`
	AgentLoad          float64 `json:"agent_load"`
	ContextUtilization float64 `json:"context_utilization"`
	DepthRemaining     float64 `json:"depth_remaining"`
}

// Config tunes the decider.
type Config struct {
	Weights            Weights `json:"weights"`
	MinDelegationScore float64 `json:"min_delegation_score"`
	MaxDepth           int     `json:"max_depth"`
	MaxSubtasks        int     `json:"max_subtasks"`
}

func defaultConfig() Config {
	return Config{
		Weights: Weights{
			Complexity:         0.25,
			SubtaskCount:       0.20,
			AgentConfidence:    0.15,
			AgentLoad:          0.10,
			ContextUtilization: 0.15,
			DepthRemaining:     0.15,
		},
		MinDelegationScore: 0.55,
		MaxDepth:           5,
		MaxSubtasks:        10,
	}
}

// Stats are the decider's running counters.
type Stats struct {
	DecisionsCount              int            `json:"decisions_count"`
	DelegationsRecommended      int            `json:"delegations_recommended"`
	DirectExecutionsRecommended int            `json:"direct_executions_recommended"`
	PatternDistribution         map[string]int `json:"pattern_distribution"`
}

var patternLexicons = []struct {
	pattern string
	tokens  []string
}{
	{PatternParallel, []string{"parallel", "independent", "concurrently", "simultaneously", "each module", "per file"}},
	{PatternSequential, []string{"then", "after", "pipeline", "step by step", "in order", "sequential"}},
	{PatternDebate, []string{"debate", "trade-off", "tradeoff", "compare approaches", "pros and cons", "evaluate options"}},
	{PatternReview, []string{"review", "audit", "verify", "validate", "check", "inspect"}},
}

var listItemRe = regexp.MustCompile(`(?m)^\s*(?:\d+[.)]|[-*•])\s+\S`)

// Decider scores (task, agent) pairs and recommends a delegation pattern.
type Decider struct {
	mu    sync.RWMutex
	cfg   Config
	cache map[string]*Decision
	stats Stats

	analyzer *complexity.Analyzer
	gate     PolicyGate
	logger   *zap.Logger
	bus      *events.Bus
}

// Option configures a Decider.
type Option func(*Decider)

// WithAnalyzer replaces the embedded complexity heuristic.
func WithAnalyzer(a *complexity.Analyzer) Option {
	return func(d *Decider) { d.analyzer = a }
}

// WithPolicyGate wires an external veto over positive decisions.
func WithPolicyGate(g PolicyGate) Option {
	return func(d *Decider) { d.gate = g }
}

// WithConfig overrides the default weights and thresholds.
func WithConfig(cfg Config) Option {
	return func(d *Decider) { d.cfg = cfg }
}

func NewDecider(logger *zap.Logger, bus *events.Bus, opts ...Option) *Decider {
	d := &Decider{
		cfg:    defaultConfig(),
		cache:  make(map[string]*Decision),
		stats:  Stats{PatternDistribution: make(map[string]int)},
		logger: logger,
		bus:    bus,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// EvaluateOptions tunes Evaluate.
type EvaluateOptions struct {
	SkipCache bool
}

// Evaluate decides whether agent should delegate task. Hard gates (no depth
// left, fewer than two subtasks, task already decomposed) force a direct
// recommendation regardless of score.
func (d *Decider) Evaluate(ctx context.Context, task *Task, agent *Agent, opts EvaluateOptions) (*Decision, error) {
	if task == nil {
		return nil, ErrTaskRequired
	}
	if agent == nil {
		agent = &Agent{}
	}

	if !opts.SkipCache {
		d.mu.RLock()
		cached := d.cache[task.ID]
		d.mu.RUnlock()
		if cached != nil {
			cp := *cached
			return &cp, nil
		}
	}

	subtaskCount := d.countSubtasks(task)
	depthRemaining := d.cfg.MaxDepth - agent.HierarchyInfo.Depth

	f := Factors{
		Complexity:         d.complexityFactor(task),
		SubtaskCount:       clamp(float64(subtaskCount)/float64(d.cfg.MaxSubtasks), 0, 1),
		AgentConfidence:    d.confidenceFactor(task, agent),
		AgentLoad:          d.loadFactor(agent),
		ContextUtilization: clamp(agent.ContextUtilization, 0, 1),
		DepthRemaining:     clamp(float64(depthRemaining)/float64(d.cfg.MaxDepth), 0, 1),
	}

	w := d.cfg.Weights
	// Load and confidence push against delegation; the rest push for it.
	score := f.Complexity*w.Complexity +
		f.SubtaskCount*w.SubtaskCount +
		(1-f.AgentConfidence)*w.AgentConfidence +
		f.AgentLoad*w.AgentLoad +
		f.ContextUtilization*w.ContextUtilization +
		f.DepthRemaining*w.DepthRemaining

	decision := &Decision{
		Score:        clamp(score, 0, 1),
		Factors:      f,
		SubtaskCount: subtaskCount,
		Hints:        []string{},
	}
	decision.Metadata.TaskID = task.ID
	decision.Metadata.Timestamp = time.Now().UTC()

	switch {
	case depthRemaining <= 0:
		decision.Reasoning = "delegation depth exhausted"
	case subtaskCount < 2:
		decision.Reasoning = "task does not decompose into multiple subtasks"
	case len(task.ChildTaskIDs) > 0:
		decision.Reasoning = "task already has subtasks"
	case decision.Score < d.cfg.MinDelegationScore:
		decision.Reasoning = fmt.Sprintf("score %.2f below delegation threshold %.2f", decision.Score, d.cfg.MinDelegationScore)
	default:
		decision.ShouldDelegate = true
		decision.Reasoning = fmt.Sprintf("score %.2f over %d subtasks favours delegation", decision.Score, subtaskCount)
	}

	if decision.ShouldDelegate && d.gate != nil {
		allowed, reason, err := d.gate.AllowDelegation(ctx, map[string]interface{}{
			"task_id":       task.ID,
			"agent_id":      agent.ID,
			"depth":         agent.HierarchyInfo.Depth,
			"subtask_count": subtaskCount,
			"score":         decision.Score,
		})
		if err != nil {
			d.logger.Warn("Delegation policy gate error", zap.Error(err))
		} else if !allowed {
			decision.ShouldDelegate = false
			decision.Reasoning = "policy gate denied delegation: " + reason
			decision.Hints = append(decision.Hints, "adjust delegation policy or run directly")
		}
	}

	if decision.ShouldDelegate {
		decision.SuggestedPattern = d.selectPattern(task)
		decision.Confidence = clamp(0.5+(decision.Score-d.cfg.MinDelegationScore), 0, 1)
		decision.Hints = append(decision.Hints,
			fmt.Sprintf("decompose into ~%d subtasks", subtaskCount))
	} else {
		decision.SuggestedPattern = PatternDirect
		decision.Confidence = clamp(0.5+(d.cfg.MinDelegationScore-decision.Score), 0, 1)
	}

	d.mu.Lock()
	d.cache[task.ID] = decision
	d.stats.DecisionsCount++
	if decision.ShouldDelegate {
		d.stats.DelegationsRecommended++
	} else {
		d.stats.DirectExecutionsRecommended++
	}
	d.stats.PatternDistribution[decision.SuggestedPattern]++
	d.mu.Unlock()

	outcome := "direct"
	if decision.ShouldDelegate {
		outcome = "delegate"
	}
	metrics.DelegationDecisions.WithLabelValues(outcome).Inc()
	metrics.DelegationPatterns.WithLabelValues(decision.SuggestedPattern).Inc()
	d.bus.Emit("delegation:decided", "delegation", map[string]interface{}{
		"task_id": task.ID, "should_delegate": decision.ShouldDelegate,
		"pattern": decision.SuggestedPattern, "score": decision.Score,
	})

	cp := *decision
	return &cp, nil
}

// EvaluateBatch fans Evaluate over a slice of tasks against one agent.
func (d *Decider) EvaluateBatch(ctx context.Context, tasks []*Task, agent *Agent) ([]*Decision, error) {
	if tasks == nil {
		return nil, fmt.Errorf("tasks must be a slice")
	}
	out := make([]*Decision, 0, len(tasks))
	for _, t := range tasks {
		dec, err := d.Evaluate(ctx, t, agent, EvaluateOptions{})
		if err != nil {
			return nil, err
		}
		out = append(out, dec)
	}
	return out, nil
}

// GetStats returns a copy of the running counters.
func (d *Decider) GetStats() Stats {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s := d.stats
	s.PatternDistribution = make(map[string]int, len(d.stats.PatternDistribution))
	for k, v := range d.stats.PatternDistribution {
		s.PatternDistribution[k] = v
	}
	return s
}

// UpdateConfig merges a partial config and clears the decision cache.
func (d *Decider) UpdateConfig(partial func(*Config)) {
	d.mu.Lock()
	partial(&d.cfg)
	d.cache = make(map[string]*Decision)
	d.mu.Unlock()
}

// ClearCache drops all cached decisions.
func (d *Decider) ClearCache() {
	d.mu.Lock()
	d.cache = make(map[string]*Decision)
	d.mu.Unlock()
}

// countSubtasks combines acceptance-criteria entries and list items parsed
// from the description, capped at MaxSubtasks.
func (d *Decider) countSubtasks(task *Task) int {
	n := len(task.AcceptanceCriteria)
	n += len(listItemRe.FindAllString(task.Description, -1))
	if n > d.cfg.MaxSubtasks {
		n = d.cfg.MaxSubtasks
	}
	return n
}

// complexityFactor defers to the analyzer when wired, else a keyword and
// dependency heuristic.
func (d *Decider) complexityFactor(task *Task) float64 {
	if d.analyzer != nil {
		res, err := d.analyzer.Analyze(&complexity.Task{
			ID:                 task.ID,
			Title:              task.Title,
			Description:        task.Description,
			Estimate:           task.Estimate,
			AcceptanceCriteria: task.AcceptanceCriteria,
			Requires:           task.Requires,
			Blocks:             task.Blocks,
		}, complexity.AnalyzeOptions{UseCache: true})
		if err == nil {
			return res.Score / 100
		}
	}
	score := float64(len(task.Requires)+len(task.Blocks)) * 0.1
	score += float64(len(task.AcceptanceCriteria)) * 0.08
	return clamp(score, 0, 1)
}

// confidenceFactor prefers agent-reported confidence, then capability match,
// then phase match.
func (d *Decider) confidenceFactor(task *Task, agent *Agent) float64 {
	if agent.Confidence != nil {
		return clamp(*agent.Confidence, 0, 1)
	}
	if len(task.RequiredCapabilities) > 0 && len(agent.Capabilities) > 0 {
		have := make(map[string]bool, len(agent.Capabilities))
		for _, c := range agent.Capabilities {
			have[strings.ToLower(c)] = true
		}
		matched := 0
		for _, c := range task.RequiredCapabilities {
			if have[strings.ToLower(c)] {
				matched++
			}
		}
		return float64(matched) / float64(len(task.RequiredCapabilities))
	}
	if agent.PrimaryPhase != "" && agent.PrimaryPhase == task.Phase {
		return 0.8
	}
	return 0.5
}

// loadFactor prefers queue depth, then child fan-out, else 0.
func (d *Decider) loadFactor(agent *Agent) float64 {
	if agent.QueueDepth != nil && agent.MaxQueueDepth > 0 {
		return clamp(float64(*agent.QueueDepth)/float64(agent.MaxQueueDepth), 0, 1)
	}
	if agent.Quotas.MaxChildren > 0 {
		return clamp(float64(len(agent.HierarchyInfo.ChildAgentIDs))/float64(agent.Quotas.MaxChildren), 0, 1)
	}
	return 0
}

// selectPattern matches the pattern lexicons over title + description; the
// first lexicon with the most hits wins, defaulting to parallel.
func (d *Decider) selectPattern(task *Task) string {
	text := strings.ToLower(task.Title + " " + task.Description)
	best, bestHits := PatternParallel, 0
	for _, lex := range patternLexicons {
		hits := 0
		for _, token := range lex.tokens {
			if strings.Contains(text, token) {
				hits++
			}
		}
		if hits > bestHits {
			best, bestHits = lex.pattern, hits
		}
	}
	return best
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
