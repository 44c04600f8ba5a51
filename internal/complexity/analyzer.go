package complexity

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/praxis-ai/coordinator/internal/events"
)

// Strategies chosen by the score thresholds.
const (
	StrategyFastPath    = "fast-path"
	StrategyStandard    = "standard"
	StrategyCompetitive = "competitive"
)

var ErrNilTask = errors.New("task is required")

// Task is the analyzer's view of a unit of work.
type Task struct {
	ID                 string   `json:"id"`
	Title              string   `json:"title"`
	Description        string   `json:"description"`
	Estimate           string   `json:"estimate,omitempty"`
	AcceptanceCriteria []string `json:"acceptance_criteria,omitempty"`
	Requires           []string `json:"requires,omitempty"`
	Blocks             []string `json:"blocks,omitempty"`
	AncestorDepth      int      `json:"ancestor_depth,omitempty"`
}

// Breakdown exposes the per-factor sub-scores.
type Breakdown struct {
	DependencyDepth    float64 `json:"dependency_depth"`
	AcceptanceCriteria float64 `json:"acceptance_criteria"`
	EffortEstimate     float64 `json:"effort_estimate"`
	TechnicalKeywords  float64 `json:"technical_keywords"`
	HistoricalSuccess  float64 `json:"historical_success"`
}

// Result is one complexity analysis.
type Result struct {
	TaskID     string    `json:"task_id"`
	Score      float64   `json:"score"`
	Breakdown  Breakdown `json:"breakdown"`
	Strategy   string    `json:"strategy"`
	AnalyzedAt time.Time `json:"analyzed_at"`
}

// MemoryStore supplies historical task-pattern outcomes.
type MemoryStore interface {
	GetTaskPatternSuccess(signature string) (successRate float64, sampleSize int, err error)
}

// Weights over the factors; they sum to 1.
type Weights struct {
	DependencyDepth    float64
	AcceptanceCriteria float64
	EffortEstimate     float64
	TechnicalKeywords  float64
	HistoricalSuccess  float64
}

// Thresholds split scores into strategies.
type Thresholds struct {
	FastPath float64
	Standard float64
}

// Config tunes the analyzer.
type Config struct {
	Weights    Weights
	Thresholds Thresholds
}

func defaultConfig() Config {
	return Config{
		Weights: Weights{
			DependencyDepth:    0.25,
			AcceptanceCriteria: 0.20,
			EffortEstimate:     0.25,
			TechnicalKeywords:  0.20,
			HistoricalSuccess:  0.10,
		},
		Thresholds: Thresholds{FastPath: 30, Standard: 60},
	}
}

// keywordLexicons maps a category to the tokens that raise complexity.
var keywordLexicons = map[string][]string{
	"security":     {"auth", "authentication", "authorization", "encrypt", "security", "vulnerability", "token", "credential"},
	"architecture": {"refactor", "architecture", "migration", "distributed", "protocol", "schema", "redesign", "integration"},
	"performance":  {"performance", "optimize", "latency", "throughput", "cache", "concurrent", "parallel", "scale"},
	"data":         {"database", "transaction", "consistency", "replication", "index", "query"},
}

var estimateRe = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*(m|min|h|hr|d|day)`)

// Analyzer scores tasks and picks an execution strategy. Results are cached
// per task id.
type Analyzer struct {
	mu    sync.RWMutex
	cache map[string]*Result

	cfg    Config
	memory MemoryStore
	logger *zap.Logger
	bus    *events.Bus
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithMemoryStore wires historical success into the score.
func WithMemoryStore(m MemoryStore) Option {
	return func(a *Analyzer) { a.memory = m }
}

// WithConfig overrides weights and thresholds.
func WithConfig(cfg Config) Option {
	return func(a *Analyzer) { a.cfg = cfg }
}

func NewAnalyzer(logger *zap.Logger, bus *events.Bus, opts ...Option) *Analyzer {
	a := &Analyzer{
		cache:  make(map[string]*Result),
		cfg:    defaultConfig(),
		logger: logger,
		bus:    bus,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// AnalyzeOptions tunes Analyze.
type AnalyzeOptions struct {
	UseCache bool
}

// Analyze scores one task. Repeated calls for the same task id return the
// cached result unless UseCache is false.
func (a *Analyzer) Analyze(task *Task, opts AnalyzeOptions) (*Result, error) {
	if task == nil {
		return nil, ErrNilTask
	}
	if opts.UseCache {
		a.mu.RLock()
		cached := a.cache[task.ID]
		a.mu.RUnlock()
		if cached != nil {
			cp := *cached
			return &cp, nil
		}
	}

	b := Breakdown{
		DependencyDepth:    a.scoreDependencies(task),
		AcceptanceCriteria: a.scoreAcceptanceCriteria(task),
		EffortEstimate:     a.scoreEstimate(task.Estimate),
		TechnicalKeywords:  a.scoreKeywords(task),
		HistoricalSuccess:  a.scoreHistory(task),
	}
	w := a.cfg.Weights
	score := b.DependencyDepth*w.DependencyDepth +
		b.AcceptanceCriteria*w.AcceptanceCriteria +
		b.EffortEstimate*w.EffortEstimate +
		b.TechnicalKeywords*w.TechnicalKeywords +
		b.HistoricalSuccess*w.HistoricalSuccess
	score = clamp(score, 0, 100)

	strategy := StrategyCompetitive
	switch {
	case score < a.cfg.Thresholds.FastPath:
		strategy = StrategyFastPath
	case score < a.cfg.Thresholds.Standard:
		strategy = StrategyStandard
	}

	result := &Result{
		TaskID:     task.ID,
		Score:      math.Round(score*100) / 100,
		Breakdown:  b,
		Strategy:   strategy,
		AnalyzedAt: time.Now().UTC(),
	}
	a.mu.Lock()
	a.cache[task.ID] = result
	a.mu.Unlock()

	a.logger.Debug("Task complexity analyzed",
		zap.String("task_id", task.ID),
		zap.Float64("score", result.Score),
		zap.String("strategy", strategy),
	)
	a.bus.Emit("complexity:analyzed", "complexity", map[string]interface{}{
		"task_id": task.ID, "score": result.Score, "strategy": strategy,
	})
	cp := *result
	return &cp, nil
}

// AnalyzeBatch scores a slice of tasks with caching enabled.
func (a *Analyzer) AnalyzeBatch(tasks []*Task) ([]*Result, error) {
	if tasks == nil {
		return nil, fmt.Errorf("tasks must be a slice")
	}
	out := make([]*Result, 0, len(tasks))
	for _, t := range tasks {
		res, err := a.Analyze(t, AnalyzeOptions{UseCache: true})
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, nil
}

// ClearCache drops all cached results.
func (a *Analyzer) ClearCache() {
	a.mu.Lock()
	a.cache = make(map[string]*Result)
	a.mu.Unlock()
}

// scoreDependencies is 0 with no dependencies and rises with the length of
// the requires/blocks lists and the ancestor chain.
func (a *Analyzer) scoreDependencies(task *Task) float64 {
	deps := len(task.Requires) + len(task.Blocks)
	if deps == 0 && task.AncestorDepth == 0 {
		return 0
	}
	score := float64(deps)*15 + float64(task.AncestorDepth)*10
	return clamp(score, 0, 100)
}

// scoreAcceptanceCriteria is a 10 baseline when absent, rising and
// saturating with count.
func (a *Analyzer) scoreAcceptanceCriteria(task *Task) float64 {
	n := len(task.AcceptanceCriteria)
	if n == 0 {
		return 10
	}
	return clamp(10+float64(n)*12, 0, 100)
}

// scoreEstimate parses tokens like 15m, 4h, 1d. Missing estimates are
// neutral 50; day-scale work is at least 65.
func (a *Analyzer) scoreEstimate(estimate string) float64 {
	match := estimateRe.FindStringSubmatch(estimate)
	if match == nil {
		return 50
	}
	value, err := strconv.ParseFloat(match[1], 64)
	if err != nil {
		return 50
	}
	var minutes float64
	switch strings.ToLower(match[2])[0] {
	case 'm':
		minutes = value
	case 'h':
		minutes = value * 60
	case 'd':
		minutes = value * 60 * 8
	}
	switch {
	case minutes <= 15:
		return 10
	case minutes <= 60:
		return 25
	case minutes <= 240:
		return 45
	case minutes < 480:
		return 60
	default:
		return clamp(65+(minutes-480)/96, 65, 100)
	}
}

// scoreKeywords matches the categorised lexicons over title + description,
// additive up to a cap.
func (a *Analyzer) scoreKeywords(task *Task) float64 {
	text := strings.ToLower(task.Title + " " + task.Description)
	score := 0.0
	for _, tokens := range keywordLexicons {
		for _, token := range tokens {
			if strings.Contains(text, token) {
				score += 12
			}
		}
	}
	return clamp(score, 0, 80)
}

// scoreHistory weights the score upward when the pattern has a poor track
// record with a sufficient sample.
func (a *Analyzer) scoreHistory(task *Task) float64 {
	if a.memory == nil {
		return 0
	}
	successRate, sampleSize, err := a.memory.GetTaskPatternSuccess(signature(task))
	if err != nil || sampleSize < 3 {
		return 0
	}
	return clamp((1-successRate)*100, 0, 100)
}

// signature is a coarse task fingerprint used for history lookups.
func signature(task *Task) string {
	words := strings.Fields(strings.ToLower(task.Title))
	if len(words) > 5 {
		words = words[:5]
	}
	return strings.Join(words, "-")
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
