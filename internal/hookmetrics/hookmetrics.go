package hookmetrics

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/praxis-ai/coordinator/internal/metrics"
)

// Hook kinds tracked by the collector.
const (
	HookSessionStart     = "session-start"
	HookSessionEnd       = "session-end"
	HookUserPromptSubmit = "user-prompt-submit"
	HookDelegation       = "delegation-hook"
	HookTrackProgress    = "track-progress"
	HookTrackUsage       = "track-usage"
	HookAfterExecution   = "after-execution"
	HookAfterCodeChange  = "after-code-change"
	HookValidatePrompt   = "validate-prompt"
)

// HookKinds lists every tracked hook kind.
var HookKinds = []string{
	HookSessionStart,
	HookSessionEnd,
	HookUserPromptSubmit,
	HookDelegation,
	HookTrackProgress,
	HookTrackUsage,
	HookAfterExecution,
	HookAfterCodeChange,
	HookValidatePrompt,
}

// Error categories for failed hook executions.
const (
	ErrCategoryTimeout    = "timeout"
	ErrCategoryParse      = "parse-error"
	ErrCategoryNetwork    = "network-error"
	ErrCategoryFile       = "file-error"
	ErrCategoryValidation = "validation-error"
	ErrCategoryUnknown    = "unknown"
)

// ErrorCategories lists every recognised error category.
var ErrorCategories = []string{
	ErrCategoryTimeout,
	ErrCategoryParse,
	ErrCategoryNetwork,
	ErrCategoryFile,
	ErrCategoryValidation,
	ErrCategoryUnknown,
}

// DefaultDurationBuckets are histogram upper bounds in milliseconds; the
// implicit final bucket is +Inf.
var DefaultDurationBuckets = []float64{10, 50, 100, 500, 1000, 5000}

const (
	maxRecentExecutions = 200
	maxDurationSamples  = 512
	maxSnapshots        = 100
)

// kindCounters holds per-hook-kind counters and the duration histogram.
type kindCounters struct {
	SuccessCount  int       `json:"success_count"`
	FailureCount  int       `json:"failure_count"`
	TimeoutCount  int       `json:"timeout_count"`
	RetryCount    int       `json:"retry_count"`
	BucketCounts  []int     `json:"bucket_counts"` // len(buckets)+1, last is +Inf
	DurationSum   float64   `json:"duration_sum_ms"`
	DurationCount int       `json:"duration_count"`
	samples       []float64 // bounded ring of recent durations for percentiles
	sampleNext    int
}

// window is a rolling success/failure counter that resets at a fixed cadence.
type window struct {
	SuccessCount int       `json:"success_count"`
	FailureCount int       `json:"failure_count"`
	ResetAt      time.Time `json:"reset_at"`
	duration     time.Duration
}

func (w *window) rollIfExpired(now time.Time) {
	if !now.Before(w.ResetAt) {
		w.SuccessCount = 0
		w.FailureCount = 0
		w.ResetAt = now.Add(w.duration)
	}
}

// Execution is one entry of the recent-executions ring.
type Execution struct {
	Kind       string                 `json:"kind"`
	Success    bool                   `json:"success"`
	Category   string                 `json:"category,omitempty"`
	DurationMs float64                `json:"duration_ms"`
	Timestamp  time.Time              `json:"timestamp"`
	Extra      map[string]interface{} `json:"extra,omitempty"`
}

// Snapshot freezes the collector totals at a point in time.
type Snapshot struct {
	ID            string               `json:"id"`
	Timestamp     time.Time            `json:"timestamp"`
	TotalSuccess  int                  `json:"total_success"`
	TotalFailure  int                  `json:"total_failure"`
	TotalRetries  int                  `json:"total_retries"`
	ByKind        map[string]HookStats `json:"by_kind"`
	ByErrCategory map[string]int       `json:"by_error_category"`
}

// DurationStats summarises the per-kind histogram.
type DurationStats struct {
	Count int     `json:"count"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
}

// HookStats is the public per-kind view.
type HookStats struct {
	SuccessCount    int           `json:"success_count"`
	FailureCount    int           `json:"failure_count"`
	TimeoutCount    int           `json:"timeout_count"`
	RetryCount      int           `json:"retry_count"`
	TotalExecutions int           `json:"total_executions"`
	SuccessRate     float64       `json:"success_rate"` // percent; 100 with no executions
	Duration        DurationStats `json:"duration"`
}

// RollingRate is the success rate over one rolling window.
type RollingRate struct {
	SuccessCount    int     `json:"success_count"`
	FailureCount    int     `json:"failure_count"`
	TotalExecutions int     `json:"total_executions"`
	SuccessRate     float64 `json:"success_rate"`
}

// Collector tracks hook executions: per-kind counters, duration histograms,
// rolling windows, snapshots and a bounded recent-executions ring.
type Collector struct {
	mu          sync.Mutex
	buckets     []float64
	byKind      map[string]*kindCounters
	byCategory  map[string]int
	windows     map[string]*window
	recent      []Execution
	recentNext  int
	recentCount int
	snapshots   []Snapshot
	persistPath string
	logger      *zap.Logger
}

// NewCollector builds a collector. If persistPath names an existing file the
// saved counters are loaded from it; load errors start fresh with a warning.
func NewCollector(persistPath string, logger *zap.Logger) *Collector {
	c := &Collector{
		buckets:     append([]float64(nil), DefaultDurationBuckets...),
		byKind:      make(map[string]*kindCounters),
		byCategory:  make(map[string]int),
		windows:     newWindows(time.Now()),
		recent:      make([]Execution, maxRecentExecutions),
		persistPath: persistPath,
		logger:      logger,
	}
	if persistPath != "" {
		if err := c.load(); err != nil && !os.IsNotExist(err) {
			logger.Warn("Failed to load hook metrics, starting fresh",
				zap.String("path", persistPath), zap.Error(err))
		}
	}
	return c
}

func newWindows(now time.Time) map[string]*window {
	return map[string]*window{
		"minute": {ResetAt: now.Add(time.Minute), duration: time.Minute},
		"hour":   {ResetAt: now.Add(time.Hour), duration: time.Hour},
		"day":    {ResetAt: now.Add(24 * time.Hour), duration: 24 * time.Hour},
	}
}

func (c *Collector) kind(kind string) *kindCounters {
	kc, ok := c.byKind[kind]
	if !ok {
		kc = &kindCounters{
			BucketCounts: make([]int, len(c.buckets)+1),
			samples:      make([]float64, 0, maxDurationSamples),
		}
		c.byKind[kind] = kc
	}
	return kc
}

func (c *Collector) observeDuration(kc *kindCounters, durationMs float64) {
	idx := len(c.buckets)
	for i, bound := range c.buckets {
		if durationMs <= bound {
			idx = i
			break
		}
	}
	kc.BucketCounts[idx]++
	kc.DurationSum += durationMs
	kc.DurationCount++
	if len(kc.samples) < maxDurationSamples {
		kc.samples = append(kc.samples, durationMs)
	} else {
		kc.samples[kc.sampleNext] = durationMs
		kc.sampleNext = (kc.sampleNext + 1) % maxDurationSamples
	}
}

func (c *Collector) pushRecent(e Execution) {
	c.recent[c.recentNext] = e
	c.recentNext = (c.recentNext + 1) % maxRecentExecutions
	if c.recentCount < maxRecentExecutions {
		c.recentCount++
	}
}

// RecordSuccess records a successful hook execution.
func (c *Collector) RecordSuccess(kind string, durationMs float64, extra map[string]interface{}) {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	kc := c.kind(kind)
	kc.SuccessCount++
	c.observeDuration(kc, durationMs)
	for _, w := range c.windows {
		w.rollIfExpired(now)
		w.SuccessCount++
	}
	c.pushRecent(Execution{Kind: kind, Success: true, DurationMs: durationMs, Timestamp: now, Extra: extra})
}

// RecordFailure records a failed hook execution. A "timeout" category also
// increments the timeout counter.
func (c *Collector) RecordFailure(kind, category string, durationMs float64, extra map[string]interface{}) {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	kc := c.kind(kind)
	kc.FailureCount++
	if category == ErrCategoryTimeout {
		kc.TimeoutCount++
	}
	if !validCategory(category) {
		category = ErrCategoryUnknown
	}
	c.byCategory[category]++
	c.observeDuration(kc, durationMs)
	for _, w := range c.windows {
		w.rollIfExpired(now)
		w.FailureCount++
	}
	c.pushRecent(Execution{Kind: kind, Success: false, Category: category, DurationMs: durationMs, Timestamp: now, Extra: extra})
}

func validCategory(category string) bool {
	for _, c := range ErrorCategories {
		if c == category {
			return true
		}
	}
	return false
}

// RecordRetry notes a retry attempt for a hook kind.
func (c *Collector) RecordRetry(kind string, attemptNumber int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.kind(kind).RetryCount++
	_ = attemptNumber
}

// GetHookStats returns the per-kind view. Unknown kinds yield zeroed stats
// with a 100% success rate.
func (c *Collector) GetHookStats(kind string) HookStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	kc, ok := c.byKind[kind]
	if !ok {
		return HookStats{SuccessRate: 100}
	}
	return statsFor(kc)
}

func statsFor(kc *kindCounters) HookStats {
	total := kc.SuccessCount + kc.FailureCount
	rate := 100.0
	if total > 0 {
		rate = float64(kc.SuccessCount) * 100 / float64(total)
	}
	d := DurationStats{Count: kc.DurationCount}
	if kc.DurationCount > 0 {
		d.Avg = kc.DurationSum / float64(kc.DurationCount)
	}
	if len(kc.samples) > 0 {
		sorted := append([]float64(nil), kc.samples...)
		sort.Float64s(sorted)
		d.P50 = percentile(sorted, 0.50)
		d.P95 = percentile(sorted, 0.95)
	}
	return HookStats{
		SuccessCount:    kc.SuccessCount,
		FailureCount:    kc.FailureCount,
		TimeoutCount:    kc.TimeoutCount,
		RetryCount:      kc.RetryCount,
		TotalExecutions: total,
		SuccessRate:     rate,
		Duration:        d,
	}
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}

// GetRollingSuccessRate returns the rate for "minute", "hour" or "day";
// unknown windows yield nil.
func (c *Collector) GetRollingSuccessRate(windowName string) *RollingRate {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.windows[windowName]
	if !ok {
		return nil
	}
	w.rollIfExpired(now)
	total := w.SuccessCount + w.FailureCount
	rate := 100.0
	if total > 0 {
		rate = float64(w.SuccessCount) * 100 / float64(total)
	}
	return &RollingRate{
		SuccessCount:    w.SuccessCount,
		FailureCount:    w.FailureCount,
		TotalExecutions: total,
		SuccessRate:     rate,
	}
}

// RecentExecutions returns the ring contents, oldest first.
func (c *Collector) RecentExecutions() []Execution {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Execution, 0, c.recentCount)
	start := 0
	if c.recentCount == maxRecentExecutions {
		start = c.recentNext
	}
	for i := 0; i < c.recentCount; i++ {
		out = append(out, c.recent[(start+i)%maxRecentExecutions])
	}
	return out
}

// TakeSnapshot captures current totals under a fresh id.
func (c *Collector) TakeSnapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{
		ID:            uuid.New().String(),
		Timestamp:     time.Now(),
		ByKind:        make(map[string]HookStats, len(c.byKind)),
		ByErrCategory: make(map[string]int, len(c.byCategory)),
	}
	for kind, kc := range c.byKind {
		snap.ByKind[kind] = statsFor(kc)
		snap.TotalSuccess += kc.SuccessCount
		snap.TotalFailure += kc.FailureCount
		snap.TotalRetries += kc.RetryCount
	}
	for cat, n := range c.byCategory {
		snap.ByErrCategory[cat] = n
	}
	c.snapshots = append(c.snapshots, snap)
	if len(c.snapshots) > maxSnapshots {
		c.snapshots = c.snapshots[len(c.snapshots)-maxSnapshots:]
	}
	return snap
}

// GetSnapshots returns ordered snapshots taken at or after since (zero time
// for all), capped at limit (<=0 for no cap).
func (c *Collector) GetSnapshots(since time.Time, limit int) []Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Snapshot, 0, len(c.snapshots))
	for _, s := range c.snapshots {
		if !since.IsZero() && s.Timestamp.Before(since) {
			continue
		}
		out = append(out, s)
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Reset zeroes every counter, window, snapshot and the recent ring.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byKind = make(map[string]*kindCounters)
	c.byCategory = make(map[string]int)
	c.windows = newWindows(time.Now())
	c.recent = make([]Execution, maxRecentExecutions)
	c.recentNext = 0
	c.recentCount = 0
	c.snapshots = nil
}

// persistedState is the on-disk JSON shape.
type persistedState struct {
	Buckets    []float64                `json:"buckets"`
	ByKind     map[string]*kindCounters `json:"by_kind"`
	ByCategory map[string]int           `json:"by_error_category"`
	Windows    map[string]*window       `json:"windows"`
	Snapshots  []Snapshot               `json:"snapshots"`
	SavedAt    time.Time                `json:"saved_at"`
}

// ToJSON serialises the collector state.
func (c *Collector) ToJSON() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return json.MarshalIndent(c.stateLocked(), "", "  ")
}

func (c *Collector) stateLocked() persistedState {
	return persistedState{
		Buckets:    c.buckets,
		ByKind:     c.byKind,
		ByCategory: c.byCategory,
		Windows:    c.windows,
		Snapshots:  c.snapshots,
		SavedAt:    time.Now(),
	}
}

// Persist writes the collector state atomically (temp file plus rename).
func (c *Collector) Persist() error {
	if c.persistPath == "" {
		return nil
	}
	data, err := c.ToJSON()
	if err != nil {
		metrics.HookMetricsPersistFailures.Inc()
		return fmt.Errorf("marshal hook metrics: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(c.persistPath), ".hookmetrics-*.json")
	if err != nil {
		metrics.HookMetricsPersistFailures.Inc()
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		metrics.HookMetricsPersistFailures.Inc()
		return fmt.Errorf("write hook metrics: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		metrics.HookMetricsPersistFailures.Inc()
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, c.persistPath); err != nil {
		os.Remove(tmpName)
		metrics.HookMetricsPersistFailures.Inc()
		return fmt.Errorf("rename hook metrics file: %w", err)
	}
	return nil
}

func (c *Collector) load() error {
	data, err := os.ReadFile(c.persistPath)
	if err != nil {
		return err
	}
	var st persistedState
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("unmarshal hook metrics: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(st.Buckets) > 0 {
		c.buckets = st.Buckets
	}
	if st.ByKind != nil {
		for _, kc := range st.ByKind {
			if kc.BucketCounts == nil {
				kc.BucketCounts = make([]int, len(c.buckets)+1)
			}
			kc.samples = make([]float64, 0, maxDurationSamples)
		}
		c.byKind = st.ByKind
	}
	if st.ByCategory != nil {
		c.byCategory = st.ByCategory
	}
	now := time.Now()
	c.windows = newWindows(now)
	for name, w := range st.Windows {
		if cur, ok := c.windows[name]; ok && now.Before(w.ResetAt) {
			cur.SuccessCount = w.SuccessCount
			cur.FailureCount = w.FailureCount
			cur.ResetAt = w.ResetAt
		}
	}
	c.snapshots = st.Snapshots
	return nil
}
