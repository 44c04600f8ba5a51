package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/praxis-ai/coordinator/internal/metrics"
)

// Level classifies utilization against the configured thresholds.
type Level string

const (
	LevelOK        Level = "OK"
	LevelWarning   Level = "WARNING"
	LevelCritical  Level = "CRITICAL"
	LevelEmergency Level = "EMERGENCY"
)

// Recommended actions per level.
const (
	ActionProceed = "PROCEED"
	ActionCaution = "PROCEED_WITH_CAUTION"
	ActionWrapUp  = "WRAP_UP_CURRENT_WORK"
	ActionHalt    = "HALT_IMMEDIATELY"
)

// Thresholds are fractions of the limit at which each level engages.
type Thresholds struct {
	Warning   float64 `json:"warning"`
	Critical  float64 `json:"critical"`
	Emergency float64 `json:"emergency"`
}

// DefaultThresholds mirror the dashboard's context thresholds.
var DefaultThresholds = Thresholds{Warning: 0.8, Critical: 0.9, Emergency: 0.95}

// window is a rolling counter of calls and tokens.
type window struct {
	Calls    int       `json:"calls"`
	Tokens   int       `json:"tokens"`
	ResetAt  time.Time `json:"reset_at"`
	duration time.Duration
}

// CheckResult is the outcome of CanMakeCall.
type CheckResult struct {
	Safe               bool    `json:"safe"`
	Level              Level   `json:"level"`
	Action             string  `json:"action"`
	UtilizationPercent float64 `json:"utilization_percent"`
	LimitingFactor     string  `json:"limiting_factor,omitempty"`
	Reason             string  `json:"reason"`
}

// Snapshot is the persisted view of the tracker, written to the coordination
// database after each recorded call.
type Snapshot struct {
	Plan      string             `json:"plan"`
	Windows   map[string]*window `json:"windows"`
	Timestamp time.Time          `json:"timestamp"`
}

// Persister saves tracker snapshots; the coordination DB implements it.
// Persistence failures are absorbed: tracking continues in memory.
type Persister interface {
	SaveRateLimitSnapshot(ctx context.Context, snap Snapshot) error
}

// Tracker enforces plan-based request and token ceilings over rolling
// minute/hour/day windows.
type Tracker struct {
	mu         sync.Mutex
	plan       string
	limits     PlanLimits
	thresholds Thresholds
	windows    map[string]*window
	persister  Persister
	logger     *zap.Logger

	// Optional hard per-session request limiters, separate from the
	// window accounting.
	limiters   map[string]*rate.Limiter
	limitersMu sync.RWMutex

	now func() time.Time // test hook
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithCustomLimits merges non-zero overrides over the plan limits.
func WithCustomLimits(over PlanLimits) Option {
	return func(t *Tracker) { t.limits = mergeLimits(t.limits, over) }
}

// WithThresholds replaces the default thresholds.
func WithThresholds(th Thresholds) Option {
	return func(t *Tracker) { t.thresholds = th }
}

// WithPersister attaches snapshot persistence.
func WithPersister(p Persister) Option {
	return func(t *Tracker) { t.persister = p }
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// NewTracker builds a tracker for the named plan.
func NewTracker(plan string, logger *zap.Logger, opts ...Option) *Tracker {
	t := &Tracker{
		plan:       plan,
		limits:     PlanFor(plan),
		thresholds: DefaultThresholds,
		limiters:   make(map[string]*rate.Limiter),
		logger:     logger,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	now := t.now()
	t.windows = map[string]*window{
		"minute": {ResetAt: now.Add(time.Minute), duration: time.Minute},
		"hour":   {ResetAt: now.Add(time.Hour), duration: time.Hour},
		"day":    {ResetAt: now.Add(24 * time.Hour), duration: 24 * time.Hour},
	}
	return t
}

// resetExpiredWindows zeroes any window whose reset time has passed.
// Callers must hold mu.
func (t *Tracker) resetExpiredWindows() {
	now := t.now()
	for _, w := range t.windows {
		if !now.Before(w.ResetAt) {
			w.Calls = 0
			w.Tokens = 0
			w.ResetAt = now.Add(w.duration)
		}
	}
}

// RecordCall accounts one call and its token count across all windows and
// persists a snapshot when a persister is attached. Negative token counts
// accumulate as-is; validation is the caller's responsibility.
func (t *Tracker) RecordCall(ctx context.Context, tokens int) {
	t.mu.Lock()
	t.resetExpiredWindows()
	for _, w := range t.windows {
		w.Calls++
		w.Tokens += tokens
	}
	snap := t.snapshotLocked()
	t.mu.Unlock()

	if t.persister != nil {
		if err := t.persister.SaveRateLimitSnapshot(ctx, snap); err != nil {
			metrics.RateLimitPersistFailures.Inc()
			t.logger.Debug("Rate-limit snapshot persistence failed, continuing in memory",
				zap.Error(err))
		}
	}
}

// limitKind pairs a window with one ceiling kind for utilization math.
type limitKind struct {
	factor string
	limit  int
	tokens bool
}

func (t *Tracker) limitKinds(name string) []limitKind {
	switch name {
	case "minute":
		return []limitKind{
			{factor: "requests/minute", limit: t.limits.RequestsPerMinute},
			{factor: "tokens/minute", limit: t.limits.TokensPerMinute, tokens: true},
		}
	case "hour":
		return []limitKind{
			{factor: "requests/hour", limit: t.limits.RequestsPerHour},
			{factor: "tokens/hour", limit: t.limits.TokensPerHour, tokens: true},
		}
	default:
		return []limitKind{
			{factor: "requests/day", limit: t.limits.RequestsPerDay},
			{factor: "tokens/day", limit: t.limits.TokensPerDay, tokens: true},
		}
	}
}

// CanMakeCall classifies the projected utilization of one more call carrying
// projectedTokens. It never waits.
func (t *Tracker) CanMakeCall(projectedTokens int) CheckResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resetExpiredWindows()

	worst := 0.0
	factor := ""
	for name, w := range t.windows {
		for _, lk := range t.limitKinds(name) {
			if lk.limit <= 0 {
				continue
			}
			var util float64
			if lk.tokens {
				util = float64(w.Tokens+projectedTokens) / float64(lk.limit)
			} else {
				util = float64(w.Calls+1) / float64(lk.limit)
			}
			if util > worst {
				worst = util
				factor = lk.factor
			}
		}
	}

	res := CheckResult{
		Safe:               true,
		Level:              LevelOK,
		Action:             ActionProceed,
		UtilizationPercent: worst * 100,
		LimitingFactor:     factor,
	}
	switch {
	case worst >= t.thresholds.Emergency:
		res.Level = LevelEmergency
		res.Action = ActionHalt
		res.Safe = false
	case worst >= t.thresholds.Critical:
		res.Level = LevelCritical
		res.Action = ActionWrapUp
	case worst >= t.thresholds.Warning:
		res.Level = LevelWarning
		res.Action = ActionCaution
	}
	if factor == "" {
		res.Reason = "no limits configured"
	} else {
		res.Reason = fmt.Sprintf("%s at %.1f%% of %s limit", factor, worst*100, t.plan)
	}
	metrics.RateLimitChecks.WithLabelValues(string(res.Level)).Inc()
	return res
}

// GetStatus returns the current window contents and plan limits.
func (t *Tracker) GetStatus() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resetExpiredWindows()
	return t.snapshotLocked()
}

func (t *Tracker) snapshotLocked() Snapshot {
	snap := Snapshot{Plan: t.plan, Windows: make(map[string]*window, len(t.windows)), Timestamp: t.now()}
	for name, w := range t.windows {
		cp := *w
		snap.Windows[name] = &cp
	}
	return snap
}

// GetTimeUntilAvailable reports the longest wait across windows whose limits
// are already reached; zero when every window has headroom.
func (t *Tracker) GetTimeUntilAvailable() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resetExpiredWindows()

	now := t.now()
	var longest time.Duration
	for name, w := range t.windows {
		for _, lk := range t.limitKinds(name) {
			if lk.limit <= 0 {
				continue
			}
			reached := false
			if lk.tokens {
				reached = w.Tokens >= lk.limit
			} else {
				reached = w.Calls >= lk.limit
			}
			if reached {
				if wait := w.ResetAt.Sub(now); wait > longest {
					longest = wait
				}
			}
		}
	}
	return longest
}

// SetSessionLimit installs a hard request limiter for one session, enforced
// by AllowSession independently of the window accounting.
func (t *Tracker) SetSessionLimit(sessionID string, requestsPerInterval int, interval time.Duration) {
	t.limitersMu.Lock()
	defer t.limitersMu.Unlock()
	perSecond := float64(requestsPerInterval) / interval.Seconds()
	t.limiters[sessionID] = rate.NewLimiter(rate.Limit(perSecond), requestsPerInterval)
}

// AllowSession reports whether a session may issue a request right now.
// Sessions without a configured limiter are always allowed.
func (t *Tracker) AllowSession(sessionID string) bool {
	t.limitersMu.RLock()
	limiter, ok := t.limiters[sessionID]
	t.limitersMu.RUnlock()
	if !ok {
		return true
	}
	return limiter.Allow()
}
