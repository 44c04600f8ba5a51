package flags

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/praxis-ai/coordinator/internal/events"
)

// Feature flag names use internal camelCase; the environment override for a
// flag "contextRetrieval" is ENABLE_CONTEXT_RETRIEVAL.
const (
	HierarchicalDelegation = "hierarchicalDelegation"
	ContextRetrieval       = "contextRetrieval"
	ProgressiveRetrieval   = "progressiveRetrieval"
	RateLimitTracking      = "rateLimitTracking"
	ConflictDetection      = "conflictDetection"
	HookMetrics            = "hookMetrics"
	Dashboard              = "dashboard"
	PolicyGate             = "policyGate"
	EventMirror            = "eventMirror"
	AutoRepair             = "autoRepair"
)

// knownFlags is the single place flag defaults are defined.
var knownFlags = map[string]bool{
	HierarchicalDelegation: true,
	ContextRetrieval:       true,
	ProgressiveRetrieval:   true,
	RateLimitTracking:      true,
	ConflictDetection:      true,
	HookMetrics:            true,
	Dashboard:              true,
	PolicyGate:             true,
	EventMirror:            true,
	AutoRepair:             true,
}

var truthyTokens = map[string]bool{"true": true, "1": true, "yes": true, "on": true, "enabled": true}
var falsyTokens = map[string]bool{"false": true, "0": true, "no": true, "off": true, "disabled": true}

// ErrUnknownFlag is returned by SetFlag for names outside the known set.
type ErrUnknownFlag struct{ Name string }

func (e *ErrUnknownFlag) Error() string { return fmt.Sprintf("unknown feature flag: %s", e.Name) }

// Change describes a single flag value change, carried on reload events.
type Change struct {
	Name string `json:"name"`
	From bool   `json:"from"`
	To   bool   `json:"to"`
}

// Registry resolves and serves boolean feature gates. Resolution order at
// construction: explicit defaults override, then ENABLE_<UPPER_SNAKE> env,
// then the static default.
type Registry struct {
	mu        sync.RWMutex
	values    map[string]bool
	overrides map[string]bool // construction-time explicit defaults
	logger    *zap.Logger
	bus       *events.Bus
}

// NewRegistry builds a registry. defaults may be nil; bus may be nil (no
// events emitted).
func NewRegistry(defaults map[string]bool, logger *zap.Logger, bus *events.Bus) *Registry {
	r := &Registry{
		values:    make(map[string]bool, len(knownFlags)),
		overrides: make(map[string]bool, len(defaults)),
		logger:    logger,
		bus:       bus,
	}
	for k, v := range defaults {
		r.overrides[k] = v
	}
	for name, def := range knownFlags {
		r.values[name] = r.resolve(name, def)
	}
	return r
}

// resolve computes a flag value from overrides, env and the static default.
func (r *Registry) resolve(name string, def bool) bool {
	if v, ok := r.overrides[name]; ok {
		return v
	}
	raw, present := os.LookupEnv(EnvVar(name))
	if !present {
		return def
	}
	token := strings.ToLower(strings.TrimSpace(raw))
	if token == "" {
		return def
	}
	if truthyTokens[token] {
		return true
	}
	if falsyTokens[token] {
		return false
	}
	r.logger.Warn("Unrecognized feature flag value, using default",
		zap.String("flag", name),
		zap.String("env", EnvVar(name)),
		zap.String("value", raw),
		zap.Bool("default", def),
	)
	return def
}

// EnvVar returns the environment variable name for a camelCase flag name.
func EnvVar(name string) string {
	var b strings.Builder
	b.WriteString("ENABLE_")
	for i, ch := range name {
		if ch >= 'A' && ch <= 'Z' && i > 0 {
			b.WriteByte('_')
		}
		b.WriteRune(ch)
	}
	return strings.ToUpper(b.String())
}

// IsEnabled reports whether a flag is on. Unknown names warn and return false.
func (r *Registry) IsEnabled(name string) bool {
	r.mu.RLock()
	v, ok := r.values[name]
	r.mu.RUnlock()
	if !ok {
		r.logger.Warn("Unknown feature flag queried", zap.String("flag", name))
		return false
	}
	return v
}

// GetAll returns a copy of the full flag map.
func (r *Registry) GetAll() map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]bool, len(r.values))
	for k, v := range r.values {
		out[k] = v
	}
	return out
}

// GetEnabled returns the sorted names of enabled flags.
func (r *Registry) GetEnabled() []string { return r.names(true) }

// GetDisabled returns the sorted names of disabled flags.
func (r *Registry) GetDisabled() []string { return r.names(false) }

func (r *Registry) names(want bool) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.values))
	for k, v := range r.values {
		if v == want {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// SetFlag overrides a flag at runtime. It emits "flag:changed" only when the
// value actually changes and errors on unknown names.
func (r *Registry) SetFlag(name string, value bool) error {
	r.mu.Lock()
	cur, ok := r.values[name]
	if !ok {
		r.mu.Unlock()
		return &ErrUnknownFlag{Name: name}
	}
	if cur == value {
		r.mu.Unlock()
		return nil
	}
	r.values[name] = value
	r.mu.Unlock()

	r.logger.Info("Feature flag changed",
		zap.String("flag", name), zap.Bool("from", cur), zap.Bool("to", value))
	r.bus.Emit("flag:changed", "flags", map[string]interface{}{
		"name": name, "from": cur, "to": value,
	})
	return nil
}

// Reload re-resolves every flag from the environment. When anything changed
// it emits "flags:reloaded" with the change list.
func (r *Registry) Reload() []Change {
	var changes []Change
	r.mu.Lock()
	for name, def := range knownFlags {
		next := r.resolve(name, def)
		if cur := r.values[name]; cur != next {
			changes = append(changes, Change{Name: name, From: cur, To: next})
			r.values[name] = next
		}
	}
	r.mu.Unlock()

	if len(changes) > 0 {
		sort.Slice(changes, func(i, j int) bool { return changes[i].Name < changes[j].Name })
		payload := make([]interface{}, 0, len(changes))
		for _, c := range changes {
			payload = append(payload, map[string]interface{}{"name": c.Name, "from": c.From, "to": c.To})
		}
		r.bus.Emit("flags:reloaded", "flags", map[string]interface{}{"changes": payload})
		r.logger.Info("Feature flags reloaded", zap.Int("changes", len(changes)))
	}
	return changes
}

// Summary captures the registry state for diagnostics.
type Summary struct {
	Total     int       `json:"total"`
	Enabled   []string  `json:"enabled"`
	Disabled  []string  `json:"disabled"`
	Timestamp time.Time `json:"timestamp"`
}

// GetSummary returns counts and name lists.
func (r *Registry) GetSummary() Summary {
	return Summary{
		Total:     len(knownFlags),
		Enabled:   r.GetEnabled(),
		Disabled:  r.GetDisabled(),
		Timestamp: time.Now(),
	}
}

var (
	defaultRegistry *Registry
	once            sync.Once
)

// Default returns the process-wide registry, initializing it lazily with no
// overrides and a no-op logger.
func Default() *Registry {
	once.Do(func() {
		defaultRegistry = NewRegistry(nil, zap.NewNop(), nil)
	})
	return defaultRegistry
}

// SetDefault replaces the process-wide registry (main wires the real logger
// and bus at startup).
func SetDefault(r *Registry) {
	once.Do(func() {})
	defaultRegistry = r
}
