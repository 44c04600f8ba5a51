package flags

import (
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/praxis-ai/coordinator/internal/events"
)

func newTestRegistry(defaults map[string]bool, bus *events.Bus) *Registry {
	return NewRegistry(defaults, zap.NewNop(), bus)
}

func TestEnvVar(t *testing.T) {
	cases := map[string]string{
		ContextRetrieval:       "ENABLE_CONTEXT_RETRIEVAL",
		HierarchicalDelegation: "ENABLE_HIERARCHICAL_DELEGATION",
		Dashboard:              "ENABLE_DASHBOARD",
		RateLimitTracking:      "ENABLE_RATE_LIMIT_TRACKING",
	}
	for name, want := range cases {
		if got := EnvVar(name); got != want {
			t.Errorf("EnvVar(%q) = %q, want %q", name, got, want)
		}
	}
}

func TestDefaultsAllEnabled(t *testing.T) {
	r := newTestRegistry(nil, nil)
	for name := range knownFlags {
		if !r.IsEnabled(name) {
			t.Errorf("flag %q should default to enabled", name)
		}
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("ENABLE_DASHBOARD", "false")
	t.Setenv("ENABLE_AUTO_REPAIR", "0")
	t.Setenv("ENABLE_HOOK_METRICS", "garbage") // falls back to default

	r := newTestRegistry(nil, nil)
	if r.IsEnabled(Dashboard) {
		t.Error("ENABLE_DASHBOARD=false should disable the flag")
	}
	if r.IsEnabled(AutoRepair) {
		t.Error("ENABLE_AUTO_REPAIR=0 should disable the flag")
	}
	if !r.IsEnabled(HookMetrics) {
		t.Error("unrecognized env value should fall back to the default")
	}
}

func TestExplicitDefaultsBeatEnv(t *testing.T) {
	t.Setenv("ENABLE_POLICY_GATE", "true")
	r := newTestRegistry(map[string]bool{PolicyGate: false}, nil)
	if r.IsEnabled(PolicyGate) {
		t.Error("construction-time override should win over env")
	}
}

func TestUnknownFlagQueriesReturnFalse(t *testing.T) {
	r := newTestRegistry(nil, nil)
	if r.IsEnabled("definitelyNotAFlag") {
		t.Error("unknown flag should report disabled")
	}
}

func TestSetFlagEmitsOnlyOnChange(t *testing.T) {
	bus := events.NewBus(16)
	ch := bus.Subscribe("flag:changed", 4)
	r := newTestRegistry(nil, bus)

	if err := r.SetFlag(Dashboard, true); err != nil {
		t.Fatalf("SetFlag: %v", err)
	}
	select {
	case evt := <-ch:
		t.Fatalf("no-op set should not emit, got %v", evt.Payload)
	default:
	}

	if err := r.SetFlag(Dashboard, false); err != nil {
		t.Fatalf("SetFlag: %v", err)
	}
	evt := <-ch
	if evt.Payload["name"] != Dashboard || evt.Payload["to"] != false {
		t.Errorf("unexpected change payload: %v", evt.Payload)
	}

	err := r.SetFlag("bogus", true)
	var unknown *ErrUnknownFlag
	if err == nil {
		t.Fatal("expected error for unknown flag")
	}
	if !errors.As(err, &unknown) {
		t.Errorf("expected ErrUnknownFlag, got %T", err)
	}
}

func TestReloadPicksUpEnvChanges(t *testing.T) {
	r := newTestRegistry(nil, nil)
	if !r.IsEnabled(EventMirror) {
		t.Fatal("precondition: eventMirror enabled")
	}

	t.Setenv("ENABLE_EVENT_MIRROR", "off")
	changes := r.Reload()
	if len(changes) != 1 {
		t.Fatalf("expected 1 change, got %d", len(changes))
	}
	if changes[0].Name != EventMirror || changes[0].To {
		t.Errorf("unexpected change: %+v", changes[0])
	}
	if r.IsEnabled(EventMirror) {
		t.Error("reload should have disabled eventMirror")
	}

	// Second reload with no env movement is a no-op.
	if again := r.Reload(); len(again) != 0 {
		t.Errorf("expected no changes, got %+v", again)
	}
}

func TestGetSummary(t *testing.T) {
	r := newTestRegistry(map[string]bool{ConflictDetection: false}, nil)
	s := r.GetSummary()
	if s.Total != len(knownFlags) {
		t.Errorf("total = %d, want %d", s.Total, len(knownFlags))
	}
	if len(s.Enabled)+len(s.Disabled) != s.Total {
		t.Errorf("enabled %d + disabled %d != total %d", len(s.Enabled), len(s.Disabled), s.Total)
	}
	if len(s.Disabled) != 1 || s.Disabled[0] != ConflictDetection {
		t.Errorf("disabled = %v", s.Disabled)
	}
}
