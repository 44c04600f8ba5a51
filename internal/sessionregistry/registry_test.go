package sessionregistry

import (
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/praxis-ai/coordinator/internal/events"
)

func newTestRegistry() *Registry {
	return NewRegistry(Config{}, zap.NewNop(), events.NewBus(64))
}

func TestRegisterAssignsDenseIDs(t *testing.T) {
	r := newTestRegistry()
	for i := 1; i <= 3; i++ {
		s, err := r.Register(RegisterInput{Project: fmt.Sprintf("proj-%d", i)})
		if err != nil {
			t.Fatalf("register: %v", err)
		}
		if s.ID != i {
			t.Errorf("session id = %d, want %d", s.ID, i)
		}
		if s.Status != StatusActive {
			t.Errorf("new session status = %q", s.Status)
		}
	}
}

func TestAutonomousDerivation(t *testing.T) {
	r := newTestRegistry()

	cli, _ := r.Register(RegisterInput{Project: "p"})
	if cli.SessionType != TypeCLI || cli.Autonomous {
		t.Errorf("default session = %q autonomous=%v", cli.SessionType, cli.Autonomous)
	}
	auto, _ := r.Register(RegisterInput{Project: "p", SessionType: TypeAutonomous})
	if !auto.Autonomous {
		t.Error("autonomous type should derive autonomous=true")
	}
	override := false
	forced, _ := r.Register(RegisterInput{Project: "p", SessionType: TypeAutonomous, Autonomous: &override})
	if forced.Autonomous {
		t.Error("explicit autonomous override must win over the type")
	}
}

func TestParentChildAttachment(t *testing.T) {
	bus := events.NewBus(64)
	ch := bus.Subscribe("session:childAdded", 4)
	r := NewRegistry(Config{}, zap.NewNop(), bus)

	root, err := r.Register(RegisterInput{Project: "root"})
	if err != nil {
		t.Fatal(err)
	}
	child, err := r.Register(RegisterInput{Project: "child", ParentSessionID: root.ID})
	if err != nil {
		t.Fatal(err)
	}

	if child.HierarchyInfo.IsRoot {
		t.Error("child must not be a root")
	}
	if child.HierarchyInfo.ParentSessionID != root.ID || child.HierarchyInfo.DelegationDepth != 1 {
		t.Errorf("child hierarchy = %+v", child.HierarchyInfo)
	}

	rootNow := r.Get(root.ID)
	if len(rootNow.HierarchyInfo.ChildSessionIDs) != 1 || rootNow.HierarchyInfo.ChildSessionIDs[0] != child.ID {
		t.Errorf("parent child list = %v", rootNow.HierarchyInfo.ChildSessionIDs)
	}
	if rootNow.RollupMetrics.ChildSessionCount != 1 {
		t.Errorf("eager child count = %d", rootNow.RollupMetrics.ChildSessionCount)
	}

	evt := <-ch
	if evt.Payload["parent_session_id"] != root.ID || evt.Payload["child_session_id"] != child.ID {
		t.Errorf("childAdded payload = %v", evt.Payload)
	}

	if _, err := r.Register(RegisterInput{Project: "orphan", ParentSessionID: 999}); err == nil {
		t.Error("unknown parent should be rejected")
	}
}

func TestUpdateAppliesOnlySetFields(t *testing.T) {
	r := newTestRegistry()
	s, _ := r.Register(RegisterInput{Project: "p", Tokens: 100, Cost: 0.5})

	tokens := 250
	status := StatusIdle
	upd, err := r.Update(s.ID, UpdateChanges{Tokens: &tokens, Status: &status})
	if err != nil {
		t.Fatal(err)
	}
	if upd.Tokens != 250 || upd.Status != StatusIdle {
		t.Errorf("updated = tokens %d status %q", upd.Tokens, upd.Status)
	}
	if upd.Cost != 0.5 || upd.Project != "p" {
		t.Error("unset fields must survive the update")
	}

	if _, err := r.Update(999, UpdateChanges{}); err == nil {
		t.Error("unknown session should error")
	}
}

func TestDeregisterRetainsRecord(t *testing.T) {
	r := newTestRegistry()
	s, _ := r.Register(RegisterInput{Project: "p"})

	ended, err := r.Deregister(s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if ended.Status != StatusEnded {
		t.Errorf("status = %q, want ended", ended.Status)
	}
	// The record stays queryable for rollups.
	if r.Get(s.ID) == nil {
		t.Error("deregistered session should remain until the stale sweep")
	}
}

func TestDelegationLifecycleAndCap(t *testing.T) {
	r := newTestRegistry()
	s, _ := r.Register(RegisterInput{Project: "p"})

	d, err := r.AddDelegation(s.ID, Delegation{AgentID: "agent-1", TaskID: "t-1"})
	if err != nil {
		t.Fatal(err)
	}
	if d.ID == "" || d.Status != "pending" {
		t.Errorf("new delegation = %+v", d)
	}

	upd, err := r.UpdateDelegation(s.ID, d.ID, "active", nil)
	if err != nil {
		t.Fatal(err)
	}
	if upd.Status != "active" || upd.CompletedAt != nil {
		t.Errorf("active delegation = %+v", upd)
	}

	done, err := r.UpdateDelegation(s.ID, d.ID, "completed", map[string]interface{}{"quality": 0.9})
	if err != nil {
		t.Fatal(err)
	}
	if done.CompletedAt == nil || done.Extra["quality"] != 0.9 {
		t.Errorf("completed delegation = %+v", done)
	}

	all := r.GetAllDelegations(s.ID)
	if len(all.Active) != 0 || len(all.Completed) != 1 {
		t.Errorf("lists after completion = %d active, %d completed", len(all.Active), len(all.Completed))
	}

	// A terminal delegation leaves the active list, so second updates fail.
	if _, err := r.UpdateDelegation(s.ID, d.ID, "failed", nil); err == nil {
		t.Error("completed delegation should no longer be updatable")
	}

	// The completed list keeps only the most recent entries.
	for i := 0; i < maxCompletedDelegations+20; i++ {
		nd, err := r.AddDelegation(s.ID, Delegation{TaskID: fmt.Sprintf("t-%d", i)})
		if err != nil {
			t.Fatal(err)
		}
		if _, err := r.UpdateDelegation(s.ID, nd.ID, "completed", nil); err != nil {
			t.Fatal(err)
		}
	}
	completed := r.GetCompletedDelegations(s.ID, 0)
	if len(completed) != maxCompletedDelegations {
		t.Errorf("completed list = %d, want cap %d", len(completed), maxCompletedDelegations)
	}
	// Most recent first.
	if completed[0].TaskID != fmt.Sprintf("t-%d", maxCompletedDelegations+19) {
		t.Errorf("newest completion = %q", completed[0].TaskID)
	}
	if limited := r.GetCompletedDelegations(s.ID, 5); len(limited) != 5 {
		t.Errorf("limited listing = %d, want 5", len(limited))
	}
}

func TestRollupMetrics(t *testing.T) {
	r := newTestRegistry()
	root, _ := r.Register(RegisterInput{Project: "root", Tokens: 1000, Cost: 1.0, QualityScore: 0.8})
	c1, _ := r.Register(RegisterInput{Project: "c1", ParentSessionID: root.ID, Tokens: 400, Cost: 0.4, QualityScore: 0.6})
	if _, err := r.Register(RegisterInput{Project: "gc", ParentSessionID: c1.ID, Tokens: 100, Cost: 0.1}); err != nil {
		t.Fatal(err)
	}

	roll := r.GetRollupMetrics(root.ID)
	if roll.TotalTokens != 1500 {
		t.Errorf("total tokens = %d, want 1500", roll.TotalTokens)
	}
	if roll.TotalCost < 1.49 || roll.TotalCost > 1.51 {
		t.Errorf("total cost = %v, want 1.5", roll.TotalCost)
	}
	// The grandchild's zero quality score is excluded from the average.
	if roll.AvgQuality < 0.699 || roll.AvgQuality > 0.701 {
		t.Errorf("avg quality = %v, want 0.7", roll.AvgQuality)
	}
	if roll.TotalAgentCount != 3 {
		t.Errorf("agent count = %d, want 3", roll.TotalAgentCount)
	}
	if roll.ChildSessionCount != 1 {
		t.Errorf("eager child count = %d, want 1", roll.ChildSessionCount)
	}
	if r.GetRollupMetrics(999) != nil {
		t.Error("unknown session rollup should be nil")
	}
}

func TestPropagateMetricUpdateNotifiesAncestorsOnly(t *testing.T) {
	bus := events.NewBus(64)
	ch := bus.Subscribe("session:rollupUpdated", 16)
	r := NewRegistry(Config{}, zap.NewNop(), bus)

	root, _ := r.Register(RegisterInput{Project: "root"})
	mid, _ := r.Register(RegisterInput{Project: "mid", ParentSessionID: root.ID})
	leaf, _ := r.Register(RegisterInput{Project: "leaf", ParentSessionID: mid.ID})
	if _, err := r.Register(RegisterInput{Project: "sibling", ParentSessionID: root.ID}); err != nil {
		t.Fatal(err)
	}

	r.PropagateMetricUpdate(leaf.ID, "tokens", 500)

	notified := map[int]bool{}
	for i := 0; i < 2; i++ {
		select {
		case evt := <-ch:
			notified[evt.Payload["session_id"].(int)] = true
			if evt.Payload["source_session_id"] != leaf.ID {
				t.Errorf("source = %v", evt.Payload["source_session_id"])
			}
		case <-time.After(time.Second):
			t.Fatal("expected two ancestor notifications")
		}
	}
	if !notified[mid.ID] || !notified[root.ID] {
		t.Errorf("notified = %v, want mid and root", notified)
	}
	select {
	case evt := <-ch:
		t.Errorf("unexpected extra notification: %v", evt.Payload)
	default:
	}
}

func TestTreeQueries(t *testing.T) {
	r := newTestRegistry()
	root, _ := r.Register(RegisterInput{Project: "root"})
	c1, _ := r.Register(RegisterInput{Project: "c1", ParentSessionID: root.ID})
	c2, _ := r.Register(RegisterInput{Project: "c2", ParentSessionID: root.ID})
	gc, _ := r.Register(RegisterInput{Project: "gc", ParentSessionID: c1.ID})
	other, _ := r.Register(RegisterInput{Project: "other"})

	roots := r.GetRootSessions()
	if len(roots) != 2 || roots[0].ID != root.ID || roots[1].ID != other.ID {
		t.Errorf("roots = %v", roots)
	}

	if p := r.GetParentSession(gc.ID); p == nil || p.ID != c1.ID {
		t.Errorf("parent of gc = %v", p)
	}
	if p := r.GetParentSession(root.ID); p != nil {
		t.Error("root has no parent")
	}

	kids := r.GetChildSessions(root.ID)
	if len(kids) != 2 || kids[0].ID != c1.ID || kids[1].ID != c2.ID {
		t.Errorf("children = %v", kids)
	}

	desc := r.GetDescendants(root.ID)
	if len(desc) != 3 {
		t.Errorf("descendants = %d, want 3", len(desc))
	}

	tree := r.GetHierarchy(root.ID)
	if tree == nil || len(tree.Children) != 2 || len(tree.Children[0].Children) != 1 {
		t.Fatalf("tree shape wrong: %+v", tree)
	}

	with := r.GetSessionWithHierarchy(c1.ID)
	if with.Parent.ID != root.ID || len(with.Children) != 1 || with.Rollup == nil {
		t.Errorf("decorated view = %+v", with)
	}
}

func TestSummaries(t *testing.T) {
	r := newTestRegistry()
	root, _ := r.Register(RegisterInput{Project: "root"})
	if _, err := r.Register(RegisterInput{Project: "c", ParentSessionID: root.ID, SessionType: TypeAutonomous}); err != nil {
		t.Fatal(err)
	}
	solo, _ := r.Register(RegisterInput{Project: "solo"})
	if _, err := r.Deregister(solo.ID); err != nil {
		t.Fatal(err)
	}

	sum := r.GetSummary()
	if sum.Total != 3 || sum.ByStatus[StatusActive] != 2 || sum.ByStatus[StatusEnded] != 1 {
		t.Errorf("summary = %+v", sum)
	}
	if sum.ByType[TypeCLI] != 2 || sum.ByType[TypeAutonomous] != 1 {
		t.Errorf("by type = %v", sum.ByType)
	}

	hs := r.GetSummaryWithHierarchy()
	if hs.HierarchyMetrics.RootSessionCount != 2 || hs.HierarchyMetrics.SessionsWithChildren != 1 {
		t.Errorf("hierarchy metrics = %+v", hs.HierarchyMetrics)
	}
	if len(hs.RootSessions) != 2 || hs.RootSessions[0].ChildCount != 1 {
		t.Errorf("root summaries = %+v", hs.RootSessions)
	}
}

func TestCleanupStaleRemovesOnlyQuietEndedSessions(t *testing.T) {
	r := NewRegistry(Config{StaleTimeout: time.Millisecond}, zap.NewNop(), events.NewBus(8))
	root, _ := r.Register(RegisterInput{Project: "root"})
	child, _ := r.Register(RegisterInput{Project: "child", ParentSessionID: root.ID})
	if _, err := r.Deregister(child.ID); err != nil {
		t.Fatal(err)
	}

	time.Sleep(5 * time.Millisecond)
	r.cleanupStale()

	if r.Get(child.ID) != nil {
		t.Error("quiet ended child should be swept")
	}
	rootNow := r.Get(root.ID)
	if rootNow == nil {
		t.Fatal("active root must survive")
	}
	if len(rootNow.HierarchyInfo.ChildSessionIDs) != 0 {
		t.Errorf("swept child still referenced: %v", rootNow.HierarchyInfo.ChildSessionIDs)
	}
}
