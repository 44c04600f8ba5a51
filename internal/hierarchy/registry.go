package hierarchy

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/praxis-ai/coordinator/internal/events"
	"github.com/praxis-ai/coordinator/internal/metrics"
)

// Delegation statuses, shared with node status tracking.
const (
	StatusPending   = "pending"
	StatusActive    = "active"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

var terminalStatuses = map[string]bool{
	StatusCompleted: true, StatusFailed: true, StatusCancelled: true,
}

var (
	ErrAlreadyRegistered   = errors.New("agent already registered")
	ErrParentNotFound      = errors.New("parent agent not found")
	ErrMaxChildrenReached  = errors.New("parent has reached max children")
	ErrMaxDepthExceeded    = errors.New("max hierarchy depth exceeded")
	ErrWouldCreateCycle    = errors.New("registration would create a cycle")
	ErrDuplicateDelegation = errors.New("delegation id already exists")
	ErrDelegationNotFound  = errors.New("delegation not found")
)

// Node is one agent in the delegation tree. Cross-references are held as
// identifiers only; traversal resolves them through the registry indexes.
type Node struct {
	AgentID   string                 `json:"agent_id"`
	ParentID  string                 `json:"parent_id,omitempty"`
	Depth     int                    `json:"depth"`
	ChildIDs  []string               `json:"child_ids"`
	Status    string                 `json:"status"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
}

func (n *Node) clone() *Node {
	c := *n
	c.ChildIDs = append([]string(nil), n.ChildIDs...)
	if n.Metadata != nil {
		c.Metadata = make(map[string]interface{}, len(n.Metadata))
		for k, v := range n.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// Delegation tracks one parent-to-child task handoff.
type Delegation struct {
	ID            string      `json:"id"`
	ParentAgentID string      `json:"parent_agent_id"`
	ChildAgentID  string      `json:"child_agent_id"`
	TaskID        string      `json:"task_id"`
	Status        string      `json:"status"`
	CreatedAt     time.Time   `json:"created_at"`
	CompletedAt   *time.Time  `json:"completed_at,omitempty"`
	Result        interface{} `json:"result,omitempty"`
	Error         string      `json:"error,omitempty"`
}

// TreeNode is a node with its children resolved, as returned by GetHierarchy.
type TreeNode struct {
	Node
	Children []*TreeNode `json:"children"`
}

// DelegationCapacity reports whether an agent may take on another child.
type DelegationCapacity struct {
	CanDelegate       bool   `json:"can_delegate"`
	Reason            string `json:"reason,omitempty"`
	RemainingDepth    int    `json:"remaining_depth"`
	RemainingChildren int    `json:"remaining_children"`
}

// PruneResult reports what PruneHierarchy removed.
type PruneResult struct {
	Pruned       bool     `json:"pruned"`
	RemovedNodes []string `json:"removed_nodes"`
}

// State is the exportable view of the registry.
type State struct {
	Nodes       map[string]*Node       `json:"nodes"`
	Delegations map[string]*Delegation `json:"delegations"`
	Roots       []string               `json:"roots"`
}

// Config bounds the tree shape.
type Config struct {
	MaxDepth    int
	MaxChildren int
}

// Registry tracks the agent delegation tree for one process. All mutating
// operations are serialised under a single lock; events are emitted after
// state is committed.
type Registry struct {
	mu          sync.RWMutex
	nodes       map[string]*Node
	delegations map[string]*Delegation
	roots       map[string]bool
	byDepth     map[int]map[string]bool
	byStatus    map[string]map[string]bool

	cfg    Config
	logger *zap.Logger
	bus    *events.Bus
}

func NewRegistry(cfg Config, logger *zap.Logger, bus *events.Bus) *Registry {
	if cfg.MaxDepth == 0 {
		cfg.MaxDepth = 5
	}
	if cfg.MaxChildren == 0 {
		cfg.MaxChildren = 10
	}
	return &Registry{
		nodes:       make(map[string]*Node),
		delegations: make(map[string]*Delegation),
		roots:       make(map[string]bool),
		byDepth:     make(map[int]map[string]bool),
		byStatus:    make(map[string]map[string]bool),
		cfg:         cfg,
		logger:      logger,
		bus:         bus,
	}
}

// RegisterHierarchy inserts childID under parentID (empty parentID makes a
// root). Depth, fan-out and cycle constraints are enforced before insertion.
func (r *Registry) RegisterHierarchy(parentID, childID string, metadata map[string]interface{}) (*Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.nodes[childID]; ok {
		metrics.HierarchyRegistrations.WithLabelValues("duplicate").Inc()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRegistered, childID)
	}

	depth := 0
	var parent *Node
	if parentID != "" {
		parent = r.nodes[parentID]
		if parent == nil {
			metrics.HierarchyRegistrations.WithLabelValues("rejected").Inc()
			return nil, fmt.Errorf("%w: %s", ErrParentNotFound, parentID)
		}
		if len(parent.ChildIDs) >= r.cfg.MaxChildren {
			metrics.HierarchyRegistrations.WithLabelValues("rejected").Inc()
			return nil, fmt.Errorf("%w: %s has %d children", ErrMaxChildrenReached, parentID, len(parent.ChildIDs))
		}
		depth = parent.Depth + 1
		if depth > r.cfg.MaxDepth {
			metrics.HierarchyRegistrations.WithLabelValues("rejected").Inc()
			return nil, fmt.Errorf("%w: depth %d > %d", ErrMaxDepthExceeded, depth, r.cfg.MaxDepth)
		}
		if r.wouldCreateCycle(parentID, childID) {
			metrics.HierarchyRegistrations.WithLabelValues("rejected").Inc()
			return nil, fmt.Errorf("%w: %s", ErrWouldCreateCycle, childID)
		}
	}

	now := time.Now().UTC()
	node := &Node{
		AgentID:   childID,
		ParentID:  parentID,
		Depth:     depth,
		ChildIDs:  []string{},
		Status:    StatusPending,
		Metadata:  metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}
	r.nodes[childID] = node
	if parent != nil {
		parent.ChildIDs = append(parent.ChildIDs, childID)
		parent.UpdatedAt = now
	} else {
		r.roots[childID] = true
	}
	r.indexAdd(r.byDepth, depth, childID)
	r.statusAdd(node.Status, childID)

	metrics.HierarchyRegistrations.WithLabelValues("success").Inc()
	metrics.HierarchyNodes.Set(float64(len(r.nodes)))
	r.logger.Debug("Hierarchy node registered",
		zap.String("agent_id", childID),
		zap.String("parent_id", parentID),
		zap.Int("depth", depth),
	)
	r.bus.Emit("hierarchy:registered", "hierarchy", map[string]interface{}{
		"agent_id": childID, "parent_id": parentID, "depth": depth,
	})
	return node.clone(), nil
}

// wouldCreateCycle walks the ancestor chain of ancestor looking for
// candidate. Caller holds the lock.
func (r *Registry) wouldCreateCycle(ancestor, candidate string) bool {
	seen := 0
	for id := ancestor; id != ""; {
		if id == candidate {
			return true
		}
		node := r.nodes[id]
		if node == nil {
			return false
		}
		id = node.ParentID
		if seen++; seen > r.cfg.MaxDepth+1 {
			return true
		}
	}
	return false
}

// RegisterDelegation creates a pending delegation record.
func (r *Registry) RegisterDelegation(id string, d Delegation) (*Delegation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.delegations[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateDelegation, id)
	}
	d.ID = id
	d.Status = StatusPending
	d.CreatedAt = time.Now().UTC()
	d.CompletedAt = nil
	r.delegations[id] = &d

	cp := d
	return &cp, nil
}

// UpdateDelegationStatus moves a delegation through its lifecycle. Terminal
// statuses stamp CompletedAt.
func (r *Registry) UpdateDelegationStatus(id, status string, result interface{}, errMsg string) (*Delegation, error) {
	r.mu.Lock()
	d := r.delegations[id]
	if d == nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDelegationNotFound, id)
	}
	oldStatus := d.Status
	d.Status = status
	if result != nil {
		d.Result = result
	}
	if errMsg != "" {
		d.Error = errMsg
	}
	if terminalStatuses[status] {
		now := time.Now().UTC()
		d.CompletedAt = &now
	}
	cp := *d
	r.mu.Unlock()

	r.bus.Emit("delegation:updated", "hierarchy", map[string]interface{}{
		"id": id, "old_status": oldStatus, "status": status,
	})
	return &cp, nil
}

// UpdateNodeStatus updates the status index. Unknown agents are ignored.
func (r *Registry) UpdateNodeStatus(agentID, status string) {
	r.mu.Lock()
	node := r.nodes[agentID]
	if node == nil {
		r.mu.Unlock()
		return
	}
	oldStatus := node.Status
	r.statusRemove(oldStatus, agentID)
	node.Status = status
	node.UpdatedAt = time.Now().UTC()
	r.statusAdd(status, agentID)
	r.mu.Unlock()

	r.bus.Emit("node:statusChanged", "hierarchy", map[string]interface{}{
		"agent_id": agentID, "old_status": oldStatus, "status": status,
	})
}

// GetNode returns a copy of one node, or nil.
func (r *Registry) GetNode(agentID string) *Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if n := r.nodes[agentID]; n != nil {
		return n.clone()
	}
	return nil
}

// GetDelegation returns a copy of one delegation, or nil.
func (r *Registry) GetDelegation(id string) *Delegation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if d := r.delegations[id]; d != nil {
		cp := *d
		return &cp
	}
	return nil
}

// GetHierarchy returns the subtree rooted at id, or nil for unknown agents.
func (r *Registry) GetHierarchy(id string) *TreeNode {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.buildTree(id)
}

func (r *Registry) buildTree(id string) *TreeNode {
	node := r.nodes[id]
	if node == nil {
		return nil
	}
	t := &TreeNode{Node: *node.clone(), Children: []*TreeNode{}}
	for _, childID := range node.ChildIDs {
		if child := r.buildTree(childID); child != nil {
			t.Children = append(t.Children, child)
		}
	}
	return t
}

// GetAncestors returns the parent chain in leaf-to-root order, excluding id.
func (r *Registry) GetAncestors(id string) []*Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Node
	node := r.nodes[id]
	for node != nil && node.ParentID != "" {
		node = r.nodes[node.ParentID]
		if node == nil {
			break
		}
		out = append(out, node.clone())
	}
	return out
}

// GetDescendants returns all descendants of id depth-first.
func (r *Registry) GetDescendants(id string) []*Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Node
	var walk func(string)
	walk = func(cur string) {
		node := r.nodes[cur]
		if node == nil {
			return
		}
		for _, childID := range node.ChildIDs {
			if child := r.nodes[childID]; child != nil {
				out = append(out, child.clone())
				walk(childID)
			}
		}
	}
	walk(id)
	return out
}

// FindCommonAncestor returns the nearest shared ancestor of a and b, or nil
// when the two are unrelated. A node counts as its own ancestor.
func (r *Registry) FindCommonAncestor(a, b string) *Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	chain := make(map[string]bool)
	for id := a; id != ""; {
		chain[id] = true
		node := r.nodes[id]
		if node == nil {
			break
		}
		id = node.ParentID
	}
	for id := b; id != ""; {
		if chain[id] {
			if n := r.nodes[id]; n != nil {
				return n.clone()
			}
			return nil
		}
		node := r.nodes[id]
		if node == nil {
			break
		}
		id = node.ParentID
	}
	return nil
}

// GetChildren returns the direct children of id in registration order.
func (r *Registry) GetChildren(id string) []*Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	node := r.nodes[id]
	if node == nil {
		return nil
	}
	out := make([]*Node, 0, len(node.ChildIDs))
	for _, childID := range node.ChildIDs {
		if child := r.nodes[childID]; child != nil {
			out = append(out, child.clone())
		}
	}
	return out
}

// GetByDepth returns all nodes at depth n, sorted by agent id.
func (r *Registry) GetByDepth(n int) []*Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collectIndex(r.byDepth[n])
}

// GetByStatus returns all nodes with the given status, sorted by agent id.
func (r *Registry) GetByStatus(status string) []*Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collectIndex(r.byStatus[status])
}

func (r *Registry) collectIndex(set map[string]bool) []*Node {
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]*Node, 0, len(ids))
	for _, id := range ids {
		if node := r.nodes[id]; node != nil {
			out = append(out, node.clone())
		}
	}
	return out
}

// PruneHierarchy removes id and all its descendants from every index.
func (r *Registry) PruneHierarchy(id string) PruneResult {
	r.mu.Lock()
	node := r.nodes[id]
	if node == nil {
		r.mu.Unlock()
		return PruneResult{Pruned: false, RemovedNodes: []string{}}
	}

	removed := []string{}
	var collect func(string)
	collect = func(cur string) {
		n := r.nodes[cur]
		if n == nil {
			return
		}
		removed = append(removed, cur)
		for _, childID := range n.ChildIDs {
			collect(childID)
		}
	}
	collect(id)

	for _, rid := range removed {
		n := r.nodes[rid]
		delete(r.nodes, rid)
		delete(r.roots, rid)
		r.indexRemove(r.byDepth, n.Depth, rid)
		r.statusRemove(n.Status, rid)
	}
	if node.ParentID != "" {
		if parent := r.nodes[node.ParentID]; parent != nil {
			parent.ChildIDs = removeString(parent.ChildIDs, id)
			parent.UpdatedAt = time.Now().UTC()
		}
	}
	metrics.HierarchyNodes.Set(float64(len(r.nodes)))
	r.mu.Unlock()

	r.logger.Info("Hierarchy pruned",
		zap.String("agent_id", id),
		zap.Int("removed", len(removed)),
	)
	r.bus.Emit("hierarchy:pruned", "hierarchy", map[string]interface{}{
		"agent_id": id, "removed_nodes": removed,
	})
	return PruneResult{Pruned: true, RemovedNodes: removed}
}

// CanDelegate reports delegation headroom for an agent.
func (r *Registry) CanDelegate(id string) DelegationCapacity {
	r.mu.RLock()
	defer r.mu.RUnlock()

	node := r.nodes[id]
	if node == nil {
		return DelegationCapacity{CanDelegate: false, Reason: "agent not registered"}
	}
	remainingDepth := r.cfg.MaxDepth - node.Depth
	remainingChildren := r.cfg.MaxChildren - len(node.ChildIDs)
	c := DelegationCapacity{
		CanDelegate:       true,
		RemainingDepth:    remainingDepth,
		RemainingChildren: remainingChildren,
	}
	switch {
	case remainingDepth <= 0:
		c.CanDelegate = false
		c.Reason = "max depth reached"
	case remainingChildren <= 0:
		c.CanDelegate = false
		c.Reason = "max children reached"
	}
	return c
}

// ExportState snapshots all nodes, delegations and roots.
func (r *Registry) ExportState() *State {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := &State{
		Nodes:       make(map[string]*Node, len(r.nodes)),
		Delegations: make(map[string]*Delegation, len(r.delegations)),
	}
	for id, n := range r.nodes {
		s.Nodes[id] = n.clone()
	}
	for id, d := range r.delegations {
		cp := *d
		s.Delegations[id] = &cp
	}
	for id := range r.roots {
		s.Roots = append(s.Roots, id)
	}
	sort.Strings(s.Roots)
	return s
}

// ImportState replaces the registry contents and rebuilds every index.
func (r *Registry) ImportState(s *State) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nodes = make(map[string]*Node, len(s.Nodes))
	r.delegations = make(map[string]*Delegation, len(s.Delegations))
	r.roots = make(map[string]bool)
	r.byDepth = make(map[int]map[string]bool)
	r.byStatus = make(map[string]map[string]bool)

	for id, n := range s.Nodes {
		r.nodes[id] = n.clone()
		if n.ParentID == "" {
			r.roots[id] = true
		}
		r.indexAdd(r.byDepth, n.Depth, id)
		r.statusAdd(n.Status, id)
	}
	for id, d := range s.Delegations {
		cp := *d
		r.delegations[id] = &cp
	}
	metrics.HierarchyNodes.Set(float64(len(r.nodes)))
}

// Roots returns the root agent ids, sorted.
func (r *Registry) Roots() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.roots))
	for id := range r.roots {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) indexAdd(idx map[int]map[string]bool, key int, id string) {
	if idx[key] == nil {
		idx[key] = make(map[string]bool)
	}
	idx[key][id] = true
}

func (r *Registry) indexRemove(idx map[int]map[string]bool, key int, id string) {
	if set := idx[key]; set != nil {
		delete(set, id)
		if len(set) == 0 {
			delete(idx, key)
		}
	}
}

func (r *Registry) statusAdd(status, id string) {
	if r.byStatus[status] == nil {
		r.byStatus[status] = make(map[string]bool)
	}
	r.byStatus[status][id] = true
}

func (r *Registry) statusRemove(status, id string) {
	if set := r.byStatus[status]; set != nil {
		delete(set, id)
		if len(set) == 0 {
			delete(r.byStatus, status)
		}
	}
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
