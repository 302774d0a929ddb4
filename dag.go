package plexus

import (
	"fmt"
	"time"
)

// NodeType is the closed set of DAG node variants. Dispatch on node type is
// total: the executor has exactly one handler per variant and rejects
// anything else at generation time.
type NodeType string

const (
	NodeInput     NodeType = "input"
	NodeOutput    NodeType = "output"
	NodeAgent     NodeType = "agent"
	NodeCondition NodeType = "condition"
	NodeMerge     NodeType = "merge"
	NodeParallel  NodeType = "parallel"
)

// ParseNodeType maps a wire string to a NodeType.
func ParseNodeType(s string) (NodeType, bool) {
	switch NodeType(s) {
	case NodeInput, NodeOutput, NodeAgent, NodeCondition, NodeMerge, NodeParallel:
		return NodeType(s), true
	}
	return "", false
}

// NodeStatus is a node's execution state.
type NodeStatus string

const (
	NodePending   NodeStatus = "pending"
	NodeRunning   NodeStatus = "running"
	NodeCompleted NodeStatus = "completed"
	NodeFailed    NodeStatus = "failed"
	NodeSkipped   NodeStatus = "skipped"
)

// ModelConfig carries provider-facing model parameters for an agent node.
type ModelConfig struct {
	Provider    string  `json:"provider,omitempty"`
	Model       string  `json:"model,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
}

// AgentNodeConfig is the typed config of an agent node, the only variant
// that calls the worker primitive.
type AgentNodeConfig struct {
	Instructions        string         `json:"instructions"`
	Model               ModelConfig    `json:"model"`
	PreferredCategories []ToolCategory `json:"preferred_categories,omitempty"`
	PreferredTypes      []ToolType     `json:"preferred_types,omitempty"`
	MaxTools            int            `json:"max_tools,omitempty"`
	KnowledgeBases      []string       `json:"knowledge_bases,omitempty"`
}

// MergeStrategy selects how a merge node combines its dependencies.
type MergeStrategy string

const (
	// MergeConcat joins text-bearing dependency results with newlines.
	MergeConcat MergeStrategy = "concat"
	// MergeCombine returns the map of dependency results keyed by node ID.
	MergeCombine MergeStrategy = "combine"
)

// MergeNodeConfig is the typed config of a merge node.
type MergeNodeConfig struct {
	Strategy MergeStrategy `json:"strategy"`
}

// ConditionNodeConfig is the typed config of a condition node. It evaluates
// the same narrow grammar as edge guards against its inputs.
type ConditionNodeConfig struct {
	Condition Condition `json:"condition"`
}

// Node is one vertex of an execution DAG. Exactly one of the typed config
// fields is set, matching Type; unknown config fields are rejected at
// generation time rather than carried as an opaque bag.
type Node struct {
	ID   string   `json:"id"`
	Type NodeType `json:"type"`
	Name string   `json:"name,omitempty"`

	// Capabilities tags the node for inclusion filtering against a
	// request's selected capabilities.
	Capabilities []string `json:"capabilities,omitempty"`

	// Fallback marks a contingency node that only survives generation when
	// the user keeps fallback nodes enabled.
	Fallback bool `json:"fallback,omitempty"`

	Agent     *AgentNodeConfig     `json:"agent,omitempty"`
	Merge     *MergeNodeConfig     `json:"merge,omitempty"`
	Condition *ConditionNodeConfig `json:"condition,omitempty"`

	// Weight contributes to estimated execution time for non-agent nodes.
	Weight float64 `json:"weight,omitempty"`
}

// clone deep-copies the node so template edits never mutate the template.
func (n Node) clone() Node {
	c := n
	c.Capabilities = append([]string(nil), n.Capabilities...)
	if n.Agent != nil {
		a := *n.Agent
		a.PreferredCategories = append([]ToolCategory(nil), n.Agent.PreferredCategories...)
		a.PreferredTypes = append([]ToolType(nil), n.Agent.PreferredTypes...)
		a.KnowledgeBases = append([]string(nil), n.Agent.KnowledgeBases...)
		c.Agent = &a
	}
	if n.Merge != nil {
		m := *n.Merge
		c.Merge = &m
	}
	if n.Condition != nil {
		cd := *n.Condition
		c.Condition = &cd
	}
	return c
}

// Edge is a directed, optionally guarded connection between two nodes.
type Edge struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	Condition Condition `json:"condition"`
	Weight    float64   `json:"weight,omitempty"`
}

// DAG is a validated execution plan: nodes, guarded edges, a topological
// order, and the tool selection the generator bound to it.
type DAG struct {
	ID    string `json:"id"`
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`

	// ExecutionOrder is a valid topological order of node IDs.
	ExecutionOrder []string `json:"execution_order"`

	// SelectedTools is the full tool set chosen for this DAG.
	SelectedTools []ToolDef `json:"selected_tools"`
	// ToolMapping maps agent node IDs to the subset of selected tool IDs
	// bound to that node (at most the node's MaxTools).
	ToolMapping map[string][]string `json:"tool_mapping"`

	EstimatedCost     float64       `json:"estimated_cost"` // dimensionless relative units
	EstimatedTime     time.Duration `json:"estimated_time"`
	OptimizationScore float64       `json:"optimization_score"` // [0,1]

	// Preferences are the user preferences the DAG was generated under; the
	// executor reads its runtime bounds from here.
	Preferences UserPreferences `json:"preferences,omitempty"`
}

// node returns the node with the given ID, or nil.
func (d *DAG) node(id string) *Node {
	for i := range d.Nodes {
		if d.Nodes[i].ID == id {
			return &d.Nodes[i]
		}
	}
	return nil
}

// InputNode returns the single input node.
func (d *DAG) InputNode() *Node {
	for i := range d.Nodes {
		if d.Nodes[i].Type == NodeInput {
			return &d.Nodes[i]
		}
	}
	return nil
}

// --- Validation ---

// Validate checks the DAG's structural invariants:
//   - exactly one input node and at least one output node
//   - every edge endpoint exists
//   - no cycles (DFS three-coloring)
//   - every agent node is reachable from the input node
//   - tool mapping respects each agent node's MaxTools
//
// Validate never mutates the DAG: running it on an already-valid DAG is a
// structural no-op.
func (d *DAG) Validate() error {
	var inputs, outputs int
	byID := make(map[string]*Node, len(d.Nodes))
	for i := range d.Nodes {
		n := &d.Nodes[i]
		if _, dup := byID[n.ID]; dup {
			return &ErrDAGInvalid{Reason: fmt.Sprintf("duplicate node id %q", n.ID)}
		}
		byID[n.ID] = n
		switch n.Type {
		case NodeInput:
			inputs++
		case NodeOutput:
			outputs++
		}
	}
	if inputs != 1 {
		return &ErrDAGInvalid{Reason: fmt.Sprintf("want exactly one input node, have %d", inputs)}
	}
	if outputs < 1 {
		return &ErrDAGInvalid{Reason: "no output node"}
	}

	adj := make(map[string][]string, len(d.Nodes))
	for _, e := range d.Edges {
		if byID[e.From] == nil {
			return &ErrDAGInvalid{Reason: fmt.Sprintf("edge references unknown node %q", e.From)}
		}
		if byID[e.To] == nil {
			return &ErrDAGInvalid{Reason: fmt.Sprintf("edge references unknown node %q", e.To)}
		}
		adj[e.From] = append(adj[e.From], e.To)
	}

	if cycleNode := findCycle(byID, adj); cycleNode != "" {
		return &ErrDAGInvalid{Reason: fmt.Sprintf("cycle through node %q", cycleNode)}
	}

	// Reachability: every agent node must be reachable from the input node.
	reachable := make(map[string]bool)
	var visit func(string)
	visit = func(id string) {
		if reachable[id] {
			return
		}
		reachable[id] = true
		for _, next := range adj[id] {
			visit(next)
		}
	}
	visit(d.InputNode().ID)
	for i := range d.Nodes {
		n := &d.Nodes[i]
		if n.Type == NodeAgent && !reachable[n.ID] {
			return &ErrDAGInvalid{Reason: fmt.Sprintf("agent node %q unreachable from input", n.ID)}
		}
	}

	// Tool mapping bounds.
	selected := make(map[string]bool, len(d.SelectedTools))
	for _, t := range d.SelectedTools {
		selected[t.ID] = true
	}
	for nodeID, toolIDs := range d.ToolMapping {
		n := byID[nodeID]
		if n == nil || n.Agent == nil {
			return &ErrDAGInvalid{Reason: fmt.Sprintf("tool mapping for non-agent node %q", nodeID)}
		}
		if max := n.Agent.MaxTools; max > 0 && len(toolIDs) > max {
			return &ErrDAGInvalid{Reason: fmt.Sprintf("node %q mapped to %d tools, max %d", nodeID, len(toolIDs), max)}
		}
		for _, id := range toolIDs {
			if !selected[id] {
				return &ErrDAGInvalid{Reason: fmt.Sprintf("node %q mapped to unselected tool %q", nodeID, id)}
			}
		}
	}

	return nil
}

// dfs colors for cycle detection.
const (
	colorWhite = iota // unvisited
	colorGray         // on the current DFS stack
	colorBlack        // fully explored
)

// findCycle runs a DFS three-coloring over the adjacency map and returns the
// ID of a node on a cycle, or "".
func findCycle(nodes map[string]*Node, adj map[string][]string) string {
	color := make(map[string]int, len(nodes))

	var dfs func(string) string
	dfs = func(id string) string {
		color[id] = colorGray
		for _, next := range adj[id] {
			switch color[next] {
			case colorGray:
				return next
			case colorWhite:
				if c := dfs(next); c != "" {
					return c
				}
			}
		}
		color[id] = colorBlack
		return ""
	}

	for id := range nodes {
		if color[id] == colorWhite {
			if c := dfs(id); c != "" {
				return c
			}
		}
	}
	return ""
}

// topoOrder computes a deterministic topological order (Kahn's algorithm,
// ties broken by declaration order). Assumes the DAG already validated.
func (d *DAG) topoOrder() []string {
	inDegree := make(map[string]int, len(d.Nodes))
	adj := make(map[string][]string, len(d.Nodes))
	for _, n := range d.Nodes {
		inDegree[n.ID] = 0
	}
	for _, e := range d.Edges {
		inDegree[e.To]++
		adj[e.From] = append(adj[e.From], e.To)
	}

	var order []string
	queued := make(map[string]bool, len(d.Nodes))
	for len(order) < len(d.Nodes) {
		progressed := false
		for _, n := range d.Nodes {
			if queued[n.ID] || inDegree[n.ID] != 0 {
				continue
			}
			queued[n.ID] = true
			order = append(order, n.ID)
			for _, next := range adj[n.ID] {
				inDegree[next]--
			}
			progressed = true
		}
		if !progressed {
			break // cycle; Validate reports it properly
		}
	}
	return order
}
