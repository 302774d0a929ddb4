package plexus

import (
	"context"
	"log/slog"
	"sort"
	"time"
)

// ScoreWeights are the component weights of the balanced optimization score.
// They must sum to 1.
type ScoreWeights struct {
	Success float64 // weight of tool success rate
	Speed   float64 // weight of response-time score
	Cost    float64 // weight of inverse cost
}

// DefaultScoreWeights is the stock success/speed/cost weighting.
var DefaultScoreWeights = ScoreWeights{Success: 0.4, Speed: 0.3, Cost: 0.3}

// Cost model constants, dimensionless relative units.
const (
	costBase     = 0.1  // per-DAG overhead
	costPerTool  = 0.02 // every selected tool
	costPerMCP   = 0.05 // surcharge per MCP tool
	costPerExtra = 0.03 // surcharge per external tool
)

// Time model constants.
const (
	timeBase     = 5 * time.Second  // per-DAG overhead
	timePerAgent = 10 * time.Second // every agent node
)

// generatorConfig accumulates GeneratorOption values.
type generatorConfig struct {
	weights ScoreWeights
	logger  *slog.Logger
	tracer  Tracer
}

// GeneratorOption configures a DAGGenerator.
type GeneratorOption func(*generatorConfig)

// WithScoreWeights overrides the balanced-score weighting.
func WithScoreWeights(w ScoreWeights) GeneratorOption {
	return func(c *generatorConfig) { c.weights = w }
}

// WithGeneratorLogger sets the structured logger. Default: no output.
func WithGeneratorLogger(l *slog.Logger) GeneratorOption {
	return func(c *generatorConfig) { c.logger = l }
}

// WithGeneratorTracer sets the tracer for generation spans.
func WithGeneratorTracer(t Tracer) GeneratorOption {
	return func(c *generatorConfig) { c.tracer = t }
}

// DAGGenerator turns a template plus user preferences into a validated,
// tool-bound execution DAG.
type DAGGenerator struct {
	templates *TemplateStore
	registry  *ToolRegistry
	weights   ScoreWeights
	logger    *slog.Logger
	tracer    Tracer
}

// NewDAGGenerator creates a generator over the given template store and
// tool registry.
func NewDAGGenerator(templates *TemplateStore, registry *ToolRegistry, opts ...GeneratorOption) *DAGGenerator {
	cfg := generatorConfig{weights: DefaultScoreWeights}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = nopLogger
	}
	return &DAGGenerator{
		templates: templates,
		registry:  registry,
		weights:   cfg.weights,
		logger:    cfg.logger,
		tracer:    cfg.tracer,
	}
}

// Generate builds a DAG from the request's template under the request's
// generation mode and preferences. The returned DAG has passed Validate.
func (g *DAGGenerator) Generate(ctx context.Context, req GenerateRequest) (*DAG, error) {
	var span Span
	if g.tracer != nil {
		_, span = g.tracer.Start(ctx, "generator.generate",
			StringAttr("template_id", req.TemplateID),
			StringAttr("mode", string(req.mode())))
		defer span.End()
	}

	tpl, err := g.templates.Get(req.TemplateID)
	if err != nil {
		if span != nil {
			span.Error(err)
		}
		return nil, err
	}

	mode := req.mode()
	nodes := g.selectNodes(tpl, req, mode)
	g.customizeNodes(nodes, req)
	edges := rebuildEdges(tpl.Edges, nodes)

	tools := g.selectTools(req, mode)
	if mode == ModeOptimized {
		tools = g.optimizedFilter(tools, req.Preferences.strategy())
	}
	mapping := g.mapTools(nodes, tools, req.Preferences)
	tools = pruneUnmapped(tools, mapping)

	d := &DAG{
		ID:            NewID(),
		Nodes:         nodes,
		Edges:         edges,
		SelectedTools: tools,
		ToolMapping:   mapping,
		Preferences:   req.Preferences,
	}
	if err := d.Validate(); err != nil {
		if span != nil {
			span.Error(err)
		}
		return nil, err
	}
	d.ExecutionOrder = d.topoOrder()
	d.EstimatedCost = estimateCost(tools)
	d.EstimatedTime = estimateTime(nodes)
	d.OptimizationScore = g.optimizationScore(tools)

	if budget := req.Preferences.MaxCostPerExecution; budget > 0 && d.EstimatedCost > budget {
		err := &ErrBudgetExceeded{Estimated: d.EstimatedCost, Budget: budget}
		if span != nil {
			span.Error(err)
		}
		return nil, err
	}

	if span != nil {
		span.SetAttr(
			IntAttr("nodes", len(d.Nodes)),
			IntAttr("tools", len(d.SelectedTools)),
			Float64Attr("score", d.OptimizationScore))
	}
	g.logger.Info("dag generated",
		"dag_id", d.ID, "template", req.TemplateID, "mode", string(mode),
		"nodes", len(d.Nodes), "tools", len(d.SelectedTools))
	return d, nil
}

// mode returns the effective generation mode.
func (r GenerateRequest) mode() GenerationMode {
	if r.Mode == "" {
		return ModeFull
	}
	return r.Mode
}

// --- Node selection ---

// selectNodes picks the template nodes that survive into the DAG.
//
// Full mode keeps everything. Minimal mode keeps input, output, and the
// first agent node. Custom and optimized modes filter by the request's
// selected capabilities: a non-input/output node survives only if its
// capability tags intersect the selection (an empty selection keeps all).
func (g *DAGGenerator) selectNodes(tpl Template, req GenerateRequest, mode GenerationMode) []Node {
	switch mode {
	case ModeFull:
		return tpl.Nodes

	case ModeMinimal:
		var out []Node
		agentTaken := false
		for _, n := range tpl.Nodes {
			switch {
			case n.Type == NodeInput || n.Type == NodeOutput:
				out = append(out, n)
			case n.Type == NodeAgent && !agentTaken:
				agentTaken = true
				// The lone agent runs on the reasoning tool alone.
				n.Agent.PreferredCategories = []ToolCategory{CategoryReasoning}
				n.Agent.PreferredTypes = nil
				n.Agent.MaxTools = 1
				out = append(out, n)
			}
		}
		return out

	default: // custom, optimized
		want := make(map[string]bool, len(req.SelectedCapabilities))
		for _, c := range req.SelectedCapabilities {
			want[c] = true
		}
		wantCat := make(map[ToolCategory]bool, len(req.Preferences.PreferredCategories))
		for _, c := range req.Preferences.PreferredCategories {
			wantCat[c] = true
		}

		var out []Node
		for _, n := range tpl.Nodes {
			if n.Type == NodeInput || n.Type == NodeOutput {
				out = append(out, n)
				continue
			}
			if n.Fallback && !req.Preferences.fallbackNodes() {
				continue
			}
			if !capabilityMatch(n, want) {
				continue
			}
			// An agent node declaring preferred categories survives only if
			// they intersect the user's, when the user specified any.
			if len(wantCat) > 0 && n.Type == NodeAgent && n.Agent != nil && len(n.Agent.PreferredCategories) > 0 {
				hit := false
				for _, c := range n.Agent.PreferredCategories {
					if wantCat[c] {
						hit = true
						break
					}
				}
				if !hit {
					continue
				}
			}
			out = append(out, n)
		}
		return out
	}
}

// capabilityMatch reports whether the node survives the request's selected
// capabilities. An empty selection keeps everything; untagged nodes are
// structural and always kept so merges and conditions survive filtering.
func capabilityMatch(n Node, want map[string]bool) bool {
	if len(want) == 0 || len(n.Capabilities) == 0 {
		return true
	}
	for _, c := range n.Capabilities {
		if want[c] {
			return true
		}
	}
	return false
}

// customizeNodes applies per-request and per-node overrides to agent nodes
// in place.
func (g *DAGGenerator) customizeNodes(nodes []Node, req GenerateRequest) {
	for i := range nodes {
		n := &nodes[i]
		if n.Type != NodeAgent || n.Agent == nil {
			continue
		}
		if n.Agent.MaxTools <= 0 || n.Agent.MaxTools > req.Preferences.maxTools() {
			n.Agent.MaxTools = req.Preferences.maxTools()
		}
		if len(req.Preferences.PreferredCategories) > 0 {
			n.Agent.PreferredCategories = append([]ToolCategory(nil), req.Preferences.PreferredCategories...)
		}
		if len(req.Preferences.PreferredTypes) > 0 {
			n.Agent.PreferredTypes = append([]ToolType(nil), req.Preferences.PreferredTypes...)
		}
		if req.CustomInstructions != "" {
			n.Agent.Instructions += "\n\n" + req.CustomInstructions
		}
		if ov, ok := req.Preferences.CustomNodeConfigs[n.ID]; ok {
			if ov.Instructions != "" {
				n.Agent.Instructions += "\n\n" + ov.Instructions
			}
			if ov.Model != nil {
				mergeModel(&n.Agent.Model, *ov.Model)
			}
			if ov.MaxTools > 0 {
				n.Agent.MaxTools = ov.MaxTools
			}
		}
	}
}

// mergeModel overlays set fields of override onto base.
func mergeModel(base *ModelConfig, override ModelConfig) {
	if override.Provider != "" {
		base.Provider = override.Provider
	}
	if override.Model != "" {
		base.Model = override.Model
	}
	if override.Temperature != 0 {
		base.Temperature = override.Temperature
	}
	if override.MaxTokens != 0 {
		base.MaxTokens = override.MaxTokens
	}
}

// rebuildEdges keeps edges between surviving nodes and bridges across
// removed ones: each predecessor of a removed node is connected to each of
// its successors, so filtering never severs the input-to-output path.
func rebuildEdges(edges []Edge, nodes []Node) []Edge {
	alive := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		alive[n.ID] = true
	}

	remaining := append([]Edge(nil), edges...)
	for {
		var removedID string
		for _, e := range remaining {
			if !alive[e.From] {
				removedID = e.From
				break
			}
			if !alive[e.To] {
				removedID = e.To
				break
			}
		}
		if removedID == "" {
			break
		}

		var into, outof []Edge
		var kept []Edge
		for _, e := range remaining {
			switch {
			case e.To == removedID:
				into = append(into, e)
			case e.From == removedID:
				outof = append(outof, e)
			default:
				kept = append(kept, e)
			}
		}
		seen := make(map[[2]string]bool, len(kept))
		for _, e := range kept {
			seen[[2]string{e.From, e.To}] = true
		}
		for _, in := range into {
			for _, out := range outof {
				key := [2]string{in.From, out.To}
				if in.From == out.To || seen[key] {
					continue
				}
				seen[key] = true
				// The incoming guard survives the bridge; the removed
				// node's own outgoing guard is gone with it.
				kept = append(kept, Edge{From: in.From, To: out.To, Condition: in.Condition})
			}
		}
		remaining = kept
	}
	return remaining
}

// --- Tool selection ---

// selectTools builds the DAG-level tool pool: usable registry tools filtered
// by the preferences' categories/types, minus excluded and disabled tools,
// intersected with the enabled list when one is given.
func (g *DAGGenerator) selectTools(req GenerateRequest, mode GenerationMode) []ToolDef {
	if mode == ModeMinimal {
		if t, ok := g.registry.Get(BuiltinReasoning); ok && t.Usable() {
			return []ToolDef{t}
		}
		return nil
	}

	candidates := g.registry.SelectForAgent(req.Preferences.PreferredCategories, req.Preferences.PreferredTypes, 0)

	drop := make(map[string]bool, len(req.Preferences.ExcludedTools)+len(req.DisabledTools))
	for _, id := range req.Preferences.ExcludedTools {
		drop[id] = true
	}
	for _, id := range req.DisabledTools {
		drop[id] = true
	}
	var keep map[string]bool
	if len(req.EnabledTools) > 0 {
		keep = make(map[string]bool, len(req.EnabledTools))
		for _, id := range req.EnabledTools {
			keep[id] = true
		}
	}

	var out []ToolDef
	for _, t := range candidates {
		if drop[t.ID] {
			continue
		}
		if keep != nil && !keep[t.ID] {
			continue
		}
		if min := req.Preferences.MinSuccessRate; min > 0 && t.SuccessRate < min {
			continue
		}
		out = append(out, t)
	}
	return out
}

// optimizedFilter applies the strategy-specific post-filter of optimized
// mode over the selected tool pool.
func (g *DAGGenerator) optimizedFilter(tools []ToolDef, strategy OptimizationStrategy) []ToolDef {
	var out []ToolDef
	for _, t := range tools {
		switch strategy {
		case OptimizePerformance:
			if t.AvgResponseTime > 5*time.Second {
				continue
			}
		case OptimizeAccuracy:
			if t.SuccessRate < 0.9 {
				continue
			}
		case OptimizeCost:
			if t.Type != ToolBuiltin {
				continue
			}
		default: // balanced
			if g.toolScore(t, OptimizeBalanced) < 0.6 {
				continue
			}
		}
		out = append(out, t)
	}
	return out
}

// mapTools binds tools to agent nodes: each node's candidates are the pool
// filtered by its preferred categories/types, ranked by the strategy score
// (ties broken by tool ID ascending), truncated to the node's MaxTools.
func (g *DAGGenerator) mapTools(nodes []Node, pool []ToolDef, prefs UserPreferences) map[string][]string {
	strategy := prefs.strategy()
	mapping := make(map[string][]string)
	for i := range nodes {
		n := &nodes[i]
		if n.Type != NodeAgent || n.Agent == nil {
			continue
		}

		wantCat := make(map[ToolCategory]bool, len(n.Agent.PreferredCategories))
		for _, c := range n.Agent.PreferredCategories {
			wantCat[c] = true
		}
		wantType := make(map[ToolType]bool, len(n.Agent.PreferredTypes))
		for _, t := range n.Agent.PreferredTypes {
			wantType[t] = true
		}

		var candidates []ToolDef
		for _, t := range pool {
			if len(wantCat) > 0 && !wantCat[t.Category] {
				continue
			}
			if len(wantType) > 0 && !wantType[t.Type] {
				continue
			}
			candidates = append(candidates, t)
		}
		sort.Slice(candidates, func(a, b int) bool {
			sa, sb := g.toolScore(candidates[a], strategy), g.toolScore(candidates[b], strategy)
			if sa != sb {
				return sa > sb
			}
			// Equal-cost tools rank by responsiveness under the cost strategy.
			if strategy == OptimizeCost && candidates[a].AvgResponseTime != candidates[b].AvgResponseTime {
				return candidates[a].AvgResponseTime < candidates[b].AvgResponseTime
			}
			return candidates[a].ID < candidates[b].ID
		})
		if max := n.Agent.MaxTools; max > 0 && len(candidates) > max {
			candidates = candidates[:max]
		}

		ids := make([]string, len(candidates))
		for j, t := range candidates {
			ids[j] = t.ID
		}
		mapping[n.ID] = ids
	}
	return mapping
}

// pruneUnmapped drops pool tools no node was mapped to, so SelectedTools
// reflects what execution can actually reach.
func pruneUnmapped(pool []ToolDef, mapping map[string][]string) []ToolDef {
	used := make(map[string]bool)
	for _, ids := range mapping {
		for _, id := range ids {
			used[id] = true
		}
	}
	var out []ToolDef
	for _, t := range pool {
		if used[t.ID] {
			out = append(out, t)
		}
	}
	return out
}

// --- Scoring ---

// toolScore ranks one tool under a strategy, in [0,1], higher is better.
func (g *DAGGenerator) toolScore(t ToolDef, strategy OptimizationStrategy) float64 {
	switch strategy {
	case OptimizePerformance:
		return speedScore(t.AvgResponseTime)
	case OptimizeAccuracy:
		return t.SuccessRate
	case OptimizeCost:
		return 1 - costScore(t)
	default:
		return g.weights.Success*t.SuccessRate +
			g.weights.Speed*speedScore(t.AvgResponseTime) +
			g.weights.Cost*(1-costScore(t))
	}
}

// speedScore maps response time to [0,1]: instant is 1, 10s or slower is 0.
func speedScore(rt time.Duration) float64 {
	if rt <= 0 {
		return 1
	}
	s := 1 - float64(rt)/float64(10*time.Second)
	if s < 0 {
		return 0
	}
	return s
}

// costScore maps a tool's relative cost to [0,1].
func costScore(t ToolDef) float64 {
	c := toolCost(t)
	s := c / (costPerTool + costPerMCP)
	if s > 1 {
		return 1
	}
	return s
}

// toolCost returns a tool's relative cost contribution: the uniform
// per-tool term plus the type surcharge.
func toolCost(t ToolDef) float64 {
	c := costPerTool
	switch t.Type {
	case ToolMCP:
		c += costPerMCP
	case ToolExternal:
		c += costPerExtra
	}
	return c
}

// estimateCost totals the relative cost of the DAG's tool selection.
func estimateCost(tools []ToolDef) float64 {
	c := costBase
	for _, t := range tools {
		c += toolCost(t)
	}
	return c
}

// estimateTime sums the time model over the DAG's nodes: a base overhead,
// a per-agent-node term, and each node's declared weight in seconds.
func estimateTime(nodes []Node) time.Duration {
	d := timeBase
	for _, n := range nodes {
		if n.Type == NodeAgent {
			d += timePerAgent
		}
		d += time.Duration(n.Weight * float64(time.Second))
	}
	return d
}

// optimizationScore is the balanced composite over the selected tools.
// An empty selection scores a neutral 0.5.
func (g *DAGGenerator) optimizationScore(tools []ToolDef) float64 {
	if len(tools) == 0 {
		return 0.5
	}
	var sum float64
	for _, t := range tools {
		sum += g.toolScore(t, OptimizeBalanced)
	}
	return sum / float64(len(tools))
}
