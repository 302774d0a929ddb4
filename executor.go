package plexus

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// ExecutionStatus is a finished execution's overall outcome.
type ExecutionStatus string

const (
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionTimedOut  ExecutionStatus = "timedOut"
)

// NodeResult is one node's outcome within an execution.
type NodeResult struct {
	NodeID   string         `json:"node_id"`
	Status   NodeStatus     `json:"status"`
	Result   map[string]any `json:"result,omitempty"`
	Error    string         `json:"error,omitempty"`
	Duration time.Duration  `json:"duration"`
}

// ExecutionResult is the complete outcome of one DAG execution. Node results
// accumulated before a failure or deadline are preserved.
type ExecutionResult struct {
	DAGID       string                `json:"dag_id"`
	ExecutionID string                `json:"execution_id"`
	Status      ExecutionStatus       `json:"status"`
	NodeResults map[string]NodeResult `json:"node_results"`
	// ExecutionPath lists completed node IDs in completion order.
	ExecutionPath []string       `json:"execution_path"`
	FinalResult   map[string]any `json:"final_result,omitempty"`
	StartedAt     time.Time      `json:"started_at"`
	Duration      time.Duration  `json:"duration"`
}

// DefaultExecutionDeadline bounds an execution when preferences leave
// MaxExecutionTime unset.
const DefaultExecutionDeadline = 5 * time.Minute

// defaultMaxParallel bounds concurrently running nodes within a batch.
const defaultMaxParallel = 8

// executorConfig accumulates ExecutorOption values.
type executorConfig struct {
	deadline    time.Duration
	maxParallel int
	agentIDFor  func(d *DAG, n *Node) string
	logger      *slog.Logger
	tracer      Tracer
	events      *EventBus
}

// ExecutorOption configures a DAGExecutor.
type ExecutorOption func(*executorConfig)

// WithExecutionDeadline sets the per-execution time budget. Default: 5 min.
func WithExecutionDeadline(d time.Duration) ExecutorOption {
	return func(c *executorConfig) { c.deadline = d }
}

// WithMaxParallel bounds concurrently running nodes. Default: 8.
func WithMaxParallel(n int) ExecutorOption {
	return func(c *executorConfig) { c.maxParallel = n }
}

// WithAgentResolver maps an agent node to the pool agent ID it dispatches
// to. Default: the node ID itself.
func WithAgentResolver(fn func(d *DAG, n *Node) string) ExecutorOption {
	return func(c *executorConfig) { c.agentIDFor = fn }
}

// WithExecutorLogger sets the structured logger. Default: no output.
func WithExecutorLogger(l *slog.Logger) ExecutorOption {
	return func(c *executorConfig) { c.logger = l }
}

// WithExecutorTracer sets the tracer for execution and node spans.
func WithExecutorTracer(t Tracer) ExecutorOption {
	return func(c *executorConfig) { c.tracer = t }
}

// WithExecutorEvents sets the event bus node events are emitted on.
func WithExecutorEvents(b *EventBus) ExecutorOption {
	return func(c *executorConfig) { c.events = b }
}

// DAGExecutor runs validated DAGs: nodes execute in dependency batches,
// batch members concurrently, with edge guards deciding which downstream
// branches run.
type DAGExecutor struct {
	balancer    *LoadBalancer
	deadline    time.Duration
	maxParallel int
	agentIDFor  func(d *DAG, n *Node) string
	logger      *slog.Logger
	tracer      Tracer
	events      *EventBus
}

// NewDAGExecutor creates an executor dispatching agent nodes through the
// given balancer.
func NewDAGExecutor(balancer *LoadBalancer, opts ...ExecutorOption) *DAGExecutor {
	cfg := executorConfig{
		deadline:    DefaultExecutionDeadline,
		maxParallel: defaultMaxParallel,
		agentIDFor:  func(_ *DAG, n *Node) string { return n.ID },
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = nopLogger
	}
	return &DAGExecutor{
		balancer:    balancer,
		deadline:    cfg.deadline,
		maxParallel: cfg.maxParallel,
		agentIDFor:  cfg.agentIDFor,
		logger:      cfg.logger,
		tracer:      cfg.tracer,
		events:      cfg.events,
	}
}

// execState is the mutable state of one running execution.
type execState struct {
	mu      sync.Mutex
	results map[string]NodeResult
	path    []string
}

func (s *execState) set(r NodeResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[r.NodeID] = r
	if r.Status == NodeCompleted {
		s.path = append(s.path, r.NodeID)
	}
}

func (s *execState) get(nodeID string) (NodeResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.results[nodeID]
	return r, ok
}

// Execute runs the DAG against the payload within the deadline budget. The
// DAG's generation preferences override the executor defaults: a set
// MaxExecutionTime replaces the configured deadline, and disabled parallel
// execution serializes every batch. On deadline, remaining nodes are marked
// skipped and the partial result is returned alongside ErrDeadline.
func (e *DAGExecutor) Execute(ctx context.Context, d *DAG, payload map[string]any) (*ExecutionResult, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}

	started := time.Now()
	res := &ExecutionResult{
		DAGID:       d.ID,
		ExecutionID: NewID(),
		NodeResults: make(map[string]NodeResult),
		StartedAt:   started,
	}

	var span Span
	if e.tracer != nil {
		var sctx context.Context
		sctx, span = e.tracer.Start(ctx, "executor.execute",
			StringAttr("dag_id", d.ID),
			IntAttr("nodes", len(d.Nodes)))
		ctx = sctx
		defer span.End()
	}

	deadline := e.deadline
	if d.Preferences.MaxExecutionTime > 0 {
		deadline = d.Preferences.MaxExecutionTime
	}
	maxParallel := e.maxParallel
	if !d.Preferences.parallelExecution() {
		maxParallel = 1
	}
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	state := &execState{results: make(map[string]NodeResult)}
	incoming := incomingEdges(d)
	pending := pendingInDegrees(d)

	for len(pending) > 0 {
		batch := readyBatch(d, pending)
		if len(batch) == 0 {
			return nil, &ErrDAGInvalid{Reason: "no runnable nodes remain"}
		}

		if err := e.runBatch(ctx, d, batch, incoming, state, payload, deadline, maxParallel); err != nil {
			// Deadline: everything not yet resolved is skipped.
			for id := range pending {
				if _, done := state.get(id); !done {
					state.set(NodeResult{NodeID: id, Status: NodeSkipped})
				}
			}
			e.finish(res, d, state, ExecutionTimedOut, started)
			if span != nil {
				span.Error(err)
			}
			return res, err
		}

		for _, n := range batch {
			delete(pending, n.ID)
			for _, edge := range d.Edges {
				if edge.From == n.ID {
					if deg, ok := pending[edge.To]; ok {
						pending[edge.To] = deg - 1
					}
				}
			}
		}
	}

	status := ExecutionCompleted
	for _, r := range state.results {
		if r.Status == NodeFailed {
			status = ExecutionFailed
			break
		}
	}
	e.finish(res, d, state, status, started)
	if span != nil {
		span.SetAttr(
			StringAttr("status", string(res.Status)),
			IntAttr("path_len", len(res.ExecutionPath)))
	}
	return res, nil
}

// finish seals the execution result.
func (e *DAGExecutor) finish(res *ExecutionResult, d *DAG, state *execState, status ExecutionStatus, started time.Time) {
	state.mu.Lock()
	res.NodeResults = state.results
	res.ExecutionPath = state.path
	state.mu.Unlock()
	res.Status = status
	res.Duration = time.Since(started)

	for i := range d.Nodes {
		n := &d.Nodes[i]
		if n.Type != NodeOutput {
			continue
		}
		if r, ok := res.NodeResults[n.ID]; ok && r.Status == NodeCompleted {
			res.FinalResult = r.Result
			break
		}
	}

	e.events.Emit(Event{Type: EventExecutionDone, Fields: map[string]any{
		"dag_id": d.ID, "execution_id": res.ExecutionID, "status": string(status),
	}})
	e.logger.Info("execution finished",
		"dag_id", d.ID, "execution_id", res.ExecutionID,
		"status", string(status), "duration", res.Duration)
}

// runBatch executes one dependency batch concurrently. Only a deadline
// aborts the run; node failures are recorded and propagate as skips.
func (e *DAGExecutor) runBatch(ctx context.Context, d *DAG, batch []*Node, incoming map[string][]Edge, state *execState, payload map[string]any, deadline time.Duration, maxParallel int) error {
	sem := make(chan struct{}, maxParallel)
	var wg sync.WaitGroup
	for _, n := range batch {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			e.runNode(ctx, d, n, incoming, state, payload)
		}()
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return &ErrDeadline{Elapsed: deadline.String()}
	}
	return nil
}

// runNode evaluates guards, gathers dependency results, and dispatches to
// the node's handler.
func (e *DAGExecutor) runNode(ctx context.Context, d *DAG, n *Node, incoming map[string][]Edge, state *execState, payload map[string]any) {
	deps, admitted := e.gatherDeps(n, incoming, state)
	if !admitted {
		state.set(NodeResult{NodeID: n.ID, Status: NodeSkipped})
		return
	}

	var span Span
	if e.tracer != nil {
		var sctx context.Context
		sctx, span = e.tracer.Start(ctx, "executor.node",
			StringAttr("node_id", n.ID),
			StringAttr("node_type", string(n.Type)))
		ctx = sctx
		defer span.End()
	}

	start := time.Now()
	result, err := e.handle(ctx, d, n, deps, payload)
	elapsed := time.Since(start)

	if err != nil {
		state.set(NodeResult{NodeID: n.ID, Status: NodeFailed, Error: err.Error(), Duration: elapsed})
		if span != nil {
			span.Error(err)
		}
		e.events.Emit(Event{Type: EventNodeFailed, Fields: map[string]any{
			"dag_id": d.ID, "node_id": n.ID, "error": err.Error(),
		}})
		e.logger.Warn("node failed", "dag_id", d.ID, "node", n.ID, "error", err)
		return
	}

	state.set(NodeResult{NodeID: n.ID, Status: NodeCompleted, Result: result, Duration: elapsed})
	e.events.Emit(Event{Type: EventNodeCompleted, Fields: map[string]any{
		"dag_id": d.ID, "node_id": n.ID,
	}})
}

// gatherDeps collects completed upstream results that pass their edge
// guards, keyed by upstream node ID. A node with incoming edges is admitted
// only when at least one guard passes from a completed parent; failed or
// skipped parents and false guards all count against admission. Nodes with
// no incoming edges (the input node) are always admitted.
func (e *DAGExecutor) gatherDeps(n *Node, incoming map[string][]Edge, state *execState) (map[string]map[string]any, bool) {
	edges := incoming[n.ID]
	if len(edges) == 0 {
		return map[string]map[string]any{}, true
	}

	deps := make(map[string]map[string]any)
	for _, edge := range edges {
		parent, ok := state.get(edge.From)
		if !ok || parent.Status != NodeCompleted {
			continue
		}
		if !edge.Condition.Always() && !edge.Condition.Eval(parent.Result) {
			continue
		}
		if edge.Condition.Unknown {
			e.logger.Warn("unparsed edge condition treated as pass",
				"from", edge.From, "to", n.ID, "raw", edge.Condition.Raw)
		}
		deps[edge.From] = parent.Result
	}
	return deps, len(deps) > 0
}

// handle dispatches on the closed node-type set. An unhandled type is a
// generation bug surfaced as a node failure, not a silent skip.
func (e *DAGExecutor) handle(ctx context.Context, d *DAG, n *Node, deps map[string]map[string]any, payload map[string]any) (map[string]any, error) {
	switch n.Type {
	case NodeInput:
		return e.handleInput(payload), nil
	case NodeOutput:
		return e.handleOutput(deps), nil
	case NodeAgent:
		return e.handleAgent(ctx, d, n, deps, payload)
	case NodeCondition:
		return e.handleCondition(n, deps), nil
	case NodeMerge:
		return e.handleMerge(n, deps)
	case NodeParallel:
		return map[string]any{"parallelCoordinator": true, "nodeId": n.ID}, nil
	}
	return nil, fmt.Errorf("node %s: unhandled type %q", n.ID, n.Type)
}

// handleInput passes the request payload through verbatim.
func (e *DAGExecutor) handleInput(payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = v
	}
	return out
}

// handleOutput unions dependency results keyed by upstream node ID, with
// the last completed parent's text promoted to the top level.
func (e *DAGExecutor) handleOutput(deps map[string]map[string]any) map[string]any {
	out := make(map[string]any, len(deps)+1)
	ids := make([]string, 0, len(deps))
	for id := range deps {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		out[id] = deps[id]
		if text, ok := deps[id]["text"].(string); ok && text != "" {
			out["text"] = text
		}
	}
	return out
}

// handleAgent renders instructions, builds the task from upstream results,
// and dispatches through the balancer.
func (e *DAGExecutor) handleAgent(ctx context.Context, d *DAG, n *Node, deps map[string]map[string]any, payload map[string]any) (map[string]any, error) {
	var input strings.Builder
	if v, ok := payload["input"].(string); ok && v != "" {
		input.WriteString(v)
	}

	ids := make([]string, 0, len(deps))
	for id := range deps {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		text := depText(deps[id])
		if text == "" {
			continue
		}
		if input.Len() > 0 {
			input.WriteString("\n\n")
		}
		fmt.Fprintf(&input, "result of %s: %s", id, text)
	}

	taskCtx := map[string]any{"instructions": resolvePlaceholders(n.Agent.Instructions, payload)}
	for _, key := range []string{"userId", "clientIp"} {
		if v, ok := payload[key].(string); ok && v != "" {
			taskCtx[key] = v
		}
	}
	task := WorkerTask{
		Input:     input.String(),
		Kind:      n.ID,
		Context:   taskCtx,
		SessionID: sessionIDFrom(payload),
	}
	result, _, err := e.balancer.Dispatch(ctx, e.agentIDFor(d, n), task)
	if err != nil {
		return nil, err
	}

	out := map[string]any{"text": result.Output}
	for k, v := range result.Fields {
		out[k] = v
	}
	return out, nil
}

// handleCondition evaluates the node's condition over the merged upstream
// results and reports the verdict alongside the inputs it judged.
func (e *DAGExecutor) handleCondition(n *Node, deps map[string]map[string]any) map[string]any {
	merged := mergeDeps(deps)
	met := true
	if n.Condition != nil {
		met = n.Condition.Condition.Eval(merged)
	}
	merged["conditionMet"] = met
	return merged
}

// handleMerge combines upstream results per the node's strategy.
func (e *DAGExecutor) handleMerge(n *Node, deps map[string]map[string]any) (map[string]any, error) {
	strategy := MergeConcat
	if n.Merge != nil && n.Merge.Strategy != "" {
		strategy = n.Merge.Strategy
	}

	ids := make([]string, 0, len(deps))
	for id := range deps {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	switch strategy {
	case MergeConcat:
		var parts []string
		for _, id := range ids {
			if text := depText(deps[id]); text != "" {
				parts = append(parts, text)
			}
		}
		return map[string]any{"text": strings.Join(parts, "\n")}, nil
	case MergeCombine:
		out := make(map[string]any, len(deps))
		for _, id := range ids {
			out[id] = deps[id]
		}
		return out, nil
	}
	return nil, fmt.Errorf("node %s: unknown merge strategy %q", n.ID, strategy)
}

// mergeDeps flattens upstream results into one map; later keys win in
// sorted node-ID order so the outcome is deterministic.
func mergeDeps(deps map[string]map[string]any) map[string]any {
	ids := make([]string, 0, len(deps))
	for id := range deps {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make(map[string]any)
	for _, id := range ids {
		for k, v := range deps[id] {
			out[k] = v
		}
	}
	return out
}

// depText extracts the textual payload of a node result.
func depText(result map[string]any) string {
	if text, ok := result["text"].(string); ok {
		return text
	}
	if text, ok := result["content"].(string); ok {
		return text
	}
	return ""
}

// sessionIDFrom reads an optional session ID out of the request payload.
func sessionIDFrom(payload map[string]any) string {
	if sid, ok := payload["sessionId"].(string); ok {
		return sid
	}
	return ""
}

// incomingEdges indexes edges by destination.
func incomingEdges(d *DAG) map[string][]Edge {
	in := make(map[string][]Edge, len(d.Nodes))
	for _, e := range d.Edges {
		in[e.To] = append(in[e.To], e)
	}
	return in
}

// pendingInDegrees seeds the batch loop with every node's in-degree.
func pendingInDegrees(d *DAG) map[string]int {
	pending := make(map[string]int, len(d.Nodes))
	for _, n := range d.Nodes {
		pending[n.ID] = 0
	}
	for _, e := range d.Edges {
		pending[e.To]++
	}
	return pending
}

// readyBatch returns the pending nodes with zero remaining dependencies, in
// declaration order.
func readyBatch(d *DAG, pending map[string]int) []*Node {
	var batch []*Node
	for i := range d.Nodes {
		n := &d.Nodes[i]
		if deg, ok := pending[n.ID]; ok && deg == 0 {
			batch = append(batch, n)
		}
	}
	return batch
}
