package plexus

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

// executorFixture builds an executor over a pool with one registered agent
// per agent node in the DAG.
func executorFixture(t *testing.T, worker *fakeWorker, d *DAG, opts ...ExecutorOption) *DAGExecutor {
	t.Helper()
	pool := NewInstancePool(worker)
	for _, n := range d.Nodes {
		if n.Type != NodeAgent {
			continue
		}
		err := pool.RegisterAgent(context.Background(), AgentConfig{
			AgentID:      n.ID,
			Spec:         InstanceSpec{AgentID: n.ID},
			MinInstances: 1,
			MaxInstances: 2,
		})
		if err != nil {
			t.Fatalf("RegisterAgent(%s) error = %v", n.ID, err)
		}
	}
	lb := NewLoadBalancer(pool, worker)
	return NewDAGExecutor(lb, opts...)
}

func TestExecuteLinear(t *testing.T) {
	worker := newFakeWorker()
	d := linearDAG("a", "b")
	ex := executorFixture(t, worker, d)

	res, err := ex.Execute(context.Background(), d, map[string]any{"input": "hello"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.Status != ExecutionCompleted {
		t.Fatalf("Status = %v, want completed", res.Status)
	}

	wantPath := []string{"input", "a", "b", "output"}
	if len(res.ExecutionPath) != len(wantPath) {
		t.Fatalf("ExecutionPath = %v, want %v", res.ExecutionPath, wantPath)
	}
	for i, id := range wantPath {
		if res.ExecutionPath[i] != id {
			t.Fatalf("ExecutionPath = %v, want %v", res.ExecutionPath, wantPath)
		}
	}

	// b saw both the payload and a's result.
	bText, _ := res.NodeResults["b"].Result["text"].(string)
	if !strings.Contains(bText, "result of a: [a] hello") {
		t.Errorf("b result = %q, want a's output threaded in", bText)
	}

	// The output node promotes the last parent's text.
	if got, _ := res.FinalResult["text"].(string); got != bText {
		t.Errorf("FinalResult text = %q, want %q", got, bText)
	}
	if res.ExecutionID == "" {
		t.Errorf("ExecutionID empty")
	}
}

func TestExecuteInvalidDAG(t *testing.T) {
	worker := newFakeWorker()
	d := linearDAG("a")
	d.Edges = append(d.Edges, Edge{From: "output", To: "a"}) // cycle
	ex := executorFixture(t, worker, d)

	_, err := ex.Execute(context.Background(), d, nil)
	var invalid *ErrDAGInvalid
	if !errors.As(err, &invalid) {
		t.Fatalf("Execute() error = %v, want *ErrDAGInvalid", err)
	}
}

// conditionalDAG wires a confidence gate:
// input -> synth -> check -> output when confidence >= 0.7, else
// check -> fallback -> output.
func conditionalDAG() *DAG {
	return &DAG{
		ID: "dag-cond",
		Nodes: []Node{
			{ID: "input", Type: NodeInput},
			{ID: "synth", Type: NodeAgent, Agent: &AgentNodeConfig{Instructions: "synthesize"}},
			{ID: "check", Type: NodeCondition, Condition: &ConditionNodeConfig{
				Condition: ParseCondition("confidence >= 0.7"),
			}},
			{ID: "fallback", Type: NodeAgent, Agent: &AgentNodeConfig{Instructions: "fall back"}},
			{ID: "output", Type: NodeOutput},
		},
		Edges: []Edge{
			{From: "input", To: "synth"},
			{From: "synth", To: "check"},
			{From: "check", To: "output", Condition: ParseCondition("confidence >= 0.7")},
			{From: "check", To: "fallback", Condition: ParseCondition("confidence < 0.7")},
			{From: "fallback", To: "output"},
		},
	}
}

func TestExecuteConditionHighConfidence(t *testing.T) {
	worker := newFakeWorker()
	worker.reply = func(spec InstanceSpec, task WorkerTask) WorkerResult {
		if spec.AgentID == "synth" {
			return WorkerResult{Output: "grounded answer", Fields: map[string]any{"confidence": 0.9}}
		}
		return WorkerResult{Output: "general answer"}
	}
	d := conditionalDAG()
	ex := executorFixture(t, worker, d)

	res, err := ex.Execute(context.Background(), d, map[string]any{"input": "q"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.Status != ExecutionCompleted {
		t.Fatalf("Status = %v, want completed", res.Status)
	}
	if got := res.NodeResults["fallback"].Status; got != NodeSkipped {
		t.Errorf("fallback status = %v, want skipped", got)
	}
	if met, _ := res.NodeResults["check"].Result["conditionMet"].(bool); !met {
		t.Errorf("conditionMet = false, want true")
	}
	if got, _ := res.FinalResult["text"].(string); got != "grounded answer" {
		t.Errorf("FinalResult text = %q, want the grounded answer", got)
	}
}

func TestExecuteConditionLowConfidence(t *testing.T) {
	worker := newFakeWorker()
	worker.reply = func(spec InstanceSpec, task WorkerTask) WorkerResult {
		if spec.AgentID == "synth" {
			return WorkerResult{Output: "weak answer", Fields: map[string]any{"confidence": 0.2}}
		}
		return WorkerResult{Output: "general answer"}
	}
	d := conditionalDAG()
	ex := executorFixture(t, worker, d)

	res, err := ex.Execute(context.Background(), d, map[string]any{"input": "q"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.Status != ExecutionCompleted {
		t.Fatalf("Status = %v, want completed", res.Status)
	}
	if got := res.NodeResults["fallback"].Status; got != NodeCompleted {
		t.Errorf("fallback status = %v, want completed", got)
	}
	if met, _ := res.NodeResults["check"].Result["conditionMet"].(bool); met {
		t.Errorf("conditionMet = true, want false")
	}
	if got, _ := res.FinalResult["text"].(string); got != "general answer" {
		t.Errorf("FinalResult text = %q, want the fallback answer", got)
	}
}

func TestExecuteParallelFanOut(t *testing.T) {
	worker := newFakeWorker()
	d := &DAG{
		ID: "dag-par",
		Nodes: []Node{
			{ID: "input", Type: NodeInput},
			{ID: "coordinate", Type: NodeParallel},
			{ID: "left", Type: NodeAgent, Agent: &AgentNodeConfig{Instructions: "left"}},
			{ID: "right", Type: NodeAgent, Agent: &AgentNodeConfig{Instructions: "right"}},
			{ID: "join", Type: NodeMerge, Merge: &MergeNodeConfig{Strategy: MergeConcat}},
			{ID: "output", Type: NodeOutput},
		},
		Edges: []Edge{
			{From: "input", To: "coordinate"},
			{From: "coordinate", To: "left"},
			{From: "coordinate", To: "right"},
			{From: "left", To: "join"},
			{From: "right", To: "join"},
			{From: "join", To: "output"},
		},
	}
	ex := executorFixture(t, worker, d)

	res, err := ex.Execute(context.Background(), d, map[string]any{"input": "go"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.Status != ExecutionCompleted {
		t.Fatalf("Status = %v, want completed", res.Status)
	}

	coord := res.NodeResults["coordinate"].Result
	if ok, _ := coord["parallelCoordinator"].(bool); !ok {
		t.Errorf("coordinate result = %v, want the coordinator marker", coord)
	}

	// Concat joins branch texts in sorted node-ID order.
	joined, _ := res.NodeResults["join"].Result["text"].(string)
	if joined != "[left] go\n[right] go" {
		t.Errorf("join text = %q, want both branches concatenated", joined)
	}
	if got := worker.totalRuns(); got != 2 {
		t.Errorf("worker runs = %d, want 2", got)
	}
}

func TestExecuteMergeCombine(t *testing.T) {
	worker := newFakeWorker()
	d := &DAG{
		ID: "dag-combine",
		Nodes: []Node{
			{ID: "input", Type: NodeInput},
			{ID: "a", Type: NodeAgent, Agent: &AgentNodeConfig{Instructions: "a"}},
			{ID: "b", Type: NodeAgent, Agent: &AgentNodeConfig{Instructions: "b"}},
			{ID: "join", Type: NodeMerge, Merge: &MergeNodeConfig{Strategy: MergeCombine}},
			{ID: "output", Type: NodeOutput},
		},
		Edges: []Edge{
			{From: "input", To: "a"},
			{From: "input", To: "b"},
			{From: "a", To: "join"},
			{From: "b", To: "join"},
			{From: "join", To: "output"},
		},
	}
	ex := executorFixture(t, worker, d)

	res, err := ex.Execute(context.Background(), d, map[string]any{"input": "x"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	joined := res.NodeResults["join"].Result
	for _, id := range []string{"a", "b"} {
		branch, ok := joined[id].(map[string]any)
		if !ok {
			t.Fatalf("join result missing branch %q: %v", id, joined)
		}
		if _, ok := branch["text"].(string); !ok {
			t.Errorf("branch %q carries no text", id)
		}
	}
}

func TestExecuteNodeFailureCascades(t *testing.T) {
	worker := newFakeWorker()
	worker.failFn = func(InstanceSpec, WorkerTask) error {
		return errors.New("model unavailable")
	}
	d := linearDAG("a", "b")
	ex := executorFixture(t, worker, d)

	res, err := ex.Execute(context.Background(), d, map[string]any{"input": "x"})
	if err != nil {
		t.Fatalf("Execute() error = %v, want nil with failed status", err)
	}
	if res.Status != ExecutionFailed {
		t.Fatalf("Status = %v, want failed", res.Status)
	}
	if got := res.NodeResults["a"].Status; got != NodeFailed {
		t.Errorf("a status = %v, want failed", got)
	}
	if got := res.NodeResults["b"].Status; got != NodeSkipped {
		t.Errorf("b status = %v, want skipped", got)
	}
	if got := res.NodeResults["output"].Status; got != NodeSkipped {
		t.Errorf("output status = %v, want skipped", got)
	}
	if res.FinalResult != nil {
		t.Errorf("FinalResult = %v, want nil", res.FinalResult)
	}
}

func TestExecuteDeadline(t *testing.T) {
	worker := newFakeWorker()
	worker.delay = 200 * time.Millisecond
	d := linearDAG("a", "b")
	ex := executorFixture(t, worker, d, WithExecutionDeadline(50*time.Millisecond))

	res, err := ex.Execute(context.Background(), d, map[string]any{"input": "x"})
	var deadline *ErrDeadline
	if !errors.As(err, &deadline) {
		t.Fatalf("Execute() error = %v, want *ErrDeadline", err)
	}
	if res == nil {
		t.Fatalf("Execute() result = nil, want partial result")
	}
	if res.Status != ExecutionTimedOut {
		t.Errorf("Status = %v, want timedOut", res.Status)
	}
	if got := res.NodeResults["input"].Status; got != NodeCompleted {
		t.Errorf("input status = %v, want completed (partial result preserved)", got)
	}
	for _, id := range []string{"b", "output"} {
		if got := res.NodeResults[id].Status; got != NodeSkipped {
			t.Errorf("%s status = %v, want skipped", id, got)
		}
	}
}

func TestExecuteDeadlineFromPreferences(t *testing.T) {
	worker := newFakeWorker()
	worker.delay = 200 * time.Millisecond
	d := linearDAG("a", "b")
	d.Preferences.MaxExecutionTime = 50 * time.Millisecond
	ex := executorFixture(t, worker, d)

	res, err := ex.Execute(context.Background(), d, map[string]any{"input": "x"})
	var deadline *ErrDeadline
	if !errors.As(err, &deadline) {
		t.Fatalf("Execute() error = %v, want *ErrDeadline", err)
	}
	if res == nil || res.Status != ExecutionTimedOut {
		t.Fatalf("result = %v, want timedOut", res)
	}
}

func TestExecuteSerialWhenParallelDisabled(t *testing.T) {
	worker := newFakeWorker()
	serial := false
	d := &DAG{
		ID: "dag-serial",
		Nodes: []Node{
			{ID: "input", Type: NodeInput},
			{ID: "left", Type: NodeAgent, Agent: &AgentNodeConfig{Instructions: "left"}},
			{ID: "right", Type: NodeAgent, Agent: &AgentNodeConfig{Instructions: "right"}},
			{ID: "output", Type: NodeOutput},
		},
		Edges: []Edge{
			{From: "input", To: "left"},
			{From: "input", To: "right"},
			{From: "left", To: "output"},
			{From: "right", To: "output"},
		},
	}
	d.Preferences.EnableParallelExecution = &serial
	ex := executorFixture(t, worker, d)

	res, err := ex.Execute(context.Background(), d, map[string]any{"input": "go"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.Status != ExecutionCompleted {
		t.Fatalf("Status = %v, want completed", res.Status)
	}
	if got := worker.totalRuns(); got != 2 {
		t.Errorf("worker runs = %d, want 2", got)
	}
}

func TestExecuteThreadsKindAndIdentity(t *testing.T) {
	worker := newFakeWorker()
	d := linearDAG("a")
	ex := executorFixture(t, worker, d)

	payload := map[string]any{"input": "x", "userId": "u-7", "clientIp": "10.0.0.3"}
	_, err := ex.Execute(context.Background(), d, payload)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if len(worker.runs) != 1 {
		t.Fatalf("worker runs = %d, want 1", len(worker.runs))
	}
	task := worker.runs[0]
	if task.Kind != "a" {
		t.Errorf("task kind = %q, want the node id", task.Kind)
	}
	if got, _ := task.Context["userId"].(string); got != "u-7" {
		t.Errorf("task userId = %q, want u-7", got)
	}
	if got, _ := task.Context["clientIp"].(string); got != "10.0.0.3" {
		t.Errorf("task clientIp = %q, want 10.0.0.3", got)
	}
}

func TestExecuteSessionThreading(t *testing.T) {
	worker := newFakeWorker()
	d := linearDAG("a")
	ex := executorFixture(t, worker, d)

	_, err := ex.Execute(context.Background(), d, map[string]any{"input": "x", "sessionId": "s-9"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if len(worker.runs) != 1 || worker.runs[0].SessionID != "s-9" {
		t.Errorf("task session = %v, want s-9 threaded through", worker.runs)
	}
}

func TestExecuteInstructionPlaceholders(t *testing.T) {
	worker := newFakeWorker()
	d := linearDAG("a")
	d.Nodes[1].Agent.Instructions = "answer {{input}} carefully"
	ex := executorFixture(t, worker, d)

	_, err := ex.Execute(context.Background(), d, map[string]any{"input": "why"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	got, _ := worker.runs[0].Context["instructions"].(string)
	if got != "answer why carefully" {
		t.Errorf("instructions = %q, want placeholders resolved", got)
	}
}
