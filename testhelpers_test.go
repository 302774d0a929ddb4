package plexus

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// fakeWorker is the in-memory WorkerPrimitive the tests run against. Replies
// are configurable per agent; everything is recorded for assertions.
type fakeWorker struct {
	mu       sync.Mutex
	seq      int
	byWorker map[string]InstanceSpec
	runs     []WorkerTask
	runCount map[string]int // by worker ID

	delay  time.Duration
	failFn func(spec InstanceSpec, task WorkerTask) error
	reply  func(spec InstanceSpec, task WorkerTask) WorkerResult

	cpu, memory float64 // reported by Resources
	resourceErr error
}

func newFakeWorker() *fakeWorker {
	return &fakeWorker{
		byWorker: make(map[string]InstanceSpec),
		runCount: make(map[string]int),
	}
}

func (w *fakeWorker) Create(_ context.Context, spec InstanceSpec) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.seq++
	id := fmt.Sprintf("w-%d", w.seq)
	w.byWorker[id] = spec
	return id, nil
}

func (w *fakeWorker) Run(ctx context.Context, workerID string, task WorkerTask) (WorkerResult, error) {
	w.mu.Lock()
	spec, ok := w.byWorker[workerID]
	w.runs = append(w.runs, task)
	w.runCount[workerID]++
	delay := w.delay
	failFn := w.failFn
	reply := w.reply
	w.mu.Unlock()

	if !ok {
		return WorkerResult{}, fmt.Errorf("unknown worker %s", workerID)
	}
	if delay > 0 {
		select {
		case <-ctx.Done():
			return WorkerResult{}, ctx.Err()
		case <-time.After(delay):
		}
	}
	if failFn != nil {
		if err := failFn(spec, task); err != nil {
			return WorkerResult{}, err
		}
	}
	if reply != nil {
		return reply(spec, task), nil
	}
	return WorkerResult{Output: "[" + spec.AgentID + "] " + task.Input}, nil
}

func (w *fakeWorker) RunStream(ctx context.Context, workerID string, task WorkerTask, ch chan<- string) (WorkerResult, error) {
	res, err := w.Run(ctx, workerID, task)
	if err == nil {
		ch <- res.Output
	}
	close(ch)
	return res, err
}

func (w *fakeWorker) Destroy(_ context.Context, workerID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.byWorker, workerID)
	return nil
}

func (w *fakeWorker) Resources(_ context.Context, workerID string) (float64, float64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.resourceErr != nil {
		return 0, 0, w.resourceErr
	}
	if _, ok := w.byWorker[workerID]; !ok {
		return 0, 0, fmt.Errorf("unknown worker %s", workerID)
	}
	return w.cpu, w.memory, nil
}

func (w *fakeWorker) totalRuns() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.runs)
}

// testTool builds a usable registered tool with fixed rolling stats.
func testTool(service, name string, cat ToolCategory, typ ToolType, successRate float64, rt time.Duration) ToolDef {
	return ToolDef{
		ID:              ToolID(service, name),
		ServiceName:     service,
		LocalName:       name,
		Type:            typ,
		Category:        cat,
		Enabled:         true,
		Available:       true,
		HealthStatus:    HealthHealthy,
		TotalCalls:      10,
		SuccessRate:     successRate,
		AvgResponseTime: rt,
	}
}

// linearDAG builds input -> agent(s) -> output with unguarded edges.
func linearDAG(agentIDs ...string) *DAG {
	d := &DAG{ID: "dag-test"}
	d.Nodes = append(d.Nodes, Node{ID: "input", Type: NodeInput})
	prev := "input"
	for _, id := range agentIDs {
		d.Nodes = append(d.Nodes, Node{
			ID:   id,
			Type: NodeAgent,
			Agent: &AgentNodeConfig{
				Instructions: "do " + id,
			},
		})
		d.Edges = append(d.Edges, Edge{From: prev, To: id})
		prev = id
	}
	d.Nodes = append(d.Nodes, Node{ID: "output", Type: NodeOutput})
	d.Edges = append(d.Edges, Edge{From: prev, To: "output"})
	return d
}

// registeredPool returns a pool with one registered agent warmed to min.
func registeredPool(t interface{ Fatalf(string, ...any) }, worker WorkerPrimitive, agentID string, min, max int) *InstancePool {
	pool := NewInstancePool(worker)
	err := pool.RegisterAgent(context.Background(), AgentConfig{
		AgentID:      agentID,
		MinInstances: min,
		MaxInstances: max,
	})
	if err != nil {
		t.Fatalf("RegisterAgent(%s) error = %v", agentID, err)
	}
	return pool
}
