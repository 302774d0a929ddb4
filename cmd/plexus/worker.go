package main

import (
	"context"
	"fmt"
	"sync"

	plexus "github.com/plexal/plexus"
)

// echoWorker is an in-process WorkerPrimitive for local runs: each worker
// echoes its input prefixed with its agent's name. It exercises the full
// pool/balancer/executor path without any external backend.
type echoWorker struct {
	mu      sync.Mutex
	workers map[string]plexus.InstanceSpec
}

func newEchoWorker() *echoWorker {
	return &echoWorker{workers: make(map[string]plexus.InstanceSpec)}
}

func (w *echoWorker) Create(_ context.Context, spec plexus.InstanceSpec) (string, error) {
	id := plexus.NewID()
	w.mu.Lock()
	w.workers[id] = spec
	w.mu.Unlock()
	return id, nil
}

func (w *echoWorker) Run(_ context.Context, workerID string, task plexus.WorkerTask) (plexus.WorkerResult, error) {
	w.mu.Lock()
	spec, ok := w.workers[workerID]
	w.mu.Unlock()
	if !ok {
		return plexus.WorkerResult{}, fmt.Errorf("unknown worker %s", workerID)
	}
	out := fmt.Sprintf("[%s] %s", spec.AgentID, task.Input)
	return plexus.WorkerResult{
		Output:    out,
		TokensIn:  len(task.Input) / 4,
		TokensOut: len(out) / 4,
	}, nil
}

func (w *echoWorker) RunStream(ctx context.Context, workerID string, task plexus.WorkerTask, ch chan<- string) (plexus.WorkerResult, error) {
	res, err := w.Run(ctx, workerID, task)
	if err == nil {
		ch <- res.Output
	}
	close(ch)
	return res, err
}

func (w *echoWorker) Destroy(_ context.Context, workerID string) error {
	w.mu.Lock()
	delete(w.workers, workerID)
	w.mu.Unlock()
	return nil
}

var _ plexus.WorkerPrimitive = (*echoWorker)(nil)
