package plexus

import "context"

// InstanceSpec is everything the worker backend needs to materialize one
// agent instance.
type InstanceSpec struct {
	AgentID      string       `json:"agent_id"`
	Instructions string       `json:"instructions"`
	Model        ModelConfig  `json:"model"`
	Tools        []ToolSchema `json:"tools,omitempty"`
	// KnowledgeBases names retrieval scopes the worker may consult.
	KnowledgeBases []string `json:"knowledge_bases,omitempty"`
}

// WorkerTask is one unit of work dispatched to a live worker.
type WorkerTask struct {
	Input string `json:"input"`
	// Kind labels the request type for routing feedback, typically the DAG
	// node the task came from.
	Kind string `json:"kind,omitempty"`
	// Context carries upstream node results and request variables the
	// worker should see alongside the input.
	Context map[string]any `json:"context,omitempty"`
	// SessionID groups tasks that belong to one conversation.
	SessionID string `json:"session_id,omitempty"`
}

// WorkerResult is a completed task outcome.
type WorkerResult struct {
	Output string `json:"output"`
	// Fields carries structured values the worker reported alongside the
	// text (confidence, tool call counts, anything downstream guards read).
	Fields map[string]any `json:"fields,omitempty"`
	// TokensIn and TokensOut are the usage counts when the backend reports
	// them, zero otherwise.
	TokensIn  int `json:"tokens_in,omitempty"`
	TokensOut int `json:"tokens_out,omitempty"`
}

// WorkerPrimitive abstracts the execution backend that hosts agent
// instances. The orchestration layer composes pools, routing, and health
// monitoring on top of these four calls; any backend that can create a
// worker, run tasks on it, and tear it down can plug in.
type WorkerPrimitive interface {
	// Create materializes a worker for the spec and returns its backend ID.
	Create(ctx context.Context, spec InstanceSpec) (string, error)
	// Run executes one task on a previously created worker.
	Run(ctx context.Context, workerID string, task WorkerTask) (WorkerResult, error)
	// RunStream executes one task, streaming output chunks into ch until the
	// task completes. The final result is returned after ch is closed.
	RunStream(ctx context.Context, workerID string, task WorkerTask, ch chan<- string) (WorkerResult, error)
	// Destroy tears the worker down. Destroying an unknown ID is a no-op.
	Destroy(ctx context.Context, workerID string) error
}
