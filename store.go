package plexus

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Store lookups for missing records.
var ErrNotFound = errors.New("store: not found")

// Store abstracts persistence for orchestration state: registered agent
// configs, templates, generated DAGs, execution results, and the scaling
// audit trail. The store/sqlite and store/postgres packages implement it.
type Store interface {
	// --- Agent configs ---
	SaveAgentConfig(ctx context.Context, cfg AgentConfig) error
	GetAgentConfig(ctx context.Context, agentID string) (AgentConfig, error)
	ListAgentConfigs(ctx context.Context) ([]AgentConfig, error)
	DeleteAgentConfig(ctx context.Context, agentID string) error

	// --- Templates ---
	SaveTemplate(ctx context.Context, t Template) error
	GetTemplate(ctx context.Context, id string) (Template, error)
	ListTemplates(ctx context.Context) ([]Template, error)

	// --- DAGs + executions ---
	SaveDAG(ctx context.Context, d DAG) error
	GetDAG(ctx context.Context, id string) (DAG, error)
	SaveExecution(ctx context.Context, res ExecutionResult) error
	GetExecution(ctx context.Context, executionID string) (ExecutionResult, error)

	// --- Scaling audit trail ---
	RecordScalingEvent(ctx context.Context, ev ScalingEvent) error
	ListScalingEvents(ctx context.Context, agentID string, limit int) ([]ScalingEvent, error)

	// --- Lifecycle ---
	Init(ctx context.Context) error
	Close() error
}
