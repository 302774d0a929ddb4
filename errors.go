package plexus

import "fmt"

// ErrTemplateNotFound is returned when a DAG generation request references an
// unknown template ID.
type ErrTemplateNotFound struct {
	TemplateID string
}

func (e *ErrTemplateNotFound) Error() string {
	return fmt.Sprintf("template %q not found", e.TemplateID)
}

// ErrDAGInvalid is returned when a generated DAG fails structural validation:
// missing input/output nodes, a dependency cycle, or an unreachable agent node.
type ErrDAGInvalid struct {
	Reason string
}

func (e *ErrDAGInvalid) Error() string {
	return "invalid dag: " + e.Reason
}

// ErrBudgetExceeded is returned when a generated DAG's estimated cost
// overruns the user's per-execution budget.
type ErrBudgetExceeded struct {
	Estimated float64
	Budget    float64
}

func (e *ErrBudgetExceeded) Error() string {
	return fmt.Sprintf("estimated cost %.3f exceeds budget %.3f", e.Estimated, e.Budget)
}

// ErrToolUnavailable is returned when a requested tool has been filtered out
// by availability. It marks a selection miss, not a request failure.
type ErrToolUnavailable struct {
	ToolID string
}

func (e *ErrToolUnavailable) Error() string {
	return fmt.Sprintf("tool %q unavailable", e.ToolID)
}

// ErrNoCapacity is returned by the pool when an agent is at its instance
// ceiling with no idle slot.
type ErrNoCapacity struct {
	AgentID string
	Max     int
}

func (e *ErrNoCapacity) Error() string {
	return fmt.Sprintf("agent %s: no capacity (max %d instances)", e.AgentID, e.Max)
}

// ErrInstanceNotFound is returned when a targeted instance does not exist.
type ErrInstanceNotFound struct {
	InstanceID string
}

func (e *ErrInstanceNotFound) Error() string {
	return fmt.Sprintf("instance %q not found", e.InstanceID)
}

// ErrInstanceUnhealthy is returned when a targeted instance exists but is not
// in a usable state.
type ErrInstanceUnhealthy struct {
	InstanceID string
	Status     InstanceStatus
}

func (e *ErrInstanceUnhealthy) Error() string {
	return fmt.Sprintf("instance %s unusable (status %s)", e.InstanceID, e.Status)
}

// ErrDeadline is returned when a DAG execution exceeds its configured
// execution-time budget. Completed node results are preserved on the
// ExecutionResult that accompanies it.
type ErrDeadline struct {
	Elapsed string
}

func (e *ErrDeadline) Error() string {
	return "execution deadline exceeded after " + e.Elapsed
}

// ErrUpstream is returned when a tool call or worker call failed after the
// balancer's internal retries were exhausted.
type ErrUpstream struct {
	Op  string // "tool", "worker", "dispatch"
	Err error
}

func (e *ErrUpstream) Error() string {
	return fmt.Sprintf("upstream %s failure: %v", e.Op, e.Err)
}

func (e *ErrUpstream) Unwrap() error { return e.Err }

// ServiceError carries an HTTP status from a collaborator service call.
type ServiceError struct {
	Service string
	Status  int
	Body    string
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("%s: http %d: %s", e.Service, e.Status, e.Body)
}
