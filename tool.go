package plexus

import (
	"encoding/json"
	"time"
)

// ToolType classifies where a tool's implementation lives.
type ToolType string

const (
	ToolBuiltin  ToolType = "builtin"
	ToolSystem   ToolType = "system"
	ToolExternal ToolType = "external"
	ToolMCP      ToolType = "mcp"
)

// ParseToolType maps a wire string to a ToolType. Returns "" and false for
// unknown values; callers log and skip the tool rather than guessing.
func ParseToolType(s string) (ToolType, bool) {
	switch ToolType(s) {
	case ToolBuiltin, ToolSystem, ToolExternal, ToolMCP:
		return ToolType(s), true
	}
	return "", false
}

// ToolCategory groups tools by the kind of work they do.
type ToolCategory string

const (
	CategorySearch        ToolCategory = "search"
	CategoryContent       ToolCategory = "content"
	CategoryFile          ToolCategory = "file"
	CategoryReasoning     ToolCategory = "reasoning"
	CategoryCalculation   ToolCategory = "calculation"
	CategoryCommunication ToolCategory = "communication"
	CategoryAnalysis      ToolCategory = "analysis"
	CategoryAutomation    ToolCategory = "automation"
	CategorySecurity      ToolCategory = "security"
	CategoryData          ToolCategory = "data"
)

// ParseToolCategory maps a wire string to a ToolCategory. Returns "" and
// false for unknown values.
func ParseToolCategory(s string) (ToolCategory, bool) {
	switch ToolCategory(s) {
	case CategorySearch, CategoryContent, CategoryFile, CategoryReasoning,
		CategoryCalculation, CategoryCommunication, CategoryAnalysis,
		CategoryAutomation, CategorySecurity, CategoryData:
		return ToolCategory(s), true
	}
	return "", false
}

// HealthState is the last probed availability of a tool's backing service.
type HealthState string

const (
	HealthHealthy   HealthState = "healthy"
	HealthUnhealthy HealthState = "unhealthy"
	HealthUnknown   HealthState = "unknown"
)

// ToolDef describes a registered tool: identity, invocation locator, schema,
// and rolling call statistics. Identity (ID, ServiceName, LocalName) is
// immutable once registered; the live flags and stats are maintained by the
// registry's discovery and execution paths.
type ToolDef struct {
	// ID is ServiceName + "." + LocalName.
	ID          string       `json:"id"`
	ServiceName string       `json:"service_name"`
	LocalName   string       `json:"local_name"`
	DisplayName string       `json:"display_name"`
	Description string       `json:"description"`
	Type        ToolType     `json:"type"`
	Category    ToolCategory `json:"category"`

	// EndpointPath is the invocation path on the owning service.
	// Empty for builtin tools, which execute in-process.
	EndpointPath string `json:"endpoint_path"`
	// Schema is the JSON invocation schema passed to the worker.
	Schema json.RawMessage `json:"schema"`

	PermissionLevel string        `json:"permission_level"`
	RateLimit       int           `json:"rate_limit,omitempty"` // calls/minute, 0 = unlimited
	Timeout         time.Duration `json:"timeout"`

	Enabled      bool        `json:"enabled"`
	Available    bool        `json:"available"`
	HealthStatus HealthState `json:"health_status"`

	// Rolling statistics, recomputed on each completed call.
	TotalCalls      int64         `json:"total_calls"`
	SuccessRate     float64       `json:"success_rate"` // [0,1]
	AvgResponseTime time.Duration `json:"avg_response_time"`
}

// ToolID joins a service name and local tool name into the canonical tool ID.
func ToolID(service, local string) string {
	return service + "." + local
}

// Usable reports whether the tool can be offered to an agent node right now.
func (t *ToolDef) Usable() bool {
	return t.Enabled && t.Available
}

// recordCall folds one completed call into the tool's rolling stats.
// SuccessRate is a cumulative ratio; AvgResponseTime a cumulative mean.
func (t *ToolDef) recordCall(ok bool, elapsed time.Duration) {
	prior := float64(t.TotalCalls)
	t.TotalCalls++
	n := float64(t.TotalCalls)

	outcome := 0.0
	if ok {
		outcome = 1.0
	}
	t.SuccessRate = (t.SuccessRate*prior + outcome) / n
	t.AvgResponseTime = time.Duration((float64(t.AvgResponseTime)*prior + float64(elapsed)) / n)
}

// clone returns a copy safe to hand to callers while the registry keeps
// mutating its own record.
func (t *ToolDef) clone() ToolDef {
	c := *t
	if t.Schema != nil {
		c.Schema = make(json.RawMessage, len(t.Schema))
		copy(c.Schema, t.Schema)
	}
	return c
}

// ToolSchema pairs a tool ID with its invocation schema, in the shape the
// worker primitive consumes.
type ToolSchema struct {
	ToolID      string          `json:"tool_id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ToolExecution is the outcome of a registry Execute call.
type ToolExecution struct {
	ToolID   string          `json:"tool_id"`
	Content  string          `json:"content"`
	Raw      json.RawMessage `json:"raw,omitempty"`
	Duration time.Duration   `json:"duration"`
}
