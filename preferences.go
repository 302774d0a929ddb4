package plexus

import "time"

// OptimizationStrategy is the multi-objective preference used for tool
// ranking and optimized-mode post-filtering.
type OptimizationStrategy string

const (
	OptimizePerformance OptimizationStrategy = "performance"
	OptimizeAccuracy    OptimizationStrategy = "accuracy"
	OptimizeCost        OptimizationStrategy = "cost"
	OptimizeBalanced    OptimizationStrategy = "balanced"
)

// GenerationMode selects how much of a template survives into the DAG.
type GenerationMode string

const (
	// ModeFull includes every template node and all enabled tools.
	ModeFull GenerationMode = "full"
	// ModeMinimal keeps only input/output and one agent node with a single
	// reasoning tool.
	ModeMinimal GenerationMode = "minimal"
	// ModeCustom filters nodes and tools by user preferences.
	ModeCustom GenerationMode = "custom"
	// ModeOptimized is custom generation followed by a strategy-dependent
	// post-filter over the selected tools.
	ModeOptimized GenerationMode = "optimized"
)

// NodeOverride carries per-node preference overrides applied during node
// customization, keyed by node ID in UserPreferences.CustomNodeConfigs.
type NodeOverride struct {
	Instructions string       `json:"instructions,omitempty"` // appended when set
	Model        *ModelConfig `json:"model,omitempty"`
	MaxTools     int          `json:"max_tools,omitempty"`
}

// DefaultMaxToolsPerAgent bounds a node's tool set when the user leaves
// MaxToolsPerAgent unset.
const DefaultMaxToolsPerAgent = 5

// UserPreferences steers DAG generation and execution for one user.
type UserPreferences struct {
	PreferredTypes      []ToolType     `json:"preferred_types,omitempty"`
	PreferredCategories []ToolCategory `json:"preferred_categories,omitempty"`
	ExcludedTools       []string       `json:"excluded_tools,omitempty"`
	MaxToolsPerAgent    int            `json:"max_tools_per_agent,omitempty"`

	OptimizationStrategy OptimizationStrategy `json:"optimization_strategy,omitempty"`

	MaxExecutionTime    time.Duration `json:"max_execution_time,omitempty"`
	MaxCostPerExecution float64       `json:"max_cost_per_execution,omitempty"`
	MinSuccessRate      float64       `json:"min_success_rate,omitempty"`

	// EnableParallelExecution and EnableFallbackNodes are tri-state: nil
	// means enabled.
	EnableParallelExecution *bool `json:"enable_parallel_execution,omitempty"`
	EnableFallbackNodes     *bool `json:"enable_fallback_nodes,omitempty"`

	CustomNodeConfigs map[string]NodeOverride `json:"custom_node_configs,omitempty"`
}

// maxTools returns the effective per-agent tool bound.
func (p UserPreferences) maxTools() int {
	if p.MaxToolsPerAgent > 0 {
		return p.MaxToolsPerAgent
	}
	return DefaultMaxToolsPerAgent
}

// parallelExecution reports whether sibling nodes may run concurrently.
func (p UserPreferences) parallelExecution() bool {
	return p.EnableParallelExecution == nil || *p.EnableParallelExecution
}

// fallbackNodes reports whether fallback-tagged template nodes survive
// generation.
func (p UserPreferences) fallbackNodes() bool {
	return p.EnableFallbackNodes == nil || *p.EnableFallbackNodes
}

// strategy returns the effective optimization strategy.
func (p UserPreferences) strategy() OptimizationStrategy {
	if p.OptimizationStrategy == "" {
		return OptimizeBalanced
	}
	return p.OptimizationStrategy
}

// GenerateRequest is one DAG generation request.
type GenerateRequest struct {
	TemplateID string         `json:"template_id"`
	UserID     string         `json:"user_id"`
	Mode       GenerationMode `json:"mode,omitempty"`

	// SelectedCapabilities filters template nodes: when non-empty, a
	// non-input/output node survives only if its declared capabilities
	// intersect this set.
	SelectedCapabilities []string `json:"selected_capabilities,omitempty"`

	// EnabledTools, when non-empty, intersects the tool selection.
	EnabledTools []string `json:"enabled_tools,omitempty"`
	// DisabledTools are dropped from the tool selection.
	DisabledTools []string `json:"disabled_tools,omitempty"`

	// CustomInstructions are appended to every agent node's instructions.
	CustomInstructions string `json:"custom_instructions,omitempty"`

	Preferences UserPreferences `json:"preferences"`
}
