package plexus

import (
	"fmt"
	"strings"
	"sync"
)

// Template is the reusable structure a DAG is generated from: nodes, edges,
// and variable slots ({{name}} placeholders inside agent instructions that
// are substituted from the request payload at execution time).
type Template struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Nodes       []Node   `json:"nodes"`
	Edges       []Edge   `json:"edges"`
	Variables   []string `json:"variables,omitempty"`
}

// clone deep-copies the template so generation never mutates the original.
func (t *Template) clone() Template {
	c := *t
	c.Nodes = make([]Node, len(t.Nodes))
	for i, n := range t.Nodes {
		c.Nodes[i] = n.clone()
	}
	c.Edges = append([]Edge(nil), t.Edges...)
	c.Variables = append([]string(nil), t.Variables...)
	return c
}

// TemplateStore is an in-memory template registry. Safe for concurrent use.
type TemplateStore struct {
	mu        sync.RWMutex
	templates map[string]Template
}

// NewTemplateStore creates a store pre-loaded with the built-in templates.
func NewTemplateStore() *TemplateStore {
	s := &TemplateStore{templates: make(map[string]Template)}
	for _, t := range builtinTemplates() {
		s.templates[t.ID] = t
	}
	return s
}

// Register adds or replaces a template.
func (s *TemplateStore) Register(t Template) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.templates[t.ID] = t
}

// Get returns a deep copy of the template with the given ID.
func (s *TemplateStore) Get(id string) (Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.templates[id]
	if !ok {
		return Template{}, &ErrTemplateNotFound{TemplateID: id}
	}
	return t.clone(), nil
}

// List returns all template IDs.
func (s *TemplateStore) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.templates))
	for id := range s.templates {
		ids = append(ids, id)
	}
	return ids
}

// --- Built-in templates ---

// Built-in template IDs.
const (
	TemplateBasicConversation = "basicConversation"
	TemplateKnowledgeBase     = "knowledgeBase"
	TemplateDeepThinking      = "deepThinking"
)

func builtinTemplates() []Template {
	return []Template{
		basicConversationTemplate(),
		knowledgeBaseTemplate(),
		deepThinkingTemplate(),
	}
}

// basicConversationTemplate is the minimal chat plan: input -> agent -> output.
func basicConversationTemplate() Template {
	return Template{
		ID:          TemplateBasicConversation,
		Name:        "Basic conversation",
		Description: "Single-agent conversational exchange.",
		Nodes: []Node{
			{ID: "input", Type: NodeInput},
			{
				ID:           "chat",
				Type:         NodeAgent,
				Name:         "Chat",
				Capabilities: []string{"chat"},
				Agent: &AgentNodeConfig{
					Instructions:        "You are a helpful assistant. Answer the user's message:\n{{input}}",
					Model:               ModelConfig{Temperature: 0.7, MaxTokens: 2048},
					PreferredCategories: []ToolCategory{CategoryReasoning},
					MaxTools:            5,
				},
			},
			{ID: "output", Type: NodeOutput},
		},
		Edges: []Edge{
			{From: "input", To: "chat"},
			{From: "chat", To: "output"},
		},
		Variables: []string{"input"},
	}
}

// knowledgeBaseTemplate retrieves and synthesizes grounded answers, with a
// confidence gate that falls back to a general answer below threshold.
func knowledgeBaseTemplate() Template {
	return Template{
		ID:          TemplateKnowledgeBase,
		Name:        "Knowledge base",
		Description: "Retrieval-grounded answering with a confidence fallback.",
		Nodes: []Node{
			{ID: "input", Type: NodeInput},
			{
				ID:           "retrieval",
				Type:         NodeAgent,
				Name:         "Retrieval",
				Capabilities: []string{"retrieval", "search"},
				Agent: &AgentNodeConfig{
					Instructions:        "Search the configured knowledge bases for material relevant to:\n{{question}}",
					Model:               ModelConfig{Temperature: 0.2, MaxTokens: 1024},
					PreferredCategories: []ToolCategory{CategorySearch, CategoryData},
					MaxTools:            5,
				},
			},
			{
				ID:           "context",
				Type:         NodeAgent,
				Name:         "Context assembly",
				Capabilities: []string{"retrieval", "analysis"},
				Agent: &AgentNodeConfig{
					Instructions:        "Extract the facts from the knowledge bases {{knowledgeBaseIds}} that bear on the question.",
					Model:               ModelConfig{Temperature: 0.2, MaxTokens: 1024},
					PreferredCategories: []ToolCategory{CategoryData, CategoryAnalysis},
					MaxTools:            5,
				},
			},
			{
				ID:   "assemble",
				Type: NodeMerge,
				Merge: &MergeNodeConfig{
					Strategy: MergeConcat,
				},
				Weight: 1,
			},
			{
				ID:           "synthesis",
				Type:         NodeAgent,
				Name:         "Synthesis",
				Capabilities: []string{"synthesis", "reasoning"},
				Agent: &AgentNodeConfig{
					Instructions:        "Synthesize a grounded answer from the retrieved material. Report a confidence value.",
					Model:               ModelConfig{Temperature: 0.3, MaxTokens: 2048},
					PreferredCategories: []ToolCategory{CategoryReasoning},
					MaxTools:            5,
				},
			},
			{
				ID:   "confidenceCheck",
				Type: NodeCondition,
				Condition: &ConditionNodeConfig{
					Condition: ParseCondition("confidence >= 0.7"),
				},
				Weight: 1,
			},
			{
				ID:           "fallback",
				Type:         NodeAgent,
				Name:         "Fallback",
				Capabilities: []string{"chat", "reasoning"},
				Fallback:     true,
				Agent: &AgentNodeConfig{
					Instructions:        "The knowledge base answer was low-confidence. Answer from general knowledge and say so.",
					Model:               ModelConfig{Temperature: 0.7, MaxTokens: 2048},
					PreferredCategories: []ToolCategory{CategoryReasoning},
					MaxTools:            5,
				},
			},
			{ID: "output", Type: NodeOutput},
		},
		Edges: []Edge{
			{From: "input", To: "retrieval"},
			{From: "input", To: "context"},
			{From: "retrieval", To: "assemble"},
			{From: "context", To: "assemble"},
			{From: "assemble", To: "synthesis"},
			{From: "synthesis", To: "confidenceCheck"},
			{From: "confidenceCheck", To: "output", Condition: ParseCondition("confidence >= 0.7")},
			{From: "confidenceCheck", To: "fallback", Condition: ParseCondition("confidence < 0.7")},
			{From: "fallback", To: "output"},
		},
		Variables: []string{"question", "knowledgeBaseIds"},
	}
}

// deepThinkingTemplate fans a task out to research, analysis, and planning
// agents in one batch, then synthesizes.
func deepThinkingTemplate() Template {
	member := func(id, name, instructions string, cats ...ToolCategory) Node {
		return Node{
			ID:           id,
			Type:         NodeAgent,
			Name:         name,
			Capabilities: []string{"thinking", id},
			Agent: &AgentNodeConfig{
				Instructions:        instructions,
				Model:               ModelConfig{Temperature: 0.5, MaxTokens: 2048},
				PreferredCategories: cats,
				MaxTools:            5,
			},
		}
	}
	return Template{
		ID:          TemplateDeepThinking,
		Name:        "Deep thinking",
		Description: "Parallel research/analysis/planning team with a synthesis pass.",
		Nodes: []Node{
			{ID: "input", Type: NodeInput},
			{ID: "coordinate", Type: NodeParallel, Weight: 1},
			member("research", "Research", "Research the background of:\n{{input}}", CategorySearch, CategoryContent),
			member("analysis", "Analysis", "Analyze the core problem in:\n{{input}}", CategoryAnalysis, CategoryReasoning),
			member("planning", "Planning", "Draft a step-by-step plan for:\n{{input}}", CategoryReasoning, CategoryAutomation),
			member("synthesis", "Synthesis", "Combine the research, analysis, and plan into one answer.", CategoryReasoning),
			{ID: "output", Type: NodeOutput},
		},
		Edges: []Edge{
			{From: "input", To: "coordinate"},
			{From: "coordinate", To: "research"},
			{From: "coordinate", To: "analysis"},
			{From: "coordinate", To: "planning"},
			{From: "research", To: "synthesis"},
			{From: "analysis", To: "synthesis"},
			{From: "planning", To: "synthesis"},
			{From: "synthesis", To: "output"},
		},
		Variables: []string{"input"},
	}
}

// resolvePlaceholders substitutes {{name}} slots in s from the payload map.
// Unknown placeholders are left intact so a missing variable is visible in
// the rendered instructions rather than silently blanked.
func resolvePlaceholders(s string, payload map[string]any) string {
	if len(payload) == 0 {
		return s
	}
	out := s
	for k, v := range payload {
		out = strings.ReplaceAll(out, "{{"+k+"}}", fmt.Sprintf("%v", v))
	}
	return out
}
