package plexus

import (
	"errors"
	"slices"
	"testing"
)

func TestTemplateStoreBuiltins(t *testing.T) {
	s := NewTemplateStore()
	ids := s.List()
	for _, want := range []string{TemplateBasicConversation, TemplateKnowledgeBase, TemplateDeepThinking} {
		if !slices.Contains(ids, want) {
			t.Errorf("List() = %v, missing %q", ids, want)
		}
	}
}

func TestTemplateStoreGetClones(t *testing.T) {
	s := NewTemplateStore()
	a, err := s.Get(TemplateBasicConversation)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	// Mutating one copy must not leak into the stored template.
	for i := range a.Nodes {
		if a.Nodes[i].Agent != nil {
			a.Nodes[i].Agent.Instructions = "tampered"
		}
	}
	a.Edges[0].From = "tampered"

	b, err := s.Get(TemplateBasicConversation)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	for _, n := range b.Nodes {
		if n.Agent != nil && n.Agent.Instructions == "tampered" {
			t.Fatalf("Get() returned shared agent config")
		}
	}
	if b.Edges[0].From == "tampered" {
		t.Fatalf("Get() returned shared edges")
	}
}

func TestTemplateStoreNotFound(t *testing.T) {
	s := NewTemplateStore()
	_, err := s.Get("nope")
	var notFound *ErrTemplateNotFound
	if !errors.As(err, &notFound) {
		t.Fatalf("Get(nope) error = %v, want *ErrTemplateNotFound", err)
	}
	if notFound.TemplateID != "nope" {
		t.Errorf("TemplateID = %q, want %q", notFound.TemplateID, "nope")
	}
}

func TestTemplateStoreRegister(t *testing.T) {
	s := NewTemplateStore()
	s.Register(Template{ID: "custom", Name: "Custom"})
	got, err := s.Get("custom")
	if err != nil {
		t.Fatalf("Get(custom) error = %v", err)
	}
	if got.Name != "Custom" {
		t.Errorf("Name = %q, want %q", got.Name, "Custom")
	}
}

func TestBuiltinTemplatesValidate(t *testing.T) {
	for _, tpl := range builtinTemplates() {
		d := &DAG{ID: "check", Nodes: tpl.Nodes, Edges: tpl.Edges}
		if err := d.Validate(); err != nil {
			t.Errorf("template %s does not validate: %v", tpl.ID, err)
		}
	}
}

func TestResolvePlaceholders(t *testing.T) {
	tests := []struct {
		s       string
		payload map[string]any
		want    string
	}{
		{"answer {{input}}", map[string]any{"input": "hello"}, "answer hello"},
		{"{{a}} and {{b}}", map[string]any{"a": 1, "b": "two"}, "1 and two"},
		// Unknown placeholders stay visible.
		{"answer {{missing}}", map[string]any{"input": "hello"}, "answer {{missing}}"},
		{"no slots", map[string]any{"input": "hello"}, "no slots"},
		{"answer {{input}}", nil, "answer {{input}}"},
	}
	for _, tt := range tests {
		if got := resolvePlaceholders(tt.s, tt.payload); got != tt.want {
			t.Errorf("resolvePlaceholders(%q, %v) = %q, want %q", tt.s, tt.payload, got, tt.want)
		}
	}
}
