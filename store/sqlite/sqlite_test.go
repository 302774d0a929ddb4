package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/plexal/plexus"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s := New(filepath.Join(t.TempDir(), "plexus.db"))
	t.Cleanup(func() { s.Close() })
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	return s
}

func TestAgentConfigRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	cfg := plexus.AgentConfig{
		AgentID: "support",
		Spec: plexus.InstanceSpec{
			AgentID:      "support",
			Instructions: "help the user",
			Model:        plexus.ModelConfig{Model: "small"},
		},
		MinInstances: 2,
		MaxInstances: 6,
	}
	if err := s.SaveAgentConfig(ctx, cfg); err != nil {
		t.Fatalf("SaveAgentConfig() error = %v", err)
	}

	got, err := s.GetAgentConfig(ctx, "support")
	if err != nil {
		t.Fatalf("GetAgentConfig() error = %v", err)
	}
	if got.AgentID != cfg.AgentID || got.MinInstances != 2 || got.MaxInstances != 6 {
		t.Errorf("GetAgentConfig() = %+v, want %+v", got, cfg)
	}
	if got.Spec.Instructions != cfg.Spec.Instructions {
		t.Errorf("Spec.Instructions = %q, want %q", got.Spec.Instructions, cfg.Spec.Instructions)
	}
}

func TestAgentConfigUpsert(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	cfg := plexus.AgentConfig{AgentID: "support", MinInstances: 1}
	if err := s.SaveAgentConfig(ctx, cfg); err != nil {
		t.Fatalf("SaveAgentConfig() error = %v", err)
	}
	cfg.MinInstances = 3
	if err := s.SaveAgentConfig(ctx, cfg); err != nil {
		t.Fatalf("SaveAgentConfig() upsert error = %v", err)
	}

	got, err := s.GetAgentConfig(ctx, "support")
	if err != nil {
		t.Fatalf("GetAgentConfig() error = %v", err)
	}
	if got.MinInstances != 3 {
		t.Errorf("MinInstances = %d, want the upserted 3", got.MinInstances)
	}
	configs, err := s.ListAgentConfigs(ctx)
	if err != nil {
		t.Fatalf("ListAgentConfigs() error = %v", err)
	}
	if len(configs) != 1 {
		t.Errorf("ListAgentConfigs() = %d rows, want 1 after upsert", len(configs))
	}
}

func TestAgentConfigNotFound(t *testing.T) {
	s := testStore(t)
	_, err := s.GetAgentConfig(context.Background(), "missing")
	if !errors.Is(err, plexus.ErrNotFound) {
		t.Errorf("GetAgentConfig() error = %v, want ErrNotFound", err)
	}
}

func TestDeleteAgentConfig(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.SaveAgentConfig(ctx, plexus.AgentConfig{AgentID: "support"}); err != nil {
		t.Fatalf("SaveAgentConfig() error = %v", err)
	}
	if err := s.DeleteAgentConfig(ctx, "support"); err != nil {
		t.Fatalf("DeleteAgentConfig() error = %v", err)
	}
	if _, err := s.GetAgentConfig(ctx, "support"); !errors.Is(err, plexus.ErrNotFound) {
		t.Errorf("GetAgentConfig() after delete error = %v, want ErrNotFound", err)
	}
	// Deleting an absent row is not an error.
	if err := s.DeleteAgentConfig(ctx, "support"); err != nil {
		t.Errorf("DeleteAgentConfig() second call error = %v", err)
	}
}

func TestListAgentConfigsOrdered(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for _, id := range []string{"zeta", "alpha", "mid"} {
		if err := s.SaveAgentConfig(ctx, plexus.AgentConfig{AgentID: id}); err != nil {
			t.Fatalf("SaveAgentConfig(%s) error = %v", id, err)
		}
	}
	configs, err := s.ListAgentConfigs(ctx)
	if err != nil {
		t.Fatalf("ListAgentConfigs() error = %v", err)
	}
	want := []string{"alpha", "mid", "zeta"}
	if len(configs) != len(want) {
		t.Fatalf("ListAgentConfigs() = %d rows, want %d", len(configs), len(want))
	}
	for i, cfg := range configs {
		if cfg.AgentID != want[i] {
			t.Errorf("configs[%d] = %s, want %s", i, cfg.AgentID, want[i])
		}
	}
}

func TestTemplateRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	tmpl := plexus.Template{
		ID:   "custom",
		Name: "Custom Flow",
		Nodes: []plexus.Node{
			{ID: "input", Type: plexus.NodeInput},
			{ID: "output", Type: plexus.NodeOutput},
		},
		Edges: []plexus.Edge{{From: "input", To: "output"}},
	}
	if err := s.SaveTemplate(ctx, tmpl); err != nil {
		t.Fatalf("SaveTemplate() error = %v", err)
	}

	got, err := s.GetTemplate(ctx, "custom")
	if err != nil {
		t.Fatalf("GetTemplate() error = %v", err)
	}
	if got.Name != tmpl.Name || len(got.Nodes) != 2 || len(got.Edges) != 1 {
		t.Errorf("GetTemplate() = %+v, want the saved template back", got)
	}

	if _, err := s.GetTemplate(ctx, "missing"); !errors.Is(err, plexus.ErrNotFound) {
		t.Errorf("GetTemplate(missing) error = %v, want ErrNotFound", err)
	}
	templates, err := s.ListTemplates(ctx)
	if err != nil {
		t.Fatalf("ListTemplates() error = %v", err)
	}
	if len(templates) != 1 {
		t.Errorf("ListTemplates() = %d rows, want 1", len(templates))
	}
}

func TestDAGRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	d := plexus.DAG{
		ID: "dag-1",
		Nodes: []plexus.Node{
			{ID: "input", Type: plexus.NodeInput},
			{ID: "work", Type: plexus.NodeAgent, Agent: &plexus.AgentNodeConfig{MaxTools: 2}},
			{ID: "output", Type: plexus.NodeOutput},
		},
		Edges: []plexus.Edge{
			{From: "input", To: "work"},
			{From: "work", To: "output", Condition: plexus.ParseCondition("confidence >= 0.7")},
		},
		ToolMapping:    map[string][]string{"work": {plexus.BuiltinReasoning}},
		ExecutionOrder: []string{"input", "work", "output"},
	}
	if err := s.SaveDAG(ctx, d); err != nil {
		t.Fatalf("SaveDAG() error = %v", err)
	}

	got, err := s.GetDAG(ctx, "dag-1")
	if err != nil {
		t.Fatalf("GetDAG() error = %v", err)
	}
	if len(got.Nodes) != 3 || got.Nodes[1].Agent == nil || got.Nodes[1].Agent.MaxTools != 2 {
		t.Errorf("GetDAG() nodes = %+v, want agent config preserved", got.Nodes)
	}
	guard := got.Edges[1].Condition
	if guard.Field != "confidence" || guard.Op != plexus.OpGE || guard.Literal != 0.7 {
		t.Errorf("edge guard = %+v, want confidence >= 0.7 preserved", guard)
	}

	if _, err := s.GetDAG(ctx, "missing"); !errors.Is(err, plexus.ErrNotFound) {
		t.Errorf("GetDAG(missing) error = %v, want ErrNotFound", err)
	}
}

func TestExecutionRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	res := plexus.ExecutionResult{
		DAGID:       "dag-1",
		ExecutionID: "exec-1",
		Status:      plexus.ExecutionCompleted,
		NodeResults: map[string]plexus.NodeResult{
			"work": {NodeID: "work", Status: plexus.NodeCompleted},
		},
		ExecutionPath: []string{"input", "work", "output"},
		FinalResult:   map[string]any{"text": "done"},
		Duration:      3 * time.Second,
	}
	if err := s.SaveExecution(ctx, res); err != nil {
		t.Fatalf("SaveExecution() error = %v", err)
	}

	got, err := s.GetExecution(ctx, "exec-1")
	if err != nil {
		t.Fatalf("GetExecution() error = %v", err)
	}
	if got.Status != plexus.ExecutionCompleted || got.DAGID != "dag-1" {
		t.Errorf("GetExecution() = %+v, want the saved result back", got)
	}
	if text, _ := got.FinalResult["text"].(string); text != "done" {
		t.Errorf("FinalResult text = %q, want done", text)
	}

	if _, err := s.GetExecution(ctx, "missing"); !errors.Is(err, plexus.ErrNotFound) {
		t.Errorf("GetExecution(missing) error = %v, want ErrNotFound", err)
	}
}

func TestScalingEvents(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour).Truncate(time.Second)
	for i := 0; i < 3; i++ {
		ev := plexus.ScalingEvent{
			AgentID:   "support",
			Direction: plexus.ScaleUp,
			From:      i + 1,
			To:        i + 2,
			Reason:    "load above threshold",
			At:        base.Add(time.Duration(i) * time.Minute),
		}
		if err := s.RecordScalingEvent(ctx, ev); err != nil {
			t.Fatalf("RecordScalingEvent() error = %v", err)
		}
	}
	other := plexus.ScalingEvent{AgentID: "other", Direction: plexus.ScaleDown, From: 2, To: 1, At: base}
	if err := s.RecordScalingEvent(ctx, other); err != nil {
		t.Fatalf("RecordScalingEvent() error = %v", err)
	}

	events, err := s.ListScalingEvents(ctx, "support", 0)
	if err != nil {
		t.Fatalf("ListScalingEvents() error = %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("ListScalingEvents() = %d events, want 3 for the agent", len(events))
	}
	// Newest first.
	if events[0].To != 4 || events[2].To != 2 {
		t.Errorf("events ordered %d..%d, want newest first", events[0].To, events[2].To)
	}

	limited, err := s.ListScalingEvents(ctx, "support", 2)
	if err != nil {
		t.Fatalf("ListScalingEvents(limit) error = %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("ListScalingEvents(limit=2) = %d events, want 2", len(limited))
	}

	none, err := s.ListScalingEvents(ctx, "missing", 0)
	if err != nil {
		t.Fatalf("ListScalingEvents(missing) error = %v", err)
	}
	if len(none) != 0 {
		t.Errorf("ListScalingEvents(missing) = %d events, want 0", len(none))
	}
}

func TestInitIdempotent(t *testing.T) {
	s := testStore(t)
	if err := s.Init(context.Background()); err != nil {
		t.Errorf("Init() second call error = %v", err)
	}
}
