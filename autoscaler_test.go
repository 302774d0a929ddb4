package plexus

import (
	"context"
	"sync"
	"testing"
	"time"
)

// fakeRecorder captures persisted scaling events.
type fakeRecorder struct {
	mu     sync.Mutex
	events []ScalingEvent
}

func (r *fakeRecorder) RecordScalingEvent(_ context.Context, ev ScalingEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

// loadSessions claims n sessions on the agent's first instance.
func loadSessions(t *testing.T, pool *InstancePool, agentID string, n int) {
	t.Helper()
	inst := pool.InstancesFor(agentID)[0]
	for i := 0; i < n; i++ {
		if !inst.acquireSession() {
			t.Fatalf("acquireSession() #%d failed", i)
		}
	}
}

func TestAutoscalerNeedsMinimumSamples(t *testing.T) {
	worker := newFakeWorker()
	pool := registeredPool(t, worker, "agent-1", 1, 3)
	scaler := NewAutoscaler(pool)

	loadSessions(t, pool, "agent-1", 9)
	for i := 0; i < minSamples-1; i++ {
		scaler.Evaluate(context.Background())
	}
	if got := pool.Count("agent-1"); got != 1 {
		t.Errorf("Count() = %d after %d samples, want 1 (no decision yet)", got, minSamples-1)
	}
}

func TestAutoscalerScalesUpOnLoad(t *testing.T) {
	rec := &fakeRecorder{}
	worker := newFakeWorker()
	pool := registeredPool(t, worker, "agent-1", 1, 3)
	scaler := NewAutoscaler(pool, WithScaleRecorder(rec))

	loadSessions(t, pool, "agent-1", 9) // load 0.9, above the 0.8 threshold
	for i := 0; i < minSamples; i++ {
		scaler.Evaluate(context.Background())
	}

	if got := pool.Count("agent-1"); got != 2 {
		t.Fatalf("Count() = %d, want 2", got)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.events) != 1 {
		t.Fatalf("recorded events = %d, want 1", len(rec.events))
	}
	ev := rec.events[0]
	if ev.Direction != ScaleUp || ev.From != 1 || ev.To != 2 || ev.AgentID != "agent-1" {
		t.Errorf("event = %+v, want up 1->2 for agent-1", ev)
	}
}

func TestAutoscalerScalesUpOnResponseTime(t *testing.T) {
	worker := newFakeWorker()
	pool := registeredPool(t, worker, "agent-1", 1, 3)
	scaler := NewAutoscaler(pool)

	inst := pool.InstancesFor("agent-1")[0]
	// Keep load mid-range so only latency trips a rule.
	loadSessions(t, pool, "agent-1", 5)
	for i := 0; i < 5; i++ {
		inst.recordRequest(true, 12*time.Second)
	}
	for i := 0; i < minSamples; i++ {
		scaler.Evaluate(context.Background())
	}

	if got := pool.Count("agent-1"); got != 2 {
		t.Errorf("Count() = %d, want 2 after latency-triggered scale up", got)
	}
}

func TestAutoscalerScalesUpOnErrorRate(t *testing.T) {
	worker := newFakeWorker()
	pool := registeredPool(t, worker, "agent-1", 1, 3)
	scaler := NewAutoscaler(pool)

	inst := pool.InstancesFor("agent-1")[0]
	loadSessions(t, pool, "agent-1", 5)
	for i := 0; i < 10; i++ {
		inst.recordRequest(i%2 == 0, 100*time.Millisecond) // 50% errors
	}
	for i := 0; i < minSamples; i++ {
		scaler.Evaluate(context.Background())
	}

	if got := pool.Count("agent-1"); got != 2 {
		t.Errorf("Count() = %d, want 2 after error-triggered scale up", got)
	}
}

func TestAutoscalerScalesDownOnLowLoad(t *testing.T) {
	rec := &fakeRecorder{}
	worker := newFakeWorker()
	pool := registeredPool(t, worker, "agent-1", 1, 3)
	scaler := NewAutoscaler(pool, WithScaleRecorder(rec))

	if err := pool.ScaleTo(context.Background(), "agent-1", 2); err != nil {
		t.Fatalf("ScaleTo() error = %v", err)
	}

	// Idle instances: load 0, below the 0.3 threshold.
	for i := 0; i < minSamples; i++ {
		scaler.Evaluate(context.Background())
	}

	if got := pool.Count("agent-1"); got != 1 {
		t.Fatalf("Count() = %d, want 1", got)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.events) != 1 || rec.events[0].Direction != ScaleDown {
		t.Errorf("events = %+v, want one scale-down", rec.events)
	}
}

func TestAutoscalerRespectsMinimum(t *testing.T) {
	worker := newFakeWorker()
	pool := registeredPool(t, worker, "agent-1", 1, 3)
	scaler := NewAutoscaler(pool)

	for i := 0; i < minSamples+2; i++ {
		scaler.Evaluate(context.Background())
	}
	if got := pool.Count("agent-1"); got != 1 {
		t.Errorf("Count() = %d, want floor of 1 held", got)
	}
}

func TestAutoscalerCooldownBlocks(t *testing.T) {
	worker := newFakeWorker()
	pool := registeredPool(t, worker, "agent-1", 1, 5)
	scaler := NewAutoscaler(pool)

	loadSessions(t, pool, "agent-1", 9)
	for i := 0; i < minSamples; i++ {
		scaler.Evaluate(context.Background())
	}
	if got := pool.Count("agent-1"); got != 2 {
		t.Fatalf("Count() = %d, want 2 after first scale", got)
	}

	// Pressure persists on the grown pool, but the up cooldown has not
	// elapsed.
	second := pool.InstancesFor("agent-1")[1]
	for i := 0; i < 9; i++ {
		if !second.acquireSession() {
			t.Fatalf("acquireSession() #%d failed", i)
		}
	}
	scaler.Evaluate(context.Background())
	if got := pool.Count("agent-1"); got != 2 {
		t.Errorf("Count() = %d, want 2 while cooling down", got)
	}

	// Aging the last scale past the cooldown unblocks the next step.
	scaler.mu.Lock()
	scaler.lastScale["agent-1"] = time.Now().Add(-scaler.rules.CooldownUp - time.Second)
	scaler.mu.Unlock()
	scaler.Evaluate(context.Background())
	if got := pool.Count("agent-1"); got != 3 {
		t.Errorf("Count() = %d, want 3 after cooldown elapsed", got)
	}
}

func TestScalingRuleValidation(t *testing.T) {
	pool := registeredPool(t, newFakeWorker(), "agent-1", 1, 3)
	scaler := NewAutoscaler(pool)

	tests := []struct {
		name    string
		rule    ScalingRule
		wantErr bool
	}{
		{"valid", ScalingRule{AgentID: "agent-1", Metric: MetricCPUUsage, ThresholdUp: 80, ThresholdDown: 20, Enabled: true}, false},
		{"missing agent", ScalingRule{Metric: MetricCPUUsage, ThresholdUp: 80, ThresholdDown: 20}, true},
		{"unknown metric", ScalingRule{AgentID: "agent-1", Metric: "goroutines", ThresholdUp: 80, ThresholdDown: 20}, true},
		{"inverted thresholds", ScalingRule{AgentID: "agent-1", Metric: MetricCPUUsage, ThresholdUp: 20, ThresholdDown: 80}, true},
		{"equal thresholds", ScalingRule{AgentID: "agent-1", Metric: MetricCPUUsage, ThresholdUp: 50, ThresholdDown: 50}, true},
		{"inverted bounds", ScalingRule{AgentID: "agent-1", Metric: MetricCPUUsage, ThresholdUp: 80, ThresholdDown: 20, MinInstances: 5, MaxInstances: 2}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := scaler.AddRule(tt.rule)
			if (err != nil) != tt.wantErr {
				t.Errorf("AddRule() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}

	if got := len(scaler.RulesFor("agent-1")); got != 1 {
		t.Errorf("RulesFor() kept %d rules, want only the valid one", got)
	}
}

func TestAutoscalerRuleScalesOnCPU(t *testing.T) {
	worker := newFakeWorker()
	pool := registeredPool(t, worker, "agent-1", 1, 3)
	scaler := NewAutoscaler(pool)
	err := scaler.AddRule(ScalingRule{
		AgentID: "agent-1", Metric: MetricCPUUsage,
		ThresholdUp: 80, ThresholdDown: 20, Enabled: true,
	})
	if err != nil {
		t.Fatalf("AddRule() error = %v", err)
	}

	pool.InstancesFor("agent-1")[0].setResource(95, 40)
	for i := 0; i < minSamples; i++ {
		scaler.Evaluate(context.Background())
	}
	if got := pool.Count("agent-1"); got != 2 {
		t.Errorf("Count() = %d, want 2 after the cpu rule fired", got)
	}
}

func TestAutoscalerRuleFirstWins(t *testing.T) {
	worker := newFakeWorker()
	pool := registeredPool(t, worker, "agent-1", 1, 3)
	scaler := NewAutoscaler(pool)

	// The first rule that produces a decision wins: a load rule firing down
	// shadows a later cpu rule that would fire up.
	for _, rule := range []ScalingRule{
		{AgentID: "agent-1", Metric: MetricLoadRatio, ThresholdUp: 0.8, ThresholdDown: 0.3, Enabled: true},
		{AgentID: "agent-1", Metric: MetricCPUUsage, ThresholdUp: 80, ThresholdDown: 20, Enabled: true},
	} {
		if err := scaler.AddRule(rule); err != nil {
			t.Fatalf("AddRule() error = %v", err)
		}
	}

	if err := pool.ScaleTo(context.Background(), "agent-1", 2); err != nil {
		t.Fatalf("ScaleTo() error = %v", err)
	}
	for _, inst := range pool.InstancesFor("agent-1") {
		inst.setResource(95, 40) // would scale up under the cpu rule
	}
	// Idle load fires the first rule's scale-down instead.
	for i := 0; i < minSamples; i++ {
		scaler.Evaluate(context.Background())
	}
	if got := pool.Count("agent-1"); got != 1 {
		t.Errorf("Count() = %d, want 1 (first rule decided)", got)
	}
}

func TestAutoscalerRuleDisabledSkipped(t *testing.T) {
	worker := newFakeWorker()
	pool := registeredPool(t, worker, "agent-1", 1, 3)
	scaler := NewAutoscaler(pool)
	err := scaler.AddRule(ScalingRule{
		AgentID: "agent-1", Metric: MetricCPUUsage,
		ThresholdUp: 80, ThresholdDown: 20, Enabled: false,
	})
	if err != nil {
		t.Fatalf("AddRule() error = %v", err)
	}

	// A disabled rule set leaves the agent on the global thresholds, and the
	// saturated cpu alone does not trip those; but idle load trips the global
	// scale-down, held at the floor.
	pool.InstancesFor("agent-1")[0].setResource(95, 40)
	for i := 0; i < minSamples; i++ {
		scaler.Evaluate(context.Background())
	}
	if got := pool.Count("agent-1"); got != 1 {
		t.Errorf("Count() = %d, want 1 with the only rule disabled", got)
	}
}

func TestAutoscalerRuleBoundsOverrideConfig(t *testing.T) {
	worker := newFakeWorker()
	pool := registeredPool(t, worker, "agent-1", 1, 5)
	scaler := NewAutoscaler(pool)
	err := scaler.AddRule(ScalingRule{
		AgentID: "agent-1", Metric: MetricCPUUsage,
		ThresholdUp: 80, ThresholdDown: 20,
		MaxInstances: 1, Enabled: true,
	})
	if err != nil {
		t.Fatalf("AddRule() error = %v", err)
	}

	pool.InstancesFor("agent-1")[0].setResource(95, 40)
	for i := 0; i < minSamples; i++ {
		scaler.Evaluate(context.Background())
	}
	if got := pool.Count("agent-1"); got != 1 {
		t.Errorf("Count() = %d, want the rule's ceiling of 1 held", got)
	}
}

func TestSampleAggregatesResourceAndHealth(t *testing.T) {
	worker := newFakeWorker()
	pool := registeredPool(t, worker, "agent-1", 2, 2)
	scaler := NewAutoscaler(pool, WithQueueSampler(func(agentID string) (int, time.Duration) {
		return 4, 200 * time.Millisecond
	}))

	instances := pool.InstancesFor("agent-1")
	instances[0].setResource(90, 60)
	instances[1].setResource(30, 20)
	instances[1].setStatus(InstanceUnhealthy)

	s, ok := scaler.sample("agent-1")
	if !ok {
		t.Fatalf("sample() not ok")
	}
	if s.cpuUsage != 60 {
		t.Errorf("cpuUsage = %v, want the mean 60", s.cpuUsage)
	}
	if s.memoryUsage != 40 {
		t.Errorf("memoryUsage = %v, want the mean 40", s.memoryUsage)
	}
	if s.healthRatio != 0.5 {
		t.Errorf("healthRatio = %v, want 0.5 with one unhealthy instance", s.healthRatio)
	}
	if s.queueLength != 4 || s.queueWaitTime != 200*time.Millisecond {
		t.Errorf("queue sample = %v/%v, want 4/200ms", s.queueLength, s.queueWaitTime)
	}
}

func TestAutoscalerSmoothing(t *testing.T) {
	worker := newFakeWorker()
	pool := registeredPool(t, worker, "agent-1", 1, 3)
	scaler := NewAutoscaler(pool)

	// Two idle samples then one loaded one: the window mean stays under the
	// scale-up threshold, so a single spike must not trigger.
	scaler.Evaluate(context.Background())
	scaler.Evaluate(context.Background())
	loadSessions(t, pool, "agent-1", 9)
	scaler.Evaluate(context.Background())

	if got := pool.Count("agent-1"); got != 1 {
		t.Errorf("Count() = %d, want 1 (single spike smoothed away)", got)
	}
}
