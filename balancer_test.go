package plexus

import (
	"context"
	"errors"
	"testing"
	"time"
)

func balancerFixture(t *testing.T, algo RoutingAlgorithm, instances int) (*LoadBalancer, *InstancePool, *fakeWorker) {
	t.Helper()
	worker := newFakeWorker()
	pool := registeredPool(t, worker, "agent-1", instances, instances)
	lb := NewLoadBalancer(pool, worker,
		WithAlgorithm(algo),
		WithRandSeed(42))
	return lb, pool, worker
}

func TestParseRoutingAlgorithm(t *testing.T) {
	for _, s := range []string{
		"roundRobin", "weightedRoundRobin", "leastConnections",
		"weightedLeastConnections", "leastResponseTime", "random",
		"weightedRandom", "adaptiveRandom", "consistentHash", "resourceBased",
		"predictive",
	} {
		if _, ok := ParseRoutingAlgorithm(s); !ok {
			t.Errorf("ParseRoutingAlgorithm(%q) not ok", s)
		}
	}
	if _, ok := ParseRoutingAlgorithm("dnsRoundRobin"); ok {
		t.Errorf("ParseRoutingAlgorithm accepted an unknown algorithm")
	}
}

func TestParseAffinitySource(t *testing.T) {
	for _, s := range []string{"sessionId", "userId", "clientIp", "header"} {
		if _, ok := ParseAffinitySource(s); !ok {
			t.Errorf("ParseAffinitySource(%q) not ok", s)
		}
	}
	if _, ok := ParseAffinitySource("cookie"); ok {
		t.Errorf("ParseAffinitySource accepted an unknown source")
	}
}

func TestRoundRobinCycles(t *testing.T) {
	lb, pool, _ := balancerFixture(t, RouteRoundRobin, 3)

	counts := make(map[string]int)
	for i := 0; i < 9; i++ {
		inst, _, err := lb.Pick("agent-1", "", nil)
		if err != nil {
			t.Fatalf("Pick() error = %v", err)
		}
		counts[inst.ID]++
	}
	for _, inst := range pool.InstancesFor("agent-1") {
		if got := counts[inst.ID]; got != 3 {
			t.Errorf("instance %s picked %d times, want 3", inst.ID, got)
		}
	}
}

func TestLeastConnections(t *testing.T) {
	lb, pool, _ := balancerFixture(t, RouteLeastConnections, 2)

	instances := pool.InstancesFor("agent-1")
	if !instances[0].acquireSession() {
		t.Fatalf("priming session failed")
	}

	for i := 0; i < 3; i++ {
		inst, _, err := lb.Pick("agent-1", "", nil)
		if err != nil {
			t.Fatalf("Pick() error = %v", err)
		}
		if inst.ID != instances[1].ID {
			t.Errorf("Pick() = %s, want the idle instance %s", inst.ID, instances[1].ID)
		}
	}
}

func TestLeastResponseTime(t *testing.T) {
	lb, pool, _ := balancerFixture(t, RouteLeastResponseTime, 2)

	instances := pool.InstancesFor("agent-1")
	instances[0].recordRequest(true, 2*time.Second)
	instances[1].recordRequest(true, 50*time.Millisecond)

	inst, _, err := lb.Pick("agent-1", "", nil)
	if err != nil {
		t.Fatalf("Pick() error = %v", err)
	}
	if inst.ID != instances[1].ID {
		t.Errorf("Pick() = %s, want the faster instance %s", inst.ID, instances[1].ID)
	}
}

func TestResourceBased(t *testing.T) {
	lb, pool, _ := balancerFixture(t, RouteResourceBased, 2)

	instances := pool.InstancesFor("agent-1")
	for i := 0; i < 5; i++ {
		if !instances[0].acquireSession() {
			t.Fatalf("priming session failed")
		}
	}

	inst, _, err := lb.Pick("agent-1", "", nil)
	if err != nil {
		t.Fatalf("Pick() error = %v", err)
	}
	if inst.ID != instances[1].ID {
		t.Errorf("Pick() = %s, want the unloaded instance %s", inst.ID, instances[1].ID)
	}
}

func TestRandomCoversCandidates(t *testing.T) {
	lb, pool, _ := balancerFixture(t, RouteRandom, 2)

	counts := make(map[string]int)
	for i := 0; i < 200; i++ {
		inst, _, err := lb.Pick("agent-1", "", nil)
		if err != nil {
			t.Fatalf("Pick() error = %v", err)
		}
		counts[inst.ID]++
	}
	for _, inst := range pool.InstancesFor("agent-1") {
		if counts[inst.ID] == 0 {
			t.Errorf("instance %s never picked over 200 random picks", inst.ID)
		}
	}
}

func TestWeightedRoundRobinHonorsWeights(t *testing.T) {
	lb, pool, _ := balancerFixture(t, RouteWeightedRoundRobin, 2)

	instances := pool.InstancesFor("agent-1")
	instances[0].setWeight(2.0) // 20 slots per rotation
	instances[1].setWeight(0.5) // 5 slots per rotation

	counts := make(map[string]int)
	for i := 0; i < 25; i++ {
		inst, _, err := lb.Pick("agent-1", "", nil)
		if err != nil {
			t.Fatalf("Pick() error = %v", err)
		}
		counts[inst.ID]++
	}
	if got := counts[instances[0].ID]; got != 20 {
		t.Errorf("weight-2.0 instance picked %d times in one rotation, want 20", got)
	}
	if got := counts[instances[1].ID]; got != 5 {
		t.Errorf("weight-0.5 instance picked %d times in one rotation, want 5", got)
	}
}

func TestWeightedLeastConnections(t *testing.T) {
	lb, pool, _ := balancerFixture(t, RouteWeightedLeastConnections, 2)

	instances := pool.InstancesFor("agent-1")
	instances[0].setWeight(2.0)
	instances[1].setWeight(0.5)
	// Normalized load: 2/2.0 = 1.0 for the heavy instance, 1/0.5 = 2.0 for
	// the light one, so the heavier instance wins despite more sessions.
	for i := 0; i < 2; i++ {
		if !instances[0].acquireSession() {
			t.Fatalf("priming session failed")
		}
	}
	if !instances[1].acquireSession() {
		t.Fatalf("priming session failed")
	}

	inst, _, err := lb.Pick("agent-1", "", nil)
	if err != nil {
		t.Fatalf("Pick() error = %v", err)
	}
	if inst.ID != instances[0].ID {
		t.Errorf("Pick() = %s, want the higher-weight instance %s", inst.ID, instances[0].ID)
	}
}

func TestAdaptiveRandomFavorsHealthyCapacity(t *testing.T) {
	lb, pool, _ := balancerFixture(t, RouteAdaptiveRandom, 2)

	instances := pool.InstancesFor("agent-1")
	instances[0].setWeight(2.0)
	instances[1].setWeight(0.5)
	instances[1].setHealthScore(10, time.Now())
	for i := 0; i < 9; i++ {
		if !instances[1].acquireSession() {
			t.Fatalf("priming session failed")
		}
	}

	counts := make(map[string]int)
	for i := 0; i < 100; i++ {
		inst, _, err := lb.Pick("agent-1", "", nil)
		if err != nil {
			t.Fatalf("Pick() error = %v", err)
		}
		counts[inst.ID]++
	}
	if counts[instances[0].ID] <= counts[instances[1].ID] {
		t.Errorf("healthy idle instance picked %d times vs %d, want a majority",
			counts[instances[0].ID], counts[instances[1].ID])
	}
}

func TestConsistentHashStable(t *testing.T) {
	lb, _, _ := balancerFixture(t, RouteConsistentHash, 3)

	first, _, err := lb.Pick("agent-1", "session-42", nil)
	if err != nil {
		t.Fatalf("Pick() error = %v", err)
	}
	for i := 0; i < 10; i++ {
		inst, _, err := lb.Pick("agent-1", "session-42", nil)
		if err != nil {
			t.Fatalf("Pick() error = %v", err)
		}
		if inst.ID != first.ID {
			t.Fatalf("Pick(session-42) = %s, want stable %s", inst.ID, first.ID)
		}
	}
}

func TestPredictivePrefersLowerObservedLatency(t *testing.T) {
	lb, pool, _ := balancerFixture(t, RoutePredictive, 2)

	instances := pool.InstancesFor("agent-1")
	instances[0].recordRequest(true, 500*time.Millisecond)
	instances[1].recordRequest(true, 50*time.Millisecond)

	inst, _, err := lb.Pick("agent-1", "", nil)
	if err != nil {
		t.Fatalf("Pick() error = %v", err)
	}
	if inst.ID != instances[1].ID {
		t.Errorf("Pick() = %s, want the lower-latency instance %s", inst.ID, instances[1].ID)
	}
}

func TestPredictiveLearnedWeightSteersByKind(t *testing.T) {
	worker := newFakeWorker()
	pool := registeredPool(t, worker, "agent-1", 2, 2)
	lb := NewLoadBalancer(pool, worker,
		WithAlgorithm(RoutePredictive),
		WithCircuitBreakers(false))

	instances := pool.InstancesFor("agent-1")
	// Repeated failures on summarize tasks drag the learned weight down for
	// that kind only.
	for i := 0; i < 10; i++ {
		lb.observe(instances[0].ID, "summarize", false, time.Millisecond)
	}
	if got := lb.learnedWeight(instances[0].ID, "summarize"); got >= 1.0 {
		t.Fatalf("learnedWeight() = %v after failures, want below 1", got)
	}
	if got := lb.learnedWeight(instances[0].ID, "classify"); got != 1.0 {
		t.Fatalf("learnedWeight(classify) = %v, want the untouched default 1", got)
	}

	inst, _, err := lb.pickFor("agent-1", "", "summarize", nil)
	if err != nil {
		t.Fatalf("pickFor() error = %v", err)
	}
	if inst.ID != instances[1].ID {
		t.Errorf("pickFor(summarize) = %s, want the unpenalized instance %s", inst.ID, instances[1].ID)
	}
}

func TestLearnedWeightClipped(t *testing.T) {
	worker := newFakeWorker()
	pool := registeredPool(t, worker, "agent-1", 1, 1)
	lb := NewLoadBalancer(pool, worker,
		WithAlgorithm(RoutePredictive),
		WithCircuitBreakers(false))
	inst := pool.InstancesFor("agent-1")[0]

	for i := 0; i < 200; i++ {
		lb.observe(inst.ID, "k", false, time.Millisecond)
	}
	if got := lb.learnedWeight(inst.ID, "k"); got != learnedWeightMin {
		t.Errorf("learnedWeight() = %v after sustained failures, want the floor %v", got, learnedWeightMin)
	}

	for i := 0; i < 500; i++ {
		lb.observe(inst.ID, "k", true, time.Millisecond)
	}
	if got := lb.learnedWeight(inst.ID, "k"); got > learnedWeightMax {
		t.Errorf("learnedWeight() = %v, want at most the cap %v", got, learnedWeightMax)
	}
}

func TestResourceBasedConfigurableWeights(t *testing.T) {
	worker := newFakeWorker()
	pool := registeredPool(t, worker, "agent-1", 2, 2)

	instances := pool.InstancesFor("agent-1")
	instances[0].recordRequest(true, 2*time.Second)
	instances[1].recordRequest(true, 50*time.Millisecond)
	instances[1].setHealthScore(50, time.Now())

	// Health-dominant weights tolerate the slow response.
	lb := NewLoadBalancer(pool, worker,
		WithAlgorithm(RouteResourceBased),
		WithResourceWeights(0.8, 0.1, 0.1))
	inst, _, err := lb.Pick("agent-1", "", nil)
	if err != nil {
		t.Fatalf("Pick() error = %v", err)
	}
	if inst.ID != instances[0].ID {
		t.Errorf("health-weighted Pick() = %s, want the healthier instance %s", inst.ID, instances[0].ID)
	}

	// Response-dominant weights flip the choice.
	lb = NewLoadBalancer(pool, worker,
		WithAlgorithm(RouteResourceBased),
		WithResourceWeights(0.1, 0.1, 0.8))
	inst, _, err = lb.Pick("agent-1", "", nil)
	if err != nil {
		t.Fatalf("Pick() error = %v", err)
	}
	if inst.ID != instances[1].ID {
		t.Errorf("response-weighted Pick() = %s, want the faster instance %s", inst.ID, instances[1].ID)
	}
}

func TestAffinityPinsSession(t *testing.T) {
	lb, pool, _ := balancerFixture(t, RouteRoundRobin, 3)

	_, info, err := lb.Dispatch(context.Background(), "agent-1", WorkerTask{Input: "hi", SessionID: "s-1"})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	pinned := info.InstanceID

	for i := 0; i < 5; i++ {
		inst, fallback, err := lb.Pick("agent-1", "s-1", nil)
		if err != nil {
			t.Fatalf("Pick() error = %v", err)
		}
		if inst.ID != pinned {
			t.Fatalf("Pick(s-1) = %s, want pinned %s", inst.ID, pinned)
		}
		if fallback {
			t.Fatalf("fallback = true on a live pin")
		}
	}

	// An unusable pin target falls back to the algorithm, flagged.
	target, _ := pool.Instance(pinned)
	target.setStatus(InstanceDraining)
	inst, fallback, err := lb.Pick("agent-1", "s-1", nil)
	if err != nil {
		t.Fatalf("Pick() after drain error = %v", err)
	}
	if inst.ID == pinned {
		t.Errorf("Pick() returned a draining instance")
	}
	if !fallback {
		t.Errorf("fallback = false, want true when the pin target is unusable")
	}
}

func TestSweepAffinity(t *testing.T) {
	worker := newFakeWorker()
	pool := registeredPool(t, worker, "agent-1", 2, 2)
	lb := NewLoadBalancer(pool, worker, WithAffinityTTL(time.Nanosecond))

	instances := pool.InstancesFor("agent-1")
	lb.pinSession("s-expired", instances[0].ID)
	time.Sleep(time.Millisecond)

	lb2 := NewLoadBalancer(pool, worker)
	lb2.pinSession("s-gone", "no-such-instance")

	lb.SweepAffinity()
	lb2.SweepAffinity()

	lb.mu.Lock()
	_, expired := lb.affinity["s-expired"]
	lb.mu.Unlock()
	if expired {
		t.Errorf("expired pin survived the sweep")
	}
	lb2.mu.Lock()
	_, gone := lb2.affinity["s-gone"]
	lb2.mu.Unlock()
	if gone {
		t.Errorf("pin to a removed instance survived the sweep")
	}
}

func TestDispatchFailsOver(t *testing.T) {
	lb, _, worker := balancerFixture(t, RouteRoundRobin, 2)

	calls := 0
	worker.failFn = func(InstanceSpec, WorkerTask) error {
		calls++
		if calls == 1 {
			return errors.New("transient")
		}
		return nil
	}

	result, info, err := lb.Dispatch(context.Background(), "agent-1", WorkerTask{Input: "hi"})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if info.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", info.Attempts)
	}
	if !info.FallbackUsed {
		t.Errorf("FallbackUsed = false, want true when a later attempt served")
	}
	if result.Output == "" {
		t.Errorf("empty result after successful failover")
	}
}

func TestDispatchFirstAttemptNotFallback(t *testing.T) {
	lb, _, _ := balancerFixture(t, RouteRoundRobin, 2)

	_, info, err := lb.Dispatch(context.Background(), "agent-1", WorkerTask{Input: "hi"})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if info.FallbackUsed {
		t.Errorf("FallbackUsed = true on a clean first attempt")
	}
}

func TestAffinityKeySources(t *testing.T) {
	worker := newFakeWorker()
	pool := registeredPool(t, worker, "agent-1", 1, 1)
	task := WorkerTask{
		Input:     "hi",
		SessionID: "s-1",
		Context:   map[string]any{"userId": "u-1", "clientIp": "10.0.0.9", "X-Tenant": "acme"},
	}

	tests := []struct {
		name string
		opts []BalancerOption
		want string
	}{
		{"default session", nil, "s-1"},
		{"user", []BalancerOption{WithAffinitySource(AffinityUserID)}, "u-1"},
		{"client ip", []BalancerOption{WithAffinitySource(AffinityClientIP)}, "10.0.0.9"},
		{"header", []BalancerOption{WithAffinitySource(AffinityHeader), WithAffinityHeader("X-Tenant")}, "acme"},
		{"header unconfigured", []BalancerOption{WithAffinitySource(AffinityHeader)}, ""},
		{"disabled", []BalancerOption{WithSessionAffinity(false)}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lb := NewLoadBalancer(pool, worker, tt.opts...)
			if got := lb.affinityKey(task); got != tt.want {
				t.Errorf("affinityKey() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAffinityByUserID(t *testing.T) {
	worker := newFakeWorker()
	pool := registeredPool(t, worker, "agent-1", 3, 3)
	lb := NewLoadBalancer(pool, worker, WithAffinitySource(AffinityUserID))

	task := WorkerTask{Input: "hi", Context: map[string]any{"userId": "u-7"}}
	_, info, err := lb.Dispatch(context.Background(), "agent-1", task)
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	pinned := info.InstanceID

	// The same user sticks even as the session changes.
	for i := 0; i < 5; i++ {
		task.SessionID = NewID()
		_, info, err := lb.Dispatch(context.Background(), "agent-1", task)
		if err != nil {
			t.Fatalf("Dispatch() error = %v", err)
		}
		if info.InstanceID != pinned {
			t.Fatalf("Dispatch() routed to %s, want pinned %s", info.InstanceID, pinned)
		}
	}
}

func TestDispatchExhaustsInstances(t *testing.T) {
	lb, _, worker := balancerFixture(t, RouteRoundRobin, 2)

	worker.failFn = func(InstanceSpec, WorkerTask) error {
		return errors.New("down")
	}

	_, info, err := lb.Dispatch(context.Background(), "agent-1", WorkerTask{Input: "hi"})
	var upstream *ErrUpstream
	if !errors.As(err, &upstream) {
		t.Fatalf("Dispatch() error = %v, want *ErrUpstream", err)
	}
	// Both instances tried once each; no third candidate exists.
	if info.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", info.Attempts)
	}
	if got := worker.totalRuns(); got != 2 {
		t.Errorf("worker runs = %d, want 2", got)
	}
}

func TestDispatchOpensBreaker(t *testing.T) {
	var bus EventBus
	var opened int
	bus.Subscribe(func(ev Event) {
		if ev.Type == EventBreakerOpened {
			opened++
		}
	})

	worker := newFakeWorker()
	pool := registeredPool(t, worker, "agent-1", 1, 1)
	lb := NewLoadBalancer(pool, worker, WithBalancerEvents(&bus))
	worker.failFn = func(InstanceSpec, WorkerTask) error {
		return errors.New("down")
	}

	inst := pool.InstancesFor("agent-1")[0]
	for i := 0; i < DefaultBreakerFailureThreshold; i++ {
		if _, _, err := lb.Dispatch(context.Background(), "agent-1", WorkerTask{Input: "hi"}); err == nil {
			t.Fatalf("Dispatch() #%d error = nil, want error", i)
		}
	}

	if got := lb.BreakerState(inst.ID); got != BreakerOpen {
		t.Fatalf("BreakerState() = %v, want open", got)
	}
	if opened != 1 {
		t.Errorf("breaker open events = %d, want 1", opened)
	}

	// The open breaker takes the instance out of rotation entirely.
	runsBefore := worker.totalRuns()
	if _, _, err := lb.Dispatch(context.Background(), "agent-1", WorkerTask{Input: "hi"}); err == nil {
		t.Fatalf("Dispatch() with open breaker error = nil, want error")
	}
	if got := worker.totalRuns(); got != runsBefore {
		t.Errorf("worker runs = %d, want unchanged %d", got, runsBefore)
	}
}

func TestDispatchUpdatesInstanceStats(t *testing.T) {
	lb, pool, _ := balancerFixture(t, RouteRoundRobin, 1)

	if _, _, err := lb.Dispatch(context.Background(), "agent-1", WorkerTask{Input: "hi"}); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	stats := pool.InstancesFor("agent-1")[0].Stats()
	if stats.TotalRequests != 1 {
		t.Errorf("TotalRequests = %d, want 1", stats.TotalRequests)
	}
	if stats.ActiveSessions != 0 {
		t.Errorf("ActiveSessions = %d, want 0 after release", stats.ActiveSessions)
	}
}
