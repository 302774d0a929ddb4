package plexus

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"
)

// RoutingAlgorithm selects how the balancer picks among an agent's
// instances.
type RoutingAlgorithm string

const (
	RouteRoundRobin               RoutingAlgorithm = "roundRobin"
	RouteWeightedRoundRobin       RoutingAlgorithm = "weightedRoundRobin"
	RouteLeastConnections         RoutingAlgorithm = "leastConnections"
	RouteWeightedLeastConnections RoutingAlgorithm = "weightedLeastConnections"
	RouteLeastResponseTime        RoutingAlgorithm = "leastResponseTime"
	RouteRandom                   RoutingAlgorithm = "random"
	RouteWeightedRandom           RoutingAlgorithm = "weightedRandom"
	RouteAdaptiveRandom           RoutingAlgorithm = "adaptiveRandom"
	RouteConsistentHash           RoutingAlgorithm = "consistentHash"
	RouteResourceBased            RoutingAlgorithm = "resourceBased"
	RoutePredictive               RoutingAlgorithm = "predictive"
)

// ParseRoutingAlgorithm maps a config string to a RoutingAlgorithm.
func ParseRoutingAlgorithm(s string) (RoutingAlgorithm, bool) {
	switch RoutingAlgorithm(s) {
	case RouteRoundRobin, RouteWeightedRoundRobin, RouteLeastConnections,
		RouteWeightedLeastConnections, RouteLeastResponseTime, RouteRandom,
		RouteWeightedRandom, RouteAdaptiveRandom, RouteConsistentHash,
		RouteResourceBased, RoutePredictive:
		return RoutingAlgorithm(s), true
	}
	return "", false
}

// AffinitySource names the request field a session pin is keyed on.
type AffinitySource string

const (
	AffinitySessionID AffinitySource = "sessionId"
	AffinityUserID    AffinitySource = "userId"
	AffinityClientIP  AffinitySource = "clientIp"
	// AffinityHeader keys on a named request header, configured with
	// WithAffinityHeader.
	AffinityHeader AffinitySource = "header"
)

// ParseAffinitySource maps a config string to an AffinitySource.
func ParseAffinitySource(s string) (AffinitySource, bool) {
	switch AffinitySource(s) {
	case AffinitySessionID, AffinityUserID, AffinityClientIP, AffinityHeader:
		return AffinitySource(s), true
	}
	return "", false
}

// Balancer defaults.
const (
	DefaultAffinityTTL          = time.Hour
	DefaultFailoverRetries      = 3
	DefaultRoundRobinCounterCap = 10000

	// minEffectiveWeight floors the divisor in weight-normalized loads so a
	// near-zero weight cannot blow the score up to infinity.
	minEffectiveWeight = 0.1

	// Predictive routing learns a per-(instance, request kind) weight from
	// observed outcomes.
	predictiveLearningRate = 0.01
	learnedWeightMin       = 0.1
	learnedWeightMax       = 2.0
	learnedWeightInitial   = 1.0
)

// affinityEntry pins a session key to an instance until expiry.
type affinityEntry struct {
	instanceID string
	expires    time.Time
}

// resourceWeights are the resourceBased score coefficients.
type resourceWeights struct {
	health   float64
	load     float64
	response float64
}

var defaultResourceWeights = resourceWeights{health: 0.4, load: 0.4, response: 0.2}

// balancerConfig accumulates BalancerOption values.
type balancerConfig struct {
	algo            RoutingAlgorithm
	affinityOn      bool
	affinitySource  AffinitySource
	affinityHeader  string
	affinityTTL     time.Duration
	failoverRetries int
	rrCounterCap    int
	breakersOn      bool
	breakerCfg      BreakerConfig
	adaptive        bool
	resWeights      resourceWeights
	logger          *slog.Logger
	tracer          Tracer
	events          *EventBus
	randSeed        int64
}

// BalancerOption configures a LoadBalancer.
type BalancerOption func(*balancerConfig)

// WithAlgorithm selects the routing algorithm. Default: roundRobin.
func WithAlgorithm(a RoutingAlgorithm) BalancerOption {
	return func(c *balancerConfig) { c.algo = a }
}

// WithSessionAffinity toggles session pinning. Default: enabled.
func WithSessionAffinity(enabled bool) BalancerOption {
	return func(c *balancerConfig) { c.affinityOn = enabled }
}

// WithAffinitySource selects the request field sessions are pinned on.
// Default: sessionId.
func WithAffinitySource(s AffinitySource) BalancerOption {
	return func(c *balancerConfig) { c.affinitySource = s }
}

// WithAffinityHeader names the header the header affinity source reads.
func WithAffinityHeader(name string) BalancerOption {
	return func(c *balancerConfig) { c.affinityHeader = name }
}

// WithAffinityTTL sets how long a session stays pinned. Default: one hour.
func WithAffinityTTL(ttl time.Duration) BalancerOption {
	return func(c *balancerConfig) { c.affinityTTL = ttl }
}

// WithFailoverRetries bounds how many extra instances a dispatch tries after
// the first attempt fails. Default: 3.
func WithFailoverRetries(n int) BalancerOption {
	return func(c *balancerConfig) {
		if n >= 0 {
			c.failoverRetries = n
		}
	}
}

// WithRoundRobinCounterCap bounds the per-agent rotation counter before it
// wraps to zero. Default: 10000.
func WithRoundRobinCounterCap(n int) BalancerOption {
	return func(c *balancerConfig) {
		if n > 0 {
			c.rrCounterCap = n
		}
	}
}

// WithCircuitBreakers toggles per-instance breakers. Default: enabled.
func WithCircuitBreakers(enabled bool) BalancerOption {
	return func(c *balancerConfig) { c.breakersOn = enabled }
}

// WithBreakerConfig overrides the breaker thresholds for every instance.
func WithBreakerConfig(cfg BreakerConfig) BalancerOption {
	return func(c *balancerConfig) { c.breakerCfg = cfg }
}

// WithAdaptiveWeights toggles learned per-kind weight updates for the
// predictive algorithm. Default: enabled.
func WithAdaptiveWeights(enabled bool) BalancerOption {
	return func(c *balancerConfig) { c.adaptive = enabled }
}

// WithResourceWeights sets the resourceBased score coefficients for the
// health, load, and response factors. Defaults: 0.4, 0.4, 0.2.
func WithResourceWeights(health, load, response float64) BalancerOption {
	return func(c *balancerConfig) {
		if health > 0 {
			c.resWeights.health = health
		}
		if load > 0 {
			c.resWeights.load = load
		}
		if response > 0 {
			c.resWeights.response = response
		}
	}
}

// WithBalancerLogger sets the structured logger. Default: no output.
func WithBalancerLogger(l *slog.Logger) BalancerOption {
	return func(c *balancerConfig) { c.logger = l }
}

// WithBalancerTracer sets the tracer for dispatch spans.
func WithBalancerTracer(t Tracer) BalancerOption {
	return func(c *balancerConfig) { c.tracer = t }
}

// WithBalancerEvents sets the event bus breaker transitions are emitted on.
func WithBalancerEvents(b *EventBus) BalancerOption {
	return func(c *balancerConfig) { c.events = b }
}

// WithRandSeed seeds the random algorithms, for reproducible tests.
func WithRandSeed(seed int64) BalancerOption {
	return func(c *balancerConfig) { c.randSeed = seed }
}

// RouteInfo describes how one dispatch was routed.
type RouteInfo struct {
	InstanceID string           `json:"instance_id"`
	Algorithm  RoutingAlgorithm `json:"algorithm"`
	// FallbackUsed reports that the request was not served by its first
	// choice, either because the affinity target was unusable or because an
	// earlier attempt failed over.
	FallbackUsed bool `json:"fallback_used"`
	Attempts     int  `json:"attempts"`
}

// LoadBalancer routes tasks across an agent's instances with per-instance
// circuit breakers, optional session affinity, and bounded failover.
type LoadBalancer struct {
	pool   *InstancePool
	worker WorkerPrimitive
	algo   RoutingAlgorithm

	mu         sync.Mutex
	rrCounters map[string]int             // per agent
	affinity   map[string]affinityEntry   // by affinity key
	breakers   map[string]*CircuitBreaker // by instance ID
	rings      map[string]*hashRing       // per agent
	learned    map[string]float64         // by instance ID + "|" + task kind
	rng        *rand.Rand

	affinityOn      bool
	affinitySource  AffinitySource
	affinityHeader  string
	affinityTTL     time.Duration
	failoverRetries int
	rrCounterCap    int
	breakersOn      bool
	breakerCfg      BreakerConfig
	adaptive        bool
	resWeights      resourceWeights
	logger          *slog.Logger
	tracer          Tracer
	events          *EventBus
}

// NewLoadBalancer creates a balancer over the pool's instances, dispatching
// through the given worker backend.
func NewLoadBalancer(pool *InstancePool, worker WorkerPrimitive, opts ...BalancerOption) *LoadBalancer {
	cfg := balancerConfig{
		algo:            RouteRoundRobin,
		affinityOn:      true,
		affinitySource:  AffinitySessionID,
		affinityTTL:     DefaultAffinityTTL,
		failoverRetries: DefaultFailoverRetries,
		rrCounterCap:    DefaultRoundRobinCounterCap,
		breakersOn:      true,
		adaptive:        true,
		resWeights:      defaultResourceWeights,
		randSeed:        time.Now().UnixNano(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = nopLogger
	}
	return &LoadBalancer{
		pool:            pool,
		worker:          worker,
		algo:            cfg.algo,
		rrCounters:      make(map[string]int),
		affinity:        make(map[string]affinityEntry),
		breakers:        make(map[string]*CircuitBreaker),
		rings:           make(map[string]*hashRing),
		learned:         make(map[string]float64),
		rng:             rand.New(rand.NewSource(cfg.randSeed)),
		affinityOn:      cfg.affinityOn,
		affinitySource:  cfg.affinitySource,
		affinityHeader:  cfg.affinityHeader,
		affinityTTL:     cfg.affinityTTL,
		failoverRetries: cfg.failoverRetries,
		rrCounterCap:    cfg.rrCounterCap,
		breakersOn:      cfg.breakersOn,
		breakerCfg:      cfg.breakerCfg,
		adaptive:        cfg.adaptive,
		resWeights:      cfg.resWeights,
		logger:          cfg.logger,
		tracer:          cfg.tracer,
		events:          cfg.events,
	}
}

// affinityKey extracts the value the task is pinned on, empty when the task
// carries none or affinity is disabled.
func (lb *LoadBalancer) affinityKey(task WorkerTask) string {
	if !lb.affinityOn {
		return ""
	}
	switch lb.affinitySource {
	case AffinityUserID:
		return taskContextString(task, "userId")
	case AffinityClientIP:
		return taskContextString(task, "clientIp")
	case AffinityHeader:
		if lb.affinityHeader == "" {
			return ""
		}
		return taskContextString(task, lb.affinityHeader)
	default:
		return task.SessionID
	}
}

func taskContextString(task WorkerTask, key string) string {
	s, _ := task.Context[key].(string)
	return s
}

// breakerFor returns the instance's breaker, creating a closed one on first
// sight.
func (lb *LoadBalancer) breakerFor(instanceID string) *CircuitBreaker {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	b, ok := lb.breakers[instanceID]
	if !ok {
		b = NewCircuitBreakerWith(lb.breakerCfg)
		lb.breakers[instanceID] = b
	}
	return b
}

// BreakerState exposes an instance's breaker position.
func (lb *LoadBalancer) BreakerState(instanceID string) BreakerState {
	return lb.breakerFor(instanceID).State()
}

// Pick selects an instance for the agent, honoring affinity for the key
// first. The exclude set holds instance IDs already tried this dispatch.
func (lb *LoadBalancer) Pick(agentID, key string, exclude map[string]bool) (*AgentInstance, bool, error) {
	return lb.pickFor(agentID, key, "", exclude)
}

// pickFor is Pick with the task kind threaded through for the learned
// predictive weights.
func (lb *LoadBalancer) pickFor(agentID, key, kind string, exclude map[string]bool) (*AgentInstance, bool, error) {
	fallback := false
	if key != "" {
		if inst, ok := lb.affinityTarget(key, exclude); ok {
			return inst, false, nil
		}
		lb.mu.Lock()
		_, had := lb.affinity[key]
		lb.mu.Unlock()
		fallback = had
	}

	candidates := lb.candidates(agentID, exclude)
	if len(candidates) == 0 {
		return nil, fallback, &ErrNoCapacity{AgentID: agentID}
	}

	var inst *AgentInstance
	switch lb.algo {
	case RouteWeightedRoundRobin:
		inst = lb.pickWeightedRoundRobin(agentID, candidates)
	case RouteLeastConnections:
		inst = pickMin(candidates, func(a *AgentInstance) float64 {
			return float64(a.ActiveSessions())
		})
	case RouteWeightedLeastConnections:
		inst = pickMin(candidates, func(a *AgentInstance) float64 {
			return float64(a.ActiveSessions()) / math.Max(a.Weight(), minEffectiveWeight)
		})
	case RouteLeastResponseTime:
		inst = pickMin(candidates, func(a *AgentInstance) float64 {
			return float64(a.AvgResponseTime())
		})
	case RouteRandom:
		lb.mu.Lock()
		inst = candidates[lb.rng.Intn(len(candidates))]
		lb.mu.Unlock()
	case RouteWeightedRandom:
		inst = lb.pickByWeight(candidates, func(a *AgentInstance) float64 {
			w := a.HealthScore()
			if w < 1 {
				w = 1
			}
			return w
		})
	case RouteAdaptiveRandom:
		inst = lb.pickByWeight(candidates, adaptiveRandomWeight)
	case RouteConsistentHash:
		inst = lb.pickConsistentHash(agentID, key, candidates)
	case RouteResourceBased:
		inst = pickMax(candidates, lb.resourceScore)
	case RoutePredictive:
		inst = lb.pickPredictive(kind, candidates)
	default: // roundRobin
		inst = lb.pickRoundRobin(agentID, candidates)
	}
	return inst, fallback, nil
}

// affinityTarget resolves a live, usable pinned instance for the key.
func (lb *LoadBalancer) affinityTarget(key string, exclude map[string]bool) (*AgentInstance, bool) {
	lb.mu.Lock()
	entry, ok := lb.affinity[key]
	if ok && time.Now().After(entry.expires) {
		delete(lb.affinity, key)
		ok = false
	}
	lb.mu.Unlock()
	if !ok || exclude[entry.instanceID] {
		return nil, false
	}
	inst, found := lb.pool.Instance(entry.instanceID)
	if !found || !inst.Status().usable() {
		return nil, false
	}
	if lb.breakersOn && !lb.breakerFor(inst.ID).Ready() {
		return nil, false
	}
	return inst, true
}

// candidates filters the agent's instances to usable ones whose breaker
// admits traffic.
func (lb *LoadBalancer) candidates(agentID string, exclude map[string]bool) []*AgentInstance {
	var out []*AgentInstance
	for _, inst := range lb.pool.InstancesFor(agentID) {
		if exclude[inst.ID] || !inst.Status().usable() {
			continue
		}
		if lb.breakersOn && !lb.breakerFor(inst.ID).Ready() {
			continue
		}
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (lb *LoadBalancer) pickRoundRobin(agentID string, candidates []*AgentInstance) *AgentInstance {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	i := lb.rrCounters[agentID] % len(candidates)
	lb.bumpCounter(agentID)
	return candidates[i]
}

// bumpCounter advances an agent's rotation counter, wrapping at the cap.
// Caller holds the lock.
func (lb *LoadBalancer) bumpCounter(agentID string) {
	lb.rrCounters[agentID]++
	if lb.rrCounters[agentID] >= lb.rrCounterCap {
		lb.rrCounters[agentID] = 0
	}
}

// pickWeightedRoundRobin cycles an expanded rotation where each instance
// occupies ceil(weight * 10) slots, so a weight-2 instance takes twice the
// turns of a weight-1 one.
func (lb *LoadBalancer) pickWeightedRoundRobin(agentID string, candidates []*AgentInstance) *AgentInstance {
	slots := make([]int, len(candidates))
	total := 0
	for i, inst := range candidates {
		n := int(math.Ceil(inst.Weight() * 10))
		if n < 1 {
			n = 1
		}
		slots[i] = n
		total += n
	}
	lb.mu.Lock()
	turn := lb.rrCounters[agentID] % total
	lb.bumpCounter(agentID)
	lb.mu.Unlock()
	for i, n := range slots {
		if turn < n {
			return candidates[i]
		}
		turn -= n
	}
	return candidates[len(candidates)-1]
}

// pickByWeight draws one candidate at random with probability proportional
// to its weight.
func (lb *LoadBalancer) pickByWeight(candidates []*AgentInstance, weight func(*AgentInstance) float64) *AgentInstance {
	total := 0.0
	weights := make([]float64, len(candidates))
	for i, inst := range candidates {
		w := weight(inst)
		if w <= 0 {
			w = minEffectiveWeight
		}
		weights[i] = w
		total += w
	}
	lb.mu.Lock()
	pick := lb.rng.Float64() * total
	lb.mu.Unlock()
	for i, w := range weights {
		if pick < w {
			return candidates[i]
		}
		pick -= w
	}
	return candidates[len(candidates)-1]
}

// adaptiveRandomWeight combines health and free capacity, scaled by the
// instance's configured weight.
func adaptiveRandomWeight(a *AgentInstance) float64 {
	s := a.Stats()
	load := sessionLoad(s)
	return (s.HealthScore/100 + (1 - load)) * s.Weight
}

// resourceScore is the weighted composite the resourceBased algorithm
// maximizes: health, free capacity, and responsiveness.
func (lb *LoadBalancer) resourceScore(a *AgentInstance) float64 {
	s := a.Stats()
	load := sessionLoad(s)
	response := 1 / (1 + s.AvgResponseTime.Seconds())
	return lb.resWeights.health*(s.HealthScore/100) +
		lb.resWeights.load*(1-load) +
		lb.resWeights.response*response
}

func sessionLoad(s InstanceStats) float64 {
	if s.MaxSessions <= 0 {
		return 0
	}
	return float64(s.ActiveSessions) / float64(s.MaxSessions)
}

// pickConsistentHash routes by affinity key on the agent's hash ring,
// syncing ring membership with the candidate set first. Empty keys degrade
// to round robin.
func (lb *LoadBalancer) pickConsistentHash(agentID, key string, candidates []*AgentInstance) *AgentInstance {
	if key == "" {
		return lb.pickRoundRobin(agentID, candidates)
	}

	lb.mu.Lock()
	ring, ok := lb.rings[agentID]
	if !ok {
		ring = newHashRing()
		lb.rings[agentID] = ring
	}
	lb.mu.Unlock()

	byID := make(map[string]*AgentInstance, len(candidates))
	for _, inst := range candidates {
		byID[inst.ID] = inst
	}
	for _, m := range ring.Members() {
		if byID[m] == nil {
			ring.Remove(m)
		}
	}
	for id := range byID {
		ring.Add(id)
	}

	if owner := ring.Get(key); owner != "" {
		return byID[owner]
	}
	return candidates[0]
}

// pickPredictive maximizes a composite of health, free capacity, observed
// latency, and the learned per-kind weight.
func (lb *LoadBalancer) pickPredictive(kind string, candidates []*AgentInstance) *AgentInstance {
	return pickMax(candidates, func(a *AgentInstance) float64 {
		s := a.Stats()
		load := sessionLoad(s)
		latencyMS := float64(s.AvgResponseTime) / float64(time.Millisecond)
		return 0.3*(s.HealthScore/100) +
			0.3*(1-load) +
			0.3*(1/math.Max(latencyMS, 1)) +
			0.1*lb.learnedWeight(a.ID, kind)
	})
}

// learnedWeight returns the per-(instance, kind) weight, starting at 1.
func (lb *LoadBalancer) learnedWeight(instanceID, kind string) float64 {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	w, ok := lb.learned[instanceID+"|"+kind]
	if !ok {
		return learnedWeightInitial
	}
	return w
}

// adjustLearnedWeight nudges the per-(instance, kind) weight toward the
// observed outcome. Successful fast calls reward, failures penalize.
func (lb *LoadBalancer) adjustLearnedWeight(instanceID, kind string, ok bool, elapsed time.Duration) {
	reward := -1.0
	if ok {
		latencyMS := float64(elapsed) / float64(time.Millisecond)
		reward = 1 / math.Max(latencyMS, 1)
	}
	key := instanceID + "|" + kind
	lb.mu.Lock()
	defer lb.mu.Unlock()
	w, found := lb.learned[key]
	if !found {
		w = learnedWeightInitial
	}
	w += predictiveLearningRate * reward
	if w < learnedWeightMin {
		w = learnedWeightMin
	}
	if w > learnedWeightMax {
		w = learnedWeightMax
	}
	lb.learned[key] = w
}

// pickMin returns the candidate minimizing score, ties to the first.
func pickMin(candidates []*AgentInstance, score func(*AgentInstance) float64) *AgentInstance {
	best := candidates[0]
	bestScore := score(best)
	for _, inst := range candidates[1:] {
		if s := score(inst); s < bestScore {
			best = inst
			bestScore = s
		}
	}
	return best
}

// pickMax returns the candidate maximizing score, ties to the first.
func pickMax(candidates []*AgentInstance, score func(*AgentInstance) float64) *AgentInstance {
	best := candidates[0]
	bestScore := score(best)
	for _, inst := range candidates[1:] {
		if s := score(inst); s > bestScore {
			best = inst
			bestScore = s
		}
	}
	return best
}

// Dispatch routes and runs one task, failing over to other instances up to
// the retry bound. Instance stats, breakers, and the learned weights are
// updated from every attempt; affinity is recorded on success.
func (lb *LoadBalancer) Dispatch(ctx context.Context, agentID string, task WorkerTask) (WorkerResult, RouteInfo, error) {
	var span Span
	if lb.tracer != nil {
		var sctx context.Context
		sctx, span = lb.tracer.Start(ctx, "balancer.dispatch",
			StringAttr("agent_id", agentID),
			StringAttr("algorithm", string(lb.algo)))
		ctx = sctx
		defer span.End()
	}

	info := RouteInfo{Algorithm: lb.algo}
	key := lb.affinityKey(task)
	exclude := make(map[string]bool)
	var lastErr error

	for attempt := 0; attempt <= lb.failoverRetries; attempt++ {
		inst, fallback, err := lb.pickFor(agentID, key, task.Kind, exclude)
		if err != nil {
			if lastErr == nil {
				lastErr = err
			}
			break
		}
		info.FallbackUsed = info.FallbackUsed || fallback
		info.Attempts = attempt + 1

		if !inst.acquireSession() {
			exclude[inst.ID] = true
			continue
		}
		if lb.breakersOn && !lb.breakerFor(inst.ID).Allow() {
			inst.releaseSession()
			exclude[inst.ID] = true
			continue
		}

		start := time.Now()
		result, err := lb.worker.Run(ctx, inst.WorkerID, task)
		elapsed := time.Since(start)
		inst.releaseSession()

		lb.observe(inst.ID, task.Kind, err == nil, elapsed)
		inst.recordRequest(err == nil, elapsed)

		if err != nil {
			lastErr = err
			exclude[inst.ID] = true
			lb.logger.Warn("dispatch attempt failed",
				"agent", agentID, "instance", inst.ID, "attempt", attempt+1, "error", err)
			continue
		}

		info.InstanceID = inst.ID
		info.FallbackUsed = info.FallbackUsed || info.Attempts > 1
		if key != "" {
			lb.pinSession(key, inst.ID)
		}
		if span != nil {
			span.SetAttr(
				StringAttr("instance_id", inst.ID),
				IntAttr("attempts", info.Attempts),
				BoolAttr("fallback", info.FallbackUsed))
		}
		return result, info, nil
	}

	if lastErr == nil {
		lastErr = &ErrNoCapacity{AgentID: agentID}
	}
	err := &ErrUpstream{Op: "dispatch", Err: lastErr}
	if span != nil {
		span.Error(err)
	}
	return WorkerResult{}, info, err
}

// observe records an attempt outcome into the instance's breaker and
// learned weights, emitting breaker transition events.
func (lb *LoadBalancer) observe(instanceID, kind string, ok bool, elapsed time.Duration) {
	if lb.breakersOn {
		b := lb.breakerFor(instanceID)
		before := b.State()
		if ok {
			b.RecordSuccess()
		} else {
			b.RecordFailure()
		}
		after := b.State()
		if before != after {
			switch after {
			case BreakerOpen:
				lb.events.Emit(Event{Type: EventBreakerOpened, InstanceID: instanceID})
			case BreakerClosed:
				lb.events.Emit(Event{Type: EventBreakerClosed, InstanceID: instanceID})
			}
		}
	}

	if lb.adaptive {
		lb.adjustLearnedWeight(instanceID, kind, ok, elapsed)
	}
}

// pinSession records affinity for the key with a fresh TTL.
func (lb *LoadBalancer) pinSession(key, instanceID string) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	lb.affinity[key] = affinityEntry{
		instanceID: instanceID,
		expires:    time.Now().Add(lb.affinityTTL),
	}
}

// SweepAffinity drops expired session pins and pins to instances that no
// longer exist. Called periodically by the orchestrator.
func (lb *LoadBalancer) SweepAffinity() {
	now := time.Now()
	lb.mu.Lock()
	defer lb.mu.Unlock()
	for key, entry := range lb.affinity {
		if now.After(entry.expires) {
			delete(lb.affinity, key)
			continue
		}
		if _, ok := lb.pool.Instance(entry.instanceID); !ok {
			delete(lb.affinity, key)
		}
	}
}
