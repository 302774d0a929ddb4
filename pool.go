package plexus

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// AgentConfig declares one agent the pool can host instances of.
type AgentConfig struct {
	AgentID string       `json:"agent_id"`
	Spec    InstanceSpec `json:"spec"`

	MinInstances int `json:"min_instances"` // floor the autoscaler respects
	MaxInstances int `json:"max_instances"` // hard ceiling
	// MaxSessionsPerInstance caps concurrent sessions per instance.
	// Zero means DefaultMaxSessions.
	MaxSessionsPerInstance int `json:"max_sessions_per_instance"`
	// InstanceWeight is the routing weight given to each of the agent's
	// instances. Zero means 1.
	InstanceWeight float64 `json:"instance_weight,omitempty"`
}

// Defaults applied when an AgentConfig leaves bounds unset.
const (
	DefaultMinInstances = 1
	DefaultMaxInstances = 10
)

// normalized returns the config with defaults filled in.
func (c AgentConfig) normalized() AgentConfig {
	if c.MinInstances <= 0 {
		c.MinInstances = DefaultMinInstances
	}
	if c.MaxInstances <= 0 {
		c.MaxInstances = DefaultMaxInstances
	}
	if c.MaxInstances < c.MinInstances {
		c.MaxInstances = c.MinInstances
	}
	if c.MaxSessionsPerInstance <= 0 {
		c.MaxSessionsPerInstance = DefaultMaxSessions
	}
	return c
}

// poolConfig accumulates PoolOption values.
type poolConfig struct {
	defaultMin  int
	defaultMax  int
	idleTimeout time.Duration
	logger      *slog.Logger
	tracer      Tracer
	events      *EventBus
}

// PoolOption configures an InstancePool.
type PoolOption func(*poolConfig)

// WithInstanceBounds sets the pool-wide default instance floor and ceiling
// applied to agents that leave them unset. Defaults: 1 and 10.
func WithInstanceBounds(min, max int) PoolOption {
	return func(c *poolConfig) {
		c.defaultMin = min
		c.defaultMax = max
	}
}

// WithIdleTimeout enables idle reaping: a sessionless instance untouched for
// longer than d is removed by ReapIdle, down to its agent's floor. Zero
// disables reaping.
func WithIdleTimeout(d time.Duration) PoolOption {
	return func(c *poolConfig) { c.idleTimeout = d }
}

// WithPoolLogger sets the structured logger. Default: no output.
func WithPoolLogger(l *slog.Logger) PoolOption {
	return func(c *poolConfig) { c.logger = l }
}

// WithPoolTracer sets the tracer for instance lifecycle spans.
func WithPoolTracer(t Tracer) PoolOption {
	return func(c *poolConfig) { c.tracer = t }
}

// WithPoolEvents sets the event bus lifecycle events are emitted on.
func WithPoolEvents(b *EventBus) PoolOption {
	return func(c *poolConfig) { c.events = b }
}

// InstancePool owns the live agent instances, one sub-pool per registered
// agent, backed by a worker primitive. Safe for concurrent use.
type InstancePool struct {
	worker WorkerPrimitive

	mu        sync.RWMutex
	configs   map[string]AgentConfig
	instances map[string][]*AgentInstance // by agent ID
	byID      map[string]*AgentInstance

	defaultMin  int
	defaultMax  int
	idleTimeout time.Duration
	logger      *slog.Logger
	tracer      Tracer
	events      *EventBus
}

// NewInstancePool creates a pool over the given worker backend.
func NewInstancePool(worker WorkerPrimitive, opts ...PoolOption) *InstancePool {
	cfg := poolConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = nopLogger
	}
	return &InstancePool{
		worker:      worker,
		configs:     make(map[string]AgentConfig),
		instances:   make(map[string][]*AgentInstance),
		byID:        make(map[string]*AgentInstance),
		defaultMin:  cfg.defaultMin,
		defaultMax:  cfg.defaultMax,
		idleTimeout: cfg.idleTimeout,
		logger:      cfg.logger,
		tracer:      cfg.tracer,
		events:      cfg.events,
	}
}

// withDefaults fills unset agent bounds from the pool-wide defaults, then
// normalizes.
func (p *InstancePool) withDefaults(c AgentConfig) AgentConfig {
	if c.MinInstances <= 0 && p.defaultMin > 0 {
		c.MinInstances = p.defaultMin
	}
	if c.MaxInstances <= 0 && p.defaultMax > 0 {
		c.MaxInstances = p.defaultMax
	}
	return c.normalized()
}

// RegisterAgent declares an agent and warms its minimum instances.
func (p *InstancePool) RegisterAgent(ctx context.Context, cfg AgentConfig) error {
	cfg = p.withDefaults(cfg)
	if cfg.AgentID == "" {
		return fmt.Errorf("register agent: empty agent id")
	}

	p.mu.Lock()
	p.configs[cfg.AgentID] = cfg
	p.mu.Unlock()

	for p.Count(cfg.AgentID) < cfg.MinInstances {
		if _, err := p.CreateInstance(ctx, cfg.AgentID); err != nil {
			return fmt.Errorf("warm agent %s: %w", cfg.AgentID, err)
		}
	}
	return nil
}

// Config returns the registered config for an agent.
func (p *InstancePool) Config(agentID string) (AgentConfig, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	cfg, ok := p.configs[agentID]
	return cfg, ok
}

// Agents returns the registered agent IDs.
func (p *InstancePool) Agents() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]string, 0, len(p.configs))
	for id := range p.configs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// CreateInstance materializes one new instance for the agent, up to its
// configured ceiling.
func (p *InstancePool) CreateInstance(ctx context.Context, agentID string) (*AgentInstance, error) {
	p.mu.RLock()
	cfg, ok := p.configs[agentID]
	count := len(p.instances[agentID])
	p.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("create instance: unknown agent %q", agentID)
	}
	if count >= cfg.MaxInstances {
		return nil, &ErrNoCapacity{AgentID: agentID, Max: cfg.MaxInstances}
	}

	var span Span
	if p.tracer != nil {
		var sctx context.Context
		sctx, span = p.tracer.Start(ctx, "pool.create_instance",
			StringAttr("agent_id", agentID))
		ctx = sctx
		defer span.End()
	}

	workerID, err := p.worker.Create(ctx, cfg.Spec)
	if err != nil {
		if span != nil {
			span.Error(err)
		}
		return nil, &ErrUpstream{Op: "worker", Err: err}
	}

	inst := newInstance(agentID, workerID, cfg.Spec, cfg.MaxSessionsPerInstance)
	inst.setWeight(cfg.InstanceWeight)
	inst.markReady()

	p.mu.Lock()
	// Re-check the ceiling: a concurrent create may have won the race.
	if len(p.instances[agentID]) >= cfg.MaxInstances {
		p.mu.Unlock()
		_ = p.worker.Destroy(ctx, workerID)
		return nil, &ErrNoCapacity{AgentID: agentID, Max: cfg.MaxInstances}
	}
	p.instances[agentID] = append(p.instances[agentID], inst)
	p.byID[inst.ID] = inst
	p.mu.Unlock()

	p.logger.Info("instance created", "agent", agentID, "instance", inst.ID)
	p.events.Emit(Event{Type: EventInstanceCreated, AgentID: agentID, InstanceID: inst.ID})
	return inst, nil
}

// RemoveInstance destroys an instance's worker and drops it from the pool.
func (p *InstancePool) RemoveInstance(ctx context.Context, instanceID string) error {
	p.mu.Lock()
	inst, ok := p.byID[instanceID]
	if !ok {
		p.mu.Unlock()
		return &ErrInstanceNotFound{InstanceID: instanceID}
	}
	delete(p.byID, instanceID)
	list := p.instances[inst.AgentID]
	for i, candidate := range list {
		if candidate.ID == instanceID {
			p.instances[inst.AgentID] = append(list[:i], list[i+1:]...)
			break
		}
	}
	p.mu.Unlock()

	inst.setStatus(InstanceTerminated)
	if err := p.worker.Destroy(ctx, inst.WorkerID); err != nil {
		p.logger.Warn("worker destroy failed", "instance", instanceID, "error", err)
	}

	p.logger.Info("instance removed", "agent", inst.AgentID, "instance", instanceID)
	p.events.Emit(Event{Type: EventInstanceRemoved, AgentID: inst.AgentID, InstanceID: instanceID})
	return nil
}

// Acquire claims a session slot on an instance of the agent: the usable
// instance with the fewest active sessions, creating a fresh one when all
// are saturated and the ceiling allows. Callers must Release what they
// acquire.
func (p *InstancePool) Acquire(ctx context.Context, agentID string) (*AgentInstance, error) {
	p.mu.RLock()
	candidates := append([]*AgentInstance(nil), p.instances[agentID]...)
	cfg, registered := p.configs[agentID]
	p.mu.RUnlock()
	if !registered {
		return nil, fmt.Errorf("acquire: unknown agent %q", agentID)
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].ActiveSessions() < candidates[j].ActiveSessions()
	})
	for _, inst := range candidates {
		if inst.acquireSession() {
			return inst, nil
		}
	}

	inst, err := p.CreateInstance(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if !inst.acquireSession() {
		return nil, &ErrNoCapacity{AgentID: agentID, Max: cfg.MaxInstances}
	}
	return inst, nil
}

// Release returns a session slot claimed by Acquire.
func (p *InstancePool) Release(inst *AgentInstance) {
	if inst != nil {
		inst.releaseSession()
	}
}

// Instance looks an instance up by ID.
func (p *InstancePool) Instance(instanceID string) (*AgentInstance, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	inst, ok := p.byID[instanceID]
	return inst, ok
}

// InstancesFor returns the agent's live instances.
func (p *InstancePool) InstancesFor(agentID string) []*AgentInstance {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]*AgentInstance(nil), p.instances[agentID]...)
}

// AllInstances returns every live instance across agents.
func (p *InstancePool) AllInstances() []*AgentInstance {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []*AgentInstance
	for _, list := range p.instances {
		out = append(out, list...)
	}
	return out
}

// Count returns the agent's live instance count.
func (p *InstancePool) Count(agentID string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.instances[agentID])
}

// ScaleTo grows or shrinks the agent's sub-pool toward target, clamped to
// the configured bounds. Shrinking prefers idle instances with the lowest
// health score; instances with live sessions are only drained when nothing
// idle remains.
func (p *InstancePool) ScaleTo(ctx context.Context, agentID string, target int) error {
	p.mu.RLock()
	cfg, ok := p.configs[agentID]
	p.mu.RUnlock()
	if !ok {
		return fmt.Errorf("scale: unknown agent %q", agentID)
	}
	if target < cfg.MinInstances {
		target = cfg.MinInstances
	}
	if target > cfg.MaxInstances {
		target = cfg.MaxInstances
	}

	for p.Count(agentID) < target {
		if _, err := p.CreateInstance(ctx, agentID); err != nil {
			return err
		}
		p.events.Emit(Event{Type: EventScaleUp, AgentID: agentID})
	}

	for p.Count(agentID) > target {
		victim := p.shrinkVictim(agentID)
		if victim == nil {
			break
		}
		if err := p.RemoveInstance(ctx, victim.ID); err != nil {
			return err
		}
		p.events.Emit(Event{Type: EventScaleDown, AgentID: agentID, InstanceID: victim.ID})
	}
	return nil
}

// ReapIdle removes instances that have sat sessionless past the idle
// timeout, never shrinking an agent below its floor. A pool without an idle
// timeout reaps nothing.
func (p *InstancePool) ReapIdle(ctx context.Context) {
	if p.idleTimeout <= 0 {
		return
	}
	for _, agentID := range p.Agents() {
		cfg, ok := p.Config(agentID)
		if !ok {
			continue
		}
		for _, inst := range p.InstancesFor(agentID) {
			if p.Count(agentID) <= cfg.MinInstances {
				break
			}
			if inst.IdleFor() <= p.idleTimeout {
				continue
			}
			p.logger.Info("reaping idle instance",
				"agent", agentID, "instance", inst.ID, "idle_for", inst.IdleFor())
			if err := p.RemoveInstance(ctx, inst.ID); err != nil {
				p.logger.Warn("idle instance removal failed", "instance", inst.ID, "error", err)
			}
		}
	}
}

// shrinkVictim picks the instance to remove: zero-session instances first,
// then lowest health score, then least recently used.
func (p *InstancePool) shrinkVictim(agentID string) *AgentInstance {
	instances := p.InstancesFor(agentID)
	if len(instances) == 0 {
		return nil
	}
	sort.Slice(instances, func(i, j int) bool {
		si, sj := instances[i].Stats(), instances[j].Stats()
		idleI, idleJ := si.ActiveSessions == 0, sj.ActiveSessions == 0
		if idleI != idleJ {
			return idleI
		}
		if si.HealthScore != sj.HealthScore {
			return si.HealthScore < sj.HealthScore
		}
		return si.LastUsed.Before(sj.LastUsed)
	})
	return instances[0]
}
