package plexus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Orchestrator is the façade wiring the runtime together: tool registry,
// template store, DAG generator and executor, instance pool, load balancer,
// health monitor, and autoscaler. Every collaborator is an explicit field
// injected at construction; nothing here is process-global, so two
// orchestrators with different configurations coexist in one process.
type Orchestrator struct {
	worker    WorkerPrimitive
	registry  *ToolRegistry
	templates *TemplateStore
	generator *DAGGenerator
	pool      *InstancePool
	balancer  *LoadBalancer
	executor  *DAGExecutor
	monitor   *HealthMonitor
	scaler    *Autoscaler
	store     Store
	events    *EventBus

	mu   sync.RWMutex
	dags map[string]*DAG

	logger *slog.Logger
	tracer Tracer
}

// orchestratorConfig accumulates Option values.
type orchestratorConfig struct {
	store     Store
	logger    *slog.Logger
	tracer    Tracer
	events    *EventBus
	algorithm RoutingAlgorithm
	services  []ServiceEndpoint
	rules     ScalingRules
	weights   ScoreWeights
	deadline  time.Duration

	registryOpts []RegistryOption
	poolOpts     []PoolOption
	balancerOpts []BalancerOption
	monitorOpts  []MonitorOption
	scalerOpts   []ScalerOption
}

// Option configures an Orchestrator.
type Option func(*orchestratorConfig)

// WithStore persists agent configs, DAGs, executions, and scaling events.
func WithStore(s Store) Option {
	return func(c *orchestratorConfig) { c.store = s }
}

// WithLogger sets the structured logger shared by every component.
// Default: no output.
func WithLogger(l *slog.Logger) Option {
	return func(c *orchestratorConfig) { c.logger = l }
}

// WithTracer sets the tracer shared by every component.
func WithTracer(t Tracer) Option {
	return func(c *orchestratorConfig) { c.tracer = t }
}

// WithEventBus sets the event bus lifecycle events are emitted on.
func WithEventBus(b *EventBus) Option {
	return func(c *orchestratorConfig) { c.events = b }
}

// WithRouting selects the balancer algorithm. Default: roundRobin.
func WithRouting(a RoutingAlgorithm) Option {
	return func(c *orchestratorConfig) { c.algorithm = a }
}

// WithToolServices sets the collaborator services tools are discovered from.
func WithToolServices(services ...ServiceEndpoint) Option {
	return func(c *orchestratorConfig) { c.services = append(c.services, services...) }
}

// WithScaling overrides the autoscaler thresholds.
func WithScaling(rules ScalingRules) Option {
	return func(c *orchestratorConfig) { c.rules = rules }
}

// WithOptimizationWeights overrides the generator's balanced-score weights.
func WithOptimizationWeights(w ScoreWeights) Option {
	return func(c *orchestratorConfig) { c.weights = w }
}

// WithDeadline sets the per-execution time budget. Default: 5 min.
func WithDeadline(d time.Duration) Option {
	return func(c *orchestratorConfig) { c.deadline = d }
}

// WithToolRegistry forwards options to the tool registry.
func WithToolRegistry(opts ...RegistryOption) Option {
	return func(c *orchestratorConfig) { c.registryOpts = append(c.registryOpts, opts...) }
}

// WithPooling forwards options to the instance pool.
func WithPooling(opts ...PoolOption) Option {
	return func(c *orchestratorConfig) { c.poolOpts = append(c.poolOpts, opts...) }
}

// WithBalancing forwards options to the load balancer.
func WithBalancing(opts ...BalancerOption) Option {
	return func(c *orchestratorConfig) { c.balancerOpts = append(c.balancerOpts, opts...) }
}

// WithMonitoring forwards options to the health monitor.
func WithMonitoring(opts ...MonitorOption) Option {
	return func(c *orchestratorConfig) { c.monitorOpts = append(c.monitorOpts, opts...) }
}

// WithAutoscaling forwards options to the autoscaler.
func WithAutoscaling(opts ...ScalerOption) Option {
	return func(c *orchestratorConfig) { c.scalerOpts = append(c.scalerOpts, opts...) }
}

// New creates an Orchestrator over the given worker backend.
func New(worker WorkerPrimitive, opts ...Option) *Orchestrator {
	cfg := orchestratorConfig{
		algorithm: RouteRoundRobin,
		rules:     DefaultScalingRules,
		weights:   DefaultScoreWeights,
		deadline:  DefaultExecutionDeadline,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = nopLogger
	}
	if cfg.events == nil {
		cfg.events = &EventBus{}
	}

	registry := NewToolRegistry(
		append([]RegistryOption{
			WithServices(cfg.services...),
			WithRegistryLogger(cfg.logger),
			WithRegistryTracer(cfg.tracer),
		}, cfg.registryOpts...)...)
	templates := NewTemplateStore()
	poolOpts := append([]PoolOption{
		WithPoolLogger(cfg.logger),
		WithPoolTracer(cfg.tracer),
		WithPoolEvents(cfg.events),
	}, cfg.poolOpts...)
	pool := NewInstancePool(worker, poolOpts...)
	balancerOpts := append([]BalancerOption{
		WithAlgorithm(cfg.algorithm),
		WithBalancerLogger(cfg.logger),
		WithBalancerTracer(cfg.tracer),
		WithBalancerEvents(cfg.events),
	}, cfg.balancerOpts...)
	balancer := NewLoadBalancer(pool, worker, balancerOpts...)

	scalerOpts := []ScalerOption{
		WithScalingRules(cfg.rules),
		WithScalerLogger(cfg.logger),
	}
	if cfg.store != nil {
		scalerOpts = append(scalerOpts, WithScaleRecorder(cfg.store))
	}
	scalerOpts = append(scalerOpts, cfg.scalerOpts...)

	o := &Orchestrator{
		worker:    worker,
		registry:  registry,
		templates: templates,
		generator: NewDAGGenerator(templates, registry,
			WithScoreWeights(cfg.weights),
			WithGeneratorLogger(cfg.logger),
			WithGeneratorTracer(cfg.tracer)),
		pool:     pool,
		balancer: balancer,
		monitor: NewHealthMonitor(pool, worker,
			append([]MonitorOption{
				WithMonitorLogger(cfg.logger),
				WithMonitorTracer(cfg.tracer),
				WithMonitorEvents(cfg.events),
			}, cfg.monitorOpts...)...),
		scaler: NewAutoscaler(pool, scalerOpts...),
		store:  cfg.store,
		events: cfg.events,
		dags:   make(map[string]*DAG),
		logger: cfg.logger,
		tracer: cfg.tracer,
	}
	o.executor = NewDAGExecutor(balancer,
		WithExecutionDeadline(cfg.deadline),
		WithAgentResolver(poolAgentID),
		WithExecutorLogger(cfg.logger),
		WithExecutorTracer(cfg.tracer),
		WithExecutorEvents(cfg.events))
	return o
}

// poolAgentID namespaces an agent node's pool identity by its DAG, so two
// DAGs with a node both named "synthesis" never share instances.
func poolAgentID(d *DAG, n *Node) string {
	return d.ID + ":" + n.ID
}

// Accessors for composing additional behavior on top of the façade.

func (o *Orchestrator) Registry() *ToolRegistry   { return o.registry }
func (o *Orchestrator) Templates() *TemplateStore { return o.templates }
func (o *Orchestrator) Pool() *InstancePool       { return o.pool }
func (o *Orchestrator) Balancer() *LoadBalancer   { return o.balancer }
func (o *Orchestrator) Monitor() *HealthMonitor   { return o.monitor }
func (o *Orchestrator) Events() *EventBus         { return o.events }

// Start initializes persistence, restores persisted agents, and runs the
// background loops (tool discovery and probing, health checks, autoscaling,
// affinity sweeping, idle reaping) until ctx is cancelled.
func (o *Orchestrator) Start(ctx context.Context) error {
	if o.store != nil {
		if err := o.store.Init(ctx); err != nil {
			return fmt.Errorf("store init: %w", err)
		}
		configs, err := o.store.ListAgentConfigs(ctx)
		if err != nil {
			return fmt.Errorf("restore agents: %w", err)
		}
		for _, cfg := range configs {
			if err := o.pool.RegisterAgent(ctx, cfg); err != nil {
				o.logger.Warn("agent restore failed", "agent", cfg.AgentID, "error", err)
			}
		}
		templates, err := o.store.ListTemplates(ctx)
		if err != nil {
			return fmt.Errorf("restore templates: %w", err)
		}
		for _, t := range templates {
			o.templates.Register(t)
		}
	}

	o.logger.Info("orchestrator running")

	var wg sync.WaitGroup
	run := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}
	run(o.registry.Start)
	run(o.monitor.Start)
	run(o.scaler.Start)
	run(func(ctx context.Context) {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				o.balancer.SweepAffinity()
				o.pool.ReapIdle(ctx)
			}
		}
	})
	wg.Wait()
	return ctx.Err()
}

// CreateAgent registers an agent, warms its minimum instances, and persists
// its config.
func (o *Orchestrator) CreateAgent(ctx context.Context, cfg AgentConfig) error {
	if err := o.pool.RegisterAgent(ctx, cfg); err != nil {
		return err
	}
	if o.store != nil {
		if err := o.store.SaveAgentConfig(ctx, cfg.normalized()); err != nil {
			return fmt.Errorf("persist agent config: %w", err)
		}
	}
	return nil
}

// DeleteAgent tears down an agent's instances and removes its persisted
// config.
func (o *Orchestrator) DeleteAgent(ctx context.Context, agentID string) error {
	for _, inst := range o.pool.InstancesFor(agentID) {
		if err := o.pool.RemoveInstance(ctx, inst.ID); err != nil {
			return err
		}
	}
	if o.store != nil {
		if err := o.store.DeleteAgentConfig(ctx, agentID); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
	}
	return nil
}

// Scale moves an agent's sub-pool toward target, inside its configured
// bounds.
func (o *Orchestrator) Scale(ctx context.Context, agentID string, target int) error {
	return o.pool.ScaleTo(ctx, agentID, target)
}

// GenerateDAG builds a DAG from the request, registers a pool agent for
// every agent node (instructions, model, and the node's bound tool schemas),
// and persists the DAG.
func (o *Orchestrator) GenerateDAG(ctx context.Context, req GenerateRequest) (*DAG, error) {
	d, err := o.generator.Generate(ctx, req)
	if err != nil {
		return nil, err
	}

	for i := range d.Nodes {
		n := &d.Nodes[i]
		if n.Type != NodeAgent || n.Agent == nil {
			continue
		}
		cfg := AgentConfig{
			AgentID: poolAgentID(d, n),
			Spec: InstanceSpec{
				AgentID:        poolAgentID(d, n),
				Instructions:   n.Agent.Instructions,
				Model:          n.Agent.Model,
				Tools:          o.registry.SchemasFor(d.ToolMapping[n.ID]),
				KnowledgeBases: n.Agent.KnowledgeBases,
			},
		}
		if err := o.pool.RegisterAgent(ctx, cfg); err != nil {
			return nil, fmt.Errorf("register node agent %s: %w", n.ID, err)
		}
	}

	o.mu.Lock()
	o.dags[d.ID] = d
	o.mu.Unlock()

	if o.store != nil {
		if err := o.store.SaveDAG(ctx, *d); err != nil {
			o.logger.Warn("dag not persisted", "dag_id", d.ID, "error", err)
		}
	}
	return d, nil
}

// DAG returns a previously generated DAG, falling back to the store.
func (o *Orchestrator) DAG(ctx context.Context, dagID string) (*DAG, error) {
	o.mu.RLock()
	d, ok := o.dags[dagID]
	o.mu.RUnlock()
	if ok {
		return d, nil
	}
	if o.store != nil {
		stored, err := o.store.GetDAG(ctx, dagID)
		if err == nil {
			o.mu.Lock()
			o.dags[dagID] = &stored
			o.mu.Unlock()
			return &stored, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return nil, &ErrDAGInvalid{Reason: fmt.Sprintf("unknown dag %q", dagID)}
}

// Execute runs a generated DAG against the payload and persists the result.
func (o *Orchestrator) Execute(ctx context.Context, dagID string, payload map[string]any) (*ExecutionResult, error) {
	d, err := o.DAG(ctx, dagID)
	if err != nil {
		return nil, err
	}

	res, execErr := o.executor.Execute(ctx, d, payload)
	if res != nil && o.store != nil {
		if err := o.store.SaveExecution(ctx, *res); err != nil {
			o.logger.Warn("execution not persisted", "execution_id", res.ExecutionID, "error", err)
		}
	}
	return res, execErr
}

// Run is the generate-then-execute convenience path.
func (o *Orchestrator) Run(ctx context.Context, req GenerateRequest, payload map[string]any) (*ExecutionResult, error) {
	d, err := o.GenerateDAG(ctx, req)
	if err != nil {
		return nil, err
	}
	return o.Execute(ctx, d.ID, payload)
}

// AgentStats snapshots every instance of an agent.
func (o *Orchestrator) AgentStats(agentID string) []InstanceStats {
	instances := o.pool.InstancesFor(agentID)
	out := make([]InstanceStats, len(instances))
	for i, inst := range instances {
		out[i] = inst.Stats()
	}
	return out
}
