package plexus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ScaleDirection is which way a scaling decision moved.
type ScaleDirection string

const (
	ScaleUp   ScaleDirection = "up"
	ScaleDown ScaleDirection = "down"
)

// ScalingEvent is one recorded autoscaler decision.
type ScalingEvent struct {
	AgentID   string         `json:"agent_id"`
	Direction ScaleDirection `json:"direction"`
	From      int            `json:"from"`
	To        int            `json:"to"`
	Reason    string         `json:"reason"`
	At        time.Time      `json:"at"`
}

// ScalingRecorder persists scaling events. The store package implementations
// satisfy it.
type ScalingRecorder interface {
	RecordScalingEvent(ctx context.Context, ev ScalingEvent) error
}

// ScalingMetric names one smoothed sample dimension a rule can threshold on.
type ScalingMetric string

const (
	MetricLoadRatio    ScalingMetric = "loadRatio"
	MetricResponseTime ScalingMetric = "avgResponseTime" // milliseconds
	MetricErrorRate    ScalingMetric = "errorRate"
	MetricCPUUsage     ScalingMetric = "cpuUsage"    // percent
	MetricMemoryUsage  ScalingMetric = "memoryUsage" // percent
	MetricHealthRatio  ScalingMetric = "healthRatio" // usable / total instances
	MetricQueueLength  ScalingMetric = "queueLength"
	MetricQueueWait    ScalingMetric = "queueWaitTime" // milliseconds
)

// knownScalingMetric reports whether m names a sample dimension.
func knownScalingMetric(m ScalingMetric) bool {
	switch m {
	case MetricLoadRatio, MetricResponseTime, MetricErrorRate, MetricCPUUsage,
		MetricMemoryUsage, MetricHealthRatio, MetricQueueLength, MetricQueueWait:
		return true
	}
	return false
}

// ScalingRule thresholds one metric for one agent. Rules are evaluated in
// registration order; the first rule that produces a decision wins. Zero
// bounds and cooldown fall back to the agent config and the global
// cooldowns.
type ScalingRule struct {
	AgentID       string        `json:"agent_id"`
	Metric        ScalingMetric `json:"metric"`
	ThresholdUp   float64       `json:"threshold_up"`
	ThresholdDown float64       `json:"threshold_down"`
	MinInstances  int           `json:"min_instances,omitempty"`
	MaxInstances  int           `json:"max_instances,omitempty"`
	Cooldown      time.Duration `json:"cooldown,omitempty"`
	Enabled       bool          `json:"enabled"`
}

// validate rejects rules that could never decide coherently.
func (r ScalingRule) validate() error {
	if r.AgentID == "" {
		return fmt.Errorf("scaling rule: agent ID required")
	}
	if !knownScalingMetric(r.Metric) {
		return fmt.Errorf("scaling rule: unknown metric %q", r.Metric)
	}
	if r.ThresholdUp <= r.ThresholdDown {
		return fmt.Errorf("scaling rule: thresholdUp %v must exceed thresholdDown %v",
			r.ThresholdUp, r.ThresholdDown)
	}
	if r.MinInstances > 0 && r.MaxInstances > 0 && r.MinInstances > r.MaxInstances {
		return fmt.Errorf("scaling rule: minInstances %d above maxInstances %d",
			r.MinInstances, r.MaxInstances)
	}
	return nil
}

// ScalingRules are the global thresholds applied to agents with no per-agent
// rules.
type ScalingRules struct {
	ScaleUpLoad         float64       // smoothed load above this adds an instance
	ScaleDownLoad       float64       // smoothed load below this removes one
	ScaleUpResponseTime time.Duration // smoothed latency above this adds one
	ScaleUpErrorRate    float64       // smoothed error rate above this adds one

	CooldownUp   time.Duration // wait after any scale before scaling up
	CooldownDown time.Duration // wait after any scale before scaling down
}

// DefaultScalingRules is the stock threshold set.
var DefaultScalingRules = ScalingRules{
	ScaleUpLoad:         0.8,
	ScaleDownLoad:       0.3,
	ScaleUpResponseTime: 10 * time.Second,
	ScaleUpErrorRate:    0.25,
	CooldownUp:          time.Minute,
	CooldownDown:        5 * time.Minute,
}

// Autoscaler history bounds.
const (
	metricsHistoryCap = 100 // samples kept per agent
	minSamples        = 3   // samples required before any decision
	smoothingWindow   = 3   // samples averaged for the smoothed metrics

	// DefaultScaleInterval is how often the autoscaler evaluates.
	DefaultScaleInterval = time.Minute
)

// metricSample is one observation of an agent's aggregate load.
type metricSample struct {
	at            time.Time
	load          float64 // active sessions / capacity
	responseTime  time.Duration
	errorRate     float64
	cpuUsage      float64 // percent, mean over instances
	memoryUsage   float64 // percent, mean over instances
	healthRatio   float64 // usable instances / total
	queueLength   float64
	queueWaitTime time.Duration
}

// metricValue projects one sample dimension. Durations are milliseconds.
func metricValue(s metricSample, m ScalingMetric) float64 {
	switch m {
	case MetricResponseTime:
		return float64(s.responseTime) / float64(time.Millisecond)
	case MetricErrorRate:
		return s.errorRate
	case MetricCPUUsage:
		return s.cpuUsage
	case MetricMemoryUsage:
		return s.memoryUsage
	case MetricHealthRatio:
		return s.healthRatio
	case MetricQueueLength:
		return s.queueLength
	case MetricQueueWait:
		return float64(s.queueWaitTime) / float64(time.Millisecond)
	default:
		return s.load
	}
}

// QueueSampler reports an agent's queued request count and oldest queue
// wait. The gateway supplies one when request queueing is in front of the
// pool.
type QueueSampler func(agentID string) (length int, wait time.Duration)

// scalerConfig accumulates ScalerOption values.
type scalerConfig struct {
	rules    ScalingRules
	interval time.Duration
	recorder ScalingRecorder
	queue    QueueSampler
	logger   *slog.Logger
}

// ScalerOption configures an Autoscaler.
type ScalerOption func(*scalerConfig)

// WithScalingRules overrides the global threshold set.
func WithScalingRules(rules ScalingRules) ScalerOption {
	return func(c *scalerConfig) { c.rules = rules }
}

// WithScaleInterval sets the evaluation cadence. Default: one minute.
func WithScaleInterval(d time.Duration) ScalerOption {
	return func(c *scalerConfig) { c.interval = d }
}

// WithScaleRecorder persists scaling events through the given recorder.
func WithScaleRecorder(r ScalingRecorder) ScalerOption {
	return func(c *scalerConfig) { c.recorder = r }
}

// WithQueueSampler supplies per-agent queue depth readings for the queue
// metrics. Without one they sample as zero.
func WithQueueSampler(q QueueSampler) ScalerOption {
	return func(c *scalerConfig) { c.queue = q }
}

// WithScalerLogger sets the structured logger. Default: no output.
func WithScalerLogger(l *slog.Logger) ScalerOption {
	return func(c *scalerConfig) { c.logger = l }
}

// Autoscaler samples each agent's aggregate load and scales its sub-pool by
// one instance at a time, smoothed over the recent samples and rate-limited
// by cooldowns. Agents with registered per-agent rules are decided by those
// rules in order; everything else falls to the global thresholds.
type Autoscaler struct {
	pool  *InstancePool
	rules ScalingRules

	mu         sync.Mutex
	history    map[string][]metricSample // by agent ID
	lastScale  map[string]time.Time
	agentRules map[string][]ScalingRule // by agent ID, in registration order

	interval time.Duration
	recorder ScalingRecorder
	queue    QueueSampler
	logger   *slog.Logger
}

// NewAutoscaler creates an autoscaler over the pool.
func NewAutoscaler(pool *InstancePool, opts ...ScalerOption) *Autoscaler {
	cfg := scalerConfig{
		rules:    DefaultScalingRules,
		interval: DefaultScaleInterval,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = nopLogger
	}
	return &Autoscaler{
		pool:       pool,
		rules:      cfg.rules,
		history:    make(map[string][]metricSample),
		lastScale:  make(map[string]time.Time),
		agentRules: make(map[string][]ScalingRule),
		interval:   cfg.interval,
		recorder:   cfg.recorder,
		queue:      cfg.queue,
		logger:     cfg.logger,
	}
}

// AddRule registers a per-agent rule, appended after the agent's existing
// rules.
func (a *Autoscaler) AddRule(rule ScalingRule) error {
	if err := rule.validate(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.agentRules[rule.AgentID] = append(a.agentRules[rule.AgentID], rule)
	return nil
}

// RulesFor returns the agent's rules in evaluation order.
func (a *Autoscaler) RulesFor(agentID string) []ScalingRule {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]ScalingRule, len(a.agentRules[agentID]))
	copy(out, a.agentRules[agentID])
	return out
}

// sample aggregates one agent's instances into a load observation.
func (a *Autoscaler) sample(agentID string) (metricSample, bool) {
	instances := a.pool.InstancesFor(agentID)
	if len(instances) == 0 {
		return metricSample{}, false
	}

	var sessions, capacity, usable int
	var rtSum time.Duration
	var errSum, cpuSum, memSum float64
	for _, inst := range instances {
		stats := inst.Stats()
		sessions += stats.ActiveSessions
		capacity += stats.MaxSessions
		rtSum += stats.AvgResponseTime
		errSum += stats.ErrorRate
		cpuSum += stats.CPUUsage
		memSum += stats.MemoryUsage
		if stats.Status.usable() {
			usable++
		}
	}
	n := float64(len(instances))
	s := metricSample{
		at:           time.Now(),
		load:         float64(sessions) / float64(capacity),
		responseTime: rtSum / time.Duration(len(instances)),
		errorRate:    errSum / n,
		cpuUsage:     cpuSum / n,
		memoryUsage:  memSum / n,
		healthRatio:  float64(usable) / n,
	}
	if a.queue != nil {
		length, wait := a.queue(agentID)
		s.queueLength = float64(length)
		s.queueWaitTime = wait
	}
	return s, true
}

// observe appends a sample to the agent's history, capped at
// metricsHistoryCap.
func (a *Autoscaler) observe(agentID string, s metricSample) {
	a.mu.Lock()
	defer a.mu.Unlock()
	h := append(a.history[agentID], s)
	if len(h) > metricsHistoryCap {
		h = h[len(h)-metricsHistoryCap:]
	}
	a.history[agentID] = h
}

// smoothed averages the last smoothingWindow samples. Reports false until
// minSamples have accumulated.
func (a *Autoscaler) smoothed(agentID string) (metricSample, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	h := a.history[agentID]
	if len(h) < minSamples {
		return metricSample{}, false
	}
	window := h[len(h)-smoothingWindow:]
	var out metricSample
	for _, s := range window {
		out.load += s.load
		out.responseTime += s.responseTime
		out.errorRate += s.errorRate
		out.cpuUsage += s.cpuUsage
		out.memoryUsage += s.memoryUsage
		out.healthRatio += s.healthRatio
		out.queueLength += s.queueLength
		out.queueWaitTime += s.queueWaitTime
	}
	n := float64(len(window))
	out.load /= n
	out.responseTime /= time.Duration(len(window))
	out.errorRate /= n
	out.cpuUsage /= n
	out.memoryUsage /= n
	out.healthRatio /= n
	out.queueLength /= n
	out.queueWaitTime /= time.Duration(len(window))
	return out, true
}

// Evaluate runs one sampling and decision pass over every registered agent.
func (a *Autoscaler) Evaluate(ctx context.Context) {
	for _, agentID := range a.pool.Agents() {
		s, ok := a.sample(agentID)
		if !ok {
			continue
		}
		a.observe(agentID, s)
		a.decide(ctx, agentID)
	}
}

// decide applies the agent's rules, or the global thresholds, to its
// smoothed metrics and scales by at most one instance.
func (a *Autoscaler) decide(ctx context.Context, agentID string) {
	smoothed, ready := a.smoothed(agentID)
	if !ready {
		return
	}

	current := a.pool.Count(agentID)
	cfg, ok := a.pool.Config(agentID)
	if !ok {
		return
	}

	if rules := a.RulesFor(agentID); len(rules) > 0 {
		a.decideByRules(ctx, agentID, cfg, rules, smoothed, current)
		return
	}

	var direction ScaleDirection
	var reason string
	switch {
	case smoothed.load >= a.rules.ScaleUpLoad:
		direction, reason = ScaleUp, "load above threshold"
	case smoothed.responseTime >= a.rules.ScaleUpResponseTime:
		direction, reason = ScaleUp, "response time above threshold"
	case smoothed.errorRate >= a.rules.ScaleUpErrorRate:
		direction, reason = ScaleUp, "error rate above threshold"
	case smoothed.load <= a.rules.ScaleDownLoad:
		direction, reason = ScaleDown, "load below threshold"
	default:
		return
	}

	cooldown := a.rules.CooldownUp
	if direction == ScaleDown {
		cooldown = a.rules.CooldownDown
	}
	a.scaleStep(ctx, agentID, direction, reason, current,
		cfg.MinInstances, cfg.MaxInstances, cooldown)
}

// decideByRules walks the agent's rules in order; the first enabled rule
// whose metric crosses a threshold decides.
func (a *Autoscaler) decideByRules(ctx context.Context, agentID string, cfg AgentConfig,
	rules []ScalingRule, smoothed metricSample, current int) {
	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		value := metricValue(smoothed, rule.Metric)

		var direction ScaleDirection
		switch {
		case value >= rule.ThresholdUp:
			direction = ScaleUp
		case value <= rule.ThresholdDown:
			direction = ScaleDown
		default:
			continue
		}

		min, max := cfg.MinInstances, cfg.MaxInstances
		if rule.MinInstances > 0 {
			min = rule.MinInstances
		}
		if rule.MaxInstances > 0 {
			max = rule.MaxInstances
		}
		cooldown := rule.Cooldown
		if cooldown <= 0 {
			cooldown = a.rules.CooldownUp
			if direction == ScaleDown {
				cooldown = a.rules.CooldownDown
			}
		}
		reason := fmt.Sprintf("%s crossed %s threshold", rule.Metric, direction)
		a.scaleStep(ctx, agentID, direction, reason, current, min, max, cooldown)
		return
	}
}

// scaleStep moves the agent one instance in the given direction, inside the
// bounds and cooldown.
func (a *Autoscaler) scaleStep(ctx context.Context, agentID string, direction ScaleDirection,
	reason string, current, min, max int, cooldown time.Duration) {
	target := current
	switch direction {
	case ScaleUp:
		if current >= max || a.inCooldown(agentID, cooldown) {
			return
		}
		target = current + 1
	case ScaleDown:
		if current <= min || a.inCooldown(agentID, cooldown) {
			return
		}
		target = current - 1
	}

	if err := a.pool.ScaleTo(ctx, agentID, target); err != nil {
		a.logger.Warn("scale failed", "agent", agentID, "target", target, "error", err)
		return
	}
	a.markScaled(agentID)

	ev := ScalingEvent{
		AgentID:   agentID,
		Direction: direction,
		From:      current,
		To:        target,
		Reason:    reason,
		At:        time.Now(),
	}
	if a.recorder != nil {
		if err := a.recorder.RecordScalingEvent(ctx, ev); err != nil {
			a.logger.Warn("scaling event not persisted", "agent", agentID, "error", err)
		}
	}
	a.logger.Info("scaled",
		"agent", agentID, "direction", string(direction),
		"from", current, "to", target, "reason", reason)
}

// inCooldown reports whether the agent scaled within the window.
func (a *Autoscaler) inCooldown(agentID string, window time.Duration) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	last, ok := a.lastScale[agentID]
	return ok && time.Since(last) < window
}

func (a *Autoscaler) markScaled(agentID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastScale[agentID] = time.Now()
}

// Start runs the evaluation loop until ctx is cancelled.
func (a *Autoscaler) Start(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Evaluate(ctx)
		}
	}
}
