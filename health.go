package plexus

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// CheckTier is one of the monitor's check levels, from cheap liveness to a
// full aggregate assessment.
type CheckTier string

const (
	CheckBasic         CheckTier = "basic"
	CheckPerformance   CheckTier = "performance"
	CheckResource      CheckTier = "resource"
	CheckFunctionality CheckTier = "functionality"
	CheckComprehensive CheckTier = "comprehensive"
)

// CheckStatus grades one check outcome.
type CheckStatus string

const (
	StatusHealthy  CheckStatus = "healthy"
	StatusWarning  CheckStatus = "warning"
	StatusCritical CheckStatus = "critical"
)

// scoreFor maps a check status to its numeric score.
func scoreFor(s CheckStatus) float64 {
	switch s {
	case StatusHealthy:
		return 100
	case StatusWarning:
		return 60
	default:
		return 20
	}
}

// worse reports whether a outranks b in severity.
func worse(a, b CheckStatus) bool {
	rank := func(s CheckStatus) int {
		switch s {
		case StatusCritical:
			return 2
		case StatusWarning:
			return 1
		}
		return 0
	}
	return rank(a) > rank(b)
}

// Default check intervals per tier.
var defaultCheckIntervals = map[CheckTier]time.Duration{
	CheckBasic:         30 * time.Second,
	CheckPerformance:   time.Minute,
	CheckResource:      2 * time.Minute,
	CheckFunctionality: 5 * time.Minute,
	CheckComprehensive: 10 * time.Minute,
}

// Per-metric thresholds.
const (
	basicWarnResponseTime = 2 * time.Second
	basicCritResponseTime = 5 * time.Second
	basicCritConnectivity = 0.1

	perfWarnErrorRate   = 0.05
	perfCritErrorRate   = 0.1
	perfWarnSessionLoad = 0.8
	perfCritSessionLoad = 0.95

	resourceWarnCPU    = 70.0 // percent
	resourceCritCPU    = 90.0
	resourceWarnMemory = 80.0
	resourceCritMemory = 95.0

	funcWarnResponseTime = 10 * time.Second
	funcCritResponseTime = 30 * time.Second // also the probe timeout
	funcWarnQuality      = 0.7
	funcCritQuality      = 0.3

	// unhealthyRemovalAfter is how long an instance may stay continuously
	// unhealthy before the monitor removes it.
	unhealthyRemovalAfter = 5 * time.Minute
)

// MetricResult is one graded measurement within a check.
type MetricResult struct {
	Name   string      `json:"name"`
	Value  float64     `json:"value"`
	Status CheckStatus `json:"status"`
}

// CheckResult is one graded check outcome. Status is the worst metric's
// status; Score is the mean of the metric scores.
type CheckResult struct {
	InstanceID string         `json:"instance_id"`
	Tier       CheckTier      `json:"tier"`
	Status     CheckStatus    `json:"status"`
	Score      float64        `json:"score"`
	Metrics    []MetricResult `json:"metrics,omitempty"`
	Detail     string         `json:"detail,omitempty"`
	At         time.Time      `json:"at"`
}

// Metric returns the named metric's value, false when the check did not
// measure it.
func (r CheckResult) Metric(name string) (float64, bool) {
	for _, m := range r.Metrics {
		if m.Name == name {
			return m.Value, true
		}
	}
	return 0, false
}

// AlertSeverity ranks an alert rule's urgency.
type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "info"
	SeverityWarning  AlertSeverity = "warning"
	SeverityCritical AlertSeverity = "critical"
)

// MetricCondition matches one metric of a check result against a threshold.
type MetricCondition struct {
	Metric string  `json:"metric"`
	Op     CondOp  `json:"op"`
	Value  float64 `json:"value"`
}

// matches evaluates the condition against a result. A metric the check did
// not measure never matches.
func (c MetricCondition) matches(r CheckResult) bool {
	v, ok := r.Metric(c.Metric)
	if !ok {
		return false
	}
	switch c.Op {
	case OpLT:
		return v < c.Value
	case OpLE:
		return v <= c.Value
	case OpGT:
		return v > c.Value
	case OpGE:
		return v >= c.Value
	}
	return false
}

// AlertRule fires an alert event when a check result matches. An empty
// StatusCondition matches any status; all metric conditions must hold.
type AlertRule struct {
	ID               string            `json:"id"`
	StatusCondition  CheckStatus       `json:"status_condition,omitempty"`
	MetricConditions []MetricCondition `json:"metric_conditions,omitempty"`
	Severity         AlertSeverity     `json:"severity"`
	Message          string            `json:"message"`
}

// matches reports whether the rule fires for the result.
func (r AlertRule) matches(result CheckResult) bool {
	if r.StatusCondition != "" && result.Status != r.StatusCondition {
		return false
	}
	for _, c := range r.MetricConditions {
		if !c.matches(result) {
			return false
		}
	}
	return true
}

// resourceProber is the optional worker capability the resource tier reads
// cpu and memory from.
type resourceProber interface {
	Resources(ctx context.Context, workerID string) (cpu, memory float64, err error)
}

// monitorConfig accumulates MonitorOption values.
type monitorConfig struct {
	intervals map[CheckTier]time.Duration
	logger    *slog.Logger
	tracer    Tracer
	events    *EventBus
}

// MonitorOption configures a HealthMonitor.
type MonitorOption func(*monitorConfig)

// WithCheckInterval overrides one tier's interval.
func WithCheckInterval(tier CheckTier, d time.Duration) MonitorOption {
	return func(c *monitorConfig) { c.intervals[tier] = d }
}

// WithMonitorLogger sets the structured logger. Default: no output.
func WithMonitorLogger(l *slog.Logger) MonitorOption {
	return func(c *monitorConfig) { c.logger = l }
}

// WithMonitorTracer sets the tracer for check spans.
func WithMonitorTracer(t Tracer) MonitorOption {
	return func(c *monitorConfig) { c.tracer = t }
}

// WithMonitorEvents sets the event bus health transitions and alerts are
// emitted on.
func WithMonitorEvents(b *EventBus) MonitorOption {
	return func(c *monitorConfig) { c.events = b }
}

// HealthMonitor grades every pool instance on five check tiers, maintains
// each instance's health score, flips instances in and out of the unhealthy
// state, fires configured alert rules, and removes instances that stay
// unhealthy past the removal window.
type HealthMonitor struct {
	pool   *InstancePool
	worker WorkerPrimitive

	mu     sync.Mutex
	last   map[string]map[CheckTier]CheckResult // by instance ID
	alerts []AlertRule

	intervals map[CheckTier]time.Duration
	logger    *slog.Logger
	tracer    Tracer
	events    *EventBus
}

// NewHealthMonitor creates a monitor over the pool, probing liveness and
// functionality through the given worker backend.
func NewHealthMonitor(pool *InstancePool, worker WorkerPrimitive, opts ...MonitorOption) *HealthMonitor {
	cfg := monitorConfig{intervals: make(map[CheckTier]time.Duration)}
	for tier, d := range defaultCheckIntervals {
		cfg.intervals[tier] = d
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = nopLogger
	}
	return &HealthMonitor{
		pool:      pool,
		worker:    worker,
		last:      make(map[string]map[CheckTier]CheckResult),
		intervals: cfg.intervals,
		logger:    cfg.logger,
		tracer:    cfg.tracer,
		events:    cfg.events,
	}
}

// AddAlertRule registers a rule evaluated against every recorded check
// result.
func (m *HealthMonitor) AddAlertRule(rule AlertRule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = append(m.alerts, rule)
}

// RemoveAlertRule drops the rule with the given ID.
func (m *HealthMonitor) RemoveAlertRule(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.alerts[:0]
	for _, r := range m.alerts {
		if r.ID != id {
			kept = append(kept, r)
		}
	}
	m.alerts = kept
}

// RunTier executes one check tier across every live instance.
func (m *HealthMonitor) RunTier(ctx context.Context, tier CheckTier) {
	var span Span
	if m.tracer != nil {
		var sctx context.Context
		sctx, span = m.tracer.Start(ctx, "health.run_tier",
			StringAttr("tier", string(tier)))
		ctx = sctx
		defer span.End()
	}

	for _, inst := range m.pool.AllInstances() {
		result := m.check(ctx, inst, tier)
		m.record(inst, result)
		m.evaluateAlerts(inst, result)
	}
	m.reap(ctx)
}

// check grades one instance on one tier.
func (m *HealthMonitor) check(ctx context.Context, inst *AgentInstance, tier CheckTier) CheckResult {
	result := CheckResult{InstanceID: inst.ID, Tier: tier, At: time.Now()}
	switch tier {
	case CheckBasic:
		result.Metrics, result.Detail = m.checkBasic(ctx, inst)
	case CheckPerformance:
		result.Metrics, result.Detail = m.checkPerformance(inst)
	case CheckResource:
		result.Metrics, result.Detail = m.checkResource(ctx, inst)
	case CheckFunctionality:
		result.Metrics, result.Detail = m.checkFunctionality(ctx, inst)
	case CheckComprehensive:
		result.Status, result.Detail = m.checkComprehensive(inst)
		result.Score = scoreFor(result.Status)
		return result
	}
	result.Status, result.Score = gradeMetrics(result.Metrics)
	return result
}

// gradeMetrics folds per-metric statuses into the check grade: the worst
// metric sets the status, the mean of the metric scores sets the score.
func gradeMetrics(metrics []MetricResult) (CheckStatus, float64) {
	if len(metrics) == 0 {
		return StatusHealthy, scoreFor(StatusHealthy)
	}
	status := StatusHealthy
	var sum float64
	for _, mr := range metrics {
		if worse(mr.Status, status) {
			status = mr.Status
		}
		sum += scoreFor(mr.Status)
	}
	return status, sum / float64(len(metrics))
}

// gradeHigh grades a value where bigger is worse.
func gradeHigh(v, warn, crit float64) CheckStatus {
	switch {
	case v >= crit:
		return StatusCritical
	case v >= warn:
		return StatusWarning
	}
	return StatusHealthy
}

// gradeLow grades a value where smaller is worse.
func gradeLow(v, warn, crit float64) CheckStatus {
	switch {
	case v < crit:
		return StatusCritical
	case v < warn:
		return StatusWarning
	}
	return StatusHealthy
}

// checkBasic pings the instance's worker and grades the round trip and
// connectivity. Instances out of rotation fail without a ping.
func (m *HealthMonitor) checkBasic(ctx context.Context, inst *AgentInstance) ([]MetricResult, string) {
	switch inst.Status() {
	case InstanceReady, InstanceBusy, InstanceStarting:
	default:
		return []MetricResult{
			{Name: "connectivity", Value: 0, Status: StatusCritical},
		}, "instance out of rotation"
	}

	ctx, cancel := context.WithTimeout(ctx, basicCritResponseTime)
	defer cancel()

	start := time.Now()
	_, err := m.worker.Run(ctx, inst.WorkerID, WorkerTask{Input: "ping"})
	elapsed := time.Since(start)

	connectivity := 1.0
	detail := ""
	if err != nil {
		connectivity = 0
		detail = "ping failed: " + err.Error()
	}
	ms := float64(elapsed) / float64(time.Millisecond)
	rtStatus := gradeHigh(float64(elapsed), float64(basicWarnResponseTime), float64(basicCritResponseTime))
	if err != nil {
		rtStatus = StatusCritical
	}
	return []MetricResult{
		{Name: "responseTime", Value: ms, Status: rtStatus},
		{Name: "connectivity", Value: connectivity, Status: gradeLow(connectivity, 1, basicCritConnectivity)},
	}, detail
}

// checkPerformance grades error rate and session load.
func (m *HealthMonitor) checkPerformance(inst *AgentInstance) ([]MetricResult, string) {
	stats := inst.Stats()
	load := sessionLoad(stats)
	return []MetricResult{
		{Name: "errorRate", Value: stats.ErrorRate,
			Status: gradeHigh(stats.ErrorRate, perfWarnErrorRate, perfCritErrorRate)},
		{Name: "sessionLoad", Value: load,
			Status: gradeHigh(load, perfWarnSessionLoad, perfCritSessionLoad)},
	}, ""
}

// checkResource grades cpu and memory usage, refreshing the readings from
// the worker backend when it can report them.
func (m *HealthMonitor) checkResource(ctx context.Context, inst *AgentInstance) ([]MetricResult, string) {
	detail := ""
	if prober, ok := m.worker.(resourceProber); ok {
		cpu, mem, err := prober.Resources(ctx, inst.WorkerID)
		if err != nil {
			detail = "resource probe failed: " + err.Error()
		} else {
			inst.setResource(cpu, mem)
		}
	}
	cpu, mem := inst.Resource()
	return []MetricResult{
		{Name: "cpuUsage", Value: cpu,
			Status: gradeHigh(cpu, resourceWarnCPU, resourceCritCPU)},
		{Name: "memoryUsage", Value: mem,
			Status: gradeHigh(mem, resourceWarnMemory, resourceCritMemory)},
	}, detail
}

// checkFunctionality sends a probe task through the worker and grades the
// round trip and the reply quality. Quality comes from the worker's
// "quality" field when reported, else a non-empty reply counts as full
// quality.
func (m *HealthMonitor) checkFunctionality(ctx context.Context, inst *AgentInstance) ([]MetricResult, string) {
	ctx, cancel := context.WithTimeout(ctx, funcCritResponseTime)
	defer cancel()

	start := time.Now()
	res, err := m.worker.Run(ctx, inst.WorkerID, WorkerTask{Input: "healthcheck: reply with ok"})
	elapsed := time.Since(start)

	if err != nil {
		return []MetricResult{
			{Name: "functionality", Value: 0, Status: StatusCritical},
			{Name: "functionResponseTime", Value: float64(elapsed) / float64(time.Millisecond),
				Status: StatusCritical},
			{Name: "responseQuality", Value: 0, Status: StatusCritical},
		}, "probe failed: " + err.Error()
	}

	quality, ok := numericField(res.Fields, "quality")
	if !ok {
		quality = 0
		if res.Output != "" {
			quality = 1
		}
	}
	return []MetricResult{
		{Name: "functionality", Value: 1, Status: StatusHealthy},
		{Name: "functionResponseTime", Value: float64(elapsed) / float64(time.Millisecond),
			Status: gradeHigh(float64(elapsed), float64(funcWarnResponseTime), float64(funcCritResponseTime))},
		{Name: "responseQuality", Value: quality,
			Status: gradeLow(quality, funcWarnQuality, funcCritQuality)},
	}, ""
}

// checkComprehensive aggregates the latest results of the other tiers: any
// critical is critical, two or more warnings escalate to critical, one
// warning stays a warning.
func (m *HealthMonitor) checkComprehensive(inst *AgentInstance) (CheckStatus, string) {
	m.mu.Lock()
	latest := m.last[inst.ID]
	var warnings int
	var critical bool
	for tier, r := range latest {
		if tier == CheckComprehensive {
			continue
		}
		switch r.Status {
		case StatusCritical:
			critical = true
		case StatusWarning:
			warnings++
		}
	}
	m.mu.Unlock()

	switch {
	case critical:
		return StatusCritical, "subordinate check critical"
	case warnings >= 2:
		return StatusCritical, "multiple subordinate warnings"
	case warnings == 1:
		return StatusWarning, "subordinate check warning"
	}
	return StatusHealthy, ""
}

// record stores the result, refreshes the instance's health score, and
// drives lifecycle transitions.
func (m *HealthMonitor) record(inst *AgentInstance, result CheckResult) {
	m.mu.Lock()
	if m.last[inst.ID] == nil {
		m.last[inst.ID] = make(map[CheckTier]CheckResult)
	}
	prev, had := m.last[inst.ID][result.Tier]
	m.last[inst.ID][result.Tier] = result

	// Health score is the mean of the latest per-tier scores.
	var sum float64
	var count int
	for _, r := range m.last[inst.ID] {
		sum += r.Score
		count++
	}
	m.mu.Unlock()

	inst.setHealthScore(sum/float64(count), result.At)

	switch {
	case result.Status == StatusCritical && inst.Status().usable():
		inst.setStatus(InstanceUnhealthy)
	case result.Status == StatusHealthy && inst.Status() == InstanceUnhealthy:
		inst.markReady()
	}

	if had && prev.Status != result.Status {
		m.events.Emit(Event{Type: EventHealthChanged, AgentID: inst.AgentID, InstanceID: inst.ID,
			Fields: map[string]any{
				"tier": string(result.Tier),
				"from": string(prev.Status),
				"to":   string(result.Status),
			}})
		m.logger.Info("health status changed",
			"instance", inst.ID, "tier", string(result.Tier),
			"from", string(prev.Status), "to", string(result.Status))
	}
}

// evaluateAlerts fires every matching rule for the result.
func (m *HealthMonitor) evaluateAlerts(inst *AgentInstance, result CheckResult) {
	m.mu.Lock()
	rules := make([]AlertRule, len(m.alerts))
	copy(rules, m.alerts)
	m.mu.Unlock()

	for _, rule := range rules {
		if !rule.matches(result) {
			continue
		}
		m.events.Emit(Event{Type: EventAlert, AgentID: inst.AgentID, InstanceID: inst.ID,
			Fields: map[string]any{
				"rule":     rule.ID,
				"severity": string(rule.Severity),
				"message":  rule.Message,
				"tier":     string(result.Tier),
			}})
		m.logger.Warn("health alert",
			"rule", rule.ID, "severity", string(rule.Severity),
			"instance", inst.ID, "tier", string(result.Tier), "message", rule.Message)
	}
}

// reap removes instances that have been continuously unhealthy past the
// removal window.
func (m *HealthMonitor) reap(ctx context.Context) {
	for _, inst := range m.pool.AllInstances() {
		if inst.UnhealthyFor() < unhealthyRemovalAfter {
			continue
		}
		m.logger.Warn("removing persistently unhealthy instance",
			"instance", inst.ID, "agent", inst.AgentID, "unhealthy_for", inst.UnhealthyFor())
		if err := m.pool.RemoveInstance(ctx, inst.ID); err != nil {
			m.logger.Warn("unhealthy instance removal failed", "instance", inst.ID, "error", err)
		}
		m.mu.Lock()
		delete(m.last, inst.ID)
		m.mu.Unlock()
	}
}

// Latest returns the most recent result per tier for an instance.
func (m *HealthMonitor) Latest(instanceID string) map[CheckTier]CheckResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[CheckTier]CheckResult, len(m.last[instanceID]))
	for tier, r := range m.last[instanceID] {
		out[tier] = r
	}
	return out
}

// Start runs every tier's loop until ctx is cancelled.
func (m *HealthMonitor) Start(ctx context.Context) {
	var wg sync.WaitGroup
	for tier, interval := range m.intervals {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					m.RunTier(ctx, tier)
				}
			}
		}()
	}
	wg.Wait()
}
