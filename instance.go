package plexus

import (
	"sync"
	"time"
)

// InstanceStatus is an agent instance's lifecycle state.
type InstanceStatus string

const (
	InstanceStarting   InstanceStatus = "starting"
	InstanceReady      InstanceStatus = "ready"
	InstanceBusy       InstanceStatus = "busy"
	InstanceDraining   InstanceStatus = "draining"
	InstanceUnhealthy  InstanceStatus = "unhealthy"
	InstanceTerminated InstanceStatus = "terminated"
)

// usable reports whether the status admits new sessions.
func (s InstanceStatus) usable() bool {
	return s == InstanceReady || s == InstanceBusy
}

// recentWindow bounds the per-instance response-time sample ring.
const recentWindow = 100

// DefaultMaxSessions is an instance's session ceiling when the agent config
// leaves it unset.
const DefaultMaxSessions = 10

// AgentInstance is one live worker hosting an agent, tracked by the pool.
// All mutation goes through methods; the zero value is not usable, construct
// with newInstance.
type AgentInstance struct {
	ID       string
	AgentID  string
	WorkerID string
	Spec     InstanceSpec

	mu              sync.Mutex
	status          InstanceStatus
	activeSessions  int
	maxSessions     int
	weight          float64 // routing weight, > 0
	createdAt       time.Time
	lastUsed        time.Time
	lastHealthCheck time.Time

	totalRequests  int64
	failedRequests int64
	recentTimes    []time.Duration // ring, newest appended, capped at recentWindow
	healthScore    float64
	cpuUsage       float64 // percent, monitor-reported
	memoryUsage    float64 // percent, monitor-reported
	consecFailures int
	unhealthySince time.Time
}

// newInstance creates a tracked instance in the starting state.
func newInstance(agentID, workerID string, spec InstanceSpec, maxSessions int) *AgentInstance {
	if maxSessions <= 0 {
		maxSessions = DefaultMaxSessions
	}
	now := time.Now()
	return &AgentInstance{
		ID:          NewID(),
		AgentID:     agentID,
		WorkerID:    workerID,
		Spec:        spec,
		status:      InstanceStarting,
		maxSessions: maxSessions,
		weight:      1,
		createdAt:   now,
		lastUsed:    now,
		healthScore: 100,
	}
}

// Weight returns the routing weight, always positive.
func (a *AgentInstance) Weight() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.weight
}

// setWeight sets the routing weight. Non-positive values are ignored.
func (a *AgentInstance) setWeight(w float64) {
	if w <= 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.weight = w
}

// Status returns the current lifecycle state.
func (a *AgentInstance) Status() InstanceStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// setStatus transitions the lifecycle state, tracking how long the instance
// has been continuously unhealthy.
func (a *AgentInstance) setStatus(s InstanceStatus) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if s == InstanceUnhealthy && a.status != InstanceUnhealthy {
		a.unhealthySince = time.Now()
	}
	if s != InstanceUnhealthy {
		a.unhealthySince = time.Time{}
	}
	a.status = s
}

// markReady moves a starting instance into rotation.
func (a *AgentInstance) markReady() {
	a.setStatus(InstanceReady)
}

// UnhealthyFor returns how long the instance has been continuously
// unhealthy, zero when it is not.
func (a *AgentInstance) UnhealthyFor() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.unhealthySince.IsZero() {
		return 0
	}
	return time.Since(a.unhealthySince)
}

// acquireSession claims a session slot. Reports false when the instance is
// out of rotation or at its ceiling.
func (a *AgentInstance) acquireSession() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.status.usable() || a.activeSessions >= a.maxSessions {
		return false
	}
	a.activeSessions++
	a.lastUsed = time.Now()
	if a.activeSessions >= a.maxSessions {
		a.status = InstanceBusy
	}
	return true
}

// releaseSession returns a session slot.
func (a *AgentInstance) releaseSession() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.activeSessions > 0 {
		a.activeSessions--
	}
	if a.status == InstanceBusy && a.activeSessions < a.maxSessions {
		a.status = InstanceReady
	}
}

// ActiveSessions returns the live session count.
func (a *AgentInstance) ActiveSessions() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.activeSessions
}

// recordRequest folds one completed task into the rolling stats.
func (a *AgentInstance) recordRequest(ok bool, elapsed time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.totalRequests++
	if !ok {
		a.failedRequests++
		a.consecFailures++
	} else {
		a.consecFailures = 0
	}
	a.recentTimes = append(a.recentTimes, elapsed)
	if len(a.recentTimes) > recentWindow {
		a.recentTimes = a.recentTimes[len(a.recentTimes)-recentWindow:]
	}
	a.lastUsed = time.Now()
}

// AvgResponseTime is the mean over the recent sample window.
func (a *AgentInstance) AvgResponseTime() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return meanDuration(a.recentTimes)
}

func meanDuration(samples []time.Duration) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range samples {
		sum += d
	}
	return sum / time.Duration(len(samples))
}

// ErrorRate is failed over total requests, in [0,1].
func (a *AgentInstance) ErrorRate() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.totalRequests == 0 {
		return 0
	}
	return float64(a.failedRequests) / float64(a.totalRequests)
}

// HealthScore returns the monitor-maintained score in [0,100].
func (a *AgentInstance) HealthScore() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.healthScore
}

// setHealthScore records the monitor's latest assessment.
func (a *AgentInstance) setHealthScore(score float64, at time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.healthScore = score
	a.lastHealthCheck = at
}

// setResource records the monitor's latest cpu and memory readings, in
// percent.
func (a *AgentInstance) setResource(cpu, memory float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cpuUsage = cpu
	a.memoryUsage = memory
}

// Resource returns the latest cpu and memory readings, in percent.
func (a *AgentInstance) Resource() (cpu, memory float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cpuUsage, a.memoryUsage
}

// IdleFor returns how long the instance has gone without a session or a
// completed request.
func (a *AgentInstance) IdleFor() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.activeSessions > 0 {
		return 0
	}
	return time.Since(a.lastUsed)
}

// InstanceStats is a point-in-time copy of an instance's observable state.
type InstanceStats struct {
	ID              string         `json:"id"`
	AgentID         string         `json:"agent_id"`
	Status          InstanceStatus `json:"status"`
	ActiveSessions  int            `json:"active_sessions"`
	MaxSessions     int            `json:"max_sessions"`
	Weight          float64        `json:"weight"`
	TotalRequests   int64          `json:"total_requests"`
	FailedRequests  int64          `json:"failed_requests"`
	ErrorRate       float64        `json:"error_rate"`
	AvgResponseTime time.Duration  `json:"avg_response_time"`
	HealthScore     float64        `json:"health_score"`
	CPUUsage        float64        `json:"cpu_usage"`
	MemoryUsage     float64        `json:"memory_usage"`
	ConsecFailures  int            `json:"consecutive_failures"`
	CreatedAt       time.Time      `json:"created_at"`
	LastUsed        time.Time      `json:"last_used"`
	LastHealthCheck time.Time      `json:"last_health_check"`
}

// Stats snapshots the instance.
func (a *AgentInstance) Stats() InstanceStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	errRate := 0.0
	if a.totalRequests > 0 {
		errRate = float64(a.failedRequests) / float64(a.totalRequests)
	}
	return InstanceStats{
		ID:              a.ID,
		AgentID:         a.AgentID,
		Status:          a.status,
		ActiveSessions:  a.activeSessions,
		MaxSessions:     a.maxSessions,
		Weight:          a.weight,
		TotalRequests:   a.totalRequests,
		FailedRequests:  a.failedRequests,
		ErrorRate:       errRate,
		AvgResponseTime: meanDuration(a.recentTimes),
		HealthScore:     a.healthScore,
		CPUUsage:        a.cpuUsage,
		MemoryUsage:     a.memoryUsage,
		ConsecFailures:  a.consecFailures,
		CreatedAt:       a.createdAt,
		LastUsed:        a.lastUsed,
		LastHealthCheck: a.lastHealthCheck,
	}
}
