package plexus

import (
	"sync"
	"time"
)

// EventType names an orchestration lifecycle event.
type EventType string

const (
	EventInstanceCreated EventType = "instance.created"
	EventInstanceRemoved EventType = "instance.removed"
	EventScaleUp         EventType = "scale.up"
	EventScaleDown       EventType = "scale.down"
	EventHealthChanged   EventType = "health.changed"
	EventAlert           EventType = "health.alert"
	EventBreakerOpened   EventType = "breaker.opened"
	EventBreakerClosed   EventType = "breaker.closed"
	EventNodeCompleted   EventType = "node.completed"
	EventNodeFailed      EventType = "node.failed"
	EventExecutionDone   EventType = "execution.done"
)

// Event is one orchestration lifecycle notification.
type Event struct {
	Type       EventType      `json:"type"`
	AgentID    string         `json:"agent_id,omitempty"`
	InstanceID string         `json:"instance_id,omitempty"`
	At         time.Time      `json:"at"`
	Fields     map[string]any `json:"fields,omitempty"`
}

// EventHook receives events synchronously on the emitting goroutine. Hooks
// must not block; hand off to a channel for slow consumers.
type EventHook func(Event)

// EventBus fans events out to subscribed hooks. Safe for concurrent use.
// The zero value is usable.
type EventBus struct {
	mu    sync.RWMutex
	hooks []EventHook
}

// Subscribe registers a hook for all subsequent events.
func (b *EventBus) Subscribe(hook EventHook) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hooks = append(b.hooks, hook)
}

// Emit delivers the event to every hook. A nil bus is a no-op, so emitters
// never need a nil check at each call site.
func (b *EventBus) Emit(e Event) {
	if b == nil {
		return
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	b.mu.RLock()
	hooks := b.hooks
	b.mu.RUnlock()
	for _, h := range hooks {
		h(e)
	}
}
