package observer

import (
	"context"

	plexus "github.com/plexal/plexus"

	"go.opentelemetry.io/otel/metric"
)

// Hook returns an EventHook that turns orchestration lifecycle events into
// metric updates. Subscribe it on the orchestrator's EventBus:
//
//	bus.Subscribe(observer.Hook(inst))
//
// The hook runs on the emitting goroutine and only touches OTEL counters, so
// it is safe to install without a handoff channel.
func Hook(inst *Instruments) plexus.EventHook {
	ctx := context.Background()
	return func(e plexus.Event) {
		agent := metric.WithAttributes(AttrAgentID.String(e.AgentID))
		switch e.Type {
		case plexus.EventInstanceCreated:
			inst.Instances.Add(ctx, 1, agent)
		case plexus.EventInstanceRemoved:
			inst.Instances.Add(ctx, -1, agent)
		case plexus.EventScaleUp:
			inst.ScaleEvents.Add(ctx, 1, metric.WithAttributes(
				AttrAgentID.String(e.AgentID),
				AttrScaleDirection.String("up")))
		case plexus.EventScaleDown:
			inst.ScaleEvents.Add(ctx, 1, metric.WithAttributes(
				AttrAgentID.String(e.AgentID),
				AttrScaleDirection.String("down")))
		case plexus.EventBreakerOpened:
			inst.BreakerTransitions.Add(ctx, 1, metric.WithAttributes(
				AttrInstanceID.String(e.InstanceID),
				AttrStatus.String("open")))
		case plexus.EventBreakerClosed:
			inst.BreakerTransitions.Add(ctx, 1, metric.WithAttributes(
				AttrInstanceID.String(e.InstanceID),
				AttrStatus.String("closed")))
		case plexus.EventHealthChanged:
			inst.HealthTransitions.Add(ctx, 1, metric.WithAttributes(
				AttrInstanceID.String(e.InstanceID)))
		case plexus.EventNodeCompleted:
			inst.NodeExecutions.Add(ctx, 1, metric.WithAttributes(AttrStatus.String("completed")))
		case plexus.EventNodeFailed:
			inst.NodeExecutions.Add(ctx, 1, metric.WithAttributes(AttrStatus.String("failed")))
		}
	}
}
