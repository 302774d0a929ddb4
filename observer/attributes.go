package observer

import "go.opentelemetry.io/otel/attribute"

// Attribute keys for orchestration spans and metrics.
var (
	AttrAgentID    = attribute.Key("agent.id")
	AttrInstanceID = attribute.Key("instance.id")
	AttrWorkerID   = attribute.Key("worker.id")

	AttrDAGID    = attribute.Key("dag.id")
	AttrNodeID   = attribute.Key("dag.node.id")
	AttrNodeType = attribute.Key("dag.node.type")

	AttrAlgorithm = attribute.Key("route.algorithm")
	AttrAttempts  = attribute.Key("route.attempts")
	AttrFallback  = attribute.Key("route.fallback")

	AttrTokensInput  = attribute.Key("worker.tokens.input")
	AttrTokensOutput = attribute.Key("worker.tokens.output")

	AttrHealthTier   = attribute.Key("health.tier")
	AttrHealthStatus = attribute.Key("health.status")

	AttrScaleDirection = attribute.Key("scale.direction")

	AttrStatus = attribute.Key("status")
)
