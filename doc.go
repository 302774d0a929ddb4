// Package plexus is an agent orchestration runtime. It compiles tool and
// capability preferences into a validated execution DAG, binds that DAG to a
// pooled worker instance, and routes conversational requests to instances
// through a load-balancing, health-monitoring, and autoscaling layer.
//
// The core building blocks compose explicitly; nothing is a package-level
// singleton:
//
//   - ToolRegistry discovers tools from collaborator services, tracks their
//     health, and selects bounded tool subsets per DAG node.
//   - Generator turns a Template plus UserPreferences into a DAG.
//   - Executor schedules DAG nodes topologically, runs independent nodes
//     concurrently, and evaluates edge conditions on node results.
//   - InstancePool owns per-agent worker instances; LoadBalancer picks one
//     per request with session affinity and circuit breaking; HealthMonitor
//     scores instances across five check tiers; Autoscaler adjusts instance
//     counts from smoothed metrics.
//   - Orchestrator is the thin façade wiring all of the above.
//
// Model access goes through the single WorkerPrimitive interface; production
// wires a real provider binding, tests wire an in-memory one.
package plexus
