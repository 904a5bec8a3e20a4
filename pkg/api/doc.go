// Package api contains the core building blocks of the orchestra engine:
// definitions, steps, execution pointers, instances, lifecycle events and the
// host-facing Controller interface.
//
// Most users interact with the higher-level orchestra package, which
// re-exports selected types and offers a fluent Builder. The api package is
// intended for advanced use cases, custom step kinds, or contributors
// extending the engine itself.
//
// # Definitions and Steps
//
// A Definition is a versioned graph of Steps. Each step carries a kind tag
// (Inline, If, IfElse, Switch, While, Parallel, WaitForEvent, Delay, Custom)
// and a NextStepID; branching steps also own an ordered table of branch
// chains. Sealing a definition validates the graph and stamps every step
// with the head of its chain and the step that owns that chain.
//
// Step behavior is built through the definition's Bodies table, a map from
// StepKind to BodyFactory. DefaultBodies provides the built-in kinds; custom
// kinds can be added by extending the table.
//
// # Execution State
//
// Every visit to a step is an ExecutionPointer. Pointers entered through a
// branch are nested under the pointer of the branching step, which waits
// until its branches finish and is then evaluated again. Changes to
// pointers are expressed as PointerPatch values so stores can apply partial
// updates.
//
// # Retry Policy
//
// ErrorHandling maps retry numbers to delays, with a default interval and
// an optional maximum retry count. Steps fall back to their definition's
// policy when they have no override.
//
// # Observability
//
// The engine reports LifecycleEvents through a Publisher. LoggingPublisher,
// BasicMetrics and CompositePublisher are provided here; the pkg/metrics
// package adds a Prometheus publisher.
package api
