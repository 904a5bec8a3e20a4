// Package orchestra provides an embeddable, durable orchestration engine for
// Go services.
//
// An orchestration is a versioned definition: a graph of steps linked by
// integer ids. Running instances of a definition are persisted together with
// their execution pointers, so a process restart or a move to another host
// picks up exactly where the last committed step left off.
//
// # Core Concepts
//
//  1. Controller
//  2. Definition and Builder
//  3. Execution pointers
//  4. Publishers
//  5. Runtime and LocalRunner
//
// # Controller
//
// The Controller registers definitions and exposes the host-facing API:
//   - start, suspend, resume and terminate instances
//   - publish external events to waiting instances
//   - query instances, their pointers and definition graphs
//
// Each live instance is driven by a single worker goroutine on the host that
// started or recovered it. Work on one instance is serialized by a
// distributed lock keyed by definition, version and orchestration key, so
// several hosts can share a store safely.
//
// Controllers can be backed by different storage systems:
//
//   - In-memory (non-durable, best for tests)
//   - SQLite (embedded durability)
//   - Postgres
//   - Redis
//   - MongoDB
//
// # Builder
//
// Builder is the fluent way to define an orchestration:
//
//	b := orchestra.New("order", 1)
//	b.Then("reserve", reserve).
//	    If("needs-approval", needsApproval, func(c *orchestra.Chain) {
//	        c.WaitForEvent("approved", orchestra.EventSpec{Name: "approved", Key: orderKey})
//	    }).
//	    Parallel("fulfil",
//	        func(c *orchestra.Chain) { c.Then("invoice", invoice) },
//	        func(c *orchestra.Chain) { c.Then("ship", ship) },
//	    )
//	_ = b.Register(ctrl)
//
// Supported step kinds are Inline, If, IfElse, Switch, While, Parallel,
// WaitForEvent, Delay and Custom.
//
// # Error handling
//
// A failing step is retried according to its ErrorHandling policy: a fixed
// interval, a per-retry schedule or unlimited retries. Errors wrapped
// with Permanent skip retries and suspend the instance. A panicking step
// suspends its pointer so an operator can resume it later.
//
// # Publishers
//
// Lifecycle events (started, step completed, suspended, completed and so on)
// go to a Publisher. LoggingPublisher writes them to slog, BasicMetrics
// counts them in memory and the metrics package exports them to Prometheus.
//
// # Runtime and LocalRunner
//
// Runtime opens a Controller from a YAML Config, including the storage
// backend, event workers, logging and metrics. LocalRunner bundles an
// in-memory controller with a queue-backed event worker for development and
// tests.
//
// For examples, see the /examples directory.
package orchestra
