// Package api contains the core building blocks used by the stepflow
// orchestrator: workflow definitions, execution records, invocation
// outcomes, and the hooks used to observe engine behavior.
//
// Most users interact with the higher-level stepflow package, which
// re-exports selected types and provides a fluent builder. The api package
// is intended for custom integrations (invokers, notifiers, stores) and for
// contributors extending the engine itself.
//
// # Workflow Definitions
//
// A WorkflowDefinition is an immutable graph of named states. Each state is
// one of four kinds:
//
//   - Task: invoke a worker with a timeout, then follow Next on success or a
//     catch-transition on failure. An optional RetryPolicy re-invokes the
//     worker with backoff before any catch-transition is taken.
//   - Wait: suspend the execution for a duration. The engine holds no
//     goroutine while waiting; the resume instant is persisted.
//   - Choice: branch on predicates over the payload, first match wins.
//   - Terminal: end the execution as Succeeded or Failed.
//
// Cycles are allowed. ExecutionDeadline bounds the whole run regardless of
// which state it is in.
//
// # Execution Records
//
// An ExecutionRecord is the durable snapshot of one job. Every transition is
// persisted with a version check, so two evaluators racing on the same job
// cannot both commit. A crash between a task invocation and its persist
// leaves the record at the Task state and the task is invoked again;
// workers deduplicate using TaskRequest.IdempotencyKey.
//
// # Observability
//
// Observer receives lifecycle callbacks. LoggingObserver writes slog
// records, BasicMetrics keeps in-process counters, and NewCompositeObserver
// fans out to several observers.
package api
