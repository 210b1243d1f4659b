// Package stepflow is a durable workflow orchestrator for long-running,
// multi-step jobs.
//
// A workflow is a graph of named states. Task states call an external
// worker, Wait states suspend the job for a fixed duration, Choice states
// branch on the job payload and Terminal states end it. Every job's
// progress lives in a versioned execution record, so a job survives
// process restarts and can be advanced by any process that shares the
// record store.
//
// # Core Concepts
//
//  1. Engine: registers definitions, creates executions and evaluates them
//  2. Invoker: calls workers in-process or over HTTP
//  3. Timer: turns resume instants into queued evaluations
//  4. Worker: consumes queued evaluations
//  5. FlowBuilder: declares workflows in Go (YAML is also supported)
//
// # Engine
//
// Evaluate loads a record, advances it as far as it can and commits each
// transition with a compare-and-swap on the record version. Two evaluators
// racing on one job cannot both commit; the loser reloads. Task failures
// are retried per the state's RetryPolicy, then routed through its catch
// transitions, then fail the execution. A per-execution deadline overrides
// everything, including a Wait in progress.
//
// Records can be stored in memory, SQLite, PostgreSQL, Redis or MongoDB.
// Each backend has a matching task queue.
//
// # Timer and Worker
//
// The engine never sleeps. When a job suspends or backs off it asks the
// Scheduler to evaluate it later; the timer service puts a delayed task on
// the queue and a Worker picks it up. A periodic sweep re-derives due jobs
// from the store, so a lost task only delays a job until the next sweep.
//
// # FlowBuilder
//
//	stepflow.New("docgen").
//	    Deadline(25*time.Hour).
//	    Task("Generate", "generate-doc", 5*time.Minute, "Notify",
//	        stepflow.Catch(stepflow.FailureWorkerError, "NotifyFailure")).
//	    Task("Notify", "notify-user", 30*time.Second, "Wait").
//	    Wait("Wait", 24*time.Hour, "Cleanup").
//	    Task("Cleanup", "cleanup-doc", time.Minute, "Done").
//	    Succeed("Done").
//	    Task("NotifyFailure", "notify-user", 30*time.Second, "Failed").
//	    Fail("Failed")
//
// # LocalRunner
//
// LocalRunner bundles an in-memory engine, queue, timer and worker for
// development and tests. It is not crash-durable; use NewSQLiteBundle or
// the stepflowd binary for that.
package stepflow
