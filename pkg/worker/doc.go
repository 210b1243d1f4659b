// Package worker drives executions forward by consuming evaluation tasks.
//
// Every task names a job. A worker dequeues it and calls Engine.Evaluate,
// which reloads the record and advances it as far as it can. Tasks carry
// no state of their own, so duplicates, early deliveries and redeliveries
// after a crash are all harmless: an evaluation of a job that is not due
// is a no-op.
//
// Several workers, in one process or many, can share a queue. When the
// engine is configured with leases, only the lease holder evaluates a job
// and the others skip it.
//
// # Usage
//
//	q := taskqueue.NewInMemoryQueue()
//	eng := engine.NewEngineWithConfig(engine.Config{
//		Persistence: persistence.NewInMemoryPersistence(),
//		Invoker:     invoker,
//		Scheduler:   timer.NewService(q),
//	})
//	w := worker.New(eng, q)
//	go w.Run(ctx, 4)
//
// Most applications get this wiring from stepflow.NewLocalRunner or the
// stepflowd binary.
package worker
