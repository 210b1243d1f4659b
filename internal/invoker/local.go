// Package invoker provides api.Invoker implementations: in-process
// handlers, HTTP workers, and a router that picks between them by worker
// name.
package invoker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/petrijr/stepflow/pkg/api"
)

// HandlerFunc is an in-process worker. Returning a *api.WorkerFailure
// selects the failure kind; any other error is a WorkerError.
type HandlerFunc func(ctx context.Context, req api.TaskRequest) (map[string]any, error)

// LocalInvoker calls registered HandlerFuncs in the current process.
type LocalInvoker struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

var _ api.Invoker = (*LocalInvoker)(nil)

func NewLocalInvoker() *LocalInvoker {
	return &LocalInvoker{handlers: make(map[string]HandlerFunc)}
}

// Handle registers h under name, replacing any previous handler.
func (l *LocalInvoker) Handle(name string, h HandlerFunc) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[name] = h
}

// Has reports whether a handler is registered under name.
func (l *LocalInvoker) Has(name string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.handlers[name]
	return ok
}

// Invoke runs the handler once. A handler that outlives timeout is
// reported as Timeout and its late result is dropped.
func (l *LocalInvoker) Invoke(ctx context.Context, req api.TaskRequest, timeout time.Duration) api.InvocationOutcome {
	l.mu.RLock()
	h, ok := l.handlers[req.Worker]
	l.mu.RUnlock()
	if !ok {
		return api.Failed(api.FailureWorkerUnavailable, fmt.Sprintf("no handler registered for worker %q", req.Worker))
	}

	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req.Payload = api.ClonePayload(req.Payload)
	done := make(chan api.InvocationOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- api.Failed(api.FailureWorkerError, fmt.Sprintf("worker panicked: %v", r))
			}
		}()
		result, err := h(callCtx, req)
		if err != nil {
			done <- api.OutcomeFromError(err)
			return
		}
		done <- api.Succeeded(api.ClonePayload(result))
	}()

	select {
	case out := <-done:
		return out
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return api.Failed(api.FailureWorkerUnavailable, "invocation cancelled: "+ctx.Err().Error())
		}
		return api.Failed(api.FailureTimeout, fmt.Sprintf("worker %q did not answer within %s", req.Worker, timeout))
	}
}
