package invoker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/petrijr/stepflow/pkg/api"
)

// Router dispatches on the worker name: names with an http or https scheme
// go to the HTTP invoker, everything else to the local one.
type Router struct {
	Local *LocalInvoker
	HTTP  *HTTPInvoker
}

var _ api.Invoker = (*Router)(nil)

// NewRouter builds a Router with fresh local and HTTP invokers.
func NewRouter() *Router {
	return &Router{Local: NewLocalInvoker(), HTTP: NewHTTPInvoker()}
}

func (r *Router) Invoke(ctx context.Context, req api.TaskRequest, timeout time.Duration) api.InvocationOutcome {
	if isHTTP(req.Worker) {
		if r.HTTP == nil {
			return api.Failed(api.FailureWorkerUnavailable, fmt.Sprintf("http workers disabled, cannot call %q", req.Worker))
		}
		return r.HTTP.Invoke(ctx, req, timeout)
	}
	if r.Local == nil {
		return api.Failed(api.FailureWorkerUnavailable, fmt.Sprintf("no local worker %q", req.Worker))
	}
	return r.Local.Invoke(ctx, req, timeout)
}

func isHTTP(worker string) bool {
	return strings.HasPrefix(worker, "http://") || strings.HasPrefix(worker, "https://")
}
