package invoker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/tidwall/gjson"

	"github.com/petrijr/stepflow/pkg/api"
)

// IdempotencyHeader carries api.TaskRequest.IdempotencyKey on every call.
const IdempotencyHeader = "Idempotency-Key"

// HTTPInvoker posts the TaskRequest as JSON to a worker URL.
//
// A 2xx answer is a success; its "result" object (or the whole body when
// there is no "result" field) becomes the task result. A 2xx body carrying
// "errorKind" and no "result" is a failure, as is any other answer; the
// kind is read from "errorKind" when it names a worker failure. Unreachable
// workers are WorkerUnavailable and slow ones Timeout.
type HTTPInvoker struct {
	client *resty.Client

	// Resolve maps a worker name to its URL. Defaults to the name itself.
	Resolve func(worker string) string
}

var _ api.Invoker = (*HTTPInvoker)(nil)

// NewHTTPInvoker returns an invoker using its own resty client. Retries are
// disabled; retry policy belongs to the workflow definition.
func NewHTTPInvoker() *HTTPInvoker {
	client := resty.New().
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		SetRetryCount(0)
	return &HTTPInvoker{client: client}
}

// NewHTTPInvokerWithClient wraps an existing resty client.
func NewHTTPInvokerWithClient(client *resty.Client) *HTTPInvoker {
	return &HTTPInvoker{client: client}
}

func (h *HTTPInvoker) Invoke(ctx context.Context, req api.TaskRequest, timeout time.Duration) api.InvocationOutcome {
	url := req.Worker
	if h.Resolve != nil {
		url = h.Resolve(req.Worker)
	}

	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	resp, err := h.client.R().
		SetContext(callCtx).
		SetHeader(IdempotencyHeader, req.IdempotencyKey()).
		SetBody(req).
		Post(url)
	if err != nil {
		return classifyTransportError(ctx, err, req.Worker, timeout)
	}

	body := resp.Body()
	if resp.IsSuccess() {
		return decodeResult(body)
	}
	return decodeFailure(resp.StatusCode(), body)
}

func decodeResult(body []byte) api.InvocationOutcome {
	if len(body) == 0 {
		return api.Succeeded(map[string]any{})
	}
	if !gjson.ValidBytes(body) {
		return api.Failed(api.FailureWorkerError, "worker returned invalid JSON")
	}
	parsed := gjson.ParseBytes(body)
	if r := parsed.Get("result"); r.Exists() {
		parsed = r
	} else if k := parsed.Get("errorKind"); k.Exists() {
		kind := api.FailureKind(k.String())
		if !kind.Retryable() {
			kind = api.FailureWorkerError
		}
		detail := parsed.Get("detail").String()
		if detail == "" {
			detail = "worker reported " + k.String()
		}
		return api.Failed(kind, detail)
	}
	if !parsed.IsObject() {
		if parsed.Type == gjson.Null {
			return api.Succeeded(map[string]any{})
		}
		return api.Succeeded(map[string]any{"value": parsed.Value()})
	}
	result, _ := parsed.Value().(map[string]any)
	return api.Succeeded(result)
}

func decodeFailure(status int, body []byte) api.InvocationOutcome {
	kind := api.FailureWorkerError
	if status == http.StatusServiceUnavailable || status == http.StatusBadGateway {
		kind = api.FailureWorkerUnavailable
	}
	if status == http.StatusGatewayTimeout || status == http.StatusRequestTimeout {
		kind = api.FailureTimeout
	}

	detail := fmt.Sprintf("worker answered HTTP %d", status)
	if gjson.ValidBytes(body) {
		parsed := gjson.ParseBytes(body)
		if k := api.FailureKind(parsed.Get("errorKind").String()); k.Retryable() {
			kind = k
		}
		if d := parsed.Get("detail").String(); d != "" {
			detail = d
		}
	} else if s := strings.TrimSpace(string(body)); s != "" {
		detail = fmt.Sprintf("%s: %s", detail, truncate(s, 200))
	}
	return api.Failed(kind, detail)
}

func classifyTransportError(parent context.Context, err error, worker string, timeout time.Duration) api.InvocationOutcome {
	var netErr net.Error
	switch {
	case parent.Err() != nil:
		return api.Failed(api.FailureWorkerUnavailable, "invocation cancelled: "+parent.Err().Error())
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		return api.Failed(api.FailureTimeout, fmt.Sprintf("worker %q did not answer within %s", worker, timeout))
	default:
		return api.Failed(api.FailureWorkerUnavailable, err.Error())
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
