package engine

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/petrijr/stepflow/internal/persistence"
	"github.com/petrijr/stepflow/pkg/api"
)

// flaky fails the first n invocations with kind, then succeeds.
func flaky(n int32, kind api.FailureKind) (workerFunc, *atomic.Int32) {
	var calls atomic.Int32
	return func(req api.TaskRequest) api.InvocationOutcome {
		if calls.Add(1) <= n {
			return api.Failed(kind, "transient")
		}
		return api.Succeeded(map[string]any{"attempt": req.Attempt})
	}, &calls
}

func TestRetry_ImmediateRetriesThenSuccessResetsAttempt(t *testing.T) {
	forEachBackend(t, func(t *testing.T, p persistence.Persistence) {
		h := newHarness(t, p)
		def := singleTaskDefinition("flaky", api.StateSpec{
			Retry: &api.RetryPolicy{MaxAttempts: 3},
			Catch: map[api.FailureKind]string{api.CatchAll: "Failed"},
		})
		mustRegister(t, h.engine, def)
		fn, calls := flaky(2, api.FailureWorkerError)
		h.invoker.Handle("work", fn)

		mustCreate(t, h.engine, def.ID, "job-r", nil)
		rec := mustEvaluate(t, h.engine, "job-r")

		if rec.Status != api.StatusSucceeded {
			t.Fatalf("expected Succeeded, got %s (%+v)", rec.Status, rec.Reason)
		}
		if calls.Load() != 3 {
			t.Fatalf("expected 3 invocations, got %d", calls.Load())
		}
		if rec.Attempt != 0 {
			t.Fatalf("attempt should reset on transition, got %d", rec.Attempt)
		}

		var attempts []int
		for _, c := range h.invoker.Calls("work") {
			attempts = append(attempts, c.Attempt)
		}
		if len(attempts) != 3 || attempts[0] != 0 || attempts[1] != 1 || attempts[2] != 2 {
			t.Fatalf("unexpected attempt numbers: %v", attempts)
		}
		if key := h.invoker.Calls("work")[2].IdempotencyKey(); key != "job-r:Work:3:2" {
			t.Fatalf("unexpected idempotency key %q", key)
		}
	})
}

func TestRetry_BackoffPersistsRetryAtAndWaits(t *testing.T) {
	forEachBackend(t, func(t *testing.T, p persistence.Persistence) {
		h := newHarness(t, p)
		def := singleTaskDefinition("backoff", api.StateSpec{
			Retry: &api.RetryPolicy{MaxAttempts: 3, Backoff: 10 * time.Second, Strategy: api.BackoffExponential},
		})
		mustRegister(t, h.engine, def)
		fn, calls := flaky(2, api.FailureTimeout)
		h.invoker.Handle("work", fn)

		mustCreate(t, h.engine, def.ID, "job-b", nil)

		rec := mustEvaluate(t, h.engine, "job-b")
		if rec.Status != api.StatusRunning || rec.Attempt != 1 {
			t.Fatalf("expected Running attempt 1, got %s attempt %d", rec.Status, rec.Attempt)
		}
		if want := baseTime.Add(10 * time.Second); !rec.RetryAt.Equal(want) {
			t.Fatalf("RetryAt=%v, want %v", rec.RetryAt, want)
		}
		if last := h.scheduler.Last(); !last.At.Equal(rec.RetryAt) {
			t.Fatalf("retry not scheduled at RetryAt: %+v", last)
		}

		// Early evaluation is a no-op.
		mustEvaluate(t, h.engine, "job-b")
		if calls.Load() != 1 {
			t.Fatalf("evaluation before RetryAt must not invoke, calls=%d", calls.Load())
		}

		h.clock.Advance(10 * time.Second)
		rec = mustEvaluate(t, h.engine, "job-b")
		if rec.Attempt != 2 {
			t.Fatalf("expected attempt 2, got %d", rec.Attempt)
		}
		if want := h.clock.Now().Add(20 * time.Second); !rec.RetryAt.Equal(want) {
			t.Fatalf("second backoff should double: RetryAt=%v, want %v", rec.RetryAt, want)
		}

		h.clock.Advance(20 * time.Second)
		rec = mustEvaluate(t, h.engine, "job-b")
		if rec.Status != api.StatusSucceeded || rec.Attempt != 0 || !rec.RetryAt.IsZero() {
			t.Fatalf("unexpected final record: %s attempt=%d retryAt=%v", rec.Status, rec.Attempt, rec.RetryAt)
		}
	})
}

func TestRetry_ExhaustedAttemptsFallThroughToCatch(t *testing.T) {
	h := newHarness(t, persistence.NewInMemoryPersistence())
	def := singleTaskDefinition("exhaust", api.StateSpec{
		Retry: &api.RetryPolicy{MaxAttempts: 2},
		Catch: map[api.FailureKind]string{api.FailureWorkerUnavailable: "Failed"},
	})
	mustRegister(t, h.engine, def)
	h.invoker.Handle("work", failWith(api.FailureWorkerUnavailable, "connection refused"))

	mustCreate(t, h.engine, def.ID, "job-x", nil)
	rec := mustEvaluate(t, h.engine, "job-x")

	if len(h.invoker.Calls("work")) != 2 {
		t.Fatalf("expected 2 invocations, got %d", len(h.invoker.Calls("work")))
	}
	if rec.Status != api.StatusFailed || rec.CurrentState != "Failed" {
		t.Fatalf("expected caught failure to reach Failed state, got %s at %s", rec.Status, rec.CurrentState)
	}
	if rec.Reason == nil || rec.Reason.Kind != api.FailureWorkerUnavailable {
		t.Fatalf("reason should carry the caught kind: %+v", rec.Reason)
	}
}

func TestRetry_RetryOnLimitsKinds(t *testing.T) {
	h := newHarness(t, persistence.NewInMemoryPersistence())
	def := singleTaskDefinition("retry-on", api.StateSpec{
		Retry: &api.RetryPolicy{MaxAttempts: 5, RetryOn: []api.FailureKind{api.FailureWorkerUnavailable}},
		Catch: map[api.FailureKind]string{api.FailureTimeout: "Failed"},
	})
	mustRegister(t, h.engine, def)
	h.invoker.Handle("work", failWith(api.FailureTimeout, "30s elapsed"))

	mustCreate(t, h.engine, def.ID, "job-t", nil)
	rec := mustEvaluate(t, h.engine, "job-t")

	if n := len(h.invoker.Calls("work")); n != 1 {
		t.Fatalf("Timeout is not in RetryOn, expected 1 invocation, got %d", n)
	}
	if rec.CurrentState != "Failed" {
		t.Fatalf("expected catch to Failed, got %s", rec.CurrentState)
	}
}

func TestTask_UnhandledFailureFailsExecution(t *testing.T) {
	forEachBackend(t, func(t *testing.T, p persistence.Persistence) {
		h := newHarness(t, p)
		def := singleTaskDefinition("unhandled", api.StateSpec{})
		mustRegister(t, h.engine, def)

		mustCreate(t, h.engine, def.ID, "job-u", nil)
		rec := mustEvaluate(t, h.engine, "job-u")

		if rec.Status != api.StatusFailed || rec.CurrentState != "Work" {
			t.Fatalf("expected Failed at Work, got %s at %s", rec.Status, rec.CurrentState)
		}
		if rec.Reason == nil || rec.Reason.Kind != api.FailureWorkerUnavailable {
			t.Fatalf("unexpected reason: %+v", rec.Reason)
		}

		view, err := h.engine.GetStatus(t.Context(), "job-u")
		if err != nil {
			t.Fatalf("GetStatus must not fail for a failed job: %v", err)
		}
		if view.Status != api.StatusFailed || view.Reason == nil || view.Reason.Detail != "unknown worker work" {
			t.Fatalf("unexpected status view: %+v", view)
		}
	})
}

func TestTask_ResultPathNestsResult(t *testing.T) {
	h := newHarness(t, persistence.NewInMemoryPersistence())
	def := singleTaskDefinition("result-path", api.StateSpec{ResultPath: "generation"})
	mustRegister(t, h.engine, def)
	h.invoker.Handle("work", succeed(map[string]any{"pages": 12}))

	mustCreate(t, h.engine, def.ID, "job-p", map[string]any{"documentId": "d"})
	rec := mustEvaluate(t, h.engine, "job-p")

	nested, ok := rec.Payload["generation"].(map[string]any)
	if !ok || nested["pages"] != 12 {
		t.Fatalf("result not stored under path: %v", rec.Payload)
	}
	if _, leaked := rec.Payload["pages"]; leaked {
		t.Fatalf("result should not be merged at top level: %v", rec.Payload)
	}
}

func TestRetryDelay(t *testing.T) {
	tests := []struct {
		name   string
		policy *api.RetryPolicy
		n      int
		want   time.Duration
	}{
		{"nil policy", nil, 1, 0},
		{"zero backoff", &api.RetryPolicy{MaxAttempts: 3}, 2, 0},
		{"constant", &api.RetryPolicy{Backoff: time.Second, Strategy: api.BackoffConstant}, 3, time.Second},
		{"exponential first", &api.RetryPolicy{Backoff: time.Second}, 1, time.Second},
		{"exponential third", &api.RetryPolicy{Backoff: time.Second}, 3, 4 * time.Second},
		{"exponential capped", &api.RetryPolicy{Backoff: time.Second, MaxBackoff: 3 * time.Second}, 5, 3 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := retryDelay(tt.policy, tt.n); got != tt.want {
				t.Fatalf("retryDelay=%v, want %v", got, tt.want)
			}
		})
	}
}

func TestRetryDelay_JitterStaysInBounds(t *testing.T) {
	p := &api.RetryPolicy{Backoff: 10 * time.Second, Strategy: api.BackoffConstant, JitterPercent: 20}
	for i := 0; i < 50; i++ {
		d := retryDelay(p, 1)
		if d < 8*time.Second || d > 12*time.Second {
			t.Fatalf("jittered delay %v outside 8s..12s", d)
		}
	}
}
