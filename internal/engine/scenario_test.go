package engine

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/petrijr/stepflow/internal/persistence"
	"github.com/petrijr/stepflow/pkg/api"
)

func TestScenario_SuccessPathSuspendsThenSucceeds(t *testing.T) {
	forEachBackend(t, func(t *testing.T, p persistence.Persistence) {
		h := newHarness(t, p)
		mustRegister(t, h.engine, scenarioDefinition())
		h.invoker.Handle("generate", succeed(map[string]any{"specUrl": "s3://bucket/job-1.md"}))
		h.invoker.Handle("notify", succeed(nil))

		mustCreate(t, h.engine, "docgen", "job-1", map[string]any{"documentId": "doc-1"})

		rec := mustEvaluate(t, h.engine, "job-1")
		if rec.Status != api.StatusSuspended || rec.CurrentState != "Wait" {
			t.Fatalf("expected Suspended at Wait, got %s at %s", rec.Status, rec.CurrentState)
		}
		wantResume := baseTime.Add(24 * time.Hour)
		if !rec.ResumeAt.Equal(wantResume) {
			t.Fatalf("ResumeAt=%v, want %v", rec.ResumeAt, wantResume)
		}
		if last := h.scheduler.Last(); last.JobID != "job-1" || !last.At.Equal(wantResume) {
			t.Fatalf("unexpected schedule: %+v", last)
		}
		if rec.Payload["specUrl"] != "s3://bucket/job-1.md" || rec.Payload["documentId"] != "doc-1" {
			t.Fatalf("worker result not merged: %v", rec.Payload)
		}

		h.clock.Advance(24 * time.Hour)
		rec = mustEvaluate(t, h.engine, "job-1")
		if rec.Status != api.StatusSucceeded || rec.CurrentState != "Cleanup" {
			t.Fatalf("expected Succeeded at Cleanup, got %s at %s", rec.Status, rec.CurrentState)
		}
		if !rec.ResumeAt.IsZero() {
			t.Fatalf("ResumeAt should be cleared on a terminal record")
		}
		if want := h.clock.Now().Add(30 * 24 * time.Hour); !rec.ExpiresAt.Equal(want) {
			t.Fatalf("ExpiresAt=%v, want %v", rec.ExpiresAt, want)
		}

		if got := h.store.puts.Load(); got != 4 {
			t.Fatalf("expected exactly 4 persisted transitions, got %d", got)
		}
		events := h.notifier.Events()
		if len(events) != 1 || events[0].Status != api.StatusSucceeded {
			t.Fatalf("expected one Succeeded notification, got %+v", events)
		}
		want := []string{"Generate", "NotifySuccess", "Wait", "Cleanup"}
		if got := visitedStates(t, h.engine, "job-1"); !reflect.DeepEqual(got, want) {
			t.Fatalf("visited %v, want %v", got, want)
		}
	})
}

func TestScenario_WorkerErrorGoesThroughFailureBranch(t *testing.T) {
	forEachBackend(t, func(t *testing.T, p persistence.Persistence) {
		h := newHarness(t, p)
		mustRegister(t, h.engine, scenarioDefinition())
		h.invoker.Handle("generate", failWith(api.FailureWorkerError, "model refused"))
		h.invoker.Handle("notify", succeed(nil))
		h.invoker.Handle("cleanup", succeed(nil))

		mustCreate(t, h.engine, "docgen", "job-2", nil)
		rec := mustEvaluate(t, h.engine, "job-2")

		if rec.Status != api.StatusFailed {
			t.Fatalf("expected Failed, got %s", rec.Status)
		}
		if rec.Reason == nil || rec.Reason.Kind != api.FailureWorkerError || rec.Reason.State != "Generate" {
			t.Fatalf("unexpected reason: %+v", rec.Reason)
		}
		info, ok := rec.Payload["error"].(map[string]any)
		if !ok || info["detail"] != "model refused" {
			t.Fatalf("caught failure not recorded in payload: %v", rec.Payload)
		}

		want := []string{"Generate", "NotifyFailure", "CleanupAfterFailure", "Failed"}
		if got := visitedStates(t, h.engine, "job-2"); !reflect.DeepEqual(got, want) {
			t.Fatalf("visited %v, want %v", got, want)
		}
		events := h.notifier.Events()
		if len(events) != 1 || events[0].Status != api.StatusFailed {
			t.Fatalf("expected one Failed notification, got %+v", events)
		}
		if events[0].Summary != "job job-2 FAILED: WorkerError in Generate: model refused" {
			t.Fatalf("unexpected summary: %q", events[0].Summary)
		}
		if len(h.scheduler.calls) != 1 {
			t.Fatalf("no Wait should be entered, schedules=%+v", h.scheduler.calls)
		}
	})
}

func TestScenario_DeadlineOverridesWait(t *testing.T) {
	forEachBackend(t, func(t *testing.T, p persistence.Persistence) {
		h := newHarness(t, p, func(c *Config) { c.AllowDeadlineBeforeWaits = true })
		def := api.WorkflowDefinition{
			ID:                "short-deadline",
			EntryState:        "Hold",
			ExecutionDeadline: 30 * time.Minute,
			States: map[string]api.StateSpec{
				"Hold": {Kind: api.KindWait, Duration: 24 * time.Hour, Next: "Done"},
				"Done": {Kind: api.KindTerminal, Outcome: api.StatusSucceeded},
			},
		}
		mustRegister(t, h.engine, def)
		mustCreate(t, h.engine, def.ID, "job-3", nil)

		rec := mustEvaluate(t, h.engine, "job-3")
		if rec.Status != api.StatusSuspended {
			t.Fatalf("expected Suspended, got %s", rec.Status)
		}
		deadline := baseTime.Add(30 * time.Minute)
		if last := h.scheduler.Last(); !last.At.Equal(deadline) {
			t.Fatalf("resume should be scheduled at the deadline %v, got %v", deadline, last.At)
		}

		h.clock.Advance(29 * time.Minute)
		if rec = mustEvaluate(t, h.engine, "job-3"); rec.Status != api.StatusSuspended {
			t.Fatalf("expected still Suspended before the deadline, got %s", rec.Status)
		}

		h.clock.Advance(time.Minute)
		rec = mustEvaluate(t, h.engine, "job-3")
		if rec.Status != api.StatusFailed || rec.Reason == nil || rec.Reason.Kind != api.FailureDeadlineExceeded {
			t.Fatalf("expected Failed(DeadlineExceeded), got %s %+v", rec.Status, rec.Reason)
		}
		if rec.CurrentState != "Hold" || rec.Reason.State != "Hold" {
			t.Fatalf("deadline should fire in Hold, got %s / %+v", rec.CurrentState, rec.Reason)
		}
		if events := h.notifier.Events(); len(events) != 1 || events[0].Status != api.StatusFailed {
			t.Fatalf("expected one Failed notification, got %+v", events)
		}
	})
}

func TestRegisterWorkflow_RejectsDeadlineShorterThanWaits(t *testing.T) {
	h := newHarness(t, persistence.NewInMemoryPersistence())
	def := scenarioDefinition()
	def.ExecutionDeadline = 30 * time.Minute

	err := h.engine.RegisterWorkflow(def)
	if !errors.Is(err, api.ErrDeadlineBeforeWaits) {
		t.Fatalf("expected ErrDeadlineBeforeWaits, got %v", err)
	}
	if _, gerr := h.engine.CreateExecution(context.Background(), def.ID, "job", nil); gerr == nil {
		t.Fatalf("rejected workflow must not be usable")
	}
}
