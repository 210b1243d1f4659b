package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/petrijr/stepflow/internal/persistence"
	"github.com/petrijr/stepflow/internal/telemetry"
	"github.com/petrijr/stepflow/pkg/api"
)

// errorKey is the payload key a caught task failure is recorded under.
const errorKey = "error"

const (
	defaultMaxConflictRetries = 5
	defaultMaxStepsPerPass    = 1000
)

// engineImpl advances executions through their WorkflowDefinition. It keeps
// no per-job state in memory; every pass starts from the stored record.
type engineImpl struct {
	registry *workflowRegistry

	records persistence.RecordStore
	history persistence.HistoryStore
	leases  persistence.Leaser

	invoker   api.Invoker
	notifier  api.Notifier
	scheduler api.Scheduler
	observer  api.Observer
	logger    *slog.Logger
	tracer    trace.Tracer

	now   func() time.Time
	owner string

	leaseTTL                 time.Duration
	staleAfter               time.Duration
	maxConflicts             int
	maxSteps                 int
	allowDeadlineBeforeWaits bool
}

// Config describes how to construct an engine. Only Persistence.Records is
// required; every other collaborator has a usable default.
type Config struct {
	Persistence persistence.Persistence
	Invoker     api.Invoker
	Notifier    api.Notifier
	Scheduler   api.Scheduler
	Observer    api.Observer
	Logger      *slog.Logger
	Tracer      trace.Tracer

	// Clock defaults to time.Now.
	Clock func() time.Time

	// Owner identifies this engine when taking leases. Defaults to a UUID.
	// Each evaluation holds the lease under its own id derived from Owner.
	Owner string

	// LeaseTTL enables per-job leases when Persistence.Leases is set. The
	// lease is renewed every third of the TTL while a Task runs.
	LeaseTTL time.Duration

	// StaleAfter makes DueExecutions report Running records that have not
	// been written for this long. Zero disables the rule.
	StaleAfter time.Duration

	MaxConflictRetries int
	MaxStepsPerPass    int

	// AllowDeadlineBeforeWaits skips the registration check that the
	// execution deadline covers the worst-case wait.
	AllowDeadlineBeforeWaits bool
}

// Ensure engineImpl implements api.Engine.
var _ api.Engine = (*engineImpl)(nil)

// NewEngineWithConfig creates a new Engine using the given configuration.
func NewEngineWithConfig(cfg Config) api.Engine {
	return newEngine(cfg)
}

// NewEngine returns an Engine over the given stores and invoker.
func NewEngine(p persistence.Persistence, inv api.Invoker) api.Engine {
	return newEngine(Config{Persistence: p, Invoker: inv})
}

// NewInMemoryEngine returns an Engine whose records live in process memory.
func NewInMemoryEngine(inv api.Invoker) api.Engine {
	return NewEngine(persistence.NewInMemoryPersistence(), inv)
}

func newEngine(cfg Config) *engineImpl {
	e := &engineImpl{
		registry:                 newWorkflowRegistry(),
		records:                  cfg.Persistence.Records,
		history:                  cfg.Persistence.History,
		leases:                   cfg.Persistence.Leases,
		invoker:                  cfg.Invoker,
		notifier:                 cfg.Notifier,
		scheduler:                cfg.Scheduler,
		observer:                 cfg.Observer,
		logger:                   cfg.Logger,
		tracer:                   cfg.Tracer,
		now:                      cfg.Clock,
		owner:                    cfg.Owner,
		leaseTTL:                 cfg.LeaseTTL,
		staleAfter:               cfg.StaleAfter,
		maxConflicts:             cfg.MaxConflictRetries,
		maxSteps:                 cfg.MaxStepsPerPass,
		allowDeadlineBeforeWaits: cfg.AllowDeadlineBeforeWaits,
	}
	if e.history == nil {
		e.history = persistence.NoopHistoryStore{}
	}
	if e.invoker == nil {
		e.invoker = api.InvokerFunc(func(context.Context, api.TaskRequest, time.Duration) api.InvocationOutcome {
			return api.Failed(api.FailureWorkerUnavailable, "no invoker configured")
		})
	}
	if e.observer == nil {
		e.observer = api.NoopObserver{}
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer("github.com/petrijr/stepflow/internal/engine")
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.owner == "" {
		e.owner = uuid.NewString()
	}
	if e.maxConflicts <= 0 {
		e.maxConflicts = defaultMaxConflictRetries
	}
	if e.maxSteps <= 0 {
		e.maxSteps = defaultMaxStepsPerPass
	}
	return e
}

func (e *engineImpl) RegisterWorkflow(def api.WorkflowDefinition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	if !e.allowDeadlineBeforeWaits {
		if err := def.CheckDeadline(); err != nil {
			return err
		}
	}
	return e.registry.Register(def)
}

func (e *engineImpl) CreateExecution(ctx context.Context, workflowID, jobID string, payload map[string]any) (*api.ExecutionRecord, error) {
	def, err := e.registry.Get(workflowID)
	if err != nil {
		return nil, err
	}
	if jobID == "" {
		jobID = uuid.NewString()
	}

	now := e.now()
	rec := &api.ExecutionRecord{
		JobID:        jobID,
		WorkflowID:   def.ID,
		CurrentState: def.EntryState,
		Payload:      api.ClonePayload(payload),
		Status:       api.StatusRunning,
		CreatedAt:    now,
		UpdatedAt:    now,
		DeadlineAt:   now.Add(def.ExecutionDeadline),
	}
	if rec.Payload == nil {
		rec.Payload = make(map[string]any)
	}

	if err := e.records.Create(ctx, rec); err != nil {
		if !errors.Is(err, persistence.ErrAlreadyExists) {
			return nil, err
		}
		existing, gerr := e.records.Get(ctx, jobID)
		if gerr != nil {
			return nil, gerr
		}
		if existing.Status.IsTerminal() {
			return existing, fmt.Errorf("%w: %s", api.ErrExecutionFinished, jobID)
		}
		return existing, nil
	}

	e.appendHistory(ctx, api.TransitionEvent{
		JobID:      rec.JobID,
		WorkflowID: rec.WorkflowID,
		Version:    rec.Version,
		At:         now,
		To:         rec.CurrentState,
		Status:     rec.Status,
		Detail:     "created",
	})
	e.observer.OnExecutionCreated(ctx, rec)
	e.schedule(ctx, jobID, now)
	return rec.Clone(), nil
}

func (e *engineImpl) Evaluate(ctx context.Context, jobID string) (*api.ExecutionRecord, error) {
	ctx, span := e.tracer.Start(ctx, "stepflow.evaluate",
		trace.WithAttributes(telemetry.JobIDKey.String(jobID)))
	defer span.End()

	lease, err := e.acquire(ctx, jobID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	defer lease.release(ctx)

	rec, err := e.evaluate(ctx, jobID, lease)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.String("stepflow.status", string(rec.Status)),
		telemetry.StateKey.String(rec.CurrentState),
	)
	return rec.Clone(), nil
}

// evaluate runs steps until one stops. A version conflict drops the local
// copy and starts over from the stored record.
func (e *engineImpl) evaluate(ctx context.Context, jobID string, lease *jobLease) (*api.ExecutionRecord, error) {
	conflicts, steps := 0, 0
	for {
		rec, err := e.records.Get(ctx, jobID)
		if err != nil {
			return nil, err
		}
		def, err := e.registry.Get(rec.WorkflowID)
		if err != nil {
			return nil, err
		}

	pass:
		for {
			stop, err := e.step(ctx, def, rec, lease)
			switch {
			case errors.Is(err, api.ErrConcurrentModification):
				e.observer.OnConflict(ctx, jobID)
				conflicts++
				if conflicts > e.maxConflicts {
					e.schedule(ctx, jobID, e.now())
					return e.records.Get(ctx, jobID)
				}
				break pass
			case err != nil:
				return nil, err
			case stop:
				return rec, nil
			}

			steps++
			if steps >= e.maxSteps {
				e.logger.Warn("evaluation_step_limit",
					slog.String("job_id", jobID),
					slog.Int("steps", steps),
				)
				e.schedule(ctx, jobID, e.now())
				return rec, nil
			}
			if err := lease.renew(ctx); err != nil {
				return nil, err
			}
		}
	}
}

// step performs one evaluation of rec's current state. It reports whether
// the pass should stop (suspended, waiting for a retry, terminal, or not due).
func (e *engineImpl) step(ctx context.Context, def api.WorkflowDefinition, rec *api.ExecutionRecord, lease *jobLease) (bool, error) {
	if rec.Status.IsTerminal() {
		return true, nil
	}

	now := e.now()
	if deadlinePassed(rec, now) {
		return true, e.fail(ctx, def, rec, now, deadlineReason(rec))
	}

	spec, ok := def.States[rec.CurrentState]
	if !ok {
		return true, e.fail(ctx, def, rec, now, &api.Reason{
			Kind:   api.FailureDefinitionFault,
			State:  rec.CurrentState,
			Detail: fmt.Sprintf("state not found in workflow %q", def.ID),
		})
	}

	switch spec.Kind {
	case api.KindTask:
		return e.runTask(ctx, def, rec, spec, lease)
	case api.KindWait:
		return e.runWait(ctx, def, rec, spec, now)
	case api.KindChoice:
		return e.runChoice(ctx, def, rec, spec, now)
	case api.KindTerminal:
		from := rec.CurrentState
		e.enterTerminal(def, rec, spec, now)
		return true, e.commit(ctx, rec, from, "")
	default:
		return true, e.fail(ctx, def, rec, now, &api.Reason{
			Kind:   api.FailureDefinitionFault,
			State:  rec.CurrentState,
			Detail: fmt.Sprintf("unknown state kind %q", spec.Kind),
		})
	}
}

func (e *engineImpl) runTask(ctx context.Context, def api.WorkflowDefinition, rec *api.ExecutionRecord, spec api.StateSpec, lease *jobLease) (bool, error) {
	if !rec.RetryAt.IsZero() && e.now().Before(rec.RetryAt) {
		return true, nil
	}

	req := api.TaskRequest{
		Worker:  spec.Worker,
		JobID:   rec.JobID,
		State:   rec.CurrentState,
		Attempt: rec.Attempt,
		Version: rec.Version,
		Payload: api.ClonePayload(rec.Payload),
	}
	stopRenewing := lease.keepAlive(ctx)
	out, took := e.invoke(ctx, req, spec.Timeout)
	stopRenewing()
	e.observer.OnTaskInvoked(ctx, rec, out, took)

	now := e.now()
	if deadlinePassed(rec, now) {
		return true, e.fail(ctx, def, rec, now, deadlineReason(rec))
	}

	if out.OK() {
		mergeResult(rec, spec.ResultPath, out.Result)
		return e.transition(ctx, def, rec, spec.Next, now, "")
	}

	kind := out.Failure.Kind
	if spec.Retry.Retries(kind) && rec.Attempt+1 < spec.Retry.MaxAttempts {
		rec.Attempt++
		delay := retryDelay(spec.Retry, rec.Attempt)
		rec.RetryAt = time.Time{}
		if delay > 0 {
			rec.RetryAt = now.Add(delay)
		}
		rec.UpdatedAt = now

		detail := fmt.Sprintf("retry %d after %s", rec.Attempt, out.Failure.Error())
		if err := e.commit(ctx, rec, rec.CurrentState, detail); err != nil {
			return false, err
		}
		if delay > 0 {
			e.schedule(ctx, rec.JobID, earliest(rec.RetryAt, rec.DeadlineAt))
			return true, nil
		}
		return false, nil
	}

	if next, ok := spec.CatchFor(kind); ok {
		if rec.Payload == nil {
			rec.Payload = make(map[string]any)
		}
		rec.Payload[errorKey] = map[string]any{
			"kind":   string(kind),
			"state":  rec.CurrentState,
			"detail": out.Failure.Detail,
		}
		return e.transition(ctx, def, rec, next, now, string(kind))
	}

	return true, e.fail(ctx, def, rec, now, &api.Reason{
		Kind:   kind,
		State:  rec.CurrentState,
		Detail: out.Failure.Detail,
	})
}

func (e *engineImpl) invoke(ctx context.Context, req api.TaskRequest, timeout time.Duration) (api.InvocationOutcome, time.Duration) {
	ctx, span := e.tracer.Start(ctx, "stepflow.task", trace.WithAttributes(
		telemetry.WorkerKey.String(req.Worker),
		telemetry.StateKey.String(req.State),
		telemetry.AttemptKey.Int(req.Attempt),
	))
	defer span.End()

	start := time.Now()
	out := e.invoker.Invoke(ctx, req, timeout)
	if !out.OK() {
		span.SetStatus(codes.Error, out.Failure.Error())
		span.SetAttributes(attribute.String("stepflow.failure_kind", string(out.Failure.Kind)))
	}
	return out, time.Since(start)
}

func (e *engineImpl) runWait(ctx context.Context, def api.WorkflowDefinition, rec *api.ExecutionRecord, spec api.StateSpec, now time.Time) (bool, error) {
	if rec.Status == api.StatusSuspended {
		if now.Before(rec.ResumeAt) {
			return true, nil
		}
		return e.transition(ctx, def, rec, spec.Next, now, "resumed")
	}

	rec.Status = api.StatusSuspended
	rec.ResumeAt = now.Add(spec.Duration)
	rec.RetryAt = time.Time{}
	rec.UpdatedAt = now

	detail := "until " + rec.ResumeAt.UTC().Format(time.RFC3339)
	if err := e.commit(ctx, rec, rec.CurrentState, detail); err != nil {
		return false, err
	}
	e.schedule(ctx, rec.JobID, earliest(rec.ResumeAt, rec.DeadlineAt))
	return true, nil
}

func (e *engineImpl) runChoice(ctx context.Context, def api.WorkflowDefinition, rec *api.ExecutionRecord, spec api.StateSpec, now time.Time) (bool, error) {
	for i, c := range spec.Choices {
		ok, err := c.Predicate.Match(rec.Payload)
		if err != nil {
			return true, e.fail(ctx, def, rec, now, &api.Reason{
				Kind:   api.FailureDefinitionFault,
				State:  rec.CurrentState,
				Detail: fmt.Sprintf("choice %d: %v", i, err),
			})
		}
		if ok {
			return e.transition(ctx, def, rec, c.Next, now, "")
		}
	}
	if spec.Default != "" {
		return e.transition(ctx, def, rec, spec.Default, now, "default")
	}
	return true, e.fail(ctx, def, rec, now, &api.Reason{
		Kind:   api.FailureDefinitionFault,
		State:  rec.CurrentState,
		Detail: "no choice matched and no default",
	})
}

// transition moves rec to state to and persists it. Entering a Terminal
// state sets the final status in the same write.
func (e *engineImpl) transition(ctx context.Context, def api.WorkflowDefinition, rec *api.ExecutionRecord, to string, now time.Time, detail string) (bool, error) {
	from := rec.CurrentState
	rec.CurrentState = to
	rec.Attempt = 0
	rec.Status = api.StatusRunning
	rec.ResumeAt = time.Time{}
	rec.RetryAt = time.Time{}
	rec.UpdatedAt = now

	if target, ok := def.States[to]; ok && target.Kind == api.KindTerminal {
		e.enterTerminal(def, rec, target, now)
	}
	if err := e.commit(ctx, rec, from, detail); err != nil {
		return false, err
	}
	return rec.Status.IsTerminal(), nil
}

func (e *engineImpl) enterTerminal(def api.WorkflowDefinition, rec *api.ExecutionRecord, spec api.StateSpec, now time.Time) {
	var reason *api.Reason
	if spec.Outcome == api.StatusFailed {
		reason = failStateReason(rec)
	}
	terminate(def, rec, spec.Outcome, reason, now)
}

func (e *engineImpl) fail(ctx context.Context, def api.WorkflowDefinition, rec *api.ExecutionRecord, now time.Time, reason *api.Reason) error {
	from := rec.CurrentState
	terminate(def, rec, api.StatusFailed, reason, now)
	return e.commit(ctx, rec, from, reason.String())
}

// commit persists rec with a version check, then records history and fires
// hooks. On error rec must be discarded.
func (e *engineImpl) commit(ctx context.Context, rec *api.ExecutionRecord, from, detail string) error {
	if err := e.records.Put(ctx, rec); err != nil {
		return err
	}

	e.appendHistory(ctx, api.TransitionEvent{
		JobID:      rec.JobID,
		WorkflowID: rec.WorkflowID,
		Version:    rec.Version,
		At:         rec.UpdatedAt,
		From:       from,
		To:         rec.CurrentState,
		Status:     rec.Status,
		Detail:     detail,
	})
	e.observer.OnTransition(ctx, rec, from)

	if rec.Status.IsTerminal() {
		e.observer.OnExecutionFinished(ctx, rec)
		e.notify(ctx, rec)
	}
	return nil
}

func (e *engineImpl) notify(ctx context.Context, rec *api.ExecutionRecord) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.Notify(ctx, api.NewTerminalEvent(rec)); err != nil {
		e.logger.Warn("notification_failed",
			slog.String("job_id", rec.JobID),
			slog.String("status", string(rec.Status)),
			slog.String("error", err.Error()),
		)
	}
}

func (e *engineImpl) appendHistory(ctx context.Context, ev api.TransitionEvent) {
	if err := e.history.Append(ctx, ev); err != nil {
		e.logger.Warn("history_append_failed",
			slog.String("job_id", ev.JobID),
			slog.Int64("version", ev.Version),
			slog.String("error", err.Error()),
		)
	}
}

func (e *engineImpl) schedule(ctx context.Context, jobID string, at time.Time) {
	if e.scheduler == nil {
		return
	}
	if err := e.scheduler.ScheduleResume(ctx, jobID, at); err != nil {
		e.logger.Warn("schedule_failed",
			slog.String("job_id", jobID),
			slog.Time("at", at),
			slog.String("error", err.Error()),
		)
	}
}

// jobLease is the lease one evaluation holds on a job. A nil *jobLease
// means leases are disabled and all its methods are no-ops.
type jobLease struct {
	leases persistence.Leaser
	jobID  string
	owner  string
	ttl    time.Duration
	logger *slog.Logger
}

// acquire takes the job's lease under an owner id unique to this
// evaluation, so two evaluations in one process exclude each other.
func (e *engineImpl) acquire(ctx context.Context, jobID string) (*jobLease, error) {
	if e.leases == nil || e.leaseTTL <= 0 {
		return nil, nil
	}
	l := &jobLease{
		leases: e.leases,
		jobID:  jobID,
		owner:  e.owner + "/" + uuid.NewString(),
		ttl:    e.leaseTTL,
		logger: e.logger,
	}
	ok, err := e.leases.TryAcquireLease(ctx, jobID, l.owner, l.ttl)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", api.ErrLeaseHeld, jobID)
	}
	return l, nil
}

func (l *jobLease) release(ctx context.Context) {
	if l == nil {
		return
	}
	if err := l.leases.ReleaseLease(context.WithoutCancel(ctx), l.jobID, l.owner); err != nil {
		l.logger.Warn("lease_release_failed",
			slog.String("job_id", l.jobID),
			slog.String("error", err.Error()),
		)
	}
}

func (l *jobLease) renew(ctx context.Context) error {
	if l == nil {
		return nil
	}
	if err := l.leases.RenewLease(ctx, l.jobID, l.owner, l.ttl); err != nil {
		if errors.Is(err, persistence.ErrLeaseNotHeld) {
			return fmt.Errorf("%w: %s", api.ErrLeaseHeld, l.jobID)
		}
		return err
	}
	return nil
}

// keepAlive renews the lease in the background until the returned func is
// called. A lost lease is logged; the version check on the next commit
// decides whether the outcome is kept.
func (l *jobLease) keepAlive(ctx context.Context) (stop func()) {
	if l == nil {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(max(l.ttl/3, time.Millisecond))
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := l.renew(ctx); err != nil {
					if ctx.Err() == nil {
						l.logger.Warn("lease_renew_failed",
							slog.String("job_id", l.jobID),
							slog.String("error", err.Error()),
						)
					}
					return
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (e *engineImpl) Abort(ctx context.Context, jobID, reason string) (*api.ExecutionRecord, error) {
	for attempt := 0; ; attempt++ {
		rec, err := e.records.Get(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if rec.Status.IsTerminal() {
			return rec, nil
		}

		// An unregistered workflow only loses its retention window.
		def, _ := e.registry.Get(rec.WorkflowID)
		now := e.now()
		from := rec.CurrentState
		terminate(def, rec, api.StatusAborted, &api.Reason{
			Kind:   api.FailureAbortRequested,
			State:  from,
			Detail: reason,
		}, now)

		err = e.commit(ctx, rec, from, reason)
		if err == nil {
			return rec.Clone(), nil
		}
		if !errors.Is(err, api.ErrConcurrentModification) || attempt >= e.maxConflicts {
			return nil, err
		}
		e.observer.OnConflict(ctx, jobID)
	}
}

func (e *engineImpl) GetStatus(ctx context.Context, jobID string) (api.StatusView, error) {
	rec, err := e.records.Get(ctx, jobID)
	if err != nil {
		return api.StatusView{}, err
	}
	return rec.View(), nil
}

func (e *engineImpl) GetExecution(ctx context.Context, jobID string) (*api.ExecutionRecord, error) {
	return e.records.Get(ctx, jobID)
}

func (e *engineImpl) ListExecutions(ctx context.Context, filter api.ExecutionFilter) ([]*api.ExecutionRecord, error) {
	return e.records.List(ctx, filter)
}

func (e *engineImpl) History(ctx context.Context, jobID string) ([]api.TransitionEvent, error) {
	return e.history.List(ctx, jobID)
}

func (e *engineImpl) DueExecutions(ctx context.Context) ([]string, error) {
	now := e.now()
	var staleBefore time.Time
	if e.staleAfter > 0 {
		staleBefore = now.Add(-e.staleAfter)
	}
	return e.records.ListDue(ctx, now, staleBefore)
}

func (e *engineImpl) Purge(ctx context.Context, jobID string) error {
	rec, err := e.records.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if !rec.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", api.ErrExecutionActive, jobID, rec.Status)
	}
	if err := e.records.Delete(ctx, jobID); err != nil {
		return err
	}
	return e.history.Delete(ctx, jobID)
}

func (e *engineImpl) PurgeExpired(ctx context.Context) (int, error) {
	ids, err := e.records.PurgeExpired(ctx, e.now())
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		if err := e.history.Delete(ctx, id); err != nil {
			return len(ids), err
		}
	}
	return len(ids), nil
}

// terminate sets a terminal status on rec and starts its retention window.
func terminate(def api.WorkflowDefinition, rec *api.ExecutionRecord, status api.Status, reason *api.Reason, now time.Time) {
	rec.Status = status
	rec.Reason = reason
	rec.ResumeAt = time.Time{}
	rec.RetryAt = time.Time{}
	rec.UpdatedAt = now
	rec.ExpiresAt = time.Time{}
	if def.Retention > 0 {
		rec.ExpiresAt = now.Add(def.Retention)
	}
}

// failStateReason reports the caught failure recorded in the payload, if
// any, as the reason for reaching a Failed Terminal state.
func failStateReason(rec *api.ExecutionRecord) *api.Reason {
	if info, ok := rec.Payload[errorKey].(map[string]any); ok {
		kind, _ := info["kind"].(string)
		state, _ := info["state"].(string)
		detail, _ := info["detail"].(string)
		if kind != "" {
			return &api.Reason{Kind: api.FailureKind(kind), State: state, Detail: detail}
		}
	}
	return &api.Reason{Kind: api.FailureFailState, State: rec.CurrentState}
}

func deadlinePassed(rec *api.ExecutionRecord, now time.Time) bool {
	return !rec.DeadlineAt.IsZero() && !now.Before(rec.DeadlineAt)
}

func deadlineReason(rec *api.ExecutionRecord) *api.Reason {
	return &api.Reason{
		Kind:   api.FailureDeadlineExceeded,
		State:  rec.CurrentState,
		Detail: "deadline " + rec.DeadlineAt.UTC().Format(time.RFC3339) + " passed",
	}
}

func mergeResult(rec *api.ExecutionRecord, path string, result map[string]any) {
	if rec.Payload == nil {
		rec.Payload = make(map[string]any)
	}
	if path != "" {
		rec.Payload[path] = api.ClonePayload(result)
		return
	}
	for k, v := range api.ClonePayload(result) {
		rec.Payload[k] = v
	}
}

// earliest returns the earlier of a and b, ignoring a zero b.
func earliest(a, b time.Time) time.Time {
	if !b.IsZero() && b.Before(a) {
		return b
	}
	return a
}
