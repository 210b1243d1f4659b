package stepflow

import (
	"fmt"
	"time"

	"github.com/petrijr/stepflow/pkg/api"
)

// FlowBuilder provides a fluent API for defining workflows:
//
//	flow := stepflow.New("docgen").
//	    Deadline(25*time.Hour).
//	    Task("Generate", "generate-doc", time.Minute, "Notify",
//	        stepflow.WithRetry(stepflow.Retry(3).WithConstantBackoff(10*time.Second)),
//	        stepflow.Catch(stepflow.FailureWorkerError, "Failed")).
//	    Task("Notify", "notify-user", 30*time.Second, "Done").
//	    Succeed("Done").
//	    Fail("Failed")
//
//	if err := flow.Register(engine); err != nil {
//	    log.Fatal(err)
//	}
//
// The first state added is the entry state unless Entry is called.
type FlowBuilder struct {
	def api.WorkflowDefinition
}

// New creates a new workflow builder with the given id.
func New(id string) *FlowBuilder {
	return &FlowBuilder{
		def: api.WorkflowDefinition{
			ID:     id,
			States: make(map[string]api.StateSpec),
		},
	}
}

// ID returns the workflow id.
func (b *FlowBuilder) ID() string {
	return b.def.ID
}

// Definition returns a copy of the underlying WorkflowDefinition.
func (b *FlowBuilder) Definition() WorkflowDefinition {
	def := b.def
	def.States = make(map[string]api.StateSpec, len(b.def.States))
	for name, s := range b.def.States {
		def.States[name] = s
	}
	return def
}

// Entry sets the entry state.
func (b *FlowBuilder) Entry(name string) *FlowBuilder {
	b.def.EntryState = name
	return b
}

// Deadline sets the execution deadline.
func (b *FlowBuilder) Deadline(d time.Duration) *FlowBuilder {
	b.def.ExecutionDeadline = d
	return b
}

// Retention sets how long terminal records are kept.
func (b *FlowBuilder) Retention(d time.Duration) *FlowBuilder {
	b.def.Retention = d
	return b
}

// TaskOption customizes a Task state.
type TaskOption func(*api.StateSpec)

// WithRetry attaches a retry policy.
func WithRetry(r RetryBuilder) TaskOption {
	return func(s *api.StateSpec) {
		p := r.Policy()
		s.Retry = &p
	}
}

// Catch routes failures of kind to next once retries are exhausted.
func Catch(kind FailureKind, next string) TaskOption {
	return func(s *api.StateSpec) {
		if s.Catch == nil {
			s.Catch = make(map[api.FailureKind]string)
		}
		s.Catch[kind] = next
	}
}

// CatchAny routes every uncaught task failure to next.
func CatchAny(next string) TaskOption {
	return Catch(api.CatchAll, next)
}

// ResultPath nests the task result under key instead of merging it.
func ResultPath(key string) TaskOption {
	return func(s *api.StateSpec) { s.ResultPath = key }
}

// Task adds a state that invokes worker and then moves to next.
func (b *FlowBuilder) Task(name, worker string, timeout time.Duration, next string, opts ...TaskOption) *FlowBuilder {
	if worker == "" {
		panic(fmt.Sprintf("stepflow: task %q has no worker", name))
	}
	spec := api.StateSpec{Kind: api.KindTask, Worker: worker, Timeout: timeout, Next: next}
	for _, opt := range opts {
		opt(&spec)
	}
	return b.add(name, spec)
}

// Wait adds a state that suspends the execution for d.
func (b *FlowBuilder) Wait(name string, d time.Duration, next string) *FlowBuilder {
	return b.add(name, api.StateSpec{Kind: api.KindWait, Duration: d, Next: next})
}

// When builds one branch of a Choice state.
func When(p Predicate, next string) ChoiceRule {
	return ChoiceRule{Predicate: p, Next: next}
}

// Choice adds a branching state. Rules are tried in order; defaultNext
// may be empty.
func (b *FlowBuilder) Choice(name, defaultNext string, rules ...ChoiceRule) *FlowBuilder {
	return b.add(name, api.StateSpec{Kind: api.KindChoice, Choices: rules, Default: defaultNext})
}

// Succeed adds a terminal state ending the execution as Succeeded.
func (b *FlowBuilder) Succeed(name string) *FlowBuilder {
	return b.add(name, api.StateSpec{Kind: api.KindTerminal, Outcome: api.StatusSucceeded})
}

// Fail adds a terminal state ending the execution as Failed.
func (b *FlowBuilder) Fail(name string) *FlowBuilder {
	return b.add(name, api.StateSpec{Kind: api.KindTerminal, Outcome: api.StatusFailed})
}

func (b *FlowBuilder) add(name string, spec api.StateSpec) *FlowBuilder {
	if name == "" {
		panic("stepflow: state name must not be empty")
	}
	if _, dup := b.def.States[name]; dup {
		panic(fmt.Sprintf("stepflow: state %q defined twice", name))
	}
	if b.def.EntryState == "" {
		b.def.EntryState = name
	}
	b.def.States[name] = spec
	return b
}

// Register registers the built workflow with the given engine.
func (b *FlowBuilder) Register(eng Engine) error {
	return eng.RegisterWorkflow(b.Definition())
}

// MustRegister is like Register but panics on error.
// Useful for initialization in main().
func (b *FlowBuilder) MustRegister(eng Engine) {
	if err := b.Register(eng); err != nil {
		panic(err)
	}
}
