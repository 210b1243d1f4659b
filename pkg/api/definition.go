package api

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// StateKind tags the variant held by a StateSpec.
type StateKind string

const (
	KindTask     StateKind = "Task"
	KindWait     StateKind = "Wait"
	KindChoice   StateKind = "Choice"
	KindTerminal StateKind = "Terminal"
)

// CatchAll is the catch key matching any task failure kind that has no
// dedicated catch-transition.
const CatchAll FailureKind = "*"

// BackoffStrategy selects how the delay between task retries grows.
type BackoffStrategy string

const (
	BackoffConstant    BackoffStrategy = "constant"
	BackoffExponential BackoffStrategy = "exponential"
	BackoffFibonacci   BackoffStrategy = "fibonacci"
)

// RetryPolicy controls how a Task state is re-invoked when its worker fails
// with a retryable kind. MaxAttempts includes the first attempt:
//
//	MaxAttempts = 1 => no retries (just the initial call)
//	MaxAttempts = 3 => initial call + up to 2 retries
//
// Backoff is the delay before the first retry. It is not applied before
// the first attempt. If zero, retries happen on the same evaluation pass.
type RetryPolicy struct {
	MaxAttempts   int
	Backoff       time.Duration
	MaxBackoff    time.Duration
	Strategy      BackoffStrategy
	JitterPercent uint64

	// RetryOn limits retries to the listed kinds. Empty means every
	// retryable kind.
	RetryOn []FailureKind
}

// Retries reports whether a failure of the given kind should be retried
// under this policy (ignoring the attempt budget).
func (p *RetryPolicy) Retries(kind FailureKind) bool {
	if p == nil || !kind.Retryable() {
		return false
	}
	if len(p.RetryOn) == 0 {
		return true
	}
	for _, k := range p.RetryOn {
		if k == kind {
			return true
		}
	}
	return false
}

// ChoiceRule is one branch of a Choice state.
type ChoiceRule struct {
	Predicate Predicate
	Next      string
}

// StateSpec describes one state of a workflow. Kind decides which of the
// remaining fields are meaningful.
type StateSpec struct {
	Kind StateKind

	// Task
	Worker     string
	Timeout    time.Duration
	Catch      map[FailureKind]string
	Retry      *RetryPolicy
	ResultPath string

	// Wait
	Duration time.Duration

	// Task and Wait
	Next string

	// Choice
	Choices []ChoiceRule
	Default string

	// Terminal
	Outcome Status
}

// Transitions returns every state name this state may move to.
func (s StateSpec) Transitions() []string {
	var out []string
	switch s.Kind {
	case KindTask:
		out = append(out, s.Next)
		kinds := make([]string, 0, len(s.Catch))
		for k := range s.Catch {
			kinds = append(kinds, string(k))
		}
		sort.Strings(kinds)
		for _, k := range kinds {
			out = append(out, s.Catch[FailureKind(k)])
		}
	case KindWait:
		out = append(out, s.Next)
	case KindChoice:
		for _, c := range s.Choices {
			out = append(out, c.Next)
		}
		if s.Default != "" {
			out = append(out, s.Default)
		}
	}
	return out
}

// CatchFor returns the catch-transition for kind, falling back to CatchAll.
func (s StateSpec) CatchFor(kind FailureKind) (string, bool) {
	if next, ok := s.Catch[kind]; ok {
		return next, true
	}
	next, ok := s.Catch[CatchAll]
	return next, ok
}

// WorkflowDefinition is the immutable graph of states governing one job type.
type WorkflowDefinition struct {
	ID         string
	EntryState string
	States     map[string]StateSpec

	// ExecutionDeadline bounds the wall-clock span from creation to a
	// terminal status, regardless of any Wait in progress.
	ExecutionDeadline time.Duration

	// Retention is how long a terminal record is kept before it becomes
	// eligible for purge. Zero keeps it until purged explicitly.
	Retention time.Duration
}

var (
	ErrInvalidDefinition = errors.New("invalid workflow definition")

	// ErrDeadlineBeforeWaits is returned when ExecutionDeadline is shorter
	// than the longest chain of Wait states, so a run could never get past
	// them.
	ErrDeadlineBeforeWaits = errors.New("execution deadline shorter than worst-case wait")
)

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidDefinition, fmt.Sprintf(format, args...))
}

// Validate checks the structural invariants of the definition.
func (d WorkflowDefinition) Validate() error {
	if d.ID == "" {
		return invalid("workflow id is required")
	}
	if len(d.States) == 0 {
		return invalid("workflow %q has no states", d.ID)
	}
	if _, ok := d.States[d.EntryState]; !ok {
		return invalid("entry state %q not found in workflow %q", d.EntryState, d.ID)
	}
	if d.ExecutionDeadline <= 0 {
		return invalid("workflow %q needs a positive execution deadline", d.ID)
	}
	if d.Retention < 0 {
		return invalid("workflow %q has a negative retention window", d.ID)
	}

	names := make([]string, 0, len(d.States))
	for name := range d.States {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := d.validateState(name, d.States[name]); err != nil {
			return err
		}
	}
	return nil
}

func (d WorkflowDefinition) validateState(name string, s StateSpec) error {
	switch s.Kind {
	case KindTask:
		if s.Worker == "" {
			return invalid("task state %q has no worker", name)
		}
		if s.Timeout <= 0 {
			return invalid("task state %q needs a positive timeout", name)
		}
		if s.Next == "" {
			return invalid("task state %q has no success transition", name)
		}
		for kind := range s.Catch {
			if kind != CatchAll && !kind.Retryable() {
				return invalid("task state %q catches unknown failure kind %q", name, kind)
			}
		}
		if s.Retry != nil && s.Retry.MaxAttempts < 0 {
			return invalid("task state %q has negative max attempts", name)
		}
	case KindWait:
		if s.Duration <= 0 {
			return invalid("wait state %q needs a positive duration", name)
		}
		if s.Next == "" {
			return invalid("wait state %q has no next state", name)
		}
	case KindChoice:
		if len(s.Choices) == 0 {
			return invalid("choice state %q has no choices", name)
		}
		for i, c := range s.Choices {
			if c.Next == "" {
				return invalid("choice %d of state %q has no target", i, name)
			}
			if err := c.Predicate.Validate(); err != nil {
				return invalid("choice %d of state %q: %v", i, name, err)
			}
		}
	case KindTerminal:
		if s.Outcome != StatusSucceeded && s.Outcome != StatusFailed {
			return invalid("terminal state %q must end Succeeded or Failed, got %q", name, s.Outcome)
		}
	default:
		return invalid("state %q has unknown kind %q", name, s.Kind)
	}

	for _, next := range s.Transitions() {
		if _, ok := d.States[next]; !ok {
			return invalid("state %q transitions to unknown state %q", name, next)
		}
	}
	return nil
}

// WorstCaseWait returns the largest total Wait duration along any acyclic
// path starting at the entry state. Back edges of loops are ignored; the
// execution deadline is what bounds repeated waits.
func (d WorkflowDefinition) WorstCaseWait() time.Duration {
	onPath := make(map[string]bool)
	var walk func(name string) time.Duration
	walk = func(name string) time.Duration {
		s, ok := d.States[name]
		if !ok || onPath[name] {
			return 0
		}
		onPath[name] = true
		defer delete(onPath, name)

		var best time.Duration
		for _, next := range s.Transitions() {
			if w := walk(next); w > best {
				best = w
			}
		}
		if s.Kind == KindWait {
			best += s.Duration
		}
		return best
	}
	return walk(d.EntryState)
}

// CheckDeadline reports ErrDeadlineBeforeWaits when the execution deadline
// cannot cover the worst-case wait.
func (d WorkflowDefinition) CheckDeadline() error {
	if w := d.WorstCaseWait(); w > 0 && d.ExecutionDeadline < w {
		return fmt.Errorf("%w: workflow %q deadline %s, waits up to %s",
			ErrDeadlineBeforeWaits, d.ID, d.ExecutionDeadline, w)
	}
	return nil
}
