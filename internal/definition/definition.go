// Package definition reads workflow definitions from YAML documents.
//
//	id: docgen
//	entry: Generate
//	deadline: 25h
//	retention: 30d
//	states:
//	  Generate:
//	    type: Task
//	    worker: https://workers.internal/generate
//	    timeout: 5m
//	    retry: {max_attempts: 3, backoff: 10s}
//	    catch: {WorkerError: NotifyFailure}
//	    next: Notify
//	  Notify: ...
package definition

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/petrijr/stepflow/pkg/api"
)

type document struct {
	ID        string           `yaml:"id"`
	Entry     string           `yaml:"entry"`
	Deadline  string           `yaml:"deadline"`
	Retention string           `yaml:"retention"`
	States    map[string]state `yaml:"states"`
}

type state struct {
	Type string `yaml:"type"`

	Worker     string            `yaml:"worker"`
	Timeout    string            `yaml:"timeout"`
	Retry      *retry            `yaml:"retry"`
	Catch      map[string]string `yaml:"catch"`
	ResultPath string            `yaml:"result_path"`

	Duration string `yaml:"duration"`
	Next     string `yaml:"next"`

	Choices []choice `yaml:"choices"`
	Default string   `yaml:"default"`

	Outcome string `yaml:"outcome"`
}

type retry struct {
	MaxAttempts   int      `yaml:"max_attempts"`
	Backoff       string   `yaml:"backoff"`
	MaxBackoff    string   `yaml:"max_backoff"`
	Strategy      string   `yaml:"strategy"`
	JitterPercent uint64   `yaml:"jitter_percent"`
	RetryOn       []string `yaml:"retry_on"`
}

type choice struct {
	Path  string `yaml:"path"`
	Op    string `yaml:"op"`
	Value any    `yaml:"value"`
	Next  string `yaml:"next"`
}

// Parse decodes and validates one definition.
func Parse(data []byte) (api.WorkflowDefinition, error) {
	var doc document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return api.WorkflowDefinition{}, fmt.Errorf("decode workflow definition: %w", err)
	}

	def, err := doc.build()
	if err != nil {
		return api.WorkflowDefinition{}, err
	}
	if err := def.Validate(); err != nil {
		return api.WorkflowDefinition{}, err
	}
	return def, nil
}

// LoadFile parses the definition stored at path.
func LoadFile(path string) (api.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return api.WorkflowDefinition{}, fmt.Errorf("read %s: %w", path, err)
	}
	def, err := Parse(data)
	if err != nil {
		return api.WorkflowDefinition{}, fmt.Errorf("%s: %w", path, err)
	}
	return def, nil
}

// LoadDir parses every *.yaml and *.yml file in dir, sorted by file name.
func LoadDir(dir string) ([]api.WorkflowDefinition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read workflow dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch filepath.Ext(e.Name()) {
		case ".yaml", ".yml":
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	defs := make([]api.WorkflowDefinition, 0, len(names))
	var errs []error
	for _, name := range names {
		def, err := LoadFile(filepath.Join(dir, name))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		defs = append(defs, def)
	}
	return defs, errors.Join(errs...)
}

func (d document) build() (api.WorkflowDefinition, error) {
	def := api.WorkflowDefinition{
		ID:         d.ID,
		EntryState: d.Entry,
		States:     make(map[string]api.StateSpec, len(d.States)),
	}

	var err error
	if def.ExecutionDeadline, err = ParseDuration(d.Deadline); err != nil {
		return def, fmt.Errorf("deadline: %w", err)
	}
	if def.Retention, err = ParseDuration(d.Retention); err != nil {
		return def, fmt.Errorf("retention: %w", err)
	}

	for name, s := range d.States {
		spec, err := s.build()
		if err != nil {
			return def, fmt.Errorf("state %q: %w", name, err)
		}
		def.States[name] = spec
	}
	return def, nil
}

func (s state) build() (api.StateSpec, error) {
	spec := api.StateSpec{
		Kind:       api.StateKind(normalizeKind(s.Type)),
		Worker:     s.Worker,
		ResultPath: s.ResultPath,
		Next:       s.Next,
		Default:    s.Default,
	}

	var err error
	if spec.Timeout, err = ParseDuration(s.Timeout); err != nil {
		return spec, fmt.Errorf("timeout: %w", err)
	}
	if spec.Duration, err = ParseDuration(s.Duration); err != nil {
		return spec, fmt.Errorf("duration: %w", err)
	}

	if len(s.Catch) > 0 {
		spec.Catch = make(map[api.FailureKind]string, len(s.Catch))
		for kind, next := range s.Catch {
			spec.Catch[api.FailureKind(kind)] = next
		}
	}

	if s.Retry != nil {
		if spec.Retry, err = s.Retry.build(); err != nil {
			return spec, fmt.Errorf("retry: %w", err)
		}
	}

	for _, c := range s.Choices {
		spec.Choices = append(spec.Choices, api.ChoiceRule{
			Predicate: api.Predicate{Path: c.Path, Op: api.PredicateOp(c.Op), Value: c.Value},
			Next:      c.Next,
		})
	}

	switch strings.ToLower(s.Outcome) {
	case "":
	case "succeeded", "success":
		spec.Outcome = api.StatusSucceeded
	case "failed", "failure":
		spec.Outcome = api.StatusFailed
	default:
		return spec, fmt.Errorf("unknown outcome %q", s.Outcome)
	}
	return spec, nil
}

func (r retry) build() (*api.RetryPolicy, error) {
	p := &api.RetryPolicy{
		MaxAttempts:   r.MaxAttempts,
		Strategy:      api.BackoffStrategy(strings.ToLower(r.Strategy)),
		JitterPercent: r.JitterPercent,
	}
	var err error
	if p.Backoff, err = ParseDuration(r.Backoff); err != nil {
		return nil, fmt.Errorf("backoff: %w", err)
	}
	if p.MaxBackoff, err = ParseDuration(r.MaxBackoff); err != nil {
		return nil, fmt.Errorf("max_backoff: %w", err)
	}
	switch p.Strategy {
	case "", api.BackoffConstant, api.BackoffExponential, api.BackoffFibonacci:
	default:
		return nil, fmt.Errorf("unknown strategy %q", r.Strategy)
	}
	for _, k := range r.RetryOn {
		p.RetryOn = append(p.RetryOn, api.FailureKind(k))
	}
	return p, nil
}

func normalizeKind(s string) string {
	switch strings.ToLower(s) {
	case "task":
		return string(api.KindTask)
	case "wait":
		return string(api.KindWait)
	case "choice":
		return string(api.KindChoice)
	case "terminal":
		return string(api.KindTerminal)
	default:
		return s
	}
}

// ParseDuration accepts time.ParseDuration syntax plus a whole-day form
// such as "30d". An empty string is zero.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}
