package api

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

// PredicateOp is a comparison applied to the payload value at a path.
type PredicateOp string

const (
	OpExists    PredicateOp = "exists"
	OpNotExists PredicateOp = "not_exists"
	OpEquals    PredicateOp = "eq"
	OpNotEquals PredicateOp = "ne"
	OpGreater   PredicateOp = "gt"
	OpGreaterEq PredicateOp = "gte"
	OpLess      PredicateOp = "lt"
	OpLessEq    PredicateOp = "lte"
	OpTruthy    PredicateOp = "truthy"
)

// Predicate is a condition over the execution payload. Path uses gjson
// syntax ("result.pages", "error.kind"). Func, when set, takes precedence
// and is meant for definitions built in code.
type Predicate struct {
	Path  string
	Op    PredicateOp
	Value any

	Func func(payload map[string]any) bool `yaml:"-"`
}

// Validate checks that the predicate can be evaluated.
func (p Predicate) Validate() error {
	if p.Func != nil {
		return nil
	}
	if p.Path == "" {
		return errors.New("predicate path is required")
	}
	switch p.Op {
	case OpExists, OpNotExists, OpTruthy:
		return nil
	case OpEquals, OpNotEquals:
		return nil
	case OpGreater, OpGreaterEq, OpLess, OpLessEq:
		if _, ok := toFloat(p.Value); !ok {
			return fmt.Errorf("operator %q needs a numeric value, got %T", p.Op, p.Value)
		}
		return nil
	default:
		return fmt.Errorf("unknown predicate operator %q", p.Op)
	}
}

// Match evaluates the predicate against payload.
func (p Predicate) Match(payload map[string]any) (bool, error) {
	if p.Func != nil {
		return p.Func(payload), nil
	}
	doc, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("encode payload: %w", err)
	}
	return p.matchJSON(doc)
}

func (p Predicate) matchJSON(doc []byte) (bool, error) {
	res := gjson.GetBytes(doc, p.Path)

	switch p.Op {
	case OpExists:
		return res.Exists(), nil
	case OpNotExists:
		return !res.Exists(), nil
	case OpTruthy:
		return res.Exists() && res.Bool(), nil
	case OpEquals, OpNotEquals:
		eq := res.Exists() && valueEquals(res, p.Value)
		if p.Op == OpEquals {
			return eq, nil
		}
		return !eq, nil
	case OpGreater, OpGreaterEq, OpLess, OpLessEq:
		want, ok := toFloat(p.Value)
		if !ok {
			return false, fmt.Errorf("operator %q needs a numeric value, got %T", p.Op, p.Value)
		}
		if res.Type != gjson.Number {
			return false, nil
		}
		got := res.Float()
		switch p.Op {
		case OpGreater:
			return got > want, nil
		case OpGreaterEq:
			return got >= want, nil
		case OpLess:
			return got < want, nil
		default:
			return got <= want, nil
		}
	default:
		return false, fmt.Errorf("unknown predicate operator %q", p.Op)
	}
}

func valueEquals(res gjson.Result, want any) bool {
	switch w := want.(type) {
	case nil:
		return res.Type == gjson.Null
	case bool:
		return (res.Type == gjson.True || res.Type == gjson.False) && res.Bool() == w
	case string:
		return res.Type == gjson.String && res.Str == w
	}
	if f, ok := toFloat(want); ok {
		return res.Type == gjson.Number && res.Float() == f
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
