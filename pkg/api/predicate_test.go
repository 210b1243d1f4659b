package api

import "testing"

func TestPredicate_Match(t *testing.T) {
	payload := map[string]any{
		"result": map[string]any{"pages": 12, "format": "pdf", "draft": false},
		"error":  map[string]any{"kind": "Timeout"},
		"tags":   []any{"a", "b"},
	}

	tests := []struct {
		name string
		p    Predicate
		want bool
	}{
		{"exists", Predicate{Path: "result.pages", Op: OpExists}, true},
		{"not exists", Predicate{Path: "result.missing", Op: OpNotExists}, true},
		{"string eq", Predicate{Path: "error.kind", Op: OpEquals, Value: "Timeout"}, true},
		{"string ne", Predicate{Path: "result.format", Op: OpNotEquals, Value: "docx"}, true},
		{"number eq int", Predicate{Path: "result.pages", Op: OpEquals, Value: 12}, true},
		{"bool eq", Predicate{Path: "result.draft", Op: OpEquals, Value: false}, true},
		{"gt", Predicate{Path: "result.pages", Op: OpGreater, Value: 10}, true},
		{"gte boundary", Predicate{Path: "result.pages", Op: OpGreaterEq, Value: 12.0}, true},
		{"lt", Predicate{Path: "result.pages", Op: OpLess, Value: 12}, false},
		{"lte", Predicate{Path: "result.pages", Op: OpLessEq, Value: 12}, true},
		{"gt on string", Predicate{Path: "result.format", Op: OpGreater, Value: 1}, false},
		{"truthy false", Predicate{Path: "result.draft", Op: OpTruthy}, false},
		{"array length", Predicate{Path: "tags.#", Op: OpEquals, Value: 2}, true},
		{"eq missing", Predicate{Path: "nope", Op: OpEquals, Value: "x"}, false},
		{"func wins", Predicate{Func: func(p map[string]any) bool { return p["tags"] != nil }}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.p.Match(payload)
			if err != nil {
				t.Fatalf("Match: %v", err)
			}
			if got != tt.want {
				t.Fatalf("Match=%v, want %v", got, tt.want)
			}
		})
	}
}

func TestPredicate_Validate(t *testing.T) {
	if err := (Predicate{Op: OpExists}).Validate(); err == nil {
		t.Fatalf("expected error for missing path")
	}
	if err := (Predicate{Path: "x", Op: "matches"}).Validate(); err == nil {
		t.Fatalf("expected error for unknown operator")
	}
	if err := (Predicate{Path: "x", Op: OpLess, Value: "1"}).Validate(); err == nil {
		t.Fatalf("expected error for non-numeric comparison")
	}
	if err := (Predicate{Path: "x", Op: OpLess, Value: 1}).Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
