package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestResultMergeAndBlocking(t *testing.T) {
	var result Result
	result.Merge(Result{Violations: []Violation{{Rule: "warn", Severity: SeverityWarn}}})
	if result.HasBlocking() {
		t.Fatalf("expected no blocking violations")
	}
	result.Merge(Result{Violations: []Violation{{Rule: "block", Severity: SeverityBlock}}})
	if !result.HasBlocking() {
		t.Fatalf("expected blocking violation")
	}
	var err error = RuleViolationError{Result: result}
	var rve RuleViolationError
	if !errors.As(err, &rve) || len(rve.Result.Violations) != 2 {
		t.Fatalf("expected violations carried by the error, got %v", err)
	}
}

func TestResultMergeEmptyInput(t *testing.T) {
	original := Result{Violations: []Violation{{Rule: "existing", Severity: SeverityWarn}}}
	original.Merge(Result{Modified: []ObjectID{"a"}})
	if len(original.Violations) != 1 || original.Violations[0].Rule != "existing" || len(original.Modified) != 0 {
		t.Fatalf("merge must only append violations, got %+v", original)
	}
}

type staticRule struct{ name string }

func (r staticRule) Name() string { return r.name }

func (r staticRule) Evaluate(_ context.Context, view GraphView, changes []Change) (Result, error) {
	var res Result
	for _, c := range changes {
		if _, ok := view.Object(c.ObjectID); !ok {
			res.Violations = append(res.Violations, Violation{Rule: r.name, Severity: SeverityWarn, ObjectID: c.ObjectID})
		}
	}
	return res, nil
}

type errorRule struct{}

func (errorRule) Name() string { return "error" }

func (errorRule) Evaluate(context.Context, GraphView, []Change) (Result, error) {
	return Result{}, fmt.Errorf("boom")
}

type mapView map[ObjectID]TrackedObject

func (mapView) Position() string { return "p" }

func (v mapView) Object(id ObjectID) (TrackedObject, bool) {
	o, ok := v[id]
	return o, ok
}

func (v mapView) Objects() []TrackedObject {
	out := make([]TrackedObject, 0, len(v))
	for _, o := range v {
		out = append(out, o)
	}
	return out
}

func TestRulesEngineEvaluate(t *testing.T) {
	engine := NewRulesEngine()
	engine.Register(staticRule{"exists"})
	engine.Register(staticRule{"exists_again"})
	if names := engine.Rules(); len(names) != 2 || names[0] != "exists" {
		t.Fatalf("unexpected rule names %v", names)
	}
	view := mapView{"a": {ID: "a"}}
	res, err := engine.Evaluate(context.Background(), view, []Change{
		{Action: ActionUpdate, ObjectID: "a"},
		{Action: ActionDelete, ObjectID: "gone"},
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(res.Violations) != 2 || res.Violations[0].ObjectID != "gone" || res.Violations[1].Rule != "exists_again" {
		t.Fatalf("unexpected violations %+v", res.Violations)
	}
}

func TestRulesEngineEvaluateError(t *testing.T) {
	engine := NewRulesEngine()
	engine.Register(errorRule{})
	if _, err := engine.Evaluate(context.Background(), mapView{}, nil); err == nil {
		t.Fatalf("expected evaluation error")
	}
}
