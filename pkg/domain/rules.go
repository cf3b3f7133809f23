package domain

import "context"

// GraphView provides read-only access to the arena of one position for rule
// evaluation.
type GraphView interface {
	Position() string
	Object(id ObjectID) (TrackedObject, bool)
	Objects() []TrackedObject
}

// Action labels a change recorded by an edit batch.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Change records one object touched by a batch.
type Change struct {
	Action   Action
	ObjectID ObjectID
}

// Rule defines an evaluation executed at the end of an edit batch.
type Rule interface {
	Name() string
	Evaluate(ctx context.Context, view GraphView, changes []Change) (Result, error)
}

// RulesEngine orchestrates rule evaluation.
type RulesEngine struct {
	rules []Rule
}

// NewRulesEngine constructs an engine instance.
func NewRulesEngine() *RulesEngine {
	return &RulesEngine{}
}

// Register appends a rule to the engine.
func (e *RulesEngine) Register(rule Rule) {
	e.rules = append(e.rules, rule)
}

// Rules returns the registered rule names in registration order.
func (e *RulesEngine) Rules() []string {
	out := make([]string, len(e.rules))
	for i, r := range e.rules {
		out[i] = r.Name()
	}
	return out
}

// Evaluate executes all registered rules and aggregates their results.
func (e *RulesEngine) Evaluate(ctx context.Context, view GraphView, changes []Change) (Result, error) {
	var combined Result
	for _, rule := range e.rules {
		res, err := rule.Evaluate(ctx, view, changes)
		if err != nil {
			return Result{}, err
		}
		combined.Merge(res)
	}
	return combined, nil
}
