package core

import "trackcore/pkg/domain"

// NewRulesEngine constructs an empty engine.
func NewRulesEngine() *domain.RulesEngine {
	return domain.NewRulesEngine()
}

// NewDefaultRulesEngine builds an engine with the built-in link graph rules.
func NewDefaultRulesEngine() *domain.RulesEngine {
	engine := domain.NewRulesEngine()
	engine.Register(LinkSymmetryRule())
	engine.Register(FrameOrderRule())
	engine.Register(ClassConsistencyRule())
	engine.Register(TrackHeadClosureRule())
	return engine
}

// changedObjects resolves the created and updated objects of a batch.
func changedObjects(view domain.GraphView, changes []domain.Change) []domain.TrackedObject {
	out := make([]domain.TrackedObject, 0, len(changes))
	for _, c := range changes {
		if c.Action == domain.ActionDelete {
			continue
		}
		if o, ok := view.Object(c.ObjectID); ok {
			out = append(out, o)
		}
	}
	return out
}
