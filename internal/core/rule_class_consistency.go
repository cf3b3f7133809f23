package core

import (
	"context"
	"fmt"

	"trackcore/pkg/domain"
)

// ClassConsistencyRule blocks links between objects of different classes.
func ClassConsistencyRule() domain.Rule {
	return classConsistencyRule{}
}

type classConsistencyRule struct{}

func (classConsistencyRule) Name() string { return "class_consistency" }

func (r classConsistencyRule) Evaluate(_ context.Context, view domain.GraphView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	for _, o := range changedObjects(view, changes) {
		for _, id := range []domain.ObjectID{o.PreviousID, o.NextID} {
			other, ok := view.Object(id)
			if !ok || other.ClassIndex == o.ClassIndex {
				continue
			}
			res.Violations = append(res.Violations, domain.Violation{
				Rule:     r.Name(),
				Severity: domain.SeverityBlock,
				Message:  fmt.Sprintf("object %s (class %d) is linked to %s (class %d)", o.ID, o.ClassIndex, other.ID, other.ClassIndex),
				ObjectID: o.ID,
			})
		}
	}
	return res, nil
}
