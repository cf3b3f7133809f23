package core

import (
	"context"
	"fmt"

	"trackcore/pkg/domain"
)

// LinkSymmetryRule blocks batches leaving disagreeing or dangling pointers.
// An absent counterpart is accepted: it encodes a branch.
func LinkSymmetryRule() domain.Rule {
	return linkSymmetryRule{}
}

type linkSymmetryRule struct{}

func (linkSymmetryRule) Name() string { return "link_symmetry" }

func (r linkSymmetryRule) Evaluate(_ context.Context, view domain.GraphView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	for _, o := range changedObjects(view, changes) {
		if o.NextID != "" {
			n, ok := view.Object(o.NextID)
			switch {
			case !ok:
				res.Violations = append(res.Violations, r.violation(o.ID, fmt.Sprintf("object %s points at missing next %s", o.ID, o.NextID)))
			case n.PreviousID != "" && n.PreviousID != o.ID:
				res.Violations = append(res.Violations, r.violation(o.ID, fmt.Sprintf("next of %s is %s but its previous is %s", o.ID, n.ID, n.PreviousID)))
			}
		}
		if o.PreviousID != "" {
			p, ok := view.Object(o.PreviousID)
			switch {
			case !ok:
				res.Violations = append(res.Violations, r.violation(o.ID, fmt.Sprintf("object %s points at missing previous %s", o.ID, o.PreviousID)))
			case p.NextID != "" && p.NextID != o.ID:
				res.Violations = append(res.Violations, r.violation(o.ID, fmt.Sprintf("previous of %s is %s but its next is %s", o.ID, p.ID, p.NextID)))
			}
		}
	}
	return res, nil
}

func (r linkSymmetryRule) violation(id domain.ObjectID, msg string) domain.Violation {
	return domain.Violation{Rule: r.Name(), Severity: domain.SeverityBlock, Message: msg, ObjectID: id}
}
