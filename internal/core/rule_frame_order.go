package core

import (
	"context"
	"fmt"

	"trackcore/pkg/domain"
)

// FrameOrderRule blocks same-frame and backward links.
func FrameOrderRule() domain.Rule {
	return frameOrderRule{}
}

type frameOrderRule struct{}

func (frameOrderRule) Name() string { return "frame_order" }

func (r frameOrderRule) Evaluate(_ context.Context, view domain.GraphView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	for _, o := range changedObjects(view, changes) {
		if n, ok := view.Object(o.NextID); ok && n.Frame <= o.Frame {
			res.Violations = append(res.Violations, domain.Violation{
				Rule:     r.Name(),
				Severity: domain.SeverityBlock,
				Message:  fmt.Sprintf("next of %s (frame %d) is at frame %d", o.ID, o.Frame, n.Frame),
				ObjectID: o.ID,
			})
		}
		if p, ok := view.Object(o.PreviousID); ok && p.Frame >= o.Frame {
			res.Violations = append(res.Violations, domain.Violation{
				Rule:     r.Name(),
				Severity: domain.SeverityBlock,
				Message:  fmt.Sprintf("previous of %s (frame %d) is at frame %d", o.ID, o.Frame, p.Frame),
				ObjectID: o.ID,
			})
		}
	}
	return res, nil
}
