package core

import (
	"context"
	"fmt"

	"trackcore/pkg/domain"
)

// TrackHeadClosureRule warns when a head is not its own head or when a
// symmetric link joins objects of different tracks.
func TrackHeadClosureRule() domain.Rule {
	return trackHeadClosureRule{}
}

type trackHeadClosureRule struct{}

func (trackHeadClosureRule) Name() string { return "track_head_closure" }

func (r trackHeadClosureRule) Evaluate(_ context.Context, view domain.GraphView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	for _, o := range changedObjects(view, changes) {
		head, ok := view.Object(o.TrackHeadID)
		if !ok {
			res.Violations = append(res.Violations, r.violation(o.ID, fmt.Sprintf("object %s has missing track head %q", o.ID, o.TrackHeadID)))
			continue
		}
		if !head.IsTrackHead() {
			res.Violations = append(res.Violations, r.violation(o.ID, fmt.Sprintf("track head %s of %s is not a head", head.ID, o.ID)))
		}
		if p, ok := view.Object(o.PreviousID); ok && p.NextID == o.ID && p.TrackHeadID != o.TrackHeadID {
			res.Violations = append(res.Violations, r.violation(o.ID, fmt.Sprintf("object %s and its previous %s belong to different tracks", o.ID, p.ID)))
		}
	}
	return res, nil
}

func (r trackHeadClosureRule) violation(id domain.ObjectID, msg string) domain.Violation {
	return domain.Violation{Rule: r.Name(), Severity: domain.SeverityWarn, Message: msg, ObjectID: id}
}
