package core

import (
	"context"
	"fmt"

	"trackcore/pkg/domain"
)

// CheckPosition evaluates every rule against every object of position without
// editing anything. Pending edits of the session are included.
func (s *Service) CheckPosition(ctx context.Context, position string) (domain.Result, error) {
	if position == "" {
		return domain.Result{}, domain.Preconditionf("check_position", "position is required")
	}
	sess := s.session(position)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if err := s.load(ctx, position, sess); err != nil {
		return domain.Result{}, err
	}
	objects := sess.graph.Objects()
	changes := make([]domain.Change, len(objects))
	for i, o := range objects {
		changes[i] = domain.Change{Action: domain.ActionUpdate, ObjectID: o.ID}
	}
	res, err := s.engine.Evaluate(ctx, sess.graph, changes)
	if err != nil {
		return domain.Result{}, fmt.Errorf("evaluate rules: %w", err)
	}
	return res, nil
}
