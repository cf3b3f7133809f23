package core

import (
	"context"
	"errors"
	"fmt"

	"trackcore/internal/lineage"
	"trackcore/internal/matcher"
	"trackcore/pkg/domain"
)

// SplitObjects cuts each object in two with the class splitter and rewires
// the transitions before and after it. Objects the splitter cannot cut are
// skipped. Without a splitter the call is a no-op.
func (s *Service) SplitObjects(ctx context.Context, refs []domain.ObjectRef) (domain.Result, error) {
	position, err := positionOf("split_objects", refs)
	if err != nil || position == "" {
		return domain.Result{}, err
	}
	return s.run(ctx, "split_objects", position, true, func(b *batch) error {
		objs, err := b.resolveClass(refs)
		if err != nil {
			return err
		}
		class := objs[0].ClassIndex
		splitter := s.plugins.Splitter(class)
		if splitter == nil {
			s.logger.Warn("no splitter configured", "class", class)
			return nil
		}
		allowSplit, allowMerge := s.policy.AllowSplit(class), s.policy.AllowMerge(class)
		for _, o := range objs {
			prevs, nexts := b.g.Predecessors(o), b.g.Successors(o)
			sibling, err := b.shapes.Split(ctx, b.g.Get(o.ParentID), o, splitter)
			if errors.Is(err, domain.ErrCannotSplit) {
				s.logger.Warn("object cannot be split", "object", o.ID, "error", err)
				continue
			}
			if err != nil {
				return err
			}
			pair := []*domain.TrackedObject{o, sibling}
			lineage.SortObjects(pair)
			if err := b.transition(prevs, pair, false, allowMerge, allowSplit); err != nil {
				return err
			}
			if err := b.transition(pair, nexts, false, allowMerge, allowSplit); err != nil {
				return err
			}
		}
		return nil
	})
}

// MergeObjects merges the selected objects per parent and frame and rewires
// the former predecessors and successors onto each merged object. Without a
// region merger the call is a no-op.
func (s *Service) MergeObjects(ctx context.Context, refs []domain.ObjectRef) (domain.Result, error) {
	position, err := positionOf("merge_objects", refs)
	if err != nil || position == "" {
		return domain.Result{}, err
	}
	return s.run(ctx, "merge_objects", position, true, func(b *batch) error {
		objs, err := b.resolveClass(refs)
		if err != nil {
			return err
		}
		class := objs[0].ClassIndex
		merger := s.plugins.Merger(class)
		if merger == nil {
			s.logger.Warn("no region merger configured", "class", class)
			return nil
		}
		allowSplit, allowMerge := s.policy.AllowSplit(class), s.policy.AllowMerge(class)
		for _, group := range groupByParentAndFrame(objs) {
			if len(group) < 2 {
				continue
			}
			members := newObjectSet()
			for _, o := range group {
				members.add(o)
			}
			prevs, nexts := newObjectSet(), newObjectSet()
			for _, o := range group {
				for _, p := range b.g.Predecessors(o) {
					if !members.has(p) {
						prevs.add(p)
					}
				}
				for _, n := range b.g.Successors(o) {
					if !members.has(n) {
						nexts.add(n)
					}
				}
			}
			merged, err := b.shapes.Merge(ctx, group, merger)
			if err != nil {
				return err
			}
			lineage.SortObjects(prevs.list)
			lineage.SortObjects(nexts.list)
			single := []*domain.TrackedObject{merged}
			if err := b.transition(prevs.list, single, false, allowMerge, allowSplit); err != nil {
				return err
			}
			if err := b.transition(single, nexts.list, false, allowMerge, allowSplit); err != nil {
				return err
			}
		}
		return nil
	})
}

func groupByParentAndFrame(objs []*domain.TrackedObject) [][]*domain.TrackedObject {
	type key struct {
		parent domain.ObjectID
		frame  int
	}
	var order []key
	groups := make(map[key][]*domain.TrackedObject)
	for _, o := range objs {
		k := key{parent: o.ParentID, frame: o.Frame}
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], o)
	}
	out := make([][]*domain.TrackedObject, 0, len(order))
	for _, k := range order {
		out = append(out, groups[k])
	}
	return out
}

// ManualSegment runs the class segmenter inside parent and inserts the
// detected objects. When a tracker is configured its proposals link the new
// objects to the previous frame as inferred links.
func (s *Service) ManualSegment(ctx context.Context, parentRef domain.ObjectRef, class int, seeds []domain.Point) (domain.Result, error) {
	if parentRef.Position == "" {
		return domain.Result{}, domain.Preconditionf("manual_segment", "position is required")
	}
	segmenter := s.plugins.Segmenter(class)
	if segmenter == nil {
		s.logger.Warn("no segmenter configured", "class", class)
		return domain.Result{}, nil
	}
	return s.run(ctx, "manual_segment", parentRef.Position, true, func(b *batch) error {
		parent := b.g.Get(parentRef.ID)
		if parent == nil {
			return domain.NotFoundError{Position: parentRef.Position, ID: parentRef.ID}
		}
		if want := s.policy.ParentClass(class); parent.ClassIndex != want {
			return domain.Preconditionf(b.op, "class %d lives in class %d, not %d", class, want, parent.ClassIndex)
		}
		regions, err := segmenter.Segment(ctx, *parent, class, seeds)
		if err != nil {
			return fmt.Errorf("segment class %d in %s: %w", class, parent.ID, err)
		}
		created := b.shapes.AddSegmented(parent, class, regions)
		if len(created) == 0 {
			return nil
		}
		tracker := s.plugins.Tracker(class)
		if tracker == nil {
			return nil
		}
		return b.trackFromPrevious(ctx, tracker, parent, class, created)
	})
}

// trackFromPrevious links created objects to the untracked objects of the
// previous frame of the parent track.
func (b *batch) trackFromPrevious(ctx context.Context, tracker domain.Tracker, parent *domain.TrackedObject, class int, created []*domain.TrackedObject) error {
	prevParent := b.symmetricPrevious(parent)
	if prevParent == nil {
		return nil
	}
	var candidates []*domain.TrackedObject
	for _, p := range b.g.Children(prevParent.ID, class) {
		if len(b.g.Successors(p)) == 0 {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	proposals, err := tracker.Track(ctx, copies(candidates), copies(created))
	if err != nil {
		return fmt.Errorf("track class %d into %s: %w", class, parent.ID, err)
	}

	byID := make(map[domain.ObjectID]*domain.TrackedObject, len(candidates)+len(created))
	for _, o := range candidates {
		byID[o.ID] = o
	}
	isNew := make(map[domain.ObjectID]bool, len(created))
	for _, o := range created {
		byID[o.ID] = o
		isNew[o.ID] = true
	}
	allowSplit := b.svc.policy.AllowSplit(class)
	allowMerge := b.svc.policy.AllowMerge(class)
	var assignment matcher.Assignment
	for _, lp := range proposals {
		p, c := byID[lp.Prev], byID[lp.Next]
		if p == nil || c == nil || isNew[p.ID] || !isNew[c.ID] {
			b.svc.logger.Debug("tracker proposal ignored", "prev", lp.Prev, "next", lp.Next)
			continue
		}
		if assignment.OutDegree(p.ID) > 0 && !allowSplit {
			continue
		}
		if assignment.InDegree(c.ID) > 0 && !allowMerge {
			continue
		}
		candidate := matcher.Assignment{Links: append(append([]matcher.Link(nil), assignment.Links...), matcher.Link{Prev: p, Next: c})}
		if !starForest(candidate) {
			continue
		}
		assignment = candidate
	}
	if err := b.applyAssignment(assignment); err != nil {
		return err
	}
	for _, l := range assignment.Links {
		l.Prev.EditedLinkNext = false
		l.Next.EditedLinkPrev = false
	}
	return nil
}

// starForest reports whether no link joins a split source to a merge target.
func starForest(a matcher.Assignment) bool {
	for _, l := range a.Links {
		if a.OutDegree(l.Prev.ID) > 1 && a.InDegree(l.Next.ID) > 1 {
			return false
		}
	}
	return true
}

func copies(objs []*domain.TrackedObject) []domain.TrackedObject {
	out := make([]domain.TrackedObject, len(objs))
	for i, o := range objs {
		out[i] = *o
	}
	return out
}
