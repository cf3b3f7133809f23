package core

import (
	"trackcore/internal/matcher"
	"trackcore/pkg/domain"
)

// containerKey identifies the parent track of o. Objects under per-frame
// roots, or without a parent, share one container per position.
func (b *batch) containerKey(o *domain.TrackedObject) string {
	parent := b.g.Get(o.ParentID)
	if parent == nil || parent.IsRoot() {
		return ""
	}
	if head := b.g.Head(parent); head != nil {
		return string(head.ID)
	}
	return string(parent.ID)
}

// frameSteps groups objs by container and returns, per container, the objects
// of each selected frame in frame order.
func (b *batch) frameSteps(objs []*domain.TrackedObject) [][][]*domain.TrackedObject {
	var order []string
	byContainer := make(map[string][]*domain.TrackedObject)
	for _, o := range objs {
		key := b.containerKey(o)
		if _, ok := byContainer[key]; !ok {
			order = append(order, key)
		}
		byContainer[key] = append(byContainer[key], o)
	}
	out := make([][][]*domain.TrackedObject, 0, len(order))
	for _, key := range order {
		var steps [][]*domain.TrackedObject
		for _, o := range byContainer[key] {
			n := len(steps)
			if n > 0 && steps[n-1][0].Frame == o.Frame {
				steps[n-1] = append(steps[n-1], o)
				continue
			}
			steps = append(steps, []*domain.TrackedObject{o})
		}
		out = append(out, steps)
	}
	return out
}

// linkSelection applies the transition state machine to every pair of
// consecutive selected frames. objs must be sorted and of a single class.
func (b *batch) linkSelection(objs []*domain.TrackedObject, unlink bool) error {
	if len(objs) < 2 {
		return nil
	}
	class := objs[0].ClassIndex
	allowSplit := b.svc.policy.AllowSplit(class)
	allowMerge := b.svc.policy.AllowMerge(class)
	for _, steps := range b.frameSteps(objs) {
		for i := 0; i+1 < len(steps); i++ {
			if err := b.transition(steps[i], steps[i+1], unlink, allowMerge, allowSplit); err != nil {
				return err
			}
		}
	}
	return nil
}

// transition links or unlinks the objects of two frames.
func (b *batch) transition(prev, cur []*domain.TrackedObject, unlink, allowMerge, allowSplit bool) error {
	if len(prev) == 0 || len(cur) == 0 {
		return nil
	}
	if unlink {
		for _, p := range prev {
			for _, c := range cur {
				if linked(p, c) {
					if err := b.links.Unlink(p, c, b.svc.mergePolicy); err != nil {
						return err
					}
				}
			}
		}
		return nil
	}
	switch {
	case len(prev) == 1 && len(cur) == 1:
		return b.links.Link(prev[0], cur[0], true)
	case len(prev) == 1 && allowSplit && !allowMerge:
		for _, c := range cur {
			if err := b.links.LinkSplit(prev[0], c); err != nil {
				return err
			}
		}
		return nil
	case len(cur) == 1 && allowMerge && !allowSplit:
		for _, p := range prev {
			if err := b.links.LinkMerge(p, cur[0]); err != nil {
				return err
			}
		}
		return nil
	default:
		return b.resolveAmbiguous(prev, cur, allowMerge, allowSplit)
	}
}

// resolveAmbiguous clears both sides of the transition, lets the matcher
// decide and restores the inferred provenance of links it reproduced.
func (b *batch) resolveAmbiguous(prev, cur []*domain.TrackedObject, allowMerge, allowSplit bool) error {
	var captured []matcher.Pair
	for _, p := range prev {
		for _, c := range cur {
			if linked(p, c) && !p.EditedLinkNext && !c.EditedLinkPrev {
				captured = append(captured, matcher.Pair{Prev: p.ID, Next: c.ID})
			}
		}
	}
	for _, p := range prev {
		b.links.CutForward(p)
	}
	for _, c := range cur {
		b.links.CutBackward(c)
	}

	assignment := b.svc.matcher.Match(prev, cur, matcher.Options{
		AllowSplit: allowSplit,
		AllowMerge: allowMerge,
		Cost:       b.svc.cost,
		MaxCost:    b.svc.maxCost,
		Existing:   captured,
	})
	if err := b.applyAssignment(assignment); err != nil {
		return err
	}

	reproduced := make(map[matcher.Pair]struct{}, len(assignment.Existing))
	for _, l := range assignment.Existing {
		reproduced[l.Pair()] = struct{}{}
	}
	// A shared flag is only cleared when every edge at the node was reproduced.
	allReproduced := func(match func(matcher.Link) bool) bool {
		for _, l := range assignment.Links {
			if !match(l) {
				continue
			}
			if _, ok := reproduced[l.Pair()]; !ok {
				return false
			}
		}
		return true
	}
	for _, l := range assignment.Existing {
		p, c := l.Prev, l.Next
		if allReproduced(func(x matcher.Link) bool { return x.Prev.ID == p.ID }) {
			p.EditedLinkNext = false
			b.modified().Add(p)
		}
		if allReproduced(func(x matcher.Link) bool { return x.Next.ID == c.ID }) {
			c.EditedLinkPrev = false
			b.modified().Add(c)
		}
	}
	return nil
}

// applyAssignment establishes links according to node degree: a prev with
// several links splits, a cur with several links is a merge target.
func (b *batch) applyAssignment(a matcher.Assignment) error {
	for _, l := range a.Links {
		var err error
		switch {
		case a.OutDegree(l.Prev.ID) > 1:
			err = b.links.LinkSplit(l.Prev, l.Next)
		case a.InDegree(l.Next.ID) > 1:
			err = b.links.LinkMerge(l.Prev, l.Next)
		default:
			err = b.links.Link(l.Prev, l.Next, true)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// linked reports a link between p and c in either direction.
func linked(p, c *domain.TrackedObject) bool {
	return p.NextID == c.ID || c.PreviousID == p.ID
}
