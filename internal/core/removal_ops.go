package core

import (
	"context"

	"trackcore/internal/lineage"
	"trackcore/pkg/domain"
)

// DeleteObjects removes exactly the selected objects, with the objects they
// contain. Each removed stretch of a chain is bridged or left as two
// fragments according to policy.
func (s *Service) DeleteObjects(ctx context.Context, refs []domain.ObjectRef, policy domain.MergePolicy) (domain.Result, error) {
	position, err := positionOf("delete_objects", refs)
	if err != nil || position == "" {
		return domain.Result{}, err
	}
	return s.run(ctx, "delete_objects", position, true, func(b *batch) error {
		objs, err := b.resolveClass(refs)
		if err != nil {
			return err
		}
		b.removeObjects(objs, policy)
		return nil
	})
}

// PruneTrack removes each selected object together with the lineage that
// branches off downstream of it: split daughters, merge targets and
// everything after them. The object's own simple continuation survives and is
// bridged to the upstream survivor or left as an independent track.
func (s *Service) PruneTrack(ctx context.Context, refs []domain.ObjectRef, policy domain.MergePolicy) (domain.Result, error) {
	position, err := positionOf("prune_track", refs)
	if err != nil || position == "" {
		return domain.Result{}, err
	}
	return s.run(ctx, "prune_track", position, true, func(b *batch) error {
		objs, err := b.resolveClass(refs)
		if err != nil {
			return err
		}
		set := newObjectSet()
		for _, o := range objs {
			set.add(o)
			for _, x := range b.branchSuccessors(o) {
				b.collectDownstream(x, set)
			}
		}
		b.removeObjects(set.list, policy)
		return nil
	})
}

type objectSet struct {
	ids  map[domain.ObjectID]struct{}
	list []*domain.TrackedObject
}

func newObjectSet() *objectSet {
	return &objectSet{ids: make(map[domain.ObjectID]struct{})}
}

func (s *objectSet) add(o *domain.TrackedObject) bool {
	if _, ok := s.ids[o.ID]; ok {
		return false
	}
	s.ids[o.ID] = struct{}{}
	s.list = append(s.list, o)
	return true
}

func (s *objectSet) has(o *domain.TrackedObject) bool {
	if o == nil {
		return false
	}
	_, ok := s.ids[o.ID]
	return ok
}

func (b *batch) symmetricNext(o *domain.TrackedObject) *domain.TrackedObject {
	if n := b.g.Next(o); n != nil && n.PreviousID == o.ID {
		return n
	}
	return nil
}

func (b *batch) symmetricPrevious(o *domain.TrackedObject) *domain.TrackedObject {
	if p := b.g.Previous(o); p != nil && p.NextID == o.ID {
		return p
	}
	return nil
}

// branchSuccessors returns the successors of o other than its simple
// continuation.
func (b *batch) branchSuccessors(o *domain.TrackedObject) []*domain.TrackedObject {
	cont := b.symmetricNext(o)
	var out []*domain.TrackedObject
	for _, x := range b.g.Successors(o) {
		if x != cont {
			out = append(out, x)
		}
	}
	return out
}

func (b *batch) collectDownstream(o *domain.TrackedObject, set *objectSet) {
	stack := []*domain.TrackedObject{o}
	for len(stack) > 0 {
		x := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if !set.add(x) {
			continue
		}
		stack = append(stack, b.g.Successors(x)...)
	}
}

type bridge struct {
	up, down             *domain.TrackedObject
	upEdited, downEdited bool
}

// removeObjects deletes objs and everything they contain, then reconnects the
// survivors according to policy.
func (b *batch) removeObjects(objs []*domain.TrackedObject, policy domain.MergePolicy) {
	set := newObjectSet()
	for _, o := range objs {
		b.collectContained(o, set)
	}
	lineage.SortObjects(set.list)

	var bridges []bridge
	for _, o := range set.list {
		if set.has(b.symmetricPrevious(o)) {
			continue
		}
		end := o
		for n := b.symmetricNext(end); set.has(n); n = b.symmetricNext(n) {
			end = n
		}
		up, down := b.symmetricPrevious(o), b.symmetricNext(end)
		if up != nil && down != nil {
			bridges = append(bridges, bridge{up: up, down: down, upEdited: up.EditedLinkNext, downEdited: down.EditedLinkPrev})
		}
	}

	type slot struct {
		parent domain.ObjectID
		class  int
	}
	var relabel []slot
	seenSlot := make(map[slot]struct{})
	var touched []*domain.TrackedObject
	for _, o := range set.list {
		sl := slot{parent: o.ParentID, class: o.ClassIndex}
		if _, ok := seenSlot[sl]; !ok && o.ParentID != "" {
			seenSlot[sl] = struct{}{}
			relabel = append(relabel, sl)
		}
		up, down := b.links.Remove(o)
		touched = append(touched, up...)
		touched = append(touched, down...)
	}

	for _, br := range bridges {
		if !b.shouldBridge(br, policy) {
			continue
		}
		if err := b.links.Link(br.up, br.down, true); err != nil {
			b.svc.logger.Warn("bridge skipped", "operation", b.op, "up", br.up.ID, "down", br.down.ID, "error", err)
			continue
		}
		br.up.EditedLinkNext = br.upEdited
		br.down.EditedLinkPrev = br.downEdited
	}
	if policy != domain.MergeNever {
		for _, t := range touched {
			if b.g.Get(t.ID) == t {
				b.links.Collapse(t)
			}
		}
	}
	for _, sl := range relabel {
		if b.g.Get(sl.parent) != nil {
			b.shapes.RelabelChildren(sl.parent, sl.class)
		}
	}
}

func (b *batch) shouldBridge(br bridge, policy domain.MergePolicy) bool {
	if b.g.Get(br.up.ID) != br.up || b.g.Get(br.down.ID) != br.down {
		return false
	}
	switch policy {
	case domain.MergeNever:
		return false
	case domain.MergeIfSimple:
		return len(b.g.Successors(br.up)) == 0 && len(b.g.Predecessors(br.down)) == 0
	default:
		return true
	}
}

func (b *batch) collectContained(o *domain.TrackedObject, set *objectSet) {
	if !set.add(o) {
		return
	}
	for _, child := range b.g.Contained(o.ID) {
		b.collectContained(child, set)
	}
}
