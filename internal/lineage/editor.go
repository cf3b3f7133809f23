package lineage

import (
	"trackcore/pkg/domain"
)

// Editor applies the link primitives to an arena. Every object it touches is
// recorded in the supplied collector.
type Editor struct {
	g        *Graph
	modified *Modified
}

// NewEditor binds an editor to an arena and a collector.
func NewEditor(g *Graph, modified *Modified) *Editor {
	if modified == nil {
		modified = NewModified()
	}
	return &Editor{g: g, modified: modified}
}

// Graph returns the arena the editor mutates.
func (e *Editor) Graph() *Graph { return e.g }

// Modified returns the collector.
func (e *Editor) Modified() *Modified { return e.modified }

func (e *Editor) checkPair(op string, a, b *domain.TrackedObject) error {
	if a == nil || b == nil {
		return domain.Preconditionf(op, "both objects are required")
	}
	if e.g.Get(a.ID) != a || e.g.Get(b.ID) != b {
		return domain.Preconditionf(op, "objects %s and %s are not owned by position %s", a.ID, b.ID, e.g.position)
	}
	if a.ClassIndex != b.ClassIndex {
		return domain.Preconditionf(op, "objects %s and %s belong to classes %d and %d", a.ID, b.ID, a.ClassIndex, b.ClassIndex)
	}
	if a.Frame >= b.Frame {
		return domain.Preconditionf(op, "frame of %s (%d) must precede frame of %s (%d)", a.ID, a.Frame, b.ID, b.Frame)
	}
	return nil
}

// Link sets next(a)=b and previous(b)=a and marks both sides edited. Partners
// that a or b previously had on those sides are detached first. With
// resetTrackHead, b and its chain take a's track head.
func (e *Editor) Link(a, b *domain.TrackedObject, resetTrackHead bool) error {
	if err := e.checkPair("link", a, b); err != nil {
		return err
	}
	e.detachForward(a, b)
	e.detachBackward(b, a)
	e.g.setNext(a, b.ID)
	e.g.setPrevious(b, a.ID)
	a.EditedLinkNext = true
	b.EditedLinkPrev = true
	e.modified.Add(a, b)
	if resetTrackHead {
		e.SetTrackHead(b, e.headOf(a), true, false)
	}
	return nil
}

// LinkSplit records b as one daughter of a: previous(b)=a while next(a) stays
// empty. b starts its own track.
func (e *Editor) LinkSplit(a, b *domain.TrackedObject) error {
	if err := e.checkPair("link split", a, b); err != nil {
		return err
	}
	// a symmetric continuation becomes a sibling daughter.
	if n := e.g.Next(a); n != nil {
		e.g.setNext(a, "")
		if n.PreviousID == a.ID {
			e.SetTrackHead(n, n, true, false)
		}
		e.modified.Add(n)
	}
	e.detachBackward(b, a)
	e.g.setPrevious(b, a.ID)
	a.EditedLinkNext = true
	b.EditedLinkPrev = true
	e.modified.Add(a, b)
	e.SetTrackHead(b, b, true, false)
	return nil
}

// LinkMerge records a as one of the objects merging into b: next(a)=b while
// previous(b) stays empty. b starts its own track.
func (e *Editor) LinkMerge(a, b *domain.TrackedObject) error {
	if err := e.checkPair("link merge", a, b); err != nil {
		return err
	}
	if p := e.g.Previous(b); p != nil {
		// a symmetric predecessor stays pointing at b as a merge member.
		e.g.setPrevious(b, "")
		e.modified.Add(p)
	}
	e.detachForward(a, b)
	e.g.setNext(a, b.ID)
	a.EditedLinkNext = true
	b.EditedLinkPrev = true
	e.modified.Add(a, b)
	e.SetTrackHead(b, b, true, false)
	return nil
}

// detachForward removes every downstream relation of a except with keep.
func (e *Editor) detachForward(a, keep *domain.TrackedObject) {
	if n := e.g.Next(a); n != nil && n != keep {
		e.g.setNext(a, "")
		e.modified.Add(a)
		if n.PreviousID == a.ID {
			e.g.setPrevious(n, "")
			e.SetTrackHead(n, n, true, false)
			e.modified.Add(n)
		}
	}
	for _, d := range e.g.PointingPrevious(a) {
		if d == keep {
			continue
		}
		e.g.setPrevious(d, "")
		e.SetTrackHead(d, d, true, false)
		e.modified.Add(d)
	}
}

// detachBackward removes every upstream relation of b except with keep.
func (e *Editor) detachBackward(b, keep *domain.TrackedObject) {
	if p := e.g.Previous(b); p != nil && p != keep {
		e.g.setPrevious(b, "")
		e.modified.Add(b)
		if p.NextID == b.ID {
			e.g.setNext(p, "")
			e.modified.Add(p)
		}
		if keep == nil {
			e.SetTrackHead(b, b, true, false)
		}
	}
	for _, m := range e.g.PointingNext(b) {
		if m == keep {
			continue
		}
		e.g.setNext(m, "")
		e.modified.Add(m)
	}
}

// Unlink clears the pointers between a and b, in whichever direction they
// exist. The absence of the link is recorded as a validated decision. b becomes
// a new track head; with MergeAlways or MergeIfSimple a branch left with a
// single member collapses back into a simple link.
func (e *Editor) Unlink(a, b *domain.TrackedObject, policy domain.MergePolicy) error {
	if a == nil || b == nil {
		return domain.Preconditionf("unlink", "both objects are required")
	}
	linked := false
	if a.NextID == b.ID {
		e.g.setNext(a, "")
		linked = true
	}
	if b.PreviousID == a.ID {
		e.g.setPrevious(b, "")
		linked = true
	}
	if !linked {
		return nil
	}
	a.EditedLinkNext = true
	b.EditedLinkPrev = true
	e.modified.Add(a, b)
	if b.PreviousID == "" {
		e.SetTrackHead(b, b, true, false)
	}
	if policy != domain.MergeNever {
		e.collapseSplit(a)
		e.collapseMerge(b)
	}
	return nil
}

// collapseSplit turns a split with a single remaining daughter into a simple link.
func (e *Editor) collapseSplit(a *domain.TrackedObject) {
	if a.NextID != "" {
		return
	}
	daughters := e.g.PointingPrevious(a)
	if len(daughters) != 1 {
		return
	}
	d := daughters[0]
	if len(e.g.PointingNext(d)) > 0 {
		return
	}
	e.g.setNext(a, d.ID)
	e.modified.Add(a, d)
	e.SetTrackHead(d, e.headOf(a), true, false)
}

// collapseMerge turns a merge with a single remaining member into a simple link.
func (e *Editor) collapseMerge(b *domain.TrackedObject) {
	if b.PreviousID != "" {
		return
	}
	members := e.g.PointingNext(b)
	if len(members) != 1 {
		return
	}
	m := members[0]
	if len(e.g.PointingPrevious(m)) > 0 {
		return
	}
	e.g.setPrevious(b, m.ID)
	e.modified.Add(m, b)
	e.SetTrackHead(b, e.headOf(m), true, false)
}

// Isolate removes every link touching o. Upstream partners lose their pointer
// to o, downstream partners become track heads. The neighbours are returned in
// arena order.
func (e *Editor) Isolate(o *domain.TrackedObject) (upstream, downstream []*domain.TrackedObject) {
	upstream = e.g.Predecessors(o)
	downstream = e.g.Successors(o)
	for _, p := range upstream {
		if p.NextID == o.ID {
			e.g.setNext(p, "")
			e.modified.Add(p)
		}
	}
	for _, d := range downstream {
		if d.PreviousID == o.ID {
			e.g.setPrevious(d, "")
		}
		e.SetTrackHead(d, d, true, false)
		e.modified.Add(d)
	}
	if o.PreviousID != "" {
		e.g.setPrevious(o, "")
	}
	if o.NextID != "" {
		e.g.setNext(o, "")
	}
	e.modified.Add(o)
	return upstream, downstream
}

// Remove isolates o and drops it from the arena.
func (e *Editor) Remove(o *domain.TrackedObject) (upstream, downstream []*domain.TrackedObject) {
	upstream, downstream = e.Isolate(o)
	e.modified.Add(e.g.Remove(o.ID)...)
	e.modified.Remove(o.ID)
	return upstream, downstream
}

// SetTrackHead assigns head to o. With propagate, the assignment follows the
// symmetric next links while the next object still carries o's former head,
// stopping at an object that heads its own, unrelated track. markEdited flags
// the incoming link of o as validated.
func (e *Editor) SetTrackHead(o, head *domain.TrackedObject, propagate, markEdited bool) {
	if head == nil {
		head = o
	}
	old := o.TrackHeadID
	changed := old != head.ID
	o.TrackHeadID = head.ID
	if markEdited {
		changed = changed || !o.EditedLinkPrev
		o.EditedLinkPrev = true
	}
	if changed {
		e.modified.Add(o)
	}
	if !propagate {
		return
	}
	cur := o
	for {
		n := e.g.Next(cur)
		if n == nil || n.PreviousID != cur.ID || n.Frame <= cur.Frame {
			return
		}
		if n.TrackHeadID != old && n.IsTrackHead() {
			return
		}
		if n.TrackHeadID != head.ID {
			n.TrackHeadID = head.ID
			e.modified.Add(n)
		}
		cur = n
	}
}

func (e *Editor) headOf(o *domain.TrackedObject) *domain.TrackedObject {
	if h := e.g.Head(o); h != nil {
		return h
	}
	return o
}

// CutForward removes every downstream relation of a without recording a user
// decision: provenance flags are left as they are.
func (e *Editor) CutForward(a *domain.TrackedObject) {
	e.detachForward(a, nil)
}

// CutBackward removes every upstream relation of b without recording a user
// decision.
func (e *Editor) CutBackward(b *domain.TrackedObject) {
	e.detachBackward(b, nil)
}

// Relink completes a one-sided link between a and b, keeping the provenance
// flags untouched. Head identity is left to the caller.
func (e *Editor) Relink(a, b *domain.TrackedObject) error {
	if err := e.checkPair("relink", a, b); err != nil {
		return err
	}
	if a.NextID != b.ID {
		e.g.setNext(a, b.ID)
		e.modified.Add(a)
	}
	if b.PreviousID != a.ID {
		e.g.setPrevious(b, a.ID)
		e.modified.Add(b)
	}
	return nil
}

// Collapse turns branches around o that are left with a single member into
// simple links.
func (e *Editor) Collapse(o *domain.TrackedObject) {
	e.collapseSplit(o)
	e.collapseMerge(o)
}

// ClearDangling drops pointers of o that do not resolve in the arena. It
// reports whether anything changed.
func (e *Editor) ClearDangling(o *domain.TrackedObject) bool {
	changed := false
	if o.NextID != "" && e.g.Get(o.NextID) == nil {
		e.g.setNext(o, "")
		changed = true
	}
	if o.PreviousID != "" && e.g.Get(o.PreviousID) == nil {
		e.g.setPrevious(o, "")
		changed = true
	}
	if o.TrackHeadID == "" || e.g.Get(o.TrackHeadID) == nil {
		o.TrackHeadID = o.ID
		changed = true
	}
	if changed {
		e.modified.Add(o)
	}
	return changed
}
