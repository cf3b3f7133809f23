package core

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"trackcore/pkg/domain"
)

const (
	// ReviewTagLinkConflict tags collections created by repair.
	ReviewTagLinkConflict = "link-conflict"
	reviewPrefix          = "link-conflicts/"
)

// RepairReport summarises a repair run.
type RepairReport struct {
	Position    string
	Class       int
	Result      domain.Result
	Collections []domain.ReviewCollection
}

// conflicts groups objects to review by the track head that detected them.
type conflicts struct {
	order []domain.ObjectID
	byKey map[domain.ObjectID][]*domain.TrackedObject
	seen  map[domain.ObjectID]map[domain.ObjectID]struct{}
}

func newConflicts() *conflicts {
	return &conflicts{
		byKey: make(map[domain.ObjectID][]*domain.TrackedObject),
		seen:  make(map[domain.ObjectID]map[domain.ObjectID]struct{}),
	}
}

func (c *conflicts) add(head domain.ObjectID, objs ...*domain.TrackedObject) {
	if c == nil {
		return
	}
	set, ok := c.seen[head]
	if !ok {
		set = make(map[domain.ObjectID]struct{})
		c.seen[head] = set
		c.order = append(c.order, head)
	}
	for _, o := range objs {
		if o == nil {
			continue
		}
		if _, dup := set[o.ID]; dup {
			continue
		}
		set[o.ID] = struct{}{}
		c.byKey[head] = append(c.byKey[head], o)
	}
}

// RepairLinksForPosition scans every object of class under the roots of
// position, heals one-sided links, normalises track heads and files the
// conflicts the class policy does not allow to resolve into review
// collections. Rules are evaluated as a report only.
func (s *Service) RepairLinksForPosition(ctx context.Context, position string, class int) (RepairReport, error) {
	report := RepairReport{Position: position, Class: class}
	found := newConflicts()
	var snapshot map[domain.ObjectID]domain.TrackedObject
	res, err := s.run(ctx, "repair_links", position, false, func(b *batch) error {
		b.repair(class, found)
		snapshot = make(map[domain.ObjectID]domain.TrackedObject)
		for _, head := range found.order {
			for _, o := range found.byKey[head] {
				snapshot[o.ID] = *o
			}
		}
		return nil
	})
	report.Result = res
	if err != nil {
		return report, err
	}
	for _, v := range res.Violations {
		if v.Severity == domain.SeverityBlock {
			s.logger.Warn("repair left a violation", "position", position, "rule", v.Rule, "object", v.ObjectID, "message", v.Message)
		}
	}
	collections, err := s.storeConflicts(ctx, position, found, snapshot)
	report.Collections = collections
	if err != nil {
		return report, err
	}
	if len(res.Modified) > 0 || len(collections) > 0 {
		s.logger.Info("position repaired", "position", position, "class", class,
			"modified", len(res.Modified), "collections", len(collections))
	}
	return report, nil
}

func (s *Service) storeConflicts(ctx context.Context, position string, found *conflicts, snapshot map[domain.ObjectID]domain.TrackedObject) ([]domain.ReviewCollection, error) {
	if len(found.order) == 0 {
		return nil, nil
	}
	out := make([]domain.ReviewCollection, 0, len(found.order))
	for _, head := range found.order {
		members := found.byKey[head]
		objects := make([]domain.TrackedObject, 0, len(members))
		for _, o := range members {
			objects = append(objects, snapshot[o.ID])
		}
		name := reviewPrefix + string(head)
		if s.reviews == nil {
			c := domain.ReviewCollection{Position: position, Name: name, Tag: ReviewTagLinkConflict, Display: true}
			for _, o := range objects {
				c.Elements = append(c.Elements, o.ID)
			}
			out = append(out, c)
			continue
		}
		c, err := s.reviews.CreateOrGet(ctx, position, name)
		if err != nil {
			return out, fmt.Errorf("open review collection %s: %w", name, err)
		}
		c.Tag = ReviewTagLinkConflict
		c.Display = true
		if err := s.reviews.AddElements(ctx, c, objects); err != nil {
			return out, fmt.Errorf("add to review collection %s: %w", name, err)
		}
		if err := s.reviews.StoreCollection(ctx, c); err != nil {
			return out, fmt.Errorf("store review collection %s: %w", name, err)
		}
		out = append(out, *c)
	}
	return out, nil
}

// repairTargets returns the objects of class below the roots in frame order.
// Positions without roots are scanned in full.
func (b *batch) repairTargets(class int) []*domain.TrackedObject {
	roots := b.g.Roots()
	var out []*domain.TrackedObject
	if len(roots) == 0 {
		for _, o := range b.g.Objects() {
			if o.ClassIndex == class {
				out = append(out, b.g.Get(o.ID))
			}
		}
	}
	for _, r := range roots {
		if class == domain.RootClass {
			out = append(out, r)
			continue
		}
		out = append(out, b.g.Descendants(r, class)...)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Frame < out[j].Frame })
	return out
}

func (b *batch) headKey(o *domain.TrackedObject) domain.ObjectID {
	if h := b.g.Head(o); h != nil {
		return h.ID
	}
	return o.ID
}

func (b *batch) repair(class int, found *conflicts) {
	allowSplit := b.svc.policy.AllowSplit(class)
	allowMerge := b.svc.policy.AllowMerge(class)
	targets := b.repairTargets(class)
	for _, o := range targets {
		b.links.ClearDangling(o)
	}
	// A heal further down the frame order can turn an earlier conflict into a
	// legal branch, so heal and normalise until the pointers are stable.
	for pass := 0; pass <= len(targets); pass++ {
		before := pointerState(targets)
		for _, o := range targets {
			b.healForward(o)
			b.healBackward(o)
		}
		for _, o := range targets {
			b.repairForward(o, allowMerge, nil)
			b.repairBackward(o, allowSplit, nil)
		}
		if pointerState(targets) == before {
			break
		}
		if pass == len(targets) {
			b.svc.logger.Warn("repair did not settle", "position", b.g.Position(), "class", class)
		}
	}
	for _, o := range targets {
		b.repairHead(o)
	}
	for _, o := range targets {
		b.repairForward(o, allowMerge, found)
		b.repairBackward(o, allowSplit, found)
	}
}

// pointerState fingerprints the links of objs.
func pointerState(objs []*domain.TrackedObject) string {
	var sb strings.Builder
	for _, o := range objs {
		sb.WriteString(string(o.PreviousID))
		sb.WriteByte('<')
		sb.WriteString(string(o.ID))
		sb.WriteByte('>')
		sb.WriteString(string(o.NextID))
		sb.WriteByte(';')
	}
	return sb.String()
}

// healForward restores previous(n) when o is the only object pointing at n.
func (b *batch) healForward(o *domain.TrackedObject) {
	n := b.g.Next(o)
	if n == nil || n.PreviousID != "" || len(b.g.PointingNext(n)) != 1 {
		return
	}
	if err := b.links.Relink(o, n); err != nil {
		b.svc.logger.Warn("cannot heal link", "from", o.ID, "to", n.ID, "error", err)
	}
}

// healBackward restores next(p) when o is the only object pointing back at p.
func (b *batch) healBackward(o *domain.TrackedObject) {
	p := b.g.Previous(o)
	if p == nil || p.NextID != "" || len(b.g.PointingPrevious(p)) != 1 {
		return
	}
	if err := b.links.Relink(p, o); err != nil {
		b.svc.logger.Warn("cannot heal link", "from", p.ID, "to", o.ID, "error", err)
	}
}

// repairForward checks next(o).
func (b *batch) repairForward(o *domain.TrackedObject, allowMerge bool, found *conflicts) {
	n := b.g.Next(o)
	if n == nil || n.PreviousID == o.ID {
		return
	}
	if n.PreviousID == "" {
		members := b.g.PointingNext(n)
		if len(members) == 1 {
			return
		}
		if !allowMerge {
			found.add(b.headKey(o), append(members, n)...)
		}
		return
	}
	m := b.g.Previous(n)
	if m == nil {
		return
	}
	if !allowMerge || m.NextID != n.ID {
		found.add(b.headKey(o), o, n, m)
		return
	}
	// the merge is legal: store it in branch form
	mEdited, oEdited, nEdited := m.EditedLinkNext, o.EditedLinkNext, n.EditedLinkPrev
	if err := b.links.LinkMerge(m, n); err != nil {
		b.svc.logger.Warn("cannot normalise merge", "into", n.ID, "error", err)
		return
	}
	if err := b.links.LinkMerge(o, n); err != nil {
		b.svc.logger.Warn("cannot normalise merge", "into", n.ID, "error", err)
	}
	m.EditedLinkNext, o.EditedLinkNext, n.EditedLinkPrev = mEdited, oEdited, nEdited
}

// repairBackward checks previous(o).
func (b *batch) repairBackward(o *domain.TrackedObject, allowSplit bool, found *conflicts) {
	p := b.g.Previous(o)
	if p == nil || p.NextID == o.ID {
		return
	}
	if p.NextID == "" {
		daughters := b.g.PointingPrevious(p)
		if len(daughters) == 1 {
			return
		}
		if !allowSplit {
			found.add(b.headKey(p), append([]*domain.TrackedObject{p}, daughters...)...)
		}
		return
	}
	k := b.g.Next(p)
	if k == nil {
		return
	}
	if !allowSplit || k.PreviousID != p.ID {
		found.add(b.headKey(p), p, o, k)
		return
	}
	// the split is legal: store it in branch form
	pEdited, kEdited, oEdited := p.EditedLinkNext, k.EditedLinkPrev, o.EditedLinkPrev
	if err := b.links.LinkSplit(p, k); err != nil {
		b.svc.logger.Warn("cannot normalise split", "from", p.ID, "error", err)
		return
	}
	if err := b.links.LinkSplit(p, o); err != nil {
		b.svc.logger.Warn("cannot normalise split", "from", p.ID, "error", err)
	}
	p.EditedLinkNext, k.EditedLinkPrev, o.EditedLinkPrev = pEdited, kEdited, oEdited
}

// repairHead enforces head closure along symmetric links.
func (b *batch) repairHead(o *domain.TrackedObject) {
	if p := b.g.Previous(o); p != nil && p.NextID == o.ID {
		head := b.g.Head(p)
		if head == nil {
			head = p
		}
		if o.TrackHeadID != head.ID {
			b.links.SetTrackHead(o, head, false, false)
		}
		return
	}
	if !o.IsTrackHead() {
		b.links.SetTrackHead(o, o, false, false)
	}
}
