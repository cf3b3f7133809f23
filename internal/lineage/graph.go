// Package lineage holds the per-position object arena and the link primitives
// that keep its previous/next/track-head pointers consistent.
package lineage

import (
	"sort"

	"trackcore/pkg/domain"
)

var _ domain.GraphView = (*Graph)(nil)

type idSet map[domain.ObjectID]struct{}

// Graph is the arena owning every tracked object of one position. Weak
// references between objects are ids resolved through the arena.
//
// Pointer fields must only be written through the package helpers so the
// reverse indexes stay in sync.
type Graph struct {
	position string
	objects  map[domain.ObjectID]*domain.TrackedObject
	children map[domain.ObjectID]idSet
	// reverse pointer indexes: target -> objects whose NextID / PreviousID is target
	nextOf reverseIndex
	prevOf reverseIndex
}

type reverseIndex map[domain.ObjectID]idSet

func (m reverseIndex) add(target, src domain.ObjectID) {
	if target == "" {
		return
	}
	set, ok := m[target]
	if !ok {
		set = make(idSet)
		m[target] = set
	}
	set[src] = struct{}{}
}

func (m reverseIndex) remove(target, src domain.ObjectID) {
	if target == "" {
		return
	}
	if set, ok := m[target]; ok {
		delete(set, src)
		if len(set) == 0 {
			delete(m, target)
		}
	}
}

// NewGraph builds an arena from stored objects. Objects from other positions
// are ignored.
func NewGraph(position string, objects []domain.TrackedObject) *Graph {
	g := &Graph{
		position: position,
		objects:  make(map[domain.ObjectID]*domain.TrackedObject, len(objects)),
		children: make(map[domain.ObjectID]idSet),
		nextOf:   make(reverseIndex),
		prevOf:   make(reverseIndex),
	}
	for _, o := range objects {
		if o.Position != position {
			continue
		}
		g.Add(o)
	}
	return g
}

// Position returns the position the arena belongs to.
func (g *Graph) Position() string { return g.position }

// Len returns the number of objects in the arena.
func (g *Graph) Len() int { return len(g.objects) }

// Add inserts a copy of o and returns the arena-owned pointer.
func (g *Graph) Add(o domain.TrackedObject) *domain.TrackedObject {
	if existing, ok := g.objects[o.ID]; ok {
		g.unindex(existing)
	}
	o.Position = g.position
	obj := &o
	g.objects[o.ID] = obj
	g.index(obj)
	return obj
}

func (g *Graph) index(o *domain.TrackedObject) {
	if o.ParentID != "" {
		set, ok := g.children[o.ParentID]
		if !ok {
			set = make(idSet)
			g.children[o.ParentID] = set
		}
		set[o.ID] = struct{}{}
	}
	g.nextOf.add(o.NextID, o.ID)
	g.prevOf.add(o.PreviousID, o.ID)
}

func (g *Graph) unindex(o *domain.TrackedObject) {
	if set, ok := g.children[o.ParentID]; ok {
		delete(set, o.ID)
		if len(set) == 0 {
			delete(g.children, o.ParentID)
		}
	}
	g.nextOf.remove(o.NextID, o.ID)
	g.prevOf.remove(o.PreviousID, o.ID)
}

// Remove drops an object from the arena. Pointers of other objects that still
// reference it are cleared; the touched objects are returned so callers can
// record them.
func (g *Graph) Remove(id domain.ObjectID) []*domain.TrackedObject {
	o, ok := g.objects[id]
	if !ok {
		return nil
	}
	var touched []*domain.TrackedObject
	for _, src := range g.sorted(g.nextOf[id]) {
		g.setNext(src, "")
		touched = append(touched, src)
	}
	for _, src := range g.sorted(g.prevOf[id]) {
		g.setPrevious(src, "")
		touched = append(touched, src)
	}
	g.unindex(o)
	delete(g.objects, id)
	delete(g.children, id)
	return touched
}

func (g *Graph) setNext(o *domain.TrackedObject, next domain.ObjectID) {
	g.nextOf.remove(o.NextID, o.ID)
	o.NextID = next
	g.nextOf.add(next, o.ID)
}

func (g *Graph) setPrevious(o *domain.TrackedObject, prev domain.ObjectID) {
	g.prevOf.remove(o.PreviousID, o.ID)
	o.PreviousID = prev
	g.prevOf.add(prev, o.ID)
}

// Get returns the arena pointer for id, or nil.
func (g *Graph) Get(id domain.ObjectID) *domain.TrackedObject {
	if id == "" {
		return nil
	}
	return g.objects[id]
}

// Object returns a copy of the object with the given id.
func (g *Graph) Object(id domain.ObjectID) (domain.TrackedObject, bool) {
	o := g.Get(id)
	if o == nil {
		return domain.TrackedObject{}, false
	}
	return *o, true
}

// Objects returns copies of all objects ordered by frame, class, index and id.
func (g *Graph) Objects() []domain.TrackedObject {
	out := make([]domain.TrackedObject, 0, len(g.objects))
	for _, o := range g.objects {
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool { return lessObject(&out[i], &out[j]) })
	return out
}

func lessObject(a, b *domain.TrackedObject) bool {
	if a.Frame != b.Frame {
		return a.Frame < b.Frame
	}
	if a.ClassIndex != b.ClassIndex {
		return a.ClassIndex < b.ClassIndex
	}
	if a.Index != b.Index {
		return a.Index < b.Index
	}
	return a.ID < b.ID
}

// SortObjects orders arena pointers by frame, class, index and id.
func SortObjects(objs []*domain.TrackedObject) {
	sort.Slice(objs, func(i, j int) bool { return lessObject(objs[i], objs[j]) })
}

func (g *Graph) sorted(set idSet) []*domain.TrackedObject {
	out := make([]*domain.TrackedObject, 0, len(set))
	for id := range set {
		if o := g.objects[id]; o != nil {
			out = append(out, o)
		}
	}
	SortObjects(out)
	return out
}

// Previous resolves the previous pointer of o.
func (g *Graph) Previous(o *domain.TrackedObject) *domain.TrackedObject {
	return g.Get(o.PreviousID)
}

// Next resolves the next pointer of o.
func (g *Graph) Next(o *domain.TrackedObject) *domain.TrackedObject {
	return g.Get(o.NextID)
}

// Head resolves the track head of o.
func (g *Graph) Head(o *domain.TrackedObject) *domain.TrackedObject {
	return g.Get(o.TrackHeadID)
}

// PointingNext returns the objects whose next pointer targets o.
func (g *Graph) PointingNext(o *domain.TrackedObject) []*domain.TrackedObject {
	return g.sorted(g.nextOf[o.ID])
}

// PointingPrevious returns the objects whose previous pointer targets o.
func (g *Graph) PointingPrevious(o *domain.TrackedObject) []*domain.TrackedObject {
	return g.sorted(g.prevOf[o.ID])
}

// Successors returns every object linked downstream of o: the symmetric next
// and any split daughters.
func (g *Graph) Successors(o *domain.TrackedObject) []*domain.TrackedObject {
	seen := make(idSet)
	var out []*domain.TrackedObject
	if n := g.Next(o); n != nil {
		seen[n.ID] = struct{}{}
		out = append(out, n)
	}
	for _, d := range g.PointingPrevious(o) {
		if _, dup := seen[d.ID]; !dup {
			seen[d.ID] = struct{}{}
			out = append(out, d)
		}
	}
	return out
}

// Predecessors returns every object linked upstream of o: the symmetric
// previous and any merge members.
func (g *Graph) Predecessors(o *domain.TrackedObject) []*domain.TrackedObject {
	seen := make(idSet)
	var out []*domain.TrackedObject
	if p := g.Previous(o); p != nil {
		seen[p.ID] = struct{}{}
		out = append(out, p)
	}
	for _, m := range g.PointingNext(o) {
		if _, dup := seen[m.ID]; !dup {
			seen[m.ID] = struct{}{}
			out = append(out, m)
		}
	}
	return out
}

// Children returns the objects of class owned by parent, ordered by index.
func (g *Graph) Children(parent domain.ObjectID, class int) []*domain.TrackedObject {
	var out []*domain.TrackedObject
	for id := range g.children[parent] {
		if o := g.objects[id]; o != nil && o.ClassIndex == class {
			out = append(out, o)
		}
	}
	SortObjects(out)
	return out
}

// Contained returns every object directly owned by parent, of any class.
func (g *Graph) Contained(parent domain.ObjectID) []*domain.TrackedObject {
	return g.sorted(g.children[parent])
}

// Roots returns the per-frame root objects ordered by frame.
func (g *Graph) Roots() []*domain.TrackedObject {
	var out []*domain.TrackedObject
	for _, o := range g.objects {
		if o.ClassIndex == domain.RootClass {
			out = append(out, o)
		}
	}
	SortObjects(out)
	return out
}

// Descendants returns every object of class contained, directly or through
// intermediate classes, in root.
func (g *Graph) Descendants(root *domain.TrackedObject, class int) []*domain.TrackedObject {
	var out []*domain.TrackedObject
	stack := []domain.ObjectID{root.ID}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for childID := range g.children[id] {
			child := g.objects[childID]
			if child == nil {
				continue
			}
			if child.ClassIndex == class {
				out = append(out, child)
				continue
			}
			stack = append(stack, childID)
		}
	}
	SortObjects(out)
	return out
}

// Track returns the chain starting at head: head, then next while the next
// object links back and shares the head.
func (g *Graph) Track(head *domain.TrackedObject) []*domain.TrackedObject {
	track := []*domain.TrackedObject{head}
	cur := head
	for {
		n := g.Next(cur)
		if n == nil || n.PreviousID != cur.ID || n.TrackHeadID != head.ID {
			return track
		}
		track = append(track, n)
		cur = n
	}
}

// TrackHeads returns all track heads of class, ordered.
func (g *Graph) TrackHeads(class int) []*domain.TrackedObject {
	var out []*domain.TrackedObject
	for _, o := range g.objects {
		if o.ClassIndex == class && o.IsTrackHead() {
			out = append(out, o)
		}
	}
	SortObjects(out)
	return out
}

// Clone deep-copies the arena.
func (g *Graph) Clone() *Graph {
	cp := &Graph{
		position: g.position,
		objects:  make(map[domain.ObjectID]*domain.TrackedObject, len(g.objects)),
		children: make(map[domain.ObjectID]idSet),
		nextOf:   make(reverseIndex),
		prevOf:   make(reverseIndex),
	}
	for id, o := range g.objects {
		obj := *o
		cp.objects[id] = &obj
		cp.index(&obj)
	}
	return cp
}
