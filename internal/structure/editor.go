// Package structure performs region level edits: splitting one object in two,
// merging several objects into one and keeping sibling indices contiguous.
// Temporal links of the results are left to the caller.
package structure

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"trackcore/internal/lineage"
	"trackcore/pkg/domain"
)

// IDGenerator returns identifiers for created objects.
type IDGenerator func() domain.ObjectID

// NewObjectID returns a random UUID based identifier.
func NewObjectID() domain.ObjectID { return domain.ObjectID(uuid.NewString()) }

// Editor applies structural edits to an arena through the link primitives.
type Editor struct {
	links *lineage.Editor
	newID IDGenerator
}

// Option configures an Editor.
type Option func(*Editor)

// WithIDGenerator overrides identifier generation.
func WithIDGenerator(gen IDGenerator) Option {
	return func(e *Editor) {
		if gen != nil {
			e.newID = gen
		}
	}
}

// NewEditor binds a structural editor to a link editor.
func NewEditor(links *lineage.Editor, opts ...Option) *Editor {
	e := &Editor{links: links, newID: NewObjectID}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Editor) graph() *lineage.Graph { return e.links.Graph() }

func (e *Editor) modified() *lineage.Modified { return e.links.Modified() }

// Split cuts object in two with the splitter. The original keeps the first
// region, a new sibling receives the second one and is returned.
func (e *Editor) Split(ctx context.Context, parent, object *domain.TrackedObject, splitter domain.ObjectSplitter) (*domain.TrackedObject, error) {
	if object == nil || e.graph().Get(object.ID) != object {
		return nil, domain.Preconditionf("split", "object is required and must be owned by position %s", e.graph().Position())
	}
	var container domain.TrackedObject
	switch {
	case parent != nil && object.ParentID == parent.ID:
		container = *parent
	case parent == nil && object.ParentID == "":
	default:
		return nil, domain.Preconditionf("split", "object %s is not contained in the given parent", object.ID)
	}
	if splitter == nil {
		return nil, domain.Preconditionf("split", "no splitter for class %d", object.ClassIndex)
	}
	regions, err := splitter.Split(ctx, container, *object)
	if err != nil {
		if errors.Is(err, domain.ErrCannotSplit) {
			return nil, err
		}
		return nil, fmt.Errorf("split object %s: %w", object.ID, err)
	}
	if len(regions) != 2 {
		return nil, fmt.Errorf("split object %s into %d regions: %w", object.ID, len(regions), domain.ErrCannotSplit)
	}
	object.Region = regions[0]
	e.modified().Add(object)

	id := e.newID()
	sibling := e.graph().Add(domain.TrackedObject{
		ID:          id,
		Frame:       object.Frame,
		ClassIndex:  object.ClassIndex,
		ParentID:    object.ParentID,
		Index:       object.Index,
		TrackHeadID: id,
		Region:      regions[1],
	})
	e.modified().Create(sibling)
	e.RelabelChildren(object.ParentID, object.ClassIndex)
	return sibling, nil
}

// Merge combines objects sharing class, parent and frame into a new object
// carrying the merged region. The originals are removed from the arena along
// with their links.
func (e *Editor) Merge(ctx context.Context, objects []*domain.TrackedObject, merger domain.RegionMerger) (*domain.TrackedObject, error) {
	if len(objects) < 2 {
		return nil, domain.Preconditionf("merge", "at least two objects are required")
	}
	for _, o := range objects {
		if o == nil {
			return nil, domain.Preconditionf("merge", "objects are required")
		}
	}
	first := objects[0]
	if merger == nil {
		return nil, domain.Preconditionf("merge", "no merger for class %d", first.ClassIndex)
	}
	regions := make([]domain.Region, 0, len(objects))
	index := first.Index
	for _, o := range objects {
		if e.graph().Get(o.ID) != o {
			return nil, domain.Preconditionf("merge", "object %s is not owned by position %s", o.ID, e.graph().Position())
		}
		if o.ClassIndex != first.ClassIndex || o.ParentID != first.ParentID || o.Frame != first.Frame {
			return nil, domain.Preconditionf("merge", "objects must share class, parent and frame")
		}
		if o.Index < index {
			index = o.Index
		}
		regions = append(regions, o.Region)
	}
	region, err := merger.Merge(ctx, regions)
	if err != nil {
		return nil, fmt.Errorf("merge regions: %w", err)
	}
	for _, o := range objects {
		e.links.Remove(o)
	}
	id := e.newID()
	merged := e.graph().Add(domain.TrackedObject{
		ID:          id,
		Frame:       first.Frame,
		ClassIndex:  first.ClassIndex,
		ParentID:    first.ParentID,
		Index:       index,
		TrackHeadID: id,
		Region:      region,
	})
	e.modified().Create(merged)
	e.RelabelChildren(first.ParentID, first.ClassIndex)
	return merged, nil
}

// AddSegmented inserts objects produced by a segmenter under parent.
func (e *Editor) AddSegmented(parent *domain.TrackedObject, class int, regions []domain.Region) []*domain.TrackedObject {
	if parent == nil || len(regions) == 0 {
		return nil
	}
	next := len(e.graph().Children(parent.ID, class))
	out := make([]*domain.TrackedObject, 0, len(regions))
	for i, r := range regions {
		id := e.newID()
		o := e.graph().Add(domain.TrackedObject{
			ID:          id,
			Frame:       parent.Frame,
			ClassIndex:  class,
			ParentID:    parent.ID,
			Index:       next + i,
			TrackHeadID: id,
			Region:      r,
		})
		e.modified().Create(o)
		out = append(out, o)
	}
	e.RelabelChildren(parent.ID, class)
	return out
}

// RelabelChildren assigns contiguous indices to the children of class under
// parent, ordered by current index, region center (y, x) and id.
func (e *Editor) RelabelChildren(parent domain.ObjectID, class int) {
	children := e.graph().Children(parent, class)
	sort.SliceStable(children, func(i, j int) bool {
		a, b := children[i], children[j]
		if a.Index != b.Index {
			return a.Index < b.Index
		}
		if a.Region.Center.Y != b.Region.Center.Y {
			return a.Region.Center.Y < b.Region.Center.Y
		}
		if a.Region.Center.X != b.Region.Center.X {
			return a.Region.Center.X < b.Region.Center.X
		}
		return a.ID < b.ID
	})
	for i, c := range children {
		if c.Index != i {
			c.Index = i
			e.modified().Add(c)
		}
	}
}

// UnionMerger merges regions into their bounding union. The center is the
// size weighted mean of the centers.
type UnionMerger struct{}

var _ domain.RegionMerger = UnionMerger{}

// Merge implements domain.RegionMerger.
func (UnionMerger) Merge(_ context.Context, regions []domain.Region) (domain.Region, error) {
	if len(regions) == 0 {
		return domain.Region{}, errors.New("no regions to merge")
	}
	out := domain.Region{Box: regions[0].Box}
	var wx, wy, wz, weight float64
	for i, r := range regions {
		if i > 0 {
			out.Box = out.Box.Union(r.Box)
		}
		out.Size += r.Size
		w := r.Size
		if w <= 0 {
			w = 1
		}
		wx += r.Center.X * w
		wy += r.Center.Y * w
		wz += r.Center.Z * w
		weight += w
	}
	out.Center = domain.Point{X: wx / weight, Y: wy / weight, Z: wz / weight}
	return out, nil
}
