// Package domain defines the tracked-object model, the persistence and plugin
// contracts, and the rules engine shared by the link-graph editing core.
package domain

import (
	"math"
	"sort"
)

// ObjectID identifies a tracked object within the arena of its position.
type ObjectID string

// RootClass is the object class of the per-frame root objects of a position.
const RootClass = -1

// Point is a location in image space.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Distance returns the euclidean distance between two points.
func (p Point) Distance(o Point) float64 {
	dx, dy, dz := p.X-o.X, p.Y-o.Y, p.Z-o.Z
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

// Box is an axis aligned bounding box; Max is exclusive.
type Box struct {
	Min Point `json:"min"`
	Max Point `json:"max"`
}

// Volume returns the box volume. Flat boxes (2D) use a unit depth.
func (b Box) Volume() float64 {
	dx, dy, dz := b.Max.X-b.Min.X, b.Max.Y-b.Min.Y, b.Max.Z-b.Min.Z
	if dz == 0 {
		dz = 1
	}
	if dx <= 0 || dy <= 0 || dz < 0 {
		return 0
	}
	return dx * dy * dz
}

// Intersect returns the overlap of two boxes and whether it is non-empty.
func (b Box) Intersect(o Box) (Box, bool) {
	out := Box{
		Min: Point{X: math.Max(b.Min.X, o.Min.X), Y: math.Max(b.Min.Y, o.Min.Y), Z: math.Max(b.Min.Z, o.Min.Z)},
		Max: Point{X: math.Min(b.Max.X, o.Max.X), Y: math.Min(b.Max.Y, o.Max.Y), Z: math.Min(b.Max.Z, o.Max.Z)},
	}
	if out.Max.X <= out.Min.X || out.Max.Y <= out.Min.Y || out.Max.Z < out.Min.Z {
		return Box{}, false
	}
	return out, true
}

// Union returns the smallest box containing both boxes.
func (b Box) Union(o Box) Box {
	return Box{
		Min: Point{X: math.Min(b.Min.X, o.Min.X), Y: math.Min(b.Min.Y, o.Min.Y), Z: math.Min(b.Min.Z, o.Min.Z)},
		Max: Point{X: math.Max(b.Max.X, o.Max.X), Y: math.Max(b.Max.Y, o.Max.Y), Z: math.Max(b.Max.Z, o.Max.Z)},
	}
}

// Region is the spatial shape of an object. The core never inspects pixels;
// it only reads the center, the bounding box and the size.
type Region struct {
	Center Point   `json:"center"`
	Box    Box     `json:"box"`
	Size   float64 `json:"size"`
}

// TrackedObject is a node of the temporal link graph.
//
// PreviousID, NextID and TrackHeadID are weak references resolved through the
// position arena. An empty id means the reference is absent.
type TrackedObject struct {
	ID          ObjectID `json:"id"`
	Position    string   `json:"position"`
	Frame       int      `json:"frame"`
	ClassIndex  int      `json:"class_index"`
	ParentID    ObjectID `json:"parent_id,omitempty"`
	Index       int      `json:"index"`
	PreviousID  ObjectID `json:"previous_id,omitempty"`
	NextID      ObjectID `json:"next_id,omitempty"`
	TrackHeadID ObjectID `json:"track_head_id,omitempty"`

	EditedLinkPrev bool `json:"edited_link_prev,omitempty"`
	EditedLinkNext bool `json:"edited_link_next,omitempty"`
	TrackErrorPrev bool `json:"track_error_prev,omitempty"`
	TrackErrorNext bool `json:"track_error_next,omitempty"`

	Region Region `json:"region"`
}

// ObjectRef addresses an object from outside the arena.
type ObjectRef struct {
	Position string   `json:"position"`
	ID       ObjectID `json:"id"`
}

// Ref returns the external reference of the object.
func (o TrackedObject) Ref() ObjectRef {
	return ObjectRef{Position: o.Position, ID: o.ID}
}

// IsTrackHead reports whether the object starts its own track.
func (o TrackedObject) IsTrackHead() bool {
	return o.TrackHeadID == o.ID
}

// IsRoot reports whether the object is a per-frame root.
func (o TrackedObject) IsRoot() bool {
	return o.ClassIndex == RootClass
}

// Refs converts objects into references.
func Refs(objects []TrackedObject) []ObjectRef {
	out := make([]ObjectRef, len(objects))
	for i, o := range objects {
		out[i] = o.Ref()
	}
	return out
}

// SortObjects orders objects by frame, class, index and id.
func SortObjects(objects []TrackedObject) {
	sort.Slice(objects, func(i, j int) bool {
		a, b := objects[i], objects[j]
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
	})
}
