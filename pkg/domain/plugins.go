package domain

import "context"

// Segmenter detects objects of a class inside a parent object. Seeds are
// optional hints supplied by a curator.
type Segmenter interface {
	Segment(ctx context.Context, parent TrackedObject, class int, seeds []Point) ([]Region, error)
}

// LinkProposal is a correspondence suggested by a Tracker.
type LinkProposal struct {
	Prev ObjectID
	Next ObjectID
}

// Tracker proposes frame-to-frame correspondences.
type Tracker interface {
	Track(ctx context.Context, prev, current []TrackedObject) ([]LinkProposal, error)
}

// ObjectSplitter cuts one region in two. Implementations return
// ErrCannotSplit when no cut exists.
type ObjectSplitter interface {
	Split(ctx context.Context, parent, object TrackedObject) ([]Region, error)
}

// RegionMerger combines several regions into one.
type RegionMerger interface {
	Merge(ctx context.Context, regions []Region) (Region, error)
}
