package core

import (
	"context"

	"trackcore/pkg/domain"
)

// LinkObjects links the selected objects frame to frame, per parent track.
// With unlink set, links between consecutive selected frames are removed
// instead.
func (s *Service) LinkObjects(ctx context.Context, refs []domain.ObjectRef, unlink bool) (domain.Result, error) {
	op := "link_objects"
	if unlink {
		op = "unlink_objects"
	}
	position, err := positionOf(op, refs)
	if err != nil || position == "" {
		return domain.Result{}, err
	}
	return s.run(ctx, op, position, true, func(b *batch) error {
		objs, err := b.resolveClass(refs)
		if err != nil {
			return err
		}
		return b.linkSelection(objs, unlink)
	})
}

// UnlinkObjects removes the links between consecutive selected frames.
func (s *Service) UnlinkObjects(ctx context.Context, refs []domain.ObjectRef) (domain.Result, error) {
	return s.LinkObjects(ctx, refs, true)
}

// CreateTracks declares each object as the start of a new track: its incoming
// link is cut, it becomes the head of its chain and the start is recorded as
// validated.
func (s *Service) CreateTracks(ctx context.Context, refs []domain.ObjectRef) (domain.Result, error) {
	position, err := positionOf("create_tracks", refs)
	if err != nil || position == "" {
		return domain.Result{}, err
	}
	return s.run(ctx, "create_tracks", position, true, func(b *batch) error {
		objs, err := b.resolveClass(refs)
		if err != nil {
			return err
		}
		for _, o := range objs {
			b.links.CutBackward(o)
			if o.TrackErrorPrev {
				o.TrackErrorPrev = false
				b.modified().Add(o)
			}
			b.links.SetTrackHead(o, o, true, true)
		}
		return nil
	})
}

// ResetObjectLinks removes every link touching the objects and returns them
// to an unvalidated, error free state as heads of their own tracks.
func (s *Service) ResetObjectLinks(ctx context.Context, refs []domain.ObjectRef) (domain.Result, error) {
	position, err := positionOf("reset_object_links", refs)
	if err != nil || position == "" {
		return domain.Result{}, err
	}
	return s.run(ctx, "reset_object_links", position, true, func(b *batch) error {
		objs, err := b.resolve(refs)
		if err != nil {
			return err
		}
		for _, o := range objs {
			b.links.Isolate(o)
			o.EditedLinkPrev, o.EditedLinkNext = false, false
			o.TrackErrorPrev, o.TrackErrorNext = false, false
			b.links.SetTrackHead(o, o, false, false)
			b.modified().Add(o)
		}
		return nil
	})
}
