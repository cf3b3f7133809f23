package structure

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"trackcore/internal/lineage"
	"trackcore/pkg/domain"
)

type fixedSplitter struct {
	regions []domain.Region
	err     error
}

func (s fixedSplitter) Split(context.Context, domain.TrackedObject, domain.TrackedObject) ([]domain.Region, error) {
	return s.regions, s.err
}

func sequentialIDs() IDGenerator {
	n := 0
	return func() domain.ObjectID {
		n++
		return domain.ObjectID(fmt.Sprintf("new-%d", n))
	}
}

func fixture() (*lineage.Graph, *Editor) {
	objs := []domain.TrackedObject{
		{ID: "r0", Position: "p1", Frame: 0, ClassIndex: domain.RootClass, TrackHeadID: "r0"},
		{ID: "a", Position: "p1", Frame: 0, ClassIndex: 0, ParentID: "r0", Index: 0, TrackHeadID: "a",
			Region: domain.Region{Center: domain.Point{Y: 1}, Size: 4}},
		{ID: "b", Position: "p1", Frame: 0, ClassIndex: 0, ParentID: "r0", Index: 1, TrackHeadID: "b",
			Region: domain.Region{Center: domain.Point{Y: 5}, Size: 4}},
	}
	g := lineage.NewGraph("p1", objs)
	return g, NewEditor(lineage.NewEditor(g, nil), WithIDGenerator(sequentialIDs()))
}

func TestSplitCreatesSibling(t *testing.T) {
	g, e := fixture()
	splitter := fixedSplitter{regions: []domain.Region{
		{Center: domain.Point{Y: 0}, Size: 2},
		{Center: domain.Point{Y: 2}, Size: 2},
	}}
	sibling, err := e.Split(context.Background(), g.Get("r0"), g.Get("a"), splitter)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if sibling.ID != "new-1" || !sibling.IsTrackHead() || sibling.ParentID != "r0" {
		t.Fatalf("unexpected sibling %+v", *sibling)
	}
	if g.Get("a").Region.Size != 2 {
		t.Fatalf("original must shrink to the first region")
	}
	kids := g.Children("r0", 0)
	want := []domain.ObjectID{"a", "new-1", "b"}
	for i, k := range kids {
		if k.ID != want[i] || k.Index != i {
			t.Fatalf("child %d = %s/%d, want %s/%d", i, k.ID, k.Index, want[i], i)
		}
	}
	mod := e.links.Modified()
	if got := mod.Created(); len(got) != 1 || got[0] != "new-1" {
		t.Fatalf("expected created sibling, got %v", got)
	}
	if !mod.Contains("b") {
		t.Fatalf("relabelled sibling must be recorded")
	}
}

func TestSplitFailures(t *testing.T) {
	g, e := fixture()
	_, err := e.Split(context.Background(), g.Get("r0"), g.Get("a"), fixedSplitter{regions: []domain.Region{{}}})
	if !errors.Is(err, domain.ErrCannotSplit) {
		t.Fatalf("expected cannot split, got %v", err)
	}
	_, err = e.Split(context.Background(), g.Get("r0"), g.Get("a"), fixedSplitter{err: domain.ErrCannotSplit})
	if !errors.Is(err, domain.ErrCannotSplit) {
		t.Fatalf("splitter error must pass through, got %v", err)
	}
	_, err = e.Split(context.Background(), g.Get("b"), g.Get("a"), fixedSplitter{})
	if !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("wrong parent must be rejected, got %v", err)
	}
	if g.Len() != 3 {
		t.Fatalf("failed splits must not add objects")
	}
}

func TestMergeReplacesOriginals(t *testing.T) {
	g, e := fixture()
	merged, err := e.Merge(context.Background(), []*domain.TrackedObject{g.Get("a"), g.Get("b")}, UnionMerger{})
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if g.Get("a") != nil || g.Get("b") != nil {
		t.Fatalf("originals must leave the arena")
	}
	if merged.Index != 0 || merged.Region.Size != 8 || merged.Region.Center.Y != 3 {
		t.Fatalf("unexpected merged object %+v", *merged)
	}
	removed := e.links.Modified().Removed()
	if len(removed) != 2 {
		t.Fatalf("expected two removals, got %v", removed)
	}
}

func TestMergeRejectsMixedFrames(t *testing.T) {
	g, e := fixture()
	other := g.Add(domain.TrackedObject{ID: "c", Frame: 1, ParentID: "r0", TrackHeadID: "c"})
	_, err := e.Merge(context.Background(), []*domain.TrackedObject{g.Get("a"), other}, UnionMerger{})
	if !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	if g.Get("a") == nil {
		t.Fatalf("rejected merge must not mutate")
	}
}

func TestAddSegmentedAppendsChildren(t *testing.T) {
	g, e := fixture()
	added := e.AddSegmented(g.Get("r0"), 0, []domain.Region{{Size: 1}, {Size: 2}})
	if len(added) != 2 {
		t.Fatalf("expected two objects")
	}
	if added[0].Index != 2 || added[1].Index != 3 || added[0].Frame != 0 {
		t.Fatalf("unexpected indices %d %d", added[0].Index, added[1].Index)
	}
}

func TestSplitAndMergeRejectNilObjects(t *testing.T) {
	g, e := fixture()
	if _, err := e.Split(context.Background(), g.Get("r0"), nil, fixedSplitter{}); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument for nil split object, got %v", err)
	}
	for _, objs := range [][]*domain.TrackedObject{
		{nil, g.Get("a")},
		{g.Get("a"), nil},
		{g.Get("a"), g.Get("ghost")},
	} {
		if _, err := e.Merge(context.Background(), objs, UnionMerger{}); !errors.Is(err, domain.ErrInvalidArgument) {
			t.Fatalf("expected invalid argument for %v, got %v", objs, err)
		}
	}
	if g.Len() != 3 || g.Get("a") == nil {
		t.Fatalf("rejected edits must not mutate the arena")
	}
}
