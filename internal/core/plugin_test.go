package core

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"trackcore/internal/structure"
	"trackcore/pkg/domain"
)

type testPlugin struct {
	name     string
	register func(*PluginRegistry) error
}

func (p testPlugin) Name() string    { return p.name }
func (p testPlugin) Version() string { return "0.1.0" }
func (p testPlugin) Register(r *PluginRegistry) error {
	if p.register == nil {
		return nil
	}
	return p.register(r)
}

type blockAllRule struct{}

func (blockAllRule) Name() string { return "block_all" }

func (r blockAllRule) Evaluate(_ context.Context, _ domain.GraphView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	for _, c := range changes {
		res.Violations = append(res.Violations, domain.Violation{Rule: r.Name(), Severity: domain.SeverityBlock, ObjectID: c.ObjectID})
	}
	return res, nil
}

type halfSplitter struct {
	err error
}

func (s halfSplitter) Split(_ context.Context, _, o domain.TrackedObject) ([]domain.Region, error) {
	if s.err != nil {
		return nil, s.err
	}
	left, right := o.Region, o.Region
	left.Center.X -= 1
	right.Center.X += 1
	left.Size, right.Size = o.Region.Size/2, o.Region.Size/2
	return []domain.Region{left, right}, nil
}

type fixedSegmenter struct {
	regions []domain.Region
}

func (s fixedSegmenter) Segment(context.Context, domain.TrackedObject, int, []domain.Point) ([]domain.Region, error) {
	return s.regions, nil
}

// firstTracker links the first previous object to every current object.
type firstTracker struct{}

func (firstTracker) Track(_ context.Context, prev, current []domain.TrackedObject) ([]domain.LinkProposal, error) {
	var out []domain.LinkProposal
	for _, c := range current {
		out = append(out, domain.LinkProposal{Prev: prev[0].ID, Next: c.ID})
	}
	return out, nil
}

func fixedIDs(ids ...string) structure.IDGenerator {
	i := 0
	return func() domain.ObjectID {
		id := ids[i%len(ids)]
		i++
		return domain.ObjectID(id)
	}
}

func TestInstallPluginRegistersCapabilitiesAndRules(t *testing.T) {
	svc := NewService(seededStore(t), policy(false, false))
	meta, err := svc.InstallPlugin(testPlugin{name: "cells", register: func(r *PluginRegistry) error {
		r.RegisterSplitter(2, halfSplitter{})
		r.RegisterMerger(0, structure.UnionMerger{})
		r.RegisterRule(blockAllRule{})
		r.RegisterRule(nil)
		return nil
	}})
	if err != nil {
		t.Fatalf("install: %v", err)
	}
	if len(meta.Classes) != 2 || meta.Classes[0] != 0 || meta.Classes[1] != 2 {
		t.Fatalf("unexpected classes %v", meta.Classes)
	}
	if len(meta.Rules) != 1 || meta.Rules[0] != "block_all" {
		t.Fatalf("unexpected rules %v", meta.Rules)
	}
	if svc.Plugins().Splitter(2) == nil || svc.Plugins().Merger(0) == nil || svc.Plugins().Segmenter(0) != nil {
		t.Fatalf("unexpected capability lookup")
	}
	if got := svc.RulesEngine().Rules(); got[len(got)-1] != "block_all" {
		t.Fatalf("plugin rule not wired, got %v", got)
	}
	if _, err := svc.InstallPlugin(testPlugin{name: "cells"}); err == nil {
		t.Fatalf("expected duplicate plugin to fail")
	}
	if _, err := svc.InstallPlugin(nil); err == nil {
		t.Fatalf("expected nil plugin to fail")
	}
	boom := errors.New("boom")
	if _, err := svc.InstallPlugin(testPlugin{name: "broken", register: func(*PluginRegistry) error { return boom }}); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped registration error, got %v", err)
	}
	if installed := svc.Plugins().Installed(); len(installed) != 1 || installed[0].Name != "cells" {
		t.Fatalf("unexpected installed plugins %+v", installed)
	}
}

func TestBlockingRuleRollsBackBatch(t *testing.T) {
	ctx := context.Background()
	audit := &captureAuditRecorder{}
	svc, store := newTestService(t, policy(false, false), []domain.TrackedObject{obj("a", 0), obj("b", 1)},
		WithAuditRecorder(audit))
	if _, err := svc.InstallPlugin(testPlugin{name: "strict", register: func(r *PluginRegistry) error {
		r.RegisterRule(blockAllRule{})
		return nil
	}}); err != nil {
		t.Fatalf("install: %v", err)
	}
	_, err := svc.LinkObjects(ctx, refs("a", "b"), false)
	var rv domain.RuleViolationError
	if !errors.As(err, &rv) {
		t.Fatalf("expected rule violation, got %v", err)
	}
	if len(rv.Result.Violations) != 2 {
		t.Fatalf("expected a violation per changed object, got %+v", rv.Result.Violations)
	}
	if got := arena(t, svc); got["a"].NextID != "" {
		t.Fatalf("blocked batch must not reach the arena")
	}
	if got := snapshot(t, store); got["a"].NextID != "" {
		t.Fatalf("blocked batch must not be persisted")
	}
	if !audit.has("link_objects", AuditStatusError) {
		t.Fatalf("expected error audit entry")
	}
}

func TestSplitObjectsCreatesSibling(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t, policy(false, false), []domain.TrackedObject{at(obj("o", 1), 5, 5)},
		WithIDGenerator(fixedIDs("sib")))
	if _, err := svc.InstallPlugin(testPlugin{name: "split", register: func(r *PluginRegistry) error {
		r.RegisterSplitter(0, halfSplitter{})
		return nil
	}}); err != nil {
		t.Fatalf("install: %v", err)
	}
	res, err := svc.SplitObjects(ctx, refs("o"))
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if len(res.Created) != 1 || res.Created[0] != "sib" {
		t.Fatalf("expected sibling created, got %+v", res)
	}
	got := snapshot(t, store)
	sib, ok := got["sib"]
	if !ok || sib.Position != testPosition || sib.Frame != 1 || !sib.IsTrackHead() {
		t.Fatalf("unexpected sibling %+v", sib)
	}
	if got["o"].Region.Center.X != 4 || sib.Region.Center.X != 6 {
		t.Fatalf("expected regions cut in two, got %+v %+v", got["o"].Region, sib.Region)
	}
}

func TestSplitObjectsSkipsUncuttableAndMissingSplitter(t *testing.T) {
	ctx := context.Background()
	logger := &captureLogger{}
	svc, store := newTestService(t, policy(false, false), []domain.TrackedObject{obj("o", 1)}, WithLogger(logger))
	res, err := svc.SplitObjects(ctx, refs("o"))
	if err != nil || len(res.Created) != 0 || !logger.saw("no splitter configured") {
		t.Fatalf("expected a logged no-op, got %+v %v", res, err)
	}
	if _, err := svc.InstallPlugin(testPlugin{name: "split", register: func(r *PluginRegistry) error {
		r.RegisterSplitter(0, halfSplitter{err: fmt.Errorf("too small: %w", domain.ErrCannotSplit)})
		return nil
	}}); err != nil {
		t.Fatalf("install: %v", err)
	}
	res, err = svc.SplitObjects(ctx, refs("o"))
	if err != nil || len(res.Created) != 0 || !logger.saw("object cannot be split") {
		t.Fatalf("expected the object skipped, got %+v %v", res, err)
	}
	if len(snapshot(t, store)) != 1 {
		t.Fatalf("expected the store untouched")
	}
}

func TestMergeObjectsRewiresNeighbours(t *testing.T) {
	ctx := context.Background()
	p, b, c, n := obj("p", 0), at(obj("b", 1), 0, 0), at(obj("c", 1), 4, 0), obj("n", 2)
	p.NextID, b.PreviousID, b.TrackHeadID = "b", "p", "p"
	b.NextID, n.PreviousID, n.TrackHeadID = "n", "b", "p"
	svc, store := newTestService(t, policy(false, false), []domain.TrackedObject{p, b, c, n},
		WithIDGenerator(fixedIDs("m")))
	if _, err := svc.InstallPlugin(testPlugin{name: "merge", register: func(r *PluginRegistry) error {
		r.RegisterMerger(0, structure.UnionMerger{})
		return nil
	}}); err != nil {
		t.Fatalf("install: %v", err)
	}
	res, err := svc.MergeObjects(ctx, refs("b", "c"))
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if len(res.Created) != 1 || len(res.Removed) != 2 {
		t.Fatalf("expected one created and two removed, got %+v", res)
	}
	got := snapshot(t, store)
	if _, ok := got["b"]; ok {
		t.Fatalf("merged inputs must be removed")
	}
	m := got["m"]
	if got["p"].NextID != "m" || m.PreviousID != "p" || m.NextID != "n" || got["n"].PreviousID != "m" {
		t.Fatalf("expected p->m->n, got %+v %+v %+v", got["p"], m, got["n"])
	}
	if m.TrackHeadID != "p" || got["n"].TrackHeadID != "p" {
		t.Fatalf("expected the merged object to continue track p, got %q %q", m.TrackHeadID, got["n"].TrackHeadID)
	}
	if m.Region.Center.X != 2 {
		t.Fatalf("expected union region, got %+v", m.Region)
	}
}

func TestManualSegmentTracksFromPreviousFrame(t *testing.T) {
	ctx := context.Background()
	ch0, ch1 := obj("ch0", 0), obj("ch1", 1)
	ch0.ClassIndex, ch1.ClassIndex = 1, 1
	ch0.NextID, ch1.PreviousID, ch1.TrackHeadID = "ch1", "ch0", "ch0"
	c0 := obj("c0", 0)
	c0.ParentID = "ch0"
	ps := domain.NewPolicySet(map[int]domain.ClassPolicy{
		0: {Name: "cell", ParentClass: 1},
		1: {Name: "chamber", ParentClass: domain.RootClass},
	})
	svc, store := newTestService(t, ps, []domain.TrackedObject{ch0, ch1, c0}, WithIDGenerator(fixedIDs("new")))
	if _, err := svc.InstallPlugin(testPlugin{name: "seg", register: func(r *PluginRegistry) error {
		r.RegisterSegmenter(0, fixedSegmenter{regions: []domain.Region{{Center: domain.Point{X: 1, Y: 1}, Size: 3}}})
		r.RegisterTracker(0, firstTracker{})
		return nil
	}}); err != nil {
		t.Fatalf("install: %v", err)
	}
	res, err := svc.ManualSegment(ctx, domain.ObjectRef{Position: testPosition, ID: "ch1"}, 0, nil)
	if err != nil {
		t.Fatalf("segment: %v", err)
	}
	if len(res.Created) != 1 || res.Created[0] != "new" {
		t.Fatalf("expected one created object, got %+v", res)
	}
	got := snapshot(t, store)
	created := got["new"]
	if created.ParentID != "ch1" || created.ClassIndex != 0 || created.Frame != 1 {
		t.Fatalf("unexpected created object %+v", created)
	}
	if got["c0"].NextID != "new" || created.PreviousID != "c0" || created.TrackHeadID != "c0" {
		t.Fatalf("expected tracker link c0->new, got %+v %+v", got["c0"], created)
	}
	if got["c0"].EditedLinkNext || created.EditedLinkPrev {
		t.Fatalf("tracker links are inferred, not validated")
	}

	if _, err := svc.ManualSegment(ctx, domain.ObjectRef{Position: testPosition, ID: "c0"}, 0, nil); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("expected wrong parent class rejected, got %v", err)
	}
	if res, err := svc.ManualSegment(ctx, domain.ObjectRef{Position: testPosition, ID: "ch1"}, 5, nil); err != nil || len(res.Created) != 0 {
		t.Fatalf("expected missing segmenter to be a no-op, got %+v %v", res, err)
	}
}
