package core

import (
	"context"
	"errors"
	"testing"

	"trackcore/internal/matcher"
	"trackcore/pkg/domain"
)

type countingMatcher struct {
	calls int
}

func (m *countingMatcher) Match(prev, cur []*domain.TrackedObject, opts matcher.Options) matcher.Assignment {
	m.calls++
	return matcher.Match(prev, cur, opts)
}

func TestLinkObjectsSimpleLink(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t, policy(false, false), []domain.TrackedObject{obj("a", 0), obj("b", 1)})
	res, err := svc.LinkObjects(ctx, refs("a", "b"), false)
	if err != nil {
		t.Fatalf("link: %v", err)
	}
	if len(res.Modified) != 2 {
		t.Fatalf("expected both objects modified, got %v", res.Modified)
	}
	got := snapshot(t, store)
	a, b := got["a"], got["b"]
	if a.NextID != "b" || b.PreviousID != "a" {
		t.Fatalf("expected a->b, got next(a)=%q previous(b)=%q", a.NextID, b.PreviousID)
	}
	if !a.EditedLinkNext || !b.EditedLinkPrev {
		t.Fatalf("expected edited flags on both sides: %+v %+v", a, b)
	}
	if b.TrackHeadID != "a" {
		t.Fatalf("expected b to join track a, got %q", b.TrackHeadID)
	}
}

func TestLinkObjectsSplitSkipsMatcher(t *testing.T) {
	ctx := context.Background()
	m := &countingMatcher{}
	svc, store := newTestService(t, policy(true, false),
		[]domain.TrackedObject{at(obj("a", 0), 0, 0), at(obj("b", 1), -2, 0), at(obj("c", 1), 2, 0)},
		WithMatcher(m))
	if _, err := svc.LinkObjects(ctx, refs("a", "b", "c"), false); err != nil {
		t.Fatalf("link: %v", err)
	}
	if m.calls != 0 {
		t.Fatalf("expected no matcher call, got %d", m.calls)
	}
	got := snapshot(t, store)
	if got["a"].NextID != "" {
		t.Fatalf("split source keeps no single next, got %q", got["a"].NextID)
	}
	for _, id := range []domain.ObjectID{"b", "c"} {
		d := got[id]
		if d.PreviousID != "a" || !d.IsTrackHead() || !d.EditedLinkPrev {
			t.Fatalf("expected daughter %s of a heading its own track, got %+v", id, d)
		}
	}
	if !got["a"].EditedLinkNext {
		t.Fatalf("expected split source flagged as edited")
	}
}

func TestLinkObjectsMerge(t *testing.T) {
	ctx := context.Background()
	m := &countingMatcher{}
	svc, store := newTestService(t, policy(false, true),
		[]domain.TrackedObject{at(obj("a", 0), -2, 0), at(obj("b", 0), 2, 0), at(obj("c", 1), 0, 0)},
		WithMatcher(m))
	if _, err := svc.LinkObjects(ctx, refs("a", "b", "c"), false); err != nil {
		t.Fatalf("link: %v", err)
	}
	if m.calls != 0 {
		t.Fatalf("expected no matcher call, got %d", m.calls)
	}
	got := snapshot(t, store)
	if got["a"].NextID != "c" || got["b"].NextID != "c" {
		t.Fatalf("expected a->c and b->c, got %q %q", got["a"].NextID, got["b"].NextID)
	}
	if c := got["c"]; c.PreviousID != "" || !c.IsTrackHead() {
		t.Fatalf("merge target must head its own track without a single previous: %+v", c)
	}
}

func TestLinkObjectsAmbiguousReproducesInferredLink(t *testing.T) {
	ctx := context.Background()
	a, c := at(obj("a", 0), 0, 0), at(obj("c", 1), 0, 0)
	a.NextID, c.PreviousID, c.TrackHeadID = "c", "a", "a"
	m := &countingMatcher{}
	svc, store := newTestService(t, policy(true, true),
		[]domain.TrackedObject{a, at(obj("b", 0), 10, 0), c, at(obj("d", 1), 10, 0)},
		WithMatcher(m))
	if _, err := svc.LinkObjects(ctx, refs("a", "b", "c", "d"), false); err != nil {
		t.Fatalf("link: %v", err)
	}
	if m.calls != 1 {
		t.Fatalf("expected one matcher call, got %d", m.calls)
	}
	got := snapshot(t, store)
	if got["a"].NextID != "c" || got["c"].PreviousID != "a" {
		t.Fatalf("expected a->c reproduced, got %+v %+v", got["a"], got["c"])
	}
	if got["a"].EditedLinkNext || got["c"].EditedLinkPrev {
		t.Fatalf("reproduced inferred link must stay unedited")
	}
	if got["b"].NextID != "d" || got["d"].PreviousID != "b" {
		t.Fatalf("expected b->d created, got %+v %+v", got["b"], got["d"])
	}
	if !got["b"].EditedLinkNext || !got["d"].EditedLinkPrev {
		t.Fatalf("new link must be flagged edited")
	}
	if got["c"].TrackHeadID != "a" || got["d"].TrackHeadID != "b" {
		t.Fatalf("unexpected heads c=%q d=%q", got["c"].TrackHeadID, got["d"].TrackHeadID)
	}
}

func TestPruneTrackBridgesChain(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t, policy(false, false), chain("a", "b", "c", "d"))
	res, err := svc.PruneTrack(ctx, refs("b"), domain.MergeAlways)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if len(res.Removed) != 1 || res.Removed[0] != "b" {
		t.Fatalf("expected b removed, got %v", res.Removed)
	}
	got := snapshot(t, store)
	if _, ok := got["b"]; ok {
		t.Fatalf("b must be deleted from the store")
	}
	if got["a"].NextID != "c" || got["c"].PreviousID != "a" || got["c"].NextID != "d" {
		t.Fatalf("expected a->c->d, got %+v %+v", got["a"], got["c"])
	}
	for _, id := range []domain.ObjectID{"c", "d"} {
		if got[id].TrackHeadID != "a" {
			t.Fatalf("expected %s back in track a, got %q", id, got[id].TrackHeadID)
		}
	}
}

func TestPruneTrackRemovesBranchLineage(t *testing.T) {
	ctx := context.Background()
	objs := chain("a", "b", "c")
	d1, d2, g := obj("d1", 2), obj("d2", 2), obj("g", 3)
	// b splits into c and d1,d2 below; c keeps the simple continuation.
	d1.PreviousID, d2.PreviousID = "b", "b"
	d1.NextID, g.PreviousID, g.TrackHeadID = "g", "d1", "d1"
	svc, store := newTestService(t, policy(true, false), append(objs, d1, d2, g))
	if _, err := svc.PruneTrack(ctx, refs("b"), domain.MergeAlways); err != nil {
		t.Fatalf("prune: %v", err)
	}
	got := snapshot(t, store)
	for _, id := range []domain.ObjectID{"b", "d1", "d2", "g"} {
		if _, ok := got[id]; ok {
			t.Fatalf("expected %s pruned", id)
		}
	}
	if got["a"].NextID != "c" || got["c"].PreviousID != "a" {
		t.Fatalf("expected continuation bridged, got %+v %+v", got["a"], got["c"])
	}
}

func TestDeleteObjectsWithoutBridge(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t, policy(false, false), chain("a", "b", "c"))
	if _, err := svc.DeleteObjects(ctx, refs("b"), domain.MergeNever); err != nil {
		t.Fatalf("delete: %v", err)
	}
	got := snapshot(t, store)
	if got["a"].NextID != "" || got["c"].PreviousID != "" {
		t.Fatalf("expected fragments left apart, got %+v %+v", got["a"], got["c"])
	}
	if !got["c"].IsTrackHead() {
		t.Fatalf("expected c to head its fragment, got %q", got["c"].TrackHeadID)
	}
}

func TestDeleteObjectsRemovesContainedChildren(t *testing.T) {
	ctx := context.Background()
	parent := obj("cham", 0)
	parent.ClassIndex = 1
	child := obj("cell", 0)
	child.ParentID = "cham"
	ps := domain.NewPolicySet(map[int]domain.ClassPolicy{
		0: {Name: "cell", ParentClass: 1},
		1: {Name: "chamber", ParentClass: domain.RootClass},
	})
	svc, store := newTestService(t, ps, []domain.TrackedObject{parent, child})
	res, err := svc.DeleteObjects(ctx, []domain.ObjectRef{{Position: testPosition, ID: "cham"}}, domain.MergeAlways)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(res.Removed) != 2 {
		t.Fatalf("expected parent and child removed, got %v", res.Removed)
	}
	if len(snapshot(t, store)) != 0 {
		t.Fatalf("expected empty position")
	}
}

func TestCreateTracksCutsIncomingLink(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t, policy(false, false), chain("a", "b", "c"))
	if _, err := svc.CreateTracks(ctx, refs("b")); err != nil {
		t.Fatalf("create tracks: %v", err)
	}
	got := snapshot(t, store)
	if got["a"].NextID != "" || got["b"].PreviousID != "" {
		t.Fatalf("expected a and b detached, got %+v %+v", got["a"], got["b"])
	}
	if !got["b"].IsTrackHead() || !got["b"].EditedLinkPrev || got["c"].TrackHeadID != "b" {
		t.Fatalf("expected b to head a validated track, got %+v %+v", got["b"], got["c"])
	}
}

func TestResetObjectLinksClearsEverything(t *testing.T) {
	ctx := context.Background()
	objs := chain("a", "b", "c")
	objs[1].EditedLinkPrev, objs[1].TrackErrorNext = true, true
	svc, store := newTestService(t, policy(false, false), objs)
	if _, err := svc.ResetObjectLinks(ctx, refs("b")); err != nil {
		t.Fatalf("reset: %v", err)
	}
	got := snapshot(t, store)
	b := got["b"]
	if b.PreviousID != "" || b.NextID != "" || !b.IsTrackHead() {
		t.Fatalf("expected isolated head, got %+v", b)
	}
	if b.EditedLinkPrev || b.EditedLinkNext || b.TrackErrorPrev || b.TrackErrorNext {
		t.Fatalf("expected flags cleared, got %+v", b)
	}
	if got["a"].NextID != "" || got["c"].PreviousID != "" || !got["c"].IsTrackHead() {
		t.Fatalf("expected neighbours detached, got %+v %+v", got["a"], got["c"])
	}
}

func TestLinkThenUnlinkRestoresAbsence(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t, policy(false, false), []domain.TrackedObject{obj("a", 0), obj("b", 1)})
	if _, err := svc.LinkObjects(ctx, refs("a", "b"), false); err != nil {
		t.Fatalf("link: %v", err)
	}
	if _, err := svc.UnlinkObjects(ctx, refs("a", "b")); err != nil {
		t.Fatalf("unlink: %v", err)
	}
	got := snapshot(t, store)
	if got["a"].NextID != "" || got["b"].PreviousID != "" {
		t.Fatalf("expected no link, got %+v %+v", got["a"], got["b"])
	}
	if !got["b"].IsTrackHead() {
		t.Fatalf("expected b to head its own track")
	}
}

func TestOperationsRejectInvalidSelections(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, policy(false, false), []domain.TrackedObject{obj("a", 0), obj("b", 1)})
	mixed := []domain.ObjectRef{{Position: "p1", ID: "a"}, {Position: "p2", ID: "b"}}
	if _, err := svc.LinkObjects(ctx, mixed, false); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument for mixed positions, got %v", err)
	}
	if _, err := svc.LinkObjects(ctx, refs("a", "ghost"), false); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := svc.Track(ctx, domain.ObjectRef{ID: "a"}); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("expected missing position to be rejected, got %v", err)
	}
	res, err := svc.LinkObjects(ctx, nil, false)
	if err != nil || len(res.Modified) != 0 {
		t.Fatalf("expected empty selection to be a no-op, got %+v %v", res, err)
	}
}

func TestLinkObjectsRejectsMixedClasses(t *testing.T) {
	ctx := context.Background()
	b := obj("b", 1)
	b.ClassIndex = 1
	svc, store := newTestService(t, policy(false, false), []domain.TrackedObject{obj("a", 0), b})
	if _, err := svc.LinkObjects(ctx, refs("a", "b"), false); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("expected class mismatch rejected, got %v", err)
	}
	if got := snapshot(t, store); got["a"].NextID != "" {
		t.Fatalf("rejected call must not mutate")
	}
}

func TestTrackFollowsHead(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, policy(false, false), chain("a", "b", "c"))
	track, err := svc.Track(ctx, domain.ObjectRef{Position: testPosition, ID: "c"})
	if err != nil {
		t.Fatalf("track: %v", err)
	}
	if len(track) != 3 || track[0].ID != "a" || track[2].ID != "c" {
		t.Fatalf("unexpected track %+v", track)
	}
}

func TestPersistenceFailureKeepsEditsForFlush(t *testing.T) {
	ctx := context.Background()
	inner := seededStore(t, obj("a", 0), obj("b", 1))
	store := &flakyStore{inner: inner, down: true}
	svc := NewService(store, policy(false, false))
	if _, err := svc.LinkObjects(ctx, refs("a", "b"), false); !errors.Is(err, errStoreDown) {
		t.Fatalf("expected store failure, got %v", err)
	}
	if got := arena(t, svc); got["a"].NextID != "b" {
		t.Fatalf("in-memory edit must survive the failed write")
	}
	if svc.Pending(testPosition) != 2 {
		t.Fatalf("expected 2 pending objects, got %d", svc.Pending(testPosition))
	}
	if err := svc.Flush(ctx, testPosition); !errors.Is(err, errStoreDown) {
		t.Fatalf("expected flush to fail while down, got %v", err)
	}
	store.down = false
	if err := svc.Flush(ctx, testPosition); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if svc.Pending(testPosition) != 0 {
		t.Fatalf("expected nothing pending after flush")
	}
	if got := snapshot(t, inner); got["a"].NextID != "b" || got["b"].PreviousID != "a" {
		t.Fatalf("expected link persisted after flush, got %+v %+v", got["a"], got["b"])
	}
	if err := svc.Flush(ctx, "unknown"); err != nil {
		t.Fatalf("flush of unknown position should be a no-op: %v", err)
	}
}

func TestCancelledContextLeavesStateUntouched(t *testing.T) {
	svc, store := newTestService(t, policy(false, false), []domain.TrackedObject{obj("a", 0), obj("b", 1)})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := svc.LinkObjects(ctx, refs("a", "b"), false); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
	if got := snapshot(t, store); got["a"].NextID != "" {
		t.Fatalf("cancelled batch must not persist")
	}
}

func TestEvictReloadsFromStore(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t, policy(false, false), []domain.TrackedObject{obj("a", 0)})
	if _, err := svc.Objects(ctx, testPosition); err != nil {
		t.Fatalf("objects: %v", err)
	}
	if err := store.Store(ctx, []domain.TrackedObject{obj("b", 1)}); err != nil {
		t.Fatalf("store: %v", err)
	}
	if got := arena(t, svc); len(got) != 1 {
		t.Fatalf("expected cached session, got %d objects", len(got))
	}
	svc.Evict(testPosition)
	if got := arena(t, svc); len(got) != 2 {
		t.Fatalf("expected reload after evict, got %d objects", len(got))
	}
}
