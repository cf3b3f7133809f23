package tracks

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"trackcore/internal/core"
	blobcore "trackcore/internal/infra/blob/core"
	blobmemory "trackcore/internal/infra/blob/memory"
	"trackcore/internal/infra/persistence/memory"
	"trackcore/pkg/domain"
)

const position = "p1"

func object(id string, frame int) domain.TrackedObject {
	return domain.TrackedObject{ID: domain.ObjectID(id), Position: position, Frame: frame, TrackHeadID: domain.ObjectID(id)}
}

// brokenTrack returns a track whose second object lost its back pointer.
func brokenTrack() []domain.TrackedObject {
	a, b, c := object("a", 0), object("b", 1), object("c", 2)
	a.NextID, b.TrackHeadID = "b", "a"
	b.NextID, c.PreviousID, c.TrackHeadID = "c", "b", "a"
	return []domain.TrackedObject{a, b, c, object("z", 1)}
}

func newService(t *testing.T, objs []domain.TrackedObject) *core.Service {
	t.Helper()
	store := memory.NewStore()
	if err := store.Store(context.Background(), objs); err != nil {
		t.Fatalf("seed store: %v", err)
	}
	ps := domain.NewPolicySet(map[int]domain.ClassPolicy{0: {Name: "cell", ParentClass: domain.RootClass}})
	return core.NewService(store, ps)
}

func waitFor(t *testing.T, w *Worker, id string) JobRecord {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		current, ok := w.GetJob(id)
		if !ok {
			t.Fatalf("job %s not found", id)
		}
		if current.Status == JobStatusSucceeded || current.Status == JobStatusFailed {
			return current
		}
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for job %s, status %s", id, current.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// auditEntries waits for n entries since the audit trail trails the status
// update by one call.
func auditEntries(t *testing.T, audit *MemoryAuditLog, n int) []AuditEntry {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		entries := audit.Entries()
		if len(entries) >= n {
			return entries
		}
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %d audit entries, got %+v", n, entries)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func readBlob(t *testing.T, store blobcore.Store, key string) []byte {
	t.Helper()
	_, rc, err := store.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("get %s: %v", key, err)
	}
	defer func() { _ = rc.Close() }()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read %s: %v", key, err)
	}
	return data
}

func TestWorkerRunsRepairJob(t *testing.T) {
	svc := newService(t, brokenTrack())
	audit := &MemoryAuditLog{}
	w := NewWorker(svc, nil, audit)
	w.Start()
	t.Cleanup(func() { _ = w.Stop(context.Background()) })

	record, err := w.EnqueueRepair(context.Background(), JobInput{Position: position, RequestedBy: "ops"})
	if err != nil {
		t.Fatalf("enqueue repair: %v", err)
	}
	if record.Status != JobStatusQueued || record.Kind != JobRepair {
		t.Fatalf("unexpected queued record %+v", record)
	}
	done := waitFor(t, w, record.ID)
	if done.Status != JobStatusSucceeded {
		t.Fatalf("repair failed: %s", done.Error)
	}
	if done.Report == nil || len(done.Report.Result.Modified) != 1 || done.CompletedAt == nil {
		t.Fatalf("expected a report with the healed object, got %+v", done)
	}
	track, err := svc.Track(context.Background(), domain.ObjectRef{Position: position, ID: "c"})
	if err != nil || len(track) != 3 || track[1].PreviousID != "a" {
		t.Fatalf("expected a healed a-b-c track, got %+v (%v)", track, err)
	}

	entries := auditEntries(t, audit, 3)
	want := []JobStatus{JobStatusQueued, JobStatusRunning, JobStatusSucceeded}
	if len(entries) != len(want) {
		t.Fatalf("expected %d audit entries, got %+v", len(want), entries)
	}
	for i, status := range want {
		if entries[i].Status != status || entries[i].Action != "track_repair" || entries[i].Actor != "ops" || entries[i].JobID != record.ID {
			t.Fatalf("unexpected audit entry %d: %+v", i, entries[i])
		}
	}
}

func TestWorkerExportsTracksToBlobStore(t *testing.T) {
	objs := brokenTrack()
	objs[1].PreviousID = "a"
	objs[1].Region.Center.X = 1.5
	svc := newService(t, objs)
	blobs := blobmemory.New()
	w := NewWorker(svc, blobs, &MemoryAuditLog{})
	w.Start()
	t.Cleanup(func() { _ = w.Stop(context.Background()) })

	record, err := w.EnqueueExport(context.Background(), JobInput{Position: position})
	if err != nil {
		t.Fatalf("enqueue export: %v", err)
	}
	done := waitFor(t, w, record.ID)
	if done.Status != JobStatusSucceeded {
		t.Fatalf("export failed: %s", done.Error)
	}
	if len(done.Artifacts) != 2 {
		t.Fatalf("expected json and csv artifacts, got %+v", done.Artifacts)
	}
	prefix := ExportPrefix(position, record.ID)
	listed, err := blobs.List(context.Background(), prefix)
	if err != nil || len(listed) != 2 {
		t.Fatalf("expected two blobs under %s, got %+v (%v)", prefix, listed, err)
	}

	var table TrackTable
	if err := json.Unmarshal(readBlob(t, blobs, prefix+"tracks.json"), &table); err != nil {
		t.Fatalf("decode json export: %v", err)
	}
	if table.Position != position || len(table.Tracks) != 2 {
		t.Fatalf("expected tracks a and z, got %+v", table)
	}
	if table.Tracks[0].Head != "a" || len(table.Tracks[0].Objects) != 3 {
		t.Fatalf("unexpected first track %+v", table.Tracks[0])
	}

	rows, err := csv.NewReader(strings.NewReader(string(readBlob(t, blobs, prefix+"tracks.csv")))).ReadAll()
	if err != nil {
		t.Fatalf("decode csv export: %v", err)
	}
	if len(rows) != 5 || rows[0][0] != "track_head_id" {
		t.Fatalf("expected header plus four rows, got %v", rows)
	}
	if rows[2][1] != "b" || rows[2][5] != "a" || rows[2][9] != "1.5" {
		t.Fatalf("unexpected row for b: %v", rows[2])
	}
	info, err := blobs.Head(context.Background(), prefix+"tracks.csv")
	if err != nil || info.ContentType != "text/csv" || info.Metadata["tracks"] != "2" {
		t.Fatalf("unexpected csv metadata %+v (%v)", info, err)
	}
}

type failingEditor struct {
	store domain.ObjectStore
}

func (f failingEditor) RepairLinksForPosition(context.Context, string, int) (core.RepairReport, error) {
	return core.RepairReport{}, errors.New("store down")
}

func (f failingEditor) Flush(context.Context, string) error { return errors.New("store down") }

func (f failingEditor) Store() domain.ObjectStore { return f.store }

func TestWorkerRecordsFailures(t *testing.T) {
	audit := &MemoryAuditLog{}
	w := NewWorker(failingEditor{store: memory.NewStore()}, blobmemory.New(), audit)
	w.Start()
	t.Cleanup(func() { _ = w.Stop(context.Background()) })

	repair, err := w.EnqueueRepair(context.Background(), JobInput{Position: position})
	if err != nil {
		t.Fatalf("enqueue repair: %v", err)
	}
	export, err := w.EnqueueExport(context.Background(), JobInput{Position: position})
	if err != nil {
		t.Fatalf("enqueue export: %v", err)
	}
	for _, id := range []string{repair.ID, export.ID} {
		done := waitFor(t, w, id)
		if done.Status != JobStatusFailed || !strings.Contains(done.Error, "store down") {
			t.Fatalf("expected failure, got %+v", done)
		}
	}
	failed := 0
	for _, e := range auditEntries(t, audit, 6) {
		if e.Status == JobStatusFailed && e.Metadata["error"] != nil {
			failed++
		}
	}
	if failed != 2 {
		t.Fatalf("expected two failure audit entries, got %d", failed)
	}
}

func TestWorkerRejectsInvalidRequests(t *testing.T) {
	w := NewWorkerWithQueue(newService(t, nil), nil, nil, 1)
	if _, err := w.EnqueueRepair(context.Background(), JobInput{Position: " "}); err == nil {
		t.Fatalf("expected missing position to fail")
	}
	if _, err := w.EnqueueExport(context.Background(), JobInput{Position: position}); err == nil {
		t.Fatalf("expected export without blob store to fail")
	}
	if _, err := NewWorker(nil, nil, nil).EnqueueRepair(context.Background(), JobInput{Position: position}); err == nil {
		t.Fatalf("expected missing editor to fail")
	}

	first, err := w.EnqueueRepair(context.Background(), JobInput{Position: position})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := w.EnqueueRepair(context.Background(), JobInput{Position: position}); err == nil || !strings.Contains(err.Error(), "queue full") {
		t.Fatalf("expected queue full, got %v", err)
	}
	if _, ok := w.GetJob(first.ID); !ok {
		t.Fatalf("queued job must stay visible")
	}
	if _, ok := w.GetJob("missing"); ok {
		t.Fatalf("unexpected job")
	}
	if err := w.Stop(context.Background()); err != nil {
		t.Fatalf("stop idle worker: %v", err)
	}
}

func TestWorkerStopHonoursContext(t *testing.T) {
	w := NewWorker(newService(t, nil), nil, nil)
	w.wg.Add(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := w.Stop(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
	w.wg.Done()
}
