// Package tracks runs long track edits and exports off the request path.
package tracks

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"trackcore/internal/core"
	blobcore "trackcore/internal/infra/blob/core"
	"trackcore/pkg/domain"
)

// JobKind selects what a queued job does.
type JobKind string

const (
	JobRepair JobKind = "repair"
	JobExport JobKind = "export"
)

// JobStatus describes the lifecycle stage of a job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
)

// DefaultQueueSize bounds the number of jobs waiting for the worker.
const DefaultQueueSize = 32

// JobRecord tracks a job request and its outcome.
type JobRecord struct {
	ID          string             `json:"id"`
	Kind        JobKind            `json:"kind"`
	Position    string             `json:"position"`
	Class       int                `json:"class"`
	Status      JobStatus          `json:"status"`
	Error       string             `json:"error,omitempty"`
	Report      *core.RepairReport `json:"report,omitempty"`
	Artifacts   []blobcore.Info    `json:"artifacts,omitempty"`
	RequestedBy string             `json:"requested_by"`
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
	CompletedAt *time.Time         `json:"completed_at,omitempty"`
}

// JobInput is an enqueue request for the worker.
type JobInput struct {
	Position    string
	Class       int
	RequestedBy string
}

// Editor is the part of the editing service the worker drives.
type Editor interface {
	RepairLinksForPosition(ctx context.Context, position string, class int) (core.RepairReport, error)
	Flush(ctx context.Context, position string) error
	Store() domain.ObjectStore
}

// AuditLogger records job audit entries.
type AuditLogger interface {
	Record(ctx context.Context, entry AuditEntry)
}

// AuditEntry captures one job status transition.
type AuditEntry struct {
	ID         string         `json:"id"`
	Action     string         `json:"action"`
	Actor      string         `json:"actor"`
	JobID      string         `json:"job_id"`
	Position   string         `json:"position"`
	Status     JobStatus      `json:"status"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Worker executes repair and export jobs one at a time, so two jobs on the
// same position never overlap.
type Worker struct {
	editor Editor
	blobs  blobcore.Store
	audit  AuditLogger

	queue chan string
	mu    sync.RWMutex
	jobs  map[string]*JobRecord

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWorker constructs a worker with the default queue size. blobs may be
// nil when only repair jobs are scheduled.
func NewWorker(editor Editor, blobs blobcore.Store, audit AuditLogger) *Worker {
	return NewWorkerWithQueue(editor, blobs, audit, DefaultQueueSize)
}

// NewWorkerWithQueue constructs a worker whose queue holds size jobs.
func NewWorkerWithQueue(editor Editor, blobs blobcore.Store, audit AuditLogger, size int) *Worker {
	if size <= 0 {
		size = DefaultQueueSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		editor: editor,
		blobs:  blobs,
		audit:  audit,
		queue:  make(chan string, size),
		jobs:   make(map[string]*JobRecord),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins processing jobs.
func (w *Worker) Start() {
	w.wg.Add(1)
	go w.loop()
}

// Stop signals the worker to halt and waits for the running job to finish.
func (w *Worker) Stop(ctx context.Context) error {
	w.cancel()
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case id := <-w.queue:
			w.process(id)
		}
	}
}

// EnqueueRepair schedules a repair of input.Position for input.Class.
func (w *Worker) EnqueueRepair(ctx context.Context, input JobInput) (JobRecord, error) {
	return w.enqueue(ctx, JobRepair, input)
}

// EnqueueExport schedules a JSON and CSV export of the tracks of
// input.Class in input.Position.
func (w *Worker) EnqueueExport(ctx context.Context, input JobInput) (JobRecord, error) {
	if w.blobs == nil {
		return JobRecord{}, fmt.Errorf("export blob store not configured")
	}
	return w.enqueue(ctx, JobExport, input)
}

func (w *Worker) enqueue(ctx context.Context, kind JobKind, input JobInput) (JobRecord, error) {
	if w.editor == nil {
		return JobRecord{}, fmt.Errorf("track editor not configured")
	}
	if strings.TrimSpace(input.Position) == "" {
		return JobRecord{}, fmt.Errorf("position required")
	}

	id := uuid.NewString()
	now := time.Now().UTC()
	record := JobRecord{
		ID:          id,
		Kind:        kind,
		Position:    input.Position,
		Class:       input.Class,
		Status:      JobStatusQueued,
		RequestedBy: input.RequestedBy,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	w.mu.Lock()
	w.jobs[id] = &record
	queued := record.copy()
	w.mu.Unlock()

	w.record(ctx, id, JobStatusQueued, nil, now)

	select {
	case w.queue <- id:
	default:
		w.fail(id, "queue full")
		return JobRecord{}, fmt.Errorf("%s queue full", kind)
	}
	return queued, nil
}

// GetJob returns a snapshot of the job record.
func (w *Worker) GetJob(id string) (JobRecord, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	record, ok := w.jobs[id]
	if !ok {
		return JobRecord{}, false
	}
	return record.copy(), true
}

func (w *Worker) process(id string) {
	w.mu.RLock()
	record, ok := w.jobs[id]
	var job JobRecord
	if ok {
		job = record.copy()
	}
	w.mu.RUnlock()
	if !ok {
		return
	}

	w.updateStatus(id, JobStatusRunning)
	switch job.Kind {
	case JobRepair:
		report, err := w.editor.RepairLinksForPosition(w.ctx, job.Position, job.Class)
		if err != nil {
			w.fail(id, fmt.Sprintf("repair failed: %v", err))
			return
		}
		w.complete(id, &report, nil)
	case JobExport:
		artifacts, err := w.export(job)
		if err != nil {
			w.fail(id, err.Error())
			return
		}
		w.complete(id, nil, artifacts)
	default:
		w.fail(id, fmt.Sprintf("unknown job kind %q", job.Kind))
	}
}

func (w *Worker) updateStatus(id string, status JobStatus) {
	now := time.Now().UTC()
	w.mu.Lock()
	if record, ok := w.jobs[id]; ok {
		record.Status = status
		record.UpdatedAt = now
	}
	w.mu.Unlock()
	w.record(w.ctx, id, status, nil, now)
}

func (w *Worker) complete(id string, report *core.RepairReport, artifacts []blobcore.Info) {
	now := time.Now().UTC()
	w.mu.Lock()
	if record, ok := w.jobs[id]; ok {
		record.Status = JobStatusSucceeded
		record.Error = ""
		record.Report = report
		record.Artifacts = artifacts
		record.UpdatedAt = now
		record.CompletedAt = &now
	}
	w.mu.Unlock()
	meta := map[string]any{}
	if report != nil {
		meta["modified"] = len(report.Result.Modified)
		meta["collections"] = len(report.Collections)
	}
	if len(artifacts) > 0 {
		meta["artifacts"] = len(artifacts)
	}
	w.record(w.ctx, id, JobStatusSucceeded, meta, now)
}

func (w *Worker) fail(id, reason string) {
	now := time.Now().UTC()
	w.mu.Lock()
	if record, ok := w.jobs[id]; ok {
		record.Status = JobStatusFailed
		record.Error = reason
		record.UpdatedAt = now
		record.CompletedAt = &now
	}
	w.mu.Unlock()
	w.record(w.ctx, id, JobStatusFailed, map[string]any{"error": reason}, now)
}

func (w *Worker) record(ctx context.Context, id string, status JobStatus, meta map[string]any, at time.Time) {
	if w.audit == nil {
		return
	}
	w.mu.RLock()
	record, ok := w.jobs[id]
	var kind JobKind
	var actor, position string
	if ok {
		kind, actor, position = record.Kind, record.RequestedBy, record.Position
	}
	w.mu.RUnlock()
	if len(meta) == 0 {
		meta = nil
	}
	w.audit.Record(ctx, AuditEntry{
		ID:         uuid.NewString(),
		Action:     "track_" + string(kind),
		Actor:      actor,
		JobID:      id,
		Position:   position,
		Status:     status,
		Metadata:   meta,
		OccurredAt: at,
	})
}

// TrackTable is the JSON rendering of an export.
type TrackTable struct {
	Position    string     `json:"position"`
	Class       int        `json:"class"`
	Roots       int        `json:"roots"`
	GeneratedAt time.Time  `json:"generated_at"`
	Tracks      []TrackRow `json:"tracks"`
}

// TrackRow is one track of an export, ordered by frame from its head.
type TrackRow struct {
	Head    domain.ObjectID        `json:"head"`
	Objects []domain.TrackedObject `json:"objects"`
}

var csvHeader = []string{
	"track_head_id", "object_id", "frame", "class_index", "parent_id",
	"previous_id", "next_id", "edited_link_prev", "edited_link_next",
	"center_x", "center_y", "center_z", "size",
}

func (w *Worker) export(job JobRecord) ([]blobcore.Info, error) {
	if err := w.editor.Flush(w.ctx, job.Position); err != nil {
		return nil, fmt.Errorf("flush pending edits: %w", err)
	}
	table, err := w.readTracks(job.Position, job.Class)
	if err != nil {
		return nil, err
	}
	payloadJSON, err := json.Marshal(table)
	if err != nil {
		return nil, fmt.Errorf("marshal json: %w", err)
	}
	payloadCSV, err := renderCSV(table)
	if err != nil {
		return nil, fmt.Errorf("render csv: %w", err)
	}
	meta := map[string]string{
		"job_id":   job.ID,
		"position": job.Position,
		"class":    strconv.Itoa(job.Class),
		"tracks":   strconv.Itoa(len(table.Tracks)),
	}
	prefix := ExportPrefix(job.Position, job.ID)
	artifacts := make([]blobcore.Info, 0, 2)
	for _, a := range []struct {
		name, contentType string
		payload           []byte
	}{
		{"tracks.json", "application/json", payloadJSON},
		{"tracks.csv", "text/csv", payloadCSV},
	} {
		info, err := w.blobs.Put(w.ctx, prefix+a.name, bytes.NewReader(a.payload), blobcore.PutOptions{ContentType: a.contentType, Metadata: meta})
		if err != nil {
			return nil, fmt.Errorf("store artifact %s: %w", a.name, err)
		}
		artifacts = append(artifacts, info)
	}
	return artifacts, nil
}

// ExportPrefix is the blob key prefix of the artifacts of an export job.
func ExportPrefix(position, jobID string) string {
	return "exports/" + position + "/" + jobID + "/"
}

func (w *Worker) readTracks(position string, class int) (TrackTable, error) {
	store := w.editor.Store()
	roots, err := store.GetRoots(w.ctx, position)
	if err != nil {
		return TrackTable{}, fmt.Errorf("read roots: %w", err)
	}
	objects, err := store.ListObjects(w.ctx, position)
	if err != nil {
		return TrackTable{}, fmt.Errorf("list objects: %w", err)
	}
	table := TrackTable{Position: position, Class: class, Roots: len(roots), GeneratedAt: time.Now().UTC()}
	for _, o := range objects {
		if o.ClassIndex != class || !o.IsTrackHead() {
			continue
		}
		track, err := store.GetTrack(w.ctx, position, o.ID)
		if err != nil {
			return TrackTable{}, fmt.Errorf("read track %s: %w", o.ID, err)
		}
		table.Tracks = append(table.Tracks, TrackRow{Head: o.ID, Objects: track})
	}
	return table, nil
}

func renderCSV(table TrackTable) ([]byte, error) {
	buf := &bytes.Buffer{}
	writer := csv.NewWriter(buf)
	if err := writer.Write(csvHeader); err != nil {
		return nil, err
	}
	for _, track := range table.Tracks {
		for _, o := range track.Objects {
			row := []string{
				string(track.Head),
				string(o.ID),
				strconv.Itoa(o.Frame),
				strconv.Itoa(o.ClassIndex),
				string(o.ParentID),
				string(o.PreviousID),
				string(o.NextID),
				strconv.FormatBool(o.EditedLinkPrev),
				strconv.FormatBool(o.EditedLinkNext),
				formatFloat(o.Region.Center.X),
				formatFloat(o.Region.Center.Y),
				formatFloat(o.Region.Center.Z),
				formatFloat(o.Region.Size),
			}
			if err := writer.Write(row); err != nil {
				return nil, err
			}
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func (r JobRecord) copy() JobRecord {
	dup := r
	if r.Report != nil {
		report := *r.Report
		dup.Report = &report
	}
	if len(r.Artifacts) > 0 {
		dup.Artifacts = append([]blobcore.Info(nil), r.Artifacts...)
	}
	return dup
}

// MemoryAuditLog keeps audit entries in memory.
type MemoryAuditLog struct {
	mu      sync.Mutex
	entries []AuditEntry
}

// Record appends an entry.
func (l *MemoryAuditLog) Record(_ context.Context, entry AuditEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry)
}

// Entries returns a copy of the recorded entries.
func (l *MemoryAuditLog) Entries() []AuditEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]AuditEntry(nil), l.entries...)
}
