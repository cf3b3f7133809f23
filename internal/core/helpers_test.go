package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"trackcore/internal/infra/persistence/memory"
	"trackcore/pkg/domain"
)

const testPosition = "p1"

func obj(id string, frame int) domain.TrackedObject {
	return domain.TrackedObject{
		ID:          domain.ObjectID(id),
		Position:    testPosition,
		Frame:       frame,
		TrackHeadID: domain.ObjectID(id),
	}
}

// at places an object at a center so the matcher has distances to work with.
func at(o domain.TrackedObject, x, y float64) domain.TrackedObject {
	o.Region = domain.Region{
		Center: domain.Point{X: x, Y: y},
		Box:    domain.Box{Min: domain.Point{X: x - 1, Y: y - 1}, Max: domain.Point{X: x + 1, Y: y + 1}},
		Size:   4,
	}
	return o
}

// chain builds a simple linked track over consecutive frames.
func chain(ids ...string) []domain.TrackedObject {
	out := make([]domain.TrackedObject, len(ids))
	for i, id := range ids {
		out[i] = obj(id, i)
		out[i].TrackHeadID = domain.ObjectID(ids[0])
		if i > 0 {
			out[i].PreviousID = domain.ObjectID(ids[i-1])
		}
		if i < len(ids)-1 {
			out[i].NextID = domain.ObjectID(ids[i+1])
		}
	}
	return out
}

func refs(ids ...string) []domain.ObjectRef {
	out := make([]domain.ObjectRef, len(ids))
	for i, id := range ids {
		out[i] = domain.ObjectRef{Position: testPosition, ID: domain.ObjectID(id)}
	}
	return out
}

func policy(allowSplit, allowMerge bool) domain.PolicySet {
	return domain.NewPolicySet(map[int]domain.ClassPolicy{
		0: {Name: "cell", ParentClass: domain.RootClass, AllowSplit: allowSplit, AllowMerge: allowMerge},
	})
}

func seededStore(t *testing.T, objs ...domain.TrackedObject) *memory.Store {
	t.Helper()
	store := memory.NewStore()
	if len(objs) == 0 {
		return store
	}
	if err := store.Store(context.Background(), objs); err != nil {
		t.Fatalf("seed store: %v", err)
	}
	return store
}

func newTestService(t *testing.T, ps domain.PolicySet, objs []domain.TrackedObject, opts ...Option) (*Service, *memory.Store) {
	t.Helper()
	store := seededStore(t, objs...)
	return NewService(store, ps, opts...), store
}

// snapshot returns the persisted objects of the test position by id.
func snapshot(t *testing.T, store domain.ObjectStore) map[domain.ObjectID]domain.TrackedObject {
	t.Helper()
	objs, err := store.ListObjects(context.Background(), testPosition)
	if err != nil {
		t.Fatalf("list objects: %v", err)
	}
	out := make(map[domain.ObjectID]domain.TrackedObject, len(objs))
	for _, o := range objs {
		out[o.ID] = o
	}
	return out
}

func arena(t *testing.T, svc *Service) map[domain.ObjectID]domain.TrackedObject {
	t.Helper()
	objs, err := svc.Objects(context.Background(), testPosition)
	if err != nil {
		t.Fatalf("objects: %v", err)
	}
	out := make(map[domain.ObjectID]domain.TrackedObject, len(objs))
	for _, o := range objs {
		out[o.ID] = o
	}
	return out
}

type captureAuditRecorder struct {
	mu      sync.Mutex
	entries []AuditEntry
}

func (c *captureAuditRecorder) Record(_ context.Context, entry AuditEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, entry)
}

func (c *captureAuditRecorder) has(op string, status AuditStatus) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		if e.Operation == op && e.Status == status {
			return true
		}
	}
	return false
}

type metricCall struct {
	operation string
	success   bool
	duration  time.Duration
}

type captureMetricsRecorder struct {
	mu    sync.Mutex
	calls []metricCall
}

func (c *captureMetricsRecorder) Observe(_ context.Context, op string, success bool, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, metricCall{operation: op, success: success, duration: duration})
}

type captureTracer struct {
	mu    sync.Mutex
	spans []*captureSpan
}

type captureSpan struct {
	op    string
	ended bool
	err   error
}

func (s *captureSpan) End(err error) {
	s.ended = true
	s.err = err
}

func (c *captureTracer) Start(ctx context.Context, op string) (context.Context, TraceSpan) {
	c.mu.Lock()
	defer c.mu.Unlock()
	span := &captureSpan{op: op}
	c.spans = append(c.spans, span)
	return ctx, span
}

type captureLogger struct {
	mu       sync.Mutex
	messages []string
}

func (l *captureLogger) record(msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, msg)
}

func (l *captureLogger) Debug(msg string, _ ...any) { l.record(msg) }
func (l *captureLogger) Info(msg string, _ ...any)  { l.record(msg) }
func (l *captureLogger) Warn(msg string, _ ...any)  { l.record(msg) }
func (l *captureLogger) Error(msg string, _ ...any) { l.record(msg) }

func (l *captureLogger) saw(msg string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, m := range l.messages {
		if m == msg {
			return true
		}
	}
	return false
}

var errStoreDown = errors.New("store down")

// flakyStore fails writes while down is set.
type flakyStore struct {
	inner *memory.Store
	down  bool
}

func (s *flakyStore) Store(ctx context.Context, objects []domain.TrackedObject) error {
	if s.down {
		return errStoreDown
	}
	return s.inner.Store(ctx, objects)
}

func (s *flakyStore) Delete(ctx context.Context, position string, ids []domain.ObjectID) error {
	if s.down {
		return errStoreDown
	}
	return s.inner.Delete(ctx, position, ids)
}

func (s *flakyStore) GetTrack(ctx context.Context, position string, head domain.ObjectID) ([]domain.TrackedObject, error) {
	return s.inner.GetTrack(ctx, position, head)
}

func (s *flakyStore) GetRoots(ctx context.Context, position string) ([]domain.TrackedObject, error) {
	return s.inner.GetRoots(ctx, position)
}

func (s *flakyStore) ListObjects(ctx context.Context, position string) ([]domain.TrackedObject, error) {
	return s.inner.ListObjects(ctx, position)
}

func (s *flakyStore) ListPositions(ctx context.Context) ([]string, error) {
	return s.inner.ListPositions(ctx)
}
