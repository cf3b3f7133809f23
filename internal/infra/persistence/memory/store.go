// Package memory provides an in-memory implementation of the object and
// review stores used for tests and ephemeral environments.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"trackcore/pkg/domain"
)

// Compile-time contract assertions ensuring memory.Store adheres to the domain persistence interfaces.
var (
	_ domain.ObjectStore = (*Store)(nil)
	_ domain.ReviewStore = (*Store)(nil)
)

type reviewKey struct {
	position string
	name     string
}

// Snapshot captures a point-in-time clone of the store state.
type Snapshot struct {
	Objects []domain.TrackedObject    `json:"objects"`
	Reviews []domain.ReviewCollection `json:"reviews"`
}

// Store keeps tracked objects per position and review collections in memory.
type Store struct {
	mu      sync.RWMutex
	objects map[string]map[domain.ObjectID]domain.TrackedObject
	reviews map[reviewKey]domain.ReviewCollection
	nowFn   func() time.Time
	newID   func() string
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for review timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.nowFn = now
		}
	}
}

// WithIDGenerator overrides the id source of new review collections.
func WithIDGenerator(gen func() string) Option {
	return func(s *Store) {
		if gen != nil {
			s.newID = gen
		}
	}
}

// NewStore constructs an empty in-memory store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		objects: make(map[string]map[domain.ObjectID]domain.TrackedObject),
		reviews: make(map[reviewKey]domain.ReviewCollection),
		nowFn:   func() time.Time { return time.Now().UTC() },
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NowFunc returns the time provider used by the store.
func (s *Store) NowFunc() func() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nowFn
}

// ValidateObjects rejects objects that cannot be addressed.
func ValidateObjects(objects []domain.TrackedObject) error {
	for _, o := range objects {
		if o.ID == "" {
			return domain.Preconditionf("store", "object without id in position %q", o.Position)
		}
		if o.Position == "" {
			return domain.Preconditionf("store", "object %s has no position", o.ID)
		}
	}
	return nil
}

// Store upserts objects. The call is all or nothing.
func (s *Store) Store(ctx context.Context, objects []domain.TrackedObject) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ValidateObjects(objects); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apply(objects)
	return nil
}

func (s *Store) apply(objects []domain.TrackedObject) {
	for _, o := range objects {
		bucket, ok := s.objects[o.Position]
		if !ok {
			bucket = make(map[domain.ObjectID]domain.TrackedObject)
			s.objects[o.Position] = bucket
		}
		bucket[o.ID] = o
	}
}

// Delete removes objects from a position. Unknown ids are ignored.
func (s *Store) Delete(ctx context.Context, position string, ids []domain.ObjectID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remove(position, ids)
	return nil
}

func (s *Store) remove(position string, ids []domain.ObjectID) {
	bucket, ok := s.objects[position]
	if !ok {
		return
	}
	for _, id := range ids {
		delete(bucket, id)
	}
	if len(bucket) == 0 {
		delete(s.objects, position)
	}
}

// GetTrack returns the chain starting at head.
func (s *Store) GetTrack(ctx context.Context, position string, head domain.ObjectID) ([]domain.TrackedObject, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	bucket := s.objects[position]
	first, ok := bucket[head]
	if !ok {
		return nil, domain.NotFoundError{Position: position, ID: head}
	}
	track := []domain.TrackedObject{first}
	cur := first
	for {
		n, ok := bucket[cur.NextID]
		if !ok || n.PreviousID != cur.ID || n.TrackHeadID != head || n.Frame <= cur.Frame {
			return track, nil
		}
		track = append(track, n)
		cur = n
	}
}

// GetRoots returns the per-frame root objects of a position ordered by frame.
func (s *Store) GetRoots(ctx context.Context, position string) ([]domain.TrackedObject, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.TrackedObject
	for _, o := range s.objects[position] {
		if o.IsRoot() {
			out = append(out, o)
		}
	}
	domain.SortObjects(out)
	return out, nil
}

// ListObjects returns every object of a position ordered by frame.
func (s *Store) ListObjects(ctx context.Context, position string) ([]domain.TrackedObject, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.TrackedObject, 0, len(s.objects[position]))
	for _, o := range s.objects[position] {
		out = append(out, o)
	}
	domain.SortObjects(out)
	return out, nil
}

// ListPositions returns the known positions in lexical order.
func (s *Store) ListPositions(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.objects))
	for p := range s.objects {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

// CreateOrGet returns the named collection of a position, creating it when
// missing. The returned value is a copy; changes are saved with StoreCollection.
func (s *Store) CreateOrGet(ctx context.Context, position, name string) (*domain.ReviewCollection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if position == "" || name == "" {
		return nil, domain.Preconditionf("create review collection", "position and name are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := reviewKey{position: position, name: name}
	if c, ok := s.reviews[key]; ok {
		return cloneCollection(c), nil
	}
	now := s.nowFn()
	c := domain.ReviewCollection{
		ID:        s.newID(),
		Position:  position,
		Name:      name,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.reviews[key] = c
	return cloneCollection(c), nil
}

// AddElements appends objects that the collection does not list yet.
func (s *Store) AddElements(ctx context.Context, c *domain.ReviewCollection, objects []domain.TrackedObject) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c == nil {
		return domain.Preconditionf("add review elements", "collection is required")
	}
	for _, o := range objects {
		if o.Position != "" && o.Position != c.Position {
			return domain.Preconditionf("add review elements", "object %s belongs to position %s, collection to %s", o.ID, o.Position, c.Position)
		}
		if !c.Contains(o.ID) {
			c.Elements = append(c.Elements, o.ID)
		}
	}
	return nil
}

// StoreCollection saves a collection.
func (s *Store) StoreCollection(ctx context.Context, c *domain.ReviewCollection) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c == nil || c.Position == "" || c.Name == "" {
		return domain.Preconditionf("store review collection", "position and name are required")
	}
	s.StampCollection(c)
	s.PutCollection(*c)
	return nil
}

// StampCollection assigns the id and timestamps of a collection about to be
// saved.
func (s *Store) StampCollection(c *domain.ReviewCollection) {
	s.mu.RLock()
	now, gen := s.nowFn, s.newID
	s.mu.RUnlock()
	if c.ID == "" {
		c.ID = gen()
	}
	ts := now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = ts
	}
	c.UpdatedAt = ts
}

// PutCollection saves a collection as is.
func (s *Store) PutCollection(c domain.ReviewCollection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reviews[reviewKey{position: c.Position, name: c.Name}] = *cloneCollection(c)
}

// ListCollections returns the collections of a position ordered by name.
func (s *Store) ListCollections(ctx context.Context, position string) ([]domain.ReviewCollection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.ReviewCollection
	for key, c := range s.reviews {
		if key.position == position {
			out = append(out, *cloneCollection(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ExportState clones the current store state for external persistence.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var snap Snapshot
	for _, bucket := range s.objects {
		for _, o := range bucket {
			snap.Objects = append(snap.Objects, o)
		}
	}
	domain.SortObjects(snap.Objects)
	for _, c := range s.reviews {
		snap.Reviews = append(snap.Reviews, *cloneCollection(c))
	}
	sort.Slice(snap.Reviews, func(i, j int) bool {
		if snap.Reviews[i].Position != snap.Reviews[j].Position {
			return snap.Reviews[i].Position < snap.Reviews[j].Position
		}
		return snap.Reviews[i].Name < snap.Reviews[j].Name
	})
	return snap
}

// ImportState replaces the store state with the provided snapshot.
func (s *Store) ImportState(snapshot Snapshot) error {
	if err := ValidateObjects(snapshot.Objects); err != nil {
		return fmt.Errorf("import snapshot: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects = make(map[string]map[domain.ObjectID]domain.TrackedObject)
	s.reviews = make(map[reviewKey]domain.ReviewCollection)
	s.apply(snapshot.Objects)
	for _, c := range snapshot.Reviews {
		s.reviews[reviewKey{position: c.Position, name: c.Name}] = *cloneCollection(c)
	}
	return nil
}

func cloneCollection(c domain.ReviewCollection) *domain.ReviewCollection {
	c.Elements = append([]domain.ObjectID(nil), c.Elements...)
	return &c
}
