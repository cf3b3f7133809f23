package domain

import (
	"context"
	"time"
)

// ObjectStore is the persistence collaborator of the core. Implementations
// must make Store and Delete atomic per call.
type ObjectStore interface {
	Store(ctx context.Context, objects []TrackedObject) error
	Delete(ctx context.Context, position string, ids []ObjectID) error
	GetTrack(ctx context.Context, position string, head ObjectID) ([]TrackedObject, error)
	GetRoots(ctx context.Context, position string) ([]TrackedObject, error)
	ListObjects(ctx context.Context, position string) ([]TrackedObject, error)
	ListPositions(ctx context.Context) ([]string, error)
}

// ReviewCollection is a named, persisted group of objects flagged for manual
// inspection.
type ReviewCollection struct {
	ID        string     `json:"id"`
	Position  string     `json:"position"`
	Name      string     `json:"name"`
	Tag       string     `json:"tag,omitempty"`
	Display   bool       `json:"display"`
	Elements  []ObjectID `json:"elements"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Contains reports whether the collection already lists id.
func (c *ReviewCollection) Contains(id ObjectID) bool {
	for _, e := range c.Elements {
		if e == id {
			return true
		}
	}
	return false
}

// ReviewStore persists review collections.
type ReviewStore interface {
	CreateOrGet(ctx context.Context, position, name string) (*ReviewCollection, error)
	AddElements(ctx context.Context, c *ReviewCollection, objects []TrackedObject) error
	StoreCollection(ctx context.Context, c *ReviewCollection) error
	ListCollections(ctx context.Context, position string) ([]ReviewCollection, error)
}
