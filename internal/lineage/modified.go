package lineage

import "trackcore/pkg/domain"

// Modified collects the objects touched by a batch. Adding the same object
// twice is a no-op; insertion order is kept for deterministic persistence.
type Modified struct {
	order   []domain.ObjectID
	seen    idSet
	created idSet
	removed []domain.ObjectID
	gone    idSet
}

// NewModified returns an empty collector.
func NewModified() *Modified {
	return &Modified{seen: make(idSet), created: make(idSet), gone: make(idSet)}
}

// Add records objects as updated.
func (m *Modified) Add(objs ...*domain.TrackedObject) {
	for _, o := range objs {
		if o != nil {
			m.AddID(o.ID)
		}
	}
}

// AddID records ids as updated.
func (m *Modified) AddID(ids ...domain.ObjectID) {
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := m.seen[id]; ok {
			continue
		}
		m.seen[id] = struct{}{}
		m.order = append(m.order, id)
		if _, wasGone := m.gone[id]; wasGone {
			delete(m.gone, id)
			m.removed = dropID(m.removed, id)
		}
	}
}

// Create records a new object.
func (m *Modified) Create(o *domain.TrackedObject) {
	m.Add(o)
	m.created[o.ID] = struct{}{}
}

// Remove records an object deleted from the arena.
func (m *Modified) Remove(id domain.ObjectID) {
	if _, ok := m.seen[id]; ok {
		delete(m.seen, id)
		m.order = dropID(m.order, id)
	}
	if _, ok := m.created[id]; ok {
		// never persisted, nothing to delete
		delete(m.created, id)
		return
	}
	if _, ok := m.gone[id]; ok {
		return
	}
	m.gone[id] = struct{}{}
	m.removed = append(m.removed, id)
}

// Contains reports whether id was recorded as updated or created.
func (m *Modified) Contains(id domain.ObjectID) bool {
	_, ok := m.seen[id]
	return ok
}

// IDs returns updated and created ids in insertion order.
func (m *Modified) IDs() []domain.ObjectID {
	return append([]domain.ObjectID(nil), m.order...)
}

// Created returns the ids of objects created in the batch.
func (m *Modified) Created() []domain.ObjectID {
	var out []domain.ObjectID
	for _, id := range m.order {
		if _, ok := m.created[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

// Removed returns the ids deleted in the batch.
func (m *Modified) Removed() []domain.ObjectID {
	return append([]domain.ObjectID(nil), m.removed...)
}

// Len returns the number of updated or created objects.
func (m *Modified) Len() int { return len(m.order) }

// Empty reports whether nothing was recorded.
func (m *Modified) Empty() bool { return len(m.order) == 0 && len(m.removed) == 0 }

// Merge folds another collector into m.
func (m *Modified) Merge(other *Modified) {
	if other == nil {
		return
	}
	for _, id := range other.removed {
		m.Remove(id)
	}
	for _, id := range other.order {
		m.AddID(id)
		if _, ok := other.created[id]; ok {
			m.created[id] = struct{}{}
		}
	}
}

// Changes converts the collector into rule-engine changes.
func (m *Modified) Changes() []domain.Change {
	out := make([]domain.Change, 0, len(m.order)+len(m.removed))
	for _, id := range m.order {
		action := domain.ActionUpdate
		if _, ok := m.created[id]; ok {
			action = domain.ActionCreate
		}
		out = append(out, domain.Change{Action: action, ObjectID: id})
	}
	for _, id := range m.removed {
		out = append(out, domain.Change{Action: domain.ActionDelete, ObjectID: id})
	}
	return out
}

func dropID(ids []domain.ObjectID, id domain.ObjectID) []domain.ObjectID {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
