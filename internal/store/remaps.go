package store

import "sync"

// DefaultRemapCapacity is how many resolved provisional IDs a Remaps
// remembers.
const DefaultRemapCapacity = 4096

// Remaps remembers the permanent ID each recently saved provisional ID
// became. The oldest entries are forgotten first. It is safe for
// concurrent use.
type Remaps struct {
	mu    sync.RWMutex
	ids   map[ObjectID]ObjectID
	order []ObjectID
	next  int
}

// NewRemaps returns a table holding up to capacity entries.
func NewRemaps(capacity int) *Remaps {
	if capacity <= 0 {
		capacity = DefaultRemapCapacity
	}
	return &Remaps{
		ids:   make(map[ObjectID]ObjectID, capacity),
		order: make([]ObjectID, 0, capacity),
	}
}

// Add records every provisional to permanent pair of remap.
func (r *Remaps) Add(remap map[ObjectID]ObjectID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for prov, perm := range remap {
		if !prov.IsProvisional() {
			continue
		}
		if _, ok := r.ids[prov]; ok {
			r.ids[prov] = perm
			continue
		}
		if len(r.order) < cap(r.order) {
			r.order = append(r.order, prov)
		} else {
			delete(r.ids, r.order[r.next])
			r.order[r.next] = prov
			r.next = (r.next + 1) % len(r.order)
		}
		r.ids[prov] = perm
	}
}

// Lookup returns the permanent ID of a saved provisional ID.
func (r *Remaps) Lookup(id ObjectID) (ObjectID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	perm, ok := r.ids[id]
	return perm, ok
}

// Len returns the number of remembered entries.
func (r *Remaps) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.ids)
}
