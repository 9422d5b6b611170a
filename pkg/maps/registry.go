package maps

import (
	"sync"
)

// Handle is the dense integer identifier ("fd") a map is addressed by.
// Stable for the map's lifetime; the slot becomes reusable once the map is
// destroyed.
type Handle uint32

// Registry is the single-mutex map registry: every create/destroy/per-map
// operation on any map passes through it. Per-map
// contents are protected by each Map implementation's own lock, so the
// registry lock is only held long enough to find the target map.
type Registry struct {
	mu        sync.Mutex
	slots     []Map // nil => free slot
	pageSize  int
}

// NewRegistry constructs an empty registry. pageSize is used to validate
// RingBuf descriptors.
func NewRegistry(pageSize int) *Registry {
	return &Registry{pageSize: pageSize}
}

// Create validates d and materialises a new map, returning its handle.
func (r *Registry) Create(d Descriptor) (Handle, error) {
	if err := d.Validate(r.pageSize); err != nil {
		return 0, err
	}
	m, err := New(d)
	if err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, slot := range r.slots {
		if slot == nil {
			r.slots[i] = m
			return Handle(i), nil
		}
	}
	r.slots = append(r.slots, m)
	return Handle(len(r.slots) - 1), nil
}

// Destroy frees handle's slot for reuse. Destroying an unknown handle
// returns ErrNotFound.
func (r *Registry) Destroy(h Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if int(h) >= len(r.slots) || r.slots[h] == nil {
		return ErrNotFound
	}
	r.slots[h] = nil
	return nil
}

// Get returns the map at handle, or ErrNotFound.
func (r *Registry) Get(h Handle) (Map, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if int(h) >= len(r.slots) || r.slots[h] == nil {
		return nil, ErrNotFound
	}
	return r.slots[h], nil
}

// Lookup, Update, Delete, Iterate, Push and Pop are thin handle-indexed
// conveniences over Get.

func (r *Registry) Lookup(h Handle, key []byte) ([]byte, bool, error) {
	m, err := r.Get(h)
	if err != nil {
		return nil, false, err
	}
	return m.Lookup(key)
}

func (r *Registry) Update(h Handle, key, value []byte, flags UpdateFlags) error {
	m, err := r.Get(h)
	if err != nil {
		return err
	}
	return m.Update(key, value, flags)
}

func (r *Registry) Delete(h Handle, key []byte) error {
	m, err := r.Get(h)
	if err != nil {
		return err
	}
	return m.Delete(key)
}

func (r *Registry) Iterate(h Handle) ([]Entry, error) {
	m, err := r.Get(h)
	if err != nil {
		return nil, err
	}
	return m.Iterate()
}

func (r *Registry) Push(h Handle, record []byte) (bool, error) {
	m, err := r.Get(h)
	if err != nil {
		return false, err
	}
	return m.Push(record)
}

func (r *Registry) Pop(h Handle) ([]byte, bool, error) {
	m, err := r.Get(h)
	if err != nil {
		return nil, false, err
	}
	return m.Pop()
}
