package maps

import (
	"container/list"
	"sync"
)

// lruEntry is the value stored in the backing list; key is kept alongside
// the value so eviction can remove the matching map entry.
type lruEntry struct {
	key   string
	value []byte
}

// lruHashMap implements Kind LruHash: like Hash, but insert-at-capacity
// evicts the least-recently-used entry instead of failing with NoSpace
//. Lookup and Update both count
// as "use" for recency purposes; Delete does not touch recency of other
// entries.
type lruHashMap struct {
	mu    sync.Mutex
	desc  Descriptor
	index map[string]*list.Element
	order *list.List // front = most recently used
}

func newLruHashMap(d Descriptor) *lruHashMap {
	return &lruHashMap{
		desc:  d,
		index: make(map[string]*list.Element),
		order: list.New(),
	}
}

func (m *lruHashMap) Descriptor() Descriptor { return m.desc }

func (m *lruHashMap) Lookup(key []byte) ([]byte, bool, error) {
	if err := checkSizes(m.desc, key, nil); err != nil {
		return nil, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	el, ok := m.index[string(key)]
	if !ok {
		return nil, false, nil
	}
	m.order.MoveToFront(el)
	v := el.Value.(*lruEntry).value
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

func (m *lruHashMap) Update(key, value []byte, flags UpdateFlags) error {
	if err := checkSizes(m.desc, key, value); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := make([]byte, len(value))
	copy(cp, value)

	if el, ok := m.index[string(key)]; ok {
		if flags == UpdateNoExist {
			return ErrInvalidArgs
		}
		el.Value.(*lruEntry).value = cp
		m.order.MoveToFront(el)
		return nil
	}
	if flags == UpdateExist {
		return ErrKeyNotFound
	}

	if uint32(len(m.index)) >= m.desc.MaxEntries {
		m.evictLRU()
	}
	el := m.order.PushFront(&lruEntry{key: string(key), value: cp})
	m.index[string(key)] = el
	return nil
}

// evictLRU removes the least-recently-used entry. Caller holds m.mu.
func (m *lruHashMap) evictLRU() {
	back := m.order.Back()
	if back == nil {
		return
	}
	m.order.Remove(back)
	delete(m.index, back.Value.(*lruEntry).key)
}

func (m *lruHashMap) Delete(key []byte) error {
	if err := checkSizes(m.desc, key, nil); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	el, ok := m.index[string(key)]
	if !ok {
		return ErrKeyNotFound
	}
	m.order.Remove(el)
	delete(m.index, string(key))
	return nil
}

func (m *lruHashMap) Iterate() ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, 0, len(m.index))
	for e := m.order.Front(); e != nil; e = e.Next() {
		le := e.Value.(*lruEntry)
		val := make([]byte, len(le.value))
		copy(val, le.value)
		out = append(out, Entry{Key: []byte(le.key), Value: val})
	}
	return out, nil
}

func (m *lruHashMap) Push([]byte) (bool, error)  { return false, ErrNotSupported }
func (m *lruHashMap) Pop() ([]byte, bool, error) { return nil, false, ErrNotSupported }
func (m *lruHashMap) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.index)
}
