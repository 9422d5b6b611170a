package maps

import "sync"

// hashMap implements Kind Hash: a capacity-bounded associative map with no
// observable insertion order. Inserts past MaxEntries fail with NoSpace
//.
type hashMap struct {
	mu      sync.RWMutex
	desc    Descriptor
	entries map[string][]byte
}

func newHashMap(d Descriptor) *hashMap {
	return &hashMap{desc: d, entries: make(map[string][]byte)}
}

func (m *hashMap) Descriptor() Descriptor { return m.desc }

func (m *hashMap) Lookup(key []byte) ([]byte, bool, error) {
	if err := checkSizes(m.desc, key, nil); err != nil {
		return nil, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.entries[string(key)]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

func (m *hashMap) Update(key, value []byte, flags UpdateFlags) error {
	if err := checkSizes(m.desc, key, value); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, exists := m.entries[string(key)]
	switch flags {
	case UpdateExist:
		if !exists {
			return ErrKeyNotFound
		}
	case UpdateNoExist:
		if exists {
			return ErrInvalidArgs
		}
	}
	if !exists && uint32(len(m.entries)) >= m.desc.MaxEntries {
		return ErrNoSpace
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	m.entries[string(key)] = cp
	return nil
}

func (m *hashMap) Delete(key []byte) error {
	if err := checkSizes(m.desc, key, nil); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[string(key)]; !ok {
		return ErrKeyNotFound
	}
	delete(m.entries, string(key))
	return nil
}

func (m *hashMap) Iterate() ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Entry, 0, len(m.entries))
	for k, v := range m.entries {
		val := make([]byte, len(v))
		copy(val, v)
		out = append(out, Entry{Key: []byte(k), Value: val})
	}
	return out, nil
}

func (m *hashMap) Push([]byte) (bool, error)  { return false, ErrNotSupported }
func (m *hashMap) Pop() ([]byte, bool, error) { return nil, false, ErrNotSupported }
func (m *hashMap) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
