package maps

import (
	"encoding/binary"
	"sync"
)

// arrayMap implements Kind Array: keys are byte-encoded little-endian u32
// (or wider — only the numeric value within [0, MaxEntries) matters)
// indices; every index in range always "exists", so Lookup on an
// untouched index returns the zero value rather than KeyNotFound, and
// update past MaxEntries fails with InvalidArgument
type arrayMap struct {
	mu     sync.RWMutex
	desc   Descriptor
	values [][]byte
	set    []bool
}

func newArrayMap(d Descriptor) *arrayMap {
	values := make([][]byte, d.MaxEntries)
	set := make([]bool, d.MaxEntries)
	for i := range values {
		values[i] = make([]byte, d.ValueSize)
		set[i] = true
	}
	return &arrayMap{desc: d, values: values, set: set}
}

func (m *arrayMap) Descriptor() Descriptor { return m.desc }

func arrayIndex(d Descriptor, key []byte) (int, error) {
	if err := checkSizes(d, key, nil); err != nil {
		return 0, err
	}
	idx := decodeIndex(key)
	if idx >= uint64(d.MaxEntries) {
		return 0, ErrInvalidArgs
	}
	return int(idx), nil
}

// decodeIndex reads a little-endian unsigned integer of whatever width the
// key carries (eBPF array keys are conventionally 4 or 8 bytes).
func decodeIndex(key []byte) uint64 {
	switch len(key) {
	case 1:
		return uint64(key[0])
	case 2:
		return uint64(binary.LittleEndian.Uint16(key))
	case 4:
		return uint64(binary.LittleEndian.Uint32(key))
	case 8:
		return binary.LittleEndian.Uint64(key)
	default:
		var v uint64
		for i, b := range key {
			if i >= 8 {
				break
			}
			v |= uint64(b) << (8 * uint(i))
		}
		return v
	}
}

func (m *arrayMap) Lookup(key []byte) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx, err := arrayIndex(m.desc, key)
	if err != nil {
		return nil, false, err
	}
	if !m.set[idx] {
		return nil, false, nil
	}
	out := make([]byte, len(m.values[idx]))
	copy(out, m.values[idx])
	return out, true, nil
}

func (m *arrayMap) Update(key, value []byte, _ UpdateFlags) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx, err := arrayIndex(m.desc, key)
	if err != nil {
		return err
	}
	if err := checkSizes(m.desc, nil, value); err != nil {
		return err
	}
	copy(m.values[idx], value)
	m.set[idx] = true
	return nil
}

// Delete clears index idx back to absent, so a subsequent Lookup reports
// found=false until the next Update, even though in-range array indices
// are otherwise always addressable.
func (m *arrayMap) Delete(key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx, err := arrayIndex(m.desc, key)
	if err != nil {
		return err
	}
	for i := range m.values[idx] {
		m.values[idx][i] = 0
	}
	m.set[idx] = false
	return nil
}

func (m *arrayMap) Iterate() ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Entry, 0, len(m.values))
	for i, v := range m.values {
		if !m.set[i] {
			continue
		}
		key := make([]byte, 4)
		binary.LittleEndian.PutUint32(key, uint32(i))
		val := make([]byte, len(v))
		copy(val, v)
		out = append(out, Entry{Key: key, Value: val})
	}
	return out, nil
}

func (m *arrayMap) Push([]byte) (bool, error)      { return false, ErrNotSupported }
func (m *arrayMap) Pop() ([]byte, bool, error)      { return nil, false, ErrNotSupported }
func (m *arrayMap) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.values)
}
