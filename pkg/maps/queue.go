package maps

import "sync"

// queueMap implements Kind Queue: a bounded FIFO of value-sized records.
// Push reports ok=false with a nil error at capacity (no implicit eviction —
// only LruHash evicts); Pop on an empty queue returns ok=false.
type queueMap struct {
	mu      sync.Mutex
	desc    Descriptor
	records [][]byte
}

func newQueueMap(d Descriptor) *queueMap {
	return &queueMap{desc: d}
}

func (m *queueMap) Descriptor() Descriptor { return m.desc }

func (m *queueMap) Lookup([]byte) ([]byte, bool, error)    { return nil, false, ErrNotSupported }
func (m *queueMap) Update([]byte, []byte, UpdateFlags) error { return ErrNotSupported }
func (m *queueMap) Delete([]byte) error                     { return ErrNotSupported }
func (m *queueMap) Iterate() ([]Entry, error)               { return nil, ErrNotSupported }

func (m *queueMap) Push(record []byte) (bool, error) {
	if err := checkSizes(m.desc, nil, record); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if uint32(len(m.records)) >= m.desc.MaxEntries {
		return false, nil
	}
	cp := make([]byte, len(record))
	copy(cp, record)
	m.records = append(m.records, cp)
	return true, nil
}

func (m *queueMap) Pop() ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.records) == 0 {
		return nil, false, nil
	}
	r := m.records[0]
	m.records = m.records[1:]
	return r, true, nil
}

func (m *queueMap) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}
