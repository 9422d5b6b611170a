package maps

import "sync"

// ringBufMap implements Kind RingBuf: a byte-capacity shared event stream.
// MaxEntries on the descriptor is the capacity in bytes (validated as a
// power of two, page-size multiple, by Descriptor.Validate). Push is the
// "best-effort, atomic, non-blocking" primitive emit_event relies on
//: it never blocks and simply reports ok=false when
// the record would not fit.
type ringBufMap struct {
	mu       sync.Mutex
	desc     Descriptor
	records  [][]byte
	usedBytes uint32
}

// recordOverhead approximates the per-record header (length + metadata)
// the real kernel ring buffer also charges against capacity.
const recordOverhead = 8

func newRingBufMap(d Descriptor) *ringBufMap {
	return &ringBufMap{desc: d}
}

func (m *ringBufMap) Descriptor() Descriptor { return m.desc }

func (m *ringBufMap) Lookup([]byte) ([]byte, bool, error)      { return nil, false, ErrNotSupported }
func (m *ringBufMap) Update([]byte, []byte, UpdateFlags) error { return ErrNotSupported }
func (m *ringBufMap) Delete([]byte) error                      { return ErrNotSupported }
func (m *ringBufMap) Iterate() ([]Entry, error)                { return nil, ErrNotSupported }

func (m *ringBufMap) Push(record []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cost := uint32(len(record)) + recordOverhead
	if m.usedBytes+cost > m.desc.MaxEntries {
		return false, nil
	}
	cp := make([]byte, len(record))
	copy(cp, record)
	m.records = append(m.records, cp)
	m.usedBytes += cost
	return true, nil
}

func (m *ringBufMap) Pop() ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.records) == 0 {
		return nil, false, nil
	}
	r := m.records[0]
	m.records = m.records[1:]
	m.usedBytes -= uint32(len(r)) + recordOverhead
	return r, true, nil
}

func (m *ringBufMap) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}
