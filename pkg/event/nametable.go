package event

import "sync"

// NameTable is the process-wide append-only name table: a sequence of
// registered strings addressed by offset, plus a reverse map from event
// id to the name offset first recorded against it.
type NameTable struct {
	mu        sync.Mutex
	strings   []string
	byString  map[string]uint16
	byEventID map[uint32]uint16
}

// NewNameTable constructs an empty name table.
func NewNameTable() *NameTable {
	return &NameTable{
		byString:  make(map[string]uint16),
		byEventID: make(map[uint32]uint16),
	}
}

// Register interns s, returning its offset. A repeated registration of
// the same string returns the existing offset. Once the table reaches
// its 65,534-entry cap, further registrations return NoName and s is not
// stored.
func (t *NameTable) Register(s string) uint16 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if off, ok := t.byString[s]; ok {
		return off
	}
	if len(t.strings) >= maxNames {
		return NoName
	}
	off := uint16(len(t.strings))
	t.strings = append(t.strings, s)
	t.byString[s] = off
	return off
}

// Get returns the string registered at offset, if any.
func (t *NameTable) Get(offset uint16) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if offset == NoName || int(offset) >= len(t.strings) {
		return "", false
	}
	return t.strings[offset], true
}

// recordForEvent associates eventID with offset the first time it is
// seen; subsequent calls for the same eventID are no-ops.
func (t *NameTable) recordForEvent(eventID uint32, offset uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.byEventID[eventID]; ok {
		return
	}
	t.byEventID[eventID] = offset
}

// Name resolves eventID to its recorded name, satisfying
// pkg/helpers.EventNamer. It returns false if no record has ever named
// eventID, or if the offset it was recorded against was the overflow
// sentinel.
func (t *NameTable) Name(eventID uint32) (string, bool) {
	t.mu.Lock()
	off, ok := t.byEventID[eventID]
	t.mu.Unlock()
	if !ok {
		return "", false
	}
	return t.Get(off)
}
