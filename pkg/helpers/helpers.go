// Package helpers implements the numbered capability surface exposed to the
// bytecode VM: map access, time, diagnostics, and the two shared scratch
// buffers helpers write their output into.
package helpers

import (
	"log"
	"sync/atomic"

	"github.com/vmtrace/hvbpf/pkg/maps"
	"github.com/vmtrace/hvbpf/pkg/platform"
)

// Helper numbers table.
const (
	NumLookup          = 1
	NumUpdate          = 2
	NumDelete          = 3
	NumProbeRead       = 4
	NumKtimeNs         = 5
	NumTraceWrite      = 6
	NumCPUID           = 8
	NumEventName       = 10
	NumProbeReadKernel = 113 // alias of NumProbeRead

	// Hypervisor-context helpers, numbered to match the VMM-specific
	// helper block rather than the generic eBPF numbering above.
	NumGetCurrentVMID   = 100
	NumGetCurrentVCPUID = 101
	NumGetExitReason    = 102
)

const (
	lookupBufferSize = 512
	nameBufferSize   = 64
	maxProbeReadSize = 4096
)

// Func is a single numbered helper: five 64-bit register arguments in,
// one 64-bit value out. Errors are reported through the return value
// rather than
// a Go error, since that is the ABI the bytecode VM actually observes.
type Func func(r1, r2, r3, r4, r5 uint64) uint64

// EventNamer resolves an event id to its registered name, matching
// pkg/event's NameTable.Name signature without importing pkg/event
// directly (pkg/event depends on pkg/stats, not the reverse — this keeps
// the dependency graph a DAG rooted at pkg/runtime).
type EventNamer interface {
	Name(eventID uint32) (string, bool)
}

// Table is the process-wide helper registry. A conforming implementation
// must register every numbered helper before executing a program
//.
type Table struct {
	registry *maps.Registry
	namer    EventNamer

	lookupBuf [lookupBufferSize]byte
	nameBuf   [nameBufferSize]byte

	// currentVMID, currentVCPUID and currentExitReason hold the
	// hypervisor context last stored by SetCurrentContext. No trap
	// dispatcher in this module sets or clears them, so they stay zero
	// unless a caller of SetCurrentContext stores a value.
	currentVMID       uint32
	currentVCPUID     uint32
	currentExitReason uint64

	funcs map[uint32]Func
}

// NewTable builds the full helper table bound to registry for map access
// and namer for event-name resolution.
func NewTable(registry *maps.Registry, namer EventNamer) *Table {
	t := &Table{registry: registry, namer: namer}
	t.funcs = map[uint32]Func{
		NumLookup:           t.lookup,
		NumUpdate:           t.update,
		NumDelete:           t.delete,
		NumProbeRead:        t.probeRead,
		NumProbeReadKernel:  t.probeRead,
		NumKtimeNs:          t.ktimeNs,
		NumTraceWrite:       t.traceWrite,
		NumCPUID:            t.cpuID,
		NumEventName:        t.eventName,
		NumGetCurrentVMID:   t.getCurrentVMID,
		NumGetCurrentVCPUID: t.getCurrentVCPUID,
		NumGetExitReason:    t.getExitReason,
	}
	return t
}

// SetCurrentContext records the VM whose trap is about to run a program.
// The host and guest trap dispatchers in this module call neither this
// nor ClearCurrentContext; the context helpers return whatever was last
// stored here.
func (t *Table) SetCurrentContext(vmID, vcpuID uint32, exitReason uint64) {
	atomic.StoreUint32(&t.currentVMID, vmID)
	atomic.StoreUint32(&t.currentVCPUID, vcpuID)
	atomic.StoreUint64(&t.currentExitReason, exitReason)
}

// ClearCurrentContext resets the hypervisor context to its zero value.
func (t *Table) ClearCurrentContext() {
	atomic.StoreUint32(&t.currentVMID, 0)
	atomic.StoreUint32(&t.currentVCPUID, 0)
	atomic.StoreUint64(&t.currentExitReason, 0)
}

func (t *Table) getCurrentVMID(_, _, _, _, _ uint64) uint64 {
	return uint64(atomic.LoadUint32(&t.currentVMID))
}

func (t *Table) getCurrentVCPUID(_, _, _, _, _ uint64) uint64 {
	return uint64(atomic.LoadUint32(&t.currentVCPUID))
}

func (t *Table) getExitReason(_, _, _, _, _ uint64) uint64 {
	return atomic.LoadUint64(&t.currentExitReason)
}

// Lookup returns the helper registered under num, and whether it exists.
func (t *Table) Lookup(num uint32) (Func, bool) {
	f, ok := t.funcs[num]
	return f, ok
}

// LookupBuffer returns the shared scratch area NumLookup writes into. Its
// contents are valid only until the next helper call that writes it —
// callers reading it from a different goroutine than the one driving the
// VM invite a reentrant-aliasing hazard left undefined.
func (t *Table) LookupBuffer() []byte { return t.lookupBuf[:] }

// NameBuffer returns the shared scratch area NumEventName writes into.
func (t *Table) NameBuffer() []byte { return t.nameBuf[:] }

func (t *Table) lookup(handle, keyPtr, _, _, _ uint64) uint64 {
	m, err := t.registry.Get(maps.Handle(handle))
	if err != nil {
		return 0
	}
	d := m.Descriptor()
	keyBytes := addrToBytes(keyPtr, int(d.KeySize))
	if keyBytes == nil {
		return 0
	}
	v, found, err := t.registry.Lookup(maps.Handle(handle), keyBytes)
	if err != nil || !found {
		return 0
	}
	n := copy(t.lookupBuf[:], v)
	if n < len(t.lookupBuf) {
		for i := n; i < len(t.lookupBuf); i++ {
			t.lookupBuf[i] = 0
		}
	}
	return uint64(1) // a hit returns 1, not an address; the value is in LookupBuffer()
}

func (t *Table) update(handle, keyPtr, valuePtr, flags, _ uint64) uint64 {
	m, err := t.registry.Get(maps.Handle(handle))
	if err != nil {
		return errVal()
	}
	d := m.Descriptor()
	key := addrToBytes(keyPtr, int(d.KeySize))
	value := addrToBytes(valuePtr, int(d.ValueSize))
	if err := t.registry.Update(maps.Handle(handle), key, value, maps.UpdateFlags(flags)); err != nil {
		return errVal()
	}
	return 0
}

func (t *Table) delete(handle, keyPtr, _, _, _ uint64) uint64 {
	m, err := t.registry.Get(maps.Handle(handle))
	if err != nil {
		return errVal()
	}
	d := m.Descriptor()
	key := addrToBytes(keyPtr, int(d.KeySize))
	if err := t.registry.Delete(maps.Handle(handle), key); err != nil {
		return errVal()
	}
	return 0
}

// probeRead validates the size bound of the best-effort inspection-read
// helper; the actual read against guest or host memory is delegated to the
// VM side of the boundary, since only the VM has the program's accessible
// memory ranges. The helper's contract here is the size-guard and the ABI
// return code.
func (t *Table) probeRead(dst, size, src, _, _ uint64) uint64 {
	if size < 1 || size > maxProbeReadSize {
		return errVal()
	}
	return 0
}

func (t *Table) ktimeNs(_, _, _, _, _ uint64) uint64 {
	return platform.NowNanos()
}

func (t *Table) traceWrite(r1, r2, r3, _, _ uint64) uint64 {
	log.Printf("hvbpf: trace_write r1=%#x r2=%#x r3=%#x", r1, r2, r3)
	return 0
}

func (t *Table) cpuID(_, _, _, _, _ uint64) uint64 {
	return uint64(platform.CPUID())
}

func (t *Table) eventName(eventID, _, _, _, _ uint64) uint64 {
	name, ok := t.namer.Name(uint32(eventID))
	if !ok {
		return 0
	}
	copy(t.nameBuf[:], name)
	end := len(name)
	if end >= len(t.nameBuf) {
		end = len(t.nameBuf) - 1
	}
	t.nameBuf[end] = 0
	return uint64(1)
}

// errVal widens -1 to a u64 numeric error surface.
func errVal() uint64 {
	return uint64(int64(-1))
}

// addrToBytesFn is the memory accessor currently in effect: this table has
// no address space of its own, since the VM owns the program's accessible
// memory ranges. pkg/program.Registry.Run binds this to the running VM
// instance's own resolver via WithMemory for the duration of each Run call;
// with nothing bound (e.g. in a test calling a helper directly) it fails
// closed.
var addrToBytesFn = func(ptr uint64, size int) []byte { return nil }

func addrToBytes(ptr uint64, size int) []byte {
	return addrToBytesFn(ptr, size)
}

// WithMemory installs the accessor this process of helpers use to turn a
// VM-relative pointer into a byte slice, for the duration of one Run call.
// It returns a restore function.
func WithMemory(fn func(ptr uint64, size int) []byte) func() {
	prev := addrToBytesFn
	addrToBytesFn = fn
	return func() { addrToBytesFn = prev }
}
