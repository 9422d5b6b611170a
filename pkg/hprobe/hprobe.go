// Package hprobe implements the host-probe manager and trap dispatcher:
// register-by-name against the symbol resolver, a software single-step
// breakpoint pair per probe (an entry slot at the
// probed address and, for return probes, a paired single-step-complete
// breakpoint in a scratch instruction slot), and the trap handler that
// turns a host BRK exception into a dispatched program run.
package hprobe

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	ctxpkg "github.com/vmtrace/hvbpf/pkg/context"
	"github.com/vmtrace/hvbpf/pkg/insnslot"
	"github.com/vmtrace/hvbpf/pkg/platform"
	"github.com/vmtrace/hvbpf/pkg/symbols"
)

// Errors from the host-probe manager.
var (
	ErrSymbolNotFound = errors.New("hprobe: symbol not found")
	ErrAlreadyExists  = errors.New("hprobe: probe already registered at this address")
	ErrNotFound       = errors.New("hprobe: no probe registered at this address")
	ErrNoFreeSlot     = errors.New("hprobe: no free instruction slot")
	ErrShortTrapFrame = errors.New("hprobe: trap frame shorter than the register context")
)

// BRK immediate values (ISS field) this dispatcher recognises, encoded as
// AArch64 BRK #imm16 words: 0xd4200000 | (imm16 << 5).
const (
	IssMainBreakpoint     = 0x4
	IssSingleStepComplete = 0x6

	mainBreakpointWord     = uint32(0xd4200000 | (IssMainBreakpoint << 5))
	singleStepCompleteWord = uint32(0xd4200000 | (IssSingleStepComplete << 5))

	origInsnSize = 4 // AArch64 instructions are 4 bytes wide
)

// State is a probe's enable state.
type State int

const (
	Disabled State = iota
	Enabled
)

func (s State) String() string {
	if s == Enabled {
		return "enabled"
	}
	return "disabled"
}

// ProgramRunner is the subset of pkg/program.Registry the dispatcher needs,
// narrowed to avoid an import-cycle-shaped dependency on the full registry
// type and to let tests supply a fake.
type ProgramRunner interface {
	Run(id uint32, ctx []byte) (uint64, error)
}

// Memory is the external collaborator owning the live bytes at a host text
// address, treating the actual memory backing as outside this framework's
// scope. Bytes returns a slice that aliases the real backing store for
// [addr, addr+size) — platform.TextWriter.Write copies through it in
// place, so the permission-flip/copy/restore/flush cycle has real effect
// on whatever Bytes hands back.
type Memory interface {
	Bytes(addr uintptr, size int) []byte
}

// FakeMemory is an in-process Memory backed by a plain map, the stand-in
// this framework runs against without a real hypervisor or kernel text
// segment underneath it.
type FakeMemory struct {
	mu      sync.Mutex
	regions map[uintptr][]byte
}

// NewFakeMemory returns an empty FakeMemory; unseeded addresses read as
// all-zero until Seed or a write touches them.
func NewFakeMemory() *FakeMemory {
	return &FakeMemory{regions: make(map[uintptr][]byte)}
}

// Seed installs data as the live content at addr, for test setup that
// needs a known "original word" before a probe is enabled.
func (f *FakeMemory) Seed(addr uintptr, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	f.regions[addr] = buf
}

// Bytes returns the live backing slice for [addr, addr+size), allocating
// a zero-filled one on first access.
func (f *FakeMemory) Bytes(addr uintptr, size int) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.regions[addr]
	if !ok || len(b) < size {
		b = make([]byte, size)
		f.regions[addr] = b
	}
	return b
}

type entry struct {
	name   string
	addr   uintptr
	isRet  bool
	progID uint32
	hits   uint64 // atomic
}

// probeSlots is everything registered at one address: at most one
// entry-kind and one return-kind probe, plus the breakpoint install state
// they share — a single address only ever has one physical breakpoint
// word installed, regardless of how many of the two slots are occupied.
type probeSlots struct {
	entry *entry // isRet == false
	ret   *entry // isRet == true

	state    State
	origWord uint32
	slotAddr uintptr // 0 when disabled, or when no return slot is needed
}

// Manager is the host-probe registry: one per running framework instance.
type Manager struct {
	mu       sync.Mutex
	resolver symbols.Resolver
	slots    *insnslot.Pool
	writer   *platform.TextWriter
	mem      Memory
	runner   ProgramRunner
	byAddr   map[uintptr]*probeSlots
	byName   map[string]uintptr

	// originalPC is per-CPU scratch recording the probed address between
	// the main breakpoint and its paired single-step-complete breakpoint.
	originalPC [64]uintptr
}

// NewManager builds a Manager. resolver supplies register-by-name lookups;
// slots is the instruction-slot pool backing return-probe single-step
// scratch space; writer is the host text read-only toggle; mem owns the
// live bytes writer copies through; runner executes attached programs.
func NewManager(resolver symbols.Resolver, slots *insnslot.Pool, writer *platform.TextWriter, mem Memory, runner ProgramRunner) *Manager {
	return &Manager{
		resolver: resolver,
		slots:    slots,
		writer:   writer,
		mem:      mem,
		runner:   runner,
		byAddr:   make(map[uintptr]*probeSlots),
		byName:   make(map[string]uintptr),
	}
}

// Register resolves name to an address and inserts a disabled probe in the
// entry or return slot for that address, per isRet. A single address may
// host at most one entry probe and one return probe at once, each running
// an independent program; it fails with ErrAlreadyExists only if the
// requested (address, kind) slot is already occupied, not when the other
// kind's slot at the same address is.
func (m *Manager) Register(name string, progID uint32, isRet bool) (uintptr, error) {
	addr64, ok := m.resolver.LookupAddr(name)
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrSymbolNotFound, name)
	}
	addr := uintptr(addr64)

	m.mu.Lock()
	defer m.mu.Unlock()
	ps, ok := m.byAddr[addr]
	if !ok {
		ps = &probeSlots{}
		m.byAddr[addr] = ps
	}
	e := &entry{name: name, addr: addr, isRet: isRet, progID: progID}
	if isRet {
		if ps.ret != nil {
			return 0, fmt.Errorf("%w: %#x (return slot)", ErrAlreadyExists, addr)
		}
		ps.ret = e
	} else {
		if ps.entry != nil {
			return 0, fmt.Errorf("%w: %#x (entry slot)", ErrAlreadyExists, addr)
		}
		ps.entry = e
	}
	m.byName[name] = addr
	return addr, nil
}

// Enable inserts the breakpoint at addr, recording the original word so
// Disable can restore it exactly. If a return probe occupies addr, a
// scratch instruction slot is also populated with the original
// instruction followed by a single-step-complete breakpoint, so the
// displaced instruction still runs before control resumes.
func (m *Manager) Enable(addr uintptr) error {
	m.mu.Lock()
	ps, ok := m.byAddr[addr]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %#x", ErrNotFound, addr)
	}
	if ps.state == Enabled {
		return nil
	}

	origDst := m.mem.Bytes(addr, 4)
	orig := leU32(origDst)

	var slotAddr uintptr
	if ps.ret != nil {
		sa, ok := m.slots.Alloc()
		if !ok {
			return ErrNoFreeSlot
		}
		slotBuf := make([]byte, 8)
		putLE32(slotBuf[0:4], orig)
		putLE32(slotBuf[4:8], singleStepCompleteWord)
		slotDst := m.mem.Bytes(sa, insnslot.SlotSize)
		if err := m.writer.Write(slotDst, sa, slotBuf); err != nil {
			m.slots.Free(sa)
			return fmt.Errorf("hprobe: populating return slot at %#x: %w", sa, err)
		}
		slotAddr = sa
	}

	bp := make([]byte, 4)
	putLE32(bp, mainBreakpointWord)
	if err := m.writer.Write(origDst, addr, bp); err != nil {
		if slotAddr != 0 {
			m.slots.Free(slotAddr)
		}
		return fmt.Errorf("hprobe: writing breakpoint at %#x: %w", addr, err)
	}

	m.mu.Lock()
	ps.origWord = orig
	ps.slotAddr = slotAddr
	ps.state = Enabled
	m.mu.Unlock()
	return nil
}

// Disable restores the original word at addr and releases its instruction
// slot, if any.
func (m *Manager) Disable(addr uintptr) error {
	m.mu.Lock()
	ps, ok := m.byAddr[addr]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %#x", ErrNotFound, addr)
	}
	if ps.state == Disabled {
		return nil
	}

	orig := make([]byte, 4)
	putLE32(orig, ps.origWord)
	dst := m.mem.Bytes(addr, 4)
	if err := m.writer.Write(dst, addr, orig); err != nil {
		return fmt.Errorf("hprobe: restoring original word at %#x: %w", addr, err)
	}

	m.mu.Lock()
	if ps.slotAddr != 0 {
		m.slots.Free(ps.slotAddr)
	}
	ps.slotAddr = 0
	ps.state = Disabled
	m.mu.Unlock()
	return nil
}

// Unregister removes every slot registered at addr entirely. It disables
// first if needed.
func (m *Manager) Unregister(addr uintptr) error {
	m.mu.Lock()
	ps, ok := m.byAddr[addr]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %#x", ErrNotFound, addr)
	}
	if ps.state == Enabled {
		if err := m.Disable(addr); err != nil {
			return err
		}
	}
	m.mu.Lock()
	if ps.entry != nil {
		delete(m.byName, ps.entry.name)
	}
	if ps.ret != nil {
		delete(m.byName, ps.ret.name)
	}
	delete(m.byAddr, addr)
	m.mu.Unlock()
	return nil
}

// Hits returns the combined hit count across whichever of the entry and
// return slots are registered at addr.
func (m *Manager) Hits(addr uintptr) (uint64, bool) {
	m.mu.Lock()
	ps, ok := m.byAddr[addr]
	m.mu.Unlock()
	if !ok {
		return 0, false
	}
	var total uint64
	if ps.entry != nil {
		total += atomic.LoadUint64(&ps.entry.hits)
	}
	if ps.ret != nil {
		total += atomic.LoadUint64(&ps.ret.hits)
	}
	return total, true
}

// HandleBreakpoint is the trap dispatcher's entry point. frame is
// the raw trap frame; iss is the trap-specific sub-kind; cpuID selects the
// per-CPU original-PC slot; setPC redirects the faulting context's program
// counter. It returns whether the trap was recognised and handled.
func (m *Manager) HandleBreakpoint(frame []byte, iss uint64, cpuID int, setPC func(uintptr)) (bool, error) {
	if len(frame) == 0 {
		return false, ErrShortTrapFrame
	}
	probeCtx, ok := ctxpkg.FromTrapFrame(frame)
	if !ok {
		return false, ErrShortTrapFrame
	}

	var handled bool
	switch iss {
	case IssMainBreakpoint:
		handled = m.handleMainBreakpoint(uintptr(probeCtx.PC), &probeCtx, cpuID, setPC)
	case IssSingleStepComplete:
		handled = m.handleSingleStepComplete(uintptr(probeCtx.PC), cpuID, setPC)
	default:
		return false, nil
	}

	if handled {
		ctxpkg.WriteBack(frame, probeCtx)
	}
	return handled, nil
}

func (m *Manager) handleMainBreakpoint(pc uintptr, probeCtx *ctxpkg.TrapContext, cpuID int, setPC func(uintptr)) bool {
	m.mu.Lock()
	ps, ok := m.byAddr[pc]
	if !ok || ps.state != Enabled {
		m.mu.Unlock()
		return false
	}
	var progIDs []uint32
	if ps.entry != nil {
		atomic.AddUint64(&ps.entry.hits, 1)
		progIDs = append(progIDs, ps.entry.progID)
	}
	if ps.ret != nil {
		atomic.AddUint64(&ps.ret.hits, 1)
		progIDs = append(progIDs, ps.ret.progID)
	}
	slotAddr := ps.slotAddr
	m.mu.Unlock()

	if m.runner != nil {
		for _, progID := range progIDs {
			ctxBytes := make([]byte, ctxpkg.Size)
			ctxpkg.WriteBack(ctxBytes, *probeCtx)
			if _, err := m.runner.Run(progID, ctxBytes); err == nil {
				// A program may have modified register state through the
				// context bytes; fold any change back in.
				if updated, ok := ctxpkg.FromTrapFrame(ctxBytes); ok {
					*probeCtx = updated
				}
			}
		}
	}

	if slotAddr != 0 {
		m.setOriginalPC(cpuID, pc)
		setPC(slotAddr)
	} else {
		setPC(pc + origInsnSize)
	}
	return true
}

func (m *Manager) handleSingleStepComplete(pc uintptr, cpuID int, setPC func(uintptr)) bool {
	slotBase := pc - origInsnSize
	if !m.slots.IsSlot(slotBase) {
		return false
	}
	orig := m.originalPCFor(cpuID)
	if orig == 0 {
		return false
	}
	setPC(orig + origInsnSize)
	return true
}

func (m *Manager) setOriginalPC(cpuID int, pc uintptr) {
	if cpuID < 0 || cpuID >= len(m.originalPC) {
		return
	}
	m.originalPC[cpuID] = pc
}

func (m *Manager) originalPCFor(cpuID int) uintptr {
	if cpuID < 0 || cpuID >= len(m.originalPC) {
		return 0
	}
	return m.originalPC[cpuID]
}

func putLE32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func leU32(b []byte) uint32 {
	_ = b[3]
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
