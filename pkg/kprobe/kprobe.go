// Package kprobe implements the guest-probe manager: probes
// against guest VM code, injected either by flipping a Stage-2 page's
// execute bit (Stage2Fault) or by patching a breakpoint word directly into
// guest memory (BrkInject), plus the stale-probe recovery registry that
// absorbs a trap racing a concurrent detach.
package kprobe

import (
	"errors"
	"fmt"
	"sync"

	"github.com/vmtrace/hvbpf/pkg/xlate"
)

// Errors from the guest-probe manager.
var (
	ErrAlreadyExists       = errors.New("kprobe: probe already registered at this (vm, gva)")
	ErrNotFound            = errors.New("kprobe: no probe registered at this (vm, gva)")
	ErrTranslationNotReady = errors.New("kprobe: VM translation tables not ready")
	ErrBackendUnavailable  = errors.New("kprobe: injection backend unavailable")
)

// Mode selects how a guest probe is injected.
type Mode int

const (
	Stage2Fault Mode = iota
	BrkInject
)

func (m Mode) String() string {
	if m == BrkInject {
		return "brk_inject"
	}
	return "stage2_fault"
}

// State is a guest probe's lifecycle state.
type State int

const (
	Registered State = iota
	Enabled
	Disabled
)

// guestBrkInsn is the architectural breakpoint encoding BrkInject writes
// into guest memory: the AArch64 BRK #0 word.
const guestBrkInsn = uint32(0xd4200000)

const (
	staleMaxEntries  = 64
	staleRetryBudget = 4096
)

// key identifies a guest probe by VM and guest virtual address.
type key struct {
	vmID uint32
	gva  uint64
}

type probeEntry struct {
	vmID        uint32
	gva         uint64
	mode        Mode
	progID      uint32
	isRet       bool
	hits        uint64
	state       State
	savedInsn   uint32
	hasSaved    bool
	resolvedGPA uint64
	hasGPA      bool
	resolvedHVA uintptr
	hasHVA      bool
}

type staleEntry struct {
	hva         uintptr
	savedInsn   uint32
	retriesLeft uint32
}

// Stage2Exec flips a guest-physical page's execute permission.
type Stage2Exec func(vmID uint32, gpa uint64, executable bool) error

// GuestMemory is the external collaborator owning the live bytes of guest
// memory at a host-visible virtual address, the BrkInject path's
// read/write/flush target.
type GuestMemory interface {
	ReadWord(hva uintptr) (uint32, error)
	WriteWord(hva uintptr, word uint32) error
}

// ProgramRunner executes an attached program against trap context bytes.
type ProgramRunner interface {
	Run(id uint32, ctx []byte) (uint64, error)
}

// FakeGuestMemory is an in-process GuestMemory backed by a plain map, the
// stand-in this framework runs against without a real guest address space
// underneath it, mirroring pkg/hprobe's FakeMemory for the host side.
type FakeGuestMemory struct {
	mu    sync.Mutex
	words map[uintptr]uint32
}

// NewFakeGuestMemory returns an empty FakeGuestMemory; unseeded addresses
// read as zero until Seed or a write touches them.
func NewFakeGuestMemory() *FakeGuestMemory {
	return &FakeGuestMemory{words: make(map[uintptr]uint32)}
}

// Seed installs word as the live content at hva.
func (f *FakeGuestMemory) Seed(hva uintptr, word uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.words[hva] = word
}

func (f *FakeGuestMemory) ReadWord(hva uintptr) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.words[hva], nil
}

func (f *FakeGuestMemory) WriteWord(hva uintptr, word uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.words[hva] = word
	return nil
}

// Manager is the guest-probe registry.
type Manager struct {
	mu sync.Mutex

	translator *xlate.Translator
	stage2     Stage2Exec
	mem        GuestMemory
	runner     ProgramRunner

	probes     map[key]*probeEntry
	stale      map[key]*staleEntry
	staleOrder []key // insertion order, for oldest-eviction

	// failNextEnable lets tests force Enable to fail deterministically.
	failNextEnable map[key]bool
}

// NewManager builds a Manager. translator resolves GVA->GPA->HVA; stage2
// flips Stage-2 execute permission; mem owns the live guest memory bytes
// BrkInject reads and writes; runner executes attached programs.
func NewManager(translator *xlate.Translator, stage2 Stage2Exec, mem GuestMemory, runner ProgramRunner) *Manager {
	return &Manager{
		translator:     translator,
		stage2:         stage2,
		mem:            mem,
		runner:         runner,
		probes:         make(map[key]*probeEntry),
		stale:          make(map[key]*staleEntry),
		failNextEnable: make(map[key]bool),
	}
}

// Register inserts a disabled probe entry at (vmID, gva).
func (m *Manager) Register(vmID uint32, gva uint64, progID uint32, isRet bool, mode Mode) error {
	k := key{vmID, gva}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.probes[k]; exists {
		return fmt.Errorf("%w: vm%d:%#x", ErrAlreadyExists, vmID, gva)
	}
	m.clearStaleLocked(k)
	m.probes[k] = &probeEntry{vmID: vmID, gva: gva, mode: mode, progID: progID, isRet: isRet, state: Registered}
	return nil
}

// Enable activates the probe at (vmID, gva), translating and patching
// guest state per its injection mode.
func (m *Manager) Enable(vmID uint32, gva uint64) error {
	k := key{vmID, gva}
	m.mu.Lock()
	e, ok := m.probes[k]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: vm%d:%#x", ErrNotFound, vmID, gva)
	}
	if e.state == Enabled {
		m.mu.Unlock()
		return nil
	}
	if m.failNextEnable[k] {
		delete(m.failNextEnable, k)
		m.mu.Unlock()
		return fmt.Errorf("kprobe: mock backend enable failure for vm%d:%#x", vmID, gva)
	}
	mode := e.mode
	m.mu.Unlock()

	if _, err := m.translator.VMTTBR1(vmID); err != nil {
		return fmt.Errorf("%w: %v", ErrTranslationNotReady, err)
	}

	switch mode {
	case Stage2Fault:
		gpa, err := m.translator.GVAToGPAForVM(gva, vmID)
		if err != nil {
			return fmt.Errorf("kprobe: GVA->GPA translation failed: %w", err)
		}
		if m.stage2 == nil {
			return fmt.Errorf("%w: stage-2 execute hook", ErrBackendUnavailable)
		}
		if err := m.stage2(vmID, gpa, false); err != nil {
			return fmt.Errorf("kprobe: setting stage-2 non-executable failed: %w", err)
		}
		m.mu.Lock()
		e.resolvedGPA, e.hasGPA = gpa, true
		e.state = Enabled
		m.mu.Unlock()

	case BrkInject:
		m.mu.Lock()
		m.clearStaleLocked(k)
		m.mu.Unlock()
		hva, err := m.translator.GVAToHVA(gva, vmID)
		if err != nil {
			return fmt.Errorf("kprobe: GVA->HVA translation failed: %w", err)
		}
		if m.mem == nil {
			return fmt.Errorf("%w: guest memory", ErrBackendUnavailable)
		}
		saved, err := m.mem.ReadWord(hva)
		if err != nil {
			return fmt.Errorf("kprobe: reading original guest word: %w", err)
		}
		if err := m.mem.WriteWord(hva, guestBrkInsn); err != nil {
			return fmt.Errorf("kprobe: injecting guest breakpoint: %w", err)
		}
		m.mu.Lock()
		e.savedInsn, e.hasSaved = saved, true
		e.resolvedHVA, e.hasHVA = hva, true
		e.state = Enabled
		m.mu.Unlock()
	}
	return nil
}

// Disable deactivates the probe at (vmID, gva). For BrkInject probes, the
// saved instruction is written back and recorded as a stale-probe entry so
// a trap racing this disable can still be resolved.
func (m *Manager) Disable(vmID uint32, gva uint64) error {
	k := key{vmID, gva}
	m.mu.Lock()
	e, ok := m.probes[k]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	if e.state != Enabled {
		m.mu.Unlock()
		return nil
	}
	mode := e.mode
	m.mu.Unlock()

	switch mode {
	case Stage2Fault:
		m.mu.Lock()
		gpa, has := e.resolvedGPA, e.hasGPA
		m.mu.Unlock()
		if has && m.stage2 != nil {
			if err := m.stage2(vmID, gpa, true); err != nil {
				return fmt.Errorf("kprobe: restoring stage-2 executable failed: %w", err)
			}
		}
		m.mu.Lock()
		e.hasGPA = false
		e.state = Disabled
		m.mu.Unlock()

	case BrkInject:
		m.mu.Lock()
		hva, hasHVA := e.resolvedHVA, e.hasHVA
		saved, hasSaved := e.savedInsn, e.hasSaved
		m.mu.Unlock()
		if hasHVA && hasSaved {
			m.mu.Lock()
			m.rememberStaleLocked(k, hva, saved)
			m.mu.Unlock()
			if m.mem != nil {
				if err := m.mem.WriteWord(hva, saved); err != nil {
					return fmt.Errorf("kprobe: restoring guest instruction: %w", err)
				}
			}
		}
		m.mu.Lock()
		e.hasSaved = false
		e.hasHVA = false
		e.state = Disabled
		m.mu.Unlock()
	}
	return nil
}

// Unregister disables (if needed) and removes the probe at (vmID, gva).
func (m *Manager) Unregister(vmID uint32, gva uint64) error {
	if err := m.Disable(vmID, gva); err != nil {
		return err
	}
	k := key{vmID, gva}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.probes, k)
	return nil
}

// FailNextEnable forces the next Enable call for (vmID, gva) to fail, for
// deterministic rollback testing.
func (m *Manager) FailNextEnable(vmID uint32, gva uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNextEnable[key{vmID, gva}] = true
}

// Attach registers then enables a probe, undoing the registration if
// enabling fails.
func (m *Manager) Attach(vmID uint32, gva uint64, progID uint32, isRet bool, mode Mode) error {
	if err := m.Register(vmID, gva, progID, isRet, mode); err != nil {
		return err
	}
	if err := m.Enable(vmID, gva); err != nil {
		m.mu.Lock()
		delete(m.probes, key{vmID, gva})
		m.mu.Unlock()
		return err
	}
	return nil
}

// TriggerOutcome reports how a guest trap was resolved.
type TriggerOutcome int

const (
	Unhandled TriggerOutcome = iota
	Handled
	RetryRequested
)

// HandleStage2Fault looks up a Stage2Fault probe by (vmID, gva), preferring
// a VM-specific registration over a vmID-0 wildcard that matches any VM,
// and, if enabled, runs its attached program and increments its hit
// counter.
func (m *Manager) HandleStage2Fault(vmID uint32, gva uint64, ctx []byte) TriggerOutcome {
	m.mu.Lock()
	e, ok := m.probes[key{vmID, gva}]
	if !ok && vmID != 0 {
		e, ok = m.probes[key{0, gva}]
	}
	if !ok || e.state != Enabled || e.mode != Stage2Fault {
		m.mu.Unlock()
		return Unhandled
	}
	e.hits++
	progID := e.progID
	m.mu.Unlock()

	if m.runner != nil {
		_, _ = m.runner.Run(progID, ctx)
	}
	return Handled
}

// HandleGuestBreakpoint looks up a BrkInject probe by (vmID, pc),
// preferring a VM-specific registration over a vmID-0 wildcard that
// matches any VM. A match runs its program and increments its hit
// counter. A miss is checked against the stale registry: a match consumes
// one retry credit and requests the caller retry the guest instruction,
// since the original word has already been restored there.
func (m *Manager) HandleGuestBreakpoint(vmID uint32, pc uint64, ctx []byte) TriggerOutcome {
	k := key{vmID, pc}
	m.mu.Lock()
	e, ok := m.probes[k]
	if !ok && vmID != 0 {
		e, ok = m.probes[key{0, pc}]
	}
	if ok && e.state == Enabled && e.mode == BrkInject {
		e.hits++
		progID := e.progID
		m.mu.Unlock()
		if m.runner != nil {
			_, _ = m.runner.Run(progID, ctx)
		}
		return Handled
	}

	stale, ok := m.stale[k]
	if !ok {
		m.mu.Unlock()
		return Unhandled
	}
	if stale.retriesLeft == 0 {
		delete(m.stale, k)
		m.removeStaleOrderLocked(k)
		m.mu.Unlock()
		return Unhandled
	}
	stale.retriesLeft--
	if stale.retriesLeft == 0 {
		delete(m.stale, k)
		m.removeStaleOrderLocked(k)
	}
	m.mu.Unlock()
	return RetryRequested
}

// Hits returns the current hit count for the probe at (vmID, gva).
func (m *Manager) Hits(vmID uint32, gva uint64) (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.probes[key{vmID, gva}]
	if !ok {
		return 0, false
	}
	return e.hits, true
}

func (m *Manager) rememberStaleLocked(k key, hva uintptr, saved uint32) {
	if len(m.stale) >= staleMaxEntries {
		m.evictOldestStaleLocked()
	}
	if _, exists := m.stale[k]; !exists {
		m.staleOrder = append(m.staleOrder, k)
	}
	m.stale[k] = &staleEntry{hva: hva, savedInsn: saved, retriesLeft: staleRetryBudget}
}

func (m *Manager) clearStaleLocked(k key) {
	if _, ok := m.stale[k]; ok {
		delete(m.stale, k)
		m.removeStaleOrderLocked(k)
	}
}

func (m *Manager) evictOldestStaleLocked() {
	if len(m.staleOrder) == 0 {
		return
	}
	oldest := m.staleOrder[0]
	m.staleOrder = m.staleOrder[1:]
	delete(m.stale, oldest)
}

func (m *Manager) removeStaleOrderLocked(k key) {
	for i, o := range m.staleOrder {
		if o == k {
			m.staleOrder = append(m.staleOrder[:i], m.staleOrder[i+1:]...)
			return
		}
	}
}
