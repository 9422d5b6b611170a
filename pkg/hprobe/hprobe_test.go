package hprobe

import (
	"testing"

	"github.com/vmtrace/hvbpf/pkg/context"
	"github.com/vmtrace/hvbpf/pkg/insnslot"
	"github.com/vmtrace/hvbpf/pkg/platform"
	"github.com/vmtrace/hvbpf/pkg/symbols"
)

// simpleResolver is a minimal symbols.Resolver fake for tests that only
// need register-by-name to succeed or fail deterministically.
type simpleResolver map[string]uint64

func (s simpleResolver) LookupAddr(name string) (uint64, bool) {
	a, ok := s[name]
	return a, ok
}

func (s simpleResolver) LookupAddress(addr uint64) (symbols.Symbol, bool) {
	return symbols.Symbol{}, false
}

// fakeRunner satisfies ProgramRunner without depending on pkg/program.
type fakeRunner struct {
	called bool
	lastID uint32
}

func (f *fakeRunner) Run(id uint32, ctx []byte) (uint64, error) {
	f.called = true
	f.lastID = id
	return 0, nil
}

func alwaysPermit(addr uintptr, size int, writable bool) error { return nil }

func newTestManager(resolver symbols.Resolver, runner ProgramRunner) (*Manager, *FakeMemory) {
	mem := NewFakeMemory()
	writer := platform.NewTextWriter(alwaysPermit)
	slots := insnslot.New(0x2000)
	return NewManager(resolver, slots, writer, mem, runner), mem
}

// TestAttachDetachTextStability covers attach/detach text stability: at probed
// address A with original word W, attach installs the breakpoint encoding
// and detach restores W exactly.
func TestAttachDetachTextStability(t *testing.T) {
	const probeAddr = 0x1000
	resolver := simpleResolver{"my_symbol": probeAddr}
	mgr, mem := newTestManager(resolver, nil)

	const originalWord = uint32(0x52800000) // MOV W0, #0 — an arbitrary architectural word
	origBytes := []byte{byte(originalWord), byte(originalWord >> 8), byte(originalWord >> 16), byte(originalWord >> 24)}
	mem.Seed(probeAddr, origBytes)

	addr, err := mgr.Register("my_symbol", 1, false)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if addr != probeAddr {
		t.Fatalf("Register returned %#x, want %#x", addr, probeAddr)
	}

	if err := mgr.Enable(addr); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	installed := leU32(mem.Bytes(addr, 4))
	if installed != mainBreakpointWord {
		t.Fatalf("text word after Enable = %#x, want the main breakpoint encoding %#x", installed, mainBreakpointWord)
	}

	if err := mgr.Disable(addr); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	restored := leU32(mem.Bytes(addr, 4))
	if restored != originalWord {
		t.Fatalf("text word after Disable = %#x, want original %#x", restored, originalWord)
	}
}

// TestRegisterRejectsDuplicateSameKindAtAddress covers same-kind conflict:
// a second entry probe (or a second return probe) at an address already
// holding one of that kind is rejected.
func TestRegisterRejectsDuplicateSameKindAtAddress(t *testing.T) {
	resolver := simpleResolver{"a": 0x1000, "b": 0x1000}
	mgr, _ := newTestManager(resolver, nil)
	if _, err := mgr.Register("a", 1, false); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if _, err := mgr.Register("b", 2, false); err == nil {
		t.Fatal("expected ErrAlreadyExists for a second entry probe at the same address")
	}
}

// TestEntryAndReturnProbesCoexistAtSameAddress covers a single address
// hosting both an entry probe and a return probe, each with its own
// program, and Unregister removing both slots together.
func TestEntryAndReturnProbesCoexistAtSameAddress(t *testing.T) {
	resolver := simpleResolver{"sym": 0x1000}
	mgr, _ := newTestManager(resolver, nil)

	addr, err := mgr.Register("sym", 11, false)
	if err != nil {
		t.Fatalf("Register entry: %v", err)
	}
	if _, err := mgr.Register("sym", 22, true); err != nil {
		t.Fatalf("Register return at the same address: %v", err)
	}

	ps := mgr.byAddr[addr]
	if ps.entry == nil || ps.entry.progID != 11 {
		t.Fatalf("entry slot = %+v, want progID 11", ps.entry)
	}
	if ps.ret == nil || ps.ret.progID != 22 {
		t.Fatalf("return slot = %+v, want progID 22", ps.ret)
	}

	if err := mgr.Unregister(addr); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	if _, ok := mgr.byAddr[addr]; ok {
		t.Fatal("address entry should be fully removed after Unregister")
	}
}

func TestRegisterUnknownSymbolFails(t *testing.T) {
	mgr, _ := newTestManager(simpleResolver{}, nil)
	if _, err := mgr.Register("nope", 1, false); err == nil {
		t.Fatal("expected ErrSymbolNotFound")
	}
}

// TestHandleMainBreakpointRunsProgramAndRedirectsPC exercises the
// dispatcher's entry path: a trap at a registered, enabled address counts
// a hit, runs the attached program, and redirects PC past the breakpoint
// when the probe has no return slot.
func TestHandleMainBreakpointRunsProgramAndRedirectsPC(t *testing.T) {
	const probeAddr = 0x4000
	resolver := simpleResolver{"sym": probeAddr}
	runner := &fakeRunner{}
	mgr, _ := newTestManager(resolver, runner)

	addr, _ := mgr.Register("sym", 77, false)
	if err := mgr.Enable(addr); err != nil {
		t.Fatalf("Enable: %v", err)
	}

	frame := make([]byte, context.Size+32)
	var tc context.TrapContext
	tc.PC = probeAddr
	context.WriteBack(frame, tc)

	var newPC uintptr
	handled, err := mgr.HandleBreakpoint(frame, IssMainBreakpoint, 0, func(pc uintptr) { newPC = pc })
	if err != nil {
		t.Fatalf("HandleBreakpoint: %v", err)
	}
	if !handled {
		t.Fatal("expected the trap to be handled")
	}
	if !runner.called || runner.lastID != 77 {
		t.Fatalf("expected program 77 to run, got called=%v id=%d", runner.called, runner.lastID)
	}
	if newPC != probeAddr+origInsnSize {
		t.Fatalf("redirected PC = %#x, want %#x", newPC, probeAddr+origInsnSize)
	}
	hits, ok := mgr.Hits(addr)
	if !ok || hits != 1 {
		t.Fatalf("hits = %d, ok=%v, want 1", hits, ok)
	}
}

func TestHandleBreakpointRejectsShortFrame(t *testing.T) {
	mgr, _ := newTestManager(simpleResolver{}, nil)
	if _, err := mgr.HandleBreakpoint(make([]byte, 4), IssMainBreakpoint, 0, func(uintptr) {}); err == nil {
		t.Fatal("expected ErrShortTrapFrame")
	}
}

func TestHandleBreakpointUnknownISSIsUnhandled(t *testing.T) {
	mgr, _ := newTestManager(simpleResolver{}, nil)
	frame := make([]byte, context.Size)
	handled, err := mgr.HandleBreakpoint(frame, 0xff, 0, func(uintptr) {})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if handled {
		t.Fatal("an unrecognised ISS should not be reported as handled")
	}
}
