package runtime

import (
	"testing"

	"github.com/vmtrace/hvbpf/pkg/symbols"
	"github.com/vmtrace/hvbpf/pkg/tracepoint"
)

func TestBootWiresEverySubsystem(t *testing.T) {
	rt := Boot(nil)
	for name, v := range map[string]any{
		"Maps":        rt.Maps,
		"Helpers":     rt.Helpers,
		"Symbols":     rt.Symbols,
		"Programs":    rt.Programs,
		"Slots":       rt.Slots,
		"TextWriter":  rt.TextWriter,
		"HostMemory":  rt.HostMemory,
		"HostProbes":  rt.HostProbes,
		"Translator":  rt.Translator,
		"GuestMemory": rt.GuestMemory,
		"GuestProbes": rt.GuestProbes,
		"Names":       rt.Names,
		"Stats":       rt.Stats,
		"Attachments": rt.Attachments,
		"Events":      rt.Events,
		"Tracepoints": rt.Tracepoints,
	} {
		if v == nil {
			t.Fatalf("Boot left %s nil", name)
		}
	}
}

func TestBootRegistersBuiltinTracepoints(t *testing.T) {
	rt := Boot(nil)
	for _, name := range tracepoint.BuiltinVMLifecycle {
		if _, ok := rt.Tracepoints.Lookup(name); !ok {
			t.Fatalf("builtin tracepoint %q missing after Boot", name)
		}
	}
}

// TestBootedRuntimeRunsLoadAttachEmitEndToEnd exercises the full chain a
// real trigger site drives: load a program, attach it to a tracepoint
// name, fire the tracepoint, and observe both the consumed event and the
// built-in stats count the emit recorded for it.
func TestBootedRuntimeRunsLoadAttachEmitEndToEnd(t *testing.T) {
	rt := Boot([]symbols.Symbol{{Name: "vcpu_enter", Addr: 0x1000}})

	raw := []byte{0x95, 0, 0, 0, 0, 0, 0, 0} // exit
	progID, err := rt.Programs.Load(raw, "demo")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	const name = "vmm:vcpu_run_enter"
	if err := rt.Attachments.Attach(name, uint32(progID), "demo"); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	tracepoint.Trigger(rt.Tracepoints, rt.Events, name, 0, 0, 1, [4]uint64{}, 0, 0)

	got := rt.Events.Consume(0)
	if len(got) != 1 {
		t.Fatalf("Consume(0) returned %d records, want 1", len(got))
	}

	id, ok := rt.Tracepoints.Lookup(name)
	if !ok || uint32(id) != got[0].EventID {
		t.Fatalf("event id %d does not match tracepoint id %v", got[0].EventID, id)
	}

	snap, ok := rt.Stats.Snapshot(uint32(id))
	if !ok || snap.Count != 1 {
		t.Fatalf("stats for %v = %+v, ok=%v, want count 1", id, snap, ok)
	}
}
