// Package runtime wires every subsystem together in dependency order and
// hands back a single struct holding the process-wide singletons: the
// map registry, helper table, program registry, probe managers, event
// pipeline, stats table, attachment registry and tracepoint registry.
// Boot is meant to run exactly once, at process start.
package runtime

import (
	"github.com/vmtrace/hvbpf/pkg/attach"
	"github.com/vmtrace/hvbpf/pkg/event"
	"github.com/vmtrace/hvbpf/pkg/helpers"
	"github.com/vmtrace/hvbpf/pkg/hprobe"
	"github.com/vmtrace/hvbpf/pkg/insnslot"
	"github.com/vmtrace/hvbpf/pkg/kprobe"
	"github.com/vmtrace/hvbpf/pkg/maps"
	"github.com/vmtrace/hvbpf/pkg/platform"
	"github.com/vmtrace/hvbpf/pkg/program"
	"github.com/vmtrace/hvbpf/pkg/stats"
	"github.com/vmtrace/hvbpf/pkg/symbols"
	"github.com/vmtrace/hvbpf/pkg/tracepoint"
	"github.com/vmtrace/hvbpf/pkg/vm"
	"github.com/vmtrace/hvbpf/pkg/xlate"
)

// ringBufBytes is the event pipeline's ring-buffer map byte capacity:
// 16 KiB (four 4 KiB pages), a reasonable default size without requiring this process to own an
// actual kernel map fd.
const ringBufBytes = 16 * 1024

// Runtime is every process-wide singleton this framework needs, wired
// together by Boot in the dependency order leaves-first: instruction
// slots, maps and the event name table, helpers, symbols, program
// registry, probe managers, stats, attachment registry, event pipeline
// and tracepoint registry.
type Runtime struct {
	Maps       *maps.Registry
	Helpers    *helpers.Table
	Symbols    *symbols.CachingResolver
	Programs   *program.Registry
	Slots      *insnslot.Pool
	TextWriter *platform.TextWriter
	HostMemory *hprobe.FakeMemory
	HostProbes *hprobe.Manager

	Translator  *xlate.Translator
	GuestMemory *kprobe.FakeGuestMemory
	GuestProbes *kprobe.Manager

	Names        *event.NameTable
	Stats        *stats.Table
	Attachments  *attach.Registry
	Events       *event.Pipeline
	Tracepoints  *tracepoint.Registry
	ringBufferFD maps.Handle
}

// programRunner adapts *program.Registry's Run(program.ID, []byte) to the
// plain-uint32-id ProgramRunner interface pkg/hprobe, pkg/kprobe and
// pkg/event each declare independently to avoid depending on pkg/program.
type programRunner struct{ reg *program.Registry }

func (p programRunner) Run(id uint32, ctx []byte) (uint64, error) {
	return p.reg.Run(program.ID(id), ctx)
}

type programExistence struct{ reg *program.Registry }

func (p programExistence) Exists(id uint32) bool {
	return p.reg.Exists(program.ID(id))
}

// Boot constructs a fresh Runtime. syms seeds the symbol table the
// host-probe manager resolves register-by-name requests against; an
// embedding VMM is expected to populate it from its own compiled symbol
// table. Host text permission flips go through a hook that always
// succeeds, and host and guest memory are the framework's documented
// fakes. The guest page-table hooks and the Stage-2 execute toggle are
// left nil, so guest-probe operations that need them fail; the
// Translator's hook fields are exported and can be assigned after Boot
// returns (e.g. Translator.ReadGuestPTE).
func Boot(syms []symbols.Symbol) *Runtime {
	rt := &Runtime{}

	// Leaves: slot allocator, map subsystem, and the event name table
	// (a leaf in its own right, even though it logically belongs to the
	// event pipeline stage further down) all have no dependency on
	// anything else this process constructs.
	rt.Slots = insnslot.New(0)
	rt.Maps = maps.NewRegistry(platform.PageSize)
	rt.Names = event.NewNameTable()

	// Helper table: needs the map registry for map-access helpers and
	// the name table for the event-name helper.
	rt.Helpers = helpers.NewTable(rt.Maps, rt.Names)

	// Loader and program registry: needs the map registry (to
	// materialise declared maps) and the helper table (to register into
	// each run's VM instance).
	rt.Symbols = symbols.NewCachingResolver(symbols.NewTable(syms))
	rt.Programs = program.New(rt.Maps, rt.Helpers, vm.NewReferenceFactory())

	// Host-probe manager and trap dispatcher: needs the symbol
	// resolver, the slot pool, a text permission toggle, the live host
	// memory backing, and the program registry. No real host text
	// segment backs this process, so the permission hook always
	// succeeds and HostMemory is the documented fake.
	rt.TextWriter = platform.NewTextWriter(func(addr uintptr, size int, writable bool) error {
		return nil
	})
	rt.HostMemory = hprobe.NewFakeMemory()
	rt.HostProbes = hprobe.NewManager(rt.Symbols, rt.Slots, rt.TextWriter, rt.HostMemory, programRunner{rt.Programs})

	// Guest-probe manager and address translation: translator hooks and
	// the Stage-2 execute toggle are left nil for an embedding
	// hypervisor to install; GuestMemory is the documented fake.
	rt.Translator = &xlate.Translator{}
	rt.GuestMemory = kprobe.NewFakeGuestMemory()
	rt.GuestProbes = kprobe.NewManager(rt.Translator, nil, rt.GuestMemory, programRunner{rt.Programs})

	// Event pipeline, stats and attachment registry: the ring-buffer map
	// is created through the already-booted map registry, so a failed
	// creation (a misconfigured page size) degrades to fallback-queue-only
	// delivery rather than panicking boot.
	rt.Stats = stats.NewTable()
	rt.Attachments = attach.NewRegistry(programExistence{rt.Programs})
	var ring event.RingBuf
	if handle, err := rt.Maps.Create(maps.Descriptor{Kind: maps.RingBuf, MaxEntries: ringBufBytes}); err == nil {
		rt.ringBufferFD = handle
		if m, err := rt.Maps.Get(handle); err == nil {
			ring = m
		}
	}
	rt.Events = event.NewPipeline(ring, rt.Names, rt.Stats, rt.Attachments, programRunner{rt.Programs})

	// Tracepoint registry: the static id<->name table for compiled-in
	// trigger sites, seeded with the built-in VM-lifecycle tracepoints.
	rt.Tracepoints = tracepoint.NewRegistry()
	rt.Tracepoints.RegisterBuiltins()

	return rt
}

// RingBufferHandle returns the map handle backing the event pipeline's
// ring buffer, for callers that want to inspect or resize it directly
// through Maps.
func (rt *Runtime) RingBufferHandle() maps.Handle { return rt.ringBufferFD }
