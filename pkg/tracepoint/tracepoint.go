// Package tracepoint implements the static tracepoint registry: a fixed
// id<->name table for the trigger sites compiled into the VMM, plus the
// built-in VM-lifecycle tracepoints every boot registers.
package tracepoint

import (
	"errors"
	"sync"

	"github.com/vmtrace/hvbpf/pkg/event"
)

// ErrNotFound is returned when a name or id has no registered tracepoint.
var ErrNotFound = errors.New("tracepoint: not found")

// ID identifies a static tracepoint, stable for the process's lifetime.
type ID uint32

// Registry is the process-wide static tracepoint table.
type Registry struct {
	mu     sync.Mutex
	byID   map[ID]string
	byName map[string]ID
	next   ID
}

// NewRegistry constructs an empty tracepoint registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[ID]string), byName: make(map[string]ID)}
}

// Register assigns the next free id to name, or returns name's existing
// id if it was already registered.
func (r *Registry) Register(name string) ID {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.byName[name]; ok {
		return id
	}
	id := r.next
	r.next++
	r.byID[id] = name
	r.byName[name] = id
	return id
}

// Name resolves id to its registered name.
func (r *Registry) Name(id ID) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name, ok := r.byID[id]
	return name, ok
}

// Lookup resolves name to its registered id.
func (r *Registry) Lookup(name string) (ID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byName[name]
	return id, ok
}

// BuiltinVMLifecycle is the set of tracepoints every boot registers,
// covering the VM-lifecycle trigger sites a hypervisor's own VMM compiles
// in: vCPU entry/exit and VM create/destroy.
var BuiltinVMLifecycle = []string{
	"vmm:vcpu_run_enter",
	"vmm:vcpu_run_exit",
	"vmm:vm_create",
	"vmm:vm_destroy",
}

// RegisterBuiltins registers every name in BuiltinVMLifecycle.
func (r *Registry) RegisterBuiltins() {
	for _, name := range BuiltinVMLifecycle {
		r.Register(name)
	}
}

// Trigger fires the tracepoint named name: it resolves (registering if
// unseen) the tracepoint id and the event pipeline's own name-table
// offset for name, builds an event record, and emits it. An unseen name
// is registered on the fly, matching a trace macro expanding at a call
// site the registry hasn't been told about yet.
func Trigger(r *Registry, pipeline *event.Pipeline, name string, cpuID uint8, vmID uint16, timestampNs uint64, args [4]uint64, nrArgs uint8, durationNs uint64) {
	id := r.Register(name)
	offset := pipeline.Names().Register(name)
	pipeline.Emit(event.TraceEvent{
		TimestampNs: timestampNs,
		ProbeKind:   event.ProbeTracepoint,
		CPUID:       cpuID,
		VMID:        vmID,
		EventID:     uint32(id),
		NameOffset:  offset,
		NrArgs:      nrArgs,
		Args:        args,
		DurationNs:  durationNs,
	})
}

// MustLookup resolves name to its id, returning ErrNotFound if it was
// never registered. Administrative callers (e.g. an "enable tracepoint
// by name" CLI) use this instead of the trigger-time auto-register path.
func (r *Registry) MustLookup(name string) (ID, error) {
	id, ok := r.Lookup(name)
	if !ok {
		return 0, ErrNotFound
	}
	return id, nil
}
