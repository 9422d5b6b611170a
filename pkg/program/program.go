// Package program implements the program registry: loaded
// bytecode is kept in a sparse slot vector addressed by id, clones share
// their parent's maps under a refcount, and Run drives one synchronous
// execution through a fresh pkg/vm.Instance.
package program

import (
	"errors"
	"fmt"
	"sync"

	"github.com/vmtrace/hvbpf/pkg/bytecode"
	"github.com/vmtrace/hvbpf/pkg/helpers"
	"github.com/vmtrace/hvbpf/pkg/maps"
	"github.com/vmtrace/hvbpf/pkg/vm"
)

// Errors returned by the registry
var (
	ErrNotFound = errors.New("program: id not found")
)

// ID identifies a loaded program, stable for its lifetime.
type ID uint32

// entry is one slot in the registry: the relocated instructions, the maps
// the program (or its root ancestor) declared, and a refcount shared by
// every clone descended from the same load.
type entry struct {
	insns []byte
	maps  []bytecode.LoadedMap
	refs  *int
}

// Registry is the process-wide program table.
type Registry struct {
	mu        sync.Mutex
	slots     []*entry // nil => free slot
	mapCreator bytecode.MapCreator
	mapReg    *maps.Registry
	helpers   *helpers.Table
	factory   vm.Factory
}

// New constructs a Registry. mapReg backs both object-file map materialisation
// (via bytecode.Load) and the helper table's map access; helperTable supplies
// the numbered helper functions every Run call registers into its VM
// instance; factory builds the fresh VM instance each Run uses.
func New(mapReg *maps.Registry, helperTable *helpers.Table, factory vm.Factory) *Registry {
	return &Registry{mapCreator: mapReg, mapReg: mapReg, helpers: helperTable, factory: factory}
}

// Load parses input (raw instructions or an object file, per pkg/bytecode)
// and installs it as a new, independently owned program.
func (r *Registry) Load(input []byte, progName string) (ID, error) {
	res, err := bytecode.Load(input, progName, r.mapCreator)
	if err != nil {
		return 0, err
	}
	refs := 1
	e := &entry{insns: res.Instructions, maps: res.Maps, refs: &refs}
	return r.insert(e), nil
}

// Clone creates a new program id sharing id's instructions and maps. The
// shared refcount is incremented; Unload decrements it and only destroys
// the maps once it reaches zero refcounted ownership.
func (r *Registry) Clone(id ID) (ID, error) {
	r.mu.Lock()
	src, err := r.get(id)
	if err != nil {
		r.mu.Unlock()
		return 0, err
	}
	*src.refs++
	clone := &entry{insns: src.insns, maps: src.maps, refs: src.refs}
	r.mu.Unlock()
	return r.insert(clone), nil
}

// Unload removes id from the registry. Once the last clone sharing its maps
// is unloaded, every map the original load created is destroyed.
func (r *Registry) Unload(id ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := int(id)
	if idx < 0 || idx >= len(r.slots) || r.slots[idx] == nil {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	e := r.slots[idx]
	r.slots[idx] = nil
	*e.refs--
	if *e.refs == 0 {
		for _, m := range e.maps {
			_ = r.mapReg.Destroy(m.Handle)
		}
	}
	return nil
}

// Run executes id to completion against ctx, materialising a fresh VM
// instance via the registry's factory, registering every numbered helper
// and the lookup/name scratch buffers helpers write into.
func (r *Registry) Run(id ID, ctx []byte) (uint64, error) {
	r.mu.Lock()
	e, err := r.get(id)
	r.mu.Unlock()
	if err != nil {
		return 0, err
	}

	inst := r.factory()
	inst.SetContext(ctx)
	inst.RegisterMemory("lookup_buf", r.helpers.LookupBuffer())
	inst.RegisterMemory("name_buf", r.helpers.NameBuffer())
	if resolver, ok := inst.(interface {
		ResolveAddr(ptr uint64, size int) []byte
	}); ok {
		restore := helpers.WithMemory(resolver.ResolveAddr)
		defer restore()
	}
	for _, num := range []uint32{
		helpers.NumLookup, helpers.NumUpdate, helpers.NumDelete,
		helpers.NumProbeRead, helpers.NumProbeReadKernel, helpers.NumKtimeNs,
		helpers.NumTraceWrite, helpers.NumCPUID, helpers.NumEventName,
		helpers.NumGetCurrentVMID, helpers.NumGetCurrentVCPUID, helpers.NumGetExitReason,
	} {
		if fn, ok := r.helpers.Lookup(num); ok {
			inst.RegisterHelper(num, fn)
		}
	}
	return inst.Execute(e.insns)
}

// Maps returns the handles id's load declared, for callers that need to
// seed or inspect a program's maps directly (e.g. tests, or attach-time
// wiring of a shared map between programs).
func (r *Registry) Maps(id ID) ([]bytecode.LoadedMap, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, err := r.get(id)
	if err != nil {
		return nil, err
	}
	out := make([]bytecode.LoadedMap, len(e.maps))
	copy(out, e.maps)
	return out, nil
}

// Exists reports whether id currently names a loaded program, the check
// pkg/attach's registry needs before binding a name to it.
func (r *Registry) Exists(id ID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.get(id)
	return err == nil
}

func (r *Registry) get(id ID) (*entry, error) {
	idx := int(id)
	if idx < 0 || idx >= len(r.slots) || r.slots[idx] == nil {
		return nil, ErrNotFound
	}
	return r.slots[idx], nil
}

func (r *Registry) insert(e *entry) ID {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, slot := range r.slots {
		if slot == nil {
			r.slots[i] = e
			return ID(i)
		}
	}
	r.slots = append(r.slots, e)
	return ID(len(r.slots) - 1)
}
