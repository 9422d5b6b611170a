// Package attach implements the attachment registry: an ordered mapping
// from event-name string to the program bound to it, with
// idempotent-rejecting attach and checked detach.
package attach

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Errors returned by the attachment registry.
var (
	ErrTracepointNotFound = errors.New("attach: tracepoint not found")
	ErrProgramNotFound    = errors.New("attach: program not found")
	ErrAlreadyAttached    = errors.New("attach: already attached")
	ErrNotAttached        = errors.New("attach: not attached")
)

// ProgramExistence checks whether a program id is currently loaded. attach
// validates against this rather than depending on pkg/program directly, so
// the registry can be exercised without a full program registry in tests.
type ProgramExistence interface {
	Exists(id uint32) bool
}

// Binding is one attachment: the bound program's id and the name it was
// loaded under.
type Binding struct {
	ProgramID   uint32
	ProgramName string
}

// Named pairs a tracepoint name with its current binding, for List.
type Named struct {
	Name string
	Binding
}

// Registry is the process-wide attachment table.
type Registry struct {
	mu       sync.Mutex
	bindings map[string]Binding
	programs ProgramExistence
}

// NewRegistry constructs an empty registry. programs is consulted on
// every Attach to reject a binding to a program id that doesn't exist.
func NewRegistry(programs ProgramExistence) *Registry {
	return &Registry{bindings: make(map[string]Binding), programs: programs}
}

// Attach binds progID (loaded under progName) to name. It fails with
// ErrProgramNotFound if progID isn't currently loaded, and with
// ErrAlreadyAttached if name already has a live binding.
func (r *Registry) Attach(name string, progID uint32, progName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.programs.Exists(progID) {
		return fmt.Errorf("%w: %d", ErrProgramNotFound, progID)
	}
	if _, ok := r.bindings[name]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyAttached, name)
	}
	r.bindings[name] = Binding{ProgramID: progID, ProgramName: progName}
	return nil
}

// Detach removes name's binding and returns what it was bound to. It
// fails with ErrNotAttached if name has no live binding.
func (r *Registry) Detach(name string) (Binding, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bindings[name]
	if !ok {
		return Binding{}, fmt.Errorf("%w: %s", ErrNotAttached, name)
	}
	delete(r.bindings, name)
	return b, nil
}

// Get reports name's currently bound program id, if any. It is the
// read-only lookup the event pipeline uses on its hot path; it returns
// (0, false) rather than an error for an unattached name.
func (r *Registry) Get(name string) (uint32, bool) {
	r.mu.Lock()
	b, ok := r.bindings[name]
	r.mu.Unlock()
	if !ok {
		return 0, false
	}
	return b.ProgramID, true
}

// List returns every current attachment ordered by tracepoint name.
func (r *Registry) List() []Named {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Named, 0, len(r.bindings))
	for name, b := range r.bindings {
		out = append(out, Named{Name: name, Binding: b})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Count returns the number of live attachments.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bindings)
}
