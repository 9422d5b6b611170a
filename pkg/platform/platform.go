// Package platform provides the arch and host primitives the rest of the
// framework treats as leaves: monotonic time, the current CPU id,
// instruction-cache maintenance, and the scoped host-text permission flip
// used by probe enable/disable. None of it depends on any other package in
// this module.
package platform

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// PageSize is the host page size used to size-check RingBuf map capacities.
var PageSize = unix.Getpagesize()

// NowNanos returns the current monotonic time in nanoseconds, the same
// clock source eBPF's ktime_ns helper and every event timestamp use.
func NowNanos() uint64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		// CLOCK_MONOTONIC is always available on Linux; a failure here
		// means the host is badly broken. Fall back to zero rather than
		// panic a trap handler.
		return 0
	}
	return uint64(ts.Sec)*1e9 + uint64(ts.Nsec)
}

// cpuIDOverride lets tests pin a deterministic CPU id without relying on
// scheduler placement.
var cpuIDOverride atomic.Int64

func init() {
	cpuIDOverride.Store(-1)
}

// SetCPUIDOverride forces CPUID to return id until cleared with a negative
// value. Test-only.
func SetCPUIDOverride(id int) {
	cpuIDOverride.Store(int64(id))
}

// ClearCPUIDOverride restores normal CPU id resolution.
func ClearCPUIDOverride() {
	cpuIDOverride.Store(-1)
}

// CPUID returns the id of the CPU executing the calling goroutine, best
// effort. Go goroutines are not pinned to OS threads by default, so this is
// a snapshot rather than a guarantee; callers that need stability across a
// probe lifetime should runtime.LockOSThread first.
func CPUID() uint16 {
	if v := cpuIDOverride.Load(); v >= 0 {
		return uint16(v)
	}
	var cpu, node uint32
	_, _, errno := unix.RawSyscall(unix.SYS_GETCPU, uintptr(unsafe.Pointer(&cpu)), uintptr(unsafe.Pointer(&node)), 0)
	if errno != 0 {
		return 0
	}
	return uint16(cpu)
}

// FlushICacheRange broadcasts an instruction-cache maintenance operation
// over [addr, addr+size). On amd64 instruction fetch is coherent with data
// stores and this is a no-op; on architectures with a non-coherent icache
// (arm64) a real implementation issues `ic ivau`/`isb` per cache line. The
// hook is exposed so platform-specific builds can override it without
// touching any caller.
var FlushICacheRange = func(addr uintptr, size int) {
	runtime.KeepAlive(addr)
}

// TLBShootdownAll requests that every CPU flush its TLB. Like
// FlushICacheRange this is a hook: a real hypervisor broadcasts an IPI and
// waits for acknowledgement, which this module has no CPU topology to
// drive. The default implementation only counts the request with an
// atomic increment, sufficient for the
// single-address-space simulation this framework runs under test.
var TLBShootdownAll = func() {
	atomic.AddUint64(&tlbShootdownCount, 1)
}

var tlbShootdownCount uint64

// TLBShootdownCount returns how many shootdowns have been requested, for
// tests that assert the permission-flip path actually invalidates the TLB.
func TLBShootdownCount() uint64 {
	return atomic.LoadUint64(&tlbShootdownCount)
}

// TextWriter exposes the scoped "temporarily writable" primitive: Write
// performs a make-writable / copy / restore / flush cycle that always
// re-imposes read-only, on both the success and the error path.
type TextWriter struct {
	mu sync.Mutex
	// permit is a test/backend hook: real hardware walks the host's own
	// translation tables and flips the block/page "read-only" bit,
	// including the 1 GiB and 2 MiB block cases. Page-table primitives are
	// an external collaborator, so this is a settable function rather than
	// an owned page-table walker.
	permit func(addr uintptr, size int, writable bool) error
}

// NewTextWriter constructs a TextWriter backed by permit, the page-table
// permission-flip hook. A nil permit always fails, the same "hook missing
// => unsupported" convention used by other hooks in this framework.
func NewTextWriter(permit func(addr uintptr, size int, writable bool) error) *TextWriter {
	return &TextWriter{permit: permit}
}

// ErrPermissionHookMissing is returned when no page-table permission hook
// has been installed.
var ErrPermissionHookMissing = fmt.Errorf("platform: no text permission hook installed")

// SetWritable flips the read-only bit for [addr, addr+size). Any failed
// walk aborts the toggle; the caller is expected to log the offending
// range.
func (w *TextWriter) SetWritable(addr uintptr, size int, writable bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.permit == nil {
		return ErrPermissionHookMissing
	}
	if err := w.permit(addr, size, writable); err != nil {
		return fmt.Errorf("platform: permission flip at %#x/%d failed: %w", addr, size, err)
	}
	TLBShootdownAll()
	return nil
}

// Write makes [addr, addr+len(data)) writable, copies data in, restores
// read-only, and flushes the instruction cache over the range — on both
// the success and the error path
func (w *TextWriter) Write(dst []byte, addr uintptr, data []byte) error {
	if err := w.SetWritable(addr, len(data), true); err != nil {
		return err
	}
	defer func() {
		_ = w.SetWritable(addr, len(data), false)
		FlushICacheRange(addr, len(data))
	}()
	if len(dst) < len(data) {
		return fmt.Errorf("platform: write target too small (%d < %d)", len(dst), len(data))
	}
	copy(dst, data)
	return nil
}
