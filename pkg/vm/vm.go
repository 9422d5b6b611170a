// Package vm defines the boundary between hvbpf and an existing
// verifier/VM, treating bytecode instruction semantics as an external
// collaborator. This is the seam where a production build would plug in a
// verified interpreter or JIT, and it supplies a small reference
// interpreter so the framework is runnable end to end without one.
package vm

import (
	"encoding/binary"
	"fmt"

	"github.com/cilium/ebpf/asm"

	"github.com/vmtrace/hvbpf/pkg/helpers"
)

// Instance is one execution of a loaded program: register state plus the
// program's accessible data region (context), created fresh per Run call
//
type Instance interface {
	// SetContext installs the byte slice the program's helpers treat as
	// its context/data argument. A nil context means the program was run
	// with no context.
	SetContext(ctx []byte)
	// RegisterHelper makes a numbered helper callable from bytecode.
	RegisterHelper(num uint32, fn helpers.Func)
	// RegisterMemory exposes an additional named, readable memory range
	// to the program — used for the lookup and name scratch buffers
	// helpers write into.
	RegisterMemory(name string, buf []byte)
	// Execute runs insns to completion (BPF_EXIT) and returns r0.
	Execute(insns []byte) (uint64, error)
}

// Factory constructs a fresh Instance: every Run materialises a fresh VM
// instance.
type Factory func() Instance

// eBPF opcode bytes this reference interpreter and the bytecode relocator
// both recognise. asm.OpCode is cilium/ebpf's wrapper around the same
// single-byte eBPF opcode encoding; wrapping the literal here keeps the
// magic numbers self-documenting without depending on the rest of that
// package's (larger, verifier-oriented) instruction-building API.
const (
	OpLoadImm64 = asm.OpCode(0x18) // BPF_LD | BPF_DW | BPF_IMM, double-wide
	opMov64Imm  = asm.OpCode(0xb7) // BPF_ALU64 | BPF_MOV | BPF_K
	opExit      = asm.OpCode(0x95) // BPF_JMP | BPF_EXIT
	opCall      = asm.OpCode(0x85) // BPF_JMP | BPF_CALL
	opLdxDW     = asm.OpCode(0x79) // BPF_LDX | BPF_MEM | BPF_DW
	opStxDW     = asm.OpCode(0x7b) // BPF_STX | BPF_MEM | BPF_DW
)

const insnSize = 8

// Region base addresses the reference interpreter hands out as the
// "pointer" values a program sees for its context and named scratch
// buffers; LDX/STX resolve against these to turn a register value back
// into the real backing slice. They are arbitrary but distinct and placed
// far from any real address a host process would ever mmap.
const (
	ctxRegionBase = uint64(0x7000_0000_0000_0000)
)

var namedRegionBase = map[string]uint64{
	"lookup_buf": 0x7100_0000_0000_0000,
	"name_buf":   0x7200_0000_0000_0000,
}

// referenceInstance is a minimal interpreter covering mov64-imm, 64-bit
// immediate load, 8-byte memory load/store, exit, and helper calls —
// enough to run the loader's own round-trip tests and give map-access
// helpers a real pointer to resolve, without a full verifier. It is not a
// general-purpose eBPF VM.
type referenceInstance struct {
	regs    [11]uint64
	ctx     []byte
	helpers map[uint32]helpers.Func
	mem     map[string][]byte
}

// NewReferenceFactory returns a Factory for referenceInstance.
func NewReferenceFactory() Factory {
	return func() Instance {
		return &referenceInstance{
			helpers: make(map[uint32]helpers.Func),
			mem:     make(map[string][]byte),
		}
	}
}

func (r *referenceInstance) SetContext(ctx []byte) { r.ctx = ctx }

func (r *referenceInstance) RegisterHelper(num uint32, fn helpers.Func) {
	r.helpers[num] = fn
}

func (r *referenceInstance) RegisterMemory(name string, buf []byte) {
	r.mem[name] = buf
}

// ResolveAddr turns a pointer value the interpreter itself produced (the
// context base handed out in r1 at entry, or a named scratch buffer's
// base) back into the real backing slice for [ptr, ptr+size). It is the
// accessor pkg/program.Registry.Run binds through helpers.WithMemory for
// the duration of one Execute call, giving the map-access helpers a real
// pointer to resolve instead of always failing closed.
func (r *referenceInstance) ResolveAddr(ptr uint64, size int) []byte {
	if size < 0 {
		return nil
	}
	if r.ctx != nil && ptr >= ctxRegionBase && ptr-ctxRegionBase <= uint64(len(r.ctx)) {
		off := int(ptr - ctxRegionBase)
		if off+size > len(r.ctx) {
			return nil
		}
		return r.ctx[off : off+size]
	}
	for name, base := range namedRegionBase {
		buf, ok := r.mem[name]
		if !ok || ptr < base || ptr-base > uint64(len(buf)) {
			continue
		}
		off := int(ptr - base)
		if off+size > len(buf) {
			return nil
		}
		return buf[off : off+size]
	}
	return nil
}

// Execute decodes and runs a raw eBPF instruction stream. Unsupported
// opcodes outside the reference subset return an error rather than
// silently producing a wrong result, matching the VM's role as a stand-in
// for a verifier that would have already rejected anything it cannot run.
func (r *referenceInstance) Execute(insns []byte) (uint64, error) {
	if len(insns)%insnSize != 0 {
		return 0, fmt.Errorf("vm: instruction stream length %d not a multiple of %d", len(insns), insnSize)
	}
	// Matching the eBPF calling convention, the context pointer arrives in
	// r1: a program that wants to read or write through it dereferences
	// this value rather than touching r.ctx directly.
	if r.ctx != nil {
		r.regs[1] = ctxRegionBase
	}

	// guard against a pathological or malformed program looping forever.
	const maxSteps = 1 << 20
	pc := 0
	steps := 0
	for pc < len(insns)/insnSize {
		if steps >= maxSteps {
			return 0, fmt.Errorf("vm: instruction budget exceeded")
		}
		steps++
		off := pc * insnSize
		op := asm.OpCode(insns[off])
		dstSrc := insns[off+1]
		dst := dstSrc & 0x0f
		src := (dstSrc >> 4) & 0x0f
		disp := int16(binary.LittleEndian.Uint16(insns[off+2 : off+4]))
		imm := int32(binary.LittleEndian.Uint32(insns[off+4 : off+8]))

		switch op {
		case opLdxDW:
			addr := r.regs[src] + uint64(int64(disp))
			buf := r.ResolveAddr(addr, 8)
			if buf == nil {
				return 0, fmt.Errorf("vm: LDX_DW at pc=%d dereferenced an unresolvable address %#x", pc, addr)
			}
			r.regs[dst] = binary.LittleEndian.Uint64(buf)
			pc++
		case opStxDW:
			addr := r.regs[dst] + uint64(int64(disp))
			buf := r.ResolveAddr(addr, 8)
			if buf == nil {
				return 0, fmt.Errorf("vm: STX_DW at pc=%d dereferenced an unresolvable address %#x", pc, addr)
			}
			binary.LittleEndian.PutUint64(buf, r.regs[src])
			pc++
		case opMov64Imm:
			r.regs[dst] = uint64(int64(imm))
			pc++
		case OpLoadImm64:
			if pc+1 >= len(insns)/insnSize {
				return 0, fmt.Errorf("vm: truncated wide load at pc=%d", pc)
			}
			hi := int32(binary.LittleEndian.Uint32(insns[off+insnSize+4 : off+insnSize+8]))
			r.regs[dst] = uint64(uint32(imm)) | uint64(uint32(hi))<<32
			pc += 2
		case opCall:
			fn, ok := r.helpers[uint32(imm)]
			if !ok {
				return 0, fmt.Errorf("vm: call to unregistered helper %d", imm)
			}
			r.regs[0] = fn(r.regs[1], r.regs[2], r.regs[3], r.regs[4], r.regs[5])
			pc++
		case opExit:
			return r.regs[0], nil
		default:
			return 0, fmt.Errorf("vm: unsupported opcode %#x at pc=%d (reference interpreter covers mov64-imm/ldimm64/ldx_dw/stx_dw/call/exit only)", byte(op), pc)
		}
	}
	return 0, fmt.Errorf("vm: instruction stream fell off the end without BPF_EXIT")
}
