// Package context defines the host trap-frame overlay: the first 272
// bytes of whatever trap frame the host trap dispatcher
// receives must be byte-identical in layout to this register context, so
// that copying those bytes in, letting a program read/modify them, and
// copying them back out has architectural effect.
package context

import "unsafe"

// TrapContext mirrors an AArch64 general-register trap frame: 31
// general-purpose registers, the stack pointer, the saved program
// counter, and the saved processor state — 31*8 + 8 + 8 + 8 = 272 bytes.
type TrapContext struct {
	GPR    [31]uint64
	SP     uint64
	PC     uint64
	PState uint64
}

// Size is the trap-frame overlap width: the first Size bytes of any host
// trap frame must match TrapContext's layout.
const Size = 272

// contextSize is asserted against TrapContext's actual size below.
// Assigning an array of one length to an array type of a different
// length fails to compile, so any drift here
// is caught at build time rather than discovered at runtime.
const contextSize = Size

var _ [contextSize]byte = [unsafe.Sizeof(TrapContext{})]byte{}

// FromTrapFrame copies the first contextSize bytes of frame into a new
// TrapContext. It returns false for a frame shorter than contextSize,
// matching the trap dispatcher's "reject short or null trap frames" rule.
func FromTrapFrame(frame []byte) (TrapContext, bool) {
	var tc TrapContext
	if len(frame) < contextSize {
		return tc, false
	}
	tc = decode(frame[:contextSize])
	return tc, true
}

// WriteBack copies tc's 272 bytes into the first contextSize bytes of
// frame, surfacing any register modifications a dispatched program made
// back to the real trap frame. It returns false
// without modifying frame if frame is too short.
func WriteBack(frame []byte, tc TrapContext) bool {
	if len(frame) < contextSize {
		return false
	}
	encode(frame[:contextSize], tc)
	return true
}

func decode(b []byte) TrapContext {
	var tc TrapContext
	for i := range tc.GPR {
		tc.GPR[i] = leU64(b[i*8:])
	}
	tc.SP = leU64(b[31*8:])
	tc.PC = leU64(b[32*8:])
	tc.PState = leU64(b[33*8:])
	return tc
}

func encode(b []byte, tc TrapContext) {
	for i, v := range tc.GPR {
		putLeU64(b[i*8:], v)
	}
	putLeU64(b[31*8:], tc.SP)
	putLeU64(b[32*8:], tc.PC)
	putLeU64(b[33*8:], tc.PState)
}

func leU64(b []byte) uint64 {
	_ = b[7]
	return uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 | uint64(b[3])<<24 |
		uint64(b[4])<<32 | uint64(b[5])<<40 | uint64(b[6])<<48 | uint64(b[7])<<56
}

func putLeU64(b []byte, v uint64) {
	_ = b[7]
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
	b[4] = byte(v >> 32)
	b[5] = byte(v >> 40)
	b[6] = byte(v >> 48)
	b[7] = byte(v >> 56)
}
