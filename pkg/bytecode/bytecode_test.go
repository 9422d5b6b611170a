package bytecode

import (
	"encoding/binary"
	"testing"

	"github.com/vmtrace/hvbpf/pkg/maps"
)

func movImm64(dst byte, imm int32) []byte {
	insn := make([]byte, 8)
	insn[0] = 0xb7
	insn[1] = dst
	binary.LittleEndian.PutUint32(insn[4:8], uint32(imm))
	return insn
}

func exitInsn() []byte {
	insn := make([]byte, 8)
	insn[0] = 0x95
	return insn
}

// TestLoadRawRoundTrip covers the raw-bytes loading path:
// a program handed in as a plain instruction stream passes through
// unmodified.
func TestLoadRawRoundTrip(t *testing.T) {
	raw := append(movImm64(0, 42), exitInsn()...)
	res, err := Load(raw, "", nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(res.Instructions) != len(raw) {
		t.Fatalf("length = %d, want %d", len(res.Instructions), len(raw))
	}
	if len(res.Maps) != 0 {
		t.Fatalf("expected no maps for a raw program, got %d", len(res.Maps))
	}
}

func TestLoadRawRejectsMisalignedLength(t *testing.T) {
	if _, err := Load([]byte{1, 2, 3}, "", nil); err == nil {
		t.Fatal("expected error for a length not a multiple of 8")
	}
}

func TestLoadRawRejectsEmpty(t *testing.T) {
	if _, err := Load(nil, "", nil); err == nil {
		t.Fatal("expected error for an empty program")
	}
}

// fakeCreator is a minimal MapCreator standing in for *maps.Registry, used
// to test materialiseMaps/destroyAll without constructing a full registry.
type fakeCreator struct {
	next      maps.Handle
	destroyed []maps.Handle
	failAfter int // fail the Nth Create (0 = never fail)
	created   int
}

func (f *fakeCreator) Create(d maps.Descriptor) (maps.Handle, error) {
	f.created++
	if f.failAfter != 0 && f.created >= f.failAfter {
		return 0, maps.ErrInvalidArgs
	}
	h := f.next
	f.next++
	return h, nil
}

func (f *fakeCreator) Destroy(h maps.Handle) error {
	f.destroyed = append(f.destroyed, h)
	return nil
}

func TestMaterialiseMapsRollsBackOnFailure(t *testing.T) {
	fc := &fakeCreator{failAfter: 2}
	defs := map[string]maps.Descriptor{
		"a": {Kind: maps.Array, KeySize: 4, ValueSize: 4, MaxEntries: 1},
		"b": {Kind: maps.Array, KeySize: 4, ValueSize: 4, MaxEntries: 1},
	}
	if _, err := materialiseMaps(defs, fc); err == nil {
		t.Fatal("expected error from the failing creator")
	}
	if len(fc.destroyed) != 1 {
		t.Fatalf("expected exactly the one successfully created map to be destroyed, got %d", len(fc.destroyed))
	}
}

func TestPatchMapHandleRejectsWrongOpcode(t *testing.T) {
	insns := append(movImm64(0, 1), exitInsn()...)
	if err := patchMapHandle(insns, 0, 7); err == nil {
		t.Fatal("expected rejection of a non-LD_IMM64 instruction")
	}
}

func TestPatchMapHandleWritesHandleIntoImmediate(t *testing.T) {
	insns := make([]byte, 16)
	insns[0] = opLoadImm64
	if err := patchMapHandle(insns, 0, maps.Handle(99)); err != nil {
		t.Fatalf("patchMapHandle: %v", err)
	}
	got := binary.LittleEndian.Uint32(insns[4:8])
	if got != 99 {
		t.Fatalf("low immediate = %d, want 99", got)
	}
	if binary.LittleEndian.Uint32(insns[12:16]) != 0 {
		t.Fatal("high immediate of the wide load should be zeroed")
	}
}

func TestIsProgramSection(t *testing.T) {
	cases := map[string]bool{
		"tracepoint":          true,
		"tracepoint/vm_entry": true,
		"kprobe/do_sys_open":  true,
		"kretprobe/sys_read":  true,
		"maps":                false,
		".text":               false,
	}
	for name, want := range cases {
		if got := isProgramSection(name); got != want {
			t.Errorf("isProgramSection(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestTranslateMapKind(t *testing.T) {
	cases := []struct {
		elfType uint32
		want    maps.Kind
		ok      bool
	}{
		{elfMapTypeArray, maps.Array, true},
		{elfMapTypeHash, maps.Hash, true},
		{elfMapTypeLRUHash, maps.LruHash, true},
		{elfMapTypeQueue, maps.Queue, true},
		{999, 0, false},
	}
	for _, c := range cases {
		kind, ok := translateMapKind(c.elfType)
		if ok != c.ok || (ok && kind != c.want) {
			t.Errorf("translateMapKind(%d) = (%v, %v), want (%v, %v)", c.elfType, kind, ok, c.want, c.ok)
		}
	}
}
