// Package bytecode implements the object-file parser and loader/relocator:
// it turns either a raw instruction stream or a linkable object file into a
// flat, relocated instruction stream plus the maps the program declared,
// ready to hand to pkg/program.
//
// The ELF parsing is a from-scratch reader over debug/elf rather than any
// BPF-specific library; the map-handle relocation it performs is the same
// "find the LD_IMM64 site, patch its immediate" operation a kernel loader
// does for a map fd, generalised to this framework's own map handle.
package bytecode

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/cilium/ebpf/asm"

	"github.com/vmtrace/hvbpf/pkg/maps"
)

// Errors from program loading.
var (
	ErrInvalidProgram    = errors.New("bytecode: invalid program")
	ErrElfParseError     = errors.New("bytecode: elf parse error")
	ErrMapCreationFailed = errors.New("bytecode: map creation failed")
	ErrRelocationFailed  = errors.New("bytecode: relocation failed")
)

const insnSize = 8

// opLoadImm64 is the opcode byte of a double-wide load-immediate-64
// instruction (BPF_LD|BPF_IMM|BPF_DW), the only instruction form map
// relocations may target.
const opLoadImm64 = byte(asm.OpCode(0x18))

// kernel map-type numbering recognised at the object-file boundary. This
// numbering is never used past this package — internal to the framework
// maps are addressed by maps.Kind.
const (
	elfMapTypeHash    = 1
	elfMapTypeArray   = 2
	elfMapTypeLRUHash = 9
	elfMapTypeQueue   = 22
)

func translateMapKind(elfType uint32) (maps.Kind, bool) {
	switch elfType {
	case elfMapTypeHash:
		return maps.Hash, true
	case elfMapTypeArray:
		return maps.Array, true
	case elfMapTypeLRUHash:
		return maps.LruHash, true
	case elfMapTypeQueue:
		return maps.Queue, true
	default:
		return 0, false
	}
}

// LoadedMap is one map materialised while loading a program.
type LoadedMap struct {
	Name   string
	Handle maps.Handle
}

// Result is what Load returns: the final relocated instruction stream,
// ready for pkg/vm, and the maps the program declared.
type Result struct {
	Instructions []byte
	Maps         []LoadedMap
}

// MapCreator is the subset of *maps.Registry the loader needs, narrowed so
// tests can supply a fake.
type MapCreator interface {
	Create(d maps.Descriptor) (maps.Handle, error)
	Destroy(h maps.Handle) error
}

// Load parses input, which is either a raw instruction stream (a multiple
// of 8 bytes, passed through unchanged) or a linkable object file, and
// returns the flattened, relocated program plus the maps it declared.
// progName selects a specific program section when the object file
// contains more than one. When progName is empty one program section is
// chosen; which one is not defined when the file holds several.
//
// If anything fails after maps have already been materialised, every map
// created during this call is destroyed before the error is returned — no
// partial programs are left with live but unreferenced maps.
func Load(input []byte, progName string, creator MapCreator) (*Result, error) {
	if looksLikeELF(input) {
		return loadObject(input, progName, creator)
	}
	return loadRaw(input)
}

func looksLikeELF(b []byte) bool {
	return len(b) >= 4 && bytes.Equal(b[:4], []byte{0x7f, 'E', 'L', 'F'})
}

func loadRaw(input []byte) (*Result, error) {
	if len(input) == 0 || len(input)%insnSize != 0 {
		return nil, fmt.Errorf("%w: length %d is not a non-zero multiple of %d", ErrInvalidProgram, len(input), insnSize)
	}
	out := make([]byte, len(input))
	copy(out, input)
	return &Result{Instructions: out}, nil
}

// object is the subset of a parsed linkable object file the loader needs.
type object struct {
	mapDefs  map[string]maps.Descriptor
	progs    map[string][]byte // section name -> raw instructions
	codeSecs map[string][]byte // non-program sections referenced by calls (e.g. memcpy helpers)
	relocs   map[string][]relocation
}

type relocKind int

const (
	relocMapHandle relocKind = iota
	relocCall
)

type relocation struct {
	kind      relocKind
	insnIndex int    // instruction index (offset/8) within the owning program section
	symName   string // target symbol name
}

func loadObject(raw []byte, progName string, creator MapCreator) (*Result, error) {
	// debug/elf requires natural alignment internally for some readers;
	// object files that arrive at a sub-8-byte alignment are copied into
	// a freshly allocated, aligned buffer first.
	buf := raw
	if uintptr(len(raw)) > 0 {
		aligned := make([]byte, len(raw))
		copy(aligned, raw)
		buf = aligned
	}

	f, err := elf.NewFile(bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrElfParseError, err)
	}
	defer f.Close()

	syms, err := f.Symbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return nil, fmt.Errorf("%w: reading symbol table: %v", ErrElfParseError, err)
	}

	obj := &object{
		mapDefs:  make(map[string]maps.Descriptor),
		progs:    make(map[string][]byte),
		codeSecs: make(map[string][]byte),
		relocs:   make(map[string][]relocation),
	}

	sectionIndex := func(target *elf.Section) elf.SectionIndex {
		for i, s := range f.Sections {
			if s == target {
				return elf.SectionIndex(i)
			}
		}
		return elf.SHN_UNDEF
	}

	for _, sec := range f.Sections {
		switch {
		case sec.Name == "maps":
			if err := parseMapsSection(sec, syms, sectionIndex(sec), obj); err != nil {
				return nil, err
			}

		case isProgramSection(sec.Name):
			data, err := sec.Data()
			if err != nil {
				return nil, fmt.Errorf("%w: reading program section %q: %v", ErrElfParseError, sec.Name, err)
			}
			if len(data)%insnSize != 0 {
				return nil, fmt.Errorf("%w: program section %q size %d not a multiple of %d", ErrInvalidProgram, sec.Name, len(data), insnSize)
			}
			obj.progs[sec.Name] = data

		case sec.Type == elf.SHT_PROGBITS && !strings.HasPrefix(sec.Name, "."):
			// candidate merge target for intra-object call relocations
			// (typically compiler-emitted memory intrinsics such as
			// memcpy/memset helper bodies).
			data, err := sec.Data()
			if err == nil {
				obj.codeSecs[sec.Name] = data
			}

		case sec.Type == elf.SHT_REL || sec.Type == elf.SHT_RELA:
			target := strings.TrimPrefix(sec.Name, ".rela")
			target = strings.TrimPrefix(target, ".rel")
			if !isProgramSection(target) {
				continue
			}
			relocs, err := parseRelocations(f, sec, syms)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrRelocationFailed, err)
			}
			obj.relocs[target] = relocs
		}
	}

	if len(obj.progs) == 0 {
		return nil, fmt.Errorf("%w: object file contains no tracepoint/kprobe/kretprobe sections", ErrInvalidProgram)
	}

	secName, err := selectProgram(obj, progName)
	if err != nil {
		return nil, err
	}

	created, err := materialiseMaps(obj.mapDefs, creator)
	if err != nil {
		return nil, err
	}

	insns, err := relocateAndMerge(obj, secName, created, creator)
	if err != nil {
		destroyAll(creator, created)
		return nil, err
	}

	if len(insns) == 0 || len(insns)%insnSize != 0 {
		destroyAll(creator, created)
		return nil, fmt.Errorf("%w: emitted program length %d invalid", ErrInvalidProgram, len(insns))
	}

	loaded := make([]LoadedMap, 0, len(created))
	for name, h := range created {
		loaded = append(loaded, LoadedMap{Name: name, Handle: h})
	}
	return &Result{Instructions: insns, Maps: loaded}, nil
}

// isProgramSection recognises the program section naming convention:
// "tracepoint[/...]", "kprobe[/...]", or "kretprobe[/...]", exact or with
// a "/subname" suffix.
func isProgramSection(name string) bool {
	for _, prefix := range [...]string{"tracepoint", "kprobe", "kretprobe"} {
		if name == prefix || strings.HasPrefix(name, prefix+"/") {
			return true
		}
	}
	return false
}

func selectProgram(obj *object, name string) (string, error) {
	if name != "" {
		if _, ok := obj.progs[name]; !ok {
			return "", fmt.Errorf("%w: requested program %q not found", ErrInvalidProgram, name)
		}
		return name, nil
	}
	// First in iteration order is non-deterministic over a Go map; callers
	// that care about which program is "first" should pass progName.
	// Object files conventionally carry a single program section, so in
	// practice this is unambiguous.
	for n := range obj.progs {
		return n, nil
	}
	return "", fmt.Errorf("%w: no program section present", ErrInvalidProgram)
}

// mapDescriptorSize is the 28-byte on-disk layout of a map descriptor: four
// little-endian u32 words (kind, key_size, value_size, max_entries)
// followed by 12 reserved bytes.
const mapDescriptorSize = 28

func parseMapsSection(sec *elf.Section, syms []elf.Symbol, secIdx elf.SectionIndex, obj *object) error {
	data, err := sec.Data()
	if err != nil {
		return fmt.Errorf("%w: reading maps section: %v", ErrElfParseError, err)
	}
	for _, sym := range syms {
		if sym.Section != secIdx || elf.ST_TYPE(sym.Info) != elf.STT_OBJECT {
			continue
		}
		off, size := sym.Value, sym.Size
		if size < mapDescriptorSize || int(off)+int(size) > len(data) {
			continue
		}
		raw := data[off : off+mapDescriptorSize]
		elfKind := binary.LittleEndian.Uint32(raw[0:4])
		kind, ok := translateMapKind(elfKind)
		if !ok {
			return fmt.Errorf("%w: map %q has unsupported kind %d", ErrMapCreationFailed, sym.Name, elfKind)
		}
		obj.mapDefs[sym.Name] = maps.Descriptor{
			Kind:       kind,
			KeySize:    binary.LittleEndian.Uint32(raw[4:8]),
			ValueSize:  binary.LittleEndian.Uint32(raw[8:12]),
			MaxEntries: binary.LittleEndian.Uint32(raw[12:16]),
		}
	}
	return nil
}

func parseRelocations(f *elf.File, sec *elf.Section, syms []elf.Symbol) ([]relocation, error) {
	data, err := sec.Data()
	if err != nil {
		return nil, err
	}
	var out []relocation
	switch sec.Type {
	case elf.SHT_REL:
		const relSize = 16
		if len(data)%relSize != 0 {
			return nil, fmt.Errorf("REL section size %d not a multiple of %d", len(data), relSize)
		}
		r := bytes.NewReader(data)
		for r.Len() > 0 {
			var raw struct{ Off, Info uint64 }
			if err := binary.Read(r, f.ByteOrder, &raw); err != nil {
				return nil, err
			}
			symIdx := raw.Info >> 32
			relType := uint32(raw.Info)
			if int(symIdx) >= len(syms) {
				return nil, fmt.Errorf("symbol index %d out of range", symIdx)
			}
			kind := relocCall
			if relType == 1 { // 64-bit symbol kind
				kind = relocMapHandle
			}
			out = append(out, relocation{
				kind:      kind,
				insnIndex: int(raw.Off / insnSize),
				symName:   syms[symIdx].Name,
			})
		}
	default:
		return nil, fmt.Errorf("unsupported relocation section type %v", sec.Type)
	}
	return out, nil
}

func materialiseMaps(defs map[string]maps.Descriptor, creator MapCreator) (map[string]maps.Handle, error) {
	created := make(map[string]maps.Handle, len(defs))
	for name, d := range defs {
		h, err := creator.Create(d)
		if err != nil {
			destroyAll(creator, created)
			return nil, fmt.Errorf("%w: map %q: %v", ErrMapCreationFailed, name, err)
		}
		created[name] = h
	}
	return created, nil
}

func destroyAll(creator MapCreator, created map[string]maps.Handle) {
	for _, h := range created {
		_ = creator.Destroy(h)
	}
}

// relocateAndMerge merges any code sections referenced by call relocations
// into the selected program's instruction stream and applies both
// relocation classes in place.
func relocateAndMerge(obj *object, secName string, mapHandles map[string]maps.Handle, _ MapCreator) ([]byte, error) {
	base := append([]byte(nil), obj.progs[secName]...)
	relocs := obj.relocs[secName]

	// Call relocations may reference a symbol that lives in its own
	// SHT_PROGBITS section (a compiler-emitted intrinsic); merge each
	// such section onto the end of base exactly once and remember the
	// instruction offset it landed at, so the call displacement can be
	// rewritten to the post-merge offset.
	mergedAt := make(map[string]int) // section name -> instruction index within base

	for _, rel := range relocs {
		if rel.kind != relocCall {
			continue
		}
		if _, already := mergedAt[rel.symName]; already {
			continue
		}
		code, ok := obj.codeSecs[rel.symName]
		if !ok {
			// The symbol may instead be a label inside the same
			// section (a local helper function); those need no merge.
			continue
		}
		if len(code)%insnSize != 0 {
			return nil, fmt.Errorf("%w: referenced code section %q size %d not a multiple of %d", ErrRelocationFailed, rel.symName, len(code), insnSize)
		}
		mergedAt[rel.symName] = len(base) / insnSize
		base = append(base, code...)
	}

	for _, rel := range relocs {
		idx := rel.insnIndex
		switch rel.kind {
		case relocMapHandle:
			h, ok := mapHandles[rel.symName]
			if !ok {
				return nil, fmt.Errorf("%w: no materialised map for symbol %q", ErrRelocationFailed, rel.symName)
			}
			if err := patchMapHandle(base, idx, h); err != nil {
				return nil, err
			}
		case relocCall:
			target, ok := mergedAt[rel.symName]
			if !ok {
				// call within the same section: displacement already
				// correct as emitted by the compiler.
				continue
			}
			patchCallDisplacement(base, idx, target)
		}
	}

	return base, nil
}

// patchMapHandle finds the double-wide load-immediate-64 instruction at
// insnIndex and overwrites its low 32-bit immediate with the materialised
// map handle and its high 32-bit immediate (the second instruction word
// of the pair) with zero.
func patchMapHandle(insns []byte, insnIndex int, h maps.Handle) error {
	off := insnIndex * insnSize
	if off < 0 || off+2*insnSize > len(insns) {
		return fmt.Errorf("%w: relocation index %d out of range (len=%d)", ErrRelocationFailed, insnIndex, len(insns)/insnSize)
	}
	if insns[off] != opLoadImm64 {
		return fmt.Errorf("%w: insn[%d] opcode %#x is not load-immediate-64 (%#x)", ErrInvalidProgram, insnIndex, insns[off], opLoadImm64)
	}
	binary.LittleEndian.PutUint32(insns[off+4:off+8], uint32(h))
	binary.LittleEndian.PutUint32(insns[off+insnSize+4:off+insnSize+8], 0)
	return nil
}

// patchCallDisplacement rewrites a BPF_CALL-with-offset instruction's
// 32-bit program-relative displacement to point at targetInsnIdx, the
// post-merge instruction offset of the callee.
func patchCallDisplacement(insns []byte, insnIndex, targetInsnIdx int) {
	off := insnIndex * insnSize
	disp := int32(targetInsnIdx - insnIndex - 1)
	binary.LittleEndian.PutUint32(insns[off+4:off+8], uint32(disp))
}
