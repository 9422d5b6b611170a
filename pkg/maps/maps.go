// Package maps implements the typed map subsystem: Array, Hash, LruHash,
// Queue, and RingBuf storage behind a uniform,
// descriptor-indexed, handle-addressed interface.
package maps

import (
	"errors"
	"fmt"
)

// Kind identifies a map's storage discipline. The numbering follows
// cilium/ebpf's own ProgramType/AttachType convention of small contiguous
// consts paired with a String method, not the raw kernel BPF_MAP_TYPE_*
// numbering — that numbering only matters at the bytecode object file
// boundary (pkg/bytecode translates it).
type Kind int

const (
	Array Kind = iota
	Hash
	LruHash
	Queue
	RingBuf
)

func (k Kind) String() string {
	switch k {
	case Array:
		return "array"
	case Hash:
		return "hash"
	case LruHash:
		return "lru_hash"
	case Queue:
		return "queue"
	case RingBuf:
		return "ring_buf"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Errors returned by map operations
var (
	ErrNotFound       = errors.New("maps: handle not found")
	ErrKeyNotFound    = errors.New("maps: key not found")
	ErrNoSpace        = errors.New("maps: no space")
	ErrInvalidArgs    = errors.New("maps: invalid argument")
	ErrNotSupported   = errors.New("maps: operation not supported by this map kind")
)

// UpdateFlags mirrors the eBPF BPF_ANY/BPF_EXIST/BPF_NOEXIST update flags.
// hvbpf only distinguishes "any" from the others at the Hash/LruHash level;
// Array ignores flags entirely since every key in range always exists.
type UpdateFlags uint32

const (
	UpdateAny UpdateFlags = iota
	UpdateExist
	UpdateNoExist
)

// Descriptor is the immutable quadruple a map is defined by.
type Descriptor struct {
	Kind       Kind
	KeySize    uint32
	ValueSize  uint32
	MaxEntries uint32
}

// Validate enforces the descriptor-level invariants: Queue
// and RingBuf carry no key; RingBuf carries no value and its MaxEntries is
// a byte capacity that must be a power of two and a multiple of pageSize.
func (d Descriptor) Validate(pageSize int) error {
	switch d.Kind {
	case Array, Hash, LruHash:
		if d.KeySize == 0 {
			return fmt.Errorf("%w: key_size must be non-zero for %s", ErrInvalidArgs, d.Kind)
		}
		if d.ValueSize == 0 {
			return fmt.Errorf("%w: value_size must be non-zero for %s", ErrInvalidArgs, d.Kind)
		}
		if d.MaxEntries == 0 {
			return fmt.Errorf("%w: max_entries must be non-zero for %s", ErrInvalidArgs, d.Kind)
		}
	case Queue:
		if d.KeySize != 0 {
			return fmt.Errorf("%w: key_size must be zero for queue", ErrInvalidArgs)
		}
		if d.ValueSize == 0 {
			return fmt.Errorf("%w: value_size must be non-zero for queue", ErrInvalidArgs)
		}
		if d.MaxEntries == 0 {
			return fmt.Errorf("%w: max_entries must be non-zero for queue", ErrInvalidArgs)
		}
	case RingBuf:
		if d.KeySize != 0 || d.ValueSize != 0 {
			return fmt.Errorf("%w: ring_buf carries no key or value", ErrInvalidArgs)
		}
		if d.MaxEntries == 0 || d.MaxEntries&(d.MaxEntries-1) != 0 {
			return fmt.Errorf("%w: ring_buf capacity must be a power of two", ErrInvalidArgs)
		}
		if pageSize > 0 && d.MaxEntries%uint32(pageSize) != 0 {
			return fmt.Errorf("%w: ring_buf capacity must be a multiple of the page size", ErrInvalidArgs)
		}
	default:
		return fmt.Errorf("%w: unknown map kind %d", ErrInvalidArgs, int(d.Kind))
	}
	return nil
}

// Map is the uniform interface every kind implements. Key/value map kinds
// implement the lookup/update/delete/iterate family; stream kinds (Queue,
// RingBuf) implement push/pop. A kind that does not support an operation
// returns ErrNotSupported.
type Map interface {
	Descriptor() Descriptor

	Lookup(key []byte) (value []byte, found bool, err error)
	Update(key, value []byte, flags UpdateFlags) error
	Delete(key []byte) error
	Iterate() ([]Entry, error)

	Push(record []byte) (ok bool, err error)
	Pop() (record []byte, ok bool, err error)

	// Len reports the current number of stored entries/records.
	Len() int
}

// Entry is one (key, value) pair returned by Iterate. Insertion order is
// not observable for Hash/LruHash; Array returns entries
// in index order.
type Entry struct {
	Key   []byte
	Value []byte
}

func checkSizes(d Descriptor, key, value []byte) error {
	if key != nil && uint32(len(key)) != d.KeySize {
		return fmt.Errorf("%w: key size %d != %d", ErrInvalidArgs, len(key), d.KeySize)
	}
	if value != nil && uint32(len(value)) != d.ValueSize {
		return fmt.Errorf("%w: value size %d != %d", ErrInvalidArgs, len(value), d.ValueSize)
	}
	return nil
}

// New constructs a Map of the given descriptor's kind. Validate should be
// called first; New re-validates defensively since it may be called
// directly by tests. It has no page size to check against, so a RingBuf
// capacity's page-size multiple is only checked by Validate's caller.
func New(d Descriptor) (Map, error) {
	if err := d.Validate(0); err != nil {
		return nil, err
	}
	switch d.Kind {
	case Array:
		return newArrayMap(d), nil
	case Hash:
		return newHashMap(d), nil
	case LruHash:
		return newLruHashMap(d), nil
	case Queue:
		return newQueueMap(d), nil
	case RingBuf:
		return newRingBufMap(d), nil
	default:
		return nil, fmt.Errorf("%w: unknown map kind %d", ErrInvalidArgs, int(d.Kind))
	}
}
