package maps

import (
	"encoding/binary"
	"testing"
)

func u64le(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}

// TestArrayRoundTrip covers basic array lookup/update/delete.
func TestArrayRoundTrip(t *testing.T) {
	reg := NewRegistry(4096)
	h, err := reg.Create(Descriptor{Kind: Array, KeySize: 8, ValueSize: 8, MaxEntries: 16})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := reg.Update(h, u64le(0), u64le(12345), UpdateAny); err != nil {
		t.Fatalf("update: %v", err)
	}
	v, found, err := reg.Lookup(h, u64le(0))
	if err != nil || !found {
		t.Fatalf("lookup: found=%v err=%v", found, err)
	}
	if binary.LittleEndian.Uint64(v) != 12345 {
		t.Fatalf("lookup value = %d, want 12345", binary.LittleEndian.Uint64(v))
	}
	if err := reg.Delete(h, u64le(0)); err != nil {
		t.Fatalf("delete: %v", err)
	}
	_, found, err = reg.Lookup(h, u64le(0))
	if err != nil {
		t.Fatalf("post-delete lookup: %v", err)
	}
	if found {
		t.Fatal("post-delete lookup should report not found")
	}
}

func TestArrayOutOfRangeUpdateFails(t *testing.T) {
	reg := NewRegistry(4096)
	h, _ := reg.Create(Descriptor{Kind: Array, KeySize: 8, ValueSize: 8, MaxEntries: 2})
	if err := reg.Update(h, u64le(5), u64le(1), UpdateAny); err == nil {
		t.Fatal("expected InvalidArgument for out-of-range array index")
	}
}

func TestSizeMismatchRejected(t *testing.T) {
	reg := NewRegistry(4096)
	h, _ := reg.Create(Descriptor{Kind: Hash, KeySize: 8, ValueSize: 8, MaxEntries: 4})
	if err := reg.Update(h, []byte{1, 2, 3}, u64le(1), UpdateAny); err == nil {
		t.Fatal("expected InvalidArgument for short key")
	}
	if err := reg.Update(h, u64le(1), []byte{1}, UpdateAny); err == nil {
		t.Fatal("expected InvalidArgument for short value")
	}
}

func TestHashNoSpace(t *testing.T) {
	reg := NewRegistry(4096)
	h, _ := reg.Create(Descriptor{Kind: Hash, KeySize: 8, ValueSize: 8, MaxEntries: 1})
	if err := reg.Update(h, u64le(1), u64le(1), UpdateAny); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := reg.Update(h, u64le(2), u64le(2), UpdateAny); err != ErrNoSpace {
		t.Fatalf("expected ErrNoSpace, got %v", err)
	}
}

// TestLRUEviction covers LRU eviction under capacity pressure.
func TestLRUEviction(t *testing.T) {
	reg := NewRegistry(4096)
	h, _ := reg.Create(Descriptor{Kind: LruHash, KeySize: 8, ValueSize: 8, MaxEntries: 2})
	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
	}
	must(reg.Update(h, u64le(0), u64le(0), UpdateAny))
	must(reg.Update(h, u64le(1), u64le(10), UpdateAny))
	must(reg.Update(h, u64le(2), u64le(20), UpdateAny))

	if _, found, _ := reg.Lookup(h, u64le(0)); found {
		t.Fatal("key 0 should have been evicted")
	}
	v, found, _ := reg.Lookup(h, u64le(1))
	if !found || binary.LittleEndian.Uint64(v) != 10 {
		t.Fatalf("key 1 missing or wrong: found=%v v=%v", found, v)
	}
	v, found, _ = reg.Lookup(h, u64le(2))
	if !found || binary.LittleEndian.Uint64(v) != 20 {
		t.Fatalf("key 2 missing or wrong: found=%v v=%v", found, v)
	}
}

func TestLRUInvariantAfterMPlusOneInserts(t *testing.T) {
	const m = 8
	reg := NewRegistry(4096)
	h, _ := reg.Create(Descriptor{Kind: LruHash, KeySize: 8, ValueSize: 8, MaxEntries: m})
	for i := 0; i < m+1; i++ {
		if err := reg.Update(h, u64le(uint64(i)), u64le(uint64(i)), UpdateAny); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	if _, found, _ := reg.Lookup(h, u64le(0)); found {
		t.Fatal("first-inserted key should be evicted")
	}
	for i := 1; i < m+1; i++ {
		if _, found, _ := reg.Lookup(h, u64le(uint64(i))); !found {
			t.Fatalf("key %d should still be present", i)
		}
	}
}

func TestQueuePushPop(t *testing.T) {
	reg := NewRegistry(4096)
	h, _ := reg.Create(Descriptor{Kind: Queue, ValueSize: 4, MaxEntries: 2})
	ok, err := reg.Push(h, []byte{1, 2, 3, 4})
	if err != nil || !ok {
		t.Fatalf("push 1: ok=%v err=%v", ok, err)
	}
	ok, err = reg.Push(h, []byte{5, 6, 7, 8})
	if err != nil || !ok {
		t.Fatalf("push 2: ok=%v err=%v", ok, err)
	}
	ok, err = reg.Push(h, []byte{9, 9, 9, 9})
	if err != nil || ok {
		t.Fatalf("push 3 should report full, got ok=%v err=%v", ok, err)
	}
	v, ok, err := reg.Pop(h)
	if err != nil || !ok || v[0] != 1 {
		t.Fatalf("pop 1: v=%v ok=%v err=%v", v, ok, err)
	}
}

func TestRingBufCapacityValidation(t *testing.T) {
	reg := NewRegistry(4096)
	if _, err := reg.Create(Descriptor{Kind: RingBuf, MaxEntries: 100}); err == nil {
		t.Fatal("expected validation failure for non-power-of-two, non-page-multiple capacity")
	}
	if _, err := reg.Create(Descriptor{Kind: RingBuf, KeySize: 1, MaxEntries: 4096}); err == nil {
		t.Fatal("expected validation failure for non-zero key_size on ring_buf")
	}
	h, err := reg.Create(Descriptor{Kind: RingBuf, MaxEntries: 4096})
	if err != nil {
		t.Fatalf("valid ring_buf create: %v", err)
	}
	ok, err := reg.Push(h, []byte("hello"))
	if err != nil || !ok {
		t.Fatalf("push: ok=%v err=%v", ok, err)
	}
	v, ok, err := reg.Pop(h)
	if err != nil || !ok || string(v) != "hello" {
		t.Fatalf("pop: v=%q ok=%v err=%v", v, ok, err)
	}
}

func TestDestroyFreesHandleForReuse(t *testing.T) {
	reg := NewRegistry(4096)
	h1, _ := reg.Create(Descriptor{Kind: Hash, KeySize: 1, ValueSize: 1, MaxEntries: 1})
	if err := reg.Destroy(h1); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if _, err := reg.Get(h1); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after destroy, got %v", err)
	}
	h2, _ := reg.Create(Descriptor{Kind: Hash, KeySize: 1, ValueSize: 1, MaxEntries: 1})
	if h2 != h1 {
		t.Fatalf("expected freed slot %d to be reused, got %d", h1, h2)
	}
}
