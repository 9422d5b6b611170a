package symbols

import "testing"

func TestTableLookupRoundTrip(t *testing.T) {
	tbl := NewTable([]Symbol{
		{Name: "do_sys_open", Addr: 0xffffffff81001000, Size: 64, Type: 'T'},
	})
	addr, ok := tbl.LookupAddr("do_sys_open")
	if !ok || addr != 0xffffffff81001000 {
		t.Fatalf("LookupAddr = (%#x, %v)", addr, ok)
	}
	sym, ok := tbl.LookupAddress(0xffffffff81001000)
	if !ok || sym.Name != "do_sys_open" {
		t.Fatalf("LookupAddress = (%+v, %v)", sym, ok)
	}
	if _, ok := tbl.LookupAddr("not_a_symbol"); ok {
		t.Fatal("expected miss for unknown name")
	}
}

type countingResolver struct {
	calls int
	addr  uint64
	ok    bool
}

func (c *countingResolver) LookupAddr(name string) (uint64, bool) {
	c.calls++
	return c.addr, c.ok
}

func (c *countingResolver) LookupAddress(addr uint64) (Symbol, bool) {
	c.calls++
	return Symbol{}, false
}

func TestCachingResolverHitsUnderlyingOnce(t *testing.T) {
	inner := &countingResolver{addr: 0x1000, ok: true}
	cached := NewCachingResolver(inner)

	for i := 0; i < 5; i++ {
		addr, ok := cached.LookupAddr("hot_symbol")
		if !ok || addr != 0x1000 {
			t.Fatalf("call %d: got (%#x, %v)", i, addr, ok)
		}
	}
	if inner.calls != 1 {
		t.Fatalf("underlying resolver called %d times, want 1", inner.calls)
	}
}

func TestCachingResolverCachesNegativeLookups(t *testing.T) {
	inner := &countingResolver{ok: false}
	cached := NewCachingResolver(inner)

	cached.LookupAddr("missing")
	cached.LookupAddr("missing")
	if inner.calls != 1 {
		t.Fatalf("underlying resolver called %d times for a repeated miss, want 1", inner.calls)
	}
}

func TestCachingResolverInvalidate(t *testing.T) {
	inner := &countingResolver{addr: 0x2000, ok: true}
	cached := NewCachingResolver(inner)

	cached.LookupAddr("sym")
	cached.Invalidate("sym")
	cached.LookupAddr("sym")
	if inner.calls != 2 {
		t.Fatalf("expected Invalidate to force a fresh lookup, got %d calls", inner.calls)
	}
}
