// Package symbols implements name<->address symbol resolution for the
// host-probe manager's register-by-name path, plus a
// caching decorator the symbol table being queried repeatedly for the
// same hot symbols motivates.
package symbols

import (
	"errors"
	"sync"
)

// ErrNotFound is returned when a name or address has no known symbol.
var ErrNotFound = errors.New("symbols: not found")

// Symbol describes one resolved name, mirroring the (name, size, offset,
// type) tuple a kernel symbol table lookup returns.
type Symbol struct {
	Name   string
	Addr   uint64
	Size   uint64
	Offset uint64
	Type   byte
}

// Resolver is the name<->address lookup service pkg/hprobe's register path
// depends on to resolve a symbol name to an address.
type Resolver interface {
	LookupAddr(name string) (uint64, bool)
	LookupAddress(addr uint64) (Symbol, bool)
}

// Table is a static in-memory symbol table, loaded once from a flat list —
// the Go stand-in for parsing a compressed kallsyms blob, treating the
// actual symbol source as an external collaborator.
type Table struct {
	byName map[string]Symbol
	byAddr map[uint64]Symbol
}

// NewTable builds a Table from syms. A symbol appearing more than once by
// name or address keeps its first occurrence.
func NewTable(syms []Symbol) *Table {
	t := &Table{byName: make(map[string]Symbol, len(syms)), byAddr: make(map[uint64]Symbol, len(syms))}
	for _, s := range syms {
		if _, ok := t.byName[s.Name]; !ok {
			t.byName[s.Name] = s
		}
		if _, ok := t.byAddr[s.Addr]; !ok {
			t.byAddr[s.Addr] = s
		}
	}
	return t
}

func (t *Table) LookupAddr(name string) (uint64, bool) {
	s, ok := t.byName[name]
	return s.Addr, ok
}

func (t *Table) LookupAddress(addr uint64) (Symbol, bool) {
	s, ok := t.byAddr[addr]
	return s, ok
}

// CachingResolver wraps a Resolver with an unbounded read-through cache, so
// a host-probe manager re-resolving the same small set of tracepoint names
// on repeated attach/detach cycles does not repeat the underlying lookup's
// cost. Negative lookups are cached too, since a name that does not exist
// does not start existing between calls.
type CachingResolver struct {
	inner Resolver

	mu        sync.RWMutex
	nameCache map[string]cacheEntry
	addrCache map[uint64]addrCacheEntry
}

type cacheEntry struct {
	addr uint64
	ok   bool
}

type addrCacheEntry struct {
	sym Symbol
	ok  bool
}

// NewCachingResolver wraps inner with a read-through cache.
func NewCachingResolver(inner Resolver) *CachingResolver {
	return &CachingResolver{
		inner:     inner,
		nameCache: make(map[string]cacheEntry),
		addrCache: make(map[uint64]addrCacheEntry),
	}
}

func (c *CachingResolver) LookupAddr(name string) (uint64, bool) {
	c.mu.RLock()
	if e, ok := c.nameCache[name]; ok {
		c.mu.RUnlock()
		return e.addr, e.ok
	}
	c.mu.RUnlock()

	addr, ok := c.inner.LookupAddr(name)
	c.mu.Lock()
	c.nameCache[name] = cacheEntry{addr: addr, ok: ok}
	c.mu.Unlock()
	return addr, ok
}

func (c *CachingResolver) LookupAddress(addr uint64) (Symbol, bool) {
	c.mu.RLock()
	if e, ok := c.addrCache[addr]; ok {
		c.mu.RUnlock()
		return e.sym, e.ok
	}
	c.mu.RUnlock()

	sym, ok := c.inner.LookupAddress(addr)
	c.mu.Lock()
	c.addrCache[addr] = addrCacheEntry{sym: sym, ok: ok}
	c.mu.Unlock()
	return sym, ok
}

// Invalidate drops any cached entries for name and its resolved address (if
// cached), so a caller that knows a symbol table reload occurred can force
// a fresh lookup without flushing the whole cache.
func (c *CachingResolver) Invalidate(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.nameCache[name]; ok && e.ok {
		delete(c.addrCache, e.addr)
	}
	delete(c.nameCache, name)
}
