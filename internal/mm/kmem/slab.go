package kmem

import (
	"encoding/binary"
	"sync"

	"keyronex/internal/errs"
	"keyronex/internal/klimits"
	"keyronex/internal/mm/pfndb"
	"keyronex/internal/util"
)

// slab is one slab of objects (struct kmem_slab). Small
// slabs (object size <= klimits.SlabSmallMax) are exactly one page, with
// this header reachable through the page's PFN database entry — the
// vm_slab_page aliasing trick, expressed here by parking the header in
// Page.Owner — and the free list threaded through the free objects
// themselves. Large slabs have out-of-line bufctls.
type slab struct {
	next, prev *slab
	cache      *Cache

	nfree    int
	nalloced int

	base uint64

	// Small slabs: virtual address of the first free object, whose
	// first word links to the next (0 terminates). Large slabs use
	// freeBufctl instead.
	firstFree  uint64
	freeBufctl *bufctl
}

// bufctl is an out-of-line object slot descriptor for large slabs.
type bufctl struct {
	next *bufctl
	slab *slab
	base uint64
}

// Cache is one object cache (kmem_zone_t).
type Cache struct {
	h *Heap

	// The cache lock orders after every VM lock; these paths never
	// run at raised IPL, so a plain mutex serves.
	mu sync.Mutex

	name string
	size uint64

	// Partially-free slabs at the head; full ones migrate to the tail.
	head, tail *slab

	// Allocated-object lookup for large slabs.
	bufctls map[uint64]*bufctl

	nslabs   int
	nalloced int
}

// NewCache registers an object cache of the given object size
// (kmem_zone_init).
func (h *Heap) NewCache(name string, size uint64) *Cache {
	if size < 8 {
		errs.KernelFault("kmem: cache object size below minimum")
	}
	c := &Cache{h: h, name: name, size: size}
	if size > klimits.SlabSmallMax {
		c.bufctls = make(map[uint64]*bufctl)
	}
	h.mu.Lock()
	h.caches = append(h.caches, c)
	h.mu.Unlock()
	return c
}

func (c *Cache) small() bool { return c.size <= klimits.SlabSmallMax }

// slabSize returns the bytes one slab spans: a page for small caches, or
// enough pages for at least 16 objects otherwise.
func (c *Cache) slabSize() uint64 {
	if c.small() {
		return pfndb.PageSize
	}
	return util.Roundup(c.size*16, pfndb.PageSize)
}

func (c *Cache) capacity() int {
	return int(c.slabSize() / c.size)
}

func (c *Cache) readLink(va uint64) uint64 {
	return binary.LittleEndian.Uint64(c.h.Bytes(va, 8))
}

func (c *Cache) writeLink(va, next uint64) {
	binary.LittleEndian.PutUint64(c.h.Bytes(va, 8), next)
}

func (c *Cache) listInsertHead(s *slab) {
	s.prev = nil
	s.next = c.head
	if c.head != nil {
		c.head.prev = s
	} else {
		c.tail = s
	}
	c.head = s
}

func (c *Cache) listInsertTail(s *slab) {
	s.next = nil
	s.prev = c.tail
	if c.tail != nil {
		c.tail.next = s
	} else {
		c.head = s
	}
	c.tail = s
}

func (c *Cache) listRemove(s *slab) {
	if s.prev != nil {
		s.prev.next = s.next
	} else {
		c.head = s.next
	}
	if s.next != nil {
		s.next.prev = s.prev
	} else {
		c.tail = s.prev
	}
	s.next, s.prev = nil, nil
}

// grow adds a fresh slab (small_slab_new / large_slab_new).
func (c *Cache) grow() (*slab, errs.Kind) {
	npages := int(c.slabSize() / pfndb.PageSize)
	va, kind := c.h.PageAlloc(npages)
	if kind != errs.OK {
		return nil, kind
	}

	s := &slab{cache: c, base: va, nfree: c.capacity()}

	if c.small() {
		// Thread the freelist through the objects themselves.
		for i := 0; i < c.capacity(); i++ {
			obj := va + uint64(i)*c.size
			next := obj + c.size
			if i == c.capacity()-1 {
				next = 0
			}
			c.writeLink(obj, next)
		}
		s.firstFree = va
		c.h.PageFor(va).Owner = s
	} else {
		var first *bufctl
		for i := c.capacity() - 1; i >= 0; i-- {
			first = &bufctl{next: first, slab: s, base: va + uint64(i)*c.size}
		}
		s.freeBufctl = first
	}

	c.listInsertHead(s)
	c.nslabs++
	return s, errs.OK
}

func (c *Cache) release(s *slab) {
	c.listRemove(s)
	c.nslabs--
	if c.small() {
		c.h.PageFor(s.base).Owner = nil
	}
	c.h.PageFree(s.base, int(c.slabSize()/pfndb.PageSize))
}

// Alloc takes one object from the cache (kmem_xzonealloc), LIFO.
func (c *Cache) Alloc() (uint64, errs.Kind) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.head
	if s == nil || s.nfree == 0 {
		var kind errs.Kind
		s, kind = c.grow()
		if kind != errs.OK {
			return 0, kind
		}
	}

	var obj uint64
	if c.small() {
		obj = s.firstFree
		s.firstFree = c.readLink(obj)
	} else {
		bc := s.freeBufctl
		s.freeBufctl = bc.next
		obj = bc.base
		c.bufctls[obj] = bc
	}

	s.nfree--
	s.nalloced++
	c.nalloced++

	if s.nfree == 0 {
		// Full slabs live at the tail so the head stays allocatable.
		c.listRemove(s)
		c.listInsertTail(s)
	}
	return obj, errs.OK
}

// Free returns an object to its cache (kmem_xzonefree). A slab whose
// last object comes home is released outright.
func (c *Cache) Free(va uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var s *slab
	if c.small() {
		owner := c.h.PageFor(va).Owner
		if owner == nil {
			errs.KernelFault("kmem: free of non-slab address")
		}
		s = owner.(*slab)
		if s.cache != c {
			errs.KernelFault("kmem: free to wrong cache")
		}
	} else {
		bc := c.bufctls[va]
		if bc == nil {
			errs.KernelFault("kmem: free of unallocated large object")
		}
		delete(c.bufctls, va)
		s = bc.slab
		bc.next = s.freeBufctl
		s.freeBufctl = bc
	}

	wasFull := s.nfree == 0
	s.nfree++
	s.nalloced--
	c.nalloced--

	if c.small() {
		c.writeLink(va, s.firstFree)
		s.firstFree = va
	}

	if s.nfree == c.capacity() {
		c.release(s)
	} else if wasFull {
		c.listRemove(s)
		c.listInsertHead(s)
	}
}

// CacheStat is a point-in-time view of one cache (kmem_dump's columns).
type CacheStat struct {
	Name     string
	Size     uint64
	NSlabs   int
	NObjects int
	NFree    int
}

// Stat snapshots the cache.
func (c *Cache) Stat() CacheStat {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStat{
		Name:     c.name,
		Size:     c.size,
		NSlabs:   c.nslabs,
		NObjects: c.nalloced,
		NFree:    c.nslabs*c.capacity() - c.nalloced,
	}
}
