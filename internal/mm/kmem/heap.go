// Package kmem implements the kernel wired heap: a VMem arena of kernel
// address space whose imports allocate and map wired physical pages, and
// the slab caches built over it.
//
// Wired allocations resolve through the direct map — virtual address =
// direct-map base plus physical address — so a multi-page wired
// allocation takes physically contiguous pages from the buddy allocator
// rather than mapping singles.
package kmem

import (
	"sync"

	"keyronex/internal/errs"
	"keyronex/internal/ipl"
	"keyronex/internal/klimits"
	"keyronex/internal/mm/pfndb"
	"keyronex/internal/mm/vmem"
	"keyronex/internal/util"
)

// DirectMapBase is where the wired heap's view of physical memory
// begins.
const DirectMapBase = 0xffff_8000_0000_0000

// Heap is the kernel wired heap.
type Heap struct {
	db *pfndb.DB

	// kva is the kernel dynamic virtual-address arena; wired imports
	// spans from it, allocating and mapping pages as it goes
	// (the kernel-va and kernel-wired pair).
	kva   *vmem.Arena
	wired *vmem.Arena

	mu    sync.Mutex
	pages map[uint64]*pfndb.Page // page-aligned va -> backing page

	caches     []*Cache
	sizeCaches [nSizeClasses]*Cache
}

const (
	minSizeClass = 8
	nSizeClasses = 10 // 8, 16, ..., 4096
)

// NewHeap builds the heap over db, carving kernel address space
// [DirectMapBase, DirectMapBase+size).
func NewHeap(db *pfndb.DB, size uint64) *Heap {
	h := &Heap{
		db:    db,
		pages: make(map[uint64]*pfndb.Page),
	}
	h.kva = vmem.Init("kernel-va", DirectMapBase, size, pfndb.PageSize,
		nil, nil, nil, 0)
	h.wired = vmem.Init("kernel-wired", 0, 0, pfndb.PageSize,
		h.allocWired, h.freeWired, h.kva, 0)

	sz := uint64(minSizeClass)
	for i := 0; i < nSizeClasses; i++ {
		h.sizeCaches[i] = h.NewCache(cacheName(sz), sz)
		sz *= 2
	}
	return h
}

func cacheName(size uint64) string {
	names := map[uint64]string{
		8: "kmem_8", 16: "kmem_16", 32: "kmem_32", 64: "kmem_64",
		128: "kmem_128", 256: "kmem_256", 512: "kmem_512",
		1024: "kmem_1024", 2048: "kmem_2048", 4096: "kmem_4096",
	}
	return names[size]
}

// allocWired imports a span from the kernel VA arena and backs it with
// wired pages (internal_allocwired). Physical contiguity
// comes from a single buddy allocation of the covering order.
func (h *Heap) allocWired(source *vmem.Arena, size uint64, flags vmem.Flag) (uint64, errs.Kind) {
	npages := int(util.Roundup(size, pfndb.PageSize) / pfndb.PageSize)
	order := int(util.Log2(uint(npages)))
	if 1<<order < npages {
		order++
	}

	// Import runs on whichever CPU the caller holds; the heap carries no
	// CPU affinity of its own.
	cpu := ipl.NewCPUState()
	old := h.db.Acquire(cpu)
	page, kind := h.db.AllocLocked(order, pfndb.UseKWired, false)
	h.db.Release(cpu, old)
	if kind != errs.OK {
		return 0, kind
	}

	// The span handed back covers npages; a buddy block rounded above
	// that holds its tail pages unreachably until the span is freed.
	va := DirectMapBase + page.Paddr()
	h.mu.Lock()
	for i := 0; i < npages; i++ {
		h.pages[va+uint64(i)*pfndb.PageSize] =
			h.db.PaddrToPage(page.Paddr() + uint64(i)*pfndb.PageSize)
	}
	h.mu.Unlock()
	return va, errs.OK
}

func (h *Heap) freeWired(source *vmem.Arena, base, size uint64) {
	h.mu.Lock()
	head := h.pages[base]
	for i := uint64(0); i < size; i += pfndb.PageSize {
		delete(h.pages, base+i)
	}
	h.mu.Unlock()

	cpu := ipl.NewCPUState()
	old := h.db.Acquire(cpu)
	h.db.DeleteLocked(head)
	h.db.ReleaseLocked(head)
	h.db.Release(cpu, old)
}

// PageAlloc allocates npages of wired kernel memory (vm_kalloc),
// returning its virtual address.
func (h *Heap) PageAlloc(npages int) (uint64, errs.Kind) {
	return h.wired.Alloc(uint64(npages)*pfndb.PageSize, 0)
}

// PageFree frees a vm_kalloc allocation (vm_kfree).
func (h *Heap) PageFree(va uint64, npages int) {
	h.wired.XFree(va, uint64(npages)*pfndb.PageSize)
}

// PageFor returns the physical page backing the wired virtual address.
func (h *Heap) PageFor(va uint64) *pfndb.Page {
	h.mu.Lock()
	p := h.pages[util.Rounddown(va, pfndb.PageSize)]
	h.mu.Unlock()
	if p == nil {
		errs.KernelFault("kmem: no page for wired address")
	}
	return p
}

// Bytes returns the backing bytes for a wired range that does not cross
// a page boundary.
func (h *Heap) Bytes(va uint64, size int) []byte {
	off := int(va % pfndb.PageSize)
	if off+size > pfndb.PageSize {
		errs.KernelFault("kmem: byte range crosses page boundary")
	}
	return h.db.PageData(h.PageFor(va))[off : off+size : off+size]
}

// ReadAt copies wired memory at va into p, stitching across pages.
func (h *Heap) ReadAt(va uint64, p []byte) {
	for len(p) > 0 {
		n := util.Min(len(p), pfndb.PageSize-int(va%pfndb.PageSize))
		copy(p[:n], h.Bytes(va, n))
		p = p[n:]
		va += uint64(n)
	}
}

// WriteAt copies p into wired memory at va, stitching across pages.
func (h *Heap) WriteAt(va uint64, p []byte) {
	for len(p) > 0 {
		n := util.Min(len(p), pfndb.PageSize-int(va%pfndb.PageSize))
		copy(h.Bytes(va, n), p[:n])
		p = p[n:]
		va += uint64(n)
	}
}

// Alloc allocates size bytes, dispatching to the power-of-two cache that
// fits or straight to whole wired pages above KmemMaxPow2 (kmem_alloc;
// the zonenum size-class dispatch).
func (h *Heap) Alloc(size uint64) (uint64, errs.Kind) {
	if size == 0 {
		errs.KernelFault("kmem: zero-size allocation")
	}
	idx := sizeClass(size)
	if idx < 0 {
		npages := int(util.Roundup(size, pfndb.PageSize) / pfndb.PageSize)
		return h.PageAlloc(npages)
	}
	return h.sizeCaches[idx].Alloc()
}

// Free releases an Alloc result; size must be the exact size given to
// Alloc (kmem_free's explicit-size contract).
func (h *Heap) Free(va uint64, size uint64) {
	if size == 0 {
		errs.KernelFault("kmem: zero-size free")
	}
	idx := sizeClass(size)
	if idx < 0 {
		npages := int(util.Roundup(size, pfndb.PageSize) / pfndb.PageSize)
		h.PageFree(va, npages)
		return
	}
	h.sizeCaches[idx].Free(va)
}

func sizeClass(size uint64) int {
	if size > klimits.KmemMaxPow2 {
		return -1
	}
	cls := uint64(minSizeClass)
	for i := 0; i < nSizeClasses; i++ {
		if size <= cls {
			return i
		}
		cls *= 2
	}
	return -1
}

// Caches returns every cache for introspection (kmem_dump, vmstat).
func (h *Heap) Caches() []*Cache {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Cache, len(h.caches))
	copy(out, h.caches)
	return out
}
