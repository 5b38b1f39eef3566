package pfndb

import (
	"encoding/binary"
	"math/bits"

	"keyronex/internal/arch"
	"keyronex/internal/errs"
	"keyronex/internal/ipl"
	"keyronex/internal/kprintf"
	"keyronex/internal/util"
)

// Region is one contiguous range of managed RAM (struct
// vmp_pregion). The PFN database part of the region is accounted as wired
// pages at the front, as vm_region_add does, even though the Go page
// structs live on the heap rather than inside the region itself.
type Region struct {
	base   uint64
	npages int
	pages  []Page
	data   []byte
}

// Base returns the region's first physical address.
func (r *Region) Base() uint64 { return r.base }

// NPages returns the number of pages the region covers.
func (r *Region) NPages() int { return r.npages }

// Stat is the global set of VM counters (struct vm_stat).
type Stat struct {
	// Memory by state.
	NPWired, NActive, NFree, NModified, NStandby int64

	// Total pages under management.
	NTotal int64

	// Free-reservation; may go below zero transiently.
	NReservedFree int64

	// Memory by use; NFree above still counts free.
	NDeleted, NAnonPrivate, NAnonFork, NFileShared, NAnonShare int64
	NProcPgtable, NProtoPgtable, NKWired                       int64
}

// DB is the PFN database: all regions, the buddy freelists, the
// standby/modified queues and the global counters, all guarded by the
// single PFN lock.
type DB struct {
	lock *ipl.Spinlock

	regions []*Region

	freelists  [NumOrders]pageQueue
	freeNPages [NumOrders]int64

	modified pageQueue
	standby  pageQueue

	stat Stat

	// Low-memory wakeups (vmp_update_events): signal
	// the balance-set scheduler and the modified-page writer when the
	// thresholds trip. Installed by the executive at bring-up; the
	// database cannot import the dispatcher package itself.
	BalanceSetWake func()
	WriterWake     func()
}

// New returns an empty database; populate it with AddRegion.
func New() *DB {
	return &DB{lock: ipl.NewSpinlock(ipl.DPC)}
}

// Acquire takes the PFN lock, raising IPL to at least DPC.
func (db *DB) Acquire(cpu *ipl.CPUState) ipl.Level {
	return db.lock.Acquire(cpu)
}

// Release drops the PFN lock, restoring the IPL from Acquire.
func (db *DB) Release(cpu *ipl.CPUState, old ipl.Level) {
	db.lock.Release(cpu, old)
}

// Held reports whether the PFN lock is held, for assertions.
func (db *DB) Held() bool { return db.lock.Held() }

func (db *DB) assertHeld() {
	if !db.lock.Held() {
		errs.KernelFault("pfndb: PFN lock not held")
	}
}

// AddRegion places [base, base+npages*PageSize) under management
// (vm_region_add). The pages covering the region's own PFN database share
// are wired; the rest enter the buddy freelists at the largest order
// their alignment and the region end permit.
func (db *DB) AddRegion(base uint64, npages int) *Region {
	if base%PageSize != 0 {
		errs.KernelFault("pfndb: region base not page aligned")
	}

	r := &Region{
		base:   base,
		npages: npages,
		pages:  make([]Page, npages),
		data:   make([]byte, npages*PageSize),
	}
	limit := base + uint64(npages)*PageSize

	// One vm_page is eight words; the database part is accounted in
	// whole pages, laid out inline at the front of the region.
	used := util.Roundup(npages*64, PageSize) / PageSize

	kprintf.Printf("pfndb: add region 0x%x-0x%x (%d pages; PFNDB part %d pages)\n",
		base, limit, npages, used)

	for i := range r.pages {
		r.pages[i].pfn = (base + uint64(i)*PageSize) >> PageShift
		r.pages[i].region = r
	}

	for i := 0; i < used; i++ {
		r.pages[i].Use = UsePFNDB
		r.pages[i].refcnt = 1
		db.stat.NPWired++
	}

	for i := used; i < npages; i++ {
		page := &r.pages[i]
		paddr := page.Paddr()
		order := util.Min(NumOrders-1, bits.TrailingZeros64(paddr/PageSize))
		if paddr+(uint64(1)<<order)*PageSize > limit {
			order = util.Min(NumOrders-1,
				bits.TrailingZeros64((limit-paddr)/PageSize))
		}
		page.order = uint8(order)
		page.Use = UseFree
	}

	for i := used; i < npages; {
		page := &r.pages[i]
		db.freelists[page.order].insertHead(page)
		db.freeNPages[page.order]++
		page.onFreelist = true
		i += 1 << page.order
	}

	db.stat.NFree += int64(npages - used)
	db.stat.NReservedFree += int64(npages - used)
	db.stat.NTotal += int64(npages)

	db.regions = append(db.regions, r)
	return r
}

// PaddrToPage returns the page covering paddr (vm_paddr_to_page). It is a
// fatal error if no region covers it.
func (db *DB) PaddrToPage(paddr uint64) *Page {
	for _, r := range db.regions {
		if r.base <= paddr && paddr < r.base+uint64(r.npages)*PageSize {
			return &r.pages[(paddr-r.base)/PageSize]
		}
	}
	errs.KernelFault("pfndb: no page for paddr")
	return nil
}

// PFNToPage returns the page for a frame number.
func (db *DB) PFNToPage(pfn uint64) *Page {
	return db.PaddrToPage(pfn << PageShift)
}

// Covers reports whether paddr falls in managed RAM. Device memory
// mapped by physical views is not.
func (db *DB) Covers(paddr uint64) bool {
	for _, r := range db.regions {
		if r.base <= paddr && paddr < r.base+uint64(r.npages)*PageSize {
			return true
		}
	}
	return false
}

// PageData returns the backing bytes of page, standing in for the direct
// map (vm_page_direct_map_addr).
func (db *DB) PageData(p *Page) []byte {
	off := (p.Paddr() - p.region.base)
	return p.region.data[off : off+PageSize : off+PageSize]
}

// Data returns size bytes of physical memory starting at paddr, which
// must not cross a region boundary.
func (db *DB) Data(paddr uint64, size int) []byte {
	for _, r := range db.regions {
		if r.base <= paddr && paddr+uint64(size) <= r.base+uint64(r.npages)*PageSize {
			off := paddr - r.base
			return r.data[off : off+uint64(size) : off+uint64(size)]
		}
	}
	errs.KernelFault("pfndb: no region for paddr range")
	return nil
}

// ReadPTE loads the PTE stored at physical address paddr.
func (db *DB) ReadPTE(paddr uint64) arch.PTE {
	return arch.PTE(binary.LittleEndian.Uint64(db.Data(paddr, 8)))
}

// WritePTE stores pte at physical address paddr.
func (db *DB) WritePTE(paddr uint64, pte arch.PTE) {
	binary.LittleEndian.PutUint64(db.Data(paddr, 8), uint64(pte))
}

func (db *DB) updateUseStat(use Use, delta int64) {
	db.assertHeld()
	switch {
	case use == UseDeleted:
		db.stat.NDeleted += delta
	case use == UseAnonPrivate, use == UseTransition:
		// In-flight transition pages are counted with the private
		// anonymous pages they are about to become.
		db.stat.NAnonPrivate += delta
	case use == UseAnonFork:
		db.stat.NAnonFork += delta
	case use == UseFileShared:
		db.stat.NFileShared += delta
	case use == UseKWired:
		db.stat.NKWired += delta
	case use.IsPageTable():
		db.stat.NProcPgtable += delta
	case use.IsProtoPageTable():
		db.stat.NProtoPgtable += delta
	default:
		errs.KernelFault("pfndb: unaccounted page use")
	}
}

// AllocLocked allocates 2^order contiguous zeroed pages for use, with
// refcnt 1 (vmp_pages_alloc_locked). A must caller treats exhaustion as
// fatal; otherwise OutOfMemory is returned.
func (db *DB) AllocLocked(order int, use Use, must bool) (*Page, errs.Kind) {
	db.assertHeld()
	if order >= NumOrders {
		errs.KernelFault("pfndb: order out of range")
	}

	npages := 1 << order
	cur := order
	for db.freelists[cur].empty() {
		cur++
		if cur == NumOrders {
			if must {
				errs.KernelFault("pfndb: out of pages")
			}
			return nil, errs.OutOfMemory
		}
	}

	// Split down pairwise until a block of the requested order exists.
	for cur != order {
		page := db.freelists[cur].first()
		buddy := &page.region.pages[pageIndex(page)+npagesOf(page)/2]

		db.freelists[cur].remove(page)
		db.freeNPages[cur]--

		page.order--
		buddy.order = page.order

		db.freelists[cur-1].insertHead(buddy)
		db.freelists[cur-1].insertHead(page)
		db.freeNPages[cur-1] += 2
		buddy.onFreelist = true

		cur--
	}

	page := db.freelists[order].first()
	db.freelists[order].remove(page)
	db.freeNPages[order]--
	page.onFreelist = false

	page.refcnt = 1
	page.Use = use
	for i := 1; i < npages; i++ {
		page.region.pages[pageIndex(page)+i].Use = use
	}
	page.Busy = false
	page.Dirty = false
	page.Offset = 0
	page.ReferentPTE = 0
	page.Owner = nil
	page.PagerState = nil
	page.Drumslot = 0
	page.NonzeroPTEs = 0
	page.NoswapPTEs = 0

	db.stat.NFree -= int64(npages)
	db.stat.NReservedFree -= int64(npages)
	db.stat.NActive += int64(npages)
	db.updateUseStat(use, int64(npages))

	data := db.Data(page.Paddr(), npages*PageSize)
	for i := range data {
		data[i] = 0
	}

	db.updateEvents()

	return page, errs.OK
}

// AllocOneLocked is AllocLocked at order zero (vmp_page_alloc_locked).
func (db *DB) AllocOneLocked(use Use, must bool) (*Page, errs.Kind) {
	return db.AllocLocked(0, use, must)
}

// Alloc allocates outside the PFN lock (vm_page_alloc).
func (db *DB) Alloc(cpu *ipl.CPUState, order int, use Use, must bool) (*Page, errs.Kind) {
	old := db.Acquire(cpu)
	page, kind := db.AllocLocked(order, use, must)
	db.Release(cpu, old)
	return page, kind
}

func pageIndex(p *Page) int {
	return int((p.Paddr() - p.region.base) / PageSize)
}

// FreeLocked returns a deleted, unreferenced page to the buddy freelists,
// coalescing with free buddies but never past the owning region's bounds
// (page_free plus vmp_page_free_locked).
func (db *DB) FreeLocked(page *Page) {
	db.assertHeld()
	if page.Use != UseDeleted {
		errs.KernelFault("pfndb: freeing page not marked deleted")
	}
	if page.refcnt != 0 {
		errs.KernelFault("pfndb: freeing referenced page")
	}

	npages := int64(npagesOf(page))
	page.Dirty = false
	page.ReferentPTE = 0
	page.Use = UseFree
	for i := 1; i < int(npages); i++ {
		page.region.pages[pageIndex(page)+i].Use = UseFree
	}
	page.NonzeroPTEs = 0
	page.NoswapPTEs = 0
	page.Owner = nil
	page.PagerState = nil
	db.stat.NFree += npages
	db.stat.NReservedFree += npages
	db.stat.NDeleted -= npages

	region := page.region
	for {
		index := pageIndex(page)
		pages := 1 << page.order

		var buddyIndex int
		if index%(2*pages) == 0 {
			buddyIndex = index + pages
		} else {
			buddyIndex = index - pages
		}

		if buddyIndex < 0 || buddyIndex+pages > region.npages {
			break
		}

		buddy := &region.pages[buddyIndex]
		if buddy.order != page.order || !buddy.onFreelist {
			break
		}

		db.freelists[buddy.order].remove(buddy)
		db.freeNPages[buddy.order]--
		buddy.onFreelist = false
		buddy.Use = UseFree

		if buddy.pfn < page.pfn {
			page = buddy
		}
		page.order++
	}

	db.freelists[page.order].insertHead(page)
	db.freeNPages[page.order]++
	page.onFreelist = true

	db.updateEvents()
}

// DeleteLocked marks a page deleted (vmp_page_delete_locked): freed now
// if unreferenced, otherwise when its last reference drops.
func (db *DB) DeleteLocked(page *Page) {
	db.assertHeld()
	if page.Use == UseDeleted {
		errs.KernelFault("pfndb: double delete")
	}
	if page.Busy {
		errs.KernelFault("pfndb: deleting busy page")
	}

	npages := int64(npagesOf(page))
	wasPageable := pageable(page.Use)
	db.updateUseStat(page.Use, -npages)
	db.stat.NDeleted += npages
	page.Use = UseDeleted

	if page.refcnt == 0 {
		// Only pageable pages sit on the standby/modified queues at
		// refcount zero; page-table pages are reclaimed through their
		// PTE counts and were never queued.
		if wasPageable {
			// Queued pages already left the active count when they
			// were queued.
			if page.Dirty {
				db.modified.remove(page)
				db.stat.NModified -= npages
			} else {
				db.standby.remove(page)
				db.stat.NStandby -= npages
			}
		} else {
			db.stat.NActive -= npages
		}
		db.FreeLocked(page)
	}
}

func pageable(u Use) bool {
	return u == UseAnonPrivate || u == UseAnonFork || u == UseFileShared ||
		u == UseTransition
}

// ChangeUseLocked retypes a page in place, keeping the per-use counters
// straight (convert_page's vmstat adjustment).
func (db *DB) ChangeUseLocked(page *Page, use Use) {
	db.assertHeld()
	npages := int64(npagesOf(page))
	db.updateUseStat(page.Use, -npages)
	db.updateUseStat(use, npages)
	page.Use = use
}

// RetainLocked takes a reference (vmp_page_retain_locked), pulling the
// page off the standby or modified queue if this is the zero-to-one
// transition.
func (db *DB) RetainLocked(page *Page) *Page {
	db.assertHeld()

	npages := int64(npagesOf(page))
	page.refcnt++
	if page.refcnt == 1 {
		if page.Use == UseDeleted {
			errs.KernelFault("pfndb: retaining deleted page")
		}
		// Only pageable pages were queued (and uncounted from active)
		// while unreferenced.
		if pageable(page.Use) {
			if page.Dirty {
				db.modified.remove(page)
				db.stat.NModified -= npages
			} else {
				db.standby.remove(page)
				db.stat.NStandby -= npages
			}
			db.stat.NActive += npages
		}
	}
	return page
}

// Retain takes a reference outside the PFN lock (vm_page_retain).
func (db *DB) Retain(cpu *ipl.CPUState, page *Page) *Page {
	old := db.Acquire(cpu)
	db.RetainLocked(page)
	db.Release(cpu, old)
	return page
}

// ReleaseLocked drops a reference (vmp_page_release_locked). On the last
// drop a deleted page is freed; a pageable page goes to the modified or
// standby queue per its dirty bit.
func (db *DB) ReleaseLocked(page *Page) {
	db.assertHeld()
	if page.refcnt == 0 {
		errs.KernelFault("pfndb: releasing unreferenced page")
	}

	npages := int64(npagesOf(page))
	page.refcnt--
	if page.refcnt > 0 {
		return
	}

	switch {
	case page.Use == UseDeleted:
		db.stat.NActive -= npages
		db.FreeLocked(page)
		return
	case pageable(page.Use):
		// Queue below.
	case page.Use.IsPageTable() || page.Use.IsProtoPageTable():
		// A page-table page's last wire pin dropped. It stays
		// resident as long as child PTEs hold it; the walker's PTE
		// accounting deletes it when the last one goes.
		return
	default:
		errs.KernelFault("pfndb: release page of unexpected type")
	}

	db.stat.NActive -= npages
	if page.Dirty {
		db.modified.insertTail(page)
		db.stat.NModified += npages
	} else {
		db.standby.insertTail(page)
		db.stat.NStandby += npages
	}
	db.updateEvents()
}

// ReleasePage drops a reference outside the PFN lock.
func (db *DB) ReleasePage(cpu *ipl.CPUState, page *Page) {
	old := db.Acquire(cpu)
	db.ReleaseLocked(page)
	db.Release(cpu, old)
}

// StatSnapshot copies out the counters under the PFN lock.
func (db *DB) StatSnapshot(cpu *ipl.CPUState) Stat {
	old := db.Acquire(cpu)
	s := db.stat
	db.Release(cpu, old)
	return s
}

// StatLocked returns the live counters; PFN lock held.
func (db *DB) StatLocked() *Stat {
	db.assertHeld()
	return &db.stat
}

// FreeNPages reports the page count on the freelist of order, for
// introspection and tests.
func (db *DB) FreeNPages(cpu *ipl.CPUState, order int) int64 {
	old := db.Acquire(cpu)
	n := db.freeNPages[order]
	db.Release(cpu, old)
	return n
}

// FirstStandby returns the head of the standby queue, or nil; PFN lock
// held. The balance-set code steals from here under pressure.
func (db *DB) FirstStandby() *Page { db.assertHeld(); return db.standby.first() }

// FirstModified returns the head of the modified queue, or nil; PFN lock
// held.
func (db *DB) FirstModified() *Page { db.assertHeld(); return db.modified.first() }
