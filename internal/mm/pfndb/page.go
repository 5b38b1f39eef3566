// Package pfndb implements the PFN database: per-physical-page metadata,
// the order-0..15 buddy allocator over it, and the standby/modified page
// queues.
//
// One vm_page struct exists per physical page, kept in a per-region
// slice indexed by PFN. There is no real RAM behind this kernel, so each
// region also carries the byte contents of its pages, making page
// copies, zero-fill and PTE storage observable in tests.
package pfndb

import "keyronex/internal/klimits"

// PageShift and PageSize fix the machine page geometry.
const (
	PageShift = 12
	PageSize  = 1 << PageShift
)

// NumOrders is the number of buddy freelists (order 0..MaxBuddyOrder).
const NumOrders = klimits.MaxBuddyOrder + 1

// Use is what a physical page is currently employed as (enum
// vm_page_use).
type Use uint8

const (
	UseInvalid Use = iota

	UsePFNDB
	UseFree
	UseDeleted
	UseKWired
	UseAnonPrivate
	UseAnonFork
	UseFileShared

	// UseTransition marks a page being read in from the pagefile; it
	// becomes anon-private once the read completes.
	UseTransition

	// Page-table pages, leaf (PML1) to root (PML4).
	UsePML1
	UsePML2
	UsePML3
	UsePML4

	// Prototype (virtual) page-table pages.
	UseVPML1
	UseVPML2
	UseVPML3
	UseVPML4
)

func (u Use) String() string {
	switch u {
	case UsePFNDB:
		return "pfndb"
	case UseFree:
		return "free"
	case UseDeleted:
		return "deleted"
	case UseKWired:
		return "kwired"
	case UseAnonPrivate:
		return "anon-private"
	case UseAnonFork:
		return "anon-fork"
	case UseFileShared:
		return "file-shared"
	case UseTransition:
		return "transition"
	case UsePML1:
		return "PML1"
	case UsePML2:
		return "PML2"
	case UsePML3:
		return "PML3"
	case UsePML4:
		return "PML4"
	case UseVPML1:
		return "PROTO_PML1"
	case UseVPML2:
		return "PROTO_PML2"
	case UseVPML3:
		return "PROTO_PML3"
	case UseVPML4:
		return "PROTO_PML4"
	default:
		return "BAD"
	}
}

// IsPageTable reports whether u is a process page-table level.
func (u Use) IsPageTable() bool {
	return u >= UsePML1 && u <= UsePML4
}

// IsProtoPageTable reports whether u is a prototype page-table level.
func (u Use) IsProtoPageTable() bool {
	return u >= UseVPML1 && u <= UseVPML4
}

// PageTableUse returns the page-table use for 1-based level.
func PageTableUse(level int) Use {
	return UsePML1 + Use(level-1)
}

// Page is one PFN database element (vm_page_t): an eight-word record,
// here without the bitfield packing.
type Page struct {
	pfn uint64

	// Use, Dirty and Busy are guarded by the PFN lock.
	Use   Use
	Dirty bool
	Busy  bool

	order      uint8
	onFreelist bool
	refcnt     uint32

	// NonzeroPTEs counts reasons to keep a page-table page existent at
	// all; NoswapPTEs counts reasons to keep it in-core. Meaningful only
	// for page-table pages.
	NonzeroPTEs uint16
	NoswapPTEs  uint16

	// Offset is the page-unit offset within the owning object, for
	// file/anonymous pages (which never use the two counts above).
	Offset uint64

	// ReferentPTE is the physical address of the PTE referencing this
	// page. A physical address, not a pointer, so that page tables
	// themselves stay pageable.
	ReferentPTE uint64

	// PagerState points at in-flight read-in bookkeeping while the page
	// is in transition; the queue linkage below is unused meanwhile.
	PagerState any

	// Owner is the owning process state or forkpage.
	Owner any

	// Drumslot is the pagefile slot backing this page, if any.
	Drumslot uint64

	qnext, qprev *Page
	region       *Region
}

// PFN returns the page's frame number.
func (p *Page) PFN() uint64 { return p.pfn }

// Paddr returns the physical address of the page's first byte.
func (p *Page) Paddr() uint64 { return p.pfn << PageShift }

// Order returns the page's current buddy order.
func (p *Page) Order() uint8 { return p.order }

// OnFreelist reports whether the page heads a free buddy block.
func (p *Page) OnFreelist() bool { return p.onFreelist }

// RefCount returns the page's reference count. Zero means the page is on
// a freelist or one of the standby/modified queues.
func (p *Page) RefCount() uint32 { return p.refcnt }

// pageQueue is an intrusive FIFO of pages.
type pageQueue struct {
	head, tail *Page
	npages     int64
}

func (q *pageQueue) empty() bool { return q.head == nil }

func (q *pageQueue) first() *Page { return q.head }

func (q *pageQueue) insertHead(p *Page) {
	p.qprev = nil
	p.qnext = q.head
	if q.head != nil {
		q.head.qprev = p
	} else {
		q.tail = p
	}
	q.head = p
	q.npages += int64(npagesOf(p))
}

func (q *pageQueue) insertTail(p *Page) {
	p.qnext = nil
	p.qprev = q.tail
	if q.tail != nil {
		q.tail.qnext = p
	} else {
		q.head = p
	}
	q.tail = p
	q.npages += int64(npagesOf(p))
}

func (q *pageQueue) remove(p *Page) {
	if p.qprev != nil {
		p.qprev.qnext = p.qnext
	} else {
		q.head = p.qnext
	}
	if p.qnext != nil {
		p.qnext.qprev = p.qprev
	} else {
		q.tail = p.qprev
	}
	p.qnext, p.qprev = nil, nil
	q.npages -= int64(npagesOf(p))
}

func npagesOf(p *Page) int {
	return 1 << p.order
}
