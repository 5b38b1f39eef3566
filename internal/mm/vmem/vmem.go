// Package vmem implements the VMem resource allocator of Adams & Bonwick
// (2001): arenas of non-overlapping interval spans, subdivided into
// segments kept on power-of-two freelists, with on-demand import from a
// source arena.
//
// Segment structures come from a package-level pool with a bootstrap
// reserve refilled before each operation, so that the kernel heap (which
// allocates its own address space from a VMem arena) never recurses into
// itself mid-operation.
package vmem

import (
	"sync"

	"keyronex/internal/errs"
)

// Flag modifies an allocation or arena.
type Flag uint32

const (
	// Exact requires the allocation to be placed at the requested
	// minimum address.
	Exact Flag = 1 << iota
	// Bootstrap suppresses the segment-pool refill, for arenas built
	// before the kernel heap exists.
	Bootstrap
)

type segType uint8

const (
	segFree segType = iota
	segAllocated
	segSpan
	segSpanImported
)

// seg is one segment: a free or allocated interval, or a span marker
// sitting immediately before its span's segments in the queue.
type seg struct {
	base, size uint64
	typ        segType

	// Address-ordered segment queue.
	qprev, qnext *seg

	// Freelist, hash-bucket or span-list linkage, depending on typ.
	lprev, lnext *seg
}

const (
	nFreelists   = 64
	nHashBuckets = 128
	poolLowWater = 128
	poolBatch    = 63
)

// Package-level segment pool (static_segs plus seg_refill).
var (
	poolMu   sync.Mutex
	poolFree *seg
	poolN    int
)

func init() {
	refillFrom(make([]seg, poolBatch*2))
}

func refillFrom(batch []seg) {
	poolMu.Lock()
	for i := range batch {
		batch[i].lnext = poolFree
		poolFree = &batch[i]
		poolN++
	}
	poolMu.Unlock()
}

func segAlloc() *seg {
	poolMu.Lock()
	s := poolFree
	if s == nil {
		poolMu.Unlock()
		errs.KernelFault("vmem: segment pool empty")
	}
	poolFree = s.lnext
	poolN--
	poolMu.Unlock()
	*s = seg{}
	return s
}

func segFreeStruct(s *seg) {
	poolMu.Lock()
	s.lnext = poolFree
	poolFree = s
	poolN++
	poolMu.Unlock()
}

// segRefill tops the pool back up before an operation that may consume
// segments, so nested arena operations (kernel-heap import) always find
// the reserve non-empty.
func segRefill(flags Flag) {
	if flags&Bootstrap != 0 {
		return
	}
	poolMu.Lock()
	n := poolN
	poolMu.Unlock()
	if n >= poolLowWater {
		return
	}
	refillFrom(make([]seg, poolBatch))
}

// ImportFunc obtains a span from an arena's source.
type ImportFunc func(source *Arena, size uint64, flags Flag) (uint64, errs.Kind)

// ReleaseFunc returns a wholly free imported span to the source.
type ReleaseFunc func(source *Arena, base, size uint64)

// Arena is one VMem arena (vmem_t).
type Arena struct {
	mu sync.Mutex

	name    string
	base    uint64
	size    uint64
	quantum uint64
	flags   Flag

	segqueueHead, segqueueTail *seg
	spanlist                   *seg
	freelist                   [nFreelists]*seg
	hashtab                    [nHashBuckets]*seg

	importFn  ImportFunc
	releaseFn ReleaseFunc
	source    *Arena
}

// Init initialises an arena over [base, base+size) with the given
// quantum. A nil importFn makes the arena self-contained; otherwise spans
// are imported from source on demand (vmem_init).
func Init(name string, base, size, quantum uint64, importFn ImportFunc,
	releaseFn ReleaseFunc, source *Arena, flags Flag) *Arena {
	a := &Arena{
		name:      name,
		base:      base,
		size:      size,
		quantum:   quantum,
		flags:     flags,
		importFn:  importFn,
		releaseFn: releaseFn,
		source:    source,
	}
	if size != 0 && source == nil {
		a.addSpan(segSpan, base, size)
	}
	return a
}

// Name returns the arena's name.
func (a *Arena) Name() string { return a.name }

// Add hands [base, base+size) over to the arena's control (vmem_add).
func (a *Arena) Add(base, size uint64, flags Flag) {
	segRefill(flags | a.flags)
	a.mu.Lock()
	a.addSpan(segSpan, base, size)
	a.mu.Unlock()
}

func freelistIndex(size uint64) int {
	idx := 0
	for size > 1 {
		size >>= 1
		idx++
	}
	return idx
}

func (a *Arena) freelistInsert(s *seg) {
	head := &a.freelist[freelistIndex(s.size)]
	s.lprev = nil
	s.lnext = *head
	if *head != nil {
		(*head).lprev = s
	}
	*head = s
}

func (a *Arena) freelistRemove(s *seg) {
	if s.lprev != nil {
		s.lprev.lnext = s.lnext
	} else {
		a.freelist[freelistIndex(s.size)] = s.lnext
	}
	if s.lnext != nil {
		s.lnext.lprev = s.lprev
	}
	s.lprev, s.lnext = nil, nil
}

// murmur64 is the finaliser from MurmurHash3.
func murmur64(h uint64) uint64 {
	h ^= h >> 33
	h *= 0xff51afd7ed558ccd
	h ^= h >> 33
	h *= 0xc4ceb9fe1a85ec53
	h ^= h >> 33
	return h
}

func (a *Arena) hashInsert(s *seg) {
	head := &a.hashtab[murmur64(s.base)%nHashBuckets]
	s.lprev = nil
	s.lnext = *head
	if *head != nil {
		(*head).lprev = s
	}
	*head = s
}

func (a *Arena) hashRemove(s *seg) {
	if s.lprev != nil {
		s.lprev.lnext = s.lnext
	} else {
		a.hashtab[murmur64(s.base)%nHashBuckets] = s.lnext
	}
	if s.lnext != nil {
		s.lnext.lprev = s.lprev
	}
	s.lprev, s.lnext = nil, nil
}

func (a *Arena) hashFind(base uint64) *seg {
	for s := a.hashtab[murmur64(base)%nHashBuckets]; s != nil; s = s.lnext {
		if s.base == base {
			return s
		}
	}
	return nil
}

func (a *Arena) queueInsertAfter(after, s *seg) {
	s.qprev = after
	s.qnext = after.qnext
	if after.qnext != nil {
		after.qnext.qprev = s
	} else {
		a.segqueueTail = s
	}
	after.qnext = s
}

func (a *Arena) queueInsertBefore(before, s *seg) {
	s.qnext = before
	s.qprev = before.qprev
	if before.qprev != nil {
		before.qprev.qnext = s
	} else {
		a.segqueueHead = s
	}
	before.qprev = s
}

func (a *Arena) queueInsertHead(s *seg) {
	s.qprev = nil
	s.qnext = a.segqueueHead
	if a.segqueueHead != nil {
		a.segqueueHead.qprev = s
	} else {
		a.segqueueTail = s
	}
	a.segqueueHead = s
}

func (a *Arena) queueRemove(s *seg) {
	if s.qprev != nil {
		s.qprev.qnext = s.qnext
	} else {
		a.segqueueHead = s.qnext
	}
	if s.qnext != nil {
		s.qnext.qprev = s.qprev
	} else {
		a.segqueueTail = s.qprev
	}
	s.qprev, s.qnext = nil, nil
}

// addSpan inserts a span marker and its initial free segment in address
// order (vmem_add_internal). Arena lock held.
func (a *Arena) addSpan(spantype segType, base, size uint64) *seg {
	var afterspan *seg
	for iter := a.spanlist; iter != nil; iter = iter.lnext {
		if iter.base >= base {
			break
		}
		afterspan = iter
	}

	newspan := segAlloc()
	newspan.base = base
	newspan.size = size
	newspan.typ = spantype

	newfree := segAlloc()
	newfree.base = base
	newfree.size = size
	newfree.typ = segFree

	if afterspan != nil {
		// Span list is singly threaded through lnext in address order.
		newspan.lnext = afterspan.lnext
		afterspan.lnext = newspan

		// Find the queue position: the last segment of the preceding
		// span is the one before the next span marker, or the tail.
		pos := afterspan
		for pos.qnext != nil && pos.qnext.typ != segSpan &&
			pos.qnext.typ != segSpanImported {
			pos = pos.qnext
		}
		a.queueInsertAfter(pos, newspan)
	} else {
		newspan.lnext = a.spanlist
		a.spanlist = newspan
		a.queueInsertHead(newspan)
	}

	a.queueInsertAfter(newspan, newfree)
	a.freelistInsert(newfree)

	return newfree
}

// splitSeg carves [addr, addr+size) out of free segment s, reusing s for
// the allocation and emitting left/right remainders (split_seg).
func (a *Arena) splitSeg(s *seg, addr, size uint64) {
	if s.typ != segFree {
		errs.KernelFault("vmem: splitting non-free segment")
	}

	a.freelistRemove(s)

	if addr > s.base {
		left := segAlloc()
		left.typ = segFree
		left.base = s.base
		left.size = addr - s.base
		a.queueInsertBefore(s, left)
		a.freelistInsert(left)
	}

	if addr+size < s.base+s.size {
		right := segAlloc()
		right.typ = segFree
		right.base = addr + size
		right.size = (s.base + s.size) - (addr + size)
		a.queueInsertAfter(s, right)
		a.freelistInsert(right)
	}

	s.typ = segAllocated
	s.base = addr
	s.size = size
	a.hashInsert(s)
}

func (a *Arena) tryImport(size uint64, flags Flag) (*seg, errs.Kind) {
	if a.importFn == nil {
		return nil, errs.ResourceExhausted
	}
	addr, kind := a.importFn(a.source, size, flags)
	if kind != errs.OK {
		return nil, kind
	}
	return a.addSpan(segSpanImported, addr, size), errs.OK
}

// fitInSeg finds the lowest address within free segment s satisfying the
// align/phase/min/max constraints, or reports failure.
func fitInSeg(s *seg, size, align, phase, min, max uint64, flags Flag) (uint64, bool) {
	addr := s.base
	if flags&Exact != 0 {
		addr = min
		if addr < s.base {
			return 0, false
		}
	} else if addr < min {
		addr = min
	}
	if align > 1 {
		aligned := ((addr - phase + align - 1) / align) * align + phase
		addr = aligned
	}
	if addr+size > s.base+s.size {
		return 0, false
	}
	if max != 0 && addr+size > max {
		return 0, false
	}
	return addr, true
}

// XAlloc allocates size bytes subject to the constraints (vmem_xalloc):
// alignment, phase offset from that alignment, a minimum and maximum
// address, and Exact placement at min. nocross is not implemented and
// must be zero.
func (a *Arena) XAlloc(size, align, phase, nocross, min, max uint64, flags Flag) (uint64, errs.Kind) {
	if size == 0 {
		errs.KernelFault("vmem: zero-size allocation")
	}
	if nocross != 0 {
		errs.KernelFault("vmem: nocross not supported")
	}
	if a.quantum > 1 {
		size = ((size + a.quantum - 1) / a.quantum) * a.quantum
	}

	segRefill(flags | a.flags)

	a.mu.Lock()
	defer a.mu.Unlock()

	triedImport := false
	idx := freelistIndex(size) - 1

	for {
		idx++
		if idx >= nFreelists {
			if triedImport {
				return 0, errs.ResourceExhausted
			}
			triedImport = true
			freeseg, kind := a.tryImport(size, flags)
			if kind != errs.OK {
				return 0, kind
			}
			addr, ok := fitInSeg(freeseg, size, align, phase, min, max, flags)
			if !ok {
				return 0, errs.ResourceExhausted
			}
			a.splitSeg(freeseg, addr, size)
			return addr, errs.OK
		}

		for s := a.freelist[idx]; s != nil; s = s.lnext {
			addr, ok := fitInSeg(s, size, align, phase, min, max, flags)
			if !ok {
				continue
			}
			a.splitSeg(s, addr, size)
			return addr, errs.OK
		}
	}
}

// Alloc is XAlloc with no constraints.
func (a *Arena) Alloc(size uint64, flags Flag) (uint64, errs.Kind) {
	return a.XAlloc(size, 0, 0, 0, 0, 0, flags)
}

func (a *Arena) freeseg(s *seg, newbase, newsize uint64) {
	if freelistIndex(newsize) != freelistIndex(s.size) {
		// Unlink while s.size still names the list it is on.
		a.freelistRemove(s)
		s.base = newbase
		s.size = newsize
		a.freelistInsert(s)
		return
	}
	s.base = newbase
	s.size = newsize
}

// XFree returns the allocation at addr to the arena, coalescing with
// free neighbours and handing wholly free imported spans back to the
// source (vmem_xfree). The segment's recorded size wins over the given
// size, which is checked.
func (a *Arena) XFree(addr, size uint64) uint64 {
	if a.quantum > 1 {
		size = ((size + a.quantum - 1) / a.quantum) * a.quantum
	}

	a.mu.Lock()

	s := a.hashFind(addr)
	if s == nil {
		errs.KernelFault("vmem: freeing unallocated address")
	}
	if size != 0 && s.size != size {
		errs.KernelFault("vmem: mismatched free size")
	}
	size = s.size

	a.hashRemove(s)
	s.typ = segFree

	// Coalesce left.
	left := s.qprev
	if left != nil && left.typ == segFree {
		a.freeseg(left, left.base, left.size+s.size)
		a.queueRemove(s)
		segFreeStruct(s)
		s = left
		left = s.qprev
	} else {
		a.freelistInsert(s)
	}

	// Coalesce right.
	right := s.qnext
	if right != nil && right.typ == segFree {
		a.freeseg(right, s.base, right.size+s.size)
		a.queueRemove(s)
		a.freelistRemove(s)
		segFreeStruct(s)
		s = right
	}

	// A wholly free imported span goes home.
	if left != nil && left.typ == segSpanImported && s.size == left.size {
		span := left
		a.freelistRemove(s)
		a.queueRemove(s)
		segFreeStruct(s)

		a.spanlistRemove(span)
		a.queueRemove(span)
		base, spansize := span.base, span.size
		segFreeStruct(span)

		a.mu.Unlock()
		a.releaseFn(a.source, base, spansize)
		return size
	}

	a.mu.Unlock()
	return size
}

func (a *Arena) spanlistRemove(span *seg) {
	if a.spanlist == span {
		a.spanlist = span.lnext
		return
	}
	for iter := a.spanlist; iter != nil; iter = iter.lnext {
		if iter.lnext == span {
			iter.lnext = span.lnext
			return
		}
	}
}

// FreeTotal sums the arena's free segment sizes, for tests and the
// vmstat dump.
func (a *Arena) FreeTotal() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	var total uint64
	for s := a.segqueueHead; s != nil; s = s.qnext {
		if s.typ == segFree {
			total += s.size
		}
	}
	return total
}
