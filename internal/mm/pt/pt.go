// Package pt implements the architecture-neutral multi-level page-table
// walker with the pin/wire protocol.
//
// The PTE bit layouts come from the arch.Backend the owning address
// space was created with; this package reads and writes PTEs only
// through physical addresses into the PFN database's page storage, so
// the vm_page <-> PTE cycle stays a physical back-pointer, never a Go
// reference — which is what keeps page tables themselves pageable.
package pt

import (
	"keyronex/internal/arch"
	"keyronex/internal/errs"
	"keyronex/internal/ipl"
	"keyronex/internal/mm/pfndb"
)

// TableLevels is the depth of the table tree; every supported port walks
// four levels (VMP_TABLE_LEVELS).
const TableLevels = 4

// LevelEntries is the PTE count per table page.
const LevelEntries = pfndb.PageSize / PTESize

// PTESize is the byte width of one entry.
const PTESize = 8

// levelShift returns the address shift of 1-based level.
func levelShift(level int) uint {
	return pfndb.PageShift + uint(level-1)*9
}

// LevelSpan returns the bytes of address space one PTE at 1-based level
// maps.
func LevelSpan(level int) uint64 {
	return 1 << levelShift(level)
}

// AddrUnpack splits vaddr into per-level table indexes
// (vmp_addr_unpack); levels are 1-based and indexes[4] indexes the root.
func AddrUnpack(vaddr uint64) [TableLevels + 1]int {
	var indexes [TableLevels + 1]int
	for level := 1; level <= TableLevels; level++ {
		indexes[level] = int((vaddr >> levelShift(level)) & (LevelEntries - 1))
	}
	return indexes
}

// Space is one process's page-table tree: the root table page plus the
// backend that encodes its PTEs (vm_procstate's md.table).
type Space struct {
	DB   *pfndb.DB
	Arch arch.Backend

	root *pfndb.Page

	// Owner is the process state this tree belongs to, recorded into
	// allocated table pages.
	Owner any

	// Invlpg is the local TLB invalidation hook (pmap_invlpg); nil in
	// tests.
	Invlpg func(vaddr uint64)
}

// NewSpace allocates a root table page and returns the space. PFN lock
// must not be held.
func NewSpace(cpu *ipl.CPUState, db *pfndb.DB, backend arch.Backend) (*Space, errs.Kind) {
	old := db.Acquire(cpu)
	root, kind := db.AllocOneLocked(pfndb.PageTableUse(TableLevels), false)
	db.Release(cpu, old)
	if kind != errs.OK {
		return nil, kind
	}
	s := &Space{DB: db, Arch: backend, root: root}
	root.Owner = s
	return s, errs.OK
}

// Root returns the root table page.
func (s *Space) Root() *pfndb.Page { return s.root }

// RootPaddr returns the root table's physical address, what a port would
// load into its table base register.
func (s *Space) RootPaddr() uint64 { return s.root.Paddr() }

// WireState pins the page-table pages leading to one leaf PTE
// (struct vmp_pte_wire_state). TablePages[0] is the leaf table,
// TablePages[TableLevels-1] the root.
type WireState struct {
	Space      *Space
	Addr       uint64
	PTEPaddr   uint64
	TablePages [TableLevels]*pfndb.Page
}

// invalidate drops any pins taken so far, in reverse (leaf-first) order.
func (ws *WireState) invalidate() {
	for i := 0; i < TableLevels; i++ {
		if ws.TablePages[i] != nil {
			ws.Space.DB.ReleaseLocked(ws.TablePages[i])
			ws.TablePages[i] = nil
		}
	}
}

// WirePTE descends to vaddr's leaf PTE, pinning each level's table page
// (vmp_wire_pte protocol; PFN lock held):
//
//   - a Zero intermediate is allocated and installed if create is set;
//     with create clear the 1-based level of the missing table is
//     returned with NotPresent, letting bulk walkers (fork) skip the
//     whole span it would have mapped;
//   - a Trans intermediate is reinstated as valid without allocation;
//   - a Busy intermediate abandons the walk with Retry: a page-table
//     page is being read in concurrently and the caller must back off
//     and refault.
func (s *Space) WirePTE(vaddr uint64, create bool, ws *WireState) (int, errs.Kind) {
	if !s.DB.Held() {
		errs.KernelFault("pt: wire without PFN lock")
	}

	*ws = WireState{Space: s, Addr: vaddr}
	indexes := AddrUnpack(vaddr)

	table := s.root
	s.DB.RetainLocked(table)
	ws.TablePages[TableLevels-1] = table

	for level := TableLevels; level > 1; level-- {
		ptePaddr := table.Paddr() + uint64(indexes[level])*PTESize
		pte := s.DB.ReadPTE(ptePaddr)

		var next *pfndb.Page
		switch s.Arch.Characterise(pte) {
		case arch.KindValid:
			next = s.DB.PFNToPage(s.Arch.HWPFN(pte))
			s.DB.RetainLocked(next)

		case arch.KindZero:
			if !create {
				ws.invalidate()
				return level, errs.NotPresent
			}
			var kind errs.Kind
			next, kind = s.DB.AllocOneLocked(pfndb.PageTableUse(level-1), false)
			if kind != errs.OK {
				ws.invalidate()
				return 0, kind
			}
			next.Owner = s.Owner
			s.setupTablePointers(table, next, ptePaddr, true)

		case arch.KindTrans:
			// The table was evicted but its frame not yet reused;
			// reinstate it. Its noswap count in the parent is
			// unchanged: trans already counted.
			next = s.DB.PFNToPage(s.Arch.SoftPFN(pte))
			s.DB.RetainLocked(next)
			s.DB.WritePTE(ptePaddr, s.Arch.CreateHW(next.PFN(), true, false, false))

		case arch.KindBusy:
			// Concurrent page-in of this table; back off and retry.
			ws.invalidate()
			return level, errs.Retry

		default:
			errs.KernelFault("pt: unexpected intermediate PTE kind")
		}

		ws.TablePages[level-2] = next
		table = next
	}

	ws.PTEPaddr = table.Paddr() + uint64(indexes[1])*PTESize
	return 0, errs.OK
}

// setupTablePointers installs a freshly allocated table page into its
// parent PTE (vmp_md_setup_table_pointers) and records the back-pointer.
func (s *Space) setupTablePointers(parent, child *pfndb.Page, ptePaddr uint64, isNew bool) {
	child.ReferentPTE = ptePaddr
	s.DB.WritePTE(ptePaddr, s.Arch.CreateHW(child.PFN(), true, false, false))
	s.NoswapPTECreated(parent, isNew)
}

// Release unpins a wire state's table pages in reverse order
// (vmp_pte_wire_state_release). A table whose pin count reaches zero
// with no remaining nonzero PTEs is reclaimed on the spot.
func (s *Space) Release(ws *WireState) {
	if !s.DB.Held() {
		errs.KernelFault("pt: release without PFN lock")
	}
	for i := 0; i < TableLevels; i++ {
		page := ws.TablePages[i]
		if page == nil {
			continue
		}
		ws.TablePages[i] = nil
		s.DB.ReleaseLocked(page)
		if page != s.root && page.RefCount() == 0 &&
			(page.Use.IsPageTable() || page.Use.IsProtoPageTable()) &&
			page.NonzeroPTEs == 0 {
			s.freeTable(page)
		}
	}
}

// NoswapPTECreated records a child PTE entering the {valid, trans, busy}
// class in table (vmp_pagetable_page_noswap_pte_created). isNew also
// counts the zero -> nonzero transition.
func (s *Space) NoswapPTECreated(table *pfndb.Page, isNew bool) {
	if isNew {
		table.NonzeroPTEs++
	}
	table.NoswapPTEs++
}

// SwapPTECreated records a zero -> swap (or fork) transition: the table
// gains a reason to exist but none to stay resident.
func (s *Space) SwapPTECreated(table *pfndb.Page) {
	table.NonzeroPTEs++
}

// PTEBecameSwap records a valid/trans child PTE turning into a swap or
// fork PTE (vmp_pagetable_page_pte_became_swap).
func (s *Space) PTEBecameSwap(table *pfndb.Page) {
	if table.NoswapPTEs == 0 {
		errs.KernelFault("pt: noswap count underflow")
	}
	table.NoswapPTEs--
}

// PTEDeleted records a child PTE going to zero
// (vmp_pagetable_page_pte_deleted). wasSwap tells whether the PTE was in
// the swap/fork class, which never counted towards noswap. Deleting the
// last nonzero PTE frees the table and propagates the deletion into its
// parent.
func (s *Space) PTEDeleted(table *pfndb.Page, wasSwap bool) {
	if !wasSwap {
		if table.NoswapPTEs == 0 {
			errs.KernelFault("pt: noswap count underflow")
		}
		table.NoswapPTEs--
	}
	if table.NonzeroPTEs == 0 {
		errs.KernelFault("pt: nonzero count underflow")
	}
	table.NonzeroPTEs--
	if table.NonzeroPTEs == 0 && table != s.root {
		s.freeTable(table)
	}
}

// freeTable deletes an empty table page, zeroing the parent PTE that
// pointed at it and propagating. If the table is still pinned by a wire
// state, the PFN database defers its freeing until the pin drops.
func (s *Space) freeTable(table *pfndb.Page) {
	parentPTE := table.ReferentPTE
	parent := s.DB.PaddrToPage(parentPTE)

	s.DB.WritePTE(parentPTE, s.Arch.Zero())
	s.DB.DeleteLocked(table)
	s.PTEDeleted(parent, false)
}

// Destroy releases the root table page. Every other table must already
// have been reclaimed by unmapping.
func (s *Space) Destroy(cpu *ipl.CPUState) {
	old := s.DB.Acquire(cpu)
	if s.root.NonzeroPTEs != 0 {
		errs.KernelFault("pt: destroying space with live mappings")
	}
	s.DB.DeleteLocked(s.root)
	s.DB.ReleaseLocked(s.root)
	s.DB.Release(cpu, old)
}

// FetchPTE walks to vaddr's leaf PTE without pinning or creating
// (vmp_fetch_pte), returning its physical address. NotPresent
// if an intermediate is not valid.
func (s *Space) FetchPTE(vaddr uint64) (uint64, errs.Kind) {
	indexes := AddrUnpack(vaddr)
	table := s.root
	for level := TableLevels; level > 1; level-- {
		ptePaddr := table.Paddr() + uint64(indexes[level])*PTESize
		pte := s.DB.ReadPTE(ptePaddr)
		if s.Arch.Characterise(pte) != arch.KindValid {
			return 0, errs.NotPresent
		}
		table = s.DB.PFNToPage(s.Arch.HWPFN(pte))
	}
	return table.Paddr() + uint64(indexes[1])*PTESize, errs.OK
}

// Translate resolves a virtual address through the tree to a physical
// address (vmp_md_translate). NotPresent unless the leaf is valid.
func (s *Space) Translate(vaddr uint64) (uint64, errs.Kind) {
	ptePaddr, kind := s.FetchPTE(vaddr)
	if kind != errs.OK {
		return 0, kind
	}
	pte := s.DB.ReadPTE(ptePaddr)
	if !s.Arch.IsValid(pte) {
		return 0, errs.NotPresent
	}
	return s.Arch.HWPFN(pte)<<pfndb.PageShift + vaddr%pfndb.PageSize, errs.OK
}

// LeafTable returns the wire state's pinned leaf table page.
func (ws *WireState) LeafTable() *pfndb.Page { return ws.TablePages[0] }

// ReadPTE reads the wired leaf PTE.
func (ws *WireState) ReadPTE() arch.PTE {
	return ws.Space.DB.ReadPTE(ws.PTEPaddr)
}

// WritePTE writes the wired leaf PTE. Accounting is the caller's
// business, via the Space's PTE-accounting methods.
func (ws *WireState) WritePTE(pte arch.PTE) {
	ws.Space.DB.WritePTE(ws.PTEPaddr, pte)
}
