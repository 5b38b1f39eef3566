package pt

import (
	"testing"

	"keyronex/internal/arch"
	"keyronex/internal/arch/amd64"
	"keyronex/internal/errs"
	"keyronex/internal/ipl"
	"keyronex/internal/mm/pfndb"
)

func newTestSpace(t *testing.T) (*Space, *pfndb.DB, *ipl.CPUState) {
	t.Helper()
	db := pfndb.New()
	db.AddRegion(0x100000, 2048)
	cpu := ipl.NewCPUState()
	s, kind := NewSpace(cpu, db, amd64.New())
	if kind != errs.OK {
		t.Fatalf("NewSpace: %v", kind)
	}
	return s, db, cpu
}

// checkCounts verifies the nonzero/noswap invariant for every table page
// reachable from the root: the recorded counts must equal what a scan of
// the table's entries derives.
func checkCounts(t *testing.T, s *Space, table *pfndb.Page, level int) {
	t.Helper()
	var nonzero, noswap uint16
	for i := 0; i < LevelEntries; i++ {
		pte := s.DB.ReadPTE(table.Paddr() + uint64(i)*PTESize)
		switch s.Arch.Characterise(pte) {
		case arch.KindZero:
		case arch.KindValid, arch.KindTrans, arch.KindBusy:
			nonzero++
			noswap++
		default:
			nonzero++
		}
		if level > 1 && s.Arch.IsValid(pte) {
			checkCounts(t, s, s.DB.PFNToPage(s.Arch.HWPFN(pte)), level-1)
		}
	}
	if table.NonzeroPTEs != nonzero || table.NoswapPTEs != noswap {
		t.Errorf("level-%d table pfn %#x: counts %d/%d, derived %d/%d",
			level, table.PFN(), table.NonzeroPTEs, table.NoswapPTEs,
			nonzero, noswap)
	}
}

func TestWireCreatesAndPinsTables(t *testing.T) {
	s, db, cpu := newTestSpace(t)
	const vaddr = 0x7f00_1234_5000

	old := db.Acquire(cpu)
	var ws WireState
	if _, kind := s.WirePTE(vaddr, true, &ws); kind != errs.OK {
		t.Fatalf("wire: %v", kind)
	}

	for i, page := range ws.TablePages {
		if page == nil {
			t.Fatalf("level-%d table not pinned", i+1)
		}
		if page.RefCount() == 0 {
			t.Fatalf("level-%d table unpinned during wire", i+1)
		}
	}
	if ws.TablePages[TableLevels-1] != s.Root() {
		t.Fatalf("root not the top wire entry")
	}
	if got := db.StatLocked().NProcPgtable; got != 4 {
		t.Fatalf("NProcPgtable = %d after wire, want 4", got)
	}

	// Map a data page through the wired PTE.
	page, kind := db.AllocOneLocked(pfndb.UseAnonPrivate, false)
	if kind != errs.OK {
		t.Fatalf("page alloc: %v", kind)
	}
	page.ReferentPTE = ws.PTEPaddr
	ws.WritePTE(s.Arch.CreateHW(page.PFN(), true, false, true))
	s.NoswapPTECreated(ws.LeafTable(), true)

	checkCounts(t, s, s.Root(), TableLevels)
	s.Release(&ws)
	checkCounts(t, s, s.Root(), TableLevels)
	db.Release(cpu, old)

	// The chain survives the unpin: a valid PTE holds each table.
	if got, kind := s.Translate(vaddr); kind != errs.OK || got != page.Paddr() {
		t.Fatalf("Translate = %#x/%v, want %#x", got, kind, page.Paddr())
	}
	if got, kind := s.Translate(vaddr + 0x123); kind != errs.OK || got != page.Paddr()+0x123 {
		t.Fatalf("offset translate = %#x/%v", got, kind)
	}
}

func TestSharedIntermediates(t *testing.T) {
	s, db, cpu := newTestSpace(t)

	old := db.Acquire(cpu)
	var ws1, ws2 WireState
	s.WirePTE(0x4000_0000, true, &ws1)
	s.WirePTE(0x4000_1000, true, &ws2)

	// Adjacent pages share every table level.
	for i := range ws1.TablePages {
		if ws1.TablePages[i] != ws2.TablePages[i] {
			t.Fatalf("level-%d tables differ for adjacent addresses", i+1)
		}
	}
	if ws1.PTEPaddr == ws2.PTEPaddr {
		t.Fatalf("distinct addresses wired the same leaf PTE")
	}
	s.Release(&ws1)
	s.Release(&ws2)
	db.Release(cpu, old)
}

func TestWireWithoutCreateReportsMissingLevel(t *testing.T) {
	s, db, cpu := newTestSpace(t)

	old := db.Acquire(cpu)
	var ws WireState
	level, kind := s.WirePTE(0x5000_0000, false, &ws)
	if kind != errs.NotPresent {
		t.Fatalf("wire without create: %v, want not present", kind)
	}
	if level != TableLevels {
		t.Fatalf("missing level %d, want %d (root entry empty)", level, TableLevels)
	}
	db.Release(cpu, old)

	// Nothing may remain allocated or pinned.
	if got := db.StatSnapshot(cpu).NProcPgtable; got != 1 {
		t.Fatalf("NProcPgtable = %d, want 1 (root only)", got)
	}
}

func TestBusyIntermediateAbandons(t *testing.T) {
	s, db, cpu := newTestSpace(t)
	const vaddr = 0x6000_0000

	old := db.Acquire(cpu)
	indexes := AddrUnpack(vaddr)
	rootPTE := s.Root().Paddr() + uint64(indexes[TableLevels])*PTESize
	db.WritePTE(rootPTE, s.Arch.CreateBusy(0x42))
	s.NoswapPTECreated(s.Root(), true)

	var ws WireState
	level, kind := s.WirePTE(vaddr, true, &ws)
	if kind != errs.Retry {
		t.Fatalf("wire through busy intermediate: %v, want retry", kind)
	}
	if level != TableLevels {
		t.Fatalf("busy at level %d, want %d", level, TableLevels)
	}
	for _, page := range ws.TablePages {
		if page != nil {
			t.Fatalf("pins leaked on abandoned wire")
		}
	}
	db.Release(cpu, old)
}

func TestTransIntermediateReinstated(t *testing.T) {
	s, db, cpu := newTestSpace(t)
	const vaddr = 0x6100_0000

	old := db.Acquire(cpu)
	var ws WireState
	s.WirePTE(vaddr, true, &ws)
	leaf := ws.LeafTable()
	page, _ := db.AllocOneLocked(pfndb.UseAnonPrivate, false)
	page.ReferentPTE = ws.PTEPaddr
	ws.WritePTE(s.Arch.CreateHW(page.PFN(), true, false, true))
	s.NoswapPTECreated(leaf, true)
	s.Release(&ws)

	// Simulate the leaf table having been evicted to transition state.
	parentPTE := leaf.ReferentPTE
	db.WritePTE(parentPTE, s.Arch.CreateTrans(leaf.PFN()))

	var ws2 WireState
	if _, kind := s.WirePTE(vaddr, true, &ws2); kind != errs.OK {
		t.Fatalf("re-wire through trans: %v", kind)
	}
	if ws2.LeafTable() != leaf {
		t.Fatalf("trans reinstate allocated a new table")
	}
	if !s.Arch.IsValid(db.ReadPTE(parentPTE)) {
		t.Fatalf("parent PTE not reinstated to valid")
	}
	s.Release(&ws2)
	db.Release(cpu, old)
}

// TestTableReclamation: reserve and touch one page, then tear it down —
// after the only mapping goes, every table introduced for it must return
// to the buddy allocator.
func TestTableReclamation(t *testing.T) {
	s, db, cpu := newTestSpace(t)
	const vaddr = 0x7000_0000

	baselineFree := db.StatSnapshot(cpu).NFree
	baselineTables := db.StatSnapshot(cpu).NProcPgtable

	old := db.Acquire(cpu)
	var ws WireState
	s.WirePTE(vaddr, true, &ws)
	page, _ := db.AllocOneLocked(pfndb.UseAnonPrivate, false)
	page.ReferentPTE = ws.PTEPaddr
	ws.WritePTE(s.Arch.CreateHW(page.PFN(), true, false, true))
	s.NoswapPTECreated(ws.LeafTable(), true)
	s.Release(&ws)

	// Tear the mapping down again.
	s.WirePTE(vaddr, true, &ws)
	ws.WritePTE(s.Arch.Zero())
	s.PTEDeleted(ws.LeafTable(), false)
	db.DeleteLocked(page)
	db.ReleaseLocked(page)
	s.Release(&ws)
	db.Release(cpu, old)

	st := db.StatSnapshot(cpu)
	if st.NProcPgtable != baselineTables {
		t.Fatalf("NProcPgtable = %d after teardown, want %d",
			st.NProcPgtable, baselineTables)
	}
	if st.NFree != baselineFree {
		t.Fatalf("NFree = %d after teardown, want baseline %d",
			st.NFree, baselineFree)
	}
}

func TestDestroy(t *testing.T) {
	s, db, cpu := newTestSpace(t)
	before := db.StatSnapshot(cpu)
	s.Destroy(cpu)
	after := db.StatSnapshot(cpu)
	if after.NProcPgtable != before.NProcPgtable-1 {
		t.Fatalf("root not reclaimed by destroy")
	}
}
