package pfndb

import (
	"testing"

	"keyronex/internal/errs"
	"keyronex/internal/ipl"
)

func newTestDB(t *testing.T, npages int) (*DB, *ipl.CPUState) {
	t.Helper()
	db := New()
	db.AddRegion(0x100000, npages)
	return db, ipl.NewCPUState()
}

// checkBuddy verifies the buddy-consistency invariant: every block on a
// freelist of order k has order k, lies wholly inside its region, all its
// pages are free, and no page appears on two lists.
func checkBuddy(t *testing.T, db *DB) int64 {
	t.Helper()
	seen := make(map[uint64]bool)
	var total int64
	for order := 0; order < NumOrders; order++ {
		var blocks int64
		for p := db.freelists[order].first(); p != nil; p = p.qnext {
			blocks++
			if int(p.order) != order {
				t.Errorf("page pfn %#x on order-%d list has order %d",
					p.pfn, order, p.order)
			}
			if !p.onFreelist {
				t.Errorf("page pfn %#x on freelist without onFreelist", p.pfn)
			}
			r := p.region
			idx := pageIndex(p)
			if idx+(1<<order) > r.npages {
				t.Errorf("order-%d block at pfn %#x overruns region", order, p.pfn)
			}
			for i := 0; i < 1<<order; i++ {
				member := &r.pages[idx+i]
				if member.Use != UseFree {
					t.Errorf("page pfn %#x inside free block has use %v",
						member.pfn, member.Use)
				}
				if seen[member.pfn] {
					t.Errorf("page pfn %#x covered by two free blocks", member.pfn)
				}
				seen[member.pfn] = true
			}
			total += 1 << order
		}
		if blocks != db.freeNPages[order] {
			t.Errorf("order %d: counted %d blocks, recorded %d",
				order, blocks, db.freeNPages[order])
		}
	}
	if total != db.stat.NFree {
		t.Errorf("freelists hold %d pages, NFree %d", total, db.stat.NFree)
	}
	return total
}

func TestRegionAddBuddyConsistency(t *testing.T) {
	db, cpu := newTestDB(t, 1024)

	old := db.Acquire(cpu)
	checkBuddy(t, db)
	db.Release(cpu, old)

	s := db.StatSnapshot(cpu)
	if s.NTotal != 1024 {
		t.Fatalf("NTotal = %d, want 1024", s.NTotal)
	}
	if s.NPWired == 0 {
		t.Fatalf("no pages wired for the PFN database part")
	}
	if s.NFree+s.NPWired != s.NTotal {
		t.Fatalf("NFree %d + NPWired %d != NTotal %d", s.NFree, s.NPWired, s.NTotal)
	}
}

func TestBuddyDoesNotCrossRegionEnd(t *testing.T) {
	// 1000 pages is not a power of two; the tail blocks must be clamped
	// so no free block overruns the region.
	db, cpu := newTestDB(t, 1000)
	old := db.Acquire(cpu)
	checkBuddy(t, db)
	db.Release(cpu, old)
}

func TestAllocSplitFreeCoalesce(t *testing.T) {
	db, cpu := newTestDB(t, 1024)

	baseline := db.StatSnapshot(cpu)

	old := db.Acquire(cpu)
	var pages []*Page
	for i := 0; i < 9; i++ {
		p, kind := db.AllocOneLocked(UseAnonPrivate, false)
		if kind != errs.OK {
			t.Fatalf("alloc %d: %v", i, kind)
		}
		if p.RefCount() != 1 {
			t.Fatalf("fresh page refcnt %d", p.RefCount())
		}
		data := db.PageData(p)
		for _, b := range data {
			if b != 0 {
				t.Fatalf("fresh page not zeroed")
			}
		}
		pages = append(pages, p)
	}
	checkBuddy(t, db)

	for _, p := range pages {
		db.DeleteLocked(p)
		db.ReleaseLocked(p)
	}
	checkBuddy(t, db)
	db.Release(cpu, old)

	s := db.StatSnapshot(cpu)
	if s.NFree != baseline.NFree {
		t.Fatalf("NFree %d after free, want baseline %d", s.NFree, baseline.NFree)
	}
	if s.NActive != 0 || s.NDeleted != 0 {
		t.Fatalf("NActive %d NDeleted %d after free", s.NActive, s.NDeleted)
	}
}

func TestAllocLargeOrder(t *testing.T) {
	db, cpu := newTestDB(t, 1024)

	old := db.Acquire(cpu)
	p, kind := db.AllocLocked(4, UseKWired, false)
	if kind != errs.OK {
		t.Fatalf("order-4 alloc: %v", kind)
	}
	if p.Order() != 4 {
		t.Fatalf("allocated order %d, want 4", p.Order())
	}
	if p.Paddr()%(16*PageSize) != 0 {
		t.Fatalf("order-4 block misaligned at %#x", p.Paddr())
	}
	db.DeleteLocked(p)
	db.ReleaseLocked(p)
	checkBuddy(t, db)
	db.Release(cpu, old)
}

func TestRefcountVsQueues(t *testing.T) {
	db, cpu := newTestDB(t, 256)

	old := db.Acquire(cpu)
	p, _ := db.AllocOneLocked(UseAnonPrivate, true)

	// Clean release: page lands on standby.
	db.ReleaseLocked(p)
	if db.standby.first() != p {
		t.Fatalf("clean unreferenced page not on standby queue")
	}
	if db.stat.NStandby != 1 {
		t.Fatalf("NStandby = %d", db.stat.NStandby)
	}

	// Retain pulls it back off.
	db.RetainLocked(p)
	if !db.standby.empty() {
		t.Fatalf("standby queue not emptied by retain")
	}

	// Dirty release: page lands on modified.
	p.Dirty = true
	db.ReleaseLocked(p)
	if db.modified.first() != p {
		t.Fatalf("dirty unreferenced page not on modified queue")
	}

	// Delete while on the modified queue frees it immediately.
	db.DeleteLocked(p)
	if p.Use != UseFree {
		t.Fatalf("deleted unreferenced page has use %v", p.Use)
	}
	checkBuddy(t, db)
	db.Release(cpu, old)
}

func TestDeleteDeferredUntilLastRelease(t *testing.T) {
	db, cpu := newTestDB(t, 256)

	old := db.Acquire(cpu)
	p, _ := db.AllocOneLocked(UseAnonPrivate, true)
	db.RetainLocked(p)

	db.DeleteLocked(p)
	if p.Use != UseDeleted {
		t.Fatalf("use %v after delete with refs, want deleted", p.Use)
	}

	db.ReleaseLocked(p)
	if p.Use != UseDeleted {
		t.Fatalf("freed early with one reference still out")
	}

	db.ReleaseLocked(p)
	if p.Use != UseFree {
		t.Fatalf("use %v after final release, want free", p.Use)
	}
	db.Release(cpu, old)
}

func TestAllocExhaustion(t *testing.T) {
	db, cpu := newTestDB(t, 64)

	old := db.Acquire(cpu)
	if _, kind := db.AllocLocked(NumOrders-1, UseKWired, false); kind != errs.OutOfMemory {
		t.Fatalf("order-15 alloc from 64-page region: %v, want out of memory", kind)
	}
	db.Release(cpu, old)
}

func TestPTERoundTrip(t *testing.T) {
	db, cpu := newTestDB(t, 256)

	old := db.Acquire(cpu)
	p, _ := db.AllocOneLocked(UsePML1, true)
	paddr := p.Paddr() + 24
	db.WritePTE(paddr, 0xdeadbeef)
	if got := db.ReadPTE(paddr); got != 0xdeadbeef {
		t.Fatalf("ReadPTE = %#x", uint64(got))
	}
	db.Release(cpu, old)
}

func TestLowMemoryWakeups(t *testing.T) {
	db := New()
	db.AddRegion(0x100000, 128)
	cpu := ipl.NewCPUState()

	balanceWoken := false
	db.BalanceSetWake = func() { balanceWoken = true }

	old := db.Acquire(cpu)
	// Drain free pages below the availability threshold.
	for {
		p, kind := db.AllocOneLocked(UseKWired, false)
		if kind != errs.OK {
			break
		}
		_ = p
	}
	db.Release(cpu, old)

	if !balanceWoken {
		t.Fatalf("balance-set wake not signalled under page pressure")
	}
}
