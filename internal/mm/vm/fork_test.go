package vm

import (
	"testing"

	"keyronex/internal/arch"
	"keyronex/internal/errs"
	"keyronex/internal/ipl"
	"keyronex/internal/mm/pfndb"
	"keyronex/internal/mm/pt"
)

func wireForTest(t *testing.T, ps *ProcState, vaddr uint64) pt.WireState {
	t.Helper()
	var ws pt.WireState
	if _, kind := ps.space.WirePTE(vaddr, true, &ws); kind != errs.OK {
		t.Fatalf("wire %#x: %v", vaddr, kind)
	}
	return ws
}

// countForkReferences scans a process's PTE range for references to fp:
// fork PTEs carrying its ID, and valid PTEs mapping its page.
func countForkReferences(t *testing.T, cpu *ipl.CPUState, ps *ProcState, start, end uint64, fp *ForkPage) int {
	t.Helper()
	db := ps.vm.DB
	n := 0
	old := db.Acquire(cpu)
	for addr := start; addr < end; addr += PageSize {
		ptePaddr, kind := ps.space.FetchPTE(addr)
		if kind != errs.OK {
			continue
		}
		pte := db.ReadPTE(ptePaddr)
		switch {
		case ps.vm.Arch.IsValid(pte):
			page := db.PFNToPage(ps.vm.Arch.HWPFN(pte))
			if page.Use == pfndb.UseAnonFork && page.Owner == fp {
				n++
			}
		case ps.vm.Arch.Characterise(pte) == arch.KindFork:
			if ps.vm.Arch.SoftPFN(pte)<<3 == fp.ID {
				n++
			}
		}
	}
	db.Release(cpu, old)
	return n
}

// TestCOWFork: three anonymous pages fork-shared,
// one broken by a parent write, the rest still shared; the child sees
// pre-fork values throughout, and the child's exit reverts the shared
// pages to plain private-anonymous use.
func TestCOWFork(t *testing.T) {
	vm, cpu := newTestVM(t)
	parent := newUserPS(t, vm, cpu)

	var base uint64
	if kind := parent.Allocate(cpu, &base, 3*PageSize, false); kind != errs.OK {
		t.Fatalf("allocate: %v", kind)
	}
	p0, p1, p2 := base, base+PageSize, base+2*PageSize
	writeByte(t, cpu, parent, p0, 0xAA)
	writeByte(t, cpu, parent, p1, 0xBB)
	writeByte(t, cpu, parent, p2, 0xCC)

	child := newUserPS(t, vm, cpu)
	if kind := vm.Fork(cpu, parent, child); kind != errs.OK {
		t.Fatalf("fork: %v", kind)
	}
	if n := parent.NAnonymous(); n != 0 {
		t.Fatalf("parent nAnonymous = %d after fork, want 0", n)
	}

	// Every page is now fork-shared with two claimants.
	old := vm.DB.Acquire(cpu)
	ptePaddr, _ := parent.space.FetchPTE(p0)
	parentPTE := vm.DB.ReadPTE(ptePaddr)
	if !vm.Arch.IsValid(parentPTE) || vm.Arch.IsWriteable(parentPTE) {
		t.Fatalf("parent PTE not demoted to read-only by fork")
	}
	sharedPage := vm.DB.PFNToPage(vm.Arch.HWPFN(parentPTE))
	if sharedPage.Use != pfndb.UseAnonFork {
		t.Fatalf("shared page use %v, want anon-fork", sharedPage.Use)
	}
	fp0 := sharedPage.Owner.(*ForkPage)
	if fp0.Refcount != 2 {
		t.Fatalf("forkpage refcount %d after fork, want 2", fp0.Refcount)
	}
	vm.DB.Release(cpu, old)

	// The refcount invariant: references across both processes equal
	// the recorded count.
	refs := countForkReferences(t, cpu, parent, base, base+3*PageSize, fp0) +
		countForkReferences(t, cpu, child, base, base+3*PageSize, fp0)
	if refs != int(fp0.Refcount) {
		t.Fatalf("%d PTE references to forkpage, refcount %d", refs, fp0.Refcount)
	}

	// Parent write to P0 breaks that page's sharing only.
	writeByte(t, cpu, parent, p0, 0x11)

	if got := readByte(t, cpu, child, p0); got != 0xAA {
		t.Fatalf("child P0 = %#x after parent write, want 0xAA", got)
	}
	if got := readByte(t, cpu, child, p1); got != 0xBB {
		t.Fatalf("child P1 = %#x, want 0xBB", got)
	}
	if got := readByte(t, cpu, parent, p0); got != 0x11 {
		t.Fatalf("parent P0 = %#x, want 0x11", got)
	}
	if got := readByte(t, cpu, parent, p2); got != 0xCC {
		t.Fatalf("parent P2 = %#x, want 0xCC", got)
	}

	// Parent's P0 is a fresh private page now; the old frame stayed
	// with the child's claim.
	old = vm.DB.Acquire(cpu)
	ptePaddr, _ = parent.space.FetchPTE(p0)
	newPage := vm.DB.PFNToPage(vm.Arch.HWPFN(vm.DB.ReadPTE(ptePaddr)))
	if newPage == sharedPage {
		t.Fatalf("parent still maps the shared frame after COW break")
	}
	if newPage.Use != pfndb.UseAnonPrivate {
		t.Fatalf("parent's broken page use %v", newPage.Use)
	}
	if fp0.Refcount != 1 {
		t.Fatalf("forkpage refcount %d after break, want 1", fp0.Refcount)
	}
	vm.DB.Release(cpu, old)

	// Child exit: remaining forkpages unwind and the parent's
	// still-shared pages revert to private-anonymous use.
	old = vm.DB.Acquire(cpu)
	ptePaddr, _ = parent.space.FetchPTE(p1)
	p1Page := vm.DB.PFNToPage(vm.Arch.HWPFN(vm.DB.ReadPTE(ptePaddr)))
	vm.DB.Release(cpu, old)

	child.Destroy(cpu)

	old = vm.DB.Acquire(cpu)
	if p1Page.Use != pfndb.UseAnonPrivate {
		t.Fatalf("parent P1 use %v after child exit, want anon-private", p1Page.Use)
	}
	vm.DB.Release(cpu, old)

	if got := readByte(t, cpu, parent, p1); got != 0xBB {
		t.Fatalf("parent P1 = %#x after child exit, want 0xBB", got)
	}
}

// TestForkOfFork exercises refcount growth: an existing fork PTE copied
// into a second child bumps the same forkpage.
func TestForkOfFork(t *testing.T) {
	vm, cpu := newTestVM(t)
	parent := newUserPS(t, vm, cpu)

	var base uint64
	parent.Allocate(cpu, &base, PageSize, false)
	writeByte(t, cpu, parent, base, 0x33)

	child1 := newUserPS(t, vm, cpu)
	if kind := vm.Fork(cpu, parent, child1); kind != errs.OK {
		t.Fatalf("first fork: %v", kind)
	}

	old := vm.DB.Acquire(cpu)
	ptePaddr, _ := parent.space.FetchPTE(base)
	page := vm.DB.PFNToPage(vm.Arch.HWPFN(vm.DB.ReadPTE(ptePaddr)))
	fp := page.Owner.(*ForkPage)
	vm.DB.Release(cpu, old)

	// Parent forks again: its valid fork-page mapping re-shares.
	child2 := newUserPS(t, vm, cpu)
	if kind := vm.Fork(cpu, parent, child2); kind != errs.OK {
		t.Fatalf("second fork: %v", kind)
	}
	if fp.Refcount != 3 {
		t.Fatalf("forkpage refcount %d after second fork, want 3", fp.Refcount)
	}

	// All three see the value; child2's write is private to it.
	if got := readByte(t, cpu, child1, base); got != 0x33 {
		t.Fatalf("child1 read %#x", got)
	}
	writeByte(t, cpu, child2, base, 0x44)
	if got := readByte(t, cpu, parent, base); got != 0x33 {
		t.Fatalf("parent read %#x after child2 write", got)
	}
	if fp.Refcount != 2 {
		t.Fatalf("forkpage refcount %d after child2 break, want 2", fp.Refcount)
	}
}

// fakePager is an in-memory drum: slot -> page contents.
type fakePager struct {
	slots map[uint64][]byte
	next  uint64
}

func newFakePager() *fakePager {
	return &fakePager{slots: make(map[uint64][]byte), next: 1}
}

func (p *fakePager) AllocSlot() uint64 {
	slot := p.next
	p.next++
	p.slots[slot] = make([]byte, PageSize)
	return slot
}

func (p *fakePager) FreeSlot(slot uint64) { delete(p.slots, slot) }

func (p *fakePager) PageIn(slot uint64, buf []byte) errs.Kind {
	data, ok := p.slots[slot]
	if !ok {
		return errs.NotPresent
	}
	copy(buf, data)
	return errs.OK
}

func (p *fakePager) PageOut(slot uint64, buf []byte) errs.Kind {
	data, ok := p.slots[slot]
	if !ok {
		return errs.NotPresent
	}
	copy(data, buf)
	return errs.OK
}

// TestSwapPageIn plants a swap PTE over a mapped range and faults it:
// the handler must allocate a transition page, read the drum slot and
// reinstate the mapping with the slot's contents.
func TestSwapPageIn(t *testing.T) {
	vm, cpu := newTestVM(t)
	pager := newFakePager()
	vm.Pager = pager
	ps := newUserPS(t, vm, cpu)

	var base uint64
	if kind := ps.Allocate(cpu, &base, PageSize, false); kind != errs.OK {
		t.Fatalf("allocate: %v", kind)
	}

	slot := pager.AllocSlot()
	pager.slots[slot][17] = 0x99

	// Plant the swap PTE the way a completed page-out would leave it.
	ps.wsMutex.Lock()
	old := vm.DB.Acquire(cpu)
	var ws = wireForTest(t, ps, base)
	ws.WritePTE(vm.Arch.CreateSwap(slot))
	ps.space.SwapPTECreated(ws.LeafTable())
	ps.space.Release(&ws)
	vm.DB.Release(cpu, old)
	ps.wsMutex.Unlock()
	ps.wsMutex.Lock()
	ps.nAnonymous++ // the swapped page is an anonymous page of record
	ps.wsMutex.Unlock()

	if got := readByte(t, cpu, ps, base+17); got != 0x99 {
		t.Fatalf("paged-in byte %#x, want 0x99", got)
	}
	if ps.wsl.Count() != 1 {
		t.Fatalf("working set %d after page-in, want 1", ps.wsl.Count())
	}

	// Tear down cleanly through the swap-aware unmap path.
	if kind := ps.Deallocate(cpu, base, PageSize); kind != errs.OK {
		t.Fatalf("deallocate: %v", kind)
	}
}
