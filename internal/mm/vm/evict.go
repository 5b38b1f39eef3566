package vm

import (
	"keyronex/internal/errs"
	"keyronex/internal/ipl"
	"keyronex/internal/mm/pfndb"
)

// pageEvict takes a valid PTE out of the working set (vmp_page_evict;
// wsMutex and PFN lock held, WSLE already removed): dirty pages go to
// transition so the modified writer can find them; clean pages with
// backing store decay straight to a swap PTE or, for file pages, to
// nothing at all, since the object's page tree can always refind them.
// The mapping's page reference drops, queueing the page once it is the
// last.
func (ps *ProcState) pageEvict(cpu *ipl.CPUState, vaddr uint64) {
	db := ps.vm.DB

	ptePaddr, kind := ps.space.FetchPTE(vaddr)
	if kind != errs.OK {
		errs.KernelFault("vm: evicting unmapped address")
	}
	pte := db.ReadPTE(ptePaddr)
	if !ps.vm.Arch.IsValid(pte) {
		errs.KernelFault("vm: evicting non-valid PTE")
	}
	page := db.PFNToPage(ps.vm.Arch.HWPFN(pte))
	leaf := db.PaddrToPage(ptePaddr)

	switch {
	case page.Use == pfndb.UseFileShared && !page.Dirty:
		db.WritePTE(ptePaddr, ps.vm.Arch.Zero())
		ps.space.PTEDeleted(leaf, false)
		page.ReferentPTE = 0
	case page.Drumslot != 0 && !page.Dirty:
		db.WritePTE(ptePaddr, ps.vm.Arch.CreateSwap(page.Drumslot))
		ps.space.PTEBecameSwap(leaf)
		page.ReferentPTE = 0
	default:
		// Transition: the PTE keeps the frame number so a refault can
		// reinstate it without I/O while the page sits on a queue.
		db.WritePTE(ptePaddr, ps.vm.Arch.CreateTrans(page.PFN()))
	}

	ps.invlpg(vaddr)
	db.ReleaseLocked(page)
}

func (ps *ProcState) invlpg(vaddr uint64) {
	if ps.space.Invlpg != nil {
		ps.space.Invlpg(vaddr)
	}
}
