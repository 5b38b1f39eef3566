package vm

import (
	"keyronex/internal/arch"
	"keyronex/internal/errs"
	"keyronex/internal/ipl"
	"keyronex/internal/mm/pfndb"
	"keyronex/internal/mm/pt"
	"keyronex/internal/util"
)

// ForkPage is a shared copy-on-write prototype (vmp_forkpage): a
// prototype PTE plus the count of process PTEs referencing it. PTEs
// carry its ID in compressed form. All fields are guarded by the PFN
// lock.
type ForkPage struct {
	ID       uint64
	PTE      arch.PTE
	Refcount uint32
}

// newForkPage registers a forkpage; PFN lock held. IDs advance by eight
// so the low bits survive the PTE's pointer compression.
func (vm *VM) newForkPage() *ForkPage {
	vm.nextForkID += 8
	fp := &ForkPage{ID: vm.nextForkID}
	vm.forkpages[fp.ID] = fp
	return fp
}

// forkpageByID resolves a compressed forkpage reference; PFN lock held.
func (vm *VM) forkpageByID(id uint64) *ForkPage {
	fp := vm.forkpages[id]
	if fp == nil {
		errs.KernelFault("vm: dangling forkpage reference")
	}
	return fp
}

// forkpageRelease drops one PTE's claim on fp; PFN lock held. The last
// claim tears the prototype down; a drop to exactly one claim reverts a
// still-resident page to plain private-anonymous use, so a lone
// surviving process stops paying copy-on-write costs once its peers
// exit.
func (vm *VM) forkpageRelease(fp *ForkPage) {
	if fp.Refcount == 0 {
		errs.KernelFault("vm: forkpage refcount underflow")
	}
	fp.Refcount--

	switch fp.Refcount {
	case 0:
		switch vm.Arch.Characterise(fp.PTE) {
		case arch.KindValid:
			page := vm.DB.PFNToPage(vm.Arch.HWPFN(fp.PTE))
			if page.Use != pfndb.UseDeleted {
				vm.DB.DeleteLocked(page)
			}
		case arch.KindSwap:
			if vm.Pager != nil {
				vm.Pager.FreeSlot(vm.Arch.SoftPFN(fp.PTE))
			}
		case arch.KindTrans:
			page := vm.DB.PFNToPage(vm.Arch.SoftPFN(fp.PTE))
			vm.DB.RetainLocked(page)
			vm.DB.DeleteLocked(page)
			vm.DB.ReleaseLocked(page)
		}
		delete(vm.forkpages, fp.ID)

	case 1:
		if vm.Arch.Characterise(fp.PTE) != arch.KindValid {
			return
		}
		page := vm.DB.PFNToPage(vm.Arch.HWPFN(fp.PTE))
		if page.Use != pfndb.UseAnonFork || page.ReferentPTE == 0 {
			return
		}
		// Revert only if the survivor is a resident valid mapping of
		// this very page; a surviving fork PTE must keep the prototype.
		ref := vm.DB.ReadPTE(page.ReferentPTE)
		if vm.Arch.IsValid(ref) && vm.Arch.HWPFN(ref) == page.PFN() {
			vm.DB.ChangeUseLocked(page, pfndb.UseAnonPrivate)
			page.Owner = nil
		}
	}
}

// isPrivate classifies a parent PTE for fork (is_private): the
// page behind it belongs to the parent alone and must convert to a
// forkpage.
func (ps *ProcState) isPrivate(pte arch.PTE) bool {
	switch ps.vm.Arch.Characterise(pte) {
	case arch.KindZero, arch.KindFork:
		return false
	case arch.KindTrans, arch.KindSwap:
		// Trans and swap only ever happen to private pages.
		return true
	case arch.KindBusy:
		errs.KernelFault("vm: fork over busy PTE")
	case arch.KindValid:
		page := ps.vm.DB.PFNToPage(ps.vm.Arch.HWPFN(pte))
		return page.Use == pfndb.UseAnonPrivate
	}
	return false
}

// isFork classifies a parent PTE as already fork-shared (is_fork).
func (ps *ProcState) isFork(pte arch.PTE) bool {
	switch ps.vm.Arch.Characterise(pte) {
	case arch.KindFork:
		return true
	case arch.KindValid:
		page := ps.vm.DB.PFNToPage(ps.vm.Arch.HWPFN(pte))
		return page.Use == pfndb.UseAnonFork
	}
	return false
}

// convertPage moves a resident private page under a forkpage (convert_page): the prototype PTE becomes the writeable mapping of
// record and the page's owner becomes the forkpage.
func (vm *VM) convertPage(pfn uint64, fp *ForkPage) {
	page := vm.DB.PFNToPage(pfn)
	if page.Use != pfndb.UseAnonPrivate && page.Use != pfndb.UseTransition {
		errs.KernelFault("vm: converting non-private page to fork")
	}
	vm.DB.ChangeUseLocked(page, pfndb.UseAnonFork)
	page.Owner = fp
	fp.PTE = vm.Arch.CreateHW(pfn, true, false, true)
}

// convertPrivateToFork rewrites one private parent PTE as fork-shared
// (convert_private_to_fork), returning the forkpage both
// parent and child now reference.
func (ps *ProcState) convertPrivateToFork(ptePaddr uint64, leaf *pfndb.Page) *ForkPage {
	vm := ps.vm
	fp := vm.newForkPage()
	pte := vm.DB.ReadPTE(ptePaddr)

	switch vm.Arch.Characterise(pte) {
	case arch.KindValid:
		pfn := vm.Arch.HWPFN(pte)
		vm.convertPage(pfn, fp)
		// Parent keeps a valid mapping, now read-only.
		vm.DB.WritePTE(ptePaddr, vm.Arch.CreateHW(pfn, false, false, true))

	case arch.KindTrans:
		pfn := vm.Arch.SoftPFN(pte)
		vm.convertPage(pfn, fp)
		vm.DB.WritePTE(ptePaddr, vm.Arch.CreateFork(fp.ID))
		ps.space.PTEBecameSwap(leaf)

	case arch.KindSwap:
		fp.PTE = pte
		vm.DB.WritePTE(ptePaddr, vm.Arch.CreateFork(fp.ID))

	default:
		errs.KernelFault("vm: converting PTE of unexpected kind")
	}

	fp.Refcount = 2
	return fp
}

// cowPages walks [start, end) of the parent, converting every private
// page to fork-shared and entering matching fork PTEs in the child
// (cow_pages).
func (ps *ProcState) cowPages(cpu *ipl.CPUState, child *ProcState, start, end uint64) {
	vm := ps.vm
	db := vm.DB

	ps.wsMutex.Lock()
	old := db.Acquire(cpu)

	var ws pt.WireState
	wired := false
	unwire := func() {
		if wired {
			ps.space.Release(&ws)
			wired = false
		}
	}

	for addr := start; addr < end; {
		if !wired {
			level, kind := ps.space.WirePTE(addr, false, &ws)
			switch kind {
			case errs.OK:
				wired = true
			case errs.NotPresent:
				addr = util.Rounddown(addr, pt.LevelSpan(level)) + pt.LevelSpan(level)
				continue
			default:
				errs.KernelFault("vm: unexpected wire failure in fork")
			}
		}

		leaf := ws.LeafTable()
		ptePaddr := leaf.Paddr() + ((addr >> pfndb.PageShift) % pt.LevelEntries) * pt.PTESize
		pte := db.ReadPTE(ptePaddr)

		var fp *ForkPage
		switch {
		case ps.isPrivate(pte):
			fp = ps.convertPrivateToFork(ptePaddr, leaf)
		case ps.isFork(pte):
			if vm.Arch.Characterise(pte) == arch.KindValid {
				page := db.PFNToPage(vm.Arch.HWPFN(pte))
				fp = page.Owner.(*ForkPage)
			} else {
				fp = vm.forkpageByID(vm.Arch.SoftPFN(pte) << 3)
			}
			fp.Refcount++
		}

		if fp != nil {
			// Drop the parent's locks while entering the child PTE;
			// the forkpage keeps the state alive meanwhile.
			unwire()
			db.Release(cpu, old)
			ps.wsMutex.Unlock()

			child.wsMutex.Lock()
			childOld := db.Acquire(cpu)
			var childWS pt.WireState
			if _, kind := child.space.WirePTE(addr, true, &childWS); kind != errs.OK {
				errs.KernelFault("vm: child wire failed in fork")
			}
			childWS.WritePTE(vm.Arch.CreateFork(fp.ID))
			child.space.SwapPTECreated(childWS.LeafTable())
			child.space.Release(&childWS)
			db.Release(cpu, childOld)
			child.wsMutex.Unlock()

			ps.wsMutex.Lock()
			old = db.Acquire(cpu)
		}

		addr += pfndb.PageSize
		if addr%pt.LevelSpan(2) == 0 {
			unwire()
		}
	}
	unwire()

	db.Release(cpu, old)
	ps.wsMutex.Unlock()
}

// Fork replicates the parent's address space into child (vm_fork):
// shared and object-backed views map again; private and copy-on-write
// ranges convert to fork-shared prototypes on both sides.
func (vm *VM) Fork(cpu *ipl.CPUState, parent, child *ProcState) errs.Kind {
	parent.mapLock.Lock()

	entries := append([]*MapEntry(nil), parent.vads...)
	for _, entry := range entries {
		vaddr := entry.Start
		kind := child.MapObjectView(cpu, entry.Object, &vaddr,
			entry.End-entry.Start, entry.Offset*pfndb.PageSize,
			entry.Prot, entry.MaxProt, entry.InheritShared, entry.COW, true)
		if kind != errs.OK {
			parent.mapLock.Unlock()
			return kind
		}

		if entry.COW || (!entry.InheritShared && entry.Object == nil) {
			parent.cowPages(cpu, child, entry.Start, entry.End)
		}
	}

	parent.wsMutex.Lock()
	parent.nAnonymous = 0
	parent.wsMutex.Unlock()

	old := vm.DB.Acquire(cpu)
	if vm.GlobalShootdown != nil {
		vm.GlobalShootdown()
	}
	vm.DB.Release(cpu, old)

	parent.mapLock.Unlock()
	return errs.OK
}
