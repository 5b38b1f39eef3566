package vm

import (
	"keyronex/internal/arch"
	"keyronex/internal/errs"
	"keyronex/internal/ipl"
	"keyronex/internal/mm/pfndb"
	"keyronex/internal/mm/pt"
	"keyronex/internal/mm/vmem"
	"keyronex/internal/util"
)

// Allocate reserves size bytes of anonymous memory (vm_ps_allocate).
func (ps *ProcState) Allocate(cpu *ipl.CPUState, vaddrp *uint64, size uint64, exact bool) errs.Kind {
	return ps.MapObjectView(cpu, nil, vaddrp, size, 0, ProtAll, ProtAll,
		false, false, exact)
}

// MapObjectView reserves address space and enters a view of object (or
// of fresh anonymous memory if object is nil) into the VAD tree
// (vm_ps_map_object_view). No pages materialise until faulted.
func (ps *ProcState) MapObjectView(cpu *ipl.CPUState, object *Object,
	vaddrp *uint64, size, offset uint64, prot, maxProt Protection,
	inheritShared, cow, exact bool) errs.Kind {

	if !pageAligned(size) || !pageAligned(offset) {
		errs.KernelFault("vm: unaligned map request")
	}

	ps.mapLock.Lock()
	defer ps.mapLock.Unlock()

	var flags vmem.Flag
	var min uint64
	if exact {
		flags = vmem.Exact
		min = *vaddrp
	}
	addr, kind := ps.arena.XAlloc(size, 0, 0, 0, min, 0, flags)
	if kind != errs.OK {
		return kind
	}

	entry := &MapEntry{
		Start:         addr,
		End:           addr + size,
		Prot:          prot,
		MaxProt:       maxProt,
		InheritShared: inheritShared,
		COW:           cow,
		Object:        object,
		Offset:        offset / pfndb.PageSize,
		ps:            ps,
	}
	if object != nil {
		object.entriesInsert(entry)
	}
	ps.vadInsert(entry)

	*vaddrp = addr
	return errs.OK
}

// MapPhysicalView maps [phys, phys+size) directly, wiring the PTEs up
// front (vm_ps_map_physical_view). The frames must not be PFN-database
// managed RAM; this is the device-memory path, so no page references are
// taken.
func (ps *ProcState) MapPhysicalView(cpu *ipl.CPUState, vaddrp *uint64,
	size, phys uint64, prot, maxProt Protection, exact bool) errs.Kind {

	if !pageAligned(size) || !pageAligned(phys) {
		errs.KernelFault("vm: unaligned physical map request")
	}

	ps.mapLock.Lock()
	defer ps.mapLock.Unlock()

	var flags vmem.Flag
	var min uint64
	if exact {
		flags = vmem.Exact
		min = *vaddrp
	}
	addr, kind := ps.arena.XAlloc(size, 0, 0, 0, min, 0, flags)
	if kind != errs.OK {
		return kind
	}

	entry := &MapEntry{
		Start:   addr,
		End:     addr + size,
		Prot:    prot,
		MaxProt: maxProt,
		Offset:  phys / pfndb.PageSize,
		ps:      ps,
	}

	ps.wsMutex.Lock()
	old := ps.vm.DB.Acquire(cpu)
	var ws pt.WireState
	for i := uint64(0); i < size; i += pfndb.PageSize {
		if _, kind := ps.space.WirePTE(addr+i, true, &ws); kind != errs.OK {
			ps.vm.DB.Release(cpu, old)
			ps.wsMutex.Unlock()
			ps.arena.XFree(addr, size)
			return kind
		}
		ws.WritePTE(ps.vm.Arch.CreateHW((phys+i)>>pfndb.PageShift,
			prot&ProtWrite != 0, prot&ProtExecute != 0, !ps.kernel))
		ps.space.NoswapPTECreated(ws.LeafTable(), true)
		ps.space.Release(&ws)
	}
	ps.vm.DB.Release(cpu, old)
	ps.wsMutex.Unlock()

	ps.vadInsert(entry)
	*vaddrp = addr
	return errs.OK
}

// Deallocate releases [start, start+size) (vm_ps_deallocate), trimming,
// splitting or removing every VAD it overlaps and tearing down their
// mappings.
func (ps *ProcState) Deallocate(cpu *ipl.CPUState, start, size uint64) errs.Kind {
	end := start + size

	ps.mapLock.Lock()
	defer ps.mapLock.Unlock()

	// Work over a snapshot: entries come and go under us.
	overlapping := make([]*MapEntry, 0, 4)
	for _, entry := range ps.vads {
		if entry.End <= start || entry.Start >= end {
			continue
		}
		overlapping = append(overlapping, entry)
	}

	for _, entry := range overlapping {
		switch {
		case entry.Start >= start && entry.End <= end:
			// Wholly encompassed.
			if got := ps.arena.XFree(entry.Start, entry.End-entry.Start); got != entry.End-entry.Start {
				errs.KernelFault("vm: arena free size mismatch")
			}
			ps.vadRemove(entry)
			if entry.Object != nil {
				entry.Object.entriesRemove(entry)
			}
			ps.unmapRange(cpu, entry.Start, entry.End)

		case entry.Start < start && entry.End <= end:
			// Right side of the entry goes.
			oldEnd := entry.End
			ps.arena.XFree(entry.Start, entry.End-entry.Start)
			entry.withEntriesLock(func() { entry.End = start })
			ps.unmapRange(cpu, start, oldEnd)
			if _, kind := ps.arena.XAlloc(entry.End-entry.Start, 0, 0, 0,
				entry.Start, 0, vmem.Exact); kind != errs.OK {
				errs.KernelFault("vm: lost shrunken mapping's address space")
			}

		case entry.Start >= start && entry.End > end:
			// Left side goes.
			oldStart := entry.Start
			ps.arena.XFree(entry.Start, entry.End-entry.Start)
			entry.withEntriesLock(func() {
				entry.Offset += (end - entry.Start) / pfndb.PageSize
				entry.Start = end
			})
			ps.unmapRange(cpu, oldStart, end)
			if _, kind := ps.arena.XAlloc(entry.End-entry.Start, 0, 0, 0,
				entry.Start, 0, vmem.Exact); kind != errs.OK {
				errs.KernelFault("vm: lost shrunken mapping's address space")
			}

		default:
			// Middle encompassed; the entry splits in two.
			ps.arena.XFree(entry.Start, entry.End-entry.Start)
			tail := &MapEntry{
				Start:         end,
				End:           entry.End,
				Prot:          entry.Prot,
				MaxProt:       entry.MaxProt,
				InheritShared: entry.InheritShared,
				COW:           entry.COW,
				Object:        entry.Object,
				Offset:        entry.Offset + (end-entry.Start)/pfndb.PageSize,
				ps:            ps,
			}
			entry.withEntriesLock(func() { entry.End = start })
			ps.unmapRange(cpu, start, end)
			ps.vadInsert(tail)
			if tail.Object != nil {
				tail.Object.entriesInsert(tail)
			}
			if _, kind := ps.arena.XAlloc(entry.End-entry.Start, 0, 0, 0,
				entry.Start, 0, vmem.Exact); kind != errs.OK {
				errs.KernelFault("vm: lost split mapping's address space")
			}
			if _, kind := ps.arena.XAlloc(tail.End-tail.Start, 0, 0, 0,
				tail.Start, 0, vmem.Exact); kind != errs.OK {
				errs.KernelFault("vm: lost split mapping's address space")
			}
		}
	}

	return errs.OK
}

func (e *MapEntry) withEntriesLock(f func()) {
	if e.Object != nil {
		e.Object.entriesMu.Lock()
		defer e.Object.entriesMu.Unlock()
	}
	f()
}

// unmapRange tears down every PTE in [start, end): working-set removal,
// PTE accounting, and page release appropriate to each PTE state.
// mapLock held for writing.
func (ps *ProcState) unmapRange(cpu *ipl.CPUState, start, end uint64) {
	db := ps.vm.DB

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

	addr := start
	for addr < end {
		if !wired {
			level, kind := ps.space.WirePTE(addr, false, &ws)
			switch kind {
			case errs.OK:
				wired = true
			case errs.NotPresent:
				// Skip the whole span the missing table would map.
				addr = util.Rounddown(addr, pt.LevelSpan(level)) + pt.LevelSpan(level)
				continue
			default:
				errs.KernelFault("vm: unexpected wire failure in unmap")
			}
		}

		leaf := ws.LeafTable()
		ptePaddr := leaf.Paddr() + (addr>>pfndb.PageShift%pt.LevelEntries)*pt.PTESize
		pte := db.ReadPTE(ptePaddr)

		switch ps.vm.Arch.Characterise(pte) {
		case arch.KindZero:
			// Nothing mapped here.

		case arch.KindValid:
			paddr := ps.vm.Arch.HWPFN(pte) << pfndb.PageShift
			if !db.Covers(paddr) {
				// A physical view of device memory: no page, no
				// working-set entry.
				db.WritePTE(ptePaddr, ps.vm.Arch.Zero())
				ps.space.PTEDeleted(leaf, false)
				ps.invlpg(addr)
				break
			}
			page := db.PaddrToPage(paddr)
			ps.wslRemove(addr)
			db.WritePTE(ptePaddr, ps.vm.Arch.Zero())
			ps.space.PTEDeleted(leaf, false)
			ps.invlpg(addr)
			switch page.Use {
			case pfndb.UseAnonPrivate:
				ps.nAnonymous--
				db.DeleteLocked(page)
				db.ReleaseLocked(page)
			case pfndb.UseAnonFork:
				fp := page.Owner.(*ForkPage)
				db.ReleaseLocked(page)
				ps.vm.forkpageRelease(fp)
			case pfndb.UseFileShared:
				db.ReleaseLocked(page)
			default:
				errs.KernelFault("vm: unmapping page of unexpected use")
			}

		case arch.KindFork:
			fp := ps.vm.forkpageByID(ps.vm.Arch.SoftPFN(pte) << 3)
			db.WritePTE(ptePaddr, ps.vm.Arch.Zero())
			ps.space.PTEDeleted(leaf, true)
			ps.vm.forkpageRelease(fp)

		case arch.KindSwap:
			if ps.vm.Pager != nil {
				ps.vm.Pager.FreeSlot(ps.vm.Arch.SoftPFN(pte))
			}
			db.WritePTE(ptePaddr, ps.vm.Arch.Zero())
			ps.space.PTEDeleted(leaf, true)
			ps.nAnonymous--

		case arch.KindTrans, arch.KindBusy:
			page := db.PFNToPage(ps.vm.Arch.SoftPFN(pte))
			if page.PagerState != nil {
				// A read-in is racing us; wait it out and retry
				// this address.
				pst := page.PagerState.(*PagerState).Retain()
				unwire()
				db.Release(cpu, old)
				ps.wsMutex.Unlock()
				pst.Wait()
				pst.Release()
				ps.wsMutex.Lock()
				old = db.Acquire(cpu)
				continue
			}
			db.RetainLocked(page)
			db.WritePTE(ptePaddr, ps.vm.Arch.Zero())
			ps.space.PTEDeleted(leaf, false)
			switch page.Use {
			case pfndb.UseAnonPrivate, pfndb.UseTransition:
				ps.nAnonymous--
				db.DeleteLocked(page)
			case pfndb.UseAnonFork:
				// The forkpage keeps its own claim; this mapping
				// merely lost its shortcut.
			case pfndb.UseFileShared:
				// Still cached in the object's page tree.
			default:
				errs.KernelFault("vm: transition PTE to unexpected page")
			}
			db.ReleaseLocked(page)
		}

		addr += pfndb.PageSize
		if addr%pt.LevelSpan(2) == 0 {
			// Crossed into the next leaf table.
			unwire()
		}
	}
	unwire()

	db.Release(cpu, old)
	ps.wsMutex.Unlock()
}

// Destroy tears down the whole address space: every mapping, then the
// page-table root.
func (ps *ProcState) Destroy(cpu *ipl.CPUState) {
	ps.mapLock.Lock()
	entries := append([]*MapEntry(nil), ps.vads...)
	for _, entry := range entries {
		ps.arena.XFree(entry.Start, entry.End-entry.Start)
		ps.vadRemove(entry)
		if entry.Object != nil {
			entry.Object.entriesRemove(entry)
		}
		ps.unmapRange(cpu, entry.Start, entry.End)
	}
	ps.mapLock.Unlock()
	ps.vm.balance.remove(ps)
	ps.space.Destroy(cpu)
}
