package vm

import (
	"keyronex/internal/arch"
	"keyronex/internal/errs"
	"keyronex/internal/ipl"
	"keyronex/internal/mm/pfndb"
	"keyronex/internal/mm/pt"
	"keyronex/internal/util"
)

// pendingIO is a page read the fault handler must perform after it has
// dropped every lock: a file page from its vnode, or an anonymous page
// from a drum slot. Faults always restart rather than resuming after the
// read, so in-flight state lives on the page itself (vmp_pager_state).
type pendingIO struct {
	vm   *VM
	page *pfndb.Page
	pst  *PagerState

	obj *Object // file read when non-nil
	off uint64  // byte offset into obj

	slot uint64    // swap read when obj is nil
	fp   *ForkPage // non-nil when the page lands under a forkpage
}

func (io *pendingIO) run(cpu *ipl.CPUState) errs.Kind {
	db := io.vm.DB
	buf := db.PageData(io.page) // page is busy; nobody else touches it

	var kind errs.Kind
	if io.obj != nil {
		if io.obj.Kind == ObjFile {
			kind = io.obj.Vnode.ReadPage(buf, io.off)
		}
	} else {
		kind = io.vm.Pager.PageIn(io.slot, buf)
	}

	old := db.Acquire(cpu)
	if kind != errs.OK {
		// Undo: nobody may find the stillborn page.
		if io.obj != nil {
			delete(io.obj.pages, io.page.Offset)
		}
		io.page.Busy = false
		io.page.PagerState = nil
		db.DeleteLocked(io.page)
		db.ReleaseLocked(io.page)
	} else {
		switch {
		case io.obj != nil:
			io.page.Busy = false
		case io.fp != nil:
			db.ChangeUseLocked(io.page, pfndb.UseAnonFork)
			io.fp.PTE = io.vm.Arch.CreateHW(io.page.PFN(), true, false, true)
		default:
			db.ChangeUseLocked(io.page, pfndb.UseAnonPrivate)
		}
		io.page.PagerState = nil
		// The read's reference drops; the clean page rests on standby
		// until the refault retakes it.
		db.ReleaseLocked(io.page)
	}
	db.Release(cpu, old)

	io.pst.Complete()
	io.pst.Release()
	return kind
}

// Fault services a page fault at vaddr (vmp_fault/vm_fault). Retry
// outcomes — waits on in-flight reads, copy-on-write restarts — loop
// internally; genuine failures surface: NotPresent for a miss outside
// any VAD, PermissionDenied for a protection violation, OutOfMemory for
// page shortage (the caller yields and re-enters per the error design).
func (ps *ProcState) Fault(cpu *ipl.CPUState, vaddr uint64, write bool) errs.Kind {
	vaddr = util.Rounddown(vaddr, uint64(pfndb.PageSize))
	for {
		kind := ps.faultOnce(cpu, vaddr, write)
		if kind != errs.Retry {
			return kind
		}
	}
}

func (ps *ProcState) faultOnce(cpu *ipl.CPUState, vaddr uint64, write bool) errs.Kind {
	db := ps.vm.DB

	ps.mapLock.RLock()
	vad := ps.vadFind(vaddr)
	if vad == nil {
		ps.mapLock.RUnlock()
		return errs.NotPresent
	}
	if write && vad.Prot&ProtWrite == 0 {
		ps.mapLock.RUnlock()
		return errs.PermissionDenied
	}

	ps.wsMutex.Lock()
	old := db.Acquire(cpu)

	var ws pt.WireState
	if _, kind := ps.space.WirePTE(vaddr, true, &ws); kind != errs.OK {
		db.Release(cpu, old)
		ps.wsMutex.Unlock()
		ps.mapLock.RUnlock()
		if kind == errs.Retry {
			return errs.Retry
		}
		return errs.OutOfMemory
	}

	// wait and io are actions deferred to after the unlock below.
	var wait *PagerState
	var io *pendingIO
	var kind errs.Kind

	pte := ws.ReadPTE()
	switch ps.vm.Arch.Characterise(pte) {
	case arch.KindZero:
		if vad.Object == nil {
			kind = ps.faultZeroAnon(cpu, vad, vaddr, &ws)
		} else {
			kind = ps.faultObjectPage(cpu, vad, vaddr, write, &ws, &wait, &io)
		}
	case arch.KindValid:
		kind = ps.faultValid(cpu, vad, vaddr, write, pte, &ws)
	case arch.KindTrans, arch.KindBusy:
		kind = ps.faultTrans(cpu, vad, vaddr, write, pte, &ws, &wait)
	case arch.KindSwap:
		kind = ps.faultSwap(cpu, vaddr, pte, &ws, &io)
	case arch.KindFork:
		kind = ps.faultFork(cpu, vad, vaddr, write, pte, &ws, &wait, &io)
	}

	ps.space.Release(&ws)
	db.Release(cpu, old)
	ps.wsMutex.Unlock()
	ps.mapLock.RUnlock()

	if wait != nil {
		wait.Wait()
		wait.Release()
		return errs.Retry
	}
	if io != nil {
		if kind := io.run(cpu); kind != errs.OK {
			return kind
		}
		return errs.Retry
	}
	return kind
}

// faultZeroAnon demand-zeroes a private anonymous page for a mapping
// with no backing object. Locks held.
func (ps *ProcState) faultZeroAnon(cpu *ipl.CPUState, vad *MapEntry, vaddr uint64, ws *pt.WireState) errs.Kind {
	page, kind := ps.vm.DB.AllocOneLocked(pfndb.UseAnonPrivate, false)
	if kind != errs.OK {
		return errs.OutOfMemory
	}
	page.Owner = ps
	page.ReferentPTE = ws.PTEPaddr

	writeable := vad.Prot&ProtWrite != 0
	page.Dirty = writeable
	ws.WritePTE(ps.vm.Arch.CreateHW(page.PFN(), writeable,
		vad.Prot&ProtExecute != 0, !ps.kernel))
	ps.space.NoswapPTECreated(ws.LeafTable(), true)
	ps.nAnonymous++
	ps.wslInsert(cpu, vaddr, false)
	return errs.OK
}

// faultObjectPage materialises an object-backed page behind a zero
// PTE: find it in the object's page tree, start a read if
// absent, wait if busy, else map it — copying first on a write to a
// copy-on-write view.
func (ps *ProcState) faultObjectPage(cpu *ipl.CPUState, vad *MapEntry, vaddr uint64, write bool,
	ws *pt.WireState, wait **PagerState, io **pendingIO) errs.Kind {

	db := ps.vm.DB
	obj := vad.Object
	offset := vad.Offset + (vaddr-vad.Start)/pfndb.PageSize

	page := obj.pages[offset]
	if page == nil {
		page, kind := db.AllocOneLocked(pfndb.UseFileShared, false)
		if kind != errs.OK {
			return errs.OutOfMemory
		}
		page.Offset = offset
		page.Owner = obj

		if obj.Kind == ObjAnon {
			// Shared anonymous pages demand-zero straight in; the
			// allocation already zeroed the frame.
			obj.pages[offset] = page
			db.ReleaseLocked(page)
			return errs.Retry
		}

		pst := newPagerState()
		page.Busy = true
		page.PagerState = pst
		obj.pages[offset] = page
		*io = &pendingIO{vm: ps.vm, page: page, pst: pst.Retain(),
			obj: obj, off: offset * pfndb.PageSize}
		return errs.OK
	}

	if page.Busy {
		*wait = page.PagerState.(*PagerState).Retain()
		return errs.OK
	}

	if write && vad.COW {
		// Never map the shared page writeable; give the process its
		// own copy now.
		private, kind := db.AllocOneLocked(pfndb.UseAnonPrivate, false)
		if kind != errs.OK {
			return errs.OutOfMemory
		}
		copy(db.PageData(private), db.PageData(page))
		private.Owner = ps
		private.ReferentPTE = ws.PTEPaddr
		private.Dirty = true
		ws.WritePTE(ps.vm.Arch.CreateHW(private.PFN(), true,
			vad.Prot&ProtExecute != 0, !ps.kernel))
		ps.space.NoswapPTECreated(ws.LeafTable(), true)
		ps.nAnonymous++
		ps.wslInsert(cpu, vaddr, false)
		return errs.OK
	}

	db.RetainLocked(page)
	writeable := vad.Prot&ProtWrite != 0 && !vad.COW
	if writeable {
		page.Dirty = true
	}
	page.ReferentPTE = ws.PTEPaddr
	ws.WritePTE(ps.vm.Arch.CreateHW(page.PFN(), writeable,
		vad.Prot&ProtExecute != 0, !ps.kernel))
	ps.space.NoswapPTECreated(ws.LeafTable(), true)
	ps.wslInsert(cpu, vaddr, false)
	return errs.OK
}

// faultValid handles a fault against an already-valid PTE: a benign
// race, or a write upgrade that may have to break copy-on-write.
func (ps *ProcState) faultValid(cpu *ipl.CPUState, vad *MapEntry, vaddr uint64, write bool,
	pte arch.PTE, ws *pt.WireState) errs.Kind {

	db := ps.vm.DB
	if !write || ps.vm.Arch.IsWriteable(pte) {
		return errs.OK
	}

	page := db.PFNToPage(ps.vm.Arch.HWPFN(pte))
	switch page.Use {
	case pfndb.UseAnonPrivate:
		// A reverted fork page, or a mapping entered read-only; the
		// page is ours alone.
		page.Dirty = true
		ws.WritePTE(ps.vm.Arch.CreateHW(page.PFN(), true,
			vad.Prot&ProtExecute != 0, !ps.kernel))
		ps.invlpg(vaddr)
		return errs.OK

	case pfndb.UseAnonFork:
		fp := page.Owner.(*ForkPage)
		if fp.Refcount == 1 {
			// Sole claimant: convert in place and retire the
			// prototype.
			db.ChangeUseLocked(page, pfndb.UseAnonPrivate)
			page.Owner = ps
			page.Dirty = true
			ws.WritePTE(ps.vm.Arch.CreateHW(page.PFN(), true,
				vad.Prot&ProtExecute != 0, !ps.kernel))
			ps.invlpg(vaddr)
			fp.Refcount = 0
			delete(ps.vm.forkpages, fp.ID)
			ps.nAnonymous++
			return errs.OK
		}
		// Others still reference the prototype: copy.
		private, kind := db.AllocOneLocked(pfndb.UseAnonPrivate, false)
		if kind != errs.OK {
			return errs.OutOfMemory
		}
		copy(db.PageData(private), db.PageData(page))
		private.Owner = ps
		private.ReferentPTE = ws.PTEPaddr
		private.Dirty = true
		ws.WritePTE(ps.vm.Arch.CreateHW(private.PFN(), true,
			vad.Prot&ProtExecute != 0, !ps.kernel))
		ps.invlpg(vaddr)
		db.ReleaseLocked(page)
		ps.vm.forkpageRelease(fp)
		ps.nAnonymous++
		// The new page inherits the working-set slot.
		return errs.OK

	case pfndb.UseFileShared:
		if !vad.COW {
			errs.KernelFault("vm: write upgrade on non-COW file page")
		}
		private, kind := db.AllocOneLocked(pfndb.UseAnonPrivate, false)
		if kind != errs.OK {
			return errs.OutOfMemory
		}
		copy(db.PageData(private), db.PageData(page))
		private.Owner = ps
		private.ReferentPTE = ws.PTEPaddr
		private.Dirty = true
		ws.WritePTE(ps.vm.Arch.CreateHW(private.PFN(), true,
			vad.Prot&ProtExecute != 0, !ps.kernel))
		ps.invlpg(vaddr)
		db.ReleaseLocked(page)
		ps.nAnonymous++
		return errs.OK
	}

	errs.KernelFault("vm: write fault on page of unexpected use")
	return errs.Fatal
}

// faultTrans handles transition and busy PTEs: wait out an in-flight
// read, or reinstate an idle transition mapping from its queue.
func (ps *ProcState) faultTrans(cpu *ipl.CPUState, vad *MapEntry, vaddr uint64, write bool,
	pte arch.PTE, ws *pt.WireState, wait **PagerState) errs.Kind {

	db := ps.vm.DB
	page := db.PFNToPage(ps.vm.Arch.SoftPFN(pte))

	if page.PagerState != nil {
		*wait = page.PagerState.(*PagerState).Retain()
		return errs.OK
	}

	db.RetainLocked(page)

	var writeable bool
	switch page.Use {
	case pfndb.UseAnonPrivate:
		writeable = vad.Prot&ProtWrite != 0
	case pfndb.UseAnonFork, pfndb.UseFileShared:
		writeable = false
	default:
		errs.KernelFault("vm: idle transition PTE to unexpected page")
	}

	if writeable {
		page.Dirty = true
		// The drum copy goes stale the moment the page is writeable.
		if page.Drumslot != 0 && ps.vm.Pager != nil {
			ps.vm.Pager.FreeSlot(page.Drumslot)
			page.Drumslot = 0
		}
	}
	page.ReferentPTE = ws.PTEPaddr
	ws.WritePTE(ps.vm.Arch.CreateHW(page.PFN(), writeable,
		vad.Prot&ProtExecute != 0, !ps.kernel))
	ps.invlpg(vaddr)
	ps.wslInsert(cpu, vaddr, false)

	if write && !writeable {
		// Reinstated read-only under a write fault; refault breaks
		// the copy-on-write via the valid path.
		return errs.Retry
	}
	return errs.OK
}

// faultSwap starts an anonymous page-in: a transition page takes the
// swap PTE's place while the drum read runs unlocked.
func (ps *ProcState) faultSwap(cpu *ipl.CPUState, vaddr uint64, pte arch.PTE,
	ws *pt.WireState, io **pendingIO) errs.Kind {

	db := ps.vm.DB
	if ps.vm.Pager == nil {
		errs.KernelFault("vm: swap PTE with no pager")
	}
	slot := ps.vm.Arch.SoftPFN(pte)

	page, kind := db.AllocOneLocked(pfndb.UseTransition, false)
	if kind != errs.OK {
		return errs.OutOfMemory
	}
	pst := newPagerState()
	page.PagerState = pst
	page.Drumslot = slot
	page.Owner = ps
	page.ReferentPTE = ws.PTEPaddr

	ws.WritePTE(ps.vm.Arch.CreateTrans(page.PFN()))
	// swap -> trans: the PTE joins the noswap class.
	ps.space.NoswapPTECreated(ws.LeafTable(), false)

	*io = &pendingIO{vm: ps.vm, page: page, pst: pst.Retain(), slot: slot}
	return errs.OK
}

// faultFork resolves a fork PTE against its prototype (fault_fpage):
// share read-only, break copy-on-write, or page the prototype itself
// back in.
func (ps *ProcState) faultFork(cpu *ipl.CPUState, vad *MapEntry, vaddr uint64, write bool,
	pte arch.PTE, ws *pt.WireState, wait **PagerState, io **pendingIO) errs.Kind {

	db := ps.vm.DB
	fp := ps.vm.forkpageByID(ps.vm.Arch.SoftPFN(pte) << 3)

	switch ps.vm.Arch.Characterise(fp.PTE) {
	case arch.KindValid:
		page := db.PFNToPage(ps.vm.Arch.HWPFN(fp.PTE))

		if !write {
			// Read: share the prototype's page read-only. The fork
			// PTE became a valid one; the forkpage's count is
			// unchanged, as this process still holds one reference.
			// ReferentPTE is left as it was: forkpageRelease reads
			// it to find the surviving mapping when one claim is left.
			db.RetainLocked(page)
			ws.WritePTE(ps.vm.Arch.CreateHW(page.PFN(), false,
				vad.Prot&ProtExecute != 0, !ps.kernel))
			ps.space.NoswapPTECreated(ws.LeafTable(), false)
			ps.wslInsert(cpu, vaddr, false)
			return errs.OK
		}

		if fp.Refcount == 1 {
			db.ChangeUseLocked(page, pfndb.UseAnonPrivate)
			page.Owner = ps
			page.Dirty = true
			db.RetainLocked(page)
			page.ReferentPTE = ws.PTEPaddr
			ws.WritePTE(ps.vm.Arch.CreateHW(page.PFN(), true,
				vad.Prot&ProtExecute != 0, !ps.kernel))
			ps.space.NoswapPTECreated(ws.LeafTable(), false)
			ps.wslInsert(cpu, vaddr, false)
			fp.Refcount = 0
			delete(ps.vm.forkpages, fp.ID)
			ps.nAnonymous++
			return errs.OK
		}

		private, kind := db.AllocOneLocked(pfndb.UseAnonPrivate, false)
		if kind != errs.OK {
			return errs.OutOfMemory
		}
		copy(db.PageData(private), db.PageData(page))
		private.Owner = ps
		private.ReferentPTE = ws.PTEPaddr
		private.Dirty = true
		ws.WritePTE(ps.vm.Arch.CreateHW(private.PFN(), true,
			vad.Prot&ProtExecute != 0, !ps.kernel))
		ps.space.NoswapPTECreated(ws.LeafTable(), false)
		ps.wslInsert(cpu, vaddr, false)
		ps.vm.forkpageRelease(fp)
		ps.nAnonymous++
		return errs.OK

	case arch.KindTrans:
		page := db.PFNToPage(ps.vm.Arch.SoftPFN(fp.PTE))
		if page.PagerState != nil {
			*wait = page.PagerState.(*PagerState).Retain()
			return errs.OK
		}
		// Idle transition prototype: make it valid again and refault.
		fp.PTE = ps.vm.Arch.CreateHW(page.PFN(), true, false, true)
		return errs.Retry

	case arch.KindSwap:
		if ps.vm.Pager == nil {
			errs.KernelFault("vm: fork swap PTE with no pager")
		}
		slot := ps.vm.Arch.SoftPFN(fp.PTE)

		page, kind := db.AllocOneLocked(pfndb.UseTransition, false)
		if kind != errs.OK {
			return errs.OutOfMemory
		}
		pst := newPagerState()
		page.PagerState = pst
		page.Drumslot = slot
		page.Owner = fp

		// Transition PTEs go into both the prototype and our own
		// table.
		fp.PTE = ps.vm.Arch.CreateTrans(page.PFN())
		ws.WritePTE(ps.vm.Arch.CreateTrans(page.PFN()))
		ps.space.NoswapPTECreated(ws.LeafTable(), false)

		*io = &pendingIO{vm: ps.vm, page: page, pst: pst.Retain(),
			slot: slot, fp: fp}
		return errs.OK
	}

	errs.KernelFault("vm: forkpage prototype in unexpected state")
	return errs.Fatal
}
