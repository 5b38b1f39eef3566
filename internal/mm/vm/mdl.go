package vm

import (
	"keyronex/internal/errs"
	"keyronex/internal/ipl"
	"keyronex/internal/mm/pfndb"
	"keyronex/internal/util"
)

// MDL is a memory descriptor list (vm_mdl_t): the pinned physical pages
// behind a virtual range, plus the byte offset of the first valid byte
// and the transfer direction, ready for a driver to scatter-gather over.
type MDL struct {
	Pages  []*pfndb.Page
	Offset int
	Write  bool

	vm *VM
}

// CreateMDL translates and pins [vaddr, vaddr+size) of ps
// (vm_mdl_create). Unfaulted pages are materialised first, so every
// entry is resident and referenced when this returns.
func (ps *ProcState) CreateMDL(cpu *ipl.CPUState, vaddr, size uint64, write bool) (*MDL, errs.Kind) {
	start := util.Rounddown(vaddr, uint64(pfndb.PageSize))
	end := roundupPage(vaddr + size)

	mdl := &MDL{
		Offset: int(vaddr % pfndb.PageSize),
		Write:  write,
		vm:     ps.vm,
	}

	for addr := start; addr < end; addr += pfndb.PageSize {
		paddr, kind := ps.translateRetained(cpu, addr, write)
		if kind != errs.OK {
			mdl.Release(cpu)
			return nil, kind
		}
		mdl.Pages = append(mdl.Pages, ps.vm.DB.PaddrToPage(paddr))
	}
	return mdl, errs.OK
}

// translateRetained resolves addr to a physical address with the page
// retained, faulting it in as needed (mdl_translate).
func (ps *ProcState) translateRetained(cpu *ipl.CPUState, addr uint64, write bool) (uint64, errs.Kind) {
	for {
		ps.wsMutex.Lock()
		old := ps.vm.DB.Acquire(cpu)
		paddr, kind := ps.space.Translate(addr)
		if kind == errs.OK {
			pte := ps.vm.DB.ReadPTE(mustFetch(ps, addr))
			if !write || ps.vm.Arch.IsWriteable(pte) {
				ps.vm.DB.RetainLocked(ps.vm.DB.PaddrToPage(paddr))
				ps.vm.DB.Release(cpu, old)
				ps.wsMutex.Unlock()
				return paddr, errs.OK
			}
		}
		ps.vm.DB.Release(cpu, old)
		ps.wsMutex.Unlock()

		if kind := ps.Fault(cpu, addr, write); kind != errs.OK {
			return 0, kind
		}
	}
}

func mustFetch(ps *ProcState, addr uint64) uint64 {
	ptePaddr, kind := ps.space.FetchPTE(addr)
	if kind != errs.OK {
		errs.KernelFault("vm: fetch of just-translated PTE failed")
	}
	return ptePaddr
}

// BufferMDL allocates npages of fresh wired pages into an MDL
// (vm_mdl_buffer_alloc).
func (vm *VM) BufferMDL(cpu *ipl.CPUState, npages int) (*MDL, errs.Kind) {
	mdl := &MDL{vm: vm}
	old := vm.DB.Acquire(cpu)
	for i := 0; i < npages; i++ {
		page, kind := vm.DB.AllocOneLocked(pfndb.UseKWired, false)
		if kind != errs.OK {
			vm.DB.Release(cpu, old)
			mdl.Release(cpu)
			return nil, kind
		}
		mdl.Pages = append(mdl.Pages, page)
	}
	vm.DB.Release(cpu, old)
	return mdl, errs.OK
}

// Paddr resolves a byte offset within the MDL to a physical address
// (vm_mdl_paddr).
func (mdl *MDL) Paddr(offset int) (uint64, errs.Kind) {
	total := mdl.Offset + offset
	idx := total / pfndb.PageSize
	if idx >= len(mdl.Pages) {
		return 0, errs.InvalidArgument
	}
	return mdl.Pages[idx].Paddr() + uint64(total%pfndb.PageSize), errs.OK
}

// Release unpins every page. Wired buffer pages are freed outright.
func (mdl *MDL) Release(cpu *ipl.CPUState) {
	old := mdl.vm.DB.Acquire(cpu)
	for _, page := range mdl.Pages {
		if page.Use == pfndb.UseKWired {
			mdl.vm.DB.DeleteLocked(page)
		}
		mdl.vm.DB.ReleaseLocked(page)
	}
	mdl.vm.DB.Release(cpu, old)
	mdl.Pages = nil
}
