// Package amd64 implements arch.Backend for the x86-64 page table
// format.
package amd64

import (
	"fmt"

	"keyronex/internal/arch"

	"golang.org/x/arch/x86/x86asm"
)

const (
	present   = 1 << 0
	writeBit  = 1 << 1
	userBit   = 1 << 2
	noExecute = 1 << 63

	pfnShift = 12
	pfnMask  = 0x000f_ffff_ffff_f000
)

type Backend struct{}

func New() arch.Backend { return Backend{} }

func (Backend) Name() string { return "amd64" }

// CreateHW mirrors vmp_md_pte_create_hw: a present hardware PTE mapping
// pfn, with the writeable/executable/user bits set as requested.
func (Backend) CreateHW(pfn uint64, writeable, executable, user bool) arch.PTE {
	v := uint64(present) | (pfn << pfnShift)
	if writeable {
		v |= writeBit
	}
	if user {
		v |= userBit
	}
	if !executable {
		v |= noExecute
	}
	return arch.PTE(v)
}

func (b Backend) CreateTrans(pfn uint64) arch.PTE { return softPTE(arch.KindTrans, pfn) }
func (b Backend) CreateBusy(pfn uint64) arch.PTE  { return softPTE(arch.KindBusy, pfn) }
func (b Backend) CreateSwap(desc uint64) arch.PTE { return softPTE(arch.KindSwap, desc) }
func (b Backend) CreateFork(fp uint64) arch.PTE   { return softPTE(arch.KindFork, fp>>3) }
func (Backend) Zero() arch.PTE                    { return 0 }

// softPTE packs a software kind (Busy/Trans/Fork/Swap) into the top 2
// bits, mirroring pte_sw_t's `valid:1, data:61, kind:2` layout (kind sits
// above the data field, not adjacent to the valid bit), with the payload
// shifted left past the valid bit. The field holds kind-relative-to-
// KindBusy since those are the only four values a software PTE carries.
func softPTE(kind arch.PTEKind, data uint64) arch.PTE {
	return arch.PTE(uint64(kind-arch.KindBusy)<<62 | data<<1)
}

func unpackSoftKind(p arch.PTE) arch.PTEKind {
	return arch.KindBusy + arch.PTEKind((uint64(p)>>62)&0x3)
}

func (Backend) IsEmpty(p arch.PTE) bool { return p == 0 }

func (Backend) IsValid(p arch.PTE) bool { return uint64(p)&present != 0 }

func (Backend) IsWriteable(p arch.PTE) bool { return uint64(p)&writeBit != 0 }

func (b Backend) Characterise(p arch.PTE) arch.PTEKind {
	if b.IsEmpty(p) {
		return arch.KindZero
	}
	if b.IsValid(p) {
		return arch.KindValid
	}
	return unpackSoftKind(p)
}

func (Backend) SoftPFN(p arch.PTE) uint64 { return (uint64(p) >> 1) & (1<<61 - 1) }

func (Backend) HWPFN(p arch.PTE) uint64 { return (uint64(p) & pfnMask) >> pfnShift }

// TraceFault decodes the instruction at pc using x86asm, for rendering in
// a page-fault diagnostic the way a kernel debugger would annotate a
// backtrace frame.
func (Backend) TraceFault(pc uint64, code []byte) string {
	inst, err := x86asm.Decode(code, 64)
	if err != nil {
		return fmt.Sprintf("%#x: <undecodable: %v>", pc, err)
	}
	return fmt.Sprintf("%#x: %s", pc, x86asm.GNUSyntax(inst, pc, nil))
}
