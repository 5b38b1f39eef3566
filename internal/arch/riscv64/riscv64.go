// Package riscv64 implements arch.Backend for the Sv39 page table
// format, with swap/busy/trans/fork carried as four distinct software
// PTE kinds.
package riscv64

import (
	"fmt"

	"keyronex/internal/arch"

	"golang.org/x/arch/riscv64/riscv64asm"
)

const (
	validBit    = 1 << 0
	readBit     = 1 << 1
	writeBit    = 1 << 2
	execBit     = 1 << 3
	userBit     = 1 << 4
	accessedBit = 1 << 6
	dirtyBit    = 1 << 7

	pfnShift = 10
	pfnMask  = 0x003f_ffff_ffff_fc00
)

type Backend struct{}

func New() arch.Backend { return Backend{} }

func (Backend) Name() string { return "riscv64" }

func (Backend) CreateHW(pfn uint64, writeable, executable, user bool) arch.PTE {
	v := uint64(validBit) | readBit | accessedBit | (pfn << pfnShift)
	if writeable {
		v |= writeBit | dirtyBit
	}
	if executable {
		v |= execBit
	}
	if user {
		v |= userBit
	}
	return arch.PTE(v)
}

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

func (b Backend) CreateTrans(pfn uint64) arch.PTE { return softPTE(arch.KindTrans, pfn) }
func (b Backend) CreateBusy(pfn uint64) arch.PTE  { return softPTE(arch.KindBusy, pfn) }
func (b Backend) CreateSwap(desc uint64) arch.PTE { return softPTE(arch.KindSwap, desc) }
func (b Backend) CreateFork(fp uint64) arch.PTE   { return softPTE(arch.KindFork, fp>>3) }
func (Backend) Zero() arch.PTE                    { return 0 }

func (Backend) IsEmpty(p arch.PTE) bool { return p == 0 }

func (Backend) IsValid(p arch.PTE) bool { return uint64(p)&validBit != 0 }

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

func (Backend) TraceFault(pc uint64, code []byte) string {
	inst, err := riscv64asm.Decode(code)
	if err != nil {
		return fmt.Sprintf("%#x: <undecodable: %v>", pc, err)
	}
	return fmt.Sprintf("%#x: %s", pc, riscv64asm.GNUSyntax(inst))
}
