// Package m68k implements arch.Backend following the 68030 MMU's
// documented page descriptor format: valid bit, write-protect bit, used
// bit, PFN in the high bits.
//
// golang.org/x/arch has no m68k disassembler, so TraceFault falls back to
// a hex dump.
package m68k

import (
	"fmt"

	"keyronex/internal/arch"
)

const (
	validBit = 1 << 0
	writeProtectBit = 1 << 2
	usedBit  = 1 << 3

	pfnShift = 12
	pfnMask  = 0xffff_f000
)

type Backend struct{}

func New() arch.Backend { return Backend{} }

func (Backend) Name() string { return "m68k" }

func (Backend) CreateHW(pfn uint64, writeable, executable, user bool) arch.PTE {
	v := uint64(validBit) | usedBit | (pfn << pfnShift)
	if !writeable {
		v |= writeProtectBit
	}
	_ = executable // 68030 descriptors carry no execute-permission bit
	_ = user
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

func (Backend) IsWriteable(p arch.PTE) bool { return uint64(p)&writeProtectBit == 0 }

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
	return fmt.Sprintf("%#x: % x", pc, code)
}
