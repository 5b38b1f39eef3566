package vm

import (
	"bytes"
	"sync"
	"testing"

	"keyronex/internal/errs"
	"keyronex/internal/ipl"
)

// fakeVnode is a byte-slice file.
type fakeVnode struct {
	mu   sync.Mutex
	data []byte
}

func (v *fakeVnode) ReadPage(buf []byte, off uint64) errs.Kind {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i := range buf {
		buf[i] = 0
	}
	if off < uint64(len(v.data)) {
		copy(buf, v.data[off:])
	}
	return errs.OK
}

func (v *fakeVnode) Size() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return uint64(len(v.data))
}

func TestFileMappingRead(t *testing.T) {
	vm, cpu := newTestVM(t)
	ps := newUserPS(t, vm, cpu)

	vn := &fakeVnode{data: make([]byte, 2*PageSize+PageSize/2)}
	for i := range vn.data {
		vn.data[i] = byte(i % 251)
	}
	obj := NewFileObject(vn)

	var base uint64
	if kind := ps.MapObjectView(cpu, obj, &base, 3*PageSize, 0,
		ProtRead, ProtRead, true, false, false); kind != errs.OK {
		t.Fatalf("map file: %v", kind)
	}

	if got := readByte(t, cpu, ps, base+PageSize+3); got != vn.data[PageSize+3] {
		t.Fatalf("file read %#x, want %#x", got, vn.data[PageSize+3])
	}

	// Fault exactly at the final byte of the file-backed mapping: the
	// half-filled last page zero-fills past end of file.
	last := base + 3*PageSize - 1
	if got := readByte(t, cpu, ps, last); got != 0 {
		t.Fatalf("byte past EOF = %#x, want 0", got)
	}
	lastData := base + 2*PageSize + PageSize/2 - 1
	if got := readByte(t, cpu, ps, lastData); got != vn.data[len(vn.data)-1] {
		t.Fatalf("final file byte = %#x, want %#x", got, vn.data[len(vn.data)-1])
	}

	// Both processes mapping the file share one frame per page.
	ps2 := newUserPS(t, vm, cpu)
	var base2 uint64
	if kind := ps2.MapObjectView(cpu, obj, &base2, 3*PageSize, 0,
		ProtRead, ProtRead, true, false, false); kind != errs.OK {
		t.Fatalf("second map: %v", kind)
	}
	readByte(t, cpu, ps2, base2)
	readByte(t, cpu, ps, base)

	old := vm.DB.Acquire(cpu)
	pa1, _ := ps.space.Translate(base)
	pa2, _ := ps2.space.Translate(base2)
	vm.DB.Release(cpu, old)
	if pa1 != pa2 {
		t.Fatalf("two mappings of one file page use distinct frames")
	}
}

func TestFileMappingCOW(t *testing.T) {
	vm, cpu := newTestVM(t)
	ps := newUserPS(t, vm, cpu)

	vn := &fakeVnode{data: bytes.Repeat([]byte{0xEE}, PageSize)}
	obj := NewFileObject(vn)

	var base uint64
	if kind := ps.MapObjectView(cpu, obj, &base, PageSize, 0,
		ProtRead|ProtWrite, ProtAll, false, true, false); kind != errs.OK {
		t.Fatalf("map cow: %v", kind)
	}

	if got := readByte(t, cpu, ps, base); got != 0xEE {
		t.Fatalf("cow read %#x, want 0xEE", got)
	}
	writeByte(t, cpu, ps, base, 0x01)
	if got := readByte(t, cpu, ps, base); got != 0x01 {
		t.Fatalf("cow read-after-write %#x", got)
	}

	// The object's cached page is untouched.
	old := vm.DB.Acquire(cpu)
	filePage := obj.pages[0]
	if filePage == nil {
		t.Fatalf("file page gone from object tree")
	}
	if got := vm.DB.PageData(filePage)[0]; got != 0xEE {
		t.Fatalf("shared file page mutated to %#x by cow write", got)
	}
	vm.DB.Release(cpu, old)
}

func TestUBCReadWrite(t *testing.T) {
	vm, cpu := newTestVM(t)
	kernelPS, kind := vm.NewKernelProcState(cpu, 0xffff_c000_0000_0000, 1<<30)
	if kind != errs.OK {
		t.Fatalf("kernel ps: %v", kind)
	}
	ubc := NewUBC(vm, kernelPS, 2)

	vn := &fakeVnode{data: make([]byte, 2<<20)}
	obj := NewFileObject(vn)

	payload := []byte("the quick brown fox")
	if n, kind := ubc.IO(cpu, obj, payload, 12345, true); kind != errs.OK || n != len(payload) {
		t.Fatalf("ubc write: %d/%v", n, kind)
	}

	got := make([]byte, len(payload))
	if n, kind := ubc.IO(cpu, obj, got, 12345, false); kind != errs.OK || n != len(got) {
		t.Fatalf("ubc read: %d/%v", n, kind)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("read back %q, want %q", got, payload)
	}
}

// TestUBCWindowReplacement: interleaved appends from
// two writers across more window-spans than the cache holds windows, so
// replacement must evict valid PTEs without losing content.
func TestUBCWindowReplacement(t *testing.T) {
	vm, cpu := newTestVM(t)
	kernelPS, kind := vm.NewKernelProcState(cpu, 0xffff_c000_0000_0000, 1<<30)
	if kind != errs.OK {
		t.Fatalf("kernel ps: %v", kind)
	}
	ubc := NewUBC(vm, kernelPS, 2)

	vn := &fakeVnode{data: make([]byte, 4*WindowBytes)}
	obj := NewFileObject(vn)

	// Two writers append 4 KiB chunks at alternating offsets spanning
	// four window-sized regions.
	const chunk = PageSize
	nchunks := 4 * WindowBytes / chunk

	var wg sync.WaitGroup
	for writer := 0; writer < 2; writer++ {
		wg.Add(1)
		go func(writer int) {
			defer wg.Done()
			wcpu := newTestCPU()
			buf := make([]byte, chunk)
			for i := writer; i < nchunks; i += 2 {
				for j := range buf {
					buf[j] = byte(i + 1)
				}
				if _, kind := ubc.IO(wcpu, obj, buf, uint64(i*chunk), true); kind != errs.OK {
					t.Errorf("writer %d chunk %d: %v", writer, i, kind)
					return
				}
			}
		}(writer)
	}
	wg.Wait()

	// Every byte reads back as its writer's chunk tag.
	rcpu := newTestCPU()
	buf := make([]byte, chunk)
	for i := 0; i < nchunks; i++ {
		if _, kind := ubc.IO(rcpu, obj, buf, uint64(i*chunk), false); kind != errs.OK {
			t.Fatalf("readback chunk %d: %v", i, kind)
		}
		for j, b := range buf {
			if b != byte(i+1) {
				t.Fatalf("chunk %d byte %d = %#x, want %#x", i, j, b, byte(i+1))
			}
		}
	}

	// Replacement really happened: only two windows exist for four
	// spans' worth of traffic.
	if len(ubc.windows) != 2 {
		t.Fatalf("window population changed")
	}
}

func newTestCPU() *ipl.CPUState { return ipl.NewCPUState() }
