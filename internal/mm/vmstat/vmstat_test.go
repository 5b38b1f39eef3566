package vmstat

import (
	"bytes"
	"strings"
	"testing"

	"keyronex/internal/ipl"
	"keyronex/internal/mm/kmem"
	"keyronex/internal/mm/pfndb"
)

func testSnapshot(t *testing.T) Snapshot {
	t.Helper()
	db := pfndb.New()
	db.AddRegion(0x100000, 512)
	heap := kmem.NewHeap(db, 16<<20)
	cpu := ipl.NewCPUState()

	if _, kind := heap.Alloc(64); !kind.Ok() {
		t.Fatalf("heap alloc: %v", kind)
	}
	return Take(cpu, db, heap)
}

func TestSnapshotTotals(t *testing.T) {
	s := testSnapshot(t)

	if s.Stat.NTotal != 512 {
		t.Fatalf("NTotal = %d, want 512", s.Stat.NTotal)
	}

	var freePages int64
	for order, n := range s.FreeByOrder {
		freePages += n * (1 << order)
	}
	if freePages != s.Stat.NFree {
		t.Fatalf("freelists carry %d pages, NFree %d", freePages, s.Stat.NFree)
	}

	found := false
	for _, c := range s.Caches {
		if c.Name == "kmem_64" && c.NObjects == 1 {
			found = true
		}
	}
	if !found {
		t.Fatalf("kmem_64 cache missing its live object: %+v", s.Caches)
	}
}

func TestProfile(t *testing.T) {
	s := testSnapshot(t)
	p := s.Profile()

	if err := p.CheckValid(); err != nil {
		t.Fatalf("invalid profile: %v", err)
	}
	want := pfndb.NumOrders + len(s.Caches)
	if len(p.Sample) != want {
		t.Fatalf("%d samples, want %d", len(p.Sample), want)
	}

	var buf bytes.Buffer
	if err := p.Write(&buf); err != nil {
		t.Fatalf("profile serialise: %v", err)
	}
	if buf.Len() == 0 {
		t.Fatalf("empty serialised profile")
	}
}

func TestDump(t *testing.T) {
	s := testSnapshot(t)
	var buf bytes.Buffer
	s.Dump(&buf)

	out := buf.String()
	for _, want := range []string{"Active:", "free", "pgtbl", "kmem_64"} {
		if !strings.Contains(out, want) {
			t.Fatalf("dump missing %q:\n%s", want, out)
		}
	}
	// Columns align at fixed width regardless of rune widths.
	if w := displayWidth(pad("宽", 9)); w != 9 {
		t.Fatalf("padded wide rune occupies %d cells", w)
	}
}
