// Package vmstat publishes the VM's global counters: a snapshot of the
// PFN database's state and use counts, per-order buddy freelist
// populations, and the slab caches' occupancy.
//
// Two consumers exist beyond tests: the fixed-width console dump
// (vmp_pages_dump's and kmem_dump's tables), and a pprof profile
// carrying one sample per buddy order and slab size class, so standard
// pprof tooling can graph kernel memory pressure offline.
package vmstat

import (
	"fmt"
	"io"

	"keyronex/internal/ipl"
	"keyronex/internal/mm/kmem"
	"keyronex/internal/mm/pfndb"

	"github.com/google/pprof/profile"
	"golang.org/x/text/width"
)

// Snapshot is a point-in-time copy of the VM counters.
type Snapshot struct {
	Stat        pfndb.Stat
	FreeByOrder [pfndb.NumOrders]int64
	Caches      []kmem.CacheStat
}

// Take snapshots db and heap. The PFN lock is taken briefly per
// counter group; the snapshot is internally consistent per group, not
// across groups, which suffices for observability.
func Take(cpu *ipl.CPUState, db *pfndb.DB, heap *kmem.Heap) Snapshot {
	s := Snapshot{Stat: db.StatSnapshot(cpu)}
	for order := 0; order < pfndb.NumOrders; order++ {
		s.FreeByOrder[order] = db.FreeNPages(cpu, order)
	}
	if heap != nil {
		for _, c := range heap.Caches() {
			s.Caches = append(s.Caches, c.Stat())
		}
	}
	return s
}

// Profile renders the snapshot as a pprof profile: one sample per buddy
// order (value = free blocks) and one per slab cache (value = live
// objects).
func (s Snapshot) Profile() *profile.Profile {
	p := &profile.Profile{
		SampleType: []*profile.ValueType{
			{Type: "live", Unit: "objects"},
		},
		PeriodType: &profile.ValueType{Type: "space", Unit: "bytes"},
		Period:     1,
	}

	var nextID uint64
	addSample := func(name string, value int64) {
		nextID++
		fn := &profile.Function{
			ID:         nextID,
			Name:       name,
			SystemName: name,
		}
		loc := &profile.Location{
			ID:   nextID,
			Line: []profile.Line{{Function: fn}},
		}
		p.Function = append(p.Function, fn)
		p.Location = append(p.Location, loc)
		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{value},
		})
	}

	for order, n := range s.FreeByOrder {
		addSample(fmt.Sprintf("buddy/order-%d", order), n)
	}
	for _, c := range s.Caches {
		addSample("slab/"+c.Name, int64(c.NObjects))
	}
	return p
}

// displayWidth computes the column width of s on a terminal, counting
// East Asian wide and fullwidth runes as two cells.
func displayWidth(s string) int {
	w := 0
	for _, r := range s {
		switch width.LookupRune(r).Kind() {
		case width.EastAsianWide, width.EastAsianFullwidth:
			w += 2
		default:
			w++
		}
	}
	return w
}

func pad(s string, cols int) string {
	for displayWidth(s) < cols {
		s += " "
	}
	return s
}

func row(w io.Writer, cells ...string) {
	for _, c := range cells {
		fmt.Fprint(w, pad(c, 9))
	}
	fmt.Fprintln(w)
}

// Dump writes the fixed-width counter tables (vmp_pages_dump's layout,
// then kmem_dump's).
func (s Snapshot) Dump(w io.Writer) {
	st := s.Stat
	fmt.Fprintf(w, "Active: %d, modified: %d, standby: %d, free: %d, free-res: %d\n",
		st.NActive, st.NModified, st.NStandby, st.NFree, st.NReservedFree)

	row(w, "free", "del", "priv", "fork", "file")
	row(w, itoa(st.NFree), itoa(st.NDeleted), itoa(st.NAnonPrivate),
		itoa(st.NAnonFork), itoa(st.NFileShared))
	row(w, "share", "pgtbl", "proto", "kwired", "pagedb")
	row(w, itoa(st.NAnonShare), itoa(st.NProcPgtable), itoa(st.NProtoPgtable),
		itoa(st.NKWired), itoa(st.NPWired))

	fmt.Fprintln(w)
	fmt.Fprintf(w, "%s%s%s%s%s\n", pad("name", 24), pad("size", 6),
		pad("slabs", 6), pad("objs", 6), pad("free", 6))
	for _, c := range s.Caches {
		fmt.Fprintf(w, "%s%s%s%s%s\n", pad(c.Name, 24),
			pad(itoa(int64(c.Size)), 6), pad(itoa(int64(c.NSlabs)), 6),
			pad(itoa(int64(c.NObjects)), 6), pad(itoa(int64(c.NFree)), 6))
	}
}

func itoa(v int64) string { return fmt.Sprintf("%d", v) }
