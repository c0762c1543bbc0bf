package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"kernmem/kernel/kmem"
	"kernmem/kernel/mm"
)

// printStats writes a human readable summary of st to w.
func printStats(w io.Writer, st kmem.Stats) {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	defer tw.Flush()

	fmt.Fprintf(tw, "physical pages:\t%d total\t%d free\t%d used\t%d reserved\n",
		st.Physical.TotalPages, st.Physical.FreePages, st.Physical.UsedPages, st.Physical.ReservedPages)

	fmt.Fprintln(tw, "\nARENA\tBASE\tPAGES\tRESERVED\tFREE\tMETADATA MAPPED")
	for _, a := range st.Arenas {
		kind := "bootstrap"
		if a.Lazy {
			kind = "kernel"
		}
		fmt.Fprintf(tw, "%s\t%#x\t%d\t%d\t%d\t%d\n", kind, a.Base, a.NumPages, a.NumReserved, a.NumFree, a.MetadataMapped/mm.PageSize)
	}

	pt := st.PageTables
	fmt.Fprintf(tw, "\npage table cache:\t%d slots\t%d free\t%d used\t%d low priority\t%d in use\n",
		pt.Capacity, pt.Free, pt.Used, pt.LowPriority, pt.InUse)
	fmt.Fprintf(tw, "\t%d hits\t%d misses\t%d evictions\t%d waits\n", pt.Hits, pt.Misses, pt.Evictions, pt.Waits)

	fmt.Fprintln(tw, "\nCACHE\tOBJECTS/SLAB\tEMPTY\tPARTIAL\tFULL\tLIVE")
	fmt.Fprintf(tw, "caches\t%d\t%d\t%d\t%d\t%d\n", st.CacheOfCaches.ObjectsPerSlab,
		st.CacheOfCaches.EmptySlabs, st.CacheOfCaches.PartialSlabs, st.CacheOfCaches.FullSlabs, st.CacheOfCaches.LiveObjects)
	for _, c := range st.Kmalloc {
		fmt.Fprintf(tw, "kmalloc-%d\t%d\t%d\t%d\t%d\t%d\n", c.ObjectSize, c.ObjectsPerSlab,
			c.EmptySlabs, c.PartialSlabs, c.FullSlabs, c.LiveObjects)
	}
}
