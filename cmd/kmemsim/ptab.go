package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"unsafe"

	"github.com/google/subcommands"
	"github.com/pkg/errors"

	"kernmem/kernel/kfmt"
	"kernmem/kernel/kmem"
	"kernmem/kernel/mm"
	"kernmem/kernel/mm/kvm"
)

// Ptab implements subcommands.Command for the "ptab" command.
type Ptab struct {
	pages     int
	mmioPages uint64
}

// Name implements subcommands.Command.Name.
func (*Ptab) Name() string {
	return "ptab"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Ptab) Synopsis() string {
	return "map and unmap kernel pages and report page table cache statistics"
}

// Usage implements subcommands.Command.Usage.
func (*Ptab) Usage() string {
	return `ptab [flags] - allocate a range of kernel pages, touch every page, map an
MMIO region, release everything and report the page table cache activity.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (p *Ptab) SetFlags(f *flag.FlagSet) {
	f.IntVar(&p.pages, "pages", 256, "number of kernel pages to map")
	f.Uint64Var(&p.mmioPages, "mmio-pages", 4, "number of device pages to map")
}

// Execute implements subcommands.Command.Execute.
func (p *Ptab) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 0 || p.pages <= 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	sys, err := boot()
	if err != nil {
		return Errorf("boot failed: %v", err)
	}
	defer sys.Close()

	before := sys.PageTables().Stats()
	if err := p.run(sys); err != nil {
		return Errorf("ptab failed: %v", err)
	}
	if err := sys.PageTables().CheckInvariants(); err != nil {
		return Errorf("page table cache invariant violated: %v", err)
	}
	after := sys.PageTables().Stats()

	fmt.Fprintf(os.Stdout, "mapped and released %d kernel pages and %d MMIO pages\n", p.pages, p.mmioPages)
	fmt.Fprintf(os.Stdout, "page table cache: +%d hits, +%d misses, +%d evictions, +%d waits\n\n",
		after.Hits-before.Hits, after.Misses-before.Misses, after.Evictions-before.Evictions, after.Waits-before.Waits)
	printStats(os.Stdout, sys.Stats())
	return subcommands.ExitSuccess
}

func (p *Ptab) run(sys *kmem.System) error {
	log := kfmt.Module("ptab")

	pages := make([]kvm.KvPage, 0, p.pages)
	defer func() {
		for _, page := range pages {
			sys.KVM().FreeKvPage(page)
		}
	}()

	for i := 0; i < p.pages; i++ {
		page, kerr := sys.KVM().AllocKvPage()
		if kerr != nil {
			return errors.Wrapf(kerr, "allocating page %d", i)
		}
		pages = append(pages, page)
		*(*uintptr)(unsafe.Pointer(page.Vaddr())) = page.Vaddr()
	}

	for _, page := range pages {
		vaddr := page.Vaddr()
		frame, perm, ok := sys.MMU().Translate(sys.PageTables(), vaddr)
		if !ok {
			return errors.Errorf("page %#x is not mapped", vaddr)
		}
		if got := *(*uintptr)(unsafe.Pointer(vaddr)); got != vaddr {
			return errors.Errorf("page %#x (frame %d) holds %#x", vaddr, frame, got)
		}
		log.Debugf("%#x -> frame %d (%s)", vaddr, frame, perm)
	}

	if p.mmioPages == 0 {
		return nil
	}
	if limit := sys.Config().MmioFrames; p.mmioPages > limit {
		return errors.Errorf("%d MMIO pages requested; only %d device frames are reserved", p.mmioPages, limit)
	}
	region, kerr := sys.KVM().AllocMmioRegion(p.mmioPages, sys.MmioBase(), mm.PermKernelRW)
	if kerr != nil {
		return errors.Wrap(kerr, "mapping MMIO region")
	}
	log.Infof("MMIO region at %#x -> %#x (%d pages)", region.Vaddr(), region.PhysBase(), region.PageCount())
	sys.KVM().FreeMmioRegion(region)
	return nil
}
