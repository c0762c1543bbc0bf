// Package kmem assembles the memory management subsystem on top of a
// simulated machine.
//
// Init brings the subsystem up in the following order:
//
//  1. the simulated machine (physical RAM and MMU)
//  2. the physical frame allocator, with the MMIO range reserved
//  3. the kernel page tables and the pre-mapped boot pool (boot handoff)
//  4. KVM phase 1: the bootstrap arena over the boot pool
//  5. the slab allocator and its cache of caches
//  6. KVM phase 2: the kernel address space, memory object and arena
//  7. the kmalloc size class caches
//
// Close tears the subsystem down in reverse.
package kmem

import (
	"github.com/pkg/errors"

	"kernmem/kernel"
	"kernmem/kernel/kfmt"
	"kernmem/kernel/machine"
	"kernmem/kernel/mm"
	"kernmem/kernel/mm/kvm"
	"kernmem/kernel/mm/mul"
	"kernmem/kernel/mm/pmm"
	"kernmem/kernel/mm/ptab"
	"kernmem/kernel/mm/slab"
)

var errForeignKfree = &kernel.Error{Module: "kmem", Message: "kfree of an object that was not returned by kmalloc"}

// System is an initialized memory management subsystem.
type System struct {
	cfg Config

	machine *machine.Machine
	frames  *pmm.Allocator
	arch    *mul.Amd64
	tables  *ptab.PageTables

	bootPool   kvm.BootPool
	bootFrames []*pmm.Page

	kvm  *kvm.Manager
	slab *slab.Allocator

	kmallocSizes  []uintptr
	kmallocCaches []*slab.Cache
}

// Init validates cfg and brings up the subsystem.
func Init(cfg Config) (*System, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	level, _ := kfmt.ParseLevel(cfg.LogLevel)
	kfmt.SetLevel(level)
	log := kfmt.Module("kmem")

	s := &System{cfg: cfg}
	if err := s.init(); err != nil {
		s.Close()
		return nil, err
	}

	log.Infof("memory subsystem ready: %d physical pages, %d kmalloc classes", cfg.PhysicalPages, len(s.kmallocCaches))
	return s, nil
}

func (s *System) init() error {
	var err error
	if s.machine, err = machine.New(s.cfg.PhysicalPages, s.cfg.virtualPages()); err != nil {
		return errors.Wrap(err, "creating machine")
	}

	s.frames = pmm.New(s.cfg.PhysicalPages, pmm.FrameRange{
		Start: mm.Frame(s.cfg.MmioStartFrame),
		Count: s.cfg.MmioFrames,
	})

	if err := s.initPageTables(); err != nil {
		return err
	}
	if err := s.mapBootPool(); err != nil {
		return err
	}

	s.kvm = kvm.New()
	if kerr := s.kvm.InitPhase1(s.bootPool); kerr != nil {
		return errors.Wrap(kerr, "KVM phase 1")
	}

	var kerr *kernel.Error
	if s.slab, kerr = slab.NewAllocator(s.kvm, s.cfg.SlabEmptyMax); kerr != nil {
		return errors.Wrap(kerr, "bootstrapping slab allocator")
	}

	kerr = s.kvm.InitPhase2(kvm.KernelLayout{
		Base:   s.kernelBase(),
		Pages:  s.cfg.KernelPages,
		Tables: s.tables,
		MMU:    s.arch,
		Frames: s.frames,
	})
	if kerr != nil {
		return errors.Wrap(kerr, "KVM phase 2")
	}

	return s.initKmalloc()
}

func (s *System) kernelBase() uintptr {
	return s.machine.VirtualBase() + uintptr(s.cfg.BootPoolPages)<<mm.PageShift
}

// initPageTables builds the kernel page tables. The page table cache
// occupies the top of the virtual address space.
func (s *System) initPageTables() error {
	s.arch = mul.New(s.frames, s.machine)

	slotBase := s.kernelBase() + uintptr(s.cfg.KernelPages)<<mm.PageShift
	slots := make([]uintptr, s.cfg.PageTableSlots)
	for i := range slots {
		slots[i] = slotBase + uintptr(i)<<mm.PageShift
	}

	var kerr *kernel.Error
	s.tables, kerr = s.arch.NewPageTables(slots, ptab.CacheConfig{
		LowWater:  s.cfg.PageTableLowWater,
		HighWater: s.cfg.PageTableHighWater,
	})
	if kerr != nil {
		return errors.Wrap(kerr, "creating kernel page tables")
	}
	return nil
}

// mapBootPool backs the boot pool with physical pages before any arena
// exists. These pages stay mapped until Close.
func (s *System) mapBootPool() error {
	s.bootPool = kvm.BootPool{Base: s.machine.VirtualBase(), Pages: s.cfg.BootPoolPages}

	for i := uint64(0); i < s.bootPool.Pages; i++ {
		page, kerr := s.frames.AllocPage()
		if kerr != nil {
			return errors.Wrap(kerr, "backing boot pool")
		}
		s.bootFrames = append(s.bootFrames, page)

		vaddr := s.bootPool.Base + uintptr(i)<<mm.PageShift
		if kerr = s.arch.MapPage(s.tables, vaddr, page.Frame, mm.PermKernelRW); kerr != nil {
			return errors.Wrap(kerr, "mapping boot pool")
		}
	}
	return nil
}

func (s *System) initKmalloc() error {
	for _, size := range s.cfg.KmallocSizes {
		c, kerr := s.slab.CacheCreate(uintptr(size), nil, nil)
		if kerr != nil {
			return errors.Wrapf(kerr, "creating kmalloc-%d cache", size)
		}
		s.kmallocSizes = append(s.kmallocSizes, uintptr(size))
		s.kmallocCaches = append(s.kmallocCaches, c)
	}
	return nil
}

// Close releases the subsystem and the simulated machine. Every address
// handed out by the subsystem becomes invalid. Close may be called on a
// partially initialized system.
func (s *System) Close() {
	if s.kvm != nil {
		s.kvm.Shutdown()
	}

	if s.tables != nil {
		for i, page := range s.bootFrames {
			// The last boot frame may not have been mapped.
			vaddr := s.bootPool.Base + uintptr(i)<<mm.PageShift
			if _, _, mapped := s.arch.Translate(s.tables, vaddr); mapped {
				s.arch.UnmapPage(s.tables, vaddr)
			}
			s.frames.DeRefPage(page)
		}
		s.arch.DestroyTables(s.tables)
	}
	s.bootFrames, s.tables = nil, nil

	if s.machine != nil {
		if err := s.machine.Close(); err != nil {
			kfmt.Module("kmem").WithError(err).Warning("closing machine")
		}
		s.machine = nil
	}
}

// Kmalloc returns an object of at least size bytes from the smallest
// fitting size class.
func (s *System) Kmalloc(size uintptr) (uintptr, *kernel.Error) {
	for i, classSize := range s.kmallocSizes {
		if size <= classSize {
			return s.slab.Alloc(s.kmallocCaches[i])
		}
	}
	return 0, slab.ErrObjectTooLarge
}

// Kfree releases an object returned by Kmalloc. Releasing any other address
// is fatal.
func (s *System) Kfree(obj uintptr) {
	if obj == 0 {
		kfmt.Panic(errForeignKfree)
	}

	c := slab.GetOwningCache(obj)
	for _, kc := range s.kmallocCaches {
		if kc == c {
			s.slab.Free(c, obj)
			return
		}
	}
	kfmt.Panic(errForeignKfree)
}

// KmallocCaches returns the size class caches in ascending size order.
func (s *System) KmallocCaches() []*slab.Cache {
	return s.kmallocCaches
}

// Config returns the configuration the system was created with.
func (s *System) Config() Config { return s.cfg }

// Frames returns the physical frame allocator.
func (s *System) Frames() *pmm.Allocator { return s.frames }

// PageTables returns the kernel page tables.
func (s *System) PageTables() *ptab.PageTables { return s.tables }

// MMU returns the paging hooks used by the kernel address space.
func (s *System) MMU() *mul.Amd64 { return s.arch }

// KVM returns the kernel virtual memory manager.
func (s *System) KVM() *kvm.Manager { return s.kvm }

// Slab returns the slab allocator.
func (s *System) Slab() *slab.Allocator { return s.slab }

// MmioBase returns the physical address of the reserved device memory.
func (s *System) MmioBase() uintptr {
	return mm.Frame(s.cfg.MmioStartFrame).Address()
}

// Stats is a snapshot of the whole subsystem.
type Stats struct {
	Physical      pmm.Stats
	Arenas        []kvm.ArenaStats
	PageTables    ptab.Stats
	CacheOfCaches slab.CacheStats
	Kmalloc       []slab.CacheStats
}

// Stats returns a snapshot of the subsystem counters.
func (s *System) Stats() Stats {
	st := Stats{
		Physical:      s.frames.Stats(),
		Arenas:        s.kvm.Stats(),
		PageTables:    s.tables.Stats(),
		CacheOfCaches: s.slab.CacheOfCaches().Stats(),
	}
	for _, c := range s.kmallocCaches {
		st.Kmalloc = append(st.Kmalloc, c.Stats())
	}
	return st
}

// Verify checks the consistency of the page table cache and every kmalloc
// cache.
func (s *System) Verify() error {
	if err := s.tables.CheckInvariants(); err != nil {
		return errors.Wrap(err, "kernel page tables")
	}
	if err := s.slab.Verify(s.slab.CacheOfCaches()); err != nil {
		return errors.Wrap(err, "cache of caches")
	}
	for i, c := range s.kmallocCaches {
		if err := s.slab.Verify(c); err != nil {
			return errors.Wrapf(err, "kmalloc-%d", s.kmallocSizes[i])
		}
	}
	return nil
}
