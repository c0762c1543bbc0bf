package kvm

import (
	"kernmem/kernel"
	"kernmem/kernel/kfmt"
	"kernmem/kernel/mm"
	"kernmem/kernel/mm/pmm"
)

var errMmioFrameNotReserved = &kernel.Error{Module: "kvm", Message: "MMIO region overlaps allocatable physical memory"}

// MmioRegion is a range of kernel virtual memory mapped to device memory.
type MmioRegion struct {
	first     KvPage
	pageCount uint64
	physBase  uintptr
}

// Vaddr returns the first virtual address of the region.
func (r MmioRegion) Vaddr() uintptr { return r.first.Vaddr() }

// PageCount returns the size of the region in pages.
func (r MmioRegion) PageCount() uint64 { return r.pageCount }

// PhysBase returns the physical address the region is mapped to.
func (r MmioRegion) PhysBase() uintptr { return r.physBase }

// AllocMmioRegion maps pageCount pages of device memory starting at the
// page-aligned physical address physBase into a contiguous range of the
// kernel arena. Every frame of the region must be reserved; mapping memory
// the physical allocator may hand out is fatal.
func (m *Manager) AllocMmioRegion(pageCount uint64, physBase uintptr, perm mm.Perm) (MmioRegion, *kernel.Error) {
	m.listLock.Acquire()
	arena, frames, space := m.general, m.frames, m.space
	m.listLock.Release()
	if arena == nil {
		return MmioRegion{}, errNotInitialized
	}

	firstFrame := mm.FrameFromAddress(physBase)
	for i := uint64(0); i < pageCount; i++ {
		page := frames.FindPageByFrame(firstFrame + mm.Frame(i))
		if page == nil || page.State() != pmm.Reserved {
			kfmt.Panic(errMmioFrameNotReserved)
		}
	}

	first, err := placeRun(arena, pageCount)
	if err != nil {
		return MmioRegion{}, err
	}

	region := MmioRegion{first: first, pageCount: pageCount, physBase: firstFrame.Address()}
	vaddr := region.Vaddr()
	for i := uint64(0); i < pageCount; i++ {
		if err = space.MapPage(vaddr+uintptr(i)<<mm.PageShift, firstFrame+mm.Frame(i), perm); err != nil {
			for j := uint64(0); j < i; j++ {
				space.UnmapPage(vaddr + uintptr(j)<<mm.PageShift)
			}
			releaseRun(arena, first, pageCount)
			return MmioRegion{}, err
		}
	}
	return region, nil
}

// FreeMmioRegion unmaps a region returned by AllocMmioRegion and recycles
// its virtual pages.
func (m *Manager) FreeMmioRegion(r MmioRegion) {
	m.listLock.Acquire()
	arena, space := m.general, m.space
	m.listLock.Release()
	if arena == nil {
		kfmt.Panic(errNotInitialized)
	}

	vaddr := r.Vaddr()
	for i := uint64(0); i < r.pageCount; i++ {
		space.UnmapPage(vaddr + uintptr(i)<<mm.PageShift)
	}
	releaseRun(arena, r.first, r.pageCount)
}
