package kvm

import (
	"kernmem/kernel"
	"kernmem/kernel/kfmt"
	"kernmem/kernel/mm"
	"kernmem/kernel/mm/vm"
)

var errPageNotResident = &kernel.Error{Module: "kvm", Message: "freed kernel page is not resident"}

// LazyArena hands out pages of the kernel address range. Pages, including
// the pages holding the arena metadata, are paged in through the kernel
// memory object when first used and released when freed.
type LazyArena struct {
	hdr    *arenaHeader
	space  *vm.AddressSpace
	object *vm.Object
	frames vm.PageAllocator
}

// NewLazyArena builds an arena over the mapping of object in space that
// starts at base. The first page of the mapping must be resident.
func NewLazyArena(space *vm.AddressSpace, object *vm.Object, frames vm.PageAllocator, base uintptr, pages uint64) (*LazyArena, *kernel.Error) {
	if object.LookupPage(0) == nil {
		return nil, errPageNotResident
	}
	hdr, err := initHeader(base, pages, mm.PageSize)
	if err != nil {
		return nil, err
	}
	return &LazyArena{hdr: hdr, space: space, object: object, frames: frames}, nil
}

// Contains implements Arena.
func (a *LazyArena) Contains(vaddr uintptr) bool { return a.hdr.contains(vaddr) }

// NumFree implements Arena.
func (a *LazyArena) NumFree() uint64 { return numFree(a) }

// Stats implements Arena.
func (a *LazyArena) Stats() ArenaStats { return arenaStats(a, true) }

func (a *LazyArena) header() *arenaHeader { return a.hdr }

func (a *LazyArena) reserveMetadata(end uintptr) *kernel.Error {
	h := a.hdr
	for h.reservedMappedCursor < end {
		if err := a.object.PageIn(h.reservedMappedCursor - h.base); err != nil {
			return err
		}
		h.reservedMappedCursor += mm.PageSize
	}
	return nil
}

func (a *LazyArena) commitIfNeeded(p KvPage) *kernel.Error {
	return a.object.PageIn(p.Vaddr() - a.hdr.base)
}

func (a *LazyArena) decommit(p KvPage) {
	vaddr := p.Vaddr()
	page := a.object.RemovePage(vaddr - a.hdr.base)
	if page == nil {
		kfmt.Panic(errPageNotResident)
	}
	a.space.UnmapPage(vaddr)
	a.frames.DeRefPage(page)
}
