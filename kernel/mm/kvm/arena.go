package kvm

import (
	"unsafe"

	"kernmem/kernel"
	"kernmem/kernel/kfmt"
	"kernmem/kernel/mm"
	"kernmem/kernel/sync"
)

var (
	errArenaTooSmall     = &kernel.Error{Module: "kvm", Message: "arena too small to hold its own metadata"}
	errMetadataExhausted = &kernel.Error{Module: "kvm", Message: "arena metadata budget exhausted"}
	errForeignPage       = &kernel.Error{Module: "kvm", Message: "page does not belong to any arena"}
)

// KvPage is a handle to a page of kernel virtual memory handed out by an
// arena. The zero value is not a valid page.
type KvPage uintptr

// kvNode is the arena bookkeeping record behind a KvPage. Nodes are placed
// in the metadata area of their arena and never move.
type kvNode struct {
	vaddr uintptr

	// next links free nodes.
	next uintptr
}

const nodeSize = unsafe.Sizeof(kvNode{})

func (p KvPage) node() *kvNode {
	return (*kvNode)(unsafe.Pointer(p))
}

// Vaddr returns the kernel virtual address of the page.
func (p KvPage) Vaddr() uintptr {
	return p.node().vaddr
}

// arenaHeader lives at the base of the arena it describes. The metadata
// area (header followed by the node array) occupies the first pages of the
// arena and is followed by the pages the arena hands out.
type arenaHeader struct {
	lock sync.Spinlock

	base, end uintptr

	freeList             uintptr
	placementCursor      uintptr
	reservedMappedCursor uintptr
	reservedBytesLeft    uintptr

	numFree     uint64
	numReserved uint64
	numPages    uint64

	nextAllocAddr uintptr
}

const headerSize = (unsafe.Sizeof(arenaHeader{}) + nodeSize - 1) &^ (nodeSize - 1)

// metadataPages returns the number of pages needed for the metadata of an
// arena spanning pages pages.
func metadataPages(pages uint64) uint64 {
	return uint64(mm.PageAlignUp(headerSize+uintptr(pages)*nodeSize) >> mm.PageShift)
}

// initHeader writes a header at base describing an arena of pages pages.
// The first page of the arena must be accessible.
func initHeader(base uintptr, pages uint64, mappedMetadata uintptr) (*arenaHeader, *kernel.Error) {
	meta := metadataPages(pages)
	if meta >= pages {
		return nil, errArenaTooSmall
	}

	h := (*arenaHeader)(unsafe.Pointer(base))
	*h = arenaHeader{
		base:                 base,
		end:                  base + uintptr(pages)<<mm.PageShift,
		placementCursor:      base + headerSize,
		reservedMappedCursor: base + mappedMetadata,
		reservedBytesLeft:    uintptr(pages-meta) * nodeSize,
		numFree:              pages - meta,
		numReserved:          meta,
		numPages:             pages,
		nextAllocAddr:        base + uintptr(meta)<<mm.PageShift,
	}
	return h, nil
}

func (h *arenaHeader) contains(vaddr uintptr) bool {
	return vaddr >= h.base && vaddr < h.end
}

func (h *arenaHeader) popFree() KvPage {
	p := KvPage(h.freeList)
	h.freeList = p.node().next
	p.node().next = 0
	return p
}

func (h *arenaHeader) pushFree(p KvPage) {
	p.node().next = h.freeList
	h.freeList = uintptr(p)
}

// placeNode carves a new node out of the metadata area and binds it to the
// next never-used page.
func (h *arenaHeader) placeNode() KvPage {
	if h.reservedBytesLeft < nodeSize {
		kfmt.Panic(errMetadataExhausted)
	}

	p := KvPage(h.placementCursor)
	h.placementCursor += nodeSize
	h.reservedBytesLeft -= nodeSize

	*p.node() = kvNode{vaddr: h.nextAllocAddr}
	h.nextAllocAddr += mm.PageSize
	return p
}

func (h *arenaHeader) freeListLen() uint64 {
	var n uint64
	for cur := h.freeList; cur != 0; cur = KvPage(cur).node().next {
		n++
	}
	return n
}

// ArenaStats describes the state of an arena.
type ArenaStats struct {
	Lazy              bool
	Base, End         uintptr
	NumPages          uint64
	NumReserved       uint64
	NumFree           uint64
	FreeListLen       uint64
	ReservedBytesLeft uintptr
	MetadataMapped    uintptr
}

// Arena is a region of kernel virtual address space that hands out pages.
// EagerArena serves pages that are already backed by physical memory while
// LazyArena backs each page on first use.
type Arena interface {
	// Contains returns true if vaddr falls inside the arena.
	Contains(vaddr uintptr) bool

	// NumFree returns the number of pages the arena can still hand out.
	NumFree() uint64

	// Stats returns a snapshot of the arena bookkeeping.
	Stats() ArenaStats

	header() *arenaHeader

	// reserveMetadata makes the metadata area accessible up to end.
	reserveMetadata(end uintptr) *kernel.Error

	// commitIfNeeded backs a page that is about to be handed out.
	commitIfNeeded(p KvPage) *kernel.Error

	// decommit releases the backing of a page that is being freed.
	decommit(p KvPage)
}

func arenaStats(a Arena, lazy bool) ArenaStats {
	h := a.header()
	h.lock.Acquire()
	defer h.lock.Release()

	return ArenaStats{
		Lazy:              lazy,
		Base:              h.base,
		End:               h.end,
		NumPages:          h.numPages,
		NumReserved:       h.numReserved,
		NumFree:           h.numFree,
		FreeListLen:       h.freeListLen(),
		ReservedBytesLeft: h.reservedBytesLeft,
		MetadataMapped:    h.reservedMappedCursor - h.base,
	}
}

func numFree(a Arena) uint64 {
	h := a.header()
	h.lock.Acquire()
	defer h.lock.Release()
	return h.numFree
}

// allocFrom hands out a page from a. Recycled pages are preferred over
// never-used ones.
func allocFrom(a Arena) (KvPage, *kernel.Error) {
	h := a.header()
	h.lock.Acquire()
	defer h.lock.Release()

	if h.numFree == 0 {
		return 0, mm.ErrOutOfMemory
	}

	var p KvPage
	if h.freeList != 0 {
		p = h.popFree()
	} else {
		if err := a.reserveMetadata(h.placementCursor + nodeSize); err != nil {
			return 0, err
		}
		p = h.placeNode()
	}
	h.numFree--

	if err := a.commitIfNeeded(p); err != nil {
		h.pushFree(p)
		h.numFree++
		return 0, err
	}
	return p, nil
}

// freeTo returns p to a.
func freeTo(a Arena, p KvPage) {
	h := a.header()
	h.lock.Acquire()
	defer h.lock.Release()

	if !h.contains(p.Vaddr()) {
		kfmt.Panic(errForeignPage)
	}
	a.decommit(p)
	h.pushFree(p)
	h.numFree++
}

// placeRun hands out count never-used pages with consecutive addresses and
// returns the first one. The nodes of the run are consecutive as well.
func placeRun(a Arena, count uint64) (KvPage, *kernel.Error) {
	h := a.header()
	h.lock.Acquire()
	defer h.lock.Release()

	if count == 0 || h.reservedBytesLeft < uintptr(count)*nodeSize || h.numFree < count {
		return 0, mm.ErrOutOfMemory
	}
	if err := a.reserveMetadata(h.placementCursor + uintptr(count)*nodeSize); err != nil {
		return 0, err
	}

	first := h.placeNode()
	for i := uint64(1); i < count; i++ {
		h.placeNode()
	}
	h.numFree -= count
	return first, nil
}

// releaseRun returns count pages starting at first to the free list of a
// without decommitting them.
func releaseRun(a Arena, first KvPage, count uint64) {
	h := a.header()
	h.lock.Acquire()
	defer h.lock.Release()

	for i := uint64(0); i < count; i++ {
		h.pushFree(first + KvPage(uintptr(i)*nodeSize))
	}
	h.numFree += count
}
