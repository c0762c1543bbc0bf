// Package pmm implements the physical frame allocator consumed by the memory
// management subsystem. Frame reservations are tracked with a bitmap while a
// per-frame descriptor records the page state and its reference count.
package pmm

import (
	"math/bits"

	"kernmem/kernel"
	"kernmem/kernel/kfmt"
	"kernmem/kernel/mm"
	"kernmem/kernel/sync"
)

// PageState describes the allocation state of a physical page.
type PageState uint8

const (
	// Free pages are available for allocation.
	Free PageState = iota

	// Used pages have been handed out by AllocPage and hold at least
	// one reference.
	Used

	// Reserved pages are unusable RAM or device memory. They are never
	// handed out by AllocPage but may be mapped directly (MMIO).
	Reserved
)

// String implements fmt.Stringer.
func (s PageState) String() string {
	switch s {
	case Free:
		return "free"
	case Used:
		return "used"
	case Reserved:
		return "reserved"
	default:
		return "unknown"
	}
}

var (
	errDoubleFree = &kernel.Error{Module: "pmm", Message: "attempted to release a page that is not in use"}
	errRefFree    = &kernel.Error{Module: "pmm", Message: "attempted to reference a free page"}
)

// Page is the descriptor of a single physical page.
type Page struct {
	// Frame is the page frame number of this page.
	Frame mm.Frame

	state PageState
	refs  int32
}

// State returns the allocation state of the page.
func (p *Page) State() PageState { return p.state }

// Refs returns the number of references held on the page.
func (p *Page) Refs() int32 { return p.refs }

// FrameRange describes the frames in [Start, Start+Count).
type FrameRange struct {
	Start mm.Frame
	Count uint64
}

// Stats is a snapshot of the allocator counters.
type Stats struct {
	TotalPages    uint64
	FreePages     uint64
	UsedPages     uint64
	ReservedPages uint64
}

// Allocator implements a physical frame allocator that tracks frame
// reservations using a bitmap. A set bit marks a frame that is not
// available for allocation (used or reserved).
type Allocator struct {
	lock sync.Spinlock

	pages []Page

	// freeBitmap tracks used/free pages; bit i corresponds to frame i.
	freeBitmap []uint64

	// freeCount tracks the available pages so that a fully allocated
	// bitmap does not need to be scanned.
	freeCount uint64

	reservedCount uint64

	// nextScan is the bitmap word where the next allocation scan starts.
	nextScan int
}

// New creates an allocator that manages totalPages physical frames starting
// at frame 0. Frames covered by the reserved ranges are flagged as Reserved.
func New(totalPages uint64, reserved ...FrameRange) *Allocator {
	alloc := &Allocator{
		pages:      make([]Page, totalPages),
		freeBitmap: make([]uint64, (totalPages+63)>>6),
		freeCount:  totalPages,
	}

	for i := range alloc.pages {
		alloc.pages[i].Frame = mm.Frame(i)
	}

	// Frames past totalPages in the last bitmap word can never be handed out.
	for frame := totalPages; frame < uint64(len(alloc.freeBitmap))<<6; frame++ {
		alloc.freeBitmap[frame>>6] |= 1 << (frame & 63)
	}

	for _, r := range reserved {
		for frame := r.Start; frame < r.Start+mm.Frame(r.Count) && uint64(frame) < totalPages; frame++ {
			page := &alloc.pages[frame]
			if page.state == Reserved {
				continue
			}
			page.state = Reserved
			alloc.markFrame(frame, true)
			alloc.freeCount--
			alloc.reservedCount++
		}
	}

	kfmt.Module("pmm").Infof("managing %d pages (%d reserved)", totalPages, alloc.reservedCount)
	return alloc
}

// markFrame updates the bitmap bit that corresponds to frame.
func (alloc *Allocator) markFrame(frame mm.Frame, inUse bool) {
	word, bit := frame>>6, uint64(1)<<(frame&63)
	if inUse {
		alloc.freeBitmap[word] |= bit
	} else {
		alloc.freeBitmap[word] &^= bit
	}
}

// AllocPage reserves a free physical page, marks it as Used with a single
// reference and returns its descriptor. It returns mm.ErrOutOfMemory if no
// free pages are left.
func (alloc *Allocator) AllocPage() (*Page, *kernel.Error) {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	if alloc.freeCount == 0 {
		return nil, mm.ErrOutOfMemory
	}

	words := len(alloc.freeBitmap)
	for i := 0; i < words; i++ {
		wordIndex := (alloc.nextScan + i) % words
		word := alloc.freeBitmap[wordIndex]
		if word == ^uint64(0) {
			continue
		}

		frame := mm.Frame(wordIndex<<6 + bits.TrailingZeros64(^word))
		alloc.markFrame(frame, true)
		alloc.freeCount--
		alloc.nextScan = wordIndex

		page := &alloc.pages[frame]
		page.state = Used
		page.refs = 1
		return page, nil
	}

	// freeCount said otherwise; the bitmap is corrupted.
	kfmt.Panic(&kernel.Error{Module: "pmm", Message: "free page counter does not match bitmap"})
	return nil, nil
}

// FindPageByFrame returns the descriptor for frame or nil if the frame is
// not managed by this allocator.
func (alloc *Allocator) FindPageByFrame(frame mm.Frame) *Page {
	if uint64(frame) >= uint64(len(alloc.pages)) {
		return nil
	}
	return &alloc.pages[frame]
}

// RefPage adds a reference to a Used page. Reserved pages are not reference
// counted.
func (alloc *Allocator) RefPage(page *Page) {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	switch page.state {
	case Free:
		kfmt.Panic(errRefFree)
	case Used:
		page.refs++
	}
}

// DeRefPage drops a reference to page. Once the last reference is dropped
// the page returns to the free pool. Dropping a reference to a free page is
// a fatal error; Reserved pages are left untouched.
func (alloc *Allocator) DeRefPage(page *Page) {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	switch page.state {
	case Free:
		kfmt.Panic(errDoubleFree)
	case Used:
		if page.refs--; page.refs > 0 {
			return
		}

		page.state = Free
		page.refs = 0
		alloc.markFrame(page.Frame, false)
		alloc.freeCount++
	}
}

// Stats returns a snapshot of the allocator counters.
func (alloc *Allocator) Stats() Stats {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	total := uint64(len(alloc.pages))
	return Stats{
		TotalPages:    total,
		FreePages:     alloc.freeCount,
		ReservedPages: alloc.reservedCount,
		UsedPages:     total - alloc.freeCount - alloc.reservedCount,
	}
}
