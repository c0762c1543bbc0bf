// Package mul implements the amd64 4-level paging format on top of the
// architecture-independent page table walker in package ptab and propagates
// every leaf update to the MMU.
package mul

import (
	"github.com/sirupsen/logrus"

	"kernmem/kernel"
	"kernmem/kernel/kfmt"
	"kernmem/kernel/mm"
	"kernmem/kernel/mm/pmm"
	"kernmem/kernel/mm/ptab"
)

var (
	errNoHugePageSupport = &kernel.Error{Module: "mul", Message: "huge pages are not supported"}
	errCacheEntry        = &kernel.Error{Module: "mul", Message: "unable to update page table cache mapping"}
	errHardware          = &kernel.Error{Module: "mul", Message: "MMU rejected translation update"}
)

// FrameAllocator supplies and reclaims the physical frames used for page
// tables.
type FrameAllocator interface {
	AllocPage() (*pmm.Page, *kernel.Error)
	FindPageByFrame(mm.Frame) *pmm.Page
	DeRefPage(*pmm.Page)
}

// Hardware is the MMU that translations are loaded into.
type Hardware interface {
	Map(vaddr uintptr, frame mm.Frame, perm mm.Perm) error
	Unmap(vaddr uintptr) error
	Protect(vaddr uintptr, perm mm.Perm) error
}

// Amd64 implements ptab.Arch and the address space MMU hooks for the amd64
// paging format.
type Amd64 struct {
	frames FrameAllocator
	hw     Hardware
	log    *logrus.Entry
}

// New returns the amd64 paging hooks. Page tables are allocated from frames
// and translations are loaded into hw.
func New(frames FrameAllocator, hw Hardware) *Amd64 {
	return &Amd64{frames: frames, hw: hw, log: kfmt.Module("mul")}
}

// NewPageTables allocates a root table and returns the page tables of a new
// address space using slots as its table cache.
func (a *Amd64) NewPageTables(slots []uintptr, cfg ptab.CacheConfig) (*ptab.PageTables, *kernel.Error) {
	root, err := a.frames.AllocPage()
	if err != nil {
		return nil, err
	}
	return ptab.New(root.Frame, a, slots, cfg), nil
}

// Levels implements ptab.Arch.
func (a *Amd64) Levels() int { return pageLevels }

// Index implements ptab.Arch.
func (a *Amd64) Index(vaddr uintptr, level int) uintptr {
	return (vaddr >> pageLevelShifts[level]) & ((1 << pageLevelBits) - 1)
}

// Present implements ptab.Arch.
func (a *Amd64) Present(e ptab.Entry) bool {
	return pageTableEntry(e).HasFlags(FlagPresent)
}

// TableFrame implements ptab.Arch.
func (a *Amd64) TableFrame(e ptab.Entry) mm.Frame {
	return pageTableEntry(e).Frame()
}

// AllocTable implements ptab.Arch. Intermediate entries are always writable
// and executable; they are user accessible only if the leaf being mapped is.
func (a *Amd64) AllocTable(pt *ptab.PageTables, vaddr uintptr, level int, parent *ptab.Entry, leaf ptab.Entry) *kernel.Error {
	page, err := a.frames.AllocPage()
	if err != nil {
		return err
	}
	pt.ZeroPage(page.Frame)

	var pte pageTableEntry
	pte.SetFrame(page.Frame)
	pte.SetFlags(FlagPresent | FlagRW)
	if pageTableEntry(leaf).HasFlags(FlagUserAccessible) {
		pte.SetFlags(FlagUserAccessible)
	}
	*parent = ptab.Entry(pte)

	a.log.Debugf("allocated level %d table at frame %d for %#x", level-1, page.Frame, vaddr)
	return nil
}

// Verify implements ptab.Arch. A user accessible leaf may not be installed
// below a kernel-only table and a present leaf may only be updated in place
// if it keeps pointing to the same frame.
func (a *Amd64) Verify(level int, existing, proposed ptab.Entry) bool {
	cur, next := pageTableEntry(existing), pageTableEntry(proposed)
	if level > 1 {
		if cur.HasFlags(FlagHugePage) {
			kfmt.Panic(errNoHugePageSupport)
		}
		return !next.HasFlags(FlagUserAccessible) || cur.HasFlags(FlagUserAccessible)
	}

	if !cur.HasFlags(FlagPresent) || !next.HasFlags(FlagPresent) {
		return true
	}
	return cur.Frame() == next.Frame()
}

// MapCacheEntry implements ptab.Arch.
func (a *Amd64) MapCacheEntry(vaddr uintptr, table mm.Frame) {
	if err := a.hw.Map(vaddr, table, mm.PermKernelRW); err != nil {
		a.log.Debugf("cache map: %v", err)
		kfmt.Panic(errCacheEntry)
	}
}

// FlushCacheEntry implements ptab.Arch.
func (a *Amd64) FlushCacheEntry(vaddr uintptr, _ mm.Frame) {
	if err := a.hw.Unmap(vaddr); err != nil {
		a.log.Debugf("cache flush: %v", err)
		kfmt.Panic(errCacheEntry)
	}
}

// DestroyTables releases every table of pt, including the root. Leaf frames
// are not released. The address space must not be used afterwards.
func (a *Amd64) DestroyTables(pt *ptab.PageTables) {
	a.destroyTable(pt, pt.Root(), pageLevels)
}

func (a *Amd64) destroyTable(pt *ptab.PageTables, table mm.Frame, level int) {
	if level > 1 {
		var children []mm.Frame
		pt.WithTable(table, true, func(s *ptab.Slot) {
			for i := uintptr(0); i < ptab.EntriesPerTable; i++ {
				if pte := pageTableEntry(*s.Entry(i)); pte.HasFlags(FlagPresent) {
					children = append(children, pte.Frame())
				}
			}
		})
		for _, child := range children {
			a.destroyTable(pt, child, level-1)
		}
	}

	pt.FreeToCache(pt.GetCache(table, false))
	if page := a.frames.FindPageByFrame(table); page != nil {
		a.frames.DeRefPage(page)
	}
}
