// Package ptab implements an architecture-independent editor for multi-level
// page tables.
//
// Page-table pages are never accessed through a mapping of the whole paging
// hierarchy. Instead, each PageTables instance owns a small fixed pool of
// permanently reserved virtual pages (cache slots); a slot is temporarily
// bound to the physical table page being edited and released afterwards.
// Bindings are cached so that walks which revisit the upper levels of the
// hierarchy do not need to rebind them.
//
// The page-table entry format and the act of binding a slot are provided by
// an Arch implementation.
package ptab

import (
	gosync "sync"
	"time"
	"unsafe"

	"kernmem/kernel"
	"kernmem/kernel/kfmt"
	"kernmem/kernel/mm"
)

// Entry is a single page-table entry. Its bit layout is defined by the Arch.
type Entry uintptr

// EntriesPerTable is the number of entries held by one page-table page.
const EntriesPerTable = mm.PageSize >> mm.PointerShift

// Arch provides the architecture-specific parts of page-table editing.
// Levels are numbered from Levels() (the root table) down to 1 (the table
// holding leaf entries).
type Arch interface {
	// Levels returns the depth of the paging hierarchy.
	Levels() int

	// Index returns the index of the entry that translates vaddr in a
	// table at the given level.
	Index(vaddr uintptr, level int) uintptr

	// Present returns true if e is a valid entry.
	Present(e Entry) bool

	// TableFrame returns the frame of the next-level table pointed to by
	// the non-leaf entry e.
	TableFrame(e Entry) mm.Frame

	// AllocTable allocates and zeroes a table for the level below level
	// and installs a pointer to it in parent. The permissions of the new
	// entry are derived from leaf, the entry that is being mapped.
	AllocTable(pt *PageTables, vaddr uintptr, level int, parent *Entry, leaf Entry) *kernel.Error

	// Verify returns true if proposed may be installed under (level > 1)
	// or over (level == 1) the existing non-empty entry.
	Verify(level int, existing, proposed Entry) bool

	// MapCacheEntry makes the contents of table accessible at the cache
	// slot address vaddr.
	MapCacheEntry(vaddr uintptr, table mm.Frame)

	// FlushCacheEntry removes the binding of table from the cache slot
	// at vaddr.
	FlushCacheEntry(vaddr uintptr, table mm.Frame)
}

// CacheConfig controls the watermark eviction of the slot cache.
type CacheConfig struct {
	// LowWater is the number of free slots below which ReturnCache
	// starts evicting idle low-priority bindings.
	LowWater int

	// HighWater is the number of free slots ReturnCache evicts up to.
	HighWater int
}

// DefaultCacheConfig is used when New receives a zero CacheConfig.
var DefaultCacheConfig = CacheConfig{LowWater: 1, HighWater: 2}

var (
	errNotMapped      = &kernel.Error{Module: "ptab", Message: "walk reached an address with no mapping"}
	errVerifyRejected = &kernel.Error{Module: "ptab", Message: "architecture rejected page table entry update"}
	errBadEntryIndex  = &kernel.Error{Module: "ptab", Message: "page table entry index out of range"}
	errTooFewSlots    = &kernel.Error{Module: "ptab", Message: "page table cache needs at least two slots"}
	errBadWatermarks  = &kernel.Error{Module: "ptab", Message: "invalid page table cache watermarks"}
	errSlotNotInUse   = &kernel.Error{Module: "ptab", Message: "returned a page table cache slot that is not in use"}
	errForeignSlot    = &kernel.Error{Module: "ptab", Message: "page table cache slot belongs to another address space"}
)

// PageTables is the paging hierarchy of one address space together with its
// slot cache.
type PageTables struct {
	arch Arch
	root mm.Frame

	// walkMu serializes walks so that two walkers never race to allocate
	// the same missing table.
	walkMu gosync.Mutex

	// mu guards the slot lists and counters below.
	mu           gosync.Mutex
	slotReleased *gosync.Cond

	slots        []Slot
	free         slotList
	used         slotList
	lowPrioCount int
	cfg          CacheConfig
	stats        Stats

	waitLog *kfmt.RateLimitedLogger
}

// New creates the page tables rooted at the table in root. slotAddrs lists
// the page-aligned virtual addresses permanently reserved for the slot
// cache. The root table is zeroed before New returns.
func New(root mm.Frame, arch Arch, slotAddrs []uintptr, cfg CacheConfig) *PageTables {
	if len(slotAddrs) < 2 {
		kfmt.Panic(errTooFewSlots)
	}
	if cfg == (CacheConfig{}) {
		cfg = DefaultCacheConfig
	}
	if cfg.LowWater < 0 || cfg.LowWater > cfg.HighWater || cfg.HighWater > len(slotAddrs) {
		kfmt.Panic(errBadWatermarks)
	}

	pt := &PageTables{
		arch:    arch,
		root:    root,
		slots:   make([]Slot, len(slotAddrs)),
		free:    newSlotList(),
		used:    newSlotList(),
		cfg:     cfg,
		waitLog: kfmt.RateLimited(kfmt.Module("ptab"), time.Second),
	}
	pt.slotReleased = gosync.NewCond(&pt.mu)

	for i, vaddr := range slotAddrs {
		pt.slots[i] = Slot{owner: pt, index: i, vaddr: vaddr, table: mm.InvalidFrame, prev: nilSlot, next: nilSlot}
		pt.free.pushBack(pt.slots, i)
	}
	pt.stats.Capacity = len(slotAddrs)

	pt.ZeroPage(root)
	return pt
}

// Root returns the frame of the top-level table.
func (pt *PageTables) Root() mm.Frame { return pt.root }

// Arch returns the architecture hooks used by pt.
func (pt *PageTables) Arch() Arch { return pt.arch }

// Slot is a cache slot: a reserved virtual page that mirrors one physical
// page-table page at a time.
type Slot struct {
	owner *PageTables
	index int
	vaddr uintptr

	// table is the frame bound to this slot or mm.InvalidFrame.
	table        mm.Frame
	highPriority bool

	// users counts the walkers holding the slot between GetCache and
	// ReturnCache; a slot with users > 0 is in use and never evicted.
	users int

	onUsedList bool
	prev, next int
}

// Vaddr returns the reserved virtual address of the slot.
func (s *Slot) Vaddr() uintptr { return s.vaddr }

// Table returns the table frame currently bound to the slot.
func (s *Slot) Table() mm.Frame { return s.table }

// HighPriority returns true if the slot is protected from eviction by
// low-priority requesters.
func (s *Slot) HighPriority() bool { return s.highPriority }

// Entry returns a pointer to the entry at index within the bound table.
func (s *Slot) Entry(index uintptr) *Entry {
	if index >= EntriesPerTable {
		kfmt.Panic(errBadEntryIndex)
	}
	return (*Entry)(unsafe.Pointer(s.vaddr + index<<mm.PointerShift))
}
