package mul

import (
	"kernmem/kernel/mm"
	"kernmem/kernel/mm/ptab"
)

const (
	// pageLevels indicates the number of page levels supported by the amd64 architecture.
	pageLevels = 4

	// ptePhysPageMask is a mask that allows us to extract the physical memory
	// address pointed to by a page table entry. For this particular architecture,
	// bits 12-51 contain the physical memory address.
	ptePhysPageMask = uintptr(0x000ffffffffff000)

	// pageLevelBits is the number of virtual address bits used to index
	// the table at each level.
	pageLevelBits = 9
)

// pageLevelShifts defines the shift required to access the table index for
// each page level, indexed by ptab level (1 is the last level).
var pageLevelShifts = [pageLevels + 1]uint8{0, 12, 21, 30, 39}

// PageTableEntryFlag describes a flag that can be applied to a page table entry.
type PageTableEntryFlag uintptr

const (
	// FlagPresent is set when the page is available in memory and not swapped out.
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagRW is set if the page can be written to.
	FlagRW

	// FlagUserAccessible is set if user-mode processes can access this page. If
	// not set only kernel code can access this page.
	FlagUserAccessible

	// FlagWriteThroughCaching implies write-through caching when set and write-back
	// caching if cleared.
	FlagWriteThroughCaching

	// FlagDoNotCache prevents this page from being cached if set.
	FlagDoNotCache

	// FlagAccessed is set by the CPU when this page is accessed.
	FlagAccessed

	// FlagDirty is set by the CPU when this page is modified.
	FlagDirty

	// FlagHugePage is set if when using 2Mb pages instead of 4K pages.
	FlagHugePage

	// FlagGlobal if set, prevents the TLB from flushing the cached memory address
	// for this page when the swapping page tables by updating the CR3 register.
	FlagGlobal

	// FlagNoExecute if set, indicates that a page contains non-executable code.
	FlagNoExecute PageTableEntryFlag = 1 << 63
)

// pageTableEntry wraps a ptab.Entry with the amd64 entry accessors.
type pageTableEntry ptab.Entry

// HasFlags returns true if this entry has all the input flags set.
func (pte pageTableEntry) HasFlags(flags PageTableEntryFlag) bool {
	return (uintptr(pte) & uintptr(flags)) == uintptr(flags)
}

// HasAnyFlag returns true if this entry has at least one of the input flags set.
func (pte pageTableEntry) HasAnyFlag(flags PageTableEntryFlag) bool {
	return (uintptr(pte) & uintptr(flags)) != 0
}

// SetFlags sets the input list of flags to the page table entry.
func (pte *pageTableEntry) SetFlags(flags PageTableEntryFlag) {
	*pte = (pageTableEntry)(uintptr(*pte) | uintptr(flags))
}

// ClearFlags unsets the input list of flags from the page table entry.
func (pte *pageTableEntry) ClearFlags(flags PageTableEntryFlag) {
	*pte = (pageTableEntry)(uintptr(*pte) &^ uintptr(flags))
}

// Frame returns the physical page frame that this page table entry points to.
func (pte pageTableEntry) Frame() mm.Frame {
	return mm.Frame((uintptr(pte) & ptePhysPageMask) >> mm.PageShift)
}

// SetFrame updates the page table entry to point the the given physical frame.
func (pte *pageTableEntry) SetFrame(frame mm.Frame) {
	*pte = (pageTableEntry)((uintptr(*pte) &^ ptePhysPageMask) | frame.Address())
}

// permFlags are the entry flags controlled by FlagsForPerm.
const permFlags = FlagRW | FlagUserAccessible | FlagDoNotCache | FlagWriteThroughCaching | FlagNoExecute

// FlagsForPerm returns the entry flags that implement perm. Pages are always
// readable once present.
func FlagsForPerm(perm mm.Perm) PageTableEntryFlag {
	flags := FlagPresent
	if perm.Has(mm.PermWrite) {
		flags |= FlagRW
	}
	if perm.Has(mm.PermUser) {
		flags |= FlagUserAccessible
	}
	if perm.Has(mm.PermUncached) {
		flags |= FlagDoNotCache | FlagWriteThroughCaching
	}
	if !perm.Has(mm.PermExec) {
		flags |= FlagNoExecute
	}
	return flags
}

// PermForEntry decodes the permissions of a present leaf entry.
func PermForEntry(e ptab.Entry) mm.Perm {
	pte := pageTableEntry(e)
	perm := mm.PermRead
	if pte.HasFlags(FlagRW) {
		perm |= mm.PermWrite
	}
	if pte.HasFlags(FlagUserAccessible) {
		perm |= mm.PermUser
	}
	if pte.HasAnyFlag(FlagDoNotCache | FlagWriteThroughCaching) {
		perm |= mm.PermUncached
	}
	if !pte.HasFlags(FlagNoExecute) {
		perm |= mm.PermExec
	}
	return perm
}

// MakeEntry returns a leaf entry mapping frame with perm.
func MakeEntry(frame mm.Frame, perm mm.Perm) ptab.Entry {
	var pte pageTableEntry
	pte.SetFrame(frame)
	pte.SetFlags(FlagsForPerm(perm))
	return ptab.Entry(pte)
}

// ChangePerm returns e with its permission flags replaced by those of perm.
// The frame and the accessed, dirty and global bits are preserved.
func ChangePerm(e ptab.Entry, perm mm.Perm) ptab.Entry {
	pte := pageTableEntry(e)
	pte.ClearFlags(permFlags)
	pte.SetFlags(FlagsForPerm(perm))
	return ptab.Entry(pte)
}

// EntryFrame returns the frame referenced by e.
func EntryFrame(e ptab.Entry) mm.Frame {
	return pageTableEntry(e).Frame()
}
