package ptab

import (
	"kernmem/kernel"
	"kernmem/kernel/kfmt"
)

// WalkAndMap installs pte as the leaf entry for vaddr, allocating missing
// intermediate tables through the Arch. Every existing entry on the path is
// checked with Arch.Verify; a rejected update is fatal.
func (pt *PageTables) WalkAndMap(vaddr uintptr, pte Entry) *kernel.Error {
	pt.walkMu.Lock()
	defer pt.walkMu.Unlock()

	slot := pt.GetCache(pt.root, true)
	for level := pt.arch.Levels(); level > 1; level-- {
		entry := slot.Entry(pt.arch.Index(vaddr, level))
		if !pt.arch.Present(*entry) {
			if err := pt.arch.AllocTable(pt, vaddr, level, entry, pte); err != nil {
				pt.ReturnCache(slot)
				return err
			}
		} else if !pt.arch.Verify(level, *entry, pte) {
			pt.ReturnCache(slot)
			kfmt.Panic(errVerifyRejected)
		}
		slot = pt.SwapCache(slot, pt.arch.TableFrame(*entry), level-1 > 1)
	}

	entry := slot.Entry(pt.arch.Index(vaddr, 1))
	if *entry != 0 && !pt.arch.Verify(1, *entry, pte) {
		pt.ReturnCache(slot)
		kfmt.Panic(errVerifyRejected)
	}
	*entry = pte
	pt.ReturnCache(slot)
	return nil
}

// WalkAndUnmap clears the leaf entry for vaddr and returns its previous
// value. Unmapping an address that is not mapped is fatal.
func (pt *PageTables) WalkAndUnmap(vaddr uintptr) Entry {
	pt.walkMu.Lock()
	defer pt.walkMu.Unlock()

	slot, entry := pt.walkToLeaf(vaddr)
	defer pt.ReturnCache(slot)

	old := *entry
	*entry = 0
	return old
}

// WalkAndChange replaces the leaf entry for vaddr with fn(old) and returns
// the old value. The new entry must pass Arch.Verify.
func (pt *PageTables) WalkAndChange(vaddr uintptr, fn func(Entry) Entry) Entry {
	pt.walkMu.Lock()
	defer pt.walkMu.Unlock()

	slot, entry := pt.walkToLeaf(vaddr)
	defer pt.ReturnCache(slot)

	old := *entry
	proposed := fn(old)
	if !pt.arch.Verify(1, old, proposed) {
		kfmt.Panic(errVerifyRejected)
	}
	*entry = proposed
	return old
}

// GetPte returns the leaf entry for vaddr. Inspecting an address that is
// not mapped is fatal.
func (pt *PageTables) GetPte(vaddr uintptr) Entry {
	pt.walkMu.Lock()
	defer pt.walkMu.Unlock()

	slot, entry := pt.walkToLeaf(vaddr)
	defer pt.ReturnCache(slot)
	return *entry
}

// Lookup returns the leaf entry for vaddr and true, or false if vaddr is
// not mapped.
func (pt *PageTables) Lookup(vaddr uintptr) (Entry, bool) {
	pt.walkMu.Lock()
	defer pt.walkMu.Unlock()

	slot := pt.GetCache(pt.root, true)
	for level := pt.arch.Levels(); level > 1; level-- {
		entry := *slot.Entry(pt.arch.Index(vaddr, level))
		if !pt.arch.Present(entry) {
			pt.ReturnCache(slot)
			return 0, false
		}
		slot = pt.SwapCache(slot, pt.arch.TableFrame(entry), level-1 > 1)
	}

	entry := *slot.Entry(pt.arch.Index(vaddr, 1))
	pt.ReturnCache(slot)
	return entry, pt.arch.Present(entry)
}

// walkToLeaf returns an in-use slot bound to the last-level table for
// vaddr and a pointer to the present leaf entry inside it. A missing table
// or leaf is fatal.
func (pt *PageTables) walkToLeaf(vaddr uintptr) (*Slot, *Entry) {
	slot := pt.GetCache(pt.root, true)
	for level := pt.arch.Levels(); level > 1; level-- {
		entry := *slot.Entry(pt.arch.Index(vaddr, level))
		if !pt.arch.Present(entry) {
			pt.ReturnCache(slot)
			kfmt.Panic(errNotMapped)
		}
		slot = pt.SwapCache(slot, pt.arch.TableFrame(entry), level-1 > 1)
	}

	entry := slot.Entry(pt.arch.Index(vaddr, 1))
	if !pt.arch.Present(*entry) {
		pt.ReturnCache(slot)
		kfmt.Panic(errNotMapped)
	}
	return slot, entry
}
