package mul

import (
	"kernmem/kernel"
	"kernmem/kernel/kfmt"
	"kernmem/kernel/mm"
	"kernmem/kernel/mm/ptab"
)

// The simulated MMU does not walk page tables by itself, so every leaf
// update is followed by a matching translation update. This plays the role
// of a TLB entry flush.

// MapPage maps the page at vaddr to frame with perm.
func (a *Amd64) MapPage(pt *ptab.PageTables, vaddr uintptr, frame mm.Frame, perm mm.Perm) *kernel.Error {
	if err := pt.WalkAndMap(vaddr, MakeEntry(frame, perm)); err != nil {
		return err
	}
	a.flushTLBEntry(a.hw.Map(vaddr, frame, perm))
	return nil
}

// UnmapPage removes the mapping for vaddr and returns the frame it pointed
// to. Unmapping an address that is not mapped is fatal.
func (a *Amd64) UnmapPage(pt *ptab.PageTables, vaddr uintptr) mm.Frame {
	old := pt.WalkAndUnmap(vaddr)
	a.flushTLBEntry(a.hw.Unmap(vaddr))
	return EntryFrame(old)
}

// ChangePte updates the permissions of the mapped page at vaddr.
func (a *Amd64) ChangePte(pt *ptab.PageTables, vaddr uintptr, perm mm.Perm) {
	pt.WalkAndChange(vaddr, func(old ptab.Entry) ptab.Entry {
		return ChangePerm(old, perm)
	})
	a.flushTLBEntry(a.hw.Protect(vaddr, perm))
}

// Translate returns the frame and permissions vaddr is mapped to.
func (a *Amd64) Translate(pt *ptab.PageTables, vaddr uintptr) (mm.Frame, mm.Perm, bool) {
	pte, ok := pt.Lookup(vaddr &^ mm.PageMask)
	if !ok {
		return mm.InvalidFrame, 0, false
	}
	return EntryFrame(pte), PermForEntry(pte), true
}

func (a *Amd64) flushTLBEntry(err error) {
	if err != nil {
		a.log.WithError(err).Error("translation update failed")
		kfmt.Panic(errHardware)
	}
}
