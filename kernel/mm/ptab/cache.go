package ptab

import (
	"github.com/pkg/errors"

	"kernmem/kernel"
	"kernmem/kernel/kfmt"
	"kernmem/kernel/mm"
)

// Stats is a snapshot of the slot cache state.
type Stats struct {
	Capacity    int
	Free        int
	Used        int
	LowPriority int
	InUse       int

	Hits      uint64
	Misses    uint64
	Evictions uint64
	Waits     uint64
}

// GetCache returns a slot bound to table, marked as in use. The caller must
// release it with ReturnCache or FreeToCache.
//
// An existing binding of table is reused; otherwise a free slot is taken or
// an idle binding is evicted from the tail of the used list. High-priority
// bindings are only evicted by high-priority requesters or when no
// low-priority victim exists. If every slot is in use, GetCache blocks until
// one is released.
func (pt *PageTables) GetCache(table mm.Frame, highPriority bool) *Slot {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	for {
		if idx := pt.lookupLocked(table); idx != nilSlot {
			pt.stats.Hits++
			s := &pt.slots[idx]
			pt.used.moveToFront(pt.slots, idx)
			if highPriority && !s.highPriority {
				s.highPriority = true
				pt.lowPrioCount--
			}
			s.users++
			return s
		}

		idx := pt.free.popFront(pt.slots)
		if idx == nilSlot {
			idx = pt.evictLocked(highPriority)
		}
		if idx != nilSlot {
			pt.stats.Misses++
			pt.bindLocked(idx, table, highPriority)
			return &pt.slots[idx]
		}

		pt.stats.Waits++
		pt.waitLog.Warningf("all %d page table cache slots are in use; waiting for a release", len(pt.slots))
		pt.slotReleased.Wait()
	}
}

// SwapCache releases slot and returns a slot bound to table.
func (pt *PageTables) SwapCache(slot *Slot, table mm.Frame, highPriority bool) *Slot {
	if slot != nil {
		if slot.table == table {
			return slot
		}
		pt.ReturnCache(slot)
	}
	return pt.GetCache(table, highPriority)
}

// ReturnCache releases a slot obtained from GetCache. The binding is kept so
// that a later GetCache for the same table hits. If the number of free slots
// has dropped below the low watermark, idle low-priority bindings are evicted
// until the high watermark is reached.
func (pt *PageTables) ReturnCache(slot *Slot) {
	pt.checkOwner(slot)

	pt.mu.Lock()
	defer pt.mu.Unlock()

	if slot.users == 0 || !slot.onUsedList {
		kfmt.Panic(errSlotNotInUse)
	}
	slot.users--
	if slot.users > 0 {
		return
	}

	if pt.free.count < pt.cfg.LowWater {
		pt.shrinkLocked()
	}
	pt.slotReleased.Broadcast()
}

// FreeToCache drops the binding held by slot and moves it to the front of
// the free list. It is used when the bound table is being destroyed.
func (pt *PageTables) FreeToCache(slot *Slot) {
	pt.checkOwner(slot)

	pt.mu.Lock()
	defer pt.mu.Unlock()

	if slot.onUsedList {
		pt.unbindLocked(slot.index)
	} else {
		pt.free.remove(pt.slots, slot.index)
	}
	slot.users = 0
	pt.free.pushFront(pt.slots, slot.index)
	pt.slotReleased.Broadcast()
}

// WithTable runs fn with a slot bound to table and releases the slot when fn
// returns.
func (pt *PageTables) WithTable(table mm.Frame, highPriority bool, fn func(*Slot)) {
	slot := pt.GetCache(table, highPriority)
	defer pt.ReturnCache(slot)
	fn(slot)
}

// ZeroPage clears the contents of a physical page through a cache slot.
func (pt *PageTables) ZeroPage(frame mm.Frame) {
	pt.WithTable(frame, false, func(s *Slot) {
		kernel.Memset(s.vaddr, 0, mm.PageSize)
	})
}

// Stats returns a snapshot of the slot cache.
func (pt *PageTables) Stats() Stats {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	st := pt.stats
	st.Free = pt.free.count
	st.Used = pt.used.count
	st.LowPriority = pt.lowPrioCount
	for i := pt.used.head; i != nilSlot; i = pt.slots[i].next {
		if pt.slots[i].users > 0 {
			st.InUse++
		}
	}
	return st
}

// CheckInvariants verifies the bookkeeping of the slot cache.
func (pt *PageTables) CheckInvariants() error {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	if got := pt.free.count + pt.used.count; got != len(pt.slots) {
		return errors.Errorf("free (%d) + used (%d) slots != capacity (%d)", pt.free.count, pt.used.count, len(pt.slots))
	}

	var (
		seen     = make(map[mm.Frame]int, pt.used.count)
		lowPrio  int
		usedSeen int
	)
	for i := pt.used.head; i != nilSlot; i = pt.slots[i].next {
		s := &pt.slots[i]
		usedSeen++
		if !s.onUsedList || !s.table.Valid() {
			return errors.Errorf("slot %d on used list is not bound", i)
		}
		if other, dup := seen[s.table]; dup {
			return errors.Errorf("table %d bound to slots %d and %d", s.table, other, i)
		}
		seen[s.table] = i
		if !s.highPriority {
			lowPrio++
		}
	}
	if usedSeen != pt.used.count {
		return errors.Errorf("used list length %d != used count %d", usedSeen, pt.used.count)
	}
	if lowPrio != pt.lowPrioCount {
		return errors.Errorf("low priority count %d != %d low priority used slots", pt.lowPrioCount, lowPrio)
	}

	var freeSeen int
	for i := pt.free.head; i != nilSlot; i = pt.slots[i].next {
		s := &pt.slots[i]
		freeSeen++
		if s.onUsedList || s.table.Valid() || s.users != 0 {
			return errors.Errorf("free slot %d still holds a binding", i)
		}
	}
	if freeSeen != pt.free.count {
		return errors.Errorf("free list length %d != free count %d", freeSeen, pt.free.count)
	}
	return nil
}

func (pt *PageTables) checkOwner(slot *Slot) {
	if slot.owner != pt {
		kfmt.Panic(errForeignSlot)
	}
}

func (pt *PageTables) lookupLocked(table mm.Frame) int {
	for i := pt.used.head; i != nilSlot; i = pt.slots[i].next {
		if pt.slots[i].table == table {
			return i
		}
	}
	return nilSlot
}

// evictLocked unbinds the least recently used idle slot that the requester
// is allowed to evict and returns its index, or nilSlot if every slot is in
// use. The returned slot is on no list.
func (pt *PageTables) evictLocked(requesterHigh bool) int {
	fallback := nilSlot
	for i := pt.used.tail; i != nilSlot; i = pt.slots[i].prev {
		s := &pt.slots[i]
		if s.users > 0 {
			continue
		}
		if !s.highPriority || requesterHigh {
			pt.unbindLocked(i)
			pt.stats.Evictions++
			return i
		}
		if fallback == nilSlot {
			fallback = i
		}
	}

	if fallback != nilSlot {
		pt.unbindLocked(fallback)
		pt.stats.Evictions++
	}
	return fallback
}

// shrinkLocked moves idle low-priority bindings from the tail of the used
// list to the free list until the high watermark is reached.
func (pt *PageTables) shrinkLocked() {
	for i := pt.used.tail; i != nilSlot && pt.free.count < pt.cfg.HighWater; {
		prev := pt.slots[i].prev
		if s := &pt.slots[i]; s.users == 0 && !s.highPriority {
			pt.unbindLocked(i)
			pt.free.pushBack(pt.slots, i)
			pt.stats.Evictions++
		}
		i = prev
	}
}

func (pt *PageTables) bindLocked(idx int, table mm.Frame, highPriority bool) {
	s := &pt.slots[idx]
	s.table = table
	s.highPriority = highPriority
	s.users = 1
	s.onUsedList = true
	pt.used.pushFront(pt.slots, idx)
	if !highPriority {
		pt.lowPrioCount++
	}
	pt.arch.MapCacheEntry(s.vaddr, table)
}

// unbindLocked detaches slot idx from the used list and flushes its binding.
func (pt *PageTables) unbindLocked(idx int) {
	s := &pt.slots[idx]
	pt.arch.FlushCacheEntry(s.vaddr, s.table)
	pt.used.remove(pt.slots, idx)
	if !s.highPriority {
		pt.lowPrioCount--
	}
	s.table = mm.InvalidFrame
	s.highPriority = false
	s.onUsedList = false
}
