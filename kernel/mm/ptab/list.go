package ptab

// nilSlot terminates slot lists.
const nilSlot = -1

// slotList is a doubly linked list threaded through the prev/next indices
// of the slots in a PageTables slot array. A slot is a member of at most
// one list at a time.
type slotList struct {
	head, tail int
	count      int
}

func newSlotList() slotList {
	return slotList{head: nilSlot, tail: nilSlot}
}

func (l *slotList) pushFront(slots []Slot, i int) {
	slots[i].prev, slots[i].next = nilSlot, l.head
	if l.head != nilSlot {
		slots[l.head].prev = i
	} else {
		l.tail = i
	}
	l.head = i
	l.count++
}

func (l *slotList) pushBack(slots []Slot, i int) {
	slots[i].prev, slots[i].next = l.tail, nilSlot
	if l.tail != nilSlot {
		slots[l.tail].next = i
	} else {
		l.head = i
	}
	l.tail = i
	l.count++
}

func (l *slotList) remove(slots []Slot, i int) {
	if prev := slots[i].prev; prev != nilSlot {
		slots[prev].next = slots[i].next
	} else {
		l.head = slots[i].next
	}
	if next := slots[i].next; next != nilSlot {
		slots[next].prev = slots[i].prev
	} else {
		l.tail = slots[i].prev
	}
	slots[i].prev, slots[i].next = nilSlot, nilSlot
	l.count--
}

// popFront detaches and returns the head of the list or nilSlot.
func (l *slotList) popFront(slots []Slot) int {
	i := l.head
	if i != nilSlot {
		l.remove(slots, i)
	}
	return i
}

func (l *slotList) moveToFront(slots []Slot, i int) {
	if l.head == i {
		return
	}
	l.remove(slots, i)
	l.pushFront(slots, i)
}
