// Package vm implements address spaces and the memory objects mapped into
// them.
package vm

import (
	"kernmem/kernel"
	"kernmem/kernel/mm"
	"kernmem/kernel/mm/ptab"
	"kernmem/kernel/sync"
)

var (
	// ErrInvalidMapping is returned when a mapping does not fit inside its
	// address space or overlaps an existing one.
	ErrInvalidMapping = &kernel.Error{Module: "vm", Message: "mapping range is invalid or overlaps an existing mapping"}

	// ErrOutOfRange is returned when a virtual address falls outside the
	// address space.
	ErrOutOfRange = &kernel.Error{Module: "vm", Message: "virtual address outside of address space"}
)

// MMU updates the page tables of an address space.
type MMU interface {
	MapPage(pt *ptab.PageTables, vaddr uintptr, frame mm.Frame, perm mm.Perm) *kernel.Error
	UnmapPage(pt *ptab.PageTables, vaddr uintptr) mm.Frame
	ChangePte(pt *ptab.PageTables, vaddr uintptr, perm mm.Perm)
	Translate(pt *ptab.PageTables, vaddr uintptr) (mm.Frame, mm.Perm, bool)
}

// Mapping places a memory object at a virtual address range of an address
// space. A mapping does not hold a reference to its object; when the object
// is destroyed its mappings are removed from their spaces.
type Mapping struct {
	space  *AddressSpace
	object *Object
	base   uintptr
	length uintptr
}

// Space returns the address space the mapping belongs to.
func (m *Mapping) Space() *AddressSpace { return m.space }

// Object returns the mapped memory object.
func (m *Mapping) Object() *Object { return m.object }

// Base returns the first virtual address of the mapping.
func (m *Mapping) Base() uintptr { return m.base }

// Length returns the size of the mapping in bytes.
func (m *Mapping) Length() uintptr { return m.length }

// Contains returns true if vaddr falls inside the mapping.
func (m *Mapping) Contains(vaddr uintptr) bool {
	return vaddr >= m.base && vaddr-m.base < m.length
}

// AddressSpace describes a range of virtual addresses together with the page
// tables that translate them and the memory objects mapped into it.
type AddressSpace struct {
	start, end uintptr
	tables     *ptab.PageTables
	mmu        MMU

	lock     sync.Spinlock
	mappings []*Mapping
}

// NewAddressSpace creates an address space covering [start, end).
func NewAddressSpace(start, end uintptr, tables *ptab.PageTables, mmu MMU) *AddressSpace {
	return &AddressSpace{start: start, end: end, tables: tables, mmu: mmu}
}

// Start returns the first address of the space.
func (as *AddressSpace) Start() uintptr { return as.start }

// End returns the address following the last address of the space.
func (as *AddressSpace) End() uintptr { return as.end }

// Tables returns the page tables of the space.
func (as *AddressSpace) Tables() *ptab.PageTables { return as.tables }

// AddEntry maps length bytes of obj at base. Pages already resident in obj
// are mapped immediately.
func (as *AddressSpace) AddEntry(obj *Object, base, length uintptr) (*Mapping, *kernel.Error) {
	if base&mm.PageMask != 0 || length == 0 || length&mm.PageMask != 0 ||
		base < as.start || base > as.end || length > as.end-base ||
		length > uintptr(obj.PageCount())<<mm.PageShift {
		return nil, ErrInvalidMapping
	}

	as.lock.Acquire()
	defer as.lock.Release()

	for _, m := range as.mappings {
		if base < m.base+m.length && m.base < base+length {
			return nil, ErrInvalidMapping
		}
	}

	m := &Mapping{space: as, object: obj, base: base, length: length}
	if err := obj.attach(m); err != nil {
		return nil, err
	}
	as.mappings = append(as.mappings, m)
	return m, nil
}

// RemoveEntry unmaps every resident page of m and removes it from the space.
func (as *AddressSpace) RemoveEntry(m *Mapping) {
	m.object.detach(m, true)
	as.forget(m)
}

func (as *AddressSpace) forget(m *Mapping) {
	as.lock.Acquire()
	defer as.lock.Release()

	for i, cur := range as.mappings {
		if cur == m {
			as.mappings = append(as.mappings[:i], as.mappings[i+1:]...)
			return
		}
	}
}

// FindEntry returns the mapping that contains vaddr or nil.
func (as *AddressSpace) FindEntry(vaddr uintptr) *Mapping {
	as.lock.Acquire()
	defer as.lock.Release()

	for _, m := range as.mappings {
		if m.Contains(vaddr) {
			return m
		}
	}
	return nil
}

// Entries returns the number of mappings in the space.
func (as *AddressSpace) Entries() int {
	as.lock.Acquire()
	defer as.lock.Release()
	return len(as.mappings)
}

// MapPage maps the page at vaddr to frame.
func (as *AddressSpace) MapPage(vaddr uintptr, frame mm.Frame, perm mm.Perm) *kernel.Error {
	if !as.contains(vaddr) {
		return ErrOutOfRange
	}
	return as.mmu.MapPage(as.tables, vaddr, frame, perm)
}

// UnmapPage removes the mapping of the page at vaddr and returns the frame
// it pointed to. Unmapping an address that is not mapped is fatal.
func (as *AddressSpace) UnmapPage(vaddr uintptr) mm.Frame {
	return as.mmu.UnmapPage(as.tables, vaddr)
}

// ChangePte updates the permissions of the mapped page at vaddr.
func (as *AddressSpace) ChangePte(vaddr uintptr, perm mm.Perm) {
	as.mmu.ChangePte(as.tables, vaddr, perm)
}

// Translate returns the frame and permissions vaddr is mapped to.
func (as *AddressSpace) Translate(vaddr uintptr) (mm.Frame, mm.Perm, bool) {
	if !as.contains(vaddr) {
		return mm.InvalidFrame, 0, false
	}
	return as.mmu.Translate(as.tables, vaddr)
}

func (as *AddressSpace) contains(vaddr uintptr) bool {
	return vaddr >= as.start && vaddr < as.end
}
