package slab

import (
	"unsafe"

	"kernmem/kernel/mm"
	"kernmem/kernel/mm/kvm"
)

// slabState is the list a slab is linked into.
type slabState uintptr

const (
	slabEmpty slabState = iota
	slabPartial
	slabFull

	numSlabStates
)

// String implements fmt.Stringer.
func (s slabState) String() string {
	switch s {
	case slabEmpty:
		return "empty"
	case slabPartial:
		return "partial"
	case slabFull:
		return "full"
	default:
		return "invalid"
	}
}

// slabHeader lives at the base of each slab page. Objects follow the
// header. Freed objects are threaded through their first word.
type slabHeader struct {
	backing kvm.KvPage

	// cache is the address of the owning Cache.
	cache uintptr

	objectSize   uintptr
	numAvailable uintptr
	maxObjects   uintptr

	freeList   uintptr
	bumpCursor uintptr

	state      slabState
	prev, next uintptr
}

// objectAlign is the alignment of every object.
const objectAlign = 8

var slabHeaderSize = alignUp(unsafe.Sizeof(slabHeader{}), objectAlign)

func alignUp(v, align uintptr) uintptr {
	return (v + align - 1) &^ (align - 1)
}

// objectsPerSlab returns how many objects of alignedSize fit in a page
// beside the slab header.
func objectsPerSlab(alignedSize uintptr) uintptr {
	return (mm.PageSize - slabHeaderSize) / alignedSize
}

func slabAt(addr uintptr) *slabHeader {
	return (*slabHeader)(unsafe.Pointer(addr))
}

// slabOf recovers the slab an object belongs to by rounding its address
// down to the page boundary.
func slabOf(obj uintptr) *slabHeader {
	return slabAt(obj &^ mm.PageMask)
}

func (s *slabHeader) addr() uintptr {
	return uintptr(unsafe.Pointer(s))
}

func (s *slabHeader) firstObject() uintptr {
	return s.addr() + slabHeaderSize
}

// initSlab writes a slab header at the start of page.
func initSlab(page kvm.KvPage, cacheAddr, alignedSize uintptr) *slabHeader {
	s := slabAt(page.Vaddr())
	*s = slabHeader{
		backing:      page,
		cache:        cacheAddr,
		objectSize:   alignedSize,
		maxObjects:   objectsPerSlab(alignedSize),
		numAvailable: objectsPerSlab(alignedSize),
	}
	s.bumpCursor = s.firstObject()
	return s
}

// takeObject removes an object from the slab, preferring recycled objects
// over never-used ones.
func (s *slabHeader) takeObject() uintptr {
	var obj uintptr
	if s.freeList != 0 {
		obj = s.freeList
		s.freeList = *(*uintptr)(unsafe.Pointer(obj))
	} else {
		obj = s.bumpCursor
		s.bumpCursor += s.objectSize
	}
	s.numAvailable--
	return obj
}

func (s *slabHeader) putObject(obj uintptr) {
	*(*uintptr)(unsafe.Pointer(obj)) = s.freeList
	s.freeList = obj
	s.numAvailable++
}

// owns returns true if obj is the address of an object handed out from s.
func (s *slabHeader) owns(obj uintptr) bool {
	first := s.firstObject()
	return obj >= first && obj < s.bumpCursor && (obj-first)%s.objectSize == 0
}

// onFreeList returns true if obj has already been returned to the slab.
func (s *slabHeader) onFreeList(obj uintptr) bool {
	for cur, n := s.freeList, uintptr(0); cur != 0 && n <= s.maxObjects; cur, n = *(*uintptr)(unsafe.Pointer(cur)), n+1 {
		if cur == obj {
			return true
		}
	}
	return false
}

// freeListLen counts the recycled objects of the slab. It stops counting
// past maxObjects so that a cyclic list terminates.
func (s *slabHeader) freeListLen() uintptr {
	var n uintptr
	for cur := s.freeList; cur != 0 && n <= s.maxObjects; cur = *(*uintptr)(unsafe.Pointer(cur)) {
		n++
	}
	return n
}

// untouched returns the number of objects past the bump cursor.
func (s *slabHeader) untouched() uintptr {
	return s.maxObjects - (s.bumpCursor-s.firstObject())/s.objectSize
}

// wantState returns the state that matches the slab's free object count.
func (s *slabHeader) wantState() slabState {
	switch s.numAvailable {
	case s.maxObjects:
		return slabEmpty
	case 0:
		return slabFull
	default:
		return slabPartial
	}
}
