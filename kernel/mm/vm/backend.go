package vm

import (
	"kernmem/kernel"
	"kernmem/kernel/mm"
)

var (
	// ErrPageResident is returned when paging in an offset that is
	// already resident.
	ErrPageResident = &kernel.Error{Module: "vm", Message: "page already resident"}

	// ErrNotPageable is returned when paging out a page of an object whose
	// pages are pinned.
	ErrNotPageable = &kernel.Error{Module: "vm", Message: "memory object is not pageable"}
)

// BackendKind selects the backend that provides the pages of an object.
type BackendKind int

const (
	// BackendKernel serves wired kernel memory. Pages are allocated and
	// mapped on page-in and can never be paged out.
	BackendKernel BackendKind = iota
)

// String implements fmt.Stringer.
func (k BackendKind) String() string {
	switch k {
	case BackendKernel:
		return "kernel"
	default:
		return "unknown"
	}
}

// Backend implements paging for a class of memory objects. PageIn and
// PageOut are called with the object lock held.
type Backend interface {
	// Init prepares a newly created object.
	Init(o *Object) *kernel.Error

	// PageIn makes the page at offset resident.
	PageIn(o *Object, offset uintptr) *kernel.Error

	// PageOut evicts the page at offset.
	PageOut(o *Object, offset uintptr) *kernel.Error

	// Destroy runs when the last reference to the object is dropped,
	// before its resident pages are released.
	Destroy(o *Object)

	// CheckPerm returns an error if the backend cannot provide perm.
	CheckPerm(perm mm.Perm) *kernel.Error
}

// backends is indexed by BackendKind.
var backends = []Backend{
	BackendKernel: kernelBackend{},
}

type kernelBackend struct{}

func (kernelBackend) Init(o *Object) *kernel.Error {
	o.pageable = false
	return nil
}

func (kernelBackend) PageIn(o *Object, offset uintptr) *kernel.Error {
	if o.resident.Has(residentPage{offset: offset}) {
		return ErrPageResident
	}

	page, err := o.pages.AllocPage()
	if err != nil {
		return err
	}
	o.insertPageLocked(offset, page)

	for i, m := range o.mappings {
		if offset >= m.length {
			continue
		}
		if err = m.space.MapPage(m.base+offset, page.Frame, o.perm); err != nil {
			for _, done := range o.mappings[:i] {
				if offset < done.length {
					done.space.UnmapPage(done.base + offset)
				}
			}
			o.resident.Delete(residentPage{offset: offset})
			o.pages.DeRefPage(page)
			return err
		}
	}
	return nil
}

func (kernelBackend) PageOut(*Object, uintptr) *kernel.Error {
	return ErrNotPageable
}

func (kernelBackend) Destroy(o *Object) {
	o.lock.Acquire()
	defer o.lock.Release()

	o.resident.Ascend(func(rp residentPage) bool {
		for _, m := range o.mappings {
			if rp.offset < m.length {
				m.space.UnmapPage(m.base + rp.offset)
			}
		}
		return true
	})
}

func (kernelBackend) CheckPerm(perm mm.Perm) *kernel.Error {
	if perm.Has(mm.PermUser) {
		return ErrInvalidPerm
	}
	return nil
}
