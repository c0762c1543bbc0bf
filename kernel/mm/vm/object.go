package vm

import (
	"github.com/google/btree"

	"kernmem/kernel"
	"kernmem/kernel/kfmt"
	"kernmem/kernel/mm"
	"kernmem/kernel/mm/pmm"
	"kernmem/kernel/sync"
)

var (
	// ErrInvalidBackend is returned by CreateObject for unknown backends.
	ErrInvalidBackend = &kernel.Error{Module: "vm", Message: "invalid memory object backend"}

	// ErrInvalidOffset is returned for offsets that are not page-aligned or
	// fall outside the object.
	ErrInvalidOffset = &kernel.Error{Module: "vm", Message: "offset outside of memory object"}

	// ErrInvalidPerm is returned by Protect for permissions the object's
	// backend cannot provide.
	ErrInvalidPerm = &kernel.Error{Module: "vm", Message: "permission not supported by memory object"}

	errRefDestroyed = &kernel.Error{Module: "vm", Message: "reference to destroyed memory object"}
)

// PageAllocator supplies the physical pages that back memory objects.
type PageAllocator interface {
	AllocPage() (*pmm.Page, *kernel.Error)
	FindPageByFrame(mm.Frame) *pmm.Page
	DeRefPage(*pmm.Page)
}

// residentPage is an entry of the page list of an object.
type residentPage struct {
	offset uintptr
	page   *pmm.Page
}

func residentPageLess(a, b residentPage) bool { return a.offset < b.offset }

// Object is a reference counted range of pages provided by a backend.
type Object struct {
	pages PageAllocator
	kind  BackendKind

	lock      sync.Spinlock
	pageCount uint64
	perm      mm.Perm
	pageable  bool
	refs      int32
	resident  *btree.BTreeG[residentPage]
	mappings  []*Mapping
}

// CreateObject creates an object of pageCount pages served by the backend
// kind. The object starts with a single reference and no resident pages.
func CreateObject(pages PageAllocator, pageCount uint64, kind BackendKind, perm mm.Perm) (*Object, *kernel.Error) {
	if kind < 0 || int(kind) >= len(backends) || backends[kind] == nil {
		return nil, ErrInvalidBackend
	}
	if err := backends[kind].CheckPerm(perm); err != nil {
		return nil, err
	}

	obj := &Object{
		pages:     pages,
		kind:      kind,
		pageCount: pageCount,
		perm:      perm,
		pageable:  true,
		refs:      1,
		resident:  btree.NewG(8, residentPageLess),
	}
	if err := backends[kind].Init(obj); err != nil {
		return nil, err
	}
	return obj, nil
}

// Kind returns the backend serving the object.
func (o *Object) Kind() BackendKind { return o.kind }

// PageCount returns the size of the object in pages.
func (o *Object) PageCount() uint64 { return o.pageCount }

// Perm returns the permissions pages of the object are mapped with.
func (o *Object) Perm() mm.Perm {
	o.lock.Acquire()
	defer o.lock.Release()
	return o.perm
}

// Pageable returns false if the object's pages can never be paged out.
func (o *Object) Pageable() bool { return o.pageable }

// Refs returns the number of references to the object.
func (o *Object) Refs() int32 {
	o.lock.Acquire()
	defer o.lock.Release()
	return o.refs
}

// Ref adds a reference to the object.
func (o *Object) Ref() {
	o.lock.Acquire()
	defer o.lock.Release()

	if o.refs <= 0 {
		kfmt.Panic(errRefDestroyed)
	}
	o.refs++
}

// DeRef drops a reference to the object. Dropping the last reference runs
// the backend's Destroy hook, removes the object from every address space it
// is mapped into and releases its resident pages.
func (o *Object) DeRef() {
	o.lock.Acquire()
	if o.refs <= 0 {
		o.lock.Release()
		kfmt.Panic(errRefDestroyed)
	}
	o.refs--
	last := o.refs == 0
	o.lock.Release()

	if !last {
		return
	}

	backends[o.kind].Destroy(o)

	o.lock.Acquire()
	mappings := o.mappings
	o.mappings = nil
	o.resident.Ascend(func(rp residentPage) bool {
		o.pages.DeRefPage(rp.page)
		return true
	})
	o.resident.Clear(false)
	o.lock.Release()

	for _, m := range mappings {
		m.space.forget(m)
	}
}

// PageIn makes the page at offset resident.
func (o *Object) PageIn(offset uintptr) *kernel.Error {
	if err := o.checkOffset(offset); err != nil {
		return err
	}

	o.lock.Acquire()
	defer o.lock.Release()
	return backends[o.kind].PageIn(o, offset)
}

// PageOut evicts the page at offset.
func (o *Object) PageOut(offset uintptr) *kernel.Error {
	if err := o.checkOffset(offset); err != nil {
		return err
	}

	o.lock.Acquire()
	defer o.lock.Release()
	return backends[o.kind].PageOut(o, offset)
}

// Protect changes the permissions of the object and updates the mapping of
// every resident page in every address space the object is mapped into.
func (o *Object) Protect(perm mm.Perm) *kernel.Error {
	if err := backends[o.kind].CheckPerm(perm); err != nil {
		return err
	}

	o.lock.Acquire()
	defer o.lock.Release()

	o.perm = perm
	o.resident.Ascend(func(rp residentPage) bool {
		for _, m := range o.mappings {
			if rp.offset < m.length {
				m.space.ChangePte(m.base+rp.offset, perm)
			}
		}
		return true
	})
	return nil
}

// LookupPage returns the resident page at offset or nil.
func (o *Object) LookupPage(offset uintptr) *pmm.Page {
	o.lock.Acquire()
	defer o.lock.Release()

	if rp, ok := o.resident.Get(residentPage{offset: offset}); ok {
		return rp.page
	}
	return nil
}

// RemovePage removes the page at offset from the object without unmapping
// or releasing it, and returns it. The caller owns the page reference.
func (o *Object) RemovePage(offset uintptr) *pmm.Page {
	o.lock.Acquire()
	defer o.lock.Release()

	if rp, ok := o.resident.Delete(residentPage{offset: offset}); ok {
		return rp.page
	}
	return nil
}

// ResidentPages returns the number of resident pages.
func (o *Object) ResidentPages() int {
	o.lock.Acquire()
	defer o.lock.Release()
	return o.resident.Len()
}

// ResidentOffsets returns the offsets of the resident pages in ascending
// order.
func (o *Object) ResidentOffsets() []uintptr {
	o.lock.Acquire()
	defer o.lock.Release()

	offsets := make([]uintptr, 0, o.resident.Len())
	o.resident.Ascend(func(rp residentPage) bool {
		offsets = append(offsets, rp.offset)
		return true
	})
	return offsets
}

// Mappings returns the number of address space mappings of the object.
func (o *Object) Mappings() int {
	o.lock.Acquire()
	defer o.lock.Release()
	return len(o.mappings)
}

func (o *Object) checkOffset(offset uintptr) *kernel.Error {
	if offset&mm.PageMask != 0 || uint64(offset>>mm.PageShift) >= o.pageCount {
		return ErrInvalidOffset
	}
	return nil
}

// insertPageLocked adds page at offset. It returns false if the offset is
// already resident.
func (o *Object) insertPageLocked(offset uintptr, page *pmm.Page) bool {
	if o.resident.Has(residentPage{offset: offset}) {
		return false
	}
	o.resident.ReplaceOrInsert(residentPage{offset: offset, page: page})
	return true
}

// attach registers m with the object and maps the resident pages it covers.
func (o *Object) attach(m *Mapping) *kernel.Error {
	o.lock.Acquire()
	defer o.lock.Release()

	var err *kernel.Error
	mapped := make([]uintptr, 0, o.resident.Len())
	o.resident.Ascend(func(rp residentPage) bool {
		if rp.offset >= m.length {
			return false
		}
		if err = m.space.MapPage(m.base+rp.offset, rp.page.Frame, o.perm); err != nil {
			return false
		}
		mapped = append(mapped, rp.offset)
		return true
	})
	if err != nil {
		for _, offset := range mapped {
			m.space.UnmapPage(m.base + offset)
		}
		return err
	}

	o.mappings = append(o.mappings, m)
	return nil
}

// detach removes m from the object, optionally unmapping the resident pages
// it covers.
func (o *Object) detach(m *Mapping, unmap bool) {
	o.lock.Acquire()
	defer o.lock.Release()

	for i, cur := range o.mappings {
		if cur == m {
			o.mappings = append(o.mappings[:i], o.mappings[i+1:]...)
			break
		}
	}
	if !unmap {
		return
	}
	o.resident.Ascend(func(rp residentPage) bool {
		if rp.offset >= m.length {
			return false
		}
		m.space.UnmapPage(m.base + rp.offset)
		return true
	})
}
