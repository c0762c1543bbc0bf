package vm

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"kernmem/kernel"
	"kernmem/kernel/kfmt"
	"kernmem/kernel/mm"
	"kernmem/kernel/mm/pmm"
	"kernmem/kernel/mm/ptab"
)

type pte struct {
	frame mm.Frame
	perm  mm.Perm
}

// fakeMMU records translations in a map. Address spaces created by
// newTestSpace share it.
type fakeMMU struct {
	ptes   map[uintptr]pte
	failAt uintptr
}

var errFakeMap = &kernel.Error{Module: "test", Message: "map failed"}

func newFakeMMU() *fakeMMU { return &fakeMMU{ptes: make(map[uintptr]pte)} }

func (f *fakeMMU) MapPage(_ *ptab.PageTables, vaddr uintptr, frame mm.Frame, perm mm.Perm) *kernel.Error {
	if vaddr == f.failAt {
		return errFakeMap
	}
	f.ptes[vaddr] = pte{frame, perm}
	return nil
}

func (f *fakeMMU) UnmapPage(_ *ptab.PageTables, vaddr uintptr) mm.Frame {
	old, ok := f.ptes[vaddr]
	if !ok {
		kfmt.Panic(&kernel.Error{Module: "test", Message: "unmap of unmapped page"})
	}
	delete(f.ptes, vaddr)
	return old.frame
}

func (f *fakeMMU) ChangePte(_ *ptab.PageTables, vaddr uintptr, perm mm.Perm) {
	old, ok := f.ptes[vaddr]
	if !ok {
		kfmt.Panic(&kernel.Error{Module: "test", Message: "change of unmapped page"})
	}
	f.ptes[vaddr] = pte{old.frame, perm}
}

func (f *fakeMMU) Translate(_ *ptab.PageTables, vaddr uintptr) (mm.Frame, mm.Perm, bool) {
	p, ok := f.ptes[vaddr&^mm.PageMask]
	if !ok {
		return mm.InvalidFrame, 0, false
	}
	return p.frame, p.perm, true
}

// countingBackend wraps the kernel backend and counts Destroy calls.
type countingBackend struct {
	Backend
	destroyed int
}

func (b *countingBackend) Destroy(o *Object) {
	b.destroyed++
	b.Backend.Destroy(o)
}

func withCountingBackend(t *testing.T) *countingBackend {
	t.Helper()
	orig := backends[BackendKernel]
	t.Cleanup(func() { backends[BackendKernel] = orig })

	b := &countingBackend{Backend: orig}
	backends[BackendKernel] = b
	return b
}

func expectFatal(t *testing.T, fn func()) {
	t.Helper()
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected a kernel panic")
		} else if _, ok := r.(*kernel.Error); !ok {
			t.Fatalf("expected panic with *kernel.Error; got %T", r)
		}
	}()
	fn()
}

const (
	spaceStart = uintptr(0x100000)
	spaceEnd   = uintptr(0x200000)
)

func page(i int) uintptr { return uintptr(i) << mm.PageShift }

func TestCreateObject(t *testing.T) {
	frames := pmm.New(4)

	specs := []struct {
		kind   BackendKind
		perm   mm.Perm
		expErr *kernel.Error
	}{
		{BackendKernel, mm.PermKernelRW, nil},
		{BackendKind(-1), mm.PermKernelRW, ErrInvalidBackend},
		{BackendKind(7), mm.PermKernelRW, ErrInvalidBackend},
		{BackendKernel, mm.PermKernelRW | mm.PermUser, ErrInvalidPerm},
	}

	for specIndex, spec := range specs {
		obj, err := CreateObject(frames, 4, spec.kind, spec.perm)
		if err != spec.expErr {
			t.Errorf("[spec %d] expected error %v; got %v", specIndex, spec.expErr, err)
			continue
		}
		if err != nil {
			continue
		}

		if obj.Refs() != 1 || obj.Pageable() || obj.ResidentPages() != 0 || obj.Kind() != BackendKernel {
			t.Errorf("[spec %d] unexpected initial object state: refs %d pageable %t resident %d kind %s",
				specIndex, obj.Refs(), obj.Pageable(), obj.ResidentPages(), obj.Kind())
		}
	}
}

func TestObjectPageInRoundTrip(t *testing.T) {
	backend := withCountingBackend(t)
	frames := pmm.New(8)

	obj, err := CreateObject(frames, 4, BackendKernel, mm.PermKernelRW)
	if err != nil {
		t.Fatal(err)
	}

	for i := 3; i >= 0; i-- {
		if err := obj.PageIn(page(i)); err != nil {
			t.Fatalf("[page %d] %v", i, err)
		}
	}

	if exp, got := []uintptr{page(0), page(1), page(2), page(3)}, obj.ResidentOffsets(); !cmp.Equal(exp, got) {
		t.Fatalf("unexpected resident offsets (-want +got):\n%s", cmp.Diff(exp, got))
	}

	specs := []struct {
		name   string
		fn     func() *kernel.Error
		expErr *kernel.Error
	}{
		{"duplicate page-in", func() *kernel.Error { return obj.PageIn(page(2)) }, ErrPageResident},
		{"offset past end", func() *kernel.Error { return obj.PageIn(page(4)) }, ErrInvalidOffset},
		{"unaligned offset", func() *kernel.Error { return obj.PageIn(page(1) + 8) }, ErrInvalidOffset},
		{"page-out", func() *kernel.Error { return obj.PageOut(page(0)) }, ErrNotPageable},
	}
	for _, spec := range specs {
		if err := spec.fn(); err != spec.expErr {
			t.Errorf("[%s] expected error %v; got %v", spec.name, spec.expErr, err)
		}
	}
	if got := obj.ResidentPages(); got != 4 {
		t.Fatalf("expected 4 resident pages; got %d", got)
	}

	obj.Ref()
	obj.DeRef()
	if backend.destroyed != 0 || obj.ResidentPages() != 4 {
		t.Fatal("object destroyed while still referenced")
	}

	obj.DeRef()
	if backend.destroyed != 1 {
		t.Fatalf("expected Destroy to run once; ran %d times", backend.destroyed)
	}
	if got := obj.ResidentPages(); got != 0 {
		t.Fatalf("expected an empty page list; got %d pages", got)
	}
	if got := frames.Stats().FreePages; got != 8 {
		t.Fatalf("expected every frame to be released; %d of 8 free", got)
	}

	expectFatal(t, obj.DeRef)
	expectFatal(t, obj.Ref)
}

func TestPageInMapsEveryMapping(t *testing.T) {
	var (
		frames = pmm.New(8)
		mmu    = newFakeMMU()
		as1    = NewAddressSpace(spaceStart, spaceEnd, nil, mmu)
		as2    = NewAddressSpace(spaceEnd, spaceEnd+0x100000, nil, mmu)
	)

	obj, _ := CreateObject(frames, 4, BackendKernel, mm.PermKernelRW)
	if err := obj.PageIn(page(0)); err != nil {
		t.Fatal(err)
	}

	// The second space maps only the first two pages.
	if _, err := as1.AddEntry(obj, spaceStart, page(4)); err != nil {
		t.Fatal(err)
	}
	if _, err := as2.AddEntry(obj, spaceEnd+page(8), page(2)); err != nil {
		t.Fatal(err)
	}
	if err := obj.PageIn(page(1)); err != nil {
		t.Fatal(err)
	}
	if err := obj.PageIn(page(3)); err != nil {
		t.Fatal(err)
	}

	frameAt := func(offset uintptr) mm.Frame { return obj.LookupPage(offset).Frame }
	exp := map[uintptr]pte{
		spaceStart:                   {frameAt(0), mm.PermKernelRW},
		spaceStart + page(1):         {frameAt(page(1)), mm.PermKernelRW},
		spaceStart + page(3):         {frameAt(page(3)), mm.PermKernelRW},
		spaceEnd + page(8):           {frameAt(0), mm.PermKernelRW},
		spaceEnd + page(8) + page(1): {frameAt(page(1)), mm.PermKernelRW},
	}
	if !cmp.Equal(exp, mmu.ptes, cmp.AllowUnexported(pte{})) {
		t.Fatalf("unexpected translations (-want +got):\n%s", cmp.Diff(exp, mmu.ptes, cmp.AllowUnexported(pte{})))
	}

	if m := as2.FindEntry(spaceEnd + page(9) + 5); m == nil || m.Object() != obj {
		t.Fatal("expected FindEntry to locate the mapping")
	}
	if m := as2.FindEntry(spaceEnd + page(10)); m != nil {
		t.Fatal("expected FindEntry to miss past the end of the mapping")
	}

	obj.DeRef()
	if len(mmu.ptes) != 0 {
		t.Fatalf("expected destroying the object to unmap every page; %d translations left", len(mmu.ptes))
	}
	if as1.Entries() != 0 || as2.Entries() != 0 {
		t.Fatal("expected destroying the object to remove its mappings")
	}
}

func TestPageInFailures(t *testing.T) {
	t.Run("out of memory", func(t *testing.T) {
		frames := pmm.New(1)
		obj, _ := CreateObject(frames, 2, BackendKernel, mm.PermKernelRW)

		if err := obj.PageIn(0); err != nil {
			t.Fatal(err)
		}
		if err := obj.PageIn(page(1)); err != mm.ErrOutOfMemory {
			t.Fatalf("expected ErrOutOfMemory; got %v", err)
		}
		if got := obj.ResidentPages(); got != 1 {
			t.Fatalf("expected 1 resident page; got %d", got)
		}
	})

	t.Run("map failure", func(t *testing.T) {
		var (
			frames = pmm.New(4)
			mmu    = newFakeMMU()
			as1    = NewAddressSpace(spaceStart, spaceEnd, nil, mmu)
			as2    = NewAddressSpace(spaceEnd, spaceEnd+0x100000, nil, mmu)
		)
		obj, _ := CreateObject(frames, 2, BackendKernel, mm.PermKernelRW)
		_, _ = as1.AddEntry(obj, spaceStart, page(2))
		_, _ = as2.AddEntry(obj, spaceEnd, page(2))

		mmu.failAt = spaceEnd + page(1)
		if err := obj.PageIn(page(1)); err != errFakeMap {
			t.Fatalf("expected the map error to be returned; got %v", err)
		}
		if obj.LookupPage(page(1)) != nil || len(mmu.ptes) != 0 {
			t.Fatal("expected the failed page-in to be rolled back")
		}
		if got := frames.Stats().FreePages; got != 4 {
			t.Fatalf("expected the page to be released; %d of 4 frames free", got)
		}
	})
}

func TestProtect(t *testing.T) {
	var (
		frames = pmm.New(4)
		mmu    = newFakeMMU()
		as     = NewAddressSpace(spaceStart, spaceEnd, nil, mmu)
	)

	obj, _ := CreateObject(frames, 3, BackendKernel, mm.PermKernelRW)
	if _, err := as.AddEntry(obj, spaceStart+page(4), page(3)); err != nil {
		t.Fatal(err)
	}
	_ = obj.PageIn(0)
	_ = obj.PageIn(page(2))

	if err := obj.Protect(mm.PermRead); err != nil {
		t.Fatal(err)
	}
	for _, vaddr := range []uintptr{spaceStart + page(4), spaceStart + page(6)} {
		if _, perm, ok := as.Translate(vaddr); !ok || perm != mm.PermRead {
			t.Errorf("expected %#x to be mapped read-only; got %s (mapped: %t)", vaddr, perm, ok)
		}
	}

	// Pages paged in later use the new permissions.
	_ = obj.PageIn(page(1))
	if _, perm, _ := as.Translate(spaceStart + page(5)); perm != mm.PermRead {
		t.Fatalf("expected new pages to be mapped read-only; got %s", perm)
	}

	if err := obj.Protect(mm.PermKernelRW | mm.PermUser); err != ErrInvalidPerm {
		t.Fatalf("expected ErrInvalidPerm; got %v", err)
	}
	if obj.Perm() != mm.PermRead {
		t.Fatalf("expected rejected Protect to leave perm unchanged; got %s", obj.Perm())
	}
}

func TestAddEntryValidation(t *testing.T) {
	var (
		frames = pmm.New(4)
		as     = NewAddressSpace(spaceStart, spaceEnd, nil, newFakeMMU())
	)
	obj, _ := CreateObject(frames, 4, BackendKernel, mm.PermKernelRW)
	if _, err := as.AddEntry(obj, spaceStart+page(8), page(2)); err != nil {
		t.Fatal(err)
	}

	specs := []struct {
		base, length uintptr
		expErr       *kernel.Error
	}{
		{spaceStart + 1, page(1), ErrInvalidMapping},
		{spaceStart, page(1) + 1, ErrInvalidMapping},
		{spaceStart, 0, ErrInvalidMapping},
		{spaceStart - page(1), page(1), ErrInvalidMapping},
		{spaceEnd - page(1), page(2), ErrInvalidMapping},
		{spaceStart, page(5), ErrInvalidMapping},
		{spaceStart + page(7), page(2), ErrInvalidMapping},
		{spaceStart + page(9), page(1), ErrInvalidMapping},
		{spaceStart + page(6), page(2), nil},
		{spaceEnd - page(1), page(1), nil},
	}

	for specIndex, spec := range specs {
		if _, err := as.AddEntry(obj, spec.base, spec.length); err != spec.expErr {
			t.Errorf("[spec %d] expected error %v; got %v", specIndex, spec.expErr, err)
		}
	}
	if got := as.Entries(); got != 3 {
		t.Fatalf("expected 3 mappings; got %d", got)
	}
}

func TestRemoveEntryAndPage(t *testing.T) {
	var (
		frames = pmm.New(4)
		mmu    = newFakeMMU()
		as     = NewAddressSpace(spaceStart, spaceEnd, nil, mmu)
	)
	obj, _ := CreateObject(frames, 2, BackendKernel, mm.PermKernelRW)
	m, _ := as.AddEntry(obj, spaceStart, page(2))
	_ = obj.PageIn(0)
	_ = obj.PageIn(page(1))

	as.RemoveEntry(m)
	if len(mmu.ptes) != 0 || obj.Mappings() != 0 || as.Entries() != 0 {
		t.Fatal("expected RemoveEntry to unmap the object and drop the mapping")
	}
	if obj.Refs() != 1 || obj.ResidentPages() != 2 {
		t.Fatal("expected RemoveEntry to leave the object intact")
	}

	p := obj.RemovePage(page(1))
	if p == nil || obj.LookupPage(page(1)) != nil || obj.RemovePage(page(1)) != nil {
		t.Fatal("expected RemovePage to detach the page exactly once")
	}
	if p.State() != pmm.Used {
		t.Fatal("expected RemovePage to leave the page reference to the caller")
	}
	frames.DeRefPage(p)

	obj.DeRef()
	if got := frames.Stats().FreePages; got != 4 {
		t.Fatalf("expected all frames to be free; got %d", got)
	}
}

func TestAddressSpaceRange(t *testing.T) {
	as := NewAddressSpace(spaceStart, spaceEnd, nil, newFakeMMU())

	if err := as.MapPage(spaceEnd, 1, mm.PermKernelRW); err != ErrOutOfRange {
		t.Fatalf("expected ErrOutOfRange; got %v", err)
	}
	if err := as.MapPage(spaceStart, 1, mm.PermKernelRW); err != nil {
		t.Fatal(err)
	}
	if frame, _, ok := as.Translate(spaceStart + 10); !ok || frame != 1 {
		t.Fatalf("expected translation to frame 1; got %d (%t)", frame, ok)
	}
	if _, _, ok := as.Translate(spaceStart - 1); ok {
		t.Fatal("expected translation outside the space to fail")
	}
	if got := as.UnmapPage(spaceStart); got != 1 {
		t.Fatalf("expected unmap to return frame 1; got %d", got)
	}
	expectFatal(t, func() { as.UnmapPage(spaceStart) })
}
