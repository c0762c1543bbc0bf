package ptab

import (
	"testing"
	"unsafe"

	"golang.org/x/sys/unix"

	"kernmem/kernel"
	"kernmem/kernel/mm"
)

const (
	testPresent Entry = 1 << 0
	testWrite   Entry = 1 << 1
	testUser    Entry = 1 << 2
	testFlags         = testPresent | testWrite | testUser
)

func testLeaf(frame mm.Frame, flags Entry) Entry {
	return Entry(frame.Address()) | flags
}

// testArch is a 4-level, 9 bits per level paging format whose tables live
// in Go memory. Binding a slot copies the table into the slot page and
// flushing copies it back, so a write through a stale or duplicate binding
// is lost and shows up in the tests.
type testArch struct {
	tables    map[mm.Frame]*[EntriesPerTable]Entry
	nextFrame mm.Frame

	maps, flushes int
	allocFails    bool
}

func newTestArch(root mm.Frame) *testArch {
	return &testArch{
		tables:    map[mm.Frame]*[EntriesPerTable]Entry{root: new([EntriesPerTable]Entry)},
		nextFrame: root + 1,
	}
}

func (a *testArch) Levels() int { return 4 }

func (a *testArch) Index(vaddr uintptr, level int) uintptr {
	return (vaddr >> (mm.PageShift + 9*uintptr(level-1))) & (EntriesPerTable - 1)
}

func (a *testArch) Present(e Entry) bool { return e&testPresent != 0 }

func (a *testArch) TableFrame(e Entry) mm.Frame { return mm.FrameFromAddress(uintptr(e)) }

func (a *testArch) AllocTable(pt *PageTables, _ uintptr, _ int, parent *Entry, leaf Entry) *kernel.Error {
	if a.allocFails {
		return mm.ErrOutOfMemory
	}
	frame := a.nextFrame
	a.nextFrame++
	a.tables[frame] = new([EntriesPerTable]Entry)
	a.tables[frame][0] = 0xbad
	pt.ZeroPage(frame)
	*parent = testLeaf(frame, testPresent|testWrite|leaf&testUser)
	return nil
}

func (a *testArch) Verify(level int, existing, proposed Entry) bool {
	if level > 1 {
		return proposed&testUser == 0 || existing&testUser != 0
	}
	return !a.Present(existing) || !a.Present(proposed) || a.TableFrame(existing) == a.TableFrame(proposed)
}

func (a *testArch) window(vaddr uintptr) []Entry {
	return unsafe.Slice((*Entry)(unsafe.Pointer(vaddr)), EntriesPerTable)
}

func (a *testArch) MapCacheEntry(vaddr uintptr, table mm.Frame) {
	a.maps++
	if t, ok := a.tables[table]; ok {
		copy(a.window(vaddr), t[:])
	}
}

func (a *testArch) FlushCacheEntry(vaddr uintptr, table mm.Frame) {
	a.flushes++
	w := a.window(vaddr)
	if t, ok := a.tables[table]; ok {
		copy(t[:], w)
	}
	for i := range w {
		w[i] = 0
	}
}

// sync writes every live binding back to the Go tables.
func (a *testArch) sync(pt *PageTables) {
	for i := range pt.slots {
		if s := &pt.slots[i]; s.table.Valid() {
			if t, ok := a.tables[s.table]; ok {
				copy(t[:], a.window(s.vaddr))
			}
		}
	}
}

func mapSlots(t *testing.T, count int) []uintptr {
	t.Helper()
	buf, err := unix.Mmap(-1, 0, count*int(mm.PageSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		t.Skipf("unable to map slot memory: %v", err)
	}
	t.Cleanup(func() { _ = unix.Munmap(buf) })

	base := uintptr(unsafe.Pointer(&buf[0]))
	slots := make([]uintptr, count)
	for i := range slots {
		slots[i] = base + uintptr(i)*mm.PageSize
	}
	return slots
}

func newTestTables(t *testing.T, slotCount int, cfg CacheConfig) (*PageTables, *testArch) {
	t.Helper()
	arch := newTestArch(1)
	return New(1, arch, mapSlots(t, slotCount), cfg), arch
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

func checkInvariants(t *testing.T, pt *PageTables) {
	t.Helper()
	if err := pt.CheckInvariants(); err != nil {
		t.Fatal(err)
	}
}
