package ptab

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"kernmem/kernel/mm"
)

// newCacheTables returns page tables whose slot cache holds no bindings.
func newCacheTables(t *testing.T, slotCount int, cfg CacheConfig) (*PageTables, *testArch) {
	t.Helper()
	pt, arch := newTestTables(t, slotCount, cfg)
	pt.FreeToCache(pt.GetCache(pt.Root(), false))
	checkInvariants(t, pt)
	return pt, arch
}

func isBound(pt *PageTables, table mm.Frame) bool {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return pt.lookupLocked(table) != nilSlot
}

func TestGetCacheHit(t *testing.T) {
	pt, arch := newCacheTables(t, 4, CacheConfig{})
	before := pt.Stats()

	first := pt.GetCache(10, false)
	maps := arch.maps

	second := pt.GetCache(10, false)
	if first != second {
		t.Fatalf("expected the second lookup to return slot %d; got slot %d", first.index, second.index)
	}
	if arch.maps != maps {
		t.Fatal("expected a cache hit to perform no binding work")
	}

	pt.ReturnCache(second)
	pt.ReturnCache(first)
	if third := pt.GetCache(10, false); third != first {
		t.Fatal("expected an idle binding to be reused")
	} else {
		pt.ReturnCache(third)
	}

	st := pt.Stats()
	if hits, misses := st.Hits-before.Hits, st.Misses-before.Misses; hits != 2 || misses != 1 {
		t.Fatalf("expected 2 hits and 1 miss; got %d hits and %d misses", hits, misses)
	}
	checkInvariants(t, pt)
}

func TestGetCacheEvictionPriority(t *testing.T) {
	pt, _ := newCacheTables(t, 4, CacheConfig{LowWater: 0, HighWater: 1})

	for _, spec := range []struct {
		table mm.Frame
		high  bool
	}{{100, true}, {101, true}, {102, false}, {103, false}} {
		pt.ReturnCache(pt.GetCache(spec.table, spec.high))
	}
	checkInvariants(t, pt)

	// The LRU slot is high priority so a low priority request skips it.
	lowSlot := pt.GetCache(200, false)
	if isBound(pt, 102) || !isBound(pt, 100) || !isBound(pt, 101) {
		t.Fatal("expected the least recently used low priority binding (102) to be evicted")
	}

	// High priority requesters evict in LRU order.
	highSlot := pt.GetCache(201, true)
	if isBound(pt, 100) || !isBound(pt, 103) {
		t.Fatal("expected the least recently used binding (100) to be evicted by a high priority request")
	}

	// With no idle low priority slot left, a high priority binding goes.
	pinned := pt.GetCache(103, false)
	fallback := pt.GetCache(202, false)
	if isBound(pt, 101) {
		t.Fatal("expected the idle high priority binding (101) to be evicted as a last resort")
	}
	checkInvariants(t, pt)

	for _, s := range []*Slot{lowSlot, highSlot, pinned, fallback} {
		pt.ReturnCache(s)
	}

	if got := pt.Stats().Evictions; got != 3 {
		t.Fatalf("expected 3 evictions; got %d", got)
	}
	checkInvariants(t, pt)
}

func TestGetCacheBlocksUntilSlotReturned(t *testing.T) {
	pt, _ := newCacheTables(t, 2, CacheConfig{LowWater: 0, HighWater: 1})

	a := pt.GetCache(100, true)
	b := pt.GetCache(101, false)

	got := make(chan *Slot)
	go func() { got <- pt.GetCache(102, false) }()

	for deadline := time.Now().Add(5 * time.Second); pt.Stats().Waits == 0; {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for GetCache to block")
		}
		time.Sleep(time.Millisecond)
	}
	select {
	case <-got:
		t.Fatal("expected GetCache to block while every slot is in use")
	default:
	}

	pt.ReturnCache(a)

	select {
	case s := <-got:
		if s != a || s.Table() != 102 {
			t.Fatalf("expected the returned slot to be rebound to table 102; got slot %d bound to %d", s.index, s.Table())
		}
		if b.Table() != 101 {
			t.Fatal("in-use slot was evicted")
		}
		pt.ReturnCache(s)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for GetCache to acquire the returned slot")
	}

	pt.ReturnCache(b)
	checkInvariants(t, pt)
}

func TestReturnCacheWatermarks(t *testing.T) {
	pt, _ := newCacheTables(t, 6, CacheConfig{LowWater: 2, HighWater: 4})

	var held []*Slot
	for table := mm.Frame(100); table < 105; table++ {
		held = append(held, pt.GetCache(table, false))
	}
	high := pt.GetCache(105, true)

	// Releasing while below the low watermark shrinks the cache.
	pt.ReturnCache(high)
	pt.ReturnCache(held[0])
	pt.ReturnCache(held[1])
	if got := pt.Stats().Free; got != 2 {
		t.Fatalf("expected 2 free slots after shrinking to the low watermark; got %d", got)
	}
	if !isBound(pt, 105) {
		t.Fatal("expected the high priority binding to survive shrinking")
	}

	// At the low watermark bindings are kept.
	pt.ReturnCache(held[2])
	pt.ReturnCache(held[3])
	if !isBound(pt, 102) || !isBound(pt, 103) {
		t.Fatal("expected idle bindings to be kept at the low watermark")
	}

	// Consume the free slots, then a release evicts every idle low
	// priority binding it can find, up to the high watermark.
	extra := pt.GetCache(106, false)
	last := pt.GetCache(107, false)
	pt.ReturnCache(last)

	st := pt.Stats()
	if st.Free != 3 {
		t.Fatalf("expected 3 free slots; got %d", st.Free)
	}
	for table, exp := range map[mm.Frame]bool{102: false, 103: false, 107: false, 104: true, 105: true, 106: true} {
		if got := isBound(pt, table); got != exp {
			t.Errorf("expected table %d bound: %t; got %t", table, exp, got)
		}
	}

	pt.ReturnCache(extra)
	pt.ReturnCache(held[4])
	checkInvariants(t, pt)
}

func TestFreeToCache(t *testing.T) {
	pt, arch := newCacheTables(t, 4, CacheConfig{})

	other := pt.GetCache(100, false)
	slot := pt.GetCache(101, false)
	pt.FreeToCache(other)
	flushes := arch.flushes

	pt.FreeToCache(slot)
	if arch.flushes != flushes+1 {
		t.Fatal("expected FreeToCache to flush the binding")
	}
	if slot.Table().Valid() || isBound(pt, 101) {
		t.Fatal("expected FreeToCache to drop the binding")
	}
	if pt.free.head != slot.index {
		t.Fatal("expected the freed slot at the front of the free list")
	}

	// Slots already on the free list move to the front.
	pt.FreeToCache(other)
	if pt.free.head != other.index {
		t.Fatal("expected FreeToCache to move a free slot to the front of the free list")
	}
	if got := pt.Stats().Free; got != 4 {
		t.Fatalf("expected 4 free slots; got %d", got)
	}
	checkInvariants(t, pt)

	expectFatal(t, func() { pt.ReturnCache(slot) })
}

func TestForeignSlot(t *testing.T) {
	pt1, _ := newCacheTables(t, 2, CacheConfig{})
	pt2, _ := newCacheTables(t, 2, CacheConfig{})

	slot := pt1.GetCache(100, false)
	expectFatal(t, func() { pt2.ReturnCache(slot) })
	pt1.ReturnCache(slot)
}

func TestCacheRandomizedInvariants(t *testing.T) {
	const capacity = 5
	pt, _ := newCacheTables(t, capacity, CacheConfig{LowWater: 1, HighWater: 3})

	type hold struct {
		slot  *Slot
		table mm.Frame
	}
	var (
		rng  = rand.New(rand.NewSource(42))
		held []hold
	)

	for op := 0; op < 5000; op++ {
		switch choice := rng.Intn(3); {
		case choice == 0 && len(held) < capacity:
			table := mm.Frame(100 + rng.Intn(12))
			held = append(held, hold{pt.GetCache(table, rng.Intn(2) == 0), table})
		case choice == 1 && len(held) > 0:
			i := rng.Intn(len(held))
			pt.ReturnCache(held[i].slot)
			held = append(held[:i], held[i+1:]...)
		case choice == 2 && len(held) > 0:
			victim := held[rng.Intn(len(held))].slot
			pt.FreeToCache(victim)
			kept := held[:0]
			for _, h := range held {
				if h.slot != victim {
					kept = append(kept, h)
				}
			}
			held = kept
		}

		if err := pt.CheckInvariants(); err != nil {
			t.Fatalf("[op %d] %v", op, err)
		}
		for _, h := range held {
			if h.slot.Table() != h.table {
				t.Fatalf("[op %d] in-use slot %d lost its binding to table %d", op, h.slot.index, h.table)
			}
		}
	}

	for _, h := range held {
		pt.ReturnCache(h.slot)
	}
	st := pt.Stats()
	if exp, got := capacity, st.Free+st.Used; exp != got {
		t.Fatalf("expected %d slots; got %d", exp, got)
	}
	if st.InUse != 0 {
		t.Fatalf("expected no slots in use; got %d", st.InUse)
	}
}

func TestNewValidation(t *testing.T) {
	specs := []struct {
		slots int
		cfg   CacheConfig
	}{
		{1, CacheConfig{}},
		{4, CacheConfig{LowWater: 3, HighWater: 2}},
		{4, CacheConfig{LowWater: 1, HighWater: 5}},
		{4, CacheConfig{LowWater: -1, HighWater: 2}},
	}

	for specIndex, spec := range specs {
		slots := mapSlots(t, spec.slots)
		t.Run(fmt.Sprintf("spec %d", specIndex), func(t *testing.T) {
			expectFatal(t, func() { New(1, newTestArch(1), slots, spec.cfg) })
		})
	}

	pt, _ := newTestTables(t, 3, CacheConfig{})
	if exp, got := (Stats{Capacity: 3, Free: 2, Used: 1, LowPriority: 1, Misses: 1}), pt.Stats(); !cmp.Equal(exp, got) {
		t.Fatalf("unexpected stats after New (-want +got):\n%s", cmp.Diff(exp, got))
	}
}
