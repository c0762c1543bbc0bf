// Package slab implements an object cache allocator. Every cache carves
// fixed-size objects out of single-page slabs obtained from the kernel
// virtual memory manager. The caches themselves are objects of a
// self-hosted cache of caches.
package slab

import (
	gosync "sync"
	"time"
	"unsafe"

	"github.com/pkg/errors"

	"kernmem/kernel"
	"kernmem/kernel/kfmt"
	"kernmem/kernel/mm"
	"kernmem/kernel/mm/kvm"
	"kernmem/kernel/sync"
)

// DefaultEmptyMax is the number of empty slabs a cache keeps before
// releasing further empty slabs to the page provider.
const DefaultEmptyMax = 2

var (
	// ErrObjectTooLarge is returned by CacheCreate for objects that do not
	// fit in a slab.
	ErrObjectTooLarge = &kernel.Error{Module: "slab", Message: "object size too large for slab cache"}

	errForeignObject     = &kernel.Error{Module: "slab", Message: "object does not belong to cache"}
	errDoubleFree        = &kernel.Error{Module: "slab", Message: "object freed twice"}
	errLiveObjects       = &kernel.Error{Module: "slab", Message: "destroying cache with live objects"}
	errDestroyCacheCache = &kernel.Error{Module: "slab", Message: "the cache of caches cannot be destroyed"}
)

// PageProvider supplies the pages slabs are built on.
type PageProvider interface {
	AllocKvPage() (kvm.KvPage, *kernel.Error)
	FreeKvPage(kvm.KvPage)
}

// Ctor initializes an object when it is allocated.
type Ctor func(obj uintptr)

// Dtor tears down an object when it is freed.
type Dtor func(obj uintptr)

type hooks struct {
	ctor Ctor
	dtor Dtor
}

// Cache allocates objects of a single size. Caches live inside slabs of the
// cache of caches and hold no Go pointers; constructors and destructors are
// kept by the Allocator.
type Cache struct {
	lock sync.Spinlock

	objectSize  uintptr
	alignedSize uintptr
	maxObjects  uintptr

	// hooks indexes Allocator.hooks; 0 means no hooks.
	hooks uintptr

	heads          [numSlabStates]uintptr
	numSlabs       [numSlabStates]uintptr
	numLiveObjects uintptr
}

var cacheSize = unsafe.Sizeof(Cache{})

func (c *Cache) addr() uintptr {
	return uintptr(unsafe.Pointer(c))
}

// ObjectSize returns the size requested when the cache was created.
func (c *Cache) ObjectSize() uintptr { return c.objectSize }

// CacheStats describes the state of a cache.
type CacheStats struct {
	ObjectSize     uintptr
	AlignedSize    uintptr
	ObjectsPerSlab uintptr
	EmptySlabs     uintptr
	PartialSlabs   uintptr
	FullSlabs      uintptr
	LiveObjects    uintptr
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() CacheStats {
	c.lock.Acquire()
	defer c.lock.Release()

	return CacheStats{
		ObjectSize:     c.objectSize,
		AlignedSize:    c.alignedSize,
		ObjectsPerSlab: c.maxObjects,
		EmptySlabs:     c.numSlabs[slabEmpty],
		PartialSlabs:   c.numSlabs[slabPartial],
		FullSlabs:      c.numSlabs[slabFull],
		LiveObjects:    c.numLiveObjects,
	}
}

func (c *Cache) pushSlab(s *slabHeader, state slabState) {
	s.state = state
	s.prev = 0
	s.next = c.heads[state]
	if s.next != 0 {
		slabAt(s.next).prev = s.addr()
	}
	c.heads[state] = s.addr()
	c.numSlabs[state]++
}

func (c *Cache) unlinkSlab(s *slabHeader) {
	if s.prev != 0 {
		slabAt(s.prev).next = s.next
	} else {
		c.heads[s.state] = s.next
	}
	if s.next != 0 {
		slabAt(s.next).prev = s.prev
	}
	s.prev, s.next = 0, 0
	c.numSlabs[s.state]--
}

// relink moves s to the list matching its object count.
func (c *Cache) relink(s *slabHeader) {
	if want := s.wantState(); want != s.state {
		c.unlinkSlab(s)
		c.pushSlab(s, want)
	}
}

// Allocator manages slab caches on top of a page provider.
type Allocator struct {
	pages    PageProvider
	emptyMax uintptr

	cacheOfCaches *Cache

	hooksMu   gosync.Mutex
	hooks     []hooks
	freeHooks []uintptr

	releaseLog *kfmt.RateLimitedLogger
}

// NewAllocator bootstraps the cache of caches. Its first slab holds the
// cache of caches itself as its first object. A negative emptyMax selects
// DefaultEmptyMax.
func NewAllocator(pages PageProvider, emptyMax int) (*Allocator, *kernel.Error) {
	if emptyMax < 0 {
		emptyMax = DefaultEmptyMax
	}

	page, err := pages.AllocKvPage()
	if err != nil {
		return nil, err
	}

	alignedSize := alignUp(cacheSize, objectAlign)
	s := initSlab(page, 0, alignedSize)

	// The first object of the slab is the cache of caches.
	cc := (*Cache)(unsafe.Pointer(s.takeObject()))
	*cc = Cache{
		objectSize:     cacheSize,
		alignedSize:    alignedSize,
		maxObjects:     s.maxObjects,
		numLiveObjects: 1,
	}
	s.cache = cc.addr()
	cc.pushSlab(s, s.wantState())

	a := &Allocator{
		pages:         pages,
		emptyMax:      uintptr(emptyMax),
		cacheOfCaches: cc,
		hooks:         []hooks{{}},
		releaseLog:    kfmt.RateLimited(kfmt.Module("slab"), time.Second),
	}
	kfmt.Module("slab").Debugf("cache of caches at %#x: %d caches per slab", cc.addr(), cc.maxObjects)
	return a, nil
}

// CacheOfCaches returns the cache that Cache objects are allocated from.
func (a *Allocator) CacheOfCaches() *Cache { return a.cacheOfCaches }

// CacheCreate creates a cache for objects of objectSize bytes. Object sizes
// are rounded up to a multiple of 8 bytes. ctor and dtor may be nil.
func (a *Allocator) CacheCreate(objectSize uintptr, ctor Ctor, dtor Dtor) (*Cache, *kernel.Error) {
	alignedSize := alignUp(objectSize, objectAlign)
	if alignedSize == 0 {
		alignedSize = objectAlign
	}
	if objectSize >= mm.PageSize || objectsPerSlab(alignedSize) == 0 {
		return nil, ErrObjectTooLarge
	}

	obj, err := a.Alloc(a.cacheOfCaches)
	if err != nil {
		return nil, err
	}

	c := (*Cache)(unsafe.Pointer(obj))
	*c = Cache{
		objectSize:  objectSize,
		alignedSize: alignedSize,
		maxObjects:  objectsPerSlab(alignedSize),
	}
	if ctor != nil || dtor != nil {
		c.hooks = a.registerHooks(hooks{ctor: ctor, dtor: dtor})
	}
	return c, nil
}

// Alloc returns an object from c. Slabs on the empty list are used first,
// then partial slabs; a new slab is created if neither exists.
func (a *Allocator) Alloc(c *Cache) (uintptr, *kernel.Error) {
	c.lock.Acquire()

	s := c.pickSlab()
	if s == nil {
		page, err := a.pages.AllocKvPage()
		if err != nil {
			c.lock.Release()
			return 0, err
		}
		s = initSlab(page, c.addr(), c.alignedSize)
		c.pushSlab(s, slabEmpty)
	}

	obj := s.takeObject()
	c.numLiveObjects++
	c.relink(s)
	h := c.hooks
	c.lock.Release()

	if h != 0 {
		if ctor := a.hooksFor(h).ctor; ctor != nil {
			ctor(obj)
		}
	}
	return obj, nil
}

func (c *Cache) pickSlab() *slabHeader {
	for _, state := range []slabState{slabEmpty, slabPartial} {
		if head := c.heads[state]; head != 0 {
			return slabAt(head)
		}
	}
	return nil
}

// Free returns obj to c. Freeing an object that was not allocated from c or
// that is already free is fatal. Once a slab becomes empty it is kept for reuse unless the cache
// already holds its quota of empty slabs, in which case its page is
// released.
func (a *Allocator) Free(c *Cache, obj uintptr) {
	s := slabOf(obj)
	if obj == 0 || s.cache != c.addr() || !s.owns(obj) {
		kfmt.Panic(errForeignObject)
	}

	c.lock.Acquire()
	if s.numAvailable >= s.maxObjects || s.onFreeList(obj) {
		c.lock.Release()
		kfmt.Panic(errDoubleFree)
	}
	c.lock.Release()

	if h := c.hooks; h != 0 {
		if dtor := a.hooksFor(h).dtor; dtor != nil {
			dtor(obj)
		}
	}

	c.lock.Acquire()
	s.putObject(obj)
	c.numLiveObjects--

	var release kvm.KvPage
	if s.numAvailable == s.maxObjects && c.numSlabs[slabEmpty] >= a.emptyMax {
		c.unlinkSlab(s)
		release = s.backing

		// A stale free of an object in a released but still mapped page
		// must not match this cache.
		s.cache = 0
	} else {
		c.relink(s)
	}
	c.lock.Release()

	if release != 0 {
		a.releaseLog.Debugf("releasing empty slab of %d-byte cache at %#x", c.objectSize, c.addr())
		a.pages.FreeKvPage(release)
	}
}

// Destroy releases every slab of c and returns c to the cache of caches.
// Destroying a cache that still has live objects is fatal.
func (a *Allocator) Destroy(c *Cache) {
	if c == a.cacheOfCaches {
		kfmt.Panic(errDestroyCacheCache)
	}

	c.lock.Acquire()
	if c.numLiveObjects != 0 {
		c.lock.Release()
		kfmt.Panic(errLiveObjects)
	}

	var pages []kvm.KvPage
	for c.heads[slabEmpty] != 0 {
		s := slabAt(c.heads[slabEmpty])
		c.unlinkSlab(s)
		s.cache = 0
		pages = append(pages, s.backing)
	}
	h := c.hooks
	c.hooks = 0
	c.lock.Release()

	for _, p := range pages {
		a.pages.FreeKvPage(p)
	}
	if h != 0 {
		a.unregisterHooks(h)
	}
	a.Free(a.cacheOfCaches, c.addr())
}

// GetOwningCache returns the cache obj was allocated from.
func GetOwningCache(obj uintptr) *Cache {
	return (*Cache)(unsafe.Pointer(slabOf(obj).cache))
}

// Verify checks that every slab of c is linked into the list matching its
// object count and that the cache counters agree with the lists.
func (a *Allocator) Verify(c *Cache) error {
	c.lock.Acquire()
	defer c.lock.Release()

	var live uintptr
	for state := slabEmpty; state < numSlabStates; state++ {
		var (
			count uintptr
			prev  uintptr
		)
		for cur := c.heads[state]; cur != 0; cur = slabAt(cur).next {
			s := slabAt(cur)
			switch {
			case s.cache != c.addr():
				return errors.Errorf("slab %#x on %s list belongs to cache %#x", cur, state, s.cache)
			case s.state != state:
				return errors.Errorf("slab %#x on %s list is marked %s", cur, state, s.state)
			case s.numAvailable > s.maxObjects:
				return errors.Errorf("slab %#x has %d of %d objects available", cur, s.numAvailable, s.maxObjects)
			case s.freeListLen()+s.untouched() != s.numAvailable:
				return errors.Errorf("slab %#x free list holds %d objects and %d are untouched; counter says %d available", cur, s.freeListLen(), s.untouched(), s.numAvailable)
			case s.wantState() != state:
				return errors.Errorf("slab %#x on %s list has %d of %d objects available", cur, state, s.numAvailable, s.maxObjects)
			case s.prev != prev:
				return errors.Errorf("slab %#x on %s list has a broken back link", cur, state)
			}
			live += s.maxObjects - s.numAvailable
			prev = cur
			count++
		}
		if count != c.numSlabs[state] {
			return errors.Errorf("%s list holds %d slabs; counter says %d", state, count, c.numSlabs[state])
		}
	}
	if live != c.numLiveObjects {
		return errors.Errorf("slabs hold %d live objects; counter says %d", live, c.numLiveObjects)
	}
	if c.numSlabs[slabEmpty] > a.emptyMax && c != a.cacheOfCaches {
		return errors.Errorf("%d empty slabs exceed the limit of %d", c.numSlabs[slabEmpty], a.emptyMax)
	}
	return nil
}

func (a *Allocator) registerHooks(h hooks) uintptr {
	a.hooksMu.Lock()
	defer a.hooksMu.Unlock()

	if n := len(a.freeHooks); n > 0 {
		idx := a.freeHooks[n-1]
		a.freeHooks = a.freeHooks[:n-1]
		a.hooks[idx] = h
		return idx
	}
	a.hooks = append(a.hooks, h)
	return uintptr(len(a.hooks) - 1)
}

func (a *Allocator) unregisterHooks(idx uintptr) {
	a.hooksMu.Lock()
	defer a.hooksMu.Unlock()

	a.hooks[idx] = hooks{}
	a.freeHooks = append(a.freeHooks, idx)
}

func (a *Allocator) hooksFor(idx uintptr) hooks {
	a.hooksMu.Lock()
	defer a.hooksMu.Unlock()
	return a.hooks[idx]
}
