// Package kvm manages the kernel virtual address space. Pages are handed out
// by arenas: an eager arena over the memory pool provided by the boot loader
// and a lazy arena over the kernel address range whose pages are backed on
// demand by the kernel memory object.
package kvm

import (
	"kernmem/kernel"
	"kernmem/kernel/kfmt"
	"kernmem/kernel/mm"
	"kernmem/kernel/mm/ptab"
	"kernmem/kernel/mm/vm"
	"kernmem/kernel/sync"
)

var (
	errPhase1Done     = &kernel.Error{Module: "kvm", Message: "bootstrap arena already initialized"}
	errPhase2Done     = &kernel.Error{Module: "kvm", Message: "kernel arena already initialized"}
	errNotInitialized = &kernel.Error{Module: "kvm", Message: "kernel virtual memory manager not initialized"}
)

// KernelLayout describes the kernel address range managed after the second
// initialization phase.
type KernelLayout struct {
	// Base is the first address of the kernel address range.
	Base uintptr

	// Pages is the size of the kernel address range.
	Pages uint64

	// Tables translate the kernel address range.
	Tables *ptab.PageTables

	// MMU applies page table updates.
	MMU vm.MMU

	// Frames supplies the physical pages backing kernel memory.
	Frames vm.PageAllocator
}

// Manager owns the arenas of the kernel address space.
type Manager struct {
	listLock sync.Spinlock
	arenas   []Arena

	bootstrap *EagerArena
	general   *LazyArena

	kernelBase uintptr
	space      *vm.AddressSpace
	object     *vm.Object
	frames     vm.PageAllocator
}

// New returns an uninitialized manager.
func New() *Manager {
	return &Manager{}
}

// InitPhase1 builds the bootstrap arena over the boot pool. After it returns
// AllocKvPage serves pages from the pool.
func (m *Manager) InitPhase1(pool BootPool) *kernel.Error {
	if m.bootstrap != nil {
		return errPhase1Done
	}

	arena, err := NewEagerArena(pool)
	if err != nil {
		return err
	}

	m.listLock.Acquire()
	m.bootstrap = arena
	m.arenas = append(m.arenas, arena)
	m.listLock.Release()

	kfmt.Module("kvm").Infof("bootstrap arena at %#x: %d pages, %d usable", pool.Base, pool.Pages, arena.NumFree())
	return nil
}

// InitPhase2 creates the kernel address space and its memory object and
// builds the kernel arena over the kernel address range. The kernel arena is
// tried before the bootstrap arena from then on.
func (m *Manager) InitPhase2(layout KernelLayout) *kernel.Error {
	if m.bootstrap == nil {
		return errNotInitialized
	}
	if m.general != nil {
		return errPhase2Done
	}

	size := uintptr(layout.Pages) << mm.PageShift
	space := vm.NewAddressSpace(layout.Base, layout.Base+size, layout.Tables, layout.MMU)

	object, err := vm.CreateObject(layout.Frames, layout.Pages, vm.BackendKernel, mm.PermKernelRW)
	if err != nil {
		return err
	}
	if _, err = space.AddEntry(object, layout.Base, size); err != nil {
		object.DeRef()
		return err
	}
	if err = object.PageIn(0); err != nil {
		object.DeRef()
		return err
	}

	arena, err := NewLazyArena(space, object, layout.Frames, layout.Base, layout.Pages)
	if err != nil {
		object.DeRef()
		return err
	}

	m.listLock.Acquire()
	m.general = arena
	m.kernelBase = layout.Base
	m.space = space
	m.object = object
	m.frames = layout.Frames
	m.arenas = append([]Arena{arena}, m.arenas...)
	m.listLock.Release()

	kfmt.Module("kvm").Infof("kernel arena at %#x: %d pages, %d usable", layout.Base, layout.Pages, arena.NumFree())
	return nil
}

// AllocKvPage returns a page of kernel virtual memory from the first arena
// with free pages. It returns mm.ErrOutOfMemory if every arena is exhausted
// or the page cannot be backed.
func (m *Manager) AllocKvPage() (KvPage, *kernel.Error) {
	m.listLock.Acquire()
	arenas := m.arenas
	m.listLock.Release()

	for _, a := range arenas {
		if a.NumFree() == 0 {
			continue
		}
		p, err := allocFrom(a)
		if err == mm.ErrOutOfMemory && a.NumFree() == 0 {
			// Drained by a concurrent allocation.
			continue
		}
		return p, err
	}
	return 0, mm.ErrOutOfMemory
}

// FreeKvPage returns a page obtained from AllocKvPage. Pages of the kernel
// arena are unmapped and their physical page is released.
func (m *Manager) FreeKvPage(p KvPage) {
	freeTo(m.owner(p.Vaddr()), p)
}

// owner selects the arena vaddr belongs to. The kernel address range lies
// above the boot pool.
func (m *Manager) owner(vaddr uintptr) Arena {
	m.listLock.Acquire()
	defer m.listLock.Release()

	switch {
	case m.general != nil && vaddr >= m.kernelBase:
		return m.general
	case m.bootstrap != nil:
		return m.bootstrap
	}
	kfmt.Panic(errNotInitialized)
	return nil
}

// GetKernelSpace returns the kernel address space or nil before InitPhase2.
func (m *Manager) GetKernelSpace() *vm.AddressSpace {
	m.listLock.Acquire()
	defer m.listLock.Release()
	return m.space
}

// KernelObject returns the memory object backing the kernel arena.
func (m *Manager) KernelObject() *vm.Object {
	m.listLock.Acquire()
	defer m.listLock.Release()
	return m.object
}

// Stats returns the state of every arena in allocation order.
func (m *Manager) Stats() []ArenaStats {
	m.listLock.Acquire()
	arenas := m.arenas
	m.listLock.Release()

	stats := make([]ArenaStats, 0, len(arenas))
	for _, a := range arenas {
		stats = append(stats, a.Stats())
	}
	return stats
}

// Shutdown drops the kernel memory object, unmapping and releasing every
// page of the kernel arena. The manager must not be used afterwards.
func (m *Manager) Shutdown() {
	m.listLock.Acquire()
	object := m.object
	m.arenas, m.general, m.bootstrap, m.object, m.space = nil, nil, nil, nil, nil
	m.listLock.Release()

	if object != nil {
		object.DeRef()
	}
}
