package kvm

import (
	"kernmem/kernel"
	"kernmem/kernel/mm"
)

// BootPool is the pre-mapped memory handed over by the boot loader.
type BootPool struct {
	Base  uintptr
	Pages uint64
}

// EagerArena hands out pages of a memory pool that is mapped in its
// entirety for the lifetime of the kernel. Its pages are never unmapped.
type EagerArena struct {
	hdr *arenaHeader
}

// NewEagerArena builds an arena over pool. Its metadata is placed at the
// start of the pool.
func NewEagerArena(pool BootPool) (*EagerArena, *kernel.Error) {
	if pool.Base&mm.PageMask != 0 {
		return nil, errArenaTooSmall
	}
	hdr, err := initHeader(pool.Base, pool.Pages, uintptr(pool.Pages)<<mm.PageShift)
	if err != nil {
		return nil, err
	}
	return &EagerArena{hdr: hdr}, nil
}

// Contains implements Arena.
func (a *EagerArena) Contains(vaddr uintptr) bool { return a.hdr.contains(vaddr) }

// NumFree implements Arena.
func (a *EagerArena) NumFree() uint64 { return numFree(a) }

// Stats implements Arena.
func (a *EagerArena) Stats() ArenaStats { return arenaStats(a, false) }

func (a *EagerArena) header() *arenaHeader { return a.hdr }

func (a *EagerArena) reserveMetadata(uintptr) *kernel.Error { return nil }

func (a *EagerArena) commitIfNeeded(KvPage) *kernel.Error { return nil }

func (a *EagerArena) decommit(KvPage) {}
