// Package machine simulates the hardware the memory management subsystem
// runs on: a block of physical RAM and an MMU.
//
// Physical RAM is a memfd; physical address p corresponds to file offset p.
// The virtual address space is a single host reservation and establishing a
// translation for a virtual page maps the backing frame at that address with
// MAP_SHARED|MAP_FIXED. Two virtual pages that translate to the same frame
// therefore alias each other exactly like they would on real hardware, and
// every mapped kernel virtual address can be dereferenced directly.
package machine

import (
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"kernmem/kernel/mm"
)

// Machine is a simulated set of physical memory and MMU.
type Machine struct {
	memfd     int
	physPages uint64

	vaBase uintptr
	vaSize uintptr
}

// New allocates physPages frames of physical RAM and reserves vaPages pages
// of virtual address space. The reserved range is inaccessible until pages
// are mapped into it.
func New(physPages, vaPages uint64) (*Machine, error) {
	if hostPageSize := uintptr(unix.Getpagesize()); hostPageSize != mm.PageSize {
		return nil, errors.Errorf("host page size %d does not match kernel page size %d", hostPageSize, mm.PageSize)
	}

	fd, err := unix.MemfdCreate("kmem-physmem", unix.MFD_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "creating physical memory file")
	}

	if err = unix.Ftruncate(fd, int64(physPages)*int64(mm.PageSize)); err != nil {
		_ = unix.Close(fd)
		return nil, errors.Wrapf(err, "sizing physical memory to %d pages", physPages)
	}

	vaSize := uintptr(vaPages) << mm.PageShift
	base, err := unix.MmapPtr(-1, 0, nil, vaSize, unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		_ = unix.Close(fd)
		return nil, errors.Wrapf(err, "reserving %d pages of virtual address space", vaPages)
	}

	return &Machine{
		memfd:     fd,
		physPages: physPages,
		vaBase:    uintptr(base),
		vaSize:    vaSize,
	}, nil
}

// PhysicalPages returns the number of frames of physical RAM.
func (m *Machine) PhysicalPages() uint64 { return m.physPages }

// VirtualBase returns the first address of the virtual address space.
func (m *Machine) VirtualBase() uintptr { return m.vaBase }

// VirtualSize returns the size in bytes of the virtual address space.
func (m *Machine) VirtualSize() uintptr { return m.vaSize }

func (m *Machine) checkPage(vaddr uintptr) error {
	if vaddr&mm.PageMask != 0 {
		return errors.Errorf("virtual address %#x is not page-aligned", vaddr)
	}
	if vaddr < m.vaBase || vaddr-m.vaBase >= m.vaSize {
		return errors.Errorf("virtual address %#x is outside the machine address space", vaddr)
	}
	return nil
}

func hostProt(perm mm.Perm) int {
	prot := unix.PROT_NONE
	if perm.Has(mm.PermRead) {
		prot |= unix.PROT_READ
	}
	if perm.Has(mm.PermWrite) {
		prot |= unix.PROT_READ | unix.PROT_WRITE
	}
	if perm.Has(mm.PermExec) {
		prot |= unix.PROT_READ | unix.PROT_EXEC
	}
	return prot
}

// Map installs a translation from the virtual page at vaddr to frame,
// replacing any previous translation for that page.
func (m *Machine) Map(vaddr uintptr, frame mm.Frame, perm mm.Perm) error {
	if err := m.checkPage(vaddr); err != nil {
		return err
	}
	if uint64(frame) >= m.physPages {
		return errors.Errorf("frame %d is outside physical memory (%d pages)", frame, m.physPages)
	}

	_, err := unix.MmapPtr(m.memfd, int64(frame.Address()), unsafe.Pointer(vaddr), mm.PageSize, hostProt(perm), unix.MAP_SHARED|unix.MAP_FIXED)
	return errors.Wrapf(err, "mapping frame %d at %#x", frame, vaddr)
}

// Unmap removes the translation for the virtual page at vaddr. Subsequent
// accesses to the page fault.
func (m *Machine) Unmap(vaddr uintptr) error {
	if err := m.checkPage(vaddr); err != nil {
		return err
	}

	_, err := unix.MmapPtr(-1, 0, unsafe.Pointer(vaddr), mm.PageSize, unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_FIXED|unix.MAP_NORESERVE)
	return errors.Wrapf(err, "unmapping %#x", vaddr)
}

// Protect changes the access permissions of the mapped page at vaddr.
func (m *Machine) Protect(vaddr uintptr, perm mm.Perm) error {
	if err := m.checkPage(vaddr); err != nil {
		return err
	}

	page := unsafe.Slice((*byte)(unsafe.Pointer(vaddr)), mm.PageSize)
	return errors.Wrapf(unix.Mprotect(page, hostProt(perm)), "protecting %#x", vaddr)
}

// Close releases the virtual address space reservation and the physical
// memory backing it.
func (m *Machine) Close() error {
	if err := unix.MunmapPtr(unsafe.Pointer(m.vaBase), m.vaSize); err != nil {
		return errors.Wrap(err, "releasing virtual address space")
	}
	return errors.Wrap(unix.Close(m.memfd), "releasing physical memory")
}
