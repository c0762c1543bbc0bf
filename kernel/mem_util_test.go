package kernel

import (
	"testing"
	"unsafe"

	"golang.org/x/sys/unix"
)

func mapScratch(t *testing.T, size int) []byte {
	t.Helper()
	buf, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		t.Skipf("unable to map scratch memory: %v", err)
	}
	t.Cleanup(func() { _ = unix.Munmap(buf) })
	return buf
}

func TestMemset(t *testing.T) {
	buf := mapScratch(t, 4096)

	for _, size := range []uintptr{0, 1, 7, 64, 4095, 4096} {
		for i := range buf {
			buf[i] = 0xfe
		}

		Memset(uintptr(unsafe.Pointer(&buf[0])), 0x00, size)

		for i := uintptr(0); i < uintptr(len(buf)); i++ {
			exp := byte(0xfe)
			if i < size {
				exp = 0
			}
			if buf[i] != exp {
				t.Errorf("[size %d] expected byte %d to be %x; got %x", size, i, exp, buf[i])
				break
			}
		}
	}
}
