package mm

// Perm describes the access permissions of a mapping or memory object.
type Perm uint8

const (
	// PermRead allows the mapped memory to be read.
	PermRead Perm = 1 << iota

	// PermWrite allows the mapped memory to be written.
	PermWrite

	// PermExec allows code to be fetched from the mapped memory.
	PermExec

	// PermUser makes the mapping accessible from user mode. Mappings
	// without this bit are kernel-only.
	PermUser

	// PermUncached disables caching for the mapping (MMIO).
	PermUncached
)

// PermKernelRW is the permission set used for ordinary kernel data pages.
const PermKernelRW = PermRead | PermWrite

// Has returns true if all bits in other are set in p.
func (p Perm) Has(other Perm) bool {
	return p&other == other
}

// String returns an "rwxu"-style representation of p.
func (p Perm) String() string {
	out := []byte("----")
	for i, bit := range []struct {
		perm Perm
		ch   byte
	}{{PermRead, 'r'}, {PermWrite, 'w'}, {PermExec, 'x'}, {PermUser, 'u'}} {
		if p.Has(bit.perm) {
			out[i] = bit.ch
		}
	}
	if p.Has(PermUncached) {
		out = append(out, 'c')
	}
	return string(out)
}
