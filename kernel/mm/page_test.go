package mm

import "testing"

func TestFrameMethods(t *testing.T) {
	for frameIndex := uint64(0); frameIndex < 128; frameIndex++ {
		frame := Frame(frameIndex)

		if !frame.Valid() {
			t.Errorf("expected frame %d to be valid", frameIndex)
		}

		if exp, got := uintptr(frameIndex<<PageShift), frame.Address(); got != exp {
			t.Errorf("expected frame (%d, index: %d) call to Address() to return %x; got %x", frame, frameIndex, exp, got)
		}
	}

	invalidFrame := InvalidFrame
	if invalidFrame.Valid() {
		t.Error("expected InvalidFrame.Valid() to return false")
	}
}

func TestFrameFromAddress(t *testing.T) {
	specs := []struct {
		input    uintptr
		expFrame Frame
	}{
		{0, Frame(0)},
		{4095, Frame(0)},
		{4096, Frame(1)},
		{4123, Frame(1)},
	}

	for specIndex, spec := range specs {
		if got := FrameFromAddress(spec.input); got != spec.expFrame {
			t.Errorf("[spec %d] expected returned frame to be %v; got %v", specIndex, spec.expFrame, got)
		}
	}
}

func TestPageAlignUp(t *testing.T) {
	specs := []struct {
		input, exp uintptr
	}{
		{0, 0},
		{1, 4096},
		{4096, 4096},
		{4097, 8192},
		{12287, 12288},
	}

	for specIndex, spec := range specs {
		if got := PageAlignUp(spec.input); got != spec.exp {
			t.Errorf("[spec %d] expected PageAlignUp to return %x; got %x", specIndex, spec.exp, got)
		}
	}
}

func TestPermString(t *testing.T) {
	specs := []struct {
		perm Perm
		exp  string
	}{
		{0, "----"},
		{PermKernelRW, "rw--"},
		{PermRead | PermExec | PermUser, "r-xu"},
		{PermKernelRW | PermUncached, "rw--c"},
	}

	for specIndex, spec := range specs {
		if got := spec.perm.String(); got != spec.exp {
			t.Errorf("[spec %d] expected %q; got %q", specIndex, spec.exp, got)
		}
	}
}
