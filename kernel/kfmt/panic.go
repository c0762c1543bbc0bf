package kfmt

import "kernmem/kernel"

var (
	// haltFn is invoked by Panic after the diagnostic banner has been
	// emitted. It never returns; the hosted kernel halts by unwinding
	// with the error that caused the panic.
	haltFn = func(err *kernel.Error) {
		panic(err)
	}

	errUnknownCause = &kernel.Error{Module: "rt", Message: "unknown cause"}
)

// Panic outputs the supplied error (if not nil) to the kernel log and halts
// the system. Calls to Panic never return.
func Panic(e interface{}) {
	var err *kernel.Error

	switch t := e.(type) {
	case *kernel.Error:
		err = t
	case string:
		err = &kernel.Error{Module: "rt", Message: t}
	case error:
		err = &kernel.Error{Module: "rt", Message: t.Error()}
	}

	logger.Error("-----------------------------------")
	if err != nil {
		logger.WithField("module", err.Module).Errorf("unrecoverable error: %s", err.Message)
	}
	logger.Error("*** kernel panic: system halted ***")
	logger.Error("-----------------------------------")

	if err == nil {
		err = errUnknownCause
	}
	haltFn(err)
}
