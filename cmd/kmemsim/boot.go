package main

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"
)

// Boot implements subcommands.Command for the "boot" command.
type Boot struct {
	verify bool
}

// Name implements subcommands.Command.Name.
func (*Boot) Name() string {
	return "boot"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Boot) Synopsis() string {
	return "initialize the memory subsystem and print its state"
}

// Usage implements subcommands.Command.Usage.
func (*Boot) Usage() string {
	return `boot [flags] - initialize the memory subsystem on a simulated machine and print its statistics.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (b *Boot) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&b.verify, "verify", true, "check allocator invariants after initialization")
}

// Execute implements subcommands.Command.Execute.
func (b *Boot) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	sys, err := boot()
	if err != nil {
		return Errorf("boot failed: %v", err)
	}
	defer sys.Close()

	if b.verify {
		if err := sys.Verify(); err != nil {
			return Errorf("invariant check failed: %v", err)
		}
	}

	printStats(os.Stdout, sys.Stats())
	return subcommands.ExitSuccess
}
