package main

import (
	"context"
	"flag"
	"math/rand"
	"os"
	"time"
	"unsafe"

	"github.com/google/subcommands"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"kernmem/kernel/kfmt"
	"kernmem/kernel/kmem"
	"kernmem/kernel/mm"
)

// Stress implements subcommands.Command for the "stress" command.
type Stress struct {
	workers int
	ops     int
	maxSize uint
	seed    int64
}

// Name implements subcommands.Command.Name.
func (*Stress) Name() string {
	return "stress"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stress) Synopsis() string {
	return "run concurrent kmalloc/kfree workers and verify allocator invariants"
}

// Usage implements subcommands.Command.Usage.
func (*Stress) Usage() string {
	return `stress [flags] - hammer the kmalloc size classes from several workers.

Every worker tags the objects it owns and checks the tag before freeing them,
so objects handed out twice are detected.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stress) SetFlags(f *flag.FlagSet) {
	f.IntVar(&s.workers, "workers", 4, "number of concurrent workers")
	f.IntVar(&s.ops, "ops", 10000, "operations per worker")
	f.UintVar(&s.maxSize, "max-size", 2048, "largest allocation size in bytes")
	f.Int64Var(&s.seed, "seed", 0, "random seed; 0 picks one from the clock")
}

// Execute implements subcommands.Command.Execute.
func (s *Stress) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 0 || s.workers <= 0 || s.ops <= 0 || s.maxSize < uint(unsafe.Sizeof(uintptr(0))) {
		f.Usage()
		return subcommands.ExitUsageError
	}
	if s.seed == 0 {
		s.seed = time.Now().UnixNano()
	}

	sys, err := boot()
	if err != nil {
		return Errorf("boot failed: %v", err)
	}
	defer sys.Close()

	log := kfmt.Module("stress")
	log.Infof("running %d workers x %d ops (seed %d)", s.workers, s.ops, s.seed)

	start := time.Now()
	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < s.workers; w++ {
		rng := rand.New(rand.NewSource(s.seed + int64(w)))
		g.Go(func() error {
			return s.work(ctx, sys, rng)
		})
	}
	if err := g.Wait(); err != nil {
		return Errorf("stress failed: %v", err)
	}
	log.Infof("completed in %v", time.Since(start))

	if err := sys.Verify(); err != nil {
		return Errorf("invariant check failed: %v", err)
	}
	for _, c := range sys.Stats().Kmalloc {
		if c.LiveObjects != 0 {
			return Errorf("kmalloc-%d leaked %d objects", c.ObjectSize, c.LiveObjects)
		}
	}

	printStats(os.Stdout, sys.Stats())
	return subcommands.ExitSuccess
}

// work performs a random mix of allocations and frees. Objects store their
// own address in their first word.
func (s *Stress) work(ctx context.Context, sys *kmem.System, rng *rand.Rand) error {
	var live []uintptr
	defer func() {
		for _, obj := range live {
			sys.Kfree(obj)
		}
	}()

	for i := 0; i < s.ops; i++ {
		if i%256 == 0 && ctx.Err() != nil {
			return ctx.Err()
		}

		if len(live) > 0 && rng.Intn(2) == 0 {
			idx := rng.Intn(len(live))
			obj := live[idx]
			live[idx] = live[len(live)-1]
			live = live[:len(live)-1]

			if got := *(*uintptr)(unsafe.Pointer(obj)); got != obj {
				return errors.Errorf("object %#x was overwritten with %#x", obj, got)
			}
			sys.Kfree(obj)
			continue
		}

		size := uintptr(rng.Intn(int(s.maxSize))) + 1
		obj, kerr := sys.Kmalloc(size)
		if kerr == mm.ErrOutOfMemory {
			continue
		}
		if kerr != nil {
			return errors.Wrapf(kerr, "kmalloc(%d)", size)
		}
		*(*uintptr)(unsafe.Pointer(obj)) = obj
		live = append(live, obj)
	}
	return nil
}
