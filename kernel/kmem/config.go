package kmem

import (
	"sort"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"

	"kernmem/kernel/kfmt"
	"kernmem/kernel/mm"
	"kernmem/kernel/mm/slab"
)

// Config describes the simulated machine and the tunables of the memory
// management subsystem.
type Config struct {
	// PhysicalPages is the amount of simulated RAM in pages.
	PhysicalPages uint64 `toml:"physical_pages"`

	// MmioStartFrame and MmioFrames describe a range of reserved physical
	// frames that stand in for device memory. They are never handed out
	// by the physical allocator.
	MmioStartFrame uint64 `toml:"mmio_start_frame"`
	MmioFrames     uint64 `toml:"mmio_frames"`

	// BootPoolPages is the size of the pre-mapped pool the bootstrap arena
	// is built on.
	BootPoolPages uint64 `toml:"boot_pool_pages"`

	// KernelPages is the size of the lazily backed kernel address range.
	KernelPages uint64 `toml:"kernel_pages"`

	// PageTableSlots is the number of virtual pages reserved for the page
	// table cache. PageTableLowWater and PageTableHighWater are its free
	// slot watermarks.
	PageTableSlots     int `toml:"ptab_slots"`
	PageTableLowWater  int `toml:"ptab_low_water"`
	PageTableHighWater int `toml:"ptab_high_water"`

	// SlabEmptyMax is the number of empty slabs each cache retains.
	SlabEmptyMax int `toml:"slab_empty_max"`

	// KmallocSizes lists the kmalloc size classes in bytes.
	KmallocSizes []uint64 `toml:"kmalloc_sizes"`

	LogLevel string `toml:"log_level"`
}

// DefaultConfig returns a configuration suitable for tests and the
// simulator defaults.
func DefaultConfig() Config {
	return Config{
		PhysicalPages:      1024,
		MmioStartFrame:     1008,
		MmioFrames:         16,
		BootPoolPages:      32,
		KernelPages:        1024,
		PageTableSlots:     16,
		PageTableLowWater:  2,
		PageTableHighWater: 4,
		SlabEmptyMax:       slab.DefaultEmptyMax,
		KmallocSizes:       []uint64{16, 32, 64, 128, 256, 512, 1024, 2048},
		LogLevel:           "info",
	}
}

// LoadConfig reads a TOML configuration file. Keys missing from the file
// keep their default values.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return cfg, errors.Wrapf(err, "loading config %q", path)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return cfg, errors.Errorf("config %q: unknown key %q", path, undecoded[0].String())
	}
	return cfg, cfg.Validate()
}

// Validate checks the configuration for consistency.
func (c Config) Validate() error {
	switch {
	case c.PhysicalPages == 0:
		return errors.New("physical_pages must be positive")
	case c.MmioStartFrame+c.MmioFrames > c.PhysicalPages:
		return errors.Errorf("MMIO range [%d, %d) exceeds physical memory of %d pages", c.MmioStartFrame, c.MmioStartFrame+c.MmioFrames, c.PhysicalPages)
	case c.BootPoolPages < 2:
		return errors.New("boot_pool_pages must be at least 2")
	case c.KernelPages < 2:
		return errors.New("kernel_pages must be at least 2")
	case c.PageTableSlots < 2:
		return errors.New("ptab_slots must be at least 2")
	case c.PageTableLowWater < 0 || c.PageTableLowWater > c.PageTableHighWater || c.PageTableHighWater > c.PageTableSlots:
		return errors.Errorf("page table watermarks must satisfy 0 <= low (%d) <= high (%d) <= slots (%d)", c.PageTableLowWater, c.PageTableHighWater, c.PageTableSlots)
	case c.SlabEmptyMax < 0:
		return errors.New("slab_empty_max must not be negative")
	case len(c.KmallocSizes) == 0:
		return errors.New("at least one kmalloc size class is required")
	}

	if !sort.SliceIsSorted(c.KmallocSizes, func(i, j int) bool { return c.KmallocSizes[i] < c.KmallocSizes[j] }) {
		return errors.New("kmalloc size classes must be sorted")
	}
	for i, size := range c.KmallocSizes {
		if size == 0 || size >= uint64(mm.PageSize) {
			return errors.Errorf("kmalloc size class %d out of range (0, %d)", size, mm.PageSize)
		}
		if i > 0 && size == c.KmallocSizes[i-1] {
			return errors.Errorf("duplicate kmalloc size class %d", size)
		}
	}

	if _, err := kfmt.ParseLevel(c.LogLevel); err != nil {
		return errors.Wrap(err, "log_level")
	}
	return nil
}

// virtualPages returns the size of the simulated virtual address space:
// the boot pool, the kernel range and the page table cache slots.
func (c Config) virtualPages() uint64 {
	return c.BootPoolPages + c.KernelPages + uint64(c.PageTableSlots)
}
