//go:build linux

package hostmem

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/sameo/salus/internal/riscv"
)

// NewPinnedArena creates an arena backed by anonymous mmap'd memory, so the
// window is host-page-aligned the way a VMM allocates guest RAM. Close
// unmaps the backing memory.
func NewPinnedArena(base riscv.SupervisorPhysAddr, size uint64) (*Arena, error) {
	if !riscv.Aligned(uint64(base), uint64(riscv.PageSize4k)) {
		return nil, fmt.Errorf("hostmem: arena base 0x%x not page aligned", uint64(base))
	}
	if size == 0 || !riscv.Aligned(size, uint64(riscv.PageSize4k)) {
		return nil, fmt.Errorf("hostmem: arena size 0x%x not a multiple of the page size", size)
	}

	data, err := unix.Mmap(-1, 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("hostmem: mmap 0x%x bytes: %w", size, err)
	}

	return newArenaWithBacking(base, data, func() error {
		if err := unix.Munmap(data); err != nil {
			return fmt.Errorf("hostmem: munmap: %w", err)
		}
		return nil
	}), nil
}
