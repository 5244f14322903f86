//go:build !linux

package hostmem

import "github.com/sameo/salus/internal/riscv"

// NewPinnedArena falls back to a heap-backed arena on every platform other
// than Linux.
func NewPinnedArena(base riscv.SupervisorPhysAddr, size uint64) (*Arena, error) {
	return NewArena(base, size)
}
