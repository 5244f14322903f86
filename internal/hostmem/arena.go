// Package hostmem provides the physical memory arenas that back page-table
// storage and mapped frames. An Arena models a window of supervisor
// physical address space, with 64-bit accessors for PTE cells and a simple
// region allocator for carving out root tables and page pools.
package hostmem

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/sameo/salus/internal/riscv"
)

// Allocation records a named region carved out of an arena.
type Allocation struct {
	Name string
	Base riscv.SupervisorPhysAddr
	Size uint64
}

// Arena is a contiguous window of physical address space [base, base+size).
// The paging engine addresses it by supervisor physical address; accesses
// outside the window are programming errors and panic.
type Arena struct {
	mu sync.Mutex

	base riscv.SupervisorPhysAddr
	data []byte

	// next is the bump pointer for region allocation.
	next uint64

	allocations []Allocation

	// release tears down the backing memory, if any.
	release func() error
}

// NewArena creates a heap-backed arena of size bytes at base. base must be
// 4KB aligned and size a multiple of 4KB.
func NewArena(base riscv.SupervisorPhysAddr, size uint64) (*Arena, error) {
	if !riscv.Aligned(uint64(base), uint64(riscv.PageSize4k)) {
		return nil, fmt.Errorf("hostmem: arena base 0x%x not page aligned", uint64(base))
	}
	if size == 0 || !riscv.Aligned(size, uint64(riscv.PageSize4k)) {
		return nil, fmt.Errorf("hostmem: arena size 0x%x not a multiple of the page size", size)
	}
	return &Arena{base: base, data: make([]byte, size)}, nil
}

// newArenaWithBacking wraps externally allocated backing memory.
func newArenaWithBacking(base riscv.SupervisorPhysAddr, data []byte, release func() error) *Arena {
	return &Arena{base: base, data: data, release: release}
}

// Base returns the first address of the window.
func (a *Arena) Base() riscv.SupervisorPhysAddr { return a.base }

// Size returns the window's size in bytes.
func (a *Arena) Size() uint64 { return uint64(len(a.data)) }

// End returns the first address past the window.
func (a *Arena) End() riscv.SupervisorPhysAddr {
	return a.base + riscv.SupervisorPhysAddr(len(a.data))
}

// Contains reports whether addr falls inside the window.
func (a *Arena) Contains(addr riscv.SupervisorPhysAddr) bool {
	return addr >= a.base && addr < a.End()
}

func (a *Arena) offset(addr riscv.SupervisorPhysAddr, n uint64) uint64 {
	off := uint64(addr) - uint64(a.base)
	if addr < a.base || off+n > uint64(len(a.data)) {
		panic(fmt.Sprintf("hostmem: access of %d bytes at 0x%x outside arena [0x%x, 0x%x)",
			n, uint64(addr), uint64(a.base), uint64(a.End())))
	}
	return off
}

// Read64 reads the 64-bit cell at addr.
func (a *Arena) Read64(addr riscv.SupervisorPhysAddr) uint64 {
	off := a.offset(addr, 8)
	return binary.LittleEndian.Uint64(a.data[off:])
}

// Write64 writes the 64-bit cell at addr.
func (a *Arena) Write64(addr riscv.SupervisorPhysAddr, v uint64) {
	off := a.offset(addr, 8)
	binary.LittleEndian.PutUint64(a.data[off:], v)
}

// Slice returns the backing bytes for [addr, addr+length).
func (a *Arena) Slice(addr riscv.SupervisorPhysAddr, length uint64) []byte {
	off := a.offset(addr, length)
	return a.data[off : off+length]
}

// Zero clears [addr, addr+length).
func (a *Arena) Zero(addr riscv.SupervisorPhysAddr, length uint64) {
	s := a.Slice(addr, length)
	for i := range s {
		s[i] = 0
	}
}

// AllocPages carves a named run of zeroed 4KB pages out of the arena,
// aligned to align bytes (which must be a power of two; 0 means page
// alignment).
func (a *Arena) AllocPages(name string, numPages uint64, align uint64) (riscv.SequentialPages, error) {
	if align == 0 {
		align = uint64(riscv.PageSize4k)
	}
	if align&(align-1) != 0 {
		return riscv.SequentialPages{}, fmt.Errorf("hostmem: alignment 0x%x is not a power of 2 for %s", align, name)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	size := numPages * uint64(riscv.PageSize4k)
	start := riscv.AlignUp(uint64(a.base)+a.next, align) - uint64(a.base)
	if start+size > uint64(len(a.data)) {
		return riscv.SequentialPages{}, fmt.Errorf("hostmem: arena exhausted allocating 0x%x bytes for %s", size, name)
	}
	a.next = start + size

	base := a.base + riscv.SupervisorPhysAddr(start)
	a.allocations = append(a.allocations, Allocation{Name: name, Base: base, Size: size})

	pages, err := riscv.NewSequentialPages(base, numPages, riscv.PageSize4k)
	if err != nil {
		return riscv.SequentialPages{}, err
	}
	a.Zero(base, size)
	return pages, nil
}

// Allocations returns a copy of the named regions allocated so far.
func (a *Arena) Allocations() []Allocation {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Allocation, len(a.allocations))
	copy(out, a.allocations)
	return out
}

// Close releases the backing memory, if it was externally allocated.
func (a *Arena) Close() error {
	if a.release == nil {
		return nil
	}
	release := a.release
	a.release = nil
	a.data = nil
	return release()
}

// PagePool hands out zeroed 4KB pages from a pre-allocated run, in the
// shape the paging engine's PTE page supplier expects.
type PagePool struct {
	mu    sync.Mutex
	arena *Arena
	pages riscv.SequentialPages
	next  uint64
}

// NewPagePool carves a pool of numPages pages out of the arena.
func (a *Arena) NewPagePool(name string, numPages uint64) (*PagePool, error) {
	pages, err := a.AllocPages(name, numPages, 0)
	if err != nil {
		return nil, err
	}
	return &PagePool{arena: a, pages: pages}, nil
}

// Get returns the next zeroed page from the pool, or nil once exhausted.
func (p *PagePool) Get() *riscv.CleanPage {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.next >= p.pages.Len() {
		return nil
	}
	addr := p.pages.Base() + riscv.SupervisorPhysAddr(p.next*uint64(riscv.PageSize4k))
	p.next++
	p.arena.Zero(addr, uint64(riscv.PageSize4k))
	page, err := riscv.NewCleanPage(addr)
	if err != nil {
		panic(err)
	}
	return &page
}

// Remaining returns how many pages are left in the pool.
func (p *PagePool) Remaining() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pages.Len() - p.next
}

// Pages returns the pool's backing run.
func (p *PagePool) Pages() riscv.SequentialPages { return p.pages }
