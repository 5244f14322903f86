package pagetable

import "github.com/sameo/salus/internal/riscv"

// Mapper is a scoped reservation of leaf PTEs produced by MapRange. Mapping
// an address inside the reservation is guaranteed to succeed as long as it
// hasn't already been mapped through this Mapper. Close releases whatever
// part of the reservation was never mapped; since Go has no destructors the
// caller must call Close when done (a deferred call is the usual shape).
type Mapper[A riscv.MappedAddr] struct {
	pt       *PageTable[A]
	addr     A
	numPages uint64
	closed   bool
}

// Base returns the first address of the reservation.
func (m *Mapper[A]) Base() A { return m.addr }

// NumPages returns the number of reserved leaf PTEs.
func (m *Mapper[A]) NumPages() uint64 { return m.numPages }

// MapPage installs a translation from addr to page, consuming the page.
// addr must fall inside the reservation and page must be 4KB.
func (m *Mapper[A]) MapPage(addr A, page riscv.MappablePage) error {
	if m.closed {
		panic("pagetable: MapPage on closed mapper")
	}
	if page.Size().IsHuge() {
		return &PageSizeNotSupportedError{Size: page.Size()}
	}
	end := uint64(m.addr) + m.numPages*uint64(riscv.PageSize4k)
	if uint64(addr) < uint64(m.addr) || uint64(addr) >= end {
		return ErrOutOfMapRange
	}

	m.pt.mu.Lock()
	defer m.pt.mu.Unlock()
	return m.pt.inner.mapLeaf(uint64(addr), page.Addr(), PermsRWX)
}

// Close unlocks every reserved PTE that was never mapped. PTEs that became
// leaves through MapPage ignore the unlock. Close is idempotent and never
// fails observably.
func (m *Mapper[A]) Close() {
	if m.closed {
		return
	}
	m.closed = true

	m.pt.mu.Lock()
	defer m.pt.mu.Unlock()
	for i := uint64(0); i < m.numPages; i++ {
		a := uint64(m.addr) + i*uint64(riscv.PageSize4k)
		// Expected to fail for entries that were mapped, which already
		// cleared the lock.
		_ = m.pt.inner.unlockLeaf(a)
	}
}
