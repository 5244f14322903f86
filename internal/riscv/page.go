package riscv

import "fmt"

// PageSize is the size of a page mappable by some level of a page table.
type PageSize uint64

const (
	PageSize4k   PageSize = 4 << 10
	PageSize2M   PageSize = 2 << 20
	PageSize1G   PageSize = 1 << 30
	PageSize512G PageSize = 512 << 30
)

// IsHuge reports whether the page size is larger than the base 4KB page.
func (s PageSize) IsHuge() bool {
	return s > PageSize4k
}

func (s PageSize) String() string {
	switch s {
	case PageSize4k:
		return "4k"
	case PageSize2M:
		return "2M"
	case PageSize1G:
		return "1G"
	case PageSize512G:
		return "512G"
	default:
		return fmt.Sprintf("PageSize(0x%x)", uint64(s))
	}
}

// MemType describes the type of physical memory backing a frame.
type MemType int

const (
	// MemRam is conventional RAM.
	MemRam MemType = iota
	// MemMmio is memory-mapped device space.
	MemMmio
)

func (t MemType) String() string {
	switch t {
	case MemRam:
		return "ram"
	case MemMmio:
		return "mmio"
	default:
		return fmt.Sprintf("MemType(%d)", int(t))
	}
}

// PageOwnerId identifies the entity that owns a physical frame: the TSM
// itself, the host VM, or one of the guest VMs.
type PageOwnerId uint64

const (
	// OwnerHypervisor is the TSM's own identifier.
	OwnerHypervisor PageOwnerId = 0
	// OwnerHost is the host VM's identifier.
	OwnerHost PageOwnerId = 1
	// firstGuestOwner is the first identifier handed out to guests.
	firstGuestOwner PageOwnerId = 2
)

// GuestOwner returns the owner identifier for the n'th guest VM.
func GuestOwner(n uint64) PageOwnerId {
	return firstGuestOwner + PageOwnerId(n)
}

// SequentialPages is a contiguous run of equally-sized physical pages.
type SequentialPages struct {
	base  SupervisorPhysAddr
	count uint64
	size  PageSize
}

// NewSequentialPages builds a run of count pages of the given size starting
// at base. base must be aligned to the page size.
func NewSequentialPages(base SupervisorPhysAddr, count uint64, size PageSize) (SequentialPages, error) {
	if !Aligned(uint64(base), uint64(size)) {
		return SequentialPages{}, fmt.Errorf("riscv: page run base 0x%x not aligned to %s", uint64(base), size)
	}
	return SequentialPages{base: base, count: count, size: size}, nil
}

// Base returns the address of the first page.
func (s SequentialPages) Base() SupervisorPhysAddr { return s.base }

// Len returns the number of pages in the run.
func (s SequentialPages) Len() uint64 { return s.count }

// PageSize returns the size of each page in the run.
func (s SequentialPages) PageSize() PageSize { return s.size }

// End returns the first address past the run.
func (s SequentialPages) End() SupervisorPhysAddr {
	return s.base + SupervisorPhysAddr(s.count*uint64(s.size))
}

// CleanPage is a zeroed 4KB page whose unique ownership is being handed to
// the paging engine, either as a PTE page or as a root table page.
type CleanPage struct {
	addr SupervisorPhysAddr
}

// NewCleanPage wraps a zeroed, 4KB-aligned frame. The caller asserts unique
// ownership of the frame and that it has been cleared.
func NewCleanPage(addr SupervisorPhysAddr) (CleanPage, error) {
	if !Aligned(uint64(addr), uint64(PageSize4k)) {
		return CleanPage{}, fmt.Errorf("riscv: clean page 0x%x not 4k aligned", uint64(addr))
	}
	return CleanPage{addr: addr}, nil
}

// Addr returns the frame's physical address.
func (p CleanPage) Addr() SupervisorPhysAddr { return p.addr }

// MappablePage is a physical page whose ownership is being transferred into
// a page table mapping. The concrete type carries the page's measurement
// category, which the engine itself doesn't inspect.
type MappablePage interface {
	Addr() SupervisorPhysAddr
	Size() PageSize
}

// MeasuredPage is a mappable page whose contents have been measured into
// the attestation state.
type MeasuredPage struct {
	addr SupervisorPhysAddr
	size PageSize
}

// NewMeasuredPage wraps a measured frame of the given size.
func NewMeasuredPage(addr SupervisorPhysAddr, size PageSize) MeasuredPage {
	return MeasuredPage{addr: addr, size: size}
}

func (p MeasuredPage) Addr() SupervisorPhysAddr { return p.addr }
func (p MeasuredPage) Size() PageSize           { return p.size }

// ZeroPage is a mappable page that is guaranteed zero-filled and therefore
// needs no measurement.
type ZeroPage struct {
	addr SupervisorPhysAddr
	size PageSize
}

// NewZeroPage wraps a zero-filled frame of the given size.
func NewZeroPage(addr SupervisorPhysAddr, size PageSize) ZeroPage {
	return ZeroPage{addr: addr, size: size}
}

func (p ZeroPage) Addr() SupervisorPhysAddr { return p.addr }
func (p ZeroPage) Size() PageSize           { return p.size }
