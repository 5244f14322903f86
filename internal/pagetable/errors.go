package pagetable

import (
	"errors"
	"fmt"

	"github.com/sameo/salus/internal/riscv"
)

// Sentinel errors for page table operations. Errors that carry a payload
// (the rejected root pages, the unsupported page size) have a concrete type
// below that unwraps to the matching sentinel so callers can use errors.Is
// uniformly.
var (
	// ErrInsufficientPages is returned when the root page run is shorter
	// than the mode's root table.
	ErrInsufficientPages = errors.New("pagetable: insufficient root pages")
	// ErrInsufficientPtePages is returned when the PTE page supplier runs
	// out of pages while filling intermediate tables.
	ErrInsufficientPtePages = errors.New("pagetable: insufficient pte pages")
	// ErrLeafEntryNotTable is returned when a walk expects a next-level
	// table but finds a leaf.
	ErrLeafEntryNotTable = errors.New("pagetable: leaf entry where table expected")
	// ErrMisalignedPages is returned when the root page run isn't aligned
	// as the mode requires.
	ErrMisalignedPages = errors.New("pagetable: misaligned root pages")
	// ErrPageSizeNotSupported is returned for any request with a page size
	// other than 4k.
	ErrPageSizeNotSupported = errors.New("pagetable: page size not supported")
	// ErrMappingExists is returned when a mapping would overwrite a valid
	// leaf.
	ErrMappingExists = errors.New("pagetable: mapping exists")
	// ErrPageNotMapped is returned when a leaf entry was expected but not
	// found.
	ErrPageNotMapped = errors.New("pagetable: page not mapped")
	// ErrPageNotUnmappable is returned when a range can't be invalidated
	// because a page fails the ownership or memory type check.
	ErrPageNotUnmappable = errors.New("pagetable: page not unmappable")
	// ErrPageNotConverted is returned when a page hasn't been converted, or
	// was converted too recently for the supplied TLB version.
	ErrPageNotConverted = errors.New("pagetable: page not converted")
	// ErrPteLocked is returned when a PTE is already reserved by another
	// mapper.
	ErrPteLocked = errors.New("pagetable: pte locked")
	// ErrPteNotLocked is returned when a map operation finds its target PTE
	// was never locked.
	ErrPteNotLocked = errors.New("pagetable: pte not locked")
	// ErrOutOfMapRange is returned when a mapped address is outside the
	// range reserved by the mapper.
	ErrOutOfMapRange = errors.New("pagetable: address out of mapper range")
)

// InsufficientPagesError rejects a root page run that is too short. The
// pages are handed back so the caller can reuse the allocation.
type InsufficientPagesError struct {
	Pages riscv.SequentialPages
}

func (e *InsufficientPagesError) Error() string {
	return fmt.Sprintf("pagetable: root run of %d pages at 0x%x is too short", e.Pages.Len(), uint64(e.Pages.Base()))
}

func (e *InsufficientPagesError) Unwrap() error { return ErrInsufficientPages }

// MisalignedPagesError rejects a root page run with insufficient alignment.
// The pages are handed back so the caller can reuse the allocation.
type MisalignedPagesError struct {
	Pages riscv.SequentialPages
}

func (e *MisalignedPagesError) Error() string {
	return fmt.Sprintf("pagetable: root run at 0x%x is misaligned", uint64(e.Pages.Base()))
}

func (e *MisalignedPagesError) Unwrap() error { return ErrMisalignedPages }

// PageSizeNotSupportedError rejects a request for a page size the engine
// doesn't handle.
type PageSizeNotSupportedError struct {
	Size riscv.PageSize
}

func (e *PageSizeNotSupportedError) Error() string {
	return fmt.Sprintf("pagetable: page size %s not supported", e.Size)
}

func (e *PageSizeNotSupportedError) Unwrap() error { return ErrPageSizeNotSupported }
