package pagetable

import (
	"fmt"
	"sync"

	"github.com/sameo/salus/internal/pagetracker"
	"github.com/sameo/salus/internal/riscv"
)

// GetPtePage supplies zeroed 4KB pages for intermediate page tables during
// MapRange. Returning nil aborts the operation with ErrInsufficientPtePages.
// The engine never retains the supplier beyond the call.
type GetPtePage func() *riscv.CleanPage

// inner is the mutable state of a hierarchy, only ever touched with the
// owning PageTable's mutex held.
type inner struct {
	mode    *Mode
	mem     PhysMem
	root    riscv.SequentialPages
	owner   riscv.PageOwnerId
	tracker *pagetracker.Tracker
}

func newInner(mode *Mode, root riscv.SequentialPages, owner riscv.PageOwnerId, tracker *pagetracker.Tracker, mem PhysMem) (*inner, error) {
	if root.PageSize().IsHuge() {
		return nil, &PageSizeNotSupportedError{Size: root.PageSize()}
	}
	if uint64(root.Base())&(mode.TopLevelAlign()-1) != 0 {
		return nil, &MisalignedPagesError{Pages: root}
	}
	if root.Len() < uint64(mode.RootLevel().TablePages()) {
		return nil, &InsufficientPagesError{Pages: root}
	}
	return &inner{
		mode:    mode,
		mem:     mem,
		root:    root,
		owner:   owner,
		tracker: tracker,
	}, nil
}

func (in *inner) rootTable() table {
	return table{mem: in.mem, base: in.root.Base(), level: in.mode.RootLevel()}
}

// walk descends from the root until something other than a next-table
// pointer is found and returns the entry there.
func (in *inner) walk(addr uint64) entry {
	t := in.rootTable()
	e := t.entryForAddr(addr)
	for e.kind == EntryNextTable {
		sub, err := t.descend(e)
		if err != nil {
			panic(err)
		}
		t = sub
		e = t.entryForAddr(addr)
	}
	return e
}

// lockLeaf locks the invalid leaf PTE for addr, filling in missing
// intermediate tables from getPtePage.
func (in *inner) lockLeaf(addr uint64, getPtePage GetPtePage) error {
	t := in.rootTable()
	for !t.level.IsLeaf() {
		next, err := t.nextLevelOrFill(addr, getPtePage)
		if err != nil {
			return err
		}
		t = next
	}
	e := t.entryForAddr(addr)
	switch e.kind {
	case EntryUnused, EntryInvalidated:
		e.lock()
		return nil
	case EntryLocked:
		return ErrPteLocked
	case EntryLeaf:
		return ErrMappingExists
	default:
		panic(fmt.Sprintf("pagetable: %s entry at leaf level", e.kind))
	}
}

// unlockLeaf releases the reservation on the leaf PTE for addr. Fails with
// ErrPteNotLocked if the entry isn't locked, which is the expected outcome
// for entries that were mapped before the mapper was closed.
func (in *inner) unlockLeaf(addr uint64) error {
	e := in.walk(addr)
	if e.kind != EntryLocked {
		return ErrPteNotLocked
	}
	e.unlock()
	return nil
}

// mapLeaf installs a translation for addr in a previously locked leaf PTE.
func (in *inner) mapLeaf(addr uint64, paddr riscv.SupervisorPhysAddr, perms LeafPerms) error {
	e := in.walk(addr)
	switch e.kind {
	case EntryLocked:
		if !e.level.IsLeaf() {
			return &PageSizeNotSupportedError{Size: e.level.LeafPageSize()}
		}
		e.mapLeaf(paddr, perms)
		return nil
	case EntryUnused, EntryInvalidated:
		return ErrPteNotLocked
	case EntryLeaf:
		return ErrMappingExists
	default:
		panic("pagetable: walk ended on a table entry")
	}
}

// mappedLeaf returns the valid leaf entry for addr if the mapped frame
// passes the tracker's ownership and memory type check.
func (in *inner) mappedLeaf(addr uint64, memType riscv.MemType) (entry, error) {
	e := in.walk(addr)
	if e.kind != EntryLeaf {
		return entry{}, ErrPageNotMapped
	}
	if !e.level.IsLeaf() {
		return entry{}, &PageSizeNotSupportedError{Size: e.level.LeafPageSize()}
	}
	if !in.tracker.IsMappedPage(e.pageAddr(), in.owner, memType) {
		return entry{}, ErrPageNotUnmappable
	}
	return e, nil
}

// convertedLeaf returns the invalidated leaf entry for addr if the tracker
// reports the frame as converted at a version older than tlbVersion.
func (in *inner) convertedLeaf(addr uint64, memType riscv.MemType, tlbVersion pagetracker.TlbVersion) (entry, error) {
	e := in.walk(addr)
	if e.kind != EntryInvalidated {
		return entry{}, ErrPageNotConverted
	}
	if !e.level.IsLeaf() {
		return entry{}, &PageSizeNotSupportedError{Size: e.level.LeafPageSize()}
	}
	if !in.tracker.IsConvertedPage(e.pageAddr(), in.owner, memType, tlbVersion) {
		return entry{}, ErrPageNotConverted
	}
	return e, nil
}

// release returns every frame the hierarchy owns to the tracker: all data
// frames reachable from leaf or invalidated entries, all intermediate table
// frames, and finally the root frames themselves.
func (in *inner) release() {
	in.rootTable().releasePages(in.tracker, in.owner)
	for i := uint64(0); i < in.root.Len(); i++ {
		addr := in.root.Base() + riscv.SupervisorPhysAddr(i*uint64(riscv.PageSize4k))
		if err := in.tracker.ReleasePageByAddr(addr, in.owner); err != nil {
			panic(fmt.Sprintf("pagetable: release root page 0x%x: %v", uint64(addr), err))
		}
	}
}

// PageTable is a paging hierarchy for the address space A. All mutation is
// serialized by a single mutex; concurrent calls on distinct hierarchies
// are unrestricted.
type PageTable[A riscv.MappedAddr] struct {
	mu     sync.Mutex
	inner  *inner
	closed bool
}

// NewFirstStage creates a first-stage (supervisor virtual) hierarchy from
// the zeroed pages in root. The run must be at least the mode's root table
// size and aligned to the mode's top-level requirement; on failure the root
// pages come back inside the error for reuse.
func NewFirstStage(mode *Mode, root riscv.SequentialPages, owner riscv.PageOwnerId, tracker *pagetracker.Tracker, mem PhysMem) (*PageTable[riscv.SupervisorVirtAddr], error) {
	if mode.GuestStage() {
		return nil, fmt.Errorf("pagetable: %s is not a first-stage mode", mode.Name())
	}
	return newPageTable[riscv.SupervisorVirtAddr](mode, root, owner, tracker, mem)
}

// NewGuestStage creates a guest-stage (guest physical) hierarchy from the
// zeroed pages in root. The run must be at least the mode's root table size
// and aligned to the mode's top-level requirement; on failure the root
// pages come back inside the error for reuse.
func NewGuestStage(mode *Mode, root riscv.SequentialPages, owner riscv.PageOwnerId, tracker *pagetracker.Tracker, mem PhysMem) (*PageTable[riscv.GuestPhysAddr], error) {
	if !mode.GuestStage() {
		return nil, fmt.Errorf("pagetable: %s is not a guest-stage mode", mode.Name())
	}
	return newPageTable[riscv.GuestPhysAddr](mode, root, owner, tracker, mem)
}

func newPageTable[A riscv.MappedAddr](mode *Mode, root riscv.SequentialPages, owner riscv.PageOwnerId, tracker *pagetracker.Tracker, mem PhysMem) (*PageTable[A], error) {
	in, err := newInner(mode, root, owner, tracker, mem)
	if err != nil {
		return nil, err
	}
	return &PageTable[A]{inner: in}, nil
}

// Mode returns the hierarchy's translation mode.
func (pt *PageTable[A]) Mode() *Mode {
	return pt.inner.mode
}

// OwnerId returns the owner every frame in the hierarchy is accounted to.
func (pt *PageTable[A]) OwnerId() riscv.PageOwnerId {
	return pt.inner.owner
}

// Tracker returns the page tracker the hierarchy reports to.
func (pt *PageTable[A]) Tracker() *pagetracker.Tracker {
	return pt.inner.tracker
}

// RootAddress returns the base of the root table. Its PFN combined with
// Mode().CsrMode() is the value to program into satp or hgatp.
func (pt *PageTable[A]) RootAddress() riscv.SupervisorPhysAddr {
	return pt.inner.root.Base()
}

// DoFault handles a page fault taken by the owner of this hierarchy.
// There is currently no on-demand mapping, so faults are never handled;
// the hook exists so callers can promote later without an interface break.
func (pt *PageTable[A]) DoFault(addr A) bool {
	return false
}

func checkRange(addr uint64, pageSize riscv.PageSize) error {
	if pageSize != riscv.PageSize4k {
		return &PageSizeNotSupportedError{Size: pageSize}
	}
	// Mapped addresses are page-granular by construction in the callers
	// above this layer; a misaligned one is a caller bug.
	if !riscv.Aligned(addr, uint64(riscv.PageSize4k)) {
		panic(fmt.Sprintf("pagetable: address 0x%x not page aligned", addr))
	}
	return nil
}

// MapRange prepares numPages leaf PTEs starting at addr for mapping by
// locking each of them, materializing missing intermediate tables from
// getPtePage. On success the returned Mapper holds the reservation; on any
// failure every PTE locked so far is unlocked before returning.
func (pt *PageTable[A]) MapRange(addr A, pageSize riscv.PageSize, numPages uint64, getPtePage GetPtePage) (*Mapper[A], error) {
	if err := checkRange(uint64(addr), pageSize); err != nil {
		return nil, err
	}

	pt.mu.Lock()
	defer pt.mu.Unlock()
	for i := uint64(0); i < numPages; i++ {
		a := uint64(addr) + i*uint64(riscv.PageSize4k)
		if err := pt.inner.lockLeaf(a, getPtePage); err != nil {
			// Roll the prefix back so a failed reservation leaves no
			// locked PTEs behind.
			for j := uint64(0); j < i; j++ {
				_ = pt.inner.unlockLeaf(uint64(addr) + j*uint64(riscv.PageSize4k))
			}
			return nil, err
		}
	}
	return &Mapper[A]{pt: pt, addr: addr, numPages: numPages}, nil
}

// InvalidateRange removes numPages 4KB translations starting at addr and
// returns the frames they mapped. The operation is two-phase: a read-only
// scan first verifies every PTE is an owned leaf of the expected memory
// type, so a failure leaves the hierarchy untouched.
func (pt *PageTable[A]) InvalidateRange(addr A, pageSize riscv.PageSize, numPages uint64, memType riscv.MemType) (*pagetracker.PageList, error) {
	if err := checkRange(uint64(addr), pageSize); err != nil {
		return nil, err
	}

	pt.mu.Lock()
	defer pt.mu.Unlock()
	for i := uint64(0); i < numPages; i++ {
		a := uint64(addr) + i*uint64(riscv.PageSize4k)
		if _, err := pt.inner.mappedLeaf(a, memType); err != nil {
			return nil, ErrPageNotUnmappable
		}
	}

	pages := pagetracker.NewPageList()
	for i := uint64(0); i < numPages; i++ {
		a := uint64(addr) + i*uint64(riscv.PageSize4k)
		e, err := pt.inner.mappedLeaf(a, memType)
		if err != nil {
			// The probe above vouched for the whole range.
			panic(err)
		}
		e.invalidate()
		pages.Push(e.pageAddr())
	}
	return pages, nil
}

// GetConvertedRange collects numPages previously-invalidated frames
// starting at addr, taking an exclusive tracker lock on each. Every frame
// must have been converted at a TLB version strictly older than tlbVersion;
// the first failure aborts the call and releases the locks already taken.
func (pt *PageTable[A]) GetConvertedRange(addr A, pageSize riscv.PageSize, numPages uint64, memType riscv.MemType, tlbVersion pagetracker.TlbVersion) (*pagetracker.LockedPageList, error) {
	if err := checkRange(uint64(addr), pageSize); err != nil {
		return nil, err
	}

	pt.mu.Lock()
	defer pt.mu.Unlock()
	pages := pagetracker.NewLockedPageList()
	for i := uint64(0); i < numPages; i++ {
		a := uint64(addr) + i*uint64(riscv.PageSize4k)
		e, err := pt.inner.convertedLeaf(a, memType, tlbVersion)
		if err != nil {
			pages.Close()
			return nil, ErrPageNotConverted
		}
		page, err := pt.inner.tracker.GetConvertedPage(e.pageAddr(), pt.inner.owner, tlbVersion)
		if err != nil {
			// The entry probe vouched for the frame's state.
			panic(err)
		}
		pages.Push(page)
	}
	return pages, nil
}

// Translate resolves addr through the hierarchy, returning the physical
// address it maps to. Fails with ErrPageNotMapped if no valid leaf covers
// the address.
func (pt *PageTable[A]) Translate(addr A) (riscv.SupervisorPhysAddr, error) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	e := pt.inner.walk(uint64(addr))
	if e.kind != EntryLeaf {
		return 0, ErrPageNotMapped
	}
	offset := uint64(addr) & (uint64(e.level.LeafPageSize()) - 1)
	return e.pageAddr() + riscv.SupervisorPhysAddr(offset), nil
}

// VisitEntries walks the hierarchy depth-first, reporting every populated
// entry. Intended for diagnostics.
func (pt *PageTable[A]) VisitEntries(fn func(EntryInfo)) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	pt.inner.rootTable().visit(fn)
}

// Close tears the hierarchy down, returning every owned frame to the
// tracker: data frames, intermediate tables, then the root pages. The
// hierarchy must not be used afterwards. Close is idempotent.
func (pt *PageTable[A]) Close() {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	if pt.closed {
		return
	}
	pt.closed = true
	pt.inner.release()
}
