package pagetable

import (
	"errors"
	"testing"

	"github.com/sameo/salus/internal/hostmem"
	"github.com/sameo/salus/internal/pagetracker"
	"github.com/sameo/salus/internal/riscv"
)

const (
	testRamBase = riscv.SupervisorPhysAddr(0x8000_0000)
	// The arena holds page table storage; mapped data frames live above it
	// at 0x9000_0000 and only need tracker coverage.
	testArenaSize    = uint64(8 << 20)
	testTrackedPages = uint64(0x1100_0000) / uint64(riscv.PageSize4k)

	testDataBase = riscv.SupervisorPhysAddr(0x9000_0000)
	testGuestVa  = riscv.GuestPhysAddr(0x4_0000_0000)
)

type testEnv struct {
	t       *testing.T
	arena   *hostmem.Arena
	tracker *pagetracker.Tracker
	owner   riscv.PageOwnerId
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	arena, err := hostmem.NewArena(testRamBase, testArenaSize)
	if err != nil {
		t.Fatalf("NewArena: %v", err)
	}
	tracker, err := pagetracker.New(testRamBase, testTrackedPages)
	if err != nil {
		t.Fatalf("pagetracker.New: %v", err)
	}
	return &testEnv{t: t, arena: arena, tracker: tracker, owner: riscv.GuestOwner(0)}
}

func (env *testEnv) assign(pages riscv.SequentialPages) {
	env.t.Helper()
	if err := env.tracker.AssignPages(env.owner, pages, riscv.MemRam); err != nil {
		env.t.Fatalf("AssignPages: %v", err)
	}
}

func (env *testEnv) allocRoot(mode *Mode) riscv.SequentialPages {
	env.t.Helper()
	root, err := env.arena.AllocPages("root", uint64(mode.RootLevel().TablePages()), mode.TopLevelAlign())
	if err != nil {
		env.t.Fatalf("AllocPages(root): %v", err)
	}
	env.assign(root)
	return root
}

func (env *testEnv) pool(numPages uint64) *hostmem.PagePool {
	env.t.Helper()
	pool, err := env.arena.NewPagePool("pte-pool", numPages)
	if err != nil {
		env.t.Fatalf("NewPagePool: %v", err)
	}
	env.assign(pool.Pages())
	return pool
}

// dataPages registers frames outside the arena with the tracker, standing
// in for pages donated by the host.
func (env *testEnv) dataPages(base riscv.SupervisorPhysAddr, n uint64) riscv.SequentialPages {
	env.t.Helper()
	pages, err := riscv.NewSequentialPages(base, n, riscv.PageSize4k)
	if err != nil {
		env.t.Fatalf("NewSequentialPages: %v", err)
	}
	env.assign(pages)
	return pages
}

func (env *testEnv) guestPT(mode *Mode) *PageTable[riscv.GuestPhysAddr] {
	env.t.Helper()
	pt, err := NewGuestStage(mode, env.allocRoot(mode), env.owner, env.tracker, env.arena)
	if err != nil {
		env.t.Fatalf("NewGuestStage: %v", err)
	}
	return pt
}

func countKind(pt *PageTable[riscv.GuestPhysAddr], kind EntryKind) int {
	n := 0
	pt.VisitEntries(func(info EntryInfo) {
		if info.Kind == kind {
			n++
		}
	})
	return n
}

// Map one page and read it back through the hierarchy.
func TestMapOnePage(t *testing.T) {
	env := newTestEnv(t)
	pt := env.guestPT(Sv48x4)
	pool := env.pool(8)
	env.dataPages(testDataBase, 1)

	mapper, err := pt.MapRange(testGuestVa, riscv.PageSize4k, 1, pool.Get)
	if err != nil {
		t.Fatalf("MapRange: %v", err)
	}
	// Levels 3, 2 and 1 below the root have to be materialized.
	if used := 8 - pool.Remaining(); used != 3 {
		t.Errorf("expected 3 PTE pages consumed, got %d", used)
	}

	if err := mapper.MapPage(testGuestVa, riscv.NewMeasuredPage(testDataBase, riscv.PageSize4k)); err != nil {
		t.Fatalf("MapPage: %v", err)
	}
	mapper.Close()

	pa, err := pt.Translate(testGuestVa)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if pa != testDataBase {
		t.Errorf("expected 0x%x, got 0x%x", uint64(testDataBase), uint64(pa))
	}
	// Offsets within the page must carry through.
	pa, err = pt.Translate(testGuestVa + 0x123)
	if err != nil || pa != testDataBase+0x123 {
		t.Errorf("offset translate: got 0x%x, %v", uint64(pa), err)
	}

	var leaf *EntryInfo
	pt.VisitEntries(func(info EntryInfo) {
		if info.Kind == EntryLeaf {
			leaf = &info
		}
	})
	if leaf == nil {
		t.Fatal("no leaf entry found")
	}
	if leaf.Pfn != riscv.PfnFromAddr(testDataBase) {
		t.Errorf("leaf pfn: expected 0x%x, got 0x%x", riscv.PfnFromAddr(testDataBase).Bits(), leaf.Pfn.Bits())
	}
	if !leaf.Level.IsLeaf() {
		t.Error("leaf entry should sit at the leaf level")
	}
}

// A live reservation surfaces as PteLocked; a committed mapping as
// MappingExists.
func TestMappingConflicts(t *testing.T) {
	env := newTestEnv(t)
	pt := env.guestPT(Sv48x4)
	pool := env.pool(8)
	env.dataPages(testDataBase, 1)

	mapper, err := pt.MapRange(testGuestVa, riscv.PageSize4k, 1, pool.Get)
	if err != nil {
		t.Fatalf("MapRange: %v", err)
	}

	if _, err := pt.MapRange(testGuestVa, riscv.PageSize4k, 1, pool.Get); !errors.Is(err, ErrPteLocked) {
		t.Errorf("overlapping reservation: expected ErrPteLocked, got %v", err)
	}

	if err := mapper.MapPage(testGuestVa, riscv.NewZeroPage(testDataBase, riscv.PageSize4k)); err != nil {
		t.Fatalf("MapPage: %v", err)
	}
	mapper.Close()

	if _, err := pt.MapRange(testGuestVa, riscv.PageSize4k, 1, pool.Get); !errors.Is(err, ErrMappingExists) {
		t.Errorf("remap of mapped page: expected ErrMappingExists, got %v", err)
	}
}

// Invalidation hands the frames back and conversion is gated on the TLB
// version advancing past the conversion point.
func TestInvalidateThenConvert(t *testing.T) {
	env := newTestEnv(t)
	pt := env.guestPT(Sv48x4)
	pool := env.pool(8)
	env.dataPages(testDataBase, 1)

	mapper, err := pt.MapRange(testGuestVa, riscv.PageSize4k, 1, pool.Get)
	if err != nil {
		t.Fatalf("MapRange: %v", err)
	}
	if err := mapper.MapPage(testGuestVa, riscv.NewMeasuredPage(testDataBase, riscv.PageSize4k)); err != nil {
		t.Fatalf("MapPage: %v", err)
	}
	mapper.Close()

	pages, err := pt.InvalidateRange(testGuestVa, riscv.PageSize4k, 1, riscv.MemRam)
	if err != nil {
		t.Fatalf("InvalidateRange: %v", err)
	}
	if pages.Len() != 1 {
		t.Fatalf("expected 1 invalidated frame, got %d", pages.Len())
	}
	frame, _ := pages.Pop()
	if frame != testDataBase {
		t.Errorf("invalidated frame: expected 0x%x, got 0x%x", uint64(testDataBase), uint64(frame))
	}
	if _, err := pt.Translate(testGuestVa); !errors.Is(err, ErrPageNotMapped) {
		t.Errorf("translate after invalidate: expected ErrPageNotMapped, got %v", err)
	}
	if countKind(pt, EntryInvalidated) != 1 {
		t.Error("expected exactly one invalidated entry")
	}

	// Not yet converted.
	version := pagetracker.TlbVersion(1)
	if _, err := pt.GetConvertedRange(testGuestVa, riscv.PageSize4k, 1, riscv.MemRam, version); !errors.Is(err, ErrPageNotConverted) {
		t.Errorf("unconverted: expected ErrPageNotConverted, got %v", err)
	}

	// Converted at the current version: still too new.
	if err := env.tracker.ConvertPage(frame, env.owner, version); err != nil {
		t.Fatalf("ConvertPage: %v", err)
	}
	if _, err := pt.GetConvertedRange(testGuestVa, riscv.PageSize4k, 1, riscv.MemRam, version); !errors.Is(err, ErrPageNotConverted) {
		t.Errorf("same version: expected ErrPageNotConverted, got %v", err)
	}

	// One shootdown later the frame is reclaimable.
	list, err := pt.GetConvertedRange(testGuestVa, riscv.PageSize4k, 1, riscv.MemRam, version.Increment())
	if err != nil {
		t.Fatalf("GetConvertedRange: %v", err)
	}
	if list.Len() != 1 {
		t.Fatalf("expected 1 converted frame, got %d", list.Len())
	}
	page, _ := list.Pop()
	if page.Addr() != testDataBase {
		t.Errorf("converted frame: expected 0x%x, got 0x%x", uint64(testDataBase), uint64(page.Addr()))
	}
	page.Release()
	list.Close()
}

// A reservation that fails partway must leave no PTEs locked.
func TestMapRangeRollsBack(t *testing.T) {
	env := newTestEnv(t)
	pt := env.guestPT(Sv48x4)
	// Enough for the first address's three tables and nothing more.
	pool := env.pool(3)

	// The range crosses a leaf-table boundary, so the third page needs a
	// fourth PTE page that the pool can't supply.
	base := testGuestVa + riscv.GuestPhysAddr(0x20_0000-2*0x1000)
	_, err := pt.MapRange(base, riscv.PageSize4k, 5, pool.Get)
	if !errors.Is(err, ErrInsufficientPtePages) {
		t.Fatalf("expected ErrInsufficientPtePages, got %v", err)
	}
	if n := countKind(pt, EntryLocked); n != 0 {
		t.Errorf("expected 0 locked PTEs after rollback, got %d", n)
	}
}

func TestNewRejectsBadRoots(t *testing.T) {
	env := newTestEnv(t)

	// Misaligned for an x4 mode.
	misaligned, err := riscv.NewSequentialPages(testRamBase+0x1000, 4, riscv.PageSize4k)
	if err != nil {
		t.Fatalf("NewSequentialPages: %v", err)
	}
	_, err = NewGuestStage(Sv48x4, misaligned, env.owner, env.tracker, env.arena)
	var misErr *MisalignedPagesError
	if !errors.As(err, &misErr) {
		t.Fatalf("expected MisalignedPagesError, got %v", err)
	}
	if misErr.Pages.Base() != misaligned.Base() || misErr.Pages.Len() != 4 {
		t.Error("root pages not recoverable from the error")
	}
	if !errors.Is(err, ErrMisalignedPages) {
		t.Error("MisalignedPagesError should unwrap to ErrMisalignedPages")
	}

	// Too short for the 4-page root.
	short, err := riscv.NewSequentialPages(testRamBase, 2, riscv.PageSize4k)
	if err != nil {
		t.Fatalf("NewSequentialPages: %v", err)
	}
	_, err = NewGuestStage(Sv48x4, short, env.owner, env.tracker, env.arena)
	var insufErr *InsufficientPagesError
	if !errors.As(err, &insufErr) {
		t.Fatalf("expected InsufficientPagesError, got %v", err)
	}
	if insufErr.Pages.Len() != 2 {
		t.Error("root pages not recoverable from the error")
	}

	// Stage mismatches.
	root, _ := riscv.NewSequentialPages(testRamBase, 4, riscv.PageSize4k)
	if _, err := NewGuestStage(Sv48, root, env.owner, env.tracker, env.arena); err == nil {
		t.Error("NewGuestStage should reject a first-stage mode")
	}
	if _, err := NewFirstStage(Sv48x4, root, env.owner, env.tracker, env.arena); err == nil {
		t.Error("NewFirstStage should reject a guest-stage mode")
	}
}

func TestHugePageRequestsRejected(t *testing.T) {
	env := newTestEnv(t)
	pt := env.guestPT(Sv48x4)
	pool := env.pool(8)

	_, err := pt.MapRange(testGuestVa, riscv.PageSize2M, 1, pool.Get)
	var sizeErr *PageSizeNotSupportedError
	if !errors.As(err, &sizeErr) || sizeErr.Size != riscv.PageSize2M {
		t.Errorf("MapRange(2M): expected PageSizeNotSupportedError, got %v", err)
	}
	if _, err := pt.InvalidateRange(testGuestVa, riscv.PageSize1G, 1, riscv.MemRam); !errors.Is(err, ErrPageSizeNotSupported) {
		t.Errorf("InvalidateRange(1G): expected ErrPageSizeNotSupported, got %v", err)
	}
	if _, err := pt.GetConvertedRange(testGuestVa, riscv.PageSize2M, 1, riscv.MemRam, 1); !errors.Is(err, ErrPageSizeNotSupported) {
		t.Errorf("GetConvertedRange(2M): expected ErrPageSizeNotSupported, got %v", err)
	}

	mapper, err := pt.MapRange(testGuestVa, riscv.PageSize4k, 1, pool.Get)
	if err != nil {
		t.Fatalf("MapRange: %v", err)
	}
	defer mapper.Close()
	env.dataPages(testDataBase, 1)
	if err := mapper.MapPage(testGuestVa, riscv.NewMeasuredPage(testDataBase, riscv.PageSize2M)); !errors.Is(err, ErrPageSizeNotSupported) {
		t.Errorf("MapPage(2M): expected ErrPageSizeNotSupported, got %v", err)
	}
}

func TestMapperRange(t *testing.T) {
	env := newTestEnv(t)
	pt := env.guestPT(Sv48x4)
	pool := env.pool(8)
	env.dataPages(testDataBase, 4)

	mapper, err := pt.MapRange(testGuestVa, riscv.PageSize4k, 2, pool.Get)
	if err != nil {
		t.Fatalf("MapRange: %v", err)
	}
	defer mapper.Close()

	if mapper.Base() != testGuestVa || mapper.NumPages() != 2 {
		t.Errorf("mapper covers [0x%x, +%d pages)", uint64(mapper.Base()), mapper.NumPages())
	}

	below := testGuestVa - riscv.GuestPhysAddr(0x1000)
	above := testGuestVa + riscv.GuestPhysAddr(2*0x1000)
	for _, addr := range []riscv.GuestPhysAddr{below, above} {
		err := mapper.MapPage(addr, riscv.NewMeasuredPage(testDataBase, riscv.PageSize4k))
		if !errors.Is(err, ErrOutOfMapRange) {
			t.Errorf("MapPage(0x%x): expected ErrOutOfMapRange, got %v", uint64(addr), err)
		}
	}

	// Both reserved addresses map fine.
	for i := uint64(0); i < 2; i++ {
		addr := testGuestVa + riscv.GuestPhysAddr(i*0x1000)
		paddr := testDataBase + riscv.SupervisorPhysAddr(i*0x1000)
		if err := mapper.MapPage(addr, riscv.NewMeasuredPage(paddr, riscv.PageSize4k)); err != nil {
			t.Errorf("MapPage(0x%x): %v", uint64(addr), err)
		}
	}
}

// Invalidation is all-or-nothing: a hole in the range leaves every entry
// untouched.
func TestInvalidateRangeAtomicity(t *testing.T) {
	env := newTestEnv(t)
	pt := env.guestPT(Sv48x4)
	pool := env.pool(8)
	env.dataPages(testDataBase, 3)

	mapper, err := pt.MapRange(testGuestVa, riscv.PageSize4k, 3, pool.Get)
	if err != nil {
		t.Fatalf("MapRange: %v", err)
	}
	// Map pages 0 and 2, leaving a hole at page 1.
	for _, i := range []uint64{0, 2} {
		addr := testGuestVa + riscv.GuestPhysAddr(i*0x1000)
		paddr := testDataBase + riscv.SupervisorPhysAddr(i*0x1000)
		if err := mapper.MapPage(addr, riscv.NewMeasuredPage(paddr, riscv.PageSize4k)); err != nil {
			t.Fatalf("MapPage: %v", err)
		}
	}
	mapper.Close()

	if _, err := pt.InvalidateRange(testGuestVa, riscv.PageSize4k, 3, riscv.MemRam); !errors.Is(err, ErrPageNotUnmappable) {
		t.Fatalf("expected ErrPageNotUnmappable, got %v", err)
	}
	// The mapped pages must be untouched.
	for _, i := range []uint64{0, 2} {
		addr := testGuestVa + riscv.GuestPhysAddr(i*0x1000)
		pa, err := pt.Translate(addr)
		if err != nil || pa != testDataBase+riscv.SupervisorPhysAddr(i*0x1000) {
			t.Errorf("page %d disturbed by failed invalidate: 0x%x, %v", i, uint64(pa), err)
		}
	}
	if countKind(pt, EntryInvalidated) != 0 {
		t.Error("failed invalidate left invalidated entries behind")
	}

	// A mismatched memory type must also abort cleanly.
	if _, err := pt.InvalidateRange(testGuestVa, riscv.PageSize4k, 1, riscv.MemMmio); !errors.Is(err, ErrPageNotUnmappable) {
		t.Errorf("wrong mem type: expected ErrPageNotUnmappable, got %v", err)
	}
}

// A partially convertible range must not leak tracker locks.
func TestGetConvertedRangeAllOrNothing(t *testing.T) {
	env := newTestEnv(t)
	pt := env.guestPT(Sv48x4)
	pool := env.pool(8)
	env.dataPages(testDataBase, 2)

	mapper, err := pt.MapRange(testGuestVa, riscv.PageSize4k, 2, pool.Get)
	if err != nil {
		t.Fatalf("MapRange: %v", err)
	}
	for i := uint64(0); i < 2; i++ {
		addr := testGuestVa + riscv.GuestPhysAddr(i*0x1000)
		paddr := testDataBase + riscv.SupervisorPhysAddr(i*0x1000)
		if err := mapper.MapPage(addr, riscv.NewMeasuredPage(paddr, riscv.PageSize4k)); err != nil {
			t.Fatalf("MapPage: %v", err)
		}
	}
	mapper.Close()

	if _, err := pt.InvalidateRange(testGuestVa, riscv.PageSize4k, 2, riscv.MemRam); err != nil {
		t.Fatalf("InvalidateRange: %v", err)
	}

	// Convert only the first frame.
	if err := env.tracker.ConvertPage(testDataBase, env.owner, 1); err != nil {
		t.Fatalf("ConvertPage: %v", err)
	}
	if _, err := pt.GetConvertedRange(testGuestVa, riscv.PageSize4k, 2, riscv.MemRam, 2); !errors.Is(err, ErrPageNotConverted) {
		t.Fatalf("expected ErrPageNotConverted, got %v", err)
	}

	// The aborted call must have dropped its lock on the first frame.
	page, err := env.tracker.GetConvertedPage(testDataBase, env.owner, 2)
	if err != nil {
		t.Fatalf("first frame still locked after aborted range: %v", err)
	}
	page.Release()
}

// Tearing a hierarchy down returns every owned frame to the tracker,
// each exactly once.
func TestCloseReleasesEverything(t *testing.T) {
	env := newTestEnv(t)
	pt := env.guestPT(Sv48x4)
	pool := env.pool(8)
	env.dataPages(testDataBase, 2)

	mapper, err := pt.MapRange(testGuestVa, riscv.PageSize4k, 2, pool.Get)
	if err != nil {
		t.Fatalf("MapRange: %v", err)
	}
	for i := uint64(0); i < 2; i++ {
		addr := testGuestVa + riscv.GuestPhysAddr(i*0x1000)
		paddr := testDataBase + riscv.SupervisorPhysAddr(i*0x1000)
		if err := mapper.MapPage(addr, riscv.NewMeasuredPage(paddr, riscv.PageSize4k)); err != nil {
			t.Fatalf("MapPage: %v", err)
		}
	}
	mapper.Close()

	// Leave one page mapped and one invalidated.
	if _, err := pt.InvalidateRange(testGuestVa+0x1000, riscv.PageSize4k, 1, riscv.MemRam); err != nil {
		t.Fatalf("InvalidateRange: %v", err)
	}

	used := 8 - pool.Remaining()
	before := env.tracker.OwnedBy(env.owner)
	pt.Close()
	after := env.tracker.OwnedBy(env.owner)

	// 4 root pages + the intermediate tables + 1 leaf frame + 1
	// invalidated frame.
	expected := 4 + used + 2
	if before-after != expected {
		t.Errorf("expected %d frames released, got %d", expected, before-after)
	}

	// Close must be idempotent; a second call releases nothing.
	pt.Close()
	if env.tracker.OwnedBy(env.owner) != after {
		t.Error("second Close released frames again")
	}
}

func TestDoFault(t *testing.T) {
	env := newTestEnv(t)
	pt := env.guestPT(Sv48x4)
	if pt.DoFault(testGuestVa) {
		t.Error("DoFault should report unhandled")
	}
}

func TestFirstStageMapping(t *testing.T) {
	env := newTestEnv(t)
	root := env.allocRoot(Sv39)
	pt, err := NewFirstStage(Sv39, root, env.owner, env.tracker, env.arena)
	if err != nil {
		t.Fatalf("NewFirstStage: %v", err)
	}
	pool := env.pool(8)
	env.dataPages(testDataBase, 1)

	va := riscv.SupervisorVirtAddr(0x4000_0000)
	mapper, err := pt.MapRange(va, riscv.PageSize4k, 1, pool.Get)
	if err != nil {
		t.Fatalf("MapRange: %v", err)
	}
	if err := mapper.MapPage(va, riscv.NewZeroPage(testDataBase, riscv.PageSize4k)); err != nil {
		t.Fatalf("MapPage: %v", err)
	}
	mapper.Close()

	// Sv39 has two levels below the root.
	if used := 8 - pool.Remaining(); used != 2 {
		t.Errorf("expected 2 PTE pages consumed, got %d", used)
	}
	pa, err := pt.Translate(va)
	if err != nil || pa != testDataBase {
		t.Errorf("Translate: got 0x%x, %v", uint64(pa), err)
	}

	if pt.Mode().CsrMode() != 8 {
		t.Errorf("Sv39 satp mode: expected 8, got %d", pt.Mode().CsrMode())
	}
	if pt.RootAddress() != root.Base() {
		t.Errorf("RootAddress: expected 0x%x, got 0x%x", uint64(root.Base()), uint64(pt.RootAddress()))
	}
}
