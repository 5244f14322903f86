package pagetable

import (
	"math/rand"
	"testing"

	"github.com/sameo/salus/internal/hostmem"
	"github.com/sameo/salus/internal/riscv"
)

func newEntryMem(t *testing.T) *hostmem.Arena {
	t.Helper()
	arena, err := hostmem.NewArena(0x8000_0000, uint64(riscv.PageSize4k))
	if err != nil {
		t.Fatalf("NewArena: %v", err)
	}
	return arena
}

func TestPteFieldAccessors(t *testing.T) {
	pte := NewPte(riscv.Pfn(0x90000), LeafWithPerms(PermsRWX)|PteUser)

	if !pte.Valid() {
		t.Error("leaf PTE should be valid")
	}
	if !pte.Leaf() {
		t.Error("leaf PTE should be a leaf")
	}
	if pte.Locked() {
		t.Error("fresh leaf PTE should not be locked")
	}
	if pte.Pfn() != 0x90000 {
		t.Errorf("pfn: expected 0x90000, got 0x%x", pte.Pfn().Bits())
	}
	if pte&PteUser == 0 {
		t.Error("user bit should be set")
	}
	if pte&(PteAccessed|PteDirty) != PteAccessed|PteDirty {
		t.Error("A/D bits should be pre-set on leaves")
	}

	nonLeaf := NewPte(riscv.Pfn(0x80001), NonLeaf())
	if !nonLeaf.Valid() || nonLeaf.Leaf() {
		t.Error("non-leaf PTE should be valid and not a leaf")
	}
}

func TestPteLockUnlockInvalidate(t *testing.T) {
	pte := NewPte(riscv.Pfn(0x12345), LeafWithPerms(PermsRW))

	inv := pte.Invalidate()
	if inv.Valid() {
		t.Error("invalidated PTE should not be valid")
	}
	if inv.Pfn() != pte.Pfn() {
		t.Errorf("invalidate must preserve the PFN: 0x%x != 0x%x", inv.Pfn().Bits(), pte.Pfn().Bits())
	}

	locked := inv.Lock()
	if !locked.Locked() {
		t.Error("lock should set the lock bit")
	}
	if locked.Unlock() != inv {
		t.Error("unlock should restore the pre-lock word exactly")
	}
}

func TestLeafPermBits(t *testing.T) {
	cases := []struct {
		perms LeafPerms
		want  Pte
	}{
		{PermsR, PteRead},
		{PermsRW, PteRead | PteWrite},
		{PermsRX, PteRead | PteExecute},
		{PermsRWX, PteRead | PteWrite | PteExecute},
	}
	for _, c := range cases {
		bits := LeafWithPerms(c.perms)
		if bits&ptePermMask != c.want {
			t.Errorf("perms %d: expected 0x%x, got 0x%x", c.perms, c.want, bits&ptePermMask)
		}
		if bits&(PteValid|PteAccessed|PteDirty) != PteValid|PteAccessed|PteDirty {
			t.Errorf("perms %d: V/A/D not all set", c.perms)
		}
	}
}

// Classification of any 64-bit word must be total, mutually exclusive, and
// consistent with the documented field rules.
func TestClassificationTotality(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	check := func(pte Pte) {
		kind := classify(pte)
		var expected EntryKind
		switch {
		case !pte.Valid() && pte.Locked():
			expected = EntryLocked
		case !pte.Valid() && pte.Pfn().Bits() != 0:
			expected = EntryInvalidated
		case !pte.Valid():
			expected = EntryUnused
		case !pte.Leaf():
			expected = EntryNextTable
		default:
			expected = EntryLeaf
		}
		if kind != expected {
			t.Fatalf("pte 0x%016x: classified %s, expected %s", uint64(pte), kind, expected)
		}
	}

	// Edge patterns first, then a random sweep.
	for _, pte := range []Pte{0, PteValid, PteLock, PteValid | PteRead, ^Pte(0), Pte(1) << 63} {
		check(pte)
	}
	for i := 0; i < 100000; i++ {
		check(Pte(rng.Uint64()))
	}
}

// Every legal transition must land in its declared target state.
func TestTransitionClosure(t *testing.T) {
	mem := newEntryMem(t)
	addr := mem.Base()
	level := Sv48.RootLevel()
	for {
		next, ok := level.Next()
		if !ok {
			break
		}
		level = next
	}

	at := func(pte Pte) entry {
		mem.Write64(addr, uint64(pte))
		return entryAt(mem, addr, level)
	}

	// Unused -> Locked -> Unused
	e := at(0)
	if e.kind != EntryUnused {
		t.Fatalf("expected unused, got %s", e.kind)
	}
	e.lock()
	if e.kind != EntryLocked {
		t.Fatalf("lock: expected locked, got %s", e.kind)
	}
	e.unlock()
	if e.kind != EntryUnused {
		t.Fatalf("unlock of empty pte: expected unused, got %s", e.kind)
	}

	// Unused -> NextTable
	e = at(0)
	e.mapTable(0x8020_0000)
	if e.kind != EntryNextTable {
		t.Fatalf("mapTable: expected table, got %s", e.kind)
	}
	if e.tableAddr() != 0x8020_0000 {
		t.Fatalf("tableAddr: expected 0x80200000, got 0x%x", uint64(e.tableAddr()))
	}

	// Unused -> Locked -> Leaf -> Invalidated -> Locked -> Invalidated
	e = at(0)
	e.lock()
	e.mapLeaf(0x9000_0000, PermsRWX)
	if e.kind != EntryLeaf {
		t.Fatalf("mapLeaf: expected leaf, got %s", e.kind)
	}
	if e.pageAddr() != 0x9000_0000 {
		t.Fatalf("pageAddr: expected 0x90000000, got 0x%x", uint64(e.pageAddr()))
	}
	if e.load()&PteUser == 0 {
		t.Error("mapLeaf should set the user bit")
	}
	e.invalidate()
	if e.kind != EntryInvalidated {
		t.Fatalf("invalidate: expected invalidated, got %s", e.kind)
	}
	if e.pageAddr() != 0x9000_0000 {
		t.Fatalf("invalidate must preserve the page address")
	}
	e.lock()
	if e.kind != EntryLocked {
		t.Fatalf("re-lock: expected locked, got %s", e.kind)
	}
	e.unlock()
	if e.kind != EntryInvalidated {
		t.Fatalf("unlock with pfn: expected invalidated, got %s", e.kind)
	}
}

// Locking then unlocking an unused or invalidated PTE must restore the
// exact word, and with it the original classification.
func TestLockUnlockRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	mem := newEntryMem(t)
	addr := mem.Base()
	level := Sv48.RootLevel()

	for i := 0; i < 100000; i++ {
		// Invalid, unlocked words only: mask off V and the lock bit.
		pte := Pte(rng.Uint64()) &^ (PteValid | PteLock)
		before := classify(pte)
		if before != EntryUnused && before != EntryInvalidated {
			t.Fatalf("pte 0x%016x: setup produced %s", uint64(pte), before)
		}

		mem.Write64(addr, uint64(pte))
		e := entryAt(mem, addr, level)
		e.lock()
		e.unlock()

		after := Pte(mem.Read64(addr))
		if after != pte {
			t.Fatalf("pte 0x%016x: round trip produced 0x%016x", uint64(pte), uint64(after))
		}
		if classify(after) != before {
			t.Fatalf("pte 0x%016x: round trip changed kind %s -> %s", uint64(pte), before, classify(after))
		}
	}
}

func TestIllegalTransitionPanics(t *testing.T) {
	mem := newEntryMem(t)
	addr := mem.Base()
	level := Sv48.RootLevel()

	mem.Write64(addr, uint64(NewPte(riscv.Pfn(0x90000), LeafWithPerms(PermsRWX))))
	e := entryAt(mem, addr, level)

	defer func() {
		if recover() == nil {
			t.Fatal("locking a leaf entry should panic")
		}
	}()
	e.lock()
}
