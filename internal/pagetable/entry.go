package pagetable

import (
	"fmt"

	"github.com/sameo/salus/internal/riscv"
)

// PhysMem gives the engine access to the physical frames holding its page
// tables. Implementations must cover every frame donated to the hierarchy;
// an out-of-range access is a programming error and panics.
type PhysMem interface {
	Read64(addr riscv.SupervisorPhysAddr) uint64
	Write64(addr riscv.SupervisorPhysAddr, v uint64)
}

// EntryKind is the state of a page table entry. Every 64-bit pattern
// classifies into exactly one kind.
type EntryKind int

const (
	// EntryUnused is an invalid entry with no PFN and no lock: free for use.
	EntryUnused EntryKind = iota
	// EntryInvalidated is an invalid entry that remembers the PFN it used
	// to map, pending conversion or reclaim.
	EntryInvalidated
	// EntryLocked is an invalid entry reserved by a mapper for an impending
	// map operation.
	EntryLocked
	// EntryLeaf is a valid entry translating to a page of memory.
	EntryLeaf
	// EntryNextTable is a valid entry pointing at a next-level table.
	EntryNextTable
)

func (k EntryKind) String() string {
	switch k {
	case EntryUnused:
		return "unused"
	case EntryInvalidated:
		return "invalidated"
	case EntryLocked:
		return "locked"
	case EntryLeaf:
		return "leaf"
	case EntryNextTable:
		return "table"
	default:
		return fmt.Sprintf("EntryKind(%d)", int(k))
	}
}

// classify returns the kind of a raw entry. The checks are ordered so the
// result is total and mutually exclusive: invalid entries split on the lock
// bit and then the PFN, valid entries split on the permission bits.
func classify(p Pte) EntryKind {
	if !p.Valid() {
		if p.Locked() {
			return EntryLocked
		}
		if p.Pfn().Bits() != 0 {
			return EntryInvalidated
		}
		return EntryUnused
	}
	if !p.Leaf() {
		return EntryNextTable
	}
	return EntryLeaf
}

// entry is a view of one PTE cell in physical memory, tagged with its
// current state and the level it sits at. Transition methods enforce the
// state machine: a transition from the wrong state is an engine bug and
// panics.
type entry struct {
	mem   PhysMem
	addr  riscv.SupervisorPhysAddr // address of the PTE cell
	level Level
	kind  EntryKind
}

func entryAt(mem PhysMem, addr riscv.SupervisorPhysAddr, level Level) entry {
	pte := Pte(mem.Read64(addr))
	return entry{mem: mem, addr: addr, level: level, kind: classify(pte)}
}

func (e *entry) load() Pte {
	return Pte(e.mem.Read64(e.addr))
}

func (e *entry) store(p Pte) {
	e.mem.Write64(e.addr, uint64(p))
	e.kind = classify(p)
}

func (e *entry) mustBe(kinds ...EntryKind) {
	for _, k := range kinds {
		if e.kind == k {
			return
		}
	}
	panic(fmt.Sprintf("pagetable: entry at 0x%x is %s, expected one of %v", uint64(e.addr), e.kind, kinds))
}

// pageAddr returns the physical address of the frame the entry maps, or
// used to map. Valid for leaf and invalidated entries.
func (e *entry) pageAddr() riscv.SupervisorPhysAddr {
	e.mustBe(EntryLeaf, EntryInvalidated)
	return e.load().Pfn().Addr()
}

// tableAddr returns the base address of the next-level table the entry
// points at.
func (e *entry) tableAddr() riscv.SupervisorPhysAddr {
	e.mustBe(EntryNextTable)
	return e.load().Pfn().Addr()
}

// lock reserves the entry for an impending map operation.
// Unused|Invalidated -> Locked.
func (e *entry) lock() {
	e.mustBe(EntryUnused, EntryInvalidated)
	e.store(e.load().Lock())
}

// unlock releases a reservation. Locked -> Unused if the entry held no PFN,
// Locked -> Invalidated otherwise.
func (e *entry) unlock() {
	e.mustBe(EntryLocked)
	e.store(e.load().Unlock())
}

// mapTable points the entry at a next-level table page. The caller must
// uniquely own the table page. Unused -> NextTable.
func (e *entry) mapTable(tableAddr riscv.SupervisorPhysAddr) {
	e.mustBe(EntryUnused)
	e.store(NewPte(riscv.PfnFromAddr(tableAddr), NonLeaf()))
}

// mapLeaf makes the entry translate to paddr with the given permissions.
// The caller must uniquely own the frame. The user bit is always set.
// Locked -> Leaf.
func (e *entry) mapLeaf(paddr riscv.SupervisorPhysAddr, perms LeafPerms) {
	e.mustBe(EntryLocked)
	if !riscv.Aligned(uint64(paddr), uint64(e.level.LeafPageSize())) {
		panic(fmt.Sprintf("pagetable: leaf address 0x%x not aligned to %s", uint64(paddr), e.level.LeafPageSize()))
	}
	e.store(NewPte(riscv.PfnFromAddr(paddr), LeafWithPerms(perms)|PteUser))
}

// invalidate removes the entry from translation while preserving its PFN.
// Leaf -> Invalidated.
func (e *entry) invalidate() {
	e.mustBe(EntryLeaf)
	e.store(e.load().Invalidate())
}
