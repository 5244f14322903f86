package pagetable

import (
	"fmt"

	"github.com/sameo/salus/internal/pagetracker"
	"github.com/sameo/salus/internal/riscv"
)

// entriesPerPage is the number of 64-bit PTEs in a 4KB table page.
const entriesPerPage = uint64(riscv.PageSize4k) / 8

// table is one page table at one level of the hierarchy: a run of PTE
// cells starting at base. Tables are views loaned out by the owning
// PageTable; they hold no state of their own.
type table struct {
	mem   PhysMem
	base  riscv.SupervisorPhysAddr
	level Level
}

func (t table) entryAddr(index uint64) riscv.SupervisorPhysAddr {
	return t.base + riscv.SupervisorPhysAddr(index*8)
}

// entryForIndex returns the entry view at the given index.
func (t table) entryForIndex(index uint64) entry {
	return entryAt(t.mem, t.entryAddr(index), t.level)
}

// entryForAddr returns the entry view at this level for the address being
// translated.
func (t table) entryForAddr(addr uint64) entry {
	return t.entryForIndex(t.level.Index(addr))
}

// descend returns the next-level table pointed at by e. The entry must be a
// next-table pointer; a leaf here means the structure doesn't reach the
// level the caller expected.
func (t table) descend(e entry) (table, error) {
	if e.kind != EntryNextTable {
		return table{}, ErrLeafEntryNotTable
	}
	next, ok := t.level.Next()
	if !ok {
		panic("pagetable: next-table entry at leaf level")
	}
	// Beyond the root, every table is exactly one 4KB page.
	if next.TablePages() != 1 {
		panic(fmt.Sprintf("pagetable: level below root has %d table pages", next.TablePages()))
	}
	return table{mem: t.mem, base: e.tableAddr(), level: next}, nil
}

// nextLevelOrFill returns the next-level table for addr. If the entry is
// unused, a fresh page is drawn from getPtePage and installed as the new
// table. Any other occupant of the slot means a conflicting mapping.
func (t table) nextLevelOrFill(addr uint64, getPtePage GetPtePage) (table, error) {
	e := t.entryForAddr(addr)
	switch e.kind {
	case EntryNextTable:
	case EntryUnused:
		page := getPtePage()
		if page == nil {
			return table{}, ErrInsufficientPtePages
		}
		e.mapTable(page.Addr())
	default:
		return table{}, ErrMappingExists
	}
	return t.descend(e)
}

// releasePages returns every frame reachable from this table to the page
// tracker: data frames held by leaf and invalidated entries, and the table
// frames of next-level tables after recursing into them. Locked and unused
// entries hold nothing. Release failures mean the tracker's accounting
// disagrees with the hierarchy and are unrecoverable.
func (t table) releasePages(tracker *pagetracker.Tracker, owner riscv.PageOwnerId) {
	end := uint64(1) << t.level.AddrWidth()
	for index := uint64(0); index < end; index++ {
		e := t.entryForIndex(index)
		switch e.kind {
		case EntryNextTable:
			sub, err := t.descend(e)
			if err != nil {
				panic(err)
			}
			sub.releasePages(tracker, owner)
			if err := tracker.ReleasePageByAddr(e.tableAddr(), owner); err != nil {
				panic(fmt.Sprintf("pagetable: release table page 0x%x: %v", uint64(e.tableAddr()), err))
			}
		case EntryLeaf, EntryInvalidated:
			if err := tracker.ReleasePageByAddr(e.pageAddr(), owner); err != nil {
				panic(fmt.Sprintf("pagetable: release mapped page 0x%x: %v", uint64(e.pageAddr()), err))
			}
		}
	}
}

// visit walks the table depth-first, reporting every populated entry.
func (t table) visit(fn func(EntryInfo)) {
	end := uint64(1) << t.level.AddrWidth()
	for index := uint64(0); index < end; index++ {
		e := t.entryForIndex(index)
		if e.kind == EntryUnused {
			continue
		}
		info := EntryInfo{
			Level: t.level,
			Index: index,
			Kind:  e.kind,
			Pfn:   e.load().Pfn(),
		}
		fn(info)
		if e.kind == EntryNextTable {
			sub, err := t.descend(e)
			if err != nil {
				panic(err)
			}
			sub.visit(fn)
		}
	}
}

// EntryInfo describes one populated entry, as reported by VisitEntries.
type EntryInfo struct {
	Level Level
	Index uint64
	Kind  EntryKind
	Pfn   riscv.Pfn
}
