// Package pagetable implements the multi-level paging engine used for both
// first-stage (Sv39/Sv48/Sv57) and guest-stage (Sv39x4/Sv48x4/Sv57x4)
// address spaces. A PageTable owns a hierarchy of hardware page tables and
// mediates every lifecycle transition of the entries in it: unused, locked
// for mapping, mapped, invalidated, and converted/reclaimed.
package pagetable

import "github.com/sameo/salus/internal/riscv"

// Pte is a raw RV64 page table entry. The layout matches the privileged
// specification for all of the Sv* translation modes:
//
//	bit  0     V    valid
//	bits 1..3  RWX  permissions; nonzero marks a leaf
//	bit  4     U    user accessible
//	bit  5     G    global
//	bit  6     A    accessed
//	bit  7     D    dirty
//	bits 8..9  RSW  reserved for software
//	bits 10..53     PFN
//
// Bit 8 of the RSW field is used as the lock marker for PTEs that have been
// reserved for an in-flight map operation. Hardware ignores RSW, and the
// engine only sets it on invalid entries.
type Pte uint64

const (
	PteValid    Pte = 1 << 0
	PteRead     Pte = 1 << 1
	PteWrite    Pte = 1 << 2
	PteExecute  Pte = 1 << 3
	PteUser     Pte = 1 << 4
	PteGlobal   Pte = 1 << 5
	PteAccessed Pte = 1 << 6
	PteDirty    Pte = 1 << 7
	PteLock     Pte = 1 << 8

	ptePermMask = PteRead | PteWrite | PteExecute

	ptePfnShift = 10
	ptePfnMask  = (1 << riscv.PfnBits) - 1
)

// LeafPerms is a permission set for a leaf mapping.
type LeafPerms int

const (
	PermsR LeafPerms = iota
	PermsRW
	PermsRX
	PermsRWX
)

func (p LeafPerms) bits() Pte {
	switch p {
	case PermsR:
		return PteRead
	case PermsRW:
		return PteRead | PteWrite
	case PermsRX:
		return PteRead | PteExecute
	default:
		return PteRead | PteWrite | PteExecute
	}
}

// LeafWithPerms returns the field bits for a valid leaf entry with the
// given permissions. Accessed and dirty are pre-set since the engine does
// not use hardware A/D updates.
func LeafWithPerms(perms LeafPerms) Pte {
	return PteValid | PteAccessed | PteDirty | perms.bits()
}

// NonLeaf returns the field bits for a valid pointer to a next-level table.
func NonLeaf() Pte {
	return PteValid
}

// Valid reports whether the entry participates in translation.
func (p Pte) Valid() bool {
	return p&PteValid != 0
}

// Leaf reports whether the entry's permission bits mark it as a leaf.
// Only meaningful for valid entries.
func (p Pte) Leaf() bool {
	return p&ptePermMask != 0
}

// Locked reports whether the software lock bit is set.
func (p Pte) Locked() bool {
	return p&PteLock != 0
}

// Pfn returns the page frame number held by the entry.
func (p Pte) Pfn() riscv.Pfn {
	return riscv.Pfn((uint64(p) >> ptePfnShift) & ptePfnMask)
}

// NewPte builds an entry holding pfn and exactly the given field bits.
func NewPte(pfn riscv.Pfn, bits Pte) Pte {
	return Pte(pfn.Bits()<<ptePfnShift) | bits
}

// Lock returns the entry with the software lock bit set.
func (p Pte) Lock() Pte {
	return p | PteLock
}

// Unlock returns the entry with the software lock bit cleared.
func (p Pte) Unlock() Pte {
	return p &^ PteLock
}

// Invalidate returns the entry with the valid bit cleared. The PFN is
// preserved so the frame can later be converted or reclaimed.
func (p Pte) Invalidate() Pte {
	return p &^ PteValid
}
