// Package pagetracker tracks the ownership and lifecycle state of every
// physical frame handed out to the hypervisor, the host VM, or a guest VM.
// The paging engine consults it before unmapping or reclaiming frames and
// returns frames to it on teardown.
package pagetracker

import (
	"fmt"
	"sync"

	"github.com/sameo/salus/internal/riscv"
)

// TlbVersion is a monotonic counter advanced on every global TLB shootdown.
// A frame invalidated at version N is provably absent from all TLBs once
// the global version has advanced past N.
type TlbVersion uint64

// Increment returns the next TLB version.
func (v TlbVersion) Increment() TlbVersion { return v + 1 }

// OlderThan reports whether v is strictly older than other.
func (v TlbVersion) OlderThan(other TlbVersion) bool { return v < other }

// PageState is the lifecycle state of a tracked frame.
type PageState int

const (
	// StateFree frames belong to no one.
	StateFree PageState = iota
	// StateOwned frames are assigned to an owner, either mapped into its
	// address space or consumed as page-table storage.
	StateOwned
	// StateConverted frames have been invalidated and handed to the
	// confidential domain, awaiting reclaim after TLB quiescence.
	StateConverted
)

func (s PageState) String() string {
	switch s {
	case StateFree:
		return "free"
	case StateOwned:
		return "owned"
	case StateConverted:
		return "converted"
	default:
		return fmt.Sprintf("PageState(%d)", int(s))
	}
}

type pageInfo struct {
	state       PageState
	owner       riscv.PageOwnerId
	memType     riscv.MemType
	convertedAt TlbVersion
	locked      bool
}

// Tracker tracks every 4KB frame in a physical address window. It is safe
// for concurrent use from multiple harts.
type Tracker struct {
	mu    sync.Mutex
	base  riscv.SupervisorPhysAddr
	pages []pageInfo
}

// New creates a tracker covering numPages 4KB frames starting at base.
// All frames start out free.
func New(base riscv.SupervisorPhysAddr, numPages uint64) (*Tracker, error) {
	if !riscv.Aligned(uint64(base), uint64(riscv.PageSize4k)) {
		return nil, fmt.Errorf("pagetracker: base 0x%x not page aligned", uint64(base))
	}
	return &Tracker{
		base:  base,
		pages: make([]pageInfo, numPages),
	}, nil
}

// Base returns the first tracked address.
func (t *Tracker) Base() riscv.SupervisorPhysAddr { return t.base }

// NumPages returns the number of tracked frames.
func (t *Tracker) NumPages() uint64 { return uint64(len(t.pages)) }

func (t *Tracker) info(addr riscv.SupervisorPhysAddr) (*pageInfo, error) {
	if !riscv.Aligned(uint64(addr), uint64(riscv.PageSize4k)) {
		return nil, fmt.Errorf("pagetracker: address 0x%x not page aligned", uint64(addr))
	}
	if addr < t.base {
		return nil, fmt.Errorf("pagetracker: address 0x%x below tracked range", uint64(addr))
	}
	index := uint64(addr-t.base) / uint64(riscv.PageSize4k)
	if index >= uint64(len(t.pages)) {
		return nil, fmt.Errorf("pagetracker: address 0x%x above tracked range", uint64(addr))
	}
	return &t.pages[index], nil
}

// AssignPages donates the frames in pages to owner. Every frame must be
// free.
func (t *Tracker) AssignPages(owner riscv.PageOwnerId, pages riscv.SequentialPages, memType riscv.MemType) error {
	if pages.PageSize() != riscv.PageSize4k {
		return fmt.Errorf("pagetracker: cannot assign %s pages", pages.PageSize())
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	// Probe the whole run before committing so a failure changes nothing.
	for i := uint64(0); i < pages.Len(); i++ {
		addr := pages.Base() + riscv.SupervisorPhysAddr(i*uint64(riscv.PageSize4k))
		info, err := t.info(addr)
		if err != nil {
			return err
		}
		if info.state != StateFree {
			return fmt.Errorf("pagetracker: frame 0x%x is %s, not free", uint64(addr), info.state)
		}
	}
	for i := uint64(0); i < pages.Len(); i++ {
		addr := pages.Base() + riscv.SupervisorPhysAddr(i*uint64(riscv.PageSize4k))
		info, _ := t.info(addr)
		*info = pageInfo{state: StateOwned, owner: owner, memType: memType}
	}
	return nil
}

// ReleasePageByAddr returns the frame at addr to the free pool. The frame
// must be held by owner and not locked; anything else is a programming
// error on the caller's side.
func (t *Tracker) ReleasePageByAddr(addr riscv.SupervisorPhysAddr, owner riscv.PageOwnerId) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	info, err := t.info(addr)
	if err != nil {
		return err
	}
	if info.state == StateFree || info.owner != owner {
		return fmt.Errorf("pagetracker: frame 0x%x not held by owner %d", uint64(addr), owner)
	}
	if info.locked {
		return fmt.Errorf("pagetracker: frame 0x%x is locked", uint64(addr))
	}
	*info = pageInfo{}
	return nil
}

// IsMappedPage reports whether the frame at addr is owned by owner with
// the given memory type and available for mapping operations.
func (t *Tracker) IsMappedPage(addr riscv.SupervisorPhysAddr, owner riscv.PageOwnerId, memType riscv.MemType) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	info, err := t.info(addr)
	if err != nil {
		return false
	}
	return info.state == StateOwned && info.owner == owner && info.memType == memType
}

// ConvertPage marks an owned frame as converted at the given TLB version.
// The paging engine must already have invalidated every translation to it.
func (t *Tracker) ConvertPage(addr riscv.SupervisorPhysAddr, owner riscv.PageOwnerId, version TlbVersion) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	info, err := t.info(addr)
	if err != nil {
		return err
	}
	if info.state != StateOwned || info.owner != owner {
		return fmt.Errorf("pagetracker: frame 0x%x not held by owner %d", uint64(addr), owner)
	}
	info.state = StateConverted
	info.convertedAt = version
	return nil
}

// IsConvertedPage reports whether the frame at addr was converted by owner
// at a TLB version strictly older than tlbVersion, i.e. whether no stale
// translation to it can remain.
func (t *Tracker) IsConvertedPage(addr riscv.SupervisorPhysAddr, owner riscv.PageOwnerId, memType riscv.MemType, tlbVersion TlbVersion) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	info, err := t.info(addr)
	if err != nil {
		return false
	}
	return info.state == StateConverted && info.owner == owner &&
		info.memType == memType && info.convertedAt.OlderThan(tlbVersion)
}

// GetConvertedPage takes an exclusive lock on a converted frame and returns
// a handle to it. The lock is released through LockedPage.Release or by the
// LockedPageList holding it.
func (t *Tracker) GetConvertedPage(addr riscv.SupervisorPhysAddr, owner riscv.PageOwnerId, tlbVersion TlbVersion) (*LockedPage, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	info, err := t.info(addr)
	if err != nil {
		return nil, err
	}
	if info.state != StateConverted || info.owner != owner || !info.convertedAt.OlderThan(tlbVersion) {
		return nil, fmt.Errorf("pagetracker: frame 0x%x is not reclaimable at version %d", uint64(addr), tlbVersion)
	}
	if info.locked {
		return nil, fmt.Errorf("pagetracker: frame 0x%x already locked", uint64(addr))
	}
	info.locked = true
	return &LockedPage{tracker: t, addr: addr}, nil
}

// ReclaimPage returns a converted, unlocked frame to its owner's mapped
// pool.
func (t *Tracker) ReclaimPage(addr riscv.SupervisorPhysAddr, owner riscv.PageOwnerId) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	info, err := t.info(addr)
	if err != nil {
		return err
	}
	if info.state != StateConverted || info.owner != owner {
		return fmt.Errorf("pagetracker: frame 0x%x not converted by owner %d", uint64(addr), owner)
	}
	if info.locked {
		return fmt.Errorf("pagetracker: frame 0x%x is locked", uint64(addr))
	}
	info.state = StateOwned
	info.convertedAt = 0
	return nil
}

// PageCount returns how many tracked frames are in the given state.
func (t *Tracker) PageCount(state PageState) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var n uint64
	for i := range t.pages {
		if t.pages[i].state == state {
			n++
		}
	}
	return n
}

// OwnedBy returns how many tracked frames owner currently holds, in any
// state.
func (t *Tracker) OwnedBy(owner riscv.PageOwnerId) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var n uint64
	for i := range t.pages {
		if t.pages[i].state != StateFree && t.pages[i].owner == owner {
			n++
		}
	}
	return n
}

func (t *Tracker) unlockPage(addr riscv.SupervisorPhysAddr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	info, err := t.info(addr)
	if err != nil || !info.locked {
		panic(fmt.Sprintf("pagetracker: unlocking frame 0x%x that is not locked", uint64(addr)))
	}
	info.locked = false
}
