package pagetracker

import "github.com/sameo/salus/internal/riscv"

// PageList is an ordered collection of frames whose ownership has just been
// transferred out of a page table, e.g. by invalidating a mapped range.
type PageList struct {
	pages []riscv.SupervisorPhysAddr
}

// NewPageList returns an empty list.
func NewPageList() *PageList {
	return &PageList{}
}

// Push appends a frame to the list.
func (l *PageList) Push(addr riscv.SupervisorPhysAddr) {
	l.pages = append(l.pages, addr)
}

// Pop removes and returns the first frame on the list.
func (l *PageList) Pop() (riscv.SupervisorPhysAddr, bool) {
	if len(l.pages) == 0 {
		return 0, false
	}
	addr := l.pages[0]
	l.pages = l.pages[1:]
	return addr, true
}

// Len returns the number of frames on the list.
func (l *PageList) Len() int { return len(l.pages) }

// All returns the frames on the list in order.
func (l *PageList) All() []riscv.SupervisorPhysAddr {
	out := make([]riscv.SupervisorPhysAddr, len(l.pages))
	copy(out, l.pages)
	return out
}

// LockedPage is an exclusive borrow of a converted frame from the tracker.
type LockedPage struct {
	tracker *Tracker
	addr    riscv.SupervisorPhysAddr
}

// Addr returns the frame's physical address.
func (p *LockedPage) Addr() riscv.SupervisorPhysAddr { return p.addr }

// Release drops the exclusive lock without changing the frame's state.
func (p *LockedPage) Release() {
	if p.tracker == nil {
		return
	}
	p.tracker.unlockPage(p.addr)
	p.tracker = nil
}

// LockedPageList accumulates exclusively-locked frames. Frames still on the
// list when Close is called have their locks dropped, so a partially
// consumed list never leaks reservations.
type LockedPageList struct {
	pages []*LockedPage
}

// NewLockedPageList returns an empty list.
func NewLockedPageList() *LockedPageList {
	return &LockedPageList{}
}

// Push appends a locked frame to the list.
func (l *LockedPageList) Push(p *LockedPage) {
	l.pages = append(l.pages, p)
}

// Pop removes and returns the first frame, transferring its lock to the
// caller.
func (l *LockedPageList) Pop() (*LockedPage, bool) {
	if len(l.pages) == 0 {
		return nil, false
	}
	p := l.pages[0]
	l.pages = l.pages[1:]
	return p, true
}

// Len returns the number of frames on the list.
func (l *LockedPageList) Len() int { return len(l.pages) }

// Close releases the locks of every frame still on the list. It is
// idempotent and never fails.
func (l *LockedPageList) Close() {
	for _, p := range l.pages {
		p.Release()
	}
	l.pages = nil
}
