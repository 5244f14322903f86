package pagetable

import "github.com/sameo/salus/internal/riscv"

// levelSpec describes one level of a translation mode.
type levelSpec struct {
	shift      uint // position of this level's index in the mapped address
	width      uint // width of the index in bits
	leafSize   riscv.PageSize
	tablePages int // 4KB pages per table at this level; >1 only at x4 roots
	leaf       bool
}

// Mode is a static descriptor of a RISC-V translation mode. First-stage
// modes (Sv39/Sv48/Sv57) translate supervisor virtual addresses and are
// programmed through satp; guest-stage modes (Sv39x4/Sv48x4/Sv57x4)
// translate guest physical addresses and are programmed through hgatp.
type Mode struct {
	name          string
	guestStage    bool
	levels        []levelSpec // root first
	topLevelAlign uint64
	csrMode       uint64 // MODE field value for satp or hgatp
}

// Name returns the mode's name, e.g. "Sv48x4".
func (m *Mode) Name() string { return m.name }

// GuestStage reports whether the mode translates guest physical addresses.
func (m *Mode) GuestStage() bool { return m.guestStage }

// TopLevelAlign returns the required alignment of the root table in bytes.
func (m *Mode) TopLevelAlign() uint64 { return m.topLevelAlign }

// CsrMode returns the MODE field value to program into satp (first stage)
// or hgatp (guest stage) together with the root PFN.
func (m *Mode) CsrMode() uint64 { return m.csrMode }

// RootLevel returns the root level of the hierarchy.
func (m *Mode) RootLevel() Level {
	return Level{mode: m, idx: 0}
}

// NumLevels returns the depth of the hierarchy.
func (m *Mode) NumLevels() int { return len(m.levels) }

// MaxPtePages returns an upper bound on the number of PTE pages needed to
// map numPages 4KB pages in a single contiguous range.
func (m *Mode) MaxPtePages(numPages uint64) uint64 {
	var total uint64
	entries := numPages
	// One table covers 512 entries at each level below the root; the root
	// itself is provided by the caller.
	for i := len(m.levels) - 1; i > 0; i-- {
		entries = (entries + entriesPerPage - 1) / entriesPerPage
		// A range can straddle one extra table boundary per level.
		total += entries + 1
	}
	return total
}

// Level identifies one level of a mode's hierarchy.
type Level struct {
	mode *Mode
	idx  int
}

func (l Level) spec() levelSpec { return l.mode.levels[l.idx] }

// AddrShift returns the position of this level's index in a mapped address.
func (l Level) AddrShift() uint { return l.spec().shift }

// AddrWidth returns the width in bits of this level's index.
func (l Level) AddrWidth() uint { return l.spec().width }

// LeafPageSize returns the size of a page mapped by a leaf at this level.
func (l Level) LeafPageSize() riscv.PageSize { return l.spec().leafSize }

// TablePages returns how many 4KB pages a table at this level occupies.
func (l Level) TablePages() int { return l.spec().tablePages }

// IsLeaf reports whether this is the deepest level of the hierarchy.
func (l Level) IsLeaf() bool { return l.spec().leaf }

// Next returns the next level down the hierarchy, or false at the leaf.
func (l Level) Next() (Level, bool) {
	if l.IsLeaf() {
		return Level{}, false
	}
	return Level{mode: l.mode, idx: l.idx + 1}, true
}

// Index extracts this level's table index from a mapped address.
func (l Level) Index(addr uint64) uint64 {
	s := l.spec()
	return (addr >> s.shift) & ((1 << s.width) - 1)
}

// Translation mode CSR values from the privileged specification. The x4
// guest-stage variants reuse the numeric value of their first-stage
// counterparts in the hgatp MODE field.
const (
	satpModeSv39 = 8
	satpModeSv48 = 9
	satpModeSv57 = 10
)

func makeMode(name string, numLevels int, guestStage bool, csrMode uint64) *Mode {
	levels := make([]levelSpec, numLevels)
	for i := 0; i < numLevels; i++ {
		// Index 0 is the root; the leaf level always selects bits 12..20.
		depth := numLevels - 1 - i
		shift := uint(riscv.PageShift + 9*depth)
		spec := levelSpec{
			shift:      shift,
			width:      9,
			leafSize:   riscv.PageSize(uint64(1) << shift),
			tablePages: 1,
			leaf:       depth == 0,
		}
		if i == 0 && guestStage {
			// Guest-stage roots translate two extra physical address bits
			// and span four 4KB pages.
			spec.width = 11
			spec.tablePages = 4
		}
		levels[i] = spec
	}
	align := uint64(riscv.PageSize4k)
	if guestStage {
		align = 4 * uint64(riscv.PageSize4k)
	}
	return &Mode{
		name:          name,
		guestStage:    guestStage,
		levels:        levels,
		topLevelAlign: align,
		csrMode:       csrMode,
	}
}

// The supported translation modes.
var (
	Sv39 = makeMode("Sv39", 3, false, satpModeSv39)
	Sv48 = makeMode("Sv48", 4, false, satpModeSv48)
	Sv57 = makeMode("Sv57", 5, false, satpModeSv57)

	Sv39x4 = makeMode("Sv39x4", 3, true, satpModeSv39)
	Sv48x4 = makeMode("Sv48x4", 4, true, satpModeSv48)
	Sv57x4 = makeMode("Sv57x4", 5, true, satpModeSv57)
)
