// ptdump builds a demonstration paging hierarchy and prints the live
// page-table tree, one line per populated entry, with entry states
// color-coded.
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/x/ansi"

	"github.com/sameo/salus/internal/hostmem"
	"github.com/sameo/salus/internal/pagetable"
	"github.com/sameo/salus/internal/pagetracker"
	"github.com/sameo/salus/internal/riscv"
)

func parseMode(name string) (*pagetable.Mode, error) {
	switch name {
	case "sv39":
		return pagetable.Sv39, nil
	case "sv48":
		return pagetable.Sv48, nil
	case "sv57":
		return pagetable.Sv57, nil
	case "sv39x4":
		return pagetable.Sv39x4, nil
	case "sv48x4":
		return pagetable.Sv48x4, nil
	case "sv57x4":
		return pagetable.Sv57x4, nil
	default:
		return nil, fmt.Errorf("ptdump: unknown paging mode %q", name)
	}
}

type printer struct {
	color     bool
	rootShift uint
}

func (p *printer) style(kind pagetable.EntryKind) ansi.Style {
	switch kind {
	case pagetable.EntryNextTable:
		return ansi.Style{}.ForegroundColor(ansi.Cyan)
	case pagetable.EntryLeaf:
		return ansi.Style{}.ForegroundColor(ansi.Green)
	case pagetable.EntryInvalidated:
		return ansi.Style{}.ForegroundColor(ansi.Yellow)
	case pagetable.EntryLocked:
		return ansi.Style{}.ForegroundColor(ansi.Red)
	default:
		return ansi.Style{}
	}
}

func (p *printer) print(info pagetable.EntryInfo) {
	depth := (p.rootShift - info.Level.AddrShift()) / 9
	indent := strings.Repeat("  ", int(depth))

	var target string
	switch info.Kind {
	case pagetable.EntryNextTable:
		target = fmt.Sprintf("-> 0x%x", uint64(info.Pfn.Addr()))
	case pagetable.EntryLeaf, pagetable.EntryInvalidated:
		target = fmt.Sprintf("0x%x (%s)", uint64(info.Pfn.Addr()), info.Level.LeafPageSize())
	}

	label := fmt.Sprintf("%sL%d[%4d] %-11s %s", indent, depth, info.Index, info.Kind, target)
	if p.color {
		label = p.style(info.Kind).Styled(label)
	}
	fmt.Println(label)
}

func run() error {
	modeName := flag.String("mode", "sv48x4", "paging mode to build")
	baseStr := flag.String("base", "0x400000000", "first mapped address")
	pages := flag.Uint64("pages", 8, "number of pages to map")
	noColor := flag.Bool("no-color", false, "disable colored output")
	flag.Parse()

	mode, err := parseMode(*modeName)
	if err != nil {
		return err
	}
	base, err := strconv.ParseUint(*baseStr, 0, 64)
	if err != nil {
		return fmt.Errorf("ptdump: parse base: %w", err)
	}
	if *pages == 0 {
		return fmt.Errorf("ptdump: nothing to map")
	}

	const ramBase = riscv.SupervisorPhysAddr(0x8000_0000)
	arena, err := hostmem.NewArena(ramBase, 16<<20)
	if err != nil {
		return err
	}
	tracker, err := pagetracker.New(ramBase, arena.Size()/uint64(riscv.PageSize4k))
	if err != nil {
		return err
	}
	owner := riscv.GuestOwner(0)

	root, err := arena.AllocPages("root", uint64(mode.RootLevel().TablePages()), mode.TopLevelAlign())
	if err != nil {
		return err
	}
	if err := tracker.AssignPages(owner, root, riscv.MemRam); err != nil {
		return err
	}
	pool, err := arena.NewPagePool("pte-pool", mode.MaxPtePages(*pages))
	if err != nil {
		return err
	}
	if err := tracker.AssignPages(owner, pool.Pages(), riscv.MemRam); err != nil {
		return err
	}
	data, err := arena.NewPagePool("data", *pages)
	if err != nil {
		return err
	}
	if err := tracker.AssignPages(owner, data.Pages(), riscv.MemRam); err != nil {
		return err
	}

	color := !*noColor
	if mode.GuestStage() {
		pt, err := pagetable.NewGuestStage(mode, root, owner, tracker, arena)
		if err != nil {
			return err
		}
		return dump(pt, riscv.GuestPhysAddr(base), *pages, pool, data, color)
	}
	pt, err := pagetable.NewFirstStage(mode, root, owner, tracker, arena)
	if err != nil {
		return err
	}
	return dump(pt, riscv.SupervisorVirtAddr(base), *pages, pool, data, color)
}

// dump populates a little of everything — mapped leaves, an invalidated
// entry, and a live reservation — then prints the resulting tree.
func dump[A riscv.MappedAddr](pt *pagetable.PageTable[A], base A, pages uint64, pool, data *hostmem.PagePool, color bool) error {
	mapper, err := pt.MapRange(base, riscv.PageSize4k, pages, pool.Get)
	if err != nil {
		return fmt.Errorf("ptdump: map range: %w", err)
	}
	for i := uint64(0); i+1 < pages; i++ {
		page := data.Get()
		if page == nil {
			return fmt.Errorf("ptdump: out of data pages")
		}
		addr := base + A(i*uint64(riscv.PageSize4k))
		if err := mapper.MapPage(addr, riscv.NewZeroPage(page.Addr(), riscv.PageSize4k)); err != nil {
			return fmt.Errorf("ptdump: map page: %w", err)
		}
	}
	// The last reserved PTE stays locked so the dump shows one.
	if pages > 1 {
		if _, err := pt.InvalidateRange(base, riscv.PageSize4k, 1, riscv.MemRam); err != nil {
			return fmt.Errorf("ptdump: invalidate: %w", err)
		}
	}

	mode := pt.Mode()
	fmt.Printf("%s hierarchy, root 0x%x (%d pages)\n",
		mode.Name(), uint64(pt.RootAddress()), mode.RootLevel().TablePages())
	p := &printer{color: color, rootShift: mode.RootLevel().AddrShift()}
	pt.VisitEntries(p.print)

	mapper.Close()
	pt.Close()
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
