// ptsim builds a paging hierarchy for a simulated machine and drives the
// full page lifecycle through it: map, invalidate, convert, reclaim and
// teardown. The machine is described by a YAML config.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/sameo/salus/internal/hostmem"
	"github.com/sameo/salus/internal/pagetable"
	"github.com/sameo/salus/internal/pagetracker"
	"github.com/sameo/salus/internal/riscv"
)

func run() error {
	configPath := flag.String("config", "", "YAML machine description (default: built-in demo)")
	verbose := flag.Bool("v", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg := DefaultConfig()
	if *configPath != "" {
		loaded, err := LoadConfig(*configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	mode, err := ParseMode(cfg.Mode)
	if err != nil {
		return err
	}

	sim, err := newSimulation(cfg, mode)
	if err != nil {
		return err
	}
	defer sim.arena.Close()

	if mode.GuestStage() {
		pt, err := pagetable.NewGuestStage(mode, sim.root, sim.owner, sim.tracker, sim.arena)
		if err != nil {
			return fmt.Errorf("ptsim: create %s hierarchy: %w", mode.Name(), err)
		}
		return runLifecycle(sim, pt, func(a uint64) riscv.GuestPhysAddr { return riscv.GuestPhysAddr(a) })
	}
	pt, err := pagetable.NewFirstStage(mode, sim.root, sim.owner, sim.tracker, sim.arena)
	if err != nil {
		return fmt.Errorf("ptsim: create %s hierarchy: %w", mode.Name(), err)
	}
	return runLifecycle(sim, pt, func(a uint64) riscv.SupervisorVirtAddr { return riscv.SupervisorVirtAddr(a) })
}

// simulation holds the machine backing a single run.
type simulation struct {
	cfg     *Config
	arena   *hostmem.Arena
	tracker *pagetracker.Tracker
	owner   riscv.PageOwnerId
	root    riscv.SequentialPages
	pool    *hostmem.PagePool
	data    *hostmem.PagePool
	version pagetracker.TlbVersion
}

func newSimulation(cfg *Config, mode *pagetable.Mode) (*simulation, error) {
	arena, err := hostmem.NewPinnedArena(riscv.SupervisorPhysAddr(cfg.RamBase), cfg.RamSize)
	if err != nil {
		return nil, err
	}
	tracker, err := pagetracker.New(arena.Base(), arena.Size()/uint64(riscv.PageSize4k))
	if err != nil {
		return nil, err
	}
	owner := riscv.GuestOwner(0)

	sim := &simulation{cfg: cfg, arena: arena, tracker: tracker, owner: owner, version: 1}

	sim.root, err = arena.AllocPages("root", uint64(mode.RootLevel().TablePages()), mode.TopLevelAlign())
	if err != nil {
		return nil, err
	}
	if err := tracker.AssignPages(owner, sim.root, riscv.MemRam); err != nil {
		return nil, err
	}

	sim.pool, err = arena.NewPagePool("pte-pool", cfg.PtePoolPages)
	if err != nil {
		return nil, err
	}
	if err := tracker.AssignPages(owner, sim.pool.Pages(), riscv.MemRam); err != nil {
		return nil, err
	}

	var dataPages uint64
	for _, r := range cfg.Regions {
		dataPages += r.Pages
	}
	sim.data, err = arena.NewPagePool("data", dataPages)
	if err != nil {
		return nil, err
	}
	if err := tracker.AssignPages(owner, sim.data.Pages(), riscv.MemRam); err != nil {
		return nil, err
	}

	slog.Debug("machine ready",
		"mode", mode.Name(),
		"ram-base", fmt.Sprintf("0x%x", cfg.RamBase),
		"ram-size", fmt.Sprintf("0x%x", cfg.RamSize),
		"data-pages", dataPages)
	return sim, nil
}

// runLifecycle drives every configured region through map, invalidate,
// convert and reclaim, then tears the hierarchy down.
func runLifecycle[A riscv.MappedAddr](sim *simulation, pt *pagetable.PageTable[A], mkAddr func(uint64) A) error {
	for i, region := range sim.cfg.Regions {
		if err := runRegion(sim, pt, mkAddr, i, region); err != nil {
			return err
		}
	}

	for _, alloc := range sim.arena.Allocations() {
		slog.Debug("arena allocation", "name", alloc.Name, "base", fmt.Sprintf("0x%x", uint64(alloc.Base)), "size", fmt.Sprintf("0x%x", alloc.Size))
	}

	before := sim.tracker.OwnedBy(sim.owner)
	pt.Close()
	released := before - sim.tracker.OwnedBy(sim.owner)
	slog.Info("hierarchy torn down", "released", released)

	fmt.Printf("mode=%s root=0x%x pte-pages-used=%d released=%d\n",
		pt.Mode().Name(), uint64(pt.RootAddress()),
		sim.cfg.PtePoolPages-sim.pool.Remaining(), released)
	return nil
}

func runRegion[A riscv.MappedAddr](sim *simulation, pt *pagetable.PageTable[A], mkAddr func(uint64) A, index int, region Region) error {
	base := mkAddr(region.Base)

	mapper, err := pt.MapRange(base, riscv.PageSize4k, region.Pages, sim.pool.Get)
	if err != nil {
		return fmt.Errorf("ptsim: region %d: map range: %w", index, err)
	}
	defer mapper.Close()

	frames := make([]riscv.SupervisorPhysAddr, 0, region.Pages)
	for i := uint64(0); i < region.Pages; i++ {
		page := sim.data.Get()
		if page == nil {
			return fmt.Errorf("ptsim: region %d: out of data pages", index)
		}
		addr := mkAddr(region.Base + i*uint64(riscv.PageSize4k))
		if err := mapper.MapPage(addr, riscv.NewZeroPage(page.Addr(), riscv.PageSize4k)); err != nil {
			return fmt.Errorf("ptsim: region %d: map page 0x%x: %w", index, region.Base+i*uint64(riscv.PageSize4k), err)
		}
		frames = append(frames, page.Addr())
	}
	slog.Info("region mapped", "region", index, "base", fmt.Sprintf("0x%x", region.Base), "pages", region.Pages)

	// Spot-check that the installed translation resolves to the first
	// donated frame.
	pa, err := pt.Translate(base)
	if err != nil {
		return fmt.Errorf("ptsim: region %d: translate: %w", index, err)
	}
	if pa != frames[0] {
		return fmt.Errorf("ptsim: region %d: translated to 0x%x, expected 0x%x", index, uint64(pa), uint64(frames[0]))
	}

	if !region.Invalidate {
		return nil
	}

	list, err := pt.InvalidateRange(base, riscv.PageSize4k, region.Pages, riscv.MemRam)
	if err != nil {
		return fmt.Errorf("ptsim: region %d: invalidate: %w", index, err)
	}
	slog.Info("region invalidated", "region", index, "frames", list.Len(), "tlb-version", uint64(sim.version))

	if !region.Convert {
		return nil
	}

	for _, frame := range list.All() {
		if err := sim.tracker.ConvertPage(frame, sim.owner, sim.version); err != nil {
			return fmt.Errorf("ptsim: region %d: convert frame 0x%x: %w", index, uint64(frame), err)
		}
	}
	// A global shootdown has to complete before converted frames can move.
	sim.version = sim.version.Increment()

	locked, err := pt.GetConvertedRange(base, riscv.PageSize4k, region.Pages, riscv.MemRam, sim.version)
	if err != nil {
		return fmt.Errorf("ptsim: region %d: get converted range: %w", index, err)
	}
	reclaimed := 0
	for {
		page, ok := locked.Pop()
		if !ok {
			break
		}
		addr := page.Addr()
		page.Release()
		if err := sim.tracker.ReclaimPage(addr, sim.owner); err != nil {
			return fmt.Errorf("ptsim: region %d: reclaim frame 0x%x: %w", index, uint64(addr), err)
		}
		reclaimed++
	}
	locked.Close()
	slog.Info("region converted and reclaimed", "region", index, "frames", reclaimed, "tlb-version", uint64(sim.version))
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "ptsim: %v\n", err)
		os.Exit(1)
	}
}
