// ptbench measures map/invalidate throughput of the paging engine over a
// large contiguous range.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/sameo/salus/internal/hostmem"
	"github.com/sameo/salus/internal/pagetable"
	"github.com/sameo/salus/internal/pagetracker"
	"github.com/sameo/salus/internal/riscv"
)

func run() error {
	pages := flag.Uint64("pages", 1<<18, "number of 4k pages to map")
	quiet := flag.Bool("quiet", false, "disable the progress bar")
	flag.Parse()

	if *pages == 0 {
		return fmt.Errorf("ptbench: nothing to map")
	}

	mode := pagetable.Sv48x4
	const ramBase = riscv.SupervisorPhysAddr(0x8000_0000)
	const guestBase = riscv.GuestPhysAddr(0x4_0000_0000)

	// The arena only has to hold page-table storage; the mapped frames are
	// tracked but never dereferenced, so they live in a window above it.
	ptePages := mode.MaxPtePages(*pages)
	arenaSize := riscv.AlignUp((uint64(mode.RootLevel().TablePages())+ptePages)*uint64(riscv.PageSize4k)+uint64(riscv.PageSize4k), 1<<20)
	arena, err := hostmem.NewPinnedArena(ramBase, arenaSize)
	if err != nil {
		return err
	}
	defer arena.Close()

	dataBase := riscv.SupervisorPhysAddr(riscv.AlignUp(uint64(arena.End()), uint64(riscv.PageSize4k)))
	trackedPages := arenaSize/uint64(riscv.PageSize4k) + *pages
	tracker, err := pagetracker.New(ramBase, trackedPages)
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
	pool, err := arena.NewPagePool("pte-pool", ptePages)
	if err != nil {
		return err
	}
	if err := tracker.AssignPages(owner, pool.Pages(), riscv.MemRam); err != nil {
		return err
	}
	data, err := riscv.NewSequentialPages(dataBase, *pages, riscv.PageSize4k)
	if err != nil {
		return err
	}
	if err := tracker.AssignPages(owner, data, riscv.MemRam); err != nil {
		return err
	}

	pt, err := pagetable.NewGuestStage(mode, root, owner, tracker, arena)
	if err != nil {
		return err
	}

	var bar *progressbar.ProgressBar
	if !*quiet {
		bar = progressbar.Default(int64(*pages), "mapping")
	}

	start := time.Now()
	mapper, err := pt.MapRange(guestBase, riscv.PageSize4k, *pages, pool.Get)
	if err != nil {
		return fmt.Errorf("ptbench: map range: %w", err)
	}
	for i := uint64(0); i < *pages; i++ {
		addr := guestBase + riscv.GuestPhysAddr(i*uint64(riscv.PageSize4k))
		paddr := dataBase + riscv.SupervisorPhysAddr(i*uint64(riscv.PageSize4k))
		if err := mapper.MapPage(addr, riscv.NewZeroPage(paddr, riscv.PageSize4k)); err != nil {
			return fmt.Errorf("ptbench: map page 0x%x: %w", uint64(addr), err)
		}
		if bar != nil && i%1024 == 0 {
			_ = bar.Add(1024)
		}
	}
	mapper.Close()
	if bar != nil {
		_ = bar.Finish()
	}
	mapElapsed := time.Since(start)

	start = time.Now()
	if _, err := pt.InvalidateRange(guestBase, riscv.PageSize4k, *pages, riscv.MemRam); err != nil {
		return fmt.Errorf("ptbench: invalidate range: %w", err)
	}
	invalidateElapsed := time.Since(start)

	start = time.Now()
	pt.Close()
	teardownElapsed := time.Since(start)

	slog.Info("ptbench complete",
		"pages", *pages,
		"pte-pages", ptePages-pool.Remaining(),
		"map", mapElapsed,
		"invalidate", invalidateElapsed,
		"teardown", teardownElapsed)

	perSec := func(d time.Duration) float64 {
		if d <= 0 {
			return 0
		}
		return float64(*pages) / d.Seconds()
	}
	fmt.Printf("map:        %12.0f pages/s (%v)\n", perSec(mapElapsed), mapElapsed)
	fmt.Printf("invalidate: %12.0f pages/s (%v)\n", perSec(invalidateElapsed), invalidateElapsed)
	fmt.Printf("teardown:   %12.0f pages/s (%v)\n", perSec(teardownElapsed), teardownElapsed)
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
