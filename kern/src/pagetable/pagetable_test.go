package pagetable

import (
	"testing"

	"duskvm/kern/src/buddy"
)

func newTable(t *testing.T) (*buddy.Zone, *Table) {
	t.Helper()
	z := buddy.NewZone(4 << buddy.MaxOrder)
	pt, err := New(z)
	if err != 0 {
		t.Fatalf("New: %v", err)
	}
	return z, pt
}

func TestGetOrAllocPTEThenLookup(t *testing.T) {
	_, pt := newTable(t)

	pte, err := pt.GetOrAllocPTE(0x400000)
	if err != 0 {
		t.Fatalf("GetOrAllocPTE: %v", err)
	}
	if !pte.IsNone() {
		t.Fatalf("a freshly allocated PTE slot should be none")
	}

	// Lookup without allocating must not create the PMD entry path
	// spuriously for an address whose PMD was never touched.
	if l := pt.Lookup(0x800000); l != nil {
		t.Fatalf("Lookup on an untouched PMD range should return nil")
	}
	if l := pt.Lookup(0x400000); l != pte {
		t.Fatalf("Lookup should return the same pointer GetOrAllocPTE created")
	}
}

func TestSetPageRejectsNonEmptyEntry(t *testing.T) {
	_, pt := newTable(t)
	pte, _ := pt.GetOrAllocPTE(0x1000)
	SetPage(pte, 5, Present)

	defer func() {
		if recover() == nil {
			t.Fatalf("SetPage on an already-set entry should panic")
		}
	}()
	SetPage(pte, 6, Present)
}

func TestAllocPageRangeSkipsExisting(t *testing.T) {
	z, pt := newTable(t)
	if err := pt.AllocPageRange(0x10000, 0x10000+3*PageSize, Present|RW); err != 0 {
		t.Fatalf("AllocPageRange: %v", err)
	}
	if pt.TotalPages() != 3 {
		t.Fatalf("TotalPages = %d, want 3", pt.TotalPages())
	}

	first := pt.Lookup(0x10000)
	if !first.IsPresent() {
		t.Fatalf("page should be present after AllocPageRange")
	}
	pfn := first.Frame()

	// Re-running over an overlapping range must not touch the already
	// present page.
	if err := pt.AllocPageRange(0x10000, 0x10000+4*PageSize, Present|RW); err != 0 {
		t.Fatalf("AllocPageRange (2nd): %v", err)
	}
	if pt.TotalPages() != 4 {
		t.Fatalf("TotalPages = %d, want 4", pt.TotalPages())
	}
	if pt.Lookup(0x10000).Frame() != pfn {
		t.Fatalf("already-present entry must be left untouched")
	}
	_ = z
}

func TestWalkVisitsOnlyNonNoneEntries(t *testing.T) {
	_, pt := newTable(t)
	pt.AllocPageRange(0x20000, 0x20000+2*PageSize, Present|RW)

	seen := 0
	pt.Walk(0, 0x40000, func(tb *Table, pte *PTE, va uint32) WalkAction {
		seen++
		return Continue
	})
	if seen != 2 {
		t.Fatalf("Walk visited %d entries, want 2", seen)
	}
}

func TestWalkBreakStopsEarly(t *testing.T) {
	_, pt := newTable(t)
	pt.AllocPageRange(0x20000, 0x20000+4*PageSize, Present|RW)

	seen := 0
	pt.Walk(0, 0x40000, func(tb *Table, pte *PTE, va uint32) WalkAction {
		seen++
		return Break
	})
	if seen != 1 {
		t.Fatalf("Walk should stop after the first Break, saw %d", seen)
	}
}

func TestDestroyReleasesFramesAndZeroesCounter(t *testing.T) {
	z, pt := newTable(t)
	pt.AllocPageRange(0x30000, 0x30000+2*PageSize, Present|RW)

	before := z.Stats().AllocatedPages
	pt.Destroy(func(slot uint32) { t.Fatalf("no swap entries expected") })
	if pt.TotalPages() != 0 {
		t.Fatalf("TotalPages after Destroy = %d, want 0", pt.TotalPages())
	}
	after := z.Stats().AllocatedPages
	if after >= before {
		t.Fatalf("Destroy should have freed pages back to the zone: before %d after %d", before, after)
	}
}

func TestCopyDowngradesSourceToReadOnlyAndSharesFrame(t *testing.T) {
	z, src := newTable(t)
	src.AllocPageRange(0x50000, 0x50000+PageSize, Present|RW)
	srcPTE := src.Lookup(0x50000)
	pfn := srcPTE.Frame()

	dst, err := New(z)
	if err != 0 {
		t.Fatalf("New(dst): %v", err)
	}
	if err := Copy(dst, src, func(slot uint32) {}); err != 0 {
		t.Fatalf("Copy: %v", err)
	}

	if srcPTE.Flags()&RW != 0 {
		t.Fatalf("source PTE should be downgraded to read-only after Copy")
	}
	dstPTE := dst.Lookup(0x50000)
	if dstPTE == nil || !dstPTE.IsPresent() {
		t.Fatalf("destination PTE should be present after Copy")
	}
	if dstPTE.Flags()&RW != 0 {
		t.Fatalf("destination PTE should be read-only")
	}
	if dstPTE.Frame() != pfn {
		t.Fatalf("Copy should share the same frame, not duplicate it")
	}
	if z.Table().RefCount(pfn) != 2 {
		t.Fatalf("shared frame refcount = %d, want 2", z.Table().RefCount(pfn))
	}
	if dst.TotalPages() != src.TotalPages() {
		t.Fatalf("TotalPages mismatch after Copy: dst=%d src=%d", dst.TotalPages(), src.TotalPages())
	}
}

func TestPTEFlagHelpers(t *testing.T) {
	var pte PTE
	if !pte.IsNone() {
		t.Fatalf("zero PTE should be none")
	}

	SetPage(&pte, 7, Present|RW|Accessed)
	if !pte.IsPresent() || pte.IsSwap() {
		t.Fatalf("expected a present, non-swap entry")
	}
	if pte.Frame() != 7 {
		t.Fatalf("Frame() = %d, want 7", pte.Frame())
	}

	var swapPTE PTE
	SetSwap(&swapPTE, 3)
	if !swapPTE.IsSwap() || swapPTE.IsPresent() {
		t.Fatalf("expected a swap, non-present entry")
	}
	if swapPTE.SwapSlot() != 3 {
		t.Fatalf("SwapSlot() = %d, want 3", swapPTE.SwapSlot())
	}
}
