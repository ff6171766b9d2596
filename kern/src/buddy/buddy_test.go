package buddy

import "testing"

func TestAllocFreeRestoresFreeCounts(t *testing.T) {
	z := NewZone(1 << MaxOrder)
	before := z.Stats()

	pfn, ok := z.AllocPages(1)
	if !ok {
		t.Fatalf("AllocPages(1) failed")
	}
	z.FreePages(pfn)

	after := z.Stats()
	if after.FreePerOrder != before.FreePerOrder {
		t.Fatalf("free counts not restored: before %v after %v", before.FreePerOrder, after.FreePerOrder)
	}
	if after.AllocatedPages != 0 {
		t.Fatalf("allocatedPages = %d, want 0", after.AllocatedPages)
	}
}

func TestAllocBoundaries(t *testing.T) {
	z := NewZone(1 << MaxOrder)

	if _, ok := z.AllocPages(1); !ok {
		t.Fatalf("AllocPages(1) should succeed on an empty zone")
	}
	z2 := NewZone(1 << MaxOrder)
	if _, ok := z2.AllocPages(1 << MaxOrder); !ok {
		t.Fatalf("AllocPages(1<<MaxOrder) should succeed on a fresh zone")
	}
	z3 := NewZone(1 << MaxOrder)
	if _, ok := z3.AllocPages((1 << MaxOrder) + 1); ok {
		t.Fatalf("AllocPages((1<<MaxOrder)+1) should fail: no single block is that large")
	}
}

func TestCoalescingCompleteness(t *testing.T) {
	z := NewZone(1 << MaxOrder)

	a, ok := z.AllocPages(1 << (MaxOrder - 1))
	if !ok {
		t.Fatalf("first half-zone alloc failed")
	}
	b, ok := z.AllocPages(1 << (MaxOrder - 1))
	if !ok {
		t.Fatalf("second half-zone alloc failed")
	}

	z.FreePages(a)
	z.FreePages(b)

	st := z.Stats()
	if st.FreePerOrder[MaxOrder] != 1 {
		t.Fatalf("freeing both buddies should coalesce to one order-%d block, got %+v", MaxOrder, st.FreePerOrder)
	}
}

func TestFreeListsPartitionZone(t *testing.T) {
	z := NewZone(4 << MaxOrder)

	var allocated []uint32
	for i := 0; i < 3; i++ {
		pfn, ok := z.AllocPages(1)
		if !ok {
			t.Fatalf("alloc %d failed", i)
		}
		allocated = append(allocated, pfn)
	}

	st := z.Stats()
	freeBlocks := 0
	for _, n := range st.FreePerOrder {
		freeBlocks += n
	}
	if st.AllocatedPages != 3 {
		t.Fatalf("allocatedPages = %d, want 3", st.AllocatedPages)
	}
	if freeBlocks == 0 {
		t.Fatalf("expected some free blocks to remain")
	}

	for _, pfn := range allocated {
		z.FreePages(pfn)
	}
	if z.Stats().AllocatedPages != 0 {
		t.Fatalf("allocatedPages should be 0 after freeing everything")
	}
}

func TestFreeingUnallocatedFramePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected a panic freeing a never-allocated frame")
		}
	}()
	z := NewZone(1 << MaxOrder)
	z.FreePages(0)
}

func TestUserPageRefcounting(t *testing.T) {
	z := NewZone(1 << MaxOrder)

	pfn, ok := z.AllocUserZeroedPage()
	if !ok {
		t.Fatalf("AllocUserZeroedPage failed")
	}
	page := z.Table().Page(pfn)
	for _, b := range page {
		if b != 0 {
			t.Fatalf("AllocUserZeroedPage returned a non-zero page")
		}
	}

	z.Table().Refup(pfn)
	if z.Table().RefCount(pfn) != 2 {
		t.Fatalf("refcount = %d, want 2", z.Table().RefCount(pfn))
	}

	z.PutUserPage(pfn)
	if z.Stats().AllocatedPages == 0 {
		t.Fatalf("frame should still be allocated: still shared")
	}
	z.PutUserPage(pfn)
	if z.Stats().AllocatedPages != 0 {
		t.Fatalf("frame should be freed once refcount drops to zero")
	}
}

func TestReclaimHookInvokedPastWatermark(t *testing.T) {
	z := NewZone(1 << MaxOrder)
	calls := 0
	z.ReclaimHook = func() bool {
		calls++
		return false
	}

	// Cross the 90% watermark with single-page user allocations.
	n := (9 * (1 << MaxOrder)) / 10
	for i := 0; i < n+1; i++ {
		if _, ok := z.AllocUserPage(); !ok {
			break
		}
	}
	if calls == 0 {
		t.Fatalf("expected the reclaim hook to be invoked once the watermark was crossed")
	}
}
