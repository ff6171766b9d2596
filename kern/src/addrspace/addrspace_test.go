package addrspace

import (
	"bytes"
	"testing"

	"duskvm/kern/src/buddy"
	"duskvm/kern/src/errs"
	"duskvm/kern/src/tlbmgr"
)

const userspaceTop = 0x80000000

func newAS(t *testing.T) (*buddy.Zone, *AS) {
	t.Helper()
	z := buddy.NewZone(8 << buddy.MaxOrder)
	as, err := New(z, tlbmgr.New())
	if err != 0 {
		t.Fatalf("New: %v", err)
	}
	return z, as
}

func TestDefineRegionOverlapRejected(t *testing.T) {
	_, as := newAS(t)
	if err := as.DefineRegion(0x400000, 0x2000, 0x2000, 0, true, true, false); err != 0 {
		t.Fatalf("first DefineRegion: %v", err)
	}
	if err := as.DefineRegion(0x400800, 0x1000, 0x1000, 0, true, false, false); err != errs.EINVAL {
		t.Fatalf("overlapping DefineRegion should return EINVAL, got %v", err)
	}
}

func TestFindArea(t *testing.T) {
	_, as := newAS(t)
	as.DefineRegion(0x400000, 0x2000, 0x2000, 0, true, true, false)

	if a := as.FindArea(0x400abc); a == nil {
		t.Fatalf("expected to find an area covering 0x400abc")
	}
	if a := as.FindArea(0x500000); a != nil {
		t.Fatalf("expected no area at an unmapped address")
	}
}

func TestDefineStackWithoutArgs(t *testing.T) {
	_, as := newAS(t)
	sp, err := as.DefineStack(0, false, userspaceTop)
	if err != 0 {
		t.Fatalf("DefineStack: %v", err)
	}
	if sp != userspaceTop {
		t.Fatalf("sp = %#x, want userspaceTop %#x (no args)", sp, userspaceTop)
	}
	if as.PageTable().TotalPages() != StackPages {
		t.Fatalf("TotalPages = %d, want %d (eagerly populated stack)", as.PageTable().TotalPages(), StackPages)
	}
}

func TestDefineArgsLayout(t *testing.T) {
	_, as := newAS(t)
	uargv, err := as.DefineArgs([]string{"a", "bb"}, userspaceTop, 4096)
	if err != 0 {
		t.Fatalf("DefineArgs: %v", err)
	}

	// 3 pointers (12B) + "a\0"+"bb\0" (2+3=5B) = 17 -> round to 24 -> +8 guard = 32.
	wantStart := uint32(userspaceTop - 32)
	if uargv != wantStart {
		t.Fatalf("uargv = %#x, want %#x", uargv, wantStart)
	}

	ft := as.zone.Table()
	pte := as.pt.Lookup(wantStart)
	if pte == nil || !pte.IsPresent() {
		t.Fatalf("argument region must be mapped")
	}
	// the block starts partway into its page, at wantStart's page offset.
	page := ft.Page(pte.Frame())[wantStart&(PageSize-1):]

	le32 := func(off uint32) uint32 {
		return uint32(page[off]) | uint32(page[off+1])<<8 | uint32(page[off+2])<<16 | uint32(page[off+3])<<24
	}
	if got := le32(0); got != wantStart+12 {
		t.Fatalf("argv[0] = %#x, want %#x", got, wantStart+12)
	}
	if got := le32(4); got != wantStart+14 {
		t.Fatalf("argv[1] = %#x, want %#x", got, wantStart+14)
	}
	if got := le32(8); got != 0 {
		t.Fatalf("argv[2] (NULL terminator) = %#x, want 0", got)
	}
	if !bytes.Equal(page[12:14], []byte("a\x00")) {
		t.Fatalf("string 0 mismatch: %q", page[12:14])
	}
	if !bytes.Equal(page[14:17], []byte("bb\x00")) {
		t.Fatalf("string 1 mismatch: %q", page[14:17])
	}
}

func TestDefineArgsOverflowReturnsE2BIG(t *testing.T) {
	_, as := newAS(t)
	// cap set to exactly the size of a tiny block that won't fit a long argv.
	if _, err := as.DefineArgs([]string{"this is a long enough argument to overflow a tiny cap"}, userspaceTop, 16); err != errs.E2BIG {
		t.Fatalf("expected E2BIG, got %v", err)
	}
}

func TestDefineArgsExactCapFits(t *testing.T) {
	_, as := newAS(t)
	// argv = ["a"]: 2 pointers (8B) + "a\0" (2B) = 10 -> round to 16 -> +8 = 24.
	if _, err := as.DefineArgs([]string{"a"}, userspaceTop, 24); err != 0 {
		t.Fatalf("expected the exact-cap block to fit, got %v", err)
	}
}

func TestDefineLegacyRegionCap(t *testing.T) {
	_, as := newAS(t)
	if err := as.DefineLegacyRegion(0x10000, 0x1000, false); err != 0 {
		t.Fatalf("legacy region 1: %v", err)
	}
	if err := as.DefineLegacyRegion(0x20000, 0x1000, true); err != 0 {
		t.Fatalf("legacy region 2: %v", err)
	}
	if err := as.DefineLegacyRegion(0x30000, 0x1000, false); err != errs.ENOSYS {
		t.Fatalf("a third legacy region should return ENOSYS, got %v", err)
	}
}

func TestForkSharesFrameAndDowngradesPermissions(t *testing.T) {
	z, as := newAS(t)
	as.DefineRegion(0x400000, 0x1000, 0x1000, 0, true, true, false)
	if err := as.PageTable().AllocPageRange(0x400000, 0x401000, 1 /* Present */ |2 /* RW */); err != 0 {
		t.Fatalf("AllocPageRange: %v", err)
	}
	pte := as.PageTable().Lookup(0x400000)
	pfn := pte.Frame()
	z.Table().Page(pfn)[0] = 0xAA

	child, err := as.Fork(func(slot uint32) {})
	if err != 0 {
		t.Fatalf("Fork: %v", err)
	}

	if pte.Flags()&2 != 0 {
		t.Fatalf("parent PTE should have been downgraded to read-only by Fork")
	}
	childPTE := child.PageTable().Lookup(0x400000)
	if childPTE == nil || childPTE.Flags()&2 != 0 {
		t.Fatalf("child PTE should be read-only")
	}
	if childPTE.Frame() != pfn {
		t.Fatalf("child should share the parent's frame")
	}
	if z.Table().RefCount(pfn) != 2 {
		t.Fatalf("refcount = %d, want 2 after Fork", z.Table().RefCount(pfn))
	}
	if z.Table().Page(pfn)[0] != 0xAA {
		t.Fatalf("shared frame contents should be unchanged")
	}
}
