// Package pagetable implements the two-level page table of spec
// component 4.2: a PMD of PTRS_PER_PMD entries, each pointing at a PTE
// table of PTRS_PER_PTE entries, each PTE mapping one page.
//
// The entry representation — a single machine word with flag bits in
// the low PAGE_SHIFT bits and a page-aligned value in the high bits —
// and the unsafe.Pointer reinterpretation of an allocated page as a
// typed table (pg2pmap/Pg2bytes in the teacher kernel's mem/dmap.go)
// are grounded directly on that file. Unlike the teacher's four-level
// x86 page table walking physical addresses through a direct map, this
// table is two-level and stores frame numbers (pfns) rather than
// virtual addresses in its entries, resolved through the buddy zone's
// frame table — the natural adaptation for a simulated architecture
// with no real physical address space to address into.
package pagetable

import (
	"unsafe"

	"duskvm/kern/src/buddy"
	"duskvm/kern/src/errs"
	"duskvm/kern/src/frame"
)

/// PageShift/PageSize mirror frame.PageShift/PageSize; re-exported here
/// because every index computation in this package needs them.
const PageShift = frame.PageShift
const PageSize = frame.PageSize

/// PMD/PTE index widths and the address split they imply:
/// [ PMD index (10 bits) | PTE index (10 bits) | offset (12 bits) ].
const (
	PtrsPerPMD   = 1024
	PtrsPerPTE   = 1024
	PMDIndexBits = 10
	PTEIndexBits = 10
	PMDAddrSize  = PageSize * PtrsPerPTE // 4 MiB covered by one PMD entry
)

const pageFrameMask = ^uint32(PageSize - 1)

// PTE flag bits, packed into the low PageShift bits of the word.
const (
	Present      uint32 = 1 << 0
	RW           uint32 = 1 << 1
	WriteThrough uint32 = 1 << 2
	Accessed     uint32 = 1 << 3
	Dirty        uint32 = 1 << 4
	Swap         uint32 = 1 << 5
)

/// PTE is a single page-table entry: low PageShift bits are flags, the
/// rest is a page-aligned value (a frame number when Present, a swap
/// slot offset when Swap, meaningless when neither — the "none" state).
type PTE uint32

/// IsNone reports whether the slot has never been touched.
func (p PTE) IsNone() bool {
	return p == 0
}

/// IsPresent reports whether the entry maps a resident frame.
func (p PTE) IsPresent() bool {
	return uint32(p)&Present != 0
}

/// IsSwap reports whether the entry points at a swap slot.
func (p PTE) IsSwap() bool {
	return uint32(p)&Present == 0 && uint32(p)&Swap != 0
}

/// Flags returns the low-bit flags of the entry.
func (p PTE) Flags() uint32 {
	return uint32(p) & uint32(PageSize-1)
}

/// Frame returns the frame number of a Present entry. Valid only when
/// IsPresent is true.
func (p PTE) Frame() uint32 {
	return uint32(p) >> PageShift
}

/// SwapSlot returns the swap slot offset of a Swap entry. Valid only
/// when IsSwap is true.
func (p PTE) SwapSlot() uint32 {
	return uint32(p) >> PageShift
}

/// SetPage installs a Present mapping to pfn with the given flags. The
/// target entry must be "none" (zero) — matching the invariant that
/// pte_set_page never silently replaces an existing mapping.
func SetPage(pte *PTE, pfn uint32, flags uint32) {
	if !pte.IsNone() {
		panic("pagetable: pte_set_page on a non-empty entry")
	}
	*pte = PTE(pfn<<PageShift | flags&uint32(PageSize-1) | Present)
}

/// Publish overwrites pte unconditionally with a Present mapping to
/// pfn with the given flags. Used by the fault handler, which may be
/// replacing a swap entry or an empty one.
func Publish(pte *PTE, pfn uint32, flags uint32) {
	*pte = PTE(pfn<<PageShift | flags&uint32(PageSize-1) | Present)
}

/// SetSwap clears any frame value and marks the entry as pointing at
/// swap slot.
func SetSwap(pte *PTE, slot uint32) {
	*pte = PTE(slot<<PageShift | Swap)
}

/// SetCOW clears RW on a Present entry, downgrading it to a read-only,
/// shared, copy-on-write mapping. It does not touch Present/Accessed/
/// Dirty or the frame value.
func SetCOW(pte *PTE) {
	*pte = PTE(uint32(*pte) &^ RW)
}

// pmdEntry is the PMD's own word format: Present + the pfn of a PTE
// table, or zero.
type pmdEntry uint32

func (e pmdEntry) present() bool { return uint32(e)&Present != 0 }
func (e pmdEntry) pteFramePFN() uint32 { return uint32(e) >> PageShift }

// pteTable is the in-memory shape of one PTE table page.
type pteTable [PtrsPerPTE]PTE

// pmdTable is the in-memory shape of the PMD page.
type pmdTable [PtrsPerPMD]pmdEntry

func asPTETable(page []byte) *pteTable {
	return (*pteTable)(unsafe.Pointer(&page[0]))
}

func asPMDTable(page []byte) *pmdTable {
	return (*pmdTable)(unsafe.Pointer(&page[0]))
}

func split(va uint32) (pmdIdx, pteIdx, off uint32) {
	off = va & uint32(PageSize-1)
	rest := va >> PageShift
	pteIdx = rest & (PtrsPerPTE - 1)
	pmdIdx = (rest >> PTEIndexBits) & (PtrsPerPMD - 1)
	return
}

/// Table is a per-address-space page table: a PMD plus a resident-page
/// counter. total_pages tracks Present PTEs reachable from pmd, per
/// spec's page-table counter invariant.
type Table struct {
	zone       *buddy.Zone
	pmdPFN     uint32
	pmd        *pmdTable
	totalPages int
}

/// New allocates a fresh, zeroed page table.
func New(zone *buddy.Zone) (*Table, errs.Err_t) {
	pfn, page, ok := zone.AllocKPage()
	if !ok {
		return nil, errs.ENOMEM
	}
	zone.Table().Zero(pfn)
	return &Table{zone: zone, pmdPFN: pfn, pmd: asPMDTable(page)}, 0
}

/// TotalPages returns the resident-page counter.
func (t *Table) TotalPages() int {
	return t.totalPages
}

/// NoteResident increments total_pages. Called by the fault handler
/// after it publishes a PTE that was not already counted resident.
func (t *Table) NoteResident() {
	t.totalPages++
}

/// NoteEvicted decrements total_pages. Called by the fault handler and
/// the reclaim path when a resident page stops being counted (swap-out,
/// or a CoW copy that failed partway through).
func (t *Table) NoteEvicted() {
	t.totalPages--
}

func (t *Table) pteTableFor(pmdIdx uint32, alloc bool) (*pteTable, errs.Err_t) {
	e := t.pmd[pmdIdx]
	if e.present() {
		return asPTETable(t.zone.Table().Page(e.pteFramePFN())), 0
	}
	if !alloc {
		return nil, 0
	}
	pfn, page, ok := t.zone.AllocKPage()
	if !ok {
		return nil, errs.ENOMEM
	}
	t.zone.Table().Zero(pfn)
	t.pmd[pmdIdx] = pmdEntry(pfn<<PageShift | Present)
	return asPTETable(page), 0
}

/// GetOrAllocPTE returns a pointer to the PTE for va, allocating the
/// covering PTE table on demand. Concurrent callers must already hold
/// the owning address space's lock (spec section 5); this function
/// does no locking of its own.
func (t *Table) GetOrAllocPTE(va uint32) (*PTE, errs.Err_t) {
	pmdIdx, pteIdx, _ := split(va)
	pt, err := t.pteTableFor(pmdIdx, true)
	if err != 0 {
		return nil, err
	}
	return &pt[pteIdx], 0
}

/// Lookup returns the PTE for va without allocating, or nil if the
/// covering PTE table does not exist.
func (t *Table) Lookup(va uint32) *PTE {
	pmdIdx, pteIdx, _ := split(va)
	pt, _ := t.pteTableFor(pmdIdx, false)
	if pt == nil {
		return nil
	}
	return &pt[pteIdx]
}

/// AllocPageRange installs Present PTEs with the given flags for every
/// page in [start, end), allocating a zeroed user frame for each
/// uncovered page. Already-present entries are skipped. On failure,
/// partial work is left in place (spec: "the next fault will rebuild
/// what is needed") and ENOMEM is returned.
func (t *Table) AllocPageRange(start, end uint32, flags uint32) errs.Err_t {
	start &= pageFrameMask
	for va := start; va < end; va += PageSize {
		pte, err := t.GetOrAllocPTE(va)
		if err != 0 {
			return err
		}
		if !pte.IsNone() {
			continue
		}
		pfn, ok := t.zone.AllocUserZeroedPage()
		if !ok {
			return errs.ENOMEM
		}
		SetPage(pte, pfn, flags)
		t.totalPages++
	}
	return 0
}

// WalkAction is the result a walker callback returns.
type WalkAction int

const (
	Continue WalkAction = iota
	Break
	// Repeat is defined for a clock-style multi-pass aging scan. The
	// single-pass walker here treats it exactly like Continue, per
	// spec's own note that WALK_REPEAT never triggers a re-walk in the
	// live code it was distilled from.
	Repeat
)

/// WalkFunc is invoked for every non-none PTE encountered by Walk.
type WalkFunc func(t *Table, pte *PTE, va uint32) WalkAction

/// Walk invokes f for every non-none PTE in [start, end).
func (t *Table) Walk(start, end uint32, f WalkFunc) {
	start &= pageFrameMask
	for va := start; va < end; va += PageSize {
		pmdIdx, pteIdx, _ := split(va)
		pt, _ := t.pteTableFor(pmdIdx, false)
		if pt == nil {
			continue
		}
		pte := &pt[pteIdx]
		if pte.IsNone() {
			continue
		}
		switch f(t, pte, va) {
		case Break:
			return
		case Continue, Repeat:
		}
	}
}

/// Destroy releases every resident frame and swap slot reachable from
/// the table, and returns every PMD/PTE page to the kernel allocator.
/// On return total_pages == 0.
func (t *Table) Destroy(dec func(slot uint32)) {
	ft := t.zone.Table()
	for pmdIdx := 0; pmdIdx < PtrsPerPMD; pmdIdx++ {
		e := t.pmd[pmdIdx]
		if !e.present() {
			continue
		}
		pt := asPTETable(ft.Page(e.pteFramePFN()))
		for i := range pt {
			pte := pt[i]
			switch {
			case pte.IsSwap():
				dec(pte.SwapSlot())
			case pte.IsPresent():
				t.zone.PutUserPage(pte.Frame())
				t.totalPages--
			}
		}
		t.zone.FreeKPages(e.pteFramePFN())
		t.pmd[pmdIdx] = 0
	}
	t.zone.FreeKPages(t.pmdPFN)
	if t.totalPages != 0 {
		panic("pagetable: destroy left total_pages != 0")
	}
}

/// Copy populates dst as a copy-on-write clone of src, following spec's
/// pt_copy: none entries are skipped, swap entries have their slot
/// refcount bumped and are copied verbatim, and present entries are
/// downgraded to read-only in both the source and the new table while
/// the underlying frame's user-count is bumped. inc is called to bump
/// a swap slot's refcount.
func Copy(dst, src *Table, inc func(slot uint32)) errs.Err_t {
	ft := src.zone.Table()
	for pmdIdx := 0; pmdIdx < PtrsPerPMD; pmdIdx++ {
		e := src.pmd[pmdIdx]
		if !e.present() {
			continue
		}
		srcPT := asPTETable(ft.Page(e.pteFramePFN()))
		dstPT, err := dst.pteTableFor(uint32(pmdIdx), true)
		if err != 0 {
			return err
		}
		for i := range srcPT {
			pte := &srcPT[i]
			switch {
			case pte.IsNone():
				continue
			case pte.IsSwap():
				inc(pte.SwapSlot())
				dstPT[i] = *pte
			case pte.IsPresent():
				SetCOW(pte)
				ft.Refup(pte.Frame())
				dstPT[i] = *pte
				dst.totalPages++
			}
		}
	}
	return 0
}
