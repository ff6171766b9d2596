// Package frame implements the physical frame table described in the
// data model: one entry per physical page, addressed by frame number
// (pfn), with the state/order/user-count bookkeeping the buddy
// allocator and the user-page helpers rely on.
//
// The table is grounded on the teacher kernel's Physmem_t/Physpg_t
// pair (a single contiguous []Physpg_t indexed by pfn, a free-list
// "next index" field reused as intrusive link storage, and a Dmap-style
// accessor that turns a frame number into an addressable page). Since
// this module has no real physical memory to back, the table owns a
// byte arena that Dmap-equivalent lookups index into; this stands in
// for the teacher's direct map region.
package frame

import (
	"sync/atomic"
)

/// PageShift is the base-2 exponent of the page size.
const PageShift = 12

/// PageSize is the size of a single page in bytes.
const PageSize = 1 << PageShift

/// NoFrame is the "end of list" / "not set" sentinel used by the
/// doubly-linked free-list fields, matching the ^uint32(0) sentinel the
/// teacher kernel uses for its own free lists.
const NoFrame uint32 = ^uint32(0)

/// State enumerates the lifecycle of a physical frame.
type State uint8

const (
	// Initial is a frame reserved at boot, never touched by the
	// allocator.
	Initial State = iota
	// InBuddy means the frame is the lead frame of a free block sitting
	// on a buddy order free-list.
	InBuddy
	// AllocatedKernel is a frame (or the lead frame of a block) handed
	// out by the kernel allocator.
	AllocatedKernel
	// AllocatedUser is a frame (or the lead frame of a block) backing a
	// user mapping. UserCount >= 1 while in this state.
	AllocatedUser
)

/// Frame describes one physical page. Order, State and the free-list
/// links are owned by the buddy allocator; UserCount is owned by the
/// user-page helpers (Refup/Refdown).
type Frame struct {
	State State
	// Order is the buddy order this frame's containing block was
	// allocated/freed at. Meaningful only for the lead frame of a
	// block.
	Order uint8
	// UserCount is the sharing reference count for a user frame. Zero
	// when the frame is not a user frame.
	UserCount int32
	// Next/Prev link this frame into its order's free-list while
	// InBuddy. NoFrame terminates the list.
	Next, Prev uint32
}

/// Table is the frame table: a flat array of per-frame metadata plus
/// the byte arena that stands in for physical memory.
type Table struct {
	frames []Frame
	arena  []byte
}

/// New allocates a frame table describing n physical pages (pfns
/// 0..n-1) and the backing arena.
func New(n int) *Table {
	return &Table{
		frames: make([]Frame, n),
		arena:  make([]byte, n*PageSize),
	}
}

/// Len returns the number of frames in the table.
func (t *Table) Len() int {
	return len(t.frames)
}

/// At returns a pointer to the metadata for pfn. It panics on an
/// out-of-range pfn, mirroring the teacher kernel's refusal to handle
/// addresses outside the zone.
func (t *Table) At(pfn uint32) *Frame {
	return &t.frames[pfn]
}

/// Page returns the byte-slice view of the page at pfn, the
/// equivalent of the teacher kernel's Dmap(): a pfn turned into
/// addressable memory.
func (t *Table) Page(pfn uint32) []byte {
	off := int(pfn) * PageSize
	return t.arena[off : off+PageSize]
}

/// Zero clears the page at pfn.
func (t *Table) Zero(pfn uint32) {
	p := t.Page(pfn)
	for i := range p {
		p[i] = 0
	}
}

/// Refup increments a user frame's reference count.
func (t *Table) Refup(pfn uint32) {
	f := t.At(pfn)
	c := atomic.AddInt32(&f.UserCount, 1)
	if c <= 0 {
		panic("frame: refup on a frame with non-positive count")
	}
}

/// Refdown decrements a user frame's reference count and reports
/// whether it reached zero. Panics if the count was already zero,
/// matching spec's "decrementing a zero reference count" invariant
/// violation.
func (t *Table) Refdown(pfn uint32) bool {
	f := t.At(pfn)
	c := atomic.AddInt32(&f.UserCount, -1)
	if c < 0 {
		panic("frame: refdown underflow")
	}
	return c == 0
}

/// RefCount reads a user frame's current reference count.
func (t *Table) RefCount(pfn uint32) int {
	f := t.At(pfn)
	return int(atomic.LoadInt32(&f.UserCount))
}
