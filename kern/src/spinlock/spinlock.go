// Package spinlock provides the non-sleeping lock primitive used to
// guard the buddy zone, the TLB, and the swap index. It is distinct
// from an ordinary sleepable mutex: code holding a spinlock.T must
// never block (no I/O, no channel receive, no allocation that itself
// sleeps). The distinction is structural, not enforced by the type
// system here, matching the house style of the rest of this tree where
// Physmem_t-shaped types simply document the rule in a comment on the
// embedded sync.Mutex.
package spinlock

import "sync"

/// T is a spinlock. Embed it (as the rest of this codebase embeds
/// sync.Mutex) rather than wrapping it, so the zero value is ready to
/// use and callers can still see Lock/Unlock on the outer type.
type T struct {
	sync.Mutex
}

/// Guard holds lck locked for the duration of f. It exists for the
/// handful of call sites that want a one-line critical section instead
/// of an explicit Lock/defer Unlock pair.
func Guard(lck *T, f func()) {
	lck.Lock()
	defer lck.Unlock()
	f()
}
