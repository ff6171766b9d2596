// Package extiface holds the small set of external-interface stand-ins
// the fault handler needs but which spec.md treats as outside the core:
// the scheduler's notion of "the current thread/process" and the
// per-address-space sleepable lock serializing reads of the backing
// executable.
//
// The "current thread" handle is grounded on the teacher kernel's
// tinfo.Tnote_t/Threadinfo_t (biscuit/src/tinfo/tinfo.go), which tracks
// per-thread liveness under a mutex and exposes a package-level
// Current()/SetCurrent() pair. That pair is implemented there with
// thread-local storage hooks into a custom-patched Go runtime
// (runtime.Gptr/Setgptr) that does not exist in stock Go; the
// idiomatic adaptation used here is to pass the current thread/address
// space explicitly as a parameter instead of reaching for hidden
// per-goroutine state, which is what every stock-Go kernel-style
// project in the pack does instead (e.g. gopheros threads its
// mm.AddressSpace through call arguments rather than a TLS slot).
package extiface

import (
	"context"
	"golang.org/x/sync/semaphore"
)

/// Thread is the minimal slice of scheduler state the fault handler
/// needs: an identifier and whether the thread has been marked doomed
/// (killed) by another actor, mirroring Tnote_t.Isdoomed/Doomed().
type Thread struct {
	ID     int
	Killed bool
}

/// Doomed reports whether the thread has been marked for termination.
/// A doomed thread's in-flight fault should still run to completion
/// (the spec defines no cancellation for page faults); schedulers
/// consult this only between faults.
func (t *Thread) Doomed() bool {
	return t != nil && t.Killed
}

/// FileLock is the per-address-space sleepable lock serializing reads
/// of the backing executable (spec 4.4/5). A weighted semaphore of
/// weight 1 gives the same "acquire here, release possibly from a
/// different call" shape a plain sync.Mutex gives, using the
/// concurrency primitive the teacher kernel's own go.mod already
/// vendors (golang.org/x/sync) instead of re-deriving it from
/// sync.Mutex.
type FileLock struct {
	sem *semaphore.Weighted
}

/// NewFileLock returns a ready-to-use file lock.
func NewFileLock() *FileLock {
	return &FileLock{sem: semaphore.NewWeighted(1)}
}

/// Lock acquires the file lock, blocking until available.
func (l *FileLock) Lock() {
	_ = l.sem.Acquire(context.Background(), 1)
}

/// Unlock releases the file lock.
func (l *FileLock) Unlock() {
	l.sem.Release(1)
}
