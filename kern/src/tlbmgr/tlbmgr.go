// Package tlbmgr implements the software-refilled TLB cache of spec
// component 4.8: a fixed-size array of valid/invalid slots, each
// holding a virtual page number and the physical mapping installed for
// it, probed and replaced under a single spinlock.
//
// NumSlots follows the conventional os161 dumbvm NUM_TLB of 64 (the
// original's arch/mips/vm/dumbvm.c loops `for (i=0; i<NUM_TLB; i++)`
// against a machine/tlb.h constant not present in the retrieved
// source tree; 64 is the architecture's well-known real entry count
// and the value dumbvm itself assumes). The probe-then-free-slot-
// then-random-victim replacement policy and the single
// spinlock-plus-local-interrupt-disable discipline around every
// mutation are grounded on the teacher kernel's Tlbshoot
// (biscuit/src/vm/as.go), adapted from biscuit's x86 shootdown-based
// model (broadcast an invalidation IPI to every CPU sharing a pmap) to
// the single-core software-TLB model spec.md specifies, since this
// module explicitly excludes SMP shootdown.
package tlbmgr

import (
	"math/rand"

	"duskvm/kern/src/spinlock"
)

/// NumSlots is the number of hardware TLB entries.
const NumSlots = 64

// Per-entry low-word bits, mirroring the MIPS TLBLO layout: Dirty is
// the write-permission bit, not a modified indicator.
const (
	Valid uint32 = 1 << 0
	Dirty uint32 = 1 << 1
)

type entry struct {
	valid bool
	vpn   uint32
	phys  uint32
	lo    uint32
}

/// Manager is the software TLB: NumSlots entries guarded by a single
/// spinlock, mutated only with local interrupts notionally disabled
/// for the duration (modeled here simply as holding the spinlock,
/// since this package has no real interrupt controller to quiesce).
type Manager struct {
	spin  spinlock.T
	slots [NumSlots]entry
	rng   *rand.Rand
}

/// New returns an all-invalid TLB.
func New() *Manager {
	return &Manager{rng: rand.New(rand.NewSource(1))}
}

func vpnOf(va uint32) uint32 {
	return va &^ uint32(0xFFF)
}

func (m *Manager) probeLocked(vpn uint32) int {
	for i := range m.slots {
		if m.slots[i].valid && m.slots[i].vpn == vpn {
			return i
		}
	}
	return -1
}

func (m *Manager) firstInvalidLocked() int {
	for i := range m.slots {
		if !m.slots[i].valid {
			return i
		}
	}
	return -1
}

/// SetPage installs a mapping from va's page to phys, with the
/// Dirty bit set iff writable. If a valid entry for the same virtual
/// page number already exists, it is overwritten in place. Otherwise
/// the first invalid slot is used; if every slot is valid, a slot is
/// chosen at random and its mapping is evicted.
//
// usedFree reports whether an invalid (free) slot was used, as
// opposed to evicting a valid one by random replacement — the
// distinction the fault handler uses to credit
// tlb_faults_with_free vs tlb_faults_with_replace.
func (m *Manager) SetPage(va, phys uint32, writable bool) (usedFree bool) {
	vpn := vpnOf(va)
	lo := phys &^ uint32(0xFFF) | Valid
	if writable {
		lo |= Dirty
	}

	m.spin.Lock()
	defer m.spin.Unlock()

	if i := m.probeLocked(vpn); i >= 0 {
		m.slots[i] = entry{valid: true, vpn: vpn, phys: phys, lo: lo}
		return true
	}
	if i := m.firstInvalidLocked(); i >= 0 {
		m.slots[i] = entry{valid: true, vpn: vpn, phys: phys, lo: lo}
		return true
	}
	i := m.rng.Intn(NumSlots)
	m.slots[i] = entry{valid: true, vpn: vpn, phys: phys, lo: lo}
	return false
}

/// SetReadonly scans every valid slot and clears its Dirty bit,
/// downgrading every currently cached mapping to read-only without
/// invalidating it.
func (m *Manager) SetReadonly() {
	m.spin.Lock()
	defer m.spin.Unlock()
	for i := range m.slots {
		if m.slots[i].valid {
			m.slots[i].lo &^= Dirty
		}
	}
}

/// Flush invalidates every slot.
func (m *Manager) Flush() {
	m.spin.Lock()
	defer m.spin.Unlock()
	for i := range m.slots {
		m.slots[i] = entry{}
	}
}

/// FlushOne invalidates only the slot mapping va's virtual page, if
/// any.
func (m *Manager) FlushOne(va uint32) {
	vpn := vpnOf(va)
	m.spin.Lock()
	defer m.spin.Unlock()
	if i := m.probeLocked(vpn); i >= 0 {
		m.slots[i] = entry{}
	}
}

/// Lookup reports the cached translation for va, for tests that need
/// to assert TLB coherence directly rather than through a counter.
func (m *Manager) Lookup(va uint32) (phys uint32, writable bool, ok bool) {
	vpn := vpnOf(va)
	m.spin.Lock()
	defer m.spin.Unlock()
	i := m.probeLocked(vpn)
	if i < 0 {
		return 0, false, false
	}
	e := m.slots[i]
	return e.phys, e.lo&Dirty != 0, true
}

/// NumValid reports how many slots currently hold a valid mapping,
/// used by tests asserting eviction behavior.
func (m *Manager) NumValid() int {
	m.spin.Lock()
	defer m.spin.Unlock()
	n := 0
	for i := range m.slots {
		if m.slots[i].valid {
			n++
		}
	}
	return n
}
