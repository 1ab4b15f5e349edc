package pagetable

import (
	"fmt"
	"sync"

	"github.com/lucasiborrat/nachos-userproc/machine"
)

// Key identifies one resident page system-wide.
type Key struct {
	VPN uint32
	PID uint32
}

// occupant is what the inverted table actually stores per key: the
// translation entry plus whether the page has a COFF section backing it.
// Anonymous pages (stack, argv) are the ones the swap-backed eviction
// path cares about; a COFF-backed page is always safe to just reload
// from the executable, dirty or not.
type occupant struct {
	entry     machine.TranslationEntry
	anonymous bool
}

// Inverted is the global (vpn, pid) -> TranslationEntry map, with a FIFO
// eviction policy over physical frames: one map keyed by (vpn, pid)
// rather than one table per pid.
//
// Invariants: every resident page has exactly one entry; EvictPPN only
// ever returns a ppn whose occupant it has just removed from the map; a
// ppn locked by an in-progress load is never chosen.
type Inverted struct {
	mu      sync.Mutex
	entries map[Key]occupant
	order   []Key // FIFO queue of resident keys, oldest first
	locked  map[Key]bool
}

func NewInverted() *Inverted {
	return &Inverted{
		entries: make(map[Key]occupant),
		locked:  make(map[Key]bool),
	}
}

// Get returns the entry for key, if resident.
func (inv *Inverted) Get(key Key) (machine.TranslationEntry, bool) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	o, ok := inv.entries[key]
	return o.entry, ok
}

// Put inserts or replaces the entry for key and records/refreshes its
// position in the FIFO eviction order. anonymous marks whether key has no
// backing COFF section; the caller (DemandPaged.faultIn) already knows
// this from resolving the page's content source.
func (inv *Inverted) Put(key Key, e machine.TranslationEntry, anonymous bool) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if _, existed := inv.entries[key]; !existed {
		inv.order = append(inv.order, key)
	}
	inv.entries[key] = occupant{entry: e, anonymous: anonymous}
}

// Touch mutates the entry for key in place via fn, used to fold in
// used/dirty bits without having to know or re-specify whether key is
// anonymous, since it's already on file from the original Put. Reports
// whether key was resident.
func (inv *Inverted) Touch(key Key, fn func(e *machine.TranslationEntry)) bool {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	o, ok := inv.entries[key]
	if !ok {
		return false
	}
	fn(&o.entry)
	inv.entries[key] = o
	return true
}

// Remove drops key from the table, e.g. on process exit.
func (inv *Inverted) Remove(key Key) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.removeLocked(key)
}

func (inv *Inverted) removeLocked(key Key) {
	delete(inv.entries, key)
	delete(inv.locked, key)
	for i, k := range inv.order {
		if k == key {
			inv.order = append(inv.order[:i], inv.order[i+1:]...)
			break
		}
	}
}

// Lock marks key as having an in-progress load, making it ineligible for
// eviction until Unlock. Used while a freshly allocated frame is being
// filled by the COFF reader or the swap file, so a second concurrent
// fault can't steal it out from under the first.
func (inv *Inverted) Lock(key Key) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.locked[key] = true
}

func (inv *Inverted) Unlock(key Key) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	delete(inv.locked, key)
}

// EvictPPN picks the oldest unlocked resident entry, removes it from the
// table, and returns its key, its (pre-removal) entry, and whether it was
// anonymous; the entry's PPN is the frame the caller can reuse after
// handling any writeback the entry needs.
func (inv *Inverted) EvictPPN() (Key, machine.TranslationEntry, bool, error) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	for i, key := range inv.order {
		if inv.locked[key] {
			continue
		}
		o := inv.entries[key]
		inv.order = append(inv.order[:i], inv.order[i+1:]...)
		delete(inv.entries, key)
		return key, o.entry, o.anonymous, nil
	}
	return Key{}, machine.TranslationEntry{}, false, fmt.Errorf("pagetable: no evictable resident page (all locked)")
}

// Resident pairs a key with the entry it mapped to, returned by
// RemoveForPID so a caller can both free the frame and forget any swap
// slot keyed by the same (vpn, pid).
type Resident struct {
	Key   Key
	Entry machine.TranslationEntry
}

// RemoveForPID drops every entry belonging to pid, returning each one;
// used by process exit to hand frames back to the pool and release swap
// slots.
func (inv *Inverted) RemoveForPID(pid uint32) []Resident {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	var out []Resident
	for key, o := range inv.entries {
		if key.PID == pid {
			out = append(out, Resident{Key: key, Entry: o.entry})
			inv.removeLocked(key)
		}
	}
	return out
}
