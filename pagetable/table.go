// Package pagetable implements the per-process page table used by the
// resident (non-paging) address-space strategy, and the global inverted
// page table with eviction used by the demand-paged strategy: a flat,
// VPN-indexed array of translation entries rather than a multi-level
// radix table.
package pagetable

import "github.com/lucasiborrat/nachos-userproc/machine"

// Table is one process's page table: an ordered sequence of translation
// entries indexed by VPN, length numPages.
type Table struct {
	entries []machine.TranslationEntry
}

// New allocates a table for numPages virtual pages, all entries invalid.
func New(numPages int) *Table {
	return &Table{entries: make([]machine.TranslationEntry, numPages)}
}

func (t *Table) NumPages() int { return len(t.entries) }

// Valid reports whether vpn is in range and has a valid entry.
func (t *Table) Valid(vpn uint32) bool {
	return int(vpn) >= 0 && int(vpn) < len(t.entries) && t.entries[vpn].Valid
}

// Get returns the entry for vpn. The caller must have checked Valid first.
func (t *Table) Get(vpn uint32) machine.TranslationEntry {
	return t.entries[vpn]
}

// Set installs entry at vpn.
func (t *Table) Set(vpn uint32, e machine.TranslationEntry) {
	t.entries[vpn] = e
}

// SetReadOnly flips the read-only bit of an already-valid entry, used by
// the loader while laying out COFF sections.
func (t *Table) SetReadOnly(vpn uint32, ro bool) {
	t.entries[vpn].ReadOnly = ro
}

// MarkAccess updates the used/dirty bits after a user-memory access.
func (t *Table) MarkAccess(vpn uint32, dirty bool) {
	t.entries[vpn].Used = true
	if dirty {
		t.entries[vpn].Dirty = true
	}
}

// PPNs returns the physical frame of every valid entry, in VPN order,
// used by UnloadSections to return them all to the frame pool exactly
// once.
func (t *Table) PPNs() []uint32 {
	ppns := make([]uint32, 0, len(t.entries))
	for _, e := range t.entries {
		if e.Valid {
			ppns = append(ppns, e.PPN)
		}
	}
	return ppns
}
