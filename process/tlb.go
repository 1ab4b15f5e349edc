package process

import (
	"math/rand"

	"github.com/lucasiborrat/nachos-userproc/addr"
	"github.com/lucasiborrat/nachos-userproc/kernel"
	"github.com/lucasiborrat/nachos-userproc/machine"
	"github.com/lucasiborrat/nachos-userproc/pagetable"
)

// HandleMiss services a TLB miss for proc at faultVaddr: reconcile the TLB
// against the inverted table (an earlier fault may have evicted a page a
// stale slot still points to), pick a victim slot, write its dirty/used
// bits back, then resolve the faulting vpn (through proc.Space.Translate,
// which faults the page in if it isn't resident) and install it into the
// freed slot.
func HandleMiss(ctx *kernel.Context, tlb machine.TLB, proc *Process, faultVaddr uint32) error {
	vpn := addr.VPN(faultVaddr, uint32(ctx.Config.PageSize))

	reconcileTLB(ctx, tlb, proc.PID)
	slot := pickVictimSlot(tlb)
	writeBackVictim(ctx, tlb, slot, proc.PID)

	ppn, readOnly, err := proc.Space.Translate(vpn)
	if err != nil {
		return err
	}

	// Translate may itself have evicted a frame to make room for vpn, which
	// can stale a different slot than the one just picked; reconcile again
	// before installing so that slot is the only one this call leaves
	// pointing at a frame the inverted table just reassigned.
	reconcileTLB(ctx, tlb, proc.PID)

	tlb.Write(slot, machine.TranslationEntry{VPN: vpn, PPN: ppn, Valid: true, ReadOnly: readOnly})
	ctx.LogV("tlb fault serviced", "pid", proc.PID, "vpn", vpn, "ppn", ppn, "slot", slot)
	return nil
}

// reconcileTLB invalidates any slot holding a translation for pid whose
// (vpn, pid) no longer has a backing inverted-table entry. A page fault
// serviced earlier in the same process's lifetime can evict a frame that a
// still-valid TLB slot caches; without this the TLB stops being a strict
// subset of the inverted table, and a later writeBackVictim on that slot
// would find no entry to fold its bits into.
func reconcileTLB(ctx *kernel.Context, tlb machine.TLB, pid uint32) {
	restore := ctx.Disable()
	defer restore()
	for i := 0; i < tlb.Size(); i++ {
		e := tlb.Read(i)
		if !e.Valid {
			continue
		}
		if _, ok := ctx.Inverted.Get(pagetable.Key{VPN: e.VPN, PID: pid}); !ok {
			tlb.Write(i, machine.TranslationEntry{})
		}
	}
}

// pickVictimSlot scans for the first invalid entry; if the TLB is full, it
// falls back to a uniformly random slot.
func pickVictimSlot(tlb machine.TLB) int {
	for i := 0; i < tlb.Size(); i++ {
		if !tlb.Read(i).Valid {
			return i
		}
	}
	return rand.Intn(tlb.Size())
}

// writeBackVictim folds the victim slot's used/dirty bits into its
// inverted-table entry before the slot is reused, asserting that entry
// exists when the victim is valid.
func writeBackVictim(ctx *kernel.Context, tlb machine.TLB, slot int, pid uint32) {
	victim := tlb.Read(slot)
	if !victim.Valid {
		return
	}

	key := pagetable.Key{VPN: victim.VPN, PID: pid}
	restore := ctx.Disable()
	defer restore()

	ok := ctx.Inverted.Touch(key, func(e *machine.TranslationEntry) {
		e.Used = e.Used || victim.Used
		e.Dirty = e.Dirty || victim.Dirty
	})
	if !ok {
		kernel.Fatalf(ctx.Logger, "process: tlb holds vpn %d for pid %d with no inverted-table entry", victim.VPN, pid)
	}
}

// RestoreState invalidates every TLB entry on a context switch into a new
// process, writing back each evicted entry's bits to the previous
// process's inverted-table entries first. This is mandatory: the TLB is a
// per-pid cache and must never leak a stale translation across processes.
func RestoreState(ctx *kernel.Context, tlb machine.TLB, previousPID uint32) {
	for i := 0; i < tlb.Size(); i++ {
		writeBackVictim(ctx, tlb, i, previousPID)
		tlb.Write(i, machine.TranslationEntry{})
	}
}
