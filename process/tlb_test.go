package process

import (
	"testing"

	"github.com/lucasiborrat/nachos-userproc/kernel"
	"github.com/lucasiborrat/nachos-userproc/machine/fake"
)

func newPagingCtx(t *testing.T, numPhysPages int) *kernel.Context {
	t.Helper()
	fs := fake.NewFileSystem()
	parser := fake.NewParser()
	registerProgram(fs, parser, "root.coff")
	registerProgram(fs, parser, "child.coff")

	cfg := kernel.Config{
		PageSize:     testPageSize,
		NumPhysPages: numPhysPages,
		TLBSize:      2,
		StackPages:   1,
		Paging:       true,
		SwapPath:     t.TempDir() + "/swap.bin",
	}
	return kernel.New(cfg, fake.NewConsole(), fs, parser, nil)
}

func TestTLBMissThenHit(t *testing.T) {
	ctx := newPagingCtx(t, 3)
	p, err := Execute(ctx, "root.coff", nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	tlb := fake.NewTLB(2)

	if err := HandleMiss(ctx, tlb, p, 0); err != nil {
		t.Fatalf("HandleMiss: %v", err)
	}

	var slot = -1
	for i := 0; i < tlb.Size(); i++ {
		if e := tlb.Read(i); e.Valid && e.VPN == 0 {
			slot = i
		}
	}
	if slot < 0 {
		t.Fatal("expected a valid TLB entry for vpn 0 after the fault")
	}
	if !tlb.Read(slot).ReadOnly {
		t.Fatal("text page should be installed read-only")
	}

	// A second access within the same page (vaddr 4, still vpn 0) would not
	// trap on real hardware since the TLB already covers vpn 0; confirmed
	// directly here since this fake has no CPU loop to not-call.
	ppn, _, err := p.Space.Translate(0)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if ppn != tlb.Read(slot).PPN {
		t.Fatalf("Translate ppn %d disagrees with installed TLB entry ppn %d", ppn, tlb.Read(slot).PPN)
	}
}

func TestEvictionPreservesDirtyAnonymousWrites(t *testing.T) {
	ctx := newPagingCtx(t, 2) // deliberately fewer frames than either process needs resident at once
	p1, err := Execute(ctx, "root.coff", nil)
	if err != nil {
		t.Fatalf("Execute p1: %v", err)
	}
	tlb := fake.NewTLB(2)

	// p1 faults in its text page (vpn 0) and its stack page (vpn 1),
	// exhausting the 2-frame pool.
	if err := HandleMiss(ctx, tlb, p1, 0); err != nil {
		t.Fatalf("fault p1 vpn0: %v", err)
	}
	if err := HandleMiss(ctx, tlb, p1, testPageSize); err != nil {
		t.Fatalf("fault p1 vpn1: %v", err)
	}

	// Dirty the stack page with a byte that has no COFF section to reload
	// from; losing it on eviction is the known-bad behavior the swap file
	// fixes.
	if n := p1.WriteToUser(testPageSize, []byte{0xAB}, 0, 1); n != 1 {
		t.Fatalf("writing to stack page: n=%d", n)
	}

	// Switching the shared TLB to p2 without this would leave p1's slots
	// valid under p2's pid, which is the mandatory context-switch contract
	// HandleMiss/RestoreState enforce in practice.
	RestoreState(ctx, tlb, p1.PID)

	p2, err := Execute(ctx, "child.coff", nil)
	if err != nil {
		t.Fatalf("Execute p2: %v", err)
	}

	// p2 now faults in two pages of its own. With the pool already full,
	// each fault evicts the oldest resident entry: first p1's text page
	// (clean, no swap I/O needed), then p1's dirty stack page (must be
	// written to swap before its frame is handed to p2).
	if err := HandleMiss(ctx, tlb, p2, 0); err != nil {
		t.Fatalf("fault p2 vpn0: %v", err)
	}
	if err := HandleMiss(ctx, tlb, p2, testPageSize); err != nil {
		t.Fatalf("fault p2 vpn1: %v", err)
	}

	// Switch back to p1 before refaulting on its behalf, for the same
	// reason as above.
	RestoreState(ctx, tlb, p2.PID)

	// Refault p1's stack page. It is no longer resident (evicted above);
	// the content must come back from swap, not from a zero-filled page.
	if err := HandleMiss(ctx, tlb, p1, testPageSize); err != nil {
		t.Fatalf("refaulting p1 vpn1: %v", err)
	}
	var buf [1]byte
	if n := p1.ReadFromUser(testPageSize, buf[:], 0, 1); n != 1 {
		t.Fatalf("reading back stack byte: n=%d", n)
	}
	if buf[0] != 0xAB {
		t.Fatalf("evicted dirty anonymous page lost its write: got %#x, want 0xab", buf[0])
	}
}

func TestRestoreStateInvalidatesTLB(t *testing.T) {
	ctx := newPagingCtx(t, 3)
	p, err := Execute(ctx, "root.coff", nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	tlb := fake.NewTLB(2)
	if err := HandleMiss(ctx, tlb, p, 0); err != nil {
		t.Fatalf("HandleMiss: %v", err)
	}

	RestoreState(ctx, tlb, p.PID)

	for i := 0; i < tlb.Size(); i++ {
		if tlb.Read(i).Valid {
			t.Fatalf("slot %d still valid after RestoreState", i)
		}
	}
}

func TestReconcileTLBDropsStaleSelfEviction(t *testing.T) {
	ctx := newPagingCtx(t, 1) // one frame: p's second fault always evicts its first
	p, err := Execute(ctx, "root.coff", nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	tlb := fake.NewTLB(2)

	if err := HandleMiss(ctx, tlb, p, 0); err != nil {
		t.Fatalf("fault vpn0: %v", err)
	}
	if err := HandleMiss(ctx, tlb, p, testPageSize); err != nil {
		t.Fatalf("fault vpn1: %v", err)
	}

	for i := 0; i < tlb.Size(); i++ {
		if e := tlb.Read(i); e.Valid && e.VPN == 0 {
			t.Fatalf("slot %d still caches evicted vpn0 for pid %d", i, p.PID)
		}
	}
}
