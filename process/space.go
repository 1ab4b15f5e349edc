package process

import (
	"fmt"

	"github.com/lucasiborrat/nachos-userproc/kernel"
	"github.com/lucasiborrat/nachos-userproc/loader"
	"github.com/lucasiborrat/nachos-userproc/machine"
	"github.com/lucasiborrat/nachos-userproc/pagetable"
)

// AddressSpace is the pluggable per-process strategy: Translate,
// CheckValidVPN, LoadSections and UnloadSections each have one
// implementation per variant, selected once at process-construction time
// from kernel.Config.Paging. It is a superset of usermem.Space, so either
// variant can be handed directly to usermem.Read/Write/ReadCString.
type AddressSpace interface {
	NumPages() int
	PageSize() uint32
	CheckValidVPN(vpn uint32) bool
	Translate(vpn uint32) (ppn uint32, readOnly bool, err error)
	MarkAccess(vpn uint32, dirty bool)
	PhysMemory() []byte

	LoadSections(ctx *kernel.Context, img *loader.Image) error
	UnloadSections(ctx *kernel.Context)
}

// Resident is the basic (non-paging) strategy: every page is allocated
// and loaded up front by LoadSections, and stays resident for the
// process's whole lifetime.
type Resident struct {
	pageSize uint32
	mem      []byte
	table    *pagetable.Table
}

// NewResident builds a Resident strategy over the machine's shared
// physical memory array.
func NewResident(pageSize uint32, mem []byte) *Resident {
	return &Resident{pageSize: pageSize, mem: mem}
}

func (r *Resident) NumPages() int      { return r.table.NumPages() }
func (r *Resident) PageSize() uint32   { return r.pageSize }
func (r *Resident) PhysMemory() []byte { return r.mem }

func (r *Resident) CheckValidVPN(vpn uint32) bool { return r.table.Valid(vpn) }

func (r *Resident) Translate(vpn uint32) (uint32, bool, error) {
	if !r.table.Valid(vpn) {
		return 0, false, fmt.Errorf("process: vpn %d has no valid resident entry", vpn)
	}
	e := r.table.Get(vpn)
	return e.PPN, e.ReadOnly, nil
}

func (r *Resident) MarkAccess(vpn uint32, dirty bool) { r.table.MarkAccess(vpn, dirty) }

// LoadSections allocates img.NumPages frames up front and copies every
// COFF section page into them, failing outright if the pool doesn't have
// enough free frames to cover the whole image.
func (r *Resident) LoadSections(ctx *kernel.Context, img *loader.Image) error {
	restore := ctx.Disable()
	defer restore()

	if ctx.Frames.Len() < int(img.NumPages) {
		return fmt.Errorf("process: insufficient physical memory (%d free, %d needed)", ctx.Frames.Len(), img.NumPages)
	}

	table := pagetable.New(int(img.NumPages))
	for vpn := uint32(0); vpn < img.NumPages; vpn++ {
		ppn, err := ctx.Frames.Allocate()
		if err != nil {
			return fmt.Errorf("process: %w", err)
		}
		table.Set(vpn, machine.TranslationEntry{VPN: vpn, PPN: ppn, Valid: true})
	}

	for s := 0; s < img.Coff.NumSections(); s++ {
		sec := img.Coff.Section(s)
		for i := 0; i < int(sec.Length()); i++ {
			vpn := sec.FirstVPN() + uint32(i)
			ppn := table.Get(vpn).PPN
			if err := sec.LoadPage(i, ppn, r.mem, int(r.pageSize)); err != nil {
				return fmt.Errorf("process: loading section %s page %d: %w", sec.Name(), i, err)
			}
			table.SetReadOnly(vpn, sec.ReadOnly())
		}
	}

	r.table = table
	return nil
}

// UnloadSections returns every resident ppn to the pool exactly once.
func (r *Resident) UnloadSections(ctx *kernel.Context) {
	restore := ctx.Disable()
	defer restore()
	for _, ppn := range r.table.PPNs() {
		ctx.Frames.Release(ppn)
	}
}

// DemandPaged is the paging strategy: pages are not allocated by
// LoadSections at all, they materialize lazily, on first access, through
// the shared kernel.Context.Inverted table. When the kernel has a swap
// file (Config.SwapPath), a dirty anonymous page that gets evicted is
// written to it rather than dropped; without one, its content is dropped
// and the next fault zero-fills the page.
type DemandPaged struct {
	ctx      *kernel.Context
	pid      uint32
	pageSize uint32
	mem      []byte
	numPages int
	coff     machine.Coff
}

// NewDemandPaged builds a DemandPaged strategy for pid over the machine's
// shared physical memory array. ctx is retained so Translate, called from
// usermem, which only knows about the narrower usermem.Space shape, can
// still reach the shared frame pool, inverted table, and swap file.
func NewDemandPaged(ctx *kernel.Context, pid uint32, pageSize uint32, mem []byte) *DemandPaged {
	return &DemandPaged{ctx: ctx, pid: pid, pageSize: pageSize, mem: mem}
}

func (d *DemandPaged) NumPages() int      { return d.numPages }
func (d *DemandPaged) PageSize() uint32   { return d.pageSize }
func (d *DemandPaged) PhysMemory() []byte { return d.mem }

func (d *DemandPaged) CheckValidVPN(vpn uint32) bool { return int(vpn) < d.numPages }

// MarkAccess folds used/dirty into vpn's inverted-table entry. The copy
// engine calls this on every access that goes through Translate, not just
// ones that also cross the CPU's TLB; a kernel-initiated copy (argv
// writing, a read/write syscall) never touches the TLB at all, so this is
// the only place those writes get recorded as dirty for eviction purposes.
func (d *DemandPaged) MarkAccess(vpn uint32, dirty bool) {
	key := pagetable.Key{VPN: vpn, PID: d.pid}
	restore := d.ctx.Disable()
	defer restore()
	d.ctx.Inverted.Touch(key, func(e *machine.TranslationEntry) {
		e.Used = true
		if dirty {
			e.Dirty = true
		}
	})
}

// Translate looks the page up in the shared inverted table; on a miss,
// faults it in. It never touches the TLB; that refill is the separate
// job of the TLB fault handler, which calls this same function when
// translating the faulting vpn.
func (d *DemandPaged) Translate(vpn uint32) (uint32, bool, error) {
	key := pagetable.Key{VPN: vpn, PID: d.pid}

	restore := d.ctx.Disable()
	defer restore()

	if e, ok := d.ctx.Inverted.Get(key); ok {
		return e.PPN, e.ReadOnly, nil
	}
	return d.faultIn(d.ctx, key)
}

// faultIn materializes vpn into a physical frame. Caller must hold
// ctx.Disable().
func (d *DemandPaged) faultIn(ctx *kernel.Context, key pagetable.Key) (uint32, bool, error) {
	ppn, err := ctx.Frames.Allocate()
	if err != nil {
		victimKey, victim, anonymous, everr := ctx.Inverted.EvictPPN()
		if everr != nil {
			return 0, false, fmt.Errorf("process: %w", everr)
		}
		ppn = victim.PPN
		if victim.Dirty && anonymous && ctx.Swap != nil {
			start := int(ppn) * int(d.pageSize)
			if werr := ctx.Swap.Write(victimKey, d.mem[start:start+int(d.pageSize)]); werr != nil {
				return 0, false, fmt.Errorf("process: %w", werr)
			}
		}
	}

	ctx.Inverted.Lock(key)
	readOnly := false
	anonymous := true
	start := int(ppn) * int(d.pageSize)

	if sec, i, ro, ok := d.sectionFor(key.VPN); ok {
		if lerr := sec.LoadPage(i, ppn, d.mem, int(d.pageSize)); lerr != nil {
			ctx.Inverted.Unlock(key)
			return 0, false, fmt.Errorf("process: %w", lerr)
		}
		readOnly = ro
		anonymous = false
	} else if ctx.Swap != nil && ctx.Swap.Has(key) {
		if rerr := ctx.Swap.Read(key, d.mem[start:start+int(d.pageSize)]); rerr != nil {
			ctx.Inverted.Unlock(key)
			return 0, false, fmt.Errorf("process: %w", rerr)
		}
	} else {
		for i := start; i < start+int(d.pageSize); i++ {
			d.mem[i] = 0
		}
	}

	entry := machine.TranslationEntry{VPN: key.VPN, PPN: ppn, Valid: true, ReadOnly: readOnly}
	ctx.Inverted.Put(key, entry, anonymous)
	ctx.Inverted.Unlock(key)
	return ppn, readOnly, nil
}

func (d *DemandPaged) sectionFor(vpn uint32) (machine.CoffSection, int, bool, bool) {
	if d.coff == nil {
		return nil, 0, false, false
	}
	for s := 0; s < d.coff.NumSections(); s++ {
		sec := d.coff.Section(s)
		if vpn >= sec.FirstVPN() && vpn < sec.FirstVPN()+sec.Length() {
			return sec, int(vpn - sec.FirstVPN()), sec.ReadOnly(), true
		}
	}
	return nil, 0, false, false
}

func (d *DemandPaged) LoadSections(ctx *kernel.Context, img *loader.Image) error {
	d.numPages = int(img.NumPages)
	d.coff = img.Coff
	return nil
}

// UnloadSections drops every resident entry this pid owns, returns their
// frames to the pool, and forgets any swap slots; nothing to load up
// front means nothing eagerly allocated to release here beyond what
// actually faulted in over the process's lifetime.
func (d *DemandPaged) UnloadSections(ctx *kernel.Context) {
	restore := ctx.Disable()
	defer restore()
	for _, res := range ctx.Inverted.RemoveForPID(d.pid) {
		ctx.Frames.Release(res.Entry.PPN)
	}
	if ctx.Swap != nil {
		for vpn := 0; vpn < d.numPages; vpn++ {
			ctx.Swap.Forget(pagetable.Key{VPN: uint32(vpn), PID: d.pid})
		}
	}
}
