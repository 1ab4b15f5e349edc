// Package kernel holds the Kernel Context: the single struct carrying
// all machine-wide shared state (the alive-process count, pid
// allocation, the root process, the frame pool, the inverted page
// table). Every operation that needs shared kernel state takes a
// *Context rather than reaching into package globals, so a test can run
// several independent kernels in one process.
package kernel

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/lucasiborrat/nachos-userproc/frame"
	"github.com/lucasiborrat/nachos-userproc/machine"
	"github.com/lucasiborrat/nachos-userproc/pagetable"
)

// Config is the set of machine-wide parameters loaded from JSON.
type Config struct {
	PageSize     int    `json:"page_size"`
	NumPhysPages int    `json:"num_phys_pages"`
	TLBSize      int    `json:"tlb_size"`
	StackPages   int    `json:"stack_pages"`
	Paging       bool   `json:"paging"`
	SwapPath     string `json:"swap_path"`
	LogLevel     string `json:"log_level"`
}

// Context is the kernel-wide shared state: frame pool, root process,
// process accounting, and, in the paging variant, the inverted page
// table. Every "disable interrupts" critical section becomes a lock held
// on ctx.mu.
type Context struct {
	mu sync.Mutex

	Config Config
	Logger *slog.Logger

	Frames   *frame.Pool
	Inverted *pagetable.Inverted // nil unless Config.Paging
	Swap     *pagetable.Swap     // nil unless Config.Paging
	Console  machine.Console
	FS       machine.FileSystem
	CoffParser machine.CoffParser

	// Memory is the shared physical RAM array, NumPhysPages*PageSize bytes,
	// indexed by ppn*PageSize. Every process's address-space strategy
	// reads and writes through this same slice; there is exactly one
	// physical memory in the simulated machine.
	Memory []byte

	nextPID uint32
	alive   int
	root    uint32 // pid of the root process; 0 means "not yet elected"
	rootSet bool

	terminated bool
	terminateFn func()
}

// New builds a Context from cfg and its collaborators. logger lets
// tests capture log output; pass nil in production to get a
// slog.Default()-derived logger.
func New(cfg Config, console machine.Console, fs machine.FileSystem, parser machine.CoffParser, logger *slog.Logger) *Context {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.StackPages == 0 {
		cfg.StackPages = 8
	}
	ctx := &Context{
		Config:     cfg,
		Logger:     logger,
		Frames:     frame.NewPool(cfg.NumPhysPages),
		Console:    console,
		FS:         fs,
		CoffParser: parser,
		Memory:     make([]byte, cfg.NumPhysPages*cfg.PageSize),
	}
	if cfg.Paging {
		ctx.Inverted = pagetable.NewInverted()
		if cfg.SwapPath != "" {
			sw, err := pagetable.NewSwap(cfg.SwapPath, cfg.PageSize)
			if err != nil {
				Fatalf(logger, "kernel: opening swap file: %v", err)
			}
			ctx.Swap = sw
		}
	}
	return ctx
}

// PhysMemory returns the shared physical RAM array every process's
// address space reads and writes through.
func (c *Context) PhysMemory() []byte { return c.Memory }

// LogA emits a process-lifecycle debug line.
func (c *Context) LogA(msg string, args ...any) {
	c.Logger.Info(msg, append([]any{"key", "a"}, args...)...)
}

// LogV emits a VM/translation debug line.
func (c *Context) LogV(msg string, args ...any) {
	c.Logger.Info(msg, append([]any{"key", "v"}, args...)...)
}

// Disable models disabling interrupts: it locks the context and returns
// a restore function that unlocks it. Callers write
// restore := ctx.Disable(); defer restore() around every critical
// section that must run atomically with respect to other processes.
func (c *Context) Disable() (restore func()) {
	c.mu.Lock()
	return c.mu.Unlock
}

// NewPID assigns the next monotonically increasing pid. Must be called
// with interrupts disabled (i.e. from inside a Disable/restore bracket).
func (c *Context) NewPID() uint32 {
	c.nextPID++
	return c.nextPID
}

// ElectRoot records pid as the root process if no root has been elected
// yet. Must be called with interrupts disabled.
func (c *Context) ElectRoot(pid uint32) {
	if !c.rootSet {
		c.root = pid
		c.rootSet = true
	}
}

// IsRoot reports whether pid is the root process.
func (c *Context) IsRoot(pid uint32) bool {
	return c.rootSet && c.root == pid
}

// IncAlive/DecAlive mutate the alive-process count. Must be called with
// interrupts disabled. DecAlive asserts alive never goes negative and,
// on the transition to zero, invokes the registered termination
// callback exactly once.
func (c *Context) IncAlive() {
	c.alive++
}

func (c *Context) DecAlive() {
	c.alive--
	if c.alive < 0 {
		Fatalf(c.Logger, "kernel: alive count went negative")
	}
	if c.alive == 0 && !c.terminated {
		c.terminated = true
		if c.terminateFn != nil {
			c.terminateFn()
		}
	}
}

// Alive returns the current alive-process count.
func (c *Context) Alive() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alive
}

// OnTerminate registers the callback invoked exactly once when the alive
// count reaches zero.
func (c *Context) OnTerminate(fn func()) {
	c.terminateFn = fn
}

// Fatalf logs at error level and panics: the response to a kernel-fatal
// invariant violation is loud and immediate, not something a caller
// recovers from.
func Fatalf(logger *slog.Logger, format string, args ...any) {
	if logger == nil {
		logger = slog.Default()
	}
	msg := fmt.Sprintf(format, args...)
	logger.Error("kernel invariant violated", "detail", msg)
	panic(msg)
}
