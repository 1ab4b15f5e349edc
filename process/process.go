// Package process implements the process lifecycle manager: process
// construction, execute/exec/join/exit, the parent/child tree, and the
// two paging-variant collaborators that only make sense once a process
// exists to own them, the TLB fault handler and the exception entry.
package process

import (
	"encoding/binary"
	"strings"
	"sync"

	"github.com/lucasiborrat/nachos-userproc/kernel"
	"github.com/lucasiborrat/nachos-userproc/loader"
	"github.com/lucasiborrat/nachos-userproc/machine"
	"github.com/lucasiborrat/nachos-userproc/usermem"
)

// maxNameLen bounds the C-strings read for an exec's filename and
// arguments: 256 bytes, enough for any realistic path or argument.
const maxNameLen = 256

// Process is one user process: its address space, its COFF image, its
// place in the process tree, and its exit bookkeeping. Parent is a plain
// pointer, not a weak reference (Go has none); killProcess nils it out on
// every child before the dying process does anything else, so a stale
// pointer into a dead parent is never observed as live.
type Process struct {
	PID   uint32
	Space AddressSpace

	Coff     machine.Coff
	coffFile machine.OpenFile

	NumPages  int
	Argc      int
	ArgvAddr  uint32
	InitialPC uint32
	InitialSP uint32

	Stdin  machine.ByteReader
	Stdout machine.ByteWriter

	mu             sync.Mutex
	Parent         *Process
	Children       []*Process
	IsFinished     bool
	ExitStatus     int32
	NormallyExited bool
	Joined         bool
	joinWake       chan struct{}
}

// New constructs a process bound to ctx: assigns its pid, elects it root
// if it is the first process the kernel has ever created, and opens its
// stdio streams.
func New(ctx *kernel.Context) *Process {
	restore := ctx.Disable()
	pid := ctx.NewPID()
	ctx.ElectRoot(pid)
	restore()

	p := &Process{
		PID:      pid,
		Stdin:    ctx.Console.OpenForReading(),
		Stdout:   ctx.Console.OpenForWriting(),
		joinWake: make(chan struct{}),
	}
	if ctx.Config.Paging {
		p.Space = NewDemandPaged(ctx, pid, uint32(ctx.Config.PageSize), ctx.PhysMemory())
	} else {
		p.Space = NewResident(uint32(ctx.Config.PageSize), ctx.PhysMemory())
	}
	return p
}

// IsRoot reports whether this process is the kernel's root process.
func (p *Process) IsRoot(ctx *kernel.Context) bool { return ctx.IsRoot(p.PID) }

// Execute loads the named COFF image into a fresh process and, on
// success, counts it among the living. The caller (Exec for a child, or
// the harness for the root process) is responsible for linking it into
// the process tree.
func Execute(ctx *kernel.Context, name string, args [][]byte) (*Process, error) {
	p := New(ctx)
	if err := p.load(ctx, name, args); err != nil {
		return nil, err
	}

	restore := ctx.Disable()
	ctx.IncAlive()
	restore()

	ctx.LogA("process started", "pid", p.PID, "name", name)
	return p, nil
}

func (p *Process) load(ctx *kernel.Context, name string, args [][]byte) error {
	coff, f, err := loader.Open(ctx.FS, ctx.CoffParser, name)
	if err != nil {
		return err
	}

	img, err := loader.Build(coff, args, uint32(ctx.Config.PageSize), uint32(ctx.Config.StackPages))
	if err != nil {
		coff.Close()
		f.Close()
		return err
	}

	if err := p.Space.LoadSections(ctx, img); err != nil {
		coff.Close()
		f.Close()
		return err
	}

	p.Coff = coff
	p.coffFile = f
	p.NumPages = int(img.NumPages)
	p.Argc = img.Argc
	p.ArgvAddr = img.ArgvVPN * uint32(ctx.Config.PageSize)
	p.InitialPC = img.InitialPC
	p.InitialSP = img.InitialSP

	if err := img.WriteArgv(uint32(ctx.Config.PageSize), func(vaddr uint32, data []byte) int {
		return usermem.Write(p.Space, vaddr, data, 0, len(data))
	}); err != nil {
		return err
	}
	return nil
}

// InitRegisters zeroes every user register, then sets PC/SP/A0/A1 for a
// fresh process's first instruction.
func (p *Process) InitRegisters(cpu *machine.Processor) {
	for i := range cpu.Registers {
		cpu.Registers[i] = 0
	}
	cpu.Registers[machine.RegPC] = p.InitialPC
	cpu.Registers[machine.RegSP] = p.InitialSP
	cpu.Registers[machine.RegA0] = uint32(p.Argc)
	cpu.Registers[machine.RegA1] = p.ArgvAddr
}

// ReadFromUser/WriteToUser expose the user-memory copy engine bound to
// this process's address space, for anything outside the syscall
// handlers (e.g. a harness priming a process's memory) that needs it.
func (p *Process) ReadFromUser(vaddr uint32, dst []byte, offset, length int) int {
	return usermem.Read(p.Space, vaddr, dst, offset, length)
}

func (p *Process) WriteToUser(vaddr uint32, src []byte, offset, length int) int {
	return usermem.Write(p.Space, vaddr, src, offset, length)
}

// Exec parses the name and argv out of user memory, constructs and
// executes a child process, and links it into the tree on success.
func (p *Process) Exec(ctx *kernel.Context, nameVaddr uint32, argc int32, argvVaddr uint32) int32 {
	if argc < 0 {
		return -1
	}
	name, ok := usermem.ReadCString(p.Space, nameVaddr, maxNameLen)
	if !ok || !strings.HasSuffix(name, ".coff") {
		return -1
	}

	args := make([][]byte, argc)
	for i := int32(0); i < argc; i++ {
		var ptr [4]byte
		if n := usermem.Read(p.Space, argvVaddr+uint32(i)*4, ptr[:], 0, 4); n != 4 {
			return -1
		}
		argVaddr := binary.LittleEndian.Uint32(ptr[:])
		s, ok := usermem.ReadCString(p.Space, argVaddr, maxNameLen)
		if !ok {
			s = ""
		}
		args[i] = []byte(s)
	}

	child, err := Execute(ctx, name, args)
	if err != nil {
		return -1
	}

	restore := ctx.Disable()
	child.mu.Lock()
	child.Parent = p
	child.mu.Unlock()
	p.mu.Lock()
	p.Children = append(p.Children, child)
	p.mu.Unlock()
	restore()

	return int32(child.PID)
}

// Join performs the atomic check-finished-else-sleep under interrupts
// disabled, a blocking wait outside it, then the post-wake status write
// and disown.
func (p *Process) Join(ctx *kernel.Context, childPid int32, statusVaddr uint32) int32 {
	restore := ctx.Disable()
	child := p.findChildLocked(childPid)
	if child == nil {
		restore()
		return -1
	}

	child.mu.Lock()
	finished := child.IsFinished
	if !finished {
		child.Joined = true
	}
	child.mu.Unlock()
	restore()

	if !finished {
		<-child.joinWake
	}

	child.mu.Lock()
	if !child.IsFinished {
		child.mu.Unlock()
		kernel.Fatalf(ctx.Logger, "process: join woke with child %d still unfinished", child.PID)
	}
	status := child.ExitStatus
	normal := child.NormallyExited
	child.mu.Unlock()

	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(status))
	usermem.Write(p.Space, statusVaddr, buf[:], 0, 4)

	restore = ctx.Disable()
	p.removeChildLocked(uint32(childPid))
	restore()

	if normal {
		return 1
	}
	return 0
}

func (p *Process) findChildLocked(pid int32) *Process {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.Children {
		if int32(c.PID) == pid {
			return c
		}
	}
	return nil
}

func (p *Process) removeChildLocked(pid uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, c := range p.Children {
		if c.PID == pid {
			p.Children = append(p.Children[:i], p.Children[i+1:]...)
			return
		}
	}
}

// Exit is a normal, self-chosen termination.
func (p *Process) Exit(ctx *kernel.Context, status int32) {
	p.killProcess(ctx, status, true)
}

// Kill is the process-fatal path: the kernel terminates the process on
// its behalf, with exitStatus fixed at 2 and normallyExited=false, so a
// joining parent can tell the difference from a clean exit.
func (p *Process) Kill(ctx *kernel.Context) {
	ctx.LogA("process killed by kernel", "pid", p.PID)
	p.killProcess(ctx, 2, false)
}

// killProcess is the single teardown chokepoint: disown children, mark
// finished, close streams, release the address space, wake a waiting
// parent, then decrement the alive count. Disowning happens strictly
// before the alive-count decrement so a parent checking on its children
// never observes a decremented count with a stale parent pointer still
// attached to the dying child.
func (p *Process) killProcess(ctx *kernel.Context, status int32, normallyExited bool) {
	restore := ctx.Disable()
	p.mu.Lock()
	for _, c := range p.Children {
		c.mu.Lock()
		c.Parent = nil
		c.mu.Unlock()
	}
	p.IsFinished = true
	p.ExitStatus = status
	p.NormallyExited = normallyExited
	joined := p.Joined
	p.mu.Unlock()
	restore()

	p.Stdin.Close()
	p.Stdout.Close()
	p.Space.UnloadSections(ctx)
	if p.Coff != nil {
		p.Coff.Close()
	}
	if p.coffFile != nil {
		p.coffFile.Close()
	}

	if joined {
		close(p.joinWake)
	}

	restore = ctx.Disable()
	ctx.DecAlive()
	restore()
}

// ReadUser implements the read syscall: only stdin (fd 0) is valid.
func (p *Process) ReadUser(fd int32, bufVaddr uint32, count int32) int32 {
	if fd != 0 || count < 0 || uint64(bufVaddr) >= uint64(p.NumPages)*uint64(p.Space.PageSize()) {
		return -1
	}
	buf := make([]byte, count)
	n, _ := p.Stdin.Read(buf)
	if n <= 0 {
		return 0
	}
	return int32(usermem.Write(p.Space, bufVaddr, buf, 0, n))
}

// WriteUser implements the write syscall: only stdout (fd 1) is valid.
// The return value on success is 0, not the byte count written; see
// DESIGN.md for why this is intentional rather than an oversight.
func (p *Process) WriteUser(fd int32, bufVaddr uint32, count int32) int32 {
	if fd != 1 || count < 0 || uint64(bufVaddr) >= uint64(p.NumPages)*uint64(p.Space.PageSize()) {
		return -1
	}
	buf := make([]byte, count)
	n := usermem.Read(p.Space, bufVaddr, buf, 0, int(count))
	if n < 0 {
		return -1
	}
	p.Stdout.Write(buf[:n])
	return 0
}
