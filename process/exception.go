package process

import (
	"github.com/lucasiborrat/nachos-userproc/kernel"
	"github.com/lucasiborrat/nachos-userproc/machine"
	"github.com/lucasiborrat/nachos-userproc/syscall"
)

// Cause classifies a trapped CPU exception, the input to the exception
// entry point.
type Cause int

const (
	CauseSyscall Cause = iota
	CauseTLBMiss
	CauseOther
)

// boundCaller adapts a *Process, together with the kernel.Context its
// lifecycle methods need, to the syscall.Caller shape, which deliberately
// takes no Context so the syscall package never has to import process or
// kernel.
type boundCaller struct {
	ctx  *kernel.Context
	proc *Process
}

func (b boundCaller) IsRoot() bool      { return b.proc.IsRoot(b.ctx) }
func (b boundCaller) Exit(status int32) { b.proc.Exit(b.ctx, status) }
func (b boundCaller) Exec(nameVaddr uint32, argc int32, argvVaddr uint32) int32 {
	return b.proc.Exec(b.ctx, nameVaddr, argc, argvVaddr)
}
func (b boundCaller) Join(childPid int32, statusVaddr uint32) int32 {
	return b.proc.Join(b.ctx, childPid, statusVaddr)
}
func (b boundCaller) ReadUser(fd int32, bufVaddr uint32, count int32) int32 {
	return b.proc.ReadUser(fd, bufVaddr, count)
}
func (b boundCaller) WriteUser(fd int32, bufVaddr uint32, count int32) int32 {
	return b.proc.WriteUser(fd, bufVaddr, count)
}

// HandleException classifies a trapped exception and routes it to the
// syscall dispatcher, the TLB fault handler, or straight to killing the
// process for anything else. It returns whether proc is still runnable;
// false means the caller (the instruction-execution loop) must stop
// scheduling it.
func HandleException(ctx *kernel.Context, cpu *machine.Processor, tlb machine.TLB, proc *Process, cause Cause, faultVaddr uint32) bool {
	switch cause {
	case CauseSyscall:
		switch syscall.Dispatch(cpu, boundCaller{ctx, proc}) {
		case syscall.Fatal:
			proc.Kill(ctx)
			return false
		case syscall.Exited:
			return false
		default:
			return true
		}

	case CauseTLBMiss:
		if tlb == nil {
			kernel.Fatalf(ctx.Logger, "process: TLBMiss exception with no TLB configured")
		}
		if err := HandleMiss(ctx, tlb, proc, faultVaddr); err != nil {
			ctx.LogV("tlb fault unrecoverable, killing process", "pid", proc.PID, "vaddr", faultVaddr, "err", err)
			proc.Kill(ctx)
			return false
		}
		return true

	default:
		ctx.LogA("process-fatal exception", "pid", proc.PID)
		proc.Kill(ctx)
		return false
	}
}
