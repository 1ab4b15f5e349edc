// Package syscall implements the syscall dispatcher: decode
// (v0, a0..a2) from the processor's registers, invoke the matching
// handler, write the return value to v0, and advance the PC. It holds no
// process-lifecycle logic of its own; Caller is satisfied by an adapter
// in package process that binds a *process.Process to its kernel context,
// kept as an interface here so this package never needs to import process
// (which imports this one to perform the routing in its exception entry).
package syscall

import "github.com/lucasiborrat/nachos-userproc/machine"

const (
	SysHalt = 0
	SysExit = 1
	SysExec = 2
	SysJoin = 3
	SysRead = 6
	SysWrite = 7
)

// CPU is the slice of machine.Processor this dispatcher needs.
type CPU interface {
	ReadRegister(r int) uint32
	WriteRegister(r int, v uint32)
	AdvancePC()
	Halt()
}

// Caller is everything a syscall handler may ask of the process that
// trapped. Every method here returns a user-visible result, never panics
// on bad user input; that tolerance lives in usermem and is inherited by
// whatever implements this interface.
type Caller interface {
	IsRoot() bool
	Exit(status int32)
	Exec(nameVaddr uint32, argc int32, argvVaddr uint32) int32
	Join(childPid int32, statusVaddr uint32) int32
	ReadUser(fd int32, bufVaddr uint32, count int32) int32
	WriteUser(fd int32, bufVaddr uint32, count int32) int32
}

// Outcome tells the caller (the exception entry) what to do with the
// process after Dispatch returns.
type Outcome int

const (
	// Continue: the process is still running: v0 holds its return value,
	// PC has been advanced, resume execution.
	Continue Outcome = iota
	// Exited: the process called exit (or was halted as root); it is
	// finished and must not be scheduled again.
	Exited
	// Fatal: an unknown syscall number trapped; the exception entry must
	// kill the process rather than crash the kernel.
	Fatal
)

// Dispatch decodes the trap recorded in cpu's registers and invokes the
// matching Caller method. A root halt, exit and an unknown syscall are the
// only paths that never write back to v0 or advance the PC: a root halt
// stops the machine outright, exit finishes the process before control
// would return to it at all, and an unknown number is reported as Fatal.
// A halt from a non-root caller writes 1 to v0 like any other result.
func Dispatch(cpu CPU, caller Caller) Outcome {
	v0 := int32(cpu.ReadRegister(machine.RegV0))
	a0 := cpu.ReadRegister(machine.RegA0)
	a1 := cpu.ReadRegister(machine.RegA1)
	a2 := cpu.ReadRegister(machine.RegA2)

	var result int32

	switch v0 {
	case SysHalt:
		if !caller.IsRoot() {
			result = 1
			break
		}
		cpu.Halt()
		return Exited
	case SysExit:
		caller.Exit(int32(a0))
		return Exited
	case SysExec:
		result = caller.Exec(a0, int32(a1), a2)
	case SysJoin:
		result = caller.Join(int32(a0), a1)
	case SysRead:
		result = caller.ReadUser(int32(a0), a1, int32(a2))
	case SysWrite:
		result = caller.WriteUser(int32(a0), a1, int32(a2))
	default:
		// Unknown syscall number, including the named-but-unimplemented
		// create/open/close/unlink (4/5/8/9): process-fatal, not a kernel
		// crash.
		return Fatal
	}

	cpu.WriteRegister(machine.RegV0, uint32(result))
	cpu.AdvancePC()
	return Continue
}
