// Package machine declares the collaborators this kernel core treats as
// external: the simulated processor, its software-managed TLB, the COFF
// loader, the console, and the host filesystem. The processor is a
// concrete register-file-and-memory struct defined here; the rest are
// interfaces, and the core depends only on their contracts below. See
// machine/fake for in-memory implementations of those interfaces, good
// enough to drive the whole kernel core under test.
package machine

import "errors"

// ErrNoFile is returned by FileSystem.Open when the named file does not exist.
var ErrNoFile = errors.New("machine: file not found")

// TranslationEntry mirrors a MIPS software-managed TLB entry.
type TranslationEntry struct {
	VPN      uint32
	PPN      uint32
	Valid    bool
	ReadOnly bool
	Used     bool
	Dirty    bool
}

// Processor is the simulated CPU: register file and raw physical memory.
// Register indices follow MIPS convention (A0..A3 argument registers,
// V0 return/syscall-number register).
type Processor struct {
	Registers    [NumRegisters]uint32
	Memory       []byte
	NumPhysPages int
	Halted       bool
}

const (
	RegV0 = 2
	RegA0 = 4
	RegA1 = 5
	RegA2 = 6
	RegA3 = 7
	RegSP = 29
	RegPC = 32

	NumRegisters = 33
)

func NewProcessor(numPhysPages, pageSize int) *Processor {
	return &Processor{
		Memory:       make([]byte, numPhysPages*pageSize),
		NumPhysPages: numPhysPages,
	}
}

func (p *Processor) ReadRegister(r int) uint32     { return p.Registers[r] }
func (p *Processor) WriteRegister(r int, v uint32) { p.Registers[r] = v }

// AdvancePC moves the program counter past the instruction that trapped.
func (p *Processor) AdvancePC() { p.Registers[RegPC] += 4 }

// Halt stops the simulated machine. Only the root process may reach this
// (enforced by the syscall dispatcher, not here).
func (p *Processor) Halt() { p.Halted = true }

// TLB is the small fully-associative, software-refilled translation cache.
type TLB interface {
	Size() int
	Read(i int) TranslationEntry
	Write(i int, e TranslationEntry)
}

// Coff is a parsed COFF executable image.
type Coff interface {
	NumSections() int
	Section(i int) CoffSection
	EntryPoint() uint32
	Close()
}

// CoffSection is one section of a parsed COFF image.
type CoffSection interface {
	Name() string
	FirstVPN() uint32
	Length() uint32
	ReadOnly() bool
	// LoadPage copies the initialized content of the page at section-relative
	// index i into physical frame ppn. i is in [0, Length()).
	LoadPage(i int, ppn uint32, memory []byte, pageSize int) error
}

// FileSystem opens host files that back executables.
type FileSystem interface {
	Open(name string) (OpenFile, error)
}

// OpenFile is a host file handle, closed exactly once.
type OpenFile interface {
	Close() error
}

// Console provides the two blocking byte streams a process sees as
// stdin/stdout.
type Console interface {
	OpenForReading() ByteReader
	OpenForWriting() ByteWriter
}

// ByteReader is a blocking input stream.
type ByteReader interface {
	Read(buf []byte) (int, error)
	Close() error
}

// ByteWriter is a blocking output stream.
type ByteWriter interface {
	Write(buf []byte) (int, error)
	Close() error
}

// CoffParser parses a host file into a Coff. Failure to parse (truncated or
// malformed image) is reported as an error, never a panic.
type CoffParser interface {
	Parse(f OpenFile) (Coff, error)
}
