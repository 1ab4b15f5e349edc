// Package loader implements the image loader: opening a COFF file,
// validating its section layout, computing the process's page count,
// laying out code/data/stack/argv, and writing argv into the last page.
package loader

import (
	"encoding/binary"
	"fmt"

	"github.com/lucasiborrat/nachos-userproc/machine"
)

// Image is the outcome of validating and laying out an executable, ready
// to be turned into an address space by a process's loadSections.
type Image struct {
	Coff       machine.Coff
	TextPages  uint32
	NumPages   uint32 // text + stack + 1 argv page
	InitialPC  uint32
	InitialSP  uint32
	ArgvVPN    uint32 // vpn of the last page, where argv lives
	Argc       int
	Args       [][]byte
}

// Open opens name on fs and parses it as a COFF image. A missing file or
// a parse failure both fail cleanly: no frames are ever touched at this
// stage.
func Open(fs machine.FileSystem, parser machine.CoffParser, name string) (machine.Coff, machine.OpenFile, error) {
	f, err := fs.Open(name)
	if err != nil {
		return nil, nil, fmt.Errorf("loader: opening %s: %w", name, err)
	}
	c, err := parser.Parse(f)
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("loader: parsing %s: %w", name, err)
	}
	return c, f, nil
}

// Validate walks the COFF's sections in order, requiring each to start
// exactly where the previous one ended (a fragmented executable otherwise),
// and returns the number of text/data pages.
func Validate(c machine.Coff) (uint32, error) {
	var numPages uint32
	for s := 0; s < c.NumSections(); s++ {
		sec := c.Section(s)
		if sec.FirstVPN() != numPages {
			return 0, fmt.Errorf("loader: fragmented executable at section %d (firstVPN %d, expected %d)",
				s, sec.FirstVPN(), numPages)
		}
		numPages += sec.Length()
	}
	return numPages, nil
}

// Build validates c, checks the argv block fits in one page, and computes
// the full page layout and initial register values. args are treated as
// opaque byte strings (filenames/arguments are not assumed to be UTF-8).
func Build(c machine.Coff, args [][]byte, pageSize uint32, stackPages uint32) (*Image, error) {
	textPages, err := Validate(c)
	if err != nil {
		return nil, err
	}

	argsSize := 0
	for _, a := range args {
		argsSize += 4 + len(a) + 1
	}
	if uint32(argsSize) > pageSize {
		return nil, fmt.Errorf("loader: arguments too long (%d bytes > page size %d)", argsSize, pageSize)
	}

	numPages := textPages + stackPages + 1
	initialSP := (textPages + stackPages) * pageSize
	argvVPN := numPages - 1

	return &Image{
		Coff:      c,
		TextPages: textPages,
		NumPages:  numPages,
		InitialPC: c.EntryPoint(),
		InitialSP: initialSP,
		ArgvVPN:   argvVPN,
		Argc:      len(args),
		Args:      args,
	}, nil
}

// WriteArgv writes the argv block into the image's last page: a little-
// endian pointer array of Argc entries, followed immediately by the
// null-terminated argument strings in order. write is the process's own
// WriteToUser; the loader has no memory-copy logic of its own.
func (img *Image) WriteArgv(pageSize uint32, write func(vaddr uint32, data []byte) int) error {
	entryOffset := img.ArgvVPN * pageSize
	stringOffset := entryOffset + uint32(img.Argc)*4

	for _, a := range img.Args {
		var ptr [4]byte
		binary.LittleEndian.PutUint32(ptr[:], stringOffset)
		if n := write(entryOffset, ptr[:]); n != 4 {
			return fmt.Errorf("loader: failed writing argv pointer at %#x", entryOffset)
		}
		entryOffset += 4

		if n := write(stringOffset, a); n != len(a) {
			return fmt.Errorf("loader: failed writing argv string at %#x", stringOffset)
		}
		stringOffset += uint32(len(a))

		if n := write(stringOffset, []byte{0}); n != 1 {
			return fmt.Errorf("loader: failed writing argv terminator at %#x", stringOffset)
		}
		stringOffset++
	}
	return nil
}
