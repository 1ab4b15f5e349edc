package fake

import (
	"fmt"

	"github.com/lucasiborrat/nachos-userproc/machine"
)

// CoffSection is a builder-friendly in-memory COFF section: a sequence of
// whole pages of initialized content (or zero-filled, for .bss-style
// sections the builder never fills).
type CoffSection struct {
	SectionName string
	FirstVPNVal uint32
	Pages       [][]byte // each exactly pageSize bytes
	IsReadOnly  bool
}

func (s *CoffSection) Name() string     { return s.SectionName }
func (s *CoffSection) FirstVPN() uint32 { return s.FirstVPNVal }
func (s *CoffSection) Length() uint32   { return uint32(len(s.Pages)) }
func (s *CoffSection) ReadOnly() bool   { return s.IsReadOnly }

func (s *CoffSection) LoadPage(i int, ppn uint32, memory []byte, pageSize int) error {
	if i < 0 || i >= len(s.Pages) {
		return fmt.Errorf("fake: section %s has no page %d", s.SectionName, i)
	}
	start := int(ppn) * pageSize
	copy(memory[start:start+pageSize], s.Pages[i])
	return nil
}

// Coff is a fully in-memory parsed COFF image for tests.
type Coff struct {
	Sections []*CoffSection
	Entry    uint32
	closed   bool
}

func (c *Coff) NumSections() int                  { return len(c.Sections) }
func (c *Coff) Section(i int) machine.CoffSection { return c.Sections[i] }
func (c *Coff) EntryPoint() uint32                { return c.Entry }
func (c *Coff) Close()                            { c.closed = true }

// Parser "parses" a pre-built Coff keyed by the file content's token; in
// this fake, the open file IS the parsed image, wired through a map keyed
// by name so FileSystem.Open/CoffParser.Parse compose like the real
// pipeline does.
type Parser struct {
	images map[string]*Coff
}

func NewParser() *Parser { return &Parser{images: make(map[string]*Coff)} }

// Register associates a logical file name with a pre-built Coff image.
// The fake filesystem's Open must still succeed for the same name; this
// lets tests build a COFF without hand-encoding a binary header.
func (p *Parser) Register(name string, img *Coff) { p.images[name] = img }

func (p *Parser) Parse(f machine.OpenFile) (machine.Coff, error) {
	of, ok := f.(*openFile)
	if !ok {
		return nil, fmt.Errorf("fake: not a fake file handle")
	}
	img, ok := p.images[string(of.content)]
	if !ok {
		return nil, fmt.Errorf("fake: no registered coff image for token %q", string(of.content))
	}
	return img, nil
}

// PutCoff registers name in both the filesystem and the parser, using name
// itself as the file's content token: the minimal plumbing needed for a
// test to say "there is an executable called X with these sections".
func PutCoff(fs *FileSystem, p *Parser, name string, img *Coff) {
	fs.Put(name, []byte(name))
	p.Register(name, img)
}
