// Package fake provides in-memory implementations of the machine
// interfaces, sufficient to drive the kernel core in tests and in the
// cmd/nachos demo binary without a real MIPS simulator.
package fake

import (
	"fmt"
	"sync"

	"github.com/lucasiborrat/nachos-userproc/machine"
)

// TLB is a slice-backed fully-associative TLB.
type TLB struct {
	entries []machine.TranslationEntry
}

func NewTLB(size int) *TLB {
	return &TLB{entries: make([]machine.TranslationEntry, size)}
}

func (t *TLB) Size() int                               { return len(t.entries) }
func (t *TLB) Read(i int) machine.TranslationEntry     { return t.entries[i] }
func (t *TLB) Write(i int, e machine.TranslationEntry) { t.entries[i] = e }

// Console is a pair of blocking, channel-backed byte streams carrying
// bytes rather than permits.
type Console struct {
	in  chan byte
	out chan byte
}

func NewConsole() *Console {
	return &Console{in: make(chan byte, 4096), out: make(chan byte, 4096)}
}

// Feed queues bytes for the next reads from the console's stdin.
func (c *Console) Feed(b []byte) {
	for _, x := range b {
		c.in <- x
	}
}

// Drain returns everything written to stdout so far, without blocking.
func (c *Console) Drain() []byte {
	var out []byte
	for {
		select {
		case b := <-c.out:
			out = append(out, b)
		default:
			return out
		}
	}
}

func (c *Console) OpenForReading() machine.ByteReader { return &consoleReader{c} }
func (c *Console) OpenForWriting() machine.ByteWriter { return &consoleWriter{c} }

type consoleReader struct{ c *Console }

func (r *consoleReader) Read(buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	n := 0
	buf[0] = <-r.c.in
	n++
	for n < len(buf) {
		select {
		case b := <-r.c.in:
			buf[n] = b
			n++
		default:
			return n, nil
		}
	}
	return n, nil
}

func (r *consoleReader) Close() error { return nil }

type consoleWriter struct{ c *Console }

func (w *consoleWriter) Write(buf []byte) (int, error) {
	for _, b := range buf {
		w.c.out <- b
	}
	return len(buf), nil
}

func (w *consoleWriter) Close() error { return nil }

// FileSystem resolves names against an in-memory map of byte blobs,
// standing in for the host filesystem the loader opens executables from.
type FileSystem struct {
	mu    sync.Mutex
	files map[string][]byte
}

func NewFileSystem() *FileSystem { return &FileSystem{files: make(map[string][]byte)} }

func (fs *FileSystem) Put(name string, content []byte) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.files[name] = content
}

func (fs *FileSystem) Open(name string) (machine.OpenFile, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	content, ok := fs.files[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", machine.ErrNoFile, name)
	}
	return &openFile{content: content}, nil
}

type openFile struct{ content []byte }

func (f *openFile) Close() error { return nil }
