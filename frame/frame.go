// Package frame implements the system-wide physical frame pool: allocate
// and release physical page numbers with a no-aliasing, no-double-free
// invariant. A Kernel Context owns one instance rather than reaching
// into package-global state, so multiple kernels can coexist in the
// same process (useful in tests).
package frame

import (
	"fmt"
	"sync"
)

// Pool is a set of free physical page numbers in [0, numPhysPages).
type Pool struct {
	mu   sync.Mutex
	free []bool // true = free
}

// NewPool creates a pool where every frame in [0, numPhysPages) starts free.
func NewPool(numPhysPages int) *Pool {
	p := &Pool{free: make([]bool, numPhysPages)}
	for i := range p.free {
		p.free[i] = true
	}
	return p
}

// Len returns the number of currently free frames.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.countFreeLocked()
}

func (p *Pool) countFreeLocked() int {
	n := 0
	for _, f := range p.free {
		if f {
			n++
		}
	}
	return n
}

// Size returns the total number of physical frames the pool manages.
func (p *Pool) Size() int { return len(p.free) }

// Allocate removes and returns one free frame. It is the caller's
// responsibility to hold the kernel's interrupts-disabled critical section
// around a sequence of Allocate calls that must appear atomic.
func (p *Pool) Allocate() (uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, f := range p.free {
		if f {
			p.free[i] = false
			return uint32(i), nil
		}
	}
	return 0, fmt.Errorf("frame: no free frames available")
}

// Release returns ppn to the pool. Releasing an already-free ppn is a
// double-free, a kernel-fatal invariant violation, and panics rather
// than silently succeeding.
func (p *Pool) Release(ppn uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if int(ppn) < 0 || int(ppn) >= len(p.free) {
		panic(fmt.Sprintf("frame: release of out-of-range ppn %d", ppn))
	}
	if p.free[ppn] {
		panic(fmt.Sprintf("frame: double free of ppn %d", ppn))
	}
	p.free[ppn] = true
}
