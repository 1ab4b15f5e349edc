// Package usermem implements the user-memory copy engine: safe,
// page-by-page bulk copies between a user virtual-address range and a
// kernel buffer, which must never crash the kernel on bad user input.
// A rejected transfer is reported as a -1 byte count rather than an
// error, matching the syscall ABI these copies ultimately serve.
package usermem

import (
	"github.com/lucasiborrat/nachos-userproc/addr"
)

// Space is the address-space view the copy engine needs: enough to check a
// vpn is in range, resolve it to a physical frame (possibly faulting it in,
// in the demand-paged variant), and record use/dirty bits afterward. Both
// the resident and demand-paged process address-space strategies implement
// this.
type Space interface {
	NumPages() int
	PageSize() uint32
	CheckValidVPN(vpn uint32) bool
	// Translate resolves vpn to its physical frame and read-only bit. It
	// may allocate/fault a page in under the hood (demand-paged variant).
	Translate(vpn uint32) (ppn uint32, readOnly bool, err error)
	MarkAccess(vpn uint32, dirty bool)
	PhysMemory() []byte
}

// Read transfers length bytes starting at vaddr in the user address space
// into dst[offset:offset+length]. It never panics on bad user input:
// instead of reporting an error, it returns -1 for the bytes-transferred
// count.
func Read(space Space, vaddr uint32, dst []byte, offset, length int) int {
	pageSize := space.PageSize()
	readSoFar := 0
	endingVaddr := vaddr + uint32(length) - 1

	for length > 0 && vaddr <= endingVaddr {
		vpn := addr.VPN(vaddr, pageSize)
		if !space.CheckValidVPN(vpn) {
			return -1
		}

		startOffset := addr.Offset(vaddr, pageSize)
		curPageEnd := min32(endingVaddr, addr.Make(vpn, pageSize-1, pageSize))
		amount := int(curPageEnd-vaddr) + 1

		ppn, _, err := space.Translate(vpn)
		if err != nil {
			return -1
		}

		start := int(ppn)*int(pageSize) + int(startOffset)
		copy(dst[offset:offset+amount], space.PhysMemory()[start:start+amount])
		space.MarkAccess(vpn, false)

		vaddr += uint32(amount)
		offset += amount
		readSoFar += amount
	}
	return readSoFar
}

// writeSegment is one page's worth of a pending write, resolved during
// Write's validation pass so the copy pass below never has to fail partway
// through.
type writeSegment struct {
	vpn       uint32
	physStart int
	srcStart  int
	amount    int
}

// Write transfers length bytes from src[offset:offset+length] into the
// user address space starting at vaddr. A write that lands, even
// partially, on a read-only page is rejected wholesale (-1, zero bytes
// written), even when an earlier page in the range is writable: every
// page is resolved and checked before any byte is copied.
func Write(space Space, vaddr uint32, src []byte, offset, length int) int {
	pageSize := space.PageSize()
	endingVaddr := vaddr + uint32(length) - 1

	var segments []writeSegment
	v, off, remaining := vaddr, offset, length
	for remaining > 0 && v <= endingVaddr {
		vpn := addr.VPN(v, pageSize)
		if !space.CheckValidVPN(vpn) {
			return -1
		}

		startOffset := addr.Offset(v, pageSize)
		curPageEnd := min32(endingVaddr, addr.Make(vpn, pageSize-1, pageSize))
		amount := int(curPageEnd-v) + 1

		ppn, readOnly, err := space.Translate(vpn)
		if err != nil || readOnly {
			return -1
		}

		segments = append(segments, writeSegment{
			vpn:       vpn,
			physStart: int(ppn)*int(pageSize) + int(startOffset),
			srcStart:  off,
			amount:    amount,
		})

		v += uint32(amount)
		off += amount
		remaining -= amount
	}

	wroteSoFar := 0
	mem := space.PhysMemory()
	for _, seg := range segments {
		copy(mem[seg.physStart:seg.physStart+seg.amount], src[seg.srcStart:seg.srcStart+seg.amount])
		space.MarkAccess(seg.vpn, true)
		wroteSoFar += seg.amount
	}
	return wroteSoFar
}

// ReadCString reads up to maxLen+1 bytes starting at vaddr, stopping early
// at the end of the address space (NumPages*PageSize), and returns the
// prefix up to the first 0 byte. ok is false if no terminator was found in
// that window. Non-ASCII bytes are preserved as raw bytes; the caller
// decides encoding.
func ReadCString(space Space, vaddr uint32, maxLen int) (s string, ok bool) {
	want := maxLen + 1
	limit := uint64(space.NumPages()) * uint64(space.PageSize())
	if uint64(vaddr) >= limit {
		return "", false
	}
	if uint64(vaddr)+uint64(want) > limit {
		want = int(limit - uint64(vaddr))
	}
	buf := make([]byte, want)
	n := Read(space, vaddr, buf, 0, want)
	if n < 0 {
		n = 0
	}
	for i := 0; i < n; i++ {
		if buf[i] == 0 {
			return string(buf[:i]), true
		}
	}
	return "", false
}

func min32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}
