package process

import (
	"encoding/binary"
	"testing"

	"github.com/lucasiborrat/nachos-userproc/kernel"
	"github.com/lucasiborrat/nachos-userproc/machine/fake"
)

const testPageSize = 64

func newCtx(t *testing.T, paging bool) *kernel.Context {
	t.Helper()
	fs := fake.NewFileSystem()
	parser := fake.NewParser()
	registerProgram(fs, parser, "root.coff")
	registerProgram(fs, parser, "child.coff")

	cfg := kernel.Config{
		PageSize:     testPageSize,
		NumPhysPages: 32,
		TLBSize:      4,
		StackPages:   2,
		Paging:       paging,
	}
	return kernel.New(cfg, fake.NewConsole(), fs, parser, nil)
}

// registerProgram installs a one-page, read-only text section under name:
// with stackPages=2 and one argv page, every such process occupies
// exactly 4 pages (1 text + 2 stack + 1 argv).
func registerProgram(fs *fake.FileSystem, p *fake.Parser, name string) {
	textPage := make([]byte, testPageSize)
	for i := range textPage {
		textPage[i] = 0x11
	}
	fake.PutCoff(fs, p, name, &fake.Coff{
		Entry: 0,
		Sections: []*fake.CoffSection{
			{SectionName: ".text", FirstVPNVal: 0, Pages: [][]byte{textPage}, IsReadOnly: true},
		},
	})
}

func TestExecuteAllocatesAndExitReleasesFrames(t *testing.T) {
	ctx := newCtx(t, false)
	free := ctx.Frames.Len()

	p, err := Execute(ctx, "root.coff", nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if p.NumPages != 4 {
		t.Fatalf("NumPages = %d, want 4", p.NumPages)
	}
	if got := ctx.Frames.Len(); got != free-4 {
		t.Fatalf("free frames after Execute = %d, want %d", got, free-4)
	}

	p.Exit(ctx, 5)

	if got := ctx.Frames.Len(); got != free {
		t.Fatalf("free frames after Exit = %d, want %d (all released)", got, free)
	}
	if !p.IsFinished || p.ExitStatus != 5 || !p.NormallyExited {
		t.Fatalf("unexpected exit state: finished=%v status=%d normal=%v", p.IsFinished, p.ExitStatus, p.NormallyExited)
	}
}

func TestRootElectedOnFirstProcess(t *testing.T) {
	ctx := newCtx(t, false)
	root, err := Execute(ctx, "root.coff", nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !root.IsRoot(ctx) {
		t.Fatal("first process created should be root")
	}
	child, err := Execute(ctx, "child.coff", nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if child.IsRoot(ctx) {
		t.Fatal("second process should not be root")
	}
}

// writeCString writes s, null-terminated, at vaddr in p's address space.
func writeCString(p *Process, vaddr uint32, s string) {
	p.WriteToUser(vaddr, append([]byte(s), 0), 0, len(s)+1)
}

func TestExecJoinNormalChild(t *testing.T) {
	ctx := newCtx(t, false)
	parent, err := Execute(ctx, "root.coff", nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	// Stack page (vpn 1) spans [64, 128). Lay out: filename at 64, arg
	// string at 100, the one-entry argv pointer array at 120.
	const nameVaddr, argStrVaddr, argvVaddr = 64, 100, 120
	writeCString(parent, nameVaddr, "child.coff")
	writeCString(parent, argStrVaddr, "hi")
	var ptr [4]byte
	binary.LittleEndian.PutUint32(ptr[:], argStrVaddr)
	if n := parent.WriteToUser(argvVaddr, ptr[:], 0, 4); n != 4 {
		t.Fatalf("writing argv pointer: n=%d", n)
	}

	childPid := parent.Exec(ctx, nameVaddr, 1, argvVaddr)
	if childPid <= 0 {
		t.Fatalf("Exec returned %d, want a positive pid", childPid)
	}
	if len(parent.Children) != 1 {
		t.Fatalf("parent has %d children, want 1", len(parent.Children))
	}

	child := parent.Children[0]
	if child.Argc != 1 {
		t.Fatalf("child.Argc = %d, want 1", child.Argc)
	}

	child.Exit(ctx, 7)

	const statusVaddr = 200 // inside the child's own page range doesn't matter; this reads the PARENT's memory
	ret := parent.Join(ctx, childPid, statusVaddr)
	if ret != 1 {
		t.Fatalf("Join = %d, want 1 (normal exit)", ret)
	}

	var buf [4]byte
	if n := parent.ReadFromUser(statusVaddr, buf[:], 0, 4); n != 4 {
		t.Fatalf("reading back status: n=%d", n)
	}
	if got := int32(binary.LittleEndian.Uint32(buf[:])); got != 7 {
		t.Fatalf("joined status = %d, want 7", got)
	}
	if len(parent.Children) != 0 {
		t.Fatal("child should be disowned from parent.Children after Join")
	}
}

func TestJoinKilledChildReturnsZero(t *testing.T) {
	ctx := newCtx(t, false)
	parent, err := Execute(ctx, "root.coff", nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	child, err := Execute(ctx, "child.coff", nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	parent.Children = append(parent.Children, child)
	child.Parent = parent

	child.Kill(ctx)

	const statusVaddr = 64
	ret := parent.Join(ctx, int32(child.PID), statusVaddr)
	if ret != 0 {
		t.Fatalf("Join on a killed child = %d, want 0", ret)
	}
	var buf [4]byte
	parent.ReadFromUser(statusVaddr, buf[:], 0, 4)
	if got := int32(binary.LittleEndian.Uint32(buf[:])); got != 2 {
		t.Fatalf("joined status = %d, want 2", got)
	}
}

func TestJoinUnknownChildReturnsMinusOne(t *testing.T) {
	ctx := newCtx(t, false)
	parent, err := Execute(ctx, "root.coff", nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if ret := parent.Join(ctx, 999, 64); ret != -1 {
		t.Fatalf("Join on a non-child = %d, want -1", ret)
	}
}

func TestExecRejectsNonCoffName(t *testing.T) {
	ctx := newCtx(t, false)
	parent, err := Execute(ctx, "root.coff", nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	free := ctx.Frames.Len()

	const nameVaddr = 64
	writeCString(parent, nameVaddr, "child.exe")

	if pid := parent.Exec(ctx, nameVaddr, 0, 0); pid != -1 {
		t.Fatalf("Exec with a non-.coff name = %d, want -1", pid)
	}
	if len(parent.Children) != 0 {
		t.Fatal("no child should have been created")
	}
	if got := ctx.Frames.Len(); got != free {
		t.Fatalf("free frames changed after a rejected Exec: %d, want %d", got, free)
	}
}

func TestReadWriteSyscallsRoundTripThroughConsole(t *testing.T) {
	ctx := newCtx(t, false)
	p, err := Execute(ctx, "root.coff", nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	console := ctx.Console.(*fake.Console)
	console.Feed([]byte("ab"))

	const bufVaddr = 64
	n := p.ReadUser(0, bufVaddr, 2)
	if n != 2 {
		t.Fatalf("ReadUser = %d, want 2", n)
	}
	var buf [2]byte
	p.ReadFromUser(bufVaddr, buf[:], 0, 2)
	if string(buf[:]) != "ab" {
		t.Fatalf("read bytes = %q, want %q", buf, "ab")
	}

	if n := p.WriteUser(1, bufVaddr, 2); n != 0 {
		t.Fatalf("WriteUser = %d, want 0 (known ABI quirk)", n)
	}
	if out := console.Drain(); string(out) != "ab" {
		t.Fatalf("console stdout = %q, want %q", out, "ab")
	}
}

func TestReadWriteSyscallsRejectBadFD(t *testing.T) {
	ctx := newCtx(t, false)
	p, err := Execute(ctx, "root.coff", nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if n := p.ReadUser(1, 64, 2); n != -1 {
		t.Fatalf("ReadUser(fd=1) = %d, want -1", n)
	}
	if n := p.WriteUser(0, 64, 2); n != -1 {
		t.Fatalf("WriteUser(fd=0) = %d, want -1", n)
	}
}
