// Command nachos is a small demo harness for the process core: it loads a
// program as a single flat COFF-like text section, creates the root
// process, faults in its entry page, and walks it through exit, printing
// the same 'a'/'v' debug lines the kernel core logs internally. There is
// no instruction-execution loop here; driving an actual CPU fetch/decode
// cycle is an external collaborator this core does not implement, so the
// harness exits the root process itself once it has demonstrated loading
// and address-space setup.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/lucasiborrat/nachos-userproc/kernel"
	"github.com/lucasiborrat/nachos-userproc/machine/fake"
	"github.com/lucasiborrat/nachos-userproc/process"
)

func main() {
	if len(os.Args) < 3 {
		fmt.Fprintf(os.Stderr, "uso: %s <archivo_configuracion.json> <programa.coff> [args...]\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "ejemplo: %s config.json programs/hello.coff hola mundo\n", os.Args[0])
		os.Exit(1)
	}

	configPath := os.Args[1]
	programPath := os.Args[2]
	userArgs := os.Args[3:]

	cfg, err := kernel.LoadConfig[kernel.Config](configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "nachos: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
	})).With("modulo", "nachos")

	programName := filepath.Base(programPath)
	fs, parser, err := loadProgram(programPath, programName, cfg.PageSize)
	if err != nil {
		fmt.Fprintf(os.Stderr, "nachos: %v\n", err)
		os.Exit(1)
	}

	console := fake.NewConsole()
	ctx := kernel.New(*cfg, console, fs, parser, logger)

	done := make(chan struct{})
	ctx.OnTerminate(func() {
		logger.Info("kernel terminated", "key", "a")
		close(done)
	})

	args := make([][]byte, len(userArgs))
	for i, a := range userArgs {
		args[i] = []byte(a)
	}

	root, err := process.Execute(ctx, programName, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "nachos: loading %s: %v\n", programPath, err)
		os.Exit(1)
	}

	logger.Info("root process ready", "key", "a", "pid", root.PID, "pc", root.InitialPC, "sp", root.InitialSP, "pages", root.NumPages)

	if cfg.Paging {
		tlb := fake.NewTLB(cfg.TLBSize)
		if err := process.HandleMiss(ctx, tlb, root, root.InitialPC); err != nil {
			fmt.Fprintf(os.Stderr, "nachos: faulting in entry page: %v\n", err)
			os.Exit(1)
		}
	}

	// No CPU loop exists to run root's instructions, so the harness exits
	// it directly, exercising the same teardown chokepoint a real
	// program's exit syscall would reach.
	root.Exit(ctx, 0)

	<-done
	fmt.Printf("nachos: %s finished, status=%d, alive=%d\n", programName, root.ExitStatus, ctx.Alive())
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// loadProgram reads the named host file and presents its raw bytes as a
// single read-only text section, page-aligned (the last page zero-padded).
// This core has no real COFF binary-format reader of its own (see
// DESIGN.md), so the demo harness treats the whole file as one section
// rather than fabricating a binary layout no example in the corpus parses.
func loadProgram(path, name string, pageSize int) (*fake.FileSystem, *fake.Parser, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var pages [][]byte
	for off := 0; off < len(content); off += pageSize {
		end := off + pageSize
		if end > len(content) {
			end = len(content)
		}
		page := make([]byte, pageSize)
		copy(page, content[off:end])
		pages = append(pages, page)
	}
	if len(pages) == 0 {
		pages = [][]byte{make([]byte, pageSize)}
	}

	fs := fake.NewFileSystem()
	parser := fake.NewParser()
	fake.PutCoff(fs, parser, name, &fake.Coff{
		Sections: []*fake.CoffSection{
			{SectionName: ".text", FirstVPNVal: 0, Pages: pages, IsReadOnly: true},
		},
	})
	return fs, parser, nil
}
