package vm

import (
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
)

// EngineKind selects the execution engine variant.
type EngineKind int

const (
	Interpreter EngineKind = 1
	AArch64JIT  EngineKind = 2
	X8664JIT    EngineKind = 3
)

func (k EngineKind) String() string {
	switch k {
	case Interpreter:
		return "interpreter"
	case AArch64JIT:
		return "AArch64 JIT"
	case X8664JIT:
		return "x86_64 JIT"
	}
	return "?unknown?"
}

// Registers is the post-run register snapshot an engine exposes for
// inspection. Flags and pc are engine-internal and not part of it.
type Registers struct {
	R  [numGPRs]uint64
	SP uint64
}

// Engine runs one program image through a fixed lifecycle:
// initialize, load, execute, finalize.
type Engine interface {
	Execute() error
	// Registers returns the final register values. Valid after Execute.
	Registers() Registers
	// StackUsed returns the final stack depth in bytes, measured from the
	// top of guest memory. Comparable across engine kinds.
	StackUsed() uint64
}

type engine interface {
	initExecution() error
	loadProgram() error
	execProgram() error
	finiExecution() error
}

type config struct {
	prog    []byte
	memSize uint64
	debug   bool
	out     io.Writer
}

func (c *config) debugf(format string, args ...any) {
	if c.debug {
		fmt.Fprintf(c.out, "[DEBUG] "+format, args...)
	}
}

// roundMemSizeMiB rounds a requested memory size up to the next power of
// two, with a floor of 4 MiB.
func roundMemSizeMiB(memSizeMiB int) uint64 {
	size := uint64(4)
	for uint64(memSizeMiB) > size {
		size <<= 1
	}
	return size
}

// NewEngine creates an execution engine for the given program image. Memory
// is rounded up to a power-of-two number of MiB, at least 4. Syscall output
// and debug tracing go to out.
func NewEngine(kind EngineKind, prog []byte, memSizeMiB int, debug bool, out io.Writer) (Engine, error) {
	cfg := config{
		prog:    prog,
		memSize: roundMemSizeMiB(memSizeMiB) << 20,
		debug:   debug,
		out:     out,
	}
	cfg.debugf("Initializing VM with:\n")
	cfg.debugf("\tprogram size %d\n", len(prog))
	cfg.debugf("\tmemory %d MiB\n", cfg.memSize>>20)

	switch kind {
	case Interpreter:
		return newInterp(cfg), nil
	case AArch64JIT:
		return newJIT(cfg, newA64), nil
	case X8664JIT:
		return newJIT(cfg, newX64), nil
	}
	return nil, errors.Errorf("unsupported execution type ID '%d'", int(kind))
}

// Run executes prog to completion on the selected engine, writing syscall
// output to stdout. All errors are fatal to the run.
func Run(prog []byte, memSizeMiB int, kind EngineKind, debug bool) error {
	e, err := NewEngine(kind, prog, memSizeMiB, debug, os.Stdout)
	if err != nil {
		return err
	}
	return e.Execute()
}

// runPhases drives the four-phase engine lifecycle. Finalization runs even
// when execution fails so mapped memory is always released.
func runPhases(e engine) error {
	if err := e.initExecution(); err != nil {
		return err
	}
	if err := e.loadProgram(); err != nil {
		e.finiExecution()
		return err
	}
	execErr := e.execProgram()
	if err := e.finiExecution(); err != nil && execErr == nil {
		return err
	}
	return execErr
}
