package vm

import (
	"bytes"
	"runtime"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// hostJITKind reports the JIT variant whose output the host can execute.
func hostJITKind(t *testing.T) EngineKind {
	t.Helper()
	if runtime.GOOS != "linux" && runtime.GOOS != "darwin" {
		t.Skipf("no executable-memory support on %s", runtime.GOOS)
	}
	switch runtime.GOARCH {
	case "amd64":
		return X8664JIT
	case "arm64":
		return AArch64JIT
	default:
		t.Skipf("no JIT for %s", runtime.GOARCH)
		return 0
	}
}

// TestEnginesAgree runs every scenario on the interpreter and on the host's
// JIT and requires identical output, identical general-purpose registers
// (minus any that hold absolute addresses) and identical stack depth.
func TestEnginesAgree(t *testing.T) {
	kind := hostJITKind(t)

	for _, sc := range scenarios {
		if sc.interpOnly {
			continue
		}
		t.Run(sc.name, func(t *testing.T) {
			ie, iout := runEngine(t, Interpreter, sc.src)
			je, jout := runEngine(t, kind, sc.src)

			assert.Equal(t, iout, jout, "stdout")
			assert.Equal(t, sc.stdout, jout, "expected stdout")

			iregs, jregs := ie.Registers(), je.Registers()
			for r := 0; r < numGPRs; r++ {
				if slices.Contains(sc.skipRegs, r) {
					continue
				}
				assert.Equal(t, iregs.R[r], jregs.R[r], "r%d", r)
			}
			assert.Equal(t, ie.StackUsed(), je.StackUsed(), "stack depth")
		})
	}
}

func TestJITIdempotence(t *testing.T) {
	kind := hostJITKind(t)

	e1, out1 := runEngine(t, kind, factorialProg)
	e2, out2 := runEngine(t, kind, factorialProg)
	assert.Equal(t, out1, out2)
	r1, r2 := e1.Registers(), e2.Registers()
	assert.Equal(t, r1.R, r2.R)
	assert.Equal(t, e1.StackUsed(), e2.StackUsed())
}

func TestJITEmptyProgramExitsThroughGuard(t *testing.T) {
	kind := hostJITKind(t)

	e, out := runEngine(t, kind, "")
	assert.Empty(t, out)
	regs := e.Registers()
	for r := 0; r < numGPRs; r++ {
		assert.Zero(t, regs.R[r], "r%d", r)
	}
	assert.Zero(t, e.StackUsed())
}

func TestJITRepeatedSyscalls(t *testing.T) {
	kind := hostJITKind(t)

	// Three displays in a row exercise the exit/resume path repeatedly.
	src := `
	mov r0, 1
	push r0
	mov r1, 1
	push r1
	call 0
	mov r0, 2
	push r0
	mov r1, 1
	push r1
	call 0
	mov r0, 3
	push r0
	mov r1, 1
	push r1
	call 0
` + exitSeq
	_, out := runEngine(t, kind, src)
	assert.Equal(t, "1\n2\n3\n", out)
}

func TestJITUnknownSyscallID(t *testing.T) {
	kind := hostJITKind(t)

	src := `
	mov r0, 9
	push r0
	push r0
	call 0
`
	var out bytes.Buffer
	e, err := NewEngine(kind, mustAssemble(t, src), 4, false, &out)
	require.NoError(t, err)
	assert.ErrorContains(t, e.Execute(), "unsupported syscall ID '9'")
}

func TestJITDebugDump(t *testing.T) {
	kind := hostJITKind(t)

	var out bytes.Buffer
	e, err := NewEngine(kind, mustAssemble(t, print42Prog), 4, true, &out)
	require.NoError(t, err)
	require.NoError(t, e.Execute())

	dump := out.String()
	assert.Contains(t, dump, "42\n")
	assert.Contains(t, dump, "JIT code dump:")
	assert.Contains(t, dump, "mov r0, 42")
	assert.Contains(t, dump, "Registers:")
}
