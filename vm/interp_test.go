package vm

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundMemSizeMiB(t *testing.T) {
	for _, tc := range []struct {
		requested int
		want      uint64
	}{
		{0, 4},
		{1, 4},
		{4, 4},
		{5, 8},
		{8, 8},
		{9, 16},
		{100, 128},
	} {
		assert.Equal(t, tc.want, roundMemSizeMiB(tc.requested), "requested %d MiB", tc.requested)
	}
}

func TestInterpScenarios(t *testing.T) {
	for _, sc := range scenarios {
		t.Run(sc.name, func(t *testing.T) {
			e, out := runEngine(t, Interpreter, sc.src)
			assert.Equal(t, sc.stdout, out)
			regs := e.Registers()
			for r, want := range sc.regs {
				assert.Equal(t, want, regs.R[r], "r%d", r)
			}
		})
	}
}

func TestInterpEmptyProgramLeavesRegistersZero(t *testing.T) {
	e, out := runEngine(t, Interpreter, "")
	assert.Empty(t, out)
	regs := e.Registers()
	for r := 0; r < numGPRs; r++ {
		assert.Zero(t, regs.R[r])
	}
	assert.Zero(t, e.StackUsed())
	assert.NotZero(t, regs.SP)
}

func TestInterpIdempotence(t *testing.T) {
	e1, out1 := runEngine(t, Interpreter, sumProg)
	e2, out2 := runEngine(t, Interpreter, sumProg)
	assert.Equal(t, out1, out2)
	assert.Equal(t, e1.Registers(), e2.Registers())
}

func TestInterpSignedDisplay(t *testing.T) {
	src := `
	mov r0, -42
	push r0
	mov r1, 1
	push r1
	call 0
` + exitSeq
	_, out := runEngine(t, Interpreter, src)
	assert.Equal(t, "-42\n", out)
}

func TestInterpUnsignedDisplay(t *testing.T) {
	// -1 printed through the unsigned syscall is the full 64-bit value.
	src := `
	mov r0, -1
	push r0
	mov r1, 2
	push r1
	call 0
` + exitSeq
	_, out := runEngine(t, Interpreter, src)
	assert.Equal(t, "18446744073709551615\n", out)
}

func TestInterpBitwiseAndNot(t *testing.T) {
	src := `
	mov r0, 255
	and r0, 240
	mov r1, 15
	or r1, 240
	mov r2, 255
	xor r2, 170
	mov r3, 0
	not r3
` + exitSeq
	e, _ := runEngine(t, Interpreter, src)
	regs := e.Registers()
	assert.Equal(t, uint64(240), regs.R[0])
	assert.Equal(t, uint64(255), regs.R[1])
	assert.Equal(t, uint64(85), regs.R[2])
	assert.Equal(t, ^uint64(0), regs.R[3])
}

func TestInterpSyscallConsumesFrame(t *testing.T) {
	// A display syscall leaves the stack exactly as deep as before the
	// argument and id were pushed.
	src := `
	mov r0, 123
	push r0
	mov r0, 7
	push r0
	mov r1, 1
	push r1
	call 0
	pop r5
` + exitSeq
	e, out := runEngine(t, Interpreter, src)
	assert.Equal(t, "7\n", out)
	// r5 pops the value pushed before the syscall frame.
	assert.Equal(t, uint64(123), e.Registers().R[5])
}

func TestInterpUnknownOpcode(t *testing.T) {
	prog := mustAssemble(t, "")
	prog = append(prog, 0x00, 0x00)
	e, err := NewEngine(Interpreter, prog, 4, false, &bytes.Buffer{})
	require.NoError(t, err)
	assert.ErrorContains(t, e.Execute(), "unsupported instruction")
}

func TestInterpUnknownSyscallID(t *testing.T) {
	src := `
	mov r0, 9
	push r0
	push r0
	call 0
`
	prog := mustAssemble(t, src)
	e, err := NewEngine(Interpreter, prog, 4, false, &bytes.Buffer{})
	require.NoError(t, err)
	assert.ErrorContains(t, e.Execute(), "unsupported syscall ID '9'")
}

func TestUnknownEngineKind(t *testing.T) {
	_, err := NewEngine(EngineKind(7), nil, 4, false, &bytes.Buffer{})
	assert.ErrorContains(t, err, "unsupported execution type")
}

func TestInterpDebugTrace(t *testing.T) {
	var out bytes.Buffer
	e, err := NewEngine(Interpreter, mustAssemble(t, print42Prog), 4, true, &out)
	require.NoError(t, err)
	require.NoError(t, e.Execute())
	trace := out.String()
	assert.Contains(t, trace, "42\n")
	assert.Contains(t, trace, "[DEBUG] vm >")
	assert.Contains(t, trace, "mov r0, 42")
	assert.Contains(t, trace, "push r0")
	assert.Contains(t, trace, "call 0x0")
}
