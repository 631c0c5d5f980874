package vm

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/arch/x86/x86asm"
)

// newTestX64 returns a code generator writing into a plain buffer, for
// encoder-level tests that never execute the result.
func newTestX64() *x64 {
	return &x64{jit: &jit{
		config:  config{out: io.Discard},
		textMem: make([]byte, 4096),
	}}
}

func (x *x64) bytes() []byte { return x.textMem[:x.jpos.arch] }

func decodeX64(t *testing.T, x *x64) []x86asm.Inst {
	t.Helper()
	var out []x86asm.Inst
	for off := 0; off < x.jpos.arch; {
		inst, err := x86asm.Decode(x.textMem[off:x.jpos.arch], 64)
		require.NoError(t, err, "byte offset %d", off)
		out = append(out, inst)
		off += inst.Len
	}
	return out
}

func TestX64MovImmediateForms(t *testing.T) {
	// Values whose upper dword sign-extends take the short form; everything
	// else needs the 10-byte imm64 encoding.
	for _, tc := range []struct {
		imm  int64
		size int
	}{
		{0, 7},
		{42, 7},
		{-1, 7},
		{-42, 7},
		{1 << 31, 10},
		{0x7fff_ffff, 7},
		{0x1_0000_0000, 10},
		{-(1 << 40), 10},
	} {
		x := newTestX64()
		x.emitMovRegImm(x64R8, tc.imm)
		assert.Equal(t, tc.size, x.jpos.arch, "imm %d", tc.imm)

		insts := decodeX64(t, x)
		require.Len(t, insts, 1)
		assert.Equal(t, x86asm.MOV, insts[0].Op)
	}
}

func TestX64WellKnownBytes(t *testing.T) {
	x := newTestX64()
	x.emitMovRegImm32(x64R8, 42)
	assert.Equal(t, []byte{0x49, 0xc7, 0xc0, 42, 0, 0, 0}, x.bytes())

	x = newTestX64()
	x.emitPushReg(x64R8)
	x.emitPushReg(x64RDI)
	x.emitPopReg(x64R8)
	x.emitRet()
	assert.Equal(t, []byte{0x41, 0x50, 0x57, 0x41, 0x58, 0xc3}, x.bytes())

	x = newTestX64()
	x.emitNop()
	assert.Equal(t, []byte{0x90}, x.bytes())
}

func TestX64MemoryForms(t *testing.T) {
	// Base r12 and rsp require a SIB byte.
	x := newTestX64()
	x.emitMovRegB32d(x64RAX, x64R12, 8)
	assert.Equal(t, []byte{0x49, 0x8b, 0x84, 0x24, 8, 0, 0, 0}, x.bytes())

	x = newTestX64()
	x.emitMovRegB32d(x64RAX, x64RSP, 16)
	assert.Equal(t, []byte{0x48, 0x8b, 0x84, 0x24, 16, 0, 0, 0}, x.bytes())

	x = newTestX64()
	x.emitMovB32dReg(x64R9, -4096, x64RSI)
	insts := decodeX64(t, x)
	require.Len(t, insts, 1)
	assert.Equal(t, x86asm.MOV, insts[0].Op)

	x = newTestX64()
	x.emitMovB8dReg(x64RBP, 0, x64RSP)
	x.emitMovRegB8d(x64RSP, x64RBP, 0)
	insts = decodeX64(t, x)
	require.Len(t, insts, 2)
	assert.Equal(t, x86asm.MOV, insts[0].Op)
	assert.Equal(t, x86asm.MOV, insts[1].Op)
}

func TestX64ArithOps(t *testing.T) {
	ops := []struct {
		emit func(rd, rs byte)
		want x86asm.Op
	}{
		{nil, x86asm.ADD},
		{nil, x86asm.SUB},
		{nil, x86asm.AND},
		{nil, x86asm.OR},
		{nil, x86asm.XOR},
	}
	x := newTestX64()
	ops[0].emit = x.emitAddRegReg
	ops[1].emit = x.emitSubRegReg
	ops[2].emit = x.emitAndRegReg
	ops[3].emit = x.emitOrRegReg
	ops[4].emit = x.emitXorRegReg
	for _, op := range ops {
		op.emit(x64R8, x64RSI)
		op.emit(x64RAX, x64R15)
	}
	x.emitCmpRegReg(x64R8, x64RSI)
	x.emitNotReg(x64R9)

	insts := decodeX64(t, x)
	require.Len(t, insts, 12)
	for i, op := range ops {
		assert.Equal(t, op.want, insts[2*i].Op)
		assert.Equal(t, op.want, insts[2*i+1].Op)
	}
	assert.Equal(t, x86asm.CMP, insts[10].Op)
	assert.Equal(t, x86asm.NOT, insts[11].Op)
}

func TestX64ControlFlow(t *testing.T) {
	x := newTestX64()
	x.emitCallReg(x64RBP)
	x.emitJmpReg(x64RBP)
	insts := decodeX64(t, x)
	require.Len(t, insts, 2)
	assert.Equal(t, x86asm.CALL, insts[0].Op)
	assert.Equal(t, x86asm.JMP, insts[1].Op)

	ccs := map[byte]x86asm.Op{
		x64JE:  x86asm.JE,
		x64JNE: x86asm.JNE,
		x64JG:  x86asm.JG,
		x64JGE: x86asm.JGE,
		x64JL:  x86asm.JL,
		x64JLE: x86asm.JLE,
	}
	for cc, want := range ccs {
		x := newTestX64()
		x.emitJccImm32(cc, 32)
		insts := decodeX64(t, x)
		require.Len(t, insts, 1)
		assert.Equal(t, want, insts[0].Op)
		// The argument is measured from the start of the 6-byte encoding;
		// the stored rel32 is measured from its end.
		rel, ok := insts[0].Args[0].(x86asm.Rel)
		require.True(t, ok)
		assert.Equal(t, x86asm.Rel(32-x64JmpccBytes), rel)
	}

	x = newTestX64()
	x.emitJmpImm32(64)
	insts = decodeX64(t, x)
	require.Len(t, insts, 1)
	assert.Equal(t, x86asm.JMP, insts[0].Op)
	rel, ok := insts[0].Args[0].(x86asm.Rel)
	require.True(t, ok)
	assert.Equal(t, x86asm.Rel(64-5), rel)
}

func TestX64TranslatedBlockDecodes(t *testing.T) {
	prog := mustAssemble(t, factorialProg)
	e, err := NewEngine(X8664JIT, prog, 4, false, io.Discard)
	require.NoError(t, err)
	j := e.(*jit)
	require.NoError(t, j.initExecution())
	require.NoError(t, j.loadProgram())
	defer j.finiExecution()

	for off := 0; off < j.codeEnd; {
		inst, err := x86asm.Decode(j.textMem[off:j.codeEnd], 64)
		require.NoError(t, err, "byte offset 0x%x", off)
		off += inst.Len
	}
}
