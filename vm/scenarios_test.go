package vm

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

// The exit convention shared by the test programs: reserve the argument
// slot, push syscall id 0, enter the gate.
const exitSeq = `
	mov r11, 0
	push r11
	push r11
	call 0
`

const print42Prog = `
	mov r0, 42
	push r0
	mov r1, 1
	push r1
	call 0
` + exitSeq

const sumProg = `
	mov r1, 0
	mov r2, 1
loop:
	cmp r2, 10
	jmpgt done
	add r1, r2
	add r2, 1
	jmp loop
done:
	push r1
	mov r3, 1
	push r3
	call 0
` + exitSeq

const memRoundTripProg = `
	mov r12, sp
	sub r12, 4096
	mov r0, 3735928559
	store [r12], r0
	load r1, [r12]
	push r1
	mov r2, 2
	push r2
	call 0
` + exitSeq

const signedCmpProg = `
	mov r0, -5
	cmp r0, -3
	jmplt less
	mov r1, 0
	jmp report
less:
	mov r1, 1
report:
	push r1
	mov r2, 1
	push r2
	call 0
` + exitSeq

const factorialProg = `
	mov r0, 5
	call fact
	push r1
	mov r2, 1
	push r2
	call 0
` + exitSeq + `
fact:
	cmp r0, 1
	jmpgt recurse
	mov r1, 1
	ret
recurse:
	push r0
	sub r0, 1
	call fact
	pop r0
	mov r2, r1
	mov r3, 1
multiply:
	cmp r3, r0
	jmpge product
	add r1, r2
	add r3, 1
	jmp multiply
product:
	ret
`

const countdownProg = `
	mov r0, 1000000
loop:
	sub r0, 1
	cmp r0, 0
	jmpne loop
` + exitSeq

const callNextProg = `
	call next
next:
` + exitSeq

const flagsClearProg = `
	mov r0, 7
	jmpeq bad
	jmpgt bad
	jmplt bad
	jmpge bad
	jmple bad
	jmpne good
bad:
	mov r0, 99
good:
	push r0
	mov r1, 1
	push r1
	call 0
` + exitSeq

// scenario couples a program with its expected output and the register
// values that are identical across engines. Registers holding absolute
// addresses (the memory round-trip base) are excluded from the comparison.
type scenario struct {
	name     string
	src      string
	stdout   string
	regs     map[int]uint64
	skipRegs []int
	// interpOnly marks programs whose behavior depends on the pristine
	// flags state at startup; in a JIT the host condition codes at block
	// entry are undefined.
	interpOnly bool
}

var scenarios = []scenario{
	{
		name:   "print 42",
		src:    print42Prog,
		stdout: "42\n",
		regs:   map[int]uint64{0: 42, 1: 1},
	},
	{
		name:   "sum 1..10",
		src:    sumProg,
		stdout: "55\n",
		regs:   map[int]uint64{1: 55, 2: 11, 3: 1},
	},
	{
		name:     "memory round-trip",
		src:      memRoundTripProg,
		stdout:   "3735928559\n",
		regs:     map[int]uint64{0: 0xdeadbeef, 1: 0xdeadbeef},
		skipRegs: []int{12},
	},
	{
		name:   "signed compare",
		src:    signedCmpProg,
		stdout: "1\n",
		regs:   map[int]uint64{1: 1},
	},
	{
		name:   "recursive factorial",
		src:    factorialProg,
		stdout: "120\n",
		regs:   map[int]uint64{0: 5, 1: 120},
	},
	{
		name:   "countdown loop",
		src:    countdownProg,
		stdout: "",
		regs:   map[int]uint64{0: 0},
	},
	{
		name:   "self-targeted call",
		src:    callNextProg,
		stdout: "",
	},
	{
		name:       "branches with clear flags",
		src:        flagsClearProg,
		stdout:     "7\n",
		regs:       map[int]uint64{0: 7},
		interpOnly: true,
	},
	{
		name:   "empty program",
		src:    "",
		stdout: "",
	},
}

func mustAssemble(t *testing.T, src string) []byte {
	t.Helper()
	prog, err := Assemble(src)
	require.NoError(t, err)
	return prog
}

func runEngine(t *testing.T, kind EngineKind, src string) (Engine, string) {
	t.Helper()
	var out bytes.Buffer
	e, err := NewEngine(kind, mustAssemble(t, src), 4, false, &out)
	require.NoError(t, err)
	require.NoError(t, e.Execute())
	return e, out.String()
}
