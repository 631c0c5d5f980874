package vm

import (
	"fmt"

	"github.com/pkg/errors"
	"golang.org/x/arch/x86/x86asm"
)

// x86-64 code generation. Instructions are composed from a REX prefix, the
// opcode byte(s), a ModR/M byte, an optional SIB byte and optional
// displacement/immediate bytes.
//
// Register binding: r0..r5 live in r8..r13, r6 in rdi, r7 in r15, r8..r12
// in rax/rcx/rdx/rbx/rsi, and the VM stack pointer is rsp itself so guest
// push/pop/call/ret use the native forms. rbp is scratch. r14 is the Go
// runtime's goroutine register and is never touched while guest code runs;
// the host stack pointer round-trips through the state block on every
// transition.

const (
	x64RAX = 0
	x64RCX = 1
	x64RDX = 2
	x64RBX = 3
	x64RSP = 4
	x64RBP = 5
	x64RSI = 6
	x64RDI = 7
	x64R8  = 8
	x64R9  = 9
	x64R10 = 10
	x64R11 = 11
	x64R12 = 12
	x64R13 = 13
	x64R14 = 14
	x64R15 = 15
)

var x64VMReg = [numRegs]byte{
	x64R8, x64R9, x64R10, x64R11, x64R12, x64R13, // r0..r5
	x64RDI, x64R15, // r6, r7
	x64RAX, x64RCX, x64RDX, x64RBX, x64RSI, // r8..r12
	x64RAX, // flags: never a template operand
	x64RSP, // sp
	x64RAX, // pc: never a template operand
}

const x64Scratch = x64RBP

// REX prefix bits.
const (
	x64RexW = 0b01001000
	x64RexR = 0b01000100
	x64RexX = 0b01000010
	x64RexB = 0b01000001
)

// ModR/M mod fields.
const (
	x64ModB0D  = 0b00000000
	x64ModB8D  = 0b01000000
	x64ModB32D = 0b10000000
	x64ModR    = 0b11000000
)

// Fixed emission lengths, in bytes, for control flow with unresolved
// targets. The resolved forms never exceed them; a call's trailing slack is
// executed as NOPs after the return.
const (
	x64CallBytes  = 13 // 10-byte immediate materialization + call reg
	x64JmpBytes   = 13
	x64JmpccBytes = 6 // 2-byte opcode + rel32
)

type x64 struct {
	*jit
}

func newX64(j *jit) codegen {
	j.debugf("\ttype 'x86_64 JIT'\n")
	return &x64{jit: j}
}

func (x *x64) asArchReg(vr byte) byte { return x64VMReg[vr] }

func regBase(r byte) byte { return r & 0b111 }

func rexAdjR(r byte) byte {
	if regBase(r) != r {
		return x64RexR
	}
	return 0
}

func rexAdjM(m byte) byte {
	if regBase(m) != m {
		return x64RexB
	}
	return 0
}

func rexAdjRM(r, m byte) byte { return rexAdjR(r) | rexAdjM(m) }

func (x *x64) emitNop() { x.emit8(0x90) }

// emitMemModRM writes the ModR/M byte for a memory operand plus the SIB byte
// required when the base register is rsp or r12.
func (x *x64) emitMemModRM(mod, reg, base byte) {
	x.emit8(mod | regBase(reg)<<3 | regBase(base))
	if regBase(base) == x64RSP {
		x.emit8(0b100<<3 | regBase(base))
	}
}

func (x *x64) emitRegReg(opcode byte, rd, rs byte) {
	x.emit8(x64RexW | rexAdjRM(rd, rs))
	x.emit8(opcode)
	x.emit8(x64ModR | regBase(rd)<<3 | regBase(rs))
}

func (x *x64) emitAddRegReg(rd, rs byte) { x.emitRegReg(0x03, rd, rs) }
func (x *x64) emitAndRegReg(rd, rs byte) { x.emitRegReg(0x23, rd, rs) }
func (x *x64) emitOrRegReg(rd, rs byte)  { x.emitRegReg(0x0b, rd, rs) }
func (x *x64) emitSubRegReg(rd, rs byte) { x.emitRegReg(0x2b, rd, rs) }
func (x *x64) emitXorRegReg(rd, rs byte) { x.emitRegReg(0x33, rd, rs) }
func (x *x64) emitMovRegReg(rd, rs byte) { x.emitRegReg(0x8b, rd, rs) }

// cmp compares rs1 against rs2 with the r/m form, operands reversed at the
// encoding level.
func (x *x64) emitCmpRegReg(rs1, rs2 byte) {
	x.emit8(x64RexW | rexAdjRM(rs2, rs1))
	x.emit8(0x39)
	x.emit8(x64ModR | regBase(rs2)<<3 | regBase(rs1))
}

func (x *x64) emitNotReg(r byte) {
	x.emit8(x64RexW | rexAdjM(r))
	x.emit8(0xf7)
	x.emit8(x64ModR | 0b010<<3 | regBase(r))
}

func (x *x64) emitArithRegImm64(emitRR func(rd, rs byte), rd byte, imm int64) {
	x.emitMovRegImm(x64Scratch, imm)
	emitRR(rd, x64Scratch)
}

func (x *x64) emitCmpRegImm64(rs byte, imm int64) {
	x.emitMovRegImm(x64Scratch, imm)
	x.emitCmpRegReg(rs, x64Scratch)
}

// Loads and stores: mov reg, [base+disp] and its reverse, with 8- or
// 32-bit displacements.
func (x *x64) emitMovB8dReg(rb byte, d int8, rs byte) {
	x.emit8(x64RexW | rexAdjRM(rs, rb))
	x.emit8(0x89)
	x.emitMemModRM(x64ModB8D, rs, rb)
	x.emit8(byte(d))
}

func (x *x64) emitMovRegB8d(rd, rb byte, d int8) {
	x.emit8(x64RexW | rexAdjRM(rd, rb))
	x.emit8(0x8b)
	x.emitMemModRM(x64ModB8D, rd, rb)
	x.emit8(byte(d))
}

func (x *x64) emitMovB32dReg(rb byte, d int32, rs byte) {
	x.emit8(x64RexW | rexAdjRM(rs, rb))
	x.emit8(0x89)
	x.emitMemModRM(x64ModB32D, rs, rb)
	x.emit32(uint32(d))
}

func (x *x64) emitMovRegB32d(rd, rb byte, d int32) {
	x.emit8(x64RexW | rexAdjRM(rd, rb))
	x.emit8(0x8b)
	x.emitMemModRM(x64ModB32D, rd, rb)
	x.emit32(uint32(d))
}

// emitMovRegImm picks the sign-extending 32-bit form when it represents
// the value exactly and falls back to the 10-byte imm64 form. This is the
// only size-dependent choice in the encoder.
func (x *x64) emitMovRegImm(rd byte, imm int64) {
	if imm == int64(int32(imm)) {
		x.emitMovRegImm32(rd, int32(imm))
	} else {
		x.emitMovRegImm64(rd, imm)
	}
}

func (x *x64) emitMovRegImm32(rd byte, imm int32) {
	x.emit8(x64RexW | rexAdjM(rd))
	x.emit8(0xc7)
	x.emit8(x64ModR | regBase(rd))
	x.emit32(uint32(imm))
}

func (x *x64) emitMovRegImm64(rd byte, imm int64) {
	x.emit8(x64RexW | rexAdjM(rd))
	x.emit8(0xb8 | regBase(rd))
	x.emit64(uint64(imm))
}

func (x *x64) emitCallImm64(imm uint64) {
	x.emitMovRegImm(x64Scratch, int64(imm))
	x.emitCallReg(x64Scratch)
}

func (x *x64) emitCallReg(rs byte) {
	x.emit8(x64RexW | rexAdjM(rs))
	x.emit8(0xff)
	x.emit8(x64ModR | 0b010<<3 | regBase(rs))
}

// Conditional near jumps take the byte displacement from the start of the
// instruction; the rel32 is adjusted for the 6-byte encoding.
func (x *x64) emitJccImm32(cc byte, imm int32) {
	x.emit8(0x0f)
	x.emit8(cc)
	x.emit32(uint32(imm - x64JmpccBytes))
}

const (
	x64JE  = 0x84
	x64JNE = 0x85
	x64JG  = 0x8f
	x64JGE = 0x8d
	x64JL  = 0x8c
	x64JLE = 0x8e
)

func (x *x64) emitJmpImm32(imm int32) {
	x.emit8(0xe9)
	x.emit32(uint32(imm - 5))
}

func (x *x64) emitJmpImm64(imm uint64) {
	x.emitMovRegImm(x64Scratch, int64(imm))
	x.emitJmpReg(x64Scratch)
}

func (x *x64) emitJmpReg(rs byte) {
	x.emit8(x64RexW | rexAdjM(rs))
	x.emit8(0xff)
	x.emit8(x64ModR | 0b100<<3 | regBase(rs))
}

func (x *x64) emitPushReg(rs byte) {
	if regBase(rs) != rs {
		x.emit8(x64RexB)
	}
	x.emit8(0x50 | regBase(rs))
}

func (x *x64) emitPopReg(rd byte) {
	if regBase(rd) != rd {
		x.emit8(x64RexB)
	}
	x.emit8(0x58 | regBase(rd))
}

func (x *x64) emitRet() { x.emit8(0xc3) }

// emitHostEntry saves the SysV callee-saved registers and parks the host
// stack pointer in the state block; rsp then becomes the VM stack pointer.
func (x *x64) emitHostEntry() {
	x.emitPushReg(x64RBP)
	x.emitPushReg(x64RBX)
	x.emitPushReg(x64R12)
	x.emitPushReg(x64R13)
	x.emitPushReg(x64R14)
	x.emitPushReg(x64R15)

	x.emitMovRegImm(x64Scratch, int64(x.stateAddr()))
	x.emitMovB8dReg(x64Scratch, stateHostSPOff, x64RSP)
}

func (x *x64) emitHostExit() {
	x.emitMovRegImm(x64Scratch, int64(x.stateAddr()))
	x.emitMovRegB8d(x64RSP, x64Scratch, stateHostSPOff)

	x.emitPopReg(x64R15)
	x.emitPopReg(x64R14)
	x.emitPopReg(x64R13)
	x.emitPopReg(x64R12)
	x.emitPopReg(x64RBX)
	x.emitPopReg(x64RBP)

	x.emitRet()
}

// emitVMRegSave stores r0..r12 and the VM sp to the dump area.
func (x *x64) emitVMRegSave() {
	x.emitMovRegImm(x64Scratch, int64(x.stateAddr()))
	for vr := 0; vr < numGPRs; vr++ {
		x.emitMovB32dReg(x64Scratch, int32(stateDumpOff+8*vr), x.asArchReg(byte(vr)))
	}
	x.emitMovB32dReg(x64Scratch, int32(stateDumpOff+8*dumpSPSlot), x64RSP)
}

// emitSysEnterStub emits the syscall gate; see the AArch64 counterpart for
// the protocol. Linear host entry skips over it via the leading jump.
func (x *x64) emitSysEnterStub() {
	pj0 := x.jpos.arch
	x.jpos.arch += 5

	x.stubAddr = x.hostAddr()
	x.recordAddrMapping()
	x.emitVMRegSave()
	x.emitHostExit()
	pn0 := x.jpos.arch

	x.jpos.arch = pj0
	x.emitJmpImm32(int32(pn0 - pj0))
	x.jpos.arch = pn0

	x.jpos.vm += progStart
}

func (x *x64) emitRegInit() {
	for vr := 0; vr < numGPRs; vr++ {
		x.emitMovRegImm32(x.asArchReg(byte(vr)), 0)
	}
	x.emitMovRegImm(x64RSP, int64(x.stackTop()))
}

func (x *x64) emitVMExitGuard() {
	x.emitMovRegImm32(x64Scratch, 0)
	x.emitPushReg(x64Scratch)
	x.emitCallImm64(uint64(x.stubAddr))
}

// emitHostResume is the re-entry block: host prologue, VM register file
// reload from the dump area, jump to the saved resume address.
func (x *x64) emitHostResume() {
	x.emitHostEntry()

	for vr := 0; vr < numGPRs; vr++ {
		x.emitMovRegB32d(x.asArchReg(byte(vr)), x64Scratch, int32(stateDumpOff+8*vr))
	}
	x.emitMovRegB32d(x64RSP, x64Scratch, int32(stateDumpOff+8*dumpSPSlot))
	x.emitMovRegB8d(x64Scratch, x64Scratch, stateResumeOff)
	x.emitJmpReg(x64Scratch)
}

func (x *x64) translateOne() {
	prog := x.prog
	pos := x.jpos.vm
	var idd decodeRecord

	switch op := opcodeOf(prog[pos]); op {
	case Load:
		idd.dst = dstOf(prog[pos+1])
		idd.src = srcOf(prog[pos+1])
		idd.idx = imm16s(prog[pos+2:])
		x.emitMovRegB32d(x.asArchReg(idd.dst), x.asArchReg(idd.src), int32(idd.idx))
		x.finishInstr(idd, 4)

	case Store:
		idd.dst = dstOf(prog[pos+1])
		idd.src = srcOf(prog[pos+1])
		idd.idx = imm16s(prog[pos+2:])
		x.emitMovB32dReg(x.asArchReg(idd.dst), int32(idd.idx), x.asArchReg(idd.src))
		x.finishInstr(idd, 4)

	case Mov:
		idd.am = modeOf(prog[pos])
		idd.dst = dstOf(prog[pos+1])
		if idd.am == amReg {
			idd.src = srcOf(prog[pos+1])
			x.emitMovRegReg(x.asArchReg(idd.dst), x.asArchReg(idd.src))
			x.finishInstr(idd, 2)
		} else {
			idd.ivs = imm64s(prog[pos+2:])
			x.emitMovRegImm(x.asArchReg(idd.dst), idd.ivs)
			x.finishInstr(idd, 10)
		}

	case Add:
		x.translateArith(&idd, x.emitAddRegReg)
	case Sub:
		x.translateArith(&idd, x.emitSubRegReg)
	case And:
		x.translateArith(&idd, x.emitAndRegReg)
	case Or:
		x.translateArith(&idd, x.emitOrRegReg)
	case Xor:
		x.translateArith(&idd, x.emitXorRegReg)

	case Not:
		idd.dst = dstOf(prog[pos+1])
		x.emitNotReg(x.asArchReg(idd.dst))
		x.finishInstr(idd, 2)

	case Cmp:
		idd.am = modeOf(prog[pos])
		idd.dst = dstOf(prog[pos+1])
		if idd.am == amReg {
			idd.src = srcOf(prog[pos+1])
			x.emitCmpRegReg(x.asArchReg(idd.dst), x.asArchReg(idd.src))
			x.finishInstr(idd, 2)
		} else {
			idd.ivs = imm64s(prog[pos+2:])
			x.emitCmpRegImm64(x.asArchReg(idd.dst), idd.ivs)
			x.finishInstr(idd, 10)
		}

	case Push:
		idd.dst = dstOf(prog[pos+1])
		x.emitPushReg(x.asArchReg(idd.dst))
		x.finishInstr(idd, 2)

	case Pop:
		idd.dst = dstOf(prog[pos+1])
		x.emitPopReg(x.asArchReg(idd.dst))
		x.finishInstr(idd, 2)

	case Call:
		idd.ivu = imm64u(prog[pos+1:])
		if aa, ok := x.asArchAddr(idd.ivu); ok {
			x.emitCallImm64(uint64(aa))
		} else {
			x.deferSite(x64CallBytes)
		}
		x.finishInstr(idd, 9)

	case Ret:
		x.emitRet()
		x.finishInstr(idd, 1)

	case Jmp:
		idd.ivu = imm64u(prog[pos+1:])
		if aa, ok := x.asArchAddr(idd.ivu); ok {
			x.emitJmpImm64(uint64(aa))
		} else {
			x.deferSite(x64JmpBytes)
		}
		x.finishInstr(idd, 9)

	case Jmpeq:
		x.translateJmpcc(&idd, x64JE)
	case Jmpne:
		x.translateJmpcc(&idd, x64JNE)
	case Jmpgt:
		x.translateJmpcc(&idd, x64JG)
	case Jmplt:
		x.translateJmpcc(&idd, x64JL)
	case Jmpge:
		x.translateJmpcc(&idd, x64JGE)
	case Jmple:
		x.translateJmpcc(&idd, x64JLE)

	default:
		x.failTranslation(errors.Errorf("unsupported instruction '0x%02x'", byte(op)))
	}
}

func (x *x64) translateArith(idd *decodeRecord, emitRR func(rd, rs byte)) {
	prog := x.prog
	pos := x.jpos.vm
	idd.am = modeOf(prog[pos])
	idd.dst = dstOf(prog[pos+1])
	if idd.am == amReg {
		idd.src = srcOf(prog[pos+1])
		emitRR(x.asArchReg(idd.dst), x.asArchReg(idd.src))
		x.finishInstr(*idd, 2)
	} else {
		idd.ivs = imm64s(prog[pos+2:])
		x.emitArithRegImm64(emitRR, x.asArchReg(idd.dst), idd.ivs)
		x.finishInstr(*idd, 10)
	}
}

func (x *x64) translateJmpcc(idd *decodeRecord, cc byte) {
	idd.ivu = imm64u(x.prog[x.jpos.vm+1:])
	if aa, ok := x.asArchAddr(idd.ivu); ok {
		x.emitJccImm32(cc, int32(int64(aa)-int64(x.hostAddr())))
	} else {
		x.deferSite(x64JmpccBytes)
	}
	x.finishInstr(*idd, 9)
}

func (x *x64) disasm(code []byte, pc uint64) (string, int) {
	inst, err := x86asm.Decode(code, 64)
	if err != nil {
		return fmt.Sprintf(".byte 0x%02x", code[0]), 1
	}
	return x86asm.GNUSyntax(inst, pc, nil), inst.Len
}
