package vm

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
	"golang.org/x/arch/arm64/arm64asm"
)

// AArch64 code generation. Every emitted instruction is one 32-bit word
// assembled from the opcode masks below OR'ed with register and immediate
// fields.
//
// Register binding: r0..r8 live in x27..x19, r9..r12 in x15..x12, the VM
// stack pointer in x10, with x11 as scratch. x28 is the Go runtime's
// goroutine register and x18 the platform register; neither is touched
// while guest code runs. The binding is fixed for the lifetime of the
// block so call/ret need no save or restore around guest control flow.

const (
	a64VMSP    = 10
	a64Scratch = 11
	a64FP      = 29
	a64LR      = 30
	a64ZR      = 31
)

var a64VMReg = [numRegs]byte{
	27, 26, 25, 24, 23, 22, 21, 20, 19, // r0..r8
	15, 14, 13, 12, // r9..r12
	a64ZR,   // flags: never a template operand
	a64VMSP, // sp
	a64ZR,   // pc: never a template operand
}

// Instruction words with all register/immediate fields zero.
const (
	a64AddImm   = 0x91000000
	a64AddsEreg = 0xab200000
	a64SubsEreg = 0xeb200000
	a64AndSreg  = 0x8a000000
	a64OrrSreg  = 0xaa000000
	a64OrnSreg  = 0xaa200000
	a64EorSreg  = 0xca000000
	a64Movz     = 0xd2800000
	a64Movk     = 0xf2800000
	a64Adr      = 0x10000000
	a64B        = 0x14000000
	a64BCond    = 0x54000000
	a64Br       = 0xd61f0000
	a64Ret      = 0xd65f0000
	a64Nop      = 0xd503201f
	a64StpPre   = 0xa9800000
	a64LdpPost  = 0xa8c00000
	a64StrPre   = 0xf8000c00
	a64StrPost  = 0xf8000400
	a64LdrPost  = 0xf8400400
	a64StrUoff  = 0xf9000000
	a64LdrUoff  = 0xf9400000
)

// Extension for the add/subtract extended-register forms.
const a64SXTX = 0b111

// Condition codes for B.cond.
const (
	a64CondEQ = 0b0000
	a64CondNE = 0b0001
	a64CondGE = 0b1010
	a64CondLT = 0b1011
	a64CondGT = 0b1100
	a64CondLE = 0b1101
)

// Fixed emission lengths, in words, for control flow with unresolved
// targets. The resolved forms never exceed them.
const (
	a64CallWords  = 7 // adr + push + 4-word immediate + br
	a64JmpWords   = 5 // 4-word immediate + br
	a64JmpccWords = 1
)

type a64 struct {
	*jit
}

func newA64(j *jit) codegen {
	j.debugf("\ttype 'AArch64 JIT'\n")
	return &a64{jit: j}
}

func (a *a64) asArchReg(vr byte) byte { return a64VMReg[vr] }

func (a *a64) emitNop() { a.emit32(a64Nop) }

func (a *a64) emitAddImm(rd, rn byte, imm uint16) {
	a.emit32(a64AddImm | uint32(imm&0xfff)<<10 | uint32(rn)<<5 | uint32(rd))
}

func (a *a64) emitAddsEreg(rd, rn, rm byte) {
	a.emit32(a64AddsEreg | uint32(rm)<<16 | a64SXTX<<13 | uint32(rn)<<5 | uint32(rd))
}

func (a *a64) emitSubsEreg(rd, rn, rm byte) {
	a.emit32(a64SubsEreg | uint32(rm)<<16 | a64SXTX<<13 | uint32(rn)<<5 | uint32(rd))
}

func (a *a64) emitAdr(rd byte, imm int32) {
	immhi := uint32(imm&0x001ffffc) >> 2
	immlo := uint32(imm & 0b11)
	a.emit32(a64Adr | immlo<<29 | immhi<<5 | uint32(rd))
}

func (a *a64) emitAndSreg(rd, rn, rm byte) {
	a.emit32(a64AndSreg | uint32(rm)<<16 | uint32(rn)<<5 | uint32(rd))
}

func (a *a64) emitOrrSreg(rd, rn, rm byte) {
	a.emit32(a64OrrSreg | uint32(rm)<<16 | uint32(rn)<<5 | uint32(rd))
}

func (a *a64) emitOrnSreg(rd, rn, rm byte) {
	a.emit32(a64OrnSreg | uint32(rm)<<16 | uint32(rn)<<5 | uint32(rd))
}

func (a *a64) emitEorSreg(rd, rn, rm byte) {
	a.emit32(a64EorSreg | uint32(rm)<<16 | uint32(rn)<<5 | uint32(rd))
}

func (a *a64) emitMovz(rd byte, shift uint8, imm uint16) {
	a.emit32(a64Movz | uint32(shift>>4)<<21 | uint32(imm)<<5 | uint32(rd))
}

func (a *a64) emitMovk(rd byte, shift uint8, imm uint16) {
	a.emit32(a64Movk | uint32(shift>>4)<<21 | uint32(imm)<<5 | uint32(rd))
}

func (a *a64) emitStpPre(rt1, rt2, rb byte, imm int32) {
	a.emit32(a64StpPre | uint32((imm>>3)&0x7f)<<15 | uint32(rt2)<<10 | uint32(rb)<<5 | uint32(rt1))
}

func (a *a64) emitLdpPost(rt1, rt2, rb byte, imm int32) {
	a.emit32(a64LdpPost | uint32((imm>>3)&0x7f)<<15 | uint32(rt2)<<10 | uint32(rb)<<5 | uint32(rt1))
}

func (a *a64) emitStrPre(rt, rb byte, imm int16) {
	a.emit32(a64StrPre | uint32(imm&0x1ff)<<12 | uint32(rb)<<5 | uint32(rt))
}

func (a *a64) emitStrPost(rt, rb byte, imm int16) {
	a.emit32(a64StrPost | uint32(imm&0x1ff)<<12 | uint32(rb)<<5 | uint32(rt))
}

func (a *a64) emitLdrPost(rt, rb byte, imm int16) {
	a.emit32(a64LdrPost | uint32(imm&0x1ff)<<12 | uint32(rb)<<5 | uint32(rt))
}

// emitStrUoff and emitLdrUoff scale the offset by the 8-byte access size.
func (a *a64) emitStrUoff(rt, rb byte, imm uint16) {
	a.emit32(a64StrUoff | uint32(imm&0xfff)<<10 | uint32(rb)<<5 | uint32(rt))
}

func (a *a64) emitLdrUoff(rt, rb byte, imm uint16) {
	a.emit32(a64LdrUoff | uint32(imm&0xfff)<<10 | uint32(rb)<<5 | uint32(rt))
}

// emitB and emitBCond take displacements in words.
func (a *a64) emitB(imm int32) {
	a.emit32(a64B | uint32(imm)&0x03ffffff)
}

func (a *a64) emitBCond(cond byte, imm int32) {
	a.emit32(a64BCond | (uint32(imm)&0x7ffff)<<5 | uint32(cond))
}

func (a *a64) emitBr(rn byte) { a.emit32(a64Br | uint32(rn)<<5) }
func (a *a64) emitRet()       { a.emit32(a64Ret | uint32(a64LR)<<5) }

// emitMovRegImm materializes a full 64-bit value with a movz followed by up
// to three movk slices. Emission stops as soon as the remaining (sign
// extended) value is exhausted, so small non-negative values take a single
// word; negative values never exhaust and always take all four.
func (a *a64) emitMovRegImm(rd byte, imm int64) {
	a.emitMovz(rd, 0, uint16(imm))
	imm >>= 16
	if imm == 0 {
		return
	}
	a.emitMovk(rd, 16, uint16(imm))
	imm >>= 16
	if imm == 0 {
		return
	}
	a.emitMovk(rd, 32, uint16(imm))
	imm >>= 16
	if imm == 0 {
		return
	}
	a.emitMovk(rd, 48, uint16(imm))
}

func (a *a64) emitMovRegReg(rd, rs byte) {
	a.emitOrrSreg(rd, a64ZR, rs)
}

// emitCmpRegImm always materializes the immediate into the scratch register
// so arbitrary 64-bit values compare correctly.
func (a *a64) emitCmpRegImm(rs byte, imm int64) {
	a.emitMovRegImm(a64Scratch, imm)
	a.emitSubsEreg(a64ZR, rs, a64Scratch)
}

func (a *a64) emitCmpRegReg(rs1, rs2 byte) {
	a.emitSubsEreg(a64ZR, rs1, rs2)
}

func (a *a64) emitPushReg(rs byte) {
	a.emitStrPre(rs, a64VMSP, -8)
}

func (a *a64) emitPopReg(rd byte) {
	a.emitLdrPost(rd, a64VMSP, 8)
}

// emitHostEntry saves the frame and every AAPCS64 callee-saved pair, then
// falls through toward the register init. The resume entry reuses it.
func (a *a64) emitHostEntry() {
	a.emitStpPre(a64FP, a64LR, a64ZR, -16) // rb 31 is sp in this form
	a.emitAddImm(a64FP, 31, 0)

	a.emitStpPre(19, 20, 31, -16)
	a.emitStpPre(21, 22, 31, -16)
	a.emitStpPre(23, 24, 31, -16)
	a.emitStpPre(25, 26, 31, -16)
	a.emitStpPre(27, 28, 31, -16)
}

func (a *a64) emitHostExit() {
	a.emitLdpPost(27, 28, 31, 16)
	a.emitLdpPost(25, 26, 31, 16)
	a.emitLdpPost(23, 24, 31, 16)
	a.emitLdpPost(21, 22, 31, 16)
	a.emitLdpPost(19, 20, 31, 16)

	a.emitLdpPost(a64FP, a64LR, 31, 16)
	a.emitRet()
}

// emitVMRegSave stores r0..r12 and the VM sp to the dump area.
func (a *a64) emitVMRegSave() {
	a.emitMovRegImm(a64Scratch, int64(a.dumpAddr()))
	for vr := 0; vr < numGPRs; vr++ {
		a.emitStrPost(a.asArchReg(byte(vr)), a64Scratch, 8)
	}
	a.emitStrPost(a64VMSP, a64Scratch, 8)
}

// emitSysEnterStub emits the syscall gate. Guest code reaches it through
// call 0; it dumps the VM register file and unwinds back to the host
// caller, which services the syscall and re-enters through the resume
// entry. Linear host entry skips over it via the leading branch.
func (a *a64) emitSysEnterStub() {
	pj0 := a.jpos.arch
	a.jpos.arch += 4

	a.stubAddr = a.hostAddr()
	a.recordAddrMapping()
	a.emitVMRegSave()
	a.emitHostExit()
	pn0 := a.jpos.arch

	a.jpos.arch = pj0
	a.emitB(int32(pn0-pj0) / 4)
	a.jpos.arch = pn0

	a.jpos.vm += progStart
}

func (a *a64) emitRegInit() {
	for vr := 0; vr < numGPRs; vr++ {
		a.emitMovRegImm(a.asArchReg(byte(vr)), 0)
	}
	a.emitMovRegImm(a64VMSP, int64(a.stackTop()))
}

// emitVMExitGuard pushes a VM-exit syscall frame and enters the stub, so a
// program that runs past its last instruction still leaves through the
// normal exit path.
func (a *a64) emitVMExitGuard() {
	a.emitMovz(a64Scratch, 0, 0)
	a.emitPushReg(a64Scratch)

	a.emitAdr(a64Scratch, 12)
	a.emitPushReg(a64Scratch)
	a.emitB(int32(int64(a.stubAddr)-int64(a.hostAddr())) / 4)
}

// emitHostResume is the re-entry block: host prologue, VM register file
// reload from the dump area, branch to the saved resume address.
func (a *a64) emitHostResume() {
	a.emitHostEntry()

	a.emitMovRegImm(a64Scratch, int64(a.dumpAddr()))
	for vr := 0; vr < numGPRs; vr++ {
		a.emitLdrPost(a.asArchReg(byte(vr)), a64Scratch, 8)
	}
	a.emitLdrPost(a64VMSP, a64Scratch, 8)

	a.emitMovRegImm(a64Scratch, int64(a.stateAddr()))
	a.emitLdrUoff(a64Scratch, a64Scratch, stateResumeOff/8)
	a.emitBr(a64Scratch)
}

func (a *a64) translateOne() {
	prog := a.prog
	pos := a.jpos.vm
	var idd decodeRecord

	switch op := opcodeOf(prog[pos]); op {
	case Load:
		idd.dst = dstOf(prog[pos+1])
		idd.src = srcOf(prog[pos+1])
		idd.idx = imm16s(prog[pos+2:])
		a.emitMovRegImm(a64Scratch, int64(idd.idx))
		a.emitAddsEreg(a64Scratch, a.asArchReg(idd.src), a64Scratch)
		a.emitLdrUoff(a.asArchReg(idd.dst), a64Scratch, 0)
		a.finishInstr(idd, 4)

	case Store:
		idd.dst = dstOf(prog[pos+1])
		idd.src = srcOf(prog[pos+1])
		idd.idx = imm16s(prog[pos+2:])
		a.emitMovRegImm(a64Scratch, int64(idd.idx))
		a.emitAddsEreg(a64Scratch, a.asArchReg(idd.dst), a64Scratch)
		a.emitStrUoff(a.asArchReg(idd.src), a64Scratch, 0)
		a.finishInstr(idd, 4)

	case Mov:
		idd.am = modeOf(prog[pos])
		idd.dst = dstOf(prog[pos+1])
		if idd.am == amReg {
			idd.src = srcOf(prog[pos+1])
			a.emitMovRegReg(a.asArchReg(idd.dst), a.asArchReg(idd.src))
			a.finishInstr(idd, 2)
		} else {
			idd.ivs = imm64s(prog[pos+2:])
			a.emitMovRegImm(a.asArchReg(idd.dst), idd.ivs)
			a.finishInstr(idd, 10)
		}

	case Add:
		a.translateArith(&idd, a.emitAddsEreg)
	case Sub:
		a.translateArith(&idd, a.emitSubsEreg)
	case And:
		a.translateArith(&idd, a.emitAndSreg)
	case Or:
		a.translateArith(&idd, a.emitOrrSreg)
	case Xor:
		a.translateArith(&idd, a.emitEorSreg)

	case Not:
		idd.dst = dstOf(prog[pos+1])
		a.emitOrnSreg(a.asArchReg(idd.dst), a64ZR, a.asArchReg(idd.dst))
		a.finishInstr(idd, 2)

	case Cmp:
		idd.am = modeOf(prog[pos])
		idd.dst = dstOf(prog[pos+1])
		if idd.am == amReg {
			idd.src = srcOf(prog[pos+1])
			a.emitCmpRegReg(a.asArchReg(idd.dst), a.asArchReg(idd.src))
			a.finishInstr(idd, 2)
		} else {
			idd.ivs = imm64s(prog[pos+2:])
			a.emitCmpRegImm(a.asArchReg(idd.dst), idd.ivs)
			a.finishInstr(idd, 10)
		}

	case Push:
		idd.dst = dstOf(prog[pos+1])
		a.emitPushReg(a.asArchReg(idd.dst))
		a.finishInstr(idd, 2)

	case Pop:
		idd.dst = dstOf(prog[pos+1])
		a.emitPopReg(a.asArchReg(idd.dst))
		a.finishInstr(idd, 2)

	case Call:
		idd.ivu = imm64u(prog[pos+1:])
		if aa, ok := a.asArchAddr(idd.ivu); ok {
			// Fixed-length emission: the return address points at the word
			// after the final br, and the immediate materialization is
			// padded to its worst case so the deferred form is identical
			// in size.
			a.emitAdr(a64Scratch, a64CallWords*4)
			a.emitPushReg(a64Scratch)
			padEnd := a.jpos.arch + 4*4
			a.emitMovRegImm(a64Scratch, int64(aa))
			for a.jpos.arch < padEnd {
				a.emitNop()
			}
			a.emitBr(a64Scratch)
		} else {
			a.deferSite(a64CallWords * 4)
		}
		a.finishInstr(idd, 9)

	case Ret:
		a.emitLdrPost(a64LR, a64VMSP, 8)
		a.emitRet()
		a.finishInstr(idd, 1)

	case Jmp:
		idd.ivu = imm64u(prog[pos+1:])
		if aa, ok := a.asArchAddr(idd.ivu); ok {
			a.emitMovRegImm(a64Scratch, int64(aa))
			a.emitBr(a64Scratch)
		} else {
			a.deferSite(a64JmpWords * 4)
		}
		a.finishInstr(idd, 9)

	case Jmpeq:
		a.translateJmpcc(&idd, a64CondEQ)
	case Jmpne:
		a.translateJmpcc(&idd, a64CondNE)
	case Jmpgt:
		a.translateJmpcc(&idd, a64CondGT)
	case Jmplt:
		a.translateJmpcc(&idd, a64CondLT)
	case Jmpge:
		a.translateJmpcc(&idd, a64CondGE)
	case Jmple:
		a.translateJmpcc(&idd, a64CondLE)

	default:
		a.failTranslation(errors.Errorf("unsupported instruction '0x%02x'", byte(op)))
	}
}

func (a *a64) translateArith(idd *decodeRecord, emit func(rd, rn, rm byte)) {
	prog := a.prog
	pos := a.jpos.vm
	idd.am = modeOf(prog[pos])
	idd.dst = dstOf(prog[pos+1])
	if idd.am == amReg {
		idd.src = srcOf(prog[pos+1])
		emit(a.asArchReg(idd.dst), a.asArchReg(idd.dst), a.asArchReg(idd.src))
		a.finishInstr(*idd, 2)
	} else {
		idd.ivs = imm64s(prog[pos+2:])
		a.emitMovRegImm(a64Scratch, idd.ivs)
		emit(a.asArchReg(idd.dst), a.asArchReg(idd.dst), a64Scratch)
		a.finishInstr(*idd, 10)
	}
}

func (a *a64) translateJmpcc(idd *decodeRecord, cond byte) {
	idd.ivu = imm64u(a.prog[a.jpos.vm+1:])
	if aa, ok := a.asArchAddr(idd.ivu); ok {
		a.emitBCond(cond, int32(int64(aa)-int64(a.hostAddr()))/4)
	} else {
		a.deferSite(a64JmpccWords * 4)
	}
	a.finishInstr(*idd, 9)
}

func (a *a64) disasm(code []byte, pc uint64) (string, int) {
	inst, err := arm64asm.Decode(code)
	if err != nil {
		return fmt.Sprintf(".inst 0x%08x", binary.LittleEndian.Uint32(code)), 4
	}
	return arm64asm.GNUSyntax(inst), 4
}
