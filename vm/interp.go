package vm

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

// interp executes the program image directly. Guest memory is a plain byte
// slice; registers hold byte offsets into it.
type interp struct {
	config
	mem []byte
	reg [numRegs]uint64
}

func newInterp(cfg config) *interp {
	cfg.debugf("\ttype 'interpreter'\n")
	return &interp{config: cfg}
}

func (i *interp) Execute() error { return runPhases(i) }

func (i *interp) Registers() Registers {
	var r Registers
	copy(r.R[:], i.reg[:numGPRs])
	r.SP = i.reg[rSP]
	return r
}

func (i *interp) StackUsed() uint64 { return i.memSize - i.reg[rSP] }

func (i *interp) initExecution() error {
	i.debugf("Initializing memory ...\n")
	i.mem = make([]byte, i.memSize)
	i.debugf("\tmemory [0x%x]\n", i.memSize)

	i.debugf("Initializing registers ...\n")
	i.reg = [numRegs]uint64{}
	i.reg[rSP] = i.memSize
	i.reg[rPC] = progStart
	return nil
}

func (i *interp) loadProgram() error {
	i.debugf("Loading program ...\n")
	copy(i.mem, i.prog)
	return nil
}

func (i *interp) finiExecution() error {
	i.mem = nil
	if i.debug {
		i.dumpRegisters()
	}
	return nil
}

func (i *interp) read64(addr uint64) (uint64, error) {
	if addr > i.memSize-8 {
		return 0, errors.Errorf("memory read out of range at 0x%x", addr)
	}
	return binary.LittleEndian.Uint64(i.mem[addr:]), nil
}

func (i *interp) write64(addr, val uint64) error {
	if addr > i.memSize-8 {
		return errors.Errorf("memory write out of range at 0x%x", addr)
	}
	binary.LittleEndian.PutUint64(i.mem[addr:], val)
	return nil
}

func (i *interp) trace(idd *decodeRecord) {
	if i.debug {
		idd.addr = i.reg[rPC]
		fmt.Fprintf(i.out, "[DEBUG] vm >\t%s\n", formatDecode(i.mem, idd))
	}
}

// execProgram is the dispatch loop. Each iteration decodes the instruction
// at pc, mutates state and advances pc by the instruction's encoded length;
// taken branches assign pc absolutely.
func (i *interp) execProgram() (err error) {
	// A runaway program can walk pc or sp off the end of memory; surface
	// that as a fault instead of crashing the host.
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("segmentation fault: %v", r)
		}
	}()

	if uint64(len(i.prog)) <= i.reg[rPC] {
		return nil
	}

	i.debugf("Running program ...\n")

	reg := &i.reg
	var idd decodeRecord

	for {
		pc := reg[rPC]
		op := opcodeOf(i.mem[pc])

		switch op {
		case Load:
			idd = decodeRecord{dst: dstOf(i.mem[pc+1]), src: srcOf(i.mem[pc+1]), idx: imm16s(i.mem[pc+2:])}
			i.trace(&idd)
			val, err := i.read64(reg[idd.src] + uint64(int64(idd.idx)))
			if err != nil {
				return err
			}
			reg[idd.dst] = val
			reg[rPC] += 4

		case Store:
			idd = decodeRecord{dst: dstOf(i.mem[pc+1]), src: srcOf(i.mem[pc+1]), idx: imm16s(i.mem[pc+2:])}
			i.trace(&idd)
			if err := i.write64(reg[idd.dst]+uint64(int64(idd.idx)), reg[idd.src]); err != nil {
				return err
			}
			reg[rPC] += 4

		case Mov:
			idd = decodeRecord{am: modeOf(i.mem[pc]), dst: dstOf(i.mem[pc+1])}
			if idd.am == amReg {
				idd.src = srcOf(i.mem[pc+1])
				i.trace(&idd)
				reg[idd.dst] = reg[idd.src]
				reg[rPC] += 2
			} else {
				idd.ivs = imm64s(i.mem[pc+2:])
				i.trace(&idd)
				reg[idd.dst] = uint64(idd.ivs)
				reg[rPC] += 10
			}

		case Add:
			idd = decodeRecord{am: modeOf(i.mem[pc]), dst: dstOf(i.mem[pc+1])}
			if idd.am == amReg {
				idd.src = srcOf(i.mem[pc+1])
				i.trace(&idd)
				reg[idd.dst] = uint64(int64(reg[idd.dst]) + int64(reg[idd.src]))
				reg[rPC] += 2
			} else {
				idd.ivs = imm64s(i.mem[pc+2:])
				i.trace(&idd)
				reg[idd.dst] = uint64(int64(reg[idd.dst]) + idd.ivs)
				reg[rPC] += 10
			}

		case Sub:
			idd = decodeRecord{am: modeOf(i.mem[pc]), dst: dstOf(i.mem[pc+1])}
			if idd.am == amReg {
				idd.src = srcOf(i.mem[pc+1])
				i.trace(&idd)
				reg[idd.dst] = uint64(int64(reg[idd.dst]) - int64(reg[idd.src]))
				reg[rPC] += 2
			} else {
				idd.ivs = imm64s(i.mem[pc+2:])
				i.trace(&idd)
				reg[idd.dst] = uint64(int64(reg[idd.dst]) - idd.ivs)
				reg[rPC] += 10
			}

		case And:
			idd = decodeRecord{am: modeOf(i.mem[pc]), dst: dstOf(i.mem[pc+1])}
			if idd.am == amReg {
				idd.src = srcOf(i.mem[pc+1])
				i.trace(&idd)
				reg[idd.dst] &= reg[idd.src]
				reg[rPC] += 2
			} else {
				idd.ivu = imm64u(i.mem[pc+2:])
				i.trace(&idd)
				reg[idd.dst] &= idd.ivu
				reg[rPC] += 10
			}

		case Or:
			idd = decodeRecord{am: modeOf(i.mem[pc]), dst: dstOf(i.mem[pc+1])}
			if idd.am == amReg {
				idd.src = srcOf(i.mem[pc+1])
				i.trace(&idd)
				reg[idd.dst] |= reg[idd.src]
				reg[rPC] += 2
			} else {
				idd.ivu = imm64u(i.mem[pc+2:])
				i.trace(&idd)
				reg[idd.dst] |= idd.ivu
				reg[rPC] += 10
			}

		case Xor:
			idd = decodeRecord{am: modeOf(i.mem[pc]), dst: dstOf(i.mem[pc+1])}
			if idd.am == amReg {
				idd.src = srcOf(i.mem[pc+1])
				i.trace(&idd)
				reg[idd.dst] ^= reg[idd.src]
				reg[rPC] += 2
			} else {
				idd.ivu = imm64u(i.mem[pc+2:])
				i.trace(&idd)
				reg[idd.dst] ^= idd.ivu
				reg[rPC] += 10
			}

		case Not:
			idd = decodeRecord{dst: dstOf(i.mem[pc+1])}
			i.trace(&idd)
			reg[idd.dst] = ^reg[idd.dst]
			reg[rPC] += 2

		case Cmp:
			idd = decodeRecord{am: modeOf(i.mem[pc]), dst: dstOf(i.mem[pc+1])}
			var rhs int64
			if idd.am == amReg {
				idd.src = srcOf(i.mem[pc+1])
				i.trace(&idd)
				rhs = int64(reg[idd.src])
				reg[rPC] += 2
			} else {
				idd.ivs = imm64s(i.mem[pc+2:])
				i.trace(&idd)
				rhs = idd.ivs
				reg[rPC] += 10
			}
			lhs := int64(reg[idd.dst])
			reg[rFlags] = 0
			switch {
			case lhs < rhs:
				reg[rFlags] |= flagLT
			case lhs > rhs:
				reg[rFlags] |= flagGT
			default:
				reg[rFlags] |= flagEQ
			}

		case Push:
			idd = decodeRecord{dst: dstOf(i.mem[pc+1])}
			i.trace(&idd)
			reg[rSP] -= 8
			if err := i.write64(reg[rSP], reg[idd.dst]); err != nil {
				return err
			}
			reg[rPC] += 2

		case Pop:
			idd = decodeRecord{dst: dstOf(i.mem[pc+1])}
			i.trace(&idd)
			val, err := i.read64(reg[rSP])
			if err != nil {
				return err
			}
			reg[idd.dst] = val
			reg[rSP] += 8
			reg[rPC] += 2

		case Call:
			idd = decodeRecord{ivu: imm64u(i.mem[pc+1:])}
			i.trace(&idd)
			reg[rSP] -= 8
			if err := i.write64(reg[rSP], reg[rPC]+9); err != nil {
				return err
			}
			reg[rPC] = idd.ivu

		case Ret:
			idd = decodeRecord{}
			i.trace(&idd)
			val, err := i.read64(reg[rSP])
			if err != nil {
				return err
			}
			reg[rPC] = val
			reg[rSP] += 8

		case Jmp:
			idd = decodeRecord{ivu: imm64u(i.mem[pc+1:])}
			i.trace(&idd)
			if pc == sysEnterAddr {
				id, err := i.read64(reg[rSP] + 8)
				if err != nil {
					return err
				}
				if id == syscallVMExit {
					reg[rSP] += 16
					return nil
				}
				if err := i.sysEnter(id); err != nil {
					return err
				}
				// The handler left the saved pc on top of the stack; take
				// the ret path back to the caller.
				val, err := i.read64(reg[rSP])
				if err != nil {
					return err
				}
				reg[rPC] = val
				reg[rSP] += 8
			} else {
				reg[rPC] = idd.ivu
			}

		case Jmpeq:
			idd = decodeRecord{ivu: imm64u(i.mem[pc+1:])}
			i.trace(&idd)
			i.jumpIf(reg[rFlags]&flagEQ != 0, idd.ivu)
		case Jmpne:
			idd = decodeRecord{ivu: imm64u(i.mem[pc+1:])}
			i.trace(&idd)
			i.jumpIf(reg[rFlags]&flagEQ == 0, idd.ivu)
		case Jmpgt:
			idd = decodeRecord{ivu: imm64u(i.mem[pc+1:])}
			i.trace(&idd)
			i.jumpIf(reg[rFlags]&flagGT != 0, idd.ivu)
		case Jmplt:
			idd = decodeRecord{ivu: imm64u(i.mem[pc+1:])}
			i.trace(&idd)
			i.jumpIf(reg[rFlags]&flagLT != 0, idd.ivu)
		case Jmpge:
			idd = decodeRecord{ivu: imm64u(i.mem[pc+1:])}
			i.trace(&idd)
			i.jumpIf(reg[rFlags]&(flagGT|flagEQ) != 0, idd.ivu)
		case Jmple:
			idd = decodeRecord{ivu: imm64u(i.mem[pc+1:])}
			i.trace(&idd)
			i.jumpIf(reg[rFlags]&(flagLT|flagEQ) != 0, idd.ivu)

		default:
			return errors.Errorf("unsupported instruction '0x%02x'", byte(op))
		}
	}
}

func (i *interp) jumpIf(taken bool, target uint64) {
	if taken {
		i.reg[rPC] = target
	} else {
		i.reg[rPC] += 9
	}
}

// sysEnter handles the display syscalls. The stack at entry holds the saved
// return pc, the syscall id and the argument word, bottom to top at sp,
// sp+8 and sp+16. The argument slot is overwritten with the saved pc and sp
// advances past both consumed slots.
func (i *interp) sysEnter(id uint64) error {
	sp := i.reg[rSP]
	switch id {
	case syscallVMExit:
		return errors.New("internal error: VM exit must not reach the syscall handler")
	case syscallDisplaySInt, syscallDisplayUInt:
		val, err := i.read64(sp + 16)
		if err != nil {
			return err
		}
		if id == syscallDisplaySInt {
			fmt.Fprintln(i.out, int64(val))
		} else {
			fmt.Fprintln(i.out, val)
		}
		ret, err := i.read64(sp)
		if err != nil {
			return err
		}
		if err := i.write64(sp+16, ret); err != nil {
			return err
		}
		i.reg[rSP] += 16
		return nil
	default:
		return errors.Errorf("unsupported syscall ID '%d'", id)
	}
}

func (i *interp) dumpRegisters() {
	i.debugf("Registers:\n")
	for r := 0; r < numGPRs; r++ {
		i.debugf("\t%-5s = 0x%016x\n", regNames[r], i.reg[r])
	}
	i.debugf("\t%-5s = 0x%016x\n", "flags", i.reg[rFlags])
	i.debugf("\t%-5s = 0x%016x\n", "sp", i.reg[rSP])
	i.debugf("\t%-5s = 0x%016x\n", "pc", i.reg[rPC])
}
