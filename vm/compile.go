package vm

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Maps from string -> opcode (built from opcodeNames).
var strToOpcode map[string]Opcode

func init() {
	strToOpcode = make(map[string]Opcode, len(opcodeNames))
	for op, s := range opcodeNames {
		strToOpcode[s] = op
	}
}

// Assemble translates assembly text into a program image. The image starts
// with the 9-byte syscall anchor, so the first instruction lands at the
// initial pc. Layout runs first so labels resolve to byte offsets, then a
// second pass encodes every instruction; forward references are free.
func Assemble(src string) ([]byte, error) {
	stmts, err := parseSource(src)
	if err != nil {
		return nil, err
	}

	labels := make(map[string]uint64)
	off := uint64(progStart)
	for _, stmt := range stmts {
		for _, l := range stmt.labels {
			if _, dup := labels[l]; dup {
				return nil, errors.Errorf("line %d: duplicate label '%s'", stmt.line, l)
			}
			labels[l] = off
		}
		if stmt.mnemonic == "" {
			continue
		}
		size, err := stmtSize(stmt)
		if err != nil {
			return nil, err
		}
		off += uint64(size)
	}

	// Syscall anchor: decodes as an unconditional jmp; the engines gate on
	// its address, not its target.
	img := make([]byte, progStart)
	img[0] = byte(Jmp) << 2

	for _, stmt := range stmts {
		if stmt.mnemonic == "" {
			continue
		}
		img, err = encodeStmt(img, stmt, labels)
		if err != nil {
			return nil, err
		}
	}
	return img, nil
}

func stmtOpcode(stmt statement) (Opcode, error) {
	op, ok := strToOpcode[stmt.mnemonic]
	if !ok {
		return 0, errors.Errorf("line %d: unknown instruction '%s'", stmt.line, stmt.mnemonic)
	}
	return op, nil
}

func operandCount(op Opcode) int {
	switch op {
	case Ret:
		return 0
	case Not, Push, Pop, Call, Jmp, Jmpeq, Jmpne, Jmpgt, Jmplt, Jmpge, Jmple:
		return 1
	default:
		return 2
	}
}

// stmtSize computes the encoded length of a statement, classifying the
// addressing mode the same way the encoding pass does.
func stmtSize(stmt statement) (int, error) {
	op, err := stmtOpcode(stmt)
	if err != nil {
		return 0, err
	}
	if len(stmt.operands) != operandCount(op) {
		return 0, errors.Errorf("line %d: %s takes %d operand(s)", stmt.line, op, operandCount(op))
	}

	mode := byte(amReg)
	switch op {
	case Mov, Add, Sub, And, Or, Xor, Cmp:
		if _, ok := parseRegOperand(stmt.operands[1]); !ok {
			mode = amImm
		}
	}
	return encodedLen(op, mode), nil
}

func encodeStmt(img []byte, stmt statement, labels map[string]uint64) ([]byte, error) {
	op, err := stmtOpcode(stmt)
	if err != nil {
		return nil, err
	}

	fail := func(err error) ([]byte, error) {
		return nil, errors.Wrapf(err, "line %d", stmt.line)
	}

	switch op {
	case Load:
		dst, ok := parseRegOperand(stmt.operands[0])
		if !ok {
			return fail(errors.Errorf("unknown register '%s'", stmt.operands[0]))
		}
		src, idx, err := parseMemOperand(stmt.operands[1])
		if err != nil {
			return fail(err)
		}
		return appendMemInstr(img, op, dst, src, idx), nil

	case Store:
		dst, idx, err := parseMemOperand(stmt.operands[0])
		if err != nil {
			return fail(err)
		}
		src, ok := parseRegOperand(stmt.operands[1])
		if !ok {
			return fail(errors.Errorf("unknown register '%s'", stmt.operands[1]))
		}
		return appendMemInstr(img, op, dst, src, idx), nil

	case Mov, Add, Sub, And, Or, Xor, Cmp:
		dst, ok := parseRegOperand(stmt.operands[0])
		if !ok {
			return fail(errors.Errorf("unknown register '%s'", stmt.operands[0]))
		}
		if src, ok := parseRegOperand(stmt.operands[1]); ok {
			return append(img, byte(op)<<2, dst<<4|src), nil
		}
		imm, err := parseImmOperand(stmt.operands[1], nil)
		if err != nil {
			return fail(err)
		}
		img = append(img, byte(op)<<2|amImm, dst<<4)
		return binary.LittleEndian.AppendUint64(img, imm), nil

	case Not, Push, Pop:
		dst, ok := parseRegOperand(stmt.operands[0])
		if !ok {
			return fail(errors.Errorf("unknown register '%s'", stmt.operands[0]))
		}
		return append(img, byte(op)<<2, dst<<4), nil

	case Ret:
		return append(img, byte(op)<<2), nil

	case Call, Jmp, Jmpeq, Jmpne, Jmpgt, Jmplt, Jmpge, Jmple:
		target, err := parseImmOperand(stmt.operands[0], labels)
		if err != nil {
			return fail(err)
		}
		img = append(img, byte(op)<<2)
		return binary.LittleEndian.AppendUint64(img, target), nil
	}
	return fail(errors.Errorf("unknown instruction '%s'", stmt.mnemonic))
}

func appendMemInstr(img []byte, op Opcode, dst, src byte, idx int16) []byte {
	img = append(img, byte(op)<<2, dst<<4|src)
	return binary.LittleEndian.AppendUint16(img, uint16(idx))
}
