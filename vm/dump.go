package vm

import (
	"os"

	"github.com/pkg/errors"
)

const binDumpFile = "jit.bin"

func (j *jit) dumpRegisters() {
	j.debugf("Registers:\n")
	for vr := 0; vr < numGPRs; vr++ {
		j.debugf("\t%-5s = 0x%016x\n", regNames[vr], j.state.dump[vr])
	}
	j.debugf("\t%-5s = %s\n", "flags", "N/A")
	j.debugf("\t%-5s = 0x%016x\n", "sp", j.state.dump[dumpSPSlot])
	j.debugf("\t%-5s = %s\n", "pc", "N/A")
}

// dumpCode writes the raw emitted bytes to the side-channel file, then
// prints a disassembly of the translation block with each guest
// instruction's decode trace interleaved above its first host instruction,
// located through the inverse of the address map.
func (j *jit) dumpCode() error {
	j.debugf("JIT code dump:\n")

	code := j.textMem[:j.codeEnd]
	if err := os.WriteFile(binDumpFile, code, 0o644); err != nil {
		return errors.Wrapf(err, "failed to write file '%s'", binDumpFile)
	}

	aa2va := make(map[uintptr]uint64, len(j.va2aa))
	for va, aa := range j.va2aa {
		if aa != 0 {
			aa2va[aa] = uint64(va)
		}
	}
	for off := 0; off < len(code); {
		addr := j.textAddr() + uintptr(off)
		if va, ok := aa2va[addr]; ok && va != 0 {
			if idd, ok := j.va2idd[va]; ok {
				j.debugf("\n")
				j.debugf("vm >\t%s\n", formatDecode(j.prog, &idd))
				j.debugf("\n")
			}
		}
		text, size := j.cg.disasm(code[off:], uint64(addr))
		j.debugf("\t%x:\t%s\n", addr, text)
		off += size
	}

	if err := os.Remove(binDumpFile); err != nil {
		return errors.Wrapf(err, "failed to delete file '%s'", binDumpFile)
	}
	return nil
}
