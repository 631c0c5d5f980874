package vm

import (
	"encoding/binary"
	"fmt"
	"runtime"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// jitState is the fixed-layout block of engine storage the emitted code
// addresses directly. hostSP holds the host stack pointer across guest
// execution, resume the host code address the next re-entry branches to,
// and dump the VM register file (r0..r12, sp) written by the sys_enter
// stub and read back by the resume entry.
//
// The offsets below are baked into emitted instructions; keep them in sync.
type jitState struct {
	hostSP uint64
	resume uint64
	dump   [numGPRs + 1]uint64
}

const (
	stateHostSPOff = 0
	stateResumeOff = 8
	stateDumpOff   = 16

	dumpSPSlot = numGPRs
)

// jitPos is a translation cursor pair: a guest byte offset and the matching
// host offset into the text buffer.
type jitPos struct {
	vm   uint64
	arch int
}

// deferredSite is a translation checkpoint for a control-flow instruction
// whose guest target was not yet mapped on the first pass. The reserved
// byte count was filled with NOPs; the second pass re-translates in place,
// recording the translation's length in emitted, and NOP-pads the rest so
// the slot again spans exactly the reserved bytes.
type deferredSite struct {
	pos      jitPos
	reserved int
	emitted  int
}

// codegen is the architecture-specific half of a JIT engine. All emission
// goes through the shared text cursor; the methods below are called in
// block layout order.
type codegen interface {
	emitHostEntry()
	emitSysEnterStub()
	emitRegInit()
	translateOne()
	emitVMExitGuard()
	emitHostResume()
	emitNop()
	disasm(code []byte, pc uint64) (string, int)
}

type jit struct {
	config
	textMem  []byte
	dataMem  []byte
	textSize uint64
	dataSize uint64
	// dataTop is the initial guest stack pointer; it outlives the mapping.
	dataTop uintptr

	jpos     jitPos
	deferred []deferredSite
	va2aa    []uintptr
	va2idd   map[uint64]decodeRecord

	state      *jitState
	stubAddr   uintptr
	resumeAddr uintptr
	codeEnd    int
	err        error

	cg codegen
}

func newJIT(cfg config, newCodegen func(*jit) codegen) *jit {
	j := &jit{
		config:   cfg,
		textSize: cfg.memSize / 4,
		dataSize: cfg.memSize - cfg.memSize/4,
		va2idd:   make(map[uint64]decodeRecord),
		state:    new(jitState),
	}
	j.cg = newCodegen(j)
	return j
}

func (j *jit) Execute() error { return runPhases(j) }

func (j *jit) Registers() Registers {
	var r Registers
	copy(r.R[:], j.state.dump[:numGPRs])
	r.SP = j.state.dump[dumpSPSlot]
	return r
}

func (j *jit) StackUsed() uint64 { return uint64(j.dataTop) - j.state.dump[dumpSPSlot] }

func (j *jit) initExecution() error {
	j.debugf("Initializing memory ...\n")

	var err error
	if j.textMem, err = mapRegion(int(j.textSize), unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return err
	}
	if j.dataMem, err = mapRegion(int(j.dataSize), unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return err
	}
	j.dataTop = j.stackTop()

	j.debugf("\t.text @0x%x[0x%x]\n", j.textAddr(), j.textSize)
	j.debugf("\t.data @0x%x[0x%x]\n", j.dataAddr(), j.dataSize)

	j.va2aa = make([]uintptr, len(j.prog))
	return nil
}

func (j *jit) loadProgram() error {
	j.debugf("JITing program ...\n")

	j.cg.emitHostEntry()
	j.cg.emitSysEnterStub()
	j.cg.emitRegInit()
	j.jitProgram()
	if j.err != nil {
		return j.err
	}
	j.cg.emitVMExitGuard()
	j.resumeAddr = j.hostAddr()
	j.cg.emitHostResume()
	j.codeEnd = j.jpos.arch

	flushICache(j.textAddr(), j.textAddr()+uintptr(j.codeEnd))
	if err := protectExec(j.textMem); err != nil {
		return err
	}

	if j.debug {
		return j.dumpCode()
	}
	return nil
}

func (j *jit) finiExecution() error {
	if err := unmapRegion(j.textMem); err != nil {
		return err
	}
	j.textMem = nil
	if err := unmapRegion(j.dataMem); err != nil {
		return err
	}
	j.dataMem = nil
	return nil
}

// jitProgram translates the whole image front to back, then replays the
// deferred sites. Every guest instruction offset is mapped by the first
// pass, so the replay always finds its branch targets.
func (j *jit) jitProgram() {
	for j.jpos.vm < uint64(len(j.prog)) && j.err == nil {
		j.recordAddrMapping()
		j.cg.translateOne()
	}
	j.jitDeferred()
}

// failTranslation records a fatal translation error and stops the pass.
func (j *jit) failTranslation(err error) {
	if j.err == nil {
		j.err = err
	}
	j.jpos.vm = uint64(len(j.prog))
}

func (j *jit) jitDeferred() {
	if j.err != nil {
		return
	}
	cur := j.jpos
	for i := range j.deferred {
		site := &j.deferred[i]
		j.jpos = site.pos
		j.cg.translateOne()
		site.emitted = j.jpos.arch - site.pos.arch
		for j.jpos.arch < site.pos.arch+site.reserved {
			j.cg.emitNop()
		}
	}
	j.jpos = cur
}

// deferSite records the current cursor pair and reserves the given number
// of text bytes as NOP padding for the second pass.
func (j *jit) deferSite(reserved int) {
	j.deferred = append(j.deferred, deferredSite{pos: j.jpos, reserved: reserved})
	end := j.jpos.arch + reserved
	for j.jpos.arch < end {
		j.cg.emitNop()
	}
}

func (j *jit) textAddr() uintptr { return uintptr(unsafe.Pointer(&j.textMem[0])) }
func (j *jit) dataAddr() uintptr { return uintptr(unsafe.Pointer(&j.dataMem[0])) }
func (j *jit) stackTop() uintptr { return j.dataAddr() + uintptr(j.dataSize) }

// hostAddr returns the host address of the current text cursor.
func (j *jit) hostAddr() uintptr { return j.textAddr() + uintptr(j.jpos.arch) }

func (j *jit) stateAddr() uintptr { return uintptr(unsafe.Pointer(j.state)) }
func (j *jit) dumpAddr() uintptr  { return j.stateAddr() + stateDumpOff }

func (j *jit) recordAddrMapping() {
	if j.jpos.vm < uint64(len(j.va2aa)) {
		j.va2aa[j.jpos.vm] = j.hostAddr()
	}
}

// asArchAddr resolves a guest byte offset to the host address of its
// translation, if already mapped.
func (j *jit) asArchAddr(va uint64) (uintptr, bool) {
	if va >= uint64(len(j.va2aa)) || j.va2aa[va] == 0 {
		return 0, false
	}
	return j.va2aa[va], true
}

// finishInstr records the decode data for the instruction just translated
// and advances the guest cursor past it.
func (j *jit) finishInstr(idd decodeRecord, size int) {
	idd.addr = j.jpos.vm
	j.va2idd[j.jpos.vm] = idd
	j.jpos.vm += uint64(size)
}

func (j *jit) emit8(b byte) {
	j.textMem[j.jpos.arch] = b
	j.jpos.arch++
}

func (j *jit) emit32(w uint32) {
	binary.LittleEndian.PutUint32(j.textMem[j.jpos.arch:], w)
	j.jpos.arch += 4
}

func (j *jit) emit64(w uint64) {
	binary.LittleEndian.PutUint64(j.textMem[j.jpos.arch:], w)
	j.jpos.arch += 8
}

func (j *jit) guestRead64(addr uint64) (uint64, error) {
	off := addr - uint64(j.dataAddr())
	if off > j.dataSize-8 {
		return 0, errors.Errorf("guest memory read out of range at 0x%x", addr)
	}
	return binary.LittleEndian.Uint64(j.dataMem[off:]), nil
}

func (j *jit) guestWrite64(addr, val uint64) error {
	off := addr - uint64(j.dataAddr())
	if off > j.dataSize-8 {
		return errors.Errorf("guest memory write out of range at 0x%x", addr)
	}
	binary.LittleEndian.PutUint64(j.dataMem[off:], val)
	return nil
}

// enterCode calls the emitted instructions at addr as a niladic function.
// The emitted host entry saves everything the caller needs preserved and
// the sys_enter stub restores it before returning here.
func enterCode(addr uintptr) {
	code := &addr
	fn := *(*func())(unsafe.Pointer(&code))
	fn()
}

// execProgram runs the translated block. Emitted code never calls back into
// Go: every syscall funnels through the sys_enter stub, which saves the VM
// registers to the state block and returns. The loop below reads the
// syscall frame from guest memory, performs the host side, and re-enters
// the block at the guest's saved return address until the program exits.
func (j *jit) execProgram() error {
	j.debugf("Running program ...\n")

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	entry := j.textAddr()
	for {
		enterCode(entry)

		sp := j.state.dump[dumpSPSlot]
		id, err := j.guestRead64(sp + 8)
		if err != nil {
			return err
		}

		switch id {
		case syscallVMExit:
			j.state.dump[dumpSPSlot] = sp + 16
			if j.debug {
				j.dumpRegisters()
			}
			return nil

		case syscallDisplaySInt, syscallDisplayUInt:
			val, err := j.guestRead64(sp + 16)
			if err != nil {
				return err
			}
			if id == syscallDisplaySInt {
				fmt.Fprintln(j.out, int64(val))
			} else {
				fmt.Fprintln(j.out, val)
			}
			// Mirror the interpreter's stack mutation: the argument slot
			// takes the saved return address, both syscall slots and the
			// return slot are consumed.
			ret, err := j.guestRead64(sp)
			if err != nil {
				return err
			}
			if err := j.guestWrite64(sp+16, ret); err != nil {
				return err
			}
			j.state.dump[dumpSPSlot] = sp + 24
			j.state.resume = ret
			entry = j.resumeAddr

		default:
			return errors.Errorf("unsupported syscall ID '%d'", id)
		}
	}
}
