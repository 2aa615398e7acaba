// Package sigctx isolates architecture-specific signal context layouts behind
// a narrow interface. Fault classification above this boundary only deals in
// generic (pc, sp) values and register indices; the per-architecture files
// know where those live in the machine context.
package sigctx

import (
	"encoding/binary"
	"fmt"
)

type Arch int

const (
	AMD64 Arch = iota
	ARM64
	RISCV64
)

func (a Arch) String() string {
	switch a {
	case AMD64:
		return "amd64"
	case ARM64:
		return "arm64"
	case RISCV64:
		return "riscv64"
	default:
		return fmt.Sprintf("arch(%d)", int(a))
	}
}

// Signal numbers and si_code values, matching the POSIX layout the fault
// routes deliver.
const (
	SIGBUS  = 7
	SIGSEGV = 11

	SegvMapErr  = 1
	SegvAccErr  = 2
	SegvMTEAErr = 8
	SegvMTESErr = 9

	BusAdrAln = 1
	BusAdrErr = 2
	BusObjErr = 3
)

// Info carries the portable part of siginfo_t for a delivered fault.
type Info struct {
	Signo int
	Code  int
	Addr  uintptr // faulting data address (si_addr)
}

func SignalCodeName(sig, code int) string {
	if sig == SIGSEGV {
		switch code {
		case SegvMapErr:
			return "SEGV_MAPERR"
		case SegvAccErr:
			return "SEGV_ACCERR"
		case SegvMTEAErr:
			return "SEGV_MTEAERR"
		case SegvMTESErr:
			return "SEGV_MTESERR"
		default:
			return "SEGV_UNKNOWN"
		}
	} else if sig == SIGBUS {
		switch code {
		case BusAdrAln:
			return "BUS_ADRALN"
		case BusAdrErr:
			return "BUS_ADRERR"
		case BusObjErr:
			return "BUS_OBJERR"
		default:
			return "BUS_UNKNOWN"
		}
	}
	return "UNKNOWN"
}

func (info *Info) String() string {
	return fmt.Sprintf("si_signo: %d si_code: %d (%s) si_addr: 0x%x",
		info.Signo, info.Code, SignalCodeName(info.Signo, info.Code), info.Addr)
}

// MemoryBus gives a context access to the faulting thread's address space:
// instruction bytes around the PC and stack slots around the SP. Reads and
// writes return the number of bytes transferred; unmapped addresses transfer
// zero bytes.
type MemoryBus interface {
	ReadAt(addr uintptr, p []byte) int
	WriteAt(addr uintptr, p []byte) int
}

// Context is the machine context of a faulting thread. Implementations are
// per-architecture register files; mutation only takes effect when the signal
// route returns and the thread resumes from the rewritten state.
type Context interface {
	Arch() Arch
	PC() uintptr
	SetPC(pc uintptr)
	SP() uintptr
	SetSP(sp uintptr)
	Reg(r int) uint64
	SetReg(r int, v uint64)
	Mem() MemoryBus
}

// ReadWord loads one machine word from the context's address space.
func ReadWord(ctx Context, addr uintptr) (uintptr, bool) {
	var buf [8]byte
	if ctx.Mem().ReadAt(addr, buf[:]) != len(buf) {
		return 0, false
	}
	return uintptr(binary.LittleEndian.Uint64(buf[:])), true
}

// Push writes v to the context stack, growing it downward by one word.
func Push(ctx Context, v uintptr) bool {
	sp := ctx.SP() - 8
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(v))
	if ctx.Mem().WriteAt(sp, buf[:]) != len(buf) {
		return false
	}
	ctx.SetSP(sp)
	return true
}
