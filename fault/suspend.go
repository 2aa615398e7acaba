package fault

import (
	"encoding/binary"

	"github.com/calderavm/caldera/log"
	"github.com/calderavm/caldera/sigctx"
	"github.com/calderavm/caldera/threads"
)

// arm64 compiled code keeps the suspend trigger in a dedicated register.
const suspendCheckRegister = 21

// SuspensionHandler recognizes the fault produced by an implicit suspend
// check: a read through the thread's suspend trigger pointer, which points
// at an unmapped page while a suspension is requested. Classification is by
// exact instruction match; anything else at the fault PC is not ours.
type SuspensionHandler struct {
	mgr *Manager
}

func NewSuspensionHandler(mgr *Manager) *SuspensionHandler {
	h := &SuspensionHandler{mgr: mgr}
	mgr.AddHandler(h, true)
	return h
}

func (h *SuspensionHandler) Kind() string { return "suspend-check" }

func (h *SuspensionHandler) Action(self *threads.Thread, info *sigctx.Info, ctx sigctx.Context) bool {
	switch ctx.Arch() {
	case sigctx.AMD64:
		return h.actionAMD64(self, ctx)
	case sigctx.ARM64:
		return h.actionARM64(self, ctx)
	default:
		log.Crit(log.FaultMonitoring, "Suspend-check classification not implemented",
			"arch", ctx.Arch().String())
		return false
	}
}

// The amd64 suspend check is the sequence
//
//	movq rax, gs:[trigger_offset]   ; 65 48 8b 04 25 imm32
//	.. intervening instructions ..
//	test eax, [rax]                 ; 85 00
//
// where the fault comes from the test. The load may be hoisted up the
// instruction stream by the compiler, so it is searched for backwards from
// the fault PC within the configured limit.
func (h *SuspensionHandler) actionAMD64(self *threads.Thread, ctx sigctx.Context) bool {
	pc := ctx.PC()
	var probe [2]byte
	if ctx.Mem().ReadAt(pc, probe[:]) != len(probe) || probe[0] != 0x85 || probe[1] != 0x00 {
		return false
	}

	trigger := h.mgr.cfg.SuspendTriggerOffset
	checkinst := [9]byte{0x65, 0x48, 0x8b, 0x04, 0x25,
		byte(trigger), byte(trigger >> 8), byte(trigger >> 16), byte(trigger >> 24)}

	found := false
	for off := len(checkinst); off < h.mgr.cfg.SuspendScanLimit; off++ {
		var buf [9]byte
		if ctx.Mem().ReadAt(pc-uintptr(off), buf[:]) != len(buf) {
			continue
		}
		if buf == checkinst {
			found = true
			break
		}
	}
	if !found {
		log.Trace(log.FaultMonitoring, "trigger load not found before suspend-check test")
		return false
	}

	// Resume after the test instruction once the suspension completes.
	if !sigctx.Push(ctx, pc+2) {
		return false
	}
	ctx.SetPC(h.mgr.cfg.Trampolines.TestSuspend)
	self.RemoveSuspendTrigger()
	log.Trace(log.FaultMonitoring, "suspend check match, invoking test suspend")
	return true
}

// The arm64 suspend check is the single instruction ldr x21, [x21, #0].
func (h *SuspensionHandler) actionARM64(self *threads.Thread, ctx sigctx.Context) bool {
	const checkinst = 0xf9400000 | suspendCheckRegister<<5 | suspendCheckRegister

	var buf [4]byte
	if ctx.Mem().ReadAt(ctx.PC(), buf[:]) != len(buf) {
		return false
	}
	if binary.LittleEndian.Uint32(buf[:]) != checkinst {
		return false
	}

	// Resume after the faulting load; the entrypoint returns through LR.
	ctx.SetReg(sigctx.RegLR, uint64(ctx.PC()+4))
	ctx.SetPC(h.mgr.cfg.Trampolines.TestSuspend)
	self.RemoveSuspendTrigger()
	log.Trace(log.FaultMonitoring, "suspend check match, invoking test suspend")
	return true
}
