package fault

import (
	"github.com/calderavm/caldera/log"
	"github.com/calderavm/caldera/sigctx"
	"github.com/calderavm/caldera/threads"
)

// x86 caps instructions at 15 bytes; one extra for slack.
const maxInstructionBytes = 16

// NullPointerHandler classifies the faults raised by implicit null checks:
// loads and stores through an unvalidated reference that the compiler
// emitted without a branch, trusting the unmapped low pages to fault
// instead. A claimed fault resumes in the NPE entrypoint with the fault
// address and a return PC that maps back to the faulting bytecode.
type NullPointerHandler struct {
	mgr    *Manager
	layout MethodLayout
	index  MethodIndex
}

func NewNullPointerHandler(mgr *Manager, layout MethodLayout, index MethodIndex) *NullPointerHandler {
	if index == nil {
		log.Crit(log.FaultMonitoring, "Null-check classifier needs a method index")
	}
	h := &NullPointerHandler{mgr: mgr, layout: layout, index: index}
	mgr.AddHandler(h, true)
	return h
}

func (h *NullPointerHandler) Kind() string { return "null-check" }

func (h *NullPointerHandler) Action(self *threads.Thread, info *sigctx.Info, ctx sigctx.Context) bool {
	// Only faults within the reserved low pages can be null dereferences;
	// the offset is bounded by the largest field/array access the compiler
	// emits without an explicit check.
	if info.Addr >= h.mgr.cfg.NullPageSize {
		return false
	}

	method, ok := sigctx.ReadWord(ctx, ctx.SP())
	if !ok || !h.layout.validMethod(ctx, method) {
		log.Trace(log.FaultMonitoring, "no valid method at top of frame")
		return false
	}

	// The stack map for an implicit null check is registered immediately
	// after the faulting instruction, so the return PC to report is the
	// address of the next instruction.
	pc := ctx.PC()
	var returnPC uintptr
	switch ctx.Arch() {
	case sigctx.AMD64:
		var code [maxInstructionBytes]byte
		n := ctx.Mem().ReadAt(pc, code[:])
		size := sigctx.InstructionSize(code[:n])
		if size == 0 {
			log.Trace(log.FaultMonitoring, "unrecognized instruction at fault pc",
				"pc", uint64(pc))
			return false
		}
		returnPC = pc + uintptr(size)
	case sigctx.ARM64:
		returnPC = pc + 4
	default:
		log.Crit(log.FaultMonitoring, "Null-check classification not implemented",
			"arch", ctx.Arch().String())
	}

	if !h.index.HasBytecodePC(method, returnPC) {
		return false
	}

	switch ctx.Arch() {
	case sigctx.AMD64:
		// The entrypoint expects the fault address and return PC as the
		// two top stack words. A declined fault must hand the next handler
		// the original frame.
		sp := ctx.SP()
		if !sigctx.Push(ctx, returnPC) || !sigctx.Push(ctx, info.Addr) {
			ctx.SetSP(sp)
			return false
		}
	case sigctx.ARM64:
		// Return PC on the stack, fault address in LR.
		if !sigctx.Push(ctx, returnPC) {
			return false
		}
		ctx.SetReg(sigctx.RegLR, uint64(info.Addr))
	}
	ctx.SetPC(h.mgr.cfg.Trampolines.ThrowNullPointer)
	log.Trace(log.FaultMonitoring, "generating null pointer exception",
		"fault_addr", uint64(info.Addr))
	return true
}
