package fault

import (
	"github.com/calderavm/caldera/log"
	"github.com/calderavm/caldera/sigctx"
	"github.com/calderavm/caldera/threads"
)

// StackOverflowHandler recognizes the fault from the implicit stack probe in
// method prologues: a read exactly StackReservedBytes below SP, issued before
// any frame is established. The match is exact; a near miss is a plain wild
// pointer, not an overflow.
type StackOverflowHandler struct {
	mgr *Manager
}

func NewStackOverflowHandler(mgr *Manager) *StackOverflowHandler {
	h := &StackOverflowHandler{mgr: mgr}
	mgr.AddHandler(h, true)
	return h
}

func (h *StackOverflowHandler) Kind() string { return "stack-overflow" }

func (h *StackOverflowHandler) Action(self *threads.Thread, info *sigctx.Info, ctx sigctx.Context) bool {
	overflowAddr := ctx.SP() - h.mgr.cfg.StackReservedBytes
	if info.Addr != overflowAddr {
		return false
	}

	// The probe runs before the callee saves, so SP still frames the
	// caller; the entrypoint builds its own frame in the reserved gap.
	ctx.SetPC(h.mgr.cfg.Trampolines.ThrowStackOverflow)
	log.Trace(log.FaultMonitoring, "stack overflow found", "sp", uint64(ctx.SP()))
	return true
}
