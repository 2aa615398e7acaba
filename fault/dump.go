package fault

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"github.com/calderavm/caldera/log"
	"github.com/calderavm/caldera/sigctx"
	"github.com/calderavm/caldera/threads"
)

// StackDumpHandler is a diagnostic of last resort. When no classifier claims
// a fault attributed to generated code, it logs the frame and disassembles
// the code around the fault PC before the chain falls through to the default
// disposition. It never claims the fault itself.
type StackDumpHandler struct {
	mgr *Manager
}

func NewStackDumpHandler(mgr *Manager) *StackDumpHandler {
	h := &StackDumpHandler{mgr: mgr}
	mgr.AddHandler(h, false)
	return h
}

func (h *StackDumpHandler) Kind() string { return "stack-dump" }

func (h *StackDumpHandler) Action(self *threads.Thread, info *sigctx.Info, ctx sigctx.Context) bool {
	if !h.mgr.IsInGeneratedCode(self, info, ctx) {
		return false
	}
	log.Error(log.FaultMonitoring, "Unclaimed fault in generated code",
		"info", info.String(),
		"pc", fmt.Sprintf("%#x", ctx.PC()),
		"sp", fmt.Sprintf("%#x", ctx.SP()))
	if method, ok := sigctx.ReadWord(ctx, ctx.SP()); ok {
		log.Error(log.FaultMonitoring, "top of frame", "method", fmt.Sprintf("%#x", method))
	}
	if ctx.Arch() == sigctx.AMD64 {
		h.disassemble(ctx)
	}
	return false
}

// disassemble logs the instructions at the fault PC, stopping at the first
// byte sequence the decoder rejects.
func (h *StackDumpHandler) disassemble(ctx sigctx.Context) {
	var code [64]byte
	n := ctx.Mem().ReadAt(ctx.PC(), code[:])
	for off := 0; off < n; {
		inst, err := x86asm.Decode(code[off:n], 64)
		if err != nil {
			break
		}
		log.Error(log.FaultMonitoring, "code",
			"addr", fmt.Sprintf("%#x", ctx.PC()+uintptr(off)),
			"inst", inst.String())
		off += inst.Len
	}
}
