package fault

import (
	"github.com/calderavm/caldera/sigctx"
	"github.com/calderavm/caldera/threads"
)

// Trampolines are the runtime entrypoint addresses faulting threads resume
// at. The embedder points them into its own generated stubs.
type Trampolines struct {
	// ThrowNullPointer raises the NPE. On amd64 it finds the fault address
	// and return PC as the two top stack words; on arm64 the return PC is
	// on the stack and the fault address rides in LR.
	ThrowNullPointer uintptr
	// TestSuspend parks the thread for the requested suspension and then
	// returns to the pushed resume address.
	TestSuspend uintptr
	// ThrowStackOverflow raises the pre-allocated overflow error. Runs on
	// the reserved stack gap below SP.
	ThrowStackOverflow uintptr
}

// Handler classifies one fault pattern. Action either claims the fault,
// rewriting the context so the thread resumes in a runtime entrypoint, or
// declines it. Action runs in signal context: no blocking locks, no
// allocation on the classification path.
type Handler interface {
	// Kind names the fault class for logs and metrics.
	Kind() string
	Action(self *threads.Thread, info *sigctx.Info, ctx sigctx.Context) bool
}

// MethodLayout gives classifiers the few object-model offsets needed to
// sanity-check the method slot at the top of a faulting frame. All reads go
// through the context's memory bus and tolerate unmapped addresses; a frame
// that fails any check is simply not a managed frame.
type MethodLayout struct {
	MethodAlignment      uintptr // alignment of method metadata
	ObjectAlignment      uintptr // alignment of heap references
	DeclaringClassOffset uintptr // method -> declaring class reference
	ClassOffset          uintptr // object header -> class reference
}

func DefaultMethodLayout() MethodLayout {
	return MethodLayout{
		MethodAlignment: 8,
		ObjectAlignment: 8,
	}
}

// validMethod applies the same heuristic chain the frame walker trusts: the
// slot must look like an aligned method whose declaring class is an aligned
// reference, and whose class-of-class is the self-referential class object.
// False positives are possible and tolerated; the return-PC check catches
// them afterwards.
func (l MethodLayout) validMethod(ctx sigctx.Context, method uintptr) bool {
	if method == 0 || method%l.MethodAlignment != 0 {
		return false
	}
	class, ok := sigctx.ReadWord(ctx, method+l.DeclaringClassOffset)
	if !ok || class == 0 || class%l.ObjectAlignment != 0 {
		return false
	}
	classClass, ok := sigctx.ReadWord(ctx, class+l.ClassOffset)
	if !ok || classClass == 0 || classClass%l.ObjectAlignment != 0 {
		return false
	}
	classClassClass, ok := sigctx.ReadWord(ctx, classClass+l.ClassOffset)
	return ok && classClassClass == classClass
}

// MethodIndex resolves return PCs against compiled code. The code generation
// layer implements it; the null-check classifier uses it to confirm that the
// faulting instruction maps back to a real bytecode PC before raising an NPE.
type MethodIndex interface {
	HasBytecodePC(method, returnPC uintptr) bool
}
