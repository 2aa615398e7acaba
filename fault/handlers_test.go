package fault

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calderavm/caldera/sigctx"
)

// nullScenario is a faulting implicit null check on amd64: a two-byte load
// through a null reference, with a frame whose method slot validates and a
// stack map registered right after the instruction.
type nullScenario struct {
	env      *testEnv
	mem      *sigctx.SparseMemory
	ctx      *sigctx.AMD64Context
	pc       uintptr
	sp       uintptr
	returnPC uintptr
}

func newNullScenario(t *testing.T) *nullScenario {
	t.Helper()
	env := newTestEnv(t, Config{})
	env.mgr.AddGeneratedCodeRange(0x400000, 0x1000)

	mem := sigctx.NewSparseMemory()
	pc := uintptr(0x400800)
	mem.MapBytes(pc, []byte{0x8b, 0x03}) // mov eax, [rbx]
	sp, _ := mapFrame(mem)

	s := &nullScenario{env: env, mem: mem, pc: pc, sp: sp, returnPC: pc + 2}
	NewNullPointerHandler(env.mgr, DefaultMethodLayout(), stubIndex{s.returnPC: true})

	s.ctx = sigctx.NewAMD64Context(mem)
	s.ctx.SetPC(pc)
	s.ctx.SetSP(sp)
	return s
}

func (s *nullScenario) dispatch(faultAddr uintptr) bool {
	info := &sigctx.Info{Signo: sigctx.SIGSEGV, Code: sigctx.SegvMapErr, Addr: faultAddr}
	return s.env.chain.Dispatch(s.env.self, info, s.ctx)
}

func TestNullCheckAMD64(t *testing.T) {
	s := newNullScenario(t)
	require.True(t, s.dispatch(0))

	assert.Equal(t, testTramps.ThrowNullPointer, s.ctx.PC())
	require.Equal(t, s.sp-16, s.ctx.SP(), "fault address and return pc pushed")
	faultAddr, ok := sigctx.ReadWord(s.ctx, s.ctx.SP())
	require.True(t, ok)
	assert.Equal(t, uintptr(0), faultAddr)
	returnPC, ok := sigctx.ReadWord(s.ctx, s.ctx.SP()+8)
	require.True(t, ok)
	assert.Equal(t, s.returnPC, returnPC)
}

func TestNullCheckFaultAddressBounds(t *testing.T) {
	s := newNullScenario(t)
	require.True(t, s.dispatch(defaultNullPageSize-1), "edge of the low page is a null check")

	s2 := newNullScenario(t)
	assert.False(t, s2.dispatch(defaultNullPageSize), "one byte past the low page is not")
}

func TestNullCheckRejectsInvalidMethod(t *testing.T) {
	s := newNullScenario(t)
	putWord(s.mem, s.sp, 0x500001) // misaligned method slot
	assert.False(t, s.dispatch(0))
}

func TestNullCheckRejectsUnknownInstruction(t *testing.T) {
	s := newNullScenario(t)
	s.mem.MapBytes(s.pc, []byte{0x90, 0x90}) // nop is not a memory access
	assert.False(t, s.dispatch(0))
}

func TestNullCheckRejectsUnmappedReturnPC(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.mgr.AddGeneratedCodeRange(0x400000, 0x1000)

	mem := sigctx.NewSparseMemory()
	pc := uintptr(0x400800)
	mem.MapBytes(pc, []byte{0x8b, 0x03})
	sp, _ := mapFrame(mem)
	NewNullPointerHandler(env.mgr, DefaultMethodLayout(), stubIndex{}) // no bytecode mapping

	ctx := sigctx.NewAMD64Context(mem)
	ctx.SetPC(pc)
	ctx.SetSP(sp)
	info := &sigctx.Info{Signo: sigctx.SIGSEGV, Code: sigctx.SegvMapErr, Addr: 0}
	assert.False(t, env.chain.Dispatch(env.self, info, ctx))
}

func TestNullCheckRestoresSPOnFailedRedirect(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.mgr.AddGeneratedCodeRange(0x400000, 0x1000)

	mem := sigctx.NewSparseMemory()
	pc := uintptr(0x400800)
	mem.MapBytes(pc, []byte{0x8b, 0x03})

	// Frame perched 8 bytes above an unmapped page: the first redirect push
	// lands, the second cannot.
	const method, class, classClass = uintptr(0x500000), uintptr(0x500100), uintptr(0x500200)
	mem.Map(0x500000, 0x1000)
	putWord(mem, method, class)
	putWord(mem, class, classClass)
	putWord(mem, classClass, classClass)
	sp := uintptr(0x7f8008)
	mem.Map(0x7f8000, 0x1000)
	putWord(mem, sp, method)

	NewNullPointerHandler(env.mgr, DefaultMethodLayout(), stubIndex{pc + 2: true})

	ctx := sigctx.NewAMD64Context(mem)
	ctx.SetPC(pc)
	ctx.SetSP(sp)
	info := &sigctx.Info{Signo: sigctx.SIGSEGV, Code: sigctx.SegvMapErr, Addr: 0}
	assert.False(t, env.chain.Dispatch(env.self, info, ctx))
	assert.Equal(t, sp, ctx.SP(), "declined fault leaves the frame intact")
	assert.Equal(t, pc, ctx.PC())
}

func TestNullCheckARM64(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.mgr.AddGeneratedCodeRange(0x400000, 0x1000)

	mem := sigctx.NewSparseMemory()
	pc := uintptr(0x400800)
	sp, _ := mapFrame(mem)
	NewNullPointerHandler(env.mgr, DefaultMethodLayout(), stubIndex{pc + 4: true})

	ctx := sigctx.NewARM64Context(mem)
	ctx.SetPC(pc)
	ctx.SetSP(sp)
	info := &sigctx.Info{Signo: sigctx.SIGSEGV, Code: sigctx.SegvMapErr, Addr: 0x18}
	require.True(t, env.chain.Dispatch(env.self, info, ctx))

	assert.Equal(t, testTramps.ThrowNullPointer, ctx.PC())
	assert.Equal(t, uint64(0x18), ctx.Reg(sigctx.RegLR), "fault address rides in LR")
	returnPC, ok := sigctx.ReadWord(ctx, ctx.SP())
	require.True(t, ok)
	assert.Equal(t, pc+4, returnPC)
}

// suspendScenario lays out the amd64 suspend-check sequence with the trigger
// load gap bytes before the faulting test instruction.
func newSuspendScenario(t *testing.T, gap int) (*testEnv, *sigctx.AMD64Context, uintptr) {
	t.Helper()
	env := newTestEnv(t, Config{})
	env.mgr.AddGeneratedCodeRange(0x400000, 0x1000)
	NewSuspensionHandler(env.mgr)

	mem := sigctx.NewSparseMemory()
	pc := uintptr(0x400800)
	load := []byte{0x65, 0x48, 0x8b, 0x04, 0x25, 0xa8, 0x00, 0x00, 0x00}
	code := make([]byte, 0, len(load)+gap+2)
	code = append(code, load...)
	for i := 0; i < gap; i++ {
		code = append(code, 0x90)
	}
	code = append(code, 0x85, 0x00) // test eax, [rax]
	mem.MapBytes(pc-uintptr(len(code)-2), code)
	mem.Map(0x7f0000, 0x10000)

	ctx := sigctx.NewAMD64Context(mem)
	ctx.SetPC(pc)
	ctx.SetSP(0x7f8000)
	return env, ctx, pc
}

func TestSuspendCheckAMD64(t *testing.T) {
	env, ctx, pc := newSuspendScenario(t, 0)
	env.self.TriggerSuspend(0xdead0000)

	info := &sigctx.Info{Signo: sigctx.SIGSEGV, Code: sigctx.SegvMapErr, Addr: 0xdead0000}
	require.True(t, env.chain.Dispatch(env.self, info, ctx))

	assert.Equal(t, testTramps.TestSuspend, ctx.PC())
	resume, ok := sigctx.ReadWord(ctx, ctx.SP())
	require.True(t, ok)
	assert.Equal(t, pc+2, resume, "resumes after the test instruction")
	assert.False(t, env.self.SuspendTriggerArmed(), "trigger disarmed by the handler")
}

func TestSuspendCheckHoistedLoad(t *testing.T) {
	env, ctx, _ := newSuspendScenario(t, 40)
	env.self.TriggerSuspend(0xdead0000)
	info := &sigctx.Info{Signo: sigctx.SIGSEGV, Code: sigctx.SegvMapErr, Addr: 0xdead0000}
	assert.True(t, env.chain.Dispatch(env.self, info, ctx))
}

func TestSuspendCheckScanLimit(t *testing.T) {
	env, ctx, _ := newSuspendScenario(t, 120) // hoisted past the scan limit
	env.self.TriggerSuspend(0xdead0000)
	info := &sigctx.Info{Signo: sigctx.SIGSEGV, Code: sigctx.SegvMapErr, Addr: 0xdead0000}
	assert.False(t, env.chain.Dispatch(env.self, info, ctx))
	assert.True(t, env.self.SuspendTriggerArmed(), "declined fault leaves the trigger armed")
}

func TestSuspendCheckARM64(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.mgr.AddGeneratedCodeRange(0x400000, 0x1000)
	NewSuspensionHandler(env.mgr)
	env.self.TriggerSuspend(0xdead0000)

	mem := sigctx.NewSparseMemory()
	pc := uintptr(0x400800)
	mem.MapBytes(pc, []byte{0xb5, 0x02, 0x40, 0xf9}) // ldr x21, [x21, #0]
	mem.Map(0x7f0000, 0x10000)

	ctx := sigctx.NewARM64Context(mem)
	ctx.SetPC(pc)
	ctx.SetSP(0x7f8000)
	info := &sigctx.Info{Signo: sigctx.SIGSEGV, Code: sigctx.SegvMapErr, Addr: 0xdead0000}
	require.True(t, env.chain.Dispatch(env.self, info, ctx))

	assert.Equal(t, testTramps.TestSuspend, ctx.PC())
	assert.Equal(t, uint64(pc+4), ctx.Reg(sigctx.RegLR))
	assert.False(t, env.self.SuspendTriggerArmed())
}

func TestStackOverflowExactMatch(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.mgr.AddGeneratedCodeRange(0x400000, 0x1000)
	NewStackOverflowHandler(env.mgr)

	ctx := sigctx.NewAMD64Context(sigctx.NewSparseMemory())
	ctx.SetPC(0x400800)
	ctx.SetSP(0x7f8000)

	info := &sigctx.Info{
		Signo: sigctx.SIGSEGV,
		Code:  sigctx.SegvAccErr,
		Addr:  ctx.SP() - defaultStackReservedBytes,
	}
	require.True(t, env.chain.Dispatch(env.self, info, ctx))
	assert.Equal(t, testTramps.ThrowStackOverflow, ctx.PC())
	assert.Equal(t, uintptr(0x7f8000), ctx.SP(), "sp untouched, still framing the caller")
}

func TestStackOverflowNearMissRejected(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.mgr.AddGeneratedCodeRange(0x400000, 0x1000)
	NewStackOverflowHandler(env.mgr)

	ctx := sigctx.NewAMD64Context(sigctx.NewSparseMemory())
	ctx.SetPC(0x400800)
	ctx.SetSP(0x7f8000)

	info := &sigctx.Info{
		Signo: sigctx.SIGSEGV,
		Code:  sigctx.SegvAccErr,
		Addr:  ctx.SP() - defaultStackReservedBytes + 8,
	}
	assert.False(t, env.chain.Dispatch(env.self, info, ctx))
}

// With the full classifier chain installed, each fault pattern must land in
// its own handler and nothing else's.
func TestClassifierChain(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.mgr.AddGeneratedCodeRange(0x400000, 0x1000)

	mem := sigctx.NewSparseMemory()
	pc := uintptr(0x400800)
	mem.MapBytes(pc, []byte{0x8b, 0x03})
	sp, _ := mapFrame(mem)

	NewNullPointerHandler(env.mgr, DefaultMethodLayout(), stubIndex{pc + 2: true})
	NewSuspensionHandler(env.mgr)
	NewStackOverflowHandler(env.mgr)
	NewStackDumpHandler(env.mgr)

	ctx := sigctx.NewAMD64Context(mem)
	ctx.SetPC(pc)
	ctx.SetSP(sp)
	info := &sigctx.Info{Signo: sigctx.SIGSEGV, Code: sigctx.SegvMapErr, Addr: 0x10}
	require.True(t, env.chain.Dispatch(env.self, info, ctx))
	assert.Equal(t, testTramps.ThrowNullPointer, ctx.PC(),
		"low-page fault with a valid frame is a null check")

	// A wild fault inside the range is claimed by nobody; the dump handler
	// logs it and the chain reports it unhandled.
	ctx2 := sigctx.NewAMD64Context(mem)
	ctx2.SetPC(pc)
	ctx2.SetSP(sp)
	wild := &sigctx.Info{Signo: sigctx.SIGSEGV, Code: sigctx.SegvMapErr, Addr: 0x123456}
	assert.False(t, env.chain.Dispatch(env.self, wild, ctx2))
}
