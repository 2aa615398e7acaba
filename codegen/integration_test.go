package codegen_test

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calderavm/caldera/codegen"
	"github.com/calderavm/caldera/fault"
	"github.com/calderavm/caldera/sigctx"
	"github.com/calderavm/caldera/threads"
)

func putWord(mem *sigctx.SparseMemory, addr, v uintptr) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(v))
	mem.WriteAt(addr, buf[:])
}

// Compiles a tiny unit end to end: emit a faulting load with its stack map,
// patch the literal pool, seal and register the placed code, then deliver a
// synthetic null fault and watch it classify through the real method table.
func TestCompiledUnitFaultRoundTrip(t *testing.T) {
	list := threads.NewList()
	mutator := threads.NewMutatorLock()
	tramps := fault.Trampolines{
		ThrowNullPointer:   0x100000,
		TestSuspend:        0x200000,
		ThrowStackOverflow: 0x300000,
	}
	mgr := fault.NewManager(fault.Config{Trampolines: tramps}, list, mutator)
	chain := fault.NewChain()
	mgr.Init(chain)
	defer mgr.Shutdown()

	table := codegen.NewMethodTable()
	fault.NewNullPointerHandler(mgr, fault.DefaultMethodLayout(), table)

	const method = uintptr(0x500000)
	unit := codegen.NewUnit(method)
	buf, err := codegen.NewCodeBuffer(4096)
	require.NoError(t, err)
	defer buf.Close()

	// mov eax, [rbx]: the implicit null check, with its stack map registered
	// immediately after the instruction.
	buf.EmitBytes([]byte{0x8b, 0x03})
	unit.StackMaps().Add(uint32(buf.Len()), 17, 0)

	// A literal load whose immediate is patched once the buffer is placed.
	lit := unit.DeduplicateUint32(0x11223344)
	buf.Emit8(0x8b)
	buf.Emit8(0x05)
	site := buf.Len()
	buf.Emit32(codegen.PlaceholderImm)
	unit.RecordLiteralPatch(site, codegen.PatchRelative, lit)

	poolStart := unit.EmitLiteralPool(buf)
	require.NoError(t, unit.EmitPatches(buf.Bytes(), buf.Base(), buf.Base()+uintptr(poolStart), 0))
	require.NoError(t, buf.Finalize(mgr.AddGeneratedCodeRange))
	table.Install(method, buf.Base(), uintptr(buf.Len()), unit.StackMaps())

	rel := binary.LittleEndian.Uint32(buf.Bytes()[site:])
	litOff, bound := lit.Offset()
	require.True(t, bound)
	assert.Equal(t,
		uint32(uintptr(poolStart+litOff)-(uintptr(site)+4)), rel,
		"patched immediate is pool-relative")

	self := list.Register()
	self.SetState(threads.StateRunnable)
	mutator.SharedLock(self)

	// Mirror the placed code into the synthetic address space and build a
	// frame whose method slot validates.
	mem := sigctx.NewSparseMemory()
	mem.MapBytes(buf.Base(), buf.Bytes())
	mem.Map(0x500000, 0x1000)
	const class, classClass = uintptr(0x500100), uintptr(0x500200)
	putWord(mem, method, class)
	putWord(mem, class, classClass)
	putWord(mem, classClass, classClass)
	const sp = uintptr(0x7f8000)
	mem.Map(sp-0x4000, 0x8000)
	putWord(mem, sp, method)

	ctx := sigctx.NewAMD64Context(mem)
	ctx.SetPC(buf.Base())
	ctx.SetSP(sp)
	info := &sigctx.Info{Signo: sigctx.SIGSEGV, Code: sigctx.SegvMapErr, Addr: 0}
	require.True(t, chain.Dispatch(self, info, ctx))
	assert.Equal(t, tramps.ThrowNullPointer, ctx.PC())
	returnPC, ok := sigctx.ReadWord(ctx, ctx.SP()+8)
	require.True(t, ok)
	assert.Equal(t, buf.Base()+2, returnPC, "resumes at the stack map after the load")

	// Retire the range; the same fault now falls through unclassified.
	mutator.SharedUnlock(self)
	mgr.RemoveGeneratedCodeRange(self, buf.Base(), uintptr(buf.Len()))
	table.Remove(method)

	mutator.SharedLock(self)
	ctx2 := sigctx.NewAMD64Context(mem)
	ctx2.SetPC(buf.Base())
	ctx2.SetSP(sp)
	assert.False(t, chain.Dispatch(self, info, ctx2))
	mutator.SharedUnlock(self)
}
