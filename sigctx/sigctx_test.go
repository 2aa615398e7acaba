package sigctx

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/arch/x86/x86asm"
)

func TestInstructionSize(t *testing.T) {
	testCases := []struct {
		name string
		code []byte
		want int
	}{
		{"mov r32, [r]", []byte{0x8b, 0x03}, 2},
		{"mov r64, [rsp+disp8]", []byte{0x48, 0x8b, 0x44, 0x24, 0x08}, 5},
		{"test [r], r32", []byte{0x85, 0x00}, 2},
		{"mov [r], imm32", []byte{0xc7, 0x00, 0x01, 0x00, 0x00, 0x00}, 6},
		{"mov [r], imm16", []byte{0x66, 0xc7, 0x00, 0x01, 0x00}, 5},
		{"movzx r32, byte [r]", []byte{0x0f, 0xb6, 0x06}, 3},
		{"test [r], imm32", []byte{0xf7, 0x00, 0x44, 0x33, 0x22, 0x11}, 6},
		{"cmp [r+disp32], r", []byte{0x39, 0x88, 0x00, 0x01, 0x00, 0x00}, 6},
		{"mov byte [r], imm8", []byte{0xc6, 0x00, 0x7f}, 3},
		{"nop rejected", []byte{0x90}, 0},
		{"jmp rejected", []byte{0xe9, 0x00, 0x00, 0x00, 0x00}, 0},
		{"call rejected", []byte{0xff, 0xd0}, 0},
		{"truncated", []byte{0xc7, 0x00, 0x01}, 0},
		{"empty", nil, 0},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, InstructionSize(tc.code))
		})
	}
}

// Accepted encodings must agree with the full x86 decoder on length.
func TestInstructionSizeMatchesDisassembler(t *testing.T) {
	accepted := [][]byte{
		{0x8b, 0x03},
		{0x48, 0x8b, 0x44, 0x24, 0x08},
		{0x85, 0x00},
		{0xc7, 0x00, 0x01, 0x00, 0x00, 0x00},
		{0x0f, 0xb6, 0x06},
		{0xf7, 0x00, 0x44, 0x33, 0x22, 0x11},
		{0x39, 0x88, 0x00, 0x01, 0x00, 0x00},
	}
	for _, code := range accepted {
		inst, err := x86asm.Decode(code, 64)
		require.NoError(t, err)
		assert.Equal(t, inst.Len, InstructionSize(code), "encoding %x", code)
	}
}

func TestSparseMemory(t *testing.T) {
	mem := NewSparseMemory()
	buf := make([]byte, 4)

	assert.Equal(t, 0, mem.ReadAt(0x1000, buf), "unmapped read")

	mem.MapBytes(0x1ffe, []byte{1, 2, 3, 4}) // straddles a page boundary
	require.Equal(t, 4, mem.ReadAt(0x1ffe, buf))
	assert.Equal(t, []byte{1, 2, 3, 4}, buf)

	// Write past the mapped region stops at the boundary.
	mem2 := NewSparseMemory()
	mem2.Map(0x1000, 0x1000)
	n := mem2.WriteAt(0x1ffc, []byte{9, 9, 9, 9, 9, 9})
	assert.Equal(t, 4, n)
}

func TestContextPush(t *testing.T) {
	mem := NewSparseMemory()
	mem.Map(0x7000, 0x1000)
	ctx := NewAMD64Context(mem)
	ctx.SetSP(0x8000)

	require.True(t, Push(ctx, 0xdeadbeef))
	assert.Equal(t, uintptr(0x7ff8), ctx.SP())
	v, ok := ReadWord(ctx, ctx.SP())
	require.True(t, ok)
	assert.Equal(t, uintptr(0xdeadbeef), v)

	// Pushing below the mapped stack fails and leaves SP untouched.
	ctx.SetSP(0x7000)
	assert.False(t, Push(ctx, 1))
	assert.Equal(t, uintptr(0x7000), ctx.SP())
}

func TestSignalCodeName(t *testing.T) {
	assert.Equal(t, "SEGV_MAPERR", SignalCodeName(SIGSEGV, SegvMapErr))
	assert.Equal(t, "SEGV_MTEAERR", SignalCodeName(SIGSEGV, SegvMTEAErr))
	assert.Equal(t, "BUS_ADRALN", SignalCodeName(SIGBUS, BusAdrAln))
	assert.Equal(t, "UNKNOWN", SignalCodeName(2, 0))
}
