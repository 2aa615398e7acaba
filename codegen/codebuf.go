package codegen

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"github.com/calderavm/caldera/log"
)

// CodeBuffer accumulates generated machine code. On linux the backing store
// is an anonymous mapping, so the finished code can be sealed executable and
// registered with the fault machinery at its real placed address; elsewhere
// it degrades to a plain heap buffer, which is enough for tests.
type CodeBuffer struct {
	buf    []byte
	n      int
	mapped bool
	sealed bool
}

// NewCodeBuffer maps a buffer of the given capacity. Capacity is fixed:
// generated code must not move after emitters start recording offsets
// into it.
func NewCodeBuffer(capacity int) (*CodeBuffer, error) {
	buf, mapped, err := mapBuffer(capacity)
	if err != nil {
		return nil, fmt.Errorf("code buffer of %d bytes: %w", capacity, err)
	}
	return &CodeBuffer{buf: buf, mapped: mapped}, nil
}

func (b *CodeBuffer) Len() int { return b.n }

// Bytes is the emitted code. The slice aliases the buffer; patching through
// it is how EmitPatches works.
func (b *CodeBuffer) Bytes() []byte { return b.buf[:b.n] }

// Base is the placed address of the first byte.
func (b *CodeBuffer) Base() uintptr {
	if len(b.buf) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b.buf[0]))
}

func (b *CodeBuffer) ensure(n int) {
	if b.sealed {
		log.Crit(log.CodegenMonitoring, "Emit into sealed code buffer")
	}
	if b.n+n > len(b.buf) {
		// No safe degraded mode: moving the buffer would invalidate every
		// recorded offset and placed address.
		log.Crit(log.CodegenMonitoring, "Code buffer exhausted",
			"capacity", len(b.buf), "need", b.n+n)
	}
}

func (b *CodeBuffer) Emit8(v byte) {
	b.ensure(1)
	b.buf[b.n] = v
	b.n++
}

func (b *CodeBuffer) Emit32(v uint32) {
	b.ensure(4)
	binary.LittleEndian.PutUint32(b.buf[b.n:], v)
	b.n += 4
}

func (b *CodeBuffer) Emit64(v uint64) {
	b.ensure(8)
	binary.LittleEndian.PutUint64(b.buf[b.n:], v)
	b.n += 8
}

func (b *CodeBuffer) EmitBytes(p []byte) {
	b.ensure(len(p))
	copy(b.buf[b.n:], p)
	b.n += len(p)
}

// Align pads with zero bytes to the next multiple of n.
func (b *CodeBuffer) Align(n int) {
	for b.n%n != 0 {
		b.Emit8(0)
	}
}

// Finalize seals the buffer executable and hands the placed range to
// register, typically Manager.AddGeneratedCodeRange. All patching must be
// done: a sealed buffer is no longer writable.
func (b *CodeBuffer) Finalize(register func(start, size uintptr)) error {
	if b.sealed {
		return fmt.Errorf("code buffer already finalized")
	}
	if err := sealBuffer(b.buf, b.mapped); err != nil {
		return fmt.Errorf("sealing code buffer: %w", err)
	}
	b.sealed = true
	if register != nil && b.n > 0 {
		register(b.Base(), uintptr(b.n))
	}
	return nil
}

// Close releases the backing store. The caller must have unregistered the
// range first; the fault registry must never point at unmapped memory.
func (b *CodeBuffer) Close() error {
	if b.buf == nil {
		return nil
	}
	err := unmapBuffer(b.buf, b.mapped)
	b.buf = nil
	return err
}
