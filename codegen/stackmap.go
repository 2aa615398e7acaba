package codegen

import (
	"encoding/binary"
	"fmt"
)

// StackMap ties one native PC to the bytecode PC whose state it captures,
// plus the mask of registers holding live references there. The native PC is
// the offset of the instruction after the one that can fault or call, which
// is the return PC a frame walker observes.
type StackMap struct {
	NativePC     uint32
	BytecodePC   uint32
	RegisterMask uint32
}

const stackMapEntrySize = 12

// StackMapStream collects the stack maps of one compilation in emission
// order and answers return-PC lookups against them.
type StackMapStream struct {
	maps []StackMap
}

func (s *StackMapStream) Add(nativePC, bytecodePC, registerMask uint32) {
	s.maps = append(s.maps, StackMap{
		NativePC:     nativePC,
		BytecodePC:   bytecodePC,
		RegisterMask: registerMask,
	})
}

func (s *StackMapStream) Len() int { return len(s.maps) }

// Lookup finds the stack map registered at exactly nativePC.
func (s *StackMapStream) Lookup(nativePC uint32) (StackMap, bool) {
	for _, m := range s.maps {
		if m.NativePC == nativePC {
			return m, true
		}
	}
	return StackMap{}, false
}

// Encode packs the stream as a count header followed by fixed-width entries,
// little-endian throughout.
func (s *StackMapStream) Encode() []byte {
	out := make([]byte, 4+len(s.maps)*stackMapEntrySize)
	binary.LittleEndian.PutUint32(out, uint32(len(s.maps)))
	for i, m := range s.maps {
		e := out[4+i*stackMapEntrySize:]
		binary.LittleEndian.PutUint32(e, m.NativePC)
		binary.LittleEndian.PutUint32(e[4:], m.BytecodePC)
		binary.LittleEndian.PutUint32(e[8:], m.RegisterMask)
	}
	return out
}

func DecodeStackMaps(b []byte) (*StackMapStream, error) {
	if len(b) < 4 {
		return nil, fmt.Errorf("stack map stream truncated: %d bytes", len(b))
	}
	count := binary.LittleEndian.Uint32(b)
	// Widen before multiplying; a hostile count must not wrap past the check.
	if uint64(len(b)-4) < uint64(count)*stackMapEntrySize {
		return nil, fmt.Errorf("stack map stream truncated: %d entries in %d bytes", count, len(b))
	}
	s := &StackMapStream{maps: make([]StackMap, count)}
	for i := range s.maps {
		e := b[4+i*stackMapEntrySize:]
		s.maps[i] = StackMap{
			NativePC:     binary.LittleEndian.Uint32(e),
			BytecodePC:   binary.LittleEndian.Uint32(e[4:]),
			RegisterMask: binary.LittleEndian.Uint32(e[8:]),
		}
	}
	return s, nil
}
