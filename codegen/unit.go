// Package codegen is the bookkeeping side of code generation: per-unit
// deduplication of literals, JIT root reservation and finalization, stack
// maps tying native PCs back to bytecode PCs, placeholder patching of
// finished code buffers, and registration of executable ranges with the
// fault machinery.
//
// Everything in a Unit is single-writer: only the thread compiling that unit
// touches it, so none of the per-unit state is synchronized. The shared
// pieces (MethodTable, the published roots snapshot) are immutable snapshots
// swapped atomically.
package codegen

import (
	"github.com/calderavm/caldera/log"
)

// SlowPath is an out-of-line code fragment appended after the unit's main
// body: a deopt, a bounds-check throw, anything too cold to inline.
type SlowPath interface {
	Description() string
	Emit(u *Unit, buf *CodeBuffer)
}

// Unit carries the artifacts of one method compilation. Its dedup maps and
// root reservations live exactly as long as the compilation; handles they
// return are stable for that lifetime and may be embedded into the emitted
// code by address or offset.
type Unit struct {
	method uintptr

	stackMaps StackMapStream
	slowPaths []SlowPath

	uint32Literals map[uint32]*Literal
	uint64Literals map[uint64]*Literal
	literalOrder   []*Literal

	stringRoots map[StringReference]*rootEntry
	classRoots  map[TypeReference]*rootEntry
	rootOrder   []*rootEntry
	rootsFinal  bool
	roots       []uintptr
	rootsCell   PairCell

	patches []patchSite
}

func NewUnit(method uintptr) *Unit {
	return &Unit{
		method:         method,
		uint32Literals: make(map[uint32]*Literal),
		uint64Literals: make(map[uint64]*Literal),
		stringRoots:    make(map[StringReference]*rootEntry),
		classRoots:     make(map[TypeReference]*rootEntry),
	}
}

func (u *Unit) Method() uintptr { return u.method }

// StackMaps is the unit's stack map stream; emitters append to it as they
// place instructions.
func (u *Unit) StackMaps() *StackMapStream { return &u.stackMaps }

func (u *Unit) AddSlowPath(sp SlowPath) {
	u.slowPaths = append(u.slowPaths, sp)
}

// EmitSlowPaths appends the out-of-line fragments after the main body, in
// the order they were recorded.
func (u *Unit) EmitSlowPaths(buf *CodeBuffer) {
	for _, sp := range u.slowPaths {
		log.Trace(log.CodegenMonitoring, "emitting slow path", "desc", sp.Description())
		sp.Emit(u, buf)
	}
}
