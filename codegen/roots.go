package codegen

import (
	"unsafe"

	"github.com/calderavm/caldera/log"
)

// rootEntry is one reserved JIT root. Before finalization the index holds a
// provisional address-derived encoding; EmitRoots replaces it with the dense
// table index the generated code actually loads through.
type rootEntry struct {
	handle uintptr // strong reference; pins the object while the code lives
	index  uint32
	final  bool
}

// ReserveStringRoot records that the generated code embeds a load of the
// string named by ref, whose current object is handle. Idempotent per ref.
func (u *Unit) ReserveStringRoot(ref StringReference, handle uintptr) {
	if u.rootsFinal {
		log.Crit(log.CodegenMonitoring, "Root reserved after finalization", "index", ref.Index)
	}
	if _, ok := u.stringRoots[ref]; ok {
		return
	}
	e := &rootEntry{handle: handle, index: uint32(handle)}
	u.stringRoots[ref] = e
	u.rootOrder = append(u.rootOrder, e)
}

// ReserveClassRoot is ReserveStringRoot for class objects.
func (u *Unit) ReserveClassRoot(ref TypeReference, handle uintptr) {
	if u.rootsFinal {
		log.Crit(log.CodegenMonitoring, "Root reserved after finalization", "index", ref.Index)
	}
	if _, ok := u.classRoots[ref]; ok {
		return
	}
	e := &rootEntry{handle: handle, index: uint32(handle)}
	u.classRoots[ref] = e
	u.rootOrder = append(u.rootOrder, e)
}

// StringRootIndex returns the final table index for ref. Querying before
// EmitRoots, or for an unreserved ref, is a compiler bug.
func (u *Unit) StringRootIndex(ref StringReference) uint32 {
	e, ok := u.stringRoots[ref]
	if !ok {
		log.Crit(log.CodegenMonitoring, "Unreserved string root queried", "index", ref.Index)
	}
	return u.rootIndex(e)
}

// ClassRootIndex is StringRootIndex for class roots.
func (u *Unit) ClassRootIndex(ref TypeReference) uint32 {
	e, ok := u.classRoots[ref]
	if !ok {
		log.Crit(log.CodegenMonitoring, "Unreserved class root queried", "index", ref.Index)
	}
	return u.rootIndex(e)
}

func (u *Unit) rootIndex(e *rootEntry) uint32 {
	if !e.final {
		log.Crit(log.CodegenMonitoring, "Root index queried before EmitRoots")
	}
	return e.index
}

// EmitRoots finalizes the reservations: every root gets a dense index in
// reservation order, the handles become the unit's root table (keeping the
// referenced objects strongly reachable), and the table is published as a
// pairwise-atomic (base, count) snapshot for lock-free readers.
func (u *Unit) EmitRoots() []uintptr {
	if u.rootsFinal {
		log.Crit(log.CodegenMonitoring, "EmitRoots ran twice")
	}
	u.roots = make([]uintptr, len(u.rootOrder))
	for i, e := range u.rootOrder {
		e.index = uint32(i)
		e.final = true
		u.roots[i] = e.handle
	}
	u.rootsFinal = true
	if len(u.roots) > 0 {
		u.rootsCell.Store(uintptr(unsafe.Pointer(&u.roots[0])), uintptr(len(u.roots)))
	}
	log.Trace(log.CodegenMonitoring, "roots finalized", "count", len(u.roots))
	return u.roots
}

// RootsSnapshot is the published (base, count) view of the finalized table.
// The pair is read atomically: a reader never sees a base from one
// finalization paired with another's count.
func (u *Unit) RootsSnapshot() (base, count uintptr, ok bool) {
	return u.rootsCell.Load()
}
