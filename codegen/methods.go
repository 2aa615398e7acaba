package codegen

import (
	"sync"
	"sync/atomic"
)

type installedCode struct {
	start uintptr
	size  uintptr
	maps  *StackMapStream
}

// MethodTable is the installed-code side of the method metadata collaborator:
// given a method and a candidate return PC, does that PC map to a known
// bytecode PC. Lookups run in signal context, so the table is an immutable
// map swapped atomically; installs copy on write under the mutation lock.
type MethodTable struct {
	mu   sync.Mutex
	snap atomic.Pointer[map[uintptr]installedCode]
}

func NewMethodTable() *MethodTable {
	return &MethodTable{}
}

// Install publishes the placed code of method. Reinstalling a method (a JIT
// recompile) replaces its entry.
func (t *MethodTable) Install(method, start, size uintptr, maps *StackMapStream) {
	t.mu.Lock()
	defer t.mu.Unlock()
	next := make(map[uintptr]installedCode)
	if old := t.snap.Load(); old != nil {
		for k, v := range *old {
			next[k] = v
		}
	}
	next[method] = installedCode{start: start, size: size, maps: maps}
	t.snap.Store(&next)
}

func (t *MethodTable) Remove(method uintptr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	old := t.snap.Load()
	if old == nil {
		return
	}
	next := make(map[uintptr]installedCode, len(*old))
	for k, v := range *old {
		if k != method {
			next[k] = v
		}
	}
	t.snap.Store(&next)
}

// HasBytecodePC reports whether returnPC lands on a stack map of method's
// installed code. Implements the null-check classifier's method index; must
// stay lock-free and allocation-free.
func (t *MethodTable) HasBytecodePC(method, returnPC uintptr) bool {
	snap := t.snap.Load()
	if snap == nil {
		return false
	}
	ic, ok := (*snap)[method]
	if !ok {
		return false
	}
	off := returnPC - ic.start
	if off > ic.size {
		return false
	}
	_, ok = ic.maps.Lookup(uint32(off))
	return ok
}
