// Package threads tracks the runtime's mutator threads: their logical state,
// their share of the mutator lock, and the empty-checkpoint protocol the
// generated-code registry relies on as its grace period.
package threads

import (
	"sync"
	"sync/atomic"

	"github.com/calderavm/caldera/log"
)

// State is the logical execution state of a mutator thread. Only a Runnable
// thread can be executing generated code.
type State int32

const (
	StateNative State = iota
	StateRunnable
	StateSuspended
)

func (s State) String() string {
	switch s {
	case StateNative:
		return "native"
	case StateRunnable:
		return "runnable"
	case StateSuspended:
		return "suspended"
	default:
		return "unknown"
	}
}

// Thread is one registered mutator. The zero value is not usable; threads are
// created by List.Register.
type Thread struct {
	id    uint64
	list  *List
	state atomic.Int32

	// suspendTrigger models the thread-local pointer generated code
	// dereferences at suspend checks. Nonzero means a suspension was
	// requested and the next suspend check will fault.
	suspendTrigger atomic.Uintptr

	// checkpointPending is set by RunEmptyCheckpoint and cleared when this
	// thread passes a safe point.
	checkpointPending atomic.Bool

	// mutatorShare mirrors this thread's share of the mutator lock so the
	// fault gate can query ownership with one load.
	mutatorShare atomic.Bool
}

func (t *Thread) ID() uint64   { return t.id }
func (t *Thread) State() State { return State(t.state.Load()) }

// SetState transitions the thread's logical state. Leaving Runnable counts as
// reaching a safe point.
func (t *Thread) SetState(s State) {
	old := State(t.state.Swap(int32(s)))
	if old == StateRunnable && s != StateRunnable {
		t.ackCheckpoint()
	}
}

// Safepoint acknowledges a pending checkpoint without changing state. Mutators
// call this from suspend-check sites.
func (t *Thread) Safepoint() {
	t.ackCheckpoint()
}

func (t *Thread) ackCheckpoint() {
	if t.checkpointPending.CompareAndSwap(true, false) {
		t.list.checkpointWG.Done()
	}
}

// TriggerSuspend arms the suspend trigger with the unmapped address that
// makes the next implicit suspend check fault.
func (t *Thread) TriggerSuspend(trapAddr uintptr) {
	t.suspendTrigger.Store(trapAddr)
}

// RemoveSuspendTrigger disarms the trigger; called by the suspension fault
// handler once it has redirected the thread to the suspend entrypoint.
func (t *Thread) RemoveSuspendTrigger() {
	t.suspendTrigger.Store(0)
}

// SuspendTriggerArmed reports whether a suspension has been requested.
func (t *Thread) SuspendTriggerArmed() bool {
	return t.suspendTrigger.Load() != 0
}

// List is the registry of live mutator threads.
type List struct {
	mu      sync.Mutex
	threads map[uint64]*Thread
	nextID  uint64

	// checkpointMu serializes checkpoints so the wait group is never
	// re-armed while another caller is waiting on it.
	checkpointMu sync.Mutex
	checkpointWG sync.WaitGroup
}

func NewList() *List {
	return &List{threads: make(map[uint64]*Thread)}
}

func (l *List) Register() *Thread {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID++
	t := &Thread{id: l.nextID, list: l}
	l.threads[t.id] = t
	return t
}

func (l *List) Unregister(t *Thread) {
	l.mu.Lock()
	delete(l.threads, t.id)
	l.mu.Unlock()
	// A dying thread cannot hold up a checkpoint.
	t.ackCheckpoint()
}

func (l *List) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.threads)
}

// RunEmptyCheckpoint blocks until every thread that was Runnable at the start
// of the call has passed a safe point (or left the Runnable state). This is
// the grace period of the registry's retire-after-quiescence protocol: a
// thread that was mid-walk through the range list when a node was unlinked
// has finished that walk by the time this returns. There is no timeout;
// runnable threads reach suspend checks in bounded time by construction.
func (l *List) RunEmptyCheckpoint(self *Thread) {
	l.checkpointMu.Lock()
	defer l.checkpointMu.Unlock()

	l.mu.Lock()
	pending := make([]*Thread, 0, len(l.threads))
	for _, t := range l.threads {
		if t == self {
			continue
		}
		if t.State() != StateRunnable {
			continue
		}
		pending = append(pending, t)
	}
	// The counter must cover every flag before any flag is published: an ack
	// runs Done only for a flag it observed set, and the previous round's
	// Wait left all flags clear.
	l.checkpointWG.Add(len(pending))
	for _, t := range pending {
		t.checkpointPending.Store(true)
		// Re-check after arming: the thread may have left Runnable between
		// the state load and the store, never to see the flag.
		if t.State() != StateRunnable {
			t.ackCheckpoint()
		}
	}
	l.mu.Unlock()
	l.checkpointWG.Wait()
	log.Trace(log.ThreadMonitoring, "empty checkpoint complete")
}
