package fault

import (
	"sync"
	"sync/atomic"

	"github.com/calderavm/caldera/log"
)

// We keep a certain number of range nodes locally to avoid cache misses and
// heap churn while traversing the singly-linked list from signal context.
// 16 covers the boot set (nterp blob, JIT cache, a handful of AOT mappings)
// for typical embedders.
const numLocalRanges = 16

// rangeNode is one registered generated-code range. Nodes form an intrusive
// singly-linked list whose head is published with an atomic store; readers
// in signal context walk it without the registry lock.
type rangeNode struct {
	next  atomic.Pointer[rangeNode]
	start uintptr
	size  uintptr
	local bool // node lives in registry.storage, recycled instead of dropped
}

// registry implements the publish-before-use, retire-after-quiescence
// protocol for generated-code ranges: a simplified hand-rolled RCU. The
// mutex serializes writers only; Contains runs lock-free. The caller owns
// the grace period (checkpoint) between unlink and freeNode.
type registry struct {
	mu      sync.Mutex
	head    atomic.Pointer[rangeNode]
	storage [numLocalRanges]rangeNode
	free    *rangeNode
}

func (r *registry) init() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.storage {
		var next *rangeNode
		if i+1 != numLocalRanges {
			next = &r.storage[i+1]
		}
		r.storage[i].next.Store(next)
		r.storage[i].start = 0
		r.storage[i].size = 0
		r.storage[i].local = true
	}
	r.free = &r.storage[0]
}

// obtainNode returns a node from the local pool, or a fresh heap node once
// the pool is exhausted. Caller holds r.mu.
func (r *registry) obtainNode(start, size uintptr) *rangeNode {
	if n := r.free; n != nil {
		r.free = n.next.Load()
		n.next.Store(nil)
		n.start = start
		n.size = size
		return n
	}
	return &rangeNode{start: start, size: size}
}

// add links a new range as the list head. The atomic store of the head
// publishes the fully-initialized node fields to lock-free readers; the
// caller follows up with a process-wide membarrier for threads that reach
// the new code without ever synchronizing on r.mu.
func (r *registry) add(start, size uintptr) {
	r.mu.Lock()
	n := r.obtainNode(start, size)
	n.next.Store(r.head.Load())
	r.head.Store(n)
	r.mu.Unlock()
}

// remove unlinks the range starting at start and returns its node. The node
// keeps its next pointer so a reader paused on it mid-walk still reaches the
// remaining live nodes. The caller must run the grace period before handing
// the node to freeNode.
func (r *registry) remove(start, size uintptr) *rangeNode {
	r.mu.Lock()
	before := &r.head
	n := before.Load()
	for n != nil && n.start != start {
		before = &n.next
		n = before.Load()
	}
	if n != nil {
		before.Store(n.next.Load())
	}
	r.mu.Unlock()

	if n == nil {
		log.Crit(log.RegistryMonitoring, "Removing unregistered code range", "start", uint64(start))
	}
	if n.size != size {
		log.Crit(log.RegistryMonitoring, "Code range size mismatch on removal",
			"start", uint64(start), "registered", uint64(n.size), "given", uint64(size))
	}
	return n
}

// freeNode recycles a node after the grace period. Pool nodes go back on the
// free list; heap nodes are simply dropped for the collector.
func (r *registry) freeNode(n *rangeNode) {
	if !n.local {
		return
	}
	r.mu.Lock()
	n.start = 0
	n.size = 0
	n.next.Store(r.free)
	r.free = n
	r.mu.Unlock()
}

// contains reports whether pc falls inside a registered range. Runs in
// signal context: no locks, no allocation. It may or may not observe nodes
// that are concurrently being removed; either answer is correct because the
// thread cannot be executing code that is being unloaded.
func (r *registry) contains(pc uintptr) bool {
	for n := r.head.Load(); n != nil; n = n.next.Load() {
		if pc-n.start < n.size {
			return true
		}
	}
	return false
}

// drain empties the list at shutdown. No live threads may remain in signal
// dispatch at this point; that is an unconditional teardown assumption.
func (r *registry) drain() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.head.Store(nil)
}
