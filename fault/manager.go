// Package fault implements the implicit-check fault machinery: a registry of
// generated-code ranges that is readable from signal context, and a chain of
// classifiers that turn the faults raised by implicit null checks, suspend
// checks, and stack overflow probes into redirects to runtime entrypoints.
//
// The hot path is IsInGeneratedCode: it runs with a corrupt-looking machine
// context on the faulting thread and must decide, without locks or
// allocation, whether the fault came from code this runtime emitted.
package fault

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/calderavm/caldera/log"
	"github.com/calderavm/caldera/sigctx"
	"github.com/calderavm/caldera/telemetry"
	"github.com/calderavm/caldera/threads"
)

const (
	defaultNullPageSize         = 4096
	defaultSuspendScanLimit     = 100
	defaultSuspendTriggerOffset = 0xa8
	defaultStackReservedBytes   = 8 * 1024
)

// Config carries the embedder-specific constants of the fault machinery.
// Zero fields take the defaults above; Trampolines must be supplied.
type Config struct {
	Trampolines Trampolines

	// NullPageSize bounds the fault addresses classifiable as implicit null
	// checks: the size of the unmapped low page group.
	NullPageSize uintptr

	// SuspendScanLimit bounds the backward scan for the hoisted trigger
	// load on amd64, in bytes before the faulting test instruction.
	SuspendScanLimit int

	// SuspendTriggerOffset is the thread-local offset the amd64 trigger
	// load reads through the segment register.
	SuspendTriggerOffset uint32

	// StackReservedBytes is the width of the implicit stack overflow gap
	// probed by method prologues.
	StackReservedBytes uintptr

	// UseSigBus additionally routes SIGBUS faults to BusHook. Alignment
	// and mapping-backed bus errors are embedder concerns, not ours.
	UseSigBus bool
	BusHook   Route
}

func (c Config) withDefaults() Config {
	if c.NullPageSize == 0 {
		c.NullPageSize = defaultNullPageSize
	}
	if c.SuspendScanLimit == 0 {
		c.SuspendScanLimit = defaultSuspendScanLimit
	}
	if c.SuspendTriggerOffset == 0 {
		c.SuspendTriggerOffset = defaultSuspendTriggerOffset
	}
	if c.StackReservedBytes == 0 {
		c.StackReservedBytes = defaultStackReservedBytes
	}
	return c
}

// Manager owns the generated-code range registry and dispatches classified
// faults to its handlers. One Manager serves one runtime instance; it is not
// a process singleton.
type Manager struct {
	cfg     Config
	threads *threads.List
	mutator *threads.MutatorLock
	metrics *telemetry.Metrics

	// Handler slices are replaced wholesale under mu and read through the
	// atomic pointers from signal context.
	generated atomic.Pointer[[]Handler]
	other     atomic.Pointer[[]Handler]

	registry registry

	mu          sync.Mutex
	chain       *Chain
	segvToken   int
	busToken    int
	initialized bool
}

func NewManager(cfg Config, list *threads.List, mutator *threads.MutatorLock) *Manager {
	m := &Manager{
		cfg:     cfg.withDefaults(),
		threads: list,
		mutator: mutator,
	}
	m.registry.init()
	return m
}

// SetMetrics attaches counters. Call before Init; a nil Metrics records
// nothing.
func (m *Manager) SetMetrics(mx *telemetry.Metrics) {
	m.metrics = mx
}

// Init installs the manager's routes on the dispatch chain and prepares the
// process-wide barrier. Init runs once per Manager.
func (m *Manager) Init(chain *Chain) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.initialized {
		log.Crit(log.FaultMonitoring, "Fault manager initialized twice")
	}
	registerBarrier()
	m.chain = chain
	m.segvToken = chain.AddRoute(sigctx.SIGSEGV, m.HandleSegvFault)
	if m.cfg.UseSigBus {
		m.busToken = chain.AddRoute(sigctx.SIGBUS, m.HandleBusFault)
	}
	m.initialized = true
	log.Info(log.FaultMonitoring, "Fault manager initialized", "sigbus", m.cfg.UseSigBus)
}

// Release unlinks the manager from the chain but keeps its handlers and
// ranges, so a later Init can resume where Release left off.
func (m *Manager) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseLocked()
}

func (m *Manager) releaseLocked() {
	if !m.initialized {
		return
	}
	m.chain.RemoveRoute(sigctx.SIGSEGV, m.segvToken)
	if m.cfg.UseSigBus {
		m.chain.RemoveRoute(sigctx.SIGBUS, m.busToken)
	}
	m.chain = nil
	m.initialized = false
}

// Shutdown releases the routes, forgets all handlers and drains the range
// registry. No thread may be in fault dispatch when Shutdown runs.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseLocked()
	m.generated.Store(nil)
	m.other.Store(nil)
	m.registry.drain()
}

// AddHandler appends h to the classification order. Generated handlers run
// only for faults attributed to generated code; the rest run for any fault
// that reaches the manager, as diagnostics of last resort.
func (m *Manager) AddHandler(h Handler, generated bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	slot := &m.other
	if generated {
		slot = &m.generated
	}
	var handlers []Handler
	if old := slot.Load(); old != nil {
		handlers = append(handlers, *old...)
	}
	handlers = append(handlers, h)
	slot.Store(&handlers)
}

// RemoveHandler detaches h from whichever list holds it.
func (m *Manager) RemoveHandler(h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, slot := range []*atomic.Pointer[[]Handler]{&m.generated, &m.other} {
		old := slot.Load()
		if old == nil {
			continue
		}
		handlers := make([]Handler, 0, len(*old))
		for _, have := range *old {
			if have != h {
				handlers = append(handlers, have)
			}
		}
		slot.Store(&handlers)
	}
}

// AddGeneratedCodeRange publishes [start, start+size) as generated code.
// After the barrier returns, any thread that faults inside the range will
// observe it during the signal-context walk.
func (m *Manager) AddGeneratedCodeRange(start, size uintptr) {
	m.registry.add(start, size)
	codeRangeBarrier()
	m.metrics.RangeAdded()
	log.Trace(log.RegistryMonitoring, "code range added",
		"start", fmt.Sprintf("%#x", start), "size", uint64(size))
}

// RemoveGeneratedCodeRange retires a range before its code is unmapped. The
// range is unlinked immediately; the node is recycled only after a grace
// period guaranteeing no thread is still walking through it. A caller that
// holds the mutator lock exclusively skips the checkpoint: nothing else can
// be running generated code, let alone faulting in it.
func (m *Manager) RemoveGeneratedCodeRange(self *threads.Thread, start, size uintptr) {
	node := m.registry.remove(start, size)
	if !m.mutator.IsExclusiveHeld(self) {
		m.threads.RunEmptyCheckpoint(self)
		m.metrics.CheckpointRun()
	}
	m.registry.freeNode(node)
	m.metrics.RangeRemoved()
	log.Trace(log.RegistryMonitoring, "code range removed",
		"start", fmt.Sprintf("%#x", start), "size", uint64(size))
}

// GetFaultPc extracts the PC a fault should be attributed to, or 0 when the
// context cannot be trusted to name one.
func (m *Manager) GetFaultPc(info *sigctx.Info, ctx sigctx.Context) uintptr {
	if ctx.SP() == 0 {
		log.Trace(log.FaultMonitoring, "no stack pointer in fault context")
		return 0
	}
	// Async MTE tag faults report an imprecise PC; never attribute them to
	// generated code.
	if ctx.Arch() == sigctx.ARM64 && info.Code == sigctx.SegvMTEAErr {
		return 0
	}
	return ctx.PC()
}

func (m *Manager) GetFaultSp(ctx sigctx.Context) uintptr {
	return ctx.SP()
}

// IsInGeneratedCode decides whether the fault came from code this runtime
// emitted. Only a runnable thread holding its share of the mutator lock can
// be executing generated code; anything else is the embedder's fault to deal
// with.
func (m *Manager) IsInGeneratedCode(self *threads.Thread, info *sigctx.Info, ctx sigctx.Context) bool {
	if self == nil || self.State() != threads.StateRunnable {
		log.Trace(log.FaultMonitoring, "fault outside runnable state")
		return false
	}
	if !m.mutator.IsSharedHeld(self) {
		log.Trace(log.FaultMonitoring, "fault without mutator lock share")
		return false
	}
	pc := m.GetFaultPc(info, ctx)
	if pc == 0 {
		return false
	}
	return m.registry.contains(pc)
}

// HandleSegvFault is the manager's SIGSEGV route. It returns false for faults
// nothing claimed, letting the chain fall through to the embedder's default
// disposition.
func (m *Manager) HandleSegvFault(self *threads.Thread, info *sigctx.Info, ctx sigctx.Context) bool {
	log.Trace(log.FaultMonitoring, "handling fault",
		"info", info.String(), "pc", fmt.Sprintf("%#x", ctx.PC()))
	if m.IsInGeneratedCode(self, info, ctx) {
		if handlers := m.generated.Load(); handlers != nil {
			for _, h := range *handlers {
				if h.Action(self, info, ctx) {
					m.metrics.FaultHandled(h.Kind())
					return true
				}
			}
		}
	}
	if handlers := m.other.Load(); handlers != nil {
		for _, h := range *handlers {
			if h.Action(self, info, ctx) {
				m.metrics.FaultHandled(h.Kind())
				return true
			}
		}
	}
	m.metrics.FaultUnhandled()
	log.Error(log.FaultMonitoring, "Unclaimed fault, deferring to chained disposition",
		"info", info.String())
	return false
}

// HandleBusFault is the manager's SIGBUS route. Generated code never raises
// SIGBUS by design, so the whole signal is an embedder hook.
func (m *Manager) HandleBusFault(self *threads.Thread, info *sigctx.Info, ctx sigctx.Context) bool {
	if m.cfg.BusHook != nil && m.cfg.BusHook(self, info, ctx) {
		m.metrics.FaultHandled("bus")
		return true
	}
	m.metrics.FaultUnhandled()
	return false
}
