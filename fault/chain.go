package fault

import (
	"sync"
	"sync/atomic"

	"github.com/calderavm/caldera/log"
	"github.com/calderavm/caldera/sigctx"
	"github.com/calderavm/caldera/threads"
)

// Route is one link in the process fault dispatch chain. It returns true when
// it has claimed the fault and rewritten the context so the thread resumes
// somewhere useful.
type Route func(self *threads.Thread, info *sigctx.Info, ctx sigctx.Context) bool

type chainEntry struct {
	token int
	route Route
}

// Chain is the in-process dispatch for synchronous faults. Routes run in
// registration order until one claims the fault; an unclaimed fault falls
// through to whatever disposition the embedder installed below the chain.
// Dispatch runs in signal context and therefore walks an immutable snapshot
// of the routes without taking the mutation lock.
type Chain struct {
	mu        sync.Mutex
	nextToken int

	segv atomic.Pointer[[]chainEntry]
	bus  atomic.Pointer[[]chainEntry]
}

func NewChain() *Chain {
	return &Chain{}
}

func (c *Chain) slot(sig int) *atomic.Pointer[[]chainEntry] {
	switch sig {
	case sigctx.SIGSEGV:
		return &c.segv
	case sigctx.SIGBUS:
		return &c.bus
	default:
		return nil
	}
}

// AddRoute appends a route for sig and returns a token for later removal.
// Only SIGSEGV and SIGBUS carry fault dispatch.
func (c *Chain) AddRoute(sig int, r Route) int {
	slot := c.slot(sig)
	if slot == nil {
		log.Crit(log.SignalMonitoring, "No dispatch slot for signal", "signo", sig)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextToken++
	var entries []chainEntry
	if old := slot.Load(); old != nil {
		entries = append(entries, *old...)
	}
	entries = append(entries, chainEntry{token: c.nextToken, route: r})
	slot.Store(&entries)
	return c.nextToken
}

// RemoveRoute unlinks the route registered under token. Removing an unknown
// token is a no-op; routes may be torn down in any order.
func (c *Chain) RemoveRoute(sig, token int) {
	slot := c.slot(sig)
	if slot == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	old := slot.Load()
	if old == nil {
		return
	}
	entries := make([]chainEntry, 0, len(*old))
	for _, e := range *old {
		if e.token != token {
			entries = append(entries, e)
		}
	}
	slot.Store(&entries)
}

// Dispatch offers the fault to each route in order. Returns false when no
// route claimed it, leaving the caller to apply the default disposition.
func (c *Chain) Dispatch(self *threads.Thread, info *sigctx.Info, ctx sigctx.Context) bool {
	slot := c.slot(info.Signo)
	if slot == nil {
		return false
	}
	entries := slot.Load()
	if entries == nil {
		return false
	}
	for _, e := range *entries {
		if e.route(self, info, ctx) {
			return true
		}
	}
	return false
}
