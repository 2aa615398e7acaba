package codegen

import "sync/atomic"

// PairCell publishes a two-word pair with pairwise atomicity: a load never
// mixes the words of two different stores. Stores allocate a fresh immutable
// pair and swap the pointer with release semantics; loads are acquire.
type PairCell struct {
	p atomic.Pointer[[2]uintptr]
}

func (c *PairCell) Store(first, second uintptr) {
	pair := [2]uintptr{first, second}
	c.p.Store(&pair)
}

func (c *PairCell) Load() (first, second uintptr, ok bool) {
	pair := c.p.Load()
	if pair == nil {
		return 0, 0, false
	}
	return pair[0], pair[1], true
}
