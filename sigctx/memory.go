package sigctx

const pageSize = uintptr(0x1000) // 4 KiB

// SparseMemory is a page-granular MemoryBus. Pages exist only once mapped;
// accesses to unmapped pages transfer nothing, which is how a synthetic
// context models an unmapped guest address.
type SparseMemory struct {
	pages map[uintptr][]byte
}

func NewSparseMemory() *SparseMemory {
	return &SparseMemory{pages: make(map[uintptr][]byte)}
}

// Map makes [addr, addr+size) accessible, zero-filled.
func (m *SparseMemory) Map(addr, size uintptr) {
	first := addr &^ (pageSize - 1)
	last := (addr + size - 1) &^ (pageSize - 1)
	for page := first; ; page += pageSize {
		if _, ok := m.pages[page]; !ok {
			m.pages[page] = make([]byte, pageSize)
		}
		if page == last {
			break
		}
	}
}

// MapBytes maps enough pages to hold data at addr and copies it in.
func (m *SparseMemory) MapBytes(addr uintptr, data []byte) {
	if len(data) == 0 {
		return
	}
	m.Map(addr, uintptr(len(data)))
	m.WriteAt(addr, data)
}

func (m *SparseMemory) ReadAt(addr uintptr, p []byte) int {
	return m.transfer(addr, p, false)
}

func (m *SparseMemory) WriteAt(addr uintptr, p []byte) int {
	return m.transfer(addr, p, true)
}

func (m *SparseMemory) transfer(addr uintptr, p []byte, write bool) int {
	done := 0
	for done < len(p) {
		page := (addr + uintptr(done)) &^ (pageSize - 1)
		off := (addr + uintptr(done)) - page
		mem, ok := m.pages[page]
		if !ok {
			return done
		}
		n := len(p) - done
		if max := int(pageSize - off); n > max {
			n = max
		}
		if write {
			copy(mem[off:], p[done:done+n])
		} else {
			copy(p[done:], mem[off:int(off)+n])
		}
		done += n
	}
	return done
}
