package codegen

// StringReference names a string constant in a constant table.
type StringReference struct {
	Table uintptr
	Index uint32
}

// TypeReference names a class in a constant table.
type TypeReference struct {
	Table uintptr
	Index uint32
}

// Literal is one deduplicated literal-pool slot. The pointer identity is the
// handle: emitters compare and embed *Literal values, so a Literal never
// moves once created. Its pool offset is bound by EmitLiteralPool.
type Literal struct {
	value  uint64
	size   int
	offset int
	bound  bool
}

func (l *Literal) Value() uint64 { return l.value }
func (l *Literal) Size() int     { return l.size }

// Offset is the literal's byte offset from the pool start. Valid only after
// the pool has been emitted.
func (l *Literal) Offset() (int, bool) {
	return l.offset, l.bound
}

// DeduplicateUint32 returns the pool slot for v, creating it on first use.
// Requests for the same value within the unit return the identical handle.
func (u *Unit) DeduplicateUint32(v uint32) *Literal {
	if l, ok := u.uint32Literals[v]; ok {
		return l
	}
	l := &Literal{value: uint64(v), size: 4}
	u.uint32Literals[v] = l
	u.literalOrder = append(u.literalOrder, l)
	return l
}

func (u *Unit) DeduplicateUint64(v uint64) *Literal {
	if l, ok := u.uint64Literals[v]; ok {
		return l
	}
	l := &Literal{value: v, size: 8}
	u.uint64Literals[v] = l
	u.literalOrder = append(u.literalOrder, l)
	return l
}
