package sigctx

// RISCV64Context mirrors the mcontext of a riscv64 signal frame. The context
// itself is functional; fault classification for this architecture is not
// implemented and the handlers refuse it loudly rather than guess.
type RISCV64Context struct {
	Regs [32]uint64 // x0-x31; x2 is sp
	Pc   uint64
	mem  MemoryBus
}

const regRiscvSP = 2

func NewRISCV64Context(mem MemoryBus) *RISCV64Context {
	return &RISCV64Context{mem: mem}
}

func (c *RISCV64Context) Arch() Arch             { return RISCV64 }
func (c *RISCV64Context) PC() uintptr            { return uintptr(c.Pc) }
func (c *RISCV64Context) SetPC(pc uintptr)       { c.Pc = uint64(pc) }
func (c *RISCV64Context) SP() uintptr            { return uintptr(c.Regs[regRiscvSP]) }
func (c *RISCV64Context) SetSP(sp uintptr)       { c.Regs[regRiscvSP] = uint64(sp) }
func (c *RISCV64Context) Reg(r int) uint64       { return c.Regs[r] }
func (c *RISCV64Context) SetReg(r int, v uint64) { c.Regs[r] = v }
func (c *RISCV64Context) Mem() MemoryBus         { return c.mem }
