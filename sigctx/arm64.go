package sigctx

// RegLR is the arm64 link register (x30).
const RegLR = 30

// ARM64Context mirrors the mcontext of an aarch64 signal frame: x0-x30 plus
// dedicated SP and PC.
type ARM64Context struct {
	Regs [31]uint64
	Sp   uint64
	Pc   uint64
	mem  MemoryBus
}

func NewARM64Context(mem MemoryBus) *ARM64Context {
	return &ARM64Context{mem: mem}
}

func (c *ARM64Context) Arch() Arch             { return ARM64 }
func (c *ARM64Context) PC() uintptr            { return uintptr(c.Pc) }
func (c *ARM64Context) SetPC(pc uintptr)       { c.Pc = uint64(pc) }
func (c *ARM64Context) SP() uintptr            { return uintptr(c.Sp) }
func (c *ARM64Context) SetSP(sp uintptr)       { c.Sp = uint64(sp) }
func (c *ARM64Context) Reg(r int) uint64       { return c.Regs[r] }
func (c *ARM64Context) SetReg(r int, v uint64) { c.Regs[r] = v }
func (c *ARM64Context) Mem() MemoryBus         { return c.mem }
