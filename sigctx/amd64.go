package sigctx

// General-purpose register indices for the amd64 context, in hardware
// encoding order (the order the REX.B/ModRM bits select).
const (
	RegRAX = iota
	RegRCX
	RegRDX
	RegRBX
	RegRSP
	RegRBP
	RegRSI
	RegRDI
	RegR8
	RegR9
	RegR10
	RegR11
	RegR12
	RegR13
	RegR14
	RegR15

	numAMD64Regs
)

// AMD64Context mirrors the mcontext gregs of a 64-bit x86 signal frame.
type AMD64Context struct {
	Regs [numAMD64Regs]uint64
	Rip  uint64
	mem  MemoryBus
}

func NewAMD64Context(mem MemoryBus) *AMD64Context {
	return &AMD64Context{mem: mem}
}

func (c *AMD64Context) Arch() Arch          { return AMD64 }
func (c *AMD64Context) PC() uintptr         { return uintptr(c.Rip) }
func (c *AMD64Context) SetPC(pc uintptr)    { c.Rip = uint64(pc) }
func (c *AMD64Context) SP() uintptr         { return uintptr(c.Regs[RegRSP]) }
func (c *AMD64Context) SetSP(sp uintptr)    { c.Regs[RegRSP] = uint64(sp) }
func (c *AMD64Context) Reg(r int) uint64    { return c.Regs[r] }
func (c *AMD64Context) SetReg(r int, v uint64) { c.Regs[r] = v }
func (c *AMD64Context) Mem() MemoryBus      { return c.mem }
