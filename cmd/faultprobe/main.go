// faultprobe exercises the fault classification machinery against synthetic
// machine contexts: decode instruction bytes the way the null-check handler
// does, run canned fault scenarios through a fresh manager, and demo the
// generated-code range registry.
package main

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/arch/x86/x86asm"

	"github.com/calderavm/caldera/codegen"
	"github.com/calderavm/caldera/fault"
	"github.com/calderavm/caldera/log"
	"github.com/calderavm/caldera/sigctx"
	"github.com/calderavm/caldera/telemetry"
	"github.com/calderavm/caldera/threads"
)

var (
	Version = "dev"
	Commit  = "none"
)

var probeTramps = fault.Trampolines{
	ThrowNullPointer:   0x100000,
	TestSuspend:        0x200000,
	ThrowStackOverflow: 0x300000,
}

func main() {
	var (
		logLevel string
		debug    string
	)

	var rootCmd = &cobra.Command{
		Use:     "faultprobe",
		Short:   "Probe the implicit-check fault classifiers",
		Version: fmt.Sprintf("%s (%s)", Version, Commit),
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			log.InitLogger(logLevel)
			for _, mod := range strings.Split(debug, ",") {
				if mod != "" {
					log.EnableModule(mod)
				}
			}
		},
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "trace|debug|info|warn|error")
	rootCmd.PersistentFlags().StringVar(&debug, "debug", "", "comma-separated log modules to enable")

	var decodeCmd = &cobra.Command{
		Use:   "decode <hex bytes>",
		Short: "Decode instruction bytes with the restricted length decoder and the full disassembler",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			if err := runDecode(args[0]); err != nil {
				fmt.Printf("decode failed: %v\n", err)
				os.Exit(1)
			}
		},
	}

	var arch string
	var classifyCmd = &cobra.Command{
		Use:   "classify <null|suspend|overflow|wild>",
		Short: "Run a synthetic fault scenario through a fresh manager",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			if err := runClassify(args[0], arch); err != nil {
				fmt.Printf("classify failed: %v\n", err)
				os.Exit(1)
			}
		},
	}
	classifyCmd.Flags().StringVar(&arch, "arch", "amd64", "amd64|arm64")

	var count int
	var rangesCmd = &cobra.Command{
		Use:   "ranges",
		Short: "Demo the generated-code range registry",
		Run: func(cmd *cobra.Command, args []string) {
			runRanges(count)
		},
	}
	rangesCmd.Flags().IntVar(&count, "count", 20, "ranges to register")

	rootCmd.AddCommand(decodeCmd, classifyCmd, rangesCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runDecode(arg string) error {
	cleaned := strings.NewReplacer(" ", "", "\t", "", "0x", "").Replace(arg)
	code, err := hex.DecodeString(cleaned)
	if err != nil {
		return fmt.Errorf("parsing hex: %w", err)
	}

	for off := 0; off < len(code); {
		rest := code[off:]
		restricted := sigctx.InstructionSize(rest)
		inst, derr := x86asm.Decode(rest, 64)
		switch {
		case derr != nil && restricted == 0:
			return fmt.Errorf("undecodable bytes at +%d: % x", off, rest)
		case derr != nil:
			fmt.Printf("%4d: %-24s len=%d (restricted decoder only)\n",
				off, fmt.Sprintf("% x", rest[:restricted]), restricted)
			off += restricted
		default:
			accept := "rejected"
			if restricted == inst.Len {
				accept = "accepted"
			} else if restricted != 0 {
				accept = fmt.Sprintf("LENGTH MISMATCH (%d)", restricted)
			}
			fmt.Printf("%4d: %-24s %-32s %s by fault decoder\n",
				off, fmt.Sprintf("% x", rest[:inst.Len]), inst.String(), accept)
			off += inst.Len
		}
	}
	return nil
}

// probeEnv is a self-contained runtime for one scenario: manager, one
// runnable thread holding its mutator share, and a synthetic address space.
type probeEnv struct {
	list    *threads.List
	mutator *threads.MutatorLock
	chain   *fault.Chain
	mgr     *fault.Manager
	self    *threads.Thread
	mem     *sigctx.SparseMemory
}

func newProbeEnv() *probeEnv {
	env := &probeEnv{
		list:    threads.NewList(),
		mutator: threads.NewMutatorLock(),
		chain:   fault.NewChain(),
		mem:     sigctx.NewSparseMemory(),
	}
	env.mgr = fault.NewManager(fault.Config{Trampolines: probeTramps}, env.list, env.mutator)
	env.mgr.SetMetrics(telemetry.Default())
	env.mgr.Init(env.chain)
	env.self = env.list.Register()
	env.self.SetState(threads.StateRunnable)
	env.mutator.SharedLock(env.self)
	return env
}

// mapFrame builds a frame whose method slot passes validation and installs
// the method's stack maps so the return PC resolves.
func (env *probeEnv) mapFrame(table *codegen.MethodTable, codeStart uintptr, returnOffset uint32) (sp uintptr) {
	const method, class, classClass = uintptr(0x500000), uintptr(0x500100), uintptr(0x500200)
	env.mem.Map(0x500000, 0x1000)
	env.putWord(method, class)
	env.putWord(class, classClass)
	env.putWord(classClass, classClass)

	sp = 0x7f8000
	env.mem.Map(sp-0x4000, 0x8000)
	env.putWord(sp, method)

	if table != nil {
		var maps codegen.StackMapStream
		maps.Add(returnOffset, 1, 0)
		table.Install(method, codeStart, 0x1000, &maps)
	}
	return sp
}

func (env *probeEnv) putWord(addr, v uintptr) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(v))
	env.mem.WriteAt(addr, buf[:])
}

func runClassify(scenario, arch string) error {
	if arch != "amd64" && arch != "arm64" {
		return fmt.Errorf("unsupported arch %q", arch)
	}
	env := newProbeEnv()
	defer env.mgr.Shutdown()

	const pc = uintptr(0x400800)
	env.mgr.AddGeneratedCodeRange(0x400000, 0x1000)

	table := codegen.NewMethodTable()
	fault.NewNullPointerHandler(env.mgr, fault.DefaultMethodLayout(), table)
	fault.NewSuspensionHandler(env.mgr)
	fault.NewStackOverflowHandler(env.mgr)
	fault.NewStackDumpHandler(env.mgr)

	var ctx sigctx.Context
	instLen := uint32(4)
	if arch == "amd64" {
		ctx = sigctx.NewAMD64Context(env.mem)
		instLen = 2
	} else {
		ctx = sigctx.NewARM64Context(env.mem)
	}

	info := &sigctx.Info{Signo: sigctx.SIGSEGV, Code: sigctx.SegvMapErr}
	switch scenario {
	case "null":
		if arch == "amd64" {
			env.mem.MapBytes(pc, []byte{0x8b, 0x03}) // mov eax, [rbx]
		} else {
			env.mem.Map(pc&^0xfff, 0x1000)
		}
		ctx.SetSP(env.mapFrame(table, pc, instLen))
		info.Addr = 0
	case "suspend":
		if arch == "amd64" {
			code := append([]byte{0x65, 0x48, 0x8b, 0x04, 0x25, 0xa8, 0x00, 0x00, 0x00}, 0x85, 0x00)
			env.mem.MapBytes(pc-9, code)
		} else {
			env.mem.MapBytes(pc, []byte{0xb5, 0x02, 0x40, 0xf9}) // ldr x21, [x21]
		}
		ctx.SetSP(env.mapFrame(nil, pc, 0))
		env.self.TriggerSuspend(0xdead0000)
		info.Addr = 0xdead0000
	case "overflow":
		ctx.SetSP(env.mapFrame(nil, pc, 0))
		info.Code = sigctx.SegvAccErr
		info.Addr = ctx.SP() - 8*1024
	case "wild":
		ctx.SetSP(env.mapFrame(nil, pc, 0))
		info.Addr = 0x123456
	default:
		return fmt.Errorf("unknown scenario %q", scenario)
	}
	ctx.SetPC(pc)

	fmt.Printf("delivering %s on %s: %s\n", scenario, arch, info.String())
	if env.chain.Dispatch(env.self, info, ctx) {
		fmt.Printf("claimed: resume pc=%#x sp=%#x\n", ctx.PC(), ctx.SP())
	} else {
		fmt.Println("unclaimed: would fall through to the default disposition")
	}
	return nil
}

func runRanges(count int) {
	env := newProbeEnv()
	defer env.mgr.Shutdown()

	base := uintptr(0x400000)
	for i := 0; i < count; i++ {
		env.mgr.AddGeneratedCodeRange(base+uintptr(i)*0x2000, 0x1000)
	}
	fmt.Printf("registered %d ranges of 0x1000 bytes, stride 0x2000\n", count)

	probe := func(pc uintptr) {
		ctx := sigctx.NewAMD64Context(env.mem)
		ctx.SetPC(pc)
		ctx.SetSP(0x7f8000)
		info := &sigctx.Info{Signo: sigctx.SIGSEGV, Code: sigctx.SegvMapErr}
		fmt.Printf("  pc=%#x in generated code: %v\n",
			pc, env.mgr.IsInGeneratedCode(env.self, info, ctx))
	}
	probe(base + 0x800)        // inside the first range
	probe(base + 0x1800)       // in the gap
	probe(base + 0x2000)       // start of the second range
	probe(base + 0x1000 - 1)   // last byte of the first
	probe(base + uintptr(count)*0x2000) // past everything

	env.mgr.RemoveGeneratedCodeRange(env.self, base, 0x1000)
	fmt.Println("removed the first range")
	probe(base + 0x800)
	probe(base + 0x2000)
}
