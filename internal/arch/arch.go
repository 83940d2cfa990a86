// Package arch decodes per-architecture register sets and walks frame
// pointer chains through a stack segment.
package arch

import (
	"debug/elf"
	"fmt"
	"runtime"
	"sort"

	"github.com/blunderer/cortex-tool/internal/elfcore"
)

// MaxFrames bounds the length of a call trace.
const MaxFrames = 256

// Register is one entry of a decoded register set.
type Register struct {
	Name string
	// Size is the width in bytes, 4 or 8.
	Size  int
	Value uint64
}

// Frame is a position in the call chain.
type Frame struct {
	PC uint64
	SP uint64
	BP uint64
}

// Arch describes one CPU family's register layout.
type Arch interface {
	Name() string
	Target() elfcore.Target
	WordSize() int
	// FillRegisters decodes the pr_reg blob of a NT_PRSTATUS record.
	FillRegisters(raw []byte, layout elfcore.Layout) ([]Register, error)
	ProgramCounter(regs []Register) uint64
	StackPointer(regs []Register) uint64
}

// Unwinder is implemented by architectures that can walk frame pointers.
type Unwinder interface {
	// UnwindInit sets f to the crashing frame.
	UnwindInit(ctx *UnwindContext, f *Frame) error
	// UnwindNext moves f to its caller. It reports false when the chain
	// ends; f may still have been updated.
	UnwindNext(ctx *UnwindContext, f *Frame) (bool, error)
	UnwindExit(ctx *UnwindContext)
}

// UnwindContext is the state shared by one walk.
type UnwindContext struct {
	Regs  []Register
	Stack *Memory
	// Pid and Pgrp of the crashing thread.
	Pid  uint32
	Pgrp uint32

	// link is the ARM link register as tracked across frames.
	link uint64
}

// Memory is the image of the stack segment.
type Memory struct {
	Base   uint64
	Data   []byte
	Layout elfcore.Layout
}

// Word reads the native word at addr.
func (m *Memory) Word(addr uint64) (uint64, error) {
	if m == nil {
		return 0, fmt.Errorf("%w: no stack to read %#x from", elfcore.ErrCorruptStackChain, addr)
	}
	ws := uint64(m.Layout.WordSize())
	if addr < m.Base || addr-m.Base > uint64(len(m.Data)) || uint64(len(m.Data))-(addr-m.Base) < ws {
		return 0, fmt.Errorf("%w: %#x outside stack [%#x, %#x)",
			elfcore.ErrCorruptStackChain, addr, m.Base, m.Base+uint64(len(m.Data)))
	}
	return m.Layout.Word(m.Data[addr-m.Base:]), nil
}

// Walk collects the call chain starting at the crashing frame. On a
// corrupt chain it returns the frames gathered so far along with the
// error.
func Walk(a Arch, ctx *UnwindContext) ([]Frame, error) {
	u, ok := a.(Unwinder)
	if !ok {
		return nil, fmt.Errorf("%w: no unwinder for %s", elfcore.ErrUnsupported, a.Name())
	}

	var f Frame
	if err := u.UnwindInit(ctx, &f); err != nil {
		return nil, err
	}
	defer u.UnwindExit(ctx)

	frames := []Frame{f}
	for len(frames) < MaxFrames {
		more, err := u.UnwindNext(ctx, &f)
		if err != nil {
			return frames, err
		}
		if !more {
			break
		}
		frames = append(frames, f)
	}
	return frames, nil
}

// Options configures optional register set extensions.
type Options struct {
	MIPS MIPSOptions
}

// MIPSOptions selects kernel configuration dependent pt_regs fields.
type MIPSOptions struct {
	SmartMIPS bool // CONFIG_CPU_HAS_SMARTMIPS: acx
	SMTC      bool // CONFIG_MIPS_MT_SMTC: cp0_tcstatus
	Octeon    bool // CONFIG_CPU_CAVIUM_OCTEON: mpl and mtp
}

var registry = map[string]func(Options) Arch{
	"x86_64":    func(Options) Arch { return newX86_64() },
	"i386":      func(Options) Arch { return newI386() },
	"arm":       func(Options) Arch { return newARM() },
	"mips":      func(o Options) Arch { return newMIPS(elf.ELFCLASS32, o.MIPS) },
	"mips64":    func(o Options) Arch { return newMIPS(elf.ELFCLASS64, o.MIPS) },
	"powerpc":   func(Options) Arch { return newPowerPC(elf.EM_PPC, elf.ELFCLASS32) },
	"powerpc64": func(Options) Arch { return newPowerPC(elf.EM_PPC64, elf.ELFCLASS64) },
}

// New returns the named architecture.
func New(name string, opts Options) (Arch, error) {
	ctor, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown architecture %q", elfcore.ErrUnsupported, name)
	}
	return ctor(opts), nil
}

// Names lists the known architectures.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Default returns the architecture of the running binary, falling back
// to x86_64 when it is not supported.
func Default() string {
	switch runtime.GOARCH {
	case "386":
		return "i386"
	case "arm":
		return "arm"
	case "mips", "mipsle":
		return "mips"
	case "mips64", "mips64le":
		return "mips64"
	case "ppc64", "ppc64le":
		return "powerpc64"
	default:
		return "x86_64"
	}
}

// table decodes a register blob laid out as consecutive words. Each
// entry names the register and the word slot it is read from; the output
// follows table order.
type table struct {
	names []string
	slots []int
	// words is the number of leading slots that must be present.
	words int
}

func (t *table) decode(raw []byte, layout elfcore.Layout, width int) ([]Register, error) {
	if len(raw) < t.words*width {
		return nil, fmt.Errorf("%w: have %d bytes, need %d", elfcore.ErrShortRegisterBlob, len(raw), t.words*width)
	}
	regs := make([]Register, len(t.names))
	for i, name := range t.names {
		at := t.slots[i] * width
		var v uint64
		if width == 8 {
			v = layout.ByteOrder.Uint64(raw[at:])
		} else {
			v = uint64(layout.ByteOrder.Uint32(raw[at:]))
		}
		regs[i] = Register{Name: name, Size: width, Value: v}
	}
	return regs, nil
}

// sequential builds a table whose registers appear in blob order.
func sequential(names ...string) *table {
	slots := make([]int, len(names))
	for i := range slots {
		slots[i] = i
	}
	return &table{names: names, slots: slots, words: len(names)}
}

// reordered builds a table from blob order and the desired output order.
func reordered(blob []string, words int, output ...string) *table {
	pos := make(map[string]int, len(blob))
	for i, name := range blob {
		pos[name] = i
	}
	slots := make([]int, len(output))
	for i, name := range output {
		slot, ok := pos[name]
		if !ok {
			panic("arch: register " + name + " not in blob layout")
		}
		slots[i] = slot
	}
	return &table{names: output, slots: slots, words: words}
}

func indexOf(names []string, name string) int {
	for i, n := range names {
		if n == name {
			return i
		}
	}
	panic("arch: unknown register " + name)
}

// value returns regs[i].Value, or 0 when regs is too short.
func value(regs []Register, i int) uint64 {
	if i < 0 || i >= len(regs) {
		return 0
	}
	return regs[i].Value
}

// base implements the parts of Arch shared by every family.
type base struct {
	name   string
	target elfcore.Target
	regs   *table
	pc, sp int
}

func (b *base) Name() string           { return b.name }
func (b *base) Target() elfcore.Target { return b.target }

func (b *base) WordSize() int {
	if b.target.Class == elf.ELFCLASS64 {
		return 8
	}
	return 4
}

func (b *base) FillRegisters(raw []byte, layout elfcore.Layout) ([]Register, error) {
	return b.regs.decode(raw, layout, b.WordSize())
}

func (b *base) ProgramCounter(regs []Register) uint64 { return value(regs, b.pc) }
func (b *base) StackPointer(regs []Register) uint64   { return value(regs, b.sp) }
