package arch

import (
	"debug/elf"

	"github.com/blunderer/cortex-tool/internal/elfcore"
)

// x86_64PtRegs is the order of struct user_regs_struct in pr_reg.
var x86_64PtRegs = []string{
	"r15", "r14", "r13", "r12", "rbp", "rbx", "r11", "r10",
	"r9", "r8", "rax", "rcx", "rdx", "rsi", "rdi", "orig_rax",
	"rip", "cs", "eflags", "rsp", "ss",
}

var x86_64Regs = []string{
	"rax", "rbx", "rcx", "rdx", "rbp", "rsp", "rsi", "rdi",
	"rip", "r8", "r9", "r10", "r11", "r12", "r13", "r14",
	"r15", "cs", "ss", "orig_rax", "eflags",
}

type x86_64 struct {
	base
	bp int
}

func newX86_64() *x86_64 {
	return &x86_64{
		base: base{
			name:   "x86_64",
			target: elfcore.Target{Machine: elf.EM_X86_64, Class: elf.ELFCLASS64},
			regs:   reordered(x86_64PtRegs, len(x86_64PtRegs), x86_64Regs...),
			pc:     indexOf(x86_64Regs, "rip"),
			sp:     indexOf(x86_64Regs, "rsp"),
		},
		bp: indexOf(x86_64Regs, "rbp"),
	}
}

func (a *x86_64) UnwindInit(ctx *UnwindContext, f *Frame) error {
	*f = Frame{
		PC: value(ctx.Regs, a.pc),
		SP: value(ctx.Regs, a.sp),
		BP: value(ctx.Regs, a.bp),
	}
	return nil
}

func (a *x86_64) UnwindNext(ctx *UnwindContext, f *Frame) (bool, error) {
	if f.BP == 0 {
		return false, nil
	}
	if err := framePointerStep(ctx, f); err != nil {
		return false, err
	}
	return f.BP != 0, nil
}

func (a *x86_64) UnwindExit(*UnwindContext) {}

// framePointerStep follows one saved frame pointer: the caller's bp is
// stored at bp and the return address one word above it.
func framePointerStep(ctx *UnwindContext, f *Frame) error {
	ws := uint64(ctx.Stack.Layout.WordSize())
	pc, err := ctx.Stack.Word(f.BP + ws)
	if err != nil {
		return err
	}
	bp, err := ctx.Stack.Word(f.BP)
	if err != nil {
		return err
	}
	*f = Frame{PC: pc, SP: f.BP - ws, BP: bp}
	return nil
}
