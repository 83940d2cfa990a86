package arch

import (
	"debug/elf"

	"github.com/blunderer/cortex-tool/internal/elfcore"
)

// i386PtRegs is the order of struct user_regs_struct in pr_reg.
var i386PtRegs = []string{
	"ebx", "ecx", "edx", "esi", "edi", "ebp", "eax", "xds",
	"xes", "xfs", "xgs", "orig_eax", "eip", "xcs", "eflags", "esp",
	"xss",
}

var i386Regs = []string{
	"eax", "ebx", "ecx", "edx", "ebp", "esp", "edi", "esi",
	"eip", "xcs", "xds", "xes", "xfs", "xgs", "xss", "eflags",
	"orig_eax",
}

type i386 struct {
	base
	bp int
}

func newI386() *i386 {
	return &i386{
		base: base{
			name:   "i386",
			target: elfcore.Target{Machine: elf.EM_386, Class: elf.ELFCLASS32, ShortIDs: true},
			regs:   reordered(i386PtRegs, len(i386PtRegs), i386Regs...),
			pc:     indexOf(i386Regs, "eip"),
			sp:     indexOf(i386Regs, "esp"),
		},
		bp: indexOf(i386Regs, "ebp"),
	}
}

func (a *i386) UnwindInit(ctx *UnwindContext, f *Frame) error {
	*f = Frame{
		PC: value(ctx.Regs, a.pc),
		SP: value(ctx.Regs, a.sp),
		BP: value(ctx.Regs, a.bp),
	}
	return nil
}

// UnwindNext follows the frame pointer chain. In the main thread the
// outermost frame is recognised by a zero saved frame pointer one level
// further up. The check keys off pid == pgrp, which only identifies the
// main thread of a process group leader; it is a heuristic.
func (a *i386) UnwindNext(ctx *UnwindContext, f *Frame) (bool, error) {
	if f.BP == 0 {
		return false, nil
	}
	if err := framePointerStep(ctx, f); err != nil {
		return false, err
	}
	if f.BP == 0 {
		return false, nil
	}
	if ctx.Pid == ctx.Pgrp {
		saved, err := ctx.Stack.Word(f.BP)
		if err != nil {
			return false, err
		}
		if saved == 0 {
			return false, nil
		}
	}
	return true, nil
}

func (a *i386) UnwindExit(*UnwindContext) {}
