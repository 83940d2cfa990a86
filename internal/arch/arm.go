package arch

import (
	"debug/elf"

	"github.com/blunderer/cortex-tool/internal/elfcore"
)

var armRegs = []string{
	"r0", "r1", "r2", "r3", "r4", "r5", "r6", "r7",
	"r8", "r9", "r10", "fp", "ip", "sp", "lr", "pc",
	"cpsr", "orig_r0",
}

type arm struct {
	base
	fp, lr int
}

func newARM() *arm {
	return &arm{
		base: base{
			name:   "arm",
			target: elfcore.Target{Machine: elf.EM_ARM, Class: elf.ELFCLASS32, ShortIDs: true},
			regs:   sequential(armRegs...),
			pc:     indexOf(armRegs, "pc"),
			sp:     indexOf(armRegs, "sp"),
		},
		fp: indexOf(armRegs, "fp"),
		lr: indexOf(armRegs, "lr"),
	}
}

func (a *arm) UnwindInit(ctx *UnwindContext, f *Frame) error {
	ctx.link = value(ctx.Regs, a.lr)
	*f = Frame{
		PC: value(ctx.Regs, a.pc),
		SP: value(ctx.Regs, a.sp),
		BP: value(ctx.Regs, a.fp),
	}
	return nil
}

// UnwindNext steps through an APCS frame. The caller's pc is the link
// value tracked so far. While that is still the lr register of the
// crashing frame, the saved fp is read right below fp; once it comes from
// the stack, the saved fp sits one word lower.
func (a *arm) UnwindNext(ctx *UnwindContext, f *Frame) (bool, error) {
	if f.BP == 0 || f.BP < f.SP {
		return false, nil
	}

	ws := uint64(ctx.Stack.Layout.WordSize())
	next := Frame{
		PC: ctx.link,
		SP: f.BP - ws,
	}

	slot := next.SP
	if next.PC != value(ctx.Regs, a.lr) {
		slot -= ws
	}
	bp, err := ctx.Stack.Word(slot)
	if err != nil {
		return false, err
	}
	next.BP = bp

	link, err := ctx.Stack.Word(f.BP + ws)
	if err != nil {
		return false, err
	}
	ctx.link = link

	*f = next
	return next.PC != 0, nil
}

func (a *arm) UnwindExit(ctx *UnwindContext) {
	ctx.link = 0
}
