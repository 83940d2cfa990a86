package arch

import (
	"debug/elf"
	"fmt"

	"github.com/blunderer/cortex-tool/internal/elfcore"
)

// mipsRegs lists struct pt_regs for the given class and kernel options.
func mipsRegs(class elf.Class, opts MIPSOptions) []string {
	var names []string
	if class == elf.ELFCLASS32 {
		for i := range 6 {
			names = append(names, fmt.Sprintf("pad0_%d", i))
		}
	}
	for i := range 32 {
		names = append(names, fmt.Sprintf("regs_%d", i))
	}
	names = append(names, "cp0_status", "hi", "lo")
	if opts.SmartMIPS {
		names = append(names, "acx")
	}
	names = append(names, "cp0_badvaddr", "cp0_cause", "cp0_epc")
	if opts.SMTC {
		names = append(names, "cp0_tcstatus")
	}
	if opts.Octeon {
		names = append(names, "mpl_0", "mpl_1", "mpl_2", "mtp_0", "mtp_1", "mtp_2")
	}
	return names
}

// mips has no unwinder: without frame pointers the chain cannot be
// walked reliably.
type mips struct {
	base
}

func newMIPS(class elf.Class, opts MIPSOptions) *mips {
	name := "mips"
	if class == elf.ELFCLASS64 {
		name = "mips64"
	}
	names := mipsRegs(class, opts)
	return &mips{
		base: base{
			name:   name,
			target: elfcore.Target{Machine: elf.EM_MIPS, Class: class},
			regs:   sequential(names...),
			pc:     indexOf(names, "cp0_epc"),
			sp:     indexOf(names, "regs_29"),
		},
	}
}
