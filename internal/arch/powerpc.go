package arch

import (
	"debug/elf"
	"fmt"

	"github.com/blunderer/cortex-tool/internal/elfcore"
)

func powerpcRegs(class elf.Class) []string {
	names := make([]string, 0, 44)
	for i := range 32 {
		names = append(names, fmt.Sprintf("gpr%d", i))
	}
	names = append(names, "nip", "msr", "orig_gpr3", "ctr", "link", "xer", "ccr")
	if class == elf.ELFCLASS64 {
		names = append(names, "softe")
	} else {
		names = append(names, "mq")
	}
	return append(names, "trap", "dar", "dsisr", "result")
}

type powerpc struct {
	base
}

func newPowerPC(machine elf.Machine, class elf.Class) *powerpc {
	name := "powerpc"
	if class == elf.ELFCLASS64 {
		name = "powerpc64"
	}
	names := powerpcRegs(class)
	return &powerpc{
		base: base{
			name:   name,
			target: elfcore.Target{Machine: machine, Class: class},
			regs:   sequential(names...),
			pc:     indexOf(names, "nip"),
			sp:     indexOf(names, "gpr1"),
		},
	}
}
