// Package disasm prints an annotated instruction listing around a program
// counter.
package disasm

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/arch/arm/armasm"
	"golang.org/x/arch/ppc64/ppc64asm"
	"golang.org/x/arch/x86/x86asm"

	"github.com/blunderer/cortex-tool/internal/elfcore"
)

// Disassembler lists the instructions of code, loaded at base, that start
// within ctx bytes of pc.
type Disassembler interface {
	Disassemble(w io.Writer, code []byte, base, pc uint64, ctx int) error
}

// opcodeWidth is the number of opcode bytes the hex column is padded to.
const opcodeWidth = 12

// decodeFunc decodes the instruction at the start of code, loaded at pc.
// It returns the instruction text and length. A length of 0 stops the
// listing.
type decodeFunc func(code []byte, pc uint64) (string, int)

type lister struct {
	decode decodeFunc
}

// New returns the disassembler for an architecture name as known to
// package arch. order is the byte order of the core file.
func New(archName string, order binary.ByteOrder) (Disassembler, error) {
	switch archName {
	case "x86_64":
		return &lister{decode: x86(64)}, nil
	case "i386":
		return &lister{decode: x86(32)}, nil
	case "arm":
		return &lister{decode: arm(order)}, nil
	case "powerpc", "powerpc64":
		return &lister{decode: ppc(order)}, nil
	case "mips", "mips64":
		return &lister{decode: words(order)}, nil
	}
	return nil, fmt.Errorf("%w: no disassembler for %s", elfcore.ErrUnsupported, archName)
}

// Disassemble decodes code linearly from its first byte so variable
// length instructions stay in sync, and prints the instructions whose
// offset lies in [pc-base-ctx, pc-base+ctx+1]. The instruction at pc is
// marked with "=>".
func (l *lister) Disassemble(w io.Writer, code []byte, base, pc uint64, ctx int) error {
	if ctx < 0 {
		ctx = 0
	}
	rel := pc - base
	start := uint64(0)
	if rel > uint64(ctx) {
		start = rel - uint64(ctx)
	}
	end := rel + uint64(ctx) + 1

	var line bytes.Buffer
	for off := uint64(0); off < uint64(len(code)) && off <= end; {
		text, size := l.decode(code[off:], base+off)
		if size <= 0 {
			break
		}
		if off >= start {
			line.Reset()
			fmt.Fprintf(&line, "  0x%08X: \t", base+off)
			for j := range size {
				fmt.Fprintf(&line, "%02x ", code[off+uint64(j)])
			}
			for j := size; j < opcodeWidth; j++ {
				line.WriteString("   ")
			}
			mark := "|    "
			if base+off == pc {
				mark = "| => "
			}
			line.WriteString(mark)
			line.WriteString(text)
			line.WriteByte('\n')
			if _, err := w.Write(line.Bytes()); err != nil {
				return err
			}
		}
		off += uint64(size)
	}
	return nil
}

func x86(mode int) decodeFunc {
	return func(code []byte, pc uint64) (string, int) {
		inst, err := x86asm.Decode(code, mode)
		if err != nil {
			return "(bad)", 1
		}
		return x86asm.GNUSyntax(inst, pc, nil), inst.Len
	}
}

func arm(order binary.ByteOrder) decodeFunc {
	return func(code []byte, _ uint64) (string, int) {
		if len(code) < 4 {
			return "", 0
		}
		// armasm decodes little-endian words only.
		var word [4]byte
		binary.LittleEndian.PutUint32(word[:], order.Uint32(code))
		inst, err := armasm.Decode(word[:], armasm.ModeARM)
		if err != nil {
			return "(bad)", 4
		}
		return armasm.GNUSyntax(inst), inst.Len
	}
}

func ppc(order binary.ByteOrder) decodeFunc {
	return func(code []byte, pc uint64) (string, int) {
		if len(code) < 4 {
			return "", 0
		}
		inst, err := ppc64asm.Decode(code, order)
		if err != nil {
			return "(bad)", 4
		}
		return ppc64asm.GNUSyntax(inst, pc), inst.Len
	}
}

// words dumps raw 4-byte instruction words.
func words(order binary.ByteOrder) decodeFunc {
	return func(code []byte, _ uint64) (string, int) {
		if len(code) < 4 {
			return "", 0
		}
		return fmt.Sprintf(".word 0x%08x", order.Uint32(code)), 4
	}
}
