package arch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blunderer/cortex-tool/internal/elfcore"
)

// stack builds a Memory of size bytes at base with the given words set.
func stack(layout elfcore.Layout, base uint64, size int, words map[uint64]uint64) *Memory {
	m := &Memory{Base: base, Data: make([]byte, size), Layout: layout}
	for addr, v := range words {
		layout.PutWord(m.Data[addr-base:], v)
	}
	return m
}

// setReg overwrites the named register.
func setReg(regs []Register, name string, v uint64) {
	regs[indexOf(names(regs), name)].Value = v
}

func zeroRegs(t *testing.T, a Arch, layout elfcore.Layout, words int) []Register {
	t.Helper()
	regs, err := a.FillRegisters(make([]byte, words*layout.WordSize()), layout)
	require.NoError(t, err)
	return regs
}

func pcs(frames []Frame) []uint64 {
	out := make([]uint64, len(frames))
	for i, f := range frames {
		out[i] = f.PC
	}
	return out
}

func TestWalkX86_64(t *testing.T) {
	a := mustNew(t, "x86_64", Options{})
	regs := zeroRegs(t, a, le64, 27)
	setReg(regs, "rip", 0x401000)
	setReg(regs, "rsp", 0x7010)
	setReg(regs, "rbp", 0x7020)

	ctx := &UnwindContext{
		Regs: regs,
		Stack: stack(le64, 0x7000, 0x100, map[uint64]uint64{
			0x7020: 0x7040, 0x7028: 0x401100,
			0x7040: 0x7060, 0x7048: 0x401200,
			0x7060: 0, 0x7068: 0x401300,
		}),
	}

	frames, err := Walk(a, ctx)
	require.NoError(t, err)
	assert.Equal(t, []Frame{
		{PC: 0x401000, SP: 0x7010, BP: 0x7020},
		{PC: 0x401100, SP: 0x7018, BP: 0x7040},
		{PC: 0x401200, SP: 0x7038, BP: 0x7060},
	}, frames)
}

func TestWalkX86_64NoFramePointer(t *testing.T) {
	a := mustNew(t, "x86_64", Options{})
	regs := zeroRegs(t, a, le64, 27)
	setReg(regs, "rip", 0x401000)

	frames, err := Walk(a, &UnwindContext{Regs: regs, Stack: stack(le64, 0x7000, 0x10, nil)})
	require.NoError(t, err)
	assert.Equal(t, []uint64{0x401000}, pcs(frames))
}

func TestWalkCorruptChain(t *testing.T) {
	a := mustNew(t, "x86_64", Options{})
	regs := zeroRegs(t, a, le64, 27)
	setReg(regs, "rip", 0x401000)
	setReg(regs, "rbp", 0x7020)

	// The second saved frame pointer points outside the segment.
	ctx := &UnwindContext{
		Regs: regs,
		Stack: stack(le64, 0x7000, 0x40, map[uint64]uint64{
			0x7020: 0x9000, 0x7028: 0x401100,
		}),
	}
	frames, err := Walk(a, ctx)
	require.ErrorIs(t, err, elfcore.ErrCorruptStackChain)
	assert.Equal(t, []uint64{0x401000, 0x401100}, pcs(frames))
}

func TestWalkBoundsOnLastWord(t *testing.T) {
	a := mustNew(t, "x86_64", Options{})
	regs := zeroRegs(t, a, le64, 27)
	// The return address slot would be the first byte past the stack.
	setReg(regs, "rbp", 0x7038)

	frames, err := Walk(a, &UnwindContext{Regs: regs, Stack: stack(le64, 0x7000, 0x40, nil)})
	require.ErrorIs(t, err, elfcore.ErrCorruptStackChain)
	assert.Len(t, frames, 1)
}

func TestWalkFrameCap(t *testing.T) {
	a := mustNew(t, "x86_64", Options{})
	regs := zeroRegs(t, a, le64, 27)
	setReg(regs, "rbp", 0x7020)

	// A frame that links to itself.
	ctx := &UnwindContext{
		Regs:  regs,
		Stack: stack(le64, 0x7000, 0x40, map[uint64]uint64{0x7020: 0x7020, 0x7028: 0x401000}),
	}
	frames, err := Walk(a, ctx)
	require.NoError(t, err)
	assert.Len(t, frames, MaxFrames)
}

func TestWalkI386(t *testing.T) {
	a := mustNew(t, "i386", Options{})
	regs := zeroRegs(t, a, le32, 17)
	setReg(regs, "eip", 0x8048000)
	setReg(regs, "esp", 0x7010)
	setReg(regs, "ebp", 0x7020)

	words := map[uint64]uint64{
		0x7020: 0x7040, 0x7024: 0x8048100,
		0x7040: 0, 0x7044: 0x8048200,
	}

	t.Run("process group leader", func(t *testing.T) {
		// The frame whose saved frame pointer is zero is not reported.
		ctx := &UnwindContext{Regs: regs, Stack: stack(le32, 0x7000, 0x80, words), Pid: 100, Pgrp: 100}
		frames, err := Walk(a, ctx)
		require.NoError(t, err)
		assert.Equal(t, []uint64{0x8048000}, pcs(frames))
	})

	t.Run("clone", func(t *testing.T) {
		ctx := &UnwindContext{Regs: regs, Stack: stack(le32, 0x7000, 0x80, words), Pid: 101, Pgrp: 100}
		frames, err := Walk(a, ctx)
		require.NoError(t, err)
		assert.Equal(t, []Frame{
			{PC: 0x8048000, SP: 0x7010, BP: 0x7020},
			{PC: 0x8048100, SP: 0x701c, BP: 0x7040},
		}, frames)
	})
}

func TestWalkARM(t *testing.T) {
	a := mustNew(t, "arm", Options{})
	regs := zeroRegs(t, a, le32, 18)
	setReg(regs, "pc", 0x8000)
	setReg(regs, "sp", 0x7000)
	setReg(regs, "fp", 0x7020)
	setReg(regs, "lr", 0x8100)

	ctx := &UnwindContext{
		Regs: regs,
		Stack: stack(le32, 0x7000, 0x80, map[uint64]uint64{
			// First step: pc comes from the lr register, saved fp at fp-4.
			0x7018: 0xdead, 0x701c: 0x7040, 0x7024: 0x8200,
			// Later steps: saved fp at fp-8.
			0x7038: 0x7060, 0x703c: 0xbeef, 0x7044: 0x8300,
			0x7058: 0, 0x705c: 0xf00d, 0x7064: 0,
		}),
	}

	frames, err := Walk(a, ctx)
	require.NoError(t, err)
	assert.Equal(t, []Frame{
		{PC: 0x8000, SP: 0x7000, BP: 0x7020},
		{PC: 0x8100, SP: 0x701c, BP: 0x7040},
		{PC: 0x8200, SP: 0x703c, BP: 0x7060},
		{PC: 0x8300, SP: 0x705c, BP: 0},
	}, frames)
}

func TestWalkARMStopsOnFramesBelowSP(t *testing.T) {
	a := mustNew(t, "arm", Options{})
	regs := zeroRegs(t, a, le32, 18)
	setReg(regs, "pc", 0x8000)
	setReg(regs, "sp", 0x7040)
	setReg(regs, "fp", 0x7020)

	frames, err := Walk(a, &UnwindContext{Regs: regs, Stack: stack(le32, 0x7000, 0x80, nil)})
	require.NoError(t, err)
	assert.Equal(t, []uint64{0x8000}, pcs(frames))
}

func TestWalkARMStopsOnZeroPC(t *testing.T) {
	a := mustNew(t, "arm", Options{})
	regs := zeroRegs(t, a, le32, 18)
	setReg(regs, "pc", 0x8000)
	setReg(regs, "sp", 0x7000)
	setReg(regs, "fp", 0x7020)

	// lr is zero, so the first caller is not reported.
	frames, err := Walk(a, &UnwindContext{Regs: regs, Stack: stack(le32, 0x7000, 0x80, nil)})
	require.NoError(t, err)
	assert.Equal(t, []uint64{0x8000}, pcs(frames))
}
