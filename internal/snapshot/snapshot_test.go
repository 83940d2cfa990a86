package snapshot

import (
	"bytes"
	"debug/elf"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blunderer/cortex-tool/internal/arch"
	"github.com/blunderer/cortex-tool/internal/coretest"
	"github.com/blunderer/cortex-tool/internal/elfcore"
)

const (
	codeBase  = 0x400000
	stackBase = 0x7ffe0000
	pc        = 0x400100
	sp        = 0x7ffe0800
	bp        = 0x7ffe0810
)

// x86Regs encodes a user_regs_struct with rip, rsp and rbp set.
func x86Regs(rip, rsp, rbp uint64) []byte {
	words := make([]uint64, 27)
	words[4] = rbp
	words[10] = 0xaaaa // rax
	words[16] = rip
	words[19] = rsp
	return coretest.Words(coretest.LE64, words...)
}

func codeBytes() []byte {
	b := make([]byte, 0x1000)
	for i := range b {
		b[i] = 0x90
	}
	return b
}

func stackBytes() []byte {
	return coretest.Words(coretest.LE64, stackWords(map[uint64]uint64{
		bp:         0x7ffe0830,
		bp + 8:     0x400200,
		0x7ffe0830: 0,
		0x7ffe0838: 0x400300,
	})...)
}

func stackWords(set map[uint64]uint64) []uint64 {
	words := make([]uint64, 0x1000/8)
	for i := range words {
		words[i] = 0x5a5a0000 + uint64(i)
	}
	for addr, v := range set {
		words[(addr-stackBase)/8] = v
	}
	return words
}

type coreOpts struct {
	rip, rsp, rbp uint64
	notesLast     bool
	stackFirst    bool
}

func buildCore(t *testing.T, o coreOpts) []byte {
	t.Helper()
	b := coretest.New(elf.EM_X86_64, coretest.LE64).
		Thread(elfcore.PRStatus{Signo: 11, Cursig: 11, Pid: 300, Ppid: 1, Pgrp: 300, Registers: x86Regs(o.rip, o.rsp, o.rbp)}).
		Thread(elfcore.PRStatus{Pid: 301, Pgrp: 300, Registers: x86Regs(1, 2, 3)}).
		ProcessInfo(elfcore.ProcessInfo{Pid: 300, Pgrp: 300, Fname: "crasher", Psargs: "crasher -x"}).
		Auxv(elfcore.Auxv{{Type: 6, Value: 4096}})

	code := coretest.Load{Vaddr: codeBase, Data: codeBytes(), Flags: elf.PF_R | elf.PF_X, Align: 0x1000}
	stack := coretest.Load{Vaddr: stackBase, Data: stackBytes(), Flags: elf.PF_R | elf.PF_W, Align: 0x1000}
	if o.stackFirst {
		b.Load(stack).Load(code)
	} else {
		b.Load(code).Load(stack)
	}
	if o.notesLast {
		b.NotesLast()
	}
	return b.Build(t)
}

func defaultCore(t *testing.T) []byte {
	return buildCore(t, coreOpts{rip: pc, rsp: sp, rbp: bp})
}

func x86(t *testing.T) arch.Arch {
	t.Helper()
	a, err := arch.New("x86_64", arch.Options{})
	require.NoError(t, err)
	return a
}

func load(t *testing.T, raw []byte) (*Snapshot, error) {
	t.Helper()
	return Load(elfcore.NewSource(bytes.NewReader(raw)), x86(t), zerolog.Nop())
}

func TestLoad(t *testing.T) {
	s, err := load(t, defaultCore(t))
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, uint64(pc), s.PC)
	assert.Equal(t, uint64(sp), s.SP)
	assert.Equal(t, 8, s.WordSize())
	require.Len(t, s.Threads, 2)
	assert.Equal(t, uint32(300), s.ActiveThread().Pid())
	assert.Equal(t, uint16(11), s.Signal())
	assert.False(t, s.IsClone())
	assert.Equal(t, "crasher", s.Info.Fname)
	assert.Len(t, s.Auxv, 1)

	require.Len(t, s.Registers, 21)
	assert.Equal(t, "rax", s.Registers[0].Name)
	assert.Equal(t, uint64(0xaaaa), s.Registers[0].Value)

	require.NotNil(t, s.CodeProg)
	assert.Equal(t, uint64(codeBase), s.CodeProg.Vaddr)
	assert.Equal(t, codeBytes(), s.Code.Data)
	require.NotNil(t, s.StackProg)
	assert.Equal(t, uint64(stackBase), s.StackProg.Vaddr)
	assert.Equal(t, stackBytes(), s.Stack.Data)
}

func TestLoadStackBeforeCode(t *testing.T) {
	s, err := load(t, buildCore(t, coreOpts{rip: pc, rsp: sp, rbp: bp, stackFirst: true}))
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, codeBytes(), s.Code.Data)
	assert.Equal(t, stackBytes(), s.Stack.Data)
}

func TestLoadSharedSegment(t *testing.T) {
	// Code and stack pointers in the same segment.
	s, err := load(t, buildCore(t, coreOpts{rip: stackBase + 0x10, rsp: sp, rbp: bp}))
	require.NoError(t, err)
	defer s.Close()

	assert.Same(t, s.CodeProg, s.StackProg)
	assert.Same(t, s.Code, s.Stack)
}

func TestLoadUnmappedPointers(t *testing.T) {
	s, err := load(t, buildCore(t, coreOpts{rip: 0xdead0000, rsp: 0x10, rbp: bp}))
	require.NoError(t, err)
	defer s.Close()

	assert.Nil(t, s.CodeProg)
	assert.Nil(t, s.Code)
	assert.Nil(t, s.StackProg)
	assert.Nil(t, s.Stack)

	_, err = s.CallTrace()
	require.ErrorIs(t, err, elfcore.ErrUnmappedAddress)
	_, _, err = s.LastFrame()
	require.ErrorIs(t, err, elfcore.ErrUnmappedAddress)

	var out bytes.Buffer
	require.ErrorIs(t, s.WriteCore(&out, Selection{Code: true}), elfcore.ErrUnmappedAddress)
	require.ErrorIs(t, s.WriteCore(&out, Selection{Stack: true}), elfcore.ErrStructuralViolation)
}

func TestLoadSegmentBounds(t *testing.T) {
	// The first byte of a segment is not inside it.
	s, err := load(t, buildCore(t, coreOpts{rip: codeBase, rsp: stackBase + 0x1000, rbp: 0}))
	require.NoError(t, err)
	defer s.Close()

	assert.Nil(t, s.CodeProg)
	assert.Nil(t, s.StackProg)
}

func TestLoadMissingNotes(t *testing.T) {
	raw := coretest.New(elf.EM_X86_64, coretest.LE64).
		WithoutNotes().
		Load(coretest.Load{Vaddr: codeBase, Data: codeBytes()}).
		Build(t)

	_, err := load(t, raw)
	require.ErrorIs(t, err, elfcore.ErrMissingNoteSegment)
	assert.ErrorIs(t, err, elfcore.ErrStructuralViolation)
}

func TestLoadWrongArch(t *testing.T) {
	a, err := arch.New("i386", arch.Options{})
	require.NoError(t, err)

	_, err = Load(elfcore.NewSource(bytes.NewReader(defaultCore(t))), a, zerolog.Nop())
	require.ErrorIs(t, err, elfcore.ErrWrongClass)
}

type spool struct{ *bytes.Reader }

func (s spool) Size() uint64 { return uint64(s.Reader.Size()) }

func TestLoadNotesLast(t *testing.T) {
	raw := buildCore(t, coreOpts{rip: pc, rsp: sp, rbp: bp, notesLast: true})

	_, err := load(t, raw)
	require.ErrorIs(t, err, elfcore.ErrNonMonotonicAccess)

	s, err := Load(elfcore.NewSpooledSource(spool{bytes.NewReader(raw)}), x86(t), zerolog.Nop())
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, codeBytes(), s.Code.Data)
	assert.Equal(t, stackBytes(), s.Stack.Data)
}

func TestCallTrace(t *testing.T) {
	s, err := load(t, defaultCore(t))
	require.NoError(t, err)
	defer s.Close()

	frames, err := s.CallTrace()
	require.NoError(t, err)
	assert.Equal(t, []arch.Frame{
		{PC: pc, SP: sp, BP: bp},
		{PC: 0x400200, SP: bp - 8, BP: 0x7ffe0830},
	}, frames)
}

func TestCallTraceUnsupported(t *testing.T) {
	s, err := load(t, defaultCore(t))
	require.NoError(t, err)
	defer s.Close()

	mips, err := arch.New("mips64", arch.Options{})
	require.NoError(t, err)
	s.Arch = mips
	_, err = s.CallTrace()
	require.ErrorIs(t, err, elfcore.ErrUnsupported)

	f, words, err := s.LastFrame()
	require.NoError(t, err)
	assert.Zero(t, f.BP)
	assert.Empty(t, words)
}

func TestLastFrame(t *testing.T) {
	s, err := load(t, defaultCore(t))
	require.NoError(t, err)
	defer s.Close()

	f, words, err := s.LastFrame()
	require.NoError(t, err)
	assert.Equal(t, uint64(bp), f.BP)
	require.Len(t, words, 3)
	assert.Equal(t, StackWord{Addr: bp, Value: 0x7ffe0830}, words[0])
	assert.Equal(t, uint64(sp), words[2].Addr)
	assert.Equal(t, uint64(0x5a5a0000+0x100), words[2].Value)
}

func TestLastFrameOutsideStack(t *testing.T) {
	s, err := load(t, buildCore(t, coreOpts{rip: pc, rsp: sp, rbp: stackBase + 0x1008}))
	require.NoError(t, err)
	defer s.Close()

	_, words, err := s.LastFrame()
	require.ErrorIs(t, err, elfcore.ErrCorruptStackChain)
	assert.Empty(t, words)
}
