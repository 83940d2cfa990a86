// Package snapshot assembles the state of a crashed process from its core
// file and re-emits reduced core files.
package snapshot

import (
	"debug/elf"
	"fmt"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"github.com/blunderer/cortex-tool/internal/arch"
	"github.com/blunderer/cortex-tool/internal/elfcore"
)

// Snapshot is the state of a crashed process. The thread records are
// views into the note segment and stay valid until Close.
type Snapshot struct {
	Arch   arch.Arch
	Layout elfcore.Layout
	Header elfcore.Header

	NoteProg *elfcore.Prog
	Notes    *elfcore.SegmentData
	// CodeProg and Code are nil when the pc is not mapped.
	CodeProg *elfcore.Prog
	Code     *elfcore.SegmentData
	// StackProg and Stack are nil when the sp is not mapped.
	StackProg *elfcore.Prog
	Stack     *elfcore.SegmentData

	Threads []elfcore.ThreadStatus
	Info    *elfcore.ProcessInfo
	Auxv    elfcore.Auxv

	Registers []arch.Register
	PC        uint64
	SP        uint64
}

// Load reads a core file produced on a and assembles its snapshot.
func Load(src *elfcore.Source, a arch.Arch, logger zerolog.Logger) (*Snapshot, error) {
	cf, err := elfcore.Open(src, a.Target(), logger)
	if err != nil {
		return nil, err
	}

	s := &Snapshot{
		Arch:   a,
		Layout: cf.Layout(),
		Header: *cf.Header(),
	}

	s.NoteProg = cf.FindSegmentByType(elf.PT_NOTE)
	if s.NoteProg == nil {
		return nil, elfcore.ErrMissingNoteSegment
	}
	s.Notes, err = cf.LoadSegmentData(s.NoteProg)
	if err != nil {
		return nil, fmt.Errorf("failed to load note segment: %w", err)
	}
	if s.Notes == nil {
		return nil, fmt.Errorf("%w: PT_NOTE has no file image", elfcore.ErrMissingNoteSegment)
	}

	pn, err := elfcore.ParseNotes(s.Notes, s.Layout)
	if err != nil {
		return nil, fmt.Errorf("failed to parse notes: %w", err)
	}
	s.Threads = pn.Threads
	s.Info = pn.Info
	s.Auxv = pn.Auxv

	s.Registers, err = a.FillRegisters(s.ActiveThread().Registers(), s.Layout)
	if err != nil {
		return nil, fmt.Errorf("failed to decode registers: %w", err)
	}
	s.PC = a.ProgramCounter(s.Registers)
	s.SP = a.StackPointer(s.Registers)

	s.CodeProg = cf.FindSegmentByVaddr(s.PC)
	s.StackProg = cf.FindSegmentByVaddr(s.SP)
	if err := s.loadSegments(cf); err != nil {
		s.Close()
		return nil, err
	}

	logger.Debug().
		Str("process", s.Info.Fname).
		Uint32("pid", s.Info.Pid).
		Int("threads", len(s.Threads)).
		Str("pc", fmt.Sprintf("%#x", s.PC)).
		Str("sp", fmt.Sprintf("%#x", s.SP)).
		Str("code", humanize.IBytes(uint64(s.Code.Size()))).
		Str("stack", humanize.IBytes(uint64(s.Stack.Size()))).
		Msg("loaded snapshot")
	return s, nil
}

// loadSegments reads the code and stack segments in file order, once
// each, so a stream source never has to move backwards.
func (s *Snapshot) loadSegments(cf *elfcore.CoreFile) error {
	var progs []*elfcore.Prog
	for _, p := range []*elfcore.Prog{s.CodeProg, s.StackProg} {
		if p != nil && (len(progs) == 0 || progs[0] != p) {
			progs = append(progs, p)
		}
	}
	sort.Slice(progs, func(i, j int) bool { return progs[i].Off < progs[j].Off })

	loaded := make(map[*elfcore.Prog]*elfcore.SegmentData, len(progs))
	for _, p := range progs {
		data, err := cf.LoadSegmentData(p)
		if err != nil {
			return fmt.Errorf("failed to load segment at %#x: %w", p.Vaddr, err)
		}
		loaded[p] = data
	}
	if s.CodeProg != nil {
		s.Code = loaded[s.CodeProg]
	}
	if s.StackProg != nil {
		s.Stack = loaded[s.StackProg]
	}
	return nil
}

// Close releases the segment buffers.
func (s *Snapshot) Close() {
	s.Notes.Release()
	s.Code.Release()
	s.Stack.Release()
	s.Notes, s.Code, s.Stack = nil, nil, nil
	s.Threads = nil
}

// ActiveThread returns the thread that received the fatal signal.
func (s *Snapshot) ActiveThread() elfcore.ThreadStatus {
	return s.Threads[0]
}

// WordSize returns the native word size of the process.
func (s *Snapshot) WordSize() int {
	return s.Layout.WordSize()
}

// Signal returns the fatal signal, or 0 when none was recorded.
func (s *Snapshot) Signal() uint16 {
	return s.ActiveThread().Cursig()
}

// IsClone reports whether the crashing thread is not the process group
// leader.
func (s *Snapshot) IsClone() bool {
	t := s.ActiveThread()
	return t.Pid() != t.Pgrp()
}

// StackMemory returns the stack segment for unwinding, or nil.
func (s *Snapshot) StackMemory() *arch.Memory {
	if s.StackProg == nil || s.Stack == nil {
		return nil
	}
	return &arch.Memory{
		Base:   s.StackProg.Vaddr,
		Data:   s.Stack.Data,
		Layout: s.Layout,
	}
}

func (s *Snapshot) unwindContext() *arch.UnwindContext {
	t := s.ActiveThread()
	return &arch.UnwindContext{
		Regs:  s.Registers,
		Stack: s.StackMemory(),
		Pid:   t.Pid(),
		Pgrp:  t.Pgrp(),
	}
}

// CallTrace walks the frame pointer chain of the crashing thread. See
// arch.Walk for partial results.
func (s *Snapshot) CallTrace() ([]arch.Frame, error) {
	if s.StackMemory() == nil {
		return nil, fmt.Errorf("%w: stack pointer %#x", elfcore.ErrUnmappedAddress, s.SP)
	}
	return arch.Walk(s.Arch, s.unwindContext())
}

// StackWord is one word of the stack dump.
type StackWord struct {
	Addr  uint64
	Value uint64
}

// LastFrame returns the words of the innermost frame, from its frame
// pointer down to the stack pointer. It is empty when the frame pointer
// is unknown or zero. On a read outside the segment it returns the words
// read so far.
func (s *Snapshot) LastFrame() (arch.Frame, []StackWord, error) {
	mem := s.StackMemory()
	if mem == nil {
		return arch.Frame{}, nil, fmt.Errorf("%w: stack pointer %#x", elfcore.ErrUnmappedAddress, s.SP)
	}

	var f arch.Frame
	if u, ok := s.Arch.(arch.Unwinder); ok {
		ctx := s.unwindContext()
		if err := u.UnwindInit(ctx, &f); err != nil {
			return f, nil, err
		}
		u.UnwindExit(ctx)
	}
	if f.BP == 0 {
		return f, nil, nil
	}

	ws := uint64(s.WordSize())
	var words []StackWord
	for addr := f.BP; addr >= f.SP; addr -= ws {
		v, err := mem.Word(addr)
		if err != nil {
			return f, words, err
		}
		words = append(words, StackWord{Addr: addr, Value: v})
		if addr < ws {
			break
		}
	}
	return f, words, nil
}
