package snapshot

import (
	"fmt"
	"io"

	"github.com/blunderer/cortex-tool/internal/elfcore"
)

// Selection picks the segments of a reduced core file.
type Selection struct {
	Note  bool
	Code  bool
	Stack bool
}

// WriteCore writes a reduced core file holding the selected segments, in
// the order note, code, stack. The code segment is written in full; the
// stack segment is cut down to the live part, from one word below the
// stack pointer to the top of the segment.
func (s *Snapshot) WriteCore(w io.Writer, sel Selection) error {
	var segs []elfcore.Segment

	if sel.Note {
		if s.NoteProg == nil || s.Notes == nil {
			return fmt.Errorf("%w: no note segment to write", elfcore.ErrUnmappedAddress)
		}
		p := *s.NoteProg
		p.Filesz = uint64(len(s.Notes.Data))
		segs = append(segs, elfcore.Segment{Prog: p, Data: s.Notes.Data})
	}

	if sel.Code {
		if s.CodeProg == nil {
			return fmt.Errorf("%w: program counter %#x", elfcore.ErrUnmappedAddress, s.PC)
		}
		p := *s.CodeProg
		p.Filesz = p.Memsz
		var data []byte
		if s.Code != nil {
			data = s.Code.Data
		}
		segs = append(segs, elfcore.Segment{Prog: p, Data: data})
	}

	if sel.Stack {
		seg, err := s.liveStack()
		if err != nil {
			return err
		}
		segs = append(segs, seg)
	}

	if err := elfcore.NewELFWriter(w, s.Layout).WriteCore(s.Header, segs); err != nil {
		return fmt.Errorf("failed to write core: %w", err)
	}
	return nil
}

func (s *Snapshot) liveStack() (elfcore.Segment, error) {
	if s.StackProg == nil {
		return elfcore.Segment{}, fmt.Errorf("%w: stack pointer %#x", elfcore.ErrUnmappedAddress, s.SP)
	}

	p := *s.StackProg
	start := p.Vaddr
	if ws := uint64(s.WordSize()); s.SP >= p.Vaddr+ws {
		start = s.SP - ws
	}
	skip := start - p.Vaddr

	p.Vaddr = start
	p.Paddr = start
	p.Memsz -= skip
	p.Filesz = p.Memsz

	var data []byte
	if s.Stack != nil && skip < uint64(len(s.Stack.Data)) {
		data = s.Stack.Data[skip:]
	}
	return elfcore.Segment{Prog: p, Data: data}, nil
}
