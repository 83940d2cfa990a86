// Package coretest builds synthetic ELF core files for tests.
package coretest

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blunderer/cortex-tool/internal/elfcore"
)

// Layouts of the supported targets.
var (
	LE64   = elfcore.Layout{Class: elf.ELFCLASS64, ByteOrder: binary.LittleEndian}
	LE32   = elfcore.Layout{Class: elf.ELFCLASS32, ByteOrder: binary.LittleEndian, ShortIDs: true}
	BE32   = elfcore.Layout{Class: elf.ELFCLASS32, ByteOrder: binary.BigEndian}
	BE64   = elfcore.Layout{Class: elf.ELFCLASS64, ByteOrder: binary.BigEndian}
	LE32ID = elfcore.Layout{Class: elf.ELFCLASS32, ByteOrder: binary.LittleEndian}
)

// Load is a PT_LOAD segment of a synthetic core.
type Load struct {
	Vaddr uint64
	Data  []byte
	// Memsz defaults to len(Data).
	Memsz uint64
	Flags elf.ProgFlag
	// Align defaults to the word size.
	Align uint64
}

// Builder assembles a core file: a PT_NOTE segment followed by the loads,
// or the other way round with NotesLast.
type Builder struct {
	machine   elf.Machine
	layout    elfcore.Layout
	typ       elf.Type
	notes     []elfcore.Note
	loads     []Load
	notesLast bool
	noNotes   bool
}

// New returns a Builder for a core of the given machine.
func New(machine elf.Machine, layout elfcore.Layout) *Builder {
	return &Builder{
		machine: machine,
		layout:  layout,
		typ:     elf.ET_CORE,
	}
}

// Type overrides e_type.
func (b *Builder) Type(t elf.Type) *Builder {
	b.typ = t
	return b
}

// Note appends a raw note record.
func (b *Builder) Note(n elfcore.Note) *Builder {
	b.notes = append(b.notes, n)
	return b
}

// Thread appends a NT_PRSTATUS record.
func (b *Builder) Thread(st elfcore.PRStatus) *Builder {
	return b.Note(elfcore.CreatePRStatusNote(b.layout, st))
}

// ProcessInfo appends a NT_PRPSINFO record.
func (b *Builder) ProcessInfo(info elfcore.ProcessInfo) *Builder {
	return b.Note(elfcore.CreatePRPSInfoNote(b.layout, &info))
}

// Auxv appends a NT_AUXV record.
func (b *Builder) Auxv(auxv elfcore.Auxv) *Builder {
	return b.Note(elfcore.CreateAuxvNote(b.layout, auxv))
}

// Load appends a PT_LOAD segment.
func (b *Builder) Load(l Load) *Builder {
	b.loads = append(b.loads, l)
	return b
}

// NotesLast places the PT_NOTE segment after every load.
func (b *Builder) NotesLast() *Builder {
	b.notesLast = true
	return b
}

// WithoutNotes omits the PT_NOTE segment.
func (b *Builder) WithoutNotes() *Builder {
	b.noNotes = true
	return b
}

// Build encodes the core file.
func (b *Builder) Build(t testing.TB) []byte {
	t.Helper()

	nw := elfcore.NewNoteWriter(b.layout.ByteOrder)
	for _, n := range b.notes {
		require.NoError(t, nw.WriteNote(n.Name, n.Type, n.Data))
	}
	note := elfcore.Segment{
		Prog: elfcore.Prog{
			Type:   elf.PT_NOTE,
			Filesz: uint64(nw.Size()),
			Align:  4,
		},
		Data: nw.Bytes(),
	}

	var segs []elfcore.Segment
	if !b.noNotes && !b.notesLast {
		segs = append(segs, note)
	}
	for _, l := range b.loads {
		memsz := l.Memsz
		if memsz == 0 {
			memsz = uint64(len(l.Data))
		}
		align := l.Align
		if align == 0 {
			align = uint64(b.layout.WordSize())
		}
		segs = append(segs, elfcore.Segment{
			Prog: elfcore.Prog{
				Type:   elf.PT_LOAD,
				Flags:  l.Flags,
				Vaddr:  l.Vaddr,
				Paddr:  l.Vaddr,
				Filesz: uint64(len(l.Data)),
				Memsz:  memsz,
				Align:  align,
			},
			Data: l.Data,
		})
	}
	if !b.noNotes && b.notesLast {
		segs = append(segs, note)
	}

	var h elfcore.Header
	copy(h.Ident[:], elf.ELFMAG)
	h.Ident[elf.EI_CLASS] = byte(b.layout.Class)
	h.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	if b.layout.ByteOrder == binary.BigEndian {
		h.Ident[elf.EI_DATA] = byte(elf.ELFDATA2MSB)
	}
	h.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	h.Type = b.typ
	h.Machine = b.machine
	h.Version = uint32(elf.EV_CURRENT)

	var buf bytes.Buffer
	require.NoError(t, elfcore.NewELFWriter(&buf, b.layout).WriteCore(h, segs))
	return buf.Bytes()
}

// Words encodes native words in the layout's byte order.
func Words(layout elfcore.Layout, words ...uint64) []byte {
	ws := layout.WordSize()
	b := make([]byte, len(words)*ws)
	for i, w := range words {
		layout.PutWord(b[i*ws:], w)
	}
	return b
}

// Target returns the loader target matching a layout.
func Target(machine elf.Machine, layout elfcore.Layout) elfcore.Target {
	return elfcore.Target{
		Machine:  machine,
		Class:    layout.Class,
		ShortIDs: layout.ShortIDs,
	}
}
