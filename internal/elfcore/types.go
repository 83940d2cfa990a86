package elfcore

import (
	"debug/elf"
	"encoding/binary"
	"math"
)

// NoteType represents ELF note types.
type NoteType uint32

// Other note types are walked over and ignored.
const (
	NT_PRSTATUS NoteType = 1
	NT_PRPSINFO NoteType = 3
	NT_AUXV     NoteType = 6
)

// Note represents an ELF note.
type Note struct {
	Name string
	Type NoteType
	Data []byte
}

// noteHeaderSize is namesz, descsz and type, three 32-bit words.
const noteHeaderSize = 12

// Target is the machine a core file is expected to come from. It is
// configured, never detected from the input.
type Target struct {
	Machine elf.Machine
	Class   elf.Class
	// ShortIDs is set when prpsinfo stores uid/gid as 16-bit values
	// (i386 and ARM).
	ShortIDs bool
}

// Layout selects the concrete structure layouts inside a core file.
type Layout struct {
	Class     elf.Class
	ByteOrder binary.ByteOrder
	ShortIDs  bool
}

// WordSize returns the size in bytes of a native word.
func (l Layout) WordSize() int {
	if l.Class == elf.ELFCLASS64 {
		return 8
	}
	return 4
}

// HeaderSize returns the size of the ELF file header.
func (l Layout) HeaderSize() int {
	if l.Class == elf.ELFCLASS64 {
		return 64
	}
	return 52
}

// ProgHeaderSize returns the size of one program header entry.
func (l Layout) ProgHeaderSize() int {
	if l.Class == elf.ELFCLASS64 {
		return 56
	}
	return 32
}

// Word decodes a native word at the start of b. The caller guarantees
// len(b) >= WordSize().
func (l Layout) Word(b []byte) uint64 {
	if l.Class == elf.ELFCLASS64 {
		return l.ByteOrder.Uint64(b)
	}
	return uint64(l.ByteOrder.Uint32(b))
}

// PutWord encodes v as a native word at the start of b.
func (l Layout) PutWord(b []byte, v uint64) {
	if l.Class == elf.ELFCLASS64 {
		l.ByteOrder.PutUint64(b, v)
		return
	}
	l.ByteOrder.PutUint32(b, uint32(v))
}

// Header is the class independent form of the ELF file header.
type Header struct {
	Ident     [elf.EI_NIDENT]byte
	Type      elf.Type
	Machine   elf.Machine
	Version   uint32
	Entry     uint64
	Phoff     uint64
	Shoff     uint64
	Flags     uint32
	Ehsize    uint16
	Phentsize uint16
	Phnum     uint16
	Shentsize uint16
	Shnum     uint16
	Shstrndx  uint16
}

// Prog is one program header table entry.
type Prog struct {
	// Index is the position of the entry in the program header table.
	Index  int
	Type   elf.ProgType
	Flags  elf.ProgFlag
	Off    uint64
	Vaddr  uint64
	Paddr  uint64
	Filesz uint64
	Memsz  uint64
	Align  uint64
}

// Contains reports whether addr lies strictly inside the segment's
// memory image. Both bounds are exclusive.
func (p *Prog) Contains(addr uint64) bool {
	return p.Vaddr < addr && addr < p.End()
}

// End returns the first address past the segment's memory image.
func (p *Prog) End() uint64 {
	return p.Vaddr + p.Memsz
}

// SegmentData is the file image of one segment.
type SegmentData struct {
	// Prog is the table entry that actually carried the bytes. It differs
	// from the requested entry when zero-size placeholders were skipped.
	Prog  *Prog
	Data  []byte
	Align uint64
}

// Size returns the number of bytes held.
func (d *SegmentData) Size() int {
	if d == nil {
		return 0
	}
	return len(d.Data)
}

// Release drops the buffer.
func (d *SegmentData) Release() {
	if d != nil {
		d.Data = nil
	}
}

// alignUp rounds n up to a multiple of align. ok is false when the
// result does not fit in 64 bits.
func alignUp(n, align uint64) (v uint64, ok bool) {
	if align <= 1 {
		return n, true
	}
	rem := n % align
	if rem == 0 {
		return n, true
	}
	if n > math.MaxUint64-(align-rem) {
		return 0, false
	}
	return n + align - rem, true
}

// MaxAlign is the largest p_align accepted from an input file. Linux
// writes the page size there.
const MaxAlign = 1 << 21

func validAlign(align uint64) bool {
	return align <= 1 || (align <= MaxAlign && align&(align-1) == 0)
}
