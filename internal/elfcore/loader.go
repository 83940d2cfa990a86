package elfcore

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
)

// CoreFile reads an ELF core file from a Source. Every access must be at
// or after the current cursor; see Source.
type CoreFile struct {
	src    *Source
	target Target
	logger zerolog.Logger

	raw    []byte
	layout Layout
	header *Header
	progs  []Prog
}

// NewCoreFile creates a loader for a core file produced on target.
func NewCoreFile(src *Source, target Target, logger zerolog.Logger) *CoreFile {
	return &CoreFile{
		src:    src,
		target: target,
		logger: logger,
	}
}

// Open reads and validates the file header and the program header table.
func Open(src *Source, target Target, logger zerolog.Logger) (*CoreFile, error) {
	cf := NewCoreFile(src, target, logger)
	h, err := cf.LoadHeader()
	if err != nil {
		return nil, err
	}
	if err := cf.ValidateHeader(h); err != nil {
		return nil, err
	}
	if _, err := cf.LoadProgramHeaders(); err != nil {
		return nil, err
	}
	return cf, nil
}

// Layout returns the structure layout of the file. It is only valid after
// LoadIdentification.
func (cf *CoreFile) Layout() Layout {
	return cf.layout
}

// Header returns the cached file header, or nil if not yet loaded.
func (cf *CoreFile) Header() *Header {
	return cf.header
}

// Progs returns the program header table.
func (cf *CoreFile) Progs() []Prog {
	return cf.progs
}

// LoadIdentification reads the ELF file header and validates the
// identification bytes. The header is read exactly once, so the cursor
// must still be at offset 0.
func (cf *CoreFile) LoadIdentification() error {
	if cf.raw != nil {
		return nil
	}
	if cf.src.Offset() != 0 && !cf.src.Spooled() {
		return fmt.Errorf("%w: header requested at offset %#x", ErrNonMonotonicAccess, cf.src.Offset())
	}
	if err := cf.src.SkipTo(0); err != nil {
		return err
	}

	size := Layout{Class: cf.target.Class}.HeaderSize()
	raw, err := cf.src.ReadExact(uint64(size))
	if err != nil {
		return fmt.Errorf("failed to read ELF header: %w", err)
	}

	if !bytes.Equal(raw[:len(elf.ELFMAG)], []byte(elf.ELFMAG)) {
		return fmt.Errorf("%w: % x", ErrInvalidMagic, raw[:len(elf.ELFMAG)])
	}
	if class := elf.Class(raw[elf.EI_CLASS]); class != cf.target.Class {
		return fmt.Errorf("%w: file is %v, expected %v", ErrWrongClass, class, cf.target.Class)
	}
	if version := elf.Version(raw[elf.EI_VERSION]); version != elf.EV_CURRENT {
		return fmt.Errorf("%w: %v", ErrWrongVersion, version)
	}

	var order binary.ByteOrder
	switch elf.Data(raw[elf.EI_DATA]) {
	case elf.ELFDATA2LSB:
		order = binary.LittleEndian
	case elf.ELFDATA2MSB:
		order = binary.BigEndian
	default:
		return fmt.Errorf("%w: %v", ErrInvalidEncoding, elf.Data(raw[elf.EI_DATA]))
	}

	cf.raw = raw
	cf.layout = Layout{
		Class:     cf.target.Class,
		ByteOrder: order,
		ShortIDs:  cf.target.ShortIDs,
	}
	return nil
}

// LoadHeader decodes the file header, reading it first if needed.
func (cf *CoreFile) LoadHeader() (*Header, error) {
	if cf.header != nil {
		return cf.header, nil
	}
	if err := cf.LoadIdentification(); err != nil {
		return nil, err
	}

	h, err := decodeHeader(cf.raw, cf.layout)
	if err != nil {
		return nil, fmt.Errorf("failed to decode ELF header: %w", err)
	}
	cf.header = h

	cf.logger.Debug().
		Stringer("machine", h.Machine).
		Uint64("phoff", h.Phoff).
		Uint16("phnum", h.Phnum).
		Msg("loaded ELF header")
	return h, nil
}

// ValidateHeader checks that h describes a core file for the configured
// machine.
func (cf *CoreFile) ValidateHeader(h *Header) error {
	if h.Type != elf.ET_CORE {
		return fmt.Errorf("%w: type is %v", ErrNotACoreFile, h.Type)
	}
	if h.Machine != cf.target.Machine {
		return fmt.Errorf("%w: file is %v, expected %v", ErrWrongMachine, h.Machine, cf.target.Machine)
	}
	return nil
}

// LoadProgramHeaders reads the program header table.
func (cf *CoreFile) LoadProgramHeaders() ([]Prog, error) {
	if cf.progs != nil {
		return cf.progs, nil
	}
	h, err := cf.LoadHeader()
	if err != nil {
		return nil, err
	}
	if h.Phnum == 0 {
		cf.progs = []Prog{}
		return cf.progs, nil
	}
	if int(h.Phentsize) != cf.layout.ProgHeaderSize() {
		return nil, fmt.Errorf("%w: %d, expected %d", ErrBadProgramHeaderSize, h.Phentsize, cf.layout.ProgHeaderSize())
	}

	if err := cf.src.SkipTo(h.Phoff); err != nil {
		return nil, fmt.Errorf("failed to seek to program headers: %w", err)
	}
	raw, err := cf.src.ReadExact(uint64(h.Phnum) * uint64(h.Phentsize))
	if err != nil {
		return nil, fmt.Errorf("failed to read program headers: %w", err)
	}

	progs := make([]Prog, h.Phnum)
	for i := range progs {
		entry := raw[i*int(h.Phentsize) : (i+1)*int(h.Phentsize)]
		if err := decodeProg(entry, cf.layout, &progs[i]); err != nil {
			return nil, fmt.Errorf("failed to decode program header %d: %w", i, err)
		}
		if !validAlign(progs[i].Align) {
			return nil, fmt.Errorf("%w: program header %d has p_align %#x", ErrBadAlignment, i, progs[i].Align)
		}
		progs[i].Index = i
	}
	cf.progs = progs

	cf.logger.Debug().Int("count", len(progs)).Msg("loaded program headers")
	return progs, nil
}

// FindSegmentByType returns the first entry of type t, or nil.
func (cf *CoreFile) FindSegmentByType(t elf.ProgType) *Prog {
	for i := range cf.progs {
		if cf.progs[i].Type == t {
			return &cf.progs[i]
		}
	}
	return nil
}

// FindSegmentByVaddr returns the first entry whose memory image strictly
// contains addr, or nil.
func (cf *CoreFile) FindSegmentByVaddr(addr uint64) *Prog {
	for i := range cf.progs {
		if cf.progs[i].Contains(addr) {
			return &cf.progs[i]
		}
	}
	return nil
}

// SegmentContaining is FindSegmentByVaddr with a miss reported as
// ErrUnmappedAddress.
func (cf *CoreFile) SegmentContaining(addr uint64) (*Prog, error) {
	p := cf.FindSegmentByVaddr(addr)
	if p == nil {
		return nil, fmt.Errorf("%w: %#x", ErrUnmappedAddress, addr)
	}
	return p, nil
}

// LoadSegmentData reads the file image of p.
//
// Kernels emit zero-size placeholder entries that share their file offset
// with the next real segment. Starting at p, consecutive entries at p's
// offset with no file image are skipped; the entry reached is loaded if
// it still sits at p's offset. Otherwise the segment has no data and
// LoadSegmentData returns nil without error.
func (cf *CoreFile) LoadSegmentData(p *Prog) (*SegmentData, error) {
	offset := p.Off
	i := p.Index
	for i < len(cf.progs) && cf.progs[i].Off == offset && cf.progs[i].Filesz == 0 {
		i++
	}
	if i >= len(cf.progs) || cf.progs[i].Off != offset {
		cf.logger.Debug().Int("index", p.Index).Msg("segment has no file image")
		return nil, nil
	}
	src := &cf.progs[i]

	if err := cf.src.SkipTo(src.Off); err != nil {
		return nil, fmt.Errorf("failed to seek to segment %d: %w", src.Index, err)
	}
	data, err := cf.src.ReadExact(src.Filesz)
	if err != nil {
		return nil, fmt.Errorf("failed to read segment %d: %w", src.Index, err)
	}

	cf.logger.Debug().
		Int("index", src.Index).
		Str("offset", fmt.Sprintf("%#x", src.Off)).
		Str("size", humanize.IBytes(src.Filesz)).
		Msg("loaded segment")

	return &SegmentData{
		Prog:  src,
		Data:  data,
		Align: src.Align,
	}, nil
}

func decodeHeader(raw []byte, layout Layout) (*Header, error) {
	r := bytes.NewReader(raw)
	if layout.Class == elf.ELFCLASS64 {
		var h elf.Header64
		if err := binary.Read(r, layout.ByteOrder, &h); err != nil {
			return nil, err
		}
		return &Header{
			Ident:     h.Ident,
			Type:      elf.Type(h.Type),
			Machine:   elf.Machine(h.Machine),
			Version:   h.Version,
			Entry:     h.Entry,
			Phoff:     h.Phoff,
			Shoff:     h.Shoff,
			Flags:     h.Flags,
			Ehsize:    h.Ehsize,
			Phentsize: h.Phentsize,
			Phnum:     h.Phnum,
			Shentsize: h.Shentsize,
			Shnum:     h.Shnum,
			Shstrndx:  h.Shstrndx,
		}, nil
	}

	var h elf.Header32
	if err := binary.Read(r, layout.ByteOrder, &h); err != nil {
		return nil, err
	}
	return &Header{
		Ident:     h.Ident,
		Type:      elf.Type(h.Type),
		Machine:   elf.Machine(h.Machine),
		Version:   h.Version,
		Entry:     uint64(h.Entry),
		Phoff:     uint64(h.Phoff),
		Shoff:     uint64(h.Shoff),
		Flags:     h.Flags,
		Ehsize:    h.Ehsize,
		Phentsize: h.Phentsize,
		Phnum:     h.Phnum,
		Shentsize: h.Shentsize,
		Shnum:     h.Shnum,
		Shstrndx:  h.Shstrndx,
	}, nil
}

func decodeProg(raw []byte, layout Layout, p *Prog) error {
	r := bytes.NewReader(raw)
	if layout.Class == elf.ELFCLASS64 {
		var ph elf.Prog64
		if err := binary.Read(r, layout.ByteOrder, &ph); err != nil {
			return err
		}
		*p = Prog{
			Type:   elf.ProgType(ph.Type),
			Flags:  elf.ProgFlag(ph.Flags),
			Off:    ph.Off,
			Vaddr:  ph.Vaddr,
			Paddr:  ph.Paddr,
			Filesz: ph.Filesz,
			Memsz:  ph.Memsz,
			Align:  ph.Align,
		}
		return nil
	}

	var ph elf.Prog32
	if err := binary.Read(r, layout.ByteOrder, &ph); err != nil {
		return err
	}
	*p = Prog{
		Type:   elf.ProgType(ph.Type),
		Flags:  elf.ProgFlag(ph.Flags),
		Off:    uint64(ph.Off),
		Vaddr:  uint64(ph.Vaddr),
		Paddr:  uint64(ph.Paddr),
		Filesz: uint64(ph.Filesz),
		Memsz:  uint64(ph.Memsz),
		Align:  uint64(ph.Align),
	}
	return nil
}
