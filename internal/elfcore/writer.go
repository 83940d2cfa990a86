package elfcore

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"io"
)

// Segment is a program header together with the file image to emit.
type Segment struct {
	Prog Prog
	// Data is zero-extended to Prog.Filesz when shorter.
	Data []byte
}

// ELFWriter handles writing ELF core files. The output is produced in a
// single forward pass so it can go to a pipe.
type ELFWriter struct {
	w      io.Writer
	layout Layout
	offset uint64
}

// NewELFWriter creates a new ELF core file writer
func NewELFWriter(w io.Writer, layout Layout) *ELFWriter {
	return &ELFWriter{w: w, layout: layout}
}

// Offset returns the number of bytes written so far.
func (w *ELFWriter) Offset() uint64 {
	return w.offset
}

// WriteCore writes the complete ELF core file: h, a program header table
// describing segs, then the segment bodies in order. The section header
// fields of h are cleared and the file offsets of segs are assigned here.
func (w *ELFWriter) WriteCore(h Header, segs []Segment) error {
	for i := range segs {
		if !validAlign(segs[i].Prog.Align) {
			return fmt.Errorf("%w: segment %d has p_align %#x", ErrBadAlignment, i, segs[i].Prog.Align)
		}
	}

	// Calculate layout
	w.calculateLayout(&h, segs)

	// Write ELF header
	if err := w.writeELFHeader(&h); err != nil {
		return fmt.Errorf("failed to write ELF header: %w", err)
	}

	// Write program headers
	if err := w.writeProgramHeaders(segs); err != nil {
		return fmt.Errorf("failed to write program headers: %w", err)
	}

	for i := range segs {
		if err := w.writeSegment(&segs[i]); err != nil {
			return fmt.Errorf("failed to write segment %d (%v): %w", i, segs[i].Prog.Type, err)
		}
	}

	return nil
}

// calculateLayout places each segment body after the previous one, padded
// to the segment's alignment (the word size when p_align <= 1).
func (w *ELFWriter) calculateLayout(h *Header, segs []Segment) {
	ehsize := uint64(w.layout.HeaderSize())
	phsize := uint64(w.layout.ProgHeaderSize())

	h.Ehsize = uint16(ehsize)
	h.Phoff = ehsize
	h.Phentsize = uint16(phsize)
	h.Phnum = uint16(len(segs))
	h.Shoff = 0
	h.Shentsize = 0
	h.Shnum = 0
	h.Shstrndx = 0

	cursor := ehsize + uint64(len(segs))*phsize
	for i := range segs {
		p := &segs[i].Prog
		p.Off = cursor + w.padding(cursor, p.Align)
		cursor = p.Off + p.Filesz
	}
}

func (w *ELFWriter) padding(cursor, align uint64) uint64 {
	if align <= 1 {
		align = uint64(w.layout.WordSize())
	}
	return (align - cursor%align) % align
}

// writeELFHeader writes the ELF file header
func (w *ELFWriter) writeELFHeader(h *Header) error {
	var buf bytes.Buffer
	if w.layout.Class == elf.ELFCLASS64 {
		hdr := elf.Header64{
			Ident:     h.Ident,
			Type:      uint16(h.Type),
			Machine:   uint16(h.Machine),
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
		}
		if err := binary.Write(&buf, w.layout.ByteOrder, &hdr); err != nil {
			return err
		}
	} else {
		hdr := elf.Header32{
			Ident:     h.Ident,
			Type:      uint16(h.Type),
			Machine:   uint16(h.Machine),
			Version:   h.Version,
			Entry:     uint32(h.Entry),
			Phoff:     uint32(h.Phoff),
			Shoff:     uint32(h.Shoff),
			Flags:     h.Flags,
			Ehsize:    h.Ehsize,
			Phentsize: h.Phentsize,
			Phnum:     h.Phnum,
			Shentsize: h.Shentsize,
			Shnum:     h.Shnum,
			Shstrndx:  h.Shstrndx,
		}
		if err := binary.Write(&buf, w.layout.ByteOrder, &hdr); err != nil {
			return err
		}
	}
	return w.write(buf.Bytes())
}

// writeProgramHeaders writes the program header table
func (w *ELFWriter) writeProgramHeaders(segs []Segment) error {
	var buf bytes.Buffer
	for i := range segs {
		if err := encodeProg(&buf, &segs[i].Prog, w.layout); err != nil {
			return err
		}
	}
	return w.write(buf.Bytes())
}

func encodeProg(buf *bytes.Buffer, p *Prog, layout Layout) error {
	if layout.Class == elf.ELFCLASS64 {
		return binary.Write(buf, layout.ByteOrder, &elf.Prog64{
			Type:   uint32(p.Type),
			Flags:  uint32(p.Flags),
			Off:    p.Off,
			Vaddr:  p.Vaddr,
			Paddr:  p.Paddr,
			Filesz: p.Filesz,
			Memsz:  p.Memsz,
			Align:  p.Align,
		})
	}
	return binary.Write(buf, layout.ByteOrder, &elf.Prog32{
		Type:   uint32(p.Type),
		Flags:  uint32(p.Flags),
		Off:    uint32(p.Off),
		Vaddr:  uint32(p.Vaddr),
		Paddr:  uint32(p.Paddr),
		Filesz: uint32(p.Filesz),
		Memsz:  uint32(p.Memsz),
		Align:  uint32(p.Align),
	})
}

// writeSegment writes the padding before a segment and its body.
func (w *ELFWriter) writeSegment(seg *Segment) error {
	if seg.Prog.Off < w.offset {
		return fmt.Errorf("%w: segment at %#x but output is at %#x", ErrNonMonotonicAccess, seg.Prog.Off, w.offset)
	}
	if err := w.writeZeros(seg.Prog.Off - w.offset); err != nil {
		return err
	}

	data := seg.Data
	if uint64(len(data)) > seg.Prog.Filesz {
		data = data[:seg.Prog.Filesz]
	}
	if err := w.write(data); err != nil {
		return err
	}
	return w.writeZeros(seg.Prog.Filesz - uint64(len(data)))
}

var zeroBlock [4096]byte

func (w *ELFWriter) writeZeros(n uint64) error {
	for n > 0 {
		chunk := min(n, uint64(len(zeroBlock)))
		if err := w.write(zeroBlock[:chunk]); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

func (w *ELFWriter) write(b []byte) error {
	n, err := w.w.Write(b)
	w.offset += uint64(n)
	return err
}
