package elfcore

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
)

// NoteWriter handles writing ELF notes
type NoteWriter struct {
	buf   bytes.Buffer
	order binary.ByteOrder
}

// NewNoteWriter creates a new note writer
func NewNoteWriter(order binary.ByteOrder) *NoteWriter {
	return &NoteWriter{order: order}
}

func padUpTo4Bytes(n int) int {
	return (n + 3) &^ 3
}

// WriteNote writes a note to the buffer
func (nw *NoteWriter) WriteNote(name string, noteType NoteType, data []byte) error {
	nameSize := len(name) + 1 // +1 for null terminator

	header := make([]byte, noteHeaderSize)
	nw.order.PutUint32(header[0:4], uint32(nameSize))
	nw.order.PutUint32(header[4:8], uint32(len(data)))
	nw.order.PutUint32(header[8:12], uint32(noteType))

	if _, err := nw.buf.Write(header); err != nil {
		return err
	}

	// Write name (null-terminated and padded)
	nw.buf.WriteString(name)
	for range padUpTo4Bytes(nameSize) - len(name) {
		nw.buf.WriteByte(0)
	}

	if len(data) > 0 {
		nw.buf.Write(data)
		for range padUpTo4Bytes(len(data)) - len(data) {
			nw.buf.WriteByte(0)
		}
	}

	return nil
}

// Bytes returns the written notes as bytes
func (nw *NoteWriter) Bytes() []byte {
	return nw.buf.Bytes()
}

// Size returns the total size of written notes
func (nw *NoteWriter) Size() int {
	return nw.buf.Len()
}

// WalkNotes calls fn for every record in a note segment. Records start on
// multiples of align (at least 4). Name and Data alias the segment.
func WalkNotes(data []byte, align uint64, order binary.ByteOrder, fn func(Note) error) error {
	align = max(align, 4)
	end := uint64(len(data))

	var off uint64
	for off+noteHeaderSize <= end {
		namesz := uint64(order.Uint32(data[off:]))
		descsz := uint64(order.Uint32(data[off+4:]))
		typ := NoteType(order.Uint32(data[off+8:]))

		nameOff := off + noteHeaderSize
		descOff, ok := alignUp(nameOff+namesz, align)
		if nameOff+namesz > end || !ok || descOff > end || descsz > end-descOff {
			return fmt.Errorf("%w: record at %#x declares name %d and desc %d bytes, segment is %d bytes",
				ErrTruncatedNote, off, namesz, descsz, end)
		}
		next, ok := alignUp(descOff+descsz, align)
		if !ok || next <= off {
			next = end
		}

		name := data[nameOff : nameOff+namesz]
		if i := bytes.IndexByte(name, 0); i >= 0 {
			name = name[:i]
		}
		if err := fn(Note{Name: string(name), Type: typ, Data: data[descOff : descOff+descsz]}); err != nil {
			return err
		}
		off = next
	}
	return nil
}

// ProcessNotes holds the records of interest from a PT_NOTE segment.
type ProcessNotes struct {
	// Threads has one entry per NT_PRSTATUS record, in file order. The
	// first one is the thread that received the fatal signal.
	Threads []ThreadStatus
	Info    *ProcessInfo
	Auxv    Auxv
}

// ParseNotes decodes the thread status, process info and auxiliary vector
// records of a note segment. Thread records are views into seg.
func ParseNotes(seg *SegmentData, layout Layout) (*ProcessNotes, error) {
	var count int
	err := WalkNotes(seg.Data, seg.Align, layout.ByteOrder, func(n Note) error {
		if n.Type == NT_PRSTATUS {
			count++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, ErrNoThreads
	}

	pn := &ProcessNotes{Threads: make([]ThreadStatus, count)}
	var i int
	err = WalkNotes(seg.Data, seg.Align, layout.ByteOrder, func(n Note) error {
		switch n.Type {
		case NT_PRSTATUS:
			ts, err := newThreadStatus(n.Data, layout)
			if err != nil {
				return err
			}
			pn.Threads[i] = ts
			i++
		case NT_PRPSINFO:
			info, err := decodeProcessInfo(n.Data, layout)
			if err != nil {
				return err
			}
			pn.Info = info
		case NT_AUXV:
			pn.Auxv = decodeAuxv(n.Data, layout)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if pn.Info == nil {
		return nil, ErrMissingProcessInfo
	}
	return pn, nil
}

// Timeval is a struct timeval from a prstatus record.
type Timeval struct {
	Sec  int64
	Usec int64
}

// prstatus field offsets for 32 and 64-bit layouts.
type prstatusLayout struct {
	cursig, sigpend, sighold     int
	pid, ppid, pgrp, sid         int
	utime, stime, cutime, cstime int
	reg                          int
}

var (
	prstatus32 = prstatusLayout{
		cursig: 12, sigpend: 16, sighold: 20,
		pid: 24, ppid: 28, pgrp: 32, sid: 36,
		utime: 40, stime: 48, cutime: 56, cstime: 64,
		reg: 72,
	}
	prstatus64 = prstatusLayout{
		cursig: 12, sigpend: 16, sighold: 24,
		pid: 32, ppid: 36, pgrp: 40, sid: 44,
		utime: 48, stime: 64, cutime: 80, cstime: 96,
		reg: 112,
	}
)

func prstatusFor(l Layout) *prstatusLayout {
	if l.Class == elf.ELFCLASS64 {
		return &prstatus64
	}
	return &prstatus32
}

// ThreadStatus is a view over one NT_PRSTATUS record.
type ThreadStatus struct {
	desc   []byte
	layout Layout
	off    *prstatusLayout
}

func newThreadStatus(desc []byte, layout Layout) (ThreadStatus, error) {
	off := prstatusFor(layout)
	if len(desc) < off.reg {
		return ThreadStatus{}, fmt.Errorf("%w: NT_PRSTATUS is %d bytes, need at least %d", ErrTruncatedNote, len(desc), off.reg)
	}
	return ThreadStatus{desc: desc, layout: layout, off: off}, nil
}

func (t ThreadStatus) u32(at int) uint32 {
	return t.layout.ByteOrder.Uint32(t.desc[at:])
}

// Signo returns si_signo from the embedded siginfo.
func (t ThreadStatus) Signo() int32 { return int32(t.u32(0)) }

// Code returns si_code.
func (t ThreadStatus) Code() int32 { return int32(t.u32(4)) }

// Errno returns si_errno.
func (t ThreadStatus) Errno() int32 { return int32(t.u32(8)) }

// Cursig returns the current signal.
func (t ThreadStatus) Cursig() uint16 {
	return t.layout.ByteOrder.Uint16(t.desc[t.off.cursig:])
}

// Sigpend returns the set of pending signals.
func (t ThreadStatus) Sigpend() uint64 { return t.layout.Word(t.desc[t.off.sigpend:]) }

// Sighold returns the set of blocked signals.
func (t ThreadStatus) Sighold() uint64 { return t.layout.Word(t.desc[t.off.sighold:]) }

// Pid returns the thread id.
func (t ThreadStatus) Pid() uint32 { return t.u32(t.off.pid) }

// Ppid returns the parent process id.
func (t ThreadStatus) Ppid() uint32 { return t.u32(t.off.ppid) }

// Pgrp returns the process group id.
func (t ThreadStatus) Pgrp() uint32 { return t.u32(t.off.pgrp) }

// Sid returns the session id.
func (t ThreadStatus) Sid() uint32 { return t.u32(t.off.sid) }

func (t ThreadStatus) timeval(at int) Timeval {
	ws := t.layout.WordSize()
	return Timeval{
		Sec:  int64(t.layout.Word(t.desc[at:])),
		Usec: int64(t.layout.Word(t.desc[at+ws:])),
	}
}

// Utime returns the user time consumed.
func (t ThreadStatus) Utime() Timeval { return t.timeval(t.off.utime) }

// Stime returns the system time consumed.
func (t ThreadStatus) Stime() Timeval { return t.timeval(t.off.stime) }

// Cutime returns the cumulative user time of children.
func (t ThreadStatus) Cutime() Timeval { return t.timeval(t.off.cutime) }

// Cstime returns the cumulative system time of children.
func (t ThreadStatus) Cstime() Timeval { return t.timeval(t.off.cstime) }

// Registers returns the raw register blob. It runs to the end of the
// record, so it also covers pr_fpvalid; the architecture decides how much
// of it is the general register set.
func (t ThreadStatus) Registers() []byte {
	return t.desc[t.off.reg:]
}

// ProcessInfo is a decoded NT_PRPSINFO record.
type ProcessInfo struct {
	State  int8
	Sname  byte
	Zombie byte
	Nice   int8
	Flag   uint64
	UID    uint32
	GID    uint32
	Pid    uint32
	Ppid   uint32
	Pgrp   uint32
	Sid    uint32
	Fname  string
	Psargs string
}

const (
	fnameLen  = 16
	psargsLen = 80
)

// prpsinfoOffsets returns where uid starts and its width, where the four
// process ids start, and where pr_fname starts. pr_flag is a native word
// at 4 (32-bit) or 8 (64-bit).
func prpsinfoOffsets(layout Layout) (ids, idSize, pids, fname int) {
	switch {
	case layout.Class == elf.ELFCLASS64:
		ids, idSize = 16, 4
	case layout.ShortIDs:
		ids, idSize = 8, 2
	default:
		ids, idSize = 8, 4
	}
	pids = ids + 2*idSize
	fname = pids + 16
	return ids, idSize, pids, fname
}

func decodeProcessInfo(desc []byte, layout Layout) (*ProcessInfo, error) {
	order := layout.ByteOrder
	ids, idSize, pids, fname := prpsinfoOffsets(layout)
	size := fname + fnameLen + psargsLen
	if len(desc) < size {
		return nil, fmt.Errorf("%w: NT_PRPSINFO is %d bytes, need %d", ErrTruncatedNote, len(desc), size)
	}

	info := &ProcessInfo{
		State:  int8(desc[0]),
		Sname:  desc[1],
		Zombie: desc[2],
		Nice:   int8(desc[3]),
		Pid:    order.Uint32(desc[pids:]),
		Ppid:   order.Uint32(desc[pids+4:]),
		Pgrp:   order.Uint32(desc[pids+8:]),
		Sid:    order.Uint32(desc[pids+12:]),
		Fname:  cString(desc[fname : fname+fnameLen]),
		Psargs: cString(desc[fname+fnameLen : size]),
	}
	if layout.Class == elf.ELFCLASS64 {
		info.Flag = order.Uint64(desc[8:])
	} else {
		info.Flag = uint64(order.Uint32(desc[4:]))
	}
	if idSize == 2 {
		info.UID = uint32(order.Uint16(desc[ids:]))
		info.GID = uint32(order.Uint16(desc[ids+2:]))
	} else {
		info.UID = order.Uint32(desc[ids:])
		info.GID = order.Uint32(desc[ids+4:])
	}
	return info, nil
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// AuxvEntry is one (type, value) pair of the auxiliary vector.
type AuxvEntry struct {
	Type  uint64
	Value uint64
}

// Auxv is the auxiliary vector, without the terminating AT_NULL.
type Auxv []AuxvEntry

// AT_NULL terminates the auxiliary vector.
const AT_NULL = 0

// Lookup returns the value of the first entry of type t.
func (a Auxv) Lookup(t uint64) (uint64, bool) {
	for _, e := range a {
		if e.Type == t {
			return e.Value, true
		}
	}
	return 0, false
}

func decodeAuxv(desc []byte, layout Layout) Auxv {
	ws := layout.WordSize()
	var auxv Auxv
	for off := 0; off+2*ws <= len(desc); off += 2 * ws {
		e := AuxvEntry{
			Type:  layout.Word(desc[off:]),
			Value: layout.Word(desc[off+ws:]),
		}
		if e.Type == AT_NULL {
			break
		}
		auxv = append(auxv, e)
	}
	return auxv
}

var auxvNames = map[uint64]string{
	0:  "AT_NULL",
	1:  "AT_IGNORE",
	2:  "AT_EXECFD",
	3:  "AT_PHDR",
	4:  "AT_PHENT",
	5:  "AT_PHNUM",
	6:  "AT_PAGESZ",
	7:  "AT_BASE",
	8:  "AT_FLAGS",
	9:  "AT_ENTRY",
	10: "AT_NOTELF",
	11: "AT_UID",
	12: "AT_EUID",
	13: "AT_GID",
	14: "AT_EGID",
	15: "AT_PLATFORM",
	16: "AT_HWCAP",
	17: "AT_CLKTCK",
	18: "AT_FPUCW",
	19: "AT_DCACHEBSIZE",
	20: "AT_ICACHEBSIZE",
	21: "AT_UCACHEBSIZE",
	22: "AT_IGNOREPPC",
	23: "AT_SECURE",
	24: "AT_BASE_PLATFORM",
	25: "AT_RANDOM",
	26: "AT_HWCAP2",
	31: "AT_EXECFN",
	32: "AT_SYSINFO",
	33: "AT_SYSINFO_EHDR",
	34: "AT_L1I_CACHESHAPE",
	35: "AT_L1D_CACHESHAPE",
	36: "AT_L2_CACHESHAPE",
	37: "AT_L3_CACHESHAPE",
	51: "AT_MINSIGSTKSZ",
}

// AuxvName returns the symbolic name of an auxiliary vector type.
func AuxvName(t uint64) string {
	if name, ok := auxvNames[t]; ok {
		return name
	}
	return fmt.Sprintf("AT_%d", t)
}

// PRStatus holds the fields written by CreatePRStatusNote.
type PRStatus struct {
	Signo     int32
	Code      int32
	Errno     int32
	Cursig    uint16
	Sigpend   uint64
	Sighold   uint64
	Pid       uint32
	Ppid      uint32
	Pgrp      uint32
	Sid       uint32
	Utime     Timeval
	Stime     Timeval
	Registers []byte
}

// CreatePRStatusNote creates a NT_PRSTATUS note. Registers is copied
// verbatim after the fixed fields.
func CreatePRStatusNote(layout Layout, st PRStatus) Note {
	off := prstatusFor(layout)
	order := layout.ByteOrder
	ws := layout.WordSize()

	prstatus := make([]byte, off.reg+len(st.Registers))
	order.PutUint32(prstatus[0:], uint32(st.Signo))
	order.PutUint32(prstatus[4:], uint32(st.Code))
	order.PutUint32(prstatus[8:], uint32(st.Errno))
	order.PutUint16(prstatus[off.cursig:], st.Cursig)
	layout.PutWord(prstatus[off.sigpend:], st.Sigpend)
	layout.PutWord(prstatus[off.sighold:], st.Sighold)
	order.PutUint32(prstatus[off.pid:], st.Pid)
	order.PutUint32(prstatus[off.ppid:], st.Ppid)
	order.PutUint32(prstatus[off.pgrp:], st.Pgrp)
	order.PutUint32(prstatus[off.sid:], st.Sid)
	layout.PutWord(prstatus[off.utime:], uint64(st.Utime.Sec))
	layout.PutWord(prstatus[off.utime+ws:], uint64(st.Utime.Usec))
	layout.PutWord(prstatus[off.stime:], uint64(st.Stime.Sec))
	layout.PutWord(prstatus[off.stime+ws:], uint64(st.Stime.Usec))
	copy(prstatus[off.reg:], st.Registers)

	return Note{
		Name: "CORE",
		Type: NT_PRSTATUS,
		Data: prstatus,
	}
}

// CreatePRPSInfoNote creates a NT_PRPSINFO note
func CreatePRPSInfoNote(layout Layout, info *ProcessInfo) Note {
	order := layout.ByteOrder
	ids, idSize, pids, fname := prpsinfoOffsets(layout)

	prpsinfo := make([]byte, fname+fnameLen+psargsLen)
	prpsinfo[0] = byte(info.State)
	prpsinfo[1] = info.Sname
	prpsinfo[2] = info.Zombie
	prpsinfo[3] = byte(info.Nice)
	if layout.Class == elf.ELFCLASS64 {
		order.PutUint64(prpsinfo[8:], info.Flag)
	} else {
		order.PutUint32(prpsinfo[4:], uint32(info.Flag))
	}
	if idSize == 2 {
		order.PutUint16(prpsinfo[ids:], uint16(info.UID))
		order.PutUint16(prpsinfo[ids+2:], uint16(info.GID))
	} else {
		order.PutUint32(prpsinfo[ids:], info.UID)
		order.PutUint32(prpsinfo[ids+4:], info.GID)
	}
	order.PutUint32(prpsinfo[pids:], info.Pid)
	order.PutUint32(prpsinfo[pids+4:], info.Ppid)
	order.PutUint32(prpsinfo[pids+8:], info.Pgrp)
	order.PutUint32(prpsinfo[pids+12:], info.Sid)
	// Both strings keep at least one terminating NUL.
	copy(prpsinfo[fname:fname+fnameLen-1], info.Fname)
	copy(prpsinfo[fname+fnameLen:fname+fnameLen+psargsLen-1], info.Psargs)

	return Note{
		Name: "CORE",
		Type: NT_PRPSINFO,
		Data: prpsinfo,
	}
}

// CreateAuxvNote creates a NT_AUXV note, terminated by AT_NULL.
func CreateAuxvNote(layout Layout, auxv Auxv) Note {
	ws := layout.WordSize()
	data := make([]byte, (len(auxv)+1)*2*ws)
	for i, e := range auxv {
		layout.PutWord(data[2*i*ws:], e.Type)
		layout.PutWord(data[(2*i+1)*ws:], e.Value)
	}

	return Note{
		Name: "CORE",
		Type: NT_AUXV,
		Data: data,
	}
}
