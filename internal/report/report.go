// Package report renders a crash snapshot as a text report, or as a
// reduced core file.
package report

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/rs/zerolog"

	"github.com/blunderer/cortex-tool/internal/disasm"
	"github.com/blunderer/cortex-tool/internal/elfcore"
	"github.com/blunderer/cortex-tool/internal/snapshot"
)

const separator = "\n8<--------------------------------------------------------------------------\n"

// states indexes pr_state.
const states = "RSDTZW"

// Writer renders snapshots.
type Writer struct {
	Sections Sections
	// Context is the number of code bytes listed on each side of the pc.
	Context int
	// Disassembler is nil when the architecture has none.
	Disassembler disasm.Disassembler
	// Color highlights headings.
	Color  bool
	Logger zerolog.Logger
}

type printer struct {
	*bufio.Writer
	heading *color.Color
	alert   *color.Color
}

func (p *printer) head(format string, args ...any) {
	p.WriteString(p.heading.Sprintf(format, args...))
	p.WriteByte('\n')
}

// Write renders s to w.
func (rw *Writer) Write(w io.Writer, s *snapshot.Snapshot) error {
	if rw.Sections.Binary() {
		return s.WriteCore(w, rw.Sections.Selection())
	}

	p := &printer{
		Writer:  bufio.NewWriter(w),
		heading: color.New(color.Bold),
		alert:   color.New(color.FgRed, color.Bold),
	}
	if rw.Color {
		p.heading.EnableColor()
		p.alert.EnableColor()
	} else {
		p.heading.DisableColor()
		p.alert.DisableColor()
	}

	p.WriteString(separator)
	if rw.Sections&Gen != 0 {
		rw.writeGeneric(p, s)
	}
	if rw.Sections&Reg != 0 {
		rw.writeRegisters(p, s)
	}
	if rw.Sections&Cod != 0 {
		if err := rw.writeCode(p, s); err != nil {
			return err
		}
	}
	if rw.Sections&Cal != 0 {
		rw.writeCallTrace(p, s)
	}
	if rw.Sections&Aux != 0 {
		rw.writeAuxv(p, s)
	}
	if rw.Sections&Sta != 0 {
		rw.writeStackFrame(p, s)
	}
	p.WriteByte('\n')
	return p.Flush()
}

func (rw *Writer) writeGeneric(p *printer, s *snapshot.Snapshot) {
	t := s.ActiveThread()
	info := s.Info

	p.WriteString(p.alert.Sprintf("BUG: process %s<%d> ", info.Fname, info.Pid))
	if sig := s.Signal(); sig != 0 {
		p.WriteString(p.alert.Sprintf("received signum %d in thread %d", sig, t.Pid()))
	} else {
		p.WriteString(p.alert.Sprint("crashed"))
	}
	p.WriteByte('\n')

	state := byte('?')
	if info.State >= 0 && int(info.State) < len(states) {
		state = states[info.State]
	}
	ut, st := t.Utime(), t.Stime()
	cut, cst := t.Cutime(), t.Cstime()
	fmt.Fprintf(p, "  cmdline was %s\n", info.Psargs)
	fmt.Fprintf(p, "  uid/gid: %d/%d\n", info.UID, info.GID)
	fmt.Fprintf(p, "  utime/stime: %d.%d/%d.%d\n", ut.Sec, ut.Usec, st.Sec, st.Usec)
	fmt.Fprintf(p, "  cutime/cstime: %d.%d/%d.%d\n", cut.Sec, cut.Usec, cst.Sec, cst.Usec)
	fmt.Fprintf(p, "  state: %c\n", state)
	fmt.Fprintf(p, "  si_code/si_errno: %d/%d\n", t.Code(), t.Errno())
	fmt.Fprintf(p, "  sigpend/sighold: 0x%x/0x%x\n", t.Sigpend(), t.Sighold())
	fmt.Fprintf(p, "  nr threads: %d\n", len(s.Threads))
}

func (rw *Writer) writeRegisters(p *printer, s *snapshot.Snapshot) {
	for i, r := range s.Registers {
		if i%4 == 0 {
			p.WriteString("  ")
		}
		fmt.Fprintf(p, "%s:0x%0*X  ", r.Name, 2*r.Size, r.Value)
		if i%4 == 3 {
			p.WriteByte('\n')
		}
	}
	if len(s.Registers)%4 != 0 {
		p.WriteByte('\n')
	}
}

func (rw *Writer) writeCode(p *printer, s *snapshot.Snapshot) error {
	if s.Code == nil {
		p.head("Code unavailable")
		return nil
	}
	p.head("Code:")
	if rw.Disassembler == nil {
		p.WriteString("Unsupported\n")
		return nil
	}
	return rw.Disassembler.Disassemble(p, s.Code.Data, s.CodeProg.Vaddr, s.PC, rw.Context)
}

// word formats an address or stack word at the native width.
func word(s *snapshot.Snapshot, v uint64) string {
	return fmt.Sprintf("%0*x", 2*s.WordSize(), v)
}

func (rw *Writer) writeCallTrace(p *printer, s *snapshot.Snapshot) {
	frames, err := s.CallTrace()
	switch {
	case errors.Is(err, elfcore.ErrUnmappedAddress):
		p.head("Call trace: unavailable")
		return
	case errors.Is(err, elfcore.ErrUnsupported):
		p.head("Call trace:")
		p.WriteString("Unsupported\n")
		return
	}

	p.head("Call trace:")
	for i, f := range frames {
		fmt.Fprintf(p, "  #%d at 0x%s", i, word(s, f.PC))
		if i == len(frames)-1 && err == nil {
			if s.IsClone() {
				p.WriteString(" in <clone>")
			} else {
				p.WriteString(" in <main>")
			}
		}
		p.WriteByte('\n')
	}
	if err != nil {
		rw.Logger.Debug().Err(err).Int("frames", len(frames)).Msg("call trace truncated")
		p.WriteString(p.alert.Sprint("  <corrupt stack>"))
		p.WriteByte('\n')
	}
}

func (rw *Writer) writeAuxv(p *printer, s *snapshot.Snapshot) {
	p.head("Auxiliary vector:")
	for _, e := range s.Auxv {
		fmt.Fprintf(p, "  %s = 0x%x (%d)\n", elfcore.AuxvName(e.Type), e.Value, e.Value)
	}
}

func (rw *Writer) writeStackFrame(p *printer, s *snapshot.Snapshot) {
	f, words, err := s.LastFrame()
	if errors.Is(err, elfcore.ErrUnmappedAddress) {
		p.head("Last stack frame: unavailable")
		return
	}

	p.head("Last stack frame:")
	if f.BP == 0 {
		p.WriteString("  <empty>\n")
		return
	}
	for _, sw := range words {
		fmt.Fprintf(p, "  0x%s: %s\n", word(s, sw.Addr), word(s, sw.Value))
	}
	if err != nil {
		rw.Logger.Debug().Err(err).Str("bp", "0x"+word(s, f.BP)).Msg("stack frame truncated")
		p.WriteString(p.alert.Sprint("  <corrupt stack>"))
		p.WriteByte('\n')
	}
}

// Summary returns a one line description of the crash for logging.
func Summary(s *snapshot.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s<%d>", s.Info.Fname, s.Info.Pid)
	if sig := s.Signal(); sig != 0 {
		fmt.Fprintf(&b, " signum %d in thread %d", sig, s.ActiveThread().Pid())
	}
	fmt.Fprintf(&b, " at 0x%s", word(s, s.PC))
	return b.String()
}
