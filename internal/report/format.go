package report

import (
	"errors"
	"fmt"
	"strings"

	"github.com/blunderer/cortex-tool/internal/snapshot"
)

// Sections is a set of report sections.
type Sections uint32

const (
	Bin Sections = 0x01
	Gen Sections = 0x02
	Reg Sections = 0x04
	Cod Sections = 0x08
	Cal Sections = 0x10
	Aux Sections = 0x20
	Sta Sections = 0x40

	Default = Gen | Reg | Cod | Cal
	All     = Gen | Reg | Cod | Cal | Aux | Sta
)

var (
	ErrTruncatedFormat = errors.New("truncated format string")
	ErrUnknownFormat   = errors.New("unknown format")
)

var tokens = map[string]Sections{
	"gen": Gen,
	"reg": Reg,
	"cod": Cod,
	"cal": Cal,
	"aux": Aux,
	"sta": Sta,
	"def": Default,
	"all": All,
	"bin": Bin,
}

// ParseFormat parses a comma separated list of three letter section
// tokens. "txt" clears bin. An empty format selects Default.
func ParseFormat(format string) (Sections, error) {
	if format == "" {
		return Default, nil
	}

	var s Sections
	for rest := format; rest != ""; {
		if len(rest) < 3 {
			return 0, fmt.Errorf("%w: %q", ErrTruncatedFormat, rest)
		}
		tok := rest[:3]
		switch v, ok := tokens[tok]; {
		case ok:
			s |= v
		case tok == "txt":
			s &^= Bin
		default:
			return 0, fmt.Errorf("%w: %q", ErrUnknownFormat, rest)
		}
		rest = strings.TrimPrefix(rest[3:], ",")
	}
	return s, nil
}

// Binary reports whether a reduced core file is written instead of text.
func (s Sections) Binary() bool { return s&Bin != 0 }

// Selection maps the sections onto the segments of a reduced core file:
// the notes carry gen, reg and aux, the code segment cod, and the stack
// sta.
func (s Sections) Selection() snapshot.Selection {
	return snapshot.Selection{
		Note:  s&(Gen|Reg|Aux) != 0,
		Code:  s&Cod != 0,
		Stack: s&Sta != 0,
	}
}

func (s Sections) String() string {
	var names []string
	for _, tok := range []string{"bin", "gen", "reg", "cod", "cal", "aux", "sta"} {
		if s&tokens[tok] != 0 {
			names = append(names, tok)
		}
	}
	return strings.Join(names, ",")
}
