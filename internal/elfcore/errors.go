package elfcore

import (
	"errors"
	"fmt"
)

// Error categories. Every error returned by this package and by the
// packages built on it wraps exactly one of these, so callers decide
// policy with errors.Is.
var (
	ErrMalformedInput      = errors.New("malformed input")
	ErrStructuralViolation = errors.New("structural violation")
	ErrCorruptStackChain   = errors.New("corrupt stack chain")
	ErrUnsupported         = errors.New("unsupported architecture feature")
	ErrNonMonotonicAccess  = errors.New("non monotonic access")
)

// Malformed input.
var (
	ErrTruncatedInput       = fmt.Errorf("%w: truncated input", ErrMalformedInput)
	ErrInvalidMagic         = fmt.Errorf("%w: invalid ELF magic", ErrMalformedInput)
	ErrWrongClass           = fmt.Errorf("%w: incompatible ELF class", ErrMalformedInput)
	ErrWrongVersion         = fmt.Errorf("%w: incompatible ELF version", ErrMalformedInput)
	ErrInvalidEncoding      = fmt.Errorf("%w: invalid ELF data encoding", ErrMalformedInput)
	ErrNotACoreFile         = fmt.Errorf("%w: not a core file", ErrMalformedInput)
	ErrWrongMachine         = fmt.Errorf("%w: wrong machine", ErrMalformedInput)
	ErrTruncatedNote        = fmt.Errorf("%w: truncated note record", ErrMalformedInput)
	ErrBadProgramHeaderSize = fmt.Errorf("%w: unexpected program header entry size", ErrMalformedInput)
	ErrBadAlignment         = fmt.Errorf("%w: invalid segment alignment", ErrMalformedInput)
)

// Structural violations.
var (
	ErrMissingNoteSegment = fmt.Errorf("%w: missing PT_NOTE segment", ErrStructuralViolation)
	ErrMissingProcessInfo = fmt.Errorf("%w: missing NT_PRPSINFO note", ErrStructuralViolation)
	ErrNoThreads          = fmt.Errorf("%w: no NT_PRSTATUS note", ErrStructuralViolation)
	ErrUnmappedAddress    = fmt.Errorf("%w: address not mapped by any segment", ErrStructuralViolation)
	ErrShortRegisterBlob  = fmt.Errorf("%w: register blob too short", ErrStructuralViolation)
)
