package elfcore

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
)

// smallRead is the largest read served from a single up-front allocation.
// Bigger reads grow their buffer as data actually arrives, so a bogus
// p_filesz on a short stream cannot force a huge allocation.
const smallRead = 1 << 20

// RandomAccess is a fully buffered core file. See internal/buffer.
type RandomAccess interface {
	io.ReaderAt
	Size() uint64
}

// Source is a sequential reader over a core file stream. The cursor only
// moves forward: the input is usually a pipe from the kernel's
// core_pattern handler and cannot be rewound.
type Source struct {
	r      io.Reader
	ra     RandomAccess // non-nil when the input was spooled
	offset uint64
}

// NewSource returns a forward-only Source reading from r.
func NewSource(r io.Reader) *Source {
	return &Source{r: r}
}

// NewSpooledSource returns a Source over a buffered input. Unlike a
// stream Source, it may be moved backwards.
func NewSpooledSource(ra RandomAccess) *Source {
	return &Source{ra: ra}
}

// Offset returns the number of bytes consumed so far.
func (s *Source) Offset() uint64 {
	return s.offset
}

// Spooled reports whether the source permits backward access.
func (s *Source) Spooled() bool {
	return s.ra != nil
}

// ReadExact reads exactly n bytes at the cursor and advances it.
func (s *Source) ReadExact(n uint64) ([]byte, error) {
	if s.ra != nil {
		return s.readAt(n)
	}
	if n > math.MaxInt64 {
		return nil, fmt.Errorf("%w: read of %#x bytes at %#x", ErrTruncatedInput, n, s.offset)
	}

	if n <= smallRead {
		buf := make([]byte, n)
		got, err := io.ReadFull(s.r, buf)
		s.offset += uint64(got)
		if err != nil {
			return nil, s.readError(err, uint64(got), n)
		}
		return buf, nil
	}

	var buf bytes.Buffer
	buf.Grow(smallRead)
	got, err := io.CopyN(&buf, s.r, int64(n))
	s.offset += uint64(got)
	if err != nil {
		return nil, s.readError(err, uint64(got), n)
	}
	return buf.Bytes(), nil
}

// SkipTo discards input up to offset. Moving backwards is an error
// unless the source is spooled.
func (s *Source) SkipTo(offset uint64) error {
	if s.ra != nil {
		if offset > s.ra.Size() {
			return fmt.Errorf("%w: skip to %#x past end of input (%#x)", ErrTruncatedInput, offset, s.ra.Size())
		}
		s.offset = offset
		return nil
	}

	if offset < s.offset {
		return fmt.Errorf("%w: skip to %#x but cursor is at %#x", ErrNonMonotonicAccess, offset, s.offset)
	}
	if offset == s.offset {
		return nil
	}

	want := offset - s.offset
	if want > math.MaxInt64 {
		return fmt.Errorf("%w: skip to %#x from %#x", ErrTruncatedInput, offset, s.offset)
	}
	got, err := io.CopyN(io.Discard, s.r, int64(want))
	s.offset += uint64(got)
	if err != nil {
		return s.readError(err, uint64(got), want)
	}
	return nil
}

func (s *Source) readAt(n uint64) ([]byte, error) {
	size := s.ra.Size()
	if s.offset > size || n > size-s.offset {
		return nil, fmt.Errorf("%w: need %d bytes at %#x, input is %d bytes", ErrTruncatedInput, n, s.offset, size)
	}
	buf := make([]byte, n)
	got, err := s.ra.ReadAt(buf, int64(s.offset))
	s.offset += uint64(got)
	if got < len(buf) {
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		return nil, s.readError(err, uint64(got), n)
	}
	return buf, nil
}

func (s *Source) readError(err error, got, want uint64) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: got %d of %d bytes before offset %#x", ErrTruncatedInput, got, want, s.offset)
	}
	return fmt.Errorf("failed to read input at offset %#x: %w", s.offset, err)
}
