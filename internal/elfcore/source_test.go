package elfcore_test

import (
	"bytes"
	"errors"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blunderer/cortex-tool/internal/elfcore"
)

type readerAt struct {
	*bytes.Reader
}

func (r readerAt) Size() uint64 { return uint64(r.Reader.Size()) }

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i * 7)
	}
	return b
}

func TestSourceReadExact(t *testing.T) {
	data := pattern(64)
	src := elfcore.NewSource(bytes.NewReader(data))

	got, err := src.ReadExact(16)
	require.NoError(t, err)
	assert.Equal(t, data[:16], got)
	assert.Equal(t, uint64(16), src.Offset())

	_, err = src.ReadExact(100)
	require.ErrorIs(t, err, elfcore.ErrTruncatedInput)
	assert.ErrorIs(t, err, elfcore.ErrMalformedInput)
}

func TestSourceLargeReadOnShortStream(t *testing.T) {
	src := elfcore.NewSource(bytes.NewReader(pattern(4096)))

	_, err := src.ReadExact(1 << 40)
	require.ErrorIs(t, err, elfcore.ErrTruncatedInput)
	assert.Equal(t, uint64(4096), src.Offset())
}

func TestSourceLargeRead(t *testing.T) {
	data := pattern(3 << 20)
	src := elfcore.NewSource(bytes.NewReader(data))

	got, err := src.ReadExact(uint64(len(data)))
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestSourceSkipTo(t *testing.T) {
	data := pattern(64)
	src := elfcore.NewSource(bytes.NewReader(data))

	require.NoError(t, src.SkipTo(10))
	require.NoError(t, src.SkipTo(10))
	got, err := src.ReadExact(4)
	require.NoError(t, err)
	assert.Equal(t, data[10:14], got)

	err = src.SkipTo(5)
	require.ErrorIs(t, err, elfcore.ErrNonMonotonicAccess)
	assert.Equal(t, uint64(14), src.Offset())

	err = src.SkipTo(65)
	require.ErrorIs(t, err, elfcore.ErrTruncatedInput)
}

func TestSourceOffsetsPastInt64(t *testing.T) {
	data := pattern(10)

	src := elfcore.NewSource(bytes.NewReader(data))
	err := src.SkipTo(1 << 63)
	require.ErrorIs(t, err, elfcore.ErrTruncatedInput)
	assert.Equal(t, uint64(0), src.Offset())

	src = elfcore.NewSource(bytes.NewReader(data))
	_, err = src.ReadExact(1 << 63)
	require.ErrorIs(t, err, elfcore.ErrTruncatedInput)
	_, err = src.ReadExact(^uint64(0))
	require.ErrorIs(t, err, elfcore.ErrTruncatedInput)
	assert.Equal(t, uint64(0), src.Offset())
}

// errReader fails every read with a non-EOF error.
type errReader struct{}

func (errReader) Read([]byte) (int, error) { return 0, errors.New("broken pipe") }

func TestSourceReadErrorIsNotTruncation(t *testing.T) {
	src := elfcore.NewSource(errReader{})
	_, err := src.ReadExact(8)
	require.Error(t, err)
	assert.NotErrorIs(t, err, elfcore.ErrMalformedInput)
	assert.Contains(t, err.Error(), "broken pipe")
}

func TestSourceMonotonicity(t *testing.T) {
	const size = 4096
	data := pattern(size)

	for seed := range uint64(50) {
		rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
		src := elfcore.NewSource(bytes.NewReader(data))
		var cursor uint64

		for range 40 {
			off := rng.Uint64N(size + 64)
			n := rng.Uint64N(256)

			err := src.SkipTo(off)
			switch {
			case off < cursor:
				require.ErrorIs(t, err, elfcore.ErrNonMonotonicAccess, "seed %d", seed)
				require.Equal(t, cursor, src.Offset())
				continue
			case off > size:
				require.ErrorIs(t, err, elfcore.ErrTruncatedInput, "seed %d", seed)
			default:
				require.NoError(t, err, "seed %d", seed)
			}
			if err != nil {
				break
			}
			cursor = off

			got, err := src.ReadExact(n)
			if off+n > size {
				require.ErrorIs(t, err, elfcore.ErrTruncatedInput, "seed %d", seed)
				break
			}
			require.NoError(t, err, "seed %d", seed)
			require.Equal(t, data[off:off+n], got, "seed %d", seed)
			cursor += n
			require.Equal(t, cursor, src.Offset())
		}
	}
}

func TestSpooledSourceRewinds(t *testing.T) {
	data := pattern(128)
	src := elfcore.NewSpooledSource(readerAt{bytes.NewReader(data)})
	assert.True(t, src.Spooled())

	require.NoError(t, src.SkipTo(100))
	got, err := src.ReadExact(8)
	require.NoError(t, err)
	assert.Equal(t, data[100:108], got)

	require.NoError(t, src.SkipTo(4))
	got, err = src.ReadExact(8)
	require.NoError(t, err)
	assert.Equal(t, data[4:12], got)

	_, err = src.ReadExact(1000)
	require.ErrorIs(t, err, elfcore.ErrTruncatedInput)
	require.ErrorIs(t, src.SkipTo(129), elfcore.ErrTruncatedInput)
}
