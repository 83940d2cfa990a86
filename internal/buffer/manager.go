package buffer

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// Manager gives random access to a core file stream. Regular files are
// read in place; pipes and other streams are first copied into an
// unlinked temporary file.
type Manager struct {
	file        *os.File
	owned       bool   // file is our temp file
	size        uint64 // bytes available
	fsBlockSize uint64 // Filesystem block size, used as the copy unit
}

// NewBufferManager creates a new Manager over in. Spooled data lives in a
// temporary file created in dir (the system default when empty).
func NewBufferManager(in *os.File, dir string) (*Manager, error) {
	var stat unix.Stat_t
	if err := unix.Fstat(int(in.Fd()), &stat); err != nil {
		return nil, fmt.Errorf("failed to stat input: %w", err)
	}
	if stat.Mode&unix.S_IFMT == unix.S_IFREG {
		return &Manager{
			file:        in,
			size:        uint64(stat.Size),
			fsBlockSize: uint64(stat.Blksize),
		}, nil
	}

	tempFile, err := os.CreateTemp(dir, "cortex-spool-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	os.Remove(tempFile.Name()) // so it doesn't persist after the program exits; we'll use the open fd only

	// Get filesystem block size for the copy buffer
	fsBlockSize, err := getFilesystemBlockSize(tempFile)
	if err != nil {
		tempFile.Close()
		return nil, fmt.Errorf("failed to get filesystem block size: %w", err)
	}

	bm := &Manager{
		file:        tempFile,
		owned:       true,
		fsBlockSize: fsBlockSize,
	}
	if err := bm.spool(in); err != nil {
		tempFile.Close()
		return nil, err
	}
	return bm, nil
}

// getFilesystemBlockSize gets the filesystem block size for the given file
func getFilesystemBlockSize(file *os.File) (uint64, error) {
	var stat unix.Stat_t
	if err := unix.Fstat(int(file.Fd()), &stat); err != nil {
		return 0, err
	}
	if stat.Blksize <= 0 {
		return 4096, nil
	}
	return uint64(stat.Blksize), nil
}

func (bm *Manager) spool(r io.Reader) error {
	buf := make([]byte, 16*bm.fsBlockSize)
	n, err := io.CopyBuffer(bm.file, r, buf)
	if err != nil {
		return fmt.Errorf("failed to spool input after %d bytes: %w", n, err)
	}
	bm.size = uint64(n)
	return nil
}

// Spooled reports whether the input was copied to a temporary file.
func (bm *Manager) Spooled() bool {
	return bm.owned
}

// Size returns the number of bytes available.
func (bm *Manager) Size() uint64 {
	return bm.size
}

// ReadAt implements io.ReaderAt.
func (bm *Manager) ReadAt(p []byte, off int64) (int, error) {
	return bm.file.ReadAt(p, off)
}

// Release frees the disk space backing [offset, offset+length) of the
// spool. Later reads of the range return zeros. It is a no-op for inputs
// read in place.
func (bm *Manager) Release(offset, length uint64) error {
	if !bm.owned || length == 0 {
		return nil
	}
	// Use fallocate with FALLOC_FL_PUNCH_HOLE | FALLOC_FL_KEEP_SIZE
	err := unix.Fallocate(int(bm.file.Fd()), unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE, int64(offset), int64(length))
	if err != nil {
		return fmt.Errorf("failed to punch hole at offset %d length %d: %w", offset, length, err)
	}
	return nil
}

// Close closes the temp file. The input file itself is left to the caller.
func (bm *Manager) Close() error {
	if bm.owned && bm.file != nil {
		err := bm.file.Close()
		bm.file = nil
		return err
	}
	return nil
}
