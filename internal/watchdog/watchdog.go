// Package watchdog bounds how long the tool waits for its input to
// produce data.
package watchdog

import (
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// DefaultTimeout is how long the input may stay silent before parsing
// starts.
const DefaultTimeout = 2 * time.Second

// ErrNoInput is returned when the input produced nothing in time.
var ErrNoInput = errors.New("no input")

// Wait blocks until f is readable or timeout elapses. A hang up counts as
// readable: the reader then sees EOF. A non-positive timeout disables the
// check.
func Wait(f *os.File, timeout time.Duration) error {
	if timeout <= 0 {
		return nil
	}

	fds := []unix.PollFd{{Fd: int32(f.Fd()), Events: unix.POLLIN}}
	deadline := time.Now().Add(timeout)
	for {
		ms := int(time.Until(deadline).Milliseconds())
		if ms <= 0 {
			return fmt.Errorf("%w after %v", ErrNoInput, timeout)
		}
		n, err := unix.Poll(fds, ms)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to poll %s: %w", f.Name(), err)
		}
		if n == 0 {
			return fmt.Errorf("%w after %v", ErrNoInput, timeout)
		}
		if fds[0].Revents&unix.POLLNVAL != 0 {
			return fmt.Errorf("failed to poll %s: invalid descriptor", f.Name())
		}
		return nil
	}
}
