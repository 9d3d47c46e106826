//go:build unix

package corvus

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// lockFile takes an exclusive advisory flock on the data file, guarding
// against a second process opening the same file concurrently. This is a
// safety net layered on top of (not a replacement for) the in-process
// reader/writer discipline DB.lock enforces.
func lockFile(f *os.File) (io.Closer, error) {
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		return nil, fmt.Errorf("corvus: file already locked by another process: %w", err)
	}
	return &flockHandle{f: f}, nil
}

type flockHandle struct {
	f *os.File
}

func (h *flockHandle) Close() error {
	return unix.Flock(int(h.f.Fd()), unix.LOCK_UN)
}
