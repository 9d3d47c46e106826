//go:build !unix

package corvus

import (
	"io"
	"os"
)

// lockFile is a no-op on platforms without flock support (golang.org/x/sys/unix
// only covers unix targets). The in-process reader/writer discipline still
// applies; only the cross-process safety net is unavailable here.
func lockFile(f *os.File) (io.Closer, error) {
	return noopCloser{}, nil
}

type noopCloser struct{}

func (noopCloser) Close() error { return nil }
