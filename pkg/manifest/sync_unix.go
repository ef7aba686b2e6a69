//go:build unix

package manifest

import (
	"os"

	"golang.org/x/sys/unix"
)

// syncDir flushes the directory entry so a completed rename survives a crash.
func syncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	if err := unix.Fsync(int(f.Fd())); err != nil && err != unix.EINVAL {
		return err
	}
	return nil
}
