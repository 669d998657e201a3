package camera

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// FreeBytes returns the space available to unprivileged users on the
// filesystem holding dir.
func FreeBytes(dir string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", dir, err)
	}
	return st.Bavail * uint64(st.Bsize), nil
}

// CheckFree returns ErrStorageFull when dir has less than minBytes available.
// A zero minBytes disables the check.
func CheckFree(dir string, minBytes uint64) error {
	if minBytes == 0 {
		return nil
	}
	free, err := FreeBytes(dir)
	if err != nil {
		return err
	}
	if free < minBytes {
		return fmt.Errorf("%w: %d bytes free in %s, need %d", ErrStorageFull, free, dir, minBytes)
	}
	return nil
}
