package camera

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

// PartSuffix marks a frame that is still being written.
const PartSuffix = ".part"

// TempPath returns the in-progress name used while path is being written.
func TempPath(path string) string {
	return path + PartSuffix
}

// IsTempPath reports whether name is an in-progress frame.
func IsTempPath(name string) bool {
	return strings.HasSuffix(name, PartSuffix)
}

// WriteAtomic writes path through a temporary sibling, fsyncs it and renames it
// into place. On any error the temporary file is removed and path is untouched.
func WriteAtomic(path string, write func(w io.Writer) error) error {
	tmp := TempPath(path)
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return classifyIO(fmt.Errorf("create %s: %w", filepath.Base(tmp), err))
	}
	if err := write(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return classifyIO(err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return classifyIO(fmt.Errorf("sync %s: %w", filepath.Base(tmp), err))
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return classifyIO(fmt.Errorf("close %s: %w", filepath.Base(tmp), err))
	}
	return Commit(tmp, path)
}

// Commit renames a finished temporary file into its final place.
func Commit(tmp, path string) error {
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return classifyIO(fmt.Errorf("rename %s: %w", filepath.Base(path), err))
	}
	return nil
}

// classifyIO tags filesystem errors with the frame source taxonomy.
func classifyIO(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStorageFull) || errors.Is(err, ErrWriteFailure) ||
		errors.Is(err, ErrDeviceBusy) || errors.Is(err, ErrDeviceNotFound) {
		return err
	}
	if errors.Is(err, syscall.ENOSPC) || errors.Is(err, syscall.EDQUOT) {
		return fmt.Errorf("%w: %v", ErrStorageFull, err)
	}
	return fmt.Errorf("%w: %v", ErrWriteFailure, err)
}
