package camera

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cjeanneret/fieldcam/internal/debug"
)

// StillBinaries lists the libcamera still tools, newest name first.
var StillBinaries = []string{"rpicam-still", "libcamera-still"}

// Runner executes a command and returns its combined output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// StillCommand is a FrameSource that shells out to rpicam-still/libcamera-still.
// The tool writes to a temporary file which is renamed once the process exits cleanly.
type StillCommand struct {
	binary  string
	timeout time.Duration
	run     Runner

	mu sync.Mutex
}

// StillOption configures a StillCommand.
type StillOption func(*StillCommand)

// WithRunner replaces the process runner (used by tests).
func WithRunner(r Runner) StillOption {
	return func(s *StillCommand) { s.run = r }
}

// WithBinary forces a specific tool instead of searching PATH.
func WithBinary(name string) StillOption {
	return func(s *StillCommand) { s.binary = name }
}

// WithTimeout sets the preview/settle time passed as -t, in milliseconds resolution.
func WithTimeout(d time.Duration) StillOption {
	return func(s *StillCommand) { s.timeout = d }
}

// NewStillCommand locates the still tool. It fails with ErrDeviceNotFound when
// neither binary is installed.
func NewStillCommand(opts ...StillOption) (*StillCommand, error) {
	s := &StillCommand{
		timeout: 1500 * time.Millisecond,
		run:     execRunner,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.binary == "" {
		for _, name := range StillBinaries {
			if p, err := exec.LookPath(name); err == nil {
				s.binary = p
				break
			}
		}
	}
	if s.binary == "" {
		return nil, fmt.Errorf("%w: none of %s in PATH", ErrDeviceNotFound, strings.Join(StillBinaries, ", "))
	}
	debug.Verbose("Camera: using %s", s.binary)
	return s, nil
}

// Args builds the command line for one capture into tmp.
func (s *StillCommand) Args(tmp string, p Params) []string {
	args := []string{"-n", "--immediate", "-e", "jpg", "-o", tmp}
	if s.timeout > 0 {
		args = append(args, "-t", strconv.FormatInt(s.timeout.Milliseconds(), 10))
	}
	if p.Width > 0 && p.Height > 0 {
		args = append(args, "--width", strconv.Itoa(p.Width), "--height", strconv.Itoa(p.Height))
	}
	if p.Exposure.ShutterUs > 0 {
		args = append(args, "--shutter", strconv.Itoa(p.Exposure.ShutterUs))
	}
	if p.Exposure.Gain > 0 {
		args = append(args, "--gain", strconv.FormatFloat(p.Exposure.Gain, 'f', -1, 64))
	}
	if p.Rotation == 180 {
		args = append(args, "--rotation", "180")
	}
	if p.HFlip {
		args = append(args, "--hflip")
	}
	if p.VFlip {
		args = append(args, "--vflip")
	}
	if p.Quality > 0 {
		args = append(args, "-q", strconv.Itoa(p.Quality))
	}
	return args
}

// Capture runs the still tool once. Calls are serialized.
func (s *StillCommand) Capture(ctx context.Context, path string, p Params) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tmp := TempPath(path)
	args := s.Args(tmp, p)
	debug.Verbose("Camera: %s %s", s.binary, strings.Join(args, " "))

	out, err := s.run(ctx, s.binary, args...)
	if err != nil {
		os.Remove(tmp)
		return classifyOutput(err, out)
	}
	info, err := os.Stat(tmp)
	if err != nil {
		return classifyIO(fmt.Errorf("still tool produced no file: %w", err))
	}
	if info.Size() == 0 {
		os.Remove(tmp)
		return fmt.Errorf("%w: empty frame", ErrWriteFailure)
	}
	if err := syncFile(tmp); err != nil {
		os.Remove(tmp)
		return classifyIO(err)
	}
	return Commit(tmp, path)
}

func (s *StillCommand) Close() error { return nil }

func syncFile(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// classifyOutput maps libcamera diagnostics onto the error taxonomy.
func classifyOutput(err error, out []byte) error {
	msg := strings.ToLower(string(out))
	detail := strings.TrimSpace(lastLine(string(out)))
	switch {
	case strings.Contains(msg, "no space left"):
		return fmt.Errorf("%w: %s", ErrStorageFull, detail)
	case strings.Contains(msg, "no cameras available"), strings.Contains(msg, "camera not found"):
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, detail)
	case strings.Contains(msg, "resource busy"), strings.Contains(msg, "failed to acquire camera"):
		return fmt.Errorf("%w: %s", ErrDeviceBusy, detail)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("still tool aborted: %w", err)
	default:
		return fmt.Errorf("%w: %v: %s", ErrWriteFailure, err, detail)
	}
}

func lastLine(s string) string {
	s = strings.TrimRight(s, "\n")
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
