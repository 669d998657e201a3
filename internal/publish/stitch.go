package publish

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cjeanneret/fieldcam/internal/debug"
	"github.com/cjeanneret/fieldcam/internal/hw/camera"
)

// ErrNoFrames is returned when there is nothing to stitch.
var ErrNoFrames = errors.New("no frames to stitch")

// Stitcher turns an ordered frame list into a video with ffmpeg's concat demuxer.
type Stitcher struct {
	Binary string
	FPS    int
	run    camera.Runner
}

// NewStitcher creates a stitcher. An empty binary means "ffmpeg" from PATH.
func NewStitcher(binary string, fps int) *Stitcher {
	if binary == "" {
		binary = "ffmpeg"
	}
	if fps <= 0 {
		fps = 24
	}
	return &Stitcher{Binary: binary, FPS: fps, run: execRunner}
}

// WithRunner replaces the process runner (used by tests).
func (s *Stitcher) WithRunner(r camera.Runner) *Stitcher {
	if r != nil {
		s.run = r
	}
	return s
}

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Available checks that the binary can be executed.
func (s *Stitcher) Available(ctx context.Context) error {
	if _, err := s.run(ctx, s.Binary, "-version"); err != nil {
		return fmt.Errorf("%s not available: %w", s.Binary, err)
	}
	return nil
}

// Args builds the ffmpeg command line reading list and writing out.
func (s *Stitcher) Args(list, out string) []string {
	return []string{
		"-hide_banner", "-loglevel", "error",
		"-f", "concat",
		"-safe", "0",
		"-i", list,
		"-r", strconv.Itoa(s.FPS),
		"-c:v", "libx264",
		"-pix_fmt", "yuv420p",
		"-y",
		out,
	}
}

// ConcatList renders frames in the concat demuxer format, one per 1/fps.
func (s *Stitcher) ConcatList(frames []string) string {
	var b strings.Builder
	step := 1.0 / float64(s.FPS)
	for _, f := range frames {
		abs, err := filepath.Abs(f)
		if err != nil {
			abs = f
		}
		fmt.Fprintf(&b, "file '%s'\nduration %s\n", strings.ReplaceAll(abs, "'", `'\''`), strconv.FormatFloat(step, 'f', 4, 64))
	}
	// The demuxer ignores the duration of the last entry unless it is repeated.
	if len(frames) > 0 {
		last, err := filepath.Abs(frames[len(frames)-1])
		if err != nil {
			last = frames[len(frames)-1]
		}
		fmt.Fprintf(&b, "file '%s'\n", strings.ReplaceAll(last, "'", `'\''`))
	}
	return b.String()
}

// Stitch writes out from frames, which must already be in sequence order.
// The video is produced under a temporary name and renamed when ffmpeg succeeds.
func (s *Stitcher) Stitch(ctx context.Context, frames []string, out string) error {
	if len(frames) == 0 {
		return ErrNoFrames
	}

	list, err := os.CreateTemp(filepath.Dir(out), "concat-*.txt")
	if err != nil {
		return fmt.Errorf("create concat list: %w", err)
	}
	defer os.Remove(list.Name())
	if _, err := list.WriteString(s.ConcatList(frames)); err != nil {
		list.Close()
		return fmt.Errorf("write concat list: %w", err)
	}
	if err := list.Close(); err != nil {
		return fmt.Errorf("close concat list: %w", err)
	}

	// ffmpeg picks the muxer from the extension, so keep it last.
	tmp := strings.TrimSuffix(out, filepath.Ext(out)) + ".part" + filepath.Ext(out)
	debug.Info("Stitching %d frames into %s", len(frames), out)
	if output, err := s.run(ctx, s.Binary, s.Args(list.Name(), tmp)...); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("ffmpeg: %w (output: %s)", err, strings.TrimSpace(string(output)))
	}
	if err := os.Rename(tmp, out); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", filepath.Base(out), err)
	}
	return nil
}
