package camera

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"sync"
	"time"

	"github.com/cjeanneret/fieldcam/internal/debug"
)

// Synthetic is a FrameSource that renders a gradient test card.
// Used with mock GPIO on a development machine.
type Synthetic struct {
	// Exposure simulates sensor time.
	Exposure time.Duration

	mu     sync.Mutex
	frames int
}

// NewSynthetic creates a synthetic source with the given simulated exposure.
func NewSynthetic(exposure time.Duration) *Synthetic {
	return &Synthetic{Exposure: exposure}
}

func (s *Synthetic) Capture(ctx context.Context, path string, p Params) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Exposure > 0 {
		timer := time.NewTimer(s.Exposure)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("synthetic exposure aborted: %w", ctx.Err())
		}
	}

	w, h := p.Width, p.Height
	if w <= 0 || h <= 0 {
		w, h = 320, 240
	}
	s.frames++
	shade := uint8(s.frames * 37)
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 255 / w), G: uint8(y * 255 / h), B: shade, A: 255})
		}
	}
	quality := p.Quality
	if quality <= 0 {
		quality = jpeg.DefaultQuality
	}

	debug.Trace("Synthetic: rendering %dx%d frame %d", w, h, s.frames)
	return WriteAtomic(path, func(out io.Writer) error {
		return jpeg.Encode(out, img, &jpeg.Options{Quality: quality})
	})
}

func (s *Synthetic) Close() error { return nil }
