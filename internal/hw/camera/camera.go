package camera

import (
	"context"
	"errors"
)

// FrameSource is the high-level interface used by the rest of the application.
// It represents an abstract "camera" that turns one request into one image file,
// regardless of how it's driven (libcamera CLI, synthetic, etc.).
//
// Capture must leave either a complete file at path or nothing at all.
type FrameSource interface {
	Capture(ctx context.Context, path string, p Params) error
	Close() error
}

// Exposure holds manual exposure settings. Zero values mean "auto".
type Exposure struct {
	ShutterUs int     `yaml:"shutter_us" toml:"shutter_us"`
	Gain      float64 `yaml:"gain" toml:"gain"`
}

// Params describes a single still capture.
type Params struct {
	Width    int // 0 = sensor default
	Height   int
	Exposure Exposure
	Rotation int // 0 or 180
	HFlip    bool
	VFlip    bool
	Quality  int // JPEG quality 1-100, 0 = default
}

var (
	// ErrDeviceBusy means another process holds the camera. Transient.
	ErrDeviceBusy = errors.New("camera busy")
	// ErrDeviceNotFound means no camera is attached or the driver is missing. Fatal.
	ErrDeviceNotFound = errors.New("camera not found")
	// ErrWriteFailure means the frame could not be written to disk. Transient.
	ErrWriteFailure = errors.New("frame write failed")
	// ErrStorageFull means the output filesystem has no room left. Fatal.
	ErrStorageFull = errors.New("storage full")
)

// IsFatal reports whether err means the session cannot continue capturing.
func IsFatal(err error) bool {
	return errors.Is(err, ErrDeviceNotFound) || errors.Is(err, ErrStorageFull)
}
