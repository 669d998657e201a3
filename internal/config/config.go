package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/cjeanneret/fieldcam/internal/hw/camera"
)

// Mode selects which trigger sources a session runs.
type Mode string

const (
	ModeSingle    Mode = "single"
	ModeTimelapse Mode = "timelapse"
	ModeButton    Mode = "button"
)

// ParseMode accepts the mode names used on the command line.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeSingle, ModeTimelapse, ModeButton:
		return m, nil
	default:
		return "", fmt.Errorf("unknown mode %q (want single, timelapse or button)", s)
	}
}

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// SessionConfig is fixed for the lifetime of one session.
type SessionConfig struct {
	Mode       Mode   `yaml:"mode" toml:"mode"`
	IntervalMs int    `yaml:"interval_ms" toml:"interval_ms"` // timelapse period
	MaxCount   int    `yaml:"max_count" toml:"max_count"`     // 0 = unbounded
	OutputDir  string `yaml:"output_dir" toml:"output_dir"`
	ButtonPin  *int   `yaml:"button_pin,omitempty" toml:"button_pin,omitempty"` // BCM pin, nil = no button
	DebounceMs int    `yaml:"debounce_ms" toml:"debounce_ms"`
}

// CameraConfig selects and tunes the frame source.
type CameraConfig struct {
	Type      string          `yaml:"type" toml:"type"`     // "still" or "synthetic"
	Binary    string          `yaml:"binary" toml:"binary"` // empty = first of rpicam-still, libcamera-still
	Width     int             `yaml:"width" toml:"width"`
	Height    int             `yaml:"height" toml:"height"`
	Exposure  camera.Exposure `yaml:"exposure" toml:"exposure"`
	Rotation  int             `yaml:"rotation" toml:"rotation"` // 0 or 180
	HFlip     bool            `yaml:"hflip" toml:"hflip"`
	VFlip     bool            `yaml:"vflip" toml:"vflip"`
	Quality   int             `yaml:"quality" toml:"quality"`
	TimeoutMs int             `yaml:"timeout_ms" toml:"timeout_ms"` // still command preview time
	WarmupMs  int             `yaml:"warmup_ms" toml:"warmup_ms"`   // settle time before the first capture
}

// RetryConfig bounds per-request retries.
type RetryConfig struct {
	Retries   int `yaml:"retries" toml:"retries"`
	BackoffMs int `yaml:"backoff_ms" toml:"backoff_ms"`
}

// StorageConfig guards the output filesystem.
type StorageConfig struct {
	MinFreeMB int `yaml:"min_free_mb" toml:"min_free_mb"` // 0 disables the check
}

// ManifestConfig adds optional manifest mirrors.
type ManifestConfig struct {
	SQLitePath string `yaml:"sqlite_path" toml:"sqlite_path"`
}

// UploadConfig describes the SSH destination for frames.
type UploadConfig struct {
	Host           string `yaml:"host" toml:"host"`
	Port           int    `yaml:"port" toml:"port"`
	User           string `yaml:"user" toml:"user"`
	RemoteDir      string `yaml:"remote_dir" toml:"remote_dir"`
	KeyPath        string `yaml:"key_path" toml:"key_path"`
	KnownHostsPath string `yaml:"known_hosts_path" toml:"known_hosts_path"`
	TimeoutMs      int    `yaml:"timeout_ms" toml:"timeout_ms"`
}

// Enabled reports whether an upload destination is configured.
func (u UploadConfig) Enabled() bool {
	return u.Host != "" && u.RemoteDir != ""
}

// StitchConfig hands successful frames to ffmpeg after the session.
type StitchConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Binary  string `yaml:"binary" toml:"binary"`
	FPS     int    `yaml:"fps" toml:"fps"`
	Output  string `yaml:"output" toml:"output"` // relative to output_dir
}

// PublishConfig groups the post-capture collaborators.
type PublishConfig struct {
	Index      bool         `yaml:"index" toml:"index"` // write output_dir/index.html at session end
	IndexTitle string       `yaml:"index_title" toml:"index_title"`
	Upload     UploadConfig `yaml:"upload" toml:"upload"`
	Stitch     StitchConfig `yaml:"stitch" toml:"stitch"`
}

// WebConfig enables the optional status server.
type WebConfig struct {
	Addr        string   `yaml:"addr" toml:"addr"` // empty = disabled
	CORSOrigins []string `yaml:"cors_origins" toml:"cors_origins"`
}

// DefaultsConfig contains process-wide switches.
type DefaultsConfig struct {
	DebugLevel int  `yaml:"debug_level" toml:"debug_level"` // debug level 0-4 (0=off, 1=info, 2=live, 3=verbose, 4=trace)
	MockGPIO   bool `yaml:"mock_gpio" toml:"mock_gpio"`     // use mock GPIO and the synthetic camera
}

// Config aggregates all application configuration.
type Config struct {
	Session  SessionConfig  `yaml:"session" toml:"session"`
	Camera   CameraConfig   `yaml:"camera" toml:"camera"`
	Retry    RetryConfig    `yaml:"retry" toml:"retry"`
	Storage  StorageConfig  `yaml:"storage" toml:"storage"`
	Manifest ManifestConfig `yaml:"manifest" toml:"manifest"`
	Publish  PublishConfig  `yaml:"publish" toml:"publish"`
	Web      WebConfig      `yaml:"web" toml:"web"`
	Defaults DefaultsConfig `yaml:"defaults" toml:"defaults"`
}

// DefaultButtonPin is the BCM pin used when button mode names no pin.
const DefaultButtonPin = 17

// Default returns a configuration that runs a five second timelapse into ./images.
func Default() *Config {
	return &Config{
		Session: SessionConfig{
			Mode:       ModeTimelapse,
			IntervalMs: 5000,
			OutputDir:  "./images",
			DebounceMs: 300,
		},
		Camera: CameraConfig{
			Type:      "still",
			Quality:   93,
			TimeoutMs: 1500,
			WarmupMs:  1500,
		},
		Retry:   RetryConfig{Retries: 2, BackoffMs: 500},
		Storage: StorageConfig{MinFreeMB: 50},
		Publish: PublishConfig{
			IndexTitle: "Image Index",
			Stitch:     StitchConfig{Binary: "ffmpeg", FPS: 24, Output: "timelapse.mp4"},
		},
		Defaults: DefaultsConfig{DebugLevel: 1},
	}
}

// Load reads a YAML or TOML file over the defaults. The format follows the
// file extension (.yaml, .yml, .toml).
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("unmarshal yaml: %w", err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("unmarshal toml: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: unsupported config extension %q", ErrInvalid, ext)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces the session invariants and fills derived defaults.
func (c *Config) Validate() error {
	s := &c.Session
	mode, err := ParseMode(string(s.Mode))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	s.Mode = mode

	if s.OutputDir == "" {
		return fmt.Errorf("%w: session.output_dir is required", ErrInvalid)
	}
	if s.MaxCount < 0 {
		return fmt.Errorf("%w: session.max_count must be >= 0, got %d", ErrInvalid, s.MaxCount)
	}
	if s.Mode == ModeTimelapse && s.IntervalMs <= 0 {
		return fmt.Errorf("%w: session.interval_ms must be > 0 in timelapse mode, got %d", ErrInvalid, s.IntervalMs)
	}
	if s.Mode == ModeButton && s.ButtonPin == nil {
		pin := DefaultButtonPin
		s.ButtonPin = &pin
	}
	if s.ButtonPin != nil {
		if *s.ButtonPin < 0 || *s.ButtonPin > 27 {
			return fmt.Errorf("%w: session.button_pin must be a BCM pin 0-27, got %d", ErrInvalid, *s.ButtonPin)
		}
		if s.DebounceMs <= 0 {
			return fmt.Errorf("%w: session.debounce_ms must be > 0, got %d", ErrInvalid, s.DebounceMs)
		}
	}

	switch c.Camera.Type {
	case "still", "synthetic":
	default:
		return fmt.Errorf("%w: camera.type must be still or synthetic, got %q", ErrInvalid, c.Camera.Type)
	}
	if c.Camera.Width < 0 || c.Camera.Height < 0 {
		return fmt.Errorf("%w: camera resolution must be >= 0", ErrInvalid)
	}
	if c.Camera.Rotation != 0 && c.Camera.Rotation != 180 {
		return fmt.Errorf("%w: camera.rotation must be 0 or 180, got %d", ErrInvalid, c.Camera.Rotation)
	}
	if c.Camera.Quality < 0 || c.Camera.Quality > 100 {
		return fmt.Errorf("%w: camera.quality must be 0-100, got %d", ErrInvalid, c.Camera.Quality)
	}

	if c.Retry.Retries < 0 || c.Retry.BackoffMs < 0 {
		return fmt.Errorf("%w: retry values must be >= 0", ErrInvalid)
	}
	if c.Storage.MinFreeMB < 0 {
		return fmt.Errorf("%w: storage.min_free_mb must be >= 0", ErrInvalid)
	}

	u := &c.Publish.Upload
	if u.Host != "" || u.RemoteDir != "" {
		if !u.Enabled() || u.User == "" || u.KeyPath == "" {
			return fmt.Errorf("%w: publish.upload needs host, user, remote_dir and key_path", ErrInvalid)
		}
		if u.Port == 0 {
			u.Port = 22
		}
	}
	if c.Publish.Stitch.Enabled && c.Publish.Stitch.FPS <= 0 {
		return fmt.Errorf("%w: publish.stitch.fps must be > 0", ErrInvalid)
	}

	if c.Defaults.DebugLevel < 0 || c.Defaults.DebugLevel > 4 {
		return fmt.Errorf("%w: defaults.debug_level must be 0-4, got %d", ErrInvalid, c.Defaults.DebugLevel)
	}
	return nil
}

// Interval returns the timelapse period.
func (s SessionConfig) Interval() time.Duration {
	return time.Duration(s.IntervalMs) * time.Millisecond
}

// Debounce returns the button debounce window.
func (s SessionConfig) Debounce() time.Duration {
	return time.Duration(s.DebounceMs) * time.Millisecond
}

// Params converts the camera section into per-capture parameters.
func (c CameraConfig) Params() camera.Params {
	return camera.Params{
		Width:    c.Width,
		Height:   c.Height,
		Exposure: c.Exposure,
		Rotation: c.Rotation,
		HFlip:    c.HFlip,
		VFlip:    c.VFlip,
		Quality:  c.Quality,
	}
}

// Warmup returns the settle time before the first capture.
func (c CameraConfig) Warmup() time.Duration {
	return time.Duration(c.WarmupMs) * time.Millisecond
}

// Timeout returns the still command preview time.
func (c CameraConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// Backoff returns the wait between two attempts.
func (r RetryConfig) Backoff() time.Duration {
	return time.Duration(r.BackoffMs) * time.Millisecond
}

// MinFreeBytes returns the free space threshold in bytes.
func (s StorageConfig) MinFreeBytes() uint64 {
	return uint64(s.MinFreeMB) << 20
}

// Timeout returns the SSH dial and command timeout.
func (u UploadConfig) Timeout() time.Duration {
	if u.TimeoutMs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(u.TimeoutMs) * time.Millisecond
}
