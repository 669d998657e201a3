package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// ---------- Default ----------

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if cfg.Session.Interval() != 5*time.Second {
		t.Errorf("interval = %v, want 5s", cfg.Session.Interval())
	}
	if cfg.Session.Debounce() != 300*time.Millisecond {
		t.Errorf("debounce = %v, want 300ms", cfg.Session.Debounce())
	}
	if cfg.Retry.Retries != 2 || cfg.Retry.Backoff() != 500*time.Millisecond {
		t.Errorf("retry = %+v", cfg.Retry)
	}
	if cfg.Storage.MinFreeBytes() != 50<<20 {
		t.Errorf("min free = %d", cfg.Storage.MinFreeBytes())
	}
}

// ---------- Load ----------

func TestLoad_YAML(t *testing.T) {
	path := writeFile(t, "cam.yaml", `
session:
  mode: button
  output_dir: /var/lib/fieldcam
  button_pin: 22
  debounce_ms: 150
camera:
  type: synthetic
  width: 1920
  height: 1080
  rotation: 180
  exposure:
    shutter_us: 20000
    gain: 2.5
retry:
  retries: 4
  backoff_ms: 100
publish:
  index: true
  upload:
    host: archive.local
    user: pi
    remote_dir: /srv/frames
    key_path: /home/pi/.ssh/id_ed25519
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Session.Mode != ModeButton || *cfg.Session.ButtonPin != 22 {
		t.Errorf("session = %+v", cfg.Session)
	}
	if cfg.Session.Debounce() != 150*time.Millisecond {
		t.Errorf("debounce = %v", cfg.Session.Debounce())
	}
	p := cfg.Camera.Params()
	if p.Width != 1920 || p.Rotation != 180 || p.Exposure.ShutterUs != 20000 || p.Exposure.Gain != 2.5 {
		t.Errorf("params = %+v", p)
	}
	if cfg.Retry.Retries != 4 {
		t.Errorf("retries = %d", cfg.Retry.Retries)
	}
	if !cfg.Publish.Upload.Enabled() || cfg.Publish.Upload.Port != 22 {
		t.Errorf("upload = %+v", cfg.Publish.Upload)
	}
	// Untouched sections keep their defaults.
	if cfg.Camera.WarmupMs != 1500 || cfg.Storage.MinFreeMB != 50 {
		t.Errorf("defaults lost: warmup=%d minfree=%d", cfg.Camera.WarmupMs, cfg.Storage.MinFreeMB)
	}
}

func TestLoad_TOML(t *testing.T) {
	path := writeFile(t, "cam.toml", `
[session]
mode = "timelapse"
interval_ms = 60000
max_count = 120
output_dir = "/data/frames"

[camera]
type = "still"
binary = "libcamera-still"

[manifest]
sqlite_path = "/data/frames/manifest.db"

[web]
addr = ":8080"
cors_origins = ["http://dashboard.local"]
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Session.Interval() != time.Minute || cfg.Session.MaxCount != 120 {
		t.Errorf("session = %+v", cfg.Session)
	}
	if cfg.Session.ButtonPin != nil {
		t.Error("timelapse without button_pin should run no button")
	}
	if cfg.Camera.Binary != "libcamera-still" {
		t.Errorf("binary = %q", cfg.Camera.Binary)
	}
	if cfg.Manifest.SQLitePath == "" || cfg.Web.Addr != ":8080" || len(cfg.Web.CORSOrigins) != 1 {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestLoad_Errors(t *testing.T) {
	cases := map[string]struct {
		name, body string
	}{
		"bad extension": {"cam.json", "{}"},
		"bad yaml":      {"cam.yaml", "session: [unterminated"},
		"bad toml":      {"cam.toml", "[session\nmode="},
		"bad mode":      {"cam.yaml", "session:\n  mode: burst\n"},
		"zero interval": {"cam.yaml", "session:\n  mode: timelapse\n  interval_ms: 0\n"},
		"bad pin":       {"cam.yaml", "session:\n  button_pin: 40\n"},
		"bad rotation":  {"cam.yaml", "camera:\n  rotation: 90\n"},
		"half upload":   {"cam.yaml", "publish:\n  upload:\n    host: x\n"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeFile(t, tc.name, tc.body)); err == nil {
				t.Errorf("expected error")
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

// ---------- Validate ----------

func TestValidate_ButtonModeDefaultsPin(t *testing.T) {
	cfg := Default()
	cfg.Session.Mode = ModeButton
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	if cfg.Session.ButtonPin == nil || *cfg.Session.ButtonPin != DefaultButtonPin {
		t.Errorf("button pin = %v, want %d", cfg.Session.ButtonPin, DefaultButtonPin)
	}
}

func TestValidate_ButtonNeedsDebounce(t *testing.T) {
	cfg := Default()
	pin := 5
	cfg.Session.ButtonPin = &pin
	cfg.Session.DebounceMs = 0
	if err := cfg.Validate(); !errors.Is(err, ErrInvalid) {
		t.Errorf("got %v, want ErrInvalid", err)
	}
}

func TestValidate_NegativeCount(t *testing.T) {
	cfg := Default()
	cfg.Session.MaxCount = -1
	if err := cfg.Validate(); !errors.Is(err, ErrInvalid) {
		t.Errorf("got %v, want ErrInvalid", err)
	}
}

func TestParseMode(t *testing.T) {
	cases := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{"single", ModeSingle, false},
		{" Timelapse ", ModeTimelapse, false},
		{"BUTTON", ModeButton, false},
		{"", "", true},
		{"video", "", true},
	}
	for _, tc := range cases {
		got, err := ParseMode(tc.in)
		if (err != nil) != tc.wantErr || got != tc.want {
			t.Errorf("ParseMode(%q) = %q, %v", tc.in, got, err)
		}
	}
}
