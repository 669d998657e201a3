package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/cjeanneret/fieldcam/internal/config"
	"github.com/cjeanneret/fieldcam/internal/debug"
	"github.com/cjeanneret/fieldcam/internal/session"
	"github.com/cjeanneret/fieldcam/internal/web"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stderr))
}

// run parses args, runs one session and returns the process exit code.
func run(args []string, stderr io.Writer) int {
	f, err := parseFlags(args, stderr)
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintf(stderr, "fieldcam: %v\n", err)
		return int(session.ExitStartup)
	}

	cfg, err := loadConfig(f)
	if err != nil {
		fmt.Fprintf(stderr, "fieldcam: %v\n", err)
		return int(session.ExitStartup)
	}

	// Initialize debug system
	debug.Init(cfg.Defaults.DebugLevel)
	debug.Section("Initialization")
	debug.Value("Config path", f.cfgPath)
	debug.Value("Debug level", cfg.Defaults.DebugLevel)
	debug.Value("Mock GPIO", cfg.Defaults.MockGPIO)

	var deps session.Deps
	if cfg.Web.Addr != "" {
		deps.Broadcaster = web.NewStatusBroadcaster()
		debug.SetOutput(io.MultiWriter(os.Stdout, web.BroadcastWriter(deps.Broadcaster)))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	code, err := session.Run(ctx, *cfg, deps)
	if err != nil {
		fmt.Fprintf(stderr, "fieldcam: %v\n", err)
	}
	return int(code)
}

// cliFlags holds the parsed command line. set records which flags were given
// explicitly so that only those override the config file.
type cliFlags struct {
	cfgPath    string
	mode       string
	single     bool
	timelapse  bool
	button     bool
	interval   intervalFlag
	count      int
	outdir     string
	buttonPin  int
	debounceMs int
	width      int
	height     int
	hflip      bool
	vflip      bool
	web        *webPortFlag
	debugLevel int
	mock       bool

	scp        bool
	remoteHost string
	remoteUser string
	remotePath string
	sshKey     string
	sshPort    int
	buildIndex bool
	indexTitle string

	set map[string]bool
}

func parseFlags(args []string, output io.Writer) (*cliFlags, error) {
	f := &cliFlags{web: &webPortFlag{defaultPort: 8080}, set: map[string]bool{}}
	fs := flag.NewFlagSet("fieldcam", flag.ContinueOnError)
	fs.SetOutput(output)

	fs.StringVar(&f.cfgPath, "config", "", "path to a YAML (.yaml) or TOML (.toml) config file")
	fs.StringVar(&f.mode, "mode", "", "capture mode: single, timelapse or button")
	fs.BoolVar(&f.single, "single", false, "take a single still image (same as -mode single)")
	fs.BoolVar(&f.timelapse, "timelapse", false, "take repeated images at -interval (same as -mode timelapse)")
	fs.BoolVar(&f.button, "button", false, "capture on GPIO button press (same as -mode button)")
	fs.Var(&f.interval, "interval", "timelapse interval, seconds (5, 0.5) or a duration (1m30s)")
	fs.IntVar(&f.count, "count", 0, "number of successful timelapse frames; 0 = until stopped")
	fs.StringVar(&f.outdir, "outdir", "", "output directory for frames and the manifest")
	fs.IntVar(&f.buttonPin, "button-pin", config.DefaultButtonPin, "BCM GPIO pin of the push button")
	fs.IntVar(&f.debounceMs, "debounce-ms", 0, "button debounce window in milliseconds")
	fs.IntVar(&f.width, "width", 0, "requested image width")
	fs.IntVar(&f.height, "height", 0, "requested image height")
	fs.BoolVar(&f.hflip, "hflip", false, "flip images horizontally")
	fs.BoolVar(&f.vflip, "vflip", false, "flip images vertically")
	fs.BoolVar(&f.scp, "scp", false, "upload frames over SSH; -scp=false disables a configured upload")
	fs.StringVar(&f.remoteHost, "remote-host", "", "upload host")
	fs.StringVar(&f.remoteUser, "remote-user", "", "upload user")
	fs.StringVar(&f.remotePath, "remote-path", "", "remote directory for uploaded frames")
	fs.StringVar(&f.sshKey, "ssh-key", "", "private key for the upload host")
	fs.IntVar(&f.sshPort, "ssh-port", 22, "SSH port of the upload host")
	fs.BoolVar(&f.buildIndex, "build-index", false, "write index.html into the output directory at session end")
	fs.StringVar(&f.indexTitle, "index-title", "", "title of the generated index page")
	fs.Var(f.web, "web", "start the status server on port; -web= for default 8080, -web 8980 for custom port")
	fs.IntVar(&f.debugLevel, "debug", 0, "debug level 0-4")
	fs.BoolVar(&f.mock, "mock", false, "use mock GPIO and a synthetic camera")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}
	fs.Visit(func(fl *flag.Flag) { f.set[fl.Name] = true })

	if err := validateFlags(f); err != nil {
		return nil, err
	}
	return f, nil
}

// validateFlags checks the explicitly given values. Unset flags are left to the config.
func validateFlags(f *cliFlags) error {
	shortcuts := 0
	for _, on := range []bool{f.single, f.timelapse, f.button} {
		if on {
			shortcuts++
		}
	}
	if shortcuts > 1 || (shortcuts == 1 && f.set["mode"]) {
		return fmt.Errorf("choose only one of -mode, -single, -timelapse, -button")
	}
	if f.set["mode"] {
		if _, err := config.ParseMode(f.mode); err != nil {
			return err
		}
	}
	if f.set["count"] && f.count < 0 {
		return fmt.Errorf("count must be >= 0, got %d", f.count)
	}
	if f.set["debounce-ms"] && f.debounceMs <= 0 {
		return fmt.Errorf("debounce-ms must be > 0, got %d", f.debounceMs)
	}
	if (f.set["width"] && f.width <= 0) || (f.set["height"] && f.height <= 0) {
		return fmt.Errorf("width and height must be > 0")
	}
	if f.set["ssh-port"] && (f.sshPort <= 0 || f.sshPort > 65535) {
		return fmt.Errorf("ssh-port must be 1-65535, got %d", f.sshPort)
	}
	if f.set["index-title"] && strings.TrimSpace(f.indexTitle) == "" {
		return fmt.Errorf("index-title must not be empty")
	}
	if f.set["debug"] && (f.debugLevel < 0 || f.debugLevel > 4) {
		return fmt.Errorf("debug must be 0-4, got %d", f.debugLevel)
	}
	return nil
}

// selectedMode returns the mode requested on the command line, or "".
func (f *cliFlags) selectedMode() config.Mode {
	switch {
	case f.single:
		return config.ModeSingle
	case f.timelapse:
		return config.ModeTimelapse
	case f.button:
		return config.ModeButton
	case f.set["mode"]:
		m, _ := config.ParseMode(f.mode)
		return m
	}
	return ""
}

func loadConfig(f *cliFlags) (*config.Config, error) {
	cfg := config.Default()
	if f.cfgPath != "" {
		loaded, err := config.Load(f.cfgPath)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	applyOverrides(cfg, f)
	if f.set["scp"] && f.scp && !cfg.Publish.Upload.Enabled() {
		return nil, fmt.Errorf("-scp needs -remote-host and -remote-path (or publish.upload in the config)")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyOverrides mutates cfg with the flags that were set explicitly.
func applyOverrides(cfg *config.Config, f *cliFlags) {
	if m := f.selectedMode(); m != "" {
		cfg.Session.Mode = m
	}
	if f.set["interval"] {
		cfg.Session.IntervalMs = int(f.interval.d / time.Millisecond)
	}
	if f.set["count"] {
		cfg.Session.MaxCount = f.count
	}
	if f.set["outdir"] {
		cfg.Session.OutputDir = f.outdir
	}
	if f.set["button-pin"] {
		pin := f.buttonPin
		cfg.Session.ButtonPin = &pin
	}
	if f.set["debounce-ms"] {
		cfg.Session.DebounceMs = f.debounceMs
	}
	if f.set["width"] {
		cfg.Camera.Width = f.width
	}
	if f.set["height"] {
		cfg.Camera.Height = f.height
	}
	if f.set["hflip"] {
		cfg.Camera.HFlip = f.hflip
	}
	if f.set["vflip"] {
		cfg.Camera.VFlip = f.vflip
	}
	applyUploadOverrides(&cfg.Publish, f)
	if port := f.web.port(); port > 0 {
		cfg.Web.Addr = fmt.Sprintf(":%d", port)
	}
	if f.set["debug"] {
		cfg.Defaults.DebugLevel = f.debugLevel
	}
	if f.set["mock"] {
		cfg.Defaults.MockGPIO = f.mock
	}
}

func applyUploadOverrides(pub *config.PublishConfig, f *cliFlags) {
	u := &pub.Upload
	if f.set["remote-host"] {
		u.Host = f.remoteHost
	}
	if f.set["remote-user"] {
		u.User = f.remoteUser
	}
	if f.set["remote-path"] {
		u.RemoteDir = f.remotePath
	}
	if f.set["ssh-key"] {
		u.KeyPath = f.sshKey
	}
	if f.set["ssh-port"] {
		u.Port = f.sshPort
	}
	if f.set["scp"] && !f.scp {
		*u = config.UploadConfig{}
	}
	if f.set["build-index"] {
		pub.Index = f.buildIndex
	}
	if f.set["index-title"] {
		pub.IndexTitle = f.indexTitle
	}
}

// intervalFlag accepts plain seconds ("5", "0.5") or a Go duration ("1m30s").
type intervalFlag struct {
	d time.Duration
}

func (i *intervalFlag) String() string {
	return i.d.String()
}

func (i *intervalFlag) Set(s string) error {
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		if math.IsNaN(secs) || math.IsInf(secs, 0) || secs <= 0 {
			return fmt.Errorf("interval must be > 0, got %s", s)
		}
		i.d = time.Duration(secs * float64(time.Second))
		return nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid interval %q", s)
	}
	if d <= 0 {
		return fmt.Errorf("interval must be > 0, got %s", s)
	}
	i.d = d
	return nil
}

// webPortFlag implements flag.Value for -web: 0 = disabled, -web= or -web 8080 → 8080, -web 8980 → 8980.
type webPortFlag struct {
	val         int
	defaultPort int
}

func (w *webPortFlag) String() string {
	if w == nil || w.val == 0 {
		return "0"
	}
	return strconv.Itoa(w.val)
}

func (w *webPortFlag) Set(s string) error {
	if s == "" {
		w.val = w.defaultPort
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	if v <= 0 || v > 65535 {
		return fmt.Errorf("port must be 1-65535, got %d", v)
	}
	w.val = v
	return nil
}

func (w *webPortFlag) port() int { return w.val }
