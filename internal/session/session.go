// Package session owns one capture session from startup to teardown: it
// claims the camera and trigger hardware, runs the orchestrator, and hands
// the results to the publishing collaborators once capturing stops.
package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cjeanneret/fieldcam/internal/config"
	"github.com/cjeanneret/fieldcam/internal/debug"
	"github.com/cjeanneret/fieldcam/internal/hw/camera"
	"github.com/cjeanneret/fieldcam/internal/hw/gpio"
	"github.com/cjeanneret/fieldcam/internal/logic/capture"
	"github.com/cjeanneret/fieldcam/internal/logic/manifest"
	"github.com/cjeanneret/fieldcam/internal/logic/sequencer"
	"github.com/cjeanneret/fieldcam/internal/logic/trigger"
	"github.com/cjeanneret/fieldcam/internal/publish"
	"github.com/cjeanneret/fieldcam/internal/web"
)

// ExitCode is the process status reported for a session.
type ExitCode int

const (
	ExitOK       ExitCode = 0   // count exhausted or single frame taken
	ExitFault    ExitCode = 1   // fatal capture error (device lost, storage full)
	ExitStartup  ExitCode = 2   // could not claim hardware or storage
	ExitSignaled ExitCode = 130 // stopped by SIGINT/SIGTERM
)

// ErrStartup wraps every failure that prevents the session from starting.
var ErrStartup = errors.New("session startup failed")

// Deps replaces hardware and collaborators. Zero values are built from the config.
type Deps struct {
	GPIO        gpio.Driver
	Camera      camera.FrameSource
	Remote      publish.Remote
	Stitcher    *publish.Stitcher
	Broadcaster *web.StatusBroadcaster
}

// Session is one run of the capture loop with everything it owns.
type Session struct {
	id    string
	cfg   config.Config
	start time.Time

	seq     *sequencer.Sequencer
	man     *manifest.Manifest
	jsonl   *manifest.JSONLSink
	sig     *trigger.Signal
	sources []trigger.Source
	orch    *capture.Orchestrator

	cam      camera.FrameSource
	gpio     gpio.Driver
	ownsGPIO bool
	uploader *publish.Uploader
	uploads  *publish.Queue
	stitcher *publish.Stitcher
	bc       *web.StatusBroadcaster

	mu      sync.Mutex
	running bool
	closers []func() error
}

// Run opens a session, captures until it ends and tears it down.
func Run(ctx context.Context, cfg config.Config, deps Deps) (ExitCode, error) {
	s, err := Open(ctx, cfg, deps)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			debug.Info("Stopped before capturing: %v", err)
			return ExitSignaled, nil
		}
		return ExitStartup, err
	}
	return s.Run(ctx)
}

// Open performs every startup step. Any failure releases what was already
// claimed, including an injected camera, and wraps ErrStartup (or
// ErrUnavailable for trigger sources). A cancelled ctx surfaces as
// context.Canceled in the error chain.
func Open(ctx context.Context, cfg config.Config, deps Deps) (_ *Session, err error) {
	s := &Session{
		id:    uuid.NewString(),
		start: time.Now().UTC(),
		sig:   trigger.NewSignal(),
		bc:    deps.Broadcaster,
	}
	// An injected camera belongs to the session from here on.
	if deps.Camera != nil {
		s.cam = deps.Camera
		s.closers = append(s.closers, s.cam.Close)
	}
	defer func() {
		if err != nil {
			s.release()
		}
	}()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStartup, err)
	}
	s.cfg = cfg

	debug.Section("Session startup")
	debug.Value("Session", s.id)
	debug.Value("Mode", cfg.Session.Mode)
	debug.Value("Output dir", cfg.Session.OutputDir)

	debug.Step(1, "Preparing output directory")
	if err := s.openStorage(); err != nil {
		return nil, err
	}

	debug.Step(2, "Opening manifest")
	if err := s.openManifest(); err != nil {
		return nil, err
	}

	debug.Step(3, "Opening camera")
	if err := s.openCamera(); err != nil {
		return nil, err
	}

	debug.Step(4, "Preparing publishers")
	s.openPublishers(deps)

	if w := cfg.Camera.Warmup(); w > 0 {
		debug.Verbose("Camera warm-up %v", w)
		select {
		case <-time.After(w):
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: interrupted during warm-up: %w", ErrStartup, ctx.Err())
		}
	}

	debug.Step(5, "Arming trigger sources")
	if err := s.startSources(ctx, deps.GPIO); err != nil {
		return nil, err
	}

	s.orch = capture.New(s.cam, s.seq, s.man, s.sig, capture.Config{
		Params: cfg.Camera.Params(),
		Retry: capture.RetryPolicy{
			Retries: cfg.Retry.Retries,
			Backoff: cfg.Retry.Backoff(),
		},
		MinFreeBytes: cfg.Storage.MinFreeBytes(),
	}, s.sources...)
	s.orch.OnResult(s.onResult)

	s.mu.Lock()
	s.running = true
	s.mu.Unlock()
	return s, nil
}

func (s *Session) openStorage() error {
	dir := s.cfg.Session.OutputDir
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: create output dir: %v", ErrStartup, err)
	}
	seq, err := sequencer.New(dir, "jpg")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStartup, err)
	}
	for _, p := range seq.Stale() {
		debug.Warn("Removing partial frame from an interrupted run: %s", p)
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("%w: remove stale %s: %v", ErrStartup, p, err)
		}
	}
	if err := camera.CheckFree(dir, s.cfg.Storage.MinFreeBytes()); errors.Is(err, camera.ErrStorageFull) {
		return fmt.Errorf("%w: %v", ErrStartup, err)
	}
	s.seq = seq
	debug.Value("Last sequence id", seq.Last())
	return nil
}

func (s *Session) openManifest() error {
	jsonl, err := manifest.OpenJSONL(manifest.PathFor(s.cfg.Session.OutputDir, s.start))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStartup, err)
	}
	s.jsonl = jsonl
	sinks := []manifest.Sink{jsonl}

	if path := s.cfg.Manifest.SQLitePath; path != "" {
		db, err := manifest.OpenSQLite(path)
		if err != nil {
			jsonl.Close()
			return fmt.Errorf("%w: %v", ErrStartup, err)
		}
		maxID, err := db.MaxSequenceID()
		if err != nil {
			jsonl.Close()
			db.Close()
			return fmt.Errorf("%w: %v", ErrStartup, err)
		}
		// Frames may have been moved off the card since; the database still remembers their ids.
		s.seq.Advance(maxID)
		sinks = append(sinks, db)
	}

	s.man = manifest.New(s.id, sinks...)
	s.closers = append(s.closers, s.man.Close)
	debug.Value("Manifest", jsonl.Path())
	return nil
}

func (s *Session) openCamera() error {
	if s.cam != nil {
		debug.Verbose("Using injected frame source %T", s.cam)
		return nil
	}
	if s.cfg.Camera.Type == "synthetic" || s.cfg.Defaults.MockGPIO {
		s.cam = camera.NewSynthetic(200 * time.Millisecond)
	} else {
		var opts []camera.StillOption
		if s.cfg.Camera.Binary != "" {
			opts = append(opts, camera.WithBinary(s.cfg.Camera.Binary))
		}
		if t := s.cfg.Camera.Timeout(); t > 0 {
			opts = append(opts, camera.WithTimeout(t))
		}
		cam, err := camera.NewStillCommand(opts...)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrStartup, err)
		}
		s.cam = cam
	}
	s.closers = append(s.closers, s.cam.Close)
	return nil
}

func (s *Session) openPublishers(deps Deps) {
	pub := s.cfg.Publish
	if pub.Upload.Enabled() || deps.Remote != nil {
		remote := deps.Remote
		if remote == nil {
			remote = &publish.SSHRemote{
				Host:           pub.Upload.Host,
				Port:           pub.Upload.Port,
				User:           pub.Upload.User,
				KeyPath:        pub.Upload.KeyPath,
				KnownHostsPath: pub.Upload.KnownHostsPath,
				Timeout:        pub.Upload.Timeout(),
			}
		}
		s.uploader = publish.NewUploader(remote, pub.Upload.RemoteDir)
		s.closers = append(s.closers, s.uploader.Close)
		s.uploads = publish.NewQueue(s.uploader.Upload, 64, 5*time.Second)
		debug.Value("Upload", pub.Upload.User+"@"+pub.Upload.Host+":"+pub.Upload.RemoteDir)
	}
	if pub.Stitch.Enabled {
		s.stitcher = deps.Stitcher
		if s.stitcher == nil {
			s.stitcher = publish.NewStitcher(pub.Stitch.Binary, pub.Stitch.FPS)
		}
	}
}

// buildSources maps the session mode to trigger sources.
func (s *Session) buildSources(drv gpio.Driver) ([]trigger.Source, error) {
	sc := s.cfg.Session
	var out []trigger.Source
	switch sc.Mode {
	case config.ModeSingle:
		out = append(out, trigger.NewSingle())
	case config.ModeTimelapse:
		t := trigger.NewTimer(sc.Interval())
		if sc.MaxCount > 0 {
			out = append(out, trigger.NewCount(t, sc.MaxCount))
		} else {
			out = append(out, t)
		}
	case config.ModeButton:
	default:
		return nil, fmt.Errorf("%w: unknown mode %q", trigger.ErrUnavailable, sc.Mode)
	}

	// A button runs alongside the timer in timelapse mode when a pin is set.
	if sc.ButtonPin != nil && sc.Mode != config.ModeSingle {
		if drv == nil {
			return nil, fmt.Errorf("%w: no GPIO driver", trigger.ErrUnavailable)
		}
		out = append(out, trigger.NewButton(drv, *sc.ButtonPin, sc.Debounce()))
	}
	return out, nil
}

func (s *Session) startSources(ctx context.Context, drv gpio.Driver) error {
	sc := s.cfg.Session
	if drv == nil && sc.ButtonPin != nil && sc.Mode != config.ModeSingle {
		d, err := gpio.NewDriver(s.cfg.Defaults.MockGPIO)
		if err != nil {
			return fmt.Errorf("%w: %v", trigger.ErrUnavailable, err)
		}
		drv = d
		s.ownsGPIO = true
	}
	s.gpio = drv

	sources, err := s.buildSources(drv)
	if err != nil {
		return err
	}
	for _, src := range sources {
		if err := src.Start(ctx, s.sig); err != nil {
			for _, started := range s.sources {
				started.Close()
			}
			s.sources = nil
			return err
		}
		debug.Verbose("Trigger %s armed", src.Kind())
		s.sources = append(s.sources, src)
	}
	return nil
}

// Run drives the orchestrator until it stops, then tears the session down.
func (s *Session) Run(ctx context.Context) (ExitCode, error) {
	webCtx, stopWeb := context.WithCancel(context.Background())
	webDone := s.startWeb(webCtx)

	debug.Section("Capturing")
	reason, runErr := s.orch.Run(ctx)

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	s.finish(ctx)
	s.release()

	stopWeb()
	<-webDone

	success, failed := s.orch.Counts()
	debug.Summary("Session summary")
	debug.Value("Session", s.id)
	debug.Value("Stop reason", reason)
	debug.Value("Successful", success)
	debug.Value("Failed", failed)
	debug.Value("Dropped triggers", s.sig.Dropped())

	switch reason {
	case capture.Completed:
		return ExitOK, nil
	case capture.Signaled:
		return ExitSignaled, nil
	default:
		return ExitFault, runErr
	}
}

func (s *Session) startWeb(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	if s.cfg.Web.Addr == "" {
		close(done)
		return done
	}
	if s.bc == nil {
		s.bc = web.NewStatusBroadcaster()
	}
	srv, err := web.NewServer(s.cfg.Web.Addr, s.bc, s, s.cfg.Web.CORSOrigins)
	if err != nil {
		debug.Error(fmt.Errorf("web server: %w", err))
		close(done)
		return done
	}
	go func() {
		defer close(done)
		if err := srv.Run(ctx); err != nil {
			debug.Error(fmt.Errorf("web server: %w", err))
		}
	}()
	return done
}

func (s *Session) onResult(e manifest.Entry) {
	if s.bc != nil {
		s.bc.BroadcastEntry(e)
	}
	if s.uploads != nil && e.Outcome == manifest.Success {
		s.uploads.Enqueue(e.Path)
	}
}

// finish runs the post-session collaborators. They run even after a signal so
// the frames already taken are published; a second signal is not waited for.
func (s *Session) finish(ctx context.Context) {
	pub := s.cfg.Publish
	postCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Minute)
	defer cancel()

	if s.stitcher != nil {
		frames := s.man.SuccessPaths()
		out := pub.Stitch.Output
		if !filepath.IsAbs(out) {
			out = filepath.Join(s.cfg.Session.OutputDir, out)
		}
		switch err := s.stitcher.Stitch(postCtx, frames, out); {
		case errors.Is(err, publish.ErrNoFrames):
			debug.Info("Stitch skipped: no successful frames")
		case err != nil:
			debug.Error(fmt.Errorf("stitch: %w", err))
		default:
			debug.Info("Stitched %d frames into %s", len(frames), out)
			if s.uploads != nil {
				s.uploads.Enqueue(out)
			}
		}
	}

	if pub.Index {
		idx, err := publish.BuildIndex(s.cfg.Session.OutputDir, pub.IndexTitle)
		if err != nil {
			debug.Error(fmt.Errorf("index: %w", err))
		} else if s.uploads != nil {
			s.uploads.Enqueue(idx)
		}
	}

	if s.uploads != nil {
		drainCtx, cancelDrain := context.WithTimeout(postCtx, 2*time.Minute)
		defer cancelDrain()
		if err := s.uploads.Close(drainCtx); err != nil {
			debug.Warn("Upload queue not drained: %v", err)
		}
		sent, failed, dropped := s.uploads.Stats()
		debug.Info("Uploads: %d sent, %d failed, %d dropped", sent, failed, dropped)
	}
}

// release closes everything the session claimed, in reverse order. It is
// safe on a partially opened session and after finish has drained uploads.
func (s *Session) release() {
	for _, src := range s.sources {
		src.Close()
	}
	s.sources = nil
	if s.uploads != nil {
		// Pending uploads are abandoned; finish drains the queue on the normal path.
		stopped, cancel := context.WithCancel(context.Background())
		cancel()
		_ = s.uploads.Close(stopped)
	}
	if s.ownsGPIO && s.gpio != nil {
		if err := s.gpio.Close(); err != nil {
			debug.Error(fmt.Errorf("close GPIO: %w", err))
		}
		s.gpio = nil
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			debug.Error(err)
		}
	}
	s.closers = nil
}

// ID returns the session id stamped on every manifest entry.
func (s *Session) ID() string { return s.id }

// ManifestPath returns the JSONL manifest of this session.
func (s *Session) ManifestPath() string { return s.jsonl.Path() }

// Status implements web.Session.
func (s *Session) Status() web.Status {
	success, failed := s.orch.Counts()
	return web.Status{
		SessionID:    s.id,
		Mode:         string(s.cfg.Session.Mode),
		State:        s.orch.State().String(),
		StartedAt:    s.start,
		OutputDir:    s.cfg.Session.OutputDir,
		Success:      success,
		Failed:       failed,
		Limit:        s.orch.Limit(),
		LastSequence: s.seq.Last(),
		Dropped:      s.sig.Dropped(),
		Pending:      s.sig.Pending(),
	}
}

// Entries implements web.Session.
func (s *Session) Entries() []manifest.Entry {
	return s.man.Entries()
}

// Trigger implements web.Session: a manual request behaves like a button press.
func (s *Session) Trigger(at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return web.ErrNotRunning
	}
	s.sig.Offer(trigger.Request{Kind: trigger.KindInterrupt, RequestedAt: at})
	return nil
}
