package capture

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/cjeanneret/fieldcam/internal/debug"
	"github.com/cjeanneret/fieldcam/internal/hw/camera"
	"github.com/cjeanneret/fieldcam/internal/logic/manifest"
	"github.com/cjeanneret/fieldcam/internal/logic/sequencer"
	"github.com/cjeanneret/fieldcam/internal/logic/trigger"
	"github.com/cjeanneret/fieldcam/internal/metrics"
)

// State is the orchestrator state machine: Idle <-> Capturing, then Stopped.
type State int32

const (
	Idle State = iota
	Capturing
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Capturing:
		return "capturing"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

var stateNames = []string{Idle.String(), Capturing.String(), Stopped.String()}

// StopReason tells why Run returned.
type StopReason int

const (
	// Completed: a count-bounded source reached its limit.
	Completed StopReason = iota
	// Signaled: the context was cancelled (termination signal).
	Signaled
	// Fatal: the frame source or storage cannot continue.
	Fatal
)

func (r StopReason) String() string {
	switch r {
	case Completed:
		return "completed"
	case Signaled:
		return "signaled"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// RetryPolicy bounds how often a failing request is retried.
type RetryPolicy struct {
	Retries int           // extra attempts after the first
	Backoff time.Duration // fixed wait between attempts
}

// DefaultRetryPolicy is two retries with a short fixed backoff.
var DefaultRetryPolicy = RetryPolicy{Retries: 2, Backoff: 500 * time.Millisecond}

// Config holds per-session capture settings.
type Config struct {
	Params       camera.Params
	Retry        RetryPolicy
	MinFreeBytes uint64 // 0 disables the free space check
}

// Orchestrator consumes trigger requests and drives the frame source.
// It is the only caller of the frame source and the only writer of the manifest.
type Orchestrator struct {
	src     camera.FrameSource
	seq     *sequencer.Sequencer
	man     *manifest.Manifest
	sig     *trigger.Signal
	sources []trigger.Source
	cfg     Config

	camMu    sync.Mutex
	state    atomic.Int32
	limit    int
	limitAll bool // limit counts failed entries too
	success  atomic.Int64
	failed   atomic.Int64
	hooksMu  sync.Mutex
	onResult []func(manifest.Entry)

	now func() time.Time
}

// New wires an orchestrator. sources must already be started on sig; they
// are closed when Run returns.
func New(src camera.FrameSource, seq *sequencer.Sequencer, man *manifest.Manifest, sig *trigger.Signal, cfg Config, sources ...trigger.Source) *Orchestrator {
	o := &Orchestrator{
		src:     src,
		seq:     seq,
		man:     man,
		sig:     sig,
		sources: sources,
		cfg:     cfg,
		now:     time.Now,
	}
	for _, s := range sources {
		if b, ok := s.(trigger.Bounded); ok && (o.limit == 0 || b.Limit() < o.limit) {
			o.limit = b.Limit()
			fc, ok := s.(trigger.FailureCounter)
			o.limitAll = ok && fc.CountsFailures()
		}
	}
	sig.OnDrop(func(r trigger.Request) {
		debug.Live("Trigger %s dropped: capture already pending", r.Kind)
		metrics.RecordDropped(r.Kind.String())
	})
	o.setState(Idle)
	return o
}

// OnResult registers a hook called after each manifest entry is appended.
// Hooks run on the control loop and must not block for long.
func (o *Orchestrator) OnResult(fn func(manifest.Entry)) {
	o.hooksMu.Lock()
	defer o.hooksMu.Unlock()
	o.onResult = append(o.onResult, fn)
}

// State returns the current state.
func (o *Orchestrator) State() State {
	return State(o.state.Load())
}

// Limit returns the success count that ends the session, 0 if unbounded.
func (o *Orchestrator) Limit() int { return o.limit }

func (o *Orchestrator) setState(s State) {
	o.state.Store(int32(s))
	metrics.SetState(s.String(), stateNames...)
}

// Run is the control loop. It blocks until a bounded source is exhausted, ctx
// is cancelled or a fatal error occurs. On every exit it closes the trigger
// sources and flushes the manifest.
func (o *Orchestrator) Run(ctx context.Context) (StopReason, error) {
	defer o.stop()

	for {
		o.setState(Idle)

		var req trigger.Request
		select {
		case <-ctx.Done():
			return Signaled, nil
		case req = <-o.sig.C():
		}
		if ctx.Err() != nil {
			return Signaled, nil
		}
		debug.Trigger(req.Kind.String(), req.RequestedAt)

		entry, err := o.capture(ctx, req)
		if appendErr := o.record(entry); appendErr != nil && err == nil {
			err = appendErr
		}
		if err != nil {
			return Fatal, err
		}

		if o.limitReached() {
			debug.Info("Count reached (%d of %d)", o.success.Load(), o.limit)
			return Completed, nil
		}
		if ctx.Err() != nil {
			return Signaled, nil
		}
	}
}

func (o *Orchestrator) limitReached() bool {
	if o.limit <= 0 {
		return false
	}
	n := o.success.Load()
	if o.limitAll {
		n += o.failed.Load()
	}
	return n >= int64(o.limit)
}

// capture serves one request under the camera lock, retrying transient errors.
// A non-nil error is fatal; the returned entry is always valid.
func (o *Orchestrator) capture(ctx context.Context, req trigger.Request) (manifest.Entry, error) {
	o.camMu.Lock()
	defer o.camMu.Unlock()
	o.setState(Capturing)

	slot := o.seq.Next(o.now())
	entry := manifest.Entry{
		SequenceID: slot.ID,
		Path:       slot.Path,
		CapturedAt: o.now(),
		Trigger:    req.Kind,
	}

	// The hardware call is never cancelled: the sensor must not be left mid-exposure.
	hwCtx := context.WithoutCancel(ctx)
	var lastErr error

	for attempt := 1; attempt <= 1+o.cfg.Retry.Retries; attempt++ {
		if attempt > 1 {
			debug.Verbose("Frame #%d: retry %d/%d in %v", slot.ID, attempt-1, o.cfg.Retry.Retries, o.cfg.Retry.Backoff)
			if err := sleepCtx(ctx, o.cfg.Retry.Backoff); err != nil {
				lastErr = fmt.Errorf("interrupted: %w", lastErr)
				break
			}
		}

		if err := camera.CheckFree(o.seq.Dir(), o.cfg.MinFreeBytes); err != nil {
			if errors.Is(err, camera.ErrStorageFull) {
				return failedEntry(entry, err), err
			}
			debug.Warn("free space check: %v", err)
		}

		start := o.now()
		err := o.src.Capture(hwCtx, slot.Path, o.cfg.Params)
		metrics.RecordAttempt(err == nil, o.now().Sub(start))
		entry.Attempts = attempt
		entry.CapturedAt = start

		if err == nil {
			entry.Outcome = manifest.Success
			return entry, nil
		}

		removePartial(slot.Path)
		lastErr = err
		if camera.IsFatal(err) {
			debug.Error(fmt.Errorf("frame #%d: %w", slot.ID, err))
			return failedEntry(entry, err), err
		}
		debug.Warn("Frame #%d attempt %d failed: %v", slot.ID, attempt, err)
	}

	return failedEntry(entry, lastErr), nil
}

func failedEntry(e manifest.Entry, err error) manifest.Entry {
	e.Outcome = manifest.Failed
	if err != nil {
		e.Reason = err.Error()
	}
	return e
}

// record appends to the manifest and notifies hooks. Running out of disk for
// the manifest itself is fatal; other sink errors are logged.
func (o *Orchestrator) record(e manifest.Entry) error {
	if e.Outcome == manifest.Success {
		o.success.Add(1)
	} else {
		o.failed.Add(1)
	}
	debug.Frame(e.SequenceID, e.Path, string(e.Outcome))
	metrics.RecordResult(string(e.Outcome), e.Trigger.String(), e.SequenceID)

	if err := o.man.Append(e); err != nil {
		if errors.Is(err, syscall.ENOSPC) {
			return fmt.Errorf("%w: manifest: %v", camera.ErrStorageFull, err)
		}
		debug.Error(fmt.Errorf("manifest: %w", err))
	}

	o.hooksMu.Lock()
	hooks := slices.Clone(o.onResult)
	o.hooksMu.Unlock()
	for _, fn := range hooks {
		fn(e)
	}
	return nil
}

// Counts returns successful and failed captures so far.
func (o *Orchestrator) Counts() (success, failed int) {
	return int(o.success.Load()), int(o.failed.Load())
}

func (o *Orchestrator) stop() {
	for _, s := range o.sources {
		if err := s.Close(); err != nil {
			debug.Error(fmt.Errorf("release %s trigger: %w", s.Kind(), err))
		}
	}
	if err := o.man.Flush(); err != nil {
		debug.Error(fmt.Errorf("flush manifest: %w", err))
	}
	o.setState(Stopped)
}

// removePartial deletes whatever a failed attempt may have left at path.
func removePartial(path string) {
	for _, p := range []string{path, camera.TempPath(path)} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			debug.Error(fmt.Errorf("remove partial frame: %w", err))
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
