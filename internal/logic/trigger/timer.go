package trigger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cjeanneret/fieldcam/internal/debug"
)

// Timer raises a request at start + n*interval for n = 0, 1, 2...
// Deadlines are absolute: capture time never shifts the schedule. When the
// receiver falls behind, missed deadlines collapse into the single pending
// slot and the schedule resumes at the next future deadline.
type Timer struct {
	interval time.Duration
	kind     Kind

	mu     sync.Mutex
	start  time.Time
	cancel context.CancelFunc
	done   chan struct{}
}

// NewTimer creates a timer source.
func NewTimer(interval time.Duration) *Timer {
	return &Timer{interval: interval, kind: KindTimer}
}

func (t *Timer) Kind() Kind { return t.kind }

// Interval returns the configured period.
func (t *Timer) Interval() time.Duration { return t.interval }

// Start arms the timer. The first request fires immediately.
func (t *Timer) Start(ctx context.Context, sig *Signal) error {
	if t.interval <= 0 {
		return fmt.Errorf("%w: interval must be > 0, got %v", ErrUnavailable, t.interval)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		return fmt.Errorf("%w: timer already started", ErrUnavailable)
	}

	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.done = make(chan struct{})
	t.start = time.Now()

	debug.Verbose("Timer: start=%s interval=%v", t.start.Format(time.RFC3339Nano), t.interval)
	go t.loop(ctx, sig, t.start, t.done)
	return nil
}

func (t *Timer) loop(ctx context.Context, sig *Signal, start time.Time, done chan struct{}) {
	defer close(done)

	deadline := start
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			if sig.Offer(Request{Kind: t.kind, RequestedAt: deadline}) {
				debug.Verbose("Timer: previous request still pending, coalesced")
			}
			_, deadline = NextDeadline(start, t.interval, time.Now())
			timer.Reset(time.Until(deadline))
		}
	}
}

// NextDeadline returns the smallest n (and its instant) such that
// start + n*interval is strictly after now.
func NextDeadline(start time.Time, interval time.Duration, now time.Time) (int64, time.Time) {
	if now.Before(start) {
		return 0, start
	}
	n := int64(now.Sub(start)/interval) + 1
	return n, start.Add(time.Duration(n) * interval)
}

// Close stops the timer and waits for its goroutine.
func (t *Timer) Close() error {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

// Count is a Timer that ends the session after Limit successful captures.
type Count struct {
	*Timer
	limit int
}

// NewCount wraps t so that the orchestrator stops after limit successes.
func NewCount(t *Timer, limit int) *Count {
	t.kind = KindCount
	return &Count{Timer: t, limit: limit}
}

// Single fires one request immediately. Unlike Count its limit covers the
// request itself, so a frame that exhausts its retries still ends the session.
type Single struct {
	*Count
}

// NewSingle creates a one-shot source.
func NewSingle() *Single {
	return &Single{Count: NewCount(NewTimer(time.Hour), 1)}
}

// CountsFailures reports that failed entries count toward the limit.
func (s *Single) CountsFailures() bool { return true }

func (c *Count) Limit() int { return c.limit }

// Start validates the limit before arming the timer.
func (c *Count) Start(ctx context.Context, sig *Signal) error {
	if c.limit <= 0 {
		return fmt.Errorf("%w: count must be > 0, got %d", ErrUnavailable, c.limit)
	}
	return c.Timer.Start(ctx, sig)
}
