// Package trigger produces capture requests: wall-clock timers, count-bounded
// timers and debounced GPIO button interrupts.
//
// Every source of a session writes into one shared Signal, a single-slot
// hand-off that keeps at most one request pending. Writers never block and
// never take a lock, so a source may run in an interrupt-like context.
package trigger

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

// Kind identifies what raised a request.
type Kind int

const (
	KindTimer Kind = iota
	KindCount
	KindInterrupt
)

func (k Kind) String() string {
	switch k {
	case KindTimer:
		return "timer"
	case KindCount:
		return "count"
	case KindInterrupt:
		return "interrupt"
	default:
		return "unknown"
	}
}

// MarshalText lets Kind appear as a string in JSON manifests.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText parses the names produced by String.
func (k *Kind) UnmarshalText(b []byte) error {
	switch string(b) {
	case "timer":
		*k = KindTimer
	case "count":
		*k = KindCount
	case "interrupt":
		*k = KindInterrupt
	default:
		return errors.New("unknown trigger kind: " + string(b))
	}
	return nil
}

// Request asks the orchestrator for one capture.
type Request struct {
	Kind        Kind
	RequestedAt time.Time
}

// ErrUnavailable means a source could not be armed (bad interval, GPIO pin
// cannot be claimed). Returned by Start, never mid-session.
var ErrUnavailable = errors.New("trigger source unavailable")

// Source raises requests into a Signal until its context ends or Close is called.
type Source interface {
	Kind() Kind
	// Start validates and arms the source. It must fail fast.
	Start(ctx context.Context, sig *Signal) error
	// Close stops the source and releases its resources. Safe to call twice.
	Close() error
}

// Bounded is implemented by sources that end the session after a number of
// successful captures.
type Bounded interface {
	Limit() int
}

// FailureCounter is implemented by bounded sources whose limit counts every
// manifest entry, failed ones included.
type FailureCounter interface {
	CountsFailures() bool
}

// Signal is a single-slot, overwrite-on-conflict request hand-off.
type Signal struct {
	ch      chan Request
	dropped atomic.Uint64
	onDrop  atomic.Pointer[func(Request)]
}

// NewSignal creates an empty signal.
func NewSignal() *Signal {
	return &Signal{ch: make(chan Request, 1)}
}

// Offer stores r, displacing any request still pending. It never blocks and
// reports whether an older request was discarded.
func (s *Signal) Offer(r Request) (displaced bool) {
	for {
		select {
		case s.ch <- r:
			return displaced
		default:
		}
		select {
		case old := <-s.ch:
			displaced = true
			s.dropped.Add(1)
			if fn := s.onDrop.Load(); fn != nil {
				(*fn)(old)
			}
		default:
		}
	}
}

// C is drained by the orchestrator.
func (s *Signal) C() <-chan Request {
	return s.ch
}

// Pending reports whether a request is waiting.
func (s *Signal) Pending() bool {
	return len(s.ch) > 0
}

// Dropped counts requests displaced before being consumed.
func (s *Signal) Dropped() uint64 {
	return s.dropped.Load()
}

// OnDrop registers a hook called with each displaced request.
func (s *Signal) OnDrop(fn func(Request)) {
	s.onDrop.Store(&fn)
}
