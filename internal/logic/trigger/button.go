package trigger

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cjeanneret/fieldcam/internal/debug"
	"github.com/cjeanneret/fieldcam/internal/hw/gpio"
)

// DefaultPollInterval is how often the edge register is sampled.
const DefaultPollInterval = 5 * time.Millisecond

// Button raises interrupt requests from a push button wired between a BCM pin
// and ground. The pin is pulled up and armed for falling edges.
//
// go-rpio exposes edges as a latched register rather than a callback, so a
// poll goroutine plays the role of the hardware edge handler: it calls Fire
// with the time of the edge and does nothing else.
type Button struct {
	drv      gpio.Driver
	pin      int
	debounce time.Duration
	poll     time.Duration

	last     atomic.Int64 // unix nanos of the last accepted press, 0 = none
	rejected atomic.Uint64
	sig      atomic.Pointer[Signal]

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	armed  bool
}

// NewButton creates an interrupt source on pin.
func NewButton(drv gpio.Driver, pin int, debounce time.Duration) *Button {
	return &Button{drv: drv, pin: pin, debounce: debounce, poll: DefaultPollInterval}
}

// WithPoll overrides the edge sampling period.
func (b *Button) WithPoll(d time.Duration) *Button {
	if d > 0 {
		b.poll = d
	}
	return b
}

func (b *Button) Kind() Kind { return KindInterrupt }

// Pin returns the BCM pin number.
func (b *Button) Pin() int { return b.pin }

// Start claims the pin and arms edge detection. Any failure is ErrUnavailable.
func (b *Button) Start(ctx context.Context, sig *Signal) error {
	if b.drv == nil {
		return fmt.Errorf("%w: no GPIO driver", ErrUnavailable)
	}
	if b.debounce <= 0 {
		return fmt.Errorf("%w: debounce must be > 0, got %v", ErrUnavailable, b.debounce)
	}
	if err := gpio.ValidatePin(b.pin); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.armed {
		return fmt.Errorf("%w: button on pin %d already started", ErrUnavailable, b.pin)
	}

	if err := b.drv.SetupPin(b.pin, gpio.Input); err != nil {
		return fmt.Errorf("%w: setup pin %d: %v", ErrUnavailable, b.pin, err)
	}
	if err := b.drv.SetPull(b.pin, gpio.PullUp); err != nil {
		return fmt.Errorf("%w: pull-up pin %d: %v", ErrUnavailable, b.pin, err)
	}
	if err := b.drv.Detect(b.pin, gpio.FallEdge); err != nil {
		return fmt.Errorf("%w: arm pin %d: %v", ErrUnavailable, b.pin, err)
	}
	// Discard an edge latched before we were listening.
	_, _ = b.drv.EdgeDetected(b.pin)

	b.sig.Store(sig)
	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.done = make(chan struct{})
	b.armed = true

	debug.Info("Button: waiting for presses on GPIO %d (debounce %v)", b.pin, b.debounce)
	go b.loop(ctx, b.done)
	return nil
}

func (b *Button) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(b.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			hit, err := b.drv.EdgeDetected(b.pin)
			if err != nil {
				debug.Error(fmt.Errorf("button pin %d: %w", b.pin, err))
				continue
			}
			if hit {
				b.Fire(now)
			}
		}
	}
}

// Fire is the edge callback. It applies the debounce window and hands the
// request to the signal. It reports whether the press was accepted.
func (b *Button) Fire(at time.Time) bool {
	ts := at.UnixNano()
	for {
		last := b.last.Load()
		if last != 0 && ts-last < int64(b.debounce) {
			b.rejected.Add(1)
			debug.Trace("Button: press within %v of previous, ignored", b.debounce)
			return false
		}
		if b.last.CompareAndSwap(last, ts) {
			break
		}
	}
	if sig := b.sig.Load(); sig != nil {
		sig.Offer(Request{Kind: KindInterrupt, RequestedAt: at})
	}
	return true
}

// Rejected counts presses discarded by the debounce window.
func (b *Button) Rejected() uint64 {
	return b.rejected.Load()
}

// Close stops polling and disarms edge detection on the pin.
func (b *Button) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.armed {
		return nil
	}
	b.cancel()
	<-b.done
	b.armed = false
	b.sig.Store(nil)
	if err := b.drv.Detect(b.pin, gpio.NoEdge); err != nil {
		return fmt.Errorf("disarm pin %d: %w", b.pin, err)
	}
	return nil
}
