package gpio

import (
	"fmt"
	"sync"

	"github.com/cjeanneret/fieldcam/internal/debug"
	"github.com/stianeikeland/go-rpio/v4"
)

// RPiDriver is the real implementation for Raspberry Pi using go-rpio.
type RPiDriver struct {
	mu   sync.Mutex
	pins map[int]rpio.Pin
}

// NewRPiRealDriver creates a real GPIO driver for Raspberry Pi.
// Requires running on a Raspberry Pi with access to /dev/gpiomem or as root.
func NewRPiRealDriver() (*RPiDriver, error) {
	debug.Info("Initializing real GPIO driver (go-rpio)")

	if err := rpio.Open(); err != nil {
		return nil, fmt.Errorf("failed to open GPIO: %w (are you running on a Raspberry Pi?)", err)
	}

	debug.Verbose("GPIO memory mapped successfully")

	return &RPiDriver{
		pins: make(map[int]rpio.Pin),
	}, nil
}

// pin returns the registered pin, setting it up with fallback mode when missing.
// Must be called with r.mu held.
func (r *RPiDriver) pin(n int, fallback PinMode) (rpio.Pin, error) {
	if p, ok := r.pins[n]; ok {
		return p, nil
	}
	if err := r.setup(n, fallback); err != nil {
		return 0, err
	}
	return r.pins[n], nil
}

func (r *RPiDriver) setup(n int, mode PinMode) error {
	if err := ValidatePin(n); err != nil {
		return err
	}
	p := rpio.Pin(n)
	switch mode {
	case Input:
		p.Input()
	case Output:
		p.Output()
	default:
		return fmt.Errorf("unknown pin mode: %d", mode)
	}
	r.pins[n] = p
	return nil
}

func (r *RPiDriver) SetupPin(pin int, mode PinMode) error {
	debug.GPIO("SetupPin", pin, mode)
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.setup(pin, mode)
}

func (r *RPiDriver) SetPull(pin int, pull Pull) error {
	debug.GPIO("SetPull", pin, pull)
	r.mu.Lock()
	defer r.mu.Unlock()

	p, err := r.pin(pin, Input)
	if err != nil {
		return err
	}
	switch pull {
	case PullUp:
		p.PullUp()
	case PullDown:
		p.PullDown()
	case PullOff:
		p.PullOff()
	default:
		return fmt.Errorf("unknown pull: %d", pull)
	}
	return nil
}

func (r *RPiDriver) Detect(pin int, edge Edge) error {
	debug.GPIO("Detect", pin, edge)
	r.mu.Lock()
	defer r.mu.Unlock()

	p, err := r.pin(pin, Input)
	if err != nil {
		return err
	}
	switch edge {
	case NoEdge:
		p.Detect(rpio.NoEdge)
	case RiseEdge:
		p.Detect(rpio.RiseEdge)
	case FallEdge:
		p.Detect(rpio.FallEdge)
	case AnyEdge:
		p.Detect(rpio.AnyEdge)
	default:
		return fmt.Errorf("unknown edge: %d", edge)
	}
	return nil
}

func (r *RPiDriver) EdgeDetected(pin int) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.pins[pin]
	if !ok {
		return false, fmt.Errorf("pin %d not set up", pin)
	}
	return p.EdgeDetected(), nil
}

func (r *RPiDriver) Close() error {
	debug.Trace("GPIO Close (real driver)")
	r.mu.Lock()
	defer r.mu.Unlock()

	// Disarm edges and reset all pins to input (safe state)
	for pin, p := range r.pins {
		debug.Verbose("Resetting pin %d to input", pin)
		p.Detect(rpio.NoEdge)
		p.Input()
	}
	r.pins = make(map[int]rpio.Pin)

	return rpio.Close()
}
