package gpio

import (
	"errors"
	"fmt"
	"sync"

	"github.com/cjeanneret/fieldcam/internal/debug"
)

// PinMode indicates whether a GPIO is input or output.
type PinMode int

const (
	Input PinMode = iota
	Output
)

// Pull selects the internal pull resistor of an input pin.
type Pull int

const (
	PullOff Pull = iota
	PullUp
	PullDown
)

// Edge selects which transitions an input pin reports.
type Edge int

const (
	NoEdge Edge = iota
	RiseEdge
	FallEdge
	AnyEdge
)

// MaxBCMPin is the highest user-accessible BCM pin on the 40-pin header.
const MaxBCMPin = 27

// ErrInvalidPin is returned when a pin number is outside the BCM header range.
var ErrInvalidPin = errors.New("invalid BCM pin")

// Driver defines the abstract interface for controlling GPIOs.
// This allows plugging in a real Raspberry Pi implementation
// or a mock for development on PC.
type Driver interface {
	SetupPin(pin int, mode PinMode) error
	SetPull(pin int, pull Pull) error

	// Detect arms edge detection on an input pin. NoEdge disarms it.
	Detect(pin int, edge Edge) error
	// EdgeDetected reports (and clears) whether an armed edge occurred since the last call.
	EdgeDetected(pin int) (bool, error)

	Close() error
}

// ValidatePin checks that pin is a usable BCM number.
func ValidatePin(pin int) error {
	if pin < 0 || pin > MaxBCMPin {
		return fmt.Errorf("%w: %d (want 0-%d)", ErrInvalidPin, pin, MaxBCMPin)
	}
	return nil
}

// MockDriver is a test implementation that logs actions and lets
// callers inject edges with Pulse. Used for development on PC or testing.
type MockDriver struct {
	mu     sync.Mutex
	pulls  map[int]Pull
	armed  map[int]Edge
	edges  map[int]bool
	closed bool
}

// NewDriver creates a GPIO driver based on the chosen mode.
// If mock is true, returns a MockDriver (for dev/test).
// If mock is false, returns a real RPiDriver (for Raspberry Pi).
func NewDriver(mock bool) (Driver, error) {
	if mock {
		debug.Info("Using MOCK GPIO driver (development mode)")
		return &MockDriver{}, nil
	}
	return NewRPiRealDriver()
}

func (m *MockDriver) init() {
	if m.armed == nil {
		m.pulls = make(map[int]Pull)
		m.armed = make(map[int]Edge)
		m.edges = make(map[int]bool)
	}
}

func (m *MockDriver) SetupPin(pin int, mode PinMode) error {
	debug.GPIO("SetupPin", pin, mode)
	return ValidatePin(pin)
}

func (m *MockDriver) SetPull(pin int, pull Pull) error {
	debug.GPIO("SetPull", pin, pull)
	if err := ValidatePin(pin); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	m.pulls[pin] = pull
	return nil
}

// PullOf returns the pull last set on pin.
func (m *MockDriver) PullOf(pin int) Pull {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pulls[pin]
}

func (m *MockDriver) Detect(pin int, edge Edge) error {
	debug.GPIO("Detect", pin, edge)
	if err := ValidatePin(pin); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	if edge == NoEdge {
		delete(m.armed, pin)
		delete(m.edges, pin)
		return nil
	}
	m.armed[pin] = edge
	return nil
}

func (m *MockDriver) EdgeDetected(pin int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	hit := m.edges[pin]
	m.edges[pin] = false
	return hit, nil
}

// Pulse simulates a press on an armed pin. It reports false when the pin is not armed.
func (m *MockDriver) Pulse(pin int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	if _, ok := m.armed[pin]; !ok {
		return false
	}
	m.edges[pin] = true
	return true
}

// Armed reports whether edge detection is currently enabled on pin.
func (m *MockDriver) Armed(pin int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.armed[pin]
	return ok
}

func (m *MockDriver) Close() error {
	debug.Trace("GPIO Close (mock)")
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.armed = nil
	m.edges = nil
	m.pulls = nil
	return nil
}
