package gpio

import (
	"errors"
	"testing"
)

func TestValidatePin(t *testing.T) {
	cases := []struct {
		pin     int
		wantErr bool
	}{
		{0, false},
		{17, false},
		{27, false},
		{-1, true},
		{28, true},
		{40, true},
	}
	for _, tc := range cases {
		err := ValidatePin(tc.pin)
		if tc.wantErr && !errors.Is(err, ErrInvalidPin) {
			t.Errorf("pin %d: expected ErrInvalidPin, got %v", tc.pin, err)
		}
		if !tc.wantErr && err != nil {
			t.Errorf("pin %d: unexpected error %v", tc.pin, err)
		}
	}
}

func TestMockDriver_PulseRequiresArm(t *testing.T) {
	m := &MockDriver{}
	if m.Pulse(17) {
		t.Fatal("pulse on an unarmed pin should be ignored")
	}
	if err := m.Detect(17, FallEdge); err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if !m.Pulse(17) {
		t.Fatal("pulse on an armed pin should register")
	}
}

func TestMockDriver_EdgeDetectedClears(t *testing.T) {
	m := &MockDriver{}
	_ = m.Detect(5, FallEdge)
	m.Pulse(5)

	hit, err := m.EdgeDetected(5)
	if err != nil || !hit {
		t.Fatalf("first read: hit=%v err=%v, want true", hit, err)
	}
	hit, _ = m.EdgeDetected(5)
	if hit {
		t.Error("edge should be cleared after being read")
	}
}

func TestMockDriver_DisarmAndClose(t *testing.T) {
	m := &MockDriver{}
	_ = m.Detect(6, AnyEdge)
	if !m.Armed(6) {
		t.Fatal("pin should be armed")
	}
	_ = m.Detect(6, NoEdge)
	if m.Armed(6) {
		t.Error("NoEdge should disarm")
	}
	_ = m.Detect(6, AnyEdge)
	_ = m.Close()
	if m.Armed(6) {
		t.Error("Close should release edge detection")
	}
}

func TestMockDriver_RecordsPull(t *testing.T) {
	m := &MockDriver{}
	if got := m.PullOf(17); got != PullOff {
		t.Fatalf("initial pull = %v, want PullOff", got)
	}
	if err := m.SetPull(17, PullUp); err != nil {
		t.Fatalf("SetPull: %v", err)
	}
	if got := m.PullOf(17); got != PullUp {
		t.Errorf("pull = %v, want PullUp", got)
	}
	if err := m.SetPull(40, PullUp); !errors.Is(err, ErrInvalidPin) {
		t.Errorf("SetPull(40): got %v, want ErrInvalidPin", err)
	}
}

func TestMockDriver_InvalidPin(t *testing.T) {
	m := &MockDriver{}
	if err := m.Detect(99, FallEdge); !errors.Is(err, ErrInvalidPin) {
		t.Errorf("Detect(99): got %v, want ErrInvalidPin", err)
	}
	if err := m.SetupPin(-3, Input); !errors.Is(err, ErrInvalidPin) {
		t.Errorf("SetupPin(-3): got %v, want ErrInvalidPin", err)
	}
}

func TestNewDriver_Mock(t *testing.T) {
	d, err := NewDriver(true)
	if err != nil {
		t.Fatalf("NewDriver(true): %v", err)
	}
	if _, ok := d.(*MockDriver); !ok {
		t.Errorf("got %T, want *MockDriver", d)
	}
}
