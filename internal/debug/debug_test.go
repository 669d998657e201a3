package debug

import (
	"bytes"
	"errors"
	"os"
	"strings"
	"testing"
)

func withBuffer(t *testing.T, lvl int) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	Init(lvl)
	SetOutput(&buf)
	t.Cleanup(func() {
		SetOutput(os.Stdout)
		Init(LevelOff)
	})
	return &buf
}

func TestLevelGating(t *testing.T) {
	buf := withBuffer(t, LevelLive)

	Info("info %d", 1)
	Live("live %d", 2)
	Verbose("verbose %d", 3)
	GPIO("WritePin", 17, true)

	out := buf.String()
	if !strings.Contains(out, "info 1") {
		t.Errorf("missing info line: %q", out)
	}
	if !strings.Contains(out, "live 2") {
		t.Errorf("missing live line: %q", out)
	}
	if strings.Contains(out, "verbose 3") {
		t.Errorf("verbose line should be filtered at level 2: %q", out)
	}
	if strings.Contains(out, "pin=17") {
		t.Errorf("gpio line should be filtered at level 2: %q", out)
	}
}

func TestTraceReachesOutput(t *testing.T) {
	buf := withBuffer(t, LevelTrace)
	GPIO("ReadPin", 4, "low")
	if !strings.Contains(buf.String(), "ReadPin pin=4 value=low") {
		t.Errorf("trace line missing: %q", buf.String())
	}
}

func TestOffProducesNothing(t *testing.T) {
	buf := withBuffer(t, LevelOff)
	Info("hidden")
	Error(errors.New("hidden too"))
	if buf.Len() != 0 {
		t.Errorf("expected no output, got %q", buf.String())
	}
	if Fmt("x=%d", 1) != "" {
		t.Error("Fmt should return empty string when debug is off")
	}
}

func TestIsEnabled(t *testing.T) {
	withBuffer(t, LevelVerbose)
	if !IsEnabled(LevelInfo) || !IsEnabled(LevelVerbose) {
		t.Error("levels up to verbose should be enabled")
	}
	if IsEnabled(LevelTrace) {
		t.Error("trace should not be enabled at level 3")
	}
}
