package debug

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Debug levels
const (
	LevelOff     = 0 // No output
	LevelInfo    = 1 // Important info (session, mode, totals)
	LevelLive    = 2 // Live info (triggers, frames written)
	LevelVerbose = 3 // Verbose (retries, paths, config)
	LevelTrace   = 4 // Trace (GPIO, very low level)
)

var (
	mu     sync.RWMutex
	level  int
	out    io.Writer = os.Stdout
	logger *zerolog.Logger
)

// Init initializes the debug system with a level (0-4).
// 0 = no output
// 1 = important info (session, mode, totals)
// 2 = live info (triggers, frames written)
// 3 = verbose (retries, paths, config)
// 4 = trace (GPIO, very low level)
func Init(debugLevel int) {
	mu.Lock()
	defer mu.Unlock()
	level = debugLevel
	rebuild()
}

// SetOutput redirects log output (e.g. to stdout plus the web status stream).
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	out = w
	rebuild()
}

// rebuild must be called with mu held.
func rebuild() {
	if level <= LevelOff {
		logger = nil
		return
	}
	// Filtering happens on our own 0-4 scale; zerolog must let trace through.
	zerolog.SetGlobalLevel(zerolog.TraceLevel)
	l := zerolog.New(zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: time.RFC3339Nano,
		NoColor:    out != os.Stdout,
	}).With().Timestamp().Str("app", "fieldcam").Logger()
	logger = &l
}

// Logger returns the underlying zerolog logger, or a disabled one when debug is off.
func Logger() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	if logger == nil {
		return zerolog.Nop()
	}
	return *logger
}

// Level returns the current debug level.
func Level() int {
	mu.RLock()
	defer mu.RUnlock()
	return level
}

// IsEnabled returns true if debug level is >= the requested level.
func IsEnabled(minLevel int) bool {
	return Level() >= minLevel
}

func emit(minLevel int, tag string, format string, args ...interface{}) {
	mu.RLock()
	l := logger
	lv := level
	mu.RUnlock()
	if lv < minLevel || l == nil {
		return
	}
	var ev *zerolog.Event
	switch tag {
	case "ERROR":
		ev = l.Error()
	case "WARN":
		ev = l.Warn()
	case "TRACE", "GPIO":
		ev = l.Trace()
	case "VERBOSE":
		ev = l.Debug()
	default:
		ev = l.Info()
	}
	ev.Str("tag", tag).Msgf(format, args...)
}

// --- Level 1 functions (Info): important info ---

// Info prints a level 1 message (important info).
func Info(format string, args ...interface{}) {
	emit(LevelInfo, "INFO", format, args...)
}

// Warn prints a level 1 warning.
func Warn(format string, args ...interface{}) {
	emit(LevelInfo, "WARN", format, args...)
}

// Summary prints an important summary (level 1).
func Summary(title string) {
	emit(LevelInfo, "INFO", "═══ %s ═══", title)
}

// Value prints a named value in formatted form (level 1).
func Value(name string, value interface{}) {
	emit(LevelInfo, "INFO", "  %s = %v", name, value)
}

// --- Level 2 functions (Live): real-time info ---

// Live prints a level 2 message (live info).
func Live(format string, args ...interface{}) {
	emit(LevelLive, "LIVE", format, args...)
}

// Trigger prints an accepted trigger (level 2).
func Trigger(kind string, at time.Time) {
	emit(LevelLive, "LIVE", "Trigger %s at %s", kind, at.Format(time.RFC3339Nano))
}

// Frame prints a completed capture (level 2).
func Frame(id uint64, path string, outcome string) {
	emit(LevelLive, "LIVE", "Frame #%d %s: %s", id, outcome, path)
}

// --- Level 3 functions (Verbose): everything ---

// Verbose prints a level 3 message (verbose).
func Verbose(format string, args ...interface{}) {
	emit(LevelVerbose, "VERBOSE", format, args...)
}

// Printf is an alias for Verbose for compatibility.
func Printf(format string, args ...interface{}) {
	Verbose(format, args...)
}

// PrintStruct prints a struct in formatted form (level 3).
func PrintStruct(name string, v interface{}) {
	emit(LevelVerbose, "VERBOSE", "%s: %+v", name, v)
}

// Section prints a section separator (level 3).
func Section(name string) {
	emit(LevelVerbose, "VERBOSE", "━━━━ %s ━━━━", name)
}

// Step prints a numbered step (level 3).
func Step(num int, description string) {
	emit(LevelVerbose, "VERBOSE", "Step %d: %s", num, description)
}

// --- Level 4 functions (Trace): very low level ---

// Trace prints a level 4 message (trace, GPIO).
func Trace(format string, args ...interface{}) {
	emit(LevelTrace, "TRACE", format, args...)
}

// GPIO prints a GPIO operation (level 4).
func GPIO(operation string, pin int, value interface{}) {
	emit(LevelTrace, "GPIO", "%s pin=%d value=%v", operation, pin, value)
}

// --- General functions ---

// Error prints a debug error (level 1+).
func Error(err error) {
	emit(LevelInfo, "ERROR", "%v", err)
}

// Fmt is a helper function that returns a formatted string
// only if debug is enabled (to avoid unnecessary allocations).
func Fmt(format string, args ...interface{}) string {
	if Level() > 0 {
		return fmt.Sprintf(format, args...)
	}
	return ""
}
