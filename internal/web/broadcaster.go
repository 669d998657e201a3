package web

import (
	"encoding/json"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cjeanneret/fieldcam/internal/logic/manifest"
)

// StatusEvent is one message on the SSE status stream.
type StatusEvent struct {
	Time  string      `json:"t"`
	Level string      `json:"l,omitempty"`
	Msg   string      `json:"msg"`
	Frame *FrameEvent `json:"frame,omitempty"`
}

// FrameEvent summarizes a manifest entry for dashboards.
type FrameEvent struct {
	SequenceID uint64 `json:"sequence_id"`
	Name       string `json:"name"`
	Outcome    string `json:"outcome"`
	Reason     string `json:"reason,omitempty"`
	Attempts   int    `json:"attempts"`
	Trigger    string `json:"trigger"`
}

// StatusBroadcaster distributes status messages to multiple SSE clients.
type StatusBroadcaster struct {
	mu      sync.RWMutex
	clients map[chan string]struct{}
}

// NewStatusBroadcaster creates a new broadcaster.
func NewStatusBroadcaster() *StatusBroadcaster {
	return &StatusBroadcaster{
		clients: make(map[chan string]struct{}),
	}
}

// Subscribe returns a channel that receives broadcast messages and a cleanup function.
// The caller must call the returned cleanup when done (e.g. on client disconnect).
func (b *StatusBroadcaster) Subscribe() (<-chan string, func()) {
	ch := make(chan string, 64)
	b.mu.Lock()
	b.clients[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.clients, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}

// Clients returns the number of connected subscribers.
func (b *StatusBroadcaster) Clients() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Broadcast sends a log-style message to all subscribed clients.
func (b *StatusBroadcaster) Broadcast(level, msg string) {
	b.publish(StatusEvent{Level: level, Msg: msg})
}

// BroadcastMsg is a convenience for level "info".
func (b *StatusBroadcaster) BroadcastMsg(msg string) {
	b.Broadcast("info", msg)
}

// BroadcastEntry announces a manifest entry. Failed captures go out as warnings.
func (b *StatusBroadcaster) BroadcastEntry(e manifest.Entry) {
	level := "info"
	msg := "Frame #" + strconv.FormatUint(e.SequenceID, 10) + " captured"
	if e.Outcome != manifest.Success {
		level = "warn"
		msg = "Frame #" + strconv.FormatUint(e.SequenceID, 10) + " failed: " + e.Reason
	}
	b.publish(StatusEvent{
		Level: level,
		Msg:   msg,
		Frame: &FrameEvent{
			SequenceID: e.SequenceID,
			Name:       filepath.Base(e.Path),
			Outcome:    string(e.Outcome),
			Reason:     e.Reason,
			Attempts:   e.Attempts,
			Trigger:    e.Trigger.String(),
		},
	})
}

// publish marshals evt once and hands it to every client without blocking.
// Slow clients miss messages.
func (b *StatusBroadcaster) publish(evt StatusEvent) {
	evt.Time = time.Now().Format(time.RFC3339)
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	payload := string(data)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.clients {
		select {
		case ch <- payload:
		default:
			// channel full, skip
		}
	}
}

// BroadcastWriter implements io.Writer; each Write broadcasts the content to SSE clients.
func BroadcastWriter(b *StatusBroadcaster) *broadcastWriter {
	return &broadcastWriter{b: b}
}

// broadcastWriter wraps StatusBroadcaster as io.Writer so log output can be
// mirrored to the status stream with debug.SetOutput.
type broadcastWriter struct {
	b *StatusBroadcaster
}

func (w *broadcastWriter) Write(p []byte) (n int, err error) {
	msg := strings.TrimSpace(string(p))
	if msg != "" {
		w.b.BroadcastMsg(msg)
	}
	return len(p), nil
}
