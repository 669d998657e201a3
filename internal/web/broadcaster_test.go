package web

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/cjeanneret/fieldcam/internal/logic/manifest"
	"github.com/cjeanneret/fieldcam/internal/logic/trigger"
)

// recv decodes the next event on ch or fails after a second.
func recv(t *testing.T, ch <-chan string) StatusEvent {
	t.Helper()
	select {
	case msg, ok := <-ch:
		if !ok {
			t.Fatal("channel closed")
		}
		var evt StatusEvent
		if err := json.Unmarshal([]byte(msg), &evt); err != nil {
			t.Fatalf("unmarshal %q: %v", msg, err)
		}
		return evt
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for broadcast")
	}
	return StatusEvent{}
}

func TestBroadcaster_FanOut(t *testing.T) {
	b := NewStatusBroadcaster()
	var chans []<-chan string
	for i := 0; i < 3; i++ {
		ch, unsub := b.Subscribe()
		defer unsub()
		chans = append(chans, ch)
	}
	if b.Clients() != 3 {
		t.Fatalf("clients = %d, want 3", b.Clients())
	}

	b.Broadcast("warn", "low disk")

	for i, ch := range chans {
		evt := recv(t, ch)
		if evt.Msg != "low disk" || evt.Level != "warn" {
			t.Errorf("subscriber %d: got %+v", i, evt)
		}
		if _, err := time.Parse(time.RFC3339, evt.Time); err != nil {
			t.Errorf("subscriber %d: bad timestamp %q", i, evt.Time)
		}
	}
}

func TestBroadcaster_BroadcastMsgIsInfo(t *testing.T) {
	b := NewStatusBroadcaster()
	ch, unsub := b.Subscribe()
	defer unsub()

	b.BroadcastMsg("session started")
	if evt := recv(t, ch); evt.Level != "info" || evt.Msg != "session started" || evt.Frame != nil {
		t.Errorf("got %+v", evt)
	}
}

func TestBroadcaster_Unsubscribe(t *testing.T) {
	b := NewStatusBroadcaster()
	ch, unsub := b.Subscribe()
	unsub()
	unsub()

	if _, ok := <-ch; ok {
		t.Error("channel should be closed after unsubscribe")
	}
	if b.Clients() != 0 {
		t.Errorf("clients = %d, want 0", b.Clients())
	}
	// No subscribers left; must neither block nor panic.
	b.BroadcastMsg("nobody listening")
}

func TestBroadcaster_SlowClientMissesMessages(t *testing.T) {
	b := NewStatusBroadcaster()
	ch, unsub := b.Subscribe()
	defer unsub()

	for i := 0; i < 100; i++ {
		b.BroadcastMsg("frame")
	}

	got := 0
	for len(ch) > 0 {
		<-ch
		got++
	}
	if got != cap(ch) {
		t.Errorf("buffered %d messages, want %d", got, cap(ch))
	}
}

func TestBroadcastWriter(t *testing.T) {
	b := NewStatusBroadcaster()
	ch, unsub := b.Subscribe()
	defer unsub()
	w := BroadcastWriter(b)

	line := "  12:00:01 INF Frame saved  \n"
	n, err := w.Write([]byte(line))
	if err != nil || n != len(line) {
		t.Fatalf("Write = %d, %v; want %d, nil", n, err, len(line))
	}
	if evt := recv(t, ch); evt.Msg != "12:00:01 INF Frame saved" {
		t.Errorf("msg = %q", evt.Msg)
	}

	if n, _ := w.Write([]byte(" \n\t")); n != 3 {
		t.Errorf("blank write n = %d, want 3", n)
	}
	select {
	case msg := <-ch:
		t.Errorf("blank write should not broadcast, got %s", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBroadcaster_BroadcastEntry(t *testing.T) {
	b := NewStatusBroadcaster()
	ch, unsub := b.Subscribe()
	defer unsub()

	b.BroadcastEntry(manifest.Entry{
		SequenceID: 42,
		Path:       "/data/frames/00000042_20260101T000000.000Z.jpg",
		Outcome:    manifest.Success,
		Attempts:   2,
		Trigger:    trigger.KindInterrupt,
	})
	b.BroadcastEntry(manifest.Entry{
		SequenceID: 43,
		Outcome:    manifest.Failed,
		Reason:     "device busy",
		Trigger:    trigger.KindTimer,
	})

	ok := recv(t, ch)
	if ok.Frame == nil || ok.Frame.SequenceID != 42 || ok.Frame.Name != "00000042_20260101T000000.000Z.jpg" {
		t.Fatalf("frame = %+v", ok.Frame)
	}
	if ok.Frame.Trigger != "interrupt" || ok.Frame.Attempts != 2 || ok.Level != "info" {
		t.Errorf("event = %+v frame = %+v", ok, ok.Frame)
	}

	failed := recv(t, ch)
	if failed.Frame == nil || failed.Level != "warn" || failed.Frame.Reason != "device busy" || failed.Frame.Outcome != "failed" {
		t.Errorf("failed event = %+v frame = %+v", failed, failed.Frame)
	}
}
