package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordResult(t *testing.T) {
	before := testutil.ToFloat64(captures.WithLabelValues("success", "timer"))
	RecordResult("success", "timer", 12)
	after := testutil.ToFloat64(captures.WithLabelValues("success", "timer"))
	if after-before != 1 {
		t.Errorf("counter delta = %v, want 1", after-before)
	}
	if got := testutil.ToFloat64(lastSequence); got != 12 {
		t.Errorf("last sequence = %v, want 12", got)
	}
}

func TestRecordAttemptAndDropped(t *testing.T) {
	before := testutil.ToFloat64(attempts.WithLabelValues("false"))
	RecordAttempt(false, 300*time.Millisecond)
	if d := testutil.ToFloat64(attempts.WithLabelValues("false")) - before; d != 1 {
		t.Errorf("attempts delta = %v", d)
	}

	before = testutil.ToFloat64(droppedTriggers.WithLabelValues("interrupt"))
	RecordDropped("interrupt")
	if d := testutil.ToFloat64(droppedTriggers.WithLabelValues("interrupt")) - before; d != 1 {
		t.Errorf("dropped delta = %v", d)
	}
}

func TestSetState_OneHot(t *testing.T) {
	SetState("capturing", "idle", "capturing", "stopped")
	if testutil.ToFloat64(state.WithLabelValues("capturing")) != 1 {
		t.Error("capturing should be 1")
	}
	if testutil.ToFloat64(state.WithLabelValues("idle")) != 0 || testutil.ToFloat64(state.WithLabelValues("stopped")) != 0 {
		t.Error("other states should be 0")
	}
}

func TestRecordUploadAndHTTP(t *testing.T) {
	before := testutil.ToFloat64(uploads.WithLabelValues("true"))
	RecordUpload(true)
	if d := testutil.ToFloat64(uploads.WithLabelValues("true")) - before; d != 1 {
		t.Errorf("uploads delta = %v", d)
	}

	before = testutil.ToFloat64(httpRequests.WithLabelValues("GET", "/api/status", "200"))
	RecordHTTPRequest("GET", "/api/status", 200, 3*time.Millisecond)
	if d := testutil.ToFloat64(httpRequests.WithLabelValues("GET", "/api/status", "200")) - before; d != 1 {
		t.Errorf("http delta = %v", d)
	}
}
