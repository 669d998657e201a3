package web

import (
	"errors"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cjeanneret/fieldcam/internal/hw/camera"
	"github.com/cjeanneret/fieldcam/internal/logic/manifest"
)

// ErrNotRunning is returned by Session.Trigger once the capture loop has stopped.
var ErrNotRunning = errors.New("session not running")

// Status is a point-in-time view of the running session.
type Status struct {
	SessionID    string    `json:"session_id"`
	Mode         string    `json:"mode"`
	State        string    `json:"state"`
	StartedAt    time.Time `json:"started_at"`
	OutputDir    string    `json:"output_dir"`
	Success      int       `json:"success"`
	Failed       int       `json:"failed"`
	Limit        int       `json:"limit"` // 0 = unbounded
	LastSequence uint64    `json:"last_sequence"`
	Dropped      uint64    `json:"dropped_triggers"`
	Pending      bool      `json:"pending"`
}

// Session is what the status server observes and drives.
type Session interface {
	Status() Status
	Entries() []manifest.Entry
	// Trigger requests one capture as if the button had been pressed.
	Trigger(at time.Time) error
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	Broadcaster *StatusBroadcaster
	Session     Session
	staticFS    fs.FS

	stopOnce sync.Once
	stop     chan struct{}
}

// NewHandlers creates handlers with the given dependencies.
// If session is nil, the API routes return 503 Service Unavailable.
func NewHandlers(broadcaster *StatusBroadcaster, session Session, staticFS fs.FS) *Handlers {
	return &Handlers{
		Broadcaster: broadcaster,
		Session:     session,
		staticFS:    staticFS,
		stop:        make(chan struct{}),
	}
}

// CloseStreams ends every open status stream so the server can shut down.
func (h *Handlers) CloseStreams() {
	h.stopOnce.Do(func() { close(h.stop) })
}

func (h *Handlers) unavailable(c *gin.Context) bool {
	if h.Session == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no session"})
		return true
	}
	return false
}

// HandleStatus returns the session status as JSON.
func (h *Handlers) HandleStatus(c *gin.Context) {
	if h.unavailable(c) {
		return
	}
	c.JSON(http.StatusOK, h.Session.Status())
}

// HandleManifest returns manifest entries, optionally only those after ?since=<id>.
func (h *Handlers) HandleManifest(c *gin.Context) {
	if h.unavailable(c) {
		return
	}
	var since uint64
	if v := c.Query("since"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since must be a sequence id"})
			return
		}
		since = n
	}

	entries := h.Session.Entries()
	out := make([]manifest.Entry, 0, len(entries))
	for _, e := range entries {
		if e.SequenceID > since {
			out = append(out, e)
		}
	}
	c.JSON(http.StatusOK, gin.H{"entries": out})
}

// HandleTrigger handles POST /api/trigger to request one capture.
// The request joins the single pending slot like any other trigger.
func (h *Handlers) HandleTrigger(c *gin.Context) {
	if h.unavailable(c) {
		return
	}
	if err := h.Session.Trigger(time.Now()); err != nil {
		if errors.Is(err, ErrNotRunning) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	h.Broadcaster.Broadcast("info", "Manual capture requested")
	c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}

// HandleFrame serves a finished frame from the output directory.
func (h *Handlers) HandleFrame(c *gin.Context) {
	if h.unavailable(c) {
		return
	}
	name := filepath.Base(c.Param("name"))
	if name == "." || name == "/" || camera.IsTempPath(name) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	path := filepath.Join(h.Session.Status().OutputDir, name)
	if _, err := os.Stat(path); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	c.File(path)
}

// ServeIndex serves the dashboard page.
func (h *Handlers) ServeIndex(c *gin.Context) {
	data, err := fs.ReadFile(h.staticFS, "index.html")
	if err != nil {
		c.String(http.StatusNotFound, "not found")
		return
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8", data)
}

// HandleStatusStream handles GET /status/stream for SSE.
func (h *Handlers) HandleStatusStream(c *gin.Context) {
	w := c.Writer
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx

	ch, unsub := h.Broadcaster.Subscribe()
	defer unsub()

	// Send initial comment to establish connection
	w.WriteString(": connected\n\n")
	w.Flush()

	// Heartbeat while idle
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			w.WriteString("data: " + msg + "\n\n")
			w.Flush()

		case <-ticker.C:
			w.WriteString(": heartbeat\n\n")
			w.Flush()

		case <-c.Request.Context().Done():
			return

		case <-h.stop:
			return
		}
	}
}
