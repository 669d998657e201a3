package publish

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cjeanneret/fieldcam/internal/debug"
	"github.com/cjeanneret/fieldcam/internal/metrics"
)

// UploadFunc sends one file.
type UploadFunc func(ctx context.Context, path string) error

// Queue runs uploads on a single background worker so a slow link never
// delays the capture loop. When the buffer is full new files are dropped.
type Queue struct {
	upload  UploadFunc
	retries int
	backoff time.Duration

	jobs   chan string
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool

	sent    atomic.Uint64
	failed  atomic.Uint64
	dropped atomic.Uint64
}

// NewQueue starts a worker with room for size pending files. A failed upload
// is retried once after backoff.
func NewQueue(upload UploadFunc, size int, backoff time.Duration) *Queue {
	if size <= 0 {
		size = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		upload:  upload,
		retries: 1,
		backoff: backoff,
		jobs:    make(chan string, size),
		ctx:     ctx,
		cancel:  cancel,
	}
	q.wg.Add(1)
	go q.worker()
	return q
}

// Enqueue schedules path. It never blocks and reports false when the file was dropped.
func (q *Queue) Enqueue(path string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		q.dropped.Add(1)
		return false
	}
	select {
	case q.jobs <- path:
		return true
	default:
		q.dropped.Add(1)
		debug.Warn("Upload queue full, %s not uploaded", path)
		return false
	}
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for path := range q.jobs {
		var err error
		for attempt := 0; attempt <= q.retries; attempt++ {
			if attempt > 0 {
				select {
				case <-time.After(q.backoff):
				case <-q.ctx.Done():
				}
			}
			if err = q.upload(q.ctx, path); err == nil {
				break
			}
		}
		metrics.RecordUpload(err == nil)
		if err != nil {
			q.failed.Add(1)
			debug.Error(fmt.Errorf("upload %s: %w", path, err))
			continue
		}
		q.sent.Add(1)
	}
}

// Close stops accepting files and waits for the pending ones. When ctx ends
// first, in-flight uploads are cancelled and the rest are abandoned.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.jobs)
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.cancel()
		<-done
		return ctx.Err()
	}
}

// Stats returns uploaded, failed and dropped file counts.
func (q *Queue) Stats() (sent, failed, dropped uint64) {
	return q.sent.Load(), q.failed.Load(), q.dropped.Load()
}
