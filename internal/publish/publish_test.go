package publish

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func touch(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

// ---------- index ----------

func TestBuildIndex_NewestFirstAndFiltered(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "00000001_20260101T000000.000Z.jpg", "a")
	touch(t, dir, "00000002_20260101T000005.000Z.jpg", "b")
	touch(t, dir, "00000003_20260101T000010.000Z.jpg.part", "torn")
	touch(t, dir, "manifest_20260101T000000Z.jsonl", "{}")
	touch(t, dir, "timelapse.mp4", "v")

	path, err := BuildIndex(dir, `Owl <box>`)
	if err != nil {
		t.Fatalf("BuildIndex: %v", err)
	}
	if path != filepath.Join(dir, IndexName) {
		t.Errorf("path = %s", path)
	}
	data, _ := os.ReadFile(path)
	html := string(data)

	if !strings.Contains(html, "Owl &lt;box&gt;") {
		t.Error("title must be escaped")
	}
	if strings.Contains(html, ".part") || strings.Contains(html, "manifest_") {
		t.Error("partial frames and non-media files must not be listed")
	}
	i2 := strings.Index(html, "00000002_")
	i1 := strings.Index(html, "00000001_")
	if i2 < 0 || i1 < 0 || i2 > i1 {
		t.Error("frames should be listed newest first")
	}
	if !strings.Contains(html, `<video src="timelapse.mp4"`) {
		t.Error("video should be embedded")
	}
}

func TestListMedia_MissingDir(t *testing.T) {
	if _, err := ListMedia(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Error("expected error")
	}
}

// ---------- uploader ----------

type call struct {
	cmd   string
	stdin string
}

type recordingRemote struct {
	mu     sync.Mutex
	calls  []call
	failOn string
	closed bool
}

func (r *recordingRemote) Run(ctx context.Context, cmd string, stdin io.Reader) ([]byte, error) {
	c := call{cmd: cmd}
	if stdin != nil {
		b, _ := io.ReadAll(stdin)
		c.stdin = string(b)
	}
	r.mu.Lock()
	r.calls = append(r.calls, c)
	r.mu.Unlock()
	if r.failOn != "" && strings.Contains(cmd, r.failOn) {
		return []byte("permission denied"), errors.New("exit status 1")
	}
	return nil, nil
}

func (r *recordingRemote) Close() error {
	r.closed = true
	return nil
}

func TestUploader_MkdirOnceThenStream(t *testing.T) {
	dir := t.TempDir()
	a := touch(t, dir, "00000001_x.jpg", "frame-one")
	b := touch(t, dir, "00000002_x.jpg", "frame-two")

	rem := &recordingRemote{}
	up := NewUploader(rem, "/srv/owl box")
	for _, p := range []string{a, b} {
		if err := up.Upload(context.Background(), p); err != nil {
			t.Fatalf("Upload: %v", err)
		}
	}

	if len(rem.calls) != 3 {
		t.Fatalf("calls = %d, want mkdir + 2 uploads", len(rem.calls))
	}
	if rem.calls[0].cmd != "mkdir -p '/srv/owl box'" {
		t.Errorf("mkdir = %q", rem.calls[0].cmd)
	}
	want := "cat > '/srv/owl box/00000001_x.jpg.part' && mv -f '/srv/owl box/00000001_x.jpg.part' '/srv/owl box/00000001_x.jpg'"
	if rem.calls[1].cmd != want {
		t.Errorf("upload cmd = %q\nwant %q", rem.calls[1].cmd, want)
	}
	if rem.calls[1].stdin != "frame-one" || rem.calls[2].stdin != "frame-two" {
		t.Error("file content should be streamed on stdin")
	}

	_ = up.Close()
	if !rem.closed {
		t.Error("Close should release the remote")
	}
}

func TestUploader_MkdirFailure(t *testing.T) {
	rem := &recordingRemote{failOn: "mkdir"}
	up := NewUploader(rem, "/root/forbidden")
	err := up.Upload(context.Background(), touch(t, t.TempDir(), "f.jpg", "x"))
	if err == nil || !strings.Contains(err.Error(), "permission denied") {
		t.Errorf("got %v, want remote output in error", err)
	}
}

func TestUploader_MissingLocalFile(t *testing.T) {
	up := NewUploader(&recordingRemote{}, "/srv")
	if err := up.Upload(context.Background(), "/nonexistent/f.jpg"); err == nil {
		t.Error("expected error")
	}
}

func TestShellEscape(t *testing.T) {
	cases := map[string]string{
		"":          "''",
		"/srv/a":    "'/srv/a'",
		"it's here": `'it'"'"'s here'`,
	}
	for in, want := range cases {
		if got := shellEscape(in); got != want {
			t.Errorf("shellEscape(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestSSHRemote_ConfigErrors(t *testing.T) {
	r := &SSHRemote{Host: "127.0.0.1", Port: 1}
	if _, err := r.Run(context.Background(), "true", nil); err == nil {
		t.Error("missing user should fail before dialing")
	}
	r.User = "pi"
	r.KeyPath = filepath.Join(t.TempDir(), "missing")
	if _, err := r.Run(context.Background(), "true", nil); err == nil {
		t.Error("missing key should fail")
	}
	if r.address() != "127.0.0.1:1" {
		t.Errorf("address = %s", r.address())
	}
}

// ---------- queue ----------

func TestQueue_UploadsInOrder(t *testing.T) {
	var mu sync.Mutex
	var got []string
	q := NewQueue(func(ctx context.Context, p string) error {
		mu.Lock()
		got = append(got, p)
		mu.Unlock()
		return nil
	}, 8, time.Millisecond)

	for _, p := range []string{"a", "b", "c"} {
		if !q.Enqueue(p) {
			t.Fatalf("enqueue %s dropped", p)
		}
	}
	if err := q.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	if strings.Join(got, "") != "abc" {
		t.Errorf("order = %v", got)
	}
	if sent, failed, dropped := q.Stats(); sent != 3 || failed != 0 || dropped != 0 {
		t.Errorf("stats = %d/%d/%d", sent, failed, dropped)
	}
	if q.Enqueue("late") {
		t.Error("enqueue after Close must be refused")
	}
}

func TestQueue_RetriesOnceThenCountsFailure(t *testing.T) {
	var mu sync.Mutex
	attempts := map[string]int{}
	q := NewQueue(func(ctx context.Context, p string) error {
		mu.Lock()
		defer mu.Unlock()
		attempts[p]++
		if p == "bad" || attempts[p] == 1 {
			return errors.New("link down")
		}
		return nil
	}, 4, time.Millisecond)

	q.Enqueue("flaky")
	q.Enqueue("bad")
	_ = q.Close(context.Background())

	if attempts["flaky"] != 2 || attempts["bad"] != 2 {
		t.Errorf("attempts = %v", attempts)
	}
	if sent, failed, _ := q.Stats(); sent != 1 || failed != 1 {
		t.Errorf("sent=%d failed=%d", sent, failed)
	}
}

func TestQueue_FullDrops(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	q := NewQueue(func(ctx context.Context, p string) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil
	}, 1, time.Millisecond)

	q.Enqueue("busy")
	<-started
	q.Enqueue("waiting")
	if q.Enqueue("overflow") {
		t.Error("third file should be dropped while the buffer is full")
	}
	close(release)
	_ = q.Close(context.Background())
	if _, _, dropped := q.Stats(); dropped != 1 {
		t.Errorf("dropped = %d", dropped)
	}
}

// ---------- stitcher ----------

func TestStitcher_ArgsAndList(t *testing.T) {
	s := NewStitcher("", 10)
	if s.Binary != "ffmpeg" {
		t.Errorf("binary = %s", s.Binary)
	}
	args := strings.Join(s.Args("list.txt", "out.mp4"), " ")
	if !strings.Contains(args, "-f concat -safe 0 -i list.txt -r 10") || !strings.HasSuffix(args, "-y out.mp4") {
		t.Errorf("args = %s", args)
	}

	list := s.ConcatList([]string{"/a/1.jpg", "/a/2.jpg"})
	want := "file '/a/1.jpg'\nduration 0.1000\nfile '/a/2.jpg'\nduration 0.1000\nfile '/a/2.jpg'\n"
	if list != want {
		t.Errorf("list =\n%s\nwant\n%s", list, want)
	}
}

func TestStitcher_Stitch(t *testing.T) {
	dir := t.TempDir()
	frames := []string{touch(t, dir, "1.jpg", "x"), touch(t, dir, "2.jpg", "y")}
	out := filepath.Join(dir, "timelapse.mp4")

	s := NewStitcher("ffmpeg", 24)
	var gotList string
	s.run = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		list := args[indexOf(args, "-i")+1]
		data, _ := os.ReadFile(list)
		gotList = string(data)
		return nil, os.WriteFile(args[len(args)-1], []byte("mp4"), 0o644)
	}

	if err := s.Stitch(context.Background(), frames, out); err != nil {
		t.Fatalf("Stitch: %v", err)
	}
	if !strings.Contains(gotList, "1.jpg") || !strings.Contains(gotList, "2.jpg") {
		t.Errorf("concat list = %q", gotList)
	}
	if data, err := os.ReadFile(out); err != nil || string(data) != "mp4" {
		t.Errorf("output = %q, %v", data, err)
	}
	leftovers, _ := filepath.Glob(filepath.Join(dir, "concat-*.txt"))
	if len(leftovers) != 0 {
		t.Errorf("concat list not removed: %v", leftovers)
	}
}

func TestStitcher_Errors(t *testing.T) {
	s := NewStitcher("ffmpeg", 24)
	if err := s.Stitch(context.Background(), nil, "out.mp4"); !errors.Is(err, ErrNoFrames) {
		t.Errorf("got %v, want ErrNoFrames", err)
	}

	dir := t.TempDir()
	out := filepath.Join(dir, "v.mp4")
	s.run = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return []byte("Unknown encoder 'libx264'"), errors.New("exit status 1")
	}
	err := s.Stitch(context.Background(), []string{touch(t, dir, "1.jpg", "x")}, out)
	if err == nil || !strings.Contains(err.Error(), "libx264") {
		t.Errorf("got %v", err)
	}
	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Error("failed stitch must not leave an output")
	}
}

func indexOf(args []string, v string) int {
	for i, a := range args {
		if a == v {
			return i
		}
	}
	return -1
}
