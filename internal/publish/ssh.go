package publish

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/cjeanneret/fieldcam/internal/debug"
)

// Remote runs shell commands on the upload host.
type Remote interface {
	// Run executes cmd, feeding it stdin when non-nil, and returns combined output.
	Run(ctx context.Context, cmd string, stdin io.Reader) ([]byte, error)
	Close() error
}

// SSHRemote is a Remote over a single reused SSH connection, authenticated by
// private key and checked against a known_hosts file.
type SSHRemote struct {
	Host           string
	Port           int
	User           string
	KeyPath        string
	KnownHostsPath string // empty = ~/.ssh/known_hosts
	Timeout        time.Duration

	mu     sync.Mutex
	client *ssh.Client
}

func (r *SSHRemote) Run(ctx context.Context, cmd string, stdin io.Reader) ([]byte, error) {
	client, err := r.connect(ctx)
	if err != nil {
		return nil, err
	}
	session, err := client.NewSession()
	if err != nil {
		// A dead connection is redialled on the next call.
		r.drop(client)
		return nil, fmt.Errorf("ssh session: %w", err)
	}
	defer session.Close()

	var out bytes.Buffer
	session.Stdout = &out
	session.Stderr = &out
	if stdin != nil {
		session.Stdin = stdin
	}

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()
	select {
	case err = <-done:
	case <-ctx.Done():
		session.Close()
		<-done
		err = ctx.Err()
	}
	return out.Bytes(), err
}

func (r *SSHRemote) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client == nil {
		return nil
	}
	err := r.client.Close()
	r.client = nil
	return err
}

func (r *SSHRemote) drop(c *ssh.Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client == c {
		r.client.Close()
		r.client = nil
	}
}

func (r *SSHRemote) connect(ctx context.Context) (*ssh.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client != nil {
		return r.client, nil
	}

	config, err := r.clientConfig()
	if err != nil {
		return nil, err
	}
	address := r.address()
	dialer := net.Dialer{Timeout: r.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", address, err)
	}
	clientConn, chans, reqs, err := ssh.NewClientConn(conn, address, config)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake %s: %w", address, err)
	}
	debug.Verbose("Upload: connected to %s as %s", address, r.User)
	r.client = ssh.NewClient(clientConn, chans, reqs)
	return r.client, nil
}

func (r *SSHRemote) address() string {
	port := r.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(strings.TrimSpace(r.Host), strconv.Itoa(port))
}

func (r *SSHRemote) clientConfig() (*ssh.ClientConfig, error) {
	if r.User == "" {
		return nil, fmt.Errorf("ssh user is required")
	}
	if r.KeyPath == "" {
		return nil, fmt.Errorf("ssh key path is required")
	}
	key, err := os.ReadFile(r.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("read ssh key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("parse ssh key: %w", err)
	}

	path := strings.TrimSpace(r.KnownHostsPath)
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("known hosts path not set and home dir unavailable")
		}
		path = filepath.Join(home, ".ssh", "known_hosts")
	}
	hostKeys, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("load known hosts: %w", err)
	}

	return &ssh.ClientConfig{
		User:            r.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeys,
		Timeout:         r.Timeout,
	}, nil
}

// Uploader copies files into a remote directory. Each file is streamed to a
// .part name and renamed, so the remote side never serves a torn frame.
type Uploader struct {
	remote Remote
	dir    string

	mu      sync.Mutex
	dirDone bool
}

// NewUploader targets dir on remote.
func NewUploader(remote Remote, dir string) *Uploader {
	return &Uploader{remote: remote, dir: dir}
}

// Upload sends local to the remote directory under the same base name.
func (u *Uploader) Upload(ctx context.Context, local string) error {
	if err := u.ensureDir(ctx); err != nil {
		return err
	}

	f, err := os.Open(local)
	if err != nil {
		return fmt.Errorf("open %s: %w", local, err)
	}
	defer f.Close()

	dst := u.dir + "/" + filepath.Base(local)
	tmp := dst + ".part"
	cmd := "cat > " + shellEscape(tmp) + " && mv -f " + shellEscape(tmp) + " " + shellEscape(dst)
	if out, err := u.remote.Run(ctx, cmd, f); err != nil {
		return fmt.Errorf("upload %s: %w (%s)", filepath.Base(local), err, strings.TrimSpace(string(out)))
	}
	debug.Verbose("Upload: %s -> %s", local, dst)
	return nil
}

// Close releases the remote connection.
func (u *Uploader) Close() error {
	return u.remote.Close()
}

func (u *Uploader) ensureDir(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.dirDone {
		return nil
	}
	if out, err := u.remote.Run(ctx, "mkdir -p "+shellEscape(u.dir), nil); err != nil {
		return fmt.Errorf("create remote dir %s: %w (%s)", u.dir, err, strings.TrimSpace(string(out)))
	}
	u.dirDone = true
	return nil
}

func shellEscape(value string) string {
	if value == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(value, "'", `'"'"'`) + "'"
}
