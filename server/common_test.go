package server

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"net/textproto"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
)

const (
	testUser = "alice"
	testPass = "secret"
)

func fatalIfErr(t *testing.T, err error, format string, args ...interface{}) {
	t.Helper()
	if err != nil {
		t.Fatalf(format+": %v", append(args, err)...)
	}
}

type testServer struct {
	addr    string
	storage *AferoStorage
	srv     *Server
}

// startServer runs a server on a loopback port with in-memory storage and a
// single valid login (testUser/testPass). Later options override earlier
// ones, so tests can pass their own WithAuthenticator.
func startServer(t *testing.T, opts ...Option) *testServer {
	t.Helper()
	return startServerWith(t, NewMemoryStorage(), opts...)
}

func startServerWith(t *testing.T, storage *AferoStorage, opts ...Option) *testServer {
	t.Helper()

	auth := AuthenticatorFunc(func(_ context.Context, user, pass string) error {
		if user == testUser && pass == testPass {
			return nil
		}
		return os.ErrPermission
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	fatalIfErr(t, err, "listen")

	base := []Option{
		WithStorage(storage),
		WithAuthenticator(auth),
		WithLogger(slog.New(slog.DiscardHandler)),
	}
	srv, err := NewServer(ln.Addr().String(), append(base, opts...)...)
	fatalIfErr(t, err, "NewServer")

	go func() {
		if err := srv.Serve(ln); err != nil && err != ErrServerClosed {
			t.Logf("Serve stopped: %v", err)
		}
	}()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			t.Logf("Shutdown: %v", err)
		}
	})

	return &testServer{addr: ln.Addr().String(), storage: storage, srv: srv}
}

func (ts *testServer) writeFile(t *testing.T, name, content string) {
	t.Helper()
	fatalIfErr(t, afero.WriteFile(ts.storage.Fs(), name, []byte(content), 0o644), "write %s", name)
}

func (ts *testServer) readFile(t *testing.T, name string) string {
	t.Helper()
	b, err := afero.ReadFile(ts.storage.Fs(), name)
	fatalIfErr(t, err, "read %s", name)
	return string(b)
}

func (ts *testServer) mkdir(t *testing.T, name string) {
	t.Helper()
	fatalIfErr(t, ts.storage.Fs().MkdirAll(name, 0o755), "mkdir %s", name)
}

// ftpConn is a raw control connection for checking exact replies.
type ftpConn struct {
	t    *testing.T
	conn net.Conn
	text *textproto.Conn
}

// dialControl connects and consumes the 220 greeting.
func dialControl(t *testing.T, addr string) *ftpConn {
	t.Helper()

	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	fatalIfErr(t, err, "dial %s", addr)
	_ = conn.SetDeadline(time.Now().Add(15 * time.Second))

	c := &ftpConn{t: t, conn: conn, text: textproto.NewConn(conn)}
	t.Cleanup(func() { c.text.Close() })
	c.expect(220)
	return c
}

func (c *ftpConn) send(format string, args ...any) {
	c.t.Helper()
	fatalIfErr(c.t, c.text.PrintfLine(format, args...), "send %q", format)
}

// read returns the next reply.
func (c *ftpConn) read() (int, string) {
	c.t.Helper()
	code, msg, err := c.text.ReadResponse(0)
	fatalIfErr(c.t, err, "read reply")
	return code, msg
}

// expect reads a reply and fails unless it has the given code.
func (c *ftpConn) expect(code int) string {
	c.t.Helper()
	got, msg := c.read()
	if got != code {
		c.t.Fatalf("expected %d, got %d %s", code, got, msg)
	}
	return msg
}

// cmd sends a command and expects the given reply code.
func (c *ftpConn) cmd(code int, format string, args ...any) string {
	c.t.Helper()
	c.send(format, args...)
	return c.expect(code)
}

func (c *ftpConn) login() {
	c.t.Helper()
	c.cmd(331, "USER %s", testUser)
	c.cmd(230, "PASS %s", testPass)
}

// pasv sends PASV and returns the advertised data address.
func (c *ftpConn) pasv() string {
	c.t.Helper()
	msg := c.cmd(227, "PASV")
	start, end := strings.Index(msg, "("), strings.Index(msg, ")")
	if start < 0 || end < start {
		c.t.Fatalf("malformed PASV reply %q", msg)
	}
	parts := strings.Split(msg[start+1:end], ",")
	if len(parts) != 6 {
		c.t.Fatalf("malformed PASV reply %q", msg)
	}
	p1, _ := strconv.Atoi(parts[4])
	p2, _ := strconv.Atoi(parts[5])
	return net.JoinHostPort(strings.Join(parts[:4], "."), strconv.Itoa(p1<<8|p2))
}

// dialData connects to a passive data address.
func dialData(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	fatalIfErr(t, err, "dial data %s", addr)
	_ = conn.SetDeadline(time.Now().Add(15 * time.Second))
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readAll(t *testing.T, r io.Reader) string {
	t.Helper()
	b, err := io.ReadAll(r)
	fatalIfErr(t, err, "read data")
	return string(b)
}

// lockedBuffer is a bytes.Buffer that the server may write while the test
// reads it.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
