package server

import (
	"bufio"
	"net"
	"strings"
	"testing"
	"time"
)

// dialRejected connects and returns the single reply line the server sends
// before hanging up.
func dialRejected(t *testing.T, addr string) string {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	fatalIfErr(t, err, "dial")
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	r := bufio.NewReader(conn)
	line, err := r.ReadString('\n')
	fatalIfErr(t, err, "read rejection")

	// The server closes right after the reply.
	if _, err := r.ReadByte(); err == nil {
		t.Error("connection stayed open after rejection")
	}
	return strings.TrimRight(line, "\r\n")
}

func TestMaxConnections(t *testing.T) {
	t.Parallel()
	ts := startServer(t, WithMaxConnections(1, 0))

	// First connection should succeed
	c1 := dialControl(t, ts.addr)
	c1.login()

	// Second connection gets 421 and is closed.
	if got := dialRejected(t, ts.addr); got != "421 Too many users, sorry." {
		t.Errorf("rejection = %q", got)
	}

	// The first session is unaffected.
	c1.cmd(200, "NOOP")

	// Close first connection and retry.
	c1.cmd(221, "QUIT")
	waitForSlot(t, ts.addr)
}

func TestMaxConnectionsPerIP(t *testing.T) {
	t.Parallel()
	ts := startServer(t, WithMaxConnections(0, 1))

	c1 := dialControl(t, ts.addr)

	if got := dialRejected(t, ts.addr); got != "421 Too many connections from your IP address." {
		t.Errorf("rejection = %q", got)
	}

	c1.cmd(221, "QUIT")
	waitForSlot(t, ts.addr)
}

// waitForSlot retries until the server greets with 220, since a closed
// session releases its slot asynchronously.
func waitForSlot(t *testing.T, addr string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
		fatalIfErr(t, err, "dial")
		_ = conn.SetDeadline(time.Now().Add(2 * time.Second))
		line, err := bufio.NewReader(conn).ReadString('\n')
		conn.Close()
		if err == nil && strings.HasPrefix(line, "220") {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("slot never freed, last reply %q (%v)", line, err)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestBandwidthLimitOption(t *testing.T) {
	t.Parallel()
	ts := startServer(t, WithBandwidthLimit(0, 2048))

	if ts.srv.globalLimiter == nil {
		t.Fatal("global limiter not set")
	}
	if ts.srv.sessionLimiter() != nil {
		t.Error("per-session limiter set although unlimited")
	}
}

func TestPassivePortRangeValidation(t *testing.T) {
	t.Parallel()
	for _, r := range [][2]int{{0, 100}, {2000, 1000}, {1000, 70000}} {
		if _, err := NewServer(":0",
			WithStorage(NewMemoryStorage()),
			WithAuthenticator(AuthenticatorFunc(nil)),
			WithPassivePortRange(r[0], r[1]),
		); err == nil {
			t.Errorf("range %v accepted", r)
		}
	}
}
