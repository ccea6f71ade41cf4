package server

import (
	"bufio"
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// TransferType is the representation type selected with TYPE.
type TransferType int

const (
	// TypeASCII converts line endings to CRLF on the wire.
	TypeASCII TransferType = iota
	// TypeBinary sends bytes unchanged.
	TypeBinary
)

func (t TransferType) String() string {
	if t == TypeBinary {
		return "BINARY"
	}
	return "ASCII"
}

// session is the state of one control connection.
//
// Every field is owned by the session loop: handlers and the continuations
// posted by helper goroutines run there one at a time, so nothing here is
// locked. Helper goroutines only ever see values captured when they were
// started.
type session struct {
	server *Server
	conn   net.Conn
	writer *bufio.Writer
	framer *lineFramer
	loop   *loop
	logger *slog.Logger

	// ctx is canceled when the session closes; dials, transfers and
	// authentication derive from it.
	ctx    context.Context
	cancel context.CancelFunc

	// helpers counts goroutines started with goAsync.
	helpers sync.WaitGroup

	sessionID string
	remoteIP  string
	localIP   net.IP
	started   time.Time

	// Login state. user is only set once the Authenticator accepts.
	pendingUser string
	user        string
	loggedIn    bool

	// Transfer parameters.
	transferType  TransferType
	cwd           string
	restartOffset int64
	renameFrom    string

	// Data connection state.
	data       dataState
	pasv       net.Listener
	dialCancel context.CancelFunc
	active     *dataTransfer
	epsvAll    bool
	limiter    *rate.Limiter

	// Dispatch state.
	suspended      bool
	held           *string
	heldTooLong    bool
	abortRequested bool
	closed         bool

	// Cache for PASV public host resolution.
	lastPublicHost string
	resolvedIP     net.IP
}

// newSession creates a new session.
func newSession(server *Server, conn net.Conn) *session {
	l := newLoop()
	ctx, cancel := context.WithCancel(context.Background())

	sessionID := uuid.NewString()
	remoteIP := hostOnly(conn.RemoteAddr().String())

	var localIP net.IP
	if addr, ok := conn.LocalAddr().(*net.TCPAddr); ok {
		localIP = addr.IP
	} else {
		localIP = net.ParseIP(hostOnly(conn.LocalAddr().String()))
	}

	return &session{
		server:       server,
		conn:         conn,
		writer:       bufio.NewWriter(conn),
		framer:       newLineFramer(conn, l),
		loop:         l,
		logger:       server.logger.With("session_id", sessionID, "remote_ip", remoteIP),
		ctx:          ctx,
		cancel:       cancel,
		sessionID:    sessionID,
		remoteIP:     remoteIP,
		localIP:      localIP,
		started:      time.Now(),
		transferType: TypeBinary,
		cwd:          "/",
		data:         dataIdle{},
		limiter:      server.sessionLimiter(),
	}
}

// serve runs the session until the control connection is closed.
//
// Concurrency Model:
//
//  1. Loop: every handler, reply and state change runs on the goroutine that
//     calls serve, in the order events were posted.
//
//  2. Reader: a helper goroutine reads one command line each time the loop
//     arms it and posts the line back. Reading is armed again only after a
//     handler finishes, so commands never interleave.
//
//  3. Suspension: commands that wait on the network (PORT, PASV transfers,
//     PASS) return flowSuspend. The read stays armed so ABOR, STAT and QUIT
//     get through, but any other line is held until the waiting command
//     calls resume.
//
//  4. Helpers: dialing, accepting and copying data run on goroutines started
//     by goAsync. They post their results to the loop and never touch the
//     session directly.
func (s *session) serve() {
	s.logger.Info("session_started")

	go s.framer.run()
	s.loop.post(s.greet)
	s.loop.run()

	s.helpers.Wait()
}

func (s *session) greet() {
	s.writeLines(bannerLines(s.server.banner)...)
	s.waitCommand()
}

// goAsync runs fn on a helper goroutine that serve waits for.
func (s *session) goAsync(fn func()) {
	s.helpers.Add(1)
	go func() {
		defer s.helpers.Done()
		fn()
	}()
}

// close releases everything the session holds. Continuations that arrive
// afterwards see s.closed and only release what they carry.
func (s *session) close() {
	if s.closed {
		return
	}
	s.closed = true
	s.cancel()

	if s.pasv != nil {
		s.pasv.Close()
		s.pasv = nil
	}
	switch d := s.data.(type) {
	case dataEstablished:
		d.ch.Close()
	case dataPending:
		d.t.close()
	}
	s.data = dataIdle{}
	if s.active != nil {
		s.active.channel.Close()
	}

	s.framer.stop()
	s.conn.Close()
	s.loop.stop()

	s.logger.Info("session_closed",
		"user", s.user,
		"duration", time.Since(s.started),
	)
}

// resolvePath turns a client supplied path into an absolute storage path.
// The result never leaves the root.
func (s *session) resolvePath(arg string) string {
	return joinPath(s.cwd, arg)
}

// validateActiveIP ensures the data connection target matches the control connection source.
// This prevents FTP bounce attacks.
func (s *session) validateActiveIP(ip net.IP) bool {
	remoteIP := net.ParseIP(s.remoteIP)
	if remoteIP == nil {
		return false
	}
	return ip.Equal(remoteIP)
}
