package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/gonzalop/ftpd/internal/ratelimit"
)

// Server is the FTP server.
//
// It accepts control connections and runs one session per connection. Each
// session executes its commands in order on its own event loop; sessions
// share nothing but the Storage, the Authenticator and the global limits.
//
// Lifecycle:
//  1. Create server with NewServer()
//  2. Start with ListenAndServe() or Serve()
//  3. Call Shutdown(ctx) from another goroutine to stop it
//
// Basic example:
//
//	storage, _ := server.NewOSStorage("/srv/ftp")
//	s, err := server.NewServer(":2121",
//	    server.WithStorage(storage),
//	    server.WithAuthenticator(users),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	log.Fatal(s.ListenAndServe())
type Server struct {
	// addr is the TCP address to listen on (e.g., ":21").
	addr string

	storage Storage
	auth    Authenticator

	logger *slog.Logger

	// banner is the greeting sent to clients on connection.
	banner string

	// systemType is the string returned by SYST.
	systemType string

	// maxIdleTime closes control connections that send nothing for this
	// long while no transfer is running. Zero disables it.
	maxIdleTime time.Duration

	// writeTimeout bounds each write on the control connection.
	writeTimeout time.Duration

	// dialTimeout bounds active mode connects to the client.
	dialTimeout time.Duration

	// passiveTimeout bounds how long a passive listener waits for the client.
	passiveTimeout time.Duration

	// Passive port range. Zero means ephemeral ports.
	pasvMinPort int
	pasvMaxPort int
	pasvNext    atomic.Uint32

	// publicHost is advertised in PASV replies instead of the control
	// connection's local address.
	publicHost string

	// Bandwidth limits in bytes per second. Zero is unlimited.
	sessionBandwidth int64
	globalLimiter    *rate.Limiter

	maxConnections      int
	maxConnectionsPerIP int
	activeConns         atomic.Int32
	connsByIP           map[string]int32
	connsByIPMu         sync.Mutex

	metricsCollector MetricsCollector

	// transferLog receives one xferlog line per completed transfer.
	transferLog   io.Writer
	transferLogMu sync.Mutex

	commands         map[string]command
	disabledCommands map[string]bool

	// Shutdown handling
	mu         sync.Mutex
	listener   net.Listener
	conns      map[net.Conn]struct{}
	sessions   sync.WaitGroup
	inShutdown atomic.Bool
}

// ErrServerClosed is returned by Serve and ListenAndServe after a call to
// Shutdown.
var ErrServerClosed = errors.New("ftp: Server closed")

// NewServer creates a new FTP server with the given address and options.
// The address should be in the form ":port" or "host:port".
// WithStorage and WithAuthenticator are required.
//
// Default values:
//   - Logger: slog.Default()
//   - Banner: "Welcome!"
//   - MaxIdleTime: 5 minutes
//   - DialTimeout: 10 seconds
//   - PassiveTimeout: 30 seconds
//   - MaxConnections: 0 (unlimited)
func NewServer(addr string, options ...Option) (*Server, error) {
	s := &Server{
		addr:             addr,
		logger:           slog.Default(),
		banner:           "Welcome!",
		systemType:       "UNIX Type: L8",
		maxIdleTime:      5 * time.Minute,
		dialTimeout:      10 * time.Second,
		passiveTimeout:   30 * time.Second,
		conns:            make(map[net.Conn]struct{}),
		connsByIP:        make(map[string]int32),
		disabledCommands: make(map[string]bool),
	}

	for _, opt := range options {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	if s.storage == nil {
		return nil, fmt.Errorf("storage is required (use WithStorage option)")
	}
	if s.auth == nil {
		return nil, fmt.Errorf("authenticator is required (use WithAuthenticator option)")
	}

	s.commands = buildCommands(s.disabledCommands)
	return s, nil
}

// ListenAndServe starts the FTP server on the configured address.
// It blocks until the server stops or an error occurs.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}

	s.logger.Info("server_listening", "addr", ln.Addr().String())
	return s.Serve(ln)
}

// Shutdown stops the server.
//
// It closes the listener and all active connections, then waits for every
// session to release its resources or for ctx to be done, whichever comes
// first.
func (s *Server) Shutdown(ctx context.Context) error {
	s.inShutdown.Store(true)

	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	conns := s.conns
	s.conns = make(map[net.Conn]struct{})
	s.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	for conn := range maps.Keys(conns) {
		conn.Close()
	}

	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Serve accepts incoming connections on the listener l.
// It blocks until the listener is closed or Shutdown is called.
func (s *Server) Serve(l net.Listener) error {
	s.mu.Lock()
	if s.inShutdown.Load() {
		s.mu.Unlock()
		l.Close()
		return ErrServerClosed
	}
	s.listener = l
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if s.listener == l {
			s.listener = nil
		}
		s.mu.Unlock()
		l.Close()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			if s.inShutdown.Load() {
				return ErrServerClosed
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			s.logger.Error("accept_failed", "error", err)
			time.Sleep(10 * time.Millisecond)
			continue
		}

		s.mu.Lock()
		if s.inShutdown.Load() {
			s.mu.Unlock()
			conn.Close()
			return ErrServerClosed
		}
		s.sessions.Add(1)
		s.mu.Unlock()

		go func() {
			defer s.sessions.Done()
			s.handleConnection(conn)
		}()
	}
}

// handleConnection handles a new client connection.
func (s *Server) handleConnection(conn net.Conn) {
	if !s.trackConnection(conn, true) {
		return
	}
	defer s.trackConnection(conn, false)

	s.handleSession(conn)
}

// trackConnection registers conn so Shutdown can close it. It returns false
// (and closes conn) if the server is shutting down.
func (s *Server) trackConnection(conn net.Conn, add bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !add {
		delete(s.conns, conn)
		return true
	}
	if s.inShutdown.Load() {
		conn.Close()
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

// trackingConn wraps a data connection so Shutdown closes it too.
type trackingConn struct {
	net.Conn
	server *Server
}

func (c *trackingConn) Close() error {
	c.server.trackConnection(c.Conn, false)
	return c.Conn.Close()
}

// acquireIP reserves a per-IP connection slot.
func (s *Server) acquireIP(ip string) bool {
	if s.maxConnectionsPerIP <= 0 {
		return true
	}
	s.connsByIPMu.Lock()
	defer s.connsByIPMu.Unlock()
	if s.connsByIP[ip] >= int32(s.maxConnectionsPerIP) {
		return false
	}
	s.connsByIP[ip]++
	return true
}

func (s *Server) releaseIP(ip string) {
	if s.maxConnectionsPerIP <= 0 {
		return
	}
	s.connsByIPMu.Lock()
	defer s.connsByIPMu.Unlock()
	s.connsByIP[ip]--
	if s.connsByIP[ip] <= 0 {
		delete(s.connsByIP, ip)
	}
}

// handleSession enforces connection limits and runs the session.
func (s *Server) handleSession(conn net.Conn) {
	ip := hostOnly(conn.RemoteAddr().String())

	n := s.activeConns.Add(1)
	defer s.activeConns.Add(-1)
	if s.maxConnections > 0 && n > int32(s.maxConnections) {
		s.rejectConnection(conn, ip, "global_limit_reached", s.maxConnections, "421 Too many users, sorry.")
		return
	}

	if !s.acquireIP(ip) {
		s.rejectConnection(conn, ip, "per_ip_limit_reached", s.maxConnectionsPerIP, "421 Too many connections from your IP address.")
		return
	}
	defer s.releaseIP(ip)

	if s.metricsCollector != nil {
		s.metricsCollector.RecordConnection(true, "accepted")
	}

	newSession(s, conn).serve()
}

func (s *Server) rejectConnection(conn net.Conn, ip, reason string, limit int, reply string) {
	s.logger.Warn("connection_rejected",
		"remote_ip", ip,
		"reason", reason,
		"limit", limit,
	)
	if s.metricsCollector != nil {
		s.metricsCollector.RecordConnection(false, reason)
	}
	if s.writeTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}
	fmt.Fprintf(conn, "%s\r\n", reply)
	conn.Close()
}

// sessionLimiter returns a fresh per-session limiter, or nil if unlimited.
func (s *Server) sessionLimiter() *rate.Limiter {
	return ratelimit.New(s.sessionBandwidth)
}

func hostOnly(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
