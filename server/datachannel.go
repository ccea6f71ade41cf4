package server

import (
	"context"
	"io"
	"net"
	"sync"

	"golang.org/x/time/rate"

	"github.com/gonzalop/ftpd/internal/ratelimit"
)

// dataState is the state of the session's data connection.
// It is always exactly one of dataIdle, dataPending or dataEstablished.
type dataState interface {
	isDataState()
}

// dataIdle means no data connection exists and no command waits for one.
type dataIdle struct{}

// dataPending means a transfer command is waiting for the negotiated
// connection to come up.
type dataPending struct {
	t *dataTransfer
}

// dataEstablished means a connection is up and unused.
type dataEstablished struct {
	ch *dataChannel
}

func (dataIdle) isDataState()        {}
func (dataPending) isDataState()     {}
func (dataEstablished) isDataState() {}

// dataChannel is one established data connection. It carries at most one
// transfer and is closed afterwards.
type dataChannel struct {
	conn     net.Conn
	limiters []*rate.Limiter
	once     sync.Once
}

func (s *session) newDataChannel(conn net.Conn) *dataChannel {
	s.server.trackConnection(conn, true)
	return &dataChannel{
		conn:     &trackingConn{Conn: conn, server: s.server},
		limiters: []*rate.Limiter{s.limiter, s.server.globalLimiter},
	}
}

// WriteFrom sends everything from r to the client. Canceling ctx closes the
// connection, which unblocks the copy.
func (c *dataChannel) WriteFrom(ctx context.Context, r io.Reader) (int64, error) {
	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()
	return io.Copy(c.conn, ratelimit.NewReader(ctx, r, c.limiters...))
}

// ReadUntilClose copies what the client sends into w until the client
// closes the connection.
func (c *dataChannel) ReadUntilClose(ctx context.Context, w io.Writer) (int64, error) {
	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()
	return io.Copy(w, ratelimit.NewReader(ctx, c.conn, c.limiters...))
}

func (c *dataChannel) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Close closes the connection. It is safe to call more than once.
func (c *dataChannel) Close() {
	c.once.Do(func() { c.conn.Close() })
}

// installDataChannel records a freshly connected data connection and fires
// a transfer that was waiting for it.
func (s *session) installDataChannel(conn net.Conn) {
	ch := s.newDataChannel(conn)
	s.logger.Debug("data_connection_established", "peer", conn.RemoteAddr().String())

	if p, ok := s.data.(dataPending); ok {
		s.data = dataEstablished{ch: ch}
		s.loop.post(func() { s.startTransfer(p.t) })
		return
	}
	s.data = dataEstablished{ch: ch}
}

// resetDataPath tears down any listener, dial or idle connection left from
// an earlier negotiation. A pending transfer stays pending for the next one.
func (s *session) resetDataPath() {
	if s.dialCancel != nil {
		s.dialCancel()
		s.dialCancel = nil
	}
	if s.pasv != nil {
		s.pasv.Close()
		s.pasv = nil
	}
	if d, ok := s.data.(dataEstablished); ok {
		d.ch.Close()
		s.data = dataIdle{}
	}
}

// failPending rejects a transfer that was waiting for a connection that
// could not be made.
func (s *session) failPending(code int, msg string) {
	p, ok := s.data.(dataPending)
	if !ok {
		return
	}
	p.t.close()
	s.data = dataIdle{}
	s.reply(code, msg)
	s.finishAbort(225)
	s.resume()
}
