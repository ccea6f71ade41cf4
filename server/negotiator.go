package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"
)

// handlePORT parses "h1,h2,h3,h4,p1,p2" and dials the client.
func (s *session) handlePORT(arg string) (flow, error) {
	if s.epsvAll {
		s.reply(501, "PORT not allowed after EPSV ALL.")
		return flowContinue, nil
	}

	addr, err := parsePORT(arg)
	if err != nil {
		return flowContinue, err
	}
	if !s.validateActiveIP(addr.IP) {
		s.logger.Warn("active_mode_rejected", "target", addr.String())
		s.reply(500, "Illegal PORT command.")
		return flowContinue, nil
	}

	s.connectActive("PORT", addr)
	return flowSuspend, nil
}

// handleEPRT parses "<d>proto<d>addr<d>port<d>" (RFC 2428) and dials the client.
func (s *session) handleEPRT(arg string) (flow, error) {
	if s.epsvAll {
		s.reply(501, "EPRT not allowed after EPSV ALL.")
		return flowContinue, nil
	}

	addr, proto, err := parseEPRT(arg)
	if err != nil {
		return flowContinue, err
	}
	switch {
	case proto != "1" && proto != "2":
		s.reply(522, "Network protocol not supported, use (1,2).")
		return flowContinue, nil
	case proto == "1" && addr.IP.To4() == nil:
		s.reply(522, "Network protocol not supported, use (2).")
		return flowContinue, nil
	}
	if !s.validateActiveIP(addr.IP) {
		s.logger.Warn("active_mode_rejected", "target", addr.String())
		s.reply(500, "Illegal EPRT command.")
		return flowContinue, nil
	}

	s.connectActive("EPRT", addr)
	return flowSuspend, nil
}

func parsePORT(arg string) (*net.TCPAddr, error) {
	parts := strings.Split(strings.TrimSpace(arg), ",")
	if len(parts) != 6 {
		return nil, fmt.Errorf("invalid PORT argument %q", arg)
	}

	var b [6]byte
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || n < 0 || n > 255 {
			return nil, fmt.Errorf("invalid PORT argument %q", arg)
		}
		b[i] = byte(n)
	}

	port := int(b[4])<<8 | int(b[5])
	if port == 0 {
		return nil, errors.New("invalid PORT port 0")
	}
	return &net.TCPAddr{IP: net.IPv4(b[0], b[1], b[2], b[3]), Port: port}, nil
}

func parseEPRT(arg string) (*net.TCPAddr, string, error) {
	if len(arg) < 4 {
		return nil, "", fmt.Errorf("invalid EPRT argument %q", arg)
	}

	// Split on the delimiter chosen by the client:
	// ["", proto, addr, port, ""]
	parts := strings.Split(arg, arg[:1])
	if len(parts) != 5 || parts[0] != "" || parts[4] != "" {
		return nil, "", fmt.Errorf("invalid EPRT argument %q", arg)
	}

	ip := net.ParseIP(parts[2])
	if ip == nil {
		return nil, "", fmt.Errorf("invalid EPRT address %q", parts[2])
	}
	port, err := strconv.Atoi(parts[3])
	if err != nil || port <= 0 || port > 65535 {
		return nil, "", fmt.Errorf("invalid EPRT port %q", parts[3])
	}
	return &net.TCPAddr{IP: ip, Port: port}, parts[1], nil
}

// connectActive dials the client on a helper goroutine. The command stays
// suspended until activeConnected runs on the loop.
func (s *session) connectActive(verb string, addr *net.TCPAddr) {
	s.resetDataPath()

	ctx, cancel := context.WithTimeout(s.ctx, s.server.dialTimeout)
	s.dialCancel = cancel

	s.logger.Debug("active_dial_started", "addr", addr.String())
	s.goAsync(func() {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr.String())
		if !s.loop.post(func() { s.activeConnected(verb, conn, err) }) && conn != nil {
			conn.Close()
		}
	})
}

func (s *session) activeConnected(verb string, conn net.Conn, err error) {
	if s.dialCancel != nil {
		s.dialCancel()
		s.dialCancel = nil
	}
	if s.closed {
		if conn != nil {
			conn.Close()
		}
		return
	}

	if s.abortRequested && conn != nil {
		conn.Close()
		conn, err = nil, context.Canceled
	}
	if err != nil {
		s.logger.Debug("active_dial_failed", "error", err)
		s.reply(425, "Can't open data connection.")
		s.finishAbort(225)
		s.resume()
		return
	}

	s.reply(200, verb+" command successful.")
	s.installDataChannel(conn)
	s.resume()
}

// handlePASV opens an IPv4 passive listener.
func (s *session) handlePASV(string) (flow, error) {
	if s.epsvAll {
		s.reply(501, "PASV not allowed after EPSV ALL.")
		return flowContinue, nil
	}
	if s.localIP.To4() == nil {
		s.reply(425, "Can't open passive connection: use EPSV on IPv6.")
		return flowContinue, nil
	}

	port, err := s.openPassive()
	if err != nil {
		s.logger.Warn("passive_listen_failed", "error", err)
		s.reply(425, "Can't open passive connection.")
		return flowContinue, nil
	}

	ip := s.advertisedIPv4()
	s.reply(227, fmt.Sprintf("Entering Passive Mode (%d,%d,%d,%d,%d,%d).",
		ip[0], ip[1], ip[2], ip[3], port>>8, port&0xFF))
	return flowContinue, nil
}

// handleEPSV opens a passive listener in the address family of the control
// connection (RFC 2428). An explicit family argument must agree with it.
func (s *session) handleEPSV(arg string) (flow, error) {
	v4 := s.localIP.To4() != nil

	switch strings.ToUpper(strings.TrimSpace(arg)) {
	case "ALL":
		s.epsvAll = true
		s.reply(200, "EPSV ALL command successful.")
		return flowContinue, nil
	case "":
	case "1":
		if !v4 {
			s.reply(522, "Network protocol not supported, use (2).")
			return flowContinue, nil
		}
	case "2":
		if v4 {
			s.reply(522, "Network protocol not supported, use (1).")
			return flowContinue, nil
		}
	default:
		if v4 {
			s.reply(522, "Network protocol not supported, use (1).")
		} else {
			s.reply(522, "Network protocol not supported, use (2).")
		}
		return flowContinue, nil
	}

	port, err := s.openPassive()
	if err != nil {
		s.logger.Warn("passive_listen_failed", "error", err)
		s.reply(425, "Can't open passive connection.")
		return flowContinue, nil
	}

	s.reply(229, fmt.Sprintf("Entering extended passive mode (|||%d|).", port))
	return flowContinue, nil
}

// openPassive replaces any earlier data path with a listener on the control
// connection's local address and starts waiting for the client.
func (s *session) openPassive() (int, error) {
	s.resetDataPath()

	ln, err := s.server.listenPassive(s.localIP)
	if err != nil {
		return 0, err
	}
	s.pasv = ln

	timeout := s.server.passiveTimeout
	peer := net.ParseIP(s.remoteIP)
	logger := s.logger
	s.goAsync(func() {
		if d, ok := ln.(interface{ SetDeadline(time.Time) error }); ok {
			_ = d.SetDeadline(time.Now().Add(timeout))
		}
		conn, err := acceptFrom(ln, peer, logger)
		if !s.loop.post(func() { s.passiveAccepted(ln, conn, err) }) && conn != nil {
			conn.Close()
		}
	})

	return ln.Addr().(*net.TCPAddr).Port, nil
}

// acceptFrom accepts on ln until the control connection's peer connects.
// Connections from any other address are closed.
func acceptFrom(ln net.Listener, peer net.IP, logger *slog.Logger) (net.Conn, error) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return nil, err
		}
		addr, ok := conn.RemoteAddr().(*net.TCPAddr)
		if peer == nil || (ok && addr.IP.Equal(peer)) {
			return conn, nil
		}
		logger.Warn("passive_peer_rejected", "data_peer", conn.RemoteAddr().String())
		conn.Close()
	}
}

func (s *session) passiveAccepted(ln net.Listener, conn net.Conn, err error) {
	if s.closed || s.pasv != ln {
		// Superseded by a newer negotiation or by ABOR.
		if conn != nil {
			conn.Close()
		}
		return
	}
	s.pasv = nil
	ln.Close()

	if err != nil {
		s.logger.Debug("passive_accept_failed", "error", err)
		s.failPending(425, "Can't open data connection.")
		return
	}
	s.installDataChannel(conn)
}

// listenPassive binds a listener with a backlog of one on ip, either on an
// ephemeral port or on the next free port of the configured range.
func (srv *Server) listenPassive(ip net.IP) (net.Listener, error) {
	if srv.pasvMinPort <= 0 {
		return listenTCP(ip, 0)
	}

	rangeLen := uint32(srv.pasvMaxPort - srv.pasvMinPort + 1)
	start := srv.pasvNext.Add(1)
	for i := uint32(0); i < rangeLen; i++ {
		port := srv.pasvMinPort + int((start+i)%rangeLen)
		ln, err := listenTCP(ip, port)
		if err == nil {
			return ln, nil
		}
	}
	return nil, fmt.Errorf("no available ports in range [%d, %d]", srv.pasvMinPort, srv.pasvMaxPort)
}

// advertisedIPv4 is the address sent in PASV replies: the public host if
// configured, else the control connection's local address.
func (s *session) advertisedIPv4() net.IP {
	local := s.localIP.To4()

	host := s.server.publicHost
	if host == "" {
		return local
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip4 := ip.To4(); ip4 != nil {
			return ip4
		}
		return local
	}

	if host == s.lastPublicHost && s.resolvedIP != nil {
		return s.resolvedIP
	}
	ctx, cancel := context.WithTimeout(s.ctx, 2*time.Second)
	defer cancel()
	ips, err := net.DefaultResolver.LookupIP(ctx, "ip4", host)
	if err != nil || len(ips) == 0 {
		s.logger.Warn("public_host_lookup_failed", "host", host, "error", err)
		return local
	}
	s.lastPublicHost = host
	s.resolvedIP = ips[0].To4()
	return s.resolvedIP
}
