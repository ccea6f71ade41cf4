//go:build !unix

package server

import (
	"context"
	"net"
	"strconv"
)

// listenTCP binds a TCP listener on ip:port. The accept backlog is left to
// the platform default.
func listenTCP(ip net.IP, port int) (net.Listener, error) {
	var lc net.ListenConfig
	return lc.Listen(context.Background(), "tcp", net.JoinHostPort(ip.String(), strconv.Itoa(port)))
}
