// Package server implements the control plane of an FTP server.
//
// # Overview
//
// The server speaks the RFC 959 command set with the RFC 2428 extensions
// for IPv6 (EPRT, EPSV). File data lives behind the Storage interface and
// logins are checked by an Authenticator; both are supplied by the caller.
//
//   - AferoStorage serves a local directory (NewOSStorage) or memory
//     (NewMemoryStorage)
//   - s3storage.Storage serves an S3 bucket
//   - internal/auth provides a bcrypt user table
//
// # Getting Started
//
//	package main
//
//	import (
//	    "context"
//	    "log"
//	    "os"
//
//	    "github.com/gonzalop/ftpd/server"
//	)
//
//	func main() {
//	    storage, err := server.NewOSStorage("/srv/ftp")
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//
//	    auth := server.AuthenticatorFunc(func(ctx context.Context, user, pass string) error {
//	        if user == "demo" && pass == "demo" {
//	            return nil
//	        }
//	        return os.ErrPermission
//	    })
//
//	    s, err := server.NewServer(":2121",
//	        server.WithStorage(storage),
//	        server.WithAuthenticator(auth),
//	    )
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//	    log.Fatal(s.ListenAndServe())
//	}
//
// # Sessions
//
// Each control connection runs on its own event loop. Commands execute one
// at a time in arrival order. A command that waits on the network (a data
// connection, a dial, an authentication) suspends the session: further
// command lines are held until it finishes, except ABOR, STAT and QUIT,
// which are served immediately.
//
// # Data Connections
//
// PORT and EPRT make the server dial the client; the target address must be
// the client's own (bounce protection). PASV and EPSV open a listener on the
// control connection's local address that accepts exactly one connection.
// Transfer commands may be sent before the data connection is up; they
// start as soon as it is.
//
// Each data connection carries one transfer and is closed afterwards, which
// marks end of file in stream mode.
//
// # Limits
//
// Connection counts, idle time and bandwidth can be capped:
//
//	s, _ := server.NewServer(":2121",
//	    server.WithStorage(storage),
//	    server.WithAuthenticator(auth),
//	    server.WithMaxConnections(100, 10),
//	    server.WithMaxIdleTime(10*time.Minute),
//	    server.WithBandwidthLimit(1<<20, 50<<20),
//	)
//
// # Observability
//
// Sessions log through log/slog with a session_id and remote_ip on every
// record. WithMetricsCollector takes a MetricsCollector (internal/metrics has a
// Prometheus one) and transfers are traced with OpenTelemetry spans on the
// global tracer provider. WithTransferLog writes an xferlog.
package server
