package server

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/gonzalop/ftpd/internal/ratelimit"
)

// Option is a functional option for configuring an FTP server.
type Option func(*Server) error

// WithStorage sets the backend that file commands operate on.
// This option is required and can only be set once.
//
// Example:
//
//	storage, _ := server.NewOSStorage("/srv/ftp")
//	s, _ := server.NewServer(":21", server.WithStorage(storage), ...)
func WithStorage(storage Storage) Option {
	return func(s *Server) error {
		if s.storage != nil {
			return fmt.Errorf("storage already set")
		}
		s.storage = storage
		return nil
	}
}

// WithAuthenticator sets the hook that validates USER/PASS pairs.
// This option is required.
//
// Example:
//
//	auth := server.AuthenticatorFunc(func(ctx context.Context, user, pass string) error {
//	    if user == "demo" && pass == "demo" {
//	        return nil
//	    }
//	    return os.ErrPermission
//	})
func WithAuthenticator(auth Authenticator) Option {
	return func(s *Server) error {
		s.auth = auth
		return nil
	}
}

// WithLogger sets a custom logger for the server.
// If not specified, slog.Default() is used.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) error {
		s.logger = logger
		return nil
	}
}

// WithBanner sets the greeting sent on connect. Banners longer than one
// reply line are sent as a multi-line 220 reply.
func WithBanner(banner string) Option {
	return func(s *Server) error {
		s.banner = banner
		return nil
	}
}

// WithSystemType sets the string returned by SYST.
// Defaults to "UNIX Type: L8".
func WithSystemType(name string) Option {
	return func(s *Server) error {
		s.systemType = name
		return nil
	}
}

// WithMaxIdleTime sets the maximum time a connection can be idle before being closed.
// If not specified, defaults to 5 minutes. Zero disables the idle timeout.
//
// Example:
//
//	s, _ := server.NewServer(":21",
//	    server.WithStorage(storage),
//	    server.WithMaxIdleTime(10*time.Minute),
//	)
func WithMaxIdleTime(duration time.Duration) Option {
	return func(s *Server) error {
		s.maxIdleTime = duration
		return nil
	}
}

// WithWriteTimeout bounds each write of a reply on the control connection.
func WithWriteTimeout(duration time.Duration) Option {
	return func(s *Server) error {
		s.writeTimeout = duration
		return nil
	}
}

// WithDialTimeout bounds how long PORT and EPRT wait for the client to
// accept the data connection. Defaults to 10 seconds.
func WithDialTimeout(duration time.Duration) Option {
	return func(s *Server) error {
		if duration <= 0 {
			return fmt.Errorf("dial timeout must be positive")
		}
		s.dialTimeout = duration
		return nil
	}
}

// WithPassiveTimeout bounds how long a PASV or EPSV listener waits for the
// client to connect. Defaults to 30 seconds.
func WithPassiveTimeout(duration time.Duration) Option {
	return func(s *Server) error {
		if duration <= 0 {
			return fmt.Errorf("passive timeout must be positive")
		}
		s.passiveTimeout = duration
		return nil
	}
}

// WithMaxConnections sets the maximum number of simultaneous control
// connections, in total and per client IP. Zero means no limit.
//
// When a limit is reached, new connections receive a 421 reply and are closed.
//
// Example:
//
//	s, _ := server.NewServer(":21",
//	    server.WithStorage(storage),
//	    server.WithMaxConnections(100, 10), // Max 100 total, 10 per IP
//	)
func WithMaxConnections(max, perIP int) Option {
	return func(s *Server) error {
		if max < 0 || perIP < 0 {
			return fmt.Errorf("connection limits must not be negative")
		}
		s.maxConnections = max
		s.maxConnectionsPerIP = perIP
		return nil
	}
}

// WithPassivePortRange restricts passive listeners to ports in [min, max].
// Ports are handed out round-robin. Without it the kernel picks a port.
func WithPassivePortRange(min, max int) Option {
	return func(s *Server) error {
		if min <= 0 || max > 65535 || min > max {
			return fmt.Errorf("invalid passive port range %d-%d", min, max)
		}
		s.pasvMinPort = min
		s.pasvMaxPort = max
		return nil
	}
}

// WithPublicHost sets the IPv4 address or host name advertised in PASV
// replies, for servers behind NAT.
func WithPublicHost(host string) Option {
	return func(s *Server) error {
		s.publicHost = host
		return nil
	}
}

// WithBandwidthLimit caps data transfer rates in bytes per second, per
// session and across the whole server. Zero means unlimited.
func WithBandwidthLimit(perSession, global int64) Option {
	return func(s *Server) error {
		if perSession < 0 || global < 0 {
			return fmt.Errorf("bandwidth limits must not be negative")
		}
		s.sessionBandwidth = perSession
		s.globalLimiter = ratelimit.New(global)
		return nil
	}
}

// WithMetricsCollector sets a collector for command, transfer, connection and
// authentication metrics.
func WithMetricsCollector(collector MetricsCollector) Option {
	return func(s *Server) error {
		s.metricsCollector = collector
		return nil
	}
}

// WithTransferLog writes one line per completed transfer to w, in the
// wu-ftpd xferlog format.
func WithTransferLog(w io.Writer) Option {
	return func(s *Server) error {
		s.transferLog = w
		return nil
	}
}

// WithDisableCommands disables the given commands. Clients sending them get
// a 502 reply. See LegacyCommands, ActiveModeCommands and WriteCommands.
func WithDisableCommands(cmds ...string) Option {
	return func(s *Server) error {
		for _, c := range cmds {
			s.disabledCommands[strings.ToUpper(c)] = true
		}
		return nil
	}
}
