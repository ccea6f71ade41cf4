package config

import (
	"github.com/gonzalop/ftpd/server"
)

// ServerOptions translates the protocol settings of c into server options.
// Storage, authentication, logging, metrics and the transfer log are wired
// by the caller.
func (c *Config) ServerOptions() []server.Option {
	opts := []server.Option{
		server.WithMaxIdleTime(c.Timeouts.Idle.Std()),
		server.WithWriteTimeout(c.Timeouts.Write.Std()),
		server.WithDialTimeout(c.Timeouts.Dial.Std()),
		server.WithPassiveTimeout(c.Timeouts.Passive.Std()),
		server.WithMaxConnections(c.Limits.MaxConnections, c.Limits.MaxConnectionsPerIP),
		server.WithBandwidthLimit(c.Limits.SessionBandwidth, c.Limits.GlobalBandwidth),
	}
	if c.Banner != "" {
		opts = append(opts, server.WithBanner(c.Banner))
	}
	if c.SystemType != "" {
		opts = append(opts, server.WithSystemType(c.SystemType))
	}
	if c.PublicHost != "" {
		opts = append(opts, server.WithPublicHost(c.PublicHost))
	}
	if c.PassivePorts.Min > 0 {
		opts = append(opts, server.WithPassivePortRange(c.PassivePorts.Min, c.PassivePorts.Max))
	}
	if len(c.DisableCommands) > 0 {
		opts = append(opts, server.WithDisableCommands(c.DisableCommands...))
	}
	return opts
}
