// Package metrics implements server.MetricsCollector with Prometheus and
// serves the result over HTTP.
package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector is the Prometheus implementation of server.MetricsCollector.
type Collector struct {
	commandsTotal    *prometheus.CounterVec
	commandDuration  *prometheus.HistogramVec
	transfersTotal   *prometheus.CounterVec
	transferBytes    *prometheus.CounterVec
	transferDuration *prometheus.HistogramVec
	connectionsTotal *prometheus.CounterVec
	authTotal        *prometheus.CounterVec
}

// NewCollector registers the ftpd metrics with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	f := promauto.With(reg)
	return &Collector{
		commandsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ftpd_commands_total",
				Help: "Total number of control commands by verb and status",
			},
			[]string{"command", "status"},
		),
		commandDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "ftpd_command_duration_milliseconds",
				Help: "Time spent in command handlers in milliseconds",
				Buckets: []float64{
					0.1, // in-memory state changes
					1,
					10,
					100, // storage metadata round trips
					1000,
				},
			},
			[]string{"command"},
		),
		transfersTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ftpd_transfers_total",
				Help: "Total number of completed data transfers by operation",
			},
			[]string{"operation"},
		),
		transferBytes: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ftpd_transfer_bytes_total",
				Help: "Total bytes moved over data connections",
			},
			[]string{"operation", "direction"},
		),
		transferDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "ftpd_transfer_duration_seconds",
				Help: "Duration of data transfers in seconds",
				Buckets: []float64{
					0.01,
					0.1,
					1,
					10,
					60,
					600, // large files on slow links
				},
			},
			[]string{"operation"},
		),
		connectionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ftpd_connections_total",
				Help: "Control connections by outcome",
			},
			[]string{"result", "reason"},
		),
		authTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ftpd_authentications_total",
				Help: "Login attempts by outcome",
			},
			[]string{"result"},
		),
	}
}

func (c *Collector) RecordCommand(cmd string, success bool, duration time.Duration) {
	c.commandsTotal.WithLabelValues(cmd, status(success)).Inc()
	c.commandDuration.WithLabelValues(cmd).Observe(float64(duration) / float64(time.Millisecond))
}

func (c *Collector) RecordTransfer(operation string, bytes int64, duration time.Duration) {
	c.transfersTotal.WithLabelValues(operation).Inc()
	c.transferBytes.WithLabelValues(operation, direction(operation)).Add(float64(bytes))
	c.transferDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

func (c *Collector) RecordConnection(accepted bool, reason string) {
	result := "rejected"
	if accepted {
		result = "accepted"
	}
	c.connectionsTotal.WithLabelValues(result, reason).Inc()
}

// RecordAuthentication counts a login attempt. The user name is not a
// label; it is unbounded.
func (c *Collector) RecordAuthentication(success bool, _ string) {
	c.authTotal.WithLabelValues(status(success)).Inc()
}

func status(ok bool) string {
	if ok {
		return "success"
	}
	return "error"
}

func direction(operation string) string {
	if strings.EqualFold(operation, "STOR") {
		return "in"
	}
	return "out"
}
