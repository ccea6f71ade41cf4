package server

import "time"

// MetricsCollector is an optional interface for collecting server metrics.
// internal/metrics provides a Prometheus implementation.
//
// Methods are called on session goroutines and should not block.
//
// The server checks for a nil collector before calling methods,
// so implementations don't need to handle nil receivers.
type MetricsCollector interface {
	// RecordCommand records one dispatched command.
	// success is false when the handler returned an error.
	RecordCommand(cmd string, success bool, duration time.Duration)

	// RecordTransfer records a completed data transfer.
	// operation is the command that ran it: RETR, STOR, LIST or NLST.
	RecordTransfer(operation string, bytes int64, duration time.Duration)

	// RecordConnection records a control connection attempt.
	// reason is "accepted", "global_limit_reached" or "per_ip_limit_reached".
	RecordConnection(accepted bool, reason string)

	// RecordAuthentication records a PASS attempt.
	RecordAuthentication(success bool, user string)
}
