package server

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// flow tells the dispatcher what to do once a handler returns.
type flow int

const (
	// flowContinue re-arms the read of the next command line.
	flowContinue flow = iota
	// flowSuspend leaves the session waiting for asynchronous work, which
	// calls resume when it is done.
	flowSuspend
)

// parseCommand splits a command line into an upper-case verb and its
// argument. Lines ending in ABOR, STAT or QUIT are taken as that command so
// that Telnet garbage in front of an urgent command does not hide it.
func parseCommand(line string) (verb, arg string) {
	if n := len(line); n >= 4 {
		switch tail := line[n-4:]; tail {
		case "ABOR", "STAT", "QUIT":
			return tail, ""
		}
	}
	verb, arg, _ = strings.Cut(line, " ")
	return strings.ToUpper(verb), arg
}

// urgent reports whether verb may run while another command is suspended.
func urgent(verb string) bool {
	switch verb {
	case "ABOR", "STAT", "QUIT":
		return true
	}
	return false
}

// onLine receives each framed line on the loop goroutine.
func (s *session) onLine(line string, err error) {
	if s.closed {
		return
	}

	if err != nil {
		switch {
		case errors.Is(err, errLineTooLong) && s.suspended:
			// Answered by resume, after the suspended command's reply.
			s.heldTooLong = true
		case errors.Is(err, errLineTooLong):
			s.reply(501, "Command line too long.")
			s.waitCommand()
		case isTimeout(err) && (s.suspended || s.active != nil):
			s.waitCommand()
		case isTimeout(err):
			s.logger.Info("session_idle_timeout")
			s.reply(421, "Timeout: closing control connection.")
			s.close()
		default:
			s.logger.Debug("control_read_ended", "error", err)
			s.close()
		}
		return
	}

	if s.suspended {
		if verb, _ := parseCommand(line); !urgent(verb) {
			// Reading stops until the suspended command resumes.
			s.held = &line
			return
		}
	}
	s.dispatch(line)
}

// dispatch runs one command line and re-arms reading unless the handler
// suspended the session.
func (s *session) dispatch(line string) {
	if strings.TrimSpace(line) == "" {
		s.waitCommand()
		return
	}

	verb, arg := parseCommand(line)
	if verb == "PASS" {
		s.logger.Debug("command_received", "cmd", verb, "arg", "***")
	} else {
		s.logger.Debug("command_received", "cmd", verb, "arg", arg)
	}

	// RNTO must directly follow RNFR.
	if verb != "RNTO" {
		s.renameFrom = ""
	}

	start := time.Now()
	fl, err := s.execute(verb, arg)
	if s.server.metricsCollector != nil {
		s.server.metricsCollector.RecordCommand(verb, err == nil, time.Since(start))
	}
	if s.closed {
		return
	}

	if fl == flowSuspend {
		s.suspended = true
	}
	s.waitCommand()
}

// execute looks up and runs the handler for verb. Handler errors and panics
// become 501 replies; the session keeps going.
func (s *session) execute(verb, arg string) (fl flow, err error) {
	cmd, ok := s.server.commands[verb]
	if !ok {
		if s.server.disabledCommands[verb] {
			s.reply(502, "Command disabled.")
			return flowContinue, nil
		}
		s.reply(500, fmt.Sprintf("Command %q not understood.", verb))
		return flowContinue, nil
	}
	if cmd.requiresAuth && !s.loggedIn {
		s.reply(530, "Log in with USER and PASS first.")
		return flowContinue, nil
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("internal error: %v", r)
			s.logger.Error("command_panic", "cmd", verb, "panic", r)
		}
		if err != nil {
			fl = flowContinue
			s.logger.Warn("command_failed", "cmd", verb, "error", err)
			s.reply(501, err.Error())
		}
	}()
	return cmd.handler(s, arg)
}

// waitCommand arms the read of the next command line. While a command is
// suspended the read stays armed so ABOR, STAT and QUIT get through; any
// other line is held and reading stops until resume.
func (s *session) waitCommand() {
	if s.closed || s.held != nil || s.heldTooLong {
		return
	}

	var deadline time.Time
	if !s.suspended && s.active == nil && s.server.maxIdleTime > 0 {
		deadline = time.Now().Add(s.server.maxIdleTime)
	}
	_ = s.conn.SetReadDeadline(deadline)
	s.framer.readLine(s.onLine)
}

// resume ends a suspension. A line held back while suspended is dispatched,
// or answered if it was too long, before anything else is read.
func (s *session) resume() {
	if s.closed {
		return
	}
	s.suspended = false
	if s.heldTooLong {
		s.heldTooLong = false
		s.reply(501, "Command line too long.")
		s.waitCommand()
		return
	}
	if s.held != nil {
		line := *s.held
		s.held = nil
		s.dispatch(line)
		return
	}
	s.waitCommand()
}
