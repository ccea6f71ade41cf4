package server

import (
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// replyText holds the default message for reply codes sent without one.
var replyText = map[int]string{
	200: "OK.",
	202: "No storage allocation necessary.",
	221: "Goodbye.",
	225: "Data connection open; no transfer in progress.",
	226: "Transfer complete.",
	230: "User logged in, proceed.",
	250: "Requested file action okay, completed.",
	331: "User name okay, need password.",
	350: "Requested file action pending further information.",
	421: "Service not available, closing control connection.",
	425: "Can't open data connection.",
	426: "Connection closed; transfer aborted.",
	450: "Requested file action not taken.",
	451: "Sorry.",
	500: "Syntax error, command unrecognized.",
	501: "Syntax error in parameters or arguments.",
	502: "Command not implemented.",
	503: "Bad sequence of commands.",
	504: "Command not implemented for that parameter.",
	530: "Not logged in.",
	550: "Requested action not taken.",
}

// respond sends a single-line reply using the default message for code.
func (s *session) respond(code int) {
	msg, ok := replyText[code]
	if !ok {
		msg = "OK."
	}
	s.reply(code, msg)
}

// reply sends "<code> <msg>".
func (s *session) reply(code int, msg string) {
	s.writeLines(fmt.Sprintf("%d %s", code, msg))
}

// replyMulti sends a multi-line reply. The first line is "<code>-<first>",
// each of lines is sent as-is and the reply ends with "<code> <last>".
func (s *session) replyMulti(code int, first string, lines []string, last string) {
	out := make([]string, 0, len(lines)+2)
	out = append(out, fmt.Sprintf("%d-%s", code, first))
	out = append(out, lines...)
	out = append(out, fmt.Sprintf("%d %s", code, last))
	s.writeLines(out...)
}

// writeLines writes CRLF-terminated lines to the control connection. A write
// failure closes the session.
func (s *session) writeLines(lines ...string) {
	if s.closed {
		return
	}
	for _, l := range lines {
		s.writer.WriteString(l)
		s.writer.WriteString("\r\n")
	}

	if s.server.writeTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.server.writeTimeout))
	}
	if err := s.writer.Flush(); err != nil {
		s.logger.Debug("reply_write_failed", "error", err)
		s.close()
		return
	}
	if s.logger.Enabled(s.ctx, slog.LevelDebug) {
		s.logger.Debug("reply_sent", "reply", strings.Join(lines, " | "))
	}
}

// bannerLines formats the greeting. Banners that would not fit on one line are
// sent as a multi-line 220 reply.
func bannerLines(text string) []string {
	if len(text) <= 75 && !strings.ContainsAny(text, "\r\n") {
		return []string{"220 " + text}
	}
	parts := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	lines := make([]string, 0, len(parts)+1)
	for _, p := range parts {
		lines = append(lines, "220-"+p)
	}
	return append(lines, "220 ")
}
