package server

import (
	"fmt"
	"net"
	"os"
	"slices"
	"strings"
)

// features is the FEAT list. MLST is deliberately absent: clients then
// fall back to LIST, which is what this server implements.
var features = []string{
	"EPRT",
	"EPSV",
	"PASV",
	"REST STREAM",
	"SIZE",
	"UTF8",
}

func (s *session) handleFEAT(string) (flow, error) {
	lines := make([]string, len(features))
	for i, f := range features {
		lines[i] = " " + f
	}
	s.replyMulti(211, "Features supported:", lines, "End FEAT.")
	return flowContinue, nil
}

// handleHELP lists the commands this server recognizes.
func (s *session) handleHELP(arg string) (flow, error) {
	if arg != "" {
		verb := strings.ToUpper(strings.TrimSpace(arg))
		if _, ok := s.server.commands[verb]; ok {
			s.reply(214, fmt.Sprintf("Command %s is recognized.", verb))
		} else {
			s.reply(502, fmt.Sprintf("Unknown command %s.", verb))
		}
		return flowContinue, nil
	}

	verbs := make([]string, 0, len(s.server.commands))
	for v := range s.server.commands {
		verbs = append(verbs, v)
	}
	slices.Sort(verbs)

	var lines []string
	for chunk := range slices.Chunk(verbs, 8) {
		lines = append(lines, " "+strings.Join(chunk, " "))
	}
	s.replyMulti(214, "The following commands are recognized:", lines, "Help command successful.")
	return flowContinue, nil
}

// handleSTAT reports the session status or, with an argument, lists a path
// over the control connection.
func (s *session) handleSTAT(arg string) (flow, error) {
	if arg != "" {
		p := s.resolvePath(listPathArg(arg))
		entries, err := s.server.storage.ListDirectory(s.ctx, p)
		if err != nil {
			info, serr := s.server.storage.Stat(s.ctx, p)
			if serr != nil {
				s.replyStorageError("STAT", p, err)
				return flowContinue, nil
			}
			entries = []os.FileInfo{info}
		}
		lines := make([]string, len(entries))
		for i, e := range entries {
			lines[i] = " " + formatListLine(e)
		}
		s.replyMulti(213, "Status of "+p+":", lines, "End of status.")
		return flowContinue, nil
	}

	lines := []string{
		" Connected from " + s.remoteIP,
		" Logged in as " + s.user,
		fmt.Sprintf(" TYPE: %s; STRUcture: File; transfer MODE: Stream", s.transferType),
	}

	switch d := s.data.(type) {
	case dataEstablished:
		lines = append(lines, " Data connection established with "+d.ch.RemoteAddr().String())
	case dataPending:
		lines = append(lines, " "+d.t.verb+" waiting for data connection")
	default:
		switch {
		case s.pasv != nil:
			lines = append(lines, " Passive mode listening on port "+portOf(s.pasv.Addr()))
		case s.dialCancel != nil:
			lines = append(lines, " Active mode connection in progress")
		default:
			lines = append(lines, " No data connection")
		}
	}
	if t := s.active; t != nil {
		lines = append(lines, fmt.Sprintf(" Transfer in progress: %s %s", t.verb, t.path))
	}

	s.replyMulti(211, "FTP server status:", lines, "End of status.")
	return flowContinue, nil
}

func portOf(addr net.Addr) string {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return fmt.Sprint(tcp.Port)
	}
	_, port, _ := net.SplitHostPort(addr.String())
	return port
}
