package server

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// handleTYPE handles the TYPE command. ASCII (A, A N, L7) and image
// (I, L8) are supported; spaces in the argument are ignored.
func (s *session) handleTYPE(arg string) (flow, error) {
	switch strings.ToUpper(strings.ReplaceAll(arg, " ", "")) {
	case "A", "AN", "L7":
		s.transferType = TypeASCII
		s.reply(200, "ASCII mode.")
	case "I", "L8":
		s.transferType = TypeBinary
		s.reply(200, "Binary mode.")
	default:
		s.reply(504, fmt.Sprintf("Unsupported type %q.", arg))
	}
	return flowContinue, nil
}

// handleSTRU handles the STRU command.
// RFC 1123 requires File structure support.
func (s *session) handleSTRU(arg string) (flow, error) {
	switch strings.ToUpper(strings.TrimSpace(arg)) {
	case "F":
		s.reply(200, "File transfer structure set to: F.")
	case "P", "R":
		s.reply(504, "Unimplemented STRU type.")
	default:
		s.reply(501, "Unrecognized STRU type.")
	}
	return flowContinue, nil
}

// handleMODE handles the MODE command.
// RFC 1123 requires Stream mode support.
func (s *session) handleMODE(arg string) (flow, error) {
	switch strings.ToUpper(strings.TrimSpace(arg)) {
	case "S":
		s.reply(200, "Transfer mode set to: S")
	case "B", "C":
		s.reply(504, "Unimplemented MODE type.")
	default:
		s.reply(501, "Unrecognized MODE type.")
	}
	return flowContinue, nil
}

// handleREST records the offset the next RETR or STOR starts at.
func (s *session) handleREST(arg string) (flow, error) {
	offset, err := strconv.ParseInt(strings.TrimSpace(arg), 10, 64)
	if err != nil || offset < 0 {
		return flowContinue, fmt.Errorf("invalid REST offset %q", arg)
	}
	s.restartOffset = offset
	if offset == 0 {
		s.reply(350, "File position reseted.")
	} else {
		s.reply(350, fmt.Sprintf("Restarting at %d. Send STORE or RETRIEVE to initiate transfer.", offset))
	}
	return flowContinue, nil
}

// handleALLO handles the ALLO command.
// Storage is allocated on demand, so there is nothing to reserve.
func (s *session) handleALLO(string) (flow, error) {
	s.respond(202)
	return flowContinue, nil
}

func (s *session) handleSYST(string) (flow, error) {
	s.reply(215, s.server.systemType)
	return flowContinue, nil
}

func (s *session) handleNOOP(string) (flow, error) {
	s.respond(200)
	return flowContinue, nil
}

// handleOPTS handles OPTS UTF8 ON. Paths are always UTF-8, so it is the
// only option there is.
func (s *session) handleOPTS(arg string) (flow, error) {
	if strings.ToUpper(strings.Join(strings.Fields(arg), " ")) == "UTF8 ON" {
		s.reply(200, "Always in UTF8 mode.")
		return flowContinue, nil
	}
	if arg == "" {
		return flowContinue, errors.New("OPTS requires an option")
	}
	s.reply(501, "Option not understood.")
	return flowContinue, nil
}
