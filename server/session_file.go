package server

import (
	"errors"
	"fmt"
	"path"
	"strings"
)

// joinPath resolves arg against cwd. Absolute arguments replace cwd; ".."
// never climbs above the root.
func joinPath(cwd, arg string) string {
	if arg == "" {
		return cwd
	}
	if strings.HasPrefix(arg, "/") {
		return path.Clean(arg)
	}
	return path.Join("/", cwd, arg)
}

// quotePath quotes a path for a 257 reply (RFC 959 appendix II).
func quotePath(p string) string {
	return `"` + strings.ReplaceAll(p, `"`, `""`) + `"`
}

func (s *session) handlePWD(string) (flow, error) {
	s.reply(257, quotePath(s.cwd)+" is the current directory.")
	return flowContinue, nil
}

func (s *session) handleCWD(arg string) (flow, error) {
	p := s.resolvePath(arg)

	info, err := s.server.storage.Stat(s.ctx, p)
	if err != nil {
		s.replyStorageError("CWD", p, err)
		return flowContinue, nil
	}
	if !info.IsDir() {
		s.reply(550, "Not a directory.")
		return flowContinue, nil
	}

	s.cwd = p
	s.reply(250, "Directory successfully changed.")
	return flowContinue, nil
}

func (s *session) handleCDUP(string) (flow, error) {
	return s.handleCWD("..")
}

func (s *session) handleMKD(arg string) (flow, error) {
	if arg == "" {
		return flowContinue, errors.New("MKD requires a directory name")
	}
	p := s.resolvePath(arg)
	if err := s.server.storage.MakeDir(s.ctx, p); err != nil {
		s.replyStorageError("MKD", p, err)
		return flowContinue, nil
	}
	// Security audit: directory created
	s.logger.Info("directory_created", "user", s.user, "path", p)
	s.reply(257, quotePath(p)+" created.")
	return flowContinue, nil
}

func (s *session) handleRMD(arg string) (flow, error) {
	if arg == "" {
		return flowContinue, errors.New("RMD requires a directory name")
	}
	p := s.resolvePath(arg)

	info, err := s.server.storage.Stat(s.ctx, p)
	if err != nil {
		s.replyStorageError("RMD", p, err)
		return flowContinue, nil
	}
	if !info.IsDir() {
		s.reply(550, "Not a directory.")
		return flowContinue, nil
	}
	if err := s.server.storage.Remove(s.ctx, p); err != nil {
		s.replyStorageError("RMD", p, err)
		return flowContinue, nil
	}
	// Security audit: directory removed
	s.logger.Info("directory_removed", "user", s.user, "path", p)
	s.reply(250, "Directory removed.")
	return flowContinue, nil
}

func (s *session) handleDELE(arg string) (flow, error) {
	if arg == "" {
		return flowContinue, errors.New("DELE requires a file name")
	}
	p := s.resolvePath(arg)

	info, err := s.server.storage.Stat(s.ctx, p)
	if err != nil {
		s.replyStorageError("DELE", p, err)
		return flowContinue, nil
	}
	if info.IsDir() {
		s.reply(550, "Not a plain file.")
		return flowContinue, nil
	}
	if err := s.server.storage.Remove(s.ctx, p); err != nil {
		s.replyStorageError("DELE", p, err)
		return flowContinue, nil
	}
	// Security audit: file deleted
	s.logger.Info("file_deleted", "user", s.user, "path", p)
	s.reply(250, "File deleted.")
	return flowContinue, nil
}

func (s *session) handleRNFR(arg string) (flow, error) {
	if arg == "" {
		return flowContinue, errors.New("RNFR requires a path")
	}
	p := s.resolvePath(arg)
	if _, err := s.server.storage.Stat(s.ctx, p); err != nil {
		s.replyStorageError("RNFR", p, err)
		return flowContinue, nil
	}

	s.renameFrom = p
	s.respond(350)
	return flowContinue, nil
}

func (s *session) handleRNTO(arg string) (flow, error) {
	from := s.renameFrom
	s.renameFrom = ""
	if from == "" {
		s.reply(503, "Bad sequence of commands. Send RNFR first.")
		return flowContinue, nil
	}
	if arg == "" {
		return flowContinue, errors.New("RNTO requires a path")
	}

	to := s.resolvePath(arg)
	if err := s.server.storage.Rename(s.ctx, from, to); err != nil {
		s.replyStorageError("RNTO", to, err)
		return flowContinue, nil
	}
	s.logger.Info("file_renamed", "user", s.user, "from", from, "to", to)
	s.reply(250, "Requested file action successful, file renamed.")
	return flowContinue, nil
}

func (s *session) handleSIZE(arg string) (flow, error) {
	p := s.resolvePath(arg)
	info, err := s.server.storage.Stat(s.ctx, p)
	if err != nil || info.IsDir() {
		s.reply(550, "Could not get file size.")
		return flowContinue, nil
	}
	s.reply(213, fmt.Sprintf("%d", info.Size()))
	return flowContinue, nil
}
