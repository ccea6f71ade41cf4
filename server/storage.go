package server

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
)

// Storage is the backend that file commands operate on.
//
// Paths are absolute, slash-separated and already cleaned; they never
// contain "..". Implementations must be safe for concurrent use by many
// sessions.
//
// Error handling:
//   - Return an error wrapping fs.ErrNotExist when a path doesn't exist
//   - Return an error wrapping fs.ErrPermission for permission denied errors
//   - Return an error wrapping fs.ErrExist when a path already exists
//   - Return an error wrapping ErrIsDirectory when a file operation names a directory
//
// The server translates these to FTP reply codes.
type Storage interface {
	// ReadFile opens path for reading, positioned at offset.
	ReadFile(ctx context.Context, path string, offset int64) (io.ReadCloser, error)

	// WriteFile opens path for writing. An offset of zero truncates the
	// file; a positive offset resumes an earlier upload at that position.
	// The data is committed when the returned writer is closed.
	WriteFile(ctx context.Context, path string, offset int64) (io.WriteCloser, error)

	// ListDirectory returns the entries of a directory, sorted by name.
	ListDirectory(ctx context.Context, path string) ([]os.FileInfo, error)

	// Stat describes a file or directory.
	Stat(ctx context.Context, path string) (os.FileInfo, error)

	// MakeDir creates a directory.
	MakeDir(ctx context.Context, path string) error

	// Remove deletes a file or an empty directory.
	Remove(ctx context.Context, path string) error

	// Rename moves a file or directory.
	Rename(ctx context.Context, from, to string) error
}

// ErrIsDirectory is returned by Storage implementations when a file
// operation is applied to a directory.
var ErrIsDirectory = errors.New("is a directory")

// Authenticator validates credentials presented with USER and PASS.
//
// Authenticate returns nil to accept the login. It runs off the session's
// event loop, so it may block (for example on a password hash or a remote
// directory), but it should honor ctx.
type Authenticator interface {
	Authenticate(ctx context.Context, user, pass string) error
}

// AuthenticatorFunc adapts a function to the Authenticator interface.
type AuthenticatorFunc func(ctx context.Context, user, pass string) error

// Authenticate calls f(ctx, user, pass).
func (f AuthenticatorFunc) Authenticate(ctx context.Context, user, pass string) error {
	return f(ctx, user, pass)
}

// replyStorageError sends the reply matching a Storage error.
func (s *session) replyStorageError(op, path string, err error) {
	s.logger.Debug("storage_error", "op", op, "path", path, "error", err)

	switch {
	case errors.Is(err, fs.ErrNotExist):
		s.reply(550, "No such file or directory.")
	case errors.Is(err, fs.ErrPermission):
		s.reply(550, "Permission denied.")
	case errors.Is(err, fs.ErrExist):
		s.reply(550, "File exists.")
	case errors.Is(err, ErrIsDirectory):
		s.reply(550, "Not a plain file.")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		s.reply(451, "Requested action aborted: local error in processing.")
	default:
		s.logger.Warn("storage_failed", "op", op, "path", path, "error", err)
		s.reply(550, "Requested action not taken.")
	}
}
