package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// AferoStorage implements Storage on top of an afero filesystem.
//
// NewOSStorage jails it to a directory on disk with afero.BasePathFs, which
// rejects any path that would resolve outside the root, and refuses to
// traverse symbolic links. NewMemoryStorage keeps everything in memory and
// is what the tests use.
type AferoStorage struct {
	fs         afero.Fs
	noSymlinks bool
}

// NewAferoStorage wraps an arbitrary afero filesystem.
func NewAferoStorage(fsys afero.Fs) *AferoStorage {
	return &AferoStorage{fs: fsys}
}

// NewOSStorage serves the directory at root.
// Returns an error if root does not exist or is not a directory.
//
// Example:
//
//	storage, err := server.NewOSStorage("/srv/ftp")
//	if err != nil {
//	    log.Fatal(err)
//	}
func NewOSStorage(root string) (*AferoStorage, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("root path validation failed: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root path is not a directory: %s", root)
	}

	// Canonicalize so BasePathFs prefix checks compare like with like.
	root, err = filepath.EvalSymlinks(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve root path: %w", err)
	}

	return &AferoStorage{
		fs:         afero.NewBasePathFs(afero.NewOsFs(), root),
		noSymlinks: true,
	}, nil
}

// NewMemoryStorage returns an empty in-memory storage.
func NewMemoryStorage() *AferoStorage {
	return NewAferoStorage(afero.NewMemMapFs())
}

// ReadOnly returns a view of the storage that refuses every write with a
// permission error.
func (a *AferoStorage) ReadOnly() *AferoStorage {
	return &AferoStorage{fs: afero.NewReadOnlyFs(a.fs), noSymlinks: a.noSymlinks}
}

// Fs returns the underlying filesystem.
func (a *AferoStorage) Fs() afero.Fs {
	return a.fs
}

// confine refuses paths that pass through a symbolic link: the root prefix
// only constrains names, the OS would still follow a link out of it.
func (a *AferoStorage) confine(name string) error {
	if !a.noSymlinks {
		return nil
	}
	lst, ok := a.fs.(afero.Lstater)
	if !ok {
		return nil
	}

	p := "/"
	for _, part := range strings.Split(strings.Trim(name, "/"), "/") {
		if part == "" {
			continue
		}
		p = path.Join(p, part)
		info, lstatCalled, err := lst.LstatIfPossible(p)
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		if lstatCalled && info.Mode()&os.ModeSymlink != 0 {
			return fmt.Errorf("%s: symbolic link: %w", name, os.ErrPermission)
		}
	}
	return nil
}

// ReadFile opens a file for reading, positioned at offset.
func (a *AferoStorage) ReadFile(_ context.Context, path string, offset int64) (io.ReadCloser, error) {
	if err := a.confine(path); err != nil {
		return nil, err
	}
	f, err := a.fs.Open(path)
	if err != nil {
		return nil, err
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.IsDir() {
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, ErrIsDirectory)
	}

	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			return nil, err
		}
	}
	return f, nil
}

// WriteFile opens a file for writing at offset, truncating it there.
func (a *AferoStorage) WriteFile(_ context.Context, path string, offset int64) (io.WriteCloser, error) {
	if err := a.confine(path); err != nil {
		return nil, err
	}
	if info, err := a.fs.Stat(path); err == nil && info.IsDir() {
		return nil, fmt.Errorf("%s: %w", path, ErrIsDirectory)
	}

	flag := os.O_WRONLY | os.O_CREATE
	if offset == 0 {
		flag |= os.O_TRUNC
	}
	f, err := a.fs.OpenFile(path, flag, 0o644)
	if err != nil {
		return nil, err
	}

	if offset > 0 {
		if err := f.Truncate(offset); err != nil {
			f.Close()
			return nil, err
		}
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			return nil, err
		}
	}
	return f, nil
}

// ListDirectory returns the entries of a directory sorted by name.
func (a *AferoStorage) ListDirectory(_ context.Context, path string) ([]os.FileInfo, error) {
	if err := a.confine(path); err != nil {
		return nil, err
	}
	info, err := a.fs.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s: not a directory: %w", path, os.ErrInvalid)
	}
	return afero.ReadDir(a.fs, path)
}

// Stat returns file info for a path.
func (a *AferoStorage) Stat(_ context.Context, path string) (os.FileInfo, error) {
	if err := a.confine(path); err != nil {
		return nil, err
	}
	return a.fs.Stat(path)
}

// MakeDir creates a new directory with 0755 permissions.
func (a *AferoStorage) MakeDir(_ context.Context, path string) error {
	if err := a.confine(path); err != nil {
		return err
	}
	if _, err := a.fs.Stat(path); err == nil {
		return fmt.Errorf("%s: %w", path, os.ErrExist)
	}
	return a.fs.Mkdir(path, 0o755)
}

// Remove deletes a file or an empty directory.
func (a *AferoStorage) Remove(_ context.Context, path string) error {
	if path == "/" {
		return fmt.Errorf("cannot remove root: %w", os.ErrPermission)
	}
	if err := a.confine(path); err != nil {
		return err
	}
	if info, err := a.fs.Stat(path); err == nil && info.IsDir() {
		empty, err := afero.IsEmpty(a.fs, path)
		if err != nil {
			return err
		}
		if !empty {
			return fmt.Errorf("%s: directory not empty", path)
		}
	}
	return a.fs.Remove(path)
}

// Rename moves a file or directory.
func (a *AferoStorage) Rename(_ context.Context, from, to string) error {
	if from == "/" || to == "/" {
		return fmt.Errorf("cannot rename root: %w", os.ErrPermission)
	}
	if err := a.confine(from); err != nil {
		return err
	}
	if err := a.confine(to); err != nil {
		return err
	}
	return a.fs.Rename(from, to)
}
