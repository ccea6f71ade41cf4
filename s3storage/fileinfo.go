package s3storage

import (
	"io/fs"
	"time"
)

// epoch is the modification time reported for directories, which S3
// does not track.
var epoch = time.Unix(0, 0).UTC()

type fileInfo struct {
	name    string
	size    int64
	modTime time.Time
	dir     bool
}

func dirInfo(name string, modTime time.Time) *fileInfo {
	return &fileInfo{name: name, modTime: modTime, dir: true}
}

func (fi *fileInfo) Name() string       { return fi.name }
func (fi *fileInfo) Size() int64        { return fi.size }
func (fi *fileInfo) ModTime() time.Time { return fi.modTime }
func (fi *fileInfo) IsDir() bool        { return fi.dir }
func (fi *fileInfo) Sys() any           { return nil }

func (fi *fileInfo) Mode() fs.FileMode {
	if fi.dir {
		return fs.ModeDir | 0o755
	}
	return 0o644
}
