package config

import (
	"errors"

	"github.com/fsnotify/fsnotify"
)

// Watch calls fn each time the config file is written or replaced, with
// the freshly decoded configuration or the error that prevented decoding.
// fn runs on the watcher goroutine. Load must have succeeded first.
func (l *Loader) Watch(fn func(*Config, error)) error {
	if l.path == "" {
		return errors.New("no config file to watch")
	}
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		fn(l.decode())
	})
	l.v.WatchConfig()
	return nil
}
