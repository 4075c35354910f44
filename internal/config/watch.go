package config

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the file at path whenever its mtime moves forward and calls
// fn with every loaded revision. Load errors are passed to fn with a nil
// config so the caller can keep serving the previous one.
//
// Changes are picked up from filesystem notifications on the parent
// directory, which survive editors that replace the file by rename, and
// from polling every interval where notifications are not available.
func Watch(ctx context.Context, path string, interval time.Duration, fn func(*Config, error)) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	var last time.Time
	if st, err := os.Stat(path); err == nil {
		last = st.ModTime()
	}
	check := func() {
		st, err := os.Stat(path)
		if err != nil {
			fn(nil, err)
			return
		}
		if !st.ModTime().After(last) {
			return
		}
		last = st.ModTime()
		fn(Load(path))
	}

	var (
		events <-chan fsnotify.Event
		errs   <-chan error
	)
	if w, err := fsnotify.NewWatcher(); err == nil {
		defer w.Close()
		if err := w.Add(filepath.Dir(path)); err == nil {
			events, errs = w.Events, w.Errors
		}
	}
	name := filepath.Clean(path)

	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			check()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(ev.Name) == name && (ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create)) {
				check()
			}
		case _, ok := <-errs:
			if !ok {
				errs = nil
			}
		}
	}
}
