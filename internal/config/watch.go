package config

import (
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/sendzone/sendzoned/internal/slog"
)

// Watcher re-parses a config file on write and hands the result to a
// callback, the SIGHUP-less reload path spec.md §4.9's "Configuration
// reload" names ("send SIGHUP to all workers; they reinitialize in
// place" — here, any successful write to the file plays that role).
type Watcher struct {
	fsw    *fsnotify.Watcher
	path   string
	onLoad func(*File, error)
	log    slog.Logger
	done   chan struct{}
}

// Watch starts watching path, invoking onLoad with a freshly parsed File
// each time the file is written. Debounces bursts of writes (editors often
// produce several events for one save) with a short settle delay.
func Watch(path string, log slog.Logger, onLoad func(*File, error)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(path); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{fsw: fsw, path: path, onLoad: onLoad, log: log, done: make(chan struct{})}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	var pending *time.Timer
	reload := func() {
		f, err := Load(w.path)
		if err != nil {
			w.log.Error("CONFIGRELOADERR", err, "path", w.path)
		} else {
			w.log.Msg("CONFIGRELOADED", "path", w.path)
		}
		w.onLoad(f, err)
	}

	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(200*time.Millisecond, reload)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Error("CONFIGWATCHERR", err)
		case <-w.done:
			return
		}
	}
}

// Close stops watching.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fsw.Close()
}
