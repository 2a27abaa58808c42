package config

import (
	"fmt"
	"log"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the config file on change and hands valid versions to a
// callback. Invalid edits are logged and skipped; the previous config stays
// in effect.
type Watcher struct {
	watcher *fsnotify.Watcher
	path    string
	closed  chan struct{}
}

// Watch starts watching path. onChange runs for every successfully loaded
// revision. The parent directory is watched, not the file, so editors that
// replace the file (rename-over) keep triggering.
func Watch(path string, onChange func(Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create config watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	w := &Watcher{watcher: fw, path: path, closed: make(chan struct{})}
	go w.loop(onChange)
	return w, nil
}

// Close stops the watcher.
func (w *Watcher) Close() {
	select {
	case <-w.closed:
		return
	default:
		close(w.closed)
	}
	w.watcher.Close()
}

func (w *Watcher) loop(onChange func(Config)) {
	base := filepath.Base(w.path)
	for {
		select {
		case <-w.closed:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			cfg, err := Load(w.path)
			if err != nil {
				if !strings.Contains(err.Error(), "no such file") {
					log.Printf("CONFIG: reload skipped: %v", err)
				}
				continue
			}
			log.Printf("CONFIG: reloaded %s", w.path)
			onChange(cfg)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("CONFIG: watcher error: %v", err)
		}
	}
}
