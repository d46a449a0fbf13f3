// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/Loongel/docker-ipv6firewall/internal/logging"
)

// Watcher is the config-watch worker: it polls the config file's mtime
// every 5 seconds and uses fsnotify on the containing directory as a
// fast-path supplementary signal, re-stating before declaring a reload
// either way. A reload never races the Reconciler: the caller only
// reads from ReloadCh between reconcile cycles.
type Watcher struct {
	path string
	log  *logging.Logger

	stopCh  chan struct{}
	wg      sync.WaitGroup
	ReloadCh chan struct{}

	lastModMu sync.Mutex
	lastMod   time.Time
}

// NewWatcher builds a Watcher for path. Call Start to begin polling.
func NewWatcher(path string, log *logging.Logger) *Watcher {
	return &Watcher{
		path:     path,
		log:      log.With("component", "config.watcher"),
		stopCh:   make(chan struct{}),
		ReloadCh: make(chan struct{}, 1),
	}
}

// Start begins the poll and fsnotify loops. Safe to call once.
func (w *Watcher) Start() {
	if mod, err := statModTime(w.path); err == nil {
		w.lastModMu.Lock()
		w.lastMod = mod
		w.lastModMu.Unlock()
	}

	w.wg.Add(1)
	go w.pollLoop()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.log.Warn("fsnotify unavailable, falling back to poll-only", "error", err)
		return
	}
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		w.log.Warn("fsnotify watch add failed, falling back to poll-only", "error", err)
		watcher.Close()
		return
	}

	w.wg.Add(1)
	go w.fsnotifyLoop(watcher)
}

// Stop halts both loops and waits, bounded by the caller's own timeout
// expectations (spec.md's ≤5s worker-join budget).
func (w *Watcher) Stop() {
	close(w.stopCh)
	w.wg.Wait()
}

func (w *Watcher) pollLoop() {
	defer w.wg.Done()
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.checkForChange()
		case <-w.stopCh:
			return
		}
	}
}

func (w *Watcher) fsnotifyLoop(watcher *fsnotify.Watcher) {
	defer w.wg.Done()
	defer watcher.Close()
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) == filepath.Clean(w.path) {
				w.checkForChange()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("fsnotify error", "error", err)
		case <-w.stopCh:
			return
		}
	}
}

func (w *Watcher) checkForChange() {
	mod, err := statModTime(w.path)
	if err != nil {
		w.log.Warn("stat config file failed", "error", err)
		return
	}

	w.lastModMu.Lock()
	changed := !mod.Equal(w.lastMod)
	w.lastMod = mod
	w.lastModMu.Unlock()

	if !changed {
		return
	}
	w.log.Info("config file changed, signaling reload", "path", w.path)
	select {
	case w.ReloadCh <- struct{}{}:
	default:
	}
}

func statModTime(path string) (time.Time, error) {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}
