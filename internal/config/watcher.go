// Copyright Checkmark Software, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package config

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"
)

// FileWatcher reloads a config file when it changes on disk and delivers
// each valid reload on Updates. Invalid rewrites are logged and skipped; the
// last good configuration stays in effect.
//
// The watch is on the file's directory, not the file itself, so editors that
// replace the file via rename are still observed.
type FileWatcher struct {
	path    string
	watcher *fsnotify.Watcher
	logger  logr.Logger
	updates chan Config
	done    chan struct{}
	wg      sync.WaitGroup

	mu      sync.RWMutex
	current Config
}

// NewFileWatcher loads the file once and begins watching it for changes.
func NewFileWatcher(path string, logger logr.Logger) (*FileWatcher, error) {
	watcherLogger := logger.WithName("config-watcher")

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create filesystem watcher: %w", err)
	}

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		if cerr := watcher.Close(); cerr != nil {
			watcherLogger.Error(cerr, "failed to close fs watcher")
		}
		return nil, fmt.Errorf("failed to watch config directory: %w", err)
	}

	fw := &FileWatcher{
		path:    path,
		watcher: watcher,
		logger:  watcherLogger,
		updates: make(chan Config, 1),
		done:    make(chan struct{}),
		current: cfg,
	}

	fw.wg.Add(1)
	go fw.processEvents()

	return fw, nil
}

// Current returns the most recently loaded valid configuration.
func (fw *FileWatcher) Current() Config {
	fw.mu.RLock()
	defer fw.mu.RUnlock()
	return fw.current
}

// Updates delivers each valid reload. The channel has a one-slot buffer;
// when nobody is reading, only the latest reload is kept.
func (fw *FileWatcher) Updates() <-chan Config {
	return fw.updates
}

// Close stops watching. The Updates channel is closed afterwards.
func (fw *FileWatcher) Close() error {
	close(fw.done)
	fw.wg.Wait()
	close(fw.updates)
	return fw.watcher.Close()
}

func (fw *FileWatcher) processEvents() {
	defer fw.wg.Done()
	for {
		select {
		case <-fw.done:
			return
		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			fw.handleEvent(event)
		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			fw.logger.Error(err, "filesystem watcher error")
		}
	}
}

func (fw *FileWatcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != filepath.Clean(fw.path) {
		return
	}
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return
	}

	fw.logger.V(1).Info("received file event", "file", event.Name, "op", event.Op)

	cfg, err := Load(fw.path)
	if err != nil {
		fw.logger.Error(err, "failed to reload config, keeping previous", "path", fw.path)
		return
	}

	fw.mu.Lock()
	fw.current = cfg
	fw.mu.Unlock()

	// Drop the stale pending update, if any, then queue the new one.
	select {
	case <-fw.updates:
	default:
	}
	select {
	case fw.updates <- cfg:
	case <-fw.done:
	}
}
