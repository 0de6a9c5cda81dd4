// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/gogpu/cortex"
	"github.com/gogpu/cortex/internal/logging"
)

// reloadDelay coalesces the burst of events an editor save produces.
const reloadDelay = 100 * time.Millisecond

// configWatcher reloads the configuration file when it changes.
type configWatcher struct {
	path  string
	load  func() (cortex.Config, error)
	watch *fsnotify.Watcher
}

// newConfigWatcher starts watching the directory holding path. Editors
// often replace the file on save, which a watch on the file itself would
// lose.
func newConfigWatcher(path string, load func() (cortex.Config, error)) (*configWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch config: %w", err)
	}
	path = filepath.Clean(path)
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch config: %w", err)
	}
	return &configWatcher{path: path, load: load, watch: w}, nil
}

// run delivers each successfully reloaded configuration on out until ctx
// is done. A configuration the consumer has not picked up yet is replaced
// by the newer one. Invalid files are logged and ignored.
func (cw *configWatcher) run(ctx context.Context, out chan cortex.Config) error {
	defer cw.watch.Close()
	log := logging.Component("demo")

	timer := time.NewTimer(reloadDelay)
	timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-cw.watch.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != cw.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(reloadDelay)
		case err, ok := <-cw.watch.Errors:
			if !ok {
				return nil
			}
			log.Warn("config watcher", "err", err)
		case <-timer.C:
			cfg, err := cw.load()
			if err != nil {
				log.Warn("config reload failed", "path", cw.path, "err", err)
				continue
			}
			select {
			case <-out:
			default:
			}
			out <- cfg
			log.Debug("config changed", "path", cw.path)
		}
	}
}
