// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package policy

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/DataDog/secagent/pkg/util/log"
)

// Watcher reloads the store when the policies file changes on disk. Reload
// failures keep the previous policy set.
type Watcher struct {
	path    string
	store   *Store
	watcher *fsnotify.Watcher
}

// NewWatcher builds a watcher for the policies file at path.
func NewWatcher(path string, store *Store) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	// Watch the directory: editors and config management tools typically
	// replace the file, which would invalidate a file watch.
	if err := fsWatcher.Add(filepath.Dir(path)); err != nil {
		fsWatcher.Close()
		return nil, err
	}

	return &Watcher{
		path:    path,
		store:   store,
		watcher: fsWatcher,
	}, nil
}

// Run processes file events until the context is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	defer w.watcher.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			log.Infof("policies file `%s` changed, reloading", w.path)
			defs, err := LoadDefsFile(w.path)
			if err != nil {
				log.Errorf("unable to reload policies: %v", err)
				continue
			}
			if err := w.store.Load(defs); err != nil {
				log.Errorf("unable to reload policies: %v", err)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warnf("policies watcher error: %v", err)
		}
	}
}
