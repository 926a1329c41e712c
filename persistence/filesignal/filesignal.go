// Copyright 2019 The Go Cloud Development Kit Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package filesignal provides a persistence.SignalStore kept in a directory,
// one file per key. Writes are synchronous and atomic, so a value set while a
// process is exiting is visible to every other process that opens the same
// directory. Changes can be watched with fsnotify.
package filesignal // import "docsync.dev/persistence/filesignal"

import (
	"context"
	"net/url"
	"os"
	"path/filepath"

	"docsync.dev/internal/gcerr"
	"docsync.dev/persistence"
	"github.com/fsnotify/fsnotify"
)

// Store is a file-backed SignalStore. It is safe for concurrent use.
type Store struct {
	dir string
}

var _ persistence.SignalStore = (*Store)(nil)
var _ persistence.Watcher = (*Store)(nil)

// Open returns a Store in dir, creating the directory if needed.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, gcerr.Newf(gcerr.Unknown, err, "filesignal: creating %s", dir)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(key string) string {
	// Keys become file names; escape anything that is not a plain name.
	return filepath.Join(s.dir, url.PathEscape(key))
}

// Get returns the value of key and whether it is set.
func (s *Store) Get(key string) (string, bool, error) {
	b, err := os.ReadFile(s.path(key))
	if os.IsNotExist(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return string(b), true, nil
}

// Set sets key to value. The value is written to a temporary file that is
// then renamed over the key's file.
func (s *Store) Set(key, value string) error {
	f, err := os.CreateTemp(s.dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if _, err := f.WriteString(value); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, s.path(key))
}

// Delete unsets key.
func (s *Store) Delete(key string) error {
	err := os.Remove(s.path(key))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// Watch implements persistence.Watcher. The channel receives a value after
// the key's file is created, written, renamed or removed.
func (s *Store) Watch(ctx context.Context, key string) (<-chan struct{}, error) {
	// Construct the fsnotify.Watcher before starting the goroutine so errors
	// are returned to the caller.
	notifier, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory: the key's file may not exist yet, and Set
	// replaces it by rename.
	if err := notifier.Add(s.dir); err != nil {
		_ = notifier.Close()
		return nil, err
	}
	name := s.path(key)
	ch := make(chan struct{}, 1)
	go func() {
		defer close(ch)
		defer notifier.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-notifier.Events:
				if !ok {
					return
				}
				if event.Name != name {
					continue
				}
				// Ignore if not one of the following operations.
				if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				select {
				case ch <- struct{}{}:
				default:
				}
			case _, ok := <-notifier.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return ch, nil
}
