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

package memkv

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"docsync.dev/persistence"
)

func init() {
	o := &URLOpener{}
	persistence.DefaultURLMux().RegisterStore(Scheme, o)
	persistence.DefaultURLMux().RegisterStore(FileScheme, o)
}

// Scheme is the URL scheme memkv registers its URLOpener under on
// persistence.DefaultURLMux for purely in-memory stores.
const Scheme = "mem"

// FileScheme is the URL scheme for stores with a file image.
const FileScheme = "file"

// URLOpener opens URLs like "mem://name" and "file:///path/to/db.img".
//
// All mem URLs with the same host open the same store within one process, as
// do all file URLs with the same path. The store is dropped from memory when
// every opener has closed it.
//
// File URLs support the query parameter "compress"; "compress=zstd"
// compresses the image. No other query parameters are supported.
type URLOpener struct{}

var registry = struct {
	mu     sync.Mutex
	stores map[string]*Store
}{stores: map[string]*Store{}}

// OpenStoreURL opens a persistence.Store based on u.
func (*URLOpener) OpenStoreURL(ctx context.Context, u *url.URL) (persistence.Store, error) {
	opts := &Options{}
	var name string
	switch u.Scheme {
	case Scheme:
		for param := range u.Query() {
			return nil, fmt.Errorf("open store %v: invalid query parameter %q", u, param)
		}
		if u.Host == "" {
			return nil, fmt.Errorf("open store %v: missing store name", u)
		}
		name = Scheme + ":" + u.Host
	case FileScheme:
		for param, vals := range u.Query() {
			if param != "compress" {
				return nil, fmt.Errorf("open store %v: invalid query parameter %q", u, param)
			}
			if len(vals) != 1 || vals[0] != "zstd" {
				return nil, fmt.Errorf("open store %v: unsupported compression %q", u, vals)
			}
			opts.Compress = true
		}
		if u.Path == "" {
			return nil, fmt.Errorf("open store %v: missing file path", u)
		}
		opts.Filename = u.Path
		name = FileScheme + ":" + u.Path
	default:
		return nil, fmt.Errorf("open store %v: unsupported scheme %q", u, u.Scheme)
	}
	return openShared(name, opts)
}

func openShared(name string, opts *Options) (*Store, error) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	if s, ok := registry.stores[name]; ok {
		if s.opts.Compress != opts.Compress {
			return nil, fmt.Errorf("open store %s: already open with compress=%t", name, s.opts.Compress)
		}
		s.mu.Lock()
		closed := s.closed
		if !closed {
			s.refs++
		}
		s.mu.Unlock()
		if !closed {
			return s, nil
		}
	}
	s, err := Open(opts)
	if err != nil {
		return nil, err
	}
	s.opts.onClose = func() {
		registry.mu.Lock()
		defer registry.mu.Unlock()
		if registry.stores[name] == s {
			delete(registry.stores, name)
		}
	}
	registry.stores[name] = s
	return s, nil
}
