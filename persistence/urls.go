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

package persistence

import (
	"context"
	"net/url"
	"sort"
	"sync"

	"docsync.dev/internal/gcerr"
)

// StoreURLOpener opens a Store based on a URL.
// The opener must not modify the URL argument. It must be safe to call from
// multiple goroutines.
//
// This interface is generally implemented by types in engine packages.
type StoreURLOpener interface {
	OpenStoreURL(ctx context.Context, u *url.URL) (Store, error)
}

// URLMux is a URL opener multiplexer. It matches the scheme of the URLs against
// a set of registered schemes and calls the opener that matches the URL's
// scheme.
//
// The zero value is a multiplexer with no registered scheme.
type URLMux struct {
	mu      sync.RWMutex
	openers map[string]StoreURLOpener
}

// StoreSchemes returns the registered Store schemes, sorted.
func (mux *URLMux) StoreSchemes() []string {
	mux.mu.RLock()
	defer mux.mu.RUnlock()
	var schemes []string
	for s := range mux.openers {
		schemes = append(schemes, s)
	}
	sort.Strings(schemes)
	return schemes
}

// ValidStoreScheme returns true iff scheme has been registered for Stores.
func (mux *URLMux) ValidStoreScheme(scheme string) bool {
	mux.mu.RLock()
	defer mux.mu.RUnlock()
	_, ok := mux.openers[scheme]
	return ok
}

// RegisterStore registers the opener with the given scheme. If an opener
// already exists for the scheme, RegisterStore panics.
func (mux *URLMux) RegisterStore(scheme string, opener StoreURLOpener) {
	mux.mu.Lock()
	defer mux.mu.Unlock()
	if _, ok := mux.openers[scheme]; ok {
		panic(gcerr.Newf(gcerr.AlreadyExists, nil, "persistence: scheme %q already registered", scheme))
	}
	if mux.openers == nil {
		mux.openers = map[string]StoreURLOpener{}
	}
	mux.openers[scheme] = opener
}

// OpenStore calls OpenStoreURL with the URL parsed from urlstr.
// OpenStore is safe to call from multiple goroutines.
func (mux *URLMux) OpenStore(ctx context.Context, urlstr string) (Store, error) {
	u, err := url.Parse(urlstr)
	if err != nil {
		return nil, gcerr.Newf(gcerr.InvalidArgument, err, "persistence: open store")
	}
	return mux.OpenStoreURL(ctx, u)
}

// OpenStoreURL dispatches the URL to the opener that is registered with
// the URL's scheme. OpenStoreURL is safe to call from multiple goroutines.
func (mux *URLMux) OpenStoreURL(ctx context.Context, u *url.URL) (Store, error) {
	if u.Scheme == "" {
		return nil, gcerr.Newf(gcerr.InvalidArgument, nil, "persistence: no scheme in store URL %q", u)
	}
	mux.mu.RLock()
	opener, ok := mux.openers[u.Scheme]
	mux.mu.RUnlock()
	if !ok {
		return nil, gcerr.Newf(gcerr.InvalidArgument, nil, "persistence: no engine registered for %q in store URL %q", u.Scheme, u)
	}
	return opener.OpenStoreURL(ctx, u)
}

var defaultURLMux = new(URLMux)

// DefaultURLMux returns the URLMux used by OpenStore.
//
// Engine packages can use this to register their StoreURLOpener on the mux.
func DefaultURLMux() *URLMux {
	return defaultURLMux
}

// OpenStore opens the store identified by the URL given.
// See the URLOpener documentation in engine subpackages for details
// on supported URL formats.
func OpenStore(ctx context.Context, urlstr string) (Store, error) {
	return defaultURLMux.OpenStore(ctx, urlstr)
}
