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

// Package persistence defines the durable store a client keeps its cache and
// write queue in, and the owner lease that lets only one client at a time run
// transactions against a store shared by several clients.
//
// A Store is a set of named collections of ordered compound keys with atomic
// transactions spanning collections. Engines live in subpackages and are
// opened by URL through OpenStore:
//
//	mem://name                         in-memory, shared by name within a process
//	file:///path/db.img?compress=zstd  in-memory, loaded from and saved to a file
package persistence // import "docsync.dev/persistence"

import (
	"context"
	"fmt"
	"strings"

	"docsync.dev/internal/gcerr"
)

// A Key is an ordered compound key. Its components are int64 or string
// values. Keys compare component by component: integers sort before strings,
// and a key sorts before every longer key it is a prefix of.
type Key []interface{}

type keyMax struct{}

// NewKey returns a key of parts. int values are converted to int64; any other
// type than int, int64 or string panics.
func NewKey(parts ...interface{}) Key {
	k := make(Key, len(parts))
	for i, p := range parts {
		switch p := p.(type) {
		case int:
			k[i] = int64(p)
		case int64, string:
			k[i] = p
		default:
			gcerr.Fail("invalid key component %v of type %T", p, p)
		}
	}
	return k
}

// Int returns component i as an int64. It panics if the component is not an
// integer.
func (k Key) Int(i int) int64 {
	v, ok := k[i].(int64)
	if !ok {
		gcerr.Fail("key %v: component %d is not an integer", k, i)
	}
	return v
}

// Str returns component i as a string. It panics if the component is not a
// string.
func (k Key) Str(i int) string {
	v, ok := k[i].(string)
	if !ok {
		gcerr.Fail("key %v: component %d is not a string", k, i)
	}
	return v
}

// HasPrefix reports whether the first components of k are prefix.
func (k Key) HasPrefix(prefix Key) bool {
	if len(prefix) > len(k) {
		return false
	}
	return CompareKeys(k[:len(prefix)], prefix) == 0
}

func (k Key) String() string {
	parts := make([]string, len(k))
	for i, c := range k {
		switch c := c.(type) {
		case string:
			parts[i] = fmt.Sprintf("%q", c)
		case keyMax:
			parts[i] = "MAX"
		default:
			parts[i] = fmt.Sprint(c)
		}
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// CompareKeys returns -1, 0 or 1 depending on whether a sorts before, equal
// to, or after b.
func CompareKeys(a, b Key) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if c := compareComponents(a[i], b[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

func componentRank(c interface{}) int {
	switch c.(type) {
	case int64:
		return 0
	case string:
		return 1
	case keyMax:
		return 2
	}
	gcerr.Fail("invalid key component %v of type %T", c, c)
	return 0
}

func compareComponents(a, b interface{}) int {
	ra, rb := componentRank(a), componentRank(b)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	switch a := a.(type) {
	case int64:
		b := b.(int64)
		switch {
		case a < b:
			return -1
		case a > b:
			return 1
		}
		return 0
	case string:
		return strings.Compare(a, b.(string))
	}
	return 0
}

// A KeyRange is an interval of keys. A nil bound is unbounded on that side.
type KeyRange struct {
	Lower, Upper         Key
	LowerOpen, UpperOpen bool
}

// PrefixRange returns the range of all keys that start with prefix.
func PrefixRange(prefix Key) KeyRange {
	upper := make(Key, len(prefix), len(prefix)+1)
	copy(upper, prefix)
	return KeyRange{Lower: prefix, Upper: append(upper, keyMax{}), UpperOpen: true}
}

// Only returns the range holding just k.
func Only(k Key) KeyRange { return KeyRange{Lower: k, Upper: k} }

// Contains reports whether k is in r.
func (r KeyRange) Contains(k Key) bool {
	if r.Lower != nil {
		c := CompareKeys(k, r.Lower)
		if c < 0 || (c == 0 && r.LowerOpen) {
			return false
		}
	}
	if r.Upper != nil {
		c := CompareKeys(k, r.Upper)
		if c > 0 || (c == 0 && r.UpperOpen) {
			return false
		}
	}
	return true
}

// Mode is the access mode of a transaction.
type Mode int

const (
	// ReadOnly transactions may not write.
	ReadOnly Mode = iota
	// ReadWrite transactions may read and write.
	ReadWrite
)

func (m Mode) String() string {
	if m == ReadOnly {
		return "readonly"
	}
	return "readwrite"
}

// A Store is a transactional engine of named collections.
type Store interface {
	// RunTransaction runs fn in a transaction. If fn returns nil, the
	// transaction's writes are committed atomically. Otherwise none of them
	// are, and RunTransaction returns fn's error.
	RunTransaction(ctx context.Context, mode Mode, fn func(Txn) error) error
	// Close releases the store. It must not be called while a transaction
	// is running.
	Close() error
}

// A Dropper is a Store that can delete all of its data.
type Dropper interface {
	Drop(ctx context.Context) error
}

// A Txn is a running transaction.
type Txn interface {
	// Collection returns the collection with the given name, creating it on
	// first write.
	Collection(name string) Collection
}

// A Collection is an ordered map from keys to values inside one transaction.
type Collection interface {
	// Get returns the value stored under key, or nil if there is none.
	Get(key Key) ([]byte, error)
	// Put stores value under key.
	Put(key Key, value []byte) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(key Key) error
	// DeleteRange removes every key in r.
	DeleteRange(r KeyRange) error
	// Count returns the number of keys in r.
	Count(r KeyRange) (int, error)
	// Iterate calls fn for every key in opts.Range in key order, or in
	// reverse order if opts.Reverse is set, until fn returns an error or
	// calls Control.Done. Writes to the collection from fn are not visible
	// to the running iteration.
	Iterate(opts IterateOptions, fn func(key Key, value []byte, c *Control) error) error
}

// IterateOptions select the keys of an iteration.
type IterateOptions struct {
	Range   KeyRange
	Reverse bool
}

// Control steers a running iteration.
type Control struct {
	done   bool
	skipTo Key
}

// Done stops the iteration after the current callback returns.
func (c *Control) Done() { c.done = true }

// SkipTo continues the iteration at the first key at or after k in
// iteration order: the smallest key >= k going forward, the largest key <= k
// in reverse.
func (c *Control) SkipTo(k Key) { c.skipTo = k }

// Stopped reports whether Done was called. It is for engines.
func (c *Control) Stopped() bool { return c.done }

// TakeSkip returns and clears the key set by SkipTo. It is for engines.
func (c *Control) TakeSkip() Key {
	k := c.skipTo
	c.skipTo = nil
	return k
}

// A SignalStore is a small synchronous string store that lives outside of
// transactions. It is written while a client is going away abruptly, when a
// transaction could no longer complete.
type SignalStore interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
	Delete(key string) error
}

// A Watcher is a SignalStore that can report changes. The returned channel
// receives a value after any change to key and is closed when ctx is done.
type Watcher interface {
	Watch(ctx context.Context, key string) (<-chan struct{}, error)
}
