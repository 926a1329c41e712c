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

// Package memkv provides an in-process in-memory implementation of
// persistence.Store. It is suitable for local development and testing, and
// for clients that only need their cache to outlive the process through a
// file image.
//
// Each collection is a B-tree. A transaction works on copy-on-write clones of
// the trees it touches and swaps them in when it commits, so a failed
// transaction leaves no trace. Transactions on one store run one at a time.
//
// # URLs
//
// For persistence.OpenStore, memkv registers for the schemes "mem" and
// "file". To customize the URL opener, or for more details on the URL
// format, see URLOpener.
package memkv // import "docsync.dev/persistence/memkv"

import (
	"context"
	"encoding/gob"
	"fmt"
	"io"
	"os"
	"sync"

	"docsync.dev/internal/gcerr"
	"docsync.dev/persistence"
	"github.com/google/btree"
	"github.com/klauspost/compress/zstd"
)

// Options are optional arguments to Open.
type Options struct {
	// The filename associated with this store.
	// When a store is opened with a non-empty filename, the store
	// is loaded from the file if it exists. Otherwise, an empty store is created.
	// When the store is closed, its contents are saved to the file.
	Filename string

	// Compress the file image with zstd.
	Compress bool

	// Call this function when the store is closed.
	// For internal use only.
	onClose func()
}

const btreeDegree = 32

type item struct {
	key   persistence.Key
	value []byte
}

func itemLess(a, b item) bool { return persistence.CompareKeys(a.key, b.key) < 0 }

type tree = btree.BTreeG[item]

func newTree() *tree { return btree.NewG(btreeDegree, itemLess) }

// Store is an in-memory persistence.Store.
type Store struct {
	opts Options

	// txMu serializes transactions.
	txMu sync.Mutex

	mu     sync.Mutex
	colls  map[string]*tree
	refs   int
	closed bool
}

var _ persistence.Dropper = (*Store)(nil)

// Open creates a Store backed by memory, loaded from opts.Filename if set.
func Open(opts *Options) (*Store, error) {
	if opts == nil {
		opts = &Options{}
	}
	colls, err := loadImage(opts.Filename, opts.Compress)
	if err != nil {
		return nil, err
	}
	return &Store{opts: *opts, colls: colls, refs: 1}, nil
}

// RunTransaction implements persistence.Store.RunTransaction.
func (s *Store) RunTransaction(ctx context.Context, mode persistence.Mode, fn func(persistence.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return gcerr.Newf(gcerr.FailedPrecondition, nil, "memkv: store is closed")
	}
	base := s.colls
	s.mu.Unlock()

	t := &txn{mode: mode, base: base, working: map[string]*collection{}}
	if err := fn(t); err != nil {
		return err
	}
	if mode == persistence.ReadOnly {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	next := make(map[string]*tree, len(base)+len(t.working))
	for name, tr := range base {
		next[name] = tr
	}
	for name, c := range t.working {
		if c.dirty {
			next[name] = c.t
		}
	}
	s.colls = next
	return nil
}

type txn struct {
	mode    persistence.Mode
	base    map[string]*tree
	working map[string]*collection
}

func (t *txn) Collection(name string) persistence.Collection {
	if c, ok := t.working[name]; ok {
		return c
	}
	c := &collection{name: name, txn: t}
	if tr, ok := t.base[name]; ok {
		c.t = tr.Clone()
	} else {
		c.t = newTree()
	}
	t.working[name] = c
	return c
}

type collection struct {
	name  string
	txn   *txn
	t     *tree
	dirty bool
}

func (c *collection) checkWritable() error {
	if c.txn.mode == persistence.ReadOnly {
		return gcerr.Newf(gcerr.FailedPrecondition, nil, "memkv: write to %q in a read-only transaction", c.name)
	}
	c.dirty = true
	return nil
}

func (c *collection) Get(key persistence.Key) ([]byte, error) {
	it, ok := c.t.Get(item{key: key})
	if !ok {
		return nil, nil
	}
	return it.value, nil
}

func (c *collection) Put(key persistence.Key, value []byte) error {
	if err := c.checkWritable(); err != nil {
		return err
	}
	if value == nil {
		value = []byte{}
	}
	c.t.ReplaceOrInsert(item{key: append(persistence.Key(nil), key...), value: value})
	return nil
}

func (c *collection) Delete(key persistence.Key) error {
	if err := c.checkWritable(); err != nil {
		return err
	}
	c.t.Delete(item{key: key})
	return nil
}

func (c *collection) DeleteRange(r persistence.KeyRange) error {
	if err := c.checkWritable(); err != nil {
		return err
	}
	var keys []persistence.Key
	err := c.Iterate(persistence.IterateOptions{Range: r}, func(k persistence.Key, _ []byte, _ *persistence.Control) error {
		keys = append(keys, k)
		return nil
	})
	if err != nil {
		return err
	}
	for _, k := range keys {
		c.t.Delete(item{key: k})
	}
	return nil
}

func (c *collection) Count(r persistence.KeyRange) (int, error) {
	n := 0
	err := c.Iterate(persistence.IterateOptions{Range: r}, func(persistence.Key, []byte, *persistence.Control) error {
		n++
		return nil
	})
	return n, err
}

// Iterate walks a snapshot of the collection, so writes made by fn do not
// disturb it.
func (c *collection) Iterate(opts persistence.IterateOptions, fn func(persistence.Key, []byte, *persistence.Control) error) error {
	snap := c.t.Clone()
	r := opts.Range
	var (
		from     persistence.Key
		fromOpen bool
	)
	if opts.Reverse {
		from, fromOpen = r.Upper, r.UpperOpen
	} else {
		from, fromOpen = r.Lower, r.LowerOpen
	}
	var ctl persistence.Control
	for {
		var (
			ferr    error
			restart bool
		)
		visit := func(it item) bool {
			if fromOpen && from != nil && persistence.CompareKeys(it.key, from) == 0 {
				return true
			}
			if pastEnd(r, it.key, opts.Reverse) {
				return false
			}
			if !r.Contains(it.key) {
				return true
			}
			if err := fn(it.key, it.value, &ctl); err != nil {
				ferr = err
				return false
			}
			if ctl.Stopped() {
				return false
			}
			if k := ctl.TakeSkip(); k != nil {
				d := persistence.CompareKeys(k, it.key)
				if (!opts.Reverse && d <= 0) || (opts.Reverse && d >= 0) {
					// Skipping backwards would revisit keys; just move on.
					return true
				}
				from, fromOpen, restart = k, false, true
				return false
			}
			return true
		}
		switch {
		case !opts.Reverse && from == nil:
			snap.Ascend(visit)
		case !opts.Reverse:
			snap.AscendGreaterOrEqual(item{key: from}, visit)
		case from == nil:
			snap.Descend(visit)
		default:
			snap.DescendLessOrEqual(item{key: from}, visit)
		}
		if ferr != nil || !restart {
			return ferr
		}
	}
}

// pastEnd reports whether k lies beyond the far end of r in iteration order.
func pastEnd(r persistence.KeyRange, k persistence.Key, reverse bool) bool {
	if reverse {
		if r.Lower == nil {
			return false
		}
		c := persistence.CompareKeys(k, r.Lower)
		return c < 0 || (c == 0 && r.LowerOpen)
	}
	if r.Upper == nil {
		return false
	}
	c := persistence.CompareKeys(k, r.Upper)
	return c > 0 || (c == 0 && r.UpperOpen)
}

// Drop implements persistence.Dropper. It deletes every collection and the
// file image, if any.
func (s *Store) Drop(ctx context.Context) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.colls = map[string]*tree{}
	if s.opts.Filename != "" {
		if err := os.Remove(s.opts.Filename); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// CollectionNames returns the names of the non-empty collections.
func (s *Store) CollectionNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var names []string
	for name, t := range s.colls {
		if t.Len() > 0 {
			names = append(names, name)
		}
	}
	return names
}

// Close implements persistence.Store.Close.
// A store opened several times through the same URL is closed when the last
// holder closes it. If the store was created with a Filename option, the last
// Close writes the store's contents to the file.
func (s *Store) Close() error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	s.mu.Lock()
	s.refs--
	if s.refs > 0 || s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	colls := s.colls
	s.mu.Unlock()
	if s.opts.onClose != nil {
		s.opts.onClose()
	}
	return saveImage(s.opts.Filename, s.opts.Compress, colls)
}

// keyPart is the gob form of one key component.
type keyPart struct {
	S        string
	I        int64
	IsString bool
}

type record struct {
	Key   []keyPart
	Value []byte
}

type image map[string][]record

// Read the collections from filename if it is not empty and the file exists.
// Otherwise return an empty (not nil) map.
func loadImage(filename string, compressed bool) (map[string]*tree, error) {
	colls := map[string]*tree{}
	if filename == "" {
		return colls, nil
	}
	f, err := os.Open(filename)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		// If the file doesn't exist, return an empty map without error.
		return colls, nil
	}
	defer f.Close()
	var r io.Reader = f
	if compressed {
		zr, err := zstd.NewReader(f)
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		r = zr
	}
	var img image
	if err := gob.NewDecoder(r).Decode(&img); err != nil {
		return nil, fmt.Errorf("failed to decode from %q: %v", filename, err)
	}
	for name, recs := range img {
		t := newTree()
		for _, rec := range recs {
			k := make(persistence.Key, len(rec.Key))
			for i, p := range rec.Key {
				if p.IsString {
					k[i] = p.S
				} else {
					k[i] = p.I
				}
			}
			t.ReplaceOrInsert(item{key: k, value: rec.Value})
		}
		colls[name] = t
	}
	return colls, nil
}

// saveImage saves colls to filename if filename is not empty.
func saveImage(filename string, compressed bool, colls map[string]*tree) error {
	if filename == "" {
		return nil
	}
	img := image{}
	for name, t := range colls {
		var recs []record
		t.Ascend(func(it item) bool {
			parts := make([]keyPart, len(it.key))
			for i, c := range it.key {
				switch c := c.(type) {
				case string:
					parts[i] = keyPart{S: c, IsString: true}
				case int64:
					parts[i] = keyPart{I: c}
				}
			}
			recs = append(recs, record{Key: parts, Value: it.value})
			return true
		})
		img[name] = recs
	}
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	var w io.Writer = f
	var zw *zstd.Encoder
	if compressed {
		if zw, err = zstd.NewWriter(f); err != nil {
			_ = f.Close()
			return err
		}
		w = zw
	}
	if err := gob.NewEncoder(w).Encode(img); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to encode to %q: %v", filename, err)
	}
	if zw != nil {
		if err := zw.Close(); err != nil {
			_ = f.Close()
			return err
		}
	}
	return f.Close()
}
