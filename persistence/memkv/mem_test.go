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
	"path/filepath"
	"testing"

	"docsync.dev/persistence"
	"docsync.dev/persistence/kvtest"
)

type harness struct{}

func (h *harness) MakeStore(context.Context) (persistence.Store, error) {
	return Open(nil)
}

func (h *harness) Close() {}

func newHarness(context.Context, *testing.T) (kvtest.Harness, error) {
	return &harness{}, nil
}

func TestConformance(t *testing.T) {
	kvtest.RunConformanceTests(t, newHarness)
}

func TestFileImage(t *testing.T) {
	for _, compress := range []bool{false, true} {
		filename := filepath.Join(t.TempDir(), "db.img")
		ctx := context.Background()
		s, err := Open(&Options{Filename: filename, Compress: compress})
		if err != nil {
			t.Fatal(err)
		}
		err = s.RunTransaction(ctx, persistence.ReadWrite, func(txn persistence.Txn) error {
			if err := txn.Collection("a").Put(persistence.NewKey("x", 1), []byte("one")); err != nil {
				return err
			}
			return txn.Collection("b").Put(persistence.NewKey(7), []byte("seven"))
		})
		if err != nil {
			t.Fatal(err)
		}
		if err := s.Close(); err != nil {
			t.Fatal(err)
		}

		s2, err := Open(&Options{Filename: filename, Compress: compress})
		if err != nil {
			t.Fatal(err)
		}
		err = s2.RunTransaction(ctx, persistence.ReadOnly, func(txn persistence.Txn) error {
			for _, test := range []struct {
				coll string
				key  persistence.Key
				want string
			}{
				{"a", persistence.NewKey("x", 1), "one"},
				{"b", persistence.NewKey(7), "seven"},
			} {
				v, err := txn.Collection(test.coll).Get(test.key)
				if err != nil {
					return err
				}
				if string(v) != test.want {
					t.Errorf("compress=%t %s %s: got %q, want %q", compress, test.coll, test.key, v, test.want)
				}
			}
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}
		if err := s2.Drop(ctx); err != nil {
			t.Fatal(err)
		}
		if err := s2.Close(); err != nil {
			t.Fatal(err)
		}
	}
}

func TestClosedStore(t *testing.T) {
	s, err := Open(nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	err = s.RunTransaction(context.Background(), persistence.ReadOnly, func(persistence.Txn) error { return nil })
	if err == nil {
		t.Error("got nil, want error from a closed store")
	}
}

func TestOpenStoreFromURL(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		URL     string
		wantErr bool
	}{
		// OK.
		{"mem://shared", false},
		{"file://" + filepath.ToSlash(filepath.Join(dir, "a.img")), false},
		{"file://" + filepath.ToSlash(filepath.Join(dir, "b.img")) + "?compress=zstd", false},
		// Invalid.
		{"mem://", true},
		{"mem://x?param=value", true},
		{"file://" + filepath.ToSlash(filepath.Join(dir, "c.img")) + "?compress=gzip", true},
		{"file://" + filepath.ToSlash(filepath.Join(dir, "c.img")) + "?param=value", true},
	}
	ctx := context.Background()
	for _, test := range tests {
		s, err := persistence.OpenStore(ctx, test.URL)
		if s != nil {
			defer s.Close()
		}
		if (err != nil) != test.wantErr {
			t.Errorf("%s: got error %v, want error %v", test.URL, err, test.wantErr)
		}
	}
}

func TestSharedByName(t *testing.T) {
	ctx := context.Background()
	s1, err := persistence.OpenStore(ctx, "mem://tabs")
	if err != nil {
		t.Fatal(err)
	}
	s2, err := persistence.OpenStore(ctx, "mem://tabs")
	if err != nil {
		t.Fatal(err)
	}
	if s1 != s2 {
		t.Fatal("stores opened with the same name should be shared")
	}
	err = s1.RunTransaction(ctx, persistence.ReadWrite, func(txn persistence.Txn) error {
		return txn.Collection("c").Put(persistence.NewKey("k"), []byte("v"))
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := s1.Close(); err != nil {
		t.Fatal(err)
	}
	// Still open for the second holder.
	err = s2.RunTransaction(ctx, persistence.ReadOnly, func(txn persistence.Txn) error {
		v, err := txn.Collection("c").Get(persistence.NewKey("k"))
		if string(v) != "v" {
			t.Errorf("got %q, want %q", v, "v")
		}
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := s2.Close(); err != nil {
		t.Fatal(err)
	}

	// Once every holder closed it, the name opens a fresh store.
	s3, err := persistence.OpenStore(ctx, "mem://tabs")
	if err != nil {
		t.Fatal(err)
	}
	defer s3.Close()
	err = s3.RunTransaction(ctx, persistence.ReadOnly, func(txn persistence.Txn) error {
		v, err := txn.Collection("c").Get(persistence.NewKey("k"))
		if v != nil {
			t.Errorf("got %q, want a fresh store", v)
		}
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
}
