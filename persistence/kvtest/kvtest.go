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

// Package kvtest provides a conformance test for implementations of
// persistence.Store.
package kvtest // import "docsync.dev/persistence/kvtest"

import (
	"context"
	"errors"
	"testing"

	"docsync.dev/gcerrors"
	"docsync.dev/persistence"
	"github.com/google/go-cmp/cmp"
)

// Harness descibes the functionality test harnesses must provide to run
// conformance tests.
type Harness interface {
	// MakeStore makes an empty persistence.Store for testing.
	MakeStore(context.Context) (persistence.Store, error)

	// Close closes resources used by the harness.
	Close()
}

// HarnessMaker describes functions that construct a harness for running tests.
// It is called exactly once per test; Harness.Close() will be called when the test is complete.
type HarnessMaker func(ctx context.Context, t *testing.T) (Harness, error)

// RunConformanceTests runs conformance tests for engine implementations of
// persistence.Store.
func RunConformanceTests(t *testing.T, newHarness HarnessMaker) {
	t.Run("PutGetDelete", func(t *testing.T) { withStore(t, newHarness, testPutGetDelete) })
	t.Run("KeyOrder", func(t *testing.T) { withStore(t, newHarness, testKeyOrder) })
	t.Run("Ranges", func(t *testing.T) { withStore(t, newHarness, testRanges) })
	t.Run("IterationControl", func(t *testing.T) { withStore(t, newHarness, testIterationControl) })
	t.Run("IterationSnapshot", func(t *testing.T) { withStore(t, newHarness, testIterationSnapshot) })
	t.Run("DeleteRangeCount", func(t *testing.T) { withStore(t, newHarness, testDeleteRangeCount) })
	t.Run("Atomicity", func(t *testing.T) { withStore(t, newHarness, testAtomicity) })
	t.Run("ReadOnly", func(t *testing.T) { withStore(t, newHarness, testReadOnly) })
}

// withStore calls f with a fresh harness and an empty store.
func withStore(t *testing.T, newHarness HarnessMaker, f func(*testing.T, persistence.Store)) {
	ctx := context.Background()
	h, err := newHarness(ctx, t)
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()
	s, err := h.MakeStore(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	f(t, s)
}

const coll = "things"

func put(t *testing.T, s persistence.Store, keys ...persistence.Key) {
	t.Helper()
	err := s.RunTransaction(context.Background(), persistence.ReadWrite, func(txn persistence.Txn) error {
		c := txn.Collection(coll)
		for _, k := range keys {
			if err := c.Put(k, []byte(k.String())); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

// scan returns the string form of the keys visited by an iteration.
func scan(t *testing.T, s persistence.Store, opts persistence.IterateOptions, step func(persistence.Key, *persistence.Control)) []string {
	t.Helper()
	var got []string
	err := s.RunTransaction(context.Background(), persistence.ReadOnly, func(txn persistence.Txn) error {
		return txn.Collection(coll).Iterate(opts, func(k persistence.Key, v []byte, c *persistence.Control) error {
			if string(v) != k.String() {
				t.Errorf("value of %s: got %q", k, v)
			}
			got = append(got, k.String())
			if step != nil {
				step(k, c)
			}
			return nil
		})
	})
	if err != nil {
		t.Fatal(err)
	}
	return got
}

func keyStrings(keys ...persistence.Key) []string {
	var s []string
	for _, k := range keys {
		s = append(s, k.String())
	}
	return s
}

func testPutGetDelete(t *testing.T, s persistence.Store) {
	ctx := context.Background()
	k := persistence.NewKey("a", 1)
	err := s.RunTransaction(ctx, persistence.ReadWrite, func(txn persistence.Txn) error {
		c := txn.Collection(coll)
		if v, err := c.Get(k); err != nil || v != nil {
			t.Errorf("Get on missing key: got (%q, %v), want (nil, nil)", v, err)
		}
		if err := c.Put(k, []byte("v1")); err != nil {
			return err
		}
		// Writes are visible inside the transaction.
		v, err := c.Get(k)
		if err != nil {
			return err
		}
		if string(v) != "v1" {
			t.Errorf("got %q, want %q", v, "v1")
		}
		// Other collections are separate.
		if v, _ := txn.Collection("other").Get(k); v != nil {
			t.Errorf("other collection: got %q, want nil", v)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	err = s.RunTransaction(ctx, persistence.ReadWrite, func(txn persistence.Txn) error {
		c := txn.Collection(coll)
		// Lookups use an equal key, not the same slice.
		v, err := c.Get(persistence.NewKey("a", int64(1)))
		if err != nil {
			return err
		}
		if string(v) != "v1" {
			t.Errorf("after commit: got %q, want %q", v, "v1")
		}
		if err := c.Delete(k); err != nil {
			return err
		}
		return c.Delete(persistence.NewKey("never", "there"))
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := scan(t, s, persistence.IterateOptions{}, nil); len(got) != 0 {
		t.Errorf("after delete: got %v, want nothing", got)
	}
}

var (
	k1    = persistence.NewKey(1)
	k2    = persistence.NewKey(2)
	k10   = persistence.NewKey(10)
	kA    = persistence.NewKey("a")
	kA1   = persistence.NewKey("a", 1)
	kA2   = persistence.NewKey("a", 2)
	kAB   = persistence.NewKey("a", "b")
	kAB1  = persistence.NewKey("a", "b", 1)
	kAA   = persistence.NewKey("aa")
	kB    = persistence.NewKey("b")
	kB1   = persistence.NewKey("b", 1)
	order = []persistence.Key{k1, k2, k10, kA, kA1, kA2, kAB, kAB1, kAA, kB, kB1}
)

func testKeyOrder(t *testing.T, s persistence.Store) {
	// Insert in scrambled order.
	put(t, s, kB1, kA2, k10, kAB1, kA, kAA, k2, kAB, k1, kB, kA1)
	want := keyStrings(order...)
	if diff := cmp.Diff(want, scan(t, s, persistence.IterateOptions{}, nil)); diff != "" {
		t.Errorf("forward (-want +got):\n%s", diff)
	}
	var rev []string
	for i := len(want) - 1; i >= 0; i-- {
		rev = append(rev, want[i])
	}
	if diff := cmp.Diff(rev, scan(t, s, persistence.IterateOptions{Reverse: true}, nil)); diff != "" {
		t.Errorf("reverse (-want +got):\n%s", diff)
	}
}

func testRanges(t *testing.T, s persistence.Store) {
	put(t, s, order...)
	for _, test := range []struct {
		desc    string
		r       persistence.KeyRange
		reverse bool
		want    []persistence.Key
	}{
		{"prefix", persistence.PrefixRange(kA), false, []persistence.Key{kA, kA1, kA2, kAB, kAB1}},
		{"prefix reverse", persistence.PrefixRange(kA), true, []persistence.Key{kAB1, kAB, kA2, kA1, kA}},
		{"nested prefix", persistence.PrefixRange(kAB), false, []persistence.Key{kAB, kAB1}},
		{"only", persistence.Only(kA2), false, []persistence.Key{kA2}},
		{"closed", persistence.KeyRange{Lower: k2, Upper: kA}, false, []persistence.Key{k2, k10, kA}},
		{"open", persistence.KeyRange{Lower: k2, Upper: kA, LowerOpen: true, UpperOpen: true}, false, []persistence.Key{k10}},
		{"open reverse", persistence.KeyRange{Lower: k2, Upper: kA, LowerOpen: true, UpperOpen: true}, true, []persistence.Key{k10}},
		{"lower only", persistence.KeyRange{Lower: kAA}, false, []persistence.Key{kAA, kB, kB1}},
		{"upper only reverse", persistence.KeyRange{Upper: k10, UpperOpen: true}, true, []persistence.Key{k2, k1}},
		{"empty", persistence.PrefixRange(persistence.NewKey("zz")), false, nil},
	} {
		got := scan(t, s, persistence.IterateOptions{Range: test.r, Reverse: test.reverse}, nil)
		if diff := cmp.Diff(keyStrings(test.want...), got); diff != "" {
			t.Errorf("%s: (-want +got):\n%s", test.desc, diff)
		}
	}
}

func testIterationControl(t *testing.T, s persistence.Store) {
	put(t, s, order...)
	got := scan(t, s, persistence.IterateOptions{}, func(k persistence.Key, c *persistence.Control) {
		if persistence.CompareKeys(k, k10) == 0 {
			c.Done()
		}
	})
	if diff := cmp.Diff(keyStrings(k1, k2, k10), got); diff != "" {
		t.Errorf("Done (-want +got):\n%s", diff)
	}

	// Visit the first key of every top-level group going forward.
	got = scan(t, s, persistence.IterateOptions{}, func(k persistence.Key, c *persistence.Control) {
		if k.HasPrefix(kA) {
			c.SkipTo(kAA)
		}
	})
	if diff := cmp.Diff(keyStrings(k1, k2, k10, kA, kAA, kB, kB1), got); diff != "" {
		t.Errorf("SkipTo forward (-want +got):\n%s", diff)
	}

	// Going backwards, a two-part key skips to its one-part prefix: the way
	// the largest id of each group is found.
	got = scan(t, s, persistence.IterateOptions{Reverse: true}, func(k persistence.Key, c *persistence.Control) {
		if len(k) != 2 {
			return
		}
		if g, ok := k[0].(string); ok {
			c.SkipTo(persistence.NewKey(g))
		}
	})
	if diff := cmp.Diff(keyStrings(kB1, kB, kAA, kAB1, kAB, kA, k10, k2, k1), got); diff != "" {
		t.Errorf("SkipTo reverse (-want +got):\n%s", diff)
	}

	errStop := errors.New("stop")
	err := s.RunTransaction(context.Background(), persistence.ReadOnly, func(txn persistence.Txn) error {
		return txn.Collection(coll).Iterate(persistence.IterateOptions{}, func(persistence.Key, []byte, *persistence.Control) error {
			return errStop
		})
	})
	if !errors.Is(err, errStop) {
		t.Errorf("got %v, want the callback's error", err)
	}
}

func testIterationSnapshot(t *testing.T, s persistence.Store) {
	put(t, s, k1, k2)
	var seen []string
	err := s.RunTransaction(context.Background(), persistence.ReadWrite, func(txn persistence.Txn) error {
		c := txn.Collection(coll)
		return c.Iterate(persistence.IterateOptions{}, func(k persistence.Key, _ []byte, _ *persistence.Control) error {
			seen = append(seen, k.String())
			if err := c.Delete(k2); err != nil {
				return err
			}
			return c.Put(k10, []byte(k10.String()))
		})
	})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(keyStrings(k1, k2), seen); diff != "" {
		t.Errorf("seen (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(keyStrings(k1, k10), scan(t, s, persistence.IterateOptions{}, nil)); diff != "" {
		t.Errorf("after (-want +got):\n%s", diff)
	}
}

func testDeleteRangeCount(t *testing.T, s persistence.Store) {
	put(t, s, order...)
	err := s.RunTransaction(context.Background(), persistence.ReadWrite, func(txn persistence.Txn) error {
		c := txn.Collection(coll)
		n, err := c.Count(persistence.PrefixRange(kA))
		if err != nil {
			return err
		}
		if n != 5 {
			t.Errorf("Count: got %d, want 5", n)
		}
		return c.DeleteRange(persistence.PrefixRange(kA))
	})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(keyStrings(k1, k2, k10, kAA, kB, kB1), scan(t, s, persistence.IterateOptions{}, nil)); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
}

func testAtomicity(t *testing.T, s persistence.Store) {
	put(t, s, k1)
	errAbort := errors.New("abort")
	err := s.RunTransaction(context.Background(), persistence.ReadWrite, func(txn persistence.Txn) error {
		if err := txn.Collection(coll).Put(k2, []byte(k2.String())); err != nil {
			return err
		}
		if err := txn.Collection(coll).Delete(k1); err != nil {
			return err
		}
		if err := txn.Collection("other").Put(k1, []byte("x")); err != nil {
			return err
		}
		return errAbort
	})
	if !errors.Is(err, errAbort) {
		t.Fatalf("got %v, want the transaction's error", err)
	}
	if diff := cmp.Diff(keyStrings(k1), scan(t, s, persistence.IterateOptions{}, nil)); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
	err = s.RunTransaction(context.Background(), persistence.ReadOnly, func(txn persistence.Txn) error {
		v, err := txn.Collection("other").Get(k1)
		if v != nil {
			t.Errorf("aborted write to other collection is visible: %q", v)
		}
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
}

func testReadOnly(t *testing.T, s persistence.Store) {
	err := s.RunTransaction(context.Background(), persistence.ReadOnly, func(txn persistence.Txn) error {
		return txn.Collection(coll).Put(k1, []byte("x"))
	})
	if err == nil {
		t.Fatal("got nil, want error for a write in a read-only transaction")
	}
	if got := gcerrors.Code(err); got != gcerrors.FailedPrecondition {
		t.Errorf("got code %v, want FailedPrecondition", got)
	}
}
