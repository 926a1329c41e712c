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
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestCompareKeys(t *testing.T) {
	for _, test := range []struct {
		a, b Key
		want int
	}{
		{NewKey(1), NewKey(2), -1},
		{NewKey(10), NewKey(9), 1},
		{NewKey(1 << 40), NewKey("a"), -1},
		{NewKey("a"), NewKey("a", 0), -1},
		{NewKey("a", 5), NewKey("a", "b"), -1},
		{NewKey("a", "b"), NewKey("ab"), -1},
		{NewKey("x", 3), NewKey("x", int64(3)), 0},
		{NewKey(), NewKey(), 0},
		{NewKey("a", "zzz"), PrefixRange(NewKey("a")).Upper, -1},
	} {
		if got := CompareKeys(test.a, test.b); got != test.want {
			t.Errorf("CompareKeys(%s, %s) = %d, want %d", test.a, test.b, got, test.want)
		}
		if got := CompareKeys(test.b, test.a); got != -test.want {
			t.Errorf("CompareKeys(%s, %s) = %d, want %d", test.b, test.a, got, -test.want)
		}
	}
}

func TestKeyRangeContains(t *testing.T) {
	r := KeyRange{Lower: NewKey(2), Upper: NewKey(5), UpperOpen: true}
	var got []int64
	for i := int64(0); i < 7; i++ {
		if r.Contains(NewKey(i)) {
			got = append(got, i)
		}
	}
	if diff := cmp.Diff([]int64{2, 3, 4}, got); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
	p := PrefixRange(NewKey("u"))
	if !p.Contains(NewKey("u")) || !p.Contains(NewKey("u", 9)) || p.Contains(NewKey("v")) || p.Contains(NewKey("uu")) {
		t.Error("PrefixRange")
	}
}

func TestNewKeyPanicsOnBadType(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	NewKey(1.5)
}

func TestKeyAccessors(t *testing.T) {
	k := NewKey("user", 7)
	if k.Str(0) != "user" || k.Int(1) != 7 {
		t.Errorf("got %v", k)
	}
	if !k.HasPrefix(NewKey("user")) || k.HasPrefix(NewKey("use")) || k.HasPrefix(NewKey("user", 7, 1)) {
		t.Error("HasPrefix")
	}
	if got, want := k.String(), `["user", 7]`; got != want {
		t.Errorf("got %s, want %s", got, want)
	}
}
