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

package escape

import (
	"sort"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestEncodeDecode(t *testing.T) {
	for _, segs := range [][]string{
		nil,
		{"rooms"},
		{"rooms", "eros"},
		{"rooms", "eros", "messages", "1"},
		{"a\x00b", "\x01", "\x01\x01", ""},
		{"☺", "__0x68__"},
	} {
		enc := EncodePath(segs)
		got, err := DecodePath(enc)
		if err != nil {
			t.Fatalf("%q: %v", segs, err)
		}
		if !cmp.Equal(got, segs) {
			t.Errorf("got %q, want %q", got, segs)
		}
	}
}

func TestEncodePreservesOrder(t *testing.T) {
	paths := [][]string{
		{"a"},
		{"a", "b"},
		{"a", "b", "c"},
		{"a-b"},
		{"a\x00"},
		{"a\x01"},
		{"a", "\x00"},
		{"aa"},
		{"b"},
		{""},
	}
	segmentLess := func(x, y []string) bool {
		for i := 0; i < len(x) && i < len(y); i++ {
			if x[i] != y[i] {
				return x[i] < y[i]
			}
		}
		return len(x) < len(y)
	}
	want := append([][]string(nil), paths...)
	sort.Slice(want, func(i, j int) bool { return segmentLess(want[i], want[j]) })

	got := append([][]string(nil), paths...)
	sort.Slice(got, func(i, j int) bool { return EncodePath(got[i]) < EncodePath(got[j]) })
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}
}

func TestParentIsPrefix(t *testing.T) {
	parent := EncodePath([]string{"rooms"})
	child := EncodePath([]string{"rooms", "eros"})
	if !strings.HasPrefix(child, parent) {
		t.Errorf("%q is not a prefix of %q", parent, child)
	}
	sibling := EncodePath([]string{"roomsX"})
	if strings.HasPrefix(sibling, parent) {
		t.Errorf("%q unexpectedly has prefix %q", sibling, parent)
	}
}

func TestDecodeInvalid(t *testing.T) {
	for _, s := range []string{
		"a",
		"abc\x01",
		"abc\x01\x02",
		"abc\x01\x01d",
	} {
		if _, err := DecodePath(s); err == nil {
			t.Errorf("%q: got nil error, want error", s)
		}
	}
}

func TestPrefixSuccessor(t *testing.T) {
	for _, test := range []struct {
		in, want string
	}{
		{"", ""},
		{"a", "b"},
		{"a\xff", "b"},
		{"\xff\xff", ""},
		{"rooms\x01\x01", "rooms\x01\x02"},
	} {
		if got := PrefixSuccessor(test.in); got != test.want {
			t.Errorf("PrefixSuccessor(%q) = %q, want %q", test.in, got, test.want)
		}
	}
}
