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

package model

import (
	"math"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestDocumentKeyOrder(t *testing.T) {
	keys := []string{"a/b", "a-b/c", "a/b/c/d", "a/a", "ab/c", "a/b/c/a", "b/a"}
	want := []string{"a/a", "a/b", "a/b/c/a", "a/b/c/d", "a-b/c", "ab/c", "b/a"}
	dks := make([]DocumentKey, len(keys))
	for i, k := range keys {
		dks[i] = KeyFromString(k)
	}
	sort.Slice(dks, func(i, j int) bool { return dks[i].Compare(dks[j]) < 0 })
	var got []string
	for _, k := range dks {
		got = append(got, k.String())
		if c := k.Path().Compare(KeyFromString(k.String()).Path()); c != 0 {
			t.Errorf("%s: path compare with itself = %d", k, c)
		}
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
	// Key order agrees with path order.
	for i := 0; i+1 < len(dks); i++ {
		if dks[i].Path().Compare(dks[i+1].Path()) >= 0 {
			t.Errorf("%s should sort before %s by path", dks[i], dks[i+1])
		}
	}
}

func TestNewDocumentKeyPanicsOnCollectionPath(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	KeyFromString("rooms")
}

func TestResourcePath(t *testing.T) {
	rooms := ParseResourcePath("/rooms/")
	doc := rooms.Child("eros")
	if !rooms.IsImmediateParentOf(doc) || rooms.IsImmediateParentOf(doc.Child("messages", "1")) {
		t.Error("IsImmediateParentOf")
	}
	if !rooms.IsPrefixOf(doc.Child("messages")) {
		t.Error("IsPrefixOf")
	}
	if got := doc.Parent(); !got.Equal(rooms) {
		t.Errorf("Parent: got %v", got)
	}
	// Child must not alias the parent's backing array.
	a := doc.Parent().Child("x")
	b := doc.Parent().Child("y")
	if a.LastSegment() != "x" || b.LastSegment() != "y" {
		t.Errorf("got %v and %v", a, b)
	}
}

func TestValueCompare(t *testing.T) {
	ordered := [][]Value{
		{NullValue{}},
		{BooleanValue(false)},
		{BooleanValue(true)},
		{DoubleValue(math.NaN())},
		{DoubleValue(math.Inf(-1))},
		{IntegerValue(-1), DoubleValue(-1)},
		{IntegerValue(0), DoubleValue(0)},
		{DoubleValue(0.5)},
		{IntegerValue(1), DoubleValue(1)},
		{IntegerValue(math.MaxInt64)},
		{DoubleValue(math.Inf(1))},
		{TimestampValue{Seconds: 1}},
		{TimestampValue{Seconds: 2}},
		{ServerTimestampValue{LocalWriteTime: Timestamp{Seconds: 1}}},
		{StringValue("")},
		{StringValue("a")},
		{StringValue("b")},
		{BlobValue{0}},
		{BlobValue{1}},
		{RefValue{Key: KeyFromString("a/a")}},
		{RefValue{Key: KeyFromString("a/b")}},
		{GeoPointValue{Latitude: -1, Longitude: 0}},
		{GeoPointValue{Latitude: 0, Longitude: 0}},
		{ArrayValue{}},
		{ArrayValue{IntegerValue(1)}},
		{ArrayValue{IntegerValue(1), IntegerValue(0)}},
		{ArrayValue{IntegerValue(2)}},
		{EmptyObject},
		{WrapObject(map[string]interface{}{"a": 1})},
		{WrapObject(map[string]interface{}{"a": 2})},
		{WrapObject(map[string]interface{}{"b": 0})},
	}
	for i, group := range ordered {
		for _, a := range group {
			for _, b := range group {
				if c := Compare(a, b); c != 0 {
					t.Errorf("Compare(%v, %v) = %d, want 0", a, b, c)
				}
			}
			for _, later := range ordered[i+1:] {
				for _, b := range later {
					if c := Compare(a, b); c != -1 {
						t.Errorf("Compare(%v, %v) = %d, want -1", a, b, c)
					}
					if c := Compare(b, a); c != 1 {
						t.Errorf("Compare(%v, %v) = %d, want 1", b, a, c)
					}
				}
			}
		}
	}
}

func TestValueEqualIsStrict(t *testing.T) {
	if Equal(IntegerValue(1), DoubleValue(1)) {
		t.Error("IntegerValue(1) should not equal DoubleValue(1)")
	}
	if !Equal(DoubleValue(math.NaN()), DoubleValue(math.NaN())) {
		t.Error("NaN should equal NaN")
	}
	a := WrapObject(map[string]interface{}{"x": []interface{}{1, "s"}})
	b := WrapObject(map[string]interface{}{"x": []interface{}{1, "s"}})
	if !Equal(a, b) {
		t.Errorf("%v should equal %v", a, b)
	}
}

func TestObjectValue(t *testing.T) {
	o := EmptyObject.Set(ParseFieldPath("a.b"), IntegerValue(1)).Set(ParseFieldPath("c"), StringValue("x"))
	if got, ok := o.Field(ParseFieldPath("a.b")); !ok || !Equal(got, IntegerValue(1)) {
		t.Errorf("a.b: got %v, %t", got, ok)
	}
	o2 := o.Delete(ParseFieldPath("a.b"))
	if _, ok := o2.Field(ParseFieldPath("a.b")); ok {
		t.Error("a.b still present after Delete")
	}
	if _, ok := o.Field(ParseFieldPath("a.b")); !ok {
		t.Error("Delete modified the receiver")
	}
	got := o.LeafPaths()
	want := []FieldPath{{"a", "b"}, {"c"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("LeafPaths (-want +got):\n%s", diff)
	}
	if got, want := o.String(), `{a:{b:1},c:"x"}`; got != want {
		t.Errorf("String: got %q, want %q", got, want)
	}
}

func TestFieldPathString(t *testing.T) {
	for _, test := range []struct {
		in   FieldPath
		want string
	}{
		{FieldPath{"a", "b"}, "a.b"},
		{FieldPath{"a.b"}, "`a.b`"},
		{FieldPath{"1x"}, "`1x`"},
		{FieldPath{"a`b"}, "`a\\`b`"},
		{KeyFieldPath, "__name__"},
	} {
		if got := test.in.String(); got != test.want {
			t.Errorf("got %q, want %q", got, test.want)
		}
	}
}

func TestDocumentKeySet(t *testing.T) {
	a, b, c := KeyFromString("r/a"), KeyFromString("r/b"), KeyFromString("r/c")
	s := NewDocumentKeySet(c, a)
	clone := s.Clone()
	s.Add(b)
	if got := s.Keys(); !cmp.Equal(got, []DocumentKey{a, b, c}, cmp.AllowUnexported(DocumentKey{})) {
		t.Errorf("got %v", got)
	}
	if clone.Has(b) {
		t.Error("clone shares state with original")
	}
	var empty *DocumentKeySet
	if empty.Len() != 0 || empty.Has(a) {
		t.Error("nil set should be empty")
	}
	if !s.Equal(clone.Union(NewDocumentKeySet(b))) {
		t.Error("Union/Equal")
	}
}
