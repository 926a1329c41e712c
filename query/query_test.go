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

package query

import (
	"sort"
	"testing"

	"docsync.dev/model"
	"github.com/google/go-cmp/cmp"
)

func doc(path string, data map[string]interface{}) *model.Document {
	return model.NewDocument(model.KeyFromString(path), model.NewSnapshotVersion(1, 0), model.WrapObject(data), false)
}

func TestMatchesAncestor(t *testing.T) {
	rooms := AtPath(model.ParseResourcePath("rooms"))
	eros := ForDocument(model.KeyFromString("rooms/eros"))
	for _, test := range []struct {
		q    Query
		path string
		want bool
	}{
		{rooms, "rooms/eros", true},
		{rooms, "rooms/eros/messages/1", false},
		{rooms, "roomsies/eros", false},
		{eros, "rooms/eros", true},
		{eros, "rooms/other", false},
	} {
		if got := test.q.Matches(doc(test.path, nil)); got != test.want {
			t.Errorf("%s matches %s: got %t, want %t", test.q, test.path, got, test.want)
		}
	}
	if !eros.IsDocumentQuery() || rooms.IsDocumentQuery() {
		t.Error("IsDocumentQuery")
	}
}

func TestFilters(t *testing.T) {
	base := AtPath(model.ParseResourcePath("rooms"))
	d := doc("rooms/a", map[string]interface{}{
		"n":    5,
		"name": "eros",
		"tags": []interface{}{"x", 2},
		"nan":  nanValue(),
	})
	for _, test := range []struct {
		f    Filter
		want bool
	}{
		{NewFilter(model.FieldPath{"n"}, Equal, model.DoubleValue(5)), true},
		{NewFilter(model.FieldPath{"n"}, LessThan, model.IntegerValue(5)), false},
		{NewFilter(model.FieldPath{"n"}, LessThanOrEqual, model.IntegerValue(5)), true},
		{NewFilter(model.FieldPath{"n"}, GreaterThan, model.IntegerValue(4)), true},
		{NewFilter(model.FieldPath{"n"}, GreaterThanOrEqual, model.IntegerValue(6)), false},
		// Type mismatch never matches.
		{NewFilter(model.FieldPath{"n"}, GreaterThan, model.StringValue("a")), false},
		{NewFilter(model.FieldPath{"name"}, Equal, model.StringValue("eros")), true},
		{NewFilter(model.FieldPath{"missing"}, Equal, model.NullValue{}), false},
		{NewFilter(model.FieldPath{"tags"}, ArrayContains, model.IntegerValue(2)), true},
		{NewFilter(model.FieldPath{"tags"}, ArrayContains, model.StringValue("y")), false},
		{NewFilter(model.FieldPath{"nan"}, Equal, nanValue()), true},
		{NewFilter(model.FieldPath{"nan"}, LessThan, model.IntegerValue(1)), false},
		{NewFilter(model.KeyFieldPath, Equal, model.RefValue{Key: model.KeyFromString("rooms/a")}), true},
		{NewFilter(model.KeyFieldPath, GreaterThan, model.RefValue{Key: model.KeyFromString("rooms/a")}), false},
	} {
		q := base.WithFilter(test.f)
		if got := q.Matches(d); got != test.want {
			t.Errorf("%s: got %t, want %t", q.CanonicalID(), got, test.want)
		}
	}
}

func nanValue() model.Value {
	var zero float64
	return model.DoubleValue(zero / zero)
}

func TestImplicitOrderBy(t *testing.T) {
	base := AtPath(model.ParseResourcePath("rooms"))
	a, b := model.FieldPath{"a"}, model.FieldPath{"b"}
	key := model.KeyFieldPath
	for _, test := range []struct {
		desc string
		q    Query
		want []OrderBy
	}{
		{"none", base, []OrderBy{{Field: key}}},
		{
			"inequality",
			base.WithFilter(NewFilter(a, GreaterThan, model.IntegerValue(1))),
			[]OrderBy{{Field: a}, {Field: key}},
		},
		{
			"explicit descending",
			base.WithOrderBy(OrderBy{Field: a, Descending: true}).WithOrderBy(OrderBy{Field: b}),
			[]OrderBy{{Field: a, Descending: true}, {Field: b}, {Field: key}},
		},
		{
			"last descending",
			base.WithOrderBy(OrderBy{Field: b, Descending: true}),
			[]OrderBy{{Field: b, Descending: true}, {Field: key, Descending: true}},
		},
		{
			"explicit key",
			base.WithOrderBy(OrderBy{Field: key, Descending: true}),
			[]OrderBy{{Field: key, Descending: true}},
		},
	} {
		if diff := cmp.Diff(test.want, test.q.OrderBy()); diff != "" {
			t.Errorf("%s: (-want +got):\n%s", test.desc, diff)
		}
	}
}

func TestCanonicalID(t *testing.T) {
	q := AtPath(model.ParseResourcePath("rooms")).
		WithFilter(NewFilter(model.FieldPath{"n"}, GreaterThan, model.IntegerValue(3))).
		WithOrderBy(OrderBy{Field: model.FieldPath{"n"}, Descending: true}).
		WithLimit(10).
		WithStartAt(Bound{Position: []model.Value{model.IntegerValue(9)}, Before: true})
	want := "rooms|f:n>3|ob:ndesc__name__desc|l:10|lb:b:9"
	if got := q.CanonicalID(); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	if got, want := AtPath(model.ParseResourcePath("rooms")).CanonicalID(), "rooms|f:|ob:__name__asc"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestEqual(t *testing.T) {
	rooms := AtPath(model.ParseResourcePath("rooms"))
	implicit := rooms.WithFilter(NewFilter(model.FieldPath{"a"}, LessThan, model.IntegerValue(1)))
	explicit := implicit.WithOrderBy(OrderBy{Field: model.FieldPath{"a"}})
	if !implicit.Equal(explicit) {
		t.Error("implicit and explicit ordering on the inequality field should be equal")
	}
	if implicit.CanonicalID() != explicit.CanonicalID() {
		t.Error("equal queries should have equal canonical ids")
	}
	if rooms.Equal(rooms.WithLimit(1)) {
		t.Error("limit should matter")
	}
	if rooms.Equal(AtPath(model.ParseResourcePath("other"))) {
		t.Error("path should matter")
	}
}

func TestComparatorAndBounds(t *testing.T) {
	docs := []*model.Document{
		doc("rooms/c", map[string]interface{}{"n": 2}),
		doc("rooms/a", map[string]interface{}{"n": 2}),
		doc("rooms/b", map[string]interface{}{"n": 1}),
		doc("rooms/d", map[string]interface{}{"n": 3}),
	}
	q := AtPath(model.ParseResourcePath("rooms")).WithOrderBy(OrderBy{Field: model.FieldPath{"n"}})
	cmpFn := q.Comparator()
	sort.Slice(docs, func(i, j int) bool { return cmpFn(docs[i], docs[j]) < 0 })
	var got []string
	for _, d := range docs {
		got = append(got, d.Key().String())
	}
	if diff := cmp.Diff([]string{"rooms/b", "rooms/a", "rooms/c", "rooms/d"}, got); diff != "" {
		t.Errorf("order (-want +got):\n%s", diff)
	}

	// Start after n=1, end before (n=2, key=rooms/c).
	bounded := q.WithStartAt(Bound{Position: []model.Value{model.IntegerValue(1)}}).
		WithEndAt(Bound{Position: []model.Value{model.IntegerValue(2), model.RefValue{Key: model.KeyFromString("rooms/c")}}, Before: true})
	got = nil
	for _, d := range docs {
		if bounded.Matches(d) {
			got = append(got, d.Key().String())
		}
	}
	if diff := cmp.Diff([]string{"rooms/a"}, got); diff != "" {
		t.Errorf("bounded (-want +got):\n%s", diff)
	}
}

func TestMissingOrderByFieldDoesNotMatch(t *testing.T) {
	q := AtPath(model.ParseResourcePath("rooms")).WithOrderBy(OrderBy{Field: model.FieldPath{"n"}})
	if q.Matches(doc("rooms/a", map[string]interface{}{"m": 1})) {
		t.Error("document without the order-by field should not match")
	}
}

func TestTargetIDGenerator(t *testing.T) {
	for _, test := range []struct {
		gen   GeneratorID
		after int
		want  []int
	}{
		{LocalStoreGenerator, 0, []int{2, 4, 6}},
		{SyncEngineGenerator, 0, []int{1, 3, 5}},
		{LocalStoreGenerator, 4, []int{6, 8}},
		{LocalStoreGenerator, 5, []int{6, 8}},
		{SyncEngineGenerator, 4, []int{5, 7}},
		{SyncEngineGenerator, 5, []int{7, 9}},
	} {
		g := NewTargetIDGenerator(test.gen, test.after)
		var got []int
		for range test.want {
			got = append(got, g.Next())
		}
		if diff := cmp.Diff(test.want, got); diff != "" {
			t.Errorf("gen %d after %d: (-want +got):\n%s", test.gen, test.after, diff)
		}
	}
}
