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

package core

import (
	"testing"

	"docsync.dev/model"
	"docsync.dev/query"
	"github.com/google/go-cmp/cmp"
)

func doc(path string, version int64, fields map[string]interface{}) *model.Document {
	return model.NewDocument(model.KeyFromString(path), model.NewSnapshotVersion(version, 0), model.WrapObject(fields), false)
}

func localDoc(path string, fields map[string]interface{}) *model.Document {
	return model.NewDocument(model.KeyFromString(path), model.MinVersion, model.WrapObject(fields), true)
}

func docPaths(docs []*model.Document) []string {
	var out []string
	for _, d := range docs {
		out = append(out, d.Key().String())
	}
	return out
}

func TestDocumentSetOrder(t *testing.T) {
	q := query.AtPath(model.ParseResourcePath("rooms")).WithOrderBy(query.OrderBy{Field: model.ParseFieldPath("n")})
	s := NewDocumentSet(q.Comparator())
	s = s.Add(doc("rooms/c", 1, map[string]interface{}{"n": 3}))
	s = s.Add(doc("rooms/a", 1, map[string]interface{}{"n": 1}))
	s = s.Add(doc("rooms/b", 1, map[string]interface{}{"n": 2}))

	if diff := cmp.Diff([]string{"rooms/a", "rooms/b", "rooms/c"}, docPaths(s.Docs())); diff != "" {
		t.Errorf("order (-want +got):\n%s", diff)
	}
	if got := s.First().Key().String(); got != "rooms/a" {
		t.Errorf("got first %s, want rooms/a", got)
	}
	if got := s.Last().Key().String(); got != "rooms/c" {
		t.Errorf("got last %s, want rooms/c", got)
	}

	// Replacing a document re-sorts it and leaves the old set alone.
	moved := s.Add(doc("rooms/a", 2, map[string]interface{}{"n": 9}))
	if diff := cmp.Diff([]string{"rooms/b", "rooms/c", "rooms/a"}, docPaths(moved.Docs())); diff != "" {
		t.Errorf("order after move (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"rooms/a", "rooms/b", "rooms/c"}, docPaths(s.Docs())); diff != "" {
		t.Errorf("original set changed (-want +got):\n%s", diff)
	}
	if moved.Len() != 3 {
		t.Errorf("got %d documents, want 3", moved.Len())
	}

	deleted := moved.Delete(model.KeyFromString("rooms/b"))
	if deleted.Has(model.KeyFromString("rooms/b")) {
		t.Error("deleted document still present")
	}
	if !moved.Has(model.KeyFromString("rooms/b")) {
		t.Error("delete changed the original set")
	}
	if deleted.Equal(moved) {
		t.Error("sets of different sizes compare equal")
	}
}

func TestDocumentSetDefaultsToKeyOrder(t *testing.T) {
	s := NewDocumentSet(nil)
	for _, p := range []string{"rooms/z", "rooms/m", "rooms/a"} {
		s = s.Add(doc(p, 1, nil))
	}
	if diff := cmp.Diff([]string{"rooms/a", "rooms/m", "rooms/z"}, docPaths(s.Docs())); diff != "" {
		t.Errorf("order (-want +got):\n%s", diff)
	}
	if NewDocumentSet(nil).First() != nil {
		t.Error("got a first document of an empty set")
	}
}
