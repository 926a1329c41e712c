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

package remote

import (
	"testing"

	"docsync.dev/model"
	"docsync.dev/query"
	"github.com/google/go-cmp/cmp"
)

func keyStrings(s *model.DocumentKeySet) []string {
	var out []string
	s.Each(func(k model.DocumentKey) bool {
		out = append(out, k.String())
		return true
	})
	return out
}

func testDoc(path string) *model.Document {
	return model.NewDocument(model.KeyFromString(path), model.NewSnapshotVersion(1, 0), model.WrapObject(map[string]interface{}{"p": path}), false)
}

func listenTargets(ids ...int) map[int]query.TargetData {
	m := map[int]query.TargetData{}
	for _, id := range ids {
		m[id] = query.TargetData{Query: query.AtPath(model.ParseResourcePath("rooms")), TargetID: id}
	}
	return m
}

func TestAggregatorDropsChangesForInactiveTargets(t *testing.T) {
	v := model.NewSnapshotVersion(3, 0)
	// Target 1 is active, 2 waits for an ack and 3 is not listened to.
	agg := NewWatchChangeAggregator(v, listenTargets(1, 2), map[int]int{2: 1})
	a, b, c := testDoc("rooms/a"), testDoc("rooms/b"), testDoc("rooms/c")
	agg.Add(
		&DocumentWatchChange{UpdatedTargetIDs: []int{1, 2}, Key: a.Key(), NewDoc: a},
		&DocumentWatchChange{UpdatedTargetIDs: []int{2}, Key: b.Key(), NewDoc: b},
		&DocumentWatchChange{UpdatedTargetIDs: []int{3}, Key: c.Key(), NewDoc: c},
		&WatchTargetChange{State: WatchCurrent, TargetIDs: []int{1, 2}, ResumeToken: []byte("r")},
		&ExistenceFilterChange{TargetID: 2, Count: 7},
	)
	ev := agg.CreateRemoteEvent()

	if got, want := len(ev.TargetChanges), 1; got != want {
		t.Fatalf("got %d target changes, want %d", got, want)
	}
	tc := ev.TargetChanges[1]
	if tc == nil {
		t.Fatal("no change for target 1")
	}
	if tc.CurrentStatusUpdate != MarkCurrent {
		t.Errorf("got %v, want %v", tc.CurrentStatusUpdate, MarkCurrent)
	}
	if got := string(tc.ResumeToken); got != "r" {
		t.Errorf("got resume token %q, want %q", got, "r")
	}
	um, ok := tc.Mapping.(*UpdateMapping)
	if !ok {
		t.Fatalf("got mapping %T, want *UpdateMapping", tc.Mapping)
	}
	if diff := cmp.Diff([]string{"rooms/a"}, keyStrings(um.Added)); diff != "" {
		t.Errorf("added keys (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"rooms/a"}, keyStrings(ev.DocumentUpdates.Keys())); diff != "" {
		t.Errorf("document updates (-want +got):\n%s", diff)
	}
	if len(agg.ExistenceFilters) != 0 {
		t.Errorf("got existence filters %v for a pending target", agg.ExistenceFilters)
	}
	if got := agg.PendingTargetResponses[2]; got != 1 {
		t.Errorf("pending responses for target 2 = %d, want 1", got)
	}
}

func TestAggregatorAckResetsTarget(t *testing.T) {
	for _, test := range []struct {
		name    string
		pending int
		changes []WatchTargetChangeState
	}{
		{"listen", 1, []WatchTargetChangeState{WatchAdded}},
		{"relisten", 2, []WatchTargetChangeState{WatchRemoved, WatchAdded}},
	} {
		t.Run(test.name, func(t *testing.T) {
			agg := NewWatchChangeAggregator(model.NewSnapshotVersion(1, 0), listenTargets(1), map[int]int{1: test.pending})
			a := testDoc("rooms/a")
			// Sent before the ack, so it belongs to the old listen.
			agg.Add(&DocumentWatchChange{UpdatedTargetIDs: []int{1}, Key: a.Key(), NewDoc: a})
			for _, s := range test.changes {
				agg.Add(&WatchTargetChange{State: s, TargetIDs: []int{1}})
			}
			b := testDoc("rooms/b")
			agg.Add(&DocumentWatchChange{UpdatedTargetIDs: []int{1}, Key: b.Key(), NewDoc: b})
			ev := agg.CreateRemoteEvent()

			rm, ok := ev.TargetChanges[1].Mapping.(*ResetMapping)
			if !ok {
				t.Fatalf("got mapping %T, want *ResetMapping", ev.TargetChanges[1].Mapping)
			}
			if diff := cmp.Diff([]string{"rooms/b"}, keyStrings(rm.Docs)); diff != "" {
				t.Errorf("reset mapping (-want +got):\n%s", diff)
			}
			if _, pending := agg.PendingTargetResponses[1]; pending {
				t.Error("target 1 still pending")
			}
		})
	}
}

func TestAggregatorRemovedDocument(t *testing.T) {
	v := model.NewSnapshotVersion(2, 0)
	agg := NewWatchChangeAggregator(v, listenTargets(1, 2), nil)
	key := model.KeyFromString("rooms/a")
	del := model.NewNoDocument(key, v)
	agg.Add(
		&DocumentWatchChange{RemovedTargetIDs: []int{1}, Key: key, NewDoc: del},
		// Moves between targets carry no document.
		&DocumentWatchChange{UpdatedTargetIDs: []int{2}, Key: model.KeyFromString("rooms/b")},
		&WatchTargetChange{State: WatchReset, TargetIDs: []int{2}},
		&ExistenceFilterChange{TargetID: 1, Count: 4},
	)
	ev := agg.CreateRemoteEvent()

	um := ev.TargetChanges[1].Mapping.(*UpdateMapping)
	if diff := cmp.Diff([]string{"rooms/a"}, keyStrings(um.Removed)); diff != "" {
		t.Errorf("removed keys (-want +got):\n%s", diff)
	}
	if _, ok := ev.TargetChanges[2].Mapping.(*ResetMapping); !ok {
		t.Errorf("got mapping %T for a reset target, want *ResetMapping", ev.TargetChanges[2].Mapping)
	}
	got, ok := ev.DocumentUpdates.Get(key)
	if !ok || !model.EqualMaybeDocuments(got, del) {
		t.Errorf("got update %v, want %v", got, del)
	}
	if ev.DocumentUpdates.Len() != 1 {
		t.Errorf("got %d document updates, want 1", ev.DocumentUpdates.Len())
	}
	if diff := cmp.Diff(map[int]int{1: 4}, agg.ExistenceFilters); diff != "" {
		t.Errorf("existence filters (-want +got):\n%s", diff)
	}
}

func TestAggregatorFrozen(t *testing.T) {
	agg := NewWatchChangeAggregator(model.MinVersion, nil, nil)
	agg.CreateRemoteEvent()
	defer func() {
		if recover() == nil {
			t.Error("Add after CreateRemoteEvent did not panic")
		}
	}()
	agg.Add(&ExistenceFilterChange{TargetID: 1})
}

func TestUpdateMappingApply(t *testing.T) {
	m := NewUpdateMapping()
	m.Add(model.KeyFromString("rooms/c"))
	m.Delete(model.KeyFromString("rooms/a"))
	existing := model.NewDocumentKeySet(model.KeyFromString("rooms/a"), model.KeyFromString("rooms/b"))
	got := keyStrings(m.Apply(existing))
	if diff := cmp.Diff([]string{"rooms/b", "rooms/c"}, got); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
	if existing.Len() != 2 {
		t.Error("Apply modified its argument")
	}
}
