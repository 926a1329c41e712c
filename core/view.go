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
	"fmt"
	"sort"

	"docsync.dev/internal/gcerr"
	"docsync.dev/model"
	"docsync.dev/query"
	"docsync.dev/remote"
)

// ChangeType is the kind of a DocumentViewChange.
type ChangeType int

const (
	// Added documents entered the view.
	Added ChangeType = iota
	// Removed documents left the view.
	Removed
	// Modified documents changed their data.
	Modified
	// Metadata documents only changed whether they have local mutations.
	Metadata
)

func (t ChangeType) String() string {
	switch t {
	case Added:
		return "Added"
	case Removed:
		return "Removed"
	case Modified:
		return "Modified"
	case Metadata:
		return "Metadata"
	}
	return fmt.Sprintf("ChangeType(%d)", int(t))
}

// A DocumentViewChange is a change to one document of a view. For Removed
// changes, Doc is the document as it was.
type DocumentViewChange struct {
	Type ChangeType
	Doc  *model.Document
}

// DocumentChangeSet merges the changes to each document into one.
type DocumentChangeSet struct {
	changes *model.KeyMap[DocumentViewChange]
}

// NewDocumentChangeSet returns an empty change set.
func NewDocumentChangeSet() *DocumentChangeSet {
	return &DocumentChangeSet{changes: model.NewKeyMap[DocumentViewChange]()}
}

// Track merges c into the change already recorded for its document.
func (s *DocumentChangeSet) Track(c DocumentViewChange) {
	key := c.Doc.Key()
	old, ok := s.changes.Get(key)
	if !ok {
		s.changes.Insert(key, c)
		return
	}
	switch {
	case c.Type != Added && old.Type == Metadata:
		s.changes.Insert(key, c)
	case c.Type == Metadata && old.Type != Removed:
		s.changes.Insert(key, DocumentViewChange{Type: old.Type, Doc: c.Doc})
	case c.Type == Modified && old.Type == Modified:
		s.changes.Insert(key, DocumentViewChange{Type: Modified, Doc: c.Doc})
	case c.Type == Modified && old.Type == Added:
		s.changes.Insert(key, DocumentViewChange{Type: Added, Doc: c.Doc})
	case c.Type == Removed && old.Type == Added:
		s.changes.Delete(key)
	case c.Type == Removed && old.Type == Modified:
		s.changes.Insert(key, DocumentViewChange{Type: Removed, Doc: old.Doc})
	case c.Type == Added && old.Type == Removed:
		s.changes.Insert(key, DocumentViewChange{Type: Modified, Doc: c.Doc})
	default:
		// Added after Added, Removed after Removed, and Added after Modified
		// cannot happen to one document.
		gcerr.Fail("unsupported combination of changes: %v after %v", c.Type, old.Type)
	}
}

// Changes returns the merged changes in key order.
func (s *DocumentChangeSet) Changes() []DocumentViewChange {
	var out []DocumentViewChange
	s.changes.Each(func(_ model.DocumentKey, c DocumentViewChange) bool {
		out = append(out, c)
		return true
	})
	return out
}

// SyncState says whether a view agrees with the backend.
type SyncState int

const (
	syncStateNone SyncState = iota
	// SyncStateLocal views are computed from the cache.
	SyncStateLocal
	// SyncStateSynced views are current with the backend and have no
	// documents in limbo.
	SyncStateSynced
)

// A ViewSnapshot is the result set of a query at one point, with the changes
// from the previous snapshot.
type ViewSnapshot struct {
	Query      query.Query
	Docs       *DocumentSet
	OldDocs    *DocumentSet
	DocChanges []DocumentViewChange
	// FromCache is true until the view is synced.
	FromCache bool
	// HasPendingWrites is true if any document has local mutations.
	HasPendingWrites bool
	SyncStateChanged bool
}

func (s *ViewSnapshot) String() string {
	return fmt.Sprintf("ViewSnapshot(%s, docs=%d, changes=%d, fromCache=%t, pendingWrites=%t, syncStateChanged=%t)",
		s.Query.CanonicalID(), s.Docs.Len(), len(s.DocChanges), s.FromCache, s.HasPendingWrites, s.SyncStateChanged)
}

// LimboChangeType is the kind of a LimboDocumentChange.
type LimboChangeType int

const (
	LimboAdded LimboChangeType = iota
	LimboRemoved
)

// A LimboDocumentChange reports a document entering or leaving limbo: being
// in a view the backend says is current without the backend confirming the
// document belongs there.
type LimboDocumentChange struct {
	Type LimboChangeType
	Key  model.DocumentKey
}

// ViewDocumentChanges is a computed, not yet applied, change to a view.
type ViewDocumentChanges struct {
	documentSet *DocumentSet
	changeSet   *DocumentChangeSet
	mutatedKeys *model.DocumentKeySet
	// NeedsRefill is set when a limited view lost documents it cannot
	// replace from the changes alone. The caller must compute the changes
	// again, passing these as previous, from a full run of the query.
	NeedsRefill bool
}

// ViewChange is the result of applying changes to a view. Snapshot is nil if
// nothing visible changed.
type ViewChange struct {
	Snapshot     *ViewSnapshot
	LimboChanges []LimboDocumentChange
}

// A View is the materialized result of a query, kept up to date
// incrementally. It does no I/O.
type View struct {
	query       query.Query
	comparator  func(d1, d2 *model.Document) int
	syncState   SyncState
	current     bool
	documentSet *DocumentSet
	// syncedDocuments are the keys the backend reports as matching the
	// query.
	syncedDocuments *model.DocumentKeySet
	limboDocuments  *model.DocumentKeySet
	mutatedKeys     *model.DocumentKeySet
}

// NewView returns an empty view of q. syncedDocuments are the keys the
// backend last reported for q's target.
func NewView(q query.Query, syncedDocuments *model.DocumentKeySet) *View {
	if syncedDocuments == nil {
		syncedDocuments = model.NewDocumentKeySet()
	}
	cmp := q.Comparator()
	return &View{
		query:           q,
		comparator:      cmp,
		documentSet:     NewDocumentSet(cmp),
		syncedDocuments: syncedDocuments,
		limboDocuments:  model.NewDocumentKeySet(),
		mutatedKeys:     model.NewDocumentKeySet(),
	}
}

// Query returns the view's query.
func (v *View) Query() query.Query { return v.query }

// SyncState returns the sync state as of the last applied change.
func (v *View) SyncState() SyncState { return v.syncState }

// LimboDocuments returns the keys currently in limbo.
func (v *View) LimboDocuments() *model.DocumentKeySet { return v.limboDocuments.Clone() }

// ComputeDocChanges computes the view resulting from docChanges without
// applying it. previous, if not nil, is a result that needed a refill;
// docChanges must then be the full query result.
func (v *View) ComputeDocChanges(docChanges *model.MaybeDocumentMap, previous *ViewDocumentChanges) *ViewDocumentChanges {
	var (
		changeSet      = NewDocumentChangeSet()
		oldDocumentSet = v.documentSet
		newMutatedKeys = v.mutatedKeys.Clone()
	)
	if previous != nil {
		changeSet = previous.changeSet
		oldDocumentSet = previous.documentSet
		newMutatedKeys = previous.mutatedKeys.Clone()
	}
	newDocumentSet := oldDocumentSet
	needsRefill := false

	// A full limited view can only be extended with documents that sort
	// before its last one.
	var lastDocInLimit *model.Document
	if v.query.Limit > 0 && oldDocumentSet.Len() == v.query.Limit {
		lastDocInLimit = oldDocumentSet.Last()
	}

	docChanges.Each(func(key model.DocumentKey, maybeDoc model.MaybeDocument) bool {
		oldDoc := oldDocumentSet.Get(key)
		newDoc, _ := maybeDoc.(*model.Document)
		if newDoc != nil {
			gcerr.Assert(key == newDoc.Key(), "mismatching keys found in document changes: %s != %s", key, newDoc.Key())
			if !v.query.Matches(newDoc) {
				newDoc = nil
			}
		}
		if newDoc != nil {
			newDocumentSet = newDocumentSet.Add(newDoc)
			if newDoc.HasLocalMutations() {
				newMutatedKeys.Add(key)
			} else {
				newMutatedKeys.Delete(key)
			}
		} else {
			newDocumentSet = newDocumentSet.Delete(key)
			newMutatedKeys.Delete(key)
		}

		switch {
		case oldDoc != nil && newDoc != nil:
			dataChanged := !oldDoc.Data().Equal(newDoc.Data())
			if dataChanged || oldDoc.HasLocalMutations() != newDoc.HasLocalMutations() {
				if dataChanged {
					changeSet.Track(DocumentViewChange{Type: Modified, Doc: newDoc})
				} else {
					changeSet.Track(DocumentViewChange{Type: Metadata, Doc: newDoc})
				}
				if lastDocInLimit != nil && v.comparator(newDoc, lastDocInLimit) > 0 {
					// The document moved past the end of the limit; a
					// document outside the view may belong in its place.
					needsRefill = true
				}
			}
		case oldDoc == nil && newDoc != nil:
			changeSet.Track(DocumentViewChange{Type: Added, Doc: newDoc})
		case oldDoc != nil && newDoc == nil:
			changeSet.Track(DocumentViewChange{Type: Removed, Doc: oldDoc})
			if lastDocInLimit != nil {
				needsRefill = true
			}
		}
		return true
	})

	if v.query.Limit > 0 {
		for newDocumentSet.Len() > v.query.Limit {
			oldDoc := newDocumentSet.Last()
			newDocumentSet = newDocumentSet.Delete(oldDoc.Key())
			newMutatedKeys.Delete(oldDoc.Key())
			changeSet.Track(DocumentViewChange{Type: Removed, Doc: oldDoc})
		}
	}
	gcerr.Assert(!needsRefill || previous == nil, "view was refilled using docs that themselves needed refilling")
	return &ViewDocumentChanges{
		documentSet: newDocumentSet,
		changeSet:   changeSet,
		mutatedKeys: newMutatedKeys,
		NeedsRefill: needsRefill,
	}
}

// ApplyChanges applies computed changes and a target change from the
// backend, which may be nil.
func (v *View) ApplyChanges(docChanges *ViewDocumentChanges, targetChange *remote.TargetChange) ViewChange {
	gcerr.Assert(!docChanges.NeedsRefill, "cannot apply changes that need a refill")
	oldDocs := v.documentSet
	v.documentSet = docChanges.documentSet
	v.mutatedKeys = docChanges.mutatedKeys

	changes := docChanges.changeSet.Changes()
	sort.SliceStable(changes, func(i, j int) bool {
		ci, cj := changeTypeOrder(changes[i].Type), changeTypeOrder(changes[j].Type)
		if ci != cj {
			return ci < cj
		}
		return v.comparator(changes[i].Doc, changes[j].Doc) < 0
	})

	v.applyTargetChange(targetChange)
	limboChanges := v.updateLimboDocuments()
	newSyncState := SyncStateLocal
	if v.current && v.limboDocuments.Len() == 0 {
		newSyncState = SyncStateSynced
	}
	syncStateChanged := newSyncState != v.syncState
	v.syncState = newSyncState

	if len(changes) == 0 && !syncStateChanged {
		return ViewChange{LimboChanges: limboChanges}
	}
	return ViewChange{
		Snapshot: &ViewSnapshot{
			Query:            v.query,
			Docs:             v.documentSet,
			OldDocs:          oldDocs,
			DocChanges:       changes,
			FromCache:        newSyncState == SyncStateLocal,
			HasPendingWrites: v.mutatedKeys.Len() > 0,
			SyncStateChanged: syncStateChanged,
		},
		LimboChanges: limboChanges,
	}
}

// ApplyOnlineStateChange drops the current flag when the client goes
// offline, so that the view reports results from the cache.
func (v *View) ApplyOnlineStateChange(state remote.OnlineState) ViewChange {
	if v.current && state == remote.OnlineStateOffline {
		v.current = false
		return v.ApplyChanges(&ViewDocumentChanges{
			documentSet: v.documentSet,
			changeSet:   NewDocumentChangeSet(),
			mutatedKeys: v.mutatedKeys,
		}, nil)
	}
	return ViewChange{}
}

func changeTypeOrder(t ChangeType) int {
	switch t {
	case Removed:
		return 0
	case Added:
		return 1
	case Modified, Metadata:
		// A metadata change can turn into a modification; keep them
		// together.
		return 2
	}
	gcerr.Fail("unknown change type: %v", t)
	return 0
}

func (v *View) applyTargetChange(tc *remote.TargetChange) {
	if tc == nil {
		return
	}
	if tc.Mapping != nil {
		v.syncedDocuments = tc.Mapping.Apply(v.syncedDocuments)
	}
	switch tc.CurrentStatusUpdate {
	case remote.MarkCurrent:
		v.current = true
	case remote.MarkNotCurrent:
		v.current = false
	}
}

func (v *View) shouldBeInLimbo(key model.DocumentKey) bool {
	if v.syncedDocuments.Has(key) {
		return false
	}
	doc := v.documentSet.Get(key)
	// Documents with local mutations are explained by the mutations.
	return doc != nil && !doc.HasLocalMutations()
}

func (v *View) updateLimboDocuments() []LimboDocumentChange {
	// Until the target is current, a missing key may still arrive.
	if !v.current {
		return nil
	}
	old := v.limboDocuments
	v.limboDocuments = model.NewDocumentKeySet()
	v.documentSet.Each(func(d *model.Document) bool {
		if v.shouldBeInLimbo(d.Key()) {
			v.limboDocuments.Add(d.Key())
		}
		return true
	})

	var changes []LimboDocumentChange
	old.Each(func(k model.DocumentKey) bool {
		if !v.limboDocuments.Has(k) {
			changes = append(changes, LimboDocumentChange{Type: LimboRemoved, Key: k})
		}
		return true
	})
	v.limboDocuments.Each(func(k model.DocumentKey) bool {
		if !old.Has(k) {
			changes = append(changes, LimboDocumentChange{Type: LimboAdded, Key: k})
		}
		return true
	})
	return changes
}
