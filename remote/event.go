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
	"fmt"

	"docsync.dev/model"
)

// CurrentStatusUpdate says how a target's "current" flag changes.
type CurrentStatusUpdate int

const (
	// CurrentStatusNone leaves the flag unchanged.
	CurrentStatusNone CurrentStatusUpdate = iota
	// MarkNotCurrent clears the flag.
	MarkNotCurrent
	// MarkCurrent sets the flag: the backend has sent every document the
	// target matched at the event's snapshot version.
	MarkCurrent
)

func (u CurrentStatusUpdate) String() string {
	switch u {
	case CurrentStatusNone:
		return "none"
	case MarkNotCurrent:
		return "not-current"
	case MarkCurrent:
		return "current"
	}
	return fmt.Sprintf("CurrentStatusUpdate(%d)", int(u))
}

// A TargetMapping describes how the set of documents matching a target
// changed. It is a *ResetMapping or an *UpdateMapping.
type TargetMapping interface {
	// Apply returns the result of applying the mapping to keys, which is not
	// modified.
	Apply(keys *model.DocumentKeySet) *model.DocumentKeySet
	isTargetMapping()
}

// ResetMapping replaces the target's documents with Docs.
type ResetMapping struct {
	Docs *model.DocumentKeySet
}

// NewResetMapping returns a mapping that resets the target to keys.
func NewResetMapping(keys ...model.DocumentKey) *ResetMapping {
	return &ResetMapping{Docs: model.NewDocumentKeySet(keys...)}
}

func (m *ResetMapping) Add(k model.DocumentKey)    { m.Docs.Add(k) }
func (m *ResetMapping) Delete(k model.DocumentKey) { m.Docs.Delete(k) }

func (m *ResetMapping) Apply(*model.DocumentKeySet) *model.DocumentKeySet { return m.Docs.Clone() }
func (*ResetMapping) isTargetMapping()                                    {}

// UpdateMapping adds and removes documents from the target.
type UpdateMapping struct {
	Added, Removed *model.DocumentKeySet
}

// NewUpdateMapping returns an empty UpdateMapping.
func NewUpdateMapping() *UpdateMapping {
	return &UpdateMapping{Added: model.NewDocumentKeySet(), Removed: model.NewDocumentKeySet()}
}

// Add records that k now matches the target.
func (m *UpdateMapping) Add(k model.DocumentKey) {
	m.Added.Add(k)
	m.Removed.Delete(k)
}

// Delete records that k no longer matches the target.
func (m *UpdateMapping) Delete(k model.DocumentKey) {
	m.Removed.Add(k)
	m.Added.Delete(k)
}

func (m *UpdateMapping) Apply(keys *model.DocumentKeySet) *model.DocumentKeySet {
	out := keys.Union(m.Added)
	m.Removed.Each(func(k model.DocumentKey) bool {
		out.Delete(k)
		return true
	})
	return out
}

func (*UpdateMapping) isTargetMapping() {}

// A TargetChange is what a RemoteEvent says about one target.
type TargetChange struct {
	CurrentStatusUpdate CurrentStatusUpdate
	// Mapping is nil when the target's documents did not change.
	Mapping TargetMapping
	// SnapshotVersion is the version of the last consistent snapshot the
	// target received.
	SnapshotVersion model.SnapshotVersion
	// ResumeToken is empty when it did not change.
	ResumeToken []byte
}

// A RemoteEvent is a consistent snapshot of changes from the backend: the
// target changes and document updates accumulated up to SnapshotVersion.
type RemoteEvent struct {
	// SnapshotVersion is MinVersion for events synthesized locally.
	SnapshotVersion model.SnapshotVersion
	TargetChanges   map[int]*TargetChange
	DocumentUpdates *model.MaybeDocumentMap
}

// NewRemoteEvent returns an event with no changes at version v.
func NewRemoteEvent(v model.SnapshotVersion) *RemoteEvent {
	return &RemoteEvent{
		SnapshotVersion: v,
		TargetChanges:   map[int]*TargetChange{},
		DocumentUpdates: model.NewMaybeDocumentMap(),
	}
}

// AddDocumentUpdate adds or replaces the update for doc's key.
func (e *RemoteEvent) AddDocumentUpdate(doc model.MaybeDocument) {
	e.DocumentUpdates.Insert(doc.Key(), doc)
}

// HandleExistenceFilterMismatch resets the target: its document set is
// cleared, it is no longer current, and its resume token is dropped so that
// the next listen fetches everything again.
func (e *RemoteEvent) HandleExistenceFilterMismatch(targetID int) {
	e.TargetChanges[targetID] = &TargetChange{
		CurrentStatusUpdate: MarkNotCurrent,
		Mapping:             NewResetMapping(),
		SnapshotVersion:     e.SnapshotVersion,
	}
}

func (e *RemoteEvent) String() string {
	return fmt.Sprintf("RemoteEvent(version=%s, targets=%d, documents=%d)",
		e.SnapshotVersion, len(e.TargetChanges), e.DocumentUpdates.Len())
}
