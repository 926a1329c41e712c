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

	"docsync.dev/internal/gcerr"
	"docsync.dev/model"
	"docsync.dev/query"
)

// A WatchChange is one message of the watch stream: a *DocumentWatchChange,
// an *ExistenceFilterChange or a *WatchTargetChange.
type WatchChange interface {
	isWatchChange()
}

// DocumentWatchChange reports a document entering or leaving targets.
type DocumentWatchChange struct {
	UpdatedTargetIDs []int
	RemovedTargetIDs []int
	Key              model.DocumentKey
	// NewDoc is the new state of the document, or nil if only its target
	// membership changed.
	NewDoc model.MaybeDocument
}

// ExistenceFilterChange carries the number of documents the backend has for
// a target, so the client can detect that it missed a removal.
type ExistenceFilterChange struct {
	TargetID int
	Count    int
}

// WatchTargetChangeState is the kind of a WatchTargetChange.
type WatchTargetChangeState int

const (
	// WatchNoChange carries only a resume token, or, with no target ids,
	// marks a consistent global snapshot.
	WatchNoChange WatchTargetChangeState = iota
	// WatchAdded acknowledges a listen.
	WatchAdded
	// WatchRemoved acknowledges an unlisten, or reports a target error when
	// Cause is set.
	WatchRemoved
	// WatchCurrent marks targets current.
	WatchCurrent
	// WatchReset says the backend will resend the target's documents.
	WatchReset
)

func (s WatchTargetChangeState) String() string {
	switch s {
	case WatchNoChange:
		return "NoChange"
	case WatchAdded:
		return "Added"
	case WatchRemoved:
		return "Removed"
	case WatchCurrent:
		return "Current"
	case WatchReset:
		return "Reset"
	}
	return fmt.Sprintf("WatchTargetChangeState(%d)", int(s))
}

// WatchTargetChange changes the state of targets.
type WatchTargetChange struct {
	State     WatchTargetChangeState
	TargetIDs []int
	// ResumeToken is empty when it did not change.
	ResumeToken []byte
	// Cause is the error of a removed target.
	Cause error
}

func (*DocumentWatchChange) isWatchChange()   {}
func (*ExistenceFilterChange) isWatchChange() {}
func (*WatchTargetChange) isWatchChange()     {}

type keyMapping interface {
	TargetMapping
	Add(model.DocumentKey)
	Delete(model.DocumentKey)
}

// WatchChangeAggregator folds the watch changes received between two
// consistent snapshots into one RemoteEvent.
//
// Changes for targets that are not listened to, or that still wait for the
// backend to acknowledge a listen or unlisten, are dropped: they describe a
// state of the target the client no longer cares about.
type WatchChangeAggregator struct {
	snapshotVersion model.SnapshotVersion
	listenTargets   map[int]query.TargetData
	// PendingTargetResponses counts the listen and unlisten requests per
	// target the backend has not acknowledged yet. It is updated as Added
	// and Removed changes are folded in.
	PendingTargetResponses map[int]int
	// ExistenceFilters holds the last existence filter of each active target.
	ExistenceFilters map[int]int

	targetChanges   map[int]*TargetChange
	documentUpdates *model.MaybeDocumentMap
	frozen          bool
}

// NewWatchChangeAggregator returns an aggregator for a snapshot at v. pending
// is copied.
func NewWatchChangeAggregator(v model.SnapshotVersion, listenTargets map[int]query.TargetData, pending map[int]int) *WatchChangeAggregator {
	p := make(map[int]int, len(pending))
	for id, n := range pending {
		p[id] = n
	}
	return &WatchChangeAggregator{
		snapshotVersion:        v,
		listenTargets:          listenTargets,
		PendingTargetResponses: p,
		ExistenceFilters:       map[int]int{},
		targetChanges:          map[int]*TargetChange{},
		documentUpdates:        model.NewMaybeDocumentMap(),
	}
}

// Add folds changes into the aggregate.
func (a *WatchChangeAggregator) Add(changes ...WatchChange) {
	gcerr.Assert(!a.frozen, "trying to modify a frozen WatchChangeAggregator")
	for _, c := range changes {
		switch c := c.(type) {
		case *DocumentWatchChange:
			a.addDocumentChange(c)
		case *WatchTargetChange:
			a.addTargetChange(c)
		case *ExistenceFilterChange:
			if a.isActiveTarget(c.TargetID) {
				a.ExistenceFilters[c.TargetID] = c.Count
			}
		default:
			gcerr.Fail("unknown watch change %T", c)
		}
	}
}

// CreateRemoteEvent returns the event for the changes added so far. The
// aggregator cannot be modified afterwards.
func (a *WatchChangeAggregator) CreateRemoteEvent() *RemoteEvent {
	changes := map[int]*TargetChange{}
	for id, c := range a.targetChanges {
		if a.isActiveTarget(id) {
			changes[id] = c
		}
	}
	a.frozen = true
	return &RemoteEvent{
		SnapshotVersion: a.snapshotVersion,
		TargetChanges:   changes,
		DocumentUpdates: a.documentUpdates,
	}
}

func (a *WatchChangeAggregator) isActiveTarget(id int) bool {
	_, pending := a.PendingTargetResponses[id]
	_, listening := a.listenTargets[id]
	return !pending && listening
}

func (a *WatchChangeAggregator) ensureTargetChange(id int) *TargetChange {
	c, ok := a.targetChanges[id]
	if !ok {
		c = &TargetChange{SnapshotVersion: a.snapshotVersion, Mapping: NewUpdateMapping()}
		a.targetChanges[id] = c
	}
	return c
}

func (a *WatchChangeAggregator) addDocumentChange(c *DocumentWatchChange) {
	relevant := false
	for _, id := range c.UpdatedTargetIDs {
		if a.isActiveTarget(id) {
			a.ensureTargetChange(id).Mapping.(keyMapping).Add(c.Key)
			relevant = true
		}
	}
	for _, id := range c.RemovedTargetIDs {
		if a.isActiveTarget(id) {
			a.ensureTargetChange(id).Mapping.(keyMapping).Delete(c.Key)
			relevant = true
		}
	}
	// A change may only move the document between targets.
	if c.NewDoc != nil && relevant {
		a.documentUpdates.Insert(c.Key, c.NewDoc)
	}
}

func (a *WatchChangeAggregator) addTargetChange(c *WatchTargetChange) {
	for _, id := range c.TargetIDs {
		change := a.ensureTargetChange(id)
		switch c.State {
		case WatchNoChange:
			if a.isActiveTarget(id) {
				applyResumeToken(change, c.ResumeToken)
			}
		case WatchAdded:
			a.recordTargetResponse(id)
			if _, pending := a.PendingTargetResponses[id]; !pending {
				// A freshly added target starts over, for example after an
				// existence filter mismatch removed and re-added it.
				change.Mapping = NewResetMapping()
				change.CurrentStatusUpdate = CurrentStatusNone
				delete(a.ExistenceFilters, id)
			}
			applyResumeToken(change, c.ResumeToken)
		case WatchRemoved:
			a.recordTargetResponse(id)
			gcerr.Assert(c.Cause == nil, "WatchChangeAggregator does not handle errored targets")
		case WatchCurrent:
			if a.isActiveTarget(id) {
				change.CurrentStatusUpdate = MarkCurrent
				applyResumeToken(change, c.ResumeToken)
			}
		case WatchReset:
			if a.isActiveTarget(id) {
				change.Mapping = NewResetMapping()
				applyResumeToken(change, c.ResumeToken)
			}
		default:
			gcerr.Fail("unknown target watch change state: %v", c.State)
		}
	}
}

func (a *WatchChangeAggregator) recordTargetResponse(id int) {
	n := a.PendingTargetResponses[id] - 1
	if n <= 0 {
		delete(a.PendingTargetResponses, id)
		return
	}
	a.PendingTargetResponses[id] = n
}

func applyResumeToken(c *TargetChange, token []byte) {
	if len(token) > 0 {
		c.ResumeToken = token
	}
}
