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
	"context"

	"docsync.dev/internal/gcerr"
	"docsync.dev/model"
	"docsync.dev/query"
	"docsync.dev/remote"
)

// ListenOptions control which snapshots a QueryListener receives.
type ListenOptions struct {
	// IncludeDocumentMetadataChanges raises snapshots for documents whose
	// only change is whether they have local mutations.
	IncludeDocumentMetadataChanges bool
	// IncludeQueryMetadataChanges raises snapshots whose only change is
	// FromCache or HasPendingWrites.
	IncludeQueryMetadataChanges bool
	// WaitForSyncWhenOnline holds back the first snapshot until the view
	// is synced, unless the client is offline.
	WaitForSyncWhenOnline bool
}

// A QueryListener filters the snapshots of one query for one observer.
type QueryListener struct {
	query      query.Query
	opts       ListenOptions
	onSnapshot func(*ViewSnapshot)
	onError    func(error)

	raisedInitialEvent bool
	snap               *ViewSnapshot
	onlineState        remote.OnlineState
}

// NewQueryListener returns a listener calling onSnapshot and onError on the
// async queue.
func NewQueryListener(q query.Query, opts ListenOptions, onSnapshot func(*ViewSnapshot), onError func(error)) *QueryListener {
	return &QueryListener{query: q, opts: opts, onSnapshot: onSnapshot, onError: onError}
}

// Query returns the listener's query.
func (l *QueryListener) Query() query.Query { return l.query }

func (l *QueryListener) onViewSnapshot(snap *ViewSnapshot) {
	gcerr.Assert(len(snap.DocChanges) > 0 || snap.SyncStateChanged, "we got a new snapshot with no changes?")
	if !l.opts.IncludeDocumentMetadataChanges {
		var changes []DocumentViewChange
		for _, c := range snap.DocChanges {
			if c.Type != Metadata {
				changes = append(changes, c)
			}
		}
		s := *snap
		s.DocChanges = changes
		snap = &s
	}
	if !l.raisedInitialEvent {
		if l.shouldRaiseInitialEvent(snap, l.onlineState) {
			l.raiseInitialEvent(snap)
		}
	} else if l.shouldRaiseEvent(snap) {
		l.onSnapshot(snap)
	}
	l.snap = snap
}

func (l *QueryListener) applyOnlineStateChange(state remote.OnlineState) {
	l.onlineState = state
	if l.snap != nil && !l.raisedInitialEvent && l.shouldRaiseInitialEvent(l.snap, state) {
		l.raiseInitialEvent(l.snap)
	}
}

func (l *QueryListener) shouldRaiseInitialEvent(snap *ViewSnapshot, state remote.OnlineState) bool {
	if !snap.FromCache {
		return true
	}
	maybeOnline := state != remote.OnlineStateOffline
	if l.opts.WaitForSyncWhenOnline && maybeOnline {
		return false
	}
	// An empty result from the cache says little while the backend may
	// still answer.
	return !snap.Docs.IsEmpty() || state == remote.OnlineStateOffline
}

func (l *QueryListener) shouldRaiseEvent(snap *ViewSnapshot) bool {
	if len(snap.DocChanges) > 0 {
		return true
	}
	pendingWritesChanged := l.snap != nil && l.snap.HasPendingWrites != snap.HasPendingWrites
	if snap.SyncStateChanged || pendingWritesChanged {
		return l.opts.IncludeQueryMetadataChanges
	}
	return false
}

// raiseInitialEvent reports every document of snap as added.
func (l *QueryListener) raiseInitialEvent(snap *ViewSnapshot) {
	gcerr.Assert(!l.raisedInitialEvent, "trying to raise initial event for second time")
	changes := make([]DocumentViewChange, 0, snap.Docs.Len())
	snap.Docs.Each(func(d *model.Document) bool {
		changes = append(changes, DocumentViewChange{Type: Added, Doc: d})
		return true
	})
	l.raisedInitialEvent = true
	l.onSnapshot(&ViewSnapshot{
		Query:            snap.Query,
		Docs:             snap.Docs,
		OldDocs:          NewDocumentSet(snap.Query.Comparator()),
		DocChanges:       changes,
		FromCache:        snap.FromCache,
		HasPendingWrites: snap.HasPendingWrites,
		SyncStateChanged: true,
	})
}

type queryListeners struct {
	viewSnap  *ViewSnapshot
	listeners []*QueryListener
}

// EventManager multiplexes the listeners of a query onto one SyncEngine
// listen. It must be used on the async queue.
type EventManager struct {
	syncEngine  *SyncEngine
	queries     map[string]*queryListeners
	onlineState remote.OnlineState
}

// NewEventManager returns an EventManager subscribed to se.
func NewEventManager(se *SyncEngine) *EventManager {
	m := &EventManager{syncEngine: se, queries: map[string]*queryListeners{}}
	se.Subscribe(m)
	return m
}

// Listen adds l. The first listener of a query starts listening to it.
func (m *EventManager) Listen(ctx context.Context, l *QueryListener) error {
	id := l.query.CanonicalID()
	info, ok := m.queries[id]
	if !ok {
		info = &queryListeners{}
		m.queries[id] = info
	}
	info.listeners = append(info.listeners, l)
	l.applyOnlineStateChange(m.onlineState)
	if info.viewSnap != nil {
		l.onViewSnapshot(info.viewSnap)
	}
	if ok {
		return nil
	}
	if _, err := m.syncEngine.Listen(ctx, l.query); err != nil {
		delete(m.queries, id)
		return err
	}
	return nil
}

// Unlisten removes l. The last listener of a query stops listening to it.
func (m *EventManager) Unlisten(ctx context.Context, l *QueryListener) error {
	id := l.query.CanonicalID()
	info, ok := m.queries[id]
	if !ok {
		return nil
	}
	for i, x := range info.listeners {
		if x == l {
			info.listeners = append(info.listeners[:i], info.listeners[i+1:]...)
			break
		}
	}
	if len(info.listeners) > 0 {
		return nil
	}
	delete(m.queries, id)
	return m.syncEngine.Unlisten(ctx, l.query)
}

// OnWatchChange implements SyncEngineListener.OnWatchChange.
func (m *EventManager) OnWatchChange(snaps []*ViewSnapshot) {
	for _, snap := range snaps {
		info, ok := m.queries[snap.Query.CanonicalID()]
		if !ok {
			continue
		}
		for _, l := range info.listeners {
			l.onViewSnapshot(snap)
		}
		info.viewSnap = snap
	}
}

// OnWatchError implements SyncEngineListener.OnWatchError.
func (m *EventManager) OnWatchError(q query.Query, err error) {
	id := q.CanonicalID()
	info, ok := m.queries[id]
	if !ok {
		return
	}
	for _, l := range info.listeners {
		l.onError(err)
	}
	delete(m.queries, id)
}

// OnOnlineStateChange implements SyncEngineListener.OnOnlineStateChange.
func (m *EventManager) OnOnlineStateChange(state remote.OnlineState) {
	m.onlineState = state
	for _, info := range m.queries {
		for _, l := range info.listeners {
			l.applyOnlineStateChange(state)
		}
	}
}
