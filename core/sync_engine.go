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

// Package core ties the local store, the remote store and the query views
// together.
//
// The SyncEngine applies writes and remote events to the local store,
// recomputes the affected views and reports their snapshots to a
// SyncEngineListener, usually an EventManager. It also resolves documents in
// limbo by listening to them individually. All SyncEngine methods except
// RunTransaction run on the client's async queue.
package core // import "docsync.dev/core"

import (
	"context"
	"sort"

	"docsync.dev/auth"
	"docsync.dev/internal/asyncqueue"
	"docsync.dev/internal/gcerr"
	"docsync.dev/localstore"
	"docsync.dev/model"
	"docsync.dev/query"
	"docsync.dev/remote"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	gax "github.com/googleapis/gax-go/v2"
)

// DefaultMaxConcurrentLimboResolutions bounds the number of limbo targets
// listened to at once.
const DefaultMaxConcurrentLimboResolutions = 100

// DefaultTransactionRetries is the number of times a transaction is retried.
const DefaultTransactionRetries = 5

// SyncEngineListener receives view snapshots and errors. Its methods are
// called on the async queue.
type SyncEngineListener interface {
	OnWatchChange(snapshots []*ViewSnapshot)
	// OnWatchError reports a query the backend rejected. The query is no
	// longer listened to.
	OnWatchError(q query.Query, err error)
	OnOnlineStateChange(state remote.OnlineState)
}

// Options are optional arguments to NewSyncEngine.
type Options struct {
	Logger log.Logger
	// MaxConcurrentLimboResolutions defaults to
	// DefaultMaxConcurrentLimboResolutions.
	MaxConcurrentLimboResolutions int
	// TransactionRetries defaults to DefaultTransactionRetries.
	TransactionRetries int
	// TransactionBackoff paces transaction retries.
	TransactionBackoff gax.Backoff
}

type queryView struct {
	query    query.Query
	targetID int
	view     *View
}

// SyncEngine is the central controller of a client. See the package
// documentation.
type SyncEngine struct {
	logger    log.Logger
	local     *localstore.LocalStore
	remote    *remote.RemoteStore
	datastore *remote.Datastore
	queue     *asyncqueue.Queue
	user      auth.User
	opts      Options
	listener  SyncEngineListener

	queryViewsByQuery  map[string]*queryView
	queryViewsByTarget map[int]*queryView

	limboTargetsByKey map[model.DocumentKey]int
	limboKeysByTarget map[int]model.DocumentKey
	// enqueuedLimbo holds keys waiting for a free limbo slot, oldest first.
	enqueuedLimbo     []model.DocumentKey
	limboDocumentRefs *localstore.ReferenceSet
	limboCollector    *localstore.EagerGarbageCollector
	limboTargetIDs    *query.TargetIDGenerator

	// mutationCallbacks are keyed by user and batch id.
	mutationCallbacks map[string]map[int]chan error
}

var _ remote.RemoteSyncer = (*SyncEngine)(nil)

// NewSyncEngine returns a SyncEngine and registers it as the remote store's
// syncer.
func NewSyncEngine(local *localstore.LocalStore, rs *remote.RemoteStore, ds *remote.Datastore, q *asyncqueue.Queue, user auth.User, opts *Options) *SyncEngine {
	var o Options
	if opts != nil {
		o = *opts
	}
	if o.Logger == nil {
		o.Logger = log.NewNopLogger()
	}
	if o.MaxConcurrentLimboResolutions <= 0 {
		o.MaxConcurrentLimboResolutions = DefaultMaxConcurrentLimboResolutions
	}
	if o.TransactionRetries <= 0 {
		o.TransactionRetries = DefaultTransactionRetries
	}
	se := &SyncEngine{
		logger:             log.With(o.Logger, "component", "syncengine"),
		local:              local,
		remote:             rs,
		datastore:          ds,
		queue:              q,
		user:               user,
		opts:               o,
		queryViewsByQuery:  map[string]*queryView{},
		queryViewsByTarget: map[int]*queryView{},
		limboTargetsByKey:  map[model.DocumentKey]int{},
		limboKeysByTarget:  map[int]model.DocumentKey{},
		limboDocumentRefs:  localstore.NewReferenceSet(),
		limboCollector:     localstore.NewEagerGarbageCollector(),
		limboTargetIDs:     query.NewTargetIDGenerator(query.SyncEngineGenerator, 0),
		mutationCallbacks:  map[string]map[int]chan error{},
	}
	se.limboCollector.AddGarbageSource(se.limboDocumentRefs)
	rs.SetSyncer(se)
	return se
}

// releaseAfterFailedListen gives back the target allocated for q and returns
// err, the reason Listen failed.
func (se *SyncEngine) releaseAfterFailedListen(ctx context.Context, q query.Query, err error) error {
	if rerr := se.local.ReleaseQuery(ctx, q); rerr != nil {
		level.Warn(se.logger).Log("op", "Listen", "msg", "releasing target failed", "query", q, "err", rerr)
	}
	return err
}

// Subscribe sets the receiver of snapshots. It must be called before Listen.
func (se *SyncEngine) Subscribe(l SyncEngineListener) { se.listener = l }

func (se *SyncEngine) assertSubscribed(method string) {
	gcerr.Assert(se.listener != nil, "trying to call %s before calling Subscribe", method)
}

// Listen starts listening to q, reports the view computed from the cache,
// and returns q's target id. It panics if q is already listened to.
func (se *SyncEngine) Listen(ctx context.Context, q query.Query) (int, error) {
	se.assertSubscribed("Listen")
	if _, ok := se.queryViewsByQuery[q.CanonicalID()]; ok {
		gcerr.Fail("we already listen to the query: %s", q)
	}
	td, err := se.local.AllocateQuery(ctx, q)
	if err != nil {
		return 0, err
	}
	docs, err := se.local.ExecuteQuery(ctx, q)
	if err != nil {
		return 0, se.releaseAfterFailedListen(ctx, q, err)
	}
	remoteKeys, err := se.local.RemoteDocumentKeys(ctx, td.TargetID)
	if err != nil {
		return 0, se.releaseAfterFailedListen(ctx, q, err)
	}
	view := NewView(q, remoteKeys)
	viewChange := view.ApplyChanges(view.ComputeDocChanges(maybeDocuments(docs), nil), nil)
	gcerr.Assert(len(viewChange.LimboChanges) == 0, "view returned limbo docs before target ack from the server")
	gcerr.Assert(viewChange.Snapshot != nil, "first view change has no snapshot")

	qv := &queryView{query: q, targetID: td.TargetID, view: view}
	se.queryViewsByQuery[q.CanonicalID()] = qv
	se.queryViewsByTarget[td.TargetID] = qv
	level.Debug(se.logger).Log("op", "Listen", "target", td.TargetID, "query", q)
	se.listener.OnWatchChange([]*ViewSnapshot{viewChange.Snapshot})
	se.remote.Listen(ctx, td)
	return td.TargetID, nil
}

// Unlisten stops listening to q. It panics if q is not listened to.
func (se *SyncEngine) Unlisten(ctx context.Context, q query.Query) error {
	se.assertSubscribed("Unlisten")
	qv, ok := se.queryViewsByQuery[q.CanonicalID()]
	if !ok {
		gcerr.Fail("trying to unlisten on query not found: %s", q)
	}
	if err := se.local.ReleaseQuery(ctx, q); err != nil {
		return err
	}
	se.remote.Unlisten(ctx, qv.targetID)
	se.removeAndCleanupQuery(ctx, qv)
	return se.collectGarbage(ctx)
}

// Write applies mutations locally as one batch and queues it for the
// backend. The returned channel receives the outcome once the backend
// accepts or rejects the batch.
func (se *SyncEngine) Write(ctx context.Context, mutations []model.Mutation) (<-chan error, error) {
	se.assertSubscribed("Write")
	res, err := se.local.LocalWrite(ctx, mutations)
	if err != nil {
		return nil, err
	}
	done := make(chan error, 1)
	cbs := se.mutationCallbacks[se.user.Key()]
	if cbs == nil {
		cbs = map[int]chan error{}
		se.mutationCallbacks[se.user.Key()] = cbs
	}
	cbs[res.BatchID] = done
	if err := se.emitNewSnapsAndNotifyLocalStore(ctx, res.Changes, nil); err != nil {
		return nil, err
	}
	return done, se.remote.FillWritePipeline(ctx)
}

// ApplyRemoteEvent implements remote.RemoteSyncer.ApplyRemoteEvent.
func (se *SyncEngine) ApplyRemoteEvent(ctx context.Context, event *remote.RemoteEvent) error {
	se.assertSubscribed("ApplyRemoteEvent")
	for targetID, tc := range event.TargetChanges {
		key, ok := se.limboKeysByTarget[targetID]
		if !ok || tc.CurrentStatusUpdate != remote.MarkCurrent {
			continue
		}
		if _, ok := event.DocumentUpdates.Get(key); !ok {
			// A limbo target marked current without the document means the
			// document does not exist. Current and the document may also
			// arrive in separate events; this handles both.
			event.AddDocumentUpdate(model.NewNoDocument(key, event.SnapshotVersion))
		}
	}
	changes, err := se.local.ApplyRemoteEvent(ctx, event)
	if err != nil {
		return err
	}
	if err := se.emitNewSnapsAndNotifyLocalStore(ctx, changes, event); err != nil {
		return err
	}
	return se.collectGarbage(ctx)
}

// RejectListen implements remote.RemoteSyncer.RejectListen.
func (se *SyncEngine) RejectListen(ctx context.Context, targetID int, cause error) error {
	se.assertSubscribed("RejectListen")
	if key, ok := se.limboKeysByTarget[targetID]; ok {
		// The document cannot be resolved; treat it as deleted so that the
		// views stop waiting for it.
		level.Debug(se.logger).Log("op", "RejectListen", "msg", "limbo resolution failed", "key", key, "err", cause)
		delete(se.limboKeysByTarget, targetID)
		delete(se.limboTargetsByKey, key)
		se.pumpEnqueuedLimboResolutions(ctx)
		event := remote.NewRemoteEvent(model.MinVersion)
		event.AddDocumentUpdate(model.NewNoDocument(key, model.DeletedVersion))
		return se.ApplyRemoteEvent(ctx, event)
	}
	qv, ok := se.queryViewsByTarget[targetID]
	if !ok {
		return nil
	}
	level.Warn(se.logger).Log("op", "RejectListen", "target", targetID, "query", qv.query, "err", cause)
	if err := se.local.ReleaseQuery(ctx, qv.query); err != nil {
		return err
	}
	se.removeAndCleanupQuery(ctx, qv)
	se.listener.OnWatchError(qv.query, cause)
	return se.collectGarbage(ctx)
}

// ApplySuccessfulWrite implements remote.RemoteSyncer.ApplySuccessfulWrite.
func (se *SyncEngine) ApplySuccessfulWrite(ctx context.Context, result *model.MutationBatchResult) error {
	se.assertSubscribed("ApplySuccessfulWrite")
	// The write is durable on the backend, so the caller can be told before
	// the local state catches up.
	se.processUserCallback(result.Batch.BatchID, nil)
	changes, err := se.local.AcknowledgeBatch(ctx, result)
	if err != nil {
		return err
	}
	if err := se.emitNewSnapsAndNotifyLocalStore(ctx, changes, nil); err != nil {
		return err
	}
	return se.collectGarbage(ctx)
}

// RejectFailedWrite implements remote.RemoteSyncer.RejectFailedWrite.
func (se *SyncEngine) RejectFailedWrite(ctx context.Context, batchID int, cause error) error {
	se.assertSubscribed("RejectFailedWrite")
	se.processUserCallback(batchID, cause)
	changes, err := se.local.RejectBatch(ctx, batchID)
	if err != nil {
		return err
	}
	if err := se.emitNewSnapsAndNotifyLocalStore(ctx, changes, nil); err != nil {
		return err
	}
	return se.collectGarbage(ctx)
}

// HandleOnlineStateChange implements remote.RemoteSyncer.HandleOnlineStateChange.
func (se *SyncEngine) HandleOnlineStateChange(state remote.OnlineState) {
	se.assertSubscribed("HandleOnlineStateChange")
	var snaps []*ViewSnapshot
	for _, qv := range se.sortedQueryViews() {
		vc := qv.view.ApplyOnlineStateChange(state)
		gcerr.Assert(len(vc.LimboChanges) == 0, "OnlineState should not affect limbo documents")
		if vc.Snapshot != nil {
			snaps = append(snaps, vc.Snapshot)
		}
	}
	se.listener.OnWatchChange(snaps)
	se.listener.OnOnlineStateChange(state)
}

// HandleUserChange switches to user's mutation queue, recomputes the views
// and restarts the streams with the new credentials.
func (se *SyncEngine) HandleUserChange(ctx context.Context, user auth.User) error {
	if user == se.user {
		return nil
	}
	level.Info(se.logger).Log("op", "HandleUserChange", "user", user.Key())
	se.user = user
	changes, err := se.local.HandleUserChange(ctx, user)
	if err != nil {
		return err
	}
	if err := se.emitNewSnapsAndNotifyLocalStore(ctx, changes, nil); err != nil {
		return err
	}
	return se.remote.HandleUserChange(ctx)
}

// User returns the current user.
func (se *SyncEngine) User() auth.User { return se.user }

// ActiveLimboResolutions returns the limbo target of each key being
// resolved.
func (se *SyncEngine) ActiveLimboResolutions() map[model.DocumentKey]int {
	m := make(map[model.DocumentKey]int, len(se.limboTargetsByKey))
	for k, id := range se.limboTargetsByKey {
		m[k] = id
	}
	return m
}

// EnqueuedLimboResolutions returns the keys waiting for a limbo slot, oldest
// first.
func (se *SyncEngine) EnqueuedLimboResolutions() []model.DocumentKey {
	return append([]model.DocumentKey(nil), se.enqueuedLimbo...)
}

func (se *SyncEngine) processUserCallback(batchID int, err error) {
	cbs := se.mutationCallbacks[se.user.Key()]
	if done, ok := cbs[batchID]; ok {
		done <- err
		delete(cbs, batchID)
	}
}

func (se *SyncEngine) removeAndCleanupQuery(ctx context.Context, qv *queryView) {
	delete(se.queryViewsByQuery, qv.query.CanonicalID())
	delete(se.queryViewsByTarget, qv.targetID)
	se.limboDocumentRefs.RemoveReferencesForID(qv.targetID)
	se.gcLimboDocuments(ctx)
}

func (se *SyncEngine) sortedQueryViews() []*queryView {
	qvs := make([]*queryView, 0, len(se.queryViewsByTarget))
	for _, qv := range se.queryViewsByTarget {
		qvs = append(qvs, qv)
	}
	sort.Slice(qvs, func(i, j int) bool { return qvs[i].targetID < qvs[j].targetID })
	return qvs
}

func (se *SyncEngine) emitNewSnapsAndNotifyLocalStore(ctx context.Context, changes *model.MaybeDocumentMap, event *remote.RemoteEvent) error {
	var (
		snaps       []*ViewSnapshot
		viewChanges []localstore.LocalViewChanges
	)
	for _, qv := range se.sortedQueryViews() {
		docChanges := qv.view.ComputeDocChanges(changes, nil)
		if docChanges.NeedsRefill {
			// The view lost documents past its limit; the full query
			// result has the ones that take their place.
			docs, err := se.local.ExecuteQuery(ctx, qv.query)
			if err != nil {
				return err
			}
			docChanges = qv.view.ComputeDocChanges(maybeDocuments(docs), docChanges)
		}
		var tc *remote.TargetChange
		if event != nil {
			tc = event.TargetChanges[qv.targetID]
		}
		vc := qv.view.ApplyChanges(docChanges, tc)
		se.updateTrackedLimbos(ctx, qv.targetID, vc.LimboChanges)
		if vc.Snapshot != nil {
			snaps = append(snaps, vc.Snapshot)
			viewChanges = append(viewChanges, localViewChanges(qv.targetID, vc.Snapshot))
		}
	}
	se.listener.OnWatchChange(snaps)
	se.local.NotifyLocalViewChanges(viewChanges)
	return nil
}

func localViewChanges(targetID int, snap *ViewSnapshot) localstore.LocalViewChanges {
	c := localstore.LocalViewChanges{
		TargetID:    targetID,
		AddedKeys:   model.NewDocumentKeySet(),
		RemovedKeys: model.NewDocumentKeySet(),
	}
	for _, dc := range snap.DocChanges {
		switch dc.Type {
		case Added:
			c.AddedKeys.Add(dc.Doc.Key())
		case Removed:
			c.RemovedKeys.Add(dc.Doc.Key())
		}
	}
	return c
}

func (se *SyncEngine) updateTrackedLimbos(ctx context.Context, targetID int, changes []LimboDocumentChange) {
	for _, c := range changes {
		switch c.Type {
		case LimboAdded:
			se.limboDocumentRefs.AddReference(c.Key, targetID)
			se.trackLimboChange(ctx, c.Key)
		case LimboRemoved:
			level.Debug(se.logger).Log("op", "updateTrackedLimbos", "msg", "document no longer in limbo", "key", c.Key)
			se.limboDocumentRefs.RemoveReference(c.Key, targetID)
		default:
			gcerr.Fail("unknown limbo change type: %v", c.Type)
		}
	}
	se.gcLimboDocuments(ctx)
}

func (se *SyncEngine) trackLimboChange(ctx context.Context, key model.DocumentKey) {
	if _, ok := se.limboTargetsByKey[key]; ok {
		return
	}
	for _, k := range se.enqueuedLimbo {
		if k == key {
			return
		}
	}
	level.Debug(se.logger).Log("op", "trackLimboChange", "msg", "new document in limbo", "key", key)
	se.enqueuedLimbo = append(se.enqueuedLimbo, key)
	se.pumpEnqueuedLimboResolutions(ctx)
}

// pumpEnqueuedLimboResolutions starts limbo resolutions until the limit is
// reached.
func (se *SyncEngine) pumpEnqueuedLimboResolutions(ctx context.Context) {
	for len(se.enqueuedLimbo) > 0 && len(se.limboTargetsByKey) < se.opts.MaxConcurrentLimboResolutions {
		key := se.enqueuedLimbo[0]
		se.enqueuedLimbo = se.enqueuedLimbo[1:]
		id := se.limboTargetIDs.Next()
		se.limboKeysByTarget[id] = key
		se.limboTargetsByKey[key] = id
		se.remote.Listen(ctx, query.TargetData{
			Query:    query.ForDocument(key),
			TargetID: id,
			Purpose:  query.PurposeLimboResolution,
		})
	}
}

// gcLimboDocuments stops resolving documents no view holds in limbo anymore.
func (se *SyncEngine) gcLimboDocuments(ctx context.Context) {
	// The reference set needs no transaction.
	garbage, err := se.limboCollector.CollectGarbage(nil)
	if err != nil {
		gcerr.Fail("limbo garbage collection failed: %v", err)
	}
	garbage.Each(func(key model.DocumentKey) bool {
		if id, ok := se.limboTargetsByKey[key]; ok {
			se.remote.Unlisten(ctx, id)
			delete(se.limboTargetsByKey, key)
			delete(se.limboKeysByTarget, id)
			return true
		}
		for i, k := range se.enqueuedLimbo {
			if k == key {
				se.enqueuedLimbo = append(se.enqueuedLimbo[:i], se.enqueuedLimbo[i+1:]...)
				break
			}
		}
		return true
	})
	se.pumpEnqueuedLimboResolutions(ctx)
}

func (se *SyncEngine) collectGarbage(ctx context.Context) error {
	_, err := se.local.CollectGarbage(ctx)
	return err
}

func maybeDocuments(docs *model.DocumentMap) *model.MaybeDocumentMap {
	m := model.NewMaybeDocumentMap()
	docs.Each(func(k model.DocumentKey, d *model.Document) bool {
		m.Insert(k, d)
		return true
	})
	return m
}
