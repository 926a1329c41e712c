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

// Package localstore is the durable half of the client cache. It keeps the
// user's pending writes, the last known backend state of documents and the
// bookkeeping of listened queries, and it computes the local view of
// documents: backend state with pending writes applied.
//
// Every LocalStore operation runs in one transaction of a
// persistence.Persistence, so it either commits entirely or not at all.
// A LocalStore is not safe for concurrent use; callers serialize operations,
// typically on an asyncqueue.Queue.
package localstore // import "docsync.dev/localstore"

import (
	"context"
	"time"

	"docsync.dev/auth"
	"docsync.dev/internal/gcerr"
	"docsync.dev/internal/otel"
	"docsync.dev/model"
	"docsync.dev/persistence"
	"docsync.dev/query"
	"docsync.dev/remote"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Options configures a LocalStore.
type Options struct {
	// Logger receives log output. Nil discards it.
	Logger log.Logger
	// Now returns the local write time of new batches. Defaults to time.Now.
	Now func() time.Time
}

// LocalStore orchestrates the mutation queue, the remote document cache and
// the target cache.
type LocalStore struct {
	persistence *persistence.Persistence
	logger      log.Logger
	tracer      *otel.Tracer
	now         func() time.Time

	user            auth.User
	queue           *MutationQueue
	remoteDocuments RemoteDocumentCache
	localDocuments  *LocalDocumentsView
	targetCache     *TargetCache
	// localViewReferences holds the documents present in active views, keyed
	// by target id.
	localViewReferences *ReferenceSet
	gc                  *EagerGarbageCollector

	// targetIDs maps the targets allocated by AllocateQuery to their data.
	targetIDs         map[int]query.TargetData
	targetIDGenerator *query.TargetIDGenerator
}

// New returns a LocalStore for user backed by p. Call Start before using it.
func New(p *persistence.Persistence, user auth.User, opts *Options) *LocalStore {
	o := Options{}
	if opts != nil {
		o = *opts
	}
	if o.Logger == nil {
		o.Logger = log.NewNopLogger()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	ls := &LocalStore{
		persistence:         p,
		logger:              log.With(o.Logger, "component", "localstore"),
		tracer:              otel.NewTracer("localstore"),
		now:                 o.Now,
		user:                user,
		queue:               newMutationQueue(user.Key()),
		targetCache:         &TargetCache{},
		localViewReferences: NewReferenceSet(),
		gc:                  NewEagerGarbageCollector(),
		targetIDs:           map[int]query.TargetData{},
	}
	ls.localDocuments = &LocalDocumentsView{remote: ls.remoteDocuments, queue: ls.queue}
	ls.gc.AddGarbageSource(ls.localViewReferences)
	ls.gc.AddGarbageSource(ls.targetCache)
	ls.gc.AddGarbageSource(ls.queue)
	return ls
}

// run runs fn in a lease-checked transaction. If the transaction fails, the
// in-memory state loaded from the store is rolled back with it.
func (ls *LocalStore) run(ctx context.Context, action string, mode persistence.Mode, fn func(persistence.Txn) error) (err error) {
	ctx, span := ls.tracer.Start(ctx, action)
	defer func() { ls.tracer.End(span, err) }()

	queue := *ls.queue
	targets := ls.targetCache.meta
	err = ls.persistence.RunTransaction(ctx, action, mode, fn)
	if err != nil {
		ls.queue.nextBatchID, ls.queue.meta = queue.nextBatchID, queue.meta
		ls.targetCache.meta = targets
		level.Debug(ls.logger).Log("op", action, "msg", "transaction failed", "err", err)
	}
	return err
}

// Start loads the mutation queue and target cache state.
func (ls *LocalStore) Start(ctx context.Context) error {
	return ls.run(ctx, "Start LocalStore", persistence.ReadWrite, func(txn persistence.Txn) error {
		if err := ls.queue.Start(txn); err != nil {
			return err
		}
		if err := ls.targetCache.Start(txn); err != nil {
			return err
		}
		ls.targetIDGenerator = query.NewTargetIDGenerator(query.LocalStoreGenerator, ls.targetCache.HighestTargetID())
		return ls.updatePendingBatches(txn)
	})
}

func (ls *LocalStore) updatePendingBatches(txn persistence.Txn) error {
	n, err := ls.queue.Count(txn)
	if err != nil {
		return err
	}
	stats.pendingBatches.Set(float64(n))
	return nil
}

// User returns the user whose mutation queue is active.
func (ls *LocalStore) User() auth.User { return ls.user }

// HandleUserChange switches to user's mutation queue. It returns the local
// view of every document written by a pending batch of either user, since
// those are the documents whose local view changes.
func (ls *LocalStore) HandleUserChange(ctx context.Context, user auth.User) (*model.MaybeDocumentMap, error) {
	var (
		queue   = newMutationQueue(user.Key())
		changes *model.MaybeDocumentMap
	)
	err := ls.run(ctx, "Handle user change", persistence.ReadWrite, func(txn persistence.Txn) error {
		oldBatches, err := ls.queue.AllMutationBatches(txn)
		if err != nil {
			return err
		}
		if err := queue.Start(txn); err != nil {
			return err
		}
		newBatches, err := queue.AllMutationBatches(txn)
		if err != nil {
			return err
		}
		changed := model.NewDocumentKeySet()
		for _, b := range append(oldBatches, newBatches...) {
			changed = changed.Union(b.Keys())
		}
		view := &LocalDocumentsView{remote: ls.remoteDocuments, queue: queue}
		if changes, err = view.Documents(txn, changed); err != nil {
			return err
		}
		n, err := queue.Count(txn)
		if err != nil {
			return err
		}
		stats.pendingBatches.Set(float64(n))
		return nil
	})
	if err != nil {
		return nil, err
	}
	level.Info(ls.logger).Log("op", "HandleUserChange", "msg", "switched mutation queue", "user", user.Key())
	ls.gc.RemoveGarbageSource(ls.queue)
	ls.user = user
	ls.queue = queue
	ls.gc.AddGarbageSource(queue)
	ls.localDocuments = &LocalDocumentsView{remote: ls.remoteDocuments, queue: queue}
	return changes, nil
}

// A LocalWriteResult is the outcome of LocalWrite.
type LocalWriteResult struct {
	BatchID int
	// Changes is the new local view of every document the batch writes.
	Changes *model.MaybeDocumentMap
}

// LocalWrite stores mutations as a new batch and returns the documents whose
// local view changed.
func (ls *LocalStore) LocalWrite(ctx context.Context, mutations []model.Mutation) (*LocalWriteResult, error) {
	writeTime := model.TimestampFromTime(ls.now())
	var res LocalWriteResult
	err := ls.run(ctx, "Locally write mutations", persistence.ReadWrite, func(txn persistence.Txn) error {
		batch, err := ls.queue.AddMutationBatch(txn, writeTime, mutations)
		if err != nil {
			return err
		}
		res.BatchID = batch.BatchID
		if res.Changes, err = ls.localDocuments.Documents(txn, batch.Keys()); err != nil {
			return err
		}
		return ls.updatePendingBatches(txn)
	})
	if err != nil {
		return nil, err
	}
	level.Debug(ls.logger).Log("op", "LocalWrite", "batch", res.BatchID, "mutations", len(mutations))
	return &res, nil
}

// AcknowledgeBatch applies an acknowledged batch to the remote documents,
// removes it from the queue and returns the affected documents.
func (ls *LocalStore) AcknowledgeBatch(ctx context.Context, result *model.MutationBatchResult) (*model.MaybeDocumentMap, error) {
	var changes *model.MaybeDocumentMap
	err := ls.run(ctx, "Acknowledge batch", persistence.ReadWrite, func(txn persistence.Txn) error {
		batch := result.Batch
		if err := ls.queue.AcknowledgeBatch(txn, batch, result.StreamToken); err != nil {
			return err
		}
		if err := ls.applyWriteToRemoteDocuments(txn, result); err != nil {
			return err
		}
		var err error
		if changes, err = ls.removeBatch(txn, batch); err != nil {
			return err
		}
		return ls.updatePendingBatches(txn)
	})
	if err != nil {
		return nil, err
	}
	level.Debug(ls.logger).Log("op", "AcknowledgeBatch", "batch", result.Batch.BatchID, "version", result.CommitVersion)
	return changes, nil
}

func (ls *LocalStore) applyWriteToRemoteDocuments(txn persistence.Txn, result *model.MutationBatchResult) error {
	batch := result.Batch
	var err error
	batch.Keys().Each(func(key model.DocumentKey) bool {
		var remoteDoc model.MaybeDocument
		if remoteDoc, err = ls.remoteDocuments.Entry(txn, key); err != nil {
			return false
		}
		ackVersion, ok := result.DocVersions[key]
		gcerr.Assert(ok, "docVersions should contain every doc in the write")
		if remoteDoc != nil && remoteDoc.Version().Compare(ackVersion) >= 0 {
			return true
		}
		doc := batch.ApplyToRemoteDocument(key, remoteDoc, result)
		if doc == nil {
			gcerr.Assert(remoteDoc == nil, "mutation batch %s applied to document %s resulted in nil", batch, remoteDoc)
			return true
		}
		err = ls.remoteDocuments.AddEntry(txn, doc)
		return err == nil
	})
	return err
}

func (ls *LocalStore) removeBatch(txn persistence.Txn, batch *model.MutationBatch) (*model.MaybeDocumentMap, error) {
	if err := ls.queue.RemoveMutationBatches(txn, []*model.MutationBatch{batch}); err != nil {
		return nil, err
	}
	if err := ls.queue.PerformConsistencyCheck(txn); err != nil {
		return nil, err
	}
	return ls.localDocuments.Documents(txn, batch.Keys())
}

// RejectBatch removes a batch the backend rejected and returns the affected
// documents.
func (ls *LocalStore) RejectBatch(ctx context.Context, batchID int) (*model.MaybeDocumentMap, error) {
	var changes *model.MaybeDocumentMap
	err := ls.run(ctx, "Reject batch", persistence.ReadWrite, func(txn persistence.Txn) error {
		batch, err := ls.queue.LookupMutationBatch(txn, batchID)
		if err != nil {
			return err
		}
		gcerr.Assert(batch != nil, "attempt to reject nonexistent batch %d", batchID)
		gcerr.Assert(batchID > ls.queue.HighestAcknowledgedBatchID(), "acknowledged batches can't be rejected")
		if changes, err = ls.removeBatch(txn, batch); err != nil {
			return err
		}
		return ls.updatePendingBatches(txn)
	})
	if err != nil {
		return nil, err
	}
	level.Debug(ls.logger).Log("op", "RejectBatch", "batch", batchID)
	return changes, nil
}

// LastStreamToken returns the last write stream token stored for the user.
func (ls *LocalStore) LastStreamToken(ctx context.Context) ([]byte, error) {
	var token []byte
	err := ls.run(ctx, "Get last stream token", persistence.ReadOnly, func(persistence.Txn) error {
		token = ls.queue.LastStreamToken()
		return nil
	})
	return token, err
}

// SetLastStreamToken stores the write stream token.
func (ls *LocalStore) SetLastStreamToken(ctx context.Context, token []byte) error {
	return ls.run(ctx, "Set last stream token", persistence.ReadWrite, func(txn persistence.Txn) error {
		return ls.queue.SetLastStreamToken(txn, token)
	})
}

// LastRemoteSnapshotVersion returns the version of the last applied remote
// event.
func (ls *LocalStore) LastRemoteSnapshotVersion() model.SnapshotVersion {
	return ls.targetCache.LastRemoteSnapshotVersion()
}

// ApplyRemoteEvent stores the event's documents and target changes and
// returns the local view of every updated document.
func (ls *LocalStore) ApplyRemoteEvent(ctx context.Context, event *remote.RemoteEvent) (*model.MaybeDocumentMap, error) {
	var (
		changes *model.MaybeDocumentMap
		updated = map[int]query.TargetData{}
	)
	err := ls.run(ctx, "Apply remote event", persistence.ReadWrite, func(txn persistence.Txn) error {
		for id, change := range event.TargetChanges {
			td, ok := ls.targetIDs[id]
			if !ok {
				// Limbo resolutions and released queries have no local target.
				continue
			}
			switch m := change.Mapping.(type) {
			case *remote.ResetMapping:
				if err := ls.targetCache.RemoveMatchingKeysForTargetID(txn, id); err != nil {
					return err
				}
				if err := ls.targetCache.AddMatchingKeys(txn, m.Docs, id); err != nil {
					return err
				}
			case *remote.UpdateMapping:
				if err := ls.targetCache.RemoveMatchingKeys(txn, m.Removed, id); err != nil {
					return err
				}
				if err := ls.targetCache.AddMatchingKeys(txn, m.Added, id); err != nil {
					return err
				}
			}
			if len(change.ResumeToken) > 0 {
				td = td.WithResumeToken(change.ResumeToken, change.SnapshotVersion)
				updated[id] = td
				if err := ls.targetCache.UpdateTargetData(txn, td); err != nil {
					return err
				}
			}
		}

		changed := model.NewDocumentKeySet()
		var err error
		event.DocumentUpdates.Each(func(key model.DocumentKey, doc model.MaybeDocument) bool {
			changed.Add(key)
			var existing model.MaybeDocument
			if existing, err = ls.remoteDocuments.Entry(txn, key); err != nil {
				return false
			}
			// MinVersion marks documents synthesized locally, for example
			// when a limbo resolution fails; they always apply.
			if existing == nil || doc.Version().IsMin() || doc.Version().Compare(existing.Version()) >= 0 {
				if err = ls.remoteDocuments.AddEntry(txn, doc); err != nil {
					return false
				}
			} else {
				level.Debug(ls.logger).Log("op", "ApplyRemoteEvent", "msg", "ignoring outdated watch update",
					"key", key, "current", existing.Version(), "watch", doc.Version())
			}
			// The document may be referenced by nothing now.
			ls.gc.AddPotentialGarbageKey(key)
			return true
		})
		if err != nil {
			return err
		}

		if v := event.SnapshotVersion; !v.IsMin() {
			last := ls.targetCache.LastRemoteSnapshotVersion()
			gcerr.Assert(v.Compare(last) >= 0, "watch stream reverted to previous snapshot?? %s < %s", v, last)
			if err := ls.targetCache.SetLastRemoteSnapshotVersion(txn, v); err != nil {
				return err
			}
		}
		changes, err = ls.localDocuments.Documents(txn, changed)
		return err
	})
	if err != nil {
		return nil, err
	}
	for id, td := range updated {
		ls.targetIDs[id] = td
	}
	return changes, nil
}

// LocalViewChanges lists the documents that entered and left one view.
type LocalViewChanges struct {
	TargetID    int
	AddedKeys   *model.DocumentKeySet
	RemovedKeys *model.DocumentKeySet
}

// NotifyLocalViewChanges records which documents are in active views, so
// they are not collected while displayed.
func (ls *LocalStore) NotifyLocalViewChanges(changes []LocalViewChanges) {
	for _, c := range changes {
		ls.localViewReferences.AddReferences(c.AddedKeys, c.TargetID)
		ls.localViewReferences.RemoveReferences(c.RemovedKeys, c.TargetID)
	}
}

// NextMutationBatch returns the first pending batch with an id greater than
// afterBatchID, or nil. Pass model.BatchIDUnknown to start at the beginning.
func (ls *LocalStore) NextMutationBatch(ctx context.Context, afterBatchID int) (*model.MutationBatch, error) {
	var batch *model.MutationBatch
	err := ls.run(ctx, "Get next mutation batch", persistence.ReadOnly, func(txn persistence.Txn) error {
		var err error
		batch, err = ls.queue.NextMutationBatchAfterBatchID(txn, afterBatchID)
		return err
	})
	return batch, err
}

// ReadDocument returns the local view of key, or nil if nothing is known.
func (ls *LocalStore) ReadDocument(ctx context.Context, key model.DocumentKey) (model.MaybeDocument, error) {
	var doc model.MaybeDocument
	err := ls.run(ctx, "Read document", persistence.ReadOnly, func(txn persistence.Txn) error {
		var err error
		doc, err = ls.localDocuments.Document(txn, key)
		return err
	})
	return doc, err
}

// AllocateQuery assigns a target to q. A query that was listened to before
// gets its persisted target back, with the resume token to continue from.
func (ls *LocalStore) AllocateQuery(ctx context.Context, q query.Query) (query.TargetData, error) {
	var td query.TargetData
	err := ls.run(ctx, "Allocate query", persistence.ReadWrite, func(txn persistence.Txn) error {
		cached, err := ls.targetCache.TargetData(txn, q)
		if err != nil {
			return err
		}
		if cached != nil {
			td = *cached
			return nil
		}
		td = query.TargetData{Query: q, TargetID: ls.targetIDGenerator.Next(), Purpose: query.PurposeListen}
		return ls.targetCache.AddTargetData(txn, td)
	})
	if err != nil {
		return query.TargetData{}, err
	}
	_, dup := ls.targetIDs[td.TargetID]
	gcerr.Assert(!dup, "tried to allocate an already allocated query: %s", q)
	ls.targetIDs[td.TargetID] = td
	stats.activeTargets.Set(float64(len(ls.targetIDs)))
	level.Debug(ls.logger).Log("op", "AllocateQuery", "target", td.TargetID, "query", q)
	return td, nil
}

// ReleaseQuery forgets q's target and its view references. The eager
// collector then lets its documents go.
func (ls *LocalStore) ReleaseQuery(ctx context.Context, q query.Query) error {
	var (
		td       *query.TargetData
		released *model.DocumentKeySet
	)
	err := ls.run(ctx, "Release query", persistence.ReadWrite, func(txn persistence.Txn) error {
		var err error
		if td, err = ls.targetCache.TargetData(txn, q); err != nil {
			return err
		}
		gcerr.Assert(td != nil, "tried to release nonexistent query: %s", q)
		// The persisted data may be behind the in-memory resume token.
		if cur, ok := ls.targetIDs[td.TargetID]; ok {
			td = &cur
		}
		released = ls.localViewReferences.RemoveReferencesForID(td.TargetID)
		return ls.targetCache.RemoveTargetData(txn, *td)
	})
	if err != nil {
		// The view is still listened to.
		if released != nil {
			ls.localViewReferences.AddReferences(released, td.TargetID)
		}
		return err
	}
	delete(ls.targetIDs, td.TargetID)
	stats.activeTargets.Set(float64(len(ls.targetIDs)))
	level.Debug(ls.logger).Log("op", "ReleaseQuery", "target", td.TargetID)
	return nil
}

// ExecuteQuery runs q against the local view.
func (ls *LocalStore) ExecuteQuery(ctx context.Context, q query.Query) (*model.DocumentMap, error) {
	var docs *model.DocumentMap
	err := ls.run(ctx, "Execute query", persistence.ReadOnly, func(txn persistence.Txn) error {
		var err error
		docs, err = ls.localDocuments.DocumentsMatchingQuery(txn, q)
		return err
	})
	return docs, err
}

// RemoteDocumentKeys returns the keys the backend says match target id.
func (ls *LocalStore) RemoteDocumentKeys(ctx context.Context, targetID int) (*model.DocumentKeySet, error) {
	var keys *model.DocumentKeySet
	err := ls.run(ctx, "Remote document keys", persistence.ReadOnly, func(txn persistence.Txn) error {
		var err error
		keys, err = ls.targetCache.MatchingKeysForTargetID(txn, targetID)
		return err
	})
	return keys, err
}

// CollectGarbage evicts the cached documents that nothing references any more
// and returns their keys.
func (ls *LocalStore) CollectGarbage(ctx context.Context) (*model.DocumentKeySet, error) {
	var garbage *model.DocumentKeySet
	err := ls.run(ctx, "Garbage collection", persistence.ReadWrite, func(txn persistence.Txn) error {
		var err error
		if garbage, err = ls.gc.CollectGarbage(txn); err != nil {
			return err
		}
		garbage.Each(func(k model.DocumentKey) bool {
			err = ls.remoteDocuments.RemoveEntry(txn, k)
			return err == nil
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	if n := garbage.Len(); n > 0 {
		stats.gcEvictions.Add(float64(n))
		level.Debug(ls.logger).Log("op", "CollectGarbage", "evicted", n)
	}
	return garbage, nil
}
