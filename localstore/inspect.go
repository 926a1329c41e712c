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

package localstore

import (
	"context"

	"docsync.dev/model"
	"docsync.dev/persistence"
	"docsync.dev/query"
)

// The functions in this file read a store directly, without the owner lease.
// They are meant for tools that examine a store no client has open.

// QueueSummary describes the mutation queue of one user.
type QueueSummary struct {
	UserID                  string
	LastAcknowledgedBatchID int
	Batches                 []*model.MutationBatch
}

// ReadMutationQueues returns the mutation queue of every user with one, in
// user id order.
func ReadMutationQueues(ctx context.Context, store persistence.Store) ([]*QueueSummary, error) {
	var queues []*QueueSummary
	err := store.RunTransaction(ctx, persistence.ReadOnly, func(txn persistence.Txn) error {
		queues = nil
		err := txn.Collection(mutationQueuesCollection).Iterate(persistence.IterateOptions{}, func(_ persistence.Key, v []byte, _ *persistence.Control) error {
			var r mutationQueueRecord
			if err := decodeRecord(v, &r); err != nil {
				return err
			}
			queues = append(queues, &QueueSummary{UserID: r.UserID, LastAcknowledgedBatchID: r.LastAcknowledgedBatchID})
			return nil
		})
		if err != nil {
			return err
		}
		batches := txn.Collection(mutationsCollection)
		for _, q := range queues {
			opts := persistence.IterateOptions{Range: persistence.PrefixRange(persistence.NewKey(q.UserID))}
			err := batches.Iterate(opts, func(_ persistence.Key, v []byte, _ *persistence.Control) error {
				var r batchRecord
				if err := decodeRecord(v, &r); err != nil {
					return err
				}
				b, err := fromBatchRecord(&r)
				if err != nil {
					return err
				}
				q.Batches = append(q.Batches, b)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return queues, err
}

// TargetSummary describes the persisted targets of a store.
type TargetSummary struct {
	HighestTargetID           int
	LastRemoteSnapshotVersion model.SnapshotVersion
	Targets                   []query.TargetData
}

// ReadTargets returns the persisted listen targets, in target id order.
func ReadTargets(ctx context.Context, store persistence.Store) (*TargetSummary, error) {
	var sum *TargetSummary
	err := store.RunTransaction(ctx, persistence.ReadOnly, func(txn persistence.Txn) error {
		sum = &TargetSummary{}
		var g targetGlobalRecord
		if _, err := getRecord(txn.Collection(targetGlobalCollection), targetGlobalKey, &g); err != nil {
			return err
		}
		sum.HighestTargetID = g.HighestTargetID
		sum.LastRemoteSnapshotVersion = model.SnapshotVersion{Timestamp: g.LastRemoteSnapshotVersion}
		return txn.Collection(targetsCollection).Iterate(persistence.IterateOptions{}, func(_ persistence.Key, v []byte, _ *persistence.Control) error {
			var r targetRecord
			if err := decodeRecord(v, &r); err != nil {
				return err
			}
			td, err := fromTargetRecord(&r)
			if err != nil {
				return err
			}
			sum.Targets = append(sum.Targets, td)
			return nil
		})
	})
	return sum, err
}

// ReadRemoteDocuments returns the cached backend state of every document under
// prefix, in key order. An empty prefix selects every document.
func ReadRemoteDocuments(ctx context.Context, store persistence.Store, prefix model.ResourcePath) ([]model.MaybeDocument, error) {
	var docs []model.MaybeDocument
	err := store.RunTransaction(ctx, persistence.ReadOnly, func(txn persistence.Txn) error {
		docs = nil
		return txn.Collection(remoteDocumentsCollection).Iterate(persistence.IterateOptions{}, func(k persistence.Key, v []byte, _ *persistence.Control) error {
			key, err := decodeKey(k.Str(0))
			if err != nil {
				return err
			}
			if !prefix.IsPrefixOf(key.Path()) {
				return nil
			}
			var r documentRecord
			if err := decodeRecord(v, &r); err != nil {
				return err
			}
			doc, err := fromDocumentRecord(key, &r)
			if err != nil {
				return err
			}
			docs = append(docs, doc)
			return nil
		})
	})
	return docs, err
}
