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
	"sort"

	"docsync.dev/internal/escape"
	"docsync.dev/internal/gcerr"
	"docsync.dev/model"
	"docsync.dev/persistence"
	"docsync.dev/query"
)

// A MutationQueue is the ordered log of one user's pending write batches.
// Batch ids are assigned from a single sequence shared by all users of the
// store, so they are unique and strictly increasing per store.
//
// Every method runs inside a caller's transaction.
type MutationQueue struct {
	userID string
	// nextBatchID and meta are loaded by Start.
	nextBatchID int
	meta        mutationQueueRecord
	gc          GarbageCollector
}

func newMutationQueue(userID string) *MutationQueue {
	return &MutationQueue{userID: userID, nextBatchID: model.BatchIDUnknown}
}

// Start loads the queue's metadata and computes the next batch id from the
// batches in the store.
func (q *MutationQueue) Start(txn persistence.Txn) error {
	next, err := loadNextBatchID(txn)
	if err != nil {
		return err
	}
	q.nextBatchID = next
	ok, err := getRecord(txn.Collection(mutationQueuesCollection), persistence.NewKey(q.userID), &q.meta)
	if err != nil {
		return err
	}
	if !ok {
		q.meta = mutationQueueRecord{UserID: q.userID, LastAcknowledgedBatchID: model.BatchIDUnknown}
	}
	// Once every batch is removed, the batch ids may restart below the
	// acknowledged watermark; the batches alone define the order.
	if q.meta.LastAcknowledgedBatchID >= q.nextBatchID {
		empty, err := q.IsEmpty(txn)
		if err != nil {
			return err
		}
		gcerr.Assert(empty, "reset nextBatchID is only possible when the queue is empty")
		q.meta.LastAcknowledgedBatchID = model.BatchIDUnknown
		return q.putMeta(txn)
	}
	return nil
}

// loadNextBatchID returns one more than the highest batch id of any user. It
// walks the mutations backwards and visits only the last batch of each user.
func loadNextBatchID(txn persistence.Txn) (int, error) {
	max := model.BatchIDUnknown
	err := txn.Collection(mutationsCollection).Iterate(persistence.IterateOptions{Reverse: true},
		func(k persistence.Key, _ []byte, c *persistence.Control) error {
			if id := int(k.Int(1)); id > max {
				max = id
			}
			// [userID] sorts before all of the user's batches.
			c.SkipTo(persistence.NewKey(k.Str(0)))
			return nil
		})
	return max + 1, err
}

func (q *MutationQueue) putMeta(txn persistence.Txn) error {
	return putRecord(txn.Collection(mutationQueuesCollection), persistence.NewKey(q.userID), &q.meta)
}

func (q *MutationQueue) batchRange() persistence.KeyRange {
	return persistence.PrefixRange(persistence.NewKey(q.userID))
}

// IsEmpty reports whether the user has no batches.
func (q *MutationQueue) IsEmpty(txn persistence.Txn) (bool, error) {
	n, err := txn.Collection(mutationsCollection).Count(q.batchRange())
	return n == 0, err
}

// Count returns the number of batches of the user.
func (q *MutationQueue) Count(txn persistence.Txn) (int, error) {
	return txn.Collection(mutationsCollection).Count(q.batchRange())
}

// HighestAcknowledgedBatchID returns the acknowledgment watermark.
func (q *MutationQueue) HighestAcknowledgedBatchID() int { return q.meta.LastAcknowledgedBatchID }

// AcknowledgeBatch moves the acknowledgment watermark to batch and stores the
// stream token. Batches must be acknowledged in order.
func (q *MutationQueue) AcknowledgeBatch(txn persistence.Txn, batch *model.MutationBatch, streamToken []byte) error {
	gcerr.Assert(batch.BatchID > q.meta.LastAcknowledgedBatchID, "Mutation batchIDs must be acknowledged in order")
	q.meta.LastAcknowledgedBatchID = batch.BatchID
	q.meta.LastStreamToken = streamToken
	return q.putMeta(txn)
}

// LastStreamToken returns the token of the last write stream response.
func (q *MutationQueue) LastStreamToken() []byte { return q.meta.LastStreamToken }

// SetLastStreamToken stores token.
func (q *MutationQueue) SetLastStreamToken(txn persistence.Txn, token []byte) error {
	q.meta.LastStreamToken = token
	return q.putMeta(txn)
}

// AddMutationBatch stores a new batch with the next batch id and indexes it by
// document.
func (q *MutationQueue) AddMutationBatch(txn persistence.Txn, localWriteTime model.Timestamp, mutations []model.Mutation) (*model.MutationBatch, error) {
	gcerr.Assert(q.nextBatchID != model.BatchIDUnknown, "mutation queue for %q used before Start", q.userID)
	batch := &model.MutationBatch{BatchID: q.nextBatchID, LocalWriteTime: localWriteTime, Mutations: mutations}
	if err := putRecord(txn.Collection(mutationsCollection), persistence.NewKey(q.userID, batch.BatchID), toBatchRecord(q.userID, batch)); err != nil {
		return nil, err
	}
	index := txn.Collection(documentMutationsCollection)
	for _, m := range mutations {
		if err := index.Put(persistence.NewKey(q.userID, encodeKey(m.Key()), batch.BatchID), placeholder); err != nil {
			return nil, err
		}
	}
	q.nextBatchID++
	return batch, nil
}

// LookupMutationBatch returns the batch with id, or nil.
func (q *MutationQueue) LookupMutationBatch(txn persistence.Txn, id int) (*model.MutationBatch, error) {
	var r batchRecord
	ok, err := getRecord(txn.Collection(mutationsCollection), persistence.NewKey(q.userID, id), &r)
	if err != nil || !ok {
		return nil, err
	}
	return fromBatchRecord(&r)
}

// NextMutationBatchAfterBatchID returns the first unacknowledged batch whose id
// is greater than id, or nil.
func (q *MutationQueue) NextMutationBatchAfterBatchID(txn persistence.Txn, id int) (*model.MutationBatch, error) {
	next := id + 1
	if q.meta.LastAcknowledgedBatchID >= next {
		next = q.meta.LastAcknowledgedBatchID + 1
	}
	var found *model.MutationBatch
	r := persistence.KeyRange{Lower: persistence.NewKey(q.userID, next), Upper: q.batchRange().Upper, UpperOpen: true}
	err := txn.Collection(mutationsCollection).Iterate(persistence.IterateOptions{Range: r},
		func(_ persistence.Key, v []byte, c *persistence.Control) error {
			var rec batchRecord
			if err := decodeRecord(v, &rec); err != nil {
				return err
			}
			gcerr.Assert(rec.BatchID >= next, "should have found mutation after %d", next)
			b, err := fromBatchRecord(&rec)
			found = b
			c.Done()
			return err
		})
	return found, err
}

// AllMutationBatches returns every batch of the user in batch id order.
func (q *MutationQueue) AllMutationBatches(txn persistence.Txn) ([]*model.MutationBatch, error) {
	return q.batchesIn(txn, q.batchRange())
}

// AllMutationBatchesThroughBatchID returns the batches with ids up to and
// including id.
func (q *MutationQueue) AllMutationBatchesThroughBatchID(txn persistence.Txn, id int) ([]*model.MutationBatch, error) {
	return q.batchesIn(txn, persistence.KeyRange{Lower: persistence.NewKey(q.userID), Upper: persistence.NewKey(q.userID, id)})
}

func (q *MutationQueue) batchesIn(txn persistence.Txn, r persistence.KeyRange) ([]*model.MutationBatch, error) {
	var batches []*model.MutationBatch
	err := txn.Collection(mutationsCollection).Iterate(persistence.IterateOptions{Range: r},
		func(_ persistence.Key, v []byte, _ *persistence.Control) error {
			var rec batchRecord
			if err := decodeRecord(v, &rec); err != nil {
				return err
			}
			b, err := fromBatchRecord(&rec)
			if err != nil {
				return err
			}
			batches = append(batches, b)
			return nil
		})
	return batches, err
}

// AllMutationBatchesAffectingDocumentKey returns the batches that write key,
// in batch id order.
func (q *MutationQueue) AllMutationBatchesAffectingDocumentKey(txn persistence.Txn, key model.DocumentKey) ([]*model.MutationBatch, error) {
	ids := map[int]bool{}
	var order []int
	r := persistence.PrefixRange(persistence.NewKey(q.userID, encodeKey(key)))
	err := txn.Collection(documentMutationsCollection).Iterate(persistence.IterateOptions{Range: r},
		func(k persistence.Key, _ []byte, _ *persistence.Control) error {
			if id := int(k.Int(2)); !ids[id] {
				ids[id] = true
				order = append(order, id)
			}
			return nil
		})
	if err != nil {
		return nil, err
	}
	return q.lookupAll(txn, order)
}

// AllMutationBatchesAffectingQuery returns the batches that write a document
// under the query's path, in batch id order.
func (q *MutationQueue) AllMutationBatchesAffectingQuery(txn persistence.Txn, qry query.Query) ([]*model.MutationBatch, error) {
	gcerr.Assert(!qry.IsDocumentQuery(), "document queries shouldn't go down this path")
	prefix := encodeResourcePath(qry.Path)
	r := persistence.KeyRange{
		Lower: persistence.NewKey(q.userID, prefix),
		Upper: persistence.NewKey(q.userID, escape.PrefixSuccessor(prefix)),
	}
	if prefix == "" {
		r = q.documentMutationsRange()
	}
	r.UpperOpen = true
	ids := map[int]bool{}
	err := txn.Collection(documentMutationsCollection).Iterate(persistence.IterateOptions{Range: r},
		func(k persistence.Key, _ []byte, _ *persistence.Control) error {
			key, err := decodeKey(k.Str(1))
			if err != nil {
				return err
			}
			// Only direct children match a collection query; deeper
			// documents are filtered here.
			if qry.Path.IsImmediateParentOf(key.Path()) {
				ids[int(k.Int(2))] = true
			}
			return nil
		})
	if err != nil {
		return nil, err
	}
	order := make([]int, 0, len(ids))
	for id := range ids {
		order = append(order, id)
	}
	sort.Ints(order)
	return q.lookupAll(txn, order)
}

func (q *MutationQueue) documentMutationsRange() persistence.KeyRange {
	return persistence.PrefixRange(persistence.NewKey(q.userID))
}

func (q *MutationQueue) lookupAll(txn persistence.Txn, ids []int) ([]*model.MutationBatch, error) {
	batches := make([]*model.MutationBatch, 0, len(ids))
	for _, id := range ids {
		b, err := q.LookupMutationBatch(txn, id)
		if err != nil {
			return nil, err
		}
		gcerr.Assert(b != nil, "dangling document-mutation reference found: %d for user %q", id, q.userID)
		batches = append(batches, b)
	}
	return batches, nil
}

// RemoveMutationBatches deletes batches and their index entries, and reports
// every key they wrote as potential garbage.
func (q *MutationQueue) RemoveMutationBatches(txn persistence.Txn, batches []*model.MutationBatch) error {
	mutations := txn.Collection(mutationsCollection)
	index := txn.Collection(documentMutationsCollection)
	for _, b := range batches {
		key := persistence.NewKey(q.userID, b.BatchID)
		n, err := mutations.Count(persistence.Only(key))
		if err != nil {
			return err
		}
		gcerr.Assert(n == 1, "dangling batch %d for user %q", b.BatchID, q.userID)
		if err := mutations.Delete(key); err != nil {
			return err
		}
		for _, m := range b.Mutations {
			if err := index.Delete(persistence.NewKey(q.userID, encodeKey(m.Key()), b.BatchID)); err != nil {
				return err
			}
			if q.gc != nil {
				q.gc.AddPotentialGarbageKey(m.Key())
			}
		}
	}
	return nil
}

// PerformConsistencyCheck verifies that an empty queue leaves no index entries
// behind.
func (q *MutationQueue) PerformConsistencyCheck(txn persistence.Txn) error {
	empty, err := q.IsEmpty(txn)
	if err != nil || !empty {
		return err
	}
	n, err := txn.Collection(documentMutationsCollection).Count(q.documentMutationsRange())
	if err != nil {
		return err
	}
	gcerr.Assert(n == 0, "document leak: %d document-mutation entries for user %q with an empty queue", n, q.userID)
	return nil
}

// ContainsKey implements GarbageSource.ContainsKey: a key is referenced while
// a batch of the user writes it.
func (q *MutationQueue) ContainsKey(txn persistence.Txn, key model.DocumentKey) (bool, error) {
	n, err := txn.Collection(documentMutationsCollection).Count(persistence.PrefixRange(persistence.NewKey(q.userID, encodeKey(key))))
	return n > 0, err
}

func (q *MutationQueue) SetGarbageCollector(gc GarbageCollector) { q.gc = gc }
