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

	"docsync.dev/gcerrors"
	"docsync.dev/internal/asyncqueue"
	"docsync.dev/internal/gcerr"
	"docsync.dev/model"
	"docsync.dev/remote"
	"github.com/go-kit/log/level"
)

// A Transaction reads documents from the backend and commits writes that
// only apply if none of the documents read changed in between. It bypasses
// the local store. A Transaction is not safe for concurrent use.
type Transaction struct {
	datastore *remote.Datastore
	// readVersions are the versions of the documents read, DeletedVersion
	// for missing ones.
	readVersions map[model.DocumentKey]model.SnapshotVersion
	mutations    []model.Mutation
	committed    bool
}

// NewTransaction returns an empty transaction.
func NewTransaction(ds *remote.Datastore) *Transaction {
	return &Transaction{datastore: ds, readVersions: map[model.DocumentKey]model.SnapshotVersion{}}
}

// Get reads keys from the backend. Every key read must also be written
// before the transaction commits. Reads must come before writes.
func (t *Transaction) Get(ctx context.Context, keys ...model.DocumentKey) ([]model.MaybeDocument, error) {
	if t.committed {
		return nil, gcerr.Newf(gcerr.FailedPrecondition, nil, "transaction has already completed")
	}
	if len(t.mutations) > 0 {
		return nil, gcerr.Newf(gcerr.InvalidArgument, nil, "transactions lookups are invalid after writes")
	}
	docs, err := t.datastore.Lookup(ctx, keys)
	if err != nil {
		return nil, err
	}
	for _, doc := range docs {
		if err := t.recordVersion(doc); err != nil {
			return nil, err
		}
	}
	return docs, nil
}

func (t *Transaction) recordVersion(doc model.MaybeDocument) error {
	v := doc.Version()
	if _, ok := doc.(*model.NoDocument); ok {
		v = model.DeletedVersion
	}
	if existing, ok := t.readVersions[doc.Key()]; ok {
		if existing != v {
			return gcerr.Newf(gcerr.Aborted, nil, "document version changed between two reads")
		}
		return nil
	}
	t.readVersions[doc.Key()] = v
	return nil
}

// precondition makes a write depend on the version read, if any.
func (t *Transaction) precondition(key model.DocumentKey) model.Precondition {
	v, ok := t.readVersions[key]
	switch {
	case !ok:
		return model.Precondition{}
	case v == model.DeletedVersion:
		return model.ExistsPrecondition(false)
	default:
		return model.UpdateTimePrecondition(v)
	}
}

func (t *Transaction) preconditionForUpdate(key model.DocumentKey) (model.Precondition, error) {
	v, ok := t.readVersions[key]
	switch {
	case !ok:
		return model.ExistsPrecondition(true), nil
	case v == model.DeletedVersion:
		return model.Precondition{}, gcerr.Newf(gcerr.FailedPrecondition, nil, "can't update a document that doesn't exist")
	default:
		return model.UpdateTimePrecondition(v), nil
	}
}

// Set overwrites the document at key with data.
func (t *Transaction) Set(key model.DocumentKey, data model.ObjectValue) error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	t.mutations = append(t.mutations, &model.SetMutation{DocKey: key, Value: data, Pre: t.precondition(key)})
	return nil
}

// Update sets the fields named by the keys of fields, which are dotted field
// paths. The document must exist.
func (t *Transaction) Update(key model.DocumentKey, fields map[string]interface{}) error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	pre, err := t.preconditionForUpdate(key)
	if err != nil {
		return err
	}
	m := &model.PatchMutation{DocKey: key, Value: model.WrapObject(nil), Pre: pre}
	for p, v := range fields {
		path := model.ParseFieldPath(p)
		m.Value = m.Value.Set(path, model.Wrap(v))
		m.Mask = append(m.Mask, path)
	}
	t.mutations = append(t.mutations, m)
	return nil
}

// Delete deletes the document at key.
func (t *Transaction) Delete(key model.DocumentKey) error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	t.mutations = append(t.mutations, &model.DeleteMutation{DocKey: key, Pre: t.precondition(key)})
	// Later writes to key in this transaction apply to the deleted document.
	t.readVersions[key] = model.DeletedVersion
	return nil
}

func (t *Transaction) checkOpen() error {
	if t.committed {
		return gcerr.Newf(gcerr.FailedPrecondition, nil, "transaction has already completed")
	}
	return nil
}

// Commit sends the writes. It fails if a document was read but not written.
func (t *Transaction) Commit(ctx context.Context) error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	unwritten := make(map[model.DocumentKey]bool, len(t.readVersions))
	for k := range t.readVersions {
		unwritten[k] = true
	}
	for _, m := range t.mutations {
		delete(unwritten, m.Key())
	}
	if len(unwritten) > 0 {
		return gcerr.Newf(gcerr.InvalidArgument, nil, "every document read in a transaction must also be written")
	}
	if _, err := t.datastore.Commit(ctx, t.mutations); err != nil {
		return err
	}
	t.committed = true
	return nil
}

// isRetryableTransactionError reports whether a commit failure could
// succeed with fresh reads.
func isRetryableTransactionError(err error) bool {
	switch gcerrors.Code(err) {
	case gcerrors.Aborted, gcerrors.FailedPrecondition:
		return true
	}
	return !remote.IsPermanentError(err)
}

// RunTransaction runs f in a new transaction and commits it, retrying with a
// fresh transaction when the commit fails because a document changed.
// Errors returned by f are not retried. RunTransaction blocks and must not be
// called on the async queue.
func (se *SyncEngine) RunTransaction(ctx context.Context, f func(context.Context, *Transaction) error) error {
	bo := se.opts.TransactionBackoff
	for retries := se.opts.TransactionRetries; ; retries-- {
		t := NewTransaction(se.datastore)
		if err := f(ctx, t); err != nil {
			return err
		}
		err := t.Commit(ctx)
		if err == nil || retries == 0 || !isRetryableTransactionError(err) {
			return err
		}
		level.Debug(se.logger).Log("op", "RunTransaction", "msg", "commit failed, retrying", "retries", retries, "err", err)
		op := se.queue.EnqueueAfterDelay(asyncqueue.TimerTransactionRetry, bo.Pause(), func(context.Context) error { return nil })
		select {
		case err := <-op.Done():
			if err != nil {
				return err
			}
		case <-ctx.Done():
			op.Cancel()
			return ctx.Err()
		}
	}
}
