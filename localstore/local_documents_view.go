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
	"docsync.dev/model"
	"docsync.dev/persistence"
	"docsync.dev/query"
)

// LocalDocumentsView computes the local view of documents: the remote state
// with every pending batch of the current user applied on top, in batch id
// order.
type LocalDocumentsView struct {
	remote RemoteDocumentCache
	queue  *MutationQueue
}

// Document returns the local view of key, or nil if nothing is known.
func (v *LocalDocumentsView) Document(txn persistence.Txn, key model.DocumentKey) (model.MaybeDocument, error) {
	doc, err := v.remote.Entry(txn, key)
	if err != nil {
		return nil, err
	}
	batches, err := v.queue.AllMutationBatchesAffectingDocumentKey(txn, key)
	if err != nil {
		return nil, err
	}
	for _, b := range batches {
		doc = b.ApplyToLocalView(key, doc)
	}
	return doc, nil
}

// Documents returns the local view of every key in keys. Keys with nothing
// known map to a NoDocument at MinVersion.
func (v *LocalDocumentsView) Documents(txn persistence.Txn, keys *model.DocumentKeySet) (*model.MaybeDocumentMap, error) {
	results := model.NewMaybeDocumentMap()
	var err error
	keys.Each(func(k model.DocumentKey) bool {
		var doc model.MaybeDocument
		if doc, err = v.Document(txn, k); err != nil {
			return false
		}
		if doc == nil {
			doc = model.NewNoDocument(k, model.MinVersion)
		}
		results.Insert(k, doc)
		return true
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// DocumentsMatchingQuery returns the existing documents of the local view
// that match q.
func (v *LocalDocumentsView) DocumentsMatchingQuery(txn persistence.Txn, q query.Query) (*model.DocumentMap, error) {
	if q.IsDocumentQuery() {
		return v.documentsMatchingDocumentQuery(txn, model.NewDocumentKey(q.Path))
	}
	return v.documentsMatchingCollectionQuery(txn, q)
}

func (v *LocalDocumentsView) documentsMatchingDocumentQuery(txn persistence.Txn, key model.DocumentKey) (*model.DocumentMap, error) {
	results := model.NewDocumentMap()
	doc, err := v.Document(txn, key)
	if err != nil {
		return nil, err
	}
	if d, ok := doc.(*model.Document); ok {
		results.Insert(key, d)
	}
	return results, nil
}

func (v *LocalDocumentsView) documentsMatchingCollectionQuery(txn persistence.Txn, q query.Query) (*model.DocumentMap, error) {
	results, err := v.remote.DocumentsMatchingQuery(txn, q)
	if err != nil {
		return nil, err
	}
	batches, err := v.queue.AllMutationBatchesAffectingQuery(txn, q)
	if err != nil {
		return nil, err
	}
	for _, b := range batches {
		for _, m := range b.Mutations {
			key := m.Key()
			if !q.Path.IsImmediateParentOf(key.Path()) {
				continue
			}
			var base model.MaybeDocument
			if d, ok := results.Get(key); ok {
				base = d
			}
			if d, ok := m.ApplyToLocalView(base, b.LocalWriteTime).(*model.Document); ok {
				results.Insert(key, d)
			} else {
				results.Delete(key)
			}
		}
	}
	// Local writes may have changed documents so that they no longer match.
	for _, k := range results.Keys().Keys() {
		if d, _ := results.Get(k); !q.Matches(d) {
			results.Delete(k)
		}
	}
	return results, nil
}
