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
	"docsync.dev/internal/escape"
	"docsync.dev/model"
	"docsync.dev/persistence"
	"docsync.dev/query"
)

// RemoteDocumentCache holds the last known backend state of documents.
type RemoteDocumentCache struct{}

func remoteDocumentKey(key model.DocumentKey) persistence.Key {
	return persistence.NewKey(encodeKey(key))
}

// AddEntry stores doc, replacing what was known about its key.
func (RemoteDocumentCache) AddEntry(txn persistence.Txn, doc model.MaybeDocument) error {
	return putRecord(txn.Collection(remoteDocumentsCollection), remoteDocumentKey(doc.Key()), toDocumentRecord(doc))
}

// RemoveEntry forgets key.
func (RemoteDocumentCache) RemoveEntry(txn persistence.Txn, key model.DocumentKey) error {
	return txn.Collection(remoteDocumentsCollection).Delete(remoteDocumentKey(key))
}

// Entry returns what is known about key, or nil.
func (RemoteDocumentCache) Entry(txn persistence.Txn, key model.DocumentKey) (model.MaybeDocument, error) {
	var r documentRecord
	ok, err := getRecord(txn.Collection(remoteDocumentsCollection), remoteDocumentKey(key), &r)
	if err != nil || !ok {
		return nil, err
	}
	return fromDocumentRecord(key, &r)
}

// DocumentsMatchingQuery scans the documents under the query's path and
// returns the existing ones that match it.
func (RemoteDocumentCache) DocumentsMatchingQuery(txn persistence.Txn, q query.Query) (*model.DocumentMap, error) {
	results := model.NewDocumentMap()
	prefix := encodeResourcePath(q.Path)
	r := persistence.KeyRange{Lower: persistence.NewKey(prefix), UpperOpen: true}
	if succ := escape.PrefixSuccessor(prefix); succ != "" {
		r.Upper = persistence.NewKey(succ)
	}
	err := txn.Collection(remoteDocumentsCollection).Iterate(persistence.IterateOptions{Range: r},
		func(k persistence.Key, v []byte, _ *persistence.Control) error {
			key, err := decodeKey(k.Str(0))
			if err != nil {
				return err
			}
			var rec documentRecord
			if err := decodeRecord(v, &rec); err != nil {
				return err
			}
			if rec.Kind != kindDocument {
				return nil
			}
			md, err := fromDocumentRecord(key, &rec)
			if err != nil {
				return err
			}
			if doc := md.(*model.Document); q.Matches(doc) {
				results.Insert(key, doc)
			}
			return nil
		})
	return results, err
}

// Count returns the number of cached entries.
func (RemoteDocumentCache) Count(txn persistence.Txn) (int, error) {
	return txn.Collection(remoteDocumentsCollection).Count(persistence.KeyRange{})
}
