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

package model

import (
	"fmt"

	"docsync.dev/internal/gcerr"
)

// BatchIDUnknown is the batch id before any batch exists.
const BatchIDUnknown = -1

// A MutationBatch is a group of mutations written together. Batches are the
// unit of acknowledgment and rejection.
type MutationBatch struct {
	BatchID        int
	LocalWriteTime Timestamp
	Mutations      []Mutation
}

// ApplyToRemoteDocument applies the batch's mutations for key to doc using the
// backend's results, which must hold one result per mutation.
func (b *MutationBatch) ApplyToRemoteDocument(key DocumentKey, doc MaybeDocument, result *MutationBatchResult) MaybeDocument {
	if doc != nil && doc.Key() != key {
		gcerr.Fail("applyToRemoteDocument: key %s does not match document %s", key, doc.Key())
	}
	if len(result.MutationResults) != len(b.Mutations) {
		gcerr.Fail("mismatch between mutations length (%d) and results length (%d)", len(b.Mutations), len(result.MutationResults))
	}
	for i, m := range b.Mutations {
		if m.Key() == key {
			doc = m.ApplyToRemoteDocument(doc, result.MutationResults[i])
		}
	}
	return doc
}

// ApplyToLocalView applies the batch's mutations for key to doc.
func (b *MutationBatch) ApplyToLocalView(key DocumentKey, doc MaybeDocument) MaybeDocument {
	if doc != nil && doc.Key() != key {
		gcerr.Fail("applyToLocalView: key %s does not match document %s", key, doc.Key())
	}
	for _, m := range b.Mutations {
		if m.Key() == key {
			doc = m.ApplyToLocalView(doc, b.LocalWriteTime)
		}
	}
	return doc
}

// Keys returns the keys of all documents the batch writes.
func (b *MutationBatch) Keys() *DocumentKeySet {
	s := NewDocumentKeySet()
	for _, m := range b.Mutations {
		s.Add(m.Key())
	}
	return s
}

func (b *MutationBatch) String() string {
	return fmt.Sprintf("MutationBatch(id=%d, mutations=%v)", b.BatchID, b.Mutations)
}

// A MutationBatchResult is the backend's acknowledgment of a batch.
type MutationBatchResult struct {
	Batch           *MutationBatch
	CommitVersion   SnapshotVersion
	MutationResults []MutationResult
	StreamToken     []byte
	// DocVersions maps each written key to its version after the commit.
	DocVersions map[DocumentKey]SnapshotVersion
}

// NewMutationBatchResult builds a result and computes DocVersions. A result
// without its own version takes the commit version.
func NewMutationBatchResult(batch *MutationBatch, commitVersion SnapshotVersion, results []MutationResult, streamToken []byte) *MutationBatchResult {
	if len(results) != len(batch.Mutations) {
		gcerr.Fail("mutations sent %d must equal results received %d", len(batch.Mutations), len(results))
	}
	versions := make(map[DocumentKey]SnapshotVersion, len(results))
	for i, m := range batch.Mutations {
		v := results[i].Version
		if v.IsMin() {
			v = commitVersion
		}
		versions[m.Key()] = v
	}
	return &MutationBatchResult{
		Batch:           batch,
		CommitVersion:   commitVersion,
		MutationResults: results,
		StreamToken:     streamToken,
		DocVersions:     versions,
	}
}
