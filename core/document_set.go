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
	"strings"

	"docsync.dev/model"
	"github.com/google/btree"
)

// A DocumentSet is an immutable set of documents sorted by a comparator, with
// lookup by key. Modifications return a new set that shares storage with the
// old one.
type DocumentSet struct {
	comparator func(d1, d2 *model.Document) int
	byKey      *model.DocumentMap
	sorted     *btree.BTreeG[*model.Document]
}

func compareKeys(d1, d2 *model.Document) int { return d1.Key().Compare(d2.Key()) }

// NewDocumentSet returns an empty set ordered by comparator, which must
// order documents with different keys differently. A nil comparator orders by
// key.
func NewDocumentSet(comparator func(d1, d2 *model.Document) int) *DocumentSet {
	if comparator == nil {
		comparator = compareKeys
	}
	return &DocumentSet{
		comparator: comparator,
		byKey:      model.NewDocumentMap(),
		sorted:     btree.NewG(16, func(a, b *model.Document) bool { return comparator(a, b) < 0 }),
	}
}

func (s *DocumentSet) clone() *DocumentSet {
	return &DocumentSet{comparator: s.comparator, byKey: s.byKey.Clone(), sorted: s.sorted.Clone()}
}

// Len returns the number of documents.
func (s *DocumentSet) Len() int { return s.byKey.Len() }

// IsEmpty reports whether the set has no documents.
func (s *DocumentSet) IsEmpty() bool { return s.Len() == 0 }

// Has reports whether a document with key is in the set.
func (s *DocumentSet) Has(key model.DocumentKey) bool {
	_, ok := s.byKey.Get(key)
	return ok
}

// Get returns the document with key, or nil.
func (s *DocumentSet) Get(key model.DocumentKey) *model.Document {
	d, _ := s.byKey.Get(key)
	return d
}

// First returns the first document in order, or nil.
func (s *DocumentSet) First() *model.Document {
	d, _ := s.sorted.Min()
	return d
}

// Last returns the last document in order, or nil.
func (s *DocumentSet) Last() *model.Document {
	d, _ := s.sorted.Max()
	return d
}

// Each calls f on every document in order until f returns false.
func (s *DocumentSet) Each(f func(*model.Document) bool) {
	s.sorted.Ascend(f)
}

// Docs returns the documents in order.
func (s *DocumentSet) Docs() []*model.Document {
	docs := make([]*model.Document, 0, s.Len())
	s.Each(func(d *model.Document) bool {
		docs = append(docs, d)
		return true
	})
	return docs
}

// Add returns a set with doc added, replacing any document with its key.
func (s *DocumentSet) Add(doc *model.Document) *DocumentSet {
	n := s.Delete(doc.Key())
	n.byKey.Insert(doc.Key(), doc)
	n.sorted.ReplaceOrInsert(doc)
	return n
}

// Delete returns a set without the document with key.
func (s *DocumentSet) Delete(key model.DocumentKey) *DocumentSet {
	n := s.clone()
	if old, ok := n.byKey.Get(key); ok {
		n.byKey.Delete(key)
		n.sorted.Delete(old)
	}
	return n
}

// Equal reports whether both sets hold equal documents in the same order.
func (s *DocumentSet) Equal(other *DocumentSet) bool {
	if s.Len() != other.Len() {
		return false
	}
	a, b := s.Docs(), other.Docs()
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}

func (s *DocumentSet) String() string {
	var parts []string
	s.Each(func(d *model.Document) bool {
		parts = append(parts, d.String())
		return true
	})
	return "DocumentSet(" + strings.Join(parts, ", ") + ")"
}
