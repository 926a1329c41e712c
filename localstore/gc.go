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
	"github.com/google/btree"
)

// A GarbageSource knows whether it still references a document.
type GarbageSource interface {
	// ContainsKey reports whether the source references key. txn may be nil
	// for sources held entirely in memory.
	ContainsKey(txn persistence.Txn, key model.DocumentKey) (bool, error)
	// SetGarbageCollector registers the collector that is told about keys
	// whose references are removed. A nil collector stops notifications.
	SetGarbageCollector(gc GarbageCollector)
}

// A GarbageCollector finds documents no source references any more.
type GarbageCollector interface {
	IsEager() bool
	AddGarbageSource(s GarbageSource)
	RemoveGarbageSource(s GarbageSource)
	// AddPotentialGarbageKey marks key for a check at the next collection.
	AddPotentialGarbageKey(key model.DocumentKey)
	// CollectGarbage returns the potential garbage keys that no source
	// references, and forgets every candidate.
	CollectGarbage(txn persistence.Txn) (*model.DocumentKeySet, error)
}

// EagerGarbageCollector collects documents as soon as their last reference is
// removed. It does not count references: every candidate is rechecked against
// every source at collection time, which costs O(candidates x sources). That
// is the scaling limit of this collector.
type EagerGarbageCollector struct {
	sources   []GarbageSource
	potential *model.DocumentKeySet
}

// NewEagerGarbageCollector returns a collector with no sources.
func NewEagerGarbageCollector() *EagerGarbageCollector {
	return &EagerGarbageCollector{potential: model.NewDocumentKeySet()}
}

func (*EagerGarbageCollector) IsEager() bool { return true }

func (gc *EagerGarbageCollector) AddGarbageSource(s GarbageSource) {
	gc.sources = append(gc.sources, s)
	s.SetGarbageCollector(gc)
}

func (gc *EagerGarbageCollector) RemoveGarbageSource(s GarbageSource) {
	for i, src := range gc.sources {
		if src == s {
			gc.sources = append(gc.sources[:i:i], gc.sources[i+1:]...)
			break
		}
	}
	s.SetGarbageCollector(nil)
}

func (gc *EagerGarbageCollector) AddPotentialGarbageKey(key model.DocumentKey) {
	gc.potential.Add(key)
}

func (gc *EagerGarbageCollector) CollectGarbage(txn persistence.Txn) (*model.DocumentKeySet, error) {
	garbage := model.NewDocumentKeySet()
	var err error
	gc.potential.Each(func(key model.DocumentKey) bool {
		var referenced bool
		referenced, err = gc.referenced(txn, key)
		if err != nil {
			return false
		}
		if !referenced {
			garbage.Add(key)
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	gc.potential = model.NewDocumentKeySet()
	return garbage, nil
}

func (gc *EagerGarbageCollector) referenced(txn persistence.Txn, key model.DocumentKey) (bool, error) {
	for _, s := range gc.sources {
		ok, err := s.ContainsKey(txn, key)
		if err != nil || ok {
			return ok, err
		}
	}
	return false, nil
}

type docReference struct {
	key model.DocumentKey
	id  int
}

func byKey(a, b docReference) bool {
	if c := a.key.Compare(b.key); c != 0 {
		return c < 0
	}
	return a.id < b.id
}

func byID(a, b docReference) bool {
	if a.id != b.id {
		return a.id < b.id
	}
	return a.key.Compare(b.key) < 0
}

// A ReferenceSet is a collection of (document key, id) pairs, where the id is
// a target id or a batch id. It is indexed both ways so that "is key
// referenced at all" and "which keys does id reference" are both cheap.
// A ReferenceSet is not safe for concurrent use.
type ReferenceSet struct {
	byKey *btree.BTreeG[docReference]
	byID  *btree.BTreeG[docReference]
	gc    GarbageCollector
}

// NewReferenceSet returns an empty set.
func NewReferenceSet() *ReferenceSet {
	return &ReferenceSet{
		byKey: btree.NewG(16, byKey),
		byID:  btree.NewG(16, byID),
	}
}

// IsEmpty reports whether the set holds no references.
func (r *ReferenceSet) IsEmpty() bool { return r.byKey.Len() == 0 }

// AddReference records that id references key.
func (r *ReferenceSet) AddReference(key model.DocumentKey, id int) {
	ref := docReference{key, id}
	r.byKey.ReplaceOrInsert(ref)
	r.byID.ReplaceOrInsert(ref)
}

// AddReferences records that id references every key in keys.
func (r *ReferenceSet) AddReferences(keys *model.DocumentKeySet, id int) {
	keys.Each(func(k model.DocumentKey) bool {
		r.AddReference(k, id)
		return true
	})
}

// RemoveReference removes the reference from id to key.
func (r *ReferenceSet) RemoveReference(key model.DocumentKey, id int) {
	r.removeRef(docReference{key, id})
}

// RemoveReferences removes the references from id to every key in keys.
func (r *ReferenceSet) RemoveReferences(keys *model.DocumentKeySet, id int) {
	keys.Each(func(k model.DocumentKey) bool {
		r.RemoveReference(k, id)
		return true
	})
}

// RemoveReferencesForID removes every reference held by id and returns the
// keys that were referenced.
func (r *ReferenceSet) RemoveReferencesForID(id int) *model.DocumentKeySet {
	var refs []docReference
	r.byID.AscendGreaterOrEqual(docReference{id: id}, func(ref docReference) bool {
		if ref.id != id {
			return false
		}
		refs = append(refs, ref)
		return true
	})
	keys := model.NewDocumentKeySet()
	for _, ref := range refs {
		r.removeRef(ref)
		keys.Add(ref.key)
	}
	return keys
}

// RemoveAllReferences clears the set, reporting every key as potential garbage.
func (r *ReferenceSet) RemoveAllReferences() {
	var refs []docReference
	r.byKey.Ascend(func(ref docReference) bool {
		refs = append(refs, ref)
		return true
	})
	for _, ref := range refs {
		r.removeRef(ref)
	}
}

func (r *ReferenceSet) removeRef(ref docReference) {
	if _, ok := r.byKey.Delete(ref); !ok {
		return
	}
	r.byID.Delete(ref)
	if r.gc != nil {
		r.gc.AddPotentialGarbageKey(ref.key)
	}
}

// ReferencesForID returns the keys referenced by id.
func (r *ReferenceSet) ReferencesForID(id int) *model.DocumentKeySet {
	keys := model.NewDocumentKeySet()
	r.byID.AscendGreaterOrEqual(docReference{id: id}, func(ref docReference) bool {
		if ref.id != id {
			return false
		}
		keys.Add(ref.key)
		return true
	})
	return keys
}

// ContainsKey implements GarbageSource.ContainsKey. It does not use txn.
func (r *ReferenceSet) ContainsKey(_ persistence.Txn, key model.DocumentKey) (bool, error) {
	return r.containsKey(key), nil
}

func (r *ReferenceSet) containsKey(key model.DocumentKey) bool {
	found := false
	// Ids are non-negative, except for model.BatchIDUnknown which is never
	// stored, so -1 sorts before every reference to key.
	r.byKey.AscendGreaterOrEqual(docReference{key: key, id: -1}, func(ref docReference) bool {
		found = ref.key == key
		return false
	})
	return found
}

func (r *ReferenceSet) SetGarbageCollector(gc GarbageCollector) { r.gc = gc }
