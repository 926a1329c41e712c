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

import "github.com/google/btree"

const btreeDegree = 16

func keyLess(a, b DocumentKey) bool { return a.Compare(b) < 0 }

// A DocumentKeySet is a sorted set of keys. A nil *DocumentKeySet is an empty
// set for reading.
type DocumentKeySet struct {
	t *btree.BTreeG[DocumentKey]
}

// NewDocumentKeySet returns a set holding keys.
func NewDocumentKeySet(keys ...DocumentKey) *DocumentKeySet {
	s := &DocumentKeySet{t: btree.NewG(btreeDegree, keyLess)}
	for _, k := range keys {
		s.t.ReplaceOrInsert(k)
	}
	return s
}

// Add inserts k.
func (s *DocumentKeySet) Add(k DocumentKey) { s.t.ReplaceOrInsert(k) }

// Delete removes k.
func (s *DocumentKeySet) Delete(k DocumentKey) { s.t.Delete(k) }

// Has reports whether k is in s.
func (s *DocumentKeySet) Has(k DocumentKey) bool { return s != nil && s.t.Has(k) }

// Len returns the number of keys.
func (s *DocumentKeySet) Len() int {
	if s == nil {
		return 0
	}
	return s.t.Len()
}

// Each calls f for every key in order until f returns false.
func (s *DocumentKeySet) Each(f func(DocumentKey) bool) {
	if s != nil {
		s.t.Ascend(btree.ItemIteratorG[DocumentKey](f))
	}
}

// Keys returns the keys in order.
func (s *DocumentKeySet) Keys() []DocumentKey {
	keys := make([]DocumentKey, 0, s.Len())
	s.Each(func(k DocumentKey) bool {
		keys = append(keys, k)
		return true
	})
	return keys
}

// Clone returns an independent copy of s.
func (s *DocumentKeySet) Clone() *DocumentKeySet {
	if s == nil {
		return NewDocumentKeySet()
	}
	return &DocumentKeySet{t: s.t.Clone()}
}

// Union returns a new set holding the keys of s and other.
func (s *DocumentKeySet) Union(other *DocumentKeySet) *DocumentKeySet {
	u := s.Clone()
	other.Each(func(k DocumentKey) bool {
		u.Add(k)
		return true
	})
	return u
}

// Equal reports whether s and other hold the same keys.
func (s *DocumentKeySet) Equal(other *DocumentKeySet) bool {
	if s.Len() != other.Len() {
		return false
	}
	equal := true
	s.Each(func(k DocumentKey) bool {
		equal = other.Has(k)
		return equal
	})
	return equal
}

type keyedEntry[V any] struct {
	key   DocumentKey
	value V
}

// A KeyMap is a map from document keys to values that iterates in key order.
type KeyMap[V any] struct {
	t *btree.BTreeG[keyedEntry[V]]
}

// MaybeDocumentMap maps keys to what is known about each document.
type MaybeDocumentMap = KeyMap[MaybeDocument]

// DocumentMap maps keys to existing documents.
type DocumentMap = KeyMap[*Document]

// NewKeyMap returns an empty map.
func NewKeyMap[V any]() *KeyMap[V] {
	return &KeyMap[V]{t: btree.NewG(btreeDegree, func(a, b keyedEntry[V]) bool { return keyLess(a.key, b.key) })}
}

// NewMaybeDocumentMap returns an empty MaybeDocumentMap.
func NewMaybeDocumentMap() *MaybeDocumentMap { return NewKeyMap[MaybeDocument]() }

// NewDocumentMap returns an empty DocumentMap.
func NewDocumentMap() *DocumentMap { return NewKeyMap[*Document]() }

// Insert sets the value for k.
func (m *KeyMap[V]) Insert(k DocumentKey, v V) { m.t.ReplaceOrInsert(keyedEntry[V]{k, v}) }

// Delete removes k.
func (m *KeyMap[V]) Delete(k DocumentKey) { m.t.Delete(keyedEntry[V]{key: k}) }

// Get returns the value for k.
func (m *KeyMap[V]) Get(k DocumentKey) (V, bool) {
	var zero V
	if m == nil {
		return zero, false
	}
	e, ok := m.t.Get(keyedEntry[V]{key: k})
	if !ok {
		return zero, false
	}
	return e.value, true
}

// Len returns the number of entries.
func (m *KeyMap[V]) Len() int {
	if m == nil {
		return 0
	}
	return m.t.Len()
}

// Each calls f for every entry in key order until f returns false.
func (m *KeyMap[V]) Each(f func(DocumentKey, V) bool) {
	if m == nil {
		return
	}
	m.t.Ascend(func(e keyedEntry[V]) bool { return f(e.key, e.value) })
}

// Keys returns the set of keys in m.
func (m *KeyMap[V]) Keys() *DocumentKeySet {
	s := NewDocumentKeySet()
	m.Each(func(k DocumentKey, _ V) bool {
		s.Add(k)
		return true
	})
	return s
}

// Clone returns an independent copy of m.
func (m *KeyMap[V]) Clone() *KeyMap[V] {
	if m == nil {
		return NewKeyMap[V]()
	}
	return &KeyMap[V]{t: m.t.Clone()}
}
