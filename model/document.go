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

import "fmt"

// A MaybeDocument is what is known about one document: *Document,
// *NoDocument or *UnknownDocument. A nil MaybeDocument means nothing is known.
type MaybeDocument interface {
	Key() DocumentKey
	Version() SnapshotVersion
	isMaybeDocument()
}

// A Document is an existing document with its data.
type Document struct {
	key               DocumentKey
	version           SnapshotVersion
	data              ObjectValue
	hasLocalMutations bool
}

// NewDocument returns a document. hasLocalMutations marks documents that
// reflect writes not yet acknowledged by the backend.
func NewDocument(key DocumentKey, version SnapshotVersion, data ObjectValue, hasLocalMutations bool) *Document {
	return &Document{key: key, version: version, data: data, hasLocalMutations: hasLocalMutations}
}

func (d *Document) Key() DocumentKey         { return d.key }
func (d *Document) Version() SnapshotVersion { return d.version }
func (d *Document) Data() ObjectValue        { return d.data }
func (d *Document) HasLocalMutations() bool  { return d.hasLocalMutations }
func (*Document) isMaybeDocument()           {}
func (d *Document) String() string {
	return fmt.Sprintf("Document(%s, %s, %s, local=%t)", d.key, d.version, d.data, d.hasLocalMutations)
}

// Field returns the value at path. The key field path yields a RefValue of the
// document's own key.
func (d *Document) Field(path FieldPath) (Value, bool) {
	if path.IsKeyField() {
		return RefValue{Key: d.key}, true
	}
	return d.data.Field(path)
}

// Equal reports whether d and other have the same key, version, data and
// local-mutation flag.
func (d *Document) Equal(other *Document) bool {
	if d == nil || other == nil {
		return d == other
	}
	return d.key == other.key && d.version == other.version &&
		d.hasLocalMutations == other.hasLocalMutations && d.data.Equal(other.data)
}

// A NoDocument records that a document does not exist as of version.
type NoDocument struct {
	key     DocumentKey
	version SnapshotVersion
}

// NewNoDocument returns a tombstone.
func NewNoDocument(key DocumentKey, version SnapshotVersion) *NoDocument {
	return &NoDocument{key: key, version: version}
}

func (d *NoDocument) Key() DocumentKey         { return d.key }
func (d *NoDocument) Version() SnapshotVersion { return d.version }
func (*NoDocument) isMaybeDocument()           {}
func (d *NoDocument) String() string           { return fmt.Sprintf("NoDocument(%s, %s)", d.key, d.version) }

// An UnknownDocument is a document whose contents are unknown: the backend
// accepted a patch without returning the result, so only its version is known.
type UnknownDocument struct {
	key     DocumentKey
	version SnapshotVersion
}

// NewUnknownDocument returns an unknown-contents marker.
func NewUnknownDocument(key DocumentKey, version SnapshotVersion) *UnknownDocument {
	return &UnknownDocument{key: key, version: version}
}

func (d *UnknownDocument) Key() DocumentKey         { return d.key }
func (d *UnknownDocument) Version() SnapshotVersion { return d.version }
func (*UnknownDocument) isMaybeDocument()           {}
func (d *UnknownDocument) String() string {
	return fmt.Sprintf("UnknownDocument(%s, %s)", d.key, d.version)
}

// EqualMaybeDocuments compares two MaybeDocuments of any kind, including nil.
func EqualMaybeDocuments(a, b MaybeDocument) bool {
	switch a := a.(type) {
	case nil:
		return b == nil
	case *Document:
		bd, ok := b.(*Document)
		return ok && a.Equal(bd)
	case *NoDocument:
		bn, ok := b.(*NoDocument)
		return ok && *a == *bn
	case *UnknownDocument:
		bu, ok := b.(*UnknownDocument)
		return ok && *a == *bu
	}
	return false
}
