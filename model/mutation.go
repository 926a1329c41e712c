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

// A Precondition is a condition on the base document that must hold for a
// mutation to apply. The zero value is the empty precondition.
type Precondition struct {
	kind       preconditionKind
	exists     bool
	updateTime SnapshotVersion
}

type preconditionKind int

const (
	preconditionNone preconditionKind = iota
	preconditionExists
	preconditionUpdateTime
)

// PreconditionNone always holds.
var PreconditionNone = Precondition{}

// ExistsPrecondition holds when the document's existence matches exists.
func ExistsPrecondition(exists bool) Precondition {
	return Precondition{kind: preconditionExists, exists: exists}
}

// UpdateTimePrecondition holds when the document exists at exactly version v.
func UpdateTimePrecondition(v SnapshotVersion) Precondition {
	return Precondition{kind: preconditionUpdateTime, updateTime: v}
}

// IsNone reports whether p is the empty precondition.
func (p Precondition) IsNone() bool { return p.kind == preconditionNone }

// Exists returns the required existence and whether p is an existence precondition.
func (p Precondition) Exists() (exists, ok bool) { return p.exists, p.kind == preconditionExists }

// UpdateTime returns the required version and whether p is an update-time precondition.
func (p Precondition) UpdateTime() (SnapshotVersion, bool) {
	return p.updateTime, p.kind == preconditionUpdateTime
}

// IsValidFor reports whether p holds for doc.
func (p Precondition) IsValidFor(doc MaybeDocument) bool {
	switch p.kind {
	case preconditionUpdateTime:
		d, ok := doc.(*Document)
		return ok && d.version == p.updateTime
	case preconditionExists:
		if p.exists {
			_, ok := doc.(*Document)
			return ok
		}
		if doc == nil {
			return true
		}
		_, ok := doc.(*NoDocument)
		return ok
	default:
		return true
	}
}

func (p Precondition) String() string {
	switch p.kind {
	case preconditionUpdateTime:
		return "updateTime=" + p.updateTime.String()
	case preconditionExists:
		return fmt.Sprintf("exists=%t", p.exists)
	default:
		return "none"
	}
}

// A MutationResult is the backend's answer for one mutation of a committed batch.
type MutationResult struct {
	// Version is the commit version of the document. MinVersion means the
	// batch's commit version applies.
	Version SnapshotVersion
	// TransformResults holds one value per field transform of a
	// TransformMutation, nil otherwise.
	TransformResults []Value
}

// A Mutation is a write to a single document: *SetMutation, *PatchMutation,
// *TransformMutation or *DeleteMutation. Mutations are pure: applying them
// never modifies their input.
type Mutation interface {
	Key() DocumentKey
	Precondition() Precondition
	// ApplyToRemoteDocument applies the mutation to doc, the last known
	// remote state, using the result returned by the backend.
	ApplyToRemoteDocument(doc MaybeDocument, result MutationResult) MaybeDocument
	// ApplyToLocalView applies the mutation to doc for the latency-compensated
	// local view. doc may be nil.
	ApplyToLocalView(doc MaybeDocument, localWriteTime Timestamp) MaybeDocument
	isMutation()
}

// SetMutation replaces a document's contents.
type SetMutation struct {
	DocKey DocumentKey
	Value  ObjectValue
	Pre    Precondition
}

// PatchMutation updates the fields named in Mask. A masked field absent from
// Value is deleted.
type PatchMutation struct {
	DocKey DocumentKey
	Value  ObjectValue
	Mask   []FieldPath
	Pre    Precondition
}

// TransformMutation applies field transforms computed by the backend. Its
// precondition is always that the document exists.
type TransformMutation struct {
	DocKey     DocumentKey
	Transforms []FieldTransform
}

// DeleteMutation removes a document.
type DeleteMutation struct {
	DocKey DocumentKey
	Pre    Precondition
}

func (m *SetMutation) Key() DocumentKey       { return m.DocKey }
func (m *PatchMutation) Key() DocumentKey     { return m.DocKey }
func (m *TransformMutation) Key() DocumentKey { return m.DocKey }
func (m *DeleteMutation) Key() DocumentKey    { return m.DocKey }

func (m *SetMutation) Precondition() Precondition     { return m.Pre }
func (m *PatchMutation) Precondition() Precondition   { return m.Pre }
func (*TransformMutation) Precondition() Precondition { return ExistsPrecondition(true) }
func (m *DeleteMutation) Precondition() Precondition  { return m.Pre }

func (*SetMutation) isMutation()       {}
func (*PatchMutation) isMutation()     {}
func (*TransformMutation) isMutation() {}
func (*DeleteMutation) isMutation()    {}

// postMutationVersion is the version a locally mutated document keeps: the
// base document's version if it exists, MinVersion otherwise.
func postMutationVersion(doc MaybeDocument) SnapshotVersion {
	if d, ok := doc.(*Document); ok {
		return d.version
	}
	return MinVersion
}

func checkKey(m Mutation, doc MaybeDocument) {
	if doc != nil && doc.Key() != m.Key() {
		gcerr.Fail("mutation for %s applied to document %s", m.Key(), doc.Key())
	}
}

func (m *SetMutation) ApplyToRemoteDocument(doc MaybeDocument, result MutationResult) MaybeDocument {
	checkKey(m, doc)
	if result.TransformResults != nil {
		gcerr.Fail("transform results received by SetMutation")
	}
	return NewDocument(m.DocKey, result.Version, m.Value, false)
}

func (m *SetMutation) ApplyToLocalView(doc MaybeDocument, _ Timestamp) MaybeDocument {
	checkKey(m, doc)
	if !m.Pre.IsValidFor(doc) {
		return doc
	}
	return NewDocument(m.DocKey, postMutationVersion(doc), m.Value, true)
}

func (m *PatchMutation) ApplyToRemoteDocument(doc MaybeDocument, result MutationResult) MaybeDocument {
	checkKey(m, doc)
	if result.TransformResults != nil {
		gcerr.Fail("transform results received by PatchMutation")
	}
	if !m.Pre.IsValidFor(doc) {
		// The backend applied the patch, but the base state here does not
		// explain the result, so its contents are unknown.
		return NewUnknownDocument(m.DocKey, result.Version)
	}
	return NewDocument(m.DocKey, result.Version, m.patch(doc), false)
}

func (m *PatchMutation) ApplyToLocalView(doc MaybeDocument, _ Timestamp) MaybeDocument {
	checkKey(m, doc)
	if !m.Pre.IsValidFor(doc) {
		return doc
	}
	return NewDocument(m.DocKey, postMutationVersion(doc), m.patch(doc), true)
}

func (m *PatchMutation) patch(doc MaybeDocument) ObjectValue {
	data := EmptyObject
	if d, ok := doc.(*Document); ok {
		data = d.data
	}
	for _, path := range m.Mask {
		if v, ok := m.Value.Field(path); ok {
			data = data.Set(path, v)
		} else {
			data = data.Delete(path)
		}
	}
	return data
}

func (m *TransformMutation) ApplyToRemoteDocument(doc MaybeDocument, result MutationResult) MaybeDocument {
	checkKey(m, doc)
	if result.TransformResults == nil {
		gcerr.Fail("transform results missing for TransformMutation")
	}
	if len(result.TransformResults) != len(m.Transforms) {
		gcerr.Fail("got %d transform results for %d transforms", len(result.TransformResults), len(m.Transforms))
	}
	if !m.Precondition().IsValidFor(doc) {
		return NewUnknownDocument(m.DocKey, result.Version)
	}
	d := doc.(*Document)
	data := d.data
	for i, ft := range m.Transforms {
		prev, _ := data.Field(ft.Field)
		data = data.Set(ft.Field, ft.Op.ApplyToRemote(prev, result.TransformResults[i]))
	}
	return NewDocument(m.DocKey, result.Version, data, false)
}

func (m *TransformMutation) ApplyToLocalView(doc MaybeDocument, localWriteTime Timestamp) MaybeDocument {
	checkKey(m, doc)
	if !m.Precondition().IsValidFor(doc) {
		return doc
	}
	d := doc.(*Document)
	data := d.data
	for _, ft := range m.Transforms {
		prev, _ := data.Field(ft.Field)
		data = data.Set(ft.Field, ft.Op.ApplyToLocal(prev, localWriteTime))
	}
	return NewDocument(m.DocKey, d.version, data, true)
}

func (m *DeleteMutation) ApplyToRemoteDocument(doc MaybeDocument, result MutationResult) MaybeDocument {
	checkKey(m, doc)
	if result.TransformResults != nil {
		gcerr.Fail("transform results received by DeleteMutation")
	}
	return NewNoDocument(m.DocKey, DeletedVersion)
}

func (m *DeleteMutation) ApplyToLocalView(doc MaybeDocument, _ Timestamp) MaybeDocument {
	checkKey(m, doc)
	if !m.Pre.IsValidFor(doc) {
		return doc
	}
	return NewNoDocument(m.DocKey, DeletedVersion)
}

func (m *SetMutation) String() string {
	return fmt.Sprintf("SetMutation(%s, %s, %s)", m.DocKey, m.Value, m.Pre)
}

func (m *PatchMutation) String() string {
	return fmt.Sprintf("PatchMutation(%s, %s, %v, %s)", m.DocKey, m.Value, m.Mask, m.Pre)
}

func (m *TransformMutation) String() string {
	return fmt.Sprintf("TransformMutation(%s, %d transforms)", m.DocKey, len(m.Transforms))
}

func (m *DeleteMutation) String() string {
	return fmt.Sprintf("DeleteMutation(%s, %s)", m.DocKey, m.Pre)
}

// A FieldTransform applies Op to the value at Field.
type FieldTransform struct {
	Field FieldPath
	Op    TransformOperation
}

// A TransformOperation is ServerTimestampTransform or NumericIncrementTransform.
type TransformOperation interface {
	// ApplyToLocal estimates the result from the previous value, which may be nil.
	ApplyToLocal(previous Value, localWriteTime Timestamp) Value
	// ApplyToRemote returns the value to store given the backend's result.
	ApplyToRemote(previous, result Value) Value
	isTransformOperation()
}

// ServerTimestampTransform sets a field to the backend's commit time.
type ServerTimestampTransform struct{}

func (ServerTimestampTransform) ApplyToLocal(previous Value, localWriteTime Timestamp) Value {
	return ServerTimestampValue{LocalWriteTime: localWriteTime, Previous: previous}
}

func (ServerTimestampTransform) ApplyToRemote(_, result Value) Value { return result }
func (ServerTimestampTransform) isTransformOperation()               {}

// NumericIncrementTransform adds Operand to a numeric field. A missing or
// non-numeric field is treated as 0.
type NumericIncrementTransform struct {
	Operand Value
}

func (t NumericIncrementTransform) ApplyToLocal(previous Value, _ Timestamp) Value {
	switch p := previous.(type) {
	case IntegerValue:
		if o, ok := t.Operand.(IntegerValue); ok {
			return p + o
		}
		return DoubleValue(float64(p) + toFloat(t.Operand))
	case DoubleValue:
		return DoubleValue(float64(p) + toFloat(t.Operand))
	}
	return t.Operand
}

func (NumericIncrementTransform) ApplyToRemote(_, result Value) Value { return result }
func (NumericIncrementTransform) isTransformOperation()               {}
