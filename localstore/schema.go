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
	"bytes"
	"encoding/gob"

	"docsync.dev/internal/escape"
	"docsync.dev/internal/gcerr"
	"docsync.dev/model"
	"docsync.dev/persistence"
	"docsync.dev/query"
)

// Collections of the local store schema. Keys are listed beside each.
const (
	// [userID] -> mutationQueueRecord
	mutationQueuesCollection = "mutationQueues"
	// [userID, batchID] -> batchRecord
	mutationsCollection = "mutations"
	// [userID, encodedPath, batchID] -> empty
	documentMutationsCollection = "documentMutations"
	// [encodedPath] -> documentRecord
	remoteDocumentsCollection = "remoteDocuments"
	// [targetID] -> targetRecord
	targetsCollection = "targets"
	// [canonicalID, targetID] -> empty
	targetsByCanonicalIDCollection = "targetsByCanonicalId"
	// ["global"] -> targetGlobalRecord
	targetGlobalCollection = "targetGlobal"
	// [targetID, encodedPath] -> empty
	targetDocumentsCollection = "targetDocuments"
	// [encodedPath, targetID] -> empty
	documentTargetsCollection = "documentTargets"
)

var (
	targetGlobalKey = persistence.NewKey("global")
	placeholder     = []byte{}
)

func encodeKey(k model.DocumentKey) string { return escape.EncodePath(k.Path()) }

func encodeResourcePath(p model.ResourcePath) string { return escape.EncodePath(p) }

func decodeKey(s string) (model.DocumentKey, error) {
	segs, err := escape.DecodePath(s)
	if err != nil {
		return model.DocumentKey{}, gcerr.Newf(gcerr.Internal, err, "corrupt document path in store")
	}
	if !model.IsDocumentPath(segs) {
		return model.DocumentKey{}, gcerr.Newf(gcerr.Internal, nil, "stored path %q is not a document path", model.ResourcePath(segs))
	}
	return model.NewDocumentKey(segs), nil
}

// Record types. They are the gob-encoded values of the collections above.
type (
	mutationQueueRecord struct {
		UserID string
		// LastAcknowledgedBatchID is the highest batch the backend has
		// acknowledged, or model.BatchIDUnknown.
		LastAcknowledgedBatchID int
		LastStreamToken         []byte
	}

	batchRecord struct {
		UserID         string
		BatchID        int
		LocalWriteTime model.Timestamp
		Mutations      []mutationRecord
	}

	targetRecord struct {
		TargetID    int
		CanonicalID string
		ReadTime    model.Timestamp
		ResumeToken []byte
		Query       queryRecord
	}

	targetGlobalRecord struct {
		HighestTargetID           int
		LastRemoteSnapshotVersion model.Timestamp
		TargetCount               int
	}

	documentRecord struct {
		Kind    int
		Version model.Timestamp
		Fields  map[string]*valueRecord
	}
)

const (
	kindDocument = iota
	kindNoDocument
	kindUnknownDocument
)

const (
	kindSet = iota
	kindPatch
	kindTransform
	kindDelete
)

const (
	preconditionNone = iota
	preconditionExists
	preconditionUpdateTime
)

type mutationRecord struct {
	Kind       int
	Path       string
	Fields     map[string]*valueRecord
	Mask       [][]string
	Transforms []transformRecord

	PreconditionKind       int
	PreconditionExists     bool
	PreconditionUpdateTime model.Timestamp
}

type transformRecord struct {
	Field []string
	// Increment is nil for a server timestamp.
	Increment *valueRecord
}

type queryRecord struct {
	Path    []string
	Filters []filterRecord
	OrderBy []orderByRecord
	Limit   int
	StartAt *boundRecord
	EndAt   *boundRecord
}

type filterRecord struct {
	Field []string
	Op    int
	Value *valueRecord
}

type orderByRecord struct {
	Field      []string
	Descending bool
}

type boundRecord struct {
	Position []*valueRecord
	Before   bool
}

const (
	valueNull = iota
	valueBoolean
	valueInteger
	valueDouble
	valueTimestamp
	valueServerTimestamp
	valueString
	valueBlob
	valueRef
	valueGeoPoint
	valueArray
	valueObject
)

type valueRecord struct {
	Type      int
	Bool      bool
	Int       int64
	Double    float64
	Timestamp model.Timestamp
	String    string
	Bytes     []byte
	Lat, Lng  float64
	Array     []*valueRecord
	Map       map[string]*valueRecord
	// Previous is the prior value of a server timestamp.
	Previous *valueRecord
}

func encodeRecord(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, gcerr.Newf(gcerr.Internal, err, "encoding %T", v)
	}
	return buf.Bytes(), nil
}

func decodeRecord(b []byte, v interface{}) error {
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(v); err != nil {
		return gcerr.Newf(gcerr.Internal, err, "decoding %T", v)
	}
	return nil
}

// getRecord reads and decodes key from c. It reports false if key is absent.
func getRecord(c persistence.Collection, key persistence.Key, v interface{}) (bool, error) {
	b, err := c.Get(key)
	if err != nil || b == nil {
		return false, err
	}
	return true, decodeRecord(b, v)
}

func putRecord(c persistence.Collection, key persistence.Key, v interface{}) error {
	b, err := encodeRecord(v)
	if err != nil {
		return err
	}
	return c.Put(key, b)
}

func toValueRecord(v model.Value) *valueRecord {
	switch v := v.(type) {
	case nil:
		return nil
	case model.NullValue:
		return &valueRecord{Type: valueNull}
	case model.BooleanValue:
		return &valueRecord{Type: valueBoolean, Bool: bool(v)}
	case model.IntegerValue:
		return &valueRecord{Type: valueInteger, Int: int64(v)}
	case model.DoubleValue:
		return &valueRecord{Type: valueDouble, Double: float64(v)}
	case model.TimestampValue:
		return &valueRecord{Type: valueTimestamp, Timestamp: model.Timestamp(v)}
	case model.ServerTimestampValue:
		return &valueRecord{Type: valueServerTimestamp, Timestamp: v.LocalWriteTime, Previous: toValueRecord(v.Previous)}
	case model.StringValue:
		return &valueRecord{Type: valueString, String: string(v)}
	case model.BlobValue:
		return &valueRecord{Type: valueBlob, Bytes: []byte(v)}
	case model.RefValue:
		return &valueRecord{Type: valueRef, String: v.Key.String()}
	case model.GeoPointValue:
		return &valueRecord{Type: valueGeoPoint, Lat: v.Latitude, Lng: v.Longitude}
	case model.ArrayValue:
		r := &valueRecord{Type: valueArray, Array: make([]*valueRecord, len(v))}
		for i, e := range v {
			r.Array[i] = toValueRecord(e)
		}
		return r
	case model.ObjectValue:
		return &valueRecord{Type: valueObject, Map: toFieldRecords(v)}
	}
	gcerr.Fail("cannot encode value of type %T", v)
	return nil
}

func toFieldRecords(o model.ObjectValue) map[string]*valueRecord {
	m := make(map[string]*valueRecord, o.Len())
	for _, k := range o.Keys() {
		v, _ := o.Get(k)
		m[k] = toValueRecord(v)
	}
	return m
}

func fromValueRecord(r *valueRecord) (model.Value, error) {
	if r == nil {
		return nil, nil
	}
	switch r.Type {
	case valueNull:
		return model.NullValue{}, nil
	case valueBoolean:
		return model.BooleanValue(r.Bool), nil
	case valueInteger:
		return model.IntegerValue(r.Int), nil
	case valueDouble:
		return model.DoubleValue(r.Double), nil
	case valueTimestamp:
		return model.TimestampValue(r.Timestamp), nil
	case valueServerTimestamp:
		prev, err := fromValueRecord(r.Previous)
		if err != nil {
			return nil, err
		}
		return model.ServerTimestampValue{LocalWriteTime: r.Timestamp, Previous: prev}, nil
	case valueString:
		return model.StringValue(r.String), nil
	case valueBlob:
		return model.BlobValue(r.Bytes), nil
	case valueRef:
		p := model.ParseResourcePath(r.String)
		if !model.IsDocumentPath(p) {
			return nil, gcerr.Newf(gcerr.Internal, nil, "stored reference %q is not a document path", r.String)
		}
		return model.RefValue{Key: model.NewDocumentKey(p)}, nil
	case valueGeoPoint:
		return model.GeoPointValue{Latitude: r.Lat, Longitude: r.Lng}, nil
	case valueArray:
		a := make(model.ArrayValue, len(r.Array))
		for i, e := range r.Array {
			v, err := fromValueRecord(e)
			if err != nil {
				return nil, err
			}
			a[i] = v
		}
		return a, nil
	case valueObject:
		return fromFieldRecords(r.Map)
	}
	return nil, gcerr.Newf(gcerr.Internal, nil, "unknown stored value type %d", r.Type)
}

func fromFieldRecords(m map[string]*valueRecord) (model.ObjectValue, error) {
	fields := make(map[string]model.Value, len(m))
	for k, r := range m {
		v, err := fromValueRecord(r)
		if err != nil {
			return model.ObjectValue{}, err
		}
		fields[k] = v
	}
	return model.NewObjectValue(fields), nil
}

func toDocumentRecord(doc model.MaybeDocument) *documentRecord {
	r := &documentRecord{Version: doc.Version().Timestamp}
	switch d := doc.(type) {
	case *model.Document:
		r.Kind = kindDocument
		r.Fields = toFieldRecords(d.Data())
	case *model.NoDocument:
		r.Kind = kindNoDocument
	case *model.UnknownDocument:
		r.Kind = kindUnknownDocument
	default:
		gcerr.Fail("cannot store document of type %T", doc)
	}
	return r
}

func fromDocumentRecord(key model.DocumentKey, r *documentRecord) (model.MaybeDocument, error) {
	v := model.SnapshotVersion{Timestamp: r.Version}
	switch r.Kind {
	case kindDocument:
		data, err := fromFieldRecords(r.Fields)
		if err != nil {
			return nil, err
		}
		return model.NewDocument(key, v, data, false), nil
	case kindNoDocument:
		return model.NewNoDocument(key, v), nil
	case kindUnknownDocument:
		return model.NewUnknownDocument(key, v), nil
	}
	return nil, gcerr.Newf(gcerr.Internal, nil, "unknown stored document kind %d for %s", r.Kind, key)
}

func toMutationRecord(m model.Mutation) mutationRecord {
	r := mutationRecord{Path: m.Key().String()}
	pre := m.Precondition()
	if exists, ok := pre.Exists(); ok {
		r.PreconditionKind, r.PreconditionExists = preconditionExists, exists
	} else if v, ok := pre.UpdateTime(); ok {
		r.PreconditionKind, r.PreconditionUpdateTime = preconditionUpdateTime, v.Timestamp
	}
	switch m := m.(type) {
	case *model.SetMutation:
		r.Kind = kindSet
		r.Fields = toFieldRecords(m.Value)
	case *model.PatchMutation:
		r.Kind = kindPatch
		r.Fields = toFieldRecords(m.Value)
		for _, f := range m.Mask {
			r.Mask = append(r.Mask, []string(f))
		}
	case *model.TransformMutation:
		r.Kind = kindTransform
		for _, t := range m.Transforms {
			tr := transformRecord{Field: []string(t.Field)}
			switch op := t.Op.(type) {
			case model.ServerTimestampTransform:
			case model.NumericIncrementTransform:
				tr.Increment = toValueRecord(op.Operand)
			default:
				gcerr.Fail("cannot encode transform %T", t.Op)
			}
			r.Transforms = append(r.Transforms, tr)
		}
	case *model.DeleteMutation:
		r.Kind = kindDelete
	default:
		gcerr.Fail("cannot encode mutation %T", m)
	}
	return r
}

func fromMutationRecord(r mutationRecord) (model.Mutation, error) {
	p := model.ParseResourcePath(r.Path)
	if !model.IsDocumentPath(p) {
		return nil, gcerr.Newf(gcerr.Internal, nil, "stored mutation path %q is not a document path", r.Path)
	}
	key := model.NewDocumentKey(p)
	var pre model.Precondition
	switch r.PreconditionKind {
	case preconditionExists:
		pre = model.ExistsPrecondition(r.PreconditionExists)
	case preconditionUpdateTime:
		pre = model.UpdateTimePrecondition(model.SnapshotVersion{Timestamp: r.PreconditionUpdateTime})
	}
	switch r.Kind {
	case kindSet, kindPatch:
		value, err := fromFieldRecords(r.Fields)
		if err != nil {
			return nil, err
		}
		if r.Kind == kindSet {
			return &model.SetMutation{DocKey: key, Value: value, Pre: pre}, nil
		}
		mask := make([]model.FieldPath, len(r.Mask))
		for i, f := range r.Mask {
			mask[i] = model.FieldPath(f)
		}
		return &model.PatchMutation{DocKey: key, Value: value, Mask: mask, Pre: pre}, nil
	case kindTransform:
		m := &model.TransformMutation{DocKey: key}
		for _, tr := range r.Transforms {
			t := model.FieldTransform{Field: model.FieldPath(tr.Field), Op: model.ServerTimestampTransform{}}
			if tr.Increment != nil {
				operand, err := fromValueRecord(tr.Increment)
				if err != nil {
					return nil, err
				}
				t.Op = model.NumericIncrementTransform{Operand: operand}
			}
			m.Transforms = append(m.Transforms, t)
		}
		return m, nil
	case kindDelete:
		return &model.DeleteMutation{DocKey: key, Pre: pre}, nil
	}
	return nil, gcerr.Newf(gcerr.Internal, nil, "unknown stored mutation kind %d", r.Kind)
}

func toBatchRecord(userID string, b *model.MutationBatch) *batchRecord {
	r := &batchRecord{UserID: userID, BatchID: b.BatchID, LocalWriteTime: b.LocalWriteTime}
	for _, m := range b.Mutations {
		r.Mutations = append(r.Mutations, toMutationRecord(m))
	}
	return r
}

func fromBatchRecord(r *batchRecord) (*model.MutationBatch, error) {
	b := &model.MutationBatch{BatchID: r.BatchID, LocalWriteTime: r.LocalWriteTime}
	for _, mr := range r.Mutations {
		m, err := fromMutationRecord(mr)
		if err != nil {
			return nil, err
		}
		b.Mutations = append(b.Mutations, m)
	}
	return b, nil
}

func toQueryRecord(q query.Query) queryRecord {
	r := queryRecord{Path: []string(q.Path), Limit: q.Limit}
	for _, f := range q.Filters {
		r.Filters = append(r.Filters, filterRecord{Field: []string(f.Field), Op: int(f.Op), Value: toValueRecord(f.Value)})
	}
	for _, o := range q.ExplicitOrderBy {
		r.OrderBy = append(r.OrderBy, orderByRecord{Field: []string(o.Field), Descending: o.Descending})
	}
	r.StartAt = toBoundRecord(q.StartAt)
	r.EndAt = toBoundRecord(q.EndAt)
	return r
}

func toBoundRecord(b *query.Bound) *boundRecord {
	if b == nil {
		return nil
	}
	r := &boundRecord{Before: b.Before}
	for _, v := range b.Position {
		r.Position = append(r.Position, toValueRecord(v))
	}
	return r
}

func fromQueryRecord(r queryRecord) (query.Query, error) {
	q := query.Query{Path: model.ResourcePath(r.Path), Limit: r.Limit}
	for _, fr := range r.Filters {
		v, err := fromValueRecord(fr.Value)
		if err != nil {
			return query.Query{}, err
		}
		q.Filters = append(q.Filters, query.Filter{Field: model.FieldPath(fr.Field), Op: query.Operator(fr.Op), Value: v})
	}
	for _, o := range r.OrderBy {
		q.ExplicitOrderBy = append(q.ExplicitOrderBy, query.OrderBy{Field: model.FieldPath(o.Field), Descending: o.Descending})
	}
	var err error
	if q.StartAt, err = fromBoundRecord(r.StartAt); err != nil {
		return query.Query{}, err
	}
	if q.EndAt, err = fromBoundRecord(r.EndAt); err != nil {
		return query.Query{}, err
	}
	return q, nil
}

func fromBoundRecord(r *boundRecord) (*query.Bound, error) {
	if r == nil {
		return nil, nil
	}
	b := &query.Bound{Before: r.Before}
	for _, vr := range r.Position {
		v, err := fromValueRecord(vr)
		if err != nil {
			return nil, err
		}
		b.Position = append(b.Position, v)
	}
	return b, nil
}

func toTargetRecord(td query.TargetData) *targetRecord {
	return &targetRecord{
		TargetID:    td.TargetID,
		CanonicalID: td.Query.CanonicalID(),
		ReadTime:    td.SnapshotVersion.Timestamp,
		ResumeToken: td.ResumeToken,
		Query:       toQueryRecord(td.Query),
	}
}

// fromTargetRecord decodes a persisted target. Only listen targets are
// persisted, so the purpose is always PurposeListen.
func fromTargetRecord(r *targetRecord) (query.TargetData, error) {
	q, err := fromQueryRecord(r.Query)
	if err != nil {
		return query.TargetData{}, err
	}
	return query.TargetData{
		Query:           q,
		TargetID:        r.TargetID,
		Purpose:         query.PurposeListen,
		SnapshotVersion: model.SnapshotVersion{Timestamp: r.ReadTime},
		ResumeToken:     r.ResumeToken,
	}, nil
}
