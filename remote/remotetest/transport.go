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

// Package remotetest provides an in-process backend for testing code that
// talks to a remote.Transport.
//
// The Transport keeps a document store: commits check preconditions and
// apply their mutations to it, and lookups read from it. Watch streams do not
// track it; tests script them with the WatchStream methods.
package remotetest // import "docsync.dev/remote/remotetest"

import (
	"context"
	"sync"

	"docsync.dev/model"
	"docsync.dev/query"
	"docsync.dev/remote"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// Transport is a fake remote.Transport.
type Transport struct {
	// CommitFunc, if set, replaces the built-in commit.
	CommitFunc func(ctx context.Context, mutations []model.Mutation) (*remote.CommitResponse, error)
	// WatchErr, if set, is returned by Watch.
	WatchErr error

	mu      sync.Mutex
	docs    *model.MaybeDocumentMap
	version int64
	commits [][]model.Mutation
	lookups [][]model.DocumentKey
	streams []*WatchStream
	authzs  []string
}

var _ remote.Transport = (*Transport)(nil)

// New returns a Transport whose store is empty.
func New() *Transport {
	return &Transport{docs: model.NewMaybeDocumentMap()}
}

func (t *Transport) recordAuth(ctx context.Context) {
	md, _ := metadata.FromOutgoingContext(ctx)
	a := ""
	if v := md.Get("authorization"); len(v) > 0 {
		a = v[len(v)-1]
	}
	t.authzs = append(t.authzs, a)
}

// Authorizations returns the authorization header of every call, in order.
// Calls without credentials record "".
func (t *Transport) Authorizations() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.authzs...)
}

// SetDocument stores doc in the backend.
func (t *Transport) SetDocument(doc model.MaybeDocument) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.docs.Insert(doc.Key(), doc)
	if v := versionMicros(doc.Version()); v > t.version {
		t.version = v
	}
}

// Document returns the stored state of key, or nil.
func (t *Transport) Document(key model.DocumentKey) model.MaybeDocument {
	t.mu.Lock()
	defer t.mu.Unlock()
	doc, _ := t.docs.Get(key)
	return doc
}

// Watch implements remote.Transport.Watch.
func (t *Transport) Watch(ctx context.Context, h remote.WatchHandler) (remote.WatchStream, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.recordAuth(ctx)
	if t.WatchErr != nil {
		return nil, t.WatchErr
	}
	s := &WatchStream{h: h, targets: map[int]query.TargetData{}}
	t.streams = append(t.streams, s)
	return s, nil
}

// Streams returns every watch stream opened, in order.
func (t *Transport) Streams() []*WatchStream {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*WatchStream(nil), t.streams...)
}

// Stream returns the most recently opened watch stream, or nil.
func (t *Transport) Stream() *WatchStream {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.streams) == 0 {
		return nil
	}
	return t.streams[len(t.streams)-1]
}

// Commit implements remote.Transport.Commit. Each commit gets a version one
// microsecond after the previous one. A failed precondition fails the whole
// commit with codes.FailedPrecondition.
func (t *Transport) Commit(ctx context.Context, mutations []model.Mutation) (*remote.CommitResponse, error) {
	t.mu.Lock()
	t.recordAuth(ctx)
	t.commits = append(t.commits, mutations)
	f := t.CommitFunc
	t.mu.Unlock()
	if f != nil {
		return f(ctx, mutations)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	next := t.docs.Clone()
	version := model.VersionFromMicros(t.version + 1)
	resp := &remote.CommitResponse{CommitVersion: version, StreamToken: []byte("token")}
	for _, m := range mutations {
		doc, _ := next.Get(m.Key())
		if !m.Precondition().IsValidFor(doc) {
			return nil, status.Errorf(codes.FailedPrecondition, "precondition failed for %s", m.Key())
		}
		result := model.MutationResult{Version: version}
		if tm, ok := m.(*model.TransformMutation); ok {
			result.TransformResults = transformResults(tm, doc, version)
		}
		next.Insert(m.Key(), m.ApplyToRemoteDocument(doc, result))
		resp.Results = append(resp.Results, result)
	}
	t.docs = next
	t.version++
	return resp, nil
}

func transformResults(m *model.TransformMutation, doc model.MaybeDocument, version model.SnapshotVersion) []model.Value {
	d, _ := doc.(*model.Document)
	var results []model.Value
	for _, ft := range m.Transforms {
		switch op := ft.Op.(type) {
		case model.ServerTimestampTransform:
			results = append(results, model.TimestampValue(version.Timestamp))
		default:
			var prev model.Value
			if d != nil {
				prev, _ = d.Field(ft.Field)
			}
			results = append(results, op.ApplyToLocal(prev, version.Timestamp))
		}
	}
	return results
}

// Commits returns the mutations of every commit, in order.
func (t *Transport) Commits() [][]model.Mutation {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([][]model.Mutation(nil), t.commits...)
}

// Lookup implements remote.Transport.Lookup. Unknown keys are reported as
// missing at MinVersion.
func (t *Transport) Lookup(ctx context.Context, keys []model.DocumentKey) ([]model.MaybeDocument, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.recordAuth(ctx)
	t.lookups = append(t.lookups, keys)
	var docs []model.MaybeDocument
	for _, k := range keys {
		doc, ok := t.docs.Get(k)
		if !ok {
			doc = model.NewNoDocument(k, model.MinVersion)
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// Lookups returns the keys of every lookup request, in order.
func (t *Transport) Lookups() [][]model.DocumentKey {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([][]model.DocumentKey(nil), t.lookups...)
}

func versionMicros(v model.SnapshotVersion) int64 {
	return v.Timestamp.Seconds*1e6 + int64(v.Timestamp.Nanos)/1000
}

// A Request is a listen or unlisten sent on a watch stream.
type Request struct {
	TargetID int
	// Listen is false for an unlisten.
	Listen bool
	Target query.TargetData
}

// WatchStream is a scripted watch stream.
type WatchStream struct {
	h remote.WatchHandler

	mu       sync.Mutex
	targets  map[int]query.TargetData
	requests []Request
	closed   bool
}

// Listen implements remote.WatchStream.Listen.
func (s *WatchStream) Listen(td query.TargetData) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return status.Error(codes.FailedPrecondition, "watch stream is closed")
	}
	s.targets[td.TargetID] = td
	s.requests = append(s.requests, Request{TargetID: td.TargetID, Listen: true, Target: td})
	return nil
}

// Unlisten implements remote.WatchStream.Unlisten.
func (s *WatchStream) Unlisten(targetID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return status.Error(codes.FailedPrecondition, "watch stream is closed")
	}
	delete(s.targets, targetID)
	s.requests = append(s.requests, Request{TargetID: targetID})
	return nil
}

// Close implements remote.WatchStream.Close.
func (s *WatchStream) Close() error {
	s.close(nil)
	return nil
}

// Fail closes the stream with err, as if the connection broke.
func (s *WatchStream) Fail(err error) { s.close(err) }

func (s *WatchStream) close(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.h.OnWatchClose(err)
}

// Closed reports whether the stream was closed.
func (s *WatchStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Targets returns the targets currently listened to on the stream.
func (s *WatchStream) Targets() map[int]query.TargetData {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := make(map[int]query.TargetData, len(s.targets))
	for id, td := range s.targets {
		m[id] = td
	}
	return m
}

// Requests returns the listens and unlistens sent on the stream, in order.
func (s *WatchStream) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// Send delivers a change to the client.
func (s *WatchStream) Send(change remote.WatchChange, snapshotVersion model.SnapshotVersion) {
	s.h.OnWatchChange(change, snapshotVersion)
}

// Ack acknowledges listens.
func (s *WatchStream) Ack(targetIDs ...int) {
	s.Send(&remote.WatchTargetChange{State: remote.WatchAdded, TargetIDs: targetIDs}, model.MinVersion)
}

// AckRemoval acknowledges unlistens.
func (s *WatchStream) AckRemoval(targetIDs ...int) {
	s.Send(&remote.WatchTargetChange{State: remote.WatchRemoved, TargetIDs: targetIDs}, model.MinVersion)
}

// Reject removes a target with an error.
func (s *WatchStream) Reject(cause error, targetIDs ...int) {
	s.Send(&remote.WatchTargetChange{State: remote.WatchRemoved, TargetIDs: targetIDs, Cause: cause}, model.MinVersion)
}

// SendDocuments reports docs as matching targetID. A *model.NoDocument is
// reported as removed from the target.
func (s *WatchStream) SendDocuments(targetID int, docs ...model.MaybeDocument) {
	for _, doc := range docs {
		c := &remote.DocumentWatchChange{Key: doc.Key(), NewDoc: doc}
		if _, ok := doc.(*model.NoDocument); ok {
			c.RemovedTargetIDs = []int{targetID}
		} else {
			c.UpdatedTargetIDs = []int{targetID}
		}
		s.Send(c, model.MinVersion)
	}
}

// Filter sends an existence filter.
func (s *WatchStream) Filter(targetID, count int) {
	s.Send(&remote.ExistenceFilterChange{TargetID: targetID, Count: count}, model.MinVersion)
}

// MarkCurrent marks targets current with a resume token.
func (s *WatchStream) MarkCurrent(token []byte, targetIDs ...int) {
	s.Send(&remote.WatchTargetChange{State: remote.WatchCurrent, TargetIDs: targetIDs, ResumeToken: token}, model.MinVersion)
}

// Snapshot marks everything sent so far as a consistent snapshot at v.
func (s *WatchStream) Snapshot(v model.SnapshotVersion) {
	s.Send(&remote.WatchTargetChange{State: remote.WatchNoChange}, v)
}
