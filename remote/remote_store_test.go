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

package remote_test

import (
	"context"
	"sort"
	"testing"
	"time"

	"docsync.dev/gcerrors"
	"docsync.dev/internal/asyncqueue"
	"docsync.dev/model"
	"docsync.dev/query"
	"docsync.dev/remote"
	"docsync.dev/remote/remotetest"
	"github.com/google/go-cmp/cmp"
	gax "github.com/googleapis/gax-go/v2"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func setMutation(path string) model.Mutation {
	return &model.SetMutation{DocKey: model.KeyFromString(path), Value: model.WrapObject(map[string]interface{}{"p": path})}
}

func doc(path string, version int64) *model.Document {
	return model.NewDocument(model.KeyFromString(path), model.NewSnapshotVersion(version, 0), model.WrapObject(map[string]interface{}{"p": path}), false)
}

func version(s int64) model.SnapshotVersion { return model.NewSnapshotVersion(s, 0) }

func commitResponse(ms []model.Mutation, v int64) *remote.CommitResponse {
	resp := &remote.CommitResponse{CommitVersion: version(v)}
	for range ms {
		resp.Results = append(resp.Results, model.MutationResult{Version: version(v)})
	}
	return resp
}

func keyStrings(s *model.DocumentKeySet) []string {
	var out []string
	s.Each(func(k model.DocumentKey) bool {
		out = append(out, k.String())
		return true
	})
	return out
}

func collectionTarget(id int, path string) query.TargetData {
	return query.TargetData{Query: query.AtPath(model.ParseResourcePath(path)), TargetID: id}
}

// fakeLocal serves batches the way the local store does.
type fakeLocal struct {
	batches    []*model.MutationBatch
	version    model.SnapshotVersion
	remoteKeys map[int]*model.DocumentKeySet
}

func (l *fakeLocal) NextMutationBatch(_ context.Context, after int) (*model.MutationBatch, error) {
	for _, b := range l.batches {
		if b.BatchID > after {
			return b, nil
		}
	}
	return nil, nil
}

func (l *fakeLocal) LastRemoteSnapshotVersion() model.SnapshotVersion { return l.version }

func (l *fakeLocal) RemoteDocumentKeys(_ context.Context, targetID int) (*model.DocumentKeySet, error) {
	if s, ok := l.remoteKeys[targetID]; ok {
		return s.Clone(), nil
	}
	return model.NewDocumentKeySet(), nil
}

func (l *fakeLocal) removeBatch(id int) {
	for i, b := range l.batches {
		if b.BatchID == id {
			l.batches = append(l.batches[:i], l.batches[i+1:]...)
			return
		}
	}
}

type fakeSyncer struct {
	local           *fakeLocal
	events          []*remote.RemoteEvent
	rejectedListens map[int]error
	acked           []*model.MutationBatchResult
	rejectedWrites  map[int]error
	states          []remote.OnlineState
}

func (s *fakeSyncer) ApplyRemoteEvent(_ context.Context, ev *remote.RemoteEvent) error {
	s.events = append(s.events, ev)
	s.local.version = ev.SnapshotVersion
	return nil
}

func (s *fakeSyncer) RejectListen(_ context.Context, targetID int, cause error) error {
	s.rejectedListens[targetID] = cause
	return nil
}

func (s *fakeSyncer) ApplySuccessfulWrite(_ context.Context, result *model.MutationBatchResult) error {
	s.acked = append(s.acked, result)
	s.local.removeBatch(result.Batch.BatchID)
	return nil
}

func (s *fakeSyncer) RejectFailedWrite(_ context.Context, batchID int, cause error) error {
	s.rejectedWrites[batchID] = cause
	s.local.removeBatch(batchID)
	return nil
}

func (s *fakeSyncer) HandleOnlineStateChange(state remote.OnlineState) {
	s.states = append(s.states, state)
}

type testEnv struct {
	t         *testing.T
	q         *asyncqueue.Queue
	transport *remotetest.Transport
	local     *fakeLocal
	syncer    *fakeSyncer
	rs        *remote.RemoteStore
}

func newTestEnv(t *testing.T, maxPendingWrites int) *testEnv {
	q := asyncqueue.New(nil)
	t.Cleanup(func() { q.Shutdown(context.Background(), false) })
	local := &fakeLocal{remoteKeys: map[int]*model.DocumentKeySet{}}
	syncer := &fakeSyncer{local: local, rejectedListens: map[int]error{}, rejectedWrites: map[int]error{}}
	tr := remotetest.New()
	// Long backoffs keep the timers from firing during a test; tests run
	// them early instead.
	rs := remote.NewRemoteStore(local, remote.NewDatastore(tr, nil, nil), q, &remote.Options{
		MaxPendingWrites: maxPendingWrites,
		WriteBackoff:     gax.Backoff{Initial: time.Hour, Max: time.Hour},
		ListenBackoff:    gax.Backoff{Initial: time.Hour, Max: time.Hour},
	})
	rs.SetSyncer(syncer)
	return &testEnv{t: t, q: q, transport: tr, local: local, syncer: syncer, rs: rs}
}

// do runs f on the queue, after every operation enqueued so far.
func (e *testEnv) do(f func(ctx context.Context)) {
	e.t.Helper()
	err := e.q.Run(context.Background(), func(ctx context.Context) error {
		f(ctx)
		return nil
	})
	if err != nil {
		e.t.Fatal(err)
	}
}

func (e *testEnv) start() {
	e.t.Helper()
	e.do(func(ctx context.Context) {
		if err := e.rs.Start(ctx); err != nil {
			e.t.Error(err)
		}
	})
}

func (e *testEnv) listen(td query.TargetData) *remotetest.WatchStream {
	e.t.Helper()
	e.do(func(ctx context.Context) { e.rs.Listen(ctx, td) })
	s := e.transport.Stream()
	if s == nil {
		e.t.Fatal("no watch stream opened")
	}
	return s
}

// waitFor polls cond on the queue until it holds.
func (e *testEnv) waitFor(what string, cond func() bool) {
	e.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		var ok bool
		e.do(func(context.Context) { ok = cond() })
		if ok {
			return
		}
		if time.Now().After(deadline) {
			e.t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func (e *testEnv) events() []*remote.RemoteEvent {
	var evs []*remote.RemoteEvent
	e.do(func(context.Context) { evs = append(evs, e.syncer.events...) })
	return evs
}

func (e *testEnv) states() []remote.OnlineState {
	var states []remote.OnlineState
	e.do(func(context.Context) { states = append(states, e.syncer.states...) })
	return states
}

func TestListenAndSnapshot(t *testing.T) {
	e := newTestEnv(t, 0)
	e.start()
	s := e.listen(collectionTarget(2, "rooms"))

	s.Ack(2)
	s.SendDocuments(2, doc("rooms/a", 1), doc("rooms/b", 1))
	s.MarkCurrent([]byte("t1"), 2)
	s.Snapshot(version(1))

	evs := e.events()
	if len(evs) != 1 {
		t.Fatalf("got %d events, want 1", len(evs))
	}
	tc := evs[0].TargetChanges[2]
	if tc == nil || tc.CurrentStatusUpdate != remote.MarkCurrent {
		t.Fatalf("got target change %+v, want one marking target 2 current", tc)
	}
	rm, ok := tc.Mapping.(*remote.ResetMapping)
	if !ok {
		t.Fatalf("got mapping %T, want *ResetMapping", tc.Mapping)
	}
	if diff := cmp.Diff([]string{"rooms/a", "rooms/b"}, keyStrings(rm.Docs)); diff != "" {
		t.Errorf("documents (-want +got):\n%s", diff)
	}
	if got := string(tc.ResumeToken); got != "t1" {
		t.Errorf("got resume token %q, want %q", got, "t1")
	}
	if diff := cmp.Diff([]remote.OnlineState{remote.OnlineStateOnline}, e.states()); diff != "" {
		t.Errorf("online states (-want +got):\n%s", diff)
	}
}

func TestSnapshotBehindLocalVersionIsHeld(t *testing.T) {
	e := newTestEnv(t, 0)
	e.local.version = version(5)
	e.start()
	s := e.listen(collectionTarget(2, "rooms"))

	s.Ack(2)
	s.SendDocuments(2, doc("rooms/a", 3))
	s.Snapshot(version(3))
	if n := len(e.events()); n != 0 {
		t.Fatalf("got %d events for a snapshot behind the local version, want 0", n)
	}
	s.MarkCurrent(nil, 2)
	s.Snapshot(version(6))
	evs := e.events()
	if len(evs) != 1 {
		t.Fatalf("got %d events, want 1", len(evs))
	}
	if got, want := evs[0].SnapshotVersion, version(6); got != want {
		t.Errorf("got version %v, want %v", got, want)
	}
	if _, ok := evs[0].DocumentUpdates.Get(model.KeyFromString("rooms/a")); !ok {
		t.Error("held document update was lost")
	}
}

func TestTargetErrorRejectsListen(t *testing.T) {
	e := newTestEnv(t, 0)
	e.start()
	e.listen(collectionTarget(2, "rooms"))
	s := e.listen(collectionTarget(4, "secrets"))
	s.Ack(2, 4)
	s.Reject(status.Error(codes.PermissionDenied, "no"), 4)
	s.SendDocuments(4, doc("secrets/a", 1))
	s.Snapshot(version(1))

	var cause error
	e.do(func(context.Context) { cause = e.syncer.rejectedListens[4] })
	if got := status.Code(cause); got != codes.PermissionDenied {
		t.Errorf("got rejection code %v, want %v", got, codes.PermissionDenied)
	}
	evs := e.events()
	if len(evs) != 1 {
		t.Fatalf("got %d events, want 1", len(evs))
	}
	if _, ok := evs[0].TargetChanges[4]; ok {
		t.Error("event has a change for the rejected target")
	}
	if evs[0].DocumentUpdates.Len() != 0 {
		t.Errorf("got %d document updates for the rejected target, want 0", evs[0].DocumentUpdates.Len())
	}
}

func TestExistenceFilterMismatchRelistens(t *testing.T) {
	e := newTestEnv(t, 0)
	e.start()
	s := e.listen(collectionTarget(2, "rooms"))
	s.Ack(2)
	s.SendDocuments(2, doc("rooms/a", 1), doc("rooms/b", 1))
	s.MarkCurrent([]byte("t1"), 2)
	s.Snapshot(version(1))
	e.do(func(context.Context) {
		e.local.remoteKeys[2] = model.NewDocumentKeySet(model.KeyFromString("rooms/a"), model.KeyFromString("rooms/b"))
	})

	// The backend has one document; one of the local two was deleted
	// while the client was not told.
	s.Filter(2, 1)
	s.Snapshot(version(2))

	evs := e.events()
	if len(evs) != 2 {
		t.Fatalf("got %d events, want 2", len(evs))
	}
	tc := evs[1].TargetChanges[2]
	if tc.CurrentStatusUpdate != remote.MarkNotCurrent {
		t.Errorf("got %v, want %v", tc.CurrentStatusUpdate, remote.MarkNotCurrent)
	}
	if rm, ok := tc.Mapping.(*remote.ResetMapping); !ok || rm.Docs.Len() != 0 {
		t.Errorf("got mapping %+v, want an empty reset", tc.Mapping)
	}
	reqs := s.Requests()
	if len(reqs) != 3 {
		t.Fatalf("got %d requests, want 3", len(reqs))
	}
	if reqs[1].Listen || reqs[1].TargetID != 2 {
		t.Errorf("got request %+v, want unlisten of target 2", reqs[1])
	}
	if got := reqs[2].Target; !reqs[2].Listen || got.Purpose != query.PurposeExistenceFilterMismatch || len(got.ResumeToken) != 0 {
		t.Errorf("got request %+v, want a fresh listen for the mismatch", reqs[2])
	}

	// Changes for the old listen are dropped until both acks arrive.
	s.SendDocuments(2, doc("rooms/z", 2))
	s.AckRemoval(2)
	s.Ack(2)
	s.SendDocuments(2, doc("rooms/a", 3))
	s.MarkCurrent([]byte("t3"), 2)
	s.Snapshot(version(3))
	evs = e.events()
	if len(evs) != 3 {
		t.Fatalf("got %d events, want 3", len(evs))
	}
	rm := evs[2].TargetChanges[2].Mapping.(*remote.ResetMapping)
	if diff := cmp.Diff([]string{"rooms/a"}, keyStrings(rm.Docs)); diff != "" {
		t.Errorf("documents after relisten (-want +got):\n%s", diff)
	}
}

func TestDocumentExistenceFilterSynthesizesDelete(t *testing.T) {
	e := newTestEnv(t, 0)
	e.start()
	key := model.KeyFromString("rooms/a")
	s := e.listen(query.TargetData{Query: query.ForDocument(key), TargetID: 2})
	s.Ack(2)
	s.Filter(2, 0)
	s.Snapshot(version(2))

	evs := e.events()
	if len(evs) != 1 {
		t.Fatalf("got %d events, want 1", len(evs))
	}
	got, _ := evs[0].DocumentUpdates.Get(key)
	if want := model.NewNoDocument(key, version(2)); !model.EqualMaybeDocuments(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestWatchFailureGoesOfflineAndResumes(t *testing.T) {
	e := newTestEnv(t, 0)
	e.start()
	s := e.listen(collectionTarget(2, "rooms"))
	s.Ack(2)
	s.MarkCurrent([]byte("t1"), 2)
	s.Snapshot(version(1))

	s.Fail(status.Error(codes.Unavailable, "connection reset"))
	want := []remote.OnlineState{remote.OnlineStateOnline, remote.OnlineStateOffline}
	if diff := cmp.Diff(want, e.states()); diff != "" {
		t.Errorf("online states (-want +got):\n%s", diff)
	}
	if !e.q.ContainsDelayedOperation(asyncqueue.TimerListenBackoff) {
		t.Fatal("no watch restart scheduled")
	}
	if err := e.q.RunDelayedOperationsEarly(context.Background(), asyncqueue.TimerListenBackoff); err != nil {
		t.Fatal(err)
	}
	streams := e.transport.Streams()
	if len(streams) != 2 {
		t.Fatalf("got %d streams, want 2", len(streams))
	}
	reqs := streams[1].Requests()
	if len(reqs) != 1 || string(reqs[0].Target.ResumeToken) != "t1" {
		t.Errorf("got requests %+v, want one resuming at %q", reqs, "t1")
	}
}

func TestDisableAndEnableNetwork(t *testing.T) {
	e := newTestEnv(t, 0)
	e.start()
	s := e.listen(collectionTarget(2, "rooms"))
	e.do(func(ctx context.Context) {
		if err := e.rs.DisableNetwork(ctx); err != nil {
			t.Error(err)
		}
		e.rs.Listen(ctx, collectionTarget(4, "halls"))
	})
	if !s.Closed() {
		t.Error("watch stream still open after DisableNetwork")
	}
	if n := len(e.transport.Streams()); n != 1 {
		t.Errorf("got %d streams while offline, want 1", n)
	}
	if diff := cmp.Diff([]remote.OnlineState{remote.OnlineStateOffline}, e.states()); diff != "" {
		t.Errorf("online states (-want +got):\n%s", diff)
	}
	e.do(func(ctx context.Context) {
		if err := e.rs.EnableNetwork(ctx); err != nil {
			t.Error(err)
		}
	})
	s = e.transport.Stream()
	if diff := cmp.Diff([]int{2, 4}, targetIDs(s.Targets())); diff != "" {
		t.Errorf("targets after EnableNetwork (-want +got):\n%s", diff)
	}

	// Releasing the last target closes the stream.
	e.do(func(ctx context.Context) {
		e.rs.Unlisten(ctx, 2)
		e.rs.Unlisten(ctx, 4)
	})
	if !s.Closed() {
		t.Error("watch stream still open without targets")
	}
}

func targetIDs(m map[int]query.TargetData) []int {
	var ids []int
	for id := range m {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func TestWritePipeline(t *testing.T) {
	e := newTestEnv(t, 2)
	release := make(chan struct{})
	e.transport.CommitFunc = func(_ context.Context, ms []model.Mutation) (*remote.CommitResponse, error) {
		<-release
		return commitResponse(ms, int64(len(e.transport.Commits()))), nil
	}
	for i := 1; i <= 3; i++ {
		e.local.batches = append(e.local.batches, &model.MutationBatch{BatchID: i, Mutations: []model.Mutation{setMutation("rooms/a")}})
	}
	e.start()

	e.waitFor("first commit", func() bool { return len(e.transport.Commits()) == 1 })
	var pending int
	e.do(func(context.Context) { pending = e.rs.PendingWriteCount() })
	if pending != 2 {
		t.Errorf("got %d pending writes, want 2", pending)
	}
	close(release)
	e.waitFor("acks", func() bool { return len(e.syncer.acked) == 3 })

	var ids []int
	e.do(func(context.Context) {
		for _, r := range e.syncer.acked {
			ids = append(ids, r.Batch.BatchID)
		}
	})
	if diff := cmp.Diff([]int{1, 2, 3}, ids); diff != "" {
		t.Errorf("acknowledged batches (-want +got):\n%s", diff)
	}
	if n := len(e.transport.Commits()); n != 3 {
		t.Errorf("got %d commits, want 3", n)
	}
}

func TestPermanentWriteErrorRejectsBatch(t *testing.T) {
	e := newTestEnv(t, 0)
	e.transport.CommitFunc = func(_ context.Context, ms []model.Mutation) (*remote.CommitResponse, error) {
		if len(e.transport.Commits()) == 1 {
			return nil, status.Error(codes.InvalidArgument, "bad value")
		}
		return commitResponse(ms, 2), nil
	}
	e.local.batches = []*model.MutationBatch{
		{BatchID: 1, Mutations: []model.Mutation{setMutation("rooms/a")}},
		{BatchID: 2, Mutations: []model.Mutation{setMutation("rooms/b")}},
	}
	e.start()
	e.waitFor("both batches", func() bool { return len(e.syncer.acked) == 1 && len(e.syncer.rejectedWrites) == 1 })

	var cause error
	var acked int
	e.do(func(context.Context) {
		cause = e.syncer.rejectedWrites[1]
		acked = e.syncer.acked[0].Batch.BatchID
	})
	if got := gcerrors.Code(cause); got != gcerrors.InvalidArgument {
		t.Errorf("got rejection code %v, want %v", got, gcerrors.InvalidArgument)
	}
	if acked != 2 {
		t.Errorf("got acknowledged batch %d, want 2", acked)
	}
}

func TestTransientWriteErrorRetries(t *testing.T) {
	e := newTestEnv(t, 0)
	e.transport.CommitFunc = func(_ context.Context, ms []model.Mutation) (*remote.CommitResponse, error) {
		if len(e.transport.Commits()) == 1 {
			return nil, status.Error(codes.Unavailable, "try later")
		}
		return commitResponse(ms, 2), nil
	}
	e.local.batches = []*model.MutationBatch{{BatchID: 1, Mutations: []model.Mutation{setMutation("rooms/a")}}}
	e.start()
	e.waitFor("retry", func() bool { return e.q.ContainsDelayedOperation(asyncqueue.TimerWriteBackoff) })
	if diff := cmp.Diff([]remote.OnlineState{remote.OnlineStateOffline}, e.states()); diff != "" {
		t.Errorf("online states (-want +got):\n%s", diff)
	}

	if err := e.q.RunDelayedOperationsEarly(context.Background(), asyncqueue.TimerWriteBackoff); err != nil {
		t.Fatal(err)
	}
	e.waitFor("ack", func() bool { return len(e.syncer.acked) == 1 })
	if n := len(e.transport.Commits()); n != 2 {
		t.Errorf("got %d commits, want 2", n)
	}
	var rejected int
	e.do(func(context.Context) { rejected = len(e.syncer.rejectedWrites) })
	if rejected != 0 {
		t.Errorf("got %d rejected writes, want 0", rejected)
	}
}
