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

package client

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"docsync.dev/auth"
	"docsync.dev/core"
	"docsync.dev/gcerrors"
	"docsync.dev/model"
	"docsync.dev/persistence"
	"docsync.dev/persistence/memkv"
	"docsync.dev/query"
	"docsync.dev/remote/remotetest"
)

func newClient(t *testing.T, opts *Options) (*Client, *remotetest.Transport) {
	t.Helper()
	var o Options
	if opts != nil {
		o = *opts
	}
	tr := remotetest.New()
	o.Transport = tr
	c, err := New(context.Background(), &o)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Shutdown(context.Background(), false) })
	return c, tr
}

func rooms() query.Query { return query.AtPath(model.ParseResourcePath("rooms")) }

func setDoc(path string, fields map[string]interface{}) model.Mutation {
	return &model.SetMutation{DocKey: model.KeyFromString(path), Value: model.WrapObject(fields)}
}

func nextSnapshot(t *testing.T, snaps <-chan *core.ViewSnapshot) *core.ViewSnapshot {
	t.Helper()
	select {
	case s := <-snaps:
		return s
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a snapshot")
		return nil
	}
}

// eventually polls cond until it holds.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestNewRequiresTransport(t *testing.T) {
	_, err := New(context.Background(), nil)
	if got := gcerrors.Code(err); got != gcerrors.InvalidArgument {
		t.Errorf("got %v, want InvalidArgument", err)
	}
}

func TestListenAndWrite(t *testing.T) {
	ctx := context.Background()
	c, tr := newClient(t, nil)
	snaps := make(chan *core.ViewSnapshot, 100)
	reg, err := c.Listen(ctx, rooms(), core.ListenOptions{
		IncludeDocumentMetadataChanges: true,
		IncludeQueryMetadataChanges:    true,
	}, func(s *core.ViewSnapshot) { snaps <- s }, nil)
	if err != nil {
		t.Fatal(err)
	}
	s := tr.Stream()
	if s == nil || len(s.Targets()) != 1 {
		t.Fatal("query not listened to on the backend")
	}

	if err := c.Write(ctx, setDoc("rooms/eros", map[string]interface{}{"n": 1})); err != nil {
		t.Fatal(err)
	}
	snap := nextSnapshot(t, snaps)
	if snap.Docs.Len() != 1 || !snap.HasPendingWrites {
		t.Errorf("got %s, want the local write", snap)
	}
	snap = nextSnapshot(t, snaps)
	if snap.HasPendingWrites {
		t.Errorf("got %s, want the acknowledged write", snap)
	}
	if tr.Document(model.KeyFromString("rooms/eros")) == nil {
		t.Error("backend does not have the written document")
	}

	if err := reg.Remove(ctx); err != nil {
		t.Fatal(err)
	}
	if err := reg.Remove(ctx); err != nil {
		t.Errorf("second Remove: %v", err)
	}
	if len(s.Targets()) != 0 {
		t.Errorf("got targets %v after Remove, want none", s.Targets())
	}
}

func TestUserChangeSwitchesQueues(t *testing.T) {
	ctx := context.Background()
	alice, bob := auth.User{UID: "alice"}, auth.User{UID: "bob"}
	creds := auth.NewStaticCredentialsProvider(alice, "t-alice")
	c, tr := newClient(t, &Options{Credentials: creds})
	key := model.KeyFromString("rooms/eros")
	hasLocalDoc := func() bool {
		t.Helper()
		doc, err := c.GetDocumentFromCache(ctx, key)
		if err != nil {
			t.Fatal(err)
		}
		d, ok := doc.(*model.Document)
		return ok && d.HasLocalMutations()
	}

	if err := c.DisableNetwork(ctx); err != nil {
		t.Fatal(err)
	}
	wctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if err := c.Write(wctx, setDoc("rooms/eros", nil)); gcerrors.Code(err) != gcerrors.DeadlineExceeded {
		t.Fatalf("got %v, want the offline write to time out", err)
	}
	if !hasLocalDoc() {
		t.Fatal("alice does not see her write")
	}

	creds.ChangeUser(bob, "t-bob")
	if hasLocalDoc() {
		t.Error("bob sees alice's pending write")
	}
	creds.ChangeUser(alice, "t-alice2")
	if !hasLocalDoc() {
		t.Error("alice lost her pending write")
	}

	if err := c.EnableNetwork(ctx); err != nil {
		t.Fatal(err)
	}
	eventually(t, "alice's write to be committed", func() bool { return len(tr.Commits()) == 1 })
	authz := tr.Authorizations()
	if got := authz[len(authz)-1]; got != "Bearer t-alice2" {
		t.Errorf("got authorization %q, want alice's new token", got)
	}
}

func TestRunTransaction(t *testing.T) {
	ctx := context.Background()
	c, tr := newClient(t, nil)
	key := model.KeyFromString("rooms/eros")
	tr.SetDocument(model.NewDocument(key, model.NewSnapshotVersion(1, 0), model.WrapObject(map[string]interface{}{"n": 1}), false))

	err := c.RunTransaction(ctx, func(ctx context.Context, tx *core.Transaction) error {
		docs, err := tx.Get(ctx, key)
		if err != nil {
			return err
		}
		n, _ := docs[0].(*model.Document).Data().Field(model.ParseFieldPath("n"))
		return tx.Update(key, map[string]interface{}{"n": int64(n.(model.IntegerValue)) + 1})
	})
	if err != nil {
		t.Fatal(err)
	}
	d := tr.Document(key).(*model.Document)
	if n, _ := d.Data().Field(model.ParseFieldPath("n")); n != model.IntegerValue(2) {
		t.Errorf("got n=%v, want 2", n)
	}
}

func TestSharedStoreHasOneOwner(t *testing.T) {
	ctx := context.Background()
	opts := &Options{PersistenceURL: "mem://client-shared-store"}
	first, _ := newClient(t, opts)

	_, err := New(ctx, &Options{Transport: remotetest.New(), PersistenceURL: opts.PersistenceURL})
	if got := gcerrors.Code(err); got != gcerrors.FailedPrecondition {
		t.Fatalf("got %v, want FailedPrecondition while the store is owned", err)
	}
	if err := first.Shutdown(ctx, false); err != nil {
		t.Fatal(err)
	}
	second, err := New(ctx, &Options{Transport: remotetest.New(), PersistenceURL: opts.PersistenceURL})
	if err != nil {
		t.Fatalf("New after the owner shut down: %v", err)
	}
	second.Shutdown(ctx, false)
}

func TestAbandonLetsNextClientTakeOver(t *testing.T) {
	ctx := context.Background()
	store, err := memkv.Open(nil)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	// Each client gets its own signal store, so only the released lease
	// can let the second one in.
	first, _ := newClient(t, &Options{Store: store})
	if err := first.Abandon(ctx); err != nil {
		t.Fatal(err)
	}
	if l, err := persistence.ReadLease(ctx, store); err != nil || l != nil {
		t.Fatalf("got lease %+v (err %v) after Abandon, want none", l, err)
	}
	if err := first.Write(ctx, setDoc("rooms/eros", nil)); gcerrors.Code(err) != gcerrors.FailedPrecondition {
		t.Errorf("got %v, want FailedPrecondition after Abandon", err)
	}

	second, err := New(ctx, &Options{Transport: remotetest.New(), Store: store})
	if err != nil {
		t.Fatalf("New after Abandon: %v", err)
	}
	if err := second.Write(ctx, setDoc("rooms/eros", map[string]interface{}{"n": 1})); err != nil {
		t.Errorf("write by the new owner: %v", err)
	}
	second.Shutdown(ctx, false)
}

func TestShutdown(t *testing.T) {
	ctx := context.Background()
	c, _ := newClient(t, nil)
	if err := c.Shutdown(ctx, true); err != nil {
		t.Fatal(err)
	}
	if err := c.Shutdown(ctx, true); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}
	if err := c.Write(ctx, setDoc("rooms/eros", nil)); gcerrors.Code(err) != gcerrors.FailedPrecondition {
		t.Errorf("got %v, want FailedPrecondition after Shutdown", err)
	}
}

func TestNewLogfmtLogger(t *testing.T) {
	var buf bytes.Buffer
	NewLogfmtLogger(&buf).Log("msg", "hello")
	got := buf.String()
	for _, want := range []string{"ts=", "caller=", "msg=hello"} {
		if !strings.Contains(got, want) {
			t.Errorf("got %q, want it to contain %q", got, want)
		}
	}
}
