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

	"docsync.dev/auth"
	"docsync.dev/gcerrors"
	"docsync.dev/internal/gcerr"
	"docsync.dev/model"
	"docsync.dev/remote"
	"docsync.dev/remote/remotetest"
	"github.com/google/go-cmp/cmp"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type recordingCredentials struct {
	forced []bool
}

func (c *recordingCredentials) GetToken(_ context.Context, forceRefresh bool) (*auth.Token, error) {
	c.forced = append(c.forced, forceRefresh)
	v := "stale"
	if forceRefresh {
		v = "fresh"
	}
	return &auth.Token{Value: v, User: auth.User{UID: "alice"}}, nil
}

func (*recordingCredentials) SetUserChangeListener(func(auth.User)) {}

func TestDatastoreAttachesToken(t *testing.T) {
	tr := remotetest.New()
	ds := remote.NewDatastore(tr, auth.NewStaticCredentialsProvider(auth.User{UID: "alice"}, "secret"), nil)
	if _, err := ds.Lookup(context.Background(), []model.DocumentKey{model.KeyFromString("rooms/a")}); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"Bearer secret"}, tr.Authorizations()); diff != "" {
		t.Errorf("authorization (-want +got):\n%s", diff)
	}

	tr = remotetest.New()
	ds = remote.NewDatastore(tr, nil, nil)
	if _, err := ds.Lookup(context.Background(), []model.DocumentKey{model.KeyFromString("rooms/a")}); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{""}, tr.Authorizations()); diff != "" {
		t.Errorf("authorization without credentials (-want +got):\n%s", diff)
	}
}

func TestDatastoreRefreshesRejectedToken(t *testing.T) {
	tr := remotetest.New()
	tr.CommitFunc = func(_ context.Context, ms []model.Mutation) (*remote.CommitResponse, error) {
		if n := len(tr.Commits()); n == 1 {
			return nil, status.Error(codes.Unauthenticated, "token expired")
		}
		return commitResponse(ms, 1), nil
	}
	creds := &recordingCredentials{}
	ds := remote.NewDatastore(tr, creds, nil)
	if _, err := ds.Commit(context.Background(), []model.Mutation{setMutation("rooms/a")}); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]bool{false, true}, creds.forced); diff != "" {
		t.Errorf("forceRefresh (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"Bearer stale", "Bearer fresh"}, tr.Authorizations()); diff != "" {
		t.Errorf("authorization (-want +got):\n%s", diff)
	}
}

func TestDatastoreErrorCodes(t *testing.T) {
	for _, test := range []struct {
		err  error
		want gcerrors.ErrorCode
	}{
		{status.Error(codes.FailedPrecondition, "x"), gcerrors.FailedPrecondition},
		{status.Error(codes.Unavailable, "x"), gcerrors.Unavailable},
		{gcerr.Newf(gcerr.AlreadyExists, nil, "x"), gcerrors.AlreadyExists},
		{context.Canceled, gcerrors.Canceled},
	} {
		tr := remotetest.New()
		tr.CommitFunc = func(context.Context, []model.Mutation) (*remote.CommitResponse, error) {
			return nil, test.err
		}
		ds := remote.NewDatastore(tr, nil, nil)
		_, err := ds.Commit(context.Background(), []model.Mutation{setMutation("rooms/a")})
		if got := gcerrors.Code(err); got != test.want {
			t.Errorf("%v: got %v, want %v", test.err, got, test.want)
		}
	}
}

func TestDatastoreLookupChunks(t *testing.T) {
	tr := remotetest.New()
	a := doc("rooms/a", 3)
	d := doc("rooms/d", 4)
	tr.SetDocument(a)
	tr.SetDocument(d)
	ds := remote.NewDatastore(tr, nil, &remote.DatastoreOptions{LookupBatchSize: 2})

	var keys []model.DocumentKey
	for _, p := range []string{"rooms/e", "rooms/d", "rooms/c", "rooms/b", "rooms/a"} {
		keys = append(keys, model.KeyFromString(p))
	}
	got, err := ds.Lookup(context.Background(), keys)
	if err != nil {
		t.Fatal(err)
	}
	want := []model.MaybeDocument{
		model.NewNoDocument(keys[0], model.MinVersion),
		d,
		model.NewNoDocument(keys[2], model.MinVersion),
		model.NewNoDocument(keys[3], model.MinVersion),
		a,
	}
	if len(got) != len(want) {
		t.Fatalf("got %d documents, want %d", len(got), len(want))
	}
	for i := range want {
		if !model.EqualMaybeDocuments(got[i], want[i]) {
			t.Errorf("#%d: got %v, want %v", i, got[i], want[i])
		}
	}
	var sizes []int
	for _, l := range tr.Lookups() {
		sizes = append(sizes, len(l))
	}
	sort.Ints(sizes)
	if diff := cmp.Diff([]int{1, 2, 2}, sizes); diff != "" {
		t.Errorf("request sizes (-want +got):\n%s", diff)
	}
}

func TestIsPermanentError(t *testing.T) {
	for _, test := range []struct {
		code           gcerr.ErrorCode
		permanent      bool
		permanentWrite bool
	}{
		{gcerr.Unavailable, false, false},
		{gcerr.ResourceExhausted, false, false},
		{gcerr.DeadlineExceeded, false, false},
		{gcerr.Internal, false, false},
		{gcerr.Unknown, false, false},
		{gcerr.Unauthenticated, false, false},
		{gcerr.Aborted, true, false},
		{gcerr.InvalidArgument, true, true},
		{gcerr.PermissionDenied, true, true},
		{gcerr.FailedPrecondition, true, true},
		{gcerr.NotFound, true, true},
	} {
		err := gcerr.Newf(test.code, nil, "test")
		if got := remote.IsPermanentError(err); got != test.permanent {
			t.Errorf("IsPermanentError(%v) = %t, want %t", test.code, got, test.permanent)
		}
		if got := remote.IsPermanentWriteError(err); got != test.permanentWrite {
			t.Errorf("IsPermanentWriteError(%v) = %t, want %t", test.code, got, test.permanentWrite)
		}
	}
}
