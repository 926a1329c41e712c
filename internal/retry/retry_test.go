// Copyright 2018 The Go Cloud Development Kit Authors
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

package retry_test

import (
	"context"
	"testing"
	"time"

	"docsync.dev/gcerrors"
	"docsync.dev/internal/gcerr"
	"docsync.dev/internal/retry"
	"docsync.dev/remote"
	gax "github.com/googleapis/gax-go/v2"
	"golang.org/x/xerrors"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// backendErr is a gRPC failure as the Datastore reports it.
func backendErr(c codes.Code) error {
	err := status.Error(c, "backend failure")
	return gcerr.New(gcerr.GRPCCode(err), err, 1, "remote")
}

// transient classifies errors the way lookups do.
func transient(err error) bool { return !remote.IsPermanentError(err) }

var quick = gax.Backoff{Initial: time.Microsecond, Max: time.Microsecond}

func TestCallRetriesTransientBackendErrors(t *testing.T) {
	for _, test := range []struct {
		desc      string
		codes     []codes.Code // returned by successive calls; OK ends the list
		want      gcerrors.ErrorCode
		wantCount int
	}{
		{"success", []codes.Code{codes.OK}, gcerrors.OK, 1},
		{"unavailable then success", []codes.Code{codes.Unavailable, codes.Unavailable, codes.OK}, gcerrors.OK, 3},
		{"expired token is retried", []codes.Code{codes.Unauthenticated, codes.OK}, gcerrors.OK, 2},
		{"rate limited then not found", []codes.Code{codes.ResourceExhausted, codes.Internal, codes.NotFound}, gcerrors.NotFound, 3},
		{"permission denied", []codes.Code{codes.PermissionDenied, codes.OK}, gcerrors.PermissionDenied, 1},
		{"invalid argument", []codes.Code{codes.InvalidArgument}, gcerrors.InvalidArgument, 1},
		{"aborted read", []codes.Code{codes.Aborted, codes.OK}, gcerrors.Aborted, 1},
	} {
		t.Run(test.desc, func(t *testing.T) {
			gotCount := 0
			err := retry.Call(context.Background(), quick, transient, func() error {
				c := test.codes[gotCount]
				gotCount++
				if c == codes.OK {
					return nil
				}
				return backendErr(c)
			})
			if got := gcerrors.Code(err); got != test.want {
				t.Errorf("got %v (%v), want %v", got, err, test.want)
			}
			if gotCount != test.wantCount {
				t.Errorf("calls: got %d, want %d", gotCount, test.wantCount)
			}
		})
	}
}

func TestCallStopsWhenContextIsDone(t *testing.T) {
	t.Run("done on entry", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		gotCount := 0
		err := retry.Call(ctx, quick, transient, func() error { gotCount++; return nil })
		if gotCount != 0 {
			t.Errorf("calls: got %d, want 0", gotCount)
		}
		var cerr *retry.ContextError
		if !xerrors.As(err, &cerr) || cerr.CtxErr != context.Canceled || cerr.FuncErr != nil {
			t.Errorf("got %v, want a ContextError with no function error", err)
		}
	})
	t.Run("done while backing off", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		unavailable := backendErr(codes.Unavailable)
		gotCount := 0
		// The pause is long enough that only cancellation ends it.
		err := retry.Call(ctx, gax.Backoff{Initial: time.Hour, Max: time.Hour}, transient, func() error {
			gotCount++
			cancel()
			return unavailable
		})
		if gotCount != 1 {
			t.Errorf("calls: got %d, want 1", gotCount)
		}
		if got := gcerrors.Code(err); got != gcerrors.Canceled {
			t.Errorf("got code %v, want Canceled", got)
		}
		if !xerrors.Is(err, unavailable) {
			t.Errorf("got %v, want it to carry the last backend error", err)
		}
		if !gcerr.DoNotWrap(err) {
			t.Error("ContextError would be wrapped again by the remote layer")
		}
	})
}
