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

package remote

import (
	"context"
	"fmt"

	"docsync.dev/gcerrors"
	"docsync.dev/internal/gcerr"
	"docsync.dev/model"
	"docsync.dev/query"
)

// Transport is the connection to the backend. Implementations must be safe
// for concurrent use. The bearer token of the current user is attached to
// the context as outgoing gRPC metadata under the "authorization" key.
//
// Errors should carry a gRPC status or be *gcerr.Error values, so that their
// code can be classified.
type Transport interface {
	// Watch opens a watch stream. The stream reports to h until it is closed;
	// h is not called after OnWatchClose.
	Watch(ctx context.Context, h WatchHandler) (WatchStream, error)

	// Commit writes the mutations of one batch atomically.
	Commit(ctx context.Context, mutations []model.Mutation) (*CommitResponse, error)

	// Lookup returns the current state of keys: a *model.Document or a
	// *model.NoDocument for each, in any order.
	Lookup(ctx context.Context, keys []model.DocumentKey) ([]model.MaybeDocument, error)
}

// A WatchStream is an open watch stream.
type WatchStream interface {
	// Listen asks the backend to watch a target. A non-empty resume token
	// resumes the target where the last listen left it.
	Listen(td query.TargetData) error
	// Unlisten stops watching a target.
	Unlisten(targetID int) error
	// Close closes the stream. OnWatchClose is called with a nil error.
	Close() error
}

// WatchHandler receives the messages of a watch stream. Calls may come from
// any goroutine, one at a time.
type WatchHandler interface {
	// OnWatchChange delivers one change. snapshotVersion is the read time of
	// a global snapshot marker (a WatchNoChange with no target ids), and
	// MinVersion for every other change.
	OnWatchChange(change WatchChange, snapshotVersion model.SnapshotVersion)
	// OnWatchClose reports the end of the stream. err is nil when the
	// client closed it.
	OnWatchClose(err error)
}

// CommitResponse is the backend's reply to a commit.
type CommitResponse struct {
	CommitVersion model.SnapshotVersion
	// Results holds one result per mutation, in order.
	Results     []model.MutationResult
	StreamToken []byte
}

// OnlineState describes whether the client believes it can reach the
// backend.
type OnlineState int

const (
	// OnlineStateUnknown is the state before the first watch response and
	// while no target is listened to.
	OnlineStateUnknown OnlineState = iota
	// OnlineStateOnline means the watch stream is delivering changes.
	OnlineStateOnline
	// OnlineStateOffline means the backend could not be reached, or the
	// network was disabled. Views stop claiming to be current.
	OnlineStateOffline
)

func (s OnlineState) String() string {
	switch s {
	case OnlineStateUnknown:
		return "Unknown"
	case OnlineStateOnline:
		return "Online"
	case OnlineStateOffline:
		return "Offline"
	}
	return fmt.Sprintf("OnlineState(%d)", int(s))
}

// IsPermanentError reports whether retrying the operation that failed with
// err cannot succeed.
func IsPermanentError(err error) bool {
	switch gcerrors.Code(err) {
	case gcerrors.OK:
		gcerr.Fail("IsPermanentError called with a nil error")
		return false
	case gcerrors.Canceled, gcerrors.Unknown, gcerrors.DeadlineExceeded,
		gcerrors.ResourceExhausted, gcerrors.Internal, gcerrors.Unavailable,
		gcerrors.Unauthenticated:
		// Unauthenticated is retried with a fresh token.
		return false
	default:
		return true
	}
}

// IsPermanentWriteError is like IsPermanentError, but treats Aborted as
// transient: a commit aborted by contention can be sent again as is.
func IsPermanentWriteError(err error) bool {
	return IsPermanentError(err) && gcerrors.Code(err) != gcerrors.Aborted
}
