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

	"docsync.dev/auth"
	"docsync.dev/gcerrors"
	"docsync.dev/internal/gcerr"
	"docsync.dev/internal/retry"
	"docsync.dev/model"
	gax "github.com/googleapis/gax-go/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"
	"google.golang.org/grpc/metadata"
)

// DefaultLookupBatchSize is the number of keys sent in one lookup request.
const DefaultLookupBatchSize = 100

// DatastoreOptions are optional arguments to NewDatastore.
type DatastoreOptions struct {
	// LookupBatchSize bounds the number of keys per lookup request. Larger
	// lookups are split and run concurrently.
	LookupBatchSize int
	// LookupBackoff paces retries of lookups that failed with a transient
	// error.
	LookupBackoff gax.Backoff
}

// Datastore adds credentials and error classification to a Transport.
type Datastore struct {
	transport Transport
	creds     auth.CredentialsProvider
	opts      DatastoreOptions
}

// NewDatastore returns a Datastore. A nil creds sends no token.
func NewDatastore(t Transport, creds auth.CredentialsProvider, opts *DatastoreOptions) *Datastore {
	if creds == nil {
		creds = auth.EmptyCredentialsProvider{}
	}
	d := &Datastore{transport: t, creds: creds}
	if opts != nil {
		d.opts = *opts
	}
	if d.opts.LookupBatchSize <= 0 {
		d.opts.LookupBatchSize = DefaultLookupBatchSize
	}
	return d
}

// Watch opens a watch stream with the current user's token.
func (d *Datastore) Watch(ctx context.Context, h WatchHandler) (WatchStream, error) {
	var s WatchStream
	err := d.invoke(ctx, func(ctx context.Context) error {
		var err error
		s, err = d.transport.Watch(ctx, h)
		return err
	})
	return s, err
}

// Commit sends the mutations of one batch.
func (d *Datastore) Commit(ctx context.Context, mutations []model.Mutation) (*CommitResponse, error) {
	var resp *CommitResponse
	err := d.invoke(ctx, func(ctx context.Context) error {
		var err error
		resp, err = d.transport.Commit(ctx, mutations)
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Results) != len(mutations) {
		return nil, gcerr.Newf(gcerr.Internal, nil, "commit returned %d results for %d mutations", len(resp.Results), len(mutations))
	}
	return resp, nil
}

// Lookup returns the backend's state of keys, in the order of keys.
// Transient failures are retried until ctx is done.
func (d *Datastore) Lookup(ctx context.Context, keys []model.DocumentKey) ([]model.MaybeDocument, error) {
	n := d.opts.LookupBatchSize
	chunks := make([][]model.MaybeDocument, (len(keys)+n-1)/n)
	g, gctx := errgroup.WithContext(ctx)
	for i := range chunks {
		i := i
		start := i * n
		end := start + n
		if end > len(keys) {
			end = len(keys)
		}
		chunk := keys[start:end]
		g.Go(func() error {
			bo := d.opts.LookupBackoff
			return retry.Call(gctx, bo, isTransient, func() error {
				return d.invoke(gctx, func(ctx context.Context) error {
					docs, err := d.transport.Lookup(ctx, chunk)
					chunks[i] = docs
					return err
				})
			})
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	byKey := model.NewMaybeDocumentMap()
	for _, docs := range chunks {
		for _, doc := range docs {
			byKey.Insert(doc.Key(), doc)
		}
	}
	result := make([]model.MaybeDocument, len(keys))
	for i, k := range keys {
		doc, ok := byKey.Get(k)
		if !ok {
			return nil, gcerr.Newf(gcerr.Internal, nil, "lookup returned no result for %s", k)
		}
		result[i] = doc
	}
	return result, nil
}

func isTransient(err error) bool {
	return !IsPermanentError(err)
}

// invoke runs call with the current token. If the backend rejects the token,
// call is run once more with a refreshed one.
func (d *Datastore) invoke(ctx context.Context, call func(context.Context) error) error {
	err := d.invokeWithToken(ctx, false, call)
	if gcerrors.Code(err) == gcerrors.Unauthenticated {
		err = d.invokeWithToken(ctx, true, call)
	}
	return err
}

func (d *Datastore) invokeWithToken(ctx context.Context, forceRefresh bool, call func(context.Context) error) error {
	tok, err := d.creds.GetToken(ctx, forceRefresh)
	if err != nil {
		return wrapError(err)
	}
	if tok != nil && tok.Value != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+tok.Value)
	}
	return wrapError(call(ctx))
}

func wrapError(err error) error {
	if err == nil {
		return nil
	}
	var e *gcerr.Error
	if xerrors.As(err, &e) || gcerr.DoNotWrap(err) {
		return err
	}
	return gcerr.New(gcerr.GRPCCode(err), err, 2, "remote")
}
