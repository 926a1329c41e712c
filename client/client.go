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

// Package client provides Client, which keeps a local cache of documents in
// sync with a remote backend.
//
// A Client serves queries from its cache at once and keeps them up to date
// with changes from the backend and from local writes. Writes are applied to
// the cache before the backend accepts them, and are retried until it
// accepts or rejects them. The cache lives in a persistence.Store; one
// Client at a time may use a store.
//
// Every component of a Client runs on one operation queue, so snapshot
// callbacks are called one at a time, in order. Callbacks must not block and
// must not call Client methods, which wait for the queue.
package client // import "docsync.dev/client"

import (
	"context"
	"io"
	"sync"
	"time"

	"docsync.dev/auth"
	"docsync.dev/core"
	"docsync.dev/internal/asyncqueue"
	"docsync.dev/internal/gcerr"
	"docsync.dev/localstore"
	"docsync.dev/model"
	"docsync.dev/persistence"
	"docsync.dev/persistence/memkv"
	"docsync.dev/query"
	"docsync.dev/remote"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/google/wire"
	gax "github.com/googleapis/gax-go/v2"
)

// Set is a Wire provider set that produces a *Client given Options. Transport
// is the only field of Options without a usable zero value.
var Set = wire.NewSet(New)

// Options configure a Client.
type Options struct {
	// Transport reaches the backend. Required.
	Transport remote.Transport
	// Credentials supplies tokens and the current user. Nil means the
	// unauthenticated user with no token.
	Credentials auth.CredentialsProvider
	// Logger receives log output. Nil discards it.
	Logger log.Logger

	// Store holds the cache. If nil, PersistenceURL is opened with
	// persistence.OpenStore; if that is empty too, the cache is a private
	// in-memory store. A store passed here is not closed by Shutdown.
	Store          persistence.Store
	PersistenceURL string
	// Signals records abandoned clients for every client sharing a store.
	Signals persistence.SignalStore
	// LeaseMaxAge defaults to persistence.DefaultLeaseMaxAge.
	LeaseMaxAge time.Duration
	// LeaseRefreshInterval defaults to persistence.DefaultLeaseRefreshInterval.
	LeaseRefreshInterval time.Duration
	// LeaseWait is how long New waits for another client to release the
	// store. Zero fails at once.
	LeaseWait time.Duration

	// MaxPendingWrites defaults to remote.DefaultMaxPendingWrites.
	MaxPendingWrites int
	// MaxConcurrentLimboResolutions defaults to
	// core.DefaultMaxConcurrentLimboResolutions.
	MaxConcurrentLimboResolutions int
	// LookupBatchSize defaults to remote.DefaultLookupBatchSize.
	LookupBatchSize int
	// TransactionRetries defaults to core.DefaultTransactionRetries.
	TransactionRetries int

	WriteBackoff       gax.Backoff
	ListenBackoff      gax.Backoff
	TransactionBackoff gax.Backoff
}

// Client is a document cache synchronized with a backend. Its methods are
// safe for concurrent use.
type Client struct {
	id        string
	logger    log.Logger
	creds     auth.CredentialsProvider
	queue     *asyncqueue.Queue
	store     persistence.Store
	ownsStore bool

	persistence *persistence.Persistence
	local       *localstore.LocalStore
	remote      *remote.RemoteStore
	sync        *core.SyncEngine
	events      *core.EventManager

	mu          sync.Mutex
	initialized bool
	started     bool
	// pendingUser is the latest user reported before the client started.
	pendingUser *auth.User
	closed      bool
}

// NewLogfmtLogger returns a logger writing logfmt lines to w, with a UTC
// timestamp and the caller.
func NewLogfmtLogger(w io.Writer) log.Logger {
	l := log.NewLogfmtLogger(log.NewSyncWriter(w))
	return log.With(l, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)
}

// New starts a Client. It takes the owner lease of the store, loads the
// cache and connects to the backend.
func New(ctx context.Context, opts *Options) (_ *Client, err error) {
	var o Options
	if opts != nil {
		o = *opts
	}
	if o.Transport == nil {
		return nil, gcerr.Newf(gcerr.InvalidArgument, nil, "client: Options.Transport is required")
	}
	if o.Logger == nil {
		o.Logger = log.NewNopLogger()
	}
	if o.Credentials == nil {
		o.Credentials = auth.EmptyCredentialsProvider{}
	}
	c := &Client{
		id:    uuid.NewString(),
		creds: o.Credentials,
	}
	c.logger = log.With(o.Logger, "component", "client", "client", c.id)
	c.queue = asyncqueue.New(o.Logger)
	defer func() {
		if err != nil {
			c.release(ctx, false)
		}
	}()

	switch {
	case o.Store != nil:
		c.store = o.Store
	case o.PersistenceURL != "":
		if c.store, err = persistence.OpenStore(ctx, o.PersistenceURL); err != nil {
			return nil, err
		}
		c.ownsStore = true
	default:
		if c.store, err = memkv.Open(nil); err != nil {
			return nil, err
		}
		c.ownsStore = true
	}

	user, err := c.initialUser(ctx)
	if err != nil {
		return nil, err
	}
	c.persistence, err = persistence.Open(ctx, c.store, &persistence.Options{
		Logger:               o.Logger,
		Queue:                c.queue,
		Signals:              o.Signals,
		LeaseMaxAge:          o.LeaseMaxAge,
		LeaseRefreshInterval: o.LeaseRefreshInterval,
		LeaseWait:            o.LeaseWait,
	})
	if err != nil {
		return nil, err
	}
	c.local = localstore.New(c.persistence, user, &localstore.Options{Logger: o.Logger})
	if err := c.local.Start(ctx); err != nil {
		return nil, err
	}
	ds := remote.NewDatastore(o.Transport, c.creds, &remote.DatastoreOptions{LookupBatchSize: o.LookupBatchSize})
	c.remote = remote.NewRemoteStore(c.local, ds, c.queue, &remote.Options{
		Logger:           o.Logger,
		MaxPendingWrites: o.MaxPendingWrites,
		WriteBackoff:     o.WriteBackoff,
		ListenBackoff:    o.ListenBackoff,
	})
	c.sync = core.NewSyncEngine(c.local, c.remote, ds, c.queue, user, &core.Options{
		Logger:                        o.Logger,
		MaxConcurrentLimboResolutions: o.MaxConcurrentLimboResolutions,
		TransactionRetries:            o.TransactionRetries,
		TransactionBackoff:            o.TransactionBackoff,
	})
	c.events = core.NewEventManager(c.sync)
	if err := c.queue.Run(ctx, c.remote.Start); err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.started = true
	if c.pendingUser != nil {
		c.enqueueUserChange(*c.pendingUser)
		c.pendingUser = nil
	}
	c.mu.Unlock()
	level.Info(c.logger).Log("op", "New", "msg", "client started", "user", user.Key(), "owner", c.persistence.OwnerID())
	return c, nil
}

// initialUser registers the user change listener and returns the user it
// reports first. Later changes switch the client to the new user once it is
// started.
func (c *Client) initialUser(ctx context.Context) (auth.User, error) {
	first := make(chan auth.User, 1)
	c.creds.SetUserChangeListener(func(u auth.User) {
		c.mu.Lock()
		defer c.mu.Unlock()
		switch {
		case !c.initialized:
			c.initialized = true
			first <- u
		case !c.started:
			c.pendingUser = &u
		default:
			c.enqueueUserChange(u)
		}
	})
	select {
	case u := <-first:
		return u, nil
	case <-ctx.Done():
		return auth.User{}, ctx.Err()
	}
}

func (c *Client) enqueueUserChange(u auth.User) {
	c.queue.EnqueueAndForget("HandleUserChange", func(ctx context.Context) error {
		return c.sync.HandleUserChange(ctx, u)
	})
}

// ID returns a random id identifying the client in logs.
func (c *Client) ID() string { return c.id }

// run runs fn on the queue, failing if the client is shut down.
func (c *Client) run(ctx context.Context, fn func(context.Context) error) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return gcerr.Newf(gcerr.FailedPrecondition, nil, "client: the client is shut down")
	}
	return c.queue.Run(ctx, fn)
}

// A ListenerRegistration removes a listener added by Listen.
type ListenerRegistration struct {
	c        *Client
	listener *core.QueryListener
	once     sync.Once
}

// Remove stops calling the listener. It is safe to call more than once.
func (r *ListenerRegistration) Remove(ctx context.Context) error {
	var err error
	r.once.Do(func() {
		err = r.c.run(ctx, func(ctx context.Context) error {
			return r.c.events.Unlisten(ctx, r.listener)
		})
	})
	return err
}

// Listen calls onSnapshot with the results of q as they change, starting
// with the cached results. If the backend rejects q, onError is called and
// the listener is removed.
func (c *Client) Listen(ctx context.Context, q query.Query, opts core.ListenOptions, onSnapshot func(*core.ViewSnapshot), onError func(error)) (*ListenerRegistration, error) {
	if onError == nil {
		onError = func(err error) {
			level.Warn(c.logger).Log("op", "Listen", "msg", "listen failed", "query", q, "err", err)
		}
	}
	l := core.NewQueryListener(q, opts, onSnapshot, onError)
	err := c.run(ctx, func(ctx context.Context) error { return c.events.Listen(ctx, l) })
	if err != nil {
		return nil, err
	}
	return &ListenerRegistration{c: c, listener: l}, nil
}

// Write applies mutations to the cache as one batch and waits until the
// backend accepts or rejects them. If ctx is done first, Write returns
// ctx.Err() and the batch stays queued.
func (c *Client) Write(ctx context.Context, mutations ...model.Mutation) error {
	var done <-chan error
	err := c.run(ctx, func(ctx context.Context) error {
		var err error
		done, err = c.sync.Write(ctx, mutations)
		return err
	})
	if err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunTransaction runs f in a transaction against the backend, retrying it
// when documents it read change before it commits. See
// core.SyncEngine.RunTransaction.
func (c *Client) RunTransaction(ctx context.Context, f func(context.Context, *core.Transaction) error) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return gcerr.Newf(gcerr.FailedPrecondition, nil, "client: the client is shut down")
	}
	return c.sync.RunTransaction(ctx, f)
}

// GetDocumentFromCache returns the cached state of key, with local writes
// applied, or nil if it is not cached.
func (c *Client) GetDocumentFromCache(ctx context.Context, key model.DocumentKey) (model.MaybeDocument, error) {
	var doc model.MaybeDocument
	err := c.run(ctx, func(ctx context.Context) error {
		var err error
		doc, err = c.local.ReadDocument(ctx, key)
		return err
	})
	return doc, err
}

// EnableNetwork reconnects to the backend after DisableNetwork.
func (c *Client) EnableNetwork(ctx context.Context) error {
	return c.run(ctx, c.remote.EnableNetwork)
}

// DisableNetwork disconnects from the backend. Listeners get results from
// the cache and writes wait until the network is enabled.
func (c *Client) DisableNetwork(ctx context.Context) error {
	return c.run(ctx, c.remote.DisableNetwork)
}

// Shutdown disconnects from the backend, stops the operation queue and
// releases the store. If drain is set, delayed operations such as write
// retries run first; otherwise they are canceled.
func (c *Client) Shutdown(ctx context.Context, drain bool) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	level.Info(c.logger).Log("op", "Shutdown", "drain", drain)
	if err := c.queue.Run(ctx, c.remote.Shutdown); err != nil {
		return err
	}
	return c.release(ctx, drain)
}

// Abandon gives up the client without waiting for queued work, as when the
// process is about to exit. The store lease is marked abandoned and deleted
// if possible, so another client can open the store at once instead of
// waiting for the lease to go stale.
func (c *Client) Abandon(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	level.Warn(c.logger).Log("op", "Abandon", "msg", "abandoning store lease")
	c.creds.SetUserChangeListener(nil)
	// After this no local transaction can commit.
	err := c.persistence.Abandon(ctx)
	if rerr := c.queue.Run(ctx, c.remote.Shutdown); rerr != nil && err == nil {
		err = rerr
	}
	if qerr := c.queue.Shutdown(ctx, false); qerr != nil && err == nil {
		err = qerr
	}
	if c.ownsStore && c.store != nil {
		if cerr := c.store.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// release stops whatever New started, in reverse order.
func (c *Client) release(ctx context.Context, drain bool) error {
	c.creds.SetUserChangeListener(nil)
	err := c.queue.Shutdown(ctx, drain)
	if c.persistence != nil {
		if perr := c.persistence.Shutdown(ctx, false); perr != nil && err == nil {
			err = perr
		}
	}
	if c.ownsStore && c.store != nil {
		if cerr := c.store.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
